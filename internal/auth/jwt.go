// Package auth issues and validates the bearer tokens carried on function
// calls. Keys are Ed25519 and published as a JWKS.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the claims of a function-call access token.
type Claims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scp,omitempty"`
	TenantID string `json:"tid,omitempty"`
}

// Issuer signs access tokens with an Ed25519 key.
type Issuer struct {
	issuer   string
	audience string
	keyID    string
	ttl      time.Duration
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
}

// NewIssuer generates a fresh signing key.
func NewIssuer(issuer, audience string, ttl time.Duration) (*Issuer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{
		issuer:   issuer,
		audience: audience,
		keyID:    uuid.NewString(),
		ttl:      ttl,
		priv:     priv,
		pub:      pub,
	}, nil
}

// Sign returns a token for subject carrying the given scopes.
func (i *Issuer) Sign(subject, tenantID string, scopes []string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
		TenantID: tenantID,
	}
	for _, s := range scopes {
		if claims.Scope != "" {
			claims.Scope += " "
		}
		claims.Scope += shortScope(s)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = i.keyID
	signed, err := tok.SignedString(i.priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// JWKS returns the public key set as JSON.
func (i *Issuer) JWKS() ([]byte, error) {
	jwks := map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"kty": "OKP",
				"crv": "Ed25519",
				"x":   base64.RawURLEncoding.EncodeToString(i.pub),
				"kid": i.keyID,
				"use": "sig",
				"alg": "EdDSA",
			},
		},
	}
	return json.Marshal(jwks)
}

func shortScope(s string) string {
	for j := len(s) - 1; j >= 0; j-- {
		if s[j] == '/' {
			return s[j+1:]
		}
	}
	return s
}

// JWTValidator validates tokens against a JWKS.
type JWTValidator struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewJWTValidator creates a validator that fetches and refreshes keys from
// jwksURL until ctx is cancelled.
func NewJWTValidator(ctx context.Context, jwksURL, issuer, audience string) (*JWTValidator, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}
	return &JWTValidator{jwks: k, issuer: issuer, audience: audience}, nil
}

// NewStaticValidator creates a validator over a fixed JWKS document.
func NewStaticValidator(jwks []byte, issuer, audience string) (*JWTValidator, error) {
	k, err := keyfunc.NewJWKSetJSON(json.RawMessage(jwks))
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS: %w", err)
	}
	return &JWTValidator{jwks: k, issuer: issuer, audience: audience}, nil
}

// Validate checks signature, expiry, issuer and audience and returns the
// claims.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("failed to get audience: %w", err)
	}
	if !slices.Contains(aud, v.audience) {
		return nil, fmt.Errorf("invalid audience")
	}
	return claims, nil
}
