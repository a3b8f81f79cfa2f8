package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/hostbridge/internal/token"
)

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer("hostbridge-devhost", "api://abc", time.Hour)
	require.NoError(t, err)
	return iss
}

func staticValidator(t *testing.T, iss *Issuer, issuer, audience string) *JWTValidator {
	t.Helper()
	jwks, err := iss.JWKS()
	require.NoError(t, err)
	v, err := NewStaticValidator(jwks, issuer, audience)
	require.NoError(t, err)
	return v
}

func TestSignAndValidate(t *testing.T) {
	iss := newIssuer(t)
	signed, err := iss.Sign("user-1", "ten1", []string{"api://abc/access_as_user"})
	require.NoError(t, err)

	claims, err := staticValidator(t, iss, "hostbridge-devhost", "api://abc").Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "ten1", claims.TenantID)
	assert.Equal(t, "access_as_user", claims.Scope)

	// The unverified reader used by the client agrees with the issuer.
	tok := token.Parse(signed)
	assert.True(t, tok.Covers(token.Request{Scopes: []string{"api://abc/access_as_user"}}))
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresOn, 5*time.Second)
}

func TestValidateRejects(t *testing.T) {
	iss := newIssuer(t)
	signed, err := iss.Sign("user-1", "", nil)
	require.NoError(t, err)

	other := newIssuer(t)
	foreign, err := other.Sign("user-1", "", nil)
	require.NoError(t, err)

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "hostbridge-devhost", "aud": "api://abc", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		token     string
		validator *JWTValidator
	}{
		{name: "wrong issuer", token: signed, validator: staticValidator(t, iss, "someone-else", "api://abc")},
		{name: "wrong audience", token: signed, validator: staticValidator(t, iss, "hostbridge-devhost", "api://other")},
		{name: "unknown key", token: foreign, validator: staticValidator(t, iss, "hostbridge-devhost", "api://abc")},
		{name: "hmac token", token: hs, validator: staticValidator(t, iss, "hostbridge-devhost", "api://abc")},
		{name: "garbage", token: "not.a.jwt", validator: staticValidator(t, iss, "hostbridge-devhost", "api://abc")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.validator.Validate(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestRemoteValidatorFetchesJWKS(t *testing.T) {
	iss := newIssuer(t)
	jwks, err := iss.JWKS()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/.well-known/jwks.json") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWTValidator(ctx, srv.URL+"/.well-known/jwks.json", "hostbridge-devhost", "api://abc")
	require.NoError(t, err)

	signed, err := iss.Sign("user-2", "", []string{"access_as_user"})
	require.NoError(t, err)
	claims, err := v.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-2", claims.Subject)
}
