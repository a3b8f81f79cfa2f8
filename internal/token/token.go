// Package token obtains bearer tokens: silently first, escalating to an
// interactive prompt only when the identity provider says interaction is
// required.
package token

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/workspace/hostbridge/internal/logging"
)

// ErrInteractionRequired classifies silent-acquisition failures that a user
// prompt can resolve (missing consent, expired login, ...).
var ErrInteractionRequired = errors.New("interaction required")

// IsInteractionRequired reports whether err belongs to the
// interaction-required class.
func IsInteractionRequired(err error) bool {
	return errors.Is(err, ErrInteractionRequired)
}

// Request names the scopes a token must carry.
type Request struct {
	Scopes []string `json:"scopes"`
}

// Key returns a stable cache key for r.
func (r Request) Key() string {
	s := slices.Clone(r.Scopes)
	slices.Sort(s)
	return strings.Join(s, " ")
}

// Token is an acquired bearer token.
type Token struct {
	Value     string    `json:"token"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresOn time.Time `json:"expiresOn"`
}

// Valid reports whether t is usable at now, leaving skew before expiry.
// A zero ExpiresOn is treated as non-expiring.
func (t Token) Valid(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return false
	}
	return t.ExpiresOn.IsZero() || now.Add(skew).Before(t.ExpiresOn)
}

// Covers reports whether t was granted every scope in r. Tokens that do not
// list their scopes are assumed to cover the request they were issued for.
func (t Token) Covers(r Request) bool {
	if len(t.Scopes) == 0 {
		return true
	}
	for _, s := range r.Scopes {
		if !slices.Contains(t.Scopes, s) && !slices.Contains(t.Scopes, shortScope(s)) {
			return false
		}
	}
	return true
}

// shortScope strips the resource prefix: "api://abc/access_as_user" ->
// "access_as_user", which is how scp claims list delegated scopes.
func shortScope(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Parse reads the expiry and scopes out of a JWT access token without
// verifying its signature; the resource server does that. Non-JWT tokens are
// returned with only Value set.
func Parse(raw string) Token {
	tok := Token{Value: raw}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return tok
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tok.ExpiresOn = exp.Time
	}
	switch scp := claims["scp"].(type) {
	case string:
		tok.Scopes = strings.Fields(scp)
	case []interface{}:
		for _, s := range scp {
			if str, ok := s.(string); ok {
				tok.Scopes = append(tok.Scopes, str)
			}
		}
	}
	return tok
}

// Requester is a token-acquisition runtime.
type Requester interface {
	AcquireSilent(ctx context.Context, req Request) (Token, error)
	AcquireInteractive(ctx context.Context, req Request) (Token, error)
}

// Acquire tries silent acquisition and, only when it fails with
// ErrInteractionRequired, makes exactly one interactive attempt. Any other
// silent failure is returned without prompting. Failures are logged and
// returned unwrapped.
func Acquire(ctx context.Context, r Requester, req Request) (Token, error) {
	logger := logging.Component("token")

	tok, err := r.AcquireSilent(ctx, req)
	if err == nil {
		return tok, nil
	}
	if !IsInteractionRequired(err) {
		logger.Error("Silent token acquisition failed", "scopes", req.Scopes, "error", err)
		return Token{}, err
	}

	logger.Info("Silent token acquisition needs interaction, prompting user", "scopes", req.Scopes, "reason", err)
	tok, err = r.AcquireInteractive(ctx, req)
	if err != nil {
		logger.Error("Interactive token acquisition failed", "scopes", req.Scopes, "error", err)
		return Token{}, err
	}
	return tok, nil
}
