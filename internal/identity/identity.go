// Package identity is the identity-provider client used by a started
// session. Tokens are brokered by the host over the correlation channel and
// cached locally between calls.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/hostbridge/internal/envelope"
	"github.com/workspace/hostbridge/internal/hostapi"
	"github.com/workspace/hostbridge/internal/logging"
	"github.com/workspace/hostbridge/internal/token"
)

// Host function names for the authentication capability.
const (
	FuncInitialize   = "authentication.initialize"
	FuncGetAuthToken = "authentication.getAuthToken"
	FuncAuthenticate = "authentication.authenticate"
)

// DefaultAuthority is used when no authority is configured.
const DefaultAuthority = "https://login.microsoftonline.com"

// DefaultExpirySkew is how long before expiry a cached token stops being
// handed out.
const DefaultExpirySkew = 5 * time.Minute

// Host error codes that a user prompt can resolve.
var interactionCodes = []string{"interaction_required", "consent_required", "login_required"}

// Config configures the identity client.
type Config struct {
	ClientID    string        `yaml:"clientId" json:"clientId"`
	Authority   string        `yaml:"authority" json:"authority"`
	TenantID    string        `yaml:"tenantId" json:"tenantId,omitempty"`
	RedirectURI string        `yaml:"redirectUri" json:"redirectUri,omitempty"`
	ExpirySkew  time.Duration `yaml:"expirySkew" json:"-"`
}

// DefaultConfig returns the configuration used when the caller supplies none.
func DefaultConfig(clientID, tenantID string) Config {
	return Config{
		ClientID:   clientID,
		Authority:  DefaultAuthority,
		TenantID:   tenantID,
		ExpirySkew: DefaultExpirySkew,
	}
}

// Validate checks that the configuration can be announced to the host.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("identity: client id is required")
	}
	if c.Authority != "" {
		u, err := url.Parse(c.Authority)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("identity: authority %q must be an absolute https URL", c.Authority)
		}
	}
	if c.RedirectURI != "" {
		if _, err := url.Parse(c.RedirectURI); err != nil {
			return fmt.Errorf("identity: invalid redirect uri: %w", err)
		}
	}
	if c.ExpirySkew < 0 {
		return errors.New("identity: expiry skew must not be negative")
	}
	return nil
}

// Cache stores tokens between acquisitions. persistence.Store satisfies it.
type Cache interface {
	GetToken(ctx context.Context, key string) (token.Token, bool, error)
	PutToken(ctx context.Context, key string, tok token.Token) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu     sync.RWMutex
	tokens map[string]token.Token
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{tokens: make(map[string]token.Token)}
}

func (m *MemoryCache) GetToken(_ context.Context, key string) (token.Token, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[key]
	return tok, ok, nil
}

func (m *MemoryCache) PutToken(_ context.Context, key string, tok token.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = tok
	return nil
}

// tokenParams is the argument of the getAuthToken and authenticate calls.
type tokenParams struct {
	Resources []string `json:"resources"`
	TenantID  string   `json:"tenantId,omitempty"`
	Silent    bool     `json:"silent,omitempty"`
}

// Client acquires tokens through the host. It implements token.Requester.
type Client struct {
	cfg         Config
	host        *hostapi.Client
	cache       Cache
	logger      *slog.Logger
	now         func() time.Time
	initialized atomic.Bool
}

// New returns a Client. cache may be nil, in which case tokens are kept in
// memory.
func New(cfg Config, caller hostapi.Caller, cache Cache) *Client {
	if cfg.Authority == "" {
		cfg.Authority = DefaultAuthority
	}
	if cfg.ExpirySkew == 0 {
		cfg.ExpirySkew = DefaultExpirySkew
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Client{
		cfg:    cfg,
		host:   hostapi.NewClient(caller, ""),
		cache:  cache,
		logger: logging.Component("identity"),
		now:    time.Now,
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Initialize validates the configuration and announces it to the host.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if err := c.host.Call(ctx, FuncInitialize, nil, c.cfg); err != nil {
		return fmt.Errorf("initialize identity client: %w", err)
	}
	c.initialized.Store(true)
	c.logger.Info("Identity client initialized", "clientId", c.cfg.ClientID, "authority", c.cfg.Authority)
	return nil
}

// AcquireSilent returns a cached token when one is valid and covers req;
// otherwise it asks the host for one without prompting. Failures the host
// classifies as needing a prompt wrap token.ErrInteractionRequired.
func (c *Client) AcquireSilent(ctx context.Context, req token.Request) (token.Token, error) {
	if err := c.ready(); err != nil {
		return token.Token{}, err
	}
	key := c.cacheKey(req)
	cached, ok, err := c.cache.GetToken(ctx, key)
	if err != nil {
		c.logger.Warn("Token cache read failed", "error", err)
	} else if ok && cached.Valid(c.now(), c.cfg.ExpirySkew) && cached.Covers(req) {
		c.logger.Debug("Token cache hit", "scopes", req.Scopes)
		return cached, nil
	}

	tok, err := c.request(ctx, FuncGetAuthToken, req, true)
	if err != nil {
		return token.Token{}, err
	}
	c.store(ctx, key, tok)
	return tok, nil
}

// AcquireInteractive asks the host to prompt the user for a token.
func (c *Client) AcquireInteractive(ctx context.Context, req token.Request) (token.Token, error) {
	if err := c.ready(); err != nil {
		return token.Token{}, err
	}
	tok, err := c.request(ctx, FuncAuthenticate, req, false)
	if err != nil {
		return token.Token{}, err
	}
	c.store(ctx, c.cacheKey(req), tok)
	return tok, nil
}

func (c *Client) ready() error {
	if !c.initialized.Load() {
		return errors.New("identity client not initialized")
	}
	return nil
}

func (c *Client) cacheKey(req token.Request) string {
	return c.cfg.ClientID + "|" + req.Key()
}

func (c *Client) store(ctx context.Context, key string, tok token.Token) {
	if err := c.cache.PutToken(ctx, key, tok); err != nil {
		c.logger.Warn("Token cache write failed", "error", err)
	}
}

func (c *Client) request(ctx context.Context, fn string, req token.Request, silent bool) (token.Token, error) {
	params := tokenParams{Resources: req.Scopes, TenantID: c.cfg.TenantID, Silent: silent}
	var raw json.RawMessage
	if err := c.host.Call(ctx, fn, &raw, params); err != nil {
		if isInteractionError(err) {
			return token.Token{}, fmt.Errorf("%w: %w", token.ErrInteractionRequired, err)
		}
		return token.Token{}, fmt.Errorf("%s: %w", fn, err)
	}
	tok, err := decodeToken(raw)
	if err != nil {
		return token.Token{}, fmt.Errorf("%s: %w", fn, err)
	}
	if len(tok.Scopes) == 0 {
		tok.Scopes = req.Scopes
	}
	return tok, nil
}

// decodeToken accepts either a bare token string or
// {"accessToken": "...", "expiresOn": <unix ms>}.
func decodeToken(raw json.RawMessage) (token.Token, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return token.Token{}, errors.New("host returned an empty token")
		}
		return token.Parse(s), nil
	}

	var obj struct {
		AccessToken string `json:"accessToken"`
		ExpiresOn   int64  `json:"expiresOn"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return token.Token{}, fmt.Errorf("decode token reply: %w", err)
	}
	if obj.AccessToken == "" {
		return token.Token{}, errors.New("host returned an empty token")
	}
	tok := token.Parse(obj.AccessToken)
	if obj.ExpiresOn > 0 {
		tok.ExpiresOn = time.UnixMilli(obj.ExpiresOn)
	}
	return tok, nil
}

func isInteractionError(err error) bool {
	var ce *envelope.ClientError
	if !errors.As(err, &ce) {
		return false
	}
	code := string(ce.ErrorCode)
	if code == "" {
		// [false, "consent_required"]
		code = ce.Message
	}
	code = strings.ToLower(strings.TrimSpace(code))
	for _, c := range interactionCodes {
		if code == c {
			return true
		}
	}
	return false
}
