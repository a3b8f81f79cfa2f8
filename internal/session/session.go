// Package session implements the session lifecycle: a one-time start that
// connects to the host and builds the identity client, and an exec guarded on
// that start which calls backend functions with a bearer token and the host
// context attached.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/workspace/hostbridge/internal/hostapi"
	"github.com/workspace/hostbridge/internal/identity"
	"github.com/workspace/hostbridge/internal/logging"
	"github.com/workspace/hostbridge/internal/token"
)

// ErrInvalidState is returned by Exec when the session is not started.
var ErrInvalidState = errors.New("App not started")

const (
	DefaultHeaderPrefix = "x-host"
	DefaultPermission   = "access_as_user"

	maxReplyBytes = 10 << 20
)

// Phase is the lifecycle phase of a Controller.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseStarted  Phase = "started"
)

// Host is the part of the host runtime used during start.
type Host interface {
	Initialize(ctx context.Context) (hostapi.InitializeResult, error)
	Context(ctx context.Context) (hostapi.Context, error)
}

// IdentityClient is a token requester that needs initializing before use.
type IdentityClient interface {
	token.Requester
	Initialize(ctx context.Context) error
}

// IdentityFactory constructs the identity client from its configuration.
type IdentityFactory func(cfg identity.Config) (IdentityClient, error)

// Config configures a Controller.
type Config struct {
	// Endpoint is the base URL of the backend serving /api/functions.
	Endpoint string
	ClientID string
	// HeaderPrefix prefixes the host-context headers (default "x-host").
	HeaderPrefix string
	// DefaultPermission is used when Exec is given no scopes or permission.
	DefaultPermission string
	// Identity, when set, replaces the default identity configuration.
	Identity *identity.Config
	// StartTimeout bounds the whole start sequence; zero means no bound.
	StartTimeout time.Duration
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Host        Host
	NewIdentity IdentityFactory
	HTTPClient  *http.Client
}

// ExecOptions tune a single Exec call.
type ExecOptions struct {
	// TokenRequest names the scopes explicitly.
	TokenRequest *token.Request
	// Permission is combined with the client id into an api:// scope when
	// TokenRequest is nil.
	Permission string
	// Headers override the default headers on key collision.
	Headers map[string]string
}

// HTTPError is returned when a function call replies with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("function call failed with status %d: %s", e.StatusCode, e.Body)
}

// started is published as one value so readers never see a partial start.
type started struct {
	at          time.Time
	identity    IdentityClient
	hostContext hostapi.Context
}

// Snapshot is a read-only view of the controller state.
type Snapshot struct {
	Phase       Phase           `json:"phase"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	HostContext hostapi.Context `json:"hostContext"`
}

// Controller owns one session.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	group  singleflight.Group
	now    func() time.Time

	mu    sync.RWMutex
	phase Phase
	state *started
}

// New returns a stopped Controller.
func New(cfg Config, deps Deps) *Controller {
	if cfg.HeaderPrefix == "" {
		cfg.HeaderPrefix = DefaultHeaderPrefix
	}
	if cfg.DefaultPermission == "" {
		cfg.DefaultPermission = DefaultPermission
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: logging.Component("session"),
		now:    time.Now,
		phase:  PhaseStopped,
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Snapshot returns the phase and, once started, the start time and host
// context.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{Phase: c.phase}
	if c.state != nil {
		s.StartedAt = c.state.at
		s.HostContext = c.state.hostContext
	}
	return s
}

// Start moves the session to Started. Calls made while a start is in flight
// wait for it and share its result; calls made once started return nil
// immediately. A failed start leaves the session Stopped so it can be
// retried. ctx only bounds the caller's wait, not the start itself.
func (c *Controller) Start(ctx context.Context) error {
	switch phase := c.Phase(); phase {
	case PhaseStarted:
		c.logger.Info("Start called on a session that is already running", "phase", phase)
		return nil
	case PhaseStarting:
		c.logger.Info("Start called while a start is in progress", "phase", phase)
	}

	ch := c.group.DoChan("start", func() (any, error) {
		return nil, c.start(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseStarted {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseStarting
	c.mu.Unlock()
	c.logger.Info("Session phase changed", "phase", PhaseStarting)

	if c.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.StartTimeout)
		defer cancel()
	}

	st, err := c.initialize(ctx)

	c.mu.Lock()
	if err != nil {
		c.phase = PhaseStopped
	} else {
		c.phase = PhaseStarted
		c.state = st
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("Session start failed", "error", err)
		return err
	}
	c.logger.Info("Session phase changed", "phase", PhaseStarted,
		"tenantId", st.hostContext.TenantID, "appSessionId", st.hostContext.AppSessionID)
	return nil
}

func (c *Controller) initialize(ctx context.Context) (*started, error) {
	if c.deps.Host == nil || c.deps.NewIdentity == nil {
		return nil, errors.New("session: host and identity factory are required")
	}
	if _, err := c.deps.Host.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	hostCtx, err := c.deps.Host.Context(ctx)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	cfg := identity.DefaultConfig(c.cfg.ClientID, hostCtx.TenantID)
	if c.cfg.Identity != nil {
		cfg = *c.cfg.Identity
	}
	idc, err := c.deps.NewIdentity(cfg)
	if err != nil {
		return nil, fmt.Errorf("start session: create identity client: %w", err)
	}
	if err := idc.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	return &started{at: c.now(), identity: idc, hostContext: hostCtx}, nil
}

// Exec calls the backend function fn with data as its JSON body and returns
// the reply body. It fails with ErrInvalidState before any network activity
// when the session is not started. Token and transport errors are returned
// unmodified.
func (c *Controller) Exec(ctx context.Context, fn string, data any, opts ExecOptions) (json.RawMessage, error) {
	c.mu.RLock()
	st := c.state
	c.mu.RUnlock()
	if st == nil {
		return nil, ErrInvalidState
	}

	req := ResolveScopes(opts, c.cfg.ClientID, c.cfg.DefaultPermission)
	tok, err := token.Acquire(ctx, st.identity, req)
	if err != nil {
		return nil, err
	}

	// A nil data sends an empty body rather than the literal null.
	var body io.Reader = http.NoBody
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", fn, err)
		}
		body = bytes.NewReader(encoded)
	}
	target := strings.TrimRight(c.cfg.Endpoint, "/") + "/api/functions/" + url.PathEscape(fn)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", fn, err)
	}
	if data != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range BuildHeaders(c.cfg.HeaderPrefix, tok.Value, st.hostContext, c.cfg.ClientID, opts.Headers) {
		httpReq.Header[k] = v
	}

	resp, err := c.deps.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s reply: %w", fn, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(reply))}
	}
	if len(bytes.TrimSpace(reply)) == 0 {
		return nil, nil
	}
	return json.RawMessage(reply), nil
}

// ResolveScopes picks the scopes for an Exec call: the explicit request,
// else api://<clientID>/<permission>, else the default permission.
func ResolveScopes(opts ExecOptions, clientID, defaultPermission string) token.Request {
	if opts.TokenRequest != nil && len(opts.TokenRequest.Scopes) > 0 {
		return *opts.TokenRequest
	}
	perm := opts.Permission
	if perm == "" {
		perm = defaultPermission
	}
	return token.Request{Scopes: []string{fmt.Sprintf("api://%s/%s", clientID, perm)}}
}

// BuildHeaders returns the authorization header and the host-context headers
// for an Exec call. Empty context fields are omitted. extra is applied last
// and wins on collision, compared case-insensitively.
func BuildHeaders(prefix, bearer string, hc hostapi.Context, clientID string, extra map[string]string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+bearer)

	set := func(name, value string) {
		if value != "" {
			h.Set(prefix+"-"+name, value)
		}
	}
	set("app-id", hc.AppID)
	set("app-session-id", hc.AppSessionID)
	set("client-id", clientID)
	set("tenant-id", hc.TenantID)
	set("user-id", hc.UserID)
	set("team-id", hc.TeamID)
	set("message-id", hc.MessageID)
	set("parent-message-id", hc.ParentMessageID)
	set("channel-id", hc.ChannelID)
	set("chat-id", hc.ChatID)
	set("meeting-id", hc.MeetingID)
	set("page-id", hc.PageID)
	set("sub-page-id", hc.SubPageID)

	for k, v := range extra {
		h.Set(k, v)
	}
	return h
}
