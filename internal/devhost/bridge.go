package devhost

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/hostbridge/internal/channel"
	"github.com/workspace/hostbridge/internal/envelope"
	"github.com/workspace/hostbridge/internal/hostapi"
	"github.com/workspace/hostbridge/internal/identity"
	"github.com/workspace/hostbridge/internal/transport"
)

// FuncStream replies with n partial responses followed by a final one. It
// lets clients exercise multi-response calls against the dev host.
const FuncStream = "devtools.stream"

const hostOrigin = "devhost"

// maxStreamReplies caps the partial responses one devtools.stream call sends.
const maxStreamReplies = 1000

// bridgeConn is one application connected to the dev host.
type bridgeConn struct {
	server       *Server
	conn         *transport.Conn
	appSessionID string
	logger       *slog.Logger

	mu        sync.Mutex
	events    map[string]struct{}
	consented bool
	clientID  string
}

func (c *bridgeConn) registered(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.events[event]
	return ok
}

// handle serves one inbound request envelope.
func (c *bridgeConn) handle(data []byte) {
	var req envelope.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Func == "" {
		c.logger.Warn("Dropping malformed request", "error", err)
		return
	}

	var reply []any
	switch req.Func {
	case hostapi.FuncInitialize:
		reply = c.initialize(req)
	case hostapi.FuncGetContext:
		reply = []any{c.hostContext()}
	case channel.RegisterHandlerFunc:
		reply = c.registerHandler(req)
	case identity.FuncInitialize:
		reply = c.identityInitialize(req)
	case identity.FuncGetAuthToken:
		reply = c.issueToken(req, true)
	case identity.FuncAuthenticate:
		reply = c.issueToken(req, false)
	case FuncStream:
		c.stream(req)
		return
	default:
		reply = failure(envelope.CodeNotSupported, "not supported")
	}

	outcome := "ok"
	if len(reply) > 0 && reply[0] == false {
		outcome = "error"
	}
	c.server.metrics.hostCalls.WithLabelValues(req.Func, outcome).Inc()
	c.respond(req, false, reply...)
}

func (c *bridgeConn) respond(req envelope.Request, partial bool, args ...any) {
	raw, err := envelope.MarshalArgs(args...)
	if err != nil {
		c.logger.Error("Failed to encode reply", "func", req.Func, "error", err)
		return
	}
	data, err := json.Marshal(envelope.Response{
		ID:                 req.ID,
		UUID:               req.UUID,
		Origin:             hostOrigin,
		Args:               raw,
		MonotonicTimestamp: time.Now().UnixMilli(),
		IsPartialResponse:  partial,
	})
	if err != nil {
		c.logger.Error("Failed to encode response", "func", req.Func, "error", err)
		return
	}
	if err := c.conn.Post(context.Background(), data); err != nil {
		c.logger.Warn("Failed to send response", "func", req.Func, "error", err)
	}
}

func failure(code any, message string) []any {
	ce := &envelope.ClientError{Message: message}
	switch v := code.(type) {
	case int:
		ce.ErrorCode = envelope.NumericCode(v)
	case string:
		ce.ErrorCode = envelope.Code(v)
	}
	return []any{false, ce}
}

func (c *bridgeConn) initialize(req envelope.Request) []any {
	var version string
	if len(req.Args) > 0 {
		_ = json.Unmarshal(req.Args[0], &version)
	}
	c.logger.Info("Host initialize", "apiVersion", version)
	return []any{hostapi.InitializeResult{
		FrameContext:  "content",
		ClientType:    "web",
		ClientVersion: version,
	}}
}

func (c *bridgeConn) hostContext() hostapi.Context {
	cfg := c.server.config
	return hostapi.Context{
		AppID:        cfg.ClientID,
		AppSessionID: c.appSessionID,
		TenantID:     cfg.DevTenantID,
		UserID:       cfg.DevUserID,
		LoginHint:    cfg.DevUserID + "@devhost.local",
		HostName:     hostOrigin,
		FrameContext: "content",
	}
}

func (c *bridgeConn) registerHandler(req envelope.Request) []any {
	var name string
	if len(req.Args) == 0 || json.Unmarshal(req.Args[0], &name) != nil || name == "" {
		return failure(400, "registerHandler needs an event name")
	}
	c.mu.Lock()
	c.events[name] = struct{}{}
	c.mu.Unlock()
	c.logger.Debug("Handler registered", "event", name)
	return []any{true}
}

func (c *bridgeConn) identityInitialize(req envelope.Request) []any {
	var cfg identity.Config
	if len(req.Args) == 0 || json.Unmarshal(req.Args[0], &cfg) != nil {
		return failure(400, "authentication.initialize needs a configuration")
	}
	if cfg.ClientID != c.server.config.ClientID {
		return failure(400, "unknown client id "+cfg.ClientID)
	}
	c.mu.Lock()
	c.clientID = cfg.ClientID
	c.mu.Unlock()
	return []any{true}
}

type tokenParams struct {
	Resources []string `json:"resources"`
	TenantID  string   `json:"tenantId"`
}

// issueToken signs a token for the requested resources. Silent requests fail
// with consent_required until an interactive request has succeeded when the
// server requires consent.
func (c *bridgeConn) issueToken(req envelope.Request, silent bool) []any {
	c.mu.Lock()
	clientID, consented := c.clientID, c.consented
	c.mu.Unlock()

	if clientID == "" {
		return failure(412, "identity client not initialized")
	}
	var params tokenParams
	if len(req.Args) > 0 {
		_ = json.Unmarshal(req.Args[0], &params)
	}
	if len(params.Resources) == 0 {
		return failure(400, "no resources requested")
	}
	if silent && c.server.config.RequireConsent && !consented {
		c.server.metrics.tokens.WithLabelValues("consent_required").Inc()
		return failure("consent_required", "the user has not consented to "+params.Resources[0])
	}

	tenant := params.TenantID
	if tenant == "" {
		tenant = c.server.config.DevTenantID
	}
	tok, err := c.server.issuer.Sign(c.server.config.DevUserID, tenant, params.Resources)
	if err != nil {
		c.logger.Error("Failed to sign token", "error", err)
		return failure(envelope.CodeInternalError, "token signing failed")
	}

	kind := "silent"
	if !silent {
		kind = "interactive"
		c.mu.Lock()
		c.consented = true
		c.mu.Unlock()
	}
	c.server.metrics.tokens.WithLabelValues(kind).Inc()
	return []any{true, tok}
}

// stream answers with n partial responses counting down, then a final
// "done". n is capped at maxStreamReplies.
func (c *bridgeConn) stream(req envelope.Request) {
	n := 3
	if len(req.Args) > 0 {
		_ = json.Unmarshal(req.Args[0], &n)
	}
	n = min(n, maxStreamReplies)
	for i := n; i > 0; i-- {
		c.respond(req, true, true, i)
	}
	c.server.metrics.hostCalls.WithLabelValues(req.Func, "ok").Inc()
	c.respond(req, false, true, "done")
}
