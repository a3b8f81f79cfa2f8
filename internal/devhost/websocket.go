package devhost

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/hostbridge/internal/transport"
)

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client.
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks origin against the allowed list. Patterns like
// "https://*.example.com" match any subdomain.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	s.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
func matchWildcardOrigin(origin, pattern string) bool {
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) ||
		!strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}

// handleBridge upgrades to the envelope protocol and serves host calls until
// the application disconnects.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed for bridge", "error", err)
		return
	}

	c := &bridgeConn{
		server:       s,
		conn:         transport.NewConn(ws, s.config.WSWriteTimeout),
		appSessionID: uuid.NewString(),
		events:       make(map[string]struct{}),
	}
	c.logger = s.logger.With("appSessionId", c.appSessionID)
	s.addConn(c)
	defer s.removeConn(c)

	c.logger.Info("Bridge connected", "remoteAddr", r.RemoteAddr)
	if err := c.conn.ReadLoop(s.ctx, c.handle); err != nil {
		c.logger.Debug("Bridge read loop ended", "error", err)
	}
	_ = c.conn.Close()
	c.logger.Info("Bridge disconnected")
}
