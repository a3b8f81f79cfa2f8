package devhost

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/workspace/hostbridge/internal/envelope"
)

const maxBodyBytes = 1 << 20

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.connMu.RLock()
	conns := len(s.conns)
	s.connMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"connections":    conns,
		"requireConsent": s.config.RequireConsent,
	})
}

// handleJWKS publishes the signing key.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.issuer.JWKS()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode key set")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(jwks)
}

// handleEvent pushes a host event to every connection registered for it.
// The body is the event's argument list, or a single value that becomes the
// only argument.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	args, err := eventArgs(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := json.Marshal(envelope.Event{Func: name, Args: args})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode event")
		return
	}

	delivered := 0
	for _, c := range s.subscribers(name) {
		if err := c.conn.Post(r.Context(), data); err != nil {
			s.logger.Warn("Failed to push event", "event", name, "error", err)
			continue
		}
		delivered++
	}
	s.metrics.eventsPushed.WithLabelValues(name).Add(float64(delivered))
	s.logger.Info("Host event pushed", "event", name, "delivered", delivered)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":     name,
		"delivered": delivered,
	})
}

func eventArgs(body []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return []json.RawMessage{}, nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("body must be JSON")
	}
	if strings.HasPrefix(trimmed, "[") {
		var args []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			return nil, fmt.Errorf("invalid argument list: %w", err)
		}
		return args, nil
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

// functionReply is what the functions backend echoes back.
type functionReply struct {
	Function string            `json:"function"`
	Subject  string            `json:"subject"`
	Scopes   []string          `json:"scopes"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Headers  map[string]string `json:"headers"`
}

// handleFunction is the token-checked functions backend. It echoes the call
// so clients can see exactly what was sent.
func (s *Server) handleFunction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	outcome := "ok"
	defer func() { s.metrics.functionCalls.WithLabelValues(outcome).Inc() }()

	authz := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || raw == "" {
		outcome = "unauthorized"
		writeError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	claims, err := s.validator.Validate(raw)
	if err != nil {
		outcome = "unauthorized"
		s.logger.Warn("Function call token rejected", "function", name, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		outcome = "bad_request"
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		outcome = "bad_request"
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	prefix := strings.ToLower(s.config.HeaderPrefix) + "-"
	headers := make(map[string]string)
	for k, v := range r.Header {
		if lk := strings.ToLower(k); strings.HasPrefix(lk, prefix) && len(v) > 0 {
			headers[lk] = v[0]
		}
	}

	writeJSON(w, http.StatusOK, functionReply{
		Function: name,
		Subject:  claims.Subject,
		Scopes:   strings.Fields(claims.Scope),
		Body:     body,
		Headers:  headers,
	})
}

// rateLimit limits requests per client IP over a sliding window.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
