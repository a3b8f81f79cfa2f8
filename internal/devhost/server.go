// Package devhost provides a local host simulator: it speaks the envelope
// protocol over a WebSocket the way an embedding host window does, brokers
// tokens, pushes events, and serves a token-checked functions backend.
package devhost

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workspace/hostbridge/internal/auth"
	"github.com/workspace/hostbridge/internal/config"
	"github.com/workspace/hostbridge/internal/logging"
)

// Server is the dev host HTTP server.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	router     chi.Router
	issuer     *auth.Issuer
	validator  *auth.JWTValidator
	registry   *prometheus.Registry
	metrics    *metrics
	logger     *slog.Logger

	connMu sync.RWMutex
	conns  map[*bridgeConn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server. Tokens are validated against the server's own key
// unless cfg.JWKSURL names an external key set.
func New(cfg *config.Config) (*Server, error) {
	issuer, err := auth.NewIssuer(cfg.Issuer, cfg.Audience, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var validator *auth.JWTValidator
	if cfg.JWKSURL != "" {
		validator, err = auth.NewJWTValidator(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	} else {
		var jwks []byte
		if jwks, err = issuer.JWKS(); err == nil {
			validator, err = auth.NewStaticValidator(jwks, cfg.Issuer, cfg.Audience)
		}
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWT validator: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		config:    cfg,
		issuer:    issuer,
		validator: validator,
		registry:  registry,
		metrics:   newMetrics(registry),
		logger:    logging.Component("devhost"),
		conns:     make(map[*bridgeConn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:      s.router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}
	return s, nil
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Issuer returns the token issuer.
func (s *Server) Issuer() *auth.Issuer {
	return s.issuer
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/bridge", s.handleBridge)
	r.Post("/events/{name}", s.handleEvent)

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(s.config.RateLimit, time.Minute))
		r.Post("/api/functions/{name}", s.handleFunction)
	})
	return r
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting dev host", "addr", s.httpServer.Addr, "requireConsent", s.config.RequireConsent)
	return s.httpServer.ListenAndServe()
}

// Stop closes every bridge connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.connMu.Lock()
	for c := range s.conns {
		_ = c.conn.Close()
	}
	s.connMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) addConn(c *bridgeConn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.connMu.Unlock()
	s.metrics.connections.Set(float64(n))
}

func (s *Server) removeConn(c *bridgeConn) {
	s.connMu.Lock()
	delete(s.conns, c)
	n := len(s.conns)
	s.connMu.Unlock()
	s.metrics.connections.Set(float64(n))
}

// subscribers returns the connections that registered event.
func (s *Server) subscribers(event string) []*bridgeConn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	var out []*bridgeConn
	for c := range s.conns {
		if c.registered(event) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
