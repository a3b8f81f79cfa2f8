// Package bridge wires a host connection into a ready-to-use session: the
// WebSocket transport, the correlation channel, the host client, the token
// cache and the session controller.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/workspace/hostbridge/internal/channel"
	"github.com/workspace/hostbridge/internal/config"
	"github.com/workspace/hostbridge/internal/hostapi"
	"github.com/workspace/hostbridge/internal/identity"
	"github.com/workspace/hostbridge/internal/logging"
	"github.com/workspace/hostbridge/internal/persistence"
	"github.com/workspace/hostbridge/internal/retry"
	"github.com/workspace/hostbridge/internal/session"
	"github.com/workspace/hostbridge/internal/transport"
)

// Bridge is a connected application.
type Bridge struct {
	Channel *channel.Channel
	Host    *hostapi.Client
	Session *session.Controller

	conn    *transport.Conn
	store   *persistence.Store
	logger  *slog.Logger
	cancel  context.CancelFunc
	readErr chan error
	once    sync.Once
}

// Options tune Connect.
type Options struct {
	// Registerer receives the channel metrics when set.
	Registerer prometheus.Registerer
	Retry      retry.Config
}

// Connect dials the host named by cfg.HostURL and prepares a stopped session.
// Call Session.Start before Exec.
func Connect(ctx context.Context, cfg *config.Config, opts Options) (*Bridge, error) {
	logger := logging.Component("bridge")

	idCfg, err := cfg.Identity()
	if err != nil {
		return nil, err
	}

	var store *persistence.Store
	if cfg.TokenCachePath != "" {
		store, err = persistence.Open(cfg.TokenCachePath)
		if err != nil {
			return nil, fmt.Errorf("open token cache: %w", err)
		}
	}

	conn, err := transport.Dial(ctx, cfg.HostURL, transport.DialConfig{
		HandshakeTimeout: cfg.DialTimeout,
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadBufferSize:   cfg.WSReadBufferSize,
		WriteBufferSize:  cfg.WSWriteBufferSize,
		Retry:            opts.Retry,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	var m *channel.Metrics
	if opts.Registerer != nil {
		m = channel.NewMetrics(opts.Registerer)
	}
	ch := channel.New(conn, channel.Config{
		Timeout:    cfg.CallTimeout,
		APIVersion: cfg.APIVersion,
		Metrics:    m,
	})
	host := hostapi.NewClient(ch, cfg.APIVersion)

	var cache identity.Cache
	if store != nil {
		cache = store
	}
	if idCfg == nil && cfg.AuthorityHost != identity.DefaultAuthority {
		c := identity.DefaultConfig(cfg.ClientID, cfg.TenantID)
		c.Authority = cfg.AuthorityHost
		idCfg = &c
	}

	ctrl := session.New(session.Config{
		Endpoint:          cfg.FunctionsEndpoint,
		ClientID:          cfg.ClientID,
		HeaderPrefix:      cfg.HeaderPrefix,
		DefaultPermission: cfg.DefaultPermission,
		Identity:          idCfg,
		StartTimeout:      cfg.StartTimeout,
	}, session.Deps{
		Host: host,
		NewIdentity: func(c identity.Config) (session.IdentityClient, error) {
			return identity.New(c, ch, cache), nil
		},
	})

	readCtx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		Channel: ch,
		Host:    host,
		Session: ctrl,
		conn:    conn,
		store:   store,
		logger:  logger,
		cancel:  cancel,
		readErr: make(chan error, 1),
	}
	go func() {
		err := conn.ReadLoop(readCtx, ch.HandleMessage)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Host connection lost", "error", err)
		}
		ch.Close()
		b.readErr <- err
	}()

	logger.Info("Connected to host", "url", cfg.HostURL)
	return b, nil
}

// Done yields the read loop's terminal error once the host connection ends.
func (b *Bridge) Done() <-chan error {
	return b.readErr
}

// Close fails pending calls, closes the connection and the token cache.
func (b *Bridge) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		b.Channel.Close()
		err = b.conn.Close()
		if b.store != nil {
			if cerr := b.store.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
