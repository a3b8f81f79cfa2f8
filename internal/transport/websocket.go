// Package transport carries bridge envelopes over a WebSocket connection to
// the host window.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/hostbridge/internal/logging"
	"github.com/workspace/hostbridge/internal/retry"
)

// DialConfig holds connection settings.
type DialConfig struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	Retry            retry.Config
}

// Conn is a WebSocket connection usable as a channel.Transport.
type Conn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	logger       *slog.Logger
	closeOnce    sync.Once
}

// Dial connects to the host at url, retrying transient failures. A handshake
// rejected by the server (bad status) is not retried.
func Dial(ctx context.Context, url string, cfg DialConfig) (*Conn, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
	}

	ws, err := retry.DoValue(ctx, cfg.Retry, "dial host "+url, func(ctx context.Context) (*websocket.Conn, error) {
		ws, resp, err := dialer.DialContext(ctx, url, cfg.Header)
		if err != nil {
			if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
				return nil, retry.Permanent(fmt.Errorf("host rejected handshake: %s", resp.Status))
			}
			return nil, err
		}
		return ws, nil
	})
	if err != nil {
		return nil, err
	}
	return NewConn(ws, cfg.WriteTimeout), nil
}

// NewConn wraps an established WebSocket connection.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Conn{
		conn:         ws,
		writeTimeout: writeTimeout,
		logger:       logging.Component("transport"),
	}
}

// Post writes one envelope as a text frame. Writes are serialized because
// gorilla/websocket supports only one concurrent writer.
func (c *Conn) Post(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// ReadLoop delivers every inbound text frame to handle until the connection
// closes or ctx is cancelled. A normal closure returns nil.
func (c *Conn) ReadLoop(ctx context.Context, handle func([]byte)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read envelope: %w", err)
		}
		if msgType != websocket.TextMessage {
			c.logger.Debug("Ignoring non-text frame", "type", msgType)
			continue
		}
		handle(data)
	}
}

// Close sends a close frame (best effort) and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
