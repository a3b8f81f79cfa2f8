package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/hostbridge/internal/channel"
	"github.com/workspace/hostbridge/internal/envelope"
	"github.com/workspace/hostbridge/internal/retry"
)

// echoHost answers every request with [true, func] and, after the first
// request, pushes a "ready" event.
func echoHost(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req envelope.Request
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			args, _ := envelope.MarshalArgs(true, req.Func)
			_ = ws.WriteJSON(envelope.Response{ID: req.ID, UUID: req.UUID, Origin: "test", Args: args})

			evArgs, _ := envelope.MarshalArgs("now")
			_ = ws.WriteJSON(envelope.Message{Func: "ready", Args: evArgs})
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return strings.Replace(s.URL, "http", "ws", 1)
}

func TestConnCarriesCorrelatedCalls(t *testing.T) {
	server := echoHost(t)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Dial(ctx, wsURL(server), DialConfig{})
	require.NoError(t, err)
	defer conn.Close()

	ch := channel.New(conn, channel.Config{Timeout: 2 * time.Second})
	defer ch.Close()
	readErr := make(chan error, 1)
	go func() { readErr <- conn.ReadLoop(ctx, ch.HandleMessage) }()

	events := make(chan string, 4)
	ch.On("ready", func(args []json.RawMessage) {
		var s string
		_ = json.Unmarshal(args[0], &s)
		events <- s
	})

	reply, err := ch.Send(ctx, "getContext")
	require.NoError(t, err)
	res := envelope.Decode(reply)
	require.True(t, res.OK())
	assert.JSONEq(t, `"getContext"`, string(res.Payload[0]))

	select {
	case ev := <-events:
		assert.Equal(t, "now", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a ready event")
	}

	cancel()
	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop on cancel")
	}
}

func TestDialDoesNotRetryRejectedHandshake(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := Dial(context.Background(), wsURL(server), DialConfig{
		Retry: retry.Config{InitialDelay: time.Millisecond, MaxAttempts: 3},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), hits.Load())
}

func TestDialRetriesUnreachableHost(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	_, err := Dial(context.Background(), url, DialConfig{
		Retry: retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted after 2 attempts")
}

func TestPostHonoursCancelledContext(t *testing.T) {
	server := echoHost(t)
	defer server.Close()

	conn, err := Dial(context.Background(), wsURL(server), DialConfig{})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, conn.Post(ctx, []byte(`{}`)), context.Canceled)
}
