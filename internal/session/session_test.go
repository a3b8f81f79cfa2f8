package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/hostbridge/internal/hostapi"
	"github.com/workspace/hostbridge/internal/identity"
	"github.com/workspace/hostbridge/internal/token"
)

type fakeHost struct {
	initCalls atomic.Int32
	gate      chan struct{} // when set, Initialize blocks until closed
	initErr   error
	ctx       hostapi.Context
}

func (h *fakeHost) Initialize(ctx context.Context) (hostapi.InitializeResult, error) {
	h.initCalls.Add(1)
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return hostapi.InitializeResult{}, ctx.Err()
		}
	}
	if h.initErr != nil {
		return hostapi.InitializeResult{}, h.initErr
	}
	return hostapi.InitializeResult{FrameContext: "content"}, nil
}

func (h *fakeHost) Context(context.Context) (hostapi.Context, error) {
	return h.ctx, nil
}

type fakeIdentity struct {
	silentErr error
	requests  []token.Request
	mu        sync.Mutex
}

func (f *fakeIdentity) Initialize(context.Context) error { return nil }

func (f *fakeIdentity) AcquireSilent(_ context.Context, req token.Request) (token.Token, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.silentErr != nil {
		return token.Token{}, f.silentErr
	}
	return token.Token{Value: "acquired-token"}, nil
}

func (f *fakeIdentity) AcquireInteractive(context.Context, token.Request) (token.Token, error) {
	return token.Token{Value: "interactive-token"}, nil
}

type fixture struct {
	ctrl      *Controller
	host      *fakeHost
	idc       *fakeIdentity
	factories atomic.Int32
	configs   []identity.Config
}

func newFixture(t *testing.T, endpoint string, host *fakeHost) *fixture {
	t.Helper()
	f := &fixture{host: host, idc: &fakeIdentity{}}
	f.ctrl = New(Config{Endpoint: endpoint, ClientID: "abc"}, Deps{
		Host: host,
		NewIdentity: func(cfg identity.Config) (IdentityClient, error) {
			f.factories.Add(1)
			f.configs = append(f.configs, cfg)
			return f.idc, nil
		},
	})
	return f
}

func TestConcurrentStartInitializesOnce(t *testing.T) {
	host := &fakeHost{gate: make(chan struct{}), ctx: hostapi.Context{TenantID: "ten1"}}
	f := newFixture(t, "http://unused", host)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.ctrl.Start(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return f.ctrl.Phase() == PhaseStarting }, time.Second, time.Millisecond)
	_, err := f.ctrl.Exec(context.Background(), "myFn", nil, ExecOptions{})
	assert.ErrorIs(t, err, ErrInvalidState, "exec must be rejected while starting")

	close(host.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, int32(1), host.initCalls.Load())
	assert.Equal(t, int32(1), f.factories.Load())
	assert.Equal(t, PhaseStarted, f.ctrl.Phase())

	// Starting again is a no-op.
	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.Equal(t, int32(1), host.initCalls.Load())
}

func TestStartPublishesStateTogether(t *testing.T) {
	host := &fakeHost{ctx: hostapi.Context{TenantID: "ten1", AppSessionID: "s1"}}
	f := newFixture(t, "http://unused", host)

	before := f.ctrl.Snapshot()
	assert.Equal(t, PhaseStopped, before.Phase)
	assert.True(t, before.StartedAt.IsZero())
	assert.Empty(t, before.HostContext.TenantID)

	require.NoError(t, f.ctrl.Start(context.Background()))
	after := f.ctrl.Snapshot()
	assert.Equal(t, PhaseStarted, after.Phase)
	assert.False(t, after.StartedAt.IsZero())
	assert.Equal(t, "ten1", after.HostContext.TenantID)

	require.Len(t, f.configs, 1)
	assert.Equal(t, identity.DefaultConfig("abc", "ten1"), f.configs[0])
}

func TestStartUsesCallerIdentityConfig(t *testing.T) {
	f := newFixture(t, "http://unused", &fakeHost{})
	custom := identity.Config{ClientID: "custom", Authority: "https://login.example.com"}
	f.ctrl.cfg.Identity = &custom

	require.NoError(t, f.ctrl.Start(context.Background()))
	require.Len(t, f.configs, 1)
	assert.Equal(t, custom, f.configs[0])
}

func TestFailedStartReturnsToStopped(t *testing.T) {
	host := &fakeHost{initErr: errors.New("host unavailable")}
	f := newFixture(t, "http://unused", host)

	err := f.ctrl.Start(context.Background())
	require.ErrorContains(t, err, "host unavailable")
	assert.Equal(t, PhaseStopped, f.ctrl.Phase())
	assert.Equal(t, int32(0), f.factories.Load())

	host.initErr = nil
	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.Equal(t, PhaseStarted, f.ctrl.Phase())
}

func TestExecBeforeStartIsRejectedWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, &fakeHost{})
	_, err := f.ctrl.Exec(context.Background(), "myFn", map[string]int{"x": 1}, ExecOptions{})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "App not started")
	assert.Zero(t, hits.Load())
	assert.Empty(t, f.idc.requests)
}

func TestExecSendsBearerAndHostHeaders(t *testing.T) {
	var (
		gotPath string
		gotBody []byte
		gotHdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHdr = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	host := &fakeHost{ctx: hostapi.Context{TenantID: "ten1", UserID: "u1", ChannelID: "c1", AppSessionID: "s1"}}
	f := newFixture(t, srv.URL, host)
	require.NoError(t, f.ctrl.Start(context.Background()))

	reply, err := f.ctrl.Exec(context.Background(), "myFn", map[string]int{"x": 1}, ExecOptions{
		Headers: map[string]string{"X-Host-Channel-Id": "override"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(reply))

	assert.Equal(t, "/api/functions/myFn", gotPath)
	assert.JSONEq(t, `{"x":1}`, string(gotBody))
	assert.Equal(t, "Bearer acquired-token", gotHdr.Get("Authorization"))
	assert.Equal(t, "ten1", gotHdr.Get("x-host-tenant-id"))
	assert.Equal(t, "u1", gotHdr.Get("x-host-user-id"))
	assert.Equal(t, "abc", gotHdr.Get("x-host-client-id"))
	assert.Equal(t, "s1", gotHdr.Get("x-host-app-session-id"))
	assert.Equal(t, "override", gotHdr.Get("x-host-channel-id"))

	require.Len(t, f.idc.requests, 1)
	assert.Equal(t, []string{"api://abc/access_as_user"}, f.idc.requests[0].Scopes)
}

func TestExecPropagatesTokenAndHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, &fakeHost{})
	require.NoError(t, f.ctrl.Start(context.Background()))

	_, err := f.ctrl.Exec(context.Background(), "myFn", nil, ExecOptions{})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, "nope", httpErr.Body)

	denied := errors.New("token endpoint down")
	f.idc.silentErr = denied
	_, err = f.ctrl.Exec(context.Background(), "myFn", nil, ExecOptions{})
	assert.Same(t, denied, err, "token errors reach the caller unwrapped")
}

func TestExecWithoutDataSendsEmptyBody(t *testing.T) {
	var (
		gotBody        []byte
		gotContentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, &fakeHost{})
	require.NoError(t, f.ctrl.Start(context.Background()))

	reply, err := f.ctrl.Exec(context.Background(), "myFn", nil, ExecOptions{})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Empty(t, gotBody)
	assert.Empty(t, gotContentType)
}

func TestResolveScopes(t *testing.T) {
	tests := []struct {
		name string
		opts ExecOptions
		want []string
	}{
		{name: "default permission", want: []string{"api://abc/access_as_user"}},
		{name: "named permission", opts: ExecOptions{Permission: "Files.Read"}, want: []string{"api://abc/Files.Read"}},
		{
			name: "explicit request wins",
			opts: ExecOptions{TokenRequest: &token.Request{Scopes: []string{"User.Read"}}, Permission: "ignored"},
			want: []string{"User.Read"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveScopes(tt.opts, "abc", DefaultPermission).Scopes)
		})
	}
}

func TestBuildHeadersOmitsEmptyFields(t *testing.T) {
	h := BuildHeaders("x-app", "tok", hostapi.Context{TenantID: "ten1"}, "abc", nil)
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "ten1", h.Get("X-App-Tenant-Id"))
	assert.Empty(t, h.Values("X-App-Chat-Id"))
}

func TestSnapshotMarshals(t *testing.T) {
	f := newFixture(t, "http://unused", &fakeHost{})
	b, err := json.Marshal(f.ctrl.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(b), `"phase":"stopped"`)
}
