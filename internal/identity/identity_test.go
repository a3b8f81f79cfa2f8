package identity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/hostbridge/internal/persistence"
	"github.com/workspace/hostbridge/internal/token"
)

// fakeHost answers host calls from a per-function script.
type fakeHost struct {
	replies map[string][]string
	calls   []string
	params  []tokenParams
}

func (f *fakeHost) Send(_ context.Context, fn string, args ...any) ([]json.RawMessage, error) {
	f.calls = append(f.calls, fn)
	if len(args) > 0 {
		if p, ok := args[0].(tokenParams); ok {
			f.params = append(f.params, p)
		}
	}
	script := f.replies[fn]
	if len(script) == 0 {
		return []json.RawMessage{json.RawMessage(`false`), json.RawMessage(`{"errorCode":501,"message":"not scripted"}`)}, nil
	}
	reply := script[0]
	if len(script) > 1 {
		f.replies[fn] = script[1:]
	}
	var out []json.RawMessage
	if err := json.Unmarshal([]byte(reply), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeHost) count(fn string) int {
	n := 0
	for _, c := range f.calls {
		if c == fn {
			n++
		}
	}
	return n
}

var scopes = token.Request{Scopes: []string{"api://abc/access_as_user"}}

func newInitialized(t *testing.T, host *fakeHost, cache Cache) *Client {
	t.Helper()
	if host.replies == nil {
		host.replies = map[string][]string{}
	}
	host.replies[FuncInitialize] = []string{`[true]`}
	c := New(DefaultConfig("abc", "ten1"), host, cache)
	require.NoError(t, c.Initialize(context.Background()))
	return c
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "default", cfg: DefaultConfig("abc", "")},
		{name: "missing client id", cfg: DefaultConfig(" ", ""), wantErr: true},
		{name: "plain http authority", cfg: Config{ClientID: "abc", Authority: "http://login.example.com"}, wantErr: true},
		{name: "negative skew", cfg: Config{ClientID: "abc", ExpirySkew: -time.Second}, wantErr: true},
		{name: "custom authority", cfg: Config{ClientID: "abc", Authority: "https://login.example.com/ten1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAcquireBeforeInitializeFails(t *testing.T) {
	c := New(DefaultConfig("abc", ""), &fakeHost{}, nil)
	_, err := c.AcquireSilent(context.Background(), scopes)
	require.Error(t, err)
	assert.False(t, token.IsInteractionRequired(err))
}

func TestInitializeRejectsInvalidConfigWithoutHostCall(t *testing.T) {
	host := &fakeHost{}
	err := New(Config{}, host, nil).Initialize(context.Background())
	require.Error(t, err)
	assert.Empty(t, host.calls)
}

func TestAcquireSilentCachesToken(t *testing.T) {
	host := &fakeHost{replies: map[string][]string{
		FuncGetAuthToken: {`["tok-1"]`},
	}}
	c := newInitialized(t, host, nil)

	tok, err := c.AcquireSilent(context.Background(), scopes)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)

	again, err := c.AcquireSilent(context.Background(), scopes)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", again.Value)
	assert.Equal(t, 1, host.count(FuncGetAuthToken))

	require.Len(t, host.params, 1)
	assert.True(t, host.params[0].Silent)
	assert.Equal(t, "ten1", host.params[0].TenantID)
	assert.Equal(t, scopes.Scopes, host.params[0].Resources)
}

func TestAcquireSilentRefreshesExpiredToken(t *testing.T) {
	host := &fakeHost{replies: map[string][]string{
		FuncGetAuthToken: {`[{"accessToken": "fresh", "expiresOn": 4102444800000}]`},
	}}
	cache := NewMemoryCache()
	require.NoError(t, cache.PutToken(context.Background(), "abc|"+scopes.Key(),
		token.Token{Value: "stale", ExpiresOn: time.Now().Add(time.Minute)}))
	c := newInitialized(t, host, cache)

	tok, err := c.AcquireSilent(context.Background(), scopes)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.Value)
	assert.Equal(t, int64(4102444800), tok.ExpiresOn.Unix())
}

func TestInteractionCodesAreClassified(t *testing.T) {
	for _, reply := range []string{
		`[false, {"errorCode": "consent_required", "message": "AADSTS65001"}]`,
		`[false, {"errorCode": "interaction_required", "message": "prompt"}]`,
		`[false, "login_required"]`,
	} {
		host := &fakeHost{replies: map[string][]string{FuncGetAuthToken: {reply}}}
		c := newInitialized(t, host, nil)
		_, err := c.AcquireSilent(context.Background(), scopes)
		assert.True(t, token.IsInteractionRequired(err), reply)
	}
}

func TestOtherHostErrorsAreNotInteraction(t *testing.T) {
	host := &fakeHost{replies: map[string][]string{
		FuncGetAuthToken: {`[false, {"errorCode": 500, "message": "boom"}]`},
	}}
	c := newInitialized(t, host, nil)
	_, err := c.AcquireSilent(context.Background(), scopes)
	require.Error(t, err)
	assert.False(t, token.IsInteractionRequired(err))
}

func TestPolicyEscalatesThroughHost(t *testing.T) {
	host := &fakeHost{replies: map[string][]string{
		FuncGetAuthToken: {`[false, {"errorCode": "consent_required", "message": "consent"}]`},
		FuncAuthenticate: {`[true, "interactive"]`},
	}}
	c := newInitialized(t, host, nil)

	tok, err := token.Acquire(context.Background(), c, scopes)
	require.NoError(t, err)
	assert.Equal(t, "interactive", tok.Value)
	assert.Equal(t, 1, host.count(FuncAuthenticate))

	// The interactive token is now cached for silent use.
	again, err := c.AcquireSilent(context.Background(), scopes)
	require.NoError(t, err)
	assert.Equal(t, "interactive", again.Value)
	assert.Equal(t, 1, host.count(FuncGetAuthToken))
}

func TestEmptyTokenIsAnError(t *testing.T) {
	host := &fakeHost{replies: map[string][]string{FuncGetAuthToken: {`[""]`}}}
	c := newInitialized(t, host, nil)
	_, err := c.AcquireSilent(context.Background(), scopes)
	require.Error(t, err)
	assert.False(t, errors.Is(err, token.ErrInteractionRequired))
}

func TestSQLiteStoreIsACache(t *testing.T) {
	store, err := persistence.Open(t.TempDir() + "/tokens.db")
	require.NoError(t, err)
	defer store.Close()

	host := &fakeHost{replies: map[string][]string{FuncGetAuthToken: {`["persisted"]`}}}
	c := newInitialized(t, host, store)
	_, err = c.AcquireSilent(context.Background(), scopes)
	require.NoError(t, err)

	got, ok, err := store.GetToken(context.Background(), "abc|"+scopes.Key())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Value)
}
