package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawArgs(t *testing.T, s string) []json.RawMessage {
	t.Helper()
	var args []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(s), &args))
	return args
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		args        string
		wantErr     bool
		wantCode    Code
		wantMessage string
		wantPayload int
	}{
		{name: "false with string", args: `[false, "denied"]`, wantErr: true, wantMessage: "denied"},
		{name: "false with client error", args: `[false, {"errorCode": 500, "message": "boom"}]`, wantErr: true, wantCode: "500", wantMessage: "boom"},
		{name: "false with string code", args: `[false, {"errorCode": "consent_required", "message": "ask"}]`, wantErr: true, wantCode: "consent_required", wantMessage: "ask"},
		{name: "bare client error", args: `[{"errorCode": 100, "message": "not supported on platform"}]`, wantErr: true, wantCode: "100", wantMessage: "not supported on platform"},
		{name: "error message object", args: `[false, {"errorCode": 1, "message": {"name": "Error", "message": "inner"}}]`, wantErr: true, wantCode: "1", wantMessage: "inner"},
		{name: "lone false", args: `[false]`, wantErr: true, wantCode: "500", wantMessage: "request failed"},
		{name: "true strips flag", args: `[true, {"a": 1}]`, wantPayload: 1},
		{name: "plain object", args: `[{"tenantId": "t1"}]`, wantPayload: 1},
		{name: "null leading", args: `[null, "x"]`, wantPayload: 2},
		{name: "empty", args: `[]`, wantPayload: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decode(rawArgs(t, tt.args))
			if tt.wantErr {
				require.NotNil(t, res.Err)
				assert.False(t, res.OK())
				assert.Equal(t, tt.wantCode, res.Err.ErrorCode)
				assert.Equal(t, tt.wantMessage, res.Err.Message)
				return
			}
			require.Nil(t, res.Err)
			assert.Len(t, res.Payload, tt.wantPayload)
		})
	}
}

func TestResultInto(t *testing.T) {
	var out struct {
		TenantID string `json:"tenantId"`
	}
	require.NoError(t, Decode(rawArgs(t, `[{"tenantId": "t1"}]`)).Into(&out))
	assert.Equal(t, "t1", out.TenantID)

	err := Decode(rawArgs(t, `[false, "nope"]`)).Into(&out)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "nope", ce.Message)

	assert.Error(t, Decode(nil).Into(&out))
}

func TestTimeoutShape(t *testing.T) {
	b, err := json.Marshal(Timeout())
	require.NoError(t, err)
	assert.JSONEq(t, `{"errorCode": 408, "message": "response timeout"}`, string(b))
	assert.True(t, IsTimeout(Timeout()))
	assert.False(t, IsTimeout(&ClientError{Message: "other"}))
}

func TestParseClassifiesFields(t *testing.T) {
	msg, err := Parse([]byte(`{"id": 3, "uuidAsString": "abc", "origin": "https://host", "args": [true], "isPartialResponse": true}`))
	require.NoError(t, err)
	resp := msg.Response()
	assert.Equal(t, "abc", resp.UUID)
	assert.True(t, resp.IsPartialResponse)
	assert.Equal(t, "https://host", resp.Origin)

	msg, err = Parse([]byte(`{"func": "themeChange", "args": ["dark"]}`))
	require.NoError(t, err)
	assert.Equal(t, "themeChange", msg.Event().Func)
	assert.Empty(t, msg.UUID)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestMarshalArgs(t *testing.T) {
	args, err := MarshalArgs("x", 1, json.RawMessage(`{"k":true}`))
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.JSONEq(t, `"x"`, string(args[0]))
	assert.JSONEq(t, `1`, string(args[1]))
	assert.JSONEq(t, `{"k":true}`, string(args[2]))

	_, err = MarshalArgs(func() {})
	assert.Error(t, err)
}

func TestVersionTag(t *testing.T) {
	assert.Equal(t, "v2_getContext", VersionTag("v2", "getContext"))
	assert.Equal(t, "", VersionTag("", "getContext"))
}
