package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Well-known error codes carried in ClientError.
const (
	CodeTimeout       = 408
	CodeNotSupported  = 501
	CodeInternalError = 500

	timeoutMessage = "response timeout"
)

// Code is an errorCode value. Hosts send it either as a number or a string;
// both forms decode into Code.
type Code string

// UnmarshalJSON accepts a JSON number or string.
func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("errorCode must be a number or string: %w", err)
	}
	*c = Code(n.String())
	return nil
}

// MarshalJSON emits numeric codes as numbers and anything else as a string.
func (c Code) MarshalJSON() ([]byte, error) {
	if c == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.Atoi(string(c)); err == nil {
		return []byte(c), nil
	}
	return json.Marshal(string(c))
}

// Int returns the numeric value of c, or 0 when c is not numeric.
func (c Code) Int() int {
	n, err := strconv.Atoi(string(c))
	if err != nil {
		return 0
	}
	return n
}

// NumericCode returns the Code for an integer error code.
func NumericCode(n int) Code {
	return Code(strconv.Itoa(n))
}

// ClientError is the error object a host places in a reply payload.
type ClientError struct {
	ErrorCode Code   `json:"errorCode,omitempty"`
	Message   string `json:"message"`
}

func (e *ClientError) Error() string {
	if e.ErrorCode == "" {
		return e.Message
	}
	return fmt.Sprintf("host error %s: %s", e.ErrorCode, e.Message)
}

// UnmarshalJSON tolerates message being an object (a serialized Error) as
// well as a plain string.
func (e *ClientError) UnmarshalJSON(b []byte) error {
	var raw struct {
		ErrorCode Code            `json:"errorCode"`
		Message   json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.ErrorCode = raw.ErrorCode
	e.Message = decodeMessage(raw.Message)
	return nil
}

func decodeMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// Timeout returns the error a call resolves with when the host never answers.
func Timeout() *ClientError {
	return &ClientError{ErrorCode: NumericCode(CodeTimeout), Message: timeoutMessage}
}

// IsTimeout reports whether err is the response timeout error.
func IsTimeout(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.ErrorCode.Int() == CodeTimeout
}

// Result is a reply payload decoded once at the edge: either Ok with the
// payload arguments or Err with the host's error.
type Result struct {
	Payload []json.RawMessage
	Err     *ClientError
}

// OK reports whether the host signalled success.
func (r Result) OK() bool { return r.Err == nil }

// Decode interprets a reply payload. The supported error shapes are
// [false, "text"], [false, ClientError] and [ClientError]; a leading true is
// stripped from successful payloads.
func Decode(args []json.RawMessage) Result {
	if len(args) == 0 {
		return Result{}
	}

	var flag bool
	if err := json.Unmarshal(args[0], &flag); err == nil && isBool(args[0]) {
		if flag {
			return Result{Payload: args[1:]}
		}
		if len(args) < 2 {
			return Result{Err: &ClientError{ErrorCode: NumericCode(CodeInternalError), Message: "request failed"}}
		}
		return Result{Err: errorFrom(args[1])}
	}

	if len(args) == 1 && looksLikeClientError(args[0]) {
		var ce ClientError
		if err := json.Unmarshal(args[0], &ce); err == nil {
			return Result{Err: &ce}
		}
	}
	return Result{Payload: args}
}

func isBool(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return bytes.Equal(t, []byte("true")) || bytes.Equal(t, []byte("false"))
}

func errorFrom(raw json.RawMessage) *ClientError {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &ClientError{Message: s}
	}
	var ce ClientError
	if err := json.Unmarshal(raw, &ce); err == nil {
		return &ce
	}
	return &ClientError{Message: string(raw)}
}

// looksLikeClientError reports whether raw is an object carrying an
// errorCode key. Successful payloads made of a single object (a context
// snapshot for instance) never carry that key.
func looksLikeClientError(raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe["errorCode"]
	return ok
}

// Into decodes the first payload argument into out.
func (r Result) Into(out any) error {
	if r.Err != nil {
		return r.Err
	}
	if out == nil {
		return nil
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("empty reply payload")
	}
	if err := json.Unmarshal(r.Payload[0], out); err != nil {
		return fmt.Errorf("decode reply payload: %w", err)
	}
	return nil
}
