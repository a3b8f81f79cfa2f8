// Package envelope defines the wire messages exchanged between an embedded
// application and its host window.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Request is sent by the application to invoke a host function or register
// interest in a host event.
type Request struct {
	// ID is a local, monotonically increasing sequence number.
	ID int64 `json:"id"`
	// UUID is the correlation identifier echoed back on every response.
	UUID               string            `json:"uuidAsString"`
	Func               string            `json:"func"`
	Timestamp          int64             `json:"timestamp"`
	MonotonicTimestamp int64             `json:"monotonicTimestamp,omitempty"`
	Args               []json.RawMessage `json:"args"`
	APIVersionTag      string            `json:"apiVersionTag,omitempty"`
}

// Response is sent by the host in reply to a Request.
type Response struct {
	ID                 int64             `json:"id"`
	UUID               string            `json:"uuidAsString"`
	Origin             string            `json:"origin,omitempty"`
	Args               []json.RawMessage `json:"args"`
	MonotonicTimestamp int64             `json:"monotonicTimestamp,omitempty"`
	// IsPartialResponse is true when more responses for UUID will follow.
	IsPartialResponse bool `json:"isPartialResponse,omitempty"`
}

// Event is pushed by the host for a registered handler name. It carries no
// correlation identifier of an outstanding call.
type Event struct {
	Func string            `json:"func"`
	Args []json.RawMessage `json:"args"`
}

// Message is the union of every field an inbound envelope may carry. The
// receiver uses it to decide whether the envelope completes a pending call
// or is a host-initiated event.
type Message struct {
	ID                 int64             `json:"id,omitempty"`
	UUID               string            `json:"uuidAsString,omitempty"`
	Func               string            `json:"func,omitempty"`
	Origin             string            `json:"origin,omitempty"`
	Args               []json.RawMessage `json:"args,omitempty"`
	MonotonicTimestamp int64             `json:"monotonicTimestamp,omitempty"`
	IsPartialResponse  bool              `json:"isPartialResponse,omitempty"`
}

// Parse decodes a raw inbound envelope.
func Parse(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	return msg, nil
}

// Response returns msg viewed as a response envelope.
func (m Message) Response() Response {
	return Response{
		ID:                 m.ID,
		UUID:               m.UUID,
		Origin:             m.Origin,
		Args:               m.Args,
		MonotonicTimestamp: m.MonotonicTimestamp,
		IsPartialResponse:  m.IsPartialResponse,
	}
}

// Event returns msg viewed as a host event.
func (m Message) Event() Event {
	return Event{Func: m.Func, Args: m.Args}
}

// MarshalArgs encodes each argument to its JSON form. Arguments that are
// already json.RawMessage are passed through untouched.
func MarshalArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out = append(out, raw)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode arg %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// VersionTag builds the apiVersionTag stamped on a request, e.g. "v2_getContext".
func VersionTag(version, fn string) string {
	if version == "" {
		return ""
	}
	return version + "_" + fn
}
