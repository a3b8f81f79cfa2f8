// Package hostapi is the application's view of the host runtime: the
// handshake, the context snapshot and typed calls decoded at the edge.
package hostapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/workspace/hostbridge/internal/envelope"
)

// Host function names.
const (
	FuncInitialize = "initialize"
	FuncGetContext = "getContext"
)

// Caller is the subset of the correlation channel used here.
type Caller interface {
	Send(ctx context.Context, fn string, args ...any) ([]json.RawMessage, error)
}

// Context is the snapshot of host-provided identifiers for this embedding.
type Context struct {
	AppID           string `json:"appId"`
	AppSessionID    string `json:"appSessionId"`
	TenantID        string `json:"tenantId"`
	UserID          string `json:"userObjectId"`
	LoginHint       string `json:"loginHint,omitempty"`
	TeamID          string `json:"teamId,omitempty"`
	ChannelID       string `json:"channelId,omitempty"`
	ChatID          string `json:"chatId,omitempty"`
	MeetingID       string `json:"meetingId,omitempty"`
	MessageID       string `json:"messageId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	PageID          string `json:"pageId,omitempty"`
	SubPageID       string `json:"subPageId,omitempty"`
	HostName        string `json:"hostName,omitempty"`
	FrameContext    string `json:"frameContext,omitempty"`
}

// InitializeResult is what the host reports back from the handshake.
type InitializeResult struct {
	FrameContext  string `json:"frameContext"`
	ClientType    string `json:"clientType"`
	ClientVersion string `json:"runtimeVersion"`
}

// Client performs typed host calls.
type Client struct {
	caller     Caller
	apiVersion string
}

// NewClient returns a Client sending through caller. apiVersion is announced
// to the host during Initialize.
func NewClient(caller Caller, apiVersion string) *Client {
	return &Client{caller: caller, apiVersion: apiVersion}
}

// Initialize performs the host handshake.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	var out InitializeResult
	if err := c.Call(ctx, FuncInitialize, &out, c.apiVersion); err != nil {
		return InitializeResult{}, fmt.Errorf("initialize host: %w", err)
	}
	return out, nil
}

// Context fetches the host context snapshot.
func (c *Client) Context(ctx context.Context) (Context, error) {
	var out Context
	if err := c.Call(ctx, FuncGetContext, &out); err != nil {
		return Context{}, fmt.Errorf("get host context: %w", err)
	}
	return out, nil
}

// Call invokes fn and decodes the first payload argument into out (which may
// be nil). A host error payload is returned as *envelope.ClientError;
// timeouts and transport failures are returned as they came from the caller.
func (c *Client) Call(ctx context.Context, fn string, out any, args ...any) error {
	reply, err := c.caller.Send(ctx, fn, args...)
	if err != nil {
		return err
	}
	res := envelope.Decode(reply)
	if !res.OK() {
		return res.Err
	}
	if out == nil {
		return nil
	}
	if len(res.Payload) == 0 {
		return fmt.Errorf("%s: empty reply payload", fn)
	}
	return res.Into(out)
}
