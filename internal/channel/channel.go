// Package channel turns a one-way, unordered message transport into
// correlated calls. Every request carries a fresh correlation identifier and
// inbound envelopes are matched back to their call by that identifier alone;
// anything that does not match an outstanding call is a host event and is
// broadcast to the handlers registered for its name.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/hostbridge/internal/envelope"
	"github.com/workspace/hostbridge/internal/logging"
)

// DefaultTimeout bounds how long a call waits for its response.
const DefaultTimeout = 10 * time.Second

// RegisterHandlerFunc is the control function that asks the host to start
// pushing an event.
const RegisterHandlerFunc = "registerHandler"

// ErrClosed is returned for calls issued on, or pending in, a closed channel.
var ErrClosed = errors.New("channel closed")

// Transport posts a serialized envelope to the host. Delivery is one-way:
// responses arrive separately through Channel.HandleMessage.
type Transport interface {
	Post(ctx context.Context, data []byte) error
}

// Handler receives the arguments of a host event. Handlers run one at a time
// on the channel's dispatcher goroutine, never on the goroutine delivering
// inbound messages, so a handler may call Send.
type Handler func(args []json.RawMessage)

// Config holds channel settings.
type Config struct {
	// Timeout is the per-call deadline. Defaults to DefaultTimeout.
	Timeout time.Duration
	// APIVersion, when set, stamps apiVersionTag on every request.
	APIVersion string
	Metrics    *Metrics
	Logger     *slog.Logger

	// afterFunc arms call deadlines; tests replace it to observe durations.
	afterFunc func(d time.Duration, f func()) (stop func() bool)
}

// Subscription identifies one handler registration.
type Subscription struct {
	Event string
	id    uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Channel multiplexes concurrent calls over a single Transport.
type Channel struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	epoch     time.Time
	seq       atomic.Int64

	mu       sync.Mutex
	pending  map[string]*pendingCall
	handlers map[string][]subscriber
	nextSub  uint64
	closed   bool

	// events queues host events in arrival order for the dispatcher.
	events []envelope.Event
	wake   chan struct{}
	done   chan struct{}
}

// New creates a Channel posting through t.
func New(t Transport, cfg Config) *Channel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.afterFunc == nil {
		cfg.afterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Component("channel")
	}
	c := &Channel{
		transport: t,
		cfg:       cfg,
		logger:    logger,
		epoch:     time.Now(),
		pending:   make(map[string]*pendingCall),
		handlers:  make(map[string][]subscriber),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go c.runDispatcher()
	return c
}

// Send invokes fn on the host and waits for the matching response. It
// returns the raw reply payload; interpreting a failure payload is left to
// the caller (see envelope.Decode). A call that sees no response within the
// configured timeout fails with envelope.Timeout(). Cancelling ctx abandons
// the call locally; the host is not told.
func (c *Channel) Send(ctx context.Context, fn string, args ...any) ([]json.RawMessage, error) {
	call, err := c.issue(ctx, fn, modeSingle, args, nil)
	if err != nil {
		return nil, err
	}

	r, err := call.next(ctx)
	if err != nil {
		if c.take(call.id) != nil {
			call.stopTimer()
			c.cfg.Metrics.abandoned()
			return nil, err
		}
		// Lost the race: the call already has its terminal reply.
		r, _ = call.next(context.Background())
	}
	return r.args, r.err
}

// Notify posts fn without waiting for the reply. The call still occupies the
// pending table until its response or timeout so that a late reply is not
// mistaken for a host event; a failure reply is only logged.
func (c *Channel) Notify(ctx context.Context, fn string, args ...any) error {
	_, err := c.issue(ctx, fn, modeNotify, args, func(r reply) {
		if r.err != nil {
			c.logger.Debug("Notification got no reply", "func", fn, "error", r.err)
			return
		}
		if res := envelope.Decode(r.args); !res.OK() {
			c.logger.Debug("Host rejected notification", "func", fn, "error", res.Err)
		}
	})
	return err
}

// On registers handler for the host event name and asks the host, best
// effort, to start pushing it. The registration is effective locally even if
// the registerHandler message is lost; use Subscribe to wait for the host's
// acknowledgement.
func (c *Channel) On(name string, handler Handler) Subscription {
	sub := c.addHandler(name, handler)
	if err := c.Notify(context.Background(), RegisterHandlerFunc, name); err != nil {
		c.logger.Warn("Failed to post registerHandler", "event", name, "error", err)
	}
	return sub
}

// Subscribe registers handler for name and waits until the host acknowledges
// the registerHandler request. On failure the local registration is removed.
func (c *Channel) Subscribe(ctx context.Context, name string, handler Handler) (Subscription, error) {
	sub := c.addHandler(name, handler)
	reply, err := c.Send(ctx, RegisterHandlerFunc, name)
	if err == nil {
		if res := envelope.Decode(reply); !res.OK() {
			err = res.Err
		}
	}
	if err != nil {
		c.Off(sub)
		return Subscription{}, fmt.Errorf("register handler %q: %w", name, err)
	}
	return sub, nil
}

// Off removes exactly the registration identified by sub. Removing an
// already removed registration is a no-op.
func (c *Channel) Off(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.handlers[sub.Event]
	for i, s := range subs {
		if s.id == sub.id {
			c.handlers[sub.Event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.handlers[sub.Event]) == 0 {
		delete(c.handlers, sub.Event)
	}
}

// HandleMessage routes one inbound envelope. An envelope whose correlation
// identifier matches a pending call completes that call; every other envelope
// is a host event and is queued for the handlers registered under its func
// name. HandleMessage never runs event handlers itself.
func (c *Channel) HandleMessage(data []byte) {
	msg, err := envelope.Parse(data)
	if err != nil {
		c.logger.Warn("Dropping malformed envelope", "error", err)
		return
	}

	if msg.UUID != "" && c.complete(msg.Response()) {
		return
	}

	if msg.Func == "" {
		c.cfg.Metrics.dropped()
		c.logger.Debug("Dropping unmatched response", "uuid", msg.UUID)
		return
	}
	c.enqueue(msg.Event())
}

// Pending returns the number of calls awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending call with ErrClosed, rejects new calls and stops
// the event dispatcher. Queued events that were not dispatched are dropped.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.events = nil
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.stopTimer()
		c.cfg.Metrics.abandoned()
		call.deliver(reply{err: ErrClosed, last: true})
	}
}

func (c *Channel) issue(ctx context.Context, fn string, mode callMode, args []any, notify func(reply)) (*pendingCall, error) {
	raw, err := envelope.MarshalArgs(args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}

	now := time.Now()
	call := &pendingCall{
		seq:       c.seq.Add(1),
		id:        uuid.NewString(),
		fn:        fn,
		args:      raw,
		createdAt: now,
		monotonic: now.Sub(c.epoch).Milliseconds(),
		mode:      mode,
		notify:    notify,
		signal:    make(chan struct{}, 1),
	}
	data, err := json.Marshal(envelope.Request{
		ID:                 call.seq,
		UUID:               call.id,
		Func:               fn,
		Timestamp:          now.UnixMilli(),
		MonotonicTimestamp: call.monotonic,
		Args:               raw,
		APIVersionTag:      envelope.VersionTag(c.cfg.APIVersion, fn),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", fn, err)
	}

	// Register before posting so a fast reply always finds its call.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[call.id] = call
	c.armLocked(call)
	c.mu.Unlock()
	c.cfg.Metrics.sent(mode.String())

	if err := c.transport.Post(ctx, data); err != nil {
		if c.take(call.id) != nil {
			call.stopTimer()
			c.cfg.Metrics.abandoned()
		}
		return nil, fmt.Errorf("post %s: %w", fn, err)
	}
	return call, nil
}

// armLocked starts (or restarts) the deadline for call. c.mu must be held.
func (c *Channel) armLocked(call *pendingCall) {
	if call.stop != nil {
		call.stop()
	}
	call.gen++
	gen := call.gen
	call.stop = c.cfg.afterFunc(c.cfg.Timeout, func() { c.expire(call.id, gen) })
}

// expire runs when a deadline fires. It is a no-op when the call was already
// completed or its deadline has since been re-armed.
func (c *Channel) expire(id string, gen uint64) {
	c.mu.Lock()
	call, ok := c.pending[id]
	if !ok || call.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	c.cfg.Metrics.timedOut()
	c.logger.Warn("Host call timed out",
		"func", call.fn,
		"seq", call.seq,
		"uuid", id,
		"elapsed", time.Since(call.createdAt).Round(time.Millisecond),
	)
	call.deliver(reply{err: envelope.Timeout(), last: true})
}

// take removes and returns the pending call for id, or nil if another path
// already removed it.
func (c *Channel) take(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *Channel) complete(resp envelope.Response) bool {
	c.mu.Lock()
	call, ok := c.pending[resp.UUID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	last := call.mode != modeStream || !resp.IsPartialResponse
	if last {
		delete(c.pending, resp.UUID)
	} else {
		c.armLocked(call)
	}
	c.mu.Unlock()

	if last {
		call.stopTimer()
	}
	c.cfg.Metrics.matched(last)
	call.deliver(reply{args: resp.Args, last: last})
	return true
}

func (c *Channel) addHandler(name string, fn Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	c.handlers[name] = append(c.handlers[name], subscriber{id: c.nextSub, fn: fn})
	return Subscription{Event: name, id: c.nextSub}
}

func (c *Channel) enqueue(ev envelope.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.events = append(c.events, ev)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// runDispatcher delivers queued events until Close.
func (c *Channel) runDispatcher() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if c.closed || len(c.events) == 0 {
				c.mu.Unlock()
				break
			}
			ev := c.events[0]
			c.events[0] = envelope.Event{}
			c.events = c.events[1:]
			subs := append([]subscriber(nil), c.handlers[ev.Func]...)
			c.mu.Unlock()

			c.dispatch(ev, subs)
		}
	}
}

func (c *Channel) dispatch(ev envelope.Event, subs []subscriber) {
	if len(subs) == 0 {
		c.logger.Debug("No handler for host event", "event", ev.Func)
		return
	}
	c.cfg.Metrics.dispatched(ev.Func)
	for _, s := range subs {
		s.fn(ev.Args)
	}
}
