package channel

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

type callMode int

const (
	modeSingle callMode = iota
	modeNotify
	modeStream
)

func (m callMode) String() string {
	switch m {
	case modeNotify:
		return "notify"
	case modeStream:
		return "stream"
	default:
		return "single"
	}
}

type reply struct {
	args []json.RawMessage
	err  error
	last bool
}

// pendingCall is one in-flight request. It lives in Channel.pending until its
// terminal reply, its deadline, or abandonment removes it; whichever path
// removes it is the only one allowed to deliver the terminal reply.
type pendingCall struct {
	seq       int64
	id        string
	fn        string
	args      []json.RawMessage
	createdAt time.Time
	monotonic int64
	mode      callMode

	// Guarded by Channel.mu while the call is pending.
	gen  uint64
	stop func() bool

	notify func(reply)
	qmu    sync.Mutex
	queue  []reply
	signal chan struct{}
}

func (p *pendingCall) stopTimer() {
	if p.stop != nil {
		p.stop()
	}
}

func (p *pendingCall) deliver(r reply) {
	if p.notify != nil {
		p.notify(r)
		return
	}
	p.qmu.Lock()
	p.queue = append(p.queue, r)
	p.qmu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// next blocks for the next queued reply or until ctx is done.
func (p *pendingCall) next(ctx context.Context) (reply, error) {
	for {
		p.qmu.Lock()
		if len(p.queue) > 0 {
			r := p.queue[0]
			p.queue = p.queue[1:]
			p.qmu.Unlock()
			return r, nil
		}
		p.qmu.Unlock()

		select {
		case <-p.signal:
		case <-ctx.Done():
			return reply{}, ctx.Err()
		}
	}
}

// ReplyStream yields every response to a request answered in several parts.
// The stream ends after the first response not flagged as partial.
type ReplyStream struct {
	c     *Channel
	call  *pendingCall
	ended bool
}

// Stream invokes fn and returns a stream of its replies. The deadline is
// re-armed on every partial reply, so it bounds the gap between replies
// rather than the whole exchange.
func (c *Channel) Stream(ctx context.Context, fn string, args ...any) (*ReplyStream, error) {
	call, err := c.issue(ctx, fn, modeStream, args, nil)
	if err != nil {
		return nil, err
	}
	return &ReplyStream{c: c, call: call}, nil
}

// Next returns the next reply payload. It returns io.EOF once the final
// reply has been consumed, and the timeout error if the host went quiet.
func (s *ReplyStream) Next(ctx context.Context) ([]json.RawMessage, error) {
	if s.ended {
		return nil, io.EOF
	}
	r, err := s.call.next(ctx)
	if err != nil {
		return nil, err
	}
	if r.last {
		s.ended = true
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.args, nil
}

// Close abandons the stream. Later replies for it are dropped.
func (s *ReplyStream) Close() {
	if s.ended {
		return
	}
	s.ended = true
	if s.c.take(s.call.id) != nil {
		s.call.stopTimer()
		s.c.cfg.Metrics.abandoned()
	}
}
