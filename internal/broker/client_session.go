package broker

import (
	"context"
	"sync"
	"time"
)

// Default tunables for ClientSession lifecycle and queueing (spec §4.3, §5).
const (
	ClientReplyQueueSize  = 64
	initialClientLifetime = 10 * time.Second
	revivedClientLifetime = 30 * time.Second
	freshClientExtension  = 5 * time.Second
	staleClientExtension  = 10 * time.Second
	staleThreshold        = 9 * time.Second
)

// ClientSession is one in-flight client conversation: an inbound reply queue
// plus an expiry deadline, touched on every HTTP request and swept by the
// Janitor (spec §4.3).
type ClientSession struct {
	ClientKey string

	mu         sync.Mutex
	expiresAt  time.Time
	replyQueue chan []byte
	closeOnce  sync.Once
	closed     bool
}

// NewClientSession creates a ClientSession whose first deadline is now+10s,
// per spec §3.
func NewClientSession(clientKey string, now time.Time) *ClientSession {
	return &ClientSession{
		ClientKey:  clientKey,
		expiresAt:  now.Add(initialClientLifetime),
		replyQueue: make(chan []byte, ClientReplyQueueSize),
	}
}

// Touch extends expiresAt per the asymmetric policy in spec §4.3: a session
// found already expired (but not yet garbage collected) gets a generous
// 30s window; a session nearly at its deadline gets a 10s bump; anything
// else gets a modest 5s nudge. This never decreases expiresAt.
func (c *ClientSession) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.expiresAt.Sub(now)
	switch {
	case d <= 0:
		c.expiresAt = now.Add(revivedClientLifetime)
	case d < staleThreshold:
		c.expiresAt = c.expiresAt.Add(staleClientExtension)
	default:
		c.expiresAt = c.expiresAt.Add(freshClientExtension)
	}
}

// Expired reports whether now is past expiresAt.
func (c *ClientSession) Expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.After(c.expiresAt)
}

// ExpiresAt returns the current deadline, mostly for tests.
func (c *ClientSession) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

// Deliver pushes a payload chunk onto the reply queue. It never blocks: if
// the queue is full or already closed, the payload is silently dropped
// (spec §4.3, §5 "a reply arriving after its ClientSession is expired/closed
// is silently dropped").
func (c *ClientSession) Deliver(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.replyQueue <- payload:
	default:
	}
}

// Close shuts the reply queue down. Safe to call more than once and
// concurrently with Deliver/AwaitReply. Only the Registry (via Janitor or
// cascade-close) calls this; Deliver never closes its own queue.
//
// closed is set and replyQueue is closed under mu, the same lock Deliver
// holds across its send, so a Deliver in flight always either completes its
// send before Close closes the channel, or observes c.closed and returns
// without touching the channel at all -- it can never race a close.
func (c *ClientSession) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closed = true
		close(c.replyQueue)
	})
}

// AwaitReply accumulates payloads from the reply queue until the trailing
// sentinel is observed, the deadline fires, or the queue is closed out from
// under it. The sentinel is stripped before the bytes are returned.
func (c *ClientSession) AwaitReply(ctx context.Context, deadline time.Time) ([]byte, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var body []byte
	for {
		select {
		case chunk, ok := <-c.replyQueue:
			if !ok {
				return nil, ErrGone
			}
			body = append(body, chunk...)
			if HasSentinel(body) {
				return StripSentinel(body), nil
			}
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
