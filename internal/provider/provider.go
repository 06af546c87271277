// Package provider implements the per-request event queue bridging a model
// callback (producer) and a response writer (consumer).
package provider

import (
	"sync"
	"time"

	"github.com/gaspardpetit/oaic/internal/chunk"
)

// DefaultTimeout is the liveness timeout applied when none is given.
const DefaultTimeout = 60 * time.Second

// Provider is a thread-safe FIFO of output chunks with a liveness timeout.
//
// Lifecycle: a provider starts open, then transitions exactly once to ended
// (producer side, or timeout) or disconnected (consumer side). Both terminal
// states reject writes; reads keep draining the queue until it is empty.
type Provider struct {
	mu           sync.Mutex
	queue        []chunk.Chunk
	ended        bool
	disconnected bool
	timeout      time.Duration
	lastActivity time.Time
	// wake is closed and replaced on every mutation of queue or state so
	// waiters never miss a wakeup.
	wake chan struct{}
}

// New returns an open provider with the given liveness timeout.
// Non-positive timeouts fall back to DefaultTimeout.
func New(timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Provider{
		timeout:      timeout,
		lastActivity: time.Now(),
		wake:         make(chan struct{}),
	}
}

func (p *Provider) notifyLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// checkTimeoutLocked transitions an idle open provider to ended. It reports
// whether the transition happened on this call or a previous one due to
// timeout rather than an explicit End/Disconnect.
func (p *Provider) checkTimeoutLocked() bool {
	if p.ended || p.disconnected {
		return false
	}
	if time.Since(p.lastActivity) > p.timeout {
		p.ended = true
		p.notifyLocked()
		return true
	}
	return false
}

// Push appends c and wakes a waiter. It returns false once the provider is
// ended, disconnected, or timed out; producers are expected to observe the
// return value and abandon their computation.
func (p *Provider) Push(c chunk.Chunk) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended || p.disconnected {
		return false
	}
	if p.checkTimeoutLocked() {
		return false
	}
	p.queue = append(p.queue, c)
	p.lastActivity = time.Now()
	p.notifyLocked()
	return true
}

// End marks the producer side finished. Idempotent; a no-op after Disconnect.
func (p *Provider) End() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended || p.disconnected {
		return
	}
	p.ended = true
	p.notifyLocked()
}

// Disconnect marks the consumer side gone (client connection closed).
// Idempotent. Subsequent pushes return false.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return
	}
	p.disconnected = true
	p.ended = true
	p.notifyLocked()
}

// Pop returns the head of the queue without blocking. When the queue is
// empty it also runs the timeout check so an idle provider self-terminates.
func (p *Provider) Pop() (chunk.Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		return p.popLocked(), true
	}
	p.checkTimeoutLocked()
	return chunk.Chunk{}, false
}

func (p *Provider) popLocked() chunk.Chunk {
	c := p.queue[0]
	p.queue = p.queue[1:]
	return c
}

// WaitPop blocks until a chunk is available, the provider leaves the open
// state, or the liveness timeout expires. It returns false on wake without
// data.
func (p *Provider) WaitPop() (chunk.Chunk, bool) {
	return p.waitPop(time.Time{})
}

// WaitPopFor is WaitPop with a wall-clock bound of d.
func (p *Provider) WaitPopFor(d time.Duration) (chunk.Chunk, bool) {
	return p.waitPop(time.Now().Add(d))
}

func (p *Provider) waitPop(deadline time.Time) (chunk.Chunk, bool) {
	for {
		p.mu.Lock()
		p.checkTimeoutLocked()
		if len(p.queue) > 0 {
			c := p.popLocked()
			p.mu.Unlock()
			return c, true
		}
		if p.ended || p.disconnected {
			p.mu.Unlock()
			return chunk.Chunk{}, false
		}
		wake := p.wake
		liveness := p.timeout - time.Since(p.lastActivity)
		p.mu.Unlock()

		// Bound every wait by the provider's own liveness window so a
		// silent producer cannot park the consumer past the timeout.
		wait := liveness
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return chunk.Chunk{}, false
			}
			if remaining < wait {
				wait = remaining
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// IsWritable reports whether a Push would currently be accepted.
func (p *Provider) IsWritable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended || p.disconnected {
		return false
	}
	return time.Since(p.lastActivity) <= p.timeout
}

// IsAlive reports whether the provider is open and within its liveness
// window.
func (p *Provider) IsAlive() bool {
	return p.IsWritable()
}

// IsEnded reports whether the stream is finished: the provider left the open
// state (or timed out) and the queue has been drained.
func (p *Provider) IsEnded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkTimeoutLocked()
	return (p.ended || p.disconnected) && len(p.queue) == 0
}

// ResetTimeout restarts the liveness window without queueing anything. The
// HTTP layer calls this after delivering a chunk on a long-lived stream.
func (p *Provider) ResetTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = time.Now()
}

// Len returns the number of queued chunks.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
