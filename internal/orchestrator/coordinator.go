package orchestrator

import (
	"context"
	"sync"
	"time"

	"imagine/internal/domain"
)

// Coordinator reconciles completion signals for in-flight jobs. A job has at
// most one active waiter; whichever channel (poll loop or inbound webhook)
// first learns of a terminal status wakes that waiter exactly once.
//
// Waiter entries are created on first registration and removed on release or
// timeout; they are never reused across orchestration attempts.
type Coordinator struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewCoordinator constructs an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{waiters: make(map[string]chan struct{})}
}

// Register creates (or returns) the waiter channel for a job. Callers
// register while still holding the job's serialization guard so a release
// issued between "decide to wait" and "start waiting" cannot be lost: the
// channel is closed, not signalled, and a closed channel wakes any later
// select.
func (c *Coordinator) Register(jobID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[jobID]
	if !ok {
		ch = make(chan struct{})
		c.waiters[jobID] = ch
	}
	return ch
}

// Await suspends the caller until the registered channel is released, the
// timeout elapses, or ctx is cancelled. The waiter entry is removed on exit
// regardless of outcome.
func (c *Coordinator) Await(ctx context.Context, jobID string, ch <-chan struct{}, timeout time.Duration) error {
	defer c.remove(jobID, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return domain.ErrServiceTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait registers and suspends in one step, for callers that do not need the
// split registration.
func (c *Coordinator) Wait(ctx context.Context, jobID string, timeout time.Duration) error {
	return c.Await(ctx, jobID, c.Register(jobID), timeout)
}

// Release wakes any waiter registered for jobID. A release with no
// registered waiter is a no-op, not an error: the job may have completed
// before anyone started waiting.
func (c *Coordinator) Release(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.waiters[jobID]; ok {
		close(ch)
		delete(c.waiters, jobID)
	}
}

// remove drops the entry only if it still belongs to this waiter; Release
// may already have replaced or deleted it.
func (c *Coordinator) remove(jobID string, ch <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.waiters[jobID]; ok && cur == ch {
		delete(c.waiters, jobID)
	}
}
