package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ThreadState is a thread's cooperative-safepoint state.
type ThreadState int32

const (
	// Idle threads are not running guest code.
	Idle ThreadState = iota
	// InGuest threads are running guest code and must reach a checkpoint
	// before a safepoint can begin.
	InGuest
	// InNative threads are inside a native function; they cannot touch the
	// execution stack until they transition back.
	InNative
	// Blocked threads are parked in a checkpoint or waiting on a monitor.
	Blocked
)

func (s ThreadState) String() string {
	switch s {
	case Idle:
		return "idle"
	case InGuest:
		return "in_guest"
	case InNative:
		return "in_native"
	case Blocked:
		return "blocked"
	}
	return fmt.Sprintf("ThreadState(%d)", int32(s))
}

// Safe reports whether a thread in this state cannot mutate its stack.
func (s ThreadState) Safe() bool { return s != InGuest }

// SafepointService is polled by running threads at every checkpoint.
type SafepointService interface {
	// ShouldProcess reports whether a safepoint or handshake is pending.
	ShouldProcess() bool
	// Checkpoint parks th until the pending operation has finished.
	Checkpoint(th *Thread)
}

// ThreadObserver is implemented by safepoint services that need to know
// which threads exist.
type ThreadObserver interface {
	ThreadStarted(th *Thread)
	ThreadExited(th *Thread)
}

// ErrSafepointClosed is returned by Begin after Close.
var ErrSafepointClosed = errors.New("safepoint coordinator closed")

// SafepointCoordinator is the default SafepointService. Begin arms a global
// flag and waits until every registered thread is in a safe state; End
// disarms it and releases the threads parked in Checkpoint.
//
// A thread entering guest code stores its state before it reads the flag,
// and Begin stores the flag before it reads thread states, so at least one
// side always observes the other.
type SafepointCoordinator struct {
	armed atomic.Bool

	mu      sync.Mutex
	cond    *sync.Cond
	threads map[*Thread]struct{}
	active  bool
	closed  bool

	// PollInterval is how often Begin re-examines thread states.
	PollInterval time.Duration

	safepoints  atomic.Int64
	checkpoints atomic.Int64
}

// NewSafepointCoordinator creates a coordinator with no threads.
func NewSafepointCoordinator() *SafepointCoordinator {
	c := &SafepointCoordinator{
		threads:      make(map[*Thread]struct{}),
		PollInterval: 50 * time.Microsecond,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *SafepointCoordinator) ShouldProcess() bool {
	return c.armed.Load()
}

func (c *SafepointCoordinator) Checkpoint(th *Thread) {
	c.checkpoints.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed.Load() {
		return
	}
	prev := th.swapState(Blocked)
	for c.armed.Load() {
		c.cond.Wait()
	}
	th.swapState(prev)
}

func (c *SafepointCoordinator) ThreadStarted(th *Thread) {
	c.mu.Lock()
	c.threads[th] = struct{}{}
	c.mu.Unlock()
}

func (c *SafepointCoordinator) ThreadExited(th *Thread) {
	c.mu.Lock()
	delete(c.threads, th)
	c.mu.Unlock()
}

// Begin brings every registered thread to a safe state. The caller must call
// End when it is done, even if it did not inspect anything.
func (c *SafepointCoordinator) Begin(ctx context.Context) error {
	c.mu.Lock()
	for c.active && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		c.mu.Unlock()
		return ErrSafepointClosed
	}
	c.active = true
	c.armed.Store(true)
	c.mu.Unlock()

	t := time.NewTicker(c.PollInterval)
	defer t.Stop()
	for !c.allSafe() {
		select {
		case <-ctx.Done():
			c.End()
			return fmt.Errorf("safepoint: %w", ctx.Err())
		case <-t.C:
		}
	}
	c.safepoints.Add(1)
	return nil
}

// End releases the threads stopped by Begin.
func (c *SafepointCoordinator) End() {
	c.mu.Lock()
	c.armed.Store(false)
	c.active = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Do runs fn inside a safepoint.
func (c *SafepointCoordinator) Do(ctx context.Context, fn func()) error {
	if err := c.Begin(ctx); err != nil {
		return err
	}
	defer c.End()
	fn()
	return nil
}

// Close ends any safepoint in progress and rejects further ones.
func (c *SafepointCoordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.armed.Store(false)
	c.active = false
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// SafepointStats reports coordinator activity.
type SafepointStats struct {
	Safepoints  int64
	Checkpoints int64
	Threads     int
}

// Stats returns a snapshot of coordinator counters.
func (c *SafepointCoordinator) Stats() SafepointStats {
	c.mu.Lock()
	n := len(c.threads)
	c.mu.Unlock()
	return SafepointStats{
		Safepoints:  c.safepoints.Load(),
		Checkpoints: c.checkpoints.Load(),
		Threads:     n,
	}
}

func (c *SafepointCoordinator) allSafe() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for th := range c.threads {
		if !th.State().Safe() {
			return false
		}
	}
	return true
}
