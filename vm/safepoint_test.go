package vm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafepointStopsLoopingThread(t *testing.T) {
	rt := newTestRuntime(t)
	coord := rt.Safepoints().(*SafepointCoordinator)

	var ticks atomic.Int64
	c := newTestClass(t, rt, "Ticker")
	c.native("tick", "()V", FlagStatic, func(*NativeEnv, []NativeArg) (uint64, error) {
		ticks.Add(1)
		return 0, nil
	})
	tickRef := c.pool(MethodRef("Ticker", "tick", "()V"))
	loop := c.method("loop", "()V", FlagStatic, 0, func(b *BytecodeBuilder) {
		top := b.NewLabel()
		b.Mark(top)
		b.EmitPool(OpInvokeStatic, tickRef)
		b.EmitJump(OpGoto, top)
	})
	c.define()
	th := newTestThread(t, rt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := th.Invoke(ctx, loop)
		done <- err
	}()
	waitFor(t, "the loop to start", func() bool { return ticks.Load() > 0 })

	bctx, bcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bcancel()
	if err := coord.Begin(bctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	stopped := ticks.Load()
	time.Sleep(5 * time.Millisecond)
	if got := ticks.Load(); got != stopped {
		t.Errorf("thread ran %d ticks inside a safepoint", got-stopped)
	}
	if got := th.State(); !got.Safe() {
		t.Errorf("thread state during safepoint = %s, want a safe state", got)
	}
	coord.End()

	waitFor(t, "the loop to resume", func() bool { return ticks.Load() > stopped })
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, &GuestException{Class: ClassInterrupted}) {
			t.Errorf("loop error = %v, want %s", err, ClassInterrupted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	if st := coord.Stats(); st.Safepoints != 1 || st.Checkpoints == 0 {
		t.Errorf("stats = %+v, want 1 safepoint and some checkpoints", st)
	}
}

func TestSafepointDoWithIdleThreads(t *testing.T) {
	rt := newTestRuntime(t)
	coord := rt.Safepoints().(*SafepointCoordinator)
	newTestThread(t, rt)
	newTestThread(t, rt)

	ran := false
	if err := coord.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("Do did not run its function")
	}
	if got := coord.Stats().Threads; got != 2 {
		t.Errorf("registered threads = %d, want 2", got)
	}
	if coord.ShouldProcess() {
		t.Error("coordinator still armed after Do")
	}
}

func TestSafepointBeginTimesOut(t *testing.T) {
	rt := newTestRuntime(t)
	coord := rt.Safepoints().(*SafepointCoordinator)
	th := newTestThread(t, rt)

	// A thread that claims to be in guest code but never polls.
	th.transition(Idle, InGuest)
	defer th.transition(InGuest, Idle)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := coord.Begin(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Begin error = %v, want deadline exceeded", err)
	}
	if coord.ShouldProcess() {
		t.Error("coordinator left armed after a failed Begin")
	}
}

func TestSafepointClosed(t *testing.T) {
	coord := NewSafepointCoordinator()
	coord.Close()
	if err := coord.Begin(context.Background()); !errors.Is(err, ErrSafepointClosed) {
		t.Errorf("Begin after Close = %v, want ErrSafepointClosed", err)
	}
}

func TestThreadStates(t *testing.T) {
	for _, tt := range []struct {
		s    ThreadState
		safe bool
	}{
		{Idle, true},
		{InGuest, false},
		{InNative, true},
		{Blocked, true},
	} {
		if got := tt.s.Safe(); got != tt.safe {
			t.Errorf("%s.Safe() = %v, want %v", tt.s, got, tt.safe)
		}
	}
}
