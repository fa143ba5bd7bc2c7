package vm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt := NewRuntime(opts...)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func newTestThread(t *testing.T, rt *Runtime) *Thread {
	t.Helper()
	th, err := rt.NewThread(t.Name())
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	t.Cleanup(th.Close)
	return th
}

// testClass collects methods for a class before it is defined.
type testClass struct {
	t  *testing.T
	rt *Runtime
	k  *Class
}

func newTestClass(t *testing.T, rt *Runtime, name string) *testClass {
	t.Helper()
	return &testClass{t: t, rt: rt, k: NewClass(name, rt.Class(ClassObject))}
}

func newTestSubclass(t *testing.T, rt *Runtime, name string, super *Class) *testClass {
	t.Helper()
	return &testClass{t: t, rt: rt, k: NewClass(name, super)}
}

func (c *testClass) field(name string, typ BasicType) *Field {
	c.t.Helper()
	f, err := c.k.AddField(name, typ, false)
	if err != nil {
		c.t.Fatalf("AddField(%s): %v", name, err)
	}
	return f
}

// pool adds a constant to the class pool and returns its index.
func (c *testClass) pool(k *Constant) uint16 {
	return c.k.Constants.Add(k)
}

// method builds a method whose body is emitted by body. locals of 0 keeps
// the parameter size.
func (c *testClass) method(name, desc string, flags MethodFlags, locals int, body func(b *BytecodeBuilder)) *Method {
	c.t.Helper()
	mb := NewMethodBuilder(name, desc, flags).SetConstants(c.k.Constants)
	if locals > 0 {
		mb.SetMaxLocals(locals)
	}
	if body != nil {
		body(mb.Bytecode())
	}
	m, err := mb.Build()
	if err != nil {
		c.t.Fatalf("Build(%s): %v", name, err)
	}
	c.k.AddMethod(m)
	return m
}

func (c *testClass) native(name, desc string, flags MethodFlags, fn NativeFunc) *Method {
	c.t.Helper()
	m, err := NewMethodBuilder(name, desc, flags|FlagNative).SetNative(fn).Build()
	if err != nil {
		c.t.Fatalf("Build(%s): %v", name, err)
	}
	c.k.AddMethod(m)
	return m
}

func (c *testClass) define() *Class {
	c.t.Helper()
	if err := c.rt.DefineClass(c.k); err != nil {
		c.t.Fatalf("DefineClass(%s): %v", c.k.Name, err)
	}
	return c.k
}

func invoke(t *testing.T, th *Thread, m *Method, args ...Word) Result {
	t.Helper()
	res, err := th.Invoke(context.Background(), m, args...)
	if err != nil {
		t.Fatalf("Invoke(%s): %v", m, err)
	}
	return res
}

func invokeErr(t *testing.T, th *Thread, m *Method, args ...Word) *GuestException {
	t.Helper()
	_, err := th.Invoke(context.Background(), m, args...)
	var ge *GuestException
	if !errors.As(err, &ge) {
		t.Fatalf("Invoke(%s) error = %v, want a guest exception", m, err)
	}
	return ge
}

// expectInvariant runs fn and fails unless it panics with an InvariantError.
func expectInvariant(t *testing.T, fn func()) *InvariantError {
	t.Helper()
	var got *InvariantError
	func() {
		defer func() {
			if r := recover(); r != nil {
				e, ok := r.(*InvariantError)
				if !ok {
					panic(r)
				}
				got = e
			}
		}()
		fn()
	}()
	if got == nil {
		t.Fatal("expected an invariant violation, got none")
	}
	return got
}

func assertBalanced(t *testing.T, th *Thread) {
	t.Helper()
	if got, want := th.Stack().SP(), th.Stack().Size(); got != want {
		t.Errorf("stack cursor after invoke = %d, want %d", got, want)
	}
	if th.states.live != 0 {
		t.Errorf("live interpreter states = %d, want 0", th.states.live)
	}
	if _, ok := th.TopFrame(); ok {
		t.Error("frames left on the stack after invoke")
	}
}

// stubSafepoints is a SafepointService whose flag tests control directly.
type stubSafepoints struct {
	armed        atomic.Bool
	polls        atomic.Int64
	checkpoints  atomic.Int64
	onCheckpoint func(th *Thread)
}

func (s *stubSafepoints) ShouldProcess() bool {
	s.polls.Add(1)
	return s.armed.Load()
}

func (s *stubSafepoints) Checkpoint(th *Thread) {
	s.checkpoints.Add(1)
	if s.onCheckpoint != nil {
		s.onCheckpoint(th)
	}
}
