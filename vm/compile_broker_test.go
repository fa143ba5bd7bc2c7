package vm

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeCompiler compiles sum(n) to a closed form and declines OSR requests.
type fakeCompiler struct {
	mu       sync.Mutex
	requests []string
	fail     bool
	calls    atomic.Int64
}

func (c *fakeCompiler) Compile(m *Method) (CompiledCode, error) {
	c.mu.Lock()
	c.requests = append(c.requests, m.Name)
	c.mu.Unlock()
	if c.fail {
		return nil, errors.New("no backend")
	}
	return CompiledFunc(func(th *Thread, m *Method, base int, result []Word) int {
		c.calls.Add(1)
		n := Load[int32](th.Stack(), base)
		result[0] = ToWord(n * (n + 1) / 2)
		return 0
	}), nil
}

func (c *fakeCompiler) CompileOSR(m *Method, bci int) (OSRCode, error) {
	c.mu.Lock()
	c.requests = append(c.requests, m.Name+"@osr")
	c.mu.Unlock()
	return nil, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHotMethodGetsCompiled(t *testing.T) {
	compiler := &fakeCompiler{}
	rt := newTestRuntime(t, WithCompiler(compiler), WithHotThresholds(3, 0))
	sum, _ := sumClass(t, rt)
	th := newTestThread(t, rt)

	for i := 0; i < 3; i++ {
		if got := invoke(t, th, sum, new(Args).Int(10).Words()...).Int(); got != 55 {
			t.Fatalf("interpreted sum(10) = %d, want 55", got)
		}
	}
	waitFor(t, "compiled code", func() bool { return sum.Compiled() != nil })

	if got := invoke(t, th, sum, new(Args).Int(100).Words()...).Int(); got != 5050 {
		t.Errorf("compiled sum(100) = %d, want 5050", got)
	}
	if got := compiler.calls.Load(); got != 1 {
		t.Errorf("compiled code calls = %d, want 1", got)
	}
	st := rt.Broker().Stats()
	if st.Compiled != 1 || st.Failed != 0 {
		t.Errorf("broker stats = %+v, want 1 compiled and 0 failed", st)
	}
	assertBalanced(t, th)
}

func TestHotLoopRequestsOSR(t *testing.T) {
	compiler := &fakeCompiler{}
	rt := newTestRuntime(t, WithCompiler(compiler), WithHotThresholds(0, 8))
	sum, _ := sumClass(t, rt)
	th := newTestThread(t, rt)

	invoke(t, th, sum, new(Args).Int(50).Words()...)
	waitFor(t, "an OSR request", func() bool {
		compiler.mu.Lock()
		defer compiler.mu.Unlock()
		return len(compiler.requests) == 1
	})
	compiler.mu.Lock()
	got := compiler.requests[0]
	compiler.mu.Unlock()
	if got != "sum@osr" {
		t.Errorf("compile request = %q, want %q", got, "sum@osr")
	}
}

func TestCompileFailureIsCounted(t *testing.T) {
	compiler := &fakeCompiler{fail: true}
	b := NewCompileBroker(compiler)
	p := NewProfiler()
	p.MethodHotThreshold = 1
	b.Attach(p)
	defer b.Close()

	m := newProfiledMethod(t, "broken")
	p.RecordInvocation(m)
	waitFor(t, "the failed compile", func() bool { return b.Stats().Failed == 1 })
	if m.Compiled() != nil {
		t.Error("code installed after a failed compile")
	}
}

func TestBrokerQueuesEachMethodOnce(t *testing.T) {
	b := NewCompileBroker(&fakeCompiler{})
	m := newProfiledMethod(t, "twice")

	// No worker is attached, so tasks stay queued.
	b.onHot(m, HotMethod, 0)
	b.onHot(m, HotMethod, 0)
	b.onHot(m, HotLoop, 4)
	if got := b.Stats().QueueLength; got != 2 {
		t.Errorf("queue length = %d, want 2", got)
	}

	native := newProfiledMethod(t, "native")
	native.Flags |= FlagNative
	b.onHot(native, HotMethod, 0)
	if got := b.Stats().QueueLength; got != 2 {
		t.Errorf("queue length after native = %d, want 2", got)
	}
}

func TestBrokerDropsWhenQueueFull(t *testing.T) {
	b := NewCompileBroker(&fakeCompiler{})
	for i := 0; i < cap(b.pending)+5; i++ {
		b.onHot(newProfiledMethod(t, "m"), HotMethod, 0)
	}
	st := b.Stats()
	if st.QueueLength != cap(b.pending) || st.Dropped != 5 {
		t.Errorf("stats = %+v, want a full queue and 5 dropped", st)
	}
}

func TestNilCompilerOnlyCountsDeopts(t *testing.T) {
	b := NewCompileBroker(nil)
	p := NewProfiler()
	b.Attach(p)
	if p.OnHot != nil {
		t.Error("a nil compiler subscribed to the profiler")
	}
	m := newProfiledMethod(t, "d")
	b.Deoptimized(m)
	if got := b.Deopts(m); got != 1 {
		t.Errorf("deopts = %d, want 1", got)
	}
	b.Close()
}

func TestCompileBrokerSize(t *testing.T) {
	tests := []struct {
		queue, want int
	}{
		{3, 3},
		{0, DefaultCompileQueue},
		{-1, DefaultCompileQueue},
	}
	for _, tt := range tests {
		b := NewCompileBrokerSize(nil, tt.queue)
		if got := cap(b.pending); got != tt.want {
			t.Errorf("NewCompileBrokerSize(%d) queue = %d, want %d", tt.queue, got, tt.want)
		}
		b.Close()
	}
	rt := NewRuntime(WithCompileQueue(2))
	defer rt.Close()
	if got := cap(rt.Broker().pending); got != 2 {
		t.Errorf("runtime broker queue = %d, want 2", got)
	}
}
