package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// Compiler produces compiled code for hot methods. Either result may be nil
// when the compiler declines.
type Compiler interface {
	Compile(m *Method) (CompiledCode, error)
	CompileOSR(m *Method, bci int) (OSRCode, error)
}

// CompileBroker connects the profiler to a Compiler. Hot methods and loops
// are queued and compiled on a background goroutine; results are published
// on the Method, where the entry dispatcher and the engine pick them up.
type CompileBroker struct {
	compiler Compiler

	pending chan compileTask
	done    chan struct{}
	wg      sync.WaitGroup

	mu         sync.Mutex
	queued     map[compileKey]bool
	notEntrant map[*Method]bool
	deopts     map[*Method]int

	// DeoptLimit is how many deoptimizations a method may take before its
	// compiled code is removed for good.
	DeoptLimit int

	compiled    atomic.Int64
	failed      atomic.Int64
	dropped     atomic.Int64
	compileTime atomic.Int64 // nanoseconds
}

type compileTask struct {
	method *Method
	osrBCI int // -1 for a normal compilation
}

type compileKey struct {
	method *Method
	osrBCI int
}

// DefaultCompileQueue is the number of compile requests that can wait for
// the worker before new ones are dropped.
const DefaultCompileQueue = 100

// NewCompileBroker creates a broker feeding c. A nil compiler makes the
// broker a sink that only counts deoptimizations.
func NewCompileBroker(c Compiler) *CompileBroker {
	return NewCompileBrokerSize(c, DefaultCompileQueue)
}

// NewCompileBrokerSize is NewCompileBroker with an explicit queue length.
func NewCompileBrokerSize(c Compiler, queue int) *CompileBroker {
	if queue < 1 {
		queue = DefaultCompileQueue
	}
	return &CompileBroker{
		compiler:   c,
		pending:    make(chan compileTask, queue),
		done:       make(chan struct{}),
		queued:     make(map[compileKey]bool),
		notEntrant: make(map[*Method]bool),
		deopts:     make(map[*Method]int),
		DeoptLimit: 8,
	}
}

// Attach starts the background worker and subscribes to p.
func (b *CompileBroker) Attach(p *Profiler) {
	if b.compiler == nil {
		return
	}
	p.OnHot = b.onHot
	b.wg.Add(1)
	go b.worker()
}

func (b *CompileBroker) onHot(m *Method, kind HotKind, bci int) {
	if m.IsNative() {
		return
	}
	if kind == HotLoop {
		b.enqueue(compileTask{method: m, osrBCI: bci})
		return
	}
	b.enqueue(compileTask{method: m, osrBCI: -1})
}

func (b *CompileBroker) enqueue(t compileTask) {
	key := compileKey{t.method, t.osrBCI}
	b.mu.Lock()
	if b.queued[key] || b.notEntrant[t.method] {
		b.mu.Unlock()
		return
	}
	b.queued[key] = true
	b.mu.Unlock()

	select {
	case b.pending <- t:
	default:
		// Queue full; forget the task so the next hot report retries it.
		b.mu.Lock()
		delete(b.queued, key)
		b.mu.Unlock()
		b.dropped.Add(1)
	}
}

func (b *CompileBroker) worker() {
	defer b.wg.Done()
	for {
		select {
		case t := <-b.pending:
			b.compile(t)
		case <-b.done:
			return
		}
	}
}

func (b *CompileBroker) compile(t compileTask) {
	start := time.Now()
	defer func() { b.compileTime.Add(int64(time.Since(start))) }()

	m := t.method
	if t.osrBCI >= 0 {
		code, err := b.compiler.CompileOSR(m, t.osrBCI)
		if err != nil {
			b.failed.Add(1)
			log.Warningf("OSR compilation of %s at bci %d failed: %s", m, t.osrBCI, err)
			return
		}
		if code != nil {
			m.InstallOSR(t.osrBCI, code)
			b.compiled.Add(1)
			log.Infof("compiled %s for OSR at bci %d", m, t.osrBCI)
		}
		return
	}

	code, err := b.compiler.Compile(m)
	if err != nil {
		b.failed.Add(1)
		log.Warningf("compilation of %s failed: %s", m, err)
		return
	}
	if code != nil {
		m.InstallCompiled(code)
		b.compiled.Add(1)
		log.Infof("compiled %s", m)
	}
}

// Deoptimized records that compiled code for m handed frames back to the
// interpreter. Past DeoptLimit the compiled code is removed and m is not
// compiled again.
func (b *CompileBroker) Deoptimized(m *Method) {
	b.mu.Lock()
	b.deopts[m]++
	n := b.deopts[m]
	limit := b.DeoptLimit > 0 && n >= b.DeoptLimit && !b.notEntrant[m]
	if limit {
		b.notEntrant[m] = true
	}
	b.mu.Unlock()
	if limit {
		m.InstallCompiled(nil)
		log.Noticef("%s deoptimized %d times; made not entrant", m, n)
	}
}

// Deopts returns how often m was deoptimized.
func (b *CompileBroker) Deopts(m *Method) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deopts[m]
}

// BrokerStats holds compile broker statistics.
type BrokerStats struct {
	Compiled    int64
	Failed      int64
	Dropped     int64
	QueueLength int
	CompileTime time.Duration
}

// Stats returns broker statistics.
func (b *CompileBroker) Stats() BrokerStats {
	return BrokerStats{
		Compiled:    b.compiled.Load(),
		Failed:      b.failed.Load(),
		Dropped:     b.dropped.Load(),
		QueueLength: len(b.pending),
		CompileTime: time.Duration(b.compileTime.Load()),
	}
}

// Close stops the background worker and waits for it.
func (b *CompileBroker) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	b.wg.Wait()
}
