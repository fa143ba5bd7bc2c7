package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler watches method entries and backward branches and reports code
// that crosses its thresholds. The engine feeds it; the compile broker
// listens through OnHot.

// HotKind says why code became hot.
type HotKind uint8

const (
	// HotMethod means the method was entered MethodHotThreshold times.
	HotMethod HotKind = iota
	// HotLoop means a backward branch to one bci was taken LoopHotThreshold
	// times; the bci is an OSR candidate.
	HotLoop
)

func (k HotKind) String() string {
	if k == HotLoop {
		return "loop"
	}
	return "method"
}

// MethodProfile holds profiling data for a single method.
type MethodProfile struct {
	Method *Method
	hot    atomic.Bool
	loops  sync.Map // bci -> *LoopProfile
}

// IsHot reports whether the method crossed the invocation threshold.
func (p *MethodProfile) IsHot() bool { return p.hot.Load() }

// LoopProfile holds profiling data for one loop header.
type LoopProfile struct {
	BCI   int
	count atomic.Int64
	hot   atomic.Bool
}

// Count returns how often the back edge to BCI was taken.
func (p *LoopProfile) Count() int64 { return p.count.Load() }

// IsHot reports whether the loop crossed the backedge threshold.
func (p *LoopProfile) IsHot() bool { return p.hot.Load() }

// Profiler manages profiles for every method the runtime runs.
type Profiler struct {
	profiles sync.Map // *Method -> *MethodProfile

	MethodHotThreshold int64
	LoopHotThreshold   int64

	// OnHot is called once per method, and once per loop header, when the
	// threshold is crossed. It runs on the guest thread and must not block.
	OnHot func(m *Method, kind HotKind, bci int)

	hotMethods atomic.Int64
	hotLoops   atomic.Int64
}

// Default thresholds.
const (
	DefaultMethodHotThreshold = 1000
	DefaultLoopHotThreshold   = 10000
)

// NewProfiler creates a profiler with default thresholds.
func NewProfiler() *Profiler {
	return &Profiler{
		MethodHotThreshold: DefaultMethodHotThreshold,
		LoopHotThreshold:   DefaultLoopHotThreshold,
	}
}

func (p *Profiler) profile(m *Method) *MethodProfile {
	if v, ok := p.profiles.Load(m); ok {
		return v.(*MethodProfile)
	}
	v, _ := p.profiles.LoadOrStore(m, &MethodProfile{Method: m})
	return v.(*MethodProfile)
}

// RecordInvocation counts an entry into m. It returns true if this entry
// made m hot.
func (p *Profiler) RecordInvocation(m *Method) bool {
	count := m.invocations.Add(1)
	if p.MethodHotThreshold <= 0 || count < p.MethodHotThreshold {
		return false
	}
	prof := p.profile(m)
	if !prof.hot.CompareAndSwap(false, true) {
		return false
	}
	p.hotMethods.Add(1)
	if p.OnHot != nil {
		p.OnHot(m, HotMethod, 0)
	}
	return true
}

// RecordBackedge counts a backward branch to bci in m. total is the
// method's running backedge count.
func (p *Profiler) RecordBackedge(m *Method, bci int, total int64) bool {
	if p.LoopHotThreshold <= 0 || total < p.LoopHotThreshold/4 {
		// Cheap filter; a single loop cannot be hot before the method is.
		return false
	}
	prof := p.profile(m)
	v, ok := prof.loops.Load(bci)
	if !ok {
		v, _ = prof.loops.LoadOrStore(bci, &LoopProfile{BCI: bci})
	}
	loop := v.(*LoopProfile)
	if loop.count.Add(1) < p.LoopHotThreshold/4*3 {
		return false
	}
	if !loop.hot.CompareAndSwap(false, true) {
		return false
	}
	p.hotLoops.Add(1)
	if p.OnHot != nil {
		p.OnHot(m, HotLoop, bci)
	}
	return true
}

// Profile returns the profile for m, or nil if m has never been hot enough
// to track.
func (p *Profiler) Profile(m *Method) *MethodProfile {
	if v, ok := p.profiles.Load(m); ok {
		return v.(*MethodProfile)
	}
	return nil
}

// IsHot reports whether m crossed the invocation threshold.
func (p *Profiler) IsHot(m *Method) bool {
	prof := p.Profile(m)
	return prof != nil && prof.IsHot()
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Tracked    int
	HotMethods int64
	HotLoops   int64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	stats := ProfilerStats{
		HotMethods: p.hotMethods.Load(),
		HotLoops:   p.hotLoops.Load(),
	}
	p.profiles.Range(func(_, _ any) bool {
		stats.Tracked++
		return true
	})
	return stats
}

// TopMethods returns the n most invoked of the given methods.
func TopMethods(methods []*Method, n int) []*Method {
	sorted := append([]*Method(nil), methods...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Invocations() > sorted[j].Invocations()
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// Reset clears all profiles. Method counters are left alone.
func (p *Profiler) Reset() {
	p.profiles.Range(func(k, _ any) bool {
		p.profiles.Delete(k)
		return true
	})
	p.hotMethods.Store(0)
	p.hotLoops.Store(0)
}
