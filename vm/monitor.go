package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// Object lock word encoding:
//
//	0                 unlocked
//	thread<<1         thin-locked by thread (thread numbers start at 1)
//	index<<1 | 1      inflated; index names a monitor in the MonitorService
func thinLockWord(num uint32) uint64 { return uint64(num) << 1 }
func inflatedLockWord(idx int) uint64 { return uint64(idx)<<1 | 1 }
func isInflated(w uint64) bool { return w&1 == 1 }
func inflatedIndex(w uint64) int { return int(w >> 1) }
func thinOwner(w uint64) (uint32, bool) { return uint32(w >> 1), w != 0 && w&1 == 0 }

// ThinOwner returns the number of the thread holding o's thin lock. It
// reports false when o is unlocked or its lock is inflated.
func (o *Object) ThinOwner() (uint32, bool) { return thinOwner(o.LockWord()) }

// Inflated reports whether o's lock is owned by the MonitorService.
func (o *Object) Inflated() bool { return isInflated(o.LockWord()) }

// LockMode records how a monitor record acquired its object, so release
// takes the matching path.
type LockMode uint8

const (
	LockNone LockMode = iota
	LockThin
	LockRecursive
	LockService
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockThin:
		return "thin"
	case LockRecursive:
		return "recursive"
	case LockService:
		return "service"
	}
	return "invalid"
}

// LockRecord names a monitor record on a thread's stack.
type LockRecord struct {
	th    *Thread
	index int
}

// Index returns the stack index of the record's object word.
func (r LockRecord) Index() int { return r.index }

// Object returns the object the record holds.
func (r LockRecord) Object() Ref { return Ref(r.th.stack.Word(r.index)) }

// Thread returns the owning thread.
func (r LockRecord) Thread() *Thread { return r.th }

// MonitorService handles every lock operation the lock-free fast path cannot:
// contention, inflated monitors, and all locking when heavy monitors are
// configured.
type MonitorService interface {
	Enter(th *Thread, obj Ref, rec LockRecord)
	Exit(th *Thread, rec LockRecord)
}

// lockObject acquires obj into the monitor record at rec.
func (th *Thread) lockObject(rec int, obj Ref) {
	s := th.stack
	o := th.rt.heap.MustGet(obj)
	s.SetWord(rec, Word(obj))
	if !th.rt.heavyMonitors {
		mine := thinLockWord(th.num)
		if o.lock.CompareAndSwap(0, mine) {
			s.SetWord(rec+1, Word(LockThin))
			return
		}
		if o.lock.Load() == mine {
			s.SetWord(rec+1, Word(LockRecursive))
			return
		}
	}
	s.SetWord(rec+1, Word(LockService))
	th.rt.monitors.Enter(th, obj, LockRecord{th: th, index: rec})
}

// unlockRecord releases the monitor record at rec and clears it.
func (th *Thread) unlockRecord(rec int) {
	s := th.stack
	obj := Ref(s.Word(rec))
	mode := LockMode(s.Word(rec + 1))
	th.releaseLock(obj, mode, LockRecord{th: th, index: rec})
	s.SetWord(rec, 0)
	s.SetWord(rec+1, 0)
}

func (th *Thread) releaseLock(obj Ref, mode LockMode, rec LockRecord) {
	switch mode {
	case LockThin:
		o := th.rt.heap.MustGet(obj)
		if !o.lock.CompareAndSwap(thinLockWord(th.num), 0) {
			invariant("thread %d released thin lock on %s it does not own (lock word %#x)", th.num, th.rt.heap.Describe(obj), o.lock.Load())
		}
	case LockRecursive:
	case LockService:
		th.rt.monitors.Exit(th, rec)
	default:
		invariant("release of %s with lock mode %d", th.rt.heap.Describe(obj), mode)
	}
}

// ---------------------------------------------------------------------------
// InflatedMonitors: the default MonitorService
// ---------------------------------------------------------------------------

// InflatedMonitors is a MonitorService backed by a table of heavyweight
// monitors. A monitor is created when an unlocked object is entered through
// the service and is deflated again once it has no owner and no waiters.
type InflatedMonitors struct {
	mu    sync.Mutex
	table []*monitor
	free  []int

	enters   atomic.Int64
	exits    atomic.Int64
	inflates atomic.Int64
}

type monitor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	obj     Ref
	owner   *Thread
	count   int
	waiters int
	dead    bool
}

// NewInflatedMonitors creates an empty monitor table.
func NewInflatedMonitors() *InflatedMonitors {
	return &InflatedMonitors{}
}

// MonitorStats reports monitor service activity.
type MonitorStats struct {
	Enters   int64
	Exits    int64
	Inflates int64
	Live     int
}

// Stats returns a snapshot of service counters.
func (m *InflatedMonitors) Stats() MonitorStats {
	m.mu.Lock()
	live := len(m.table) - len(m.free)
	m.mu.Unlock()
	return MonitorStats{
		Enters:   m.enters.Load(),
		Exits:    m.exits.Load(),
		Inflates: m.inflates.Load(),
		Live:     live,
	}
}

func (m *InflatedMonitors) Enter(th *Thread, obj Ref, rec LockRecord) {
	o := th.rt.heap.MustGet(obj)
	m.enters.Add(1)

	blocked := false
	defer func() {
		if blocked {
			th.unblock()
		}
	}()
	block := func() {
		if !blocked {
			th.block()
			blocked = true
		}
	}

	backoff := time.Microsecond
	for {
		w := o.lock.Load()
		switch {
		case w == 0:
			idx, mon := m.inflate(obj, th)
			if o.lock.CompareAndSwap(0, inflatedLockWord(idx)) {
				m.inflates.Add(1)
				return
			}
			m.discard(idx, mon)

		case isInflated(w):
			mon := m.lookup(inflatedIndex(w))
			if mon == nil {
				continue
			}
			mon.mu.Lock()
			if mon.dead || mon.obj != obj {
				mon.mu.Unlock()
				continue
			}
			if mon.owner == th {
				mon.count++
				mon.mu.Unlock()
				return
			}
			if mon.owner != nil {
				block()
				for mon.owner != nil && !mon.dead {
					mon.waiters++
					mon.cond.Wait()
					mon.waiters--
				}
				if mon.dead {
					mon.mu.Unlock()
					continue
				}
			}
			mon.owner = th
			mon.count = 1
			mon.mu.Unlock()
			return

		default:
			// Thin-locked by another thread; wait for it to let go.
			block()
			time.Sleep(backoff)
			if backoff < time.Millisecond {
				backoff *= 2
			}
		}
	}
}

func (m *InflatedMonitors) Exit(th *Thread, rec LockRecord) {
	obj := rec.Object()
	o := th.rt.heap.MustGet(obj)
	w := o.lock.Load()
	if !isInflated(w) {
		invariant("service exit of %s which is not inflated (lock word %#x)", th.rt.heap.Describe(obj), w)
	}
	idx := inflatedIndex(w)
	mon := m.lookup(idx)
	if mon == nil {
		invariant("lock word of %s names missing monitor %d", th.rt.heap.Describe(obj), idx)
	}
	mon.mu.Lock()
	if mon.owner != th {
		mon.mu.Unlock()
		invariant("monitor on %s exited by a thread that does not own it", th.rt.heap.Describe(obj))
	}
	m.exits.Add(1)
	mon.count--
	if mon.count > 0 {
		mon.mu.Unlock()
		return
	}
	mon.owner = nil
	if mon.waiters > 0 {
		mon.cond.Signal()
		mon.mu.Unlock()
		return
	}
	mon.dead = true
	o.lock.Store(0)
	mon.mu.Unlock()
	m.release(idx)
}

func (m *InflatedMonitors) inflate(obj Ref, owner *Thread) (int, *monitor) {
	mon := &monitor{obj: obj, owner: owner, count: 1}
	mon.cond = sync.NewCond(&mon.mu)
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.free); n > 0 {
		idx := m.free[n-1]
		m.free = m.free[:n-1]
		m.table[idx] = mon
		return idx, mon
	}
	m.table = append(m.table, mon)
	return len(m.table) - 1, mon
}

func (m *InflatedMonitors) discard(idx int, mon *monitor) {
	mon.mu.Lock()
	mon.dead = true
	mon.mu.Unlock()
	m.release(idx)
}

func (m *InflatedMonitors) release(idx int) {
	m.mu.Lock()
	m.table[idx] = nil
	m.free = append(m.free, idx)
	m.mu.Unlock()
}

func (m *InflatedMonitors) lookup(idx int) *monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx < 0 || idx >= len(m.table) {
		return nil
	}
	return m.table[idx]
}
