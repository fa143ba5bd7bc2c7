package vm

import "fmt"

// StateHandle names an InterpreterState in its thread's arena. The low 32
// bits hold the slot index plus one, the high 32 bits the slot generation.
// The zero handle is invalid and marks placeholder frames.
type StateHandle uint64

// Valid reports whether h can possibly resolve.
func (h StateHandle) Valid() bool { return h != 0 }

func (h StateHandle) index() int     { return int(uint32(h)) - 1 }
func (h StateHandle) gen() uint32    { return uint32(h >> 32) }
func (h StateHandle) String() string { return fmt.Sprintf("state#%d.%d", h.index(), h.gen()) }

func makeHandle(index int, gen uint32) StateHandle {
	return StateHandle(uint64(gen)<<32 | uint64(index+1))
}

// InterpreterState is the per-activation execution state. Stack positions
// are indices into the owning thread's ExecutionStack.
type InterpreterState struct {
	handle    StateHandle
	method    *Method
	constants *ConstantPool

	bci         int
	locals      int // index of local 0
	tos         int // next free expression-stack slot
	stackBase   int // one past the deepest expression-stack slot; newest monitor
	stackLimit  int // tos may not move below stackLimit
	monitorBase int // one past the oldest monitor record
	frame       int // fp of the owning frame

	msg     Message
	advance int  // length of the invoke awaiting MethodResume
	oopTemp Word // spill slot for a native's class mirror
}

// Handle returns the state's self handle.
func (st *InterpreterState) Handle() StateHandle { return st.handle }

// Method returns the executing method.
func (st *InterpreterState) Method() *Method { return st.method }

// BCI returns the current bytecode index.
func (st *InterpreterState) BCI() int { return st.bci }

// Locals returns the stack index of local 0.
func (st *InterpreterState) Locals() int { return st.locals }

// TOS returns the next free expression-stack slot.
func (st *InterpreterState) TOS() int { return st.tos }

// StackBase returns the exclusive upper bound of the expression stack.
func (st *InterpreterState) StackBase() int { return st.stackBase }

// StackLimit returns the lowest value tos may reach.
func (st *InterpreterState) StackLimit() int { return st.stackLimit }

// MonitorBase returns the exclusive upper bound of the monitor area.
func (st *InterpreterState) MonitorBase() int { return st.monitorBase }

// Depth returns the number of words on the expression stack.
func (st *InterpreterState) Depth() int { return st.stackBase - 1 - st.tos }

// Monitors returns the number of monitor records in the frame.
func (st *InterpreterState) Monitors() int {
	return (st.monitorBase - st.stackBase) / MonitorWords
}

// Pending returns the message currently posted, or nil.
func (st *InterpreterState) Pending() Message { return st.msg }

func (st *InterpreterState) post(m Message) {
	if st.msg != nil {
		invariant("%s posted while %s still pending in %s", m.Kind(), st.msg.Kind(), st.method)
	}
	st.msg = m
}

func (st *InterpreterState) take() Message {
	m := st.msg
	if m == nil {
		invariant("no message pending in %s", st.method)
	}
	st.msg = nil
	return m
}

func (st *InterpreterState) String() string {
	return fmt.Sprintf("%s %s bci=%d tos=%d base=%d limit=%d", st.handle, st.method, st.bci, st.tos, st.stackBase, st.stackLimit)
}

// stateArena owns a thread's InterpreterStates. Slots are individually
// allocated so a *InterpreterState stays valid while its slot is live;
// released slots bump their generation so stale handles stop resolving.
type stateArena struct {
	slots []*stateSlot
	free  []int
	live  int
}

type stateSlot struct {
	gen  uint32
	live bool
	st   InterpreterState
}

func (a *stateArena) alloc() *InterpreterState {
	var i int
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		i = len(a.slots)
		a.slots = append(a.slots, &stateSlot{gen: 1})
	}
	s := a.slots[i]
	s.live = true
	s.st = InterpreterState{handle: makeHandle(i, s.gen)}
	a.live++
	return &s.st
}

func (a *stateArena) get(h StateHandle) (*InterpreterState, bool) {
	i := h.index()
	if !h.Valid() || i < 0 || i >= len(a.slots) {
		return nil, false
	}
	s := a.slots[i]
	if !s.live || s.gen != h.gen() {
		return nil, false
	}
	return &s.st, true
}

func (a *stateArena) release(h StateHandle) {
	i := h.index()
	if !h.Valid() || i < 0 || i >= len(a.slots) || !a.slots[i].live || a.slots[i].gen != h.gen() {
		invariant("release of stale %s", h)
	}
	s := a.slots[i]
	s.live = false
	s.gen++
	s.st = InterpreterState{}
	a.free = append(a.free, i)
	a.live--
}
