package vm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrThreadBusy is returned when Invoke is called on a thread that is
// already running guest code.
var ErrThreadBusy = errors.New("thread is already running guest code")

// ErrBadArguments is returned when Invoke is given the wrong number of
// argument words.
var ErrBadArguments = errors.New("argument words do not match method parameters")

// Thread is an execution context: one execution stack and the frame manager
// state that runs on it. A Thread is driven by one goroutine at a time.
type Thread struct {
	ID   uuid.UUID
	Name string

	num    uint32
	rt     *Runtime
	stack  *ExecutionStack
	states stateArena
	top    int // fp of the newest frame, -1 when empty

	pending    Ref // exception being propagated
	resultRoot Ref // object result of a native call until it is pushed
	deoptBuf   []Word

	state   atomic.Int32
	stop    atomic.Bool
	invokes atomic.Int64
}

// Runtime returns the runtime the thread belongs to.
func (th *Thread) Runtime() *Runtime { return th.rt }

// Stack returns the thread's execution stack.
func (th *Thread) Stack() *ExecutionStack { return th.stack }

// Num returns the thread's small integer id, used in lock words.
func (th *Thread) Num() uint32 { return th.num }

// State returns the thread's safepoint state.
func (th *Thread) State() ThreadState { return ThreadState(th.state.Load()) }

func (th *Thread) swapState(s ThreadState) ThreadState {
	return ThreadState(th.state.Swap(int32(s)))
}

// transition moves the thread between safepoint states. It does not poll;
// callers that return to guest code follow it with a checkpoint.
func (th *Thread) transition(from, to ThreadState) {
	if !th.state.CompareAndSwap(int32(from), int32(to)) {
		invariant("thread %s: transition %s -> %s from state %s", th.Name, from, to, th.State())
	}
}

// block marks the thread as parked outside guest code.
func (th *Thread) block() { th.transition(InGuest, Blocked) }

// unblock returns the thread to guest code and honours any safepoint that
// began while it was parked.
func (th *Thread) unblock() {
	th.transition(Blocked, InGuest)
	if th.rt.safepoints.ShouldProcess() {
		th.rt.safepoints.Checkpoint(th)
	}
}

// checkpoint is where pending safepoints and stop requests are honoured. A
// stop request becomes a pending guest exception.
func (th *Thread) checkpoint() {
	if th.rt.safepoints.ShouldProcess() {
		th.rt.safepoints.Checkpoint(th)
	}
	if th.stop.Load() && th.pending == NullRef {
		th.stop.Store(false)
		th.pending = th.newThrowable(ClassInterrupted, "stop requested")
		log.Infof("thread %s: stop request delivered", th.Name)
	}
}

// RequestStop asks the thread to throw Interrupted at its next checkpoint.
// It is safe to call from any goroutine.
func (th *Thread) RequestStop() {
	th.stop.Store(true)
}

// PendingException returns the exception currently being propagated.
func (th *Thread) PendingException() Ref { return th.pending }

// SetPendingException makes ex the pending exception. Compiled code uses it
// to throw before returning to the frame manager.
func (th *Thread) SetPendingException(ex Ref) {
	if ex != NullRef {
		if o := th.rt.heap.Get(ex); o != nil {
			o.fillTrace(th.Backtrace())
		}
	}
	th.pending = ex
}

// SetDeoptBuffer hands the frame records for a deoptimization to the frame
// manager. Compiled code calls it before returning a non-zero frame count.
func (th *Thread) SetDeoptBuffer(buf []Word) {
	th.deoptBuf = buf
}

func (th *Thread) takeDeoptBuffer() []Word {
	buf := th.deoptBuf
	th.deoptBuf = nil
	return buf
}

// Result is the value returned by a guest method.
type Result struct {
	Type  BasicType
	Words []Word
}

// Int returns the result as an int.
func (r Result) Int() int32 { return FromWord[int32](r.word()) }

// Long returns the result as a long.
func (r Result) Long() int64 { return FromWord[int64](r.word()) }

// Float returns the result as a float.
func (r Result) Float() float32 { return FromWord[float32](r.word()) }

// Double returns the result as a double.
func (r Result) Double() float64 { return FromWord[float64](r.word()) }

// Ref returns the result as a reference.
func (r Result) Ref() Ref { return FromWord[Ref](r.word()) }

func (r Result) word() Word {
	if len(r.Words) == 0 {
		return 0
	}
	return r.Words[0]
}

// Invoke runs m with args, given in local-variable order (receiver first,
// two-slot values as a zero word followed by the value word; see Args). It
// returns when the activation unwinds. A guest exception that escapes m is
// returned as a *GuestException.
//
// Invoke may be called again from inside a native method running on the
// same thread.
func (th *Thread) Invoke(ctx context.Context, m *Method, args ...Word) (Result, error) {
	outer := th.State()
	if outer != Idle && outer != InNative {
		return Result{}, ErrThreadBusy
	}
	if len(args) != m.SizeOfParameters {
		return Result{}, fmt.Errorf("%w: %s takes %d words, got %d", ErrBadArguments, m, m.SizeOfParameters, len(args))
	}
	if outer == InNative && th.pending != NullRef {
		return Result{}, th.guestException(th.pending)
	}
	if ctx != nil {
		stop := context.AfterFunc(ctx, th.RequestStop)
		defer stop()
	}

	// The stack belongs to safepoint readers until the thread is in guest
	// code, so it is left untouched until then.
	th.transition(outer, InGuest)
	th.checkpoint()
	entry, err := th.pushEntryFrame()
	if err != nil {
		th.pending = NullRef
		th.leaveGuest(outer)
		return Result{}, err
	}
	for i := 0; i < len(args); i++ {
		// Local 0 sits at the highest index, so arguments go on in order.
		if err := th.stack.Push(args[i]); err != nil {
			th.popEntryFrame(entry)
			th.pending = NullRef
			th.leaveGuest(outer)
			return Result{}, err
		}
	}

	th.invokes.Add(1)
	if th.pending == NullRef {
		th.call(m)
	}

	var res Result
	if ex := th.pending; ex != NullRef {
		th.pending = NullRef
		err = th.guestException(ex)
	} else {
		res = Result{Type: m.Result, Words: th.stack.Slice(th.stack.SP(), m.Result.Slots())}
	}
	th.popEntryFrame(entry)
	th.leaveGuest(outer)
	return res, err
}

// leaveGuest returns the thread to the state it was invoked from.
func (th *Thread) leaveGuest(outer ThreadState) {
	th.transition(InGuest, outer)
	if outer == Idle {
		th.stop.Store(false)
	}
}

func (th *Thread) guestException(ex Ref) *GuestException {
	ge := &GuestException{Ref: ex}
	if o := th.rt.heap.Get(ex); o != nil {
		ge.Class = o.class.Name
		ge.Message = o.Message()
		ge.Backtrace = o.Trace()
	}
	return ge
}

// Close removes the thread from its runtime.
func (th *Thread) Close() {
	th.rt.removeThread(th)
}

func (th *Thread) String() string {
	return fmt.Sprintf("thread %s (%s)", th.Name, th.ID)
}

// Args builds an argument word list in local-variable order.
type Args struct {
	words []Word
}

// Int appends an int argument.
func (a *Args) Int(v int32) *Args { a.words = append(a.words, ToWord(v)); return a }

// Long appends a long argument.
func (a *Args) Long(v int64) *Args { a.words = append(a.words, 0, ToWord(v)); return a }

// Float appends a float argument.
func (a *Args) Float(v float32) *Args { a.words = append(a.words, ToWord(v)); return a }

// Double appends a double argument.
func (a *Args) Double(v float64) *Args { a.words = append(a.words, 0, ToWord(v)); return a }

// Ref appends a reference argument.
func (a *Args) Ref(v Ref) *Args { a.words = append(a.words, ToWord(v)); return a }

// Words returns the argument words.
func (a *Args) Words() []Word { return a.words }
