package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// NativeCategory is the calling-convention class of a native argument.
type NativeCategory uint8

const (
	NativeInt NativeCategory = iota + 1
	NativeLong
	NativeFloat
	NativeDouble
	NativeObject
)

func (c NativeCategory) String() string {
	switch c {
	case NativeInt:
		return "int"
	case NativeLong:
		return "long"
	case NativeFloat:
		return "float"
	case NativeDouble:
		return "double"
	case NativeObject:
		return "object"
	}
	return fmt.Sprintf("NativeCategory(%d)", uint8(c))
}

// ArgDescriptor describes one native argument: its category and its width
// in bytes.
type ArgDescriptor struct {
	Category NativeCategory
	Width    int
	Type     BasicType
}

// SignatureDescriptor describes a native method's arguments in native
// order: the receiver or class mirror first, then the declared parameters.
type SignatureDescriptor struct {
	Args   []ArgDescriptor
	Result BasicType
}

func argDescriptor(t BasicType) ArgDescriptor {
	switch t {
	case TLong:
		return ArgDescriptor{Category: NativeLong, Width: 8, Type: t}
	case TFloat:
		return ArgDescriptor{Category: NativeFloat, Width: 4, Type: t}
	case TDouble:
		return ArgDescriptor{Category: NativeDouble, Width: 8, Type: t}
	case TObject:
		return ArgDescriptor{Category: NativeObject, Width: 8, Type: t}
	}
	return ArgDescriptor{Category: NativeInt, Width: t.Size(), Type: t}
}

// SignatureTable builds signature descriptors on first use and caches them.
type SignatureTable struct {
	cache sync.Map // *Method -> *SignatureDescriptor
	built atomic.Int64
}

// NewSignatureTable creates an empty table.
func NewSignatureTable() *SignatureTable {
	return &SignatureTable{}
}

// Lookup returns the descriptor for m.
func (t *SignatureTable) Lookup(m *Method) *SignatureDescriptor {
	if v, ok := t.cache.Load(m); ok {
		return v.(*SignatureDescriptor)
	}
	sig := &SignatureDescriptor{Result: m.Result}
	sig.Args = append(sig.Args, ArgDescriptor{Category: NativeObject, Width: 8, Type: TObject})
	for _, p := range m.Params {
		sig.Args = append(sig.Args, argDescriptor(p))
	}
	v, loaded := t.cache.LoadOrStore(m, sig)
	if !loaded {
		t.built.Add(1)
	}
	return v.(*SignatureDescriptor)
}

// Len returns how many descriptors have been built.
func (t *SignatureTable) Len() int { return int(t.built.Load()) }

// NativeArg is one argument as a native function receives it. Bits holds
// the raw value; for objects it is the reference and Handle points at the
// stack slot holding it, or is nil for null.
type NativeArg struct {
	Bits   uint64
	Handle *Word
}

// Int returns the argument as an int.
func (a NativeArg) Int() int32 { return int32(uint32(a.Bits)) }

// Long returns the argument as a long.
func (a NativeArg) Long() int64 { return int64(a.Bits) }

// Float returns the argument as a float.
func (a NativeArg) Float() float32 { return FromWord[float32](Word(a.Bits)) }

// Double returns the argument as a double.
func (a NativeArg) Double() float64 { return FromWord[float64](Word(a.Bits)) }

// Ref returns the object the handle currently names.
func (a NativeArg) Ref() Ref {
	if a.Handle == nil {
		return NullRef
	}
	return Ref(*a.Handle)
}

// NativeFunc implements a native method. args[0] is the receiver, or the
// class mirror for static methods. A returned error becomes a NativeFault
// in the caller.
type NativeFunc func(env *NativeEnv, args []NativeArg) (uint64, error)

// NativeEnv is what a native function may use while it runs.
type NativeEnv struct {
	th     *Thread
	method *Method
	thrown Ref
}

// Thread returns the calling thread.
func (e *NativeEnv) Thread() *Thread { return e.th }

// Runtime returns the calling thread's runtime.
func (e *NativeEnv) Runtime() *Runtime { return e.th.rt }

// Method returns the native method being run.
func (e *NativeEnv) Method() *Method { return e.method }

// Heap returns the runtime's heap.
func (e *NativeEnv) Heap() *Heap { return e.th.rt.heap }

// Deref returns the object an object argument names, or nil.
func (e *NativeEnv) Deref(a NativeArg) *Object {
	return e.th.rt.heap.Get(a.Ref())
}

// Throw arranges for a new instance of class to be thrown once the native
// function returns. The function should return promptly afterwards.
func (e *NativeEnv) Throw(class, msg string) {
	if e.th.rt.Class(class) == nil {
		class = ClassNativeFault
	}
	e.thrown = e.th.newThrowable(class, msg)
}

// Call invokes a guest method from native code on the same thread.
func (e *NativeEnv) Call(ctx context.Context, m *Method, args ...Word) (Result, error) {
	return e.th.Invoke(ctx, m, args...)
}

// NativeCallBridge runs native methods: it builds the frame, marshals the
// arguments, switches the thread to the native state around the call, and
// pushes the result.
type NativeCallBridge struct {
	rt *Runtime

	calls  atomic.Int64
	faults atomic.Int64
}

// NewNativeCallBridge creates the bridge for rt.
func NewNativeCallBridge(rt *Runtime) *NativeCallBridge {
	return &NativeCallBridge{rt: rt}
}

// Call runs native method m over the parameters at the top of th's stack.
// It never leaves deoptimized frames, so it always returns 0.
func (b *NativeCallBridge) Call(th *Thread, m *Method) int {
	fn := m.Native
	if fn == nil {
		fn = b.rt.lookupNative(m)
	}
	if fn == nil {
		th.pending = th.newThrowable(ClassLinkageError, "unsatisfied native "+m.String())
		th.dropParams(m)
		return 0
	}

	st, _, err := th.buildFrame(m, defaultRecords, 0, true, false)
	if err != nil {
		th.stackOverflow(m, err)
		th.dropParams(m)
		return 0
	}
	st.bci = 0
	if m.IsSynchronized() {
		th.lockObject(st.monitorBase-MonitorWords, th.lockTarget(st))
	}
	args := b.marshal(th, st, b.rt.signatures.Lookup(m))
	env := &NativeEnv{th: th, method: m}
	b.calls.Add(1)
	m.invocations.Add(1)

	th.transition(InGuest, InNative)
	bits, err := fn(env, args)
	th.transition(InNative, InGuest)

	var result Word
	if m.Result == TObject && err == nil && env.thrown == NullRef {
		th.resultRoot = Ref(bits)
	}
	th.checkpoint()
	if th.pending == NullRef {
		switch {
		case env.thrown != NullRef:
			th.pending = env.thrown
		case err != nil:
			th.pending = b.fault(th, m, err)
		default:
			result = Word(bits)
			if m.Result == TObject {
				result = Word(th.resultRoot)
			}
		}
	}

	if m.IsSynchronized() {
		rec := st.monitorBase - MonitorWords
		if th.stack.Word(rec) != 0 {
			th.unlockRecord(rec)
		}
	}
	th.popFrame(st)
	th.dropParams(m)
	if th.pending == NullRef && m.Result != TVoid {
		words := []Word{result}
		if m.Result.Slots() == 2 {
			words = append(words, 0)
		}
		th.pushResult(m.Result, words)
	}
	th.resultRoot = NullRef
	return 0
}

// marshal builds the argument vector in native order from the locals.
func (b *NativeCallBridge) marshal(th *Thread, st *InterpreterState, sig *SignatureDescriptor) []NativeArg {
	s := th.stack
	m := st.method
	args := make([]NativeArg, 0, len(sig.Args))
	local := 0
	if m.IsStatic() {
		st.oopTemp = Word(m.Holder.Mirror())
		args = append(args, NativeArg{Bits: uint64(st.oopTemp), Handle: &st.oopTemp})
	} else {
		args = append(args, objectArg(s, st.locals))
		local = 1
	}
	for _, a := range sig.Args[1:] {
		switch a.Category {
		case NativeObject:
			args = append(args, objectArg(s, st.locals-local))
		case NativeLong, NativeDouble:
			args = append(args, NativeArg{Bits: uint64(s.Word(st.locals - local - 1))})
		default:
			args = append(args, NativeArg{Bits: uint64(s.Word(st.locals - local))})
		}
		local += a.Type.Slots()
	}
	return args
}

func objectArg(s *ExecutionStack, i int) NativeArg {
	w := s.Word(i)
	if Ref(w) == NullRef {
		return NativeArg{}
	}
	return NativeArg{Bits: uint64(w), Handle: s.Addr(i)}
}

// fault turns a native error into the exception to propagate. A guest
// exception escaping a nested Call is rethrown as is.
func (b *NativeCallBridge) fault(th *Thread, m *Method, err error) Ref {
	var ge *GuestException
	if errors.As(err, &ge) && th.rt.heap.Get(ge.Ref) != nil {
		return ge.Ref
	}
	b.faults.Add(1)
	log.Warningf("thread %s: native %s failed: %s", th.Name, m, err)
	return th.newThrowable(ClassNativeFault, err.Error())
}

// BridgeStats counts native calls.
type BridgeStats struct {
	Calls  int64
	Faults int64
}

// Stats returns a snapshot of bridge counters.
func (b *NativeCallBridge) Stats() BridgeStats {
	return BridgeStats{Calls: b.calls.Load(), Faults: b.faults.Load()}
}
