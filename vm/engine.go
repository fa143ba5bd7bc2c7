package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// execute is the bytecode engine. It resumes st according to the message the
// frame manager posted and runs until it posts a request of its own.
func (th *Thread) execute(st *InterpreterState) {
	s := th.stack
	switch msg := st.take(); msg.(type) {
	case MethodEntry:
		st.bci = 0
		th.rt.profiler.RecordInvocation(st.method)

	case MethodResume:
		if th.pending != NullRef {
			if th.raise(st, th.pending) {
				return
			}
		} else {
			st.bci += st.advance
		}
		st.advance = 0

	case GotMonitors:
		if th.pending != NullRef {
			if th.raise(st, th.pending) {
				return
			}
			break
		}
		obj := popSlot[Ref](s, st)
		th.lockObject(st.stackBase, obj)
		st.bci += OpMonitorenter.Length()

	case DeoptResume:
		// An exception from the completed invoke is thrown at the invoke.
		if th.pending != NullRef {
			if th.raise(st, th.pending) {
				return
			}
			break
		}
		st.bci += InstructionLength(st.method.Code, st.bci)

	case DeoptResume2:
		if th.pending != NullRef && th.raise(st, th.pending) {
			return
		}

	default:
		invariant("engine resumed %s with %s", st.method, msg.Kind())
	}

	for !th.step(st) {
	}
}

// step executes the instruction at st.bci. It returns true once a message
// has been posted for the frame manager.
func (th *Thread) step(st *InterpreterState) bool {
	s := th.stack
	code := st.method.Code
	bci := st.bci
	op := Opcode(code[bci])

	switch op {
	case OpNop:

	// Constants
	case OpAconstNull:
		pushSlot(s, st, NullRef)
	case OpIconst:
		pushSlot(s, st, int32(binary.LittleEndian.Uint32(code[bci+1:])))
	case OpLconst:
		pushSlot(s, st, int64(binary.LittleEndian.Uint64(code[bci+1:])))
	case OpLdc, OpLdc2:
		c := th.constant(st, bci)
		if (op == OpLdc2) != (c.Slots() == 2) {
			invariant("%s of %s at %s bci %d", op, c, st.method, bci)
		}
		switch c.Tag {
		case TagInt:
			pushSlot(s, st, int32(uint32(c.Bits)))
		case TagFloat:
			pushSlot(s, st, math.Float32frombits(uint32(c.Bits)))
		case TagLong:
			pushSlot(s, st, int64(c.Bits))
		case TagDouble:
			pushSlot(s, st, math.Float64frombits(c.Bits))
		case TagClass:
			k, err := th.rt.resolver.ResolveClass(c)
			if err != nil {
				return th.throwNew(st, ClassLinkageError, err.Error())
			}
			pushSlot(s, st, k.Mirror())
		default:
			invariant("ldc of %s", c)
		}

	// Locals
	case OpIload:
		pushSlot(s, st, LoadLocal[int32](s, st.locals, int(code[bci+1])))
	case OpLload:
		pushSlot(s, st, LoadLocal[int64](s, st.locals, int(code[bci+1])))
	case OpAload:
		pushSlot(s, st, LoadLocal[Ref](s, st.locals, int(code[bci+1])))
	case OpIstore:
		StoreLocal(s, st.locals, int(code[bci+1]), popSlot[int32](s, st))
	case OpLstore:
		StoreLocal(s, st.locals, int(code[bci+1]), popSlot[int64](s, st))
	case OpAstore:
		StoreLocal(s, st.locals, int(code[bci+1]), popSlot[Ref](s, st))
	case OpIinc:
		n := int(code[bci+1])
		StoreLocal(s, st.locals, n, LoadLocal[int32](s, st.locals, n)+int32(int8(code[bci+2])))

	// Stack
	case OpPop:
		popWord(s, st)
	case OpPop2:
		popWord(s, st)
		popWord(s, st)
	case OpDup:
		pushWord(s, st, peekWord(s, st, 0))
	case OpDup2:
		a, b := peekWord(s, st, 0), peekWord(s, st, 1)
		pushWord(s, st, b)
		pushWord(s, st, a)
	case OpSwap:
		a := popWord(s, st)
		b := popWord(s, st)
		pushWord(s, st, a)
		pushWord(s, st, b)

	// Arithmetic
	case OpIadd, OpIsub, OpImul, OpIdiv, OpIrem:
		b := popSlot[int32](s, st)
		a := popSlot[int32](s, st)
		var r int32
		switch op {
		case OpIadd:
			r = a + b
		case OpIsub:
			r = a - b
		case OpImul:
			r = a * b
		case OpIdiv, OpIrem:
			if b == 0 {
				return th.throwNew(st, ClassArithmetic, "/ by zero")
			}
			if op == OpIdiv {
				r = a / b
			} else {
				r = a % b
			}
		}
		pushSlot(s, st, r)
	case OpIneg:
		pushSlot(s, st, -popSlot[int32](s, st))
	case OpLadd, OpLsub, OpLmul:
		b := popSlot[int64](s, st)
		a := popSlot[int64](s, st)
		switch op {
		case OpLadd:
			pushSlot(s, st, a+b)
		case OpLsub:
			pushSlot(s, st, a-b)
		default:
			pushSlot(s, st, a*b)
		}
	case OpLcmp:
		b := popSlot[int64](s, st)
		a := popSlot[int64](s, st)
		var r int32
		if a < b {
			r = -1
		} else if a > b {
			r = 1
		}
		pushSlot(s, st, r)
	case OpI2L:
		pushSlot(s, st, int64(popSlot[int32](s, st)))
	case OpL2I:
		pushSlot(s, st, int32(popSlot[int64](s, st)))
	case OpI2B:
		pushSlot(s, st, int32(int8(popSlot[int32](s, st))))
	case OpI2C:
		pushSlot(s, st, int32(uint16(popSlot[int32](s, st))))
	case OpI2S:
		pushSlot(s, st, int32(int16(popSlot[int32](s, st))))

	// Control flow
	case OpIfeq, OpIfne, OpIflt, OpIfge, OpIfgt, OpIfle:
		v := popSlot[int32](s, st)
		if compare(op-OpIfeq, v, 0) {
			return th.branch(st, BranchTarget(code, bci))
		}
	case OpIfIcmpeq, OpIfIcmpne, OpIfIcmplt, OpIfIcmpge, OpIfIcmpgt, OpIfIcmple:
		b := popSlot[int32](s, st)
		a := popSlot[int32](s, st)
		if compare(op-OpIfIcmpeq, a, b) {
			return th.branch(st, BranchTarget(code, bci))
		}
	case OpIfnull, OpIfnonnull:
		r := popSlot[Ref](s, st)
		if (r == NullRef) == (op == OpIfnull) {
			return th.branch(st, BranchTarget(code, bci))
		}
	case OpGoto:
		return th.branch(st, BranchTarget(code, bci))

	// Objects
	case OpNew:
		k, err := th.rt.resolver.ResolveClass(th.constant(st, bci))
		if err != nil {
			return th.throwNew(st, ClassLinkageError, err.Error())
		}
		pushSlot(s, st, th.rt.heap.Allocate(k))
	case OpGetfield:
		f, err := th.rt.resolveField(th.constant(st, bci))
		if err != nil {
			return th.throwNew(st, ClassLinkageError, err.Error())
		}
		obj := popSlot[Ref](s, st)
		if obj == NullRef {
			return th.throwNew(st, ClassNullPointer, "getfield "+f.Field.Name)
		}
		w := th.rt.heap.MustGet(obj).LoadField(f.Field)
		if f.Type.Slots() == 2 {
			pushSlot(s, st, int64(w))
		} else {
			pushWord(s, st, w)
		}
	case OpPutfield:
		f, err := th.rt.resolveField(th.constant(st, bci))
		if err != nil {
			return th.throwNew(st, ClassLinkageError, err.Error())
		}
		var w Word
		if f.Type.Slots() == 2 {
			w = ToWord(popSlot[int64](s, st))
		} else {
			w = popWord(s, st)
		}
		obj := popSlot[Ref](s, st)
		if obj == NullRef {
			return th.throwNew(st, ClassNullPointer, "putfield "+f.Field.Name)
		}
		th.rt.heap.MustGet(obj).StoreField(f.Field, w)

	// Calls
	case OpInvokeStatic, OpInvokeVirtual:
		return th.invoke(st, op)

	// Returns
	case OpIreturn, OpLreturn, OpAreturn, OpReturn:
		th.handleReturn(st)
		return true

	case OpAthrow:
		ex := popSlot[Ref](s, st)
		if ex == NullRef {
			return th.throwNew(st, ClassNullPointer, "athrow of null")
		}
		th.rt.heap.MustGet(ex).fillTrace(th.Backtrace())
		return th.raise(st, ex)

	case OpMonitorenter:
		return th.monitorEnter(st)
	case OpMonitorexit:
		return th.monitorExit(st)

	default:
		invariant("bad opcode 0x%02x in %s at bci %d", byte(op), st.method, bci)
	}

	st.bci += op.Length()
	return false
}

// compare evaluates the condition selected by rel (eq, ne, lt, ge, gt, le).
func compare(rel Opcode, a, b int32) bool {
	switch rel {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a < b
	case 3:
		return a >= b
	case 4:
		return a > b
	}
	return a <= b
}

// Untyped single-word stack moves. Ref is the one-slot type that carries a
// word unchanged.
func pushWord(s *ExecutionStack, st *InterpreterState, w Word) { pushSlot(s, st, Ref(w)) }
func popWord(s *ExecutionStack, st *InterpreterState) Word     { return Word(popSlot[Ref](s, st)) }
func peekWord(s *ExecutionStack, st *InterpreterState, depth int) Word {
	return Word(peekSlot[Ref](s, st, depth))
}

func (th *Thread) constant(st *InterpreterState, bci int) *Constant {
	idx := int(binary.LittleEndian.Uint16(st.method.Code[bci+1:]))
	c := st.constants.At(idx)
	if c == nil {
		invariant("constant #%d out of range in %s at bci %d", idx, st.method, bci)
	}
	return c
}

// branch transfers control to target. Backward branches count toward OSR
// and are safepoint checkpoints.
func (th *Thread) branch(st *InterpreterState, target int) bool {
	if target > st.bci {
		st.bci = target
		return false
	}
	m := st.method
	st.bci = target
	count := m.backedges.Add(1)
	th.rt.profiler.RecordBackedge(m, target, count)

	if code := m.OSREntry(target); code != nil && st.Depth() == 0 {
		st.post(DoOSR{Code: code, Buffer: th.packOSR(st)})
		return true
	}

	th.checkpoint()
	if ex := th.pending; ex != NullRef {
		return th.raise(st, ex)
	}
	return false
}

// invoke resolves the call at st.bci and posts it.
func (th *Thread) invoke(st *InterpreterState, op Opcode) bool {
	s := th.stack
	callee, err := th.rt.resolver.ResolveMethod(th.constant(st, st.bci))
	if err != nil {
		return th.throwNew(st, ClassLinkageError, err.Error())
	}
	if callee.IsStatic() != (op == OpInvokeStatic) {
		return th.throwNew(st, ClassLinkageError, fmt.Sprintf("%s of %s", op, callee))
	}
	if op == OpInvokeVirtual {
		recv := peekSlot[Ref](s, st, callee.SizeOfParameters-1)
		if recv == NullRef {
			return th.throwNew(st, ClassNullPointer, "invoke "+callee.Name+" on null")
		}
		if impl := th.rt.heap.MustGet(recv).class.LookupMethod(callee.Name, callee.Descriptor); impl != nil {
			callee = impl
		}
	}
	st.advance = op.Length()
	st.post(CallMethod{Callee: callee})
	return true
}

// handleReturn releases the frame's monitors and posts the method's exit.
// A monitor the method left locked is released and turns the return into
// an IllegalMonitorStateException; so does a method monitor that bytecode
// already released.
func (th *Thread) handleReturn(st *InterpreterState) {
	s := th.stack
	m := st.method
	methodRec := -1
	if m.IsSynchronized() {
		methodRec = st.monitorBase - MonitorWords
	}

	var illegal Ref
	for rec := st.stackBase; rec < st.monitorBase; rec += MonitorWords {
		if rec == methodRec || Ref(s.Word(rec)) == NullRef {
			continue
		}
		th.unlockRecord(rec)
		if illegal == NullRef {
			illegal = th.newThrowable(ClassIllegalMonitorState, "monitor still held on return from "+m.String())
		}
	}
	if methodRec >= 0 {
		if Ref(s.Word(methodRec)) == NullRef {
			if illegal == NullRef {
				illegal = th.newThrowable(ClassIllegalMonitorState, "method monitor already released in "+m.String())
			}
		} else {
			th.unlockRecord(methodRec)
		}
	}
	if illegal != NullRef {
		th.pending = illegal
	}

	if th.pending != NullRef {
		st.post(ThrowingException{Exception: th.pending})
		return
	}
	st.post(ReturnFromMethod{Slots: m.Result.Slots()})
}

// monitorEnter locks the object on top of the stack into a free monitor
// record, or asks for a new record when none is free.
func (th *Thread) monitorEnter(st *InterpreterState) bool {
	s := th.stack
	obj := peekSlot[Ref](s, st, 0)
	if obj == NullRef {
		popWord(s, st)
		return th.throwNew(st, ClassNullPointer, "monitorenter on null")
	}
	entry := -1
	for rec := st.stackBase; rec < st.monitorBase; rec += MonitorWords {
		held := Ref(s.Word(rec))
		if held == NullRef {
			entry = rec
		} else if held == obj {
			break
		}
	}
	if entry < 0 {
		st.post(MoreMonitors{})
		return true
	}
	popWord(s, st)
	th.lockObject(entry, obj)
	st.bci += OpMonitorenter.Length()
	return false
}

// monitorExit unlocks the newest record holding the object on top of the
// stack.
func (th *Thread) monitorExit(st *InterpreterState) bool {
	s := th.stack
	obj := popSlot[Ref](s, st)
	if obj == NullRef {
		return th.throwNew(st, ClassNullPointer, "monitorexit on null")
	}
	for rec := st.stackBase; rec < st.monitorBase; rec += MonitorWords {
		if Ref(s.Word(rec)) == obj {
			th.unlockRecord(rec)
			st.bci += OpMonitorexit.Length()
			return false
		}
	}
	return th.throwNew(st, ClassIllegalMonitorState, "monitorexit of unowned "+th.rt.heap.Describe(obj))
}
