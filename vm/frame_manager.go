package vm

import "github.com/tliron/commonlog"

// call invokes m over the arguments at the top of the stack through the
// entry dispatcher and replays any frames a deoptimizing callee left behind.
// On return the callee's result, if any, is at the cursor.
func (th *Thread) call(m *Method) {
	boundary := th.top
	if n := th.rt.dispatcher.Invoke(th, m); n > 0 {
		th.replay(boundary, n)
	}
}

// normalEntry is the generic entry: build an interpreter frame and run it.
func (th *Thread) normalEntry(m *Method) int {
	st, _, err := th.buildFrame(m, defaultRecords, 0, true, false)
	if err != nil {
		th.stackOverflow(m, err)
		th.dropParams(m)
		return 0
	}
	st.post(MethodEntry{})
	th.mainLoop(st)
	return 0
}

// synchronizedEntry is the generic entry plus the method monitor, which is
// taken before the first bytecode runs. The engine releases it on every
// exit path.
func (th *Thread) synchronizedEntry(m *Method) int {
	st, _, err := th.buildFrame(m, defaultRecords, 0, true, false)
	if err != nil {
		th.stackOverflow(m, err)
		th.dropParams(m)
		return 0
	}
	th.lockObject(st.monitorBase-MonitorWords, th.lockTarget(st))
	st.post(MethodEntry{})
	th.mainLoop(st)
	return 0
}

// dropParams discards m's parameters when it could not be entered.
func (th *Thread) dropParams(m *Method) {
	th.stack.SetSP(th.stack.SP() + m.SizeOfParameters)
}

// lockTarget returns the object a synchronized method locks: its receiver,
// or its class mirror when static.
func (th *Thread) lockTarget(st *InterpreterState) Ref {
	if st.method.IsStatic() {
		return st.method.Holder.Mirror()
	}
	return LoadLocal[Ref](th.stack, st.locals, 0)
}

// mainLoop is the frame manager. It runs the engine on st and services each
// request until the activation returns, throws, or is replaced by OSR code.
func (th *Thread) mainLoop(st *InterpreterState) {
	for {
		th.execute(st)
		msg := st.take()
		th.trace(st, msg)

		switch m := msg.(type) {
		case CallMethod:
			th.serviceCall(st, m.Callee)
		case MoreMonitors:
			th.serviceMoreMonitors(st)
		case ReturnFromMethod:
			th.serviceReturn(st, m.Slots)
			return
		case ThrowingException:
			th.serviceThrow(st, m.Exception)
			return
		case DoOSR:
			th.serviceOSR(st, m)
			return
		default:
			invariant("frame manager received %s from %s", msg.Kind(), st.method)
		}

		th.checkpoint()
	}
}

// serviceCall trims the caller's stack to the argument window, runs the
// callee, and leaves the callee's result on the caller's expression stack.
func (th *Thread) serviceCall(st *InterpreterState, callee *Method) {
	s := th.stack
	limit := st.stackLimit
	s.SetSP(st.tos + 1)
	st.stackLimit = st.tos

	th.call(callee)

	st.tos = s.SP() - 1
	st.stackLimit = limit
	s.SetSP(st.stackLimit + 1)
	st.post(MethodResume{})
}

// serviceMoreMonitors grows the monitor area by one record. The live
// expression stack slides down by MonitorWords unchanged and the exposed
// record at the new stack base is cleared.
func (th *Thread) serviceMoreMonitors(st *InterpreterState) {
	s := th.stack
	if th.State() != InGuest {
		invariant("monitor area of %s grown in state %s", st.method, th.State())
	}
	if _, err := s.Alloc(MonitorWords); err != nil {
		th.stackOverflow(st.method, err)
		st.post(GotMonitors{})
		return
	}
	live := st.stackBase - (st.tos + 1)
	s.Move(st.tos+1-MonitorWords, st.tos+1, live)
	st.stackLimit -= MonitorWords
	st.tos -= MonitorWords
	st.stackBase -= MonitorWords
	s.Zero(st.stackBase, MonitorWords)
	st.post(GotMonitors{})
}

// serviceReturn pops the activation and pushes its result, narrowed to the
// declared type, onto the caller.
func (th *Thread) serviceReturn(st *InterpreterState, slots int) {
	s := th.stack
	m := st.method
	var result [2]Word
	for i := 0; i < slots; i++ {
		result[i] = s.Word(st.tos + 1 + i)
	}
	th.popFrame(st)
	s.SetSP(s.SP() + m.MaxLocals)
	th.pushResult(m.Result, result[:slots])
}

// pushResult pushes result words highest first, so the value word of a
// two-slot result lands at the lower index.
func (th *Thread) pushResult(t BasicType, result []Word) {
	if len(result) == 0 {
		return
	}
	result[0] = Narrow(t, result[0])
	for i := len(result) - 1; i >= 0; i-- {
		// The callee's parameters were just released, so the result fits.
		if err := th.stack.Push(result[i]); err != nil {
			invariant("no room for result: %v", err)
		}
	}
}

// serviceThrow pops the activation; the caller's engine finds th.pending
// when it resumes.
func (th *Thread) serviceThrow(st *InterpreterState, ex Ref) {
	m := st.method
	if th.pending != ex {
		invariant("throwing %d from %s but pending exception is %d", ex, m, th.pending)
	}
	th.popFrame(st)
	th.stack.SetSP(th.stack.SP() + m.MaxLocals)
}

// serviceOSR replaces the activation with compiled code. The frame is
// popped, locals beyond the parameters are dropped, and the OSR code runs
// in its place and returns on the method's behalf.
func (th *Thread) serviceOSR(st *InterpreterState, req DoOSR) {
	s := th.stack
	m := st.method
	th.popFrame(st)
	s.SetSP(s.SP() + m.MaxLocals - m.SizeOfParameters)
	boundary := th.top

	var result [2]Word
	log.Debugf("thread %s: OSR into %s at bci %d", th.Name, m, req.Buffer.BCI)
	n := req.Code.EnterOSR(th, m, req.Buffer, result[:])
	if n > 0 {
		th.unpackDeopt(m, n)
		th.replay(boundary, n)
		return
	}
	th.finishCompiled(m, result[:m.Result.Slots()])
}

// finishCompiled pops m's parameters after compiled code returned and
// pushes its result unless it threw.
func (th *Thread) finishCompiled(m *Method, result []Word) {
	s := th.stack
	s.SetSP(s.SP() + m.SizeOfParameters)
	if th.pending == NullRef {
		th.pushResult(m.Result, result)
	}
}

// unpackDeopt has the deopt unpacker build the n frames compiled code for m
// asked for. The caller replays them.
func (th *Thread) unpackDeopt(m *Method, n int) {
	buf := th.takeDeoptBuffer()
	if err := th.rt.unpacker.Unpack(th, n, buf); err != nil {
		invariant("deoptimizing %s: %v", m, err)
	}
	th.rt.broker.Deoptimized(m)
}

// replay runs the n rebuilt frames above boundary, newest first, each to
// completion. The result of each becomes the top of the next one's
// expression stack.
func (th *Thread) replay(boundary, n int) {
	frames := th.framesAbove(boundary)
	if len(frames) != n {
		invariant("deopt frame count %d does not match %d frames on the stack", n, len(frames))
	}
	for i, f := range frames {
		st, ok := f.State()
		if !ok {
			invariant("deopt frame @%d was never filled in", f.fp)
		}
		if i > 0 {
			// The newer frame returned onto this one; make room for the rest
			// of its expression stack before it resumes.
			s := th.stack
			st.tos = s.SP() - 1
			if want := st.stackLimit + 1; want < s.SP() {
				if _, err := s.Alloc(s.SP() - want); err != nil {
					th.stackOverflow(st.method, err)
					s.SetSP(want)
				}
			}
		}
		if log.AllowLevel(commonlog.Debug) {
			log.Debugf("thread %s: replaying %s", th.Name, st)
		}
		th.mainLoop(st)
	}
}

// framesAbove lists the frames newer than the frame at boundary, newest
// first.
func (th *Thread) framesAbove(boundary int) []Frame {
	var out []Frame
	for f, ok := th.TopFrame(); ok && f.fp != boundary; f, ok = f.Prev() {
		out = append(out, f)
	}
	return out
}
