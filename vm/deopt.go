package vm

import "fmt"

// CompiledCode is a method body produced by a Compiler. Call runs it over
// the parameters at stack index base (local 0 at base+P-1), writes the
// result words into result, and returns 0. To throw it sets the thread's
// pending exception and returns 0. To deoptimize it hands a frame buffer to
// Thread.SetDeoptBuffer and returns the number of frames in it.
type CompiledCode interface {
	Call(th *Thread, m *Method, base int, result []Word) int
}

// CompiledFunc adapts a function to CompiledCode.
type CompiledFunc func(th *Thread, m *Method, base int, result []Word) int

func (f CompiledFunc) Call(th *Thread, m *Method, base int, result []Word) int {
	return f(th, m, base, result)
}

// OSRCode continues a method's activation from a loop header. It takes
// ownership of the buffer's monitors and must release them, or hand them
// back in a deopt buffer, before returning. The return value follows
// CompiledCode.Call.
type OSRCode interface {
	EnterOSR(th *Thread, m *Method, buf *OSRBuffer, result []Word) int
}

// OSRFunc adapts a function to OSRCode.
type OSRFunc func(th *Thread, m *Method, buf *OSRBuffer, result []Word) int

func (f OSRFunc) EnterOSR(th *Thread, m *Method, buf *OSRBuffer, result []Word) int {
	return f(th, m, buf, result)
}

// OSRMonitor is a lock moved out of an interpreter frame.
type OSRMonitor struct {
	Object Ref
	Mode   LockMode
}

// OSRBuffer is the interpreter state handed to OSR code: the loop header
// bci, every local in local order, and the frame's monitors oldest first.
type OSRBuffer struct {
	BCI      int
	Locals   []Word
	Monitors []OSRMonitor
}

// Local returns the word of local n.
func (b *OSRBuffer) Local(n int) Word { return b.Locals[n] }

// ReleaseMonitors unlocks the buffer's monitors, newest first.
func (b *OSRBuffer) ReleaseMonitors(th *Thread) {
	for i := len(b.Monitors) - 1; i >= 0; i-- {
		mon := b.Monitors[i]
		th.releaseMovedLock(mon.Object, mon.Mode)
	}
	b.Monitors = nil
}

// packOSR copies st's locals out and moves its monitor records into the
// buffer, leaving the records clear so the frame can be popped.
func (th *Thread) packOSR(st *InterpreterState) *OSRBuffer {
	s := th.stack
	m := st.method
	buf := &OSRBuffer{BCI: st.bci, Locals: make([]Word, m.MaxLocals)}
	for i := range buf.Locals {
		buf.Locals[i] = s.Word(st.locals - i)
	}
	for rec := st.monitorBase - MonitorWords; rec >= st.stackBase; rec -= MonitorWords {
		obj := Ref(s.Word(rec))
		if obj == NullRef {
			continue
		}
		buf.Monitors = append(buf.Monitors, OSRMonitor{Object: obj, Mode: LockMode(s.Word(rec + 1))})
		s.Zero(rec, MonitorWords)
	}
	return buf
}

// releaseMovedLock releases a lock whose record no longer lives on the
// stack. Service locks need a record, so one is borrowed below the cursor.
func (th *Thread) releaseMovedLock(obj Ref, mode LockMode) {
	if mode != LockService {
		th.releaseLock(obj, mode, LockRecord{})
		return
	}
	s := th.stack
	rec, err := s.Alloc(MonitorWords)
	if err != nil {
		invariant("no room to release %s: %v", th.rt.heap.Describe(obj), err)
	}
	s.SetWord(rec, Word(obj))
	s.SetWord(rec+1, Word(mode))
	th.unlockRecord(rec)
	s.SetSP(rec + MonitorWords)
}

// DeoptUnpacker rebuilds interpreter frames from a compiled frame's state.
// Unpack pushes count frames above the current top, fills them in, and
// primes each to resume; the frame manager then replays them.
type DeoptUnpacker interface {
	Unpack(th *Thread, count int, buf []Word) error
}

// Deopt buffer record layout, one record per frame, outermost first:
//
//	method id, bci, locals, stack depth, monitors, reexecute,
//	locals words (local order), stack words (bottom first),
//	monitors as object/mode pairs (oldest first)
const deoptHeaderWords = 6

// BufferUnpacker is the default DeoptUnpacker. It reads the record layout
// above. The outermost frame sits over the parameters of the compiled call;
// each inner frame sits over the top of its caller's expression stack.
type BufferUnpacker struct{}

type deoptRecord struct {
	method    *Method
	bci       int
	locals    []Word
	stack     []Word
	monitors  []Word
	reexecute bool
}

func (BufferUnpacker) Unpack(th *Thread, count int, buf []Word) error {
	records, err := decodeDeopt(th.rt, count, buf)
	if err != nil {
		return err
	}
	s := th.stack
	for i, r := range records {
		m := r.method
		top := i == len(records)-1
		nmon := len(r.monitors) / 2
		f, err := th.PushPlaceholderFrame(m, nmon, len(r.stack), top)
		if err != nil {
			return err
		}
		var msg Message = DeoptResume{}
		if top && r.reexecute {
			msg = DeoptResume2{}
		}
		st, err := th.ActivatePlaceholder(f, m, r.bci, nmon, len(r.stack), msg)
		if err != nil {
			return err
		}
		for n, w := range r.locals {
			s.SetWord(st.locals-n, w)
		}
		for n, w := range r.stack {
			s.SetWord(st.stackBase-1-n, w)
		}
		for n := 0; n < nmon; n++ {
			rec := st.monitorBase - (n+1)*MonitorWords
			s.SetWord(rec, r.monitors[2*n])
			s.SetWord(rec+1, r.monitors[2*n+1])
		}
		if !top {
			// The next frame's parameters are the top of this expression
			// stack; trim the cursor to them.
			s.SetSP(st.tos + 1)
		}
	}
	return nil
}

func decodeDeopt(rt *Runtime, count int, buf []Word) ([]deoptRecord, error) {
	records := make([]deoptRecord, 0, count)
	p := 0
	take := func(n int) ([]Word, error) {
		if n < 0 || p+n > len(buf) {
			return nil, fmt.Errorf("deopt buffer truncated at word %d", p)
		}
		out := buf[p : p+n]
		p += n
		return out, nil
	}
	for i := 0; i < count; i++ {
		hdr, err := take(deoptHeaderWords)
		if err != nil {
			return nil, err
		}
		m := rt.MethodByID(int(hdr[0]))
		if m == nil {
			return nil, fmt.Errorf("deopt frame %d names unknown method %d", i, hdr[0])
		}
		r := deoptRecord{method: m, bci: int(hdr[1]), reexecute: hdr[5] != 0}
		if int(hdr[2]) != m.MaxLocals {
			return nil, fmt.Errorf("deopt frame %d of %s has %d locals, want %d", i, m, hdr[2], m.MaxLocals)
		}
		if r.bci < 0 || r.bci >= len(m.Code) {
			return nil, fmt.Errorf("deopt frame %d of %s has bci %d out of range", i, m, r.bci)
		}
		if r.locals, err = take(int(hdr[2])); err != nil {
			return nil, err
		}
		if r.stack, err = take(int(hdr[3])); err != nil {
			return nil, err
		}
		if r.monitors, err = take(2 * int(hdr[4])); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if p != len(buf) {
		return nil, fmt.Errorf("deopt buffer has %d trailing words", len(buf)-p)
	}
	return records, nil
}

// DeoptFrame describes one frame for EncodeDeopt.
type DeoptFrame struct {
	Method    *Method
	BCI       int
	Locals    []Word
	Stack     []Word
	Monitors  []OSRMonitor
	Reexecute bool
}

// EncodeDeopt lays frames out in the BufferUnpacker format, outermost
// first. Compiled code uses it to build the buffer it passes to
// SetDeoptBuffer.
func EncodeDeopt(frames ...DeoptFrame) []Word {
	var out []Word
	for _, f := range frames {
		re := Word(0)
		if f.Reexecute {
			re = 1
		}
		out = append(out, Word(f.Method.ID), Word(f.BCI), Word(len(f.Locals)), Word(len(f.Stack)), Word(len(f.Monitors)), re)
		out = append(out, f.Locals...)
		out = append(out, f.Stack...)
		for _, mon := range f.Monitors {
			out = append(out, Word(mon.Object), Word(mon.Mode))
		}
	}
	return out
}
