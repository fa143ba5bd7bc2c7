package vm

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// EntryKind selects how a method is entered.
type EntryKind uint8

const (
	EntryGeneric EntryKind = iota
	EntryEmpty
	EntryGetter
	EntrySetter
	EntrySynchronized
	EntryNative
	EntryNativeSynchronized
	numEntryKinds
)

func (k EntryKind) String() string {
	switch k {
	case EntryGeneric:
		return "generic"
	case EntryEmpty:
		return "empty"
	case EntryGetter:
		return "getter"
	case EntrySetter:
		return "setter"
	case EntrySynchronized:
		return "synchronized"
	case EntryNative:
		return "native"
	case EntryNativeSynchronized:
		return "native_synchronized"
	}
	return fmt.Sprintf("EntryKind(%d)", uint8(k))
}

// Kind returns the entry kind of m, classifying it on first use.
func (m *Method) Kind() EntryKind {
	m.kindOnce.Do(func() { m.kind = classify(m) })
	return m.kind
}

func classify(m *Method) EntryKind {
	switch {
	case m.IsNative() && m.IsSynchronized():
		return EntryNativeSynchronized
	case m.IsNative():
		return EntryNative
	case m.IsSynchronized():
		return EntrySynchronized
	}
	code := m.Code
	if len(code) == 1 && Opcode(code[0]) == OpReturn {
		return EntryEmpty
	}
	if m.IsStatic() {
		return EntryGeneric
	}
	if isGetter(m, code) {
		return EntryGetter
	}
	if isSetter(m, code) {
		return EntrySetter
	}
	return EntryGeneric
}

// isGetter matches: aload 0; getfield #f; ireturn|lreturn|areturn.
func isGetter(m *Method, code []byte) bool {
	if m.SizeOfParameters != 1 || len(code) != 6 {
		return false
	}
	if Opcode(code[0]) != OpAload || code[1] != 0 || Opcode(code[2]) != OpGetfield {
		return false
	}
	switch Opcode(code[5]) {
	case OpIreturn, OpLreturn, OpAreturn:
		return true
	}
	return false
}

// isSetter matches: aload 0; iload|lload|aload 1; putfield #f; return.
func isSetter(m *Method, code []byte) bool {
	if len(m.Params) != 1 || len(code) != 8 {
		return false
	}
	if Opcode(code[0]) != OpAload || code[1] != 0 {
		return false
	}
	switch Opcode(code[2]) {
	case OpIload, OpLload, OpAload:
	default:
		return false
	}
	return code[3] == 1 && Opcode(code[4]) == OpPutfield && Opcode(code[7]) == OpReturn
}

// EntryDispatcher chooses how each method is entered: installed compiled
// code, a specialized fast path, the native bridge, or the generic
// interpreter entry.
type EntryDispatcher struct {
	rt *Runtime

	entries   [numEntryKinds]atomic.Int64
	compiled  atomic.Int64
	fallbacks atomic.Int64
}

// NewEntryDispatcher creates the dispatcher for rt.
func NewEntryDispatcher(rt *Runtime) *EntryDispatcher {
	return &EntryDispatcher{rt: rt}
}

// Invoke runs m over the parameters at the top of th's stack. On return the
// parameters are gone and the result, if any, is at the cursor. A non-zero
// return is the number of deoptimized frames left above the caller for the
// frame manager to replay.
func (d *EntryDispatcher) Invoke(th *Thread, m *Method) int {
	if code := m.Compiled(); code != nil {
		d.compiled.Add(1)
		return th.compiledEntry(m, code)
	}
	kind := m.Kind()
	d.entries[kind].Add(1)
	switch kind {
	case EntryEmpty:
		if th.emptyEntry(m) {
			return 0
		}
	case EntryGetter:
		if th.getterEntry(m) {
			return 0
		}
	case EntrySetter:
		if th.setterEntry(m) {
			return 0
		}
	case EntrySynchronized:
		return th.synchronizedEntry(m)
	case EntryNative, EntryNativeSynchronized:
		return d.rt.bridge.Call(th, m)
	default:
		return th.normalEntry(m)
	}
	d.fallbacks.Add(1)
	return th.normalEntry(m)
}

// EntryStats counts dispatch decisions.
type EntryStats struct {
	ByKind    map[EntryKind]int64
	Compiled  int64
	Fallbacks int64
}

// Stats returns a snapshot of dispatch counters.
func (d *EntryDispatcher) Stats() EntryStats {
	stats := EntryStats{
		ByKind:    make(map[EntryKind]int64),
		Compiled:  d.compiled.Load(),
		Fallbacks: d.fallbacks.Load(),
	}
	for k := range d.entries {
		if n := d.entries[k].Load(); n > 0 {
			stats.ByKind[EntryKind(k)] = n
		}
	}
	return stats
}

// compiledEntry runs installed compiled code over the parameters.
func (th *Thread) compiledEntry(m *Method, code CompiledCode) int {
	var result [2]Word
	n := code.Call(th, m, th.stack.SP(), result[:])
	if n > 0 {
		th.unpackDeopt(m, n)
		return n
	}
	th.finishCompiled(m, result[:m.Result.Slots()])
	return 0
}

// Fast paths. Each re-checks its preconditions and returns false, having
// touched nothing, when the generic entry must run instead. A pending
// safepoint always takes the generic entry so the thread reaches a
// checkpoint.

func (th *Thread) emptyEntry(m *Method) bool {
	if th.rt.safepoints.ShouldProcess() {
		return false
	}
	th.rt.profiler.RecordInvocation(m)
	th.stack.SetSP(th.stack.SP() + m.SizeOfParameters)
	return true
}

func (th *Thread) getterEntry(m *Method) bool {
	if th.rt.safepoints.ShouldProcess() {
		return false
	}
	s := th.stack
	recv := Load[Ref](s, s.SP())
	if recv == NullRef {
		return false
	}
	f := resolvedFieldAt(m, 3)
	if f == nil {
		return false
	}
	th.rt.profiler.RecordInvocation(m)
	w := th.rt.heap.MustGet(recv).LoadField(f.Field)
	s.Pop()
	th.pushResult(m.Result, fieldResult(f.Type, w))
	return true
}

func (th *Thread) setterEntry(m *Method) bool {
	if th.rt.safepoints.ShouldProcess() {
		return false
	}
	s := th.stack
	recv := Load[Ref](s, s.SP()+m.SizeOfParameters-1)
	if recv == NullRef {
		return false
	}
	f := resolvedFieldAt(m, 5)
	if f == nil || f.Type.Slots() != m.Params[0].Slots() {
		return false
	}
	th.rt.profiler.RecordInvocation(m)
	th.rt.heap.MustGet(recv).StoreField(f.Field, s.Word(s.SP()))
	s.SetSP(s.SP() + m.SizeOfParameters)
	return true
}

// resolvedFieldAt returns the field named by the pool index at m.Code[at],
// or nil if the generic entry has not resolved it yet.
func resolvedFieldAt(m *Method, at int) *ResolvedField {
	c := m.Constants.At(int(binary.LittleEndian.Uint16(m.Code[at:])))
	if c == nil || c.Tag != TagField {
		return nil
	}
	return c.ResolvedField()
}

// fieldResult lays a field value out as result words.
func fieldResult(t BasicType, w Word) []Word {
	if t.Slots() == 2 {
		return []Word{w, 0}
	}
	return []Word{w}
}
