package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MethodFlags are access and kind flags.
type MethodFlags uint16

const (
	FlagStatic MethodFlags = 1 << iota
	FlagSynchronized
	FlagNative
)

// Handler is one exception table entry. The range [Start, End) is in
// bytecode indices; an empty Class catches everything.
type Handler struct {
	Start, End, Target int
	Class              string
}

// Method is an executable guest method.
type Method struct {
	ID         int
	Name       string
	Descriptor string
	Holder     *Class
	Flags      MethodFlags

	MaxLocals        int
	MaxStack         int
	SizeOfParameters int // in words, receiver included
	Params           []BasicType
	Result           BasicType

	Code      []byte
	Constants *ConstantPool
	Handlers  []Handler
	Native    NativeFunc

	kindOnce sync.Once
	kind     EntryKind

	compiled atomic.Pointer[compiledBox]

	osrMu sync.RWMutex
	osr   map[int]OSRCode

	invocations atomic.Int64
	backedges   atomic.Int64
}

type compiledBox struct{ code CompiledCode }

// NewMethod creates a method from its name, descriptor, and flags.
func NewMethod(name, desc string, flags MethodFlags) (*Method, error) {
	params, result, err := ParseDescriptor(desc)
	if err != nil {
		return nil, fmt.Errorf("method %s: %w", name, err)
	}
	m := &Method{
		Name:       name,
		Descriptor: desc,
		Flags:      flags,
		Params:     params,
		Result:     result,
	}
	if !m.IsStatic() {
		m.SizeOfParameters = 1
	}
	for _, p := range params {
		m.SizeOfParameters += p.Slots()
	}
	m.MaxLocals = m.SizeOfParameters
	return m, nil
}

// IsStatic reports whether the method has no receiver.
func (m *Method) IsStatic() bool { return m.Flags&FlagStatic != 0 }

// IsSynchronized reports whether the method locks its receiver or class.
func (m *Method) IsSynchronized() bool { return m.Flags&FlagSynchronized != 0 }

// IsNative reports whether the method is implemented by a NativeFunc.
func (m *Method) IsNative() bool { return m.Flags&FlagNative != 0 }

// ArgTypes returns the type of each argument in local-variable order,
// receiver first.
func (m *Method) ArgTypes() []BasicType {
	var out []BasicType
	if !m.IsStatic() {
		out = append(out, TObject)
	}
	return append(out, m.Params...)
}

// Compiled returns the installed compiled code, or nil.
func (m *Method) Compiled() CompiledCode {
	if b := m.compiled.Load(); b != nil {
		return b.code
	}
	return nil
}

// InstallCompiled publishes compiled code for m. Passing nil removes it,
// which is how compiled code is invalidated.
func (m *Method) InstallCompiled(code CompiledCode) {
	if code == nil {
		m.compiled.Store(nil)
		return
	}
	m.compiled.Store(&compiledBox{code: code})
}

// OSREntry returns the OSR code installed for the loop header at bci.
func (m *Method) OSREntry(bci int) OSRCode {
	m.osrMu.RLock()
	defer m.osrMu.RUnlock()
	return m.osr[bci]
}

// InstallOSR installs OSR code for the loop header at bci.
func (m *Method) InstallOSR(bci int, code OSRCode) {
	m.osrMu.Lock()
	defer m.osrMu.Unlock()
	if m.osr == nil {
		m.osr = make(map[int]OSRCode)
	}
	if code == nil {
		delete(m.osr, bci)
		return
	}
	m.osr[bci] = code
}

// Invocations returns the number of interpreted entries.
func (m *Method) Invocations() int64 { return m.invocations.Load() }

// Backedges returns the number of backward branches taken.
func (m *Method) Backedges() int64 { return m.backedges.Load() }

// QualifiedName returns Class.name.
func (m *Method) QualifiedName() string {
	if m.Holder == nil {
		return m.Name
	}
	return m.Holder.Name + "." + m.Name
}

func (m *Method) String() string {
	if m == nil {
		return "<nil method>"
	}
	return m.QualifiedName() + m.Descriptor
}

// Disassemble returns the method's code in readable form.
func (m *Method) Disassemble() string {
	return Disassemble(m.Code, m.Constants)
}

// ---------------------------------------------------------------------------
// MethodBuilder: fluent construction of methods
// ---------------------------------------------------------------------------

// MethodBuilder helps construct a Method.
type MethodBuilder struct {
	m        *Method
	err      error
	code     *BytecodeBuilder
	handlers []pendingHandler
	stack    int
}

type pendingHandler struct {
	start, end, target *Label
	class              string
}

// NewMethodBuilder creates a builder for a method with the given signature.
func NewMethodBuilder(name, desc string, flags MethodFlags) *MethodBuilder {
	m, err := NewMethod(name, desc, flags)
	if m == nil {
		m = &Method{Name: name, Descriptor: desc, Flags: flags}
	}
	return &MethodBuilder{m: m, err: err, code: NewBytecodeBuilder(), stack: -1}
}

// SetMaxLocals sets the number of local slots, parameters included.
func (b *MethodBuilder) SetMaxLocals(n int) *MethodBuilder {
	b.m.MaxLocals = n
	return b
}

// SetMaxStack sets the expression stack size. When unset, Build computes it.
func (b *MethodBuilder) SetMaxStack(n int) *MethodBuilder {
	b.stack = n
	return b
}

// SetConstants sets the pool that operands index into. Methods added to a
// class default to the class pool.
func (b *MethodBuilder) SetConstants(cp *ConstantPool) *MethodBuilder {
	b.m.Constants = cp
	return b
}

// SetNative makes the method native.
func (b *MethodBuilder) SetNative(fn NativeFunc) *MethodBuilder {
	b.m.Flags |= FlagNative
	b.m.Native = fn
	return b
}

// Bytecode returns the underlying bytecode builder.
func (b *MethodBuilder) Bytecode() *BytecodeBuilder {
	return b.code
}

// AddHandler registers an exception handler over [start, end).
func (b *MethodBuilder) AddHandler(start, end, target *Label, class string) *MethodBuilder {
	b.handlers = append(b.handlers, pendingHandler{start, end, target, class})
	return b
}

// Build finalizes the method.
func (b *MethodBuilder) Build() (*Method, error) {
	if b.err != nil {
		return nil, b.err
	}
	m := b.m
	if m.MaxLocals < m.SizeOfParameters {
		return nil, fmt.Errorf("method %s: max_locals %d below parameter size %d", m.Name, m.MaxLocals, m.SizeOfParameters)
	}
	if m.IsNative() {
		m.MaxLocals = m.SizeOfParameters
		m.MaxStack = 0
		return m, nil
	}
	m.Code = b.code.Bytes()
	if len(m.Code) == 0 {
		return nil, fmt.Errorf("method %s: no code", m.Name)
	}
	for _, h := range b.handlers {
		if h.start.Position() < 0 || h.end.Position() < 0 || h.target.Position() < 0 {
			return nil, fmt.Errorf("method %s: handler label not marked", m.Name)
		}
		m.Handlers = append(m.Handlers, Handler{
			Start:  h.start.Position(),
			End:    h.end.Position(),
			Target: h.target.Position(),
			Class:  h.class,
		})
	}
	if b.stack >= 0 {
		m.MaxStack = b.stack
		return m, nil
	}
	if m.Constants == nil {
		return nil, fmt.Errorf("method %s: max_stack unset and no constant pool to compute it", m.Name)
	}
	n, err := ComputeMaxStack(m)
	if err != nil {
		return nil, err
	}
	m.MaxStack = n
	return m, nil
}

// ComputeMaxStack walks every reachable path through m's code and returns
// the deepest expression stack it can reach, in words.
func ComputeMaxStack(m *Method) (int, error) {
	code := m.Code
	depth := make([]int, len(code))
	for i := range depth {
		depth[i] = -1
	}
	type item struct{ bci, depth int }
	work := []item{{0, 0}}
	for _, h := range m.Handlers {
		work = append(work, item{h.Target, 1})
	}
	deepest := 0
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		for bci, d := it.bci, it.depth; ; {
			if bci < 0 || bci >= len(code) {
				return 0, fmt.Errorf("method %s: control reaches bci %d outside code", m.Name, bci)
			}
			if depth[bci] >= 0 {
				if depth[bci] != d {
					return 0, fmt.Errorf("method %s: inconsistent stack depth at bci %d (%d vs %d)", m.Name, bci, depth[bci], d)
				}
				break
			}
			depth[bci] = d
			op := Opcode(code[bci])
			if !op.Valid() {
				return 0, fmt.Errorf("method %s: bad opcode 0x%02x at bci %d", m.Name, byte(op), bci)
			}
			if bci+op.Length() > len(code) {
				return 0, fmt.Errorf("method %s: truncated %s at bci %d", m.Name, op, bci)
			}
			eff, err := stackEffect(m, code, bci)
			if err != nil {
				return 0, err
			}
			d += eff
			if d < 0 {
				return 0, fmt.Errorf("method %s: stack underflow at bci %d", m.Name, bci)
			}
			if d > deepest {
				deepest = d
			}
			switch op {
			case OpIreturn, OpLreturn, OpAreturn, OpReturn, OpAthrow:
			case OpGoto:
				bci = BranchTarget(code, bci)
				continue
			default:
				if op.IsBranch() {
					work = append(work, item{BranchTarget(code, bci), d})
				}
				bci += op.Length()
				continue
			}
			break
		}
	}
	return deepest, nil
}

func stackEffect(m *Method, code []byte, bci int) (int, error) {
	op := Opcode(code[bci])
	info := op.Info()
	if info.StackEffect != variableEffect {
		return info.StackEffect, nil
	}
	c := m.Constants.At(int(uint16(code[bci+1]) | uint16(code[bci+2])<<8))
	if c == nil {
		return 0, fmt.Errorf("method %s: bad pool index at bci %d", m.Name, bci)
	}
	switch op {
	case OpGetfield, OpPutfield:
		t, err := ParseFieldDescriptor(c.Descriptor)
		if err != nil {
			return 0, fmt.Errorf("method %s: %w", m.Name, err)
		}
		if op == OpGetfield {
			return t.Slots() - 1, nil
		}
		return -1 - t.Slots(), nil
	case OpInvokeStatic, OpInvokeVirtual:
		params, result, err := ParseDescriptor(c.Descriptor)
		if err != nil {
			return 0, fmt.Errorf("method %s: %w", m.Name, err)
		}
		eff := result.Slots()
		if op == OpInvokeVirtual {
			eff--
		}
		for _, p := range params {
			eff -= p.Slots()
		}
		return eff, nil
	}
	return 0, nil
}
