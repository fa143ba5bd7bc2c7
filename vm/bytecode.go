package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Constants
const (
	OpNop        Opcode = 0x00 // no operation
	OpAconstNull Opcode = 0x01 // push null
	OpIconst     Opcode = 0x02 // push inline int32
	OpLconst     Opcode = 0x03 // push inline int64
	OpLdc        Opcode = 0x04 // push one-slot constant (16-bit pool index)
	OpLdc2       Opcode = 0x05 // push two-slot constant (16-bit pool index)
)

// Locals
const (
	OpIload  Opcode = 0x10 // push int local (8-bit index)
	OpLload  Opcode = 0x11 // push long local
	OpAload  Opcode = 0x12 // push reference local
	OpIstore Opcode = 0x13 // pop int into local
	OpLstore Opcode = 0x14 // pop long into local
	OpAstore Opcode = 0x15 // pop reference into local
	OpIinc   Opcode = 0x16 // add signed 8-bit constant to int local
)

// Stack Operations
const (
	OpPop  Opcode = 0x20 // discard one word
	OpPop2 Opcode = 0x21 // discard two words
	OpDup  Opcode = 0x22 // duplicate top word
	OpDup2 Opcode = 0x23 // duplicate top two words
	OpSwap Opcode = 0x24 // swap top two words
)

// Arithmetic
const (
	OpIadd Opcode = 0x30
	OpIsub Opcode = 0x31
	OpImul Opcode = 0x32
	OpIdiv Opcode = 0x33
	OpIrem Opcode = 0x34
	OpIneg Opcode = 0x35
	OpLadd Opcode = 0x36
	OpLsub Opcode = 0x37
	OpLmul Opcode = 0x38
	OpLcmp Opcode = 0x39
	OpI2L  Opcode = 0x3A
	OpL2I  Opcode = 0x3B
	OpI2B  Opcode = 0x3C
	OpI2C  Opcode = 0x3D
	OpI2S  Opcode = 0x3E
)

// Control Flow (16-bit signed offset from the end of the instruction)
const (
	OpIfeq      Opcode = 0x50
	OpIfne      Opcode = 0x51
	OpIflt      Opcode = 0x52
	OpIfge      Opcode = 0x53
	OpIfgt      Opcode = 0x54
	OpIfle      Opcode = 0x55
	OpIfIcmpeq  Opcode = 0x56
	OpIfIcmpne  Opcode = 0x57
	OpIfIcmplt  Opcode = 0x58
	OpIfIcmpge  Opcode = 0x59
	OpIfIcmpgt  Opcode = 0x5A
	OpIfIcmple  Opcode = 0x5B
	OpIfnull    Opcode = 0x5C
	OpIfnonnull Opcode = 0x5D
	OpGoto      Opcode = 0x5E
)

// Objects (16-bit pool index)
const (
	OpNew      Opcode = 0x60
	OpGetfield Opcode = 0x61
	OpPutfield Opcode = 0x62
)

// Calls (16-bit pool index)
const (
	OpInvokeStatic  Opcode = 0x70
	OpInvokeVirtual Opcode = 0x71
)

// Returns
const (
	OpIreturn Opcode = 0x78
	OpLreturn Opcode = 0x79
	OpAreturn Opcode = 0x7A
	OpReturn  Opcode = 0x7B
)

// Exceptions and Monitors
const (
	OpAthrow       Opcode = 0x80
	OpMonitorenter Opcode = 0x81
	OpMonitorexit  Opcode = 0x82
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandFormat describes how an opcode's operand bytes are interpreted.
type OperandFormat uint8

const (
	FmtNone   OperandFormat = iota
	FmtLocal                // u8 local index
	FmtIinc                 // u8 local index, i8 delta
	FmtInt32                // inline int32
	FmtInt64                // inline int64
	FmtPool                 // u16 constant pool index
	FmtBranch               // i16 offset
)

var operandBytes = [...]int{
	FmtNone:   0,
	FmtLocal:  1,
	FmtIinc:   2,
	FmtInt32:  4,
	FmtInt64:  8,
	FmtPool:   2,
	FmtBranch: 2,
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name        string        // human-readable name
	Format      OperandFormat // operand layout
	StackEffect int           // net effect on stack words (-99 = variable)
}

// OperandBytes returns the number of operand bytes.
func (i OpcodeInfo) OperandBytes() int { return operandBytes[i.Format] }

const variableEffect = -99

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:        {"nop", FmtNone, 0},
	OpAconstNull: {"aconst_null", FmtNone, 1},
	OpIconst:     {"iconst", FmtInt32, 1},
	OpLconst:     {"lconst", FmtInt64, 2},
	OpLdc:        {"ldc", FmtPool, 1},
	OpLdc2:       {"ldc2", FmtPool, 2},

	OpIload:  {"iload", FmtLocal, 1},
	OpLload:  {"lload", FmtLocal, 2},
	OpAload:  {"aload", FmtLocal, 1},
	OpIstore: {"istore", FmtLocal, -1},
	OpLstore: {"lstore", FmtLocal, -2},
	OpAstore: {"astore", FmtLocal, -1},
	OpIinc:   {"iinc", FmtIinc, 0},

	OpPop:  {"pop", FmtNone, -1},
	OpPop2: {"pop2", FmtNone, -2},
	OpDup:  {"dup", FmtNone, 1},
	OpDup2: {"dup2", FmtNone, 2},
	OpSwap: {"swap", FmtNone, 0},

	OpIadd: {"iadd", FmtNone, -1},
	OpIsub: {"isub", FmtNone, -1},
	OpImul: {"imul", FmtNone, -1},
	OpIdiv: {"idiv", FmtNone, -1},
	OpIrem: {"irem", FmtNone, -1},
	OpIneg: {"ineg", FmtNone, 0},
	OpLadd: {"ladd", FmtNone, -2},
	OpLsub: {"lsub", FmtNone, -2},
	OpLmul: {"lmul", FmtNone, -2},
	OpLcmp: {"lcmp", FmtNone, -3},
	OpI2L:  {"i2l", FmtNone, 1},
	OpL2I:  {"l2i", FmtNone, -1},
	OpI2B:  {"i2b", FmtNone, 0},
	OpI2C:  {"i2c", FmtNone, 0},
	OpI2S:  {"i2s", FmtNone, 0},

	OpIfeq:      {"ifeq", FmtBranch, -1},
	OpIfne:      {"ifne", FmtBranch, -1},
	OpIflt:      {"iflt", FmtBranch, -1},
	OpIfge:      {"ifge", FmtBranch, -1},
	OpIfgt:      {"ifgt", FmtBranch, -1},
	OpIfle:      {"ifle", FmtBranch, -1},
	OpIfIcmpeq:  {"if_icmpeq", FmtBranch, -2},
	OpIfIcmpne:  {"if_icmpne", FmtBranch, -2},
	OpIfIcmplt:  {"if_icmplt", FmtBranch, -2},
	OpIfIcmpge:  {"if_icmpge", FmtBranch, -2},
	OpIfIcmpgt:  {"if_icmpgt", FmtBranch, -2},
	OpIfIcmple:  {"if_icmple", FmtBranch, -2},
	OpIfnull:    {"ifnull", FmtBranch, -1},
	OpIfnonnull: {"ifnonnull", FmtBranch, -1},
	OpGoto:      {"goto", FmtBranch, 0},

	OpNew:      {"new", FmtPool, 1},
	OpGetfield: {"getfield", FmtPool, variableEffect},
	OpPutfield: {"putfield", FmtPool, variableEffect},

	OpInvokeStatic:  {"invokestatic", FmtPool, variableEffect},
	OpInvokeVirtual: {"invokevirtual", FmtPool, variableEffect},

	OpIreturn: {"ireturn", FmtNone, -1},
	OpLreturn: {"lreturn", FmtNone, -2},
	OpAreturn: {"areturn", FmtNone, -1},
	OpReturn:  {"return", FmtNone, 0},

	OpAthrow:       {"athrow", FmtNone, -1},
	OpMonitorenter: {"monitorenter", FmtNone, -1},
	OpMonitorexit:  {"monitorexit", FmtNone, -1},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// LookupOpcode finds an opcode by its mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[strings.ToLower(name)]
	return op, ok
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%02x", byte(op))}
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Length returns the instruction length in bytes, opcode included.
func (op Opcode) Length() int {
	return 1 + op.Info().OperandBytes()
}

// IsBranch reports whether op carries a branch offset.
func (op Opcode) IsBranch() bool {
	return op.Info().Format == FmtBranch
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// InstructionLength returns the length of the instruction at bci.
func InstructionLength(code []byte, bci int) int {
	return Opcode(code[bci]).Length()
}

// BranchTarget returns the target of the branch instruction at bci.
func BranchTarget(code []byte, bci int) int {
	off := int16(binary.LittleEndian.Uint16(code[bci+1:]))
	return bci + 3 + int(off)
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitLocal appends an instruction with a local-variable index.
func (b *BytecodeBuilder) EmitLocal(op Opcode, index uint8) {
	b.bytes = append(b.bytes, byte(op), index)
}

// EmitIinc appends an iinc instruction.
func (b *BytecodeBuilder) EmitIinc(index uint8, delta int8) {
	b.bytes = append(b.bytes, byte(OpIinc), index, byte(delta))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// EmitInt64 appends an opcode with a 64-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt64(op Opcode, operand int64) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, uint64(operand))
}

// EmitPool appends an opcode with a constant pool index.
func (b *BytecodeBuilder) EmitPool(op Opcode, index uint16) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, index)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	position int
	resolved bool
	refs     []int // operand positions awaiting the label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{position: -1}
}

// Position returns the label position, or -1 if unresolved.
func (l *Label) Position() int { return l.position }

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		b.patch(ref, label.position)
	}
	label.refs = nil
}

// EmitJump emits a branch instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op), 0, 0)
	ref := len(b.bytes) - 2
	if label.resolved {
		b.patch(ref, label.position)
	} else {
		label.refs = append(label.refs, ref)
	}
}

func (b *BytecodeBuilder) patch(ref, target int) {
	offset := target - (ref + 2)
	if offset < -1<<15 || offset >= 1<<15 {
		panic(fmt.Sprintf("branch offset %d out of range", offset))
	}
	binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(int16(offset)))
}

// Unresolved reports whether any label referenced by a jump is unmarked.
func (l *Label) Unresolved() bool {
	return !l.resolved && len(l.refs) > 0
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for interpretation or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	return Opcode(r.next(1)[0])
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	return r.next(1)[0]
}

// ReadInt8 reads a signed 8-bit operand.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	return binary.LittleEndian.Uint16(r.next(2))
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadInt32 reads a 32-bit operand (little-endian).
func (r *BytecodeReader) ReadInt32() int32 {
	return int32(binary.LittleEndian.Uint32(r.next(4)))
}

// ReadInt64 reads a 64-bit operand (little-endian).
func (r *BytecodeReader) ReadInt64() int64 {
	return int64(binary.LittleEndian.Uint64(r.next(8)))
}

func (r *BytecodeReader) next(n int) []byte {
	if r.pos+n > len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position and advances the reader. Pool operands are resolved against cp
// when it is non-nil.
func DisassembleInstruction(r *BytecodeReader, cp *ConstantPool) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch info.Format {
	case FmtLocal:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())
	case FmtIinc:
		idx := r.ReadByte()
		return fmt.Sprintf("%04d  %s %d %d", pos, info.Name, idx, r.ReadInt8())
	case FmtInt32:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt32())
	case FmtInt64:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt64())
	case FmtPool:
		idx := r.ReadUint16()
		if cp != nil {
			if c := cp.At(int(idx)); c != nil {
				return fmt.Sprintf("%04d  %s #%d // %s", pos, info.Name, idx, c)
			}
		}
		return fmt.Sprintf("%04d  %s #%d", pos, info.Name, idx)
	case FmtBranch:
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, r.Position()+int(offset))
	}
	return fmt.Sprintf("%04d  %s", pos, info.Name)
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte, cp *ConstantPool) string {
	r := NewBytecodeReader(bc)
	var lines []string
	for r.HasMore() {
		lines = append(lines, DisassembleInstruction(r, cp))
	}
	return strings.Join(lines, "\n")
}
