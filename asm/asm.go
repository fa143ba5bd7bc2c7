// Package asm assembles guest classes from a line-oriented text format.
//
//	\ comments run to the end of the line
//	.class Counter [extends Object]
//	.field [volatile] count I
//	.method [static] [synchronized] sum (I)I [locals 2] [stack 4]
//	    iconst 0
//	    istore 1
//	head:
//	    iload 0
//	    ifle done
//	    ...
//	    goto head
//	done:
//	    iload 1
//	    ireturn
//	.handler head done fail [ArithmeticException]
//	.end
//	.native [static] [synchronized] print (I)V
//
// Pool operands are written symbolically: "new Box", "getfield Box.x:I",
// "invokestatic Math.max(II)I", "ldc 5", "ldc 1.5", "ldc2 7", "ldc2 2.5".
package asm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chazu/zerovm/vm"
)

var (
	ErrParse       = errors.New("parse error")
	ErrLabelExists = errors.New("label already exists")
	ErrUnresolved  = errors.New("unresolved label")
	ErrNesting     = errors.New("directive out of place")
)

// Error locates a failure in the source.
type Error struct {
	Name string
	Line int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Name, e.Line, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type pendingMethod struct {
	mb     *vm.MethodBuilder
	labels map[string]*vm.Label
	marked map[string]bool
}

type parser struct {
	name    string
	line    int
	classes []*vm.Class
	super   func(name string) *vm.Class
	done    func(k *vm.Class) error // called as each class is completed

	class  *vm.Class
	method *pendingMethod
}

// Assemble parses src and returns its classes in source order. Superclasses
// must appear earlier in src or be returned by lookup.
func Assemble(name string, src io.Reader, lookup func(name string) *vm.Class) ([]*vm.Class, error) {
	p := &parser{name: name, super: lookup}
	return p.run(src)
}

// Load assembles src and defines each class in rt as soon as it is
// complete, so later classes may extend earlier ones.
func Load(rt *vm.Runtime, name string, src io.Reader) ([]*vm.Class, error) {
	p := &parser{name: name, super: rt.Class, done: rt.DefineClass}
	return p.run(src)
}

func (p *parser) run(src io.Reader) ([]*vm.Class, error) {
	sc := bufio.NewScanner(src)
	for sc.Scan() {
		p.line++
		if err := p.doLine(sc.Text()); err != nil {
			return nil, &Error{Name: p.name, Line: p.line, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if p.method != nil {
		return nil, &Error{Name: p.name, Line: p.line, Err: fmt.Errorf("%w: method not closed with .end", ErrNesting)}
	}
	if err := p.finishClass(); err != nil {
		return nil, &Error{Name: p.name, Line: p.line, Err: err}
	}
	return p.classes, nil
}

func (p *parser) finishClass() error {
	k := p.class
	p.class = nil
	if k == nil || p.done == nil {
		return nil
	}
	return p.done(k)
}

func (p *parser) doLine(s string) error {
	if i := strings.IndexByte(s, '\\'); i >= 0 {
		s = s[:i]
	}
	f := strings.Fields(s)
	if len(f) == 0 {
		return nil
	}
	if strings.HasSuffix(f[0], ":") && len(f) == 1 {
		return p.defLabel(strings.TrimSuffix(f[0], ":"))
	}
	switch f[0] {
	case ".class":
		return p.beginClass(f[1:])
	case ".field":
		return p.field(f[1:])
	case ".method":
		return p.beginMethod(f[1:])
	case ".native":
		return p.native(f[1:])
	case ".handler":
		return p.handler(f[1:])
	case ".end":
		return p.endMethod()
	}
	if p.method == nil {
		return fmt.Errorf("%w: instruction %q outside a method", ErrNesting, f[0])
	}
	return p.instruction(f)
}

func (p *parser) beginClass(f []string) error {
	if p.method != nil {
		return fmt.Errorf("%w: .class inside a method", ErrNesting)
	}
	if err := p.finishClass(); err != nil {
		return err
	}
	super := vm.ClassObject
	switch {
	case len(f) == 1:
	case len(f) == 3 && f[1] == "extends":
		super = f[2]
	default:
		return ErrParse
	}
	var sk *vm.Class
	for _, k := range p.classes {
		if k.Name == super {
			sk = k
		}
	}
	if sk == nil && p.super != nil {
		sk = p.super(super)
	}
	if sk == nil {
		return fmt.Errorf("unknown superclass %s", super)
	}
	p.class = vm.NewClass(f[0], sk)
	p.classes = append(p.classes, p.class)
	return nil
}

func (p *parser) needClass(what string) error {
	if p.class == nil {
		return fmt.Errorf("%w: %s before .class", ErrNesting, what)
	}
	if p.method != nil {
		return fmt.Errorf("%w: %s inside a method", ErrNesting, what)
	}
	return nil
}

func (p *parser) field(f []string) error {
	if err := p.needClass(".field"); err != nil {
		return err
	}
	volatile := false
	if len(f) > 0 && f[0] == "volatile" {
		volatile = true
		f = f[1:]
	}
	if len(f) != 2 {
		return ErrParse
	}
	t, err := vm.ParseFieldDescriptor(f[1])
	if err != nil {
		return err
	}
	_, err = p.class.AddField(f[0], t, volatile)
	return err
}

// modifiers consumes leading method modifiers.
func modifiers(f []string) (vm.MethodFlags, []string) {
	var flags vm.MethodFlags
	for len(f) > 0 {
		switch f[0] {
		case "static":
			flags |= vm.FlagStatic
		case "synchronized":
			flags |= vm.FlagSynchronized
		default:
			return flags, f
		}
		f = f[1:]
	}
	return flags, f
}

func (p *parser) beginMethod(f []string) error {
	if err := p.needClass(".method"); err != nil {
		return err
	}
	flags, f := modifiers(f)
	if len(f) < 2 {
		return ErrParse
	}
	mb := vm.NewMethodBuilder(f[0], f[1], flags).SetConstants(p.class.Constants)
	for rest := f[2:]; len(rest) > 0; rest = rest[2:] {
		if len(rest) < 2 {
			return ErrParse
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil {
			return err
		}
		switch rest[0] {
		case "locals":
			mb.SetMaxLocals(n)
		case "stack":
			mb.SetMaxStack(n)
		default:
			return fmt.Errorf("%w: unknown method attribute %q", ErrParse, rest[0])
		}
	}
	p.method = &pendingMethod{mb: mb, labels: make(map[string]*vm.Label), marked: make(map[string]bool)}
	return nil
}

func (p *parser) native(f []string) error {
	if err := p.needClass(".native"); err != nil {
		return err
	}
	flags, f := modifiers(f)
	if len(f) != 2 {
		return ErrParse
	}
	m, err := vm.NewMethodBuilder(f[0], f[1], flags|vm.FlagNative).Build()
	if err != nil {
		return err
	}
	p.class.AddMethod(m)
	return nil
}

func (p *parser) endMethod() error {
	pm := p.method
	if pm == nil {
		return fmt.Errorf("%w: .end outside a method", ErrNesting)
	}
	for name := range pm.labels {
		if !pm.marked[name] {
			return fmt.Errorf("%w: %s", ErrUnresolved, name)
		}
	}
	m, err := pm.mb.Build()
	if err != nil {
		return err
	}
	p.class.AddMethod(m)
	p.method = nil
	return nil
}

func (pm *pendingMethod) label(name string) *vm.Label {
	l, ok := pm.labels[name]
	if !ok {
		l = pm.mb.Bytecode().NewLabel()
		pm.labels[name] = l
	}
	return l
}

func (p *parser) defLabel(name string) error {
	if p.method == nil {
		return fmt.Errorf("%w: label %s outside a method", ErrNesting, name)
	}
	if p.method.marked[name] {
		return fmt.Errorf("%w: %s", ErrLabelExists, name)
	}
	p.method.marked[name] = true
	p.method.mb.Bytecode().Mark(p.method.label(name))
	return nil
}

func (p *parser) handler(f []string) error {
	pm := p.method
	if pm == nil {
		return fmt.Errorf("%w: .handler outside a method", ErrNesting)
	}
	if len(f) != 3 && len(f) != 4 {
		return ErrParse
	}
	class := ""
	if len(f) == 4 {
		class = f[3]
	}
	pm.mb.AddHandler(pm.label(f[0]), pm.label(f[1]), pm.label(f[2]), class)
	return nil
}

func (p *parser) instruction(f []string) error {
	op, ok := vm.LookupOpcode(f[0])
	if !ok {
		return fmt.Errorf("%w: unknown instruction %q", ErrParse, f[0])
	}
	b := p.method.mb.Bytecode()
	args := f[1:]
	want := 1
	switch op.Info().Format {
	case vm.FmtNone:
		want = 0
	case vm.FmtIinc:
		want = 2
	}
	if len(args) != want {
		return fmt.Errorf("%w: %s takes %d operands", ErrParse, op, want)
	}

	switch op.Info().Format {
	case vm.FmtNone:
		b.Emit(op)
	case vm.FmtLocal:
		n, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return err
		}
		b.EmitLocal(op, uint8(n))
	case vm.FmtIinc:
		n, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return err
		}
		d, err := strconv.ParseInt(args[1], 0, 8)
		if err != nil {
			return err
		}
		b.EmitIinc(uint8(n), int8(d))
	case vm.FmtInt32:
		n, err := strconv.ParseInt(args[0], 0, 32)
		if err != nil {
			return err
		}
		b.EmitInt32(op, int32(n))
	case vm.FmtInt64:
		n, err := strconv.ParseInt(args[0], 0, 64)
		if err != nil {
			return err
		}
		b.EmitInt64(op, n)
	case vm.FmtPool:
		c, err := poolOperand(op, args[0])
		if err != nil {
			return err
		}
		b.EmitPool(op, p.class.Constants.Add(c))
	case vm.FmtBranch:
		b.EmitJump(op, p.method.label(args[0]))
	}
	return nil
}

// poolOperand parses the symbolic operand of a pool instruction.
func poolOperand(op vm.Opcode, s string) (*vm.Constant, error) {
	switch op {
	case vm.OpLdc:
		if n, err := strconv.ParseInt(s, 0, 32); err == nil {
			return vm.IntConstant(int32(n)), nil
		}
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad ldc operand %q", ErrParse, s)
		}
		return vm.FloatConstant(float32(v)), nil
	case vm.OpLdc2:
		if n, err := strconv.ParseInt(s, 0, 64); err == nil {
			return vm.LongConstant(n), nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad ldc2 operand %q", ErrParse, s)
		}
		return vm.DoubleConstant(v), nil
	case vm.OpNew:
		return vm.ClassRef(s), nil
	case vm.OpGetfield, vm.OpPutfield:
		dot, colon := strings.IndexByte(s, '.'), strings.IndexByte(s, ':')
		if dot <= 0 || colon < dot+2 || colon == len(s)-1 {
			return nil, fmt.Errorf("%w: field reference %q, want Class.name:desc", ErrParse, s)
		}
		return vm.FieldRef(s[:dot], s[dot+1:colon], s[colon+1:]), nil
	case vm.OpInvokeStatic, vm.OpInvokeVirtual:
		dot, paren := strings.IndexByte(s, '.'), strings.IndexByte(s, '(')
		if dot <= 0 || paren < dot+2 {
			return nil, fmt.Errorf("%w: method reference %q, want Class.name(desc)", ErrParse, s)
		}
		return vm.MethodRef(s[:dot], s[dot+1:paren], s[paren:]), nil
	}
	return nil, fmt.Errorf("%w: %s has no symbolic operand", ErrParse, op)
}
