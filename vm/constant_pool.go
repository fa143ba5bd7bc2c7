package vm

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// ConstTag identifies the kind of a constant pool entry.
type ConstTag uint8

const (
	TagInt ConstTag = iota + 1
	TagLong
	TagFloat
	TagDouble
	TagClass
	TagField
	TagMethod
)

// ResolvedField is the published result of resolving a field reference.
type ResolvedField struct {
	Field    *Field
	Offset   int
	Type     BasicType
	Volatile bool
}

// Constant is one constant pool entry. Symbolic references are resolved
// lazily; the result is published with a release store and read with an
// acquire load, so a reader either sees a complete resolution or none.
type Constant struct {
	Tag        ConstTag
	Bits       uint64 // numeric value for Int, Long, Float, Double
	Class      string // owning class for Class, Field, Method
	Name       string
	Descriptor string

	field  atomic.Pointer[ResolvedField]
	method atomic.Pointer[Method]
	class  atomic.Pointer[Class]
}

// IntConstant creates an int entry.
func IntConstant(v int32) *Constant { return &Constant{Tag: TagInt, Bits: uint64(uint32(v))} }

// LongConstant creates a long entry.
func LongConstant(v int64) *Constant { return &Constant{Tag: TagLong, Bits: uint64(v)} }

// FloatConstant creates a float entry.
func FloatConstant(v float32) *Constant {
	return &Constant{Tag: TagFloat, Bits: uint64(math.Float32bits(v))}
}

// DoubleConstant creates a double entry.
func DoubleConstant(v float64) *Constant {
	return &Constant{Tag: TagDouble, Bits: math.Float64bits(v)}
}

// ClassRef creates a symbolic class reference.
func ClassRef(class string) *Constant { return &Constant{Tag: TagClass, Class: class} }

// FieldRef creates a symbolic field reference.
func FieldRef(class, name, desc string) *Constant {
	return &Constant{Tag: TagField, Class: class, Name: name, Descriptor: desc}
}

// MethodRef creates a symbolic method reference.
func MethodRef(class, name, desc string) *Constant {
	return &Constant{Tag: TagMethod, Class: class, Name: name, Descriptor: desc}
}

// ResolvedField returns the published field resolution, or nil.
func (c *Constant) ResolvedField() *ResolvedField { return c.field.Load() }

// ResolvedMethod returns the published method resolution, or nil.
func (c *Constant) ResolvedMethod() *Method { return c.method.Load() }

// ResolvedClass returns the published class resolution, or nil.
func (c *Constant) ResolvedClass() *Class { return c.class.Load() }

// PublishField records a field resolution. The first publication wins.
func (c *Constant) PublishField(f *ResolvedField) *ResolvedField {
	c.field.CompareAndSwap(nil, f)
	return c.field.Load()
}

// PublishMethod records a method resolution. The first publication wins.
func (c *Constant) PublishMethod(m *Method) *Method {
	c.method.CompareAndSwap(nil, m)
	return c.method.Load()
}

// PublishClass records a class resolution. The first publication wins.
func (c *Constant) PublishClass(k *Class) *Class {
	c.class.CompareAndSwap(nil, k)
	return c.class.Load()
}

// Slots returns the number of stack words the constant occupies when loaded.
func (c *Constant) Slots() int {
	switch c.Tag {
	case TagLong, TagDouble:
		return 2
	}
	return 1
}

func (c *Constant) String() string {
	switch c.Tag {
	case TagInt:
		return fmt.Sprintf("int %d", int32(c.Bits))
	case TagLong:
		return fmt.Sprintf("long %d", int64(c.Bits))
	case TagFloat:
		return fmt.Sprintf("float %g", math.Float32frombits(uint32(c.Bits)))
	case TagDouble:
		return fmt.Sprintf("double %g", math.Float64frombits(c.Bits))
	case TagClass:
		return "class " + c.Class
	case TagField:
		return fmt.Sprintf("field %s.%s:%s", c.Class, c.Name, c.Descriptor)
	case TagMethod:
		return fmt.Sprintf("method %s.%s%s", c.Class, c.Name, c.Descriptor)
	}
	return "?"
}

// ConstantPool is a class's table of constants and symbolic references.
type ConstantPool struct {
	mu      sync.RWMutex
	entries []*Constant
}

// NewConstantPool creates an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{}
}

// Add appends c and returns its index. Identical symbolic references are
// shared.
func (cp *ConstantPool) Add(c *Constant) uint16 {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for i, e := range cp.entries {
		if e.Tag == c.Tag && e.Bits == c.Bits && e.Class == c.Class && e.Name == c.Name && e.Descriptor == c.Descriptor {
			return uint16(i)
		}
	}
	if len(cp.entries) >= math.MaxUint16 {
		panic("constant pool overflow")
	}
	cp.entries = append(cp.entries, c)
	return uint16(len(cp.entries) - 1)
}

// At returns the entry at index i, or nil.
func (cp *ConstantPool) At(i int) *Constant {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if i < 0 || i >= len(cp.entries) {
		return nil
	}
	return cp.entries[i]
}

// Len returns the number of entries.
func (cp *ConstantPool) Len() int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return len(cp.entries)
}

// Resolver turns symbolic references into runtime structures. It is the
// loading subsystem's side of the constant pool; implementations publish
// their results on the Constant.
type Resolver interface {
	ResolveClass(c *Constant) (*Class, error)
	ResolveField(c *Constant) (*ResolvedField, error)
	ResolveMethod(c *Constant) (*Method, error)
}

// LinkResolver resolves references against a runtime's class table.
type LinkResolver struct {
	classes func(name string) *Class
}

// NewLinkResolver creates a resolver over a class lookup function.
func NewLinkResolver(lookup func(name string) *Class) *LinkResolver {
	return &LinkResolver{classes: lookup}
}

func (r *LinkResolver) ResolveClass(c *Constant) (*Class, error) {
	if k := c.ResolvedClass(); k != nil {
		return k, nil
	}
	k := r.classes(c.Class)
	if k == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchClass, c.Class)
	}
	return c.PublishClass(k), nil
}

func (r *LinkResolver) ResolveField(c *Constant) (*ResolvedField, error) {
	if f := c.ResolvedField(); f != nil {
		return f, nil
	}
	k := r.classes(c.Class)
	if k == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchClass, c.Class)
	}
	f := k.LookupField(c.Name)
	if f == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchField, c.Class, c.Name)
	}
	if c.Descriptor != "" {
		t, err := ParseFieldDescriptor(c.Descriptor)
		if err != nil {
			return nil, err
		}
		if t != f.Type {
			return nil, fmt.Errorf("%w: %s.%s has type %s, not %s", ErrNoSuchField, c.Class, c.Name, f.Type, t)
		}
	}
	return c.PublishField(&ResolvedField{Field: f, Offset: f.Offset, Type: f.Type, Volatile: f.Volatile}), nil
}

func (r *LinkResolver) ResolveMethod(c *Constant) (*Method, error) {
	if m := c.ResolvedMethod(); m != nil {
		return m, nil
	}
	k := r.classes(c.Class)
	if k == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchClass, c.Class)
	}
	m := k.LookupMethod(c.Name, c.Descriptor)
	if m == nil {
		return nil, fmt.Errorf("%w: %s.%s%s", ErrNoSuchMethod, c.Class, c.Name, c.Descriptor)
	}
	return c.PublishMethod(m), nil
}
