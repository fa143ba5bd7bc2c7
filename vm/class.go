package vm

import (
	"fmt"
	"sort"
	"sync"
)

// ObjectHeaderBytes is the size of the object header. The first field of a
// class without a superclass lives at this offset.
const ObjectHeaderBytes = 8

// Field describes an instance field.
type Field struct {
	Name     string
	Type     BasicType
	Offset   int // byte offset from the start of the object
	Volatile bool
	Holder   *Class
}

func (f *Field) String() string {
	return fmt.Sprintf("%s.%s:%s@%d", f.Holder.Name, f.Name, f.Type, f.Offset)
}

// Class is a guest class: a field layout plus a method table.
type Class struct {
	Name      string
	Super     *Class
	Constants *ConstantPool

	mu      sync.RWMutex
	fields  []*Field
	byName  map[string]*Field
	methods map[string]*Method
	size    int
	mirror  Ref
	sealed  bool
}

// NewClass creates a class whose instances extend super's layout.
func NewClass(name string, super *Class) *Class {
	size := ObjectHeaderBytes
	if super != nil {
		size = super.InstanceSize()
	}
	return &Class{
		Name:      name,
		Super:     super,
		Constants: NewConstantPool(),
		byName:    make(map[string]*Field),
		methods:   make(map[string]*Method),
		size:      size,
	}
}

func (c *Class) String() string { return c.Name }

// AddField lays out a new field at the next offset aligned to its size.
// Fields cannot be added once the class has been instantiated.
func (c *Class) AddField(name string, t BasicType, volatile bool) (*Field, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return nil, fmt.Errorf("class %s already instantiated", c.Name)
	}
	if _, ok := c.byName[name]; ok {
		return nil, fmt.Errorf("duplicate field %s.%s", c.Name, name)
	}
	if t == TVoid {
		return nil, fmt.Errorf("field %s.%s has void type", c.Name, name)
	}
	align := t.Size()
	off := (c.size + align - 1) / align * align
	f := &Field{Name: name, Type: t, Offset: off, Volatile: volatile, Holder: c}
	c.fields = append(c.fields, f)
	c.byName[name] = f
	c.size = off + t.Size()
	return f, nil
}

// Fields returns the fields declared by this class.
func (c *Class) Fields() []*Field {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Field(nil), c.fields...)
}

// LookupField finds a field by name in this class or a superclass.
func (c *Class) LookupField(name string) *Field {
	for k := c; k != nil; k = k.Super {
		k.mu.RLock()
		f := k.byName[name]
		k.mu.RUnlock()
		if f != nil {
			return f
		}
	}
	return nil
}

// AddMethod installs m in the class's method table.
func (c *Class) AddMethod(m *Method) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m.Holder = c
	if m.Constants == nil {
		m.Constants = c.Constants
	}
	c.methods[m.Name+m.Descriptor] = m
}

// Method finds a method declared by this class.
func (c *Class) Method(name, desc string) *Method {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.methods[name+desc]
}

// LookupMethod finds a method in this class or a superclass.
func (c *Class) LookupMethod(name, desc string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.Method(name, desc); m != nil {
			return m
		}
	}
	return nil
}

// Methods returns the declared methods sorted by name and descriptor.
func (c *Class) Methods() []*Method {
	c.mu.RLock()
	out := make([]*Method, 0, len(c.methods))
	for _, m := range c.methods {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name+out[i].Descriptor < out[j].Name+out[j].Descriptor
	})
	return out
}

// InstanceSize returns the size of an instance in bytes.
func (c *Class) InstanceSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Mirror returns the object representing this class, or NullRef before the
// class is registered with a runtime.
func (c *Class) Mirror() Ref {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mirror
}

// IsSubclassOf reports whether c is other or inherits from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

func (c *Class) seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}
