package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Object is a guest object. Field storage is a run of 64-bit cells addressed
// by byte offset; every cell access is atomic, so volatile fields get
// sequentially consistent reads and writes and no store can tear a
// neighbouring field.
type Object struct {
	class *Class
	cells []uint64
	lock  atomic.Uint64 // see monitor.go for the encoding

	mirrorOf *Class

	mu      sync.Mutex
	message string
	trace   []StackElement
}

// Class returns the object's class.
func (o *Object) Class() *Class { return o.class }

// MirrorOf returns the class this object represents, if it is a class
// mirror.
func (o *Object) MirrorOf() *Class { return o.mirrorOf }

// Message returns the detail message of a throwable.
func (o *Object) Message() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.message
}

// SetMessage sets the detail message of a throwable.
func (o *Object) SetMessage(msg string) {
	o.mu.Lock()
	o.message = msg
	o.mu.Unlock()
}

// Trace returns the backtrace recorded when the throwable was first thrown.
func (o *Object) Trace() []StackElement {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.trace
}

func (o *Object) fillTrace(trace []StackElement) {
	o.mu.Lock()
	if o.trace == nil {
		o.trace = trace
	}
	o.mu.Unlock()
}

// LockWord returns the current value of the object's lock word.
func (o *Object) LockWord() uint64 { return o.lock.Load() }

// LoadField reads f and returns it as a stack word, sign- or
// zero-extended according to the field type.
func (o *Object) LoadField(f *Field) Word {
	bits := o.loadBits(f.Offset, f.Type.Size())
	switch f.Type {
	case TByte:
		return ToWord(int32(int8(bits)))
	case TShort:
		return ToWord(int32(int16(bits)))
	case TInt:
		return ToWord(int32(uint32(bits)))
	}
	return Word(bits)
}

// StoreField writes the low bytes of w into f.
func (o *Object) StoreField(f *Field, w Word) {
	if f.Type == TBoolean {
		w &= 1
	}
	o.storeBits(f.Offset, f.Type.Size(), uint64(w))
}

func (o *Object) loadBits(off, size int) uint64 {
	c := atomic.LoadUint64(o.cell(off, size))
	if size == 8 {
		return c
	}
	shift := uint(off%8) * 8
	return (c >> shift) & (1<<(uint(size)*8) - 1)
}

func (o *Object) storeBits(off, size int, v uint64) {
	p := o.cell(off, size)
	if size == 8 {
		atomic.StoreUint64(p, v)
		return
	}
	shift := uint(off%8) * 8
	mask := uint64(1<<(uint(size)*8)-1) << shift
	for {
		old := atomic.LoadUint64(p)
		nw := old&^mask | (v<<shift)&mask
		if atomic.CompareAndSwapUint64(p, old, nw) {
			return
		}
	}
}

func (o *Object) cell(off, size int) *uint64 {
	if off < ObjectHeaderBytes || off%size != 0 || off/8 >= len(o.cells) {
		invariant("field access at offset %d size %d outside %s instance", off, size, o.class)
	}
	return &o.cells[off/8]
}

// Heap holds every guest object. Objects are never moved or freed, so a Ref
// is simply an index into the object table.
type Heap struct {
	mu      sync.RWMutex
	objects []*Object
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{}
}

// Allocate creates a zeroed instance of c.
func (h *Heap) Allocate(c *Class) Ref {
	c.seal()
	o := &Object{
		class: c,
		cells: make([]uint64, (c.InstanceSize()+7)/8),
	}
	h.mu.Lock()
	h.objects = append(h.objects, o)
	r := Ref(len(h.objects))
	h.mu.Unlock()
	return r
}

// Get returns the object for r, or nil for null or unknown references.
func (h *Heap) Get(r Ref) *Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r == NullRef || int(r) > len(h.objects) {
		return nil
	}
	return h.objects[r-1]
}

// MustGet is Get for references the engine already proved non-null.
func (h *Heap) MustGet(r Ref) *Object {
	o := h.Get(r)
	if o == nil {
		invariant("dangling reference %d", r)
	}
	return o
}

// Len returns the number of objects allocated.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}

// Describe renders r for diagnostics.
func (h *Heap) Describe(r Ref) string {
	if r == NullRef {
		return "null"
	}
	o := h.Get(r)
	if o == nil {
		return fmt.Sprintf("<dangling %d>", r)
	}
	if o.mirrorOf != nil {
		return fmt.Sprintf("class %s", o.mirrorOf.Name)
	}
	return fmt.Sprintf("%s@%d", o.class.Name, r)
}
