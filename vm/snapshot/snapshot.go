// Package snapshot captures the frame chains of guest threads in a form that
// can be shipped over the wire and rendered for diagnostics.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chazu/zerovm/vm"
	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ErrThreadRunning is returned when a thread is captured while it may be
// mutating its stack.
var ErrThreadRunning = errors.New("snapshot: thread is running guest code")

// Snapshot is the state of every thread of a runtime at one instant.
type Snapshot struct {
	Taken   int64    `cbor:"1,keyasint"` // unix nanoseconds
	Objects int      `cbor:"2,keyasint"` // heap size
	Threads []Thread `cbor:"3,keyasint,omitempty"`
}

// Thread is one thread's frame chain, newest frame first.
type Thread struct {
	ID         string  `cbor:"1,keyasint"`
	Name       string  `cbor:"2,keyasint"`
	Num        uint32  `cbor:"3,keyasint"`
	State      string  `cbor:"4,keyasint"`
	StackWords int     `cbor:"5,keyasint"`
	Used       int     `cbor:"6,keyasint"`
	MaxUsed    int     `cbor:"7,keyasint"`
	Frames     []Frame `cbor:"8,keyasint,omitempty"`
}

// Frame is one frame on an execution stack. Entry frames carry only FP and
// Type.
type Frame struct {
	FP       int       `cbor:"1,keyasint"`
	Type     string    `cbor:"2,keyasint"`
	Method   string    `cbor:"3,keyasint,omitempty"`
	BCI      int       `cbor:"4,keyasint"`
	Native   bool      `cbor:"5,keyasint,omitempty"`
	Locals   []uint64  `cbor:"6,keyasint,omitempty"` // local 0 first
	Stack    []uint64  `cbor:"7,keyasint,omitempty"` // bottom of the expression stack first
	Monitors []Monitor `cbor:"8,keyasint,omitempty"` // oldest record first
}

// Monitor is one occupied monitor record.
type Monitor struct {
	Object   uint64 `cbor:"1,keyasint"`
	Describe string `cbor:"2,keyasint"`
	Mode     string `cbor:"3,keyasint"`
	Owner    uint32 `cbor:"4,keyasint,omitempty"` // thin owner's thread number
	Inflated bool   `cbor:"5,keyasint,omitempty"`
}

// CaptureThread reads th's frames. th must not be running guest code: it is
// idle, parked at a safepoint, or inside a native call.
func CaptureThread(th *vm.Thread) (Thread, error) {
	state := th.State()
	if !state.Safe() {
		return Thread{}, fmt.Errorf("%w: %s", ErrThreadRunning, th)
	}
	s := th.Stack()
	out := Thread{
		ID:         th.ID.String(),
		Name:       th.Name,
		Num:        th.Num(),
		State:      state.String(),
		StackWords: s.Size(),
		Used:       s.Used(),
		MaxUsed:    s.MaxUsed(),
	}
	heap := th.Runtime().Heap()
	for _, f := range th.Frames() {
		out.Frames = append(out.Frames, captureFrame(s, heap, f))
	}
	return out, nil
}

func captureFrame(s *vm.ExecutionStack, heap *vm.Heap, f vm.Frame) Frame {
	fr := Frame{FP: f.FP(), Type: f.Type().String()}
	st, ok := f.State()
	if !ok {
		return fr
	}
	m := st.Method()
	fr.Method = m.String()
	fr.BCI = st.BCI()
	fr.Native = m.IsNative()

	nlocals := m.MaxLocals
	if m.IsNative() {
		nlocals = m.SizeOfParameters
	}
	for i := 0; i < nlocals; i++ {
		fr.Locals = append(fr.Locals, uint64(s.Word(st.Locals()-i)))
	}
	for i := st.StackBase() - 1; i > st.TOS(); i-- {
		fr.Stack = append(fr.Stack, uint64(s.Word(i)))
	}
	for rec := st.MonitorBase() - vm.MonitorWords; rec >= st.StackBase(); rec -= vm.MonitorWords {
		obj := vm.Ref(s.Word(rec))
		if obj == vm.NullRef {
			continue
		}
		mon := Monitor{
			Object:   uint64(obj),
			Describe: heap.Describe(obj),
			Mode:     vm.LockMode(s.Word(rec + 1)).String(),
		}
		if o := heap.Get(obj); o != nil {
			mon.Owner, _ = o.ThinOwner()
			mon.Inflated = o.Inflated()
		}
		fr.Monitors = append(fr.Monitors, mon)
	}
	return fr
}

// Stopper runs a function while every guest thread is stopped.
// *vm.SafepointCoordinator implements it.
type Stopper interface {
	Do(ctx context.Context, fn func()) error
}

// Capture stops the world through stop and captures every thread of rt.
func Capture(ctx context.Context, rt *vm.Runtime, stop Stopper) (*Snapshot, error) {
	var (
		snap *Snapshot
		err  error
	)
	if derr := stop.Do(ctx, func() { snap, err = CaptureNow(rt) }); derr != nil {
		return nil, derr
	}
	return snap, err
}

// CaptureNow captures every thread of rt without stopping anything. It fails
// if a thread is running guest code.
func CaptureNow(rt *vm.Runtime) (*Snapshot, error) {
	snap := &Snapshot{Taken: time.Now().UnixNano(), Objects: rt.Heap().Len()}
	for _, th := range rt.Threads() {
		t, err := CaptureThread(th)
		if err != nil {
			return nil, err
		}
		snap.Threads = append(snap.Threads, t)
	}
	return snap, nil
}

// Marshal serializes a Snapshot to canonical CBOR.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a Snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &s, nil
}

// Render writes a readable listing of s to w.
func Render(w io.Writer, s *Snapshot) error {
	ew := &errWriter{w: w}
	ew.printf("snapshot at %s, %d objects\n", time.Unix(0, s.Taken).UTC().Format(time.RFC3339Nano), s.Objects)
	for _, t := range s.Threads {
		ew.printf("thread #%d %s (%s) %s, stack %d/%d words (peak %d)\n",
			t.Num, t.Name, t.ID, t.State, t.Used, t.StackWords, t.MaxUsed)
		for _, f := range t.Frames {
			if f.Method == "" {
				ew.printf("  @%d %s\n", f.FP, f.Type)
				continue
			}
			ew.printf("  @%d %s bci=%d", f.FP, f.Method, f.BCI)
			if f.Native {
				ew.printf(" native")
			}
			ew.printf("\n")
			if len(f.Locals) > 0 {
				ew.printf("      locals %v\n", f.Locals)
			}
			if len(f.Stack) > 0 {
				ew.printf("      stack  %v\n", f.Stack)
			}
			for _, m := range f.Monitors {
				ew.printf("      locked %s (%s)\n", m.Describe, m.Mode)
			}
		}
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
