package vm

import "fmt"

// Frame geometry, in words.
//
// A frame occupies, from higher to lower indices:
//
//	parameters      pushed by the caller; local 0 is the highest
//	extra locals    max_locals - size_of_parameters (0 for natives)
//	header          fp+2 link, fp+1 type, fp+0 state handle
//	monitor area    MonitorWords per record, newest at the lowest index
//	expression stack
const (
	HeaderWords  = 3
	MonitorWords = 2
)

const (
	headerHandle = 0
	headerType   = 1
	headerLink   = 2
)

// FrameType tags a frame header.
type FrameType uint8

const (
	// EntryFrame marks the boundary where Go code called into the guest.
	EntryFrame FrameType = iota + 1
	// InterpreterFrame holds one interpreted or native activation.
	InterpreterFrame
)

func (t FrameType) String() string {
	switch t {
	case EntryFrame:
		return "entry"
	case InterpreterFrame:
		return "interpreter"
	}
	return fmt.Sprintf("FrameType(%d)", t)
}

// Frame is a view of one frame on a thread's execution stack.
type Frame struct {
	th *Thread
	fp int
}

// FP returns the index of the frame's lowest header word.
func (f Frame) FP() int { return f.fp }

// Type returns the frame type stored in the header.
func (f Frame) Type() FrameType { return FrameType(f.th.stack.Word(f.fp + headerType)) }

// Handle returns the state handle stored in the header.
func (f Frame) Handle() StateHandle { return StateHandle(f.th.stack.Word(f.fp + headerHandle)) }

// State resolves the frame's InterpreterState. It fails for entry frames
// and for placeholders that have not been filled in.
func (f Frame) State() (*InterpreterState, bool) {
	return f.th.states.get(f.Handle())
}

// Prev returns the next older frame.
func (f Frame) Prev() (Frame, bool) {
	link := int(f.th.stack.Word(f.fp + headerLink))
	if link == 0 {
		return Frame{}, false
	}
	return Frame{th: f.th, fp: link - 1}, true
}

// Method returns the frame's method, or nil.
func (f Frame) Method() *Method {
	if st, ok := f.State(); ok {
		return st.method
	}
	return nil
}

func (f Frame) String() string {
	if st, ok := f.State(); ok {
		return fmt.Sprintf("frame@%d %s", f.fp, st)
	}
	return fmt.Sprintf("frame@%d %s", f.fp, f.Type())
}

// TopFrame returns the newest frame on the thread's stack.
func (th *Thread) TopFrame() (Frame, bool) {
	if th.top < 0 {
		return Frame{}, false
	}
	return Frame{th: th, fp: th.top}, true
}

// Frames returns the frames on the stack, newest first.
func (th *Thread) Frames() []Frame {
	var out []Frame
	for f, ok := th.TopFrame(); ok; f, ok = f.Prev() {
		out = append(out, f)
	}
	return out
}

// Backtrace describes the interpreter frames on the stack, newest first.
func (th *Thread) Backtrace() []StackElement {
	var out []StackElement
	for _, f := range th.Frames() {
		st, ok := f.State()
		if !ok {
			continue
		}
		el := StackElement{Method: st.method.Name, BCI: st.bci, Native: st.method.IsNative()}
		if st.method.Holder != nil {
			el.Class = st.method.Holder.Name
		}
		out = append(out, el)
	}
	return out
}

// defaultRecords asks buildFrame for the method's own monitor record only.
const defaultRecords = -1

// frameSize returns the words buildFrame reserves below the parameters.
// records is the number of monitor records, or defaultRecords.
func frameSize(m *Method, records, live int, top bool) (extra, monitors, stack int) {
	if !m.IsNative() {
		extra = m.MaxLocals - m.SizeOfParameters
		if top {
			stack = m.MaxStack
		} else {
			stack = live
		}
	}
	if records == defaultRecords {
		records = 0
		if m.IsSynchronized() {
			records = 1
		}
	}
	return extra, records * MonitorWords, stack
}

// buildFrame pushes a frame for m over the parameters at the top of the
// stack. A top frame gets max_stack expression words; a non-top frame gets
// only live words and must be extended before it resumes.
func (th *Thread) buildFrame(m *Method, records, live int, top, placeholder bool) (*InterpreterState, Frame, error) {
	s := th.stack
	extra, monitors, stack := frameSize(m, records, live, top)
	if err := s.OverflowCheck(extra + HeaderWords + monitors + stack); err != nil {
		return nil, Frame{}, err
	}

	locals := s.SP() + m.SizeOfParameters - 1
	s.Alloc(extra)
	fp, _ := s.Alloc(HeaderWords)
	stackBase, _ := s.Alloc(monitors)
	s.Alloc(stack)

	var st *InterpreterState
	var handle StateHandle
	if !placeholder {
		st = th.states.alloc()
		handle = st.handle
		th.initState(st, m, fp, locals, stackBase, 0)
	}
	s.SetWord(fp+headerHandle, Word(handle))
	s.SetWord(fp+headerType, Word(InterpreterFrame))
	s.SetWord(fp+headerLink, Word(th.top+1))
	th.top = fp
	return st, Frame{th: th, fp: fp}, nil
}

func (th *Thread) initState(st *InterpreterState, m *Method, fp, locals, stackBase, depth int) {
	st.method = m
	st.constants = m.Constants
	st.locals = locals
	st.frame = fp
	st.monitorBase = fp
	st.stackBase = stackBase
	st.tos = stackBase - 1 - depth
	st.stackLimit = stackBase - m.MaxStack - 1
}

// PushPlaceholderFrame builds a frame for m whose state handle is invalid,
// with room for records monitor records and live expression-stack words.
// top selects full max_stack sizing for the frame that will run first. The
// frame must be filled in with ActivatePlaceholder before it runs.
func (th *Thread) PushPlaceholderFrame(m *Method, records, live int, top bool) (Frame, error) {
	if records < 0 {
		return Frame{}, fmt.Errorf("placeholder for %s with %d monitor records", m, records)
	}
	_, f, err := th.buildFrame(m, records, live, top, true)
	return f, err
}

// ActivatePlaceholder gives a placeholder frame its InterpreterState. records
// must match the count the frame was pushed with. The expression stack is
// set to depth live words, which the caller fills in, and the state is
// primed to resume at bci with msg.
func (th *Thread) ActivatePlaceholder(f Frame, m *Method, bci, records, depth int, msg Message) (*InterpreterState, error) {
	if f.Handle().Valid() {
		return nil, fmt.Errorf("frame@%d is not a placeholder", f.fp)
	}
	if depth > m.MaxStack {
		return nil, fmt.Errorf("deopt depth %d exceeds max_stack %d of %s", depth, m.MaxStack, m)
	}
	extra, monitors, _ := frameSize(m, records, 0, false)
	st := th.states.alloc()
	th.initState(st, m, f.fp, f.fp+HeaderWords+extra+m.SizeOfParameters-1, f.fp-monitors, depth)
	st.bci = bci
	st.post(msg)
	th.stack.SetWord(f.fp+headerHandle, Word(st.handle))
	return st, nil
}

// popFrame releases the newest frame and leaves the cursor just above its
// header, at the lowest extra local.
func (th *Thread) popFrame(st *InterpreterState) {
	if st.frame != th.top {
		invariant("pop of %s which is not the newest frame", st)
	}
	for rec := st.stackBase; rec < st.monitorBase; rec += MonitorWords {
		if th.stack.Word(rec) != 0 {
			invariant("%s popped holding a monitor at %d", st.method, rec)
		}
	}
	f := Frame{th: th, fp: st.frame}
	prev, ok := f.Prev()
	th.stack.SetSP(st.frame + HeaderWords)
	if ok {
		th.top = prev.fp
	} else {
		th.top = -1
	}
	th.states.release(st.handle)
}

// pushEntryFrame marks the point where Go code calls into the guest.
func (th *Thread) pushEntryFrame() (int, error) {
	fp, err := th.stack.Alloc(HeaderWords)
	if err != nil {
		return 0, err
	}
	th.stack.SetWord(fp+headerType, Word(EntryFrame))
	th.stack.SetWord(fp+headerLink, Word(th.top+1))
	th.top = fp
	return fp, nil
}

func (th *Thread) popEntryFrame(fp int) {
	if th.top != fp {
		invariant("entry frame @%d is not the newest frame (top @%d)", fp, th.top)
	}
	th.top = int(th.stack.Word(fp+headerLink)) - 1
	th.stack.SetSP(fp + HeaderWords)
}
