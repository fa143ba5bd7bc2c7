package vm

// ---------------------------------------------------------------------------
// Well-known classes
// ---------------------------------------------------------------------------

// Names of the classes every runtime defines.
const (
	ClassObject              = "Object"
	ClassClass               = "Class"
	ClassThrowable           = "Throwable"
	ClassStackOverflowError  = "StackOverflowError"
	ClassNullPointer         = "NullPointerException"
	ClassIllegalMonitorState = "IllegalMonitorStateException"
	ClassArithmetic          = "ArithmeticException"
	ClassLinkageError        = "LinkageError"
	ClassNativeFault         = "NativeFault"
	ClassInterrupted         = "Interrupted"
)

var throwableClasses = []string{
	ClassStackOverflowError,
	ClassNullPointer,
	ClassIllegalMonitorState,
	ClassArithmetic,
	ClassLinkageError,
	ClassNativeFault,
	ClassInterrupted,
}

// ---------------------------------------------------------------------------
// Exception dispatch
// ---------------------------------------------------------------------------

// ExceptionDispatch locates the handler for an exception thrown in a frame.
// found is false when the frame has no handler and unwinding continues in
// the caller.
type ExceptionDispatch interface {
	Dispatch(th *Thread, f Frame, ex Ref) (bci int, found bool)
}

// HandlerTableDispatch searches the method's exception table in order.
type HandlerTableDispatch struct{}

func (HandlerTableDispatch) Dispatch(th *Thread, f Frame, ex Ref) (int, bool) {
	st, ok := f.State()
	if !ok {
		return 0, false
	}
	o := th.rt.heap.Get(ex)
	if o == nil {
		return 0, false
	}
	for _, h := range st.method.Handlers {
		if st.bci < h.Start || st.bci >= h.End {
			continue
		}
		if h.Class == "" {
			return h.Target, true
		}
		if k := th.rt.Class(h.Class); k != nil && o.class.IsSubclassOf(k) {
			return h.Target, true
		}
	}
	return 0, false
}

// newThrowable allocates an instance of the named throwable class with msg
// and the current backtrace.
func (th *Thread) newThrowable(class, msg string) Ref {
	k := th.rt.Class(class)
	if k == nil {
		invariant("well-known class %s missing", class)
	}
	ex := th.rt.heap.Allocate(k)
	o := th.rt.heap.MustGet(ex)
	o.SetMessage(msg)
	o.fillTrace(th.Backtrace())
	return ex
}

// raise throws ex in st's activation. If the frame has a handler the
// expression stack is emptied, ex is pushed, execution continues at the
// handler, and raise returns false. Otherwise the frame returns
// exceptionally and raise returns true with a message posted.
func (th *Thread) raise(st *InterpreterState, ex Ref) bool {
	th.pending = NullRef
	if bci, ok := th.rt.exceptions.Dispatch(th, Frame{th: th, fp: st.frame}, ex); ok {
		st.tos = st.stackBase - 1
		pushSlot(th.stack, st, ex)
		st.bci = bci
		return false
	}
	th.pending = ex
	th.handleReturn(st)
	return true
}

// throwNew raises a new instance of a well-known throwable.
func (th *Thread) throwNew(st *InterpreterState, class, msg string) bool {
	return th.raise(st, th.newThrowable(class, msg))
}

// stackOverflow turns a failed overflow check into a pending
// StackOverflowError.
func (th *Thread) stackOverflow(m *Method, err error) {
	log.Warningf("thread %s: %s entering %s", th.Name, err, m)
	if th.pending == NullRef {
		th.pending = th.newThrowable(ClassStackOverflowError, m.String())
	}
}
