package vm

import "fmt"

// MessageKind identifies a message exchanged between the bytecode engine and
// the frame manager.
type MessageKind uint8

const (
	KindNone MessageKind = iota

	// Frame manager to engine.
	KindMethodEntry
	KindMethodResume
	KindGotMonitors
	KindDeoptResume
	KindDeoptResume2

	// Engine to frame manager.
	KindCallMethod
	KindReturnFromMethod
	KindMoreMonitors
	KindThrowingException
	KindDoOSR
)

var messageKindNames = [...]string{
	KindNone:              "none",
	KindMethodEntry:       "method_entry",
	KindMethodResume:      "method_resume",
	KindGotMonitors:       "got_monitors",
	KindDeoptResume:       "deopt_resume",
	KindDeoptResume2:      "deopt_resume2",
	KindCallMethod:        "call_method",
	KindReturnFromMethod:  "return_from_method",
	KindMoreMonitors:      "more_monitors",
	KindThrowingException: "throwing_exception",
	KindDoOSR:             "do_osr",
}

func (k MessageKind) String() string {
	if int(k) < len(messageKindNames) {
		return messageKindNames[k]
	}
	return fmt.Sprintf("MessageKind(%d)", k)
}

// IsRequest reports whether messages of this kind travel from the engine to
// the frame manager.
func (k MessageKind) IsRequest() bool { return k >= KindCallMethod }

// Message is the payload posted on an InterpreterState. Exactly one is
// pending at a time.
type Message interface {
	Kind() MessageKind
	message()
}

// MethodEntry starts a fresh activation.
type MethodEntry struct{}

// MethodResume continues after a serviced call. The engine advances past the
// invoke unless an exception is pending.
type MethodResume struct{}

// GotMonitors continues a monitorenter after the monitor area grew.
type GotMonitors struct{}

// DeoptResume continues a rebuilt activation after the instruction at the
// current bci, which compiled code already completed.
type DeoptResume struct{}

// DeoptResume2 continues a rebuilt activation by re-executing the
// instruction at the current bci.
type DeoptResume2 struct{}

// CallMethod asks the frame manager to invoke Callee with the arguments the
// engine staged on top of its expression stack.
type CallMethod struct {
	Callee *Method
}

// ReturnFromMethod asks the frame manager to pop the activation and pass
// Slots result words to the caller.
type ReturnFromMethod struct {
	Slots int
}

// MoreMonitors asks the frame manager to grow the monitor area by one
// record.
type MoreMonitors struct{}

// ThrowingException asks the frame manager to pop the activation and
// continue unwinding Exception in the caller.
type ThrowingException struct {
	Exception Ref
}

// DoOSR asks the frame manager to replace the activation with compiled code.
type DoOSR struct {
	Code   OSRCode
	Buffer *OSRBuffer
}

func (MethodEntry) Kind() MessageKind       { return KindMethodEntry }
func (MethodResume) Kind() MessageKind      { return KindMethodResume }
func (GotMonitors) Kind() MessageKind       { return KindGotMonitors }
func (DeoptResume) Kind() MessageKind       { return KindDeoptResume }
func (DeoptResume2) Kind() MessageKind      { return KindDeoptResume2 }
func (CallMethod) Kind() MessageKind        { return KindCallMethod }
func (ReturnFromMethod) Kind() MessageKind  { return KindReturnFromMethod }
func (MoreMonitors) Kind() MessageKind      { return KindMoreMonitors }
func (ThrowingException) Kind() MessageKind { return KindThrowingException }
func (DoOSR) Kind() MessageKind             { return KindDoOSR }

func (MethodEntry) message()       {}
func (MethodResume) message()      {}
func (GotMonitors) message()       {}
func (DeoptResume) message()       {}
func (DeoptResume2) message()      {}
func (CallMethod) message()        {}
func (ReturnFromMethod) message()  {}
func (MoreMonitors) message()      {}
func (ThrowingException) message() {}
func (DoOSR) message()             {}
