package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("zerovm.vm")

// Fast-path precondition failures. These never escape the entry dispatcher:
// they are counted and the call falls back to the generic entry.
var (
	ErrNullReceiver       = errors.New("null receiver")
	ErrUnresolvedConstant = errors.New("unresolved constant")
)

// Link-time failures surfaced by the default resolver.
var (
	ErrNoSuchClass  = errors.New("no such class")
	ErrNoSuchField  = errors.New("no such field")
	ErrNoSuchMethod = errors.New("no such method")
)

// InvariantError reports a broken internal invariant: a corrupt frame chain,
// a monitor released by the wrong owner, a deopt frame count that does not
// match the frames on the stack. Execution state can no longer be trusted
// once one is raised, so it is delivered with panic rather than returned.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "zerovm: invariant violated: " + e.Message
}

func invariant(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	panic(&InvariantError{Message: msg})
}

// StackElement is one line of a guest backtrace.
type StackElement struct {
	Class  string
	Method string
	BCI    int
	Native bool
}

func (e StackElement) String() string {
	if e.Native {
		return fmt.Sprintf("%s.%s(native)", e.Class, e.Method)
	}
	return fmt.Sprintf("%s.%s@%d", e.Class, e.Method, e.BCI)
}

// GuestException is returned by Thread.Invoke when a guest exception unwinds
// past the outermost activation.
type GuestException struct {
	Ref       Ref
	Class     string
	Message   string
	Backtrace []StackElement
}

func (e *GuestException) Error() string {
	if e.Message == "" {
		return e.Class
	}
	return e.Class + ": " + e.Message
}

// StackTrace formats the backtrace one element per line, innermost first.
func (e *GuestException) StackTrace() string {
	var sb strings.Builder
	sb.WriteString(e.Error())
	for _, el := range e.Backtrace {
		sb.WriteString("\n\tat ")
		sb.WriteString(el.String())
	}
	return sb.String()
}

// Is matches another GuestException by class name, so callers can write
// errors.Is(err, &GuestException{Class: ClassStackOverflowError}).
func (e *GuestException) Is(target error) bool {
	t, ok := target.(*GuestException)
	return ok && t.Class == e.Class
}
