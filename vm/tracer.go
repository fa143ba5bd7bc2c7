package vm

import (
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// Event is one engine-to-frame-manager transition.
type Event struct {
	Thread   uuid.UUID
	Method   string
	BCI      int
	Kind     MessageKind
	Callee   string // for CallMethod
	Depth    int    // expression stack words
	Monitors int
	Frames   int // live interpreter states on the thread
	Time     time.Time

	// Stack geometry of the posting frame.
	TOS        int
	StackLimit int
	SP         int
}

// Tracer receives every transition the frame manager services. It is
// called on the guest thread and must not re-enter the runtime.
type Tracer interface {
	Transition(ev Event)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(ev Event)

func (f TracerFunc) Transition(ev Event) { f(ev) }

func (th *Thread) trace(st *InterpreterState, msg Message) {
	debug := log.AllowLevel(commonlog.Debug)
	if th.rt.tracer == nil && !debug {
		return
	}
	ev := Event{
		Thread:   th.ID,
		Method:   st.method.QualifiedName(),
		BCI:      st.bci,
		Kind:     msg.Kind(),
		Depth:    st.Depth(),
		Monitors: st.Monitors(),
		Frames:   th.states.live,
		Time:     time.Now(),

		TOS:        st.tos,
		StackLimit: st.stackLimit,
		SP:         th.stack.SP(),
	}
	if call, ok := msg.(CallMethod); ok {
		ev.Callee = call.Callee.QualifiedName()
	}
	if debug {
		log.Debugf("thread %s: %s %s bci=%d depth=%d monitors=%d", th.Name, ev.Kind, ev.Method, ev.BCI, ev.Depth, ev.Monitors)
	}
	if th.rt.tracer != nil {
		th.rt.tracer.Transition(ev)
	}
}
