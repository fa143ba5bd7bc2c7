package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/zerovm/vm"
	"github.com/google/uuid"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j, path
}

// chainRuntime defines Chain.inner(x) = x*10 and Chain.outer(x) = inner(x)+1.
func chainRuntime(t *testing.T, tracer vm.Tracer) (*vm.Runtime, *vm.Method) {
	t.Helper()
	rt := vm.NewRuntime(vm.WithTracer(tracer))
	t.Cleanup(func() { rt.Close() })
	k := vm.NewClass("Chain", rt.Class(vm.ClassObject))

	build := func(name string, body func(b *vm.BytecodeBuilder)) *vm.Method {
		mb := vm.NewMethodBuilder(name, "(I)I", vm.FlagStatic).SetConstants(k.Constants)
		body(mb.Bytecode())
		m, err := mb.Build()
		if err != nil {
			t.Fatalf("Build(%s): %v", name, err)
		}
		k.AddMethod(m)
		return m
	}
	build("inner", func(b *vm.BytecodeBuilder) {
		b.EmitLocal(vm.OpIload, 0)
		b.EmitInt32(vm.OpIconst, 10)
		b.Emit(vm.OpImul)
		b.Emit(vm.OpIreturn)
	})
	ref := k.Constants.Add(vm.MethodRef("Chain", "inner", "(I)I"))
	outer := build("outer", func(b *vm.BytecodeBuilder) {
		b.EmitLocal(vm.OpIload, 0)
		b.EmitPool(vm.OpInvokeStatic, ref)
		b.EmitInt32(vm.OpIconst, 1)
		b.Emit(vm.OpIadd)
		b.Emit(vm.OpIreturn)
	})
	if err := rt.DefineClass(k); err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	return rt, outer
}

func TestJournalRecordsTransitions(t *testing.T) {
	j, _ := openTemp(t)
	rt, outer := chainRuntime(t, j)
	th, err := rt.NewThread("main")
	if err != nil {
		t.Fatalf("NewThread: %v", err)
	}
	defer th.Close()

	ctx := context.Background()
	res, err := th.Invoke(ctx, outer, new(vm.Args).Int(4).Words()...)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := res.Int(); got != 41 {
		t.Fatalf("outer(4) = %d, want 41", got)
	}
	if err := j.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	counts, err := j.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[vm.KindCallMethod] != 1 || counts[vm.KindReturnFromMethod] != 2 {
		t.Errorf("counts = %v, want 1 call_method and 2 return_from_method", counts)
	}

	calls, err := j.Query(ctx, Filter{Thread: th.ID, Kind: vm.KindCallMethod})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want one", calls)
	}
	call := calls[0]
	if call.Method != "Chain.outer" || call.Callee != "Chain.inner" || call.BCI != 2 {
		t.Errorf("call = %+v, want Chain.outer -> Chain.inner at bci 2", call)
	}
	if call.Depth != 1 || call.Thread != th.ID {
		t.Errorf("call depth=%d thread=%s, want 1 and %s", call.Depth, call.Thread, th.ID)
	}

	latest, err := j.Query(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(latest) != 1 || latest[0].Method != "Chain.outer" || latest[0].Kind != vm.KindReturnFromMethod {
		t.Errorf("latest = %+v, want outer's return", latest)
	}

	none, err := j.Query(ctx, Filter{Thread: uuid.New()})
	if err != nil || len(none) != 0 {
		t.Errorf("query for another thread = %v, %v", none, err)
	}
	if st := j.Stats(); st.Written != 3 || st.Dropped != 0 || st.Failed != 0 {
		t.Errorf("stats = %+v, want 3 written", st)
	}
}

func TestJournalCloseWritesQueued(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id := uuid.New()
	for i := 0; i < 300; i++ {
		j.Transition(vm.Event{Thread: id, Method: "A.f", BCI: i, Kind: vm.KindMoreMonitors, Time: time.Now()})
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	j.Transition(vm.Event{Thread: id, Method: "late"})
	if got := j.Stats().Dropped; got != 1 {
		t.Errorf("dropped after close = %d, want 1", got)
	}

	again, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	got, err := again.Query(context.Background(), Filter{Method: "A.f"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 300 {
		t.Fatalf("events after reopen = %d, want 300", len(got))
	}
	if got[0].BCI != 299 || got[0].Kind != vm.KindMoreMonitors {
		t.Errorf("newest = %+v, want bci 299 more_monitors", got[0])
	}
}

func TestJournalDropsWhenFull(t *testing.T) {
	j, err := OpenBuffered(filepath.Join(t.TempDir(), "small.db"), 1)
	if err != nil {
		t.Fatalf("OpenBuffered: %v", err)
	}
	defer j.Close()

	for i := 0; i < 1000; i++ {
		j.Transition(vm.Event{Method: "m", Time: time.Now()})
	}
	if err := j.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	st := j.Stats()
	if st.Written+st.Dropped != 1000 {
		t.Errorf("written %d + dropped %d, want 1000", st.Written, st.Dropped)
	}
}
