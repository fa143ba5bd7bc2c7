package vm

import "testing"

// accessorClass defines Box with int and long fields and their accessors.
func accessorClass(t *testing.T, rt *Runtime) (k *Class, getX, setX, getBig, setBig, nop *Method) {
	t.Helper()
	c := newTestClass(t, rt, "Box")
	c.field("x", TInt)
	c.field("big", TLong)
	xRef := c.pool(FieldRef("Box", "x", "I"))
	bigRef := c.pool(FieldRef("Box", "big", "J"))
	getX = c.method("getX", "()I", 0, 0, func(b *BytecodeBuilder) {
		b.EmitLocal(OpAload, 0)
		b.EmitPool(OpGetfield, xRef)
		b.Emit(OpIreturn)
	})
	setX = c.method("setX", "(I)V", 0, 0, func(b *BytecodeBuilder) {
		b.EmitLocal(OpAload, 0)
		b.EmitLocal(OpIload, 1)
		b.EmitPool(OpPutfield, xRef)
		b.Emit(OpReturn)
	})
	getBig = c.method("getBig", "()J", 0, 0, func(b *BytecodeBuilder) {
		b.EmitLocal(OpAload, 0)
		b.EmitPool(OpGetfield, bigRef)
		b.Emit(OpLreturn)
	})
	setBig = c.method("setBig", "(J)V", 0, 0, func(b *BytecodeBuilder) {
		b.EmitLocal(OpAload, 0)
		b.EmitLocal(OpLload, 1)
		b.EmitPool(OpPutfield, bigRef)
		b.Emit(OpReturn)
	})
	nop = c.method("nop", "(IJ)V", 0, 0, func(b *BytecodeBuilder) {
		b.Emit(OpReturn)
	})
	k = c.define()
	if err := rt.ResolveAll(k); err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	return k, getX, setX, getBig, setBig, nop
}

func TestClassifyEntryKinds(t *testing.T) {
	rt := newTestRuntime(t)
	_, getX, setX, getBig, setBig, nop := accessorClass(t, rt)

	c := newTestClass(t, rt, "Kinds")
	generic := c.method("generic", "()I", FlagStatic, 0, func(b *BytecodeBuilder) {
		b.EmitInt32(OpIconst, 1)
		b.Emit(OpIreturn)
	})
	staticEmpty := c.method("staticEmpty", "()V", FlagStatic, 0, func(b *BytecodeBuilder) {
		b.Emit(OpReturn)
	})
	native := c.native("native", "()V", FlagStatic, func(*NativeEnv, []NativeArg) (uint64, error) { return 0, nil })
	syncNative := c.native("syncNative", "()V", FlagStatic|FlagSynchronized, func(*NativeEnv, []NativeArg) (uint64, error) { return 0, nil })
	c.define()

	tests := []struct {
		m    *Method
		want EntryKind
	}{
		{getX, EntryGetter},
		{getBig, EntryGetter},
		{setX, EntrySetter},
		{setBig, EntrySetter},
		{nop, EntryEmpty},
		{staticEmpty, EntryEmpty},
		{generic, EntryGeneric},
		{native, EntryNative},
		{syncNative, EntryNativeSynchronized},
	}
	for _, tt := range tests {
		if got := tt.m.Kind(); got != tt.want {
			t.Errorf("%s kind = %s, want %s", tt.m, got, tt.want)
		}
	}
}

func TestAccessorFastPaths(t *testing.T) {
	rt := newTestRuntime(t)
	k, getX, setX, getBig, setBig, nop := accessorClass(t, rt)
	th := newTestThread(t, rt)
	obj := rt.Heap().Allocate(k)

	invoke(t, th, setX, new(Args).Ref(obj).Int(-12).Words()...)
	if got := invoke(t, th, getX, new(Args).Ref(obj).Words()...).Int(); got != -12 {
		t.Errorf("getX = %d, want -12", got)
	}
	invoke(t, th, setBig, new(Args).Ref(obj).Long(1<<40+3).Words()...)
	if got := invoke(t, th, getBig, new(Args).Ref(obj).Words()...).Long(); got != 1<<40+3 {
		t.Errorf("getBig = %d, want %d", got, int64(1<<40+3))
	}
	invoke(t, th, nop, new(Args).Ref(obj).Int(1).Long(2).Words()...)
	assertBalanced(t, th)

	st := rt.Dispatcher().Stats()
	if st.Fallbacks != 0 {
		t.Errorf("fallbacks = %d, want 0", st.Fallbacks)
	}
	for kind, want := range map[EntryKind]int64{EntryGetter: 2, EntrySetter: 2, EntryEmpty: 1} {
		if got := st.ByKind[kind]; got != want {
			t.Errorf("%s entries = %d, want %d", kind, got, want)
		}
	}
	if got := getX.Invocations(); got != 1 {
		t.Errorf("getX invocations = %d, want 1", got)
	}
}

func TestGetterOnNullFallsBackAndThrows(t *testing.T) {
	rt := newTestRuntime(t)
	_, getX, _, _, _, _ := accessorClass(t, rt)
	th := newTestThread(t, rt)

	ge := invokeErr(t, th, getX, new(Args).Ref(NullRef).Words()...)
	if ge.Class != ClassNullPointer {
		t.Errorf("getX(null) threw %s, want %s", ge.Class, ClassNullPointer)
	}
	if got := rt.Dispatcher().Stats().Fallbacks; got != 1 {
		t.Errorf("fallbacks = %d, want 1", got)
	}
	assertBalanced(t, th)
}

func TestFastPathsYieldToSafepoint(t *testing.T) {
	sp := &stubSafepoints{}
	rt := newTestRuntime(t, WithSafepointService(sp))
	k, getX, setX, _, _, nop := accessorClass(t, rt)
	th := newTestThread(t, rt)
	obj := rt.Heap().Allocate(k)

	sp.armed.Store(true)
	invoke(t, th, setX, new(Args).Ref(obj).Int(9).Words()...)
	if got := invoke(t, th, getX, new(Args).Ref(obj).Words()...).Int(); got != 9 {
		t.Errorf("getX = %d, want 9", got)
	}
	invoke(t, th, nop, new(Args).Ref(obj).Int(1).Long(2).Words()...)

	if got := rt.Dispatcher().Stats().Fallbacks; got != 3 {
		t.Errorf("fallbacks = %d, want 3", got)
	}
	if sp.checkpoints.Load() == 0 {
		t.Error("no checkpoint reached while a safepoint was pending")
	}
	assertBalanced(t, th)
}

func TestUnresolvedFieldTakesGenericEntry(t *testing.T) {
	rt := newTestRuntime(t)
	c := newTestClass(t, rt, "Lazy")
	c.field("v", TInt)
	vRef := c.pool(FieldRef("Lazy", "v", "I"))
	get := c.method("get", "()I", 0, 0, func(b *BytecodeBuilder) {
		b.EmitLocal(OpAload, 0)
		b.EmitPool(OpGetfield, vRef)
		b.Emit(OpIreturn)
	})
	k := c.define()
	th := newTestThread(t, rt)
	obj := rt.Heap().Allocate(k)

	// The first call resolves the field through the interpreter; the second
	// takes the fast path.
	invoke(t, th, get, new(Args).Ref(obj).Words()...)
	invoke(t, th, get, new(Args).Ref(obj).Words()...)
	st := rt.Dispatcher().Stats()
	if st.Fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1", st.Fallbacks)
	}
	if st.ByKind[EntryGetter] != 2 {
		t.Errorf("getter entries = %d, want 2", st.ByKind[EntryGetter])
	}
}
