package vm

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestNativeMixedArguments(t *testing.T) {
	rt := newTestRuntime(t)
	c := newTestClass(t, rt, "Mixer")
	var seen []Ref
	mix := c.native("mix", "(IJLObject;DF)D", 0, func(env *NativeEnv, args []NativeArg) (uint64, error) {
		seen = []Ref{args[0].Ref(), args[3].Ref()}
		if len(args) != 6 {
			return 0, errors.New("wrong argument count")
		}
		sum := float64(args[1].Int()) + float64(args[2].Long()) + args[4].Double() + float64(args[5].Float())
		return uint64(ToWord(sum)), nil
	})
	k := c.define()
	th := newTestThread(t, rt)

	recv := rt.Heap().Allocate(k)
	other := rt.Heap().Allocate(k)
	args := new(Args).Ref(recv).Int(-3).Long(1 << 33).Ref(other).Double(0.5).Float(0.25)
	got := invoke(t, th, mix, args.Words()...).Double()
	if want := -3 + float64(1<<33) + 0.5 + 0.25; got != want {
		t.Errorf("mix = %v, want %v", got, want)
	}
	if seen[0] != recv {
		t.Errorf("receiver = %d, want %d", seen[0], recv)
	}
	if seen[1] != other {
		t.Errorf("object arg = %d, want %d", seen[1], other)
	}
	assertBalanced(t, th)

	sig := rt.Signatures().Lookup(mix)
	cats := []NativeCategory{NativeObject, NativeInt, NativeLong, NativeObject, NativeDouble, NativeFloat}
	for i, want := range cats {
		if got := sig.Args[i].Category; got != want {
			t.Errorf("arg %d category = %s, want %s", i, got, want)
		}
	}
}

func TestNativeNullObjectArgument(t *testing.T) {
	rt := newTestRuntime(t)
	c := newTestClass(t, rt, "Nulls")
	isNull := c.native("isNull", "(LObject;)Z", FlagStatic, func(env *NativeEnv, args []NativeArg) (uint64, error) {
		if args[1].Handle == nil && env.Deref(args[1]) == nil {
			return 1, nil
		}
		return 0, nil
	})
	c.define()
	th := newTestThread(t, rt)

	if got := invoke(t, th, isNull, new(Args).Ref(NullRef).Words()...).Int(); got != 1 {
		t.Errorf("isNull(null) = %d, want 1", got)
	}
}

func TestNativeStaticReceivesMirror(t *testing.T) {
	rt := newTestRuntime(t)
	c := newTestClass(t, rt, "Mirrored")
	var mirror *Class
	m := c.native("which", "()V", FlagStatic, func(env *NativeEnv, args []NativeArg) (uint64, error) {
		mirror = env.Deref(args[0]).MirrorOf()
		return 0, nil
	})
	k := c.define()
	th := newTestThread(t, rt)

	invoke(t, th, m)
	if mirror != k {
		t.Errorf("static native saw mirror of %v, want %v", mirror, k)
	}
}

func TestNativeCheckpointAfterCall(t *testing.T) {
	sp := &stubSafepoints{}
	sp.armed.Store(true)
	rt := newTestRuntime(t, WithSafepointService(sp))
	c := newTestClass(t, rt, "Polite")
	called := false
	var during ThreadState
	var after []ThreadState
	sp.onCheckpoint = func(th *Thread) {
		if called {
			after = append(after, th.State())
		}
	}
	m := c.native("work", "()I", FlagStatic, func(env *NativeEnv, args []NativeArg) (uint64, error) {
		called = true
		during = env.Thread().State()
		return 5, nil
	})
	c.define()
	th := newTestThread(t, rt)

	if got := invoke(t, th, m).Int(); got != 5 {
		t.Errorf("work = %d, want 5", got)
	}
	if during != InNative {
		t.Errorf("state during native = %s, want %s", during, InNative)
	}
	if len(after) != 1 {
		t.Fatalf("checkpoints after the native call = %d, want 1", len(after))
	}
	if after[0] != InGuest {
		t.Errorf("state at checkpoint = %s, want %s", after[0], InGuest)
	}
}

func TestNativeErrorBecomesFault(t *testing.T) {
	rt := newTestRuntime(t)
	c := newTestClass(t, rt, "Faulty")
	m := c.native("fail", "()I", FlagStatic, func(*NativeEnv, []NativeArg) (uint64, error) {
		return 0, errors.New("disk on fire")
	})
	c.define()
	th := newTestThread(t, rt)

	ge := invokeErr(t, th, m)
	if ge.Class != ClassNativeFault || ge.Message != "disk on fire" {
		t.Errorf("fail threw %s(%q), want %s(%q)", ge.Class, ge.Message, ClassNativeFault, "disk on fire")
	}
	if got := rt.Bridge().Stats().Faults; got != 1 {
		t.Errorf("faults = %d, want 1", got)
	}
	assertBalanced(t, th)
}

func TestNativeThrow(t *testing.T) {
	rt := newTestRuntime(t)
	c := newTestClass(t, rt, "Throwing")
	arith := c.native("arith", "()V", FlagStatic, func(env *NativeEnv, _ []NativeArg) (uint64, error) {
		env.Throw(ClassArithmetic, "bad math")
		return 0, nil
	})
	unknown := c.native("unknown", "()V", FlagStatic, func(env *NativeEnv, _ []NativeArg) (uint64, error) {
		env.Throw("NoSuchClass", "lost")
		return 0, nil
	})
	c.define()
	th := newTestThread(t, rt)

	if ge := invokeErr(t, th, arith); ge.Class != ClassArithmetic || ge.Message != "bad math" {
		t.Errorf("arith threw %s(%q), want %s(%q)", ge.Class, ge.Message, ClassArithmetic, "bad math")
	}
	if ge := invokeErr(t, th, unknown); ge.Class != ClassNativeFault {
		t.Errorf("unknown threw %s, want %s", ge.Class, ClassNativeFault)
	}
	assertBalanced(t, th)
}

func TestNativeObjectResult(t *testing.T) {
	rt := newTestRuntime(t)
	c := newTestClass(t, rt, "Factory")
	var k *Class
	factory := c.native("make", "()LObject;", FlagStatic, func(env *NativeEnv, _ []NativeArg) (uint64, error) {
		return uint64(env.Heap().Allocate(k)), nil
	})
	k = c.define()
	th := newTestThread(t, rt)

	r := invoke(t, th, factory).Ref()
	if o := rt.Heap().Get(r); o == nil || o.Class() != k {
		t.Errorf("make returned %s, want a %s", rt.Heap().Describe(r), k)
	}
}

func TestNativeCallsBackIntoGuest(t *testing.T) {
	rt := newTestRuntime(t)
	c := newTestClass(t, rt, "Callback")
	square := c.method("square", "(I)I", FlagStatic, 0, func(b *BytecodeBuilder) {
		b.EmitLocal(OpIload, 0)
		b.EmitLocal(OpIload, 0)
		b.Emit(OpImul)
		b.Emit(OpIreturn)
	})
	boom := c.method("boom", "()V", FlagStatic, 0, func(b *BytecodeBuilder) {
		b.EmitInt32(OpIconst, 1)
		b.EmitInt32(OpIconst, 0)
		b.Emit(OpIdiv)
		b.Emit(OpPop)
		b.Emit(OpReturn)
	})
	viaNative := c.native("viaNative", "(I)I", FlagStatic, func(env *NativeEnv, args []NativeArg) (uint64, error) {
		res, err := env.Call(context.Background(), square, new(Args).Int(args[1].Int()+1).Words()...)
		if err != nil {
			return 0, err
		}
		return uint64(uint32(res.Int())), nil
	})
	rethrow := c.native("rethrow", "()V", FlagStatic, func(env *NativeEnv, _ []NativeArg) (uint64, error) {
		_, err := env.Call(context.Background(), boom)
		return 0, err
	})
	viaRef := c.pool(MethodRef("Callback", "viaNative", "(I)I"))
	outer := c.method("outer", "(I)I", FlagStatic, 0, func(b *BytecodeBuilder) {
		b.EmitLocal(OpIload, 0)
		b.EmitPool(OpInvokeStatic, viaRef)
		b.EmitInt32(OpIconst, 1)
		b.Emit(OpIadd)
		b.Emit(OpIreturn)
	})
	c.define()
	th := newTestThread(t, rt)

	if got := invoke(t, th, outer, new(Args).Int(6).Words()...).Int(); got != 50 {
		t.Errorf("outer(6) = %d, want 50", got)
	}
	if got := viaNative.Invocations(); got != 1 {
		t.Errorf("viaNative invocations = %d, want 1", got)
	}
	if got := square.Invocations(); got != 1 {
		t.Errorf("square invocations = %d, want 1", got)
	}
	assertBalanced(t, th)

	ge := invokeErr(t, th, rethrow)
	if ge.Class != ClassArithmetic {
		t.Errorf("rethrow threw %s, want %s", ge.Class, ClassArithmetic)
	}
	if got := rt.Bridge().Stats().Faults; got != 0 {
		t.Errorf("faults = %d, want 0", got)
	}
	assertBalanced(t, th)
}

func TestUnsatisfiedNativeLink(t *testing.T) {
	rt := newTestRuntime(t)
	c := newTestClass(t, rt, "Unbound")
	m := c.native("missing", "(I)I", FlagStatic, nil)
	c.define()
	th := newTestThread(t, rt)

	if ge := invokeErr(t, th, m, new(Args).Int(1).Words()...); ge.Class != ClassLinkageError {
		t.Errorf("missing threw %s, want %s", ge.Class, ClassLinkageError)
	}
	assertBalanced(t, th)

	rt.RegisterNative("Unbound", "missing", func(_ *NativeEnv, args []NativeArg) (uint64, error) {
		return uint64(uint32(args[1].Int() * 3)), nil
	})
	if got := invoke(t, th, m, new(Args).Int(4).Words()...).Int(); got != 12 {
		t.Errorf("missing(4) after RegisterNative = %d, want 12", got)
	}
}

func TestStandardNatives(t *testing.T) {
	var out bytes.Buffer
	rt := newTestRuntime(t, WithStdout(&out))
	th := newTestThread(t, rt)
	system := rt.Class(ClassSystem)
	if system == nil {
		t.Fatalf("class %s not defined", ClassSystem)
	}

	invoke(t, th, system.Method("print", "(I)V"), new(Args).Int(42).Words()...)
	invoke(t, th, system.Method("printLong", "(J)V"), new(Args).Long(-7).Words()...)
	if got, want := out.String(), "42\n-7\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	obj := rt.Heap().Allocate(system)
	hash := system.Method("identityHash", "(LObject;)I")
	h1 := invoke(t, th, hash, new(Args).Ref(obj).Words()...).Int()
	h2 := invoke(t, th, hash, new(Args).Ref(obj).Words()...).Int()
	if h1 != h2 || h1 < 0 {
		t.Errorf("identityHash = %d then %d, want a stable non-negative value", h1, h2)
	}
	assertBalanced(t, th)
}
