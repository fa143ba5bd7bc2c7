package vm

import (
	"strconv"
	"time"
)

// ClassSystem holds the standard native methods.
const ClassSystem = "System"

var startTime = time.Now()

type stdNative struct {
	name, desc string
	fn         NativeFunc
}

var stdNatives = []stdNative{
	{"print", "(I)V", func(env *NativeEnv, args []NativeArg) (uint64, error) {
		return 0, env.Runtime().print(strconv.FormatInt(int64(args[1].Int()), 10) + "\n")
	}},
	{"printLong", "(J)V", func(env *NativeEnv, args []NativeArg) (uint64, error) {
		return 0, env.Runtime().print(strconv.FormatInt(args[1].Long(), 10) + "\n")
	}},
	{"printObject", "(LObject;)V", func(env *NativeEnv, args []NativeArg) (uint64, error) {
		h := env.Heap()
		s := h.Describe(args[1].Ref())
		if o := h.Get(args[1].Ref()); o != nil && o.Message() != "" {
			s += ": " + o.Message()
		}
		return 0, env.Runtime().print(s + "\n")
	}},
	{"nanoTime", "()J", func(*NativeEnv, []NativeArg) (uint64, error) {
		return uint64(time.Since(startTime).Nanoseconds()), nil
	}},
	{"identityHash", "(LObject;)I", func(env *NativeEnv, args []NativeArg) (uint64, error) {
		r := args[1].Ref()
		if r == NullRef {
			return 0, nil
		}
		// Refs never move, so the reference itself is a stable hash.
		h := uint32(r) * 0x9e3779b1
		return uint64(h & 0x7fffffff), nil
	}},
}

func (rt *Runtime) defineStandardNatives() {
	system := NewClass(ClassSystem, rt.Class(ClassObject))
	for _, n := range stdNatives {
		m, err := NewMethodBuilder(n.name, n.desc, FlagStatic|FlagNative).SetNative(n.fn).Build()
		if err != nil {
			invariant("standard native %s: %v", n.name, err)
		}
		system.AddMethod(m)
	}
	if err := rt.DefineClass(system); err != nil {
		invariant("defining %s: %v", ClassSystem, err)
	}
}
