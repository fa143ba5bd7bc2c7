package vm

import "math"

// Slot is the set of Go types that can be stored in stack slots. int64 and
// float64 occupy two slots; their value lives in the lower-indexed word of
// the pair.
type Slot interface {
	int32 | int64 | float32 | float64 | Ref
}

// SlotsOf returns the number of stack slots a value of type T occupies.
func SlotsOf[T Slot]() int {
	var zero T
	switch any(zero).(type) {
	case int64, float64:
		return 2
	}
	return 1
}

// ToWord encodes v into a stack word. 32-bit integers are sign-extended.
func ToWord[T Slot](v T) Word {
	switch x := any(v).(type) {
	case int32:
		return Word(uint64(int64(x)))
	case int64:
		return Word(uint64(x))
	case float32:
		return Word(math.Float32bits(x))
	case float64:
		return Word(math.Float64bits(x))
	case Ref:
		return Word(x)
	}
	return 0
}

// FromWord decodes a stack word as a T.
func FromWord[T Slot](w Word) T {
	var out T
	switch p := any(&out).(type) {
	case *int32:
		*p = int32(uint32(w))
	case *int64:
		*p = int64(w)
	case *float32:
		*p = math.Float32frombits(uint32(w))
	case *float64:
		*p = math.Float64frombits(uint64(w))
	case *Ref:
		*p = Ref(w)
	}
	return out
}

// Load reads a T stored at index i.
func Load[T Slot](s *ExecutionStack, i int) T {
	return FromWord[T](s.Word(i))
}

// Store writes v at index i. For two-slot types the upper word of the pair
// (i+1) is cleared.
func Store[T Slot](s *ExecutionStack, i int, v T) {
	s.SetWord(i, ToWord(v))
	if SlotsOf[T]() == 2 {
		s.SetWord(i+1, 0)
	}
}

// LoadLocal reads local n of an activation whose local 0 lives at index
// locals.
func LoadLocal[T Slot](s *ExecutionStack, locals, n int) T {
	return Load[T](s, localIndex[T](locals, n))
}

// StoreLocal writes local n of an activation whose local 0 lives at index
// locals.
func StoreLocal[T Slot](s *ExecutionStack, locals, n int, v T) {
	s.SetWord(localIndex[T](locals, n), ToWord(v))
}

func localIndex[T Slot](locals, n int) int {
	return locals - n - (SlotsOf[T]() - 1)
}

// pushSlot pushes v onto the expression stack of st.
func pushSlot[T Slot](s *ExecutionStack, st *InterpreterState, v T) {
	n := SlotsOf[T]()
	if st.tos-(n-1) <= st.stackLimit {
		invariant("operand stack overflow in %s at bci %d", st.method, st.bci)
	}
	st.tos -= n
	Store(s, st.tos+1, v)
}

// popSlot pops a T from the expression stack of st.
func popSlot[T Slot](s *ExecutionStack, st *InterpreterState) T {
	n := SlotsOf[T]()
	if st.tos+n > st.stackBase-1 {
		invariant("operand stack underflow in %s at bci %d", st.method, st.bci)
	}
	v := Load[T](s, st.tos+1)
	st.tos += n
	return v
}

// peekSlot reads the T that sits depth words below the top of st's
// expression stack without popping it.
func peekSlot[T Slot](s *ExecutionStack, st *InterpreterState, depth int) T {
	i := st.tos + 1 + depth
	if i+SlotsOf[T]() > st.stackBase {
		invariant("operand stack underflow in %s at bci %d", st.method, st.bci)
	}
	return Load[T](s, i)
}
