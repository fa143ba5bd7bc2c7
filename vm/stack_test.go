package vm

import (
	"errors"
	"math"
	"testing"
)

func TestStackAllocPushPop(t *testing.T) {
	s := NewExecutionStack(64, 8)
	if s.SP() != 64 || s.Used() != 0 {
		t.Fatalf("new stack sp=%d used=%d, want 64 and 0", s.SP(), s.Used())
	}
	if err := s.Push(7); err != nil {
		t.Fatalf("Push: %v", err)
	}
	s.SetWord(62, 99)
	sp, err := s.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if sp != 60 {
		t.Errorf("Alloc(3) = %d, want 60", sp)
	}
	for i := 60; i < 63; i++ {
		if w := s.Word(i); w != 0 {
			t.Errorf("word %d = %d after Alloc, want 0", i, w)
		}
	}
	s.SetSP(63)
	if w := s.Pop(); w != 7 {
		t.Errorf("Pop = %d, want 7", w)
	}
	if got := s.MaxUsed(); got != 4 {
		t.Errorf("MaxUsed = %d, want 4", got)
	}
}

func TestStackOverflowStopsAtGuard(t *testing.T) {
	s := NewExecutionStack(32, 8)
	if got := s.Headroom(); got != 24 {
		t.Fatalf("Headroom = %d, want 24", got)
	}
	if _, err := s.Alloc(24); err != nil {
		t.Fatalf("Alloc(24): %v", err)
	}
	_, err := s.Alloc(1)
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("Alloc past guard = %v, want ErrStackOverflow", err)
	}
	if s.SP() != 8 {
		t.Errorf("failed Alloc moved sp to %d", s.SP())
	}
	if err := s.Push(1); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("Push past guard = %v, want ErrStackOverflow", err)
	}
	if err := s.OverflowCheck(-1); err == nil {
		t.Error("OverflowCheck(-1) succeeded")
	}
}

func TestStackGeometryDefaults(t *testing.T) {
	s := NewExecutionStack(0, -1)
	if s.Size() != DefaultStackWords || s.Guard() != DefaultGuardWords {
		t.Errorf("defaults = %d/%d, want %d/%d", s.Size(), s.Guard(), DefaultStackWords, DefaultGuardWords)
	}
	small := NewExecutionStack(100, 200)
	if small.Guard() >= small.Size() {
		t.Errorf("guard %d not below size %d", small.Guard(), small.Size())
	}
}

func TestStackMoveZeroSlice(t *testing.T) {
	s := NewExecutionStack(16, 0)
	for i := 0; i < 16; i++ {
		s.SetWord(i, Word(i))
	}
	// Overlapping move down by two, as more_monitors does.
	s.Move(8, 10, 4)
	want := []Word{10, 11, 12, 13, 12, 13}
	for i, w := range want {
		if got := s.Word(8 + i); got != w {
			t.Errorf("word %d = %d, want %d", 8+i, got, w)
		}
	}
	s.Zero(12, 2)
	if got := s.Slice(12, 2); got[0] != 0 || got[1] != 0 {
		t.Errorf("zeroed words = %v, want [0 0]", got)
	}
	if got := s.Slice(0, 0); len(got) != 0 {
		t.Errorf("empty Slice = %v", got)
	}
	p := s.Addr(3)
	*p = 42
	if s.Word(3) != 42 {
		t.Error("Addr does not alias the stack")
	}
}

func TestStackBoundsAreInvariants(t *testing.T) {
	s := NewExecutionStack(8, 0)
	expectInvariant(t, func() { s.SetSP(9) })
	expectInvariant(t, func() { s.Word(8) })
	expectInvariant(t, func() { s.Pop() })
	expectInvariant(t, func() { s.Move(0, 6, 4) })
}

func TestSlotEncoding(t *testing.T) {
	if got := FromWord[int32](ToWord(int32(-5))); got != -5 {
		t.Errorf("int32 round trip = %d", got)
	}
	if w := ToWord(int32(-1)); w != math.MaxUint64 {
		t.Errorf("ToWord(int32(-1)) = %#x, want sign extension", w)
	}
	if got := FromWord[float32](ToWord(float32(1.5))); got != 1.5 {
		t.Errorf("float32 round trip = %v", got)
	}
	if got := FromWord[float64](ToWord(math.Pi)); got != math.Pi {
		t.Errorf("float64 round trip = %v", got)
	}
	if SlotsOf[int64]() != 2 || SlotsOf[float64]() != 2 || SlotsOf[Ref]() != 1 {
		t.Error("SlotsOf reports wrong widths")
	}
}

func TestStoreClearsUpperWord(t *testing.T) {
	s := NewExecutionStack(8, 0)
	s.SetWord(4, 0xdead)
	Store(s, 3, int64(-9))
	if s.Word(4) != 0 {
		t.Errorf("upper word = %#x, want 0", s.Word(4))
	}
	if got := Load[int64](s, 3); got != -9 {
		t.Errorf("Load = %d, want -9", got)
	}

	// Local 1 of a frame whose local 0 is at index 6: a long in locals 1-2
	// has its value at the lower index.
	StoreLocal(s, 6, 1, int64(77))
	if got := s.Word(4); got != 77 {
		t.Errorf("long local value word = %d, want 77 at index 4", got)
	}
	if got := LoadLocal[int64](s, 6, 1); got != 77 {
		t.Errorf("LoadLocal = %d, want 77", got)
	}
	StoreLocal(s, 6, 0, int32(3))
	if got := LoadLocal[int32](s, 6, 0); got != 3 || s.Word(6) != 3 {
		t.Errorf("int local = %d (word %d), want 3", got, s.Word(6))
	}
}

func TestNarrow(t *testing.T) {
	tests := []struct {
		t    BasicType
		in   Word
		want int32
	}{
		{TBoolean, 2, 0},
		{TBoolean, 3, 1},
		{TByte, 0x1ff, -1},
		{TByte, 0x7f, 127},
		{TChar, ToWord(int32(-1)), 0xffff},
		{TShort, 0x18000, -32768},
		{TInt, ToWord(int32(-7)), -7},
	}
	for _, tt := range tests {
		if got := FromWord[int32](Narrow(tt.t, tt.in)); got != tt.want {
			t.Errorf("Narrow(%s, %#x) = %d, want %d", tt.t, tt.in, got, tt.want)
		}
	}
	if w := Narrow(TLong, 1<<40); w != 1<<40 {
		t.Errorf("Narrow(long) changed the word to %#x", w)
	}
}

func TestParseDescriptor(t *testing.T) {
	params, result, err := ParseDescriptor("(IJLPoint;[[DZ)S")
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	want := []BasicType{TInt, TLong, TObject, TObject, TBoolean}
	if len(params) != len(want) {
		t.Fatalf("params = %v, want %v", params, want)
	}
	for i := range want {
		if params[i] != want[i] {
			t.Errorf("param %d = %s, want %s", i, params[i], want[i])
		}
	}
	if result != TShort {
		t.Errorf("result = %s, want short", result)
	}

	for _, bad := range []string{"", "I", "(I", "(V)V", "(Lfoo)V", "(I)VV", "(Q)V"} {
		if _, _, err := ParseDescriptor(bad); err == nil {
			t.Errorf("ParseDescriptor(%q) succeeded", bad)
		}
	}
	if _, err := ParseFieldDescriptor("V"); err == nil {
		t.Error("ParseFieldDescriptor(V) succeeded")
	}
	if ft, err := ParseFieldDescriptor("LBox;"); err != nil || ft != TObject {
		t.Errorf("ParseFieldDescriptor(LBox;) = %s, %v", ft, err)
	}
}
