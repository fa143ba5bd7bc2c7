package vm

import (
	"errors"
	"fmt"
)

// Word is a single slot of an execution stack.
type Word uint64

// Ref is a guest object reference. The zero Ref is null.
type Ref uint64

// NullRef is the null reference.
const NullRef Ref = 0

// Default stack geometry, in words.
const (
	DefaultStackWords = 64 * 1024

	// DefaultGuardWords is the headroom kept free below the cursor. It must
	// cover the deepest single step the frame manager takes after a failed
	// overflow check (building a throwable and unwinding), so the largest
	// frame a method can request never reaches past it.
	DefaultGuardWords = 512
)

// ErrStackOverflow is returned when an allocation would cut into the guard
// area of an execution stack.
var ErrStackOverflow = errors.New("execution stack overflow")

// ExecutionStack is a fixed-capacity word buffer with a downward-moving
// cursor. Index 0 is the deepest word; sp is the index of the lowest word in
// use and starts at len(words). The backing array is never reallocated, so
// addresses handed out by Addr stay valid for the life of the stack.
type ExecutionStack struct {
	words []Word
	sp    int
	guard int
	low   int // low-water mark of sp
}

// NewExecutionStack creates a stack of size words with a guard area of
// guard words at the deep end.
func NewExecutionStack(size, guard int) *ExecutionStack {
	if size <= 0 {
		size = DefaultStackWords
	}
	if guard < 0 || guard >= size {
		guard = DefaultGuardWords
		if guard >= size {
			guard = size / 8
		}
	}
	return &ExecutionStack{
		words: make([]Word, size),
		sp:    size,
		guard: guard,
		low:   size,
	}
}

// SP returns the cursor.
func (s *ExecutionStack) SP() int { return s.sp }

// Size returns the capacity in words.
func (s *ExecutionStack) Size() int { return len(s.words) }

// Guard returns the size of the guard area.
func (s *ExecutionStack) Guard() int { return s.guard }

// Used returns the number of words currently in use.
func (s *ExecutionStack) Used() int { return len(s.words) - s.sp }

// MaxUsed returns the deepest use seen since the stack was created.
func (s *ExecutionStack) MaxUsed() int { return len(s.words) - s.low }

// Headroom returns the number of words that can still be allocated.
func (s *ExecutionStack) Headroom() int { return s.sp - s.guard }

// OverflowCheck reports ErrStackOverflow if n more words would not fit
// above the guard area.
func (s *ExecutionStack) OverflowCheck(n int) error {
	if n < 0 || s.sp-n < s.guard {
		return fmt.Errorf("%w: need %d words, %d available", ErrStackOverflow, n, s.Headroom())
	}
	return nil
}

// Alloc reserves n zeroed words and returns the new cursor.
func (s *ExecutionStack) Alloc(n int) (int, error) {
	if err := s.OverflowCheck(n); err != nil {
		return s.sp, err
	}
	s.sp -= n
	clear(s.words[s.sp : s.sp+n])
	if s.sp < s.low {
		s.low = s.sp
	}
	return s.sp, nil
}

// Push reserves one word and stores w in it.
func (s *ExecutionStack) Push(w Word) error {
	if _, err := s.Alloc(1); err != nil {
		return err
	}
	s.words[s.sp] = w
	return nil
}

// Pop releases the word at the cursor and returns it.
func (s *ExecutionStack) Pop() Word {
	if s.sp >= len(s.words) {
		invariant("execution stack underflow")
	}
	w := s.words[s.sp]
	s.sp++
	return w
}

// SetSP moves the cursor. It is used to release whole regions in LIFO order
// and to re-expose words that were allocated earlier; it never allocates.
func (s *ExecutionStack) SetSP(sp int) {
	if sp < 0 || sp > len(s.words) {
		invariant("stack cursor %d out of range [0, %d]", sp, len(s.words))
	}
	s.sp = sp
	if sp < s.low {
		s.low = sp
	}
}

// Word returns the word at index i.
func (s *ExecutionStack) Word(i int) Word {
	s.check(i)
	return s.words[i]
}

// SetWord stores w at index i.
func (s *ExecutionStack) SetWord(i int, w Word) {
	s.check(i)
	s.words[i] = w
}

// Addr returns a stable pointer to the word at index i.
func (s *ExecutionStack) Addr(i int) *Word {
	s.check(i)
	return &s.words[i]
}

// Move copies n words from src to dst. Overlapping ranges are handled.
func (s *ExecutionStack) Move(dst, src, n int) {
	if n == 0 {
		return
	}
	s.check(dst)
	s.check(dst + n - 1)
	s.check(src)
	s.check(src + n - 1)
	copy(s.words[dst:dst+n], s.words[src:src+n])
}

// Zero clears n words starting at index i.
func (s *ExecutionStack) Zero(i, n int) {
	if n == 0 {
		return
	}
	s.check(i)
	s.check(i + n - 1)
	clear(s.words[i : i+n])
}

// Slice returns a copy of n words starting at index i.
func (s *ExecutionStack) Slice(i, n int) []Word {
	out := make([]Word, n)
	if n > 0 {
		s.check(i)
		s.check(i + n - 1)
		copy(out, s.words[i:i+n])
	}
	return out
}

func (s *ExecutionStack) check(i int) {
	if i < 0 || i >= len(s.words) {
		invariant("stack index %d out of range [0, %d)", i, len(s.words))
	}
}
