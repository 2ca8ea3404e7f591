package engine

import "errors"

// Nesting limits of the sound drivers.
const (
	LoopDepth   = 8
	ReturnDepth = 2
)

var (
	// ErrStackFull is returned when a push exceeds the stack capacity. The
	// interpreters log it and ignore the extra nesting level.
	ErrStackFull = errors.New("stack full")
	// ErrBadSlot is returned for a return slot outside ReturnDepth.
	ErrBadSlot = errors.New("invalid return slot")
)

// Frame is one level of a bytecode loop.
type Frame struct {
	Pos    int    // loop body start
	End    int    // position after the loop end, 0 until known
	Parent int    // saved "repeat measure" return position
	Max    uint16 // total passes, 0 for infinite
	Count  uint16
	Tick   uint32 // tick at the loop start during measuring passes
}

// Stack is a bounded LIFO.
type Stack[T any] struct {
	items []T
	max   int
}

// NewStack creates a stack holding at most max items.
func NewStack[T any](max int) *Stack[T] {
	return &Stack[T]{items: make([]T, 0, max), max: max}
}

// NewLoopStack creates a loop stack with the drivers' nesting depth.
func NewLoopStack() *Stack[Frame] {
	return NewStack[Frame](LoopDepth)
}

// Len returns the number of items.
func (s *Stack[T]) Len() int {
	return len(s.items)
}

// Push adds v on top. It returns ErrStackFull and leaves the stack
// unchanged when the stack is full.
func (s *Stack[T]) Push(v T) error {
	if len(s.items) >= s.max {
		return ErrStackFull
	}
	s.items = append(s.items, v)
	return nil
}

// Pop removes and returns the top item.
func (s *Stack[T]) Pop() (T, bool) {
	var zero T
	if len(s.items) == 0 {
		return zero, false
	}
	v := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return v, true
}

// Peek returns the top item, or nil when empty.
func (s *Stack[T]) Peek() *T {
	if len(s.items) == 0 {
		return nil
	}
	return &s.items[len(s.items)-1]
}

// At returns the item at depth i, counted from the bottom.
func (s *Stack[T]) At(i int) *T {
	if i < 0 || i >= len(s.items) {
		return nil
	}
	return &s.items[i]
}

// Find searches from the top and returns the depth of the first item
// matching fn, or -1.
func (s *Stack[T]) Find(fn func(*T) bool) int {
	for i := len(s.items) - 1; i >= 0; i-- {
		if fn(&s.items[i]) {
			return i
		}
	}
	return -1
}

// Truncate drops everything above depth n.
func (s *Stack[T]) Truncate(n int) {
	if n >= 0 && n < len(s.items) {
		s.items = s.items[:n]
	}
}

// Reset empties the stack.
func (s *Stack[T]) Reset() {
	s.items = s.items[:0]
}

// Returns holds subroutine return addresses in fixed slots. A zero entry
// is an empty slot.
type Returns [ReturnDepth]int

// Call stores ret in slot.
func (r *Returns) Call(slot, ret int) error {
	if slot < 0 || slot >= len(r) {
		return ErrBadSlot
	}
	r[slot] = ret
	return nil
}

// Return takes the address out of slot. ok is false for an empty slot.
func (r *Returns) Return(slot int) (ret int, ok bool) {
	if slot < 0 || slot >= len(r) || r[slot] == 0 {
		return 0, false
	}
	ret = r[slot]
	r[slot] = 0
	return ret, true
}
