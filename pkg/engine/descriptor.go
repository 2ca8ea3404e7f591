// Package engine is the bytecode walker shared by every sequence format:
// track descriptors, a bounds-checked cursor, bounded loop stacks and a
// per-format opcode table that serves both the measuring passes and the
// transcoding pass.
package engine

import "fmt"

// NoLoop marks a descriptor without a master loop.
const NoLoop = -1

// Descriptor describes one logical track. It is filled by Preparse and
// only its Repeats field changes afterwards.
type Descriptor struct {
	ID         int
	Start      int
	LoopOffset int
	TickLength uint32 // ticks up to the end, including one pass of the loop
	LoopTick   uint32 // tick at which the loop starts
	Repeats    uint16 // 0 for tracks without a loop

	// format specific
	Mode     uint8
	Channel  uint8
	UseFlags uint16
	Name     string
}

// NewDescriptor returns a descriptor for a track starting at start.
func NewDescriptor(id, start int) *Descriptor {
	return &Descriptor{ID: id, Start: start, LoopOffset: NoLoop}
}

// HasLoop reports whether a master loop was found.
func (d *Descriptor) HasLoop() bool {
	return d.LoopOffset >= 0
}

// LoopTicks returns the length of one loop pass.
func (d *Descriptor) LoopTicks() uint32 {
	if !d.HasLoop() || d.LoopTick > d.TickLength {
		return 0
	}
	return d.TickLength - d.LoopTick
}

func (d *Descriptor) String() string {
	if !d.HasLoop() {
		return fmt.Sprintf("track %d @0x%04X: %d ticks, no loop", d.ID, d.Start, d.TickLength)
	}
	return fmt.Sprintf("track %d @0x%04X: %d ticks, loop @0x%04X from tick %d (%d ticks) x%d",
		d.ID, d.Start, d.TickLength, d.LoopOffset, d.LoopTick, d.LoopTicks(), d.Repeats)
}
