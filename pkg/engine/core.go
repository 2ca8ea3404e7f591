package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/james-see/chiptune2midi/pkg/logger"
	"github.com/james-see/chiptune2midi/pkg/midiout"
	"github.com/james-see/chiptune2midi/pkg/vlq"
)

// Pass says what a walk over a track is for.
type Pass uint8

const (
	// PassMeasure walks from the track start, counting ticks until the end
	// or the master loop jump.
	PassMeasure Pass = iota
	// PassLoopTick walks from the track start up to the loop offset.
	PassLoopTick
	// PassLoopLength walks from the loop offset until it comes back.
	PassLoopLength
	// PassTranscode writes MIDI events.
	PassTranscode
)

var passNames = [...]string{"measure", "loop-tick", "loop-length", "transcode"}

func (p Pass) String() string {
	if int(p) < len(passNames) {
		return passNames[p]
	}
	return fmt.Sprintf("Pass(%d)", int(p))
}

// Dry reports whether the pass discards output.
func (p Pass) Dry() bool {
	return p != PassTranscode
}

// DefaultMaxSteps bounds the number of commands a single walk may execute.
const DefaultMaxSteps = 1 << 22

// Warning is a recoverable per-track problem.
type Warning struct {
	Track  int    `json:"track"`
	Offset int    `json:"offset"`
	Opcode byte   `json:"opcode"`
	Msg    string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("track %d, 0x%04X (cmd 0x%02X): %s", w.Track, w.Offset, w.Opcode, w.Msg)
}

// Core is the cursor and bookkeeping of one walk over one track.
type Core struct {
	Data  []byte
	Pos   int
	OpPos int // offset of the command being executed
	End   int // reads at or past End fail

	Pass Pass
	Desc *Descriptor
	Out  *midiout.Track

	Ticks       uint32 // ticks consumed by this walk
	MasterLoops uint16 // master loop passes taken so far
	MaxSteps    int

	Log      *slog.Logger
	Warnings []Warning

	steps     int
	ended     bool
	truncated bool
	loopTick  bool
}

// NewCore prepares a walk over desc. Measuring passes get a dry output
// track when out is nil. The cursor starts at the loop offset for
// PassLoopLength and at the track start otherwise.
func NewCore(data []byte, desc *Descriptor, pass Pass, out *midiout.Track, log *slog.Logger) *Core {
	if out == nil {
		out = midiout.NewDryTrack()
	}
	c := &Core{
		Data:     data,
		Pos:      desc.Start,
		End:      len(data),
		Pass:     pass,
		Desc:     desc,
		Out:      out,
		MaxSteps: DefaultMaxSteps,
		Log:      logger.Or(log),
	}
	if pass == PassLoopLength {
		c.Pos = desc.LoopOffset
	}
	return c
}

// Cursor returns c itself, so that format states embedding *Core satisfy
// Machine.
func (c *Core) Cursor() *Core {
	return c
}

// Ended reports whether the walk has stopped.
func (c *Core) Ended() bool {
	return c.ended
}

// Truncated reports whether the walk stopped on a read past the data.
func (c *Core) Truncated() bool {
	return c.truncated
}

// Finish ends the walk after the current command.
func (c *Core) Finish() {
	c.ended = true
}

// Wait adds ticks to the walk and to the pending output delay.
func (c *Core) Wait(ticks uint32) {
	c.Ticks += ticks
	c.Out.Delay += ticks
}

// Transcoding reports whether events are being written.
func (c *Core) Transcoding() bool {
	return c.Pass == PassTranscode
}

// Warn records a per-track problem at the current command. Only the
// transcoding pass logs at warning level, so that each problem is
// reported once.
func (c *Core) Warn(format string, args ...any) {
	w := Warning{Track: c.Desc.ID, Offset: c.OpPos, Msg: fmt.Sprintf(format, args...)}
	if c.OpPos >= 0 && c.OpPos < len(c.Data) {
		w.Opcode = c.Data[c.OpPos]
	}
	attrs := []any{
		"track", w.Track,
		"offset", fmt.Sprintf("0x%04X", w.Offset),
		"opcode", fmt.Sprintf("0x%02X", w.Opcode),
	}
	if c.Pass != PassTranscode {
		c.Log.Debug(w.Msg, append(attrs, "pass", c.Pass.String())...)
		return
	}
	c.Warnings = append(c.Warnings, w)
	c.Log.Warn(w.Msg, attrs...)
}

// Info logs a policy note at the current command during transcoding.
func (c *Core) Info(format string, args ...any) {
	if c.Pass != PassTranscode {
		return
	}
	c.Log.Info(fmt.Sprintf(format, args...),
		"track", c.Desc.ID, "offset", fmt.Sprintf("0x%04X", c.OpPos))
}

// Debug logs a detail of the transcoding pass that is not a warning.
func (c *Core) Debug(format string, args ...any) {
	if c.Pass != PassTranscode {
		return
	}
	c.Log.Debug(fmt.Sprintf(format, args...),
		"track", c.Desc.ID, "offset", fmt.Sprintf("0x%04X", c.OpPos))
}

// FoundLoop records pos as the master loop offset and ends a measuring
// walk. The loop tick is measured by a second walk.
func (c *Core) FoundLoop(pos int) {
	c.Desc.LoopOffset = pos
	c.ended = true
}

// FoundLoopAt is FoundLoop with a known loop tick.
func (c *Core) FoundLoopAt(pos int, tick uint32) {
	c.Desc.LoopOffset = pos
	c.Desc.LoopTick = tick
	c.loopTick = true
	c.ended = true
}

// AtLoop reports whether the cursor sits on the master loop offset.
func (c *Core) AtLoop() bool {
	return c.Desc.HasLoop() && c.Pos == c.Desc.LoopOffset
}

// MasterLoop counts one pass of the master loop while transcoding and
// reports whether the jump back should be taken. With marker set the
// controller 0x6F loop marker is written first. Measuring passes never
// take the jump.
func (c *Core) MasterLoop(marker bool) bool {
	if c.Pass != PassTranscode {
		return c.Pass == PassLoopLength
	}
	c.MasterLoops++
	if marker && c.MasterLoops < 0x80 {
		c.Out.LoopMarker(c.MasterLoops)
	}
	return c.MasterLoops < c.Desc.Repeats
}

func (c *Core) fail(p int) byte {
	if !c.truncated {
		c.truncated = true
		c.Warn("read past end of data at 0x%04X", p)
	}
	c.ended = true
	return 0
}

// At reads the byte at absolute position p. Reading outside the data ends
// the walk and yields 0.
func (c *Core) At(p int) byte {
	if p < 0 || p >= c.End {
		return c.fail(p)
	}
	return c.Data[p]
}

// Peek reads the byte at absolute position p without failing.
func (c *Core) Peek(p int) (byte, bool) {
	if p < 0 || p >= c.End {
		return 0, false
	}
	return c.Data[p], true
}

// InRange reports whether p is a readable position.
func (c *Core) InRange(p int) bool {
	return p >= 0 && p < c.End
}

// U8 reads the byte at Pos+off.
func (c *Core) U8(off int) byte {
	return c.At(c.Pos + off)
}

// S8 reads a signed byte at Pos+off.
func (c *Core) S8(off int) int8 {
	return int8(c.At(c.Pos + off))
}

// LE16 reads a little-endian word at Pos+off.
func (c *Core) LE16(off int) uint16 {
	return c.LE16At(c.Pos + off)
}

// LE16At reads a little-endian word at absolute position p.
func (c *Core) LE16At(p int) uint16 {
	lo := c.At(p)
	hi := c.At(p + 1)
	return uint16(hi)<<8 | uint16(lo)
}

// BE16 reads a big-endian word at Pos+off.
func (c *Core) BE16(off int) uint16 {
	return c.BE16At(c.Pos + off)
}

// BE16At reads a big-endian word at absolute position p.
func (c *Core) BE16At(p int) uint16 {
	hi := c.At(p)
	lo := c.At(p + 1)
	return uint16(hi)<<8 | uint16(lo)
}

// BE32At reads a big-endian double word at absolute position p.
func (c *Core) BE32At(p int) uint32 {
	return uint32(c.BE16At(p))<<16 | uint32(c.BE16At(p+2))
}

// VLQ reads a variable-length quantity at Pos and advances past it.
func (c *Core) VLQ() uint32 {
	if !c.InRange(c.Pos) {
		return uint32(c.fail(c.Pos))
	}
	v, n, err := vlq.Decode(c.Data[c.Pos:c.End])
	c.Pos += n
	switch {
	case errors.Is(err, vlq.ErrShort):
		c.fail(c.Pos)
	case err != nil:
		c.Warn("bad variable-length value: %v", err)
	}
	return v
}

// ScanTo returns the position of the first byte at or after p for which
// stop reports true, or End when there is none.
func (c *Core) ScanTo(p int, stop func(b byte) bool) int {
	for ; p < c.End; p++ {
		if p >= 0 && stop(c.Data[p]) {
			return p
		}
	}
	return c.End
}
