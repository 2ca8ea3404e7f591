package engine

// Machine is a format's state for one walk over one track.
type Machine interface {
	Cursor() *Core
}

// Op is one command of a format's bytecode. Exec runs the command with the
// cursor on its first byte, advances the cursor and returns the ticks it
// consumes.
type Op[S Machine] struct {
	Name string
	Exec func(s S, cmd byte) uint32
}

// Table maps command bytes to operations. One table serves the measuring
// passes and the transcoding pass.
type Table[S Machine] [256]Op[S]

// Set registers fn for cmd.
func (t *Table[S]) Set(cmd byte, name string, fn func(S, byte) uint32) {
	t[cmd] = Op[S]{Name: name, Exec: fn}
}

// Range registers fn for every command from lo to hi inclusive.
func (t *Table[S]) Range(lo, hi byte, name string, fn func(S, byte) uint32) {
	for c := int(lo); c <= int(hi); c++ {
		t[c] = Op[S]{Name: name, Exec: fn}
	}
}

// Skip registers a command that only advances the cursor by n bytes.
func (t *Table[S]) Skip(cmd byte, name string, n int) {
	t.Set(cmd, name, func(s S, _ byte) uint32 {
		s.Cursor().Pos += n
		return 0
	})
}

// Name returns the registered name of cmd, or "".
func (t *Table[S]) Name(cmd byte) string {
	return t[cmd].Name
}

// Interp runs a table over a track.
type Interp[S Machine] struct {
	Table *Table[S]
	// Before runs ahead of every command, with OpPos already set.
	Before func(s S)
	// Route picks the operation for cmd. Nil means Table[cmd].
	Route func(s S, cmd byte) *Op[S]
	// Unknown runs for commands without an operation, before the track is
	// ended.
	Unknown func(s S, cmd byte)
}

// Run executes commands until the walk ends. Measuring passes also stop
// on reaching the master loop offset.
func (in *Interp[S]) Run(s S) {
	c := s.Cursor()
	for !c.ended {
		if !c.InRange(c.Pos) {
			break
		}
		if c.Desc.HasLoop() && c.Pos == c.Desc.LoopOffset {
			if c.Pass == PassLoopTick || (c.Pass == PassLoopLength && c.steps > 0) {
				break
			}
		}
		if c.MaxSteps > 0 && c.steps >= c.MaxSteps {
			c.Warn("command limit of %d reached", c.MaxSteps)
			break
		}
		c.steps++

		c.OpPos = c.Pos
		if in.Before != nil {
			in.Before(s)
			if c.ended {
				break
			}
		}
		cmd := c.Data[c.Pos]
		var op *Op[S]
		if in.Route != nil {
			op = in.Route(s, cmd)
		} else {
			op = &in.Table[cmd]
		}
		if op == nil || op.Exec == nil {
			c.Warn("unknown command 0x%02X", cmd)
			if in.Unknown != nil {
				in.Unknown(s, cmd)
			}
			c.ended = true
			break
		}
		c.Wait(op.Exec(s, cmd))
	}
}

// Factory creates the machine for one walk.
type Factory func(desc *Descriptor, pass Pass) Runner

// Runner is a machine that can run its walk.
type Runner interface {
	Machine
	Run()
}

// Preparse measures desc: total ticks, master loop offset and the tick at
// which the loop starts. Tracks that cannot be walked, including tracks
// whose commands run past the end of the data, end up with zero length and
// no loop.
func Preparse(newRunner Factory, desc *Descriptor) {
	desc.LoopOffset = NoLoop
	desc.TickLength = 0
	desc.LoopTick = 0

	r := newRunner(desc, PassMeasure)
	r.Run()
	c := r.Cursor()
	if c.Truncated() {
		desc.LoopOffset = NoLoop
		return
	}
	desc.TickLength = c.Ticks
	if !desc.HasLoop() || c.loopTick {
		return
	}

	r = newRunner(desc, PassLoopTick)
	r.Run()
	desc.LoopTick = r.Cursor().Ticks
}

// PreparseLoopLength measures one pass of the master loop by walking from
// the loop offset until it is reached again.
func PreparseLoopLength(newRunner Factory, desc *Descriptor) uint32 {
	if !desc.HasLoop() {
		return 0
	}
	r := newRunner(desc, PassLoopLength)
	r.Run()
	return r.Cursor().Ticks
}
