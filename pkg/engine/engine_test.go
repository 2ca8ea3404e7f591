package engine

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/james-see/chiptune2midi/pkg/logger"
	"github.com/james-see/chiptune2midi/pkg/midiout"
)

// toy is a minimal bytecode used to exercise the engine:
//
//	01..7F     wait n ticks
//	80 n       loop start, n passes (0 = infinite)
//	81         loop end
//	90 lo hi   jump to absolute offset; backwards is the master loop
//	91 lo hi   unconditional goto
//	FF         end
type toy struct {
	*Core
	loops *Stack[Frame]
}

var toyTable Table[*toy]

var toyInterp = Interp[*toy]{Table: &toyTable}

func init() {
	toyTable.Range(0x01, 0x7F, "wait", func(t *toy, cmd byte) uint32 {
		t.Pos++
		return uint32(cmd)
	})
	toyTable.Set(0x80, "loop start", func(t *toy, _ byte) uint32 {
		f := Frame{Max: uint16(t.U8(1)), Pos: t.Pos + 2, Tick: t.Ticks}
		t.Pos += 2
		if err := t.loops.Push(f); err != nil {
			t.Warn("loop start: %v", err)
		}
		return 0
	})
	toyTable.Set(0x81, "loop end", func(t *toy, _ byte) uint32 {
		t.Pos++
		f, ok := t.loops.Pop()
		if !ok {
			t.Warn("loop end without loop start")
			return 0
		}
		if f.Max == 0 {
			if t.Pass == PassMeasure {
				t.FoundLoopAt(f.Pos, f.Tick)
				return 0
			}
			if !t.MasterLoop(true) {
				t.Finish()
				return 0
			}
			t.Pos = f.Pos
			_ = t.loops.Push(f)
			return 0
		}
		f.Count++
		if f.Count < f.Max {
			t.Pos = f.Pos
			_ = t.loops.Push(f)
		}
		return 0
	})
	toyTable.Set(0x90, "jump", func(t *toy, _ byte) uint32 {
		dst := int(t.LE16(1))
		t.Pos += 3
		if dst >= t.Pos {
			t.Pos = dst
			return 0
		}
		if t.Pass == PassMeasure {
			t.FoundLoop(dst)
			return 0
		}
		if t.MasterLoop(true) {
			t.Pos = dst
		} else {
			t.Finish()
		}
		return 0
	})
	toyTable.Set(0x91, "goto", func(t *toy, _ byte) uint32 {
		t.Pos = int(t.LE16(1))
		return 0
	})
	toyTable.Set(0xFF, "end", func(t *toy, _ byte) uint32 {
		t.Finish()
		return 0
	})
}

func (t *toy) Run() {
	toyInterp.Run(t)
}

func toyFactory(data []byte) Factory {
	return func(desc *Descriptor, pass Pass) Runner {
		return &toy{
			Core:  NewCore(data, desc, pass, nil, logger.Discard()),
			loops: NewLoopStack(),
		}
	}
}

func TestPreparse(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		start      int
		wantTicks  uint32
		wantLoop   int
		wantLoopAt uint32
	}{
		{"linear", []byte{0x0A, 0x14, 0xFF}, 0, 30, NoLoop, 0},
		{"end of data", []byte{0x0A, 0x14}, 0, 30, NoLoop, 0},
		{"jump loop", []byte{0x05, 0x0A, 0x14, 0x90, 0x01, 0x00}, 0, 35, 1, 5},
		{"forward jump", []byte{0x05, 0x90, 0x05, 0x00, 0x40, 0x06, 0xFF}, 0, 11, NoLoop, 0},
		{"finite loops", []byte{0x80, 0x03, 0x80, 0x02, 0x01, 0x81, 0x81, 0xFF}, 0, 6, NoLoop, 0},
		{"infinite loop", []byte{0x04, 0x80, 0x00, 0x08, 0x81}, 0, 12, 3, 4},
		{"start out of range", []byte{0x01}, 5, 0, NoLoop, 0},
		{"truncated", []byte{0x03, 0x80}, 0, 0, NoLoop, 0},
		{"truncated after loop", []byte{0x04, 0x80, 0x00, 0x08, 0x90, 0x01}, 0, 0, NoLoop, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := NewDescriptor(0, tt.start)
			Preparse(toyFactory(tt.data), desc)
			if desc.TickLength != tt.wantTicks {
				t.Errorf("TickLength = %d, want %d", desc.TickLength, tt.wantTicks)
			}
			if desc.LoopOffset != tt.wantLoop {
				t.Errorf("LoopOffset = %d, want %d", desc.LoopOffset, tt.wantLoop)
			}
			if desc.LoopTick != tt.wantLoopAt {
				t.Errorf("LoopTick = %d, want %d", desc.LoopTick, tt.wantLoopAt)
			}
			if desc.HasLoop() {
				if got := PreparseLoopLength(toyFactory(tt.data), desc); got != desc.LoopTicks() {
					t.Errorf("loop length = %d, want %d", got, desc.LoopTicks())
				}
			}
		})
	}
}

func TestTruncatedRead(t *testing.T) {
	desc := NewDescriptor(0, 0)
	r := toyFactory([]byte{0x02, 0x90, 0x00})(desc, PassTranscode)
	r.Run()
	c := r.Cursor()
	if !c.Truncated() || !c.Ended() {
		t.Fatalf("expected truncated walk")
	}
	if len(c.Warnings) != 1 || c.Warnings[0].Offset != 1 {
		t.Errorf("unexpected warnings: %v", c.Warnings)
	}
	if c.Ticks != 2 {
		t.Errorf("ticks = %d, want 2", c.Ticks)
	}
}

func TestUnknownCommand(t *testing.T) {
	data := []byte{0x10, 0x10, 0xA5, 0x10, 0xFF}
	desc := NewDescriptor(3, 0)
	r := toyFactory(data)(desc, PassTranscode)
	r.Run()
	c := r.Cursor()
	if len(c.Warnings) != 1 {
		t.Fatalf("warnings = %v, want one", c.Warnings)
	}
	w := c.Warnings[0]
	if w.Track != 3 || w.Offset != 2 || w.Opcode != 0xA5 {
		t.Errorf("warning = %+v", w)
	}
	if c.Ticks != 0x20 {
		t.Errorf("ticks = %d, want 32", c.Ticks)
	}
}

func TestStepLimit(t *testing.T) {
	desc := NewDescriptor(0, 0)
	r := toyFactory([]byte{0x91, 0x00, 0x00})(desc, PassMeasure)
	r.Cursor().MaxSteps = 100
	r.Run()
	if got := r.Cursor().steps; got != 100 {
		t.Errorf("steps = %d, want 100", got)
	}
}

func TestLoopStackOverflow(t *testing.T) {
	var data []byte
	for i := 0; i < LoopDepth+1; i++ {
		data = append(data, 0x80, 0x01)
	}
	data = append(data, 0x01, 0xFF)
	desc := NewDescriptor(0, 0)
	r := toyFactory(data)(desc, PassTranscode)
	r.Run()
	c := r.Cursor()
	if len(c.Warnings) != 1 {
		t.Errorf("warnings = %v, want one overflow", c.Warnings)
	}
	if c.Ticks != 1 {
		t.Errorf("ticks = %d, want 1", c.Ticks)
	}
}

func TestTranscodeMasterLoop(t *testing.T) {
	data := []byte{0x05, 0x0A, 0x14, 0x90, 0x01, 0x00}
	f := toyFactory(data)
	desc := NewDescriptor(0, 0)
	Preparse(f, desc)
	desc.Repeats = 2

	out := midiout.NewTrack()
	r := &toy{Core: NewCore(data, desc, PassTranscode, out, logger.Discard()), loops: NewLoopStack()}
	r.Run()
	if r.Ticks != 5+30+30 {
		t.Errorf("ticks = %d, want 65", r.Ticks)
	}
	var markers []byte
	for _, ev := range out.Events() {
		msg := ev.Message
		if len(msg) == 3 && msg[0]&0xF0 == 0xB0 && msg[1] == midiout.CtrlLoop {
			markers = append(markers, msg[2])
		}
	}
	if len(markers) != 2 || markers[0] != 1 || markers[1] != 2 {
		t.Errorf("loop markers = %v, want [1 2]", markers)
	}
}

func TestStack(t *testing.T) {
	s := NewStack[int](2)
	if err := s.Push(1); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(2); err != nil {
		t.Fatal(err)
	}
	if err := s.Push(3); !errors.Is(err, ErrStackFull) {
		t.Errorf("Push on full stack = %v, want ErrStackFull", err)
	}
	if got := s.Find(func(v *int) bool { return *v == 1 }); got != 0 {
		t.Errorf("Find = %d, want 0", got)
	}
	if v, ok := s.Pop(); !ok || v != 2 {
		t.Errorf("Pop = %d %v", v, ok)
	}
	s.Truncate(0)
	if _, ok := s.Pop(); ok {
		t.Error("Pop on empty stack succeeded")
	}
	if s.Peek() != nil {
		t.Error("Peek on empty stack returned an item")
	}
}

func TestReturns(t *testing.T) {
	var r Returns
	if _, ok := r.Return(0); ok {
		t.Error("Return on empty slot succeeded")
	}
	if err := r.Call(1, 0x40); err != nil {
		t.Fatal(err)
	}
	if err := r.Call(ReturnDepth, 0x40); !errors.Is(err, ErrBadSlot) {
		t.Errorf("Call beyond depth = %v", err)
	}
	if pos, ok := r.Return(1); !ok || pos != 0x40 {
		t.Errorf("Return = %X %v", pos, ok)
	}
	if _, ok := r.Return(1); ok {
		t.Error("slot was not cleared")
	}
}

func TestLoopLengthProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("tick length equals loop tick plus loop length", prop.ForAll(
		func(delays []uint8, target int) bool {
			data := append([]byte{}, delays...)
			data = append(data, 0x90, byte(target), 0x00)
			f := toyFactory(data)
			desc := NewDescriptor(0, 0)
			Preparse(f, desc)
			if desc.LoopOffset != target {
				return false
			}
			return desc.TickLength == desc.LoopTick+PreparseLoopLength(f, desc)
		},
		gen.SliceOfN(16, gen.UInt8Range(0x01, 0x7F)),
		gen.IntRange(0, 15),
	))

	properties.TestingRun(t)
}
