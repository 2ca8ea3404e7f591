package formats

import (
	"bytes"
	"fmt"

	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/engine"
	"github.com/james-see/chiptune2midi/pkg/ledger"
	"github.com/james-see/chiptune2midi/pkg/midiout"
	"github.com/james-see/chiptune2midi/pkg/modulation"
	"github.com/james-see/chiptune2midi/pkg/textenc"
)

// MDC sequences start with "MDC\x1A". The header points to the song title
// and to a table of tracks, each with its own channel; delays and lengths
// are variable-length quantities. Super Real Mahjong P4 uses them.
type MDC struct{}

const (
	mdcHeaderSize = 0x30
	mdcMaxTracks  = 0x20
	mdcResolution = 48 // used when the header holds none
	mdcChordLen   = 0x10000
	mdcHeldLen    = 0xFFFF
	mdcDefaultPB  = 12
	mdcDefaultExp = 106
)

var mdcMagic = []byte("MDC\x1A")

// bits of Descriptor.UseFlags
const (
	mdcUseEarlyExpr uint16 = 0x010 // expression set before the first note
)

// portamento state
const (
	mdcPortaPrepare uint8 = 0x01
	mdcPortaActive  uint8 = 0x02 // the note bends from the previous one
)

var mdcPanLUT = [4]uint8{0x40, 0x00, 0x7F, 0x40}

func (MDC) Name() string        { return "MDC" }
func (MDC) ID() string          { return "mdc" }
func (MDC) Description() string { return "MDC sequencer (Super Real Mahjong P4)" }
func (MDC) Extensions() []string {
	return []string{".mdc"}
}

func (MDC) Detect(data []byte) bool {
	return bytes.HasPrefix(data, mdcMagic)
}

func (MDC) Parse(data []byte, opts converter.Options) (converter.Song, error) {
	if len(data) < mdcHeaderSize {
		return nil, fmt.Errorf("%w: %d byte header, need %d", converter.ErrTruncated, len(data), mdcHeaderSize)
	}
	if !bytes.HasPrefix(data, mdcMagic) {
		return nil, fmt.Errorf("%w: % X", converter.ErrBadMagic, data[:4])
	}
	res := be16(data, 0x2C)
	s := &mdcSong{song: newSong(data, opts, res)}
	s.log = s.formatLog("mdc")
	if res == 0 {
		s.log.Warn("no resolution in header", "using", mdcResolution)
		s.res = mdcResolution
	}

	if p := int(be32(data, 0x14)); p > 0 && p < len(data) {
		title := bytes.TrimRightFunc(textenc.CString(data[p:]), func(r rune) bool { return r < 0x20 })
		s.title = textenc.Decode(title, opts.DecodeText)
	}

	base := int(be32(data, 0x10))
	if base < 0 || base+2 > len(data) {
		return nil, fmt.Errorf("%w: track table at 0x%04X", converter.ErrTruncated, base)
	}
	count := int(be16(data, base))
	if count > mdcMaxTracks {
		s.log.Warn("too many tracks", "declared", count, "used", mdcMaxTracks)
		count = mdcMaxTracks
	}
	for i := 0; i < count; i++ {
		p := base + 2 + i*8
		if p+8 > len(data) {
			s.log.Warn("early end of data", "tracks", i, "declared", count)
			break
		}
		start := base + int(be32(data, p))
		d := engine.NewDescriptor(i, start)
		d.Mode = data[p+5]
		d.Channel, d.Name = mdcChannel(d.Mode)
		if start >= len(data) {
			s.log.Warn("track starts past end of data", "track", i, "start", fmt.Sprintf("0x%04X", start))
			d.Start = -1
		}
		s.tracks = append(s.tracks, d)
	}
	if len(s.tracks) == 0 {
		return nil, converter.ErrNoTracks
	}
	return s, nil
}

func be32(b []byte, p int) uint32 {
	return uint32(be16(b, p))<<16 | uint32(be16(b, p+2))
}

// mdcChannel maps a channel ID to the MIDI channel and track name.
func mdcChannel(id uint8) (uint8, string) {
	switch {
	case id&0x80 != 0:
		return id & 0x0F, fmt.Sprintf("MIDI %d", id&0x0F+1)
	case id&0xF0 == 0x00:
		return id & 0x0F, fmt.Sprintf("FM %d", id&0x0F+1)
	case id&0xF0 == 0x10:
		return midiout.DrumChannel, "PCM"
	default:
		return id & 0x0F, fmt.Sprintf("Channel %02X", id)
	}
}

// mdcTempo converts BPM to microseconds per quarter. The driver counts
// 48 ticks per beat.
func mdcTempo(bpm, res uint16) uint32 {
	if bpm == 0 {
		return 500000
	}
	return uint32(uint64(60000000/48) * uint64(res) / uint64(bpm))
}

type mdcSong struct {
	song
}

func (s *mdcSong) factory(d *engine.Descriptor, pass engine.Pass) engine.Runner {
	return s.newTrack(d, pass, nil)
}

func (s *mdcSong) Measure(d *engine.Descriptor) {
	d.UseFlags = 0
	if d.Start < 0 {
		return
	}
	engine.Preparse(s.factory, d)
}

func (s *mdcSong) Conductor(out *midiout.Track) {
	if s.title != "" {
		out.TrackName(s.title)
	}
}

func (s *mdcSong) Transcode(d *engine.Descriptor, out *midiout.Track) []engine.Warning {
	if d.Start < 0 {
		return nil
	}
	t := s.newTrack(d, engine.PassTranscode, out)
	s.trackName(t.Out, d.Name)
	if d.UseFlags&mdcUseEarlyExpr == 0 {
		t.Out.Control(0x0B, t.expr)
	}
	t.Run()
	t.notes.Extend(t.Out.Delay+mdcChordLen, t.Out.Delay)
	t.notes.Flush(t.Out, &t.Out.Delay, false)
	return t.Warnings
}

type mdcTrack struct {
	*engine.Core
	song  *mdcSong
	opts  *converter.Options
	notes *ledger.Ledger

	prefixed  bool // previous command was the long note prefix
	exprLUT   bool // expression set through the 16-step table
	noteSeen  bool
	loopMark  bool
	vel       uint8
	expr      uint8
	lenMod    int8
	bendRange uint8
	detune    int16
	lastPB    int16

	porta      uint8
	portaDelta int8
	portaBase  uint8

	slide      modulation.BendSlide
	slideStart uint32 // absolute tick the slide was started at

	loops *engine.Stack[engine.Frame]
}

func (s *mdcSong) newTrack(d *engine.Descriptor, pass engine.Pass, out *midiout.Track) *mdcTrack {
	t := &mdcTrack{
		Core:      engine.NewCore(s.data, d, pass, out, s.log),
		song:      s,
		opts:      &s.opts,
		notes:     ledger.New(ledger.DefaultMax),
		vel:       0x7F,
		expr:      mdcDefaultExp,
		bendRange: mdcDefaultPB,
		portaBase: 0xFF,
		loops:     engine.NewLoopStack(),
	}
	t.Out.Channel = d.Channel
	if pass == engine.PassTranscode {
		t.Out.OnDelay = t.notes.Handler(t.Out)
	}
	return t
}

var (
	mdcTable  engine.Table[*mdcTrack]
	mdcInterp = engine.Interp[*mdcTrack]{Table: &mdcTable}
)

func init() {
	mdcTable.Range(0x00, 0x7F, "note", (*mdcTrack).cmdNote)
	mdcTable.Set(0x80, "delay", (*mdcTrack).cmdDelay)
	mdcTable.Set(0x81, "long note", (*mdcTrack).cmdLongNote)
	mdcTable.Set(0x86, "portamento", (*mdcTrack).cmdPortamento)
	mdcTable.Set(0x88, "loop start", (*mdcTrack).cmdLoopStart)
	mdcTable.Set(0x89, "loop end", (*mdcTrack).cmdLoopEnd)
	mdcTable.Set(0x8A, "loop exit", (*mdcTrack).cmdLoopExit)
	mdcTable.Set(0x8C, "unknown 8C", (*mdcTrack).cmd8C)
	mdcTable.Set(0xA0, "velocity", (*mdcTrack).cmdVelocity)
	mdcTable.Set(0xA2, "expression", (*mdcTrack).cmdExpression)
	mdcTable.Set(0xA3, "expression add", (*mdcTrack).cmdExpressionAdd)
	mdcTable.Set(0xA6, "pan", (*mdcTrack).cmdPan)
	mdcTable.Set(0xAA, "pitch bend range", (*mdcTrack).cmdBendRange)
	mdcTable.Set(0xAC, "detune", (*mdcTrack).cmdDetune)
	mdcTable.Set(0xAE, "note length", (*mdcTrack).cmdNoteLength)
	mdcTable.Set(0xB0, "detune word", (*mdcTrack).cmdDetune)
	mdcTable.Set(0xB8, "pitch slide", (*mdcTrack).cmdPitchSlide)
	mdcTable.Set(0xE0, "instrument", (*mdcTrack).cmdInstrument)
	mdcTable.Set(0xEC, "control change", (*mdcTrack).cmdControl)
	mdcTable.Set(0xEF, "channel mode", (*mdcTrack).cmdChannelMode)
	mdcTable.Set(0xF0, "tempo", (*mdcTrack).cmdTempo)
	mdcTable.Set(0xFA, "raw MIDI", (*mdcTrack).cmdRaw)
	mdcTable.Set(0xFE, "jump", (*mdcTrack).cmdJump)

	mdcInterp.Before = (*mdcTrack).before
	// after the prefix any byte is a key
	mdcInterp.Route = func(t *mdcTrack, cmd byte) *engine.Op[*mdcTrack] {
		if t.prefixed {
			return &mdcTable[0x00]
		}
		return &mdcTable[cmd]
	}
}

func (t *mdcTrack) Run() {
	mdcInterp.Run(t)
}

func (t *mdcTrack) before() {
	if !t.Transcoding() {
		return
	}
	if t.slide.Active() {
		t.slideBends()
	}
	if t.AtLoop() && !t.loopMark && t.MasterLoops == 0 {
		t.loopMark = true
		t.Out.LoopMarker(0)
	}
}

// now returns the absolute tick of the next event.
func (t *mdcTrack) now() uint32 {
	return t.Out.Tick() + t.Out.Delay
}

// bendBase is the pitch bend without the slide.
func (t *mdcTrack) bendBase() int32 {
	v := int32(t.detune)
	if t.bendRange != 0 {
		v += int32(t.portaDelta) * 0x2000 / int32(t.bendRange)
	}
	return v
}

// updateBend writes the pitch bend if it changed.
func (t *mdcTrack) updateBend() {
	pb := int16(t.bendBase() + t.slide.Offset())
	if pb != t.lastPB {
		t.lastPB = pb
		t.Out.PitchBend(modulation.Clamp14(int32(pb)))
	}
}

// slideBends writes the slide steps that fall into the pending delay, one
// tick apart starting the tick after the slide command. The final step
// only ends the slide.
func (t *mdcTrack) slideBends() {
	out := t.Out
	end := t.now()
	base := t.bendBase()
	for t.slide.Active() {
		at := t.slideStart + uint32(t.slide.Pos()) + 1
		if at > end {
			break
		}
		off, last := t.slide.Step()
		pb := int16(base + off)
		if last || pb == t.lastPB {
			continue
		}
		out.Delay = at - min(at, out.Tick())
		t.lastPB = pb
		out.PitchBend(modulation.Clamp14(int32(pb)))
	}
	out.Delay = end - min(end, out.Tick())
}

// noteLength applies the note length modifier.
func (t *mdcTrack) noteLength(n uint32) uint32 {
	switch {
	case t.lenMod > 0:
		if n > 0 {
			n = (n-1)*uint32(t.lenMod)/8 + 1
		}
	case t.lenMod < 0:
		if cut := uint32(-int32(t.lenMod)); cut < n {
			n -= cut
		} else {
			n = 1
		}
	}
	return n
}

func (t *mdcTrack) cmdNote(cmd byte) uint32 {
	var length, delay uint32
	vel := t.vel
	if t.prefixed {
		t.prefixed = false
		t.Pos++
		length = t.VLQ()
		delay = length
	} else {
		b := t.U8(1)
		t.Pos += 2
		if b&0x80 != 0 {
			length = uint32(b & 0x7F)
			delay = length
		} else {
			if b != 0 {
				vel = b
			}
			length = t.VLQ()
			delay = t.VLQ()
		}
	}
	t.noteSeen = true
	if !t.Transcoding() {
		return delay
	}

	key := cmd & 0x7F
	length = t.noteLength(length)
	if t.porta&mdcPortaPrepare != 0 {
		length = mdcHeldLen
	}
	if length == 0 {
		// chord note: takes the length of the chord's last note
		length = mdcChordLen
	} else {
		t.portaDelta = 0
		if t.porta&mdcPortaActive != 0 && t.portaBase != 0xFF {
			t.portaDelta = int8(key - t.portaBase)
		}
		t.updateBend()
	}

	t.notes.CheckExpiring(t.Out, &t.Out.Delay)
	ch := t.Out.Channel
	if t.porta&mdcPortaActive != 0 {
		// the held note bends to the new key
		if n := t.notes.Find(ch, t.portaBase); n != nil {
			n.Remaining = t.Out.Delay + length
		}
	} else if n := t.notes.Find(ch, key); n != nil {
		n.Remaining = t.Out.Delay + length
	} else {
		if t.notes.Add(ch, key, 0x80, length) == nil {
			t.Debug("note dropped, more than %d notes at once", ledger.DefaultMax)
		} else {
			t.Out.NoteOn(key, vel)
		}
		t.portaBase = key
	}

	if delay > 0 {
		t.notes.Extend(t.Out.Delay+mdcChordLen, t.Out.Delay+length)
		if t.porta&mdcPortaActive != 0 {
			t.notes.Each(func(n *ledger.Note) {
				n.Remaining = t.Out.Delay + length
			})
		}
		// chord notes keep the portamento state
		t.porta = (t.porta << 1) & 0x03
	}
	return delay
}

func (t *mdcTrack) cmdDelay(_ byte) uint32 {
	t.Pos++
	if t.Transcoding() {
		// unfinished chords end here
		t.notes.Extend(t.Out.Delay+mdcChordLen, t.Out.Delay)
		t.porta = (t.porta << 1) & 0x03
	}
	return t.VLQ()
}

func (t *mdcTrack) cmdLongNote(_ byte) uint32 {
	t.prefixed = true
	t.Pos++
	return 0
}

func (t *mdcTrack) cmdPortamento(_ byte) uint32 {
	t.porta |= mdcPortaPrepare
	t.Pos++
	return 0
}

func (t *mdcTrack) cmdLoopStart(_ byte) uint32 {
	count := t.U8(1)
	t.Pos += 3
	if err := t.loops.Push(engine.Frame{Pos: t.Pos, Count: uint16(count)}); err != nil {
		t.Warn("loop start: %v", err)
	}
	return 0
}

// cmdLoopEnd ignores its pointer to the loop start. A count of 0 wraps
// around.
func (t *mdcTrack) cmdLoopEnd(_ byte) uint32 {
	f := t.loops.Peek()
	if f == nil {
		t.Warn("loop end without loop start")
		t.Finish()
		return 0
	}
	if f.End == 0 {
		f.End = t.Pos
	}
	t.Pos += 3
	f.Count = (f.Count - 1) & 0xFF
	if f.Count == 0 {
		t.loops.Pop()
	} else {
		t.Pos = f.Pos
	}
	return 0
}

// cmdLoopExit leaves the loop on its last pass by moving to the loop end.
func (t *mdcTrack) cmdLoopExit(_ byte) uint32 {
	f := t.loops.Peek()
	if f == nil {
		t.Warn("loop exit without loop start")
		t.Finish()
		return 0
	}
	t.Pos += 3
	if f.Count != 1 {
		return 0
	}
	if f.End == 0 {
		t.Warn("loop exit before the loop end is known")
		return 0
	}
	t.Pos = f.End
	return 0
}

func (t *mdcTrack) cmd8C(_ byte) uint32 {
	t.Info("ignored command 0x8C")
	t.Pos++
	return 0
}

// mdcLevel decodes a level byte. Values with bit 7 set are one of 16 steps.
func mdcLevel(b byte) (uint8, bool) {
	if b&0x80 != 0 {
		return (b&0x0F)*0x08 + 0x07, true
	}
	return b, false
}

func (t *mdcTrack) cmdVelocity(_ byte) uint32 {
	t.vel, _ = mdcLevel(t.U8(1))
	t.Pos += 2
	return 0
}

func (t *mdcTrack) cmdExpression(_ byte) uint32 {
	t.expr, t.exprLUT = mdcLevel(t.U8(1))
	t.Pos += 2
	if t.Pass == engine.PassMeasure && !t.noteSeen {
		t.Desc.UseFlags |= mdcUseEarlyExpr
	}
	t.Out.Control(0x0B, t.expr)
	return 0
}

func (t *mdcTrack) cmdExpressionAdd(_ byte) uint32 {
	t.Info("expression change")
	d := int16(t.S8(1))
	t.Pos += 2
	if t.exprLUT {
		idx := max(0, min(int16(t.expr/0x08)+d, 0x0F))
		t.expr = uint8(idx)*0x08 + 0x07
	} else {
		t.expr = uint8(max(0, min(int16(t.expr)+d, 0x7F)))
	}
	t.Out.Control(0x0B, t.expr)
	return 0
}

// cmdPan writes steps (bit 7 set) as hard left, right or centre.
func (t *mdcTrack) cmdPan(_ byte) uint32 {
	v := t.U8(1)
	t.Pos += 2
	if v&0x80 != 0 {
		v = mdcPanLUT[v&0x03]
	}
	t.Out.Control(0x0A, v)
	return 0
}

func (t *mdcTrack) cmdBendRange(_ byte) uint32 {
	t.bendRange = t.U8(1)
	t.Pos += 2
	t.Out.RPN(0, 0, t.bendRange)
	return 0
}

func (t *mdcTrack) cmdDetune(cmd byte) uint32 {
	if cmd == 0xB0 {
		t.detune = int16(t.BE16(1))
		t.Pos += 3
	} else {
		t.detune = int16(t.S8(1))
		t.Pos += 2
	}
	t.updateBend()
	return 0
}

func (t *mdcTrack) cmdNoteLength(_ byte) uint32 {
	t.lenMod = t.S8(1)
	t.Pos += 2
	if t.lenMod == 8 {
		t.lenMod = 0
	}
	return 0
}

func (t *mdcTrack) cmdPitchSlide(_ byte) uint32 {
	rng := int16(t.BE16(1))
	t.Pos += 3
	ticks := t.VLQ()
	t.slide.Start(rng, t.bendRange, uint16(min(ticks, 0xFFFF)))
	t.slideStart = t.now()
	return 0
}

func (t *mdcTrack) cmdInstrument(_ byte) uint32 {
	t.Out.Program(t.U8(1))
	t.Pos += 2
	return 0
}

func (t *mdcTrack) cmdControl(_ byte) uint32 {
	t.Out.Control(t.U8(1), t.U8(2))
	t.Pos += 3
	return 0
}

func (t *mdcTrack) cmdChannelMode(_ byte) uint32 {
	t.Info("channel mode %d", t.U8(1))
	t.Pos += 2
	return 0
}

func (t *mdcTrack) cmdTempo(_ byte) uint32 {
	bpm := t.BE16(1)
	t.Pos += 3
	t.Out.Tempo(mdcTempo(bpm, t.song.res))
	return 0
}

// cmdRaw sends raw MIDI data. Only SysEx messages are passed on.
func (t *mdcTrack) cmdRaw(_ byte) uint32 {
	t.Pos++
	n := int(t.VLQ())
	if t.Ended() {
		return 0
	}
	if n == 0 || !t.InRange(t.Pos+n-1) {
		t.Warn("raw MIDI data of %d bytes runs past the end", n)
		t.Finish()
		return 0
	}
	msg := t.Data[t.Pos : t.Pos+n]
	t.Pos += n
	if msg[0] != converter.SysExStart {
		t.Warn("unsupported raw MIDI command 0x%02X", msg[0])
		return 0
	}
	t.Out.SysEx(bytes.TrimSuffix(msg[1:], []byte{converter.SysExEnd}))
	return 0
}

// cmdJump ends the track on a zero offset. Any other jump is the master
// loop.
func (t *mdcTrack) cmdJump(_ byte) uint32 {
	ofs := int16(t.BE16(1))
	t.Pos += 3
	if ofs == 0 {
		t.Finish()
		return 0
	}
	dest := t.Pos + int(ofs)
	if t.Pass == engine.PassMeasure {
		t.FoundLoop(dest)
		return 0
	}
	if t.MasterLoop(true) {
		t.Pos = dest
	} else {
		t.Finish()
	}
	return 0
}
