package formats

import (
	"bytes"
	"fmt"

	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/engine"
	"github.com/james-see/chiptune2midi/pkg/ledger"
	"github.com/james-see/chiptune2midi/pkg/midiout"
	"github.com/james-see/chiptune2midi/pkg/textenc"
)

// GMD sequences are "GMD0" files of the PC-98 CSCP/SSCP MIDI drivers. The
// header is followed by seven item chunks, the first holding the song
// title, and a counted list of length-prefixed tracks.
type GMD struct{}

const (
	gmdChunkStart  = 0x20
	gmdChunks      = 7
	gmdTrackHeader = 0x10
	gmdResolution  = 48
	gmdMaxHops     = 0x10 // chained "repeat measure" references
	gmdMaxBar      = 0x8000
)

var gmdMagic = []byte("GMD0")

// bits of Descriptor.UseFlags
const (
	gmdUseJumpLoop uint16 = 0x001 // master loop found at a backward goto
)

var gmdPanLUT = [4]uint8{0x40, 0x01, 0x7F, 0x40}

func (GMD) Name() string        { return "GMD" }
func (GMD) ID() string          { return "gmd" }
func (GMD) Description() string { return "PC-98 CSCP/SSCP MIDI driver (GMD0)" }
func (GMD) Extensions() []string {
	return []string{".gmd"}
}

func (GMD) Detect(data []byte) bool {
	return bytes.HasPrefix(data, gmdMagic)
}

func (GMD) Parse(data []byte, opts converter.Options) (converter.Song, error) {
	if len(data) < gmdChunkStart {
		return nil, fmt.Errorf("%w: %d byte header, need %d", converter.ErrTruncated, len(data), gmdChunkStart)
	}
	if !bytes.HasPrefix(data, gmdMagic) {
		return nil, fmt.Errorf("%w: % X", converter.ErrBadMagic, data[:4])
	}
	s := &gmdSong{
		song:    newSong(data, opts, gmdResolution),
		version: le16(data, 0x04),
		tempo:   le16(data, 0x0A),
		timeNum: data[0x0C],
		timeDen: data[0x0D],
	}
	s.log = s.formatLog("gmd")

	pos := gmdChunkStart
	for i := 0; i < gmdChunks; i++ {
		c := readGMDChunk(data, &pos)
		if i == 0 && c.count >= 2 {
			end := min(c.data+int(c.count)-2, len(data))
			if c.data < end {
				s.title = textenc.Decode(textenc.CString(data[c.data:end]), opts.DecodeText)
			}
		}
	}
	if pos+2 > len(data) {
		return nil, fmt.Errorf("%w: track count at 0x%04X", converter.ErrTruncated, pos)
	}
	count := int(le16(data, pos))
	pos += 2

	for i := 0; i < count; i++ {
		if pos+gmdTrackHeader > len(data) {
			// the count may be wrong, keep what was read
			s.log.Warn("early end of data", "tracks", i, "declared", count)
			break
		}
		d := engine.NewDescriptor(i, pos)
		d.Mode = data[pos+2]
		d.Name = fmt.Sprintf("Track %d", d.Mode)
		s.tracks = append(s.tracks, d)
		pos += int(le16(data, pos))
	}
	return s, nil
}

type gmdChunk struct {
	count uint16
	mode  uint8
	size  uint8
	data  int
}

// readGMDChunk reads the chunk at *pos and moves *pos past it.
func readGMDChunk(data []byte, pos *int) gmdChunk {
	var c gmdChunk
	if *pos+2 > len(data) {
		return c
	}
	c.count = le16(data, *pos)
	*pos += 2
	if c.count == 0 || *pos+2 > len(data) {
		return c
	}
	c.mode = data[*pos]
	c.size = data[*pos+1]
	c.data = *pos + 2
	if c.mode == 0 {
		*pos += 2 + int(c.count)*int(c.size)
	} else {
		*pos += int(c.count)
	}
	return c
}

type gmdSong struct {
	song
	version uint16
	tempo   uint16
	timeNum uint8
	timeDen uint8
}

func (s *gmdSong) factory(d *engine.Descriptor, pass engine.Pass) engine.Runner {
	return s.newTrack(d, pass, nil)
}

func (s *gmdSong) Measure(d *engine.Descriptor) {
	d.UseFlags = 0
	engine.Preparse(s.factory, d)
}

func (s *gmdSong) Conductor(out *midiout.Track) {
	if s.title != "" {
		out.TrackName(s.title)
	}
	out.Tempo(midiout.TempoFromBPM(uint32(s.tempo), 0x40))
	out.TimeSignature(s.timeNum, s.timeDen)
}

func (s *gmdSong) Transcode(d *engine.Descriptor, out *midiout.Track) []engine.Warning {
	t := s.newTrack(d, engine.PassTranscode, out)
	t.checkHeader()
	t.Run()
	t.notes.Flush(t.Out, &t.Out.Delay, false)
	return t.Warnings
}

// gmdTempo is the tempo and tempo slide state. The driver slides one BPM
// every step ticks until dest is reached.
type gmdTempo struct {
	song    uint16
	cur     uint16
	dest    uint16
	mod     uint16 // 0x40 = 100%
	destMod uint16
	step    uint8
	next    uint32
	dir     int8
}

type gmdTrack struct {
	*engine.Core
	song  *gmdSong
	opts  *converter.Options
	notes *ledger.Ledger

	start    int // track header offset, base of all jump targets
	parent   int // return position of a "repeat measure", 0 if none
	bar      uint16
	noteMode uint8
	transp   uint8

	vel, velAcc    uint8
	vol, volAcc    uint8
	pan            uint8
	lenMul, lenSub uint8
	sustain        uint8

	detune   int16
	pbDetune int16
	pb       uint16

	swMod     uint8
	swModStep int32

	rpn    [4]uint8
	syxHdr [2]uint8
	tempo  gmdTempo
	loops  *engine.Stack[engine.Frame]
}

func (s *gmdSong) newTrack(d *engine.Descriptor, pass engine.Pass, out *midiout.Track) *gmdTrack {
	t := &gmdTrack{
		Core:   engine.NewCore(s.data, d, pass, out, s.log),
		song:   s,
		opts:   &s.opts,
		notes:  ledger.New(ledger.DefaultMax),
		start:  d.Start,
		vel:    100,
		velAcc: 6,
		vol:    100,
		volAcc: 6,
		pan:    0x40,
		lenMul: 0x10,
		lenSub: 2,
		pb:     0x2000,
		rpn:    [4]uint8{0xFF, 0xFF, 0xFF, 0xFF},
		syxHdr: [2]uint8{0x10, 0x42},
		tempo: gmdTempo{
			song:    s.tempo,
			cur:     s.tempo,
			dest:    s.tempo,
			mod:     0x40,
			destMod: 0x40,
		},
		loops: engine.NewLoopStack(),
	}
	t.End = min(d.Start+int(le16(s.data, d.Start)), len(s.data))
	if pass != engine.PassLoopLength {
		t.Pos = d.Start + gmdTrackHeader
		delay := uint32(s.data[d.Start+5])
		t.Ticks = delay
		t.Out.Delay = delay
	}
	if pass == engine.PassTranscode {
		t.Out.OnDelay = t.notes.Handler(t.Out)
	}
	return t
}

var (
	gmdTable  engine.Table[*gmdTrack]
	gmdInterp = engine.Interp[*gmdTrack]{Table: &gmdTable}
)

func init() {
	gmdTable.Range(0x00, 0x7F, "note", (*gmdTrack).cmdNote)
	gmdTable.Set(0x80, "rest", (*gmdTrack).cmdRest)
	gmdTable.Set(0x81, "delay", (*gmdTrack).cmdDelay)
	gmdTable.Set(0x82, "note off", (*gmdTrack).cmdNoteOffs)
	gmdTable.Set(0x83, "note on", (*gmdTrack).cmdNoteOns)
	gmdTable.Set(0x84, "length multiplier", (*gmdTrack).cmdLengthMul)
	gmdTable.Set(0x85, "length subtraction", (*gmdTrack).cmdLengthSub)
	gmdTable.Set(0x86, "detune", (*gmdTrack).cmdDetune)
	gmdTable.Set(0x87, "detune add", (*gmdTrack).cmdDetune)
	gmdTable.Set(0x88, "transpose", (*gmdTrack).cmdTranspose)
	gmdTable.Set(0x89, "transpose add", (*gmdTrack).cmdTransposeAdd)
	gmdTable.Set(0x8A, "pitch bend reset", (*gmdTrack).cmdPitchBend)
	gmdTable.Set(0x8B, "pitch bend", (*gmdTrack).cmdPitchBend)
	gmdTable.Set(0x8C, "pitch bend add", (*gmdTrack).cmdPitchBend)
	gmdTable.Set(0x8D, "portamento up", (*gmdTrack).cmdPortamento)
	gmdTable.Set(0x8E, "portamento down", (*gmdTrack).cmdPortamento)
	gmdTable.Set(0x8F, "sustain", (*gmdTrack).cmdSustain)
	gmdTable.Set(0x90, "volume", (*gmdTrack).cmdVolume)
	gmdTable.Set(0x91, "volume add", (*gmdTrack).cmdVolume)
	gmdTable.Set(0x92, "velocity", (*gmdTrack).cmdVelocity)
	gmdTable.Set(0x93, "velocity add", (*gmdTrack).cmdVelocity)
	gmdTable.Skip(0x95, "unknown 95", 2)
	gmdTable.Skip(0x96, "unknown 96", 2)
	gmdTable.Skip(0x97, "unknown 97", 4)
	gmdTable.Set(0x98, "tempo", (*gmdTrack).cmdTempo)
	gmdTable.Set(0x9A, "tempo modifier", (*gmdTrack).cmdTempoMod)
	gmdTable.Set(0x9C, "instrument", (*gmdTrack).cmdInstrument)
	gmdTable.Set(0x9D, "banked instrument", (*gmdTrack).cmdBankedInstrument)
	gmdTable.Set(0x9E, "note aftertouch", (*gmdTrack).cmdPolyPressure)
	gmdTable.Set(0x9F, "channel aftertouch", (*gmdTrack).cmdChannelPressure)
	gmdTable.Set(0xA0, "pan index", (*gmdTrack).cmdPanIndex)
	gmdTable.Set(0xA1, "pan", (*gmdTrack).cmdPan)
	gmdTable.Set(0xA2, "pan add", (*gmdTrack).cmdPanAdd)
	gmdTable.Set(0xA4, "modulation", (*gmdTrack).cmdModulation)
	gmdTable.Set(0xA5, "soft modulation switch", (*gmdTrack).cmdSoftModSwitch)
	gmdTable.Set(0xA7, "soft modulation", (*gmdTrack).cmdSoftMod)
	gmdTable.Set(0xAC, "FM register", (*gmdTrack).cmdRegister)
	gmdTable.Set(0xAD, "FM channel register", (*gmdTrack).cmdRegister)
	gmdTable.Set(0xAE, "control change", (*gmdTrack).cmdControl)
	gmdTable.Set(0xAF, "sysex", (*gmdTrack).cmdSysEx)
	gmdTable.Set(0xB0, "pitch bend range", (*gmdTrack).cmdBendRange)
	gmdTable.Set(0xB1, "RPN", (*gmdTrack).cmdRPN)
	gmdTable.Set(0xB3, "NRPN", (*gmdTrack).cmdRPN)
	gmdTable.Set(0xB5, "Roland device", (*gmdTrack).cmdRolandDevice)
	gmdTable.Set(0xB6, "Roland sysex", (*gmdTrack).cmdRolandSysEx)
	gmdTable.Set(0xB7, "GS reset", (*gmdTrack).cmdGSReset)
	gmdTable.Set(0xB8, "expression", gmdCtrlArg(0x0B))
	gmdTable.Set(0xE0, "channel", (*gmdTrack).cmdChannel)
	gmdTable.Set(0xE1, "note mode", (*gmdTrack).cmdNoteMode)
	gmdTable.Skip(0xE2, "unknown E2", 2)
	gmdTable.Skip(0xE3, "unknown E3", 2)
	gmdTable.Set(0xE5, "repeat measure", (*gmdTrack).cmdRepeatMeasure)
	gmdTable.Set(0xE6, "loop A start", (*gmdTrack).cmdLoopStart)
	gmdTable.Set(0xE7, "loop A end", (*gmdTrack).cmdLoopEnd)
	gmdTable.Set(0xE8, "loop B start", (*gmdTrack).cmdLoopStart)
	gmdTable.Set(0xE9, "loop B end", (*gmdTrack).cmdLoopEnd)
	gmdTable.Set(0xEA, "loop exit", (*gmdTrack).cmdLoopExit)
	gmdTable.Set(0xEC, "goto", (*gmdTrack).cmdGoto)
	gmdTable.Set(0xED, "loop flag", (*gmdTrack).cmdLoopFlag)
	gmdTable.Skip(0xEE, "nop", 1)
	gmdTable.Skip(0xEF, "tie", 1)
	gmdTable.Skip(0xF7, "fade out", 4)
	gmdTable.Set(0xF8, "marker", gmdCtrlArg(0x70))
	gmdTable.Set(0xF9, "marker add", gmdCtrlArg(0x71))
	gmdTable.Set(0xFA, "measure end", (*gmdTrack).cmdMeasureEnd)
	gmdTable.Set(0xFB, "measure end", (*gmdTrack).cmdMeasureEnd)
	gmdTable.Set(0xFC, "comment", (*gmdTrack).cmdComment)
	gmdTable.Skip(0xFD, "nop", 1)
	gmdTable.Set(0xFE, "unknown FE", (*gmdTrack).cmdFE)
	gmdTable.Set(0xFF, "track end", (*gmdTrack).cmdEnd)

	gmdInterp.Before = (*gmdTrack).before
}

func (t *gmdTrack) Run() {
	gmdInterp.Run(t)
}

// checkHeader reports track header fields the driver ignores.
func (t *gmdTrack) checkHeader() {
	if t.End < t.start+gmdTrackHeader {
		return
	}
	t.OpPos = t.start
	if v := t.Data[t.start+4]; v != 0 {
		t.Warn("header transposition 0x%02X ignored", v)
	}
	if v := t.Data[t.start+5]; v != 0 {
		t.Info("track starts at tick %d", v)
	}
}

func (t *gmdTrack) before() {
	if !t.Transcoding() {
		return
	}
	t.tempoSlide()
	if t.AtLoop() && t.MasterLoops == 0 && t.Desc.UseFlags&gmdUseJumpLoop != 0 {
		t.Out.LoopMarker(0)
	}
}

// tempoSlide writes the tempo steps that are due, each at its own tick.
func (t *gmdTrack) tempoSlide() {
	tp := &t.tempo
	for tp.step > 0 && tp.dir != 0 && t.Ticks >= tp.next {
		back := min(t.Ticks-tp.next, t.Out.Delay)
		t.Out.Delay -= back

		tp.cur = uint16(int32(tp.cur) + int32(tp.dir))
		tp.next += uint32(tp.step)
		val := midiout.TempoFromBPM(uint32(tp.cur), 0x40)
		if tp.cur == tp.dest {
			tp.step, tp.dir = 0, 0
			tp.mod = tp.destMod
			if !t.opts.DriverBugs {
				// end on the exact modified tempo, fraction included
				tp.dest = uint16(uint32(tp.song) * uint32(tp.destMod) / 0x40)
				tp.cur = tp.dest
				val = midiout.TempoFromBPM(uint32(tp.song), uint32(tp.destMod))
			}
		}
		t.Out.Tempo(val)
		t.Out.Delay += back
	}
}

// sign7 reads a 7-bit two's complement value.
func sign7(v uint8) int8 {
	v &= 0x7F
	if v&0x40 != 0 {
		return int8(int16(v) - 0x80)
	}
	return int8(v)
}

// accumulate adds or, with bit 7 set, subtracts the amount in arg from v.
// An amount of 0 repeats the previous one.
func accumulate(v, arg uint8, cache *uint8) uint8 {
	amt := arg & 0x7F
	if amt == 0 {
		amt = *cache
	} else {
		*cache = amt
	}
	if arg&0x80 == 0 {
		return uint8(min(int(v)+int(amt), 0x7F))
	}
	return uint8(max(int(v)-int(amt), 0))
}

func (t *gmdTrack) key(b byte) uint8 {
	return (b + t.transp) & 0x7F
}

// gate applies the length modifiers of note mode 2. A following tie
// command lengthens the note to the next one instead.
func (t *gmdTrack) gate(length uint8) uint8 {
	if b, _ := t.Peek(t.Pos); b == 0xEF {
		t.Pos++
		return length + 1
	}
	switch {
	case t.lenMul == 0x10:
		return length - t.lenSub
	case t.lenMul != 0:
		return uint8(uint16(length) * uint16(t.lenMul) / 0x10)
	}
	return length
}

func (t *gmdTrack) cmdNote(cmd byte) uint32 {
	delay := t.U8(1)
	length := delay
	vel := t.vel
	switch t.noteMode {
	case 0:
		length = t.U8(2)
		t.Pos += 3
	case 1:
		vel = t.U8(2)
		length = 1
		t.Pos += 3
	case 2:
		t.Pos += 2
		length = t.gate(length)
	case 3:
		length, vel = t.U8(2), t.U8(3)
		t.Pos += 4
	default:
		t.Warn("unsupported note mode %d", t.noteMode)
		t.Finish()
		return 0
	}
	if !t.Transcoding() {
		return uint32(delay)
	}

	if vel&0x80 != 0 {
		v := int16(t.vel) + int16(sign7(vel))
		vel = uint8(max(0, min(v, 0x7F)))
	}
	t.notes.CheckExpiring(t.Out, &t.Out.Delay)
	key := t.key(cmd)
	if n := t.notes.Find(t.Out.Channel, key); n != nil {
		// a retriggered note keeps sounding with the new length
		n.Remaining = t.Out.Delay + uint32(length)
	} else if length > 0 {
		if t.notes.Add(t.Out.Channel, key, 0x80, uint32(length)) == nil {
			t.Debug("note dropped, more than %d notes at once", ledger.DefaultMax)
		} else {
			t.Out.NoteOn(key, vel)
		}
	}
	return uint32(delay)
}

func (t *gmdTrack) cmdRest(_ byte) uint32 {
	delay := t.U8(1)
	t.Pos += 2
	var cut uint8
	if t.noteMode == 0 || t.noteMode >= 3 {
		cut = t.U8(0)
		t.Pos++
	}
	if !t.Transcoding() {
		return uint32(delay)
	}
	t.notes.CheckExpiring(t.Out, &t.Out.Delay)
	if cut > 0 {
		// every sounding note ends cut ticks from here
		t.notes.Each(func(n *ledger.Note) {
			n.Remaining = t.Out.Delay + uint32(cut)
		})
	}
	return uint32(delay)
}

func (t *gmdTrack) cmdDelay(_ byte) uint32 {
	d := t.U8(1)
	t.Pos += 2
	return uint32(d)
}

func (t *gmdTrack) cmdNoteOffs(_ byte) uint32 {
	t.Info("explicit note off")
	t.Pos++
	for !t.Ended() {
		b := t.U8(0)
		t.Pos++
		t.Out.NoteOff(t.key(b))
		if b&0x80 != 0 {
			break
		}
	}
	return 0
}

func (t *gmdTrack) cmdNoteOns(_ byte) uint32 {
	t.Info("explicit note on")
	t.Pos++
	for !t.Ended() {
		b, vel := t.U8(0), t.U8(1)
		t.Pos += 2
		t.Out.NoteOn(t.key(b), vel)
		if b&0x80 != 0 {
			break
		}
	}
	return 0
}

func (t *gmdTrack) cmdLengthMul(_ byte) uint32 {
	t.lenMul = t.U8(1)
	t.Pos += 2
	return 0
}

func (t *gmdTrack) cmdLengthSub(_ byte) uint32 {
	t.lenSub = t.U8(1)
	t.Pos += 2
	return 0
}

// detuneSemis returns the whole semitones of a detune value. Negative
// values with a fraction round towards zero.
func detuneSemis(det int16) uint8 {
	semis := uint8(int8(det >> 8))
	if det < 0 && det&0xFF == 0 {
		semis++
	}
	return semis
}

// detuneBend returns the pitch bend offset of the detune fraction.
func detuneBend(det int16) int16 {
	v := det & 0xFF
	if det < 0 {
		v |= -0x100
	}
	return v << 1
}

func (t *gmdTrack) cmdDetune(cmd byte) uint32 {
	v := int16(t.LE16(1))
	t.Pos += 3
	t.transp -= detuneSemis(t.detune)
	if cmd == 0x87 {
		v += t.detune
	}
	t.detune = v
	t.transp += detuneSemis(t.detune)
	t.pbDetune = detuneBend(t.detune)
	t.pitchBend()
	return 0
}

func (t *gmdTrack) cmdTranspose(_ byte) uint32 {
	t.transp = t.U8(1) + detuneSemis(t.detune)
	t.Pos += 2
	return 0
}

func (t *gmdTrack) cmdTransposeAdd(_ byte) uint32 {
	t.transp += t.U8(1)
	t.Pos += 2
	return 0
}

func (t *gmdTrack) pitchBend() {
	v := int32(t.pb) + int32(t.pbDetune)
	t.Out.PitchBend(uint16(max(0, min(v, 0x3FFF))))
}

func (t *gmdTrack) cmdPitchBend(cmd byte) uint32 {
	switch cmd {
	case 0x8A:
		t.pb = 0x2000
		t.Pos++
	case 0x8B:
		t.pb = t.LE16(1)
		t.Pos += 3
	default:
		t.pb += t.LE16(1)
		t.Pos += 3
	}
	t.pitchBend()
	return 0
}

func (t *gmdTrack) cmdPortamento(cmd byte) uint32 {
	t.Pos += 3
	t.Warn("portamento command 0x%02X not supported", cmd)
	return 0
}

func (t *gmdTrack) cmdSustain(_ byte) uint32 {
	t.sustain = t.U8(1)
	t.Pos += 2
	t.Out.Control(0x40, t.sustain)
	return 0
}

func (t *gmdTrack) cmdVolume(cmd byte) uint32 {
	arg := t.U8(1)
	t.Pos += 2
	if cmd == 0x90 {
		t.vol = arg
	} else {
		t.vol = accumulate(t.vol, arg, &t.volAcc)
	}
	t.Out.Control(0x07, t.vol)
	return 0
}

func (t *gmdTrack) cmdVelocity(cmd byte) uint32 {
	arg := t.U8(1)
	t.Pos += 2
	if cmd == 0x92 {
		t.vel = arg
	} else {
		t.vel = accumulate(t.vel, arg, &t.velAcc)
	}
	return 0
}

func (t *gmdTrack) cmdTempo(_ byte) uint32 {
	bpm := t.LE16(1)
	t.Pos += 3
	t.Info("song tempo change to %d BPM", bpm)
	t.tempo = gmdTempo{song: bpm, cur: bpm, dest: bpm, mod: 0x40, destMod: 0x40}
	t.Out.Tempo(midiout.TempoFromBPM(uint32(bpm), 0x40))
	return 0
}

func (t *gmdTrack) cmdTempoMod(_ byte) uint32 {
	tp := &t.tempo
	tp.destMod = uint16(t.U8(1))
	if tp.destMod == 0 {
		tp.destMod = 0x100
	}
	tp.dest = uint16(uint32(tp.song) * uint32(tp.destMod) / 0x40)
	tp.step = t.U8(2)
	t.Pos += 3

	if tp.dest == tp.cur {
		tp.step = 0
	}
	if tp.step == 0 {
		tp.mod, tp.cur, tp.dir = tp.destMod, tp.dest, 0
		if t.opts.DriverBugs {
			t.Out.Tempo(midiout.TempoFromBPM(uint32(tp.cur), 0x40))
		} else {
			t.Out.Tempo(midiout.TempoFromBPM(uint32(tp.song), uint32(tp.mod)))
		}
		return 0
	}

	tp.next = t.Ticks + uint32(tp.step)
	tp.dir = 1
	if tp.dest < tp.cur {
		tp.dir = -1
	}
	if !t.opts.DriverBugs && tp.dir > 0 {
		// round up so that the fraction is reached too
		tp.dest = uint16((uint32(tp.song)*uint32(tp.destMod) + 0x3F) / 0x40)
	}
	return 0
}

func (t *gmdTrack) cmdInstrument(_ byte) uint32 {
	if t.opts.DriverBugs {
		t.Out.Control(0x40, 0)
		t.sustain = 0
		t.notes.Flush(t.Out, &t.Out.Delay, true)
		t.Out.Control(0x7B, 0)
	} else {
		if t.sustain&0x40 != 0 {
			t.Info("sustain released by instrument change")
			t.Out.Control(0x40, 0)
		}
		t.sustain = 0
		t.notes.Flush(t.Out, &t.Out.Delay, true)
	}
	t.Out.Program(t.U8(1))
	t.Pos += 2
	return 0
}

func (t *gmdTrack) cmdBankedInstrument(_ byte) uint32 {
	t.Out.Control(0x00, t.U8(1))
	t.Out.Program(t.U8(2))
	t.Pos += 3
	return 0
}

func (t *gmdTrack) cmdPolyPressure(_ byte) uint32 {
	t.Out.PolyPressure(t.U8(1), t.U8(2))
	t.Pos += 3
	return 0
}

func (t *gmdTrack) cmdChannelPressure(_ byte) uint32 {
	t.Out.ChannelPressure(t.U8(1))
	t.Pos += 2
	return 0
}

func (t *gmdTrack) cmdPanIndex(_ byte) uint32 {
	idx := t.U8(1)
	t.Pos += 2
	if idx >= uint8(len(gmdPanLUT)) {
		t.Warn("pan index %d out of range", idx)
		return 0
	}
	t.Out.Control(0x0A, gmdPanLUT[idx])
	return 0
}

func (t *gmdTrack) cmdPan(_ byte) uint32 {
	t.pan = t.U8(1)
	t.Pos += 2
	t.Out.Control(0x0A, t.pan)
	return 0
}

func (t *gmdTrack) cmdPanAdd(_ byte) uint32 {
	arg := t.U8(1)
	t.Pos += 2
	amt := int(arg & 0x7F)
	if arg&0x80 == 0 {
		t.pan = uint8(min(int(t.pan)+amt, 0x7F))
	} else if v := int(t.pan) - amt; v < 0 {
		t.pan = 0x01
	} else {
		t.pan = uint8(v)
	}
	t.Out.Control(0x0A, t.pan)
	return 0
}

func (t *gmdTrack) cmdModulation(_ byte) uint32 {
	v := t.U8(1)
	t.Pos += 2
	if v&0x80 != 0 {
		t.Info("modulation delay %d ignored", t.U8(0))
		t.Pos++
		v &= 0x7F
	}
	t.Out.Control(0x01, v)
	return 0
}

func (t *gmdTrack) softModDepth() uint8 {
	return uint8(max(0, min(t.swModStep, 0x7F)))
}

func (t *gmdTrack) cmdSoftModSwitch(_ byte) uint32 {
	arg := t.U8(1)
	t.Pos += 2
	if arg&0x80 != 0 {
		t.Pos++ // delay
	}
	on := arg & 0x7F
	if on == t.swMod {
		return 0
	}
	t.swMod = on
	if on != 0 {
		t.Out.Control(0x01, t.softModDepth())
	} else {
		t.Out.Control(0x01, 0)
	}
	return 0
}

func (t *gmdTrack) cmdSoftMod(_ byte) uint32 {
	counter := int32(t.LE16(2))
	delta := int32(int16(t.LE16(4)))
	t.Pos += 6
	if delta < 0 {
		delta = -delta
	}
	t.swModStep = counter * delta / 0x10
	if t.swMod != 0 {
		t.Out.Control(0x01, t.softModDepth())
	}
	return 0
}

func (t *gmdTrack) cmdRegister(_ byte) uint32 {
	reg, val := t.U8(1), t.U8(2)
	t.Pos += 3
	t.Info("FM register write 0x%02X = 0x%02X ignored", reg, val)
	return 0
}

func (t *gmdTrack) cmdControl(_ byte) uint32 {
	ctrl, val := t.U8(1), t.U8(2)
	t.Pos += 3
	if ctrl >= 0x62 && ctrl <= 0x65 {
		// parameter numbers set directly still count for the cache
		if t.opts.DriverBugs {
			t.rpn[ctrl-0x62] = val
		} else if ctrl >= 0x64 {
			t.rpn[ctrl&1] = val
		} else {
			t.rpn[ctrl&1] = 0x80 | val
		}
	}
	t.Out.Control(ctrl, val)
	return 0
}

// gmdCtrlArg maps a one-byte command onto a controller.
func gmdCtrlArg(ctrl uint8) func(*gmdTrack, byte) uint32 {
	return func(t *gmdTrack, _ byte) uint32 {
		t.Out.Control(ctrl, t.U8(1))
		t.Pos += 2
		return 0
	}
}

// writeRPN selects a (non-)registered parameter unless it is already
// selected, then writes its data entry.
func (t *gmdTrack) writeRPN(nrpn bool, msb, lsb, val uint8) {
	ctrlMSB, ctrlLSB, mode := uint8(0x65), uint8(0x64), uint8(0)
	if nrpn {
		ctrlMSB, ctrlLSB, mode = 0x63, 0x62, 0x80
	}
	sendMSB, sendLSB := true, true
	if t.opts.DriverBugs {
		// the driver caches each controller, so alternating RPN and NRPN
		// with the same numbers loses selections
		if t.rpn[ctrlMSB-0x62] == msb {
			sendMSB = false
		}
		if t.rpn[ctrlLSB-0x62] == lsb {
			sendLSB = false
		}
		t.rpn[ctrlMSB-0x62], t.rpn[ctrlLSB-0x62] = msb, lsb
	} else if t.rpn[1] == msb|mode && t.rpn[0] == lsb|mode {
		sendMSB, sendLSB = false, false
	} else {
		t.rpn[1], t.rpn[0] = msb|mode, lsb|mode
	}
	if sendMSB {
		t.Out.Control(ctrlMSB, msb)
	}
	if sendLSB {
		t.Out.Control(ctrlLSB, lsb)
	}
	t.Out.Control(0x06, val)
}

func (t *gmdTrack) cmdBendRange(_ byte) uint32 {
	t.writeRPN(false, 0x00, 0x00, t.U8(1))
	t.Pos += 2
	return 0
}

func (t *gmdTrack) cmdRPN(cmd byte) uint32 {
	t.writeRPN(cmd == 0xB3, t.U8(1), t.U8(2), t.U8(3))
	t.Pos += 4
	return 0
}

// sysexBody returns the data bytes of a SysEx command. The last byte is
// the first one with bit 7 set.
func (t *gmdTrack) sysexBody() ([]byte, bool) {
	end := t.ScanTo(t.Pos+1, func(b byte) bool { return b&0x80 != 0 })
	if end >= t.End {
		t.Warn("unterminated sysex")
		t.Finish()
		return nil, false
	}
	body := bytes.Clone(t.Data[t.Pos+1 : end+1])
	body[len(body)-1] &= 0x7F
	t.Pos = end + 1
	return body, true
}

func (t *gmdTrack) cmdSysEx(_ byte) uint32 {
	if body, ok := t.sysexBody(); ok {
		t.Out.SysEx(body)
	}
	return 0
}

func (t *gmdTrack) cmdRolandDevice(_ byte) uint32 {
	t.syxHdr = [2]uint8{t.U8(1), t.U8(2)}
	t.Pos += 3
	return 0
}

func (t *gmdTrack) cmdRolandSysEx(_ byte) uint32 {
	if body, ok := t.sysexBody(); ok {
		t.Out.SysEx(midiout.RolandSysEx(t.syxHdr[0], t.syxHdr[1], body))
	}
	return 0
}

func (t *gmdTrack) cmdGSReset(_ byte) uint32 {
	t.Pos++
	t.Out.SysEx(midiout.GSReset[1 : len(midiout.GSReset)-1])
	return 0
}

func (t *gmdTrack) cmdChannel(_ byte) uint32 {
	mode, v := t.U8(1), t.U8(2)
	t.Pos += 3
	switch mode {
	case 0x01: // SSG
		t.Out.Channel = (0x0A + v) & 0x0F
	case 0x06: // FM3 extended
		t.Out.Channel = (0x06 + v) & 0x0F
	case 0x07: // OPNA rhythm
		t.Out.Channel = midiout.DrumChannel
	default: // FM, MIDI
		t.Out.Channel = v & 0x0F
	}
	if t.Pass == engine.PassMeasure && t.Desc.Channel == 0 {
		t.Desc.Channel = t.Out.Channel
	}
	return 0
}

func (t *gmdTrack) cmdNoteMode(_ byte) uint32 {
	t.noteMode = t.U8(1)
	t.Pos += 2
	return 0
}

// cmdRepeatMeasure plays the measure at the target offset, following
// chained references, and comes back at the next measure end. A repeat
// inside a repeated measure returns at once.
func (t *gmdTrack) cmdRepeatMeasure(_ byte) uint32 {
	if t.parent != 0 {
		t.Pos = t.parent
		return 0
	}
	t.parent = t.Pos + 3
	for hops := 0; ; hops++ {
		if hops >= gmdMaxHops {
			t.Warn("repeat measure chain longer than %d", gmdMaxHops)
			t.Finish()
			return 0
		}
		target := t.start + int(t.LE16(1))
		if target == t.Pos {
			break
		}
		t.Pos = target
		if b, ok := t.Peek(t.Pos); !ok || b != 0xE5 {
			break
		}
	}
	return 0
}

func (t *gmdTrack) cmdLoopStart(cmd byte) uint32 {
	f := engine.Frame{Parent: t.parent, Tick: t.Ticks}
	if cmd == 0xE6 {
		f.Max = uint16(t.U8(1))
		t.Pos += 2
	} else {
		t.Pos++ // count comes with the loop end
	}
	f.Pos = t.Pos
	if err := t.loops.Push(f); err != nil {
		t.Warn("more than %d nested loops", engine.LoopDepth)
		return 0
	}
	if t.AtLoop() {
		t.Out.LoopMarker(0)
	}
	return 0
}

func (t *gmdTrack) cmdLoopEnd(cmd byte) uint32 {
	var times uint16
	if cmd == 0xE9 {
		times = uint16(t.U8(1))
		t.Pos += 2
	} else {
		t.Pos++
	}
	f, ok := t.loops.Pop()
	if !ok {
		t.Warn("loop end without loop start")
		return 0
	}
	if f.Max == 0 {
		f.Max = times
	}
	f.Count++

	take := f.Count < f.Max
	if f.Max == 0 {
		// infinite loop, repeated like the master loop
		switch t.Pass {
		case engine.PassMeasure:
			t.FoundLoopAt(f.Pos, f.Tick)
			return 0
		case engine.PassTranscode:
			if f.Count < 0x80 {
				t.Out.LoopMarker(f.Count)
			}
			take = f.Count < t.Desc.Repeats
		}
	}
	if take {
		t.parent = f.Parent
		t.Pos = f.Pos
		_ = t.loops.Push(f)
	}
	return 0
}

func (t *gmdTrack) cmdLoopExit(_ byte) uint32 {
	target := t.start + int(t.LE16(1))
	t.Pos += 3
	f := t.loops.Peek()
	if f == nil {
		t.Warn("loop exit without loop start")
		return 0
	}
	if int(f.Count) == int(f.Max)-1 {
		t.Pos = target
		t.loops.Pop()
	}
	return 0
}

// cmdGoto jumps within the track. Jumping backwards repeats the song and
// is treated as the master loop.
func (t *gmdTrack) cmdGoto(_ byte) uint32 {
	target := t.start + int(t.LE16(1))
	t.Pos += 3
	switch {
	case target > t.OpPos:
		t.Pos = target
	case t.Pass == engine.PassMeasure:
		t.Desc.UseFlags |= gmdUseJumpLoop
		t.FoundLoop(target)
	case t.MasterLoop(true):
		t.Pos = target
	default:
		t.Finish()
	}
	return 0
}

func (t *gmdTrack) cmdLoopFlag(_ byte) uint32 {
	v := t.U8(1)
	t.Pos += 2
	t.Info("command 0xED 0x%02X", v)
	if v < 2 {
		t.Out.LoopMarker(uint16(v))
	}
	return 0
}

func (t *gmdTrack) cmdMeasureEnd(cmd byte) uint32 {
	t.Pos++
	if cmd == 0xFA {
		t.Pos += 2
	}
	if t.bar >= gmdMaxBar {
		t.Warn("more than %d measures", gmdMaxBar)
		t.Finish()
		return 0
	}
	if t.parent != 0 {
		t.Pos = t.parent
		t.parent = 0
	}
	t.bar++
	return 0
}

func (t *gmdTrack) cmdComment(_ byte) uint32 {
	end := t.ScanTo(t.Pos+1, func(b byte) bool { return b == 0 })
	t.Out.Text(textenc.Decode(t.Data[t.Pos+1:end], t.opts.DecodeText))
	t.Pos = end + 1
	return 0
}

func (t *gmdTrack) cmdFE(_ byte) uint32 {
	if v := t.U8(1); v > 0 {
		t.Info("command 0xFE 0x%02X", v)
	}
	t.Pos += 2
	return 0
}

func (t *gmdTrack) cmdEnd(_ byte) uint32 {
	t.Pos++
	t.Finish()
	return 0
}
