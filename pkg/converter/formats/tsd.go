package formats

import (
	"fmt"

	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/engine"
	"github.com/james-see/chiptune2midi/pkg/midiout"
	"github.com/james-see/chiptune2midi/pkg/modulation"
)

// TSD sequences come from the Falcom PC-98 sound driver used by Brandish
// VT and The Legend of Heroes IV. The header holds 16 track pointers and
// 16 channel modes, all little-endian words.
type TSD struct{}

const (
	tsdTracks     = 0x10
	tsdHeaderSize = 0x40
	tsdResolution = 48
	tsdNoNote     = 0xFF
)

// channel kinds
const (
	tsdFM      uint8 = 0x00
	tsdSSG     uint8 = 0x01
	tsdRhythm  uint8 = 0x02
	tsdMIDI    uint8 = 0x10
	tsdBeeper  uint8 = 0x20
	tsdInvalid uint8 = 0xFF
)

// channel flags
const (
	tsdFlagTie      uint16 = 0x001 // next note continues the current one
	tsdFlagEarlyOff uint16 = 0x002
	tsdFlagPorta    uint16 = 0x010
	tsdFlagVibrato  uint16 = 0x020
	tsdFlagSlide    uint16 = 0x040
	tsdFlagVibPorta uint16 = 0x080 // vibrato allowed during portamento
	tsdFlagTremolo  uint16 = 0x100
	tsdFlagEnvelope uint16 = 0x200
	tsdFlagsOneShot        = tsdFlagTie | tsdFlagPorta
)

// bits of Descriptor.UseFlags
const (
	tsdUsePitchBend uint16 = 0x001
	tsdUseNoteSeen  uint16 = 0x001 // in the pending set: first note reached
	tsdUseExpr      uint16 = 0x008
	tsdUseVolume    uint16 = 0x010
	tsdUsePan       uint16 = 0x020
	tsdUseReverb    uint16 = 0x040
	tsdUseChorus    uint16 = 0x080
	tsdUseEarlyPB   uint16 = 0x100
)

var tsdPanLUT = [4]uint8{0x3F, 0x7F, 0x01, 0x40}

// OPNA rhythm sounds: kick, snare, cymbal, hi-hat, tom, rim
var tsdRhythmKeys = [6]uint8{0x24, 0x26, 0x35, 0x2A, 0x2D, 0x25}

// tsdArgs holds the lengths of commands 0x80..0x9C including the command
// byte. 0 marks commands without a fixed length.
var tsdArgs = [0x1D]uint8{
	3, 3, 3, 1, 0, 2, 3, 3, 5, 3, 3, 3, 2, 2, 2, 0, // 0x80
	2, 2, 7, 2, 2, 3, 2, 3, 5, 3, 0, 1, 1, // 0x90
}

func (TSD) Name() string        { return "TSD" }
func (TSD) ID() string          { return "tsd" }
func (TSD) Description() string { return "Falcom PC-98 TSD driver (Brandish VT, Legend of Heroes IV)" }
func (TSD) Extensions() []string {
	return []string{".m_", ".n_", ".a_", ".tsd"}
}

// Detect checks the header layout, since TSD files carry no signature:
// every used track pointer must lie past the header and inside the file,
// and every mode must be a known channel.
func (TSD) Detect(data []byte) bool {
	if len(data) <= tsdHeaderSize {
		return false
	}
	used := 0
	for i := 0; i < tsdTracks; i++ {
		ptr := int(le16(data, i*2))
		mode := le16(data, 0x20+i*2)
		if ptr == 0 {
			continue
		}
		if ptr < tsdHeaderSize || ptr >= len(data) || mode >= 0x36 || mode&1 != 0 {
			return false
		}
		used++
	}
	return used > 0
}

func (TSD) Parse(data []byte, opts converter.Options) (converter.Song, error) {
	if len(data) < tsdHeaderSize {
		return nil, fmt.Errorf("%w: %d byte header, need %d", converter.ErrTruncated, len(data), tsdHeaderSize)
	}
	s := &tsdSong{song: newSong(data, opts, tsdResolution)}
	s.log = s.formatLog("tsd")
	for i := 0; i < tsdTracks; i++ {
		ptr := int(le16(data, i*2))
		mode := le16(data, 0x20+i*2)
		if ptr == 0 {
			ptr = -1 // disabled
		}
		d := engine.NewDescriptor(i, ptr)
		if mode > 0xFF {
			mode = 0xFF
		}
		d.Mode = uint8(mode)
		_, d.Channel, d.Name = tsdChannel(d.Mode)
		if ptr >= len(data) {
			s.log.Warn("track starts past end of data", "track", i, "start", fmt.Sprintf("0x%04X", ptr))
		}
		s.tracks = append(s.tracks, d)
	}
	return s, nil
}

func le16(b []byte, p int) uint16 {
	return uint16(b[p+1])<<8 | uint16(b[p])
}

// tsdChannel decodes a channel mode into the channel kind, MIDI channel and
// track name.
func tsdChannel(mode uint8) (kind, ch uint8, name string) {
	switch {
	case mode < 0x14:
		id := mode / 2
		group := id / 3
		id %= 3
		switch group {
		case 0:
			return tsdFM, id + 3, fmt.Sprintf("FM %d", id+4)
		case 1:
			return tsdFM, id, fmt.Sprintf("FM %d", id+1)
		case 2:
			return tsdSSG, 0x0A + id, fmt.Sprintf("SSG %d", id+1)
		default:
			return tsdRhythm, midiout.DrumChannel, "Rhythm"
		}
	case mode < 0x34:
		id := (mode - 0x14) / 2
		return tsdMIDI, id, fmt.Sprintf("MIDI %d", id+1)
	case mode < 0x36:
		return tsdBeeper, 0, "Beeper"
	default:
		return tsdInvalid, 0, ""
	}
}

type tsdSong struct {
	song
}

func (s *tsdSong) factory(d *engine.Descriptor, pass engine.Pass) engine.Runner {
	return s.newTrack(d, pass, nil)
}

func (s *tsdSong) Measure(d *engine.Descriptor) {
	d.UseFlags = 0
	if d.Start < 0 {
		return
	}
	engine.Preparse(s.factory, d)
}

func (s *tsdSong) Conductor(out *midiout.Track) {
	out.Tempo(midiout.TempoFromBPM(120, 0x40))
}

func (s *tsdSong) Transcode(d *engine.Descriptor, out *midiout.Track) []engine.Warning {
	if d.Start < 0 {
		return nil
	}
	t := s.newTrack(d, engine.PassTranscode, out)
	t.start()
	t.Run()
	if t.lastNote != tsdNoNote {
		t.noteOff()
	}
	return t.Warnings
}

// tsdTrack is the driver state of one channel.
type tsdTrack struct {
	*engine.Core
	song *tsdSong
	opts *converter.Options

	kind     uint8
	flags    uint16
	transp   uint8
	volScale uint8
	vol      uint8
	lastVol  uint8
	vel      uint8
	velOnce  uint8
	pan      uint8
	drumVol  uint8 // last level sent to the drum sounds

	curNote  uint8
	lastNote uint8
	lastPB   int32
	detune   int16

	lenMod     uint16
	noteOffRem uint32 // remaining ticks at which the note is released early
	noteStart  uint32 // pending delay when the current note started

	loops *engine.Stack[engine.Frame]
	vib   modulation.Vibrato
	porta modulation.Portamento
	slide modulation.PitchSlide
	trem  modulation.Tremolo
	env   modulation.Envelope

	// measuring state for the channel setup flags
	pendingUse uint16
	tieSeen    bool
	prevNote   uint8
}

func (s *tsdSong) newTrack(d *engine.Descriptor, pass engine.Pass, out *midiout.Track) *tsdTrack {
	t := &tsdTrack{
		Core:     engine.NewCore(s.data, d, pass, out, s.log),
		song:     s,
		opts:     &s.opts,
		flags:    tsdFlagVibPorta,
		volScale: 1,
		pan:      0x40,
		drumVol:  0xFF,
		curNote:  tsdNoNote,
		lastNote: tsdNoNote,
		prevNote: tsdNoNote,
		loops:    engine.NewLoopStack(),
	}
	t.lastVol = 0x80 | t.vol
	t.vib.Wrap = !s.opts.ED4Mode

	var ch uint8
	t.kind, ch, _ = tsdChannel(d.Mode)
	t.Out.Channel = ch
	switch t.kind {
	case tsdFM:
		t.transp = 12
	case tsdSSG:
		t.transp = 24
		t.volScale = 8 // 0x0..0xF -> 0x00..0x7F
	case tsdRhythm:
		t.volScale = 0x80 | 4 // 0x00..0x1F as note velocity
	case tsdBeeper:
		t.vol = 0x7F
		t.lastVol = 0x80 | t.vol
		t.transp = 48
	}
	return t
}

var (
	tsdTable  engine.Table[*tsdTrack]
	tsdInterp = engine.Interp[*tsdTrack]{Table: &tsdTable}
)

func init() {
	tsdTable.Range(0x00, 0x7E, "note", (*tsdTrack).cmdNote)
	tsdTable.Set(0x7F, "rest", (*tsdTrack).cmdRest)
	tsdTable.Set(0x80, "loop start", (*tsdTrack).cmdLoopStart)
	tsdTable.Set(0x81, "loop exit", (*tsdTrack).cmdLoopExit)
	tsdTable.Set(0x82, "loop end", (*tsdTrack).cmdLoopEnd)
	tsdTable.Set(0x83, "tie", (*tsdTrack).cmdTie)
	tsdTable.Set(0x85, "tempo", (*tsdTrack).cmdTempo)
	tsdTable.Set(0x86, "detune", (*tsdTrack).cmdDetune)
	tsdTable.Set(0x87, "note length", (*tsdTrack).cmdNoteLength)
	tsdTable.Set(0x88, "vibrato", (*tsdTrack).cmdVibrato)
	tsdTable.Set(0x89, "portamento", (*tsdTrack).cmdPortamento)
	tsdTable.Set(0x8A, "effect switch", (*tsdTrack).cmdEffectSwitch)
	tsdTable.Set(0x8B, "jump", (*tsdTrack).cmdJump)
	tsdTable.Set(0x8C, "pan", (*tsdTrack).cmdPan)
	tsdTable.Set(0x8D, "volume", (*tsdTrack).cmdVolume)
	tsdTable.Set(0x8E, "volume add", (*tsdTrack).cmdVolumeAdd)
	tsdTable.Set(0x90, "instrument", (*tsdTrack).cmdInstrument)
	tsdTable.Set(0x91, "noise frequency", tsdCtrlArg(0x54))
	tsdTable.Set(0x92, "envelope", (*tsdTrack).cmdEnvelope)
	tsdTable.Set(0x93, "noise mode", tsdCtrlArg(0x03))
	tsdTable.Set(0x94, "marker", (*tsdTrack).cmdMarker)
	tsdTable.Set(0x95, "pitch slide", (*tsdTrack).cmdPitchSlide)
	tsdTable.Set(0x96, "velocity", (*tsdTrack).cmdVelocity)
	tsdTable.Set(0x97, "control change", (*tsdTrack).cmdControl)
	tsdTable.Set(0x98, "tremolo", (*tsdTrack).cmdTremolo)
	tsdTable.Set(0x99, "FM register", (*tsdTrack).cmdRegister)
	tsdTable.Set(0x9A, "sysex", (*tsdTrack).cmdSysEx)
	tsdTable.Set(0x9B, "flag set", (*tsdTrack).cmdFlag)
	tsdTable.Set(0x9C, "flag clear", (*tsdTrack).cmdFlag)

	tsdInterp.Before = (*tsdTrack).before
	tsdInterp.Unknown = func(t *tsdTrack, cmd byte) {
		t.Out.Control(midiout.CtrlUnknown, cmd&0x7F)
		if b, ok := t.Peek(t.Pos + 1); ok {
			t.Out.Control(midiout.CtrlUnknownP1, b)
		}
	}
}

func (t *tsdTrack) Run() {
	tsdInterp.Run(t)
}

// start writes the channel setup derived from the measured use flags.
func (t *tsdTrack) start() {
	use := t.Desc.UseFlags
	if t.kind == tsdInvalid {
		t.Warn("invalid channel mode 0x%02X", t.Desc.Mode)
		t.Finish()
		return
	}
	if t.Desc.Mode&1 != 0 {
		t.Warn("odd channel mode 0x%02X", t.Desc.Mode)
	}
	t.song.trackName(t.Out, t.Desc.Name)
	if t.kind == tsdSSG || t.kind == tsdBeeper {
		t.Out.Program(0x50) // square wave
	}
	if use&tsdUsePitchBend != 0 {
		t.Out.RPN(0, 0, modulation.BendRange)
		if use&tsdUseEarlyPB == 0 {
			t.pitchBend(t.lastPB + int32(t.detune) + int32(t.slide.Freq))
		}
	}
	if use&tsdUseVolume == 0 {
		t.Out.Control(0x07, 105)
	}
	if use&tsdUsePan == 0 {
		t.Out.Control(0x0A, 0x40)
	}
	if t.volScale&0x80 != 0 {
		t.lastVol = 0x80 | 0x7F
		t.Out.Control(0x0B, 0x7F)
	} else if use&tsdUseExpr == 0 {
		t.lastVol = 0x80 | t.vol
		t.Out.Control(0x0B, t.vol*t.volScale)
	}
	if use&tsdUseReverb == 0 {
		t.Out.Control(0x5B, 0)
	}
	if use&tsdUseChorus == 0 {
		t.Out.Control(0x5D, 0)
	}
}

func (t *tsdTrack) before() {
	if !t.Transcoding() {
		return
	}
	if t.Out.Delay > t.noteStart && t.lastNote != tsdNoNote {
		t.effects()
	}
	if t.AtLoop() && t.MasterLoops == 0 {
		t.Out.LoopMarker(0)
	}
}

func (t *tsdTrack) noteOff() {
	t.Out.NoteOff(t.lastNote + t.transp)
}

func (t *tsdTrack) pitchBend(delta int32) {
	if v, ok := modulation.Bend14(delta, t.opts.ED4Mode); ok {
		t.Out.PitchBend(v)
	}
}

func (t *tsdTrack) expression(vol uint8) {
	t.Out.Control(0x0B, vol*t.volScale)
}

// effects runs the software effects for the ticks elapsed since the
// current note started, writing events at their exact tick.
func (t *tsdTrack) effects() {
	out := t.Out
	rem := out.Delay - t.noteStart
	out.Delay = t.noteStart
	transp := int16(t.curNote) - int16(t.lastNote)
	pitch := t.opts.Pitch
	t.porta.Start()

	for ; rem > 0; rem-- {
		var freq int32
		vol := t.vol
		vibAllow := true

		if t.flags&tsdFlagPorta != 0 {
			if off, ok := t.porta.Step(); ok {
				freq += off
				vibAllow = t.flags&tsdFlagVibPorta != 0
			}
		}
		if t.flags&tsdFlagVibrato != 0 && vibAllow {
			freq += t.vib.Step(pitch)
		}
		if t.flags&tsdFlagSlide != 0 {
			t.slide.Step()
		}
		pb := int32(t.detune) + int32(t.slide.Freq) + pitch.NoteFracToBend(transp, freq)
		if pb != t.lastPB {
			t.lastPB = pb
			t.pitchBend(pb)
		}

		// the early release comes before the envelope step
		if t.flags&tsdFlagEarlyOff != 0 && rem == t.noteOffRem {
			t.flags &^= tsdFlagEarlyOff
			if t.flags&tsdFlagEnvelope == 0 || !t.env.Release() {
				if t.lastNote != tsdNoNote {
					t.noteOff()
					t.lastNote = tsdNoNote
				}
			}
		}

		if t.flags&tsdFlagEnvelope != 0 {
			v, keyOff := t.env.Step(vol)
			if keyOff && t.lastNote != tsdNoNote {
				t.noteOff()
				t.lastNote = tsdNoNote
			}
			vol = v
		}
		if t.flags&tsdFlagTremolo != 0 {
			vol = t.trem.Step(pitch, vol)
		}
		if t.opts.DriverBugs && t.lastNote == tsdNoNote {
			vol = t.lastVol
		}
		if vol != t.lastVol && t.volScale&0x80 == 0 {
			t.lastVol = vol
			t.expression(vol)
		}
		if t.lastNote == tsdNoNote {
			break // a note off stops all effects
		}
		out.Delay++
	}
	t.flags &^= tsdFlagsOneShot
	out.Delay += rem
	t.noteStart = out.Delay
}

// delay reads the note length that follows a note or rest.
func (t *tsdTrack) delay() uint16 {
	d := uint16(t.U8(1))
	t.Pos += 2
	if d == 0xFF {
		d = t.LE16(0)
		t.Pos += 2
	}
	return d
}

func (t *tsdTrack) cmdRest(cmd byte) uint32 {
	d := t.delay()
	if t.Pass == engine.PassMeasure || t.Pass == engine.PassLoopTick {
		t.prevNote = cmd
		t.tieSeen = false
	}
	if t.Transcoding() {
		if t.flags&tsdFlagEnvelope == 0 || !t.env.Release() {
			if t.lastNote != tsdNoNote {
				t.noteOff()
			}
			t.lastNote = tsdNoNote
			t.curNote = tsdNoNote
		}
		t.noteStart = t.Out.Delay
	}
	return uint32(d)
}

func (t *tsdTrack) cmdNote(cmd byte) uint32 {
	d := t.delay()
	if b, ok := t.Peek(t.Pos); ok && b == 0x89 {
		// portamento bound to this note
		if t.Transcoding() {
			t.porta.Range = t.opts.Pitch.PortaRange(cmd, t.U8(1), t.U8(2))
			t.porta.Duration = d
			t.flags |= tsdFlagPorta
		}
		t.needBend()
		t.Pos += 3
	}
	if !t.Transcoding() {
		t.measureNote(cmd)
		return uint32(d)
	}

	t.curNote = cmd
	vel := t.vel
	if t.velOnce != 0 {
		vel = t.velOnce
		t.velOnce = 0
	}
	if t.volScale&0x80 != 0 {
		vel = t.vol * (t.volScale & 0x7F)
	} else if t.kind != tsdMIDI {
		vel = 0x7F
	}

	if t.lenMod == 0 || t.lookAhead(0x83) {
		if b, _ := t.Peek(t.Pos); t.lenMod > 0 && b != 0x83 {
			t.Info("found a distant tie")
		}
		t.flags &^= tsdFlagEarlyOff
		t.noteOffRem = 0
	} else {
		t.flags |= tsdFlagEarlyOff
		switch {
		case t.lenMod&0x8000 != 0:
			t.noteOffRem = uint32(t.lenMod & 0x3FFF)
		case t.lenMod&0x4000 != 0:
			t.noteOffRem = uint32(int32(d) - int32(t.lenMod&0x3FFF))
		default:
			stop := uint16((100 - int32(t.lenMod)) * int32(d) / 100)
			// the driver tests the subtraction, not the quotient
			if t.lenMod == 100 {
				stop = 1
			}
			t.noteOffRem = uint32(stop)
		}
	}

	tie := t.flags&tsdFlagTie != 0
	if !tie && t.lastNote != tsdNoNote {
		t.noteOff()
	}
	if !tie || t.curNote != t.lastNote {
		t.vib.Reset()
		t.slide.Reset()
		t.trem.Reset()
	}
	if !tie {
		t.env.Reset()

		// volume and pitch go out ahead of the note on
		vol := t.vol
		if t.lastVol == 0x80 && t.vol == 0 {
			t.lastVol &= 0x7F
		}
		if t.flags&tsdFlagEnvelope != 0 {
			vol = uint8(uint32(vol) * uint32(t.env.AttackLevel) / 0x7F)
		}
		if vol != t.lastVol && t.volScale&0x80 == 0 {
			t.lastVol = vol
			t.expression(vol)
		}
		pb := int32(t.detune) + int32(t.slide.Freq)
		if pb != t.lastPB {
			t.lastPB = pb
			t.pitchBend(pb)
		}

		if t.kind == tsdRhythm {
			t.curNote = tsdRhythmKeys[(t.curNote%12)/2]
		}
		t.Out.NoteOn(t.curNote+t.transp, vel)
		t.lastNote = t.curNote
	}
	t.flags &^= tsdFlagTie
	t.noteStart = t.Out.Delay
	return uint32(d)
}

// measureNote tracks which controllers are set before the first note and
// whether notes are bent into each other.
func (t *tsdTrack) measureNote(cmd byte) {
	if t.tieSeen && cmd != t.prevNote {
		t.Desc.UseFlags |= tsdUsePitchBend
	}
	if t.pendingUse&tsdUseNoteSeen == 0 {
		t.pendingUse |= tsdUseNoteSeen
		t.Desc.UseFlags |= t.pendingUse &^ 0x0007
	}
	t.prevNote = cmd
	t.tieSeen = false
}

// use marks a controller as set by the song data.
func (t *tsdTrack) use(flag uint16) {
	if !t.Transcoding() {
		t.pendingUse |= flag
	}
}

// needBend marks the track as using pitch bends.
func (t *tsdTrack) needBend() {
	if !t.Transcoding() {
		t.Desc.UseFlags |= tsdUsePitchBend
	}
}

// cmdLen returns the length of the command at p, or 0 if it has none.
func (t *tsdTrack) cmdLen(p int) int {
	cmd := t.Data[p]
	if cmd == 0x9A {
		return t.sysexLen(p)
	}
	if cmd < 0x80 || cmd > 0x9C {
		return 0
	}
	return int(tsdArgs[cmd-0x80])
}

// sysexLen returns the length of the channel-kind specific 0x9A command.
func (t *tsdTrack) sysexLen(p int) int {
	switch t.kind {
	case tsdFM:
		return 0x1A
	case tsdMIDI:
		end := t.ScanTo(p+1, func(b byte) bool { return b == 0xF7 })
		if end < t.End {
			end++
		}
		return end - p
	default:
		return 2
	}
}

// lookAhead reports whether cmd follows before the next note, loop or jump.
// Without TieLookahead only the next command is checked, as the driver does.
func (t *tsdTrack) lookAhead(cmd byte) bool {
	p := t.Pos
	if !t.opts.TieLookahead {
		b, _ := t.Peek(p)
		return b == cmd
	}
	for t.InRange(p) {
		b := t.Data[p]
		switch {
		case b == cmd:
			return true
		case b < 0x80, b == 0x80, b == 0x81, b == 0x82, b == 0x8B:
			return false
		}
		n := t.cmdLen(p)
		if n == 0 {
			return false
		}
		p += n
	}
	return false
}

func (t *tsdTrack) cmdLoopStart(_ byte) uint32 {
	f := engine.Frame{Pos: t.Pos, Max: uint16(t.U8(1)), Count: uint16(t.U8(2))}
	t.Pos += 3
	if err := t.loops.Push(f); err != nil {
		t.Warn("more than %d nested loops", engine.LoopDepth)
	}
	return 0
}

func (t *tsdTrack) cmdLoopExit(_ byte) uint32 {
	ofs := int(int16(t.LE16(1)))
	endPos := t.Pos + ofs
	t.Pos += 3
	if b, ok := t.Peek(endPos); !ok || b != 0x82 {
		t.Warn("loop exit not pointing to a loop end")
		return 0
	}
	startPos := endPos + int(int16(t.LE16At(endPos+1))) + 1
	if t.loops.Len() == 0 {
		t.Warn("loop exit without loop start")
		return 0
	}
	// exits may leave nested loops
	idx := t.loops.Find(func(f *engine.Frame) bool { return f.Pos == startPos })
	if idx < 0 {
		t.Warn("no loop start matches the loop exit")
		return 0
	}
	f := t.loops.At(idx)
	if int(f.Count) == int(f.Max)-1 {
		t.Pos += ofs
		t.loops.Truncate(idx)
	}
	return 0
}

func (t *tsdTrack) cmdLoopEnd(_ byte) uint32 {
	startPos := t.Pos + int(int16(t.LE16(1))) + 1
	t.Pos += 3
	if t.loops.Len() == 0 {
		if b, ok := t.Peek(startPos); ok && b == 0x80 {
			// the loop start was jumped over
			t.Info("recovered loop start at 0x%04X", startPos)
			_ = t.loops.Push(engine.Frame{
				Pos:   startPos,
				Max:   uint16(t.At(startPos + 1)),
				Count: uint16(t.At(startPos + 2)),
			})
		}
	}
	f, ok := t.loops.Pop()
	if !ok {
		t.Warn("loop end without loop start")
		return 0
	}
	if f.Pos != startPos {
		t.Warn("loop end points to 0x%04X, expected 0x%04X", startPos, f.Pos)
		return 0
	}

	f.Count++
	take := false
	if f.Max == 0 {
		// infinite loop, repeated like the master loop
		if t.Transcoding() {
			t.Out.LoopMarker(f.Count)
			take = f.Count < t.Desc.Repeats
		}
	} else {
		take = f.Count < f.Max
	}
	if take {
		t.Pos = startPos + 3
		_ = t.loops.Push(f)
	}
	return 0
}

func (t *tsdTrack) cmdTie(_ byte) uint32 {
	t.flags |= tsdFlagTie
	t.tieSeen = true
	t.Pos++
	return 0
}

func (t *tsdTrack) cmdTempo(_ byte) uint32 {
	bpm := t.U8(1)
	t.Pos += 2
	t.Out.Tempo(midiout.TempoFromBPM(uint32(bpm), 0x40))
	return 0
}

func (t *tsdTrack) cmdDetune(_ byte) uint32 {
	det := int16(t.LE16(1))
	t.Pos += 3
	t.needBend()
	t.use(tsdUseEarlyPB)

	t.lastPB -= int32(t.detune)
	t.detune = det
	t.lastPB += int32(t.detune)
	t.pitchBend(t.lastPB)
	return 0
}

func (t *tsdTrack) cmdNoteLength(_ byte) uint32 {
	t.lenMod = t.LE16(1)
	t.Pos += 3
	return 0
}

func (t *tsdTrack) cmdVibrato(_ byte) uint32 {
	t.vib.Delay = t.U8(1)
	t.vib.Speed = t.S8(2)
	t.vib.Strength = t.S8(3)
	t.vib.Wave = t.U8(4)
	t.Pos += 5
	t.flags |= tsdFlagVibrato
	t.needBend()
	return 0
}

// cmdPortamento is a portamento that is not bound to a note. Its duration
// is zero, so it has no effect.
func (t *tsdTrack) cmdPortamento(_ byte) uint32 {
	t.porta.Range = t.opts.Pitch.PortaRange(t.curNote, t.U8(1), t.U8(2))
	t.porta.Duration = 0
	t.Pos += 3
	t.flags |= tsdFlagPorta
	t.needBend()
	return 0
}

func (t *tsdTrack) cmdEffectSwitch(_ byte) uint32 {
	fx, off := t.U8(1), t.U8(2)
	t.Pos += 3
	set := func(flag uint16, on bool) {
		if on {
			t.flags |= flag
		} else {
			t.flags &^= flag
		}
	}
	switch fx {
	case 0x00:
		set(tsdFlagVibrato, off&0x80 == 0)
		set(tsdFlagVibPorta, off&0x01 == 0)
	case 0x01:
		set(tsdFlagSlide, off == 0)
	case 0x02:
		set(tsdFlagTremolo, off == 0)
	case 0x03:
		set(tsdFlagEnvelope, off == 0)
	}
	return 0
}

func (t *tsdTrack) cmdJump(_ byte) uint32 {
	ofs := int(int16(t.LE16(1)))
	t.Pos += 3
	switch {
	case ofs == 0:
		t.Finish()
	case ofs > 0:
		t.Pos += ofs
	case t.Pass == engine.PassMeasure:
		t.FoundLoop(t.Pos + ofs)
	case t.MasterLoop(true):
		t.Pos += ofs
	default:
		t.Finish()
	}
	return 0
}

func (t *tsdTrack) cmdPan(_ byte) uint32 {
	v := t.U8(1)
	t.Pos += 2
	t.use(tsdUsePan)
	if t.kind&0xF0 == 0 {
		t.pan = tsdPanLUT[v&3]
	} else {
		t.pan = v
	}
	if t.kind == tsdRhythm {
		// one pan for the whole rhythm part, applied per drum sound
		for _, key := range tsdRhythmKeys {
			t.Out.NRPN(0x1C, key, t.pan)
		}
		return 0
	}
	t.Out.Control(0x0A, t.pan)
	return 0
}

func (t *tsdTrack) cmdVolume(_ byte) uint32 {
	t.vol = t.U8(1)
	t.Pos += 2
	t.use(tsdUseExpr)
	t.drumLevels()
	if t.flags&tsdFlagEnvelope != 0 {
		t.lastVol = 0xFF // resent at the next note on
		return 0
	}
	t.applyVolume()
	return 0
}

func (t *tsdTrack) cmdVolumeAdd(cmd byte) uint32 {
	v := int16(t.vol) + int16(t.S8(1))
	t.Pos += 2
	t.use(tsdUseExpr)
	if t.opts.DriverBugs {
		// only underflow is caught
		if v&0x80 != 0 {
			v = 0
		}
	} else {
		v = max(0, min(v, 0x7F))
	}
	t.vol = uint8(v)
	if b, _ := t.Peek(t.Pos); b == cmd {
		return 0
	}
	t.drumLevels()
	t.applyVolume()
	return 0
}

// drumLevels sends the rhythm part volume as the level of every drum
// sound.
func (t *tsdTrack) drumLevels() {
	if t.kind != tsdRhythm {
		return
	}
	level := min(uint16(t.vol)*uint16(t.volScale&0x7F), 0x7F)
	if uint8(level) == t.drumVol {
		return
	}
	t.drumVol = uint8(level)
	for _, key := range tsdRhythmKeys {
		t.Out.NRPN(0x1A, key, t.drumVol)
	}
}

func (t *tsdTrack) applyVolume() {
	if t.volScale&0x80 != 0 {
		return
	}
	if t.opts.DriverBugs && t.lastNote == tsdNoNote {
		return
	}
	// raising from silence waits for the next note
	if t.lastVol == 0 && t.vol > 0 {
		return
	}
	t.expression(t.vol)
	t.lastVol = t.vol
}

func (t *tsdTrack) cmdInstrument(_ byte) uint32 {
	t.Out.Program(t.U8(1))
	t.Pos += 2
	return 0
}

// tsdCtrlArg maps a one-byte command onto a controller.
func tsdCtrlArg(ctrl uint8) func(*tsdTrack, byte) uint32 {
	return func(t *tsdTrack, _ byte) uint32 {
		t.Out.Control(ctrl, t.U8(1))
		t.Pos += 2
		return 0
	}
}

func (t *tsdTrack) cmdEnvelope(_ byte) uint32 {
	t.env = modulation.Envelope{
		AttackLevel: t.U8(1),
		AttackTime:  t.U8(2),
		DecayTime:   t.U8(3),
		DecayLevel:  t.U8(4),
		SustainRate: t.U8(5),
		ReleaseTime: t.U8(6),
		Level:       t.env.Level,
	}
	t.Pos += 7
	t.flags |= tsdFlagEnvelope
	return 0
}

func (t *tsdTrack) cmdMarker(_ byte) uint32 {
	v := t.U8(1)
	t.Pos += 2
	t.Info("marker byte 0x%02X", v)
	t.Out.Marker(fmt.Sprintf("Marker = %d", v))
	t.Out.Control(midiout.CtrlMarker, v)
	return 0
}

func (t *tsdTrack) cmdPitchSlide(_ byte) uint32 {
	t.slide.Delay = t.U8(1)
	t.slide.Restart()
	t.slide.Delta = int16(t.S8(2))
	t.Pos += 3
	t.flags |= tsdFlagSlide
	t.needBend()
	return 0
}

func (t *tsdTrack) cmdVelocity(_ byte) uint32 {
	v := t.U8(1)
	t.Pos += 2
	if v&0x80 == 0 {
		t.vel = v
	} else {
		t.velOnce = v & 0x7F
	}
	return 0
}

func (t *tsdTrack) cmdControl(_ byte) uint32 {
	ctrl, val := t.U8(1), t.U8(2)
	t.Pos += 3
	switch ctrl {
	case 0x07:
		t.use(tsdUseVolume)
	case 0x0A:
		t.use(tsdUsePan)
	case 0x0B:
		t.use(tsdUseExpr)
	case 0x5B:
		t.use(tsdUseReverb)
	case 0x5D:
		t.use(tsdUseChorus)
	}
	t.Out.Control(ctrl, val)
	return 0
}

func (t *tsdTrack) cmdTremolo(_ byte) uint32 {
	t.trem.Delay = t.U8(1)
	t.trem.Speed = t.U8(2)
	t.trem.Strength = t.U8(3)
	t.trem.VolScale = t.U8(4)
	t.Pos += 5
	t.flags |= tsdFlagTremolo
	return 0
}

func (t *tsdTrack) cmdRegister(_ byte) uint32 {
	reg, val := t.U8(1), t.U8(2)
	t.Pos += 3
	t.Info("FM register write 0x%02X = 0x%02X ignored", reg, val)
	return 0
}

func (t *tsdTrack) cmdSysEx(_ byte) uint32 {
	n := t.sysexLen(t.Pos)
	switch t.kind {
	case tsdSSG:
		t.Out.Program(t.U8(1))
	case tsdRhythm:
		t.Out.Control(0x27, (t.U8(1)&0x3F)*2)
	case tsdMIDI:
		// F0 .. F7 follows the command
		if n > 3 && t.Transcoding() {
			t.Out.SysEx(t.Data[t.Pos+2 : t.Pos+n-1])
		}
	}
	t.Pos += n
	return 0
}

func (t *tsdTrack) cmdFlag(cmd byte) uint32 {
	t.Pos++
	if cmd == 0x9B {
		t.Info("marker flag set")
		t.Out.Control(midiout.CtrlFlag, 0x7F)
		t.Out.Marker("Flag = set")
		return 0
	}
	t.Info("marker flag cleared")
	t.Out.Marker("Flag = clear")
	t.Out.Control(midiout.CtrlFlag, 0)
	return 0
}
