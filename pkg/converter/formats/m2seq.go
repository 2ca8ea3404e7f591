package formats

import (
	"fmt"
	"slices"

	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/engine"
	"github.com/james-see/chiptune2midi/pkg/midiout"
)

// M2Seq sequences belong to "M2system sequencer-1" (M2SEQ.X), used by the
// X68000 ports of Ajax and Super Hang-On. A big-endian track count is
// followed by one big-endian pointer per track. Each track starts with its
// MIDI channel.
type M2Seq struct{}

const (
	m2MaxTracks  = 0x10
	m2Resolution = 24
	m2MaxChord   = 8
	m2MaxTempo   = 312 // the driver clamps faster tempos
	m2TieMark    = 0xFE
	m2NoKey      = 0xFF
	m2Infinite   = 0xFFFF
	m2MaxHang    = 0x100 // longest release of notes still held at the end
)

// note flags
const (
	m2FlagTie     uint8 = 0x01 // next note continues the current chord
	m2FlagPlaying uint8 = 0x02
	m2FlagLimit   uint8 = 0x04 // note length is a limit, not a fraction
)

func (M2Seq) Name() string        { return "M2SEQ" }
func (M2Seq) ID() string          { return "m2seq" }
func (M2Seq) Description() string { return "M2system sequencer-1 (Ajax, Super Hang-On)" }
func (M2Seq) Extensions() []string {
	return []string{".m2s"}
}

// Detect checks the track table, since the files carry no signature.
func (M2Seq) Detect(data []byte) bool {
	if len(data) < 4 || converter.IsM2ex(data) {
		return false
	}
	count := int(be16(data, 0))
	hdr := 2 + 2*count
	if count == 0 || count > m2MaxTracks || hdr > len(data) {
		return false
	}
	for i := 0; i < count; i++ {
		ptr := int(be16(data, 2+2*i))
		if ptr < hdr || ptr >= len(data) || data[ptr] > 0x0F {
			return false
		}
	}
	return true
}

func (M2Seq) Parse(data []byte, opts converter.Options) (converter.Song, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", converter.ErrTruncated, len(data))
	}
	s := &m2Song{song: newSong(data, opts, m2Resolution)}
	s.log = s.formatLog("m2seq")

	count := int(be16(data, 0))
	if count == 0 {
		return nil, converter.ErrNoTracks
	}
	if count > m2MaxTracks {
		s.log.Warn("too many tracks", "declared", count, "used", m2MaxTracks)
		count = m2MaxTracks
	}
	if 2+2*count > len(data) {
		return nil, fmt.Errorf("%w: track table of %d entries", converter.ErrTruncated, count)
	}
	for i := 0; i < count; i++ {
		ptr := int(be16(data, 2+2*i))
		d := engine.NewDescriptor(i, ptr)
		if ptr >= len(data) {
			s.log.Warn("track starts past end of data", "track", i, "start", fmt.Sprintf("0x%04X", ptr))
			d.Start = -1
		} else {
			d.Channel = data[ptr] & 0x0F
			d.Name = fmt.Sprintf("MIDI %d", d.Channel+1)
		}
		s.tracks = append(s.tracks, d)
	}
	return s, nil
}

func be16(b []byte, p int) uint16 {
	return uint16(b[p])<<8 | uint16(b[p+1])
}

type m2Song struct {
	song
}

func (s *m2Song) factory(d *engine.Descriptor, pass engine.Pass) engine.Runner {
	return s.newTrack(d, pass, nil)
}

func (s *m2Song) Measure(d *engine.Descriptor) {
	if d.Start < 0 {
		return
	}
	engine.Preparse(s.factory, d)
}

// Conductor writes nothing: tempo changes live in the tracks.
func (s *m2Song) Conductor(*midiout.Track) {}

func (s *m2Song) Transcode(d *engine.Descriptor, out *midiout.Track) []engine.Warning {
	if d.Start < 0 {
		return nil
	}
	t := s.newTrack(d, engine.PassTranscode, out)
	out.ChannelPrefix(out.Channel)
	t.Run()
	if t.flags&m2FlagPlaying != 0 {
		t.Out.Delay += uint32(min(t.noteLen, m2MaxHang))
		t.notesOff()
	}
	return t.Warnings
}

type m2Track struct {
	*engine.Core
	song *m2Song
	opts *converter.Options

	base    int // lowest offset of the track's own data
	flags   uint8
	vel     uint8
	lenMod  uint8
	transp  int8
	chord   uint8
	noteLen uint16
	notes   []uint8

	loops [3]engine.Frame
	rets  engine.Returns
}

func (s *m2Song) newTrack(d *engine.Descriptor, pass engine.Pass, out *midiout.Track) *m2Track {
	t := &m2Track{
		Core:   engine.NewCore(s.data, d, pass, out, s.log),
		song:   s,
		opts:   &s.opts,
		base:   d.Start + 1,
		vel:    100,
		lenMod: 0x0F,
		chord:  1,
		notes:  make([]uint8, 0, m2MaxChord),
	}
	t.Out.Channel = s.data[d.Start] & 0x0F
	if pass != engine.PassLoopLength {
		t.Pos = t.base
	}
	return t
}

var (
	m2Table  engine.Table[*m2Track]
	m2Interp = engine.Interp[*m2Track]{Table: &m2Table}
)

func init() {
	m2Table.Set(0x00, "delay", (*m2Track).cmdDelay)
	m2Table.Range(0x01, 0x7F, "note", (*m2Track).cmdNote)
	m2Table.Range(0x81, 0x88, "chord size", (*m2Track).cmdChordSize)
	m2Table.Set(0xC0, "track end", (*m2Track).cmdEnd)
	m2Table.Set(0xC3, "jump", (*m2Track).cmdJump)
	m2Table.Set(0xC4, "call 1", (*m2Track).cmdCall)
	m2Table.Set(0xC5, "call 2", (*m2Track).cmdCall)
	m2Table.Set(0xC6, "return 1", (*m2Track).cmdReturn)
	m2Table.Set(0xC7, "return 2", (*m2Track).cmdReturn)
	for _, c := range []byte{0xC8, 0xCA, 0xCC} {
		m2Table.Set(c, "loop start", (*m2Track).cmdLoopStart)
		m2Table.Set(c+1, "loop end", (*m2Track).cmdLoopEnd)
	}
	m2Table.Set(0xD0, "tempo", (*m2Track).cmdTempo)
	m2Table.Set(0xD1, "note length fraction", (*m2Track).cmdNoteLength)
	m2Table.Set(0xD2, "note length limit", (*m2Track).cmdNoteLength)
	m2Table.Set(0xD4, "transpose", (*m2Track).cmdTranspose)
	m2Table.Set(0xD5, "transpose add", (*m2Track).cmdTranspose)
	m2Table.Set(0xE0, "channel", (*m2Track).cmdChannel)
	m2Table.Set(0xE1, "velocity", (*m2Track).cmdVelocity)
	m2Table.Set(0xE2, "volume", m2CtrlArg(0x07))
	m2Table.Set(0xE3, "control change", (*m2Track).cmdControl)
	m2Table.Set(0xE4, "instrument", (*m2Track).cmdInstrument)
	m2Table.Set(0xE5, "pitch bend", (*m2Track).cmdPitchBend)

	m2Interp.Before = (*m2Track).before
	m2Interp.Unknown = func(t *m2Track, cmd byte) {
		t.Out.Control(midiout.CtrlMarker, cmd&0x7F)
	}
}

func (t *m2Track) Run() {
	m2Interp.Run(t)
}

func (t *m2Track) before() {
	if t.Transcoding() && t.AtLoop() && t.MasterLoops == 0 {
		t.Out.LoopMarker(0)
	}
}

// m2CtrlArg writes controller ctrl with the command's argument.
func m2CtrlArg(ctrl uint8) func(*m2Track, byte) uint32 {
	return func(t *m2Track, _ byte) uint32 {
		t.Out.Control(ctrl, t.U8(1))
		t.Pos += 2
		return 0
	}
}

func (t *m2Track) notesOff() {
	for _, k := range t.notes {
		t.Out.NoteOff(k)
	}
	t.notes = t.notes[:0]
	t.noteLen = 0
	t.flags &^= m2FlagPlaying
}

// release ends the sounding notes when their length fits into delay and
// returns the ticks left after the note-offs.
func (t *m2Track) release(delay uint32) uint32 {
	n := uint32(t.noteLen)
	if t.flags&m2FlagPlaying == 0 || n > delay {
		return delay
	}
	t.Wait(n)
	t.notesOff()
	return delay - n
}

// gate returns the sounding length of a note with the given delay.
func (t *m2Track) gate(delay uint32) uint16 {
	mod := uint32(t.lenMod)
	var n uint32
	switch {
	case t.flags&m2FlagLimit != 0:
		n = min(delay, mod)
	case mod >= 0x10:
		n = delay
	default:
		n = max((delay*mod+0x08)/0x10, 1)
	}
	if n == 0 {
		// the driver holds zero-length notes forever
		return m2Infinite
	}
	return uint16(n)
}

func (t *m2Track) cmdDelay(_ byte) uint32 {
	delay := uint32(t.U8(1))
	t.Pos += 2
	t.noteLen = 0
	return t.release(delay)
}

func (t *m2Track) cmdNote(_ byte) uint32 {
	tie := t.flags&m2FlagTie != 0
	if !tie && len(t.notes) > 0 {
		t.Warn("hanging note")
		if !t.opts.DriverBugs {
			t.notesOff()
		}
	}
	var held []uint8
	if tie {
		held = slices.Clone(t.notes)
	}
	t.notes = t.notes[:0]
	for i := 0; i < int(t.chord); i++ {
		t.notes = append(t.notes, uint8(int8(t.U8(i))+t.transp)&0x7F)
	}
	t.Pos += int(t.chord)

	if !tie {
		for _, k := range t.notes {
			t.Out.NoteOn(k, t.vel)
		}
		t.flags |= m2FlagPlaying
	} else {
		t.flags &^= m2FlagTie
		t.tieNotes(held)
		if !t.opts.DriverBugs {
			// the driver forgets to mark the chord as playing after a
			// tie that follows a rest, leaving it hanging
			t.flags |= m2FlagPlaying
		}
	}

	delay := uint32(t.U8(0))
	t.Pos++
	if b, ok := t.Peek(t.Pos); ok && b == m2TieMark {
		t.Pos++
		t.flags |= m2FlagTie
		t.noteLen = m2Infinite
	} else {
		t.noteLen = t.gate(delay)
	}
	return t.release(delay)
}

// tieNotes moves from the held chord to the new one: keys in both keep
// sounding, the others are released or started.
func (t *m2Track) tieNotes(held []uint8) {
	var fresh []uint8
	for _, k := range t.notes {
		if i := slices.Index(held, k); i >= 0 {
			held[i] = m2NoKey
		} else {
			fresh = append(fresh, k)
		}
	}
	for _, k := range held {
		if k != m2NoKey {
			t.Out.NoteOff(k)
		}
	}
	for _, k := range fresh {
		t.Out.NoteOn(k, t.vel)
	}
}

func (t *m2Track) cmdChordSize(cmd byte) uint32 {
	t.chord = cmd & 0x0F
	t.Pos++
	return 0
}

func (t *m2Track) cmdEnd(_ byte) uint32 {
	t.Pos++
	t.Finish()
	return 0
}

// cmdJump follows a relative jump. While measuring, a jump before the
// track's data enters code shared with another track, a forward jump just
// continues and any other backward jump closes the master loop.
func (t *m2Track) cmdJump(_ byte) uint32 {
	ofs := int16(t.BE16(1))
	t.Pos += 3
	dest := t.Pos + int(ofs)
	switch {
	case dest < t.Pos && t.Desc.HasLoop() && dest == t.Desc.LoopOffset:
		if t.MasterLoop(true) {
			t.Pos = dest
		} else {
			t.Finish()
		}
	case t.Pass != engine.PassMeasure || dest >= t.Pos:
		t.Pos = dest
	case dest < t.base:
		t.base = dest
		t.Pos = dest
	default:
		t.FoundLoop(dest)
	}
	return 0
}

func (t *m2Track) cmdCall(cmd byte) uint32 {
	ofs := int16(t.BE16(1))
	t.Pos += 3
	if err := t.rets.Call(int(cmd&0x01), t.Pos); err != nil {
		t.Warn("subroutine call: %v", err)
		return 0
	}
	t.Pos += int(ofs)
	return 0
}

// cmdReturn ignores an empty slot, as the driver does.
func (t *m2Track) cmdReturn(cmd byte) uint32 {
	t.Pos++
	if ret, ok := t.rets.Return(int(cmd & 0x01)); ok {
		t.Pos = ret
	}
	return 0
}

func (t *m2Track) cmdLoopStart(cmd byte) uint32 {
	t.loops[(cmd&0x07)/2] = engine.Frame{Count: uint16(t.U8(1)), Pos: t.Pos + 2}
	t.Pos += 2
	return 0
}

// cmdLoopEnd counts the loop down. A count of 0 runs 256 times.
func (t *m2Track) cmdLoopEnd(cmd byte) uint32 {
	f := &t.loops[(cmd&0x07)/2]
	t.Pos++
	if f.Pos == 0 {
		t.Warn("loop end without loop start")
		t.Finish()
		return 0
	}
	f.Count = (f.Count - 1) & 0xFF
	if f.Count != 0 {
		t.Pos = f.Pos
	} else {
		f.Pos = 0
	}
	return 0
}

func (t *m2Track) cmdTempo(_ byte) uint32 {
	bpm := t.BE16(1)
	t.Pos += 3
	if t.opts.DriverBugs && bpm > m2MaxTempo {
		bpm = m2MaxTempo
	}
	t.Out.Tempo(midiout.TempoFromBPM(uint32(bpm), 0x40))
	return 0
}

func (t *m2Track) cmdNoteLength(cmd byte) uint32 {
	t.lenMod = t.U8(1)
	t.Pos += 2
	if cmd == 0xD2 {
		t.flags |= m2FlagLimit
	} else {
		t.flags &^= m2FlagLimit
	}
	return 0
}

func (t *m2Track) cmdTranspose(cmd byte) uint32 {
	v := t.S8(1)
	t.Pos += 2
	if cmd == 0xD5 {
		t.transp += v
	} else {
		t.transp = v
	}
	return 0
}

func (t *m2Track) cmdChannel(_ byte) uint32 {
	t.Out.Channel = t.U8(1) & 0x0F
	t.Pos += 2
	return 0
}

func (t *m2Track) cmdVelocity(_ byte) uint32 {
	t.vel = t.U8(1)
	t.Pos += 2
	return 0
}

func (t *m2Track) cmdControl(_ byte) uint32 {
	t.Out.Control(t.U8(1), t.U8(2))
	t.Pos += 3
	return 0
}

func (t *m2Track) cmdInstrument(_ byte) uint32 {
	t.Out.Program(t.U8(1))
	t.Pos += 2
	return 0
}

// cmdPitchBend sets the bend MSB only.
func (t *m2Track) cmdPitchBend(_ byte) uint32 {
	t.Out.PitchBend(uint16(t.U8(1)&0x7F) << 7)
	t.Pos += 2
	return 0
}
