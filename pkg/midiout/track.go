// Package midiout collects delta-timed MIDI events per track and assembles
// them into Standard MIDI Files.
package midiout

import (
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/james-see/chiptune2midi/pkg/vlq"
)

// DelayHandler is invoked with the pending delay right before it is written.
// It may emit events through Append and shorten the delay accordingly.
type DelayHandler func(delay *uint32)

// Track is a single MIDI track under construction. Events are stamped with
// the ticks accumulated in Delay since the previous event.
//
// All writing methods are no-ops on a nil *Track.
type Track struct {
	Channel uint8
	Delay   uint32
	OnDelay DelayHandler

	events smf.Track
	tick   uint32
	closed bool
	dry    bool
}

// NewTrack returns an empty track on MIDI channel 0.
func NewTrack() *Track {
	return &Track{}
}

// NewDryTrack returns a track that keeps time but discards every event.
// Bytecode interpreters use it for measuring passes.
func NewDryTrack() *Track {
	return &Track{dry: true}
}

// Dry reports whether the track discards its events.
func (t *Track) Dry() bool {
	return t == nil || t.dry
}

// Tick returns the absolute tick of the last written event.
func (t *Track) Tick() uint32 {
	if t == nil {
		return 0
	}
	return t.tick
}

// Events returns the events written so far.
func (t *Track) Events() smf.Track {
	if t == nil {
		return nil
	}
	return t.events
}

// Len returns the number of events written so far.
func (t *Track) Len() int {
	if t == nil {
		return 0
	}
	return len(t.events)
}

func (t *Track) flush() uint32 {
	if t.OnDelay != nil {
		t.OnDelay(&t.Delay)
	}
	d := t.Delay
	t.Delay = 0
	t.tick += d
	return d
}

// Append writes msg with an explicit delta, bypassing the pending delay and
// the delay handler.
func (t *Track) Append(delta uint32, msg []byte) {
	if t == nil {
		return
	}
	t.tick += delta
	if !t.dry {
		t.events.Add(delta, msg)
	}
}

// Write flushes the pending delay and writes msg.
func (t *Track) Write(msg []byte) {
	if t == nil || t.closed {
		return
	}
	d := t.flush()
	if !t.dry {
		t.events.Add(d, msg)
	}
}

// Event writes a channel event on the track's current channel. Program
// change and channel pressure drop d2.
func (t *Track) Event(status, d1, d2 uint8) {
	if t == nil {
		return
	}
	st := status&0xF0 | t.Channel&0x0F
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		t.Write([]byte{st, d1 & 0x7F})
	default:
		t.Write([]byte{st, d1 & 0x7F, d2 & 0x7F})
	}
}

// NoteOn writes a note-on event.
func (t *Track) NoteOn(key, vel uint8) {
	if t == nil {
		return
	}
	t.Write(midi.NoteOn(t.Channel, key&0x7F, vel&0x7F))
}

// NoteOff writes a note-on event with velocity zero, the form the sound
// drivers send.
func (t *Track) NoteOff(key uint8) {
	if t == nil {
		return
	}
	t.Write(midi.NoteOn(t.Channel, key&0x7F, 0))
}

// Control writes a control change.
func (t *Track) Control(ctrl, value uint8) {
	if t == nil {
		return
	}
	t.Write(midi.ControlChange(t.Channel, ctrl&0x7F, value&0x7F))
}

// Program writes a program change.
func (t *Track) Program(prog uint8) {
	if t == nil {
		return
	}
	t.Write(midi.ProgramChange(t.Channel, prog&0x7F))
}

// PitchBend writes a 14-bit pitch bend value (0x2000 is centre).
func (t *Track) PitchBend(value uint16) {
	if t == nil {
		return
	}
	t.Write(midi.Pitchbend(t.Channel, int16(value&0x3FFF)-0x2000))
}

// ChannelPressure writes a channel aftertouch event.
func (t *Track) ChannelPressure(pressure uint8) {
	if t == nil {
		return
	}
	t.Write(midi.AfterTouch(t.Channel, pressure&0x7F))
}

// PolyPressure writes a polyphonic aftertouch event.
func (t *Track) PolyPressure(key, pressure uint8) {
	if t == nil {
		return
	}
	t.Write(midi.PolyAfterTouch(t.Channel, key&0x7F, pressure&0x7F))
}

// RPN selects a registered parameter and sets its data entry MSB.
func (t *Track) RPN(msb, lsb, value uint8) {
	t.Control(0x65, msb)
	t.Control(0x64, lsb)
	t.Control(0x06, value)
}

// NRPN selects a non-registered parameter and sets its data entry MSB.
func (t *Track) NRPN(msb, lsb, value uint8) {
	t.Control(0x63, msb)
	t.Control(0x62, lsb)
	t.Control(0x06, value)
}

// LoopMarker writes the controller 0x6F marker that tags loop iterations.
func (t *Track) LoopMarker(count uint16) {
	t.Control(CtrlLoop, uint8(count))
}

// Meta writes a meta event.
func (t *Track) Meta(typ uint8, data []byte) {
	if t == nil {
		return
	}
	msg := make([]byte, 0, len(data)+6)
	msg = append(msg, 0xFF, typ)
	msg = vlq.AppendEncode(msg, uint32(len(data)))
	msg = append(msg, data...)
	t.Write(msg)
}

// SysEx writes a system exclusive message. payload excludes the F0 and F7
// framing bytes.
func (t *Track) SysEx(payload []byte) {
	if t == nil {
		return
	}
	msg := make([]byte, 0, len(payload)+2)
	msg = append(msg, 0xF0)
	msg = append(msg, payload...)
	msg = append(msg, 0xF7)
	t.Write(msg)
}

// Tempo writes a set-tempo meta event in microseconds per quarter note.
func (t *Track) Tempo(usPerQuarter uint32) {
	t.Meta(MetaTempo, []byte{byte(usPerQuarter >> 16), byte(usPerQuarter >> 8), byte(usPerQuarter)})
}

// TimeSignature writes a time signature meta event. den is the plain
// denominator (4 for x/4).
func (t *Track) TimeSignature(num, den uint8) {
	shift := log2(den)
	t.Meta(MetaTimeSignature, []byte{num, shift, 96 >> shift, 8})
}

// TrackName writes a sequence/track name meta event.
func (t *Track) TrackName(name string) {
	t.Meta(MetaTrackName, []byte(name))
}

// Marker writes a marker meta event.
func (t *Track) Marker(text string) {
	t.Meta(MetaMarker, []byte(text))
}

// Text writes a text meta event.
func (t *Track) Text(text string) {
	t.Meta(MetaText, []byte(text))
}

// ChannelPrefix writes a MIDI channel prefix meta event.
func (t *Track) ChannelPrefix(ch uint8) {
	t.Meta(MetaChannelPrefix, []byte{ch & 0x0F})
}

// Close flushes the pending delay and terminates the track. Further writes
// are ignored.
func (t *Track) Close() {
	if t == nil || t.closed {
		return
	}
	d := t.flush()
	if !t.dry {
		t.events.Close(d)
	}
	t.closed = true
}

func log2(v uint8) uint8 {
	var shift uint8
	for v >>= 1; v > 0; v >>= 1 {
		shift++
	}
	return shift
}
