package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/engine"
	"github.com/james-see/chiptune2midi/pkg/midiout"
)

type mdcPart struct {
	chn  uint8
	body []byte
}

// mdcFile builds a song with the title right after the header, followed by
// the track table and the track bodies.
func mdcFile(title string, res uint16, parts ...mdcPart) []byte {
	data := make([]byte, mdcHeaderSize)
	copy(data, mdcMagic)
	binary.BigEndian.PutUint32(data[0x14:], mdcHeaderSize)
	binary.BigEndian.PutUint16(data[0x2C:], res)
	data = append(data, title...)
	data = append(data, 0)

	base := len(data)
	binary.BigEndian.PutUint32(data[0x10:], uint32(base))
	data = binary.BigEndian.AppendUint16(data, uint16(len(parts)))
	pos := 2 + 8*len(parts)
	for i, p := range parts {
		data = binary.BigEndian.AppendUint32(data, uint32(pos))
		data = append(data, byte(i), p.chn, 0, 0)
		pos += len(p.body)
	}
	for _, p := range parts {
		data = append(data, p.body...)
	}
	return data
}

// mdcBody is where the body of mdcSingle starts.
const mdcBody = mdcHeaderSize + 1 + 2 + 8

func mdcSingle(body ...byte) []byte {
	return mdcFile("", mdcResolution, mdcPart{chn: 0x00, body: body})
}

var mdcEnd = []byte{0xFE, 0x00, 0x00}

func TestMDCDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"song", mdcSingle(0xFE, 0x00, 0x00), true},
		{"magic only", []byte("MDC\x1A"), true},
		{"short", []byte("MDC"), false},
		{"other format", gmdFile(""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (MDC{}).Detect(tt.data); got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMDCParse(t *testing.T) {
	data := mdcFile("Mahjong\x01", 96,
		mdcPart{chn: 0x00, body: mdcEnd},
		mdcPart{chn: 0x13, body: mdcEnd},
		mdcPart{chn: 0x85, body: mdcEnd},
	)
	song, err := (MDC{}).Parse(data, testOptions())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if song.Title() != "Mahjong" {
		t.Errorf("Title() = %q, want %q", song.Title(), "Mahjong")
	}
	if song.Resolution() != 96 {
		t.Errorf("Resolution() = %d, want 96", song.Resolution())
	}

	want := []struct {
		ch   uint8
		name string
	}{
		{0, "FM 1"},
		{midiout.DrumChannel, "PCM"},
		{5, "MIDI 6"},
	}
	tracks := song.Tracks()
	if len(tracks) != len(want) {
		t.Fatalf("got %d tracks, want %d", len(tracks), len(want))
	}
	for i, w := range want {
		if tracks[i].Channel != w.ch || tracks[i].Name != w.name {
			t.Errorf("track %d: channel %d %q, want %d %q", i, tracks[i].Channel, tracks[i].Name, w.ch, w.name)
		}
	}
	if tracks[1].Start != tracks[0].Start+len(mdcEnd) {
		t.Errorf("track 1 starts at 0x%04X", tracks[1].Start)
	}
}

func TestMDCParseErrors(t *testing.T) {
	bad := mdcSingle(mdcEnd...)
	copy(bad, "XYZ")
	noTracks := mdcFile("", 48)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", []byte("MDC\x1A\x00\x00"), converter.ErrTruncated},
		{"bad magic", bad, converter.ErrBadMagic},
		{"no tracks", noTracks, converter.ErrNoTracks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (MDC{}).Parse(tt.data, testOptions()); !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMDCDefaultResolution(t *testing.T) {
	song, err := (MDC{}).Parse(mdcFile("", 0, mdcPart{body: mdcEnd}), testOptions())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if song.Resolution() != mdcResolution {
		t.Errorf("Resolution() = %d, want %d", song.Resolution(), mdcResolution)
	}
}

func TestMDCNotes(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0x3C, 0x64, 0x08, 0x10, // velocity, length, delay
		0x3E, 0x84, // length and delay 4
		0xFE, 0x00, 0x00,
	), testOptions())
	evs := tc.events(0)

	on := noteOns(evs)
	if len(on) != 2 || on[0].tick != 0 || on[0].msg[2] != 0x64 || on[1].tick != 16 || on[1].msg[2] != 0x7F {
		t.Errorf("note ons %v", on)
	}
	if off := noteOffs(evs, 0x3C); len(off) != 1 || off[0].tick != 8 {
		t.Errorf("3C note offs %v, want one at 8", off)
	}
	if off := noteOffs(evs, 0x3E); len(off) != 1 || off[0].tick != 20 {
		t.Errorf("3E note offs %v, want one at 20", off)
	}
	if tc.desc(0).TickLength != 20 {
		t.Errorf("measured %d ticks, want 20", tc.desc(0).TickLength)
	}
	if name := find(evs, 0xFF, midiout.MetaTrackName); len(name) != 1 || !bytes.HasSuffix(name[0].msg, []byte("FM 1")) {
		t.Errorf("track name %v", name)
	}
	if expr := find(evs, 0xB0, 0x0B); len(expr) != 1 || expr[0].msg[2] != mdcDefaultExp {
		t.Errorf("initial expression %v", expr)
	}
}

func TestMDCLongNote(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0x81, 0x3C, 0x83, 0x00, // 384 ticks
		0xFE, 0x00, 0x00,
	), testOptions())
	evs := tc.events(0)

	if on := noteOns(evs); len(on) != 1 || on[0].msg[1] != 0x3C {
		t.Errorf("note ons %v", on)
	}
	if off := noteOffs(evs, 0x3C); len(off) != 1 || off[0].tick != 384 {
		t.Errorf("note offs %v, want one at 384", off)
	}
	if tc.desc(0).TickLength != 384 {
		t.Errorf("measured %d ticks, want 384", tc.desc(0).TickLength)
	}
}

func TestMDCNoteLength(t *testing.T) {
	tests := []struct {
		name string
		mod  byte
		want uint32
	}{
		{"half", 0x04, 5},
		{"minus two", 0xFE, 7},
		{"full", 0x08, 9},
		{"cut below one", 0xF6, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := transcode(t, MDC{}, mdcSingle(
				0xAE, tt.mod,
				0x3C, 0x00, 0x09, 0x10,
				0xFE, 0x00, 0x00,
			), testOptions())
			if off := noteOffs(tc.events(0), 0x3C); len(off) != 1 || off[0].tick != tt.want {
				t.Errorf("note offs %v, want one at %d", off, tt.want)
			}
		})
	}
}

func TestMDCChord(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0x3C, 0x00, 0x00, 0x00, // no length: lasts as long as the chord
		0x40, 0x00, 0x08, 0x08,
		0xFE, 0x00, 0x00,
	), testOptions())
	evs := tc.events(0)

	if on := noteOns(evs); len(on) != 2 || on[0].tick != 0 || on[1].tick != 0 {
		t.Errorf("note ons %v, want two at 0", on)
	}
	for _, k := range []byte{0x3C, 0x40} {
		if off := noteOffs(evs, k); len(off) != 1 || off[0].tick != 8 {
			t.Errorf("%02X note offs %v, want one at 8", k, off)
		}
	}
}

func TestMDCRetriggerExtendsNote(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0x3C, 0x00, 0x10, 0x04,
		0x3C, 0x00, 0x08, 0x08,
		0xFE, 0x00, 0x00,
	), testOptions())
	evs := tc.events(0)

	if on := noteOns(evs); len(on) != 1 {
		t.Errorf("note ons %v, want one", on)
	}
	if off := noteOffs(evs, 0x3C); len(off) != 1 || off[0].tick != 12 {
		t.Errorf("note offs %v, want one at 12", off)
	}
}

func TestMDCPortamento(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0x3C, 0x00, 0x04, 0x04,
		0x86,
		0x40, 0x00, 0x04, 0x04, // held
		0x43, 0x00, 0x04, 0x04, // bends the held note
		0xFE, 0x00, 0x00,
	), testOptions())
	evs := tc.events(0)

	on := noteOns(evs)
	if len(on) != 2 || on[0].msg[1] != 0x3C || on[1].msg[1] != 0x40 || on[1].tick != 4 {
		t.Errorf("note ons %v, want 3C then 40 at 4", on)
	}
	pb := find(evs, 0xE0)
	if len(pb) != 1 || pb[0].tick != 8 || !bytes.Equal(pb[0].msg, []byte{0xE0, 0x00, 0x50}) {
		t.Errorf("pitch bends %v, want +3 semitones at 8", pb)
	}
	if off := noteOffs(evs, 0x40); len(off) != 1 || off[0].tick != 12 {
		t.Errorf("40 note offs %v, want one at 12", off)
	}
	if off := noteOffs(evs, 0x43); len(off) != 0 {
		t.Errorf("43 should not sound: %v", off)
	}
}

func TestMDCPitchSlide(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0xAA, 0x02, // bend range 2
		0xB8, 0x00, 0x40, 0x04, // one semitone over 4 ticks
		0x3C, 0x00, 0x08, 0x08,
		0xFE, 0x00, 0x00,
	), testOptions())
	evs := tc.events(0)

	if rng := find(evs, 0xB0, 0x06); len(rng) != 1 || rng[0].msg[2] != 2 {
		t.Errorf("bend range %v", rng)
	}
	want := []event{
		{1, []byte{0xE0, 0x00, 0x48}},
		{2, []byte{0xE0, 0x00, 0x50}},
		{3, []byte{0xE0, 0x00, 0x58}},
	}
	pb := find(evs, 0xE0)
	if len(pb) != len(want) {
		t.Fatalf("pitch bends %v, want %v", pb, want)
	}
	for i := range want {
		if pb[i].tick != want[i].tick || !bytes.Equal(pb[i].msg, want[i].msg) {
			t.Errorf("pitch bend %d = %v, want %v", i, pb[i], want[i])
		}
	}
	if off := noteOffs(evs, 0x3C); len(off) != 1 || off[0].tick != 8 {
		t.Errorf("note offs %v, want one at 8", off)
	}
}

func TestMDCDetune(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0xAC, 0x10,
		0x80, 0x04,
		0xB0, 0xFF, 0x00,
		0xFE, 0x00, 0x00,
	), testOptions())

	pb := find(tc.events(0), 0xE0)
	if len(pb) != 2 ||
		!bytes.Equal(pb[0].msg, []byte{0xE0, 0x10, 0x40}) ||
		!bytes.Equal(pb[1].msg, []byte{0xE0, 0x00, 0x3E}) || pb[1].tick != 4 {
		t.Errorf("pitch bends %v", pb)
	}
}

func TestMDCLoops(t *testing.T) {
	tests := []struct {
		name     string
		body     []byte
		ticks    uint32
		notes    int
		warnings int
	}{
		{
			name:  "counted",
			body:  []byte{0x88, 0x03, 0x00, 0x3C, 0x84, 0x89, 0x00, 0x00, 0xFE, 0x00, 0x00},
			ticks: 12, notes: 3,
		},
		{
			name:  "count 0 runs 256 times",
			body:  []byte{0x88, 0x00, 0x00, 0x3C, 0x81, 0x89, 0x00, 0x00, 0xFE, 0x00, 0x00},
			ticks: 256, notes: 256,
		},
		{
			name: "exit on the last pass",
			body: []byte{
				0x88, 0x02, 0x00,
				0x3C, 0x84,
				0x8A, 0x00, 0x00,
				0x3E, 0x84,
				0x89, 0x00, 0x00,
				0xFE, 0x00, 0x00,
			},
			ticks: 12, notes: 3,
		},
		{
			name:  "exit before the end is known",
			body:  []byte{0x88, 0x01, 0x00, 0x8A, 0x00, 0x00, 0x3C, 0x84, 0x89, 0x00, 0x00, 0xFE, 0x00, 0x00},
			ticks: 4, notes: 1, warnings: 1,
		},
		{
			name:  "end without start",
			body:  []byte{0x3C, 0x84, 0x89, 0x00, 0x00, 0x3E, 0x84, 0xFE, 0x00, 0x00},
			ticks: 4, notes: 1, warnings: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := transcode(t, MDC{}, mdcSingle(tt.body...), testOptions())
			if got := tc.desc(0).TickLength; got != tt.ticks {
				t.Errorf("measured %d ticks, want %d", got, tt.ticks)
			}
			if got := tc.tracks[0].Tick(); got != tt.ticks {
				t.Errorf("track ends at %d, want %d", got, tt.ticks)
			}
			if got := len(noteOns(tc.events(0))); got != tt.notes {
				t.Errorf("got %d notes, want %d", got, tt.notes)
			}
			if got := len(tc.warnings[0]); got != tt.warnings {
				t.Errorf("got warnings %v, want %d", tc.warnings[0], tt.warnings)
			}
		})
	}
}

func TestMDCLoopStackOverflow(t *testing.T) {
	var body []byte
	for i := 0; i < 9; i++ {
		body = append(body, 0x88, 0x01, 0x00)
	}
	body = append(body, 0x3C, 0x84)
	for i := 0; i < 8; i++ {
		body = append(body, 0x89, 0x00, 0x00)
	}
	body = append(body, mdcEnd...)

	tc := transcode(t, MDC{}, mdcSingle(body...), testOptions())
	if w := tc.warnings[0]; len(w) != 1 || w[0].Offset != mdcBody+8*3 {
		t.Errorf("unexpected warnings %v", w)
	}
	if tc.tracks[0].Tick() != 4 {
		t.Errorf("track ends at %d, want 4", tc.tracks[0].Tick())
	}
}

func TestMDCMasterLoop(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0x3E, 0x84,
		0x3C, 0x88, // loop start
		0xFE, 0xFF, 0xFB,
	), testOptions())

	d := tc.desc(0)
	if d.LoopOffset != mdcBody+2 || d.LoopTick != 4 || d.TickLength != 12 {
		t.Errorf("descriptor %v, want loop at 0x%04X from tick 4, 12 ticks", d, mdcBody+2)
	}
	if got := engine.PreparseLoopLength(tc.song.(*mdcSong).factory, d); got != d.LoopTicks() {
		t.Errorf("loop length %d, want %d", got, d.LoopTicks())
	}

	markers := find(tc.events(0), 0xB0, midiout.CtrlLoop)
	if got := ticksOf(markers); !equalTicks(got, []uint32{4, 12, 20}) {
		t.Errorf("loop markers at %v, want [4 12 20]", got)
	}
	if got := len(noteOns(tc.events(0))); got != 3 {
		t.Errorf("got %d notes, want 3", got)
	}
	if tc.tracks[0].Tick() != 20 {
		t.Errorf("track ends at %d, want 20", tc.tracks[0].Tick())
	}
}

func TestMDCTempo(t *testing.T) {
	tests := []struct {
		res  uint16
		bpm  byte
		want []byte
	}{
		{48, 120, []byte{0x07, 0xA1, 0x20}},
		{96, 120, []byte{0x0F, 0x42, 0x40}},
		{48, 0, []byte{0x07, 0xA1, 0x20}},
	}
	for _, tt := range tests {
		data := mdcFile("", tt.res, mdcPart{body: []byte{0xF0, 0x00, tt.bpm, 0xFE, 0x00, 0x00}})
		tc := transcode(t, MDC{}, data, testOptions())
		tempo := find(tc.events(0), 0xFF, midiout.MetaTempo)
		if len(tempo) != 1 || !bytes.HasSuffix(tempo[0].msg, tt.want) {
			t.Errorf("res %d, %d BPM: tempo %v, want % X", tt.res, tt.bpm, tempo, tt.want)
		}
	}
}

func TestMDCRawMIDI(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0xFA, 0x05, 0xF0, 0x41, 0x10, 0x42, 0xF7,
		0xFA, 0x03, 0x90, 0x3C, 0x40, // not passed on
		0x3C, 0x84,
		0xFE, 0x00, 0x00,
	), testOptions())
	evs := tc.events(0)

	syx := find(evs, 0xF0)
	if len(syx) != 1 || !bytes.Equal(syx[0].msg, []byte{0xF0, 0x41, 0x10, 0x42, 0xF7}) {
		t.Errorf("sysex %v", syx)
	}
	if w := tc.warnings[0]; len(w) != 1 || w[0].Offset != mdcBody+7 {
		t.Errorf("unexpected warnings %v", w)
	}
	if on := noteOns(evs); len(on) != 1 {
		t.Errorf("track should go on after raw data, got %v", on)
	}
}

func TestMDCRawMIDIPastEnd(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(0x3C, 0x84, 0xFA, 0x10, 0xF0, 0x41), testOptions())
	if w := tc.warnings[0]; len(w) != 1 || w[0].Offset != mdcBody+2 {
		t.Errorf("unexpected warnings %v", w)
	}
	if len(find(tc.events(0), 0xF0)) != 0 {
		t.Error("truncated sysex written")
	}
}

func TestMDCExpression(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want []byte
	}{
		{"set before notes", []byte{0xA2, 0x40, 0x3C, 0x84}, []byte{0x40}},
		{"set after a note", []byte{0x3C, 0x84, 0xA2, 0x40}, []byte{mdcDefaultExp, 0x40}},
		{"steps", []byte{0xA2, 0x85, 0xA3, 0x02, 0x3C, 0x84}, []byte{0x2F, 0x3F}},
		{"step clamp", []byte{0xA2, 0x8E, 0xA3, 0x05, 0x3C, 0x84}, []byte{0x77, 0x7F}},
		{"add clamp", []byte{0xA2, 0x70, 0xA3, 0x20, 0xA3, 0x80, 0x3C, 0x84}, []byte{0x70, 0x7F, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := append(tt.body, mdcEnd...)
			tc := transcode(t, MDC{}, mdcSingle(body...), testOptions())
			var got []byte
			for _, e := range find(tc.events(0), 0xB0, 0x0B) {
				got = append(got, e.msg[2])
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("expression % X, want % X", got, tt.want)
			}
		})
	}
}

func TestMDCControls(t *testing.T) {
	tc := transcode(t, MDC{}, mdcFile("", mdcResolution, mdcPart{chn: 0x82, body: []byte{
		0xA6, 0x81,
		0xA6, 0x20,
		0xE0, 0x05,
		0xEC, 0x5B, 0x28,
		0xA0, 0x8F,
		0x3C, 0x00, 0x01, 0x01,
		0xFE, 0x00, 0x00,
	}}), testOptions())
	evs := tc.events(0)

	if pan := find(evs, 0xB2, 0x0A); len(pan) != 2 || pan[0].msg[2] != 0x00 || pan[1].msg[2] != 0x20 {
		t.Errorf("pan %v", pan)
	}
	if prg := find(evs, 0xC2, 0x05); len(prg) != 1 {
		t.Errorf("program change %v", prg)
	}
	if cc := find(evs, 0xB2, 0x5B, 0x28); len(cc) != 1 {
		t.Errorf("control change %v", cc)
	}
	if on := find(evs, 0x92, 0x3C, 0x7F); len(on) != 1 {
		t.Errorf("note on %v, want velocity 7F on channel 3", on)
	}
}

func TestMDCUnknownCommand(t *testing.T) {
	tc := transcode(t, MDC{}, mdcSingle(
		0x3C, 0x84,
		0xC0,
		0x3E, 0x84,
	), testOptions())

	if got := tc.desc(0).TickLength; got != 4 {
		t.Errorf("measured %d ticks, want 4", got)
	}
	w := tc.warnings[0]
	if len(w) != 1 || w[0].Offset != mdcBody+2 || w[0].Opcode != 0xC0 {
		t.Fatalf("unexpected warnings %v", w)
	}
	if off := noteOffs(tc.events(0), 0x3C); len(off) != 1 || off[0].tick != 4 {
		t.Errorf("running note should still end, got %v", off)
	}
}

func TestMDCMeasureMatchesTranscode(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("measured length matches the track", prop.ForAll(
		func(count uint8, delays []uint8) bool {
			body := []byte{0x88, count, 0x00}
			var sum uint32
			for i, d := range delays {
				// alternate short notes and rests
				if i%2 == 0 {
					body = append(body, 0x30+byte(i), 0x80|d)
				} else {
					body = append(body, 0x80, d)
				}
				sum += uint32(d)
			}
			body = append(body, 0x89, 0x00, 0x00)
			body = append(body, mdcEnd...)

			tc := transcode(t, MDC{}, mdcSingle(body...), testOptions())
			want := sum * uint32(count)
			return tc.desc(0).TickLength == want &&
				tc.tracks[0].Tick() == want &&
				len(noteOns(tc.events(0))) == (len(delays)+1)/2*int(count)
		},
		gen.UInt8Range(1, 4),
		gen.SliceOfN(6, gen.UInt8Range(1, 0x7F)),
	))

	properties.TestingRun(t)
}
