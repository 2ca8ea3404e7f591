package render

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/james-see/chiptune2midi/pkg/logger"
	"github.com/james-see/chiptune2midi/pkg/midiout"
	"github.com/james-see/chiptune2midi/pkg/soundfont"
)

// squareFont returns a bank with one looping square wave on program 0.
func squareFont(t *testing.T) []byte {
	t.Helper()
	wave := make([]int16, 64)
	for i := range wave {
		wave[i] = 12000
		if i >= 32 {
			wave[i] = -12000
		}
	}
	b := soundfont.New("square")
	b.AddSample(soundfont.Sample{Name: "square", Data: wave, LoopEnd: 64, Rate: 8000, RootKey: 60})
	ins := b.AddInstrument("square", soundfont.Zone{
		soundfont.Gen(soundfont.GenSampleModes, soundfont.LoopAlways),
		soundfont.Gen(soundfont.GenSampleID, 0),
	})
	b.AddPreset("square", 0, 0, ins)
	data, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// halfSecond returns a MIDI file with one note lasting half a second.
func halfSecond(t *testing.T) []byte {
	t.Helper()
	f := midiout.NewFile(96)
	tr := f.AddTrack()
	tr.Program(0)
	tr.NoteOn(60, 100)
	tr.Delay = 96
	tr.NoteOff(60)
	data, err := f.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func testOptions() Options {
	return Options{SampleRate: MinSampleRate, Tail: 100 * time.Millisecond, Logger: logger.Discard()}
}

func TestRender(t *testing.T) {
	audio, err := Render(context.Background(), squareFont(t), halfSecond(t), testOptions())
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if d := audio.Duration(); d < 550*time.Millisecond || d > 650*time.Millisecond {
		t.Errorf("Duration() = %v, want about 600ms", d)
	}
	if len(audio.Left) != len(audio.Right) {
		t.Errorf("channels differ: %d and %d frames", len(audio.Left), len(audio.Right))
	}
	if audio.Peak() == 0 {
		t.Error("rendered silence")
	}
}

func TestRenderMaxLength(t *testing.T) {
	opts := testOptions()
	opts.MaxLength = 100 * time.Millisecond
	audio, err := Render(context.Background(), squareFont(t), halfSecond(t), opts)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if d := audio.Duration(); d > 250*time.Millisecond {
		t.Errorf("Duration() = %v, want the song cut", d)
	}
}

func TestRenderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Render(ctx, squareFont(t), halfSecond(t), testOptions()); !errors.Is(err, context.Canceled) {
		t.Errorf("Render() error = %v, want context.Canceled", err)
	}
}

func TestRenderSampleRate(t *testing.T) {
	for _, rate := range []int{8000, MinSampleRate - 1, MaxSampleRate + 1} {
		opts := testOptions()
		opts.SampleRate = rate
		if _, err := Render(context.Background(), squareFont(t), halfSecond(t), opts); !errors.Is(err, ErrSampleRate) {
			t.Errorf("Render() at %d Hz error = %v, want ErrSampleRate", rate, err)
		}
	}
}

func TestRenderBadInput(t *testing.T) {
	if _, err := Render(context.Background(), []byte("junk"), halfSecond(t), testOptions()); err == nil {
		t.Error("expected an error for a broken SoundFont")
	}
	if _, err := Render(context.Background(), squareFont(t), []byte("junk"), testOptions()); err == nil {
		t.Error("expected an error for broken MIDI data")
	}
}

func TestWAV(t *testing.T) {
	a := &Audio{
		SampleRate: 8000,
		Left:       []float32{0, 1, -1, 2},
		Right:      []float32{0.5, -0.5, 0, -2},
	}
	wav := a.WAV()
	if len(wav) != 44+4*4 {
		t.Fatalf("WAV is %d bytes", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:16]) != "WAVEfmt " || string(wav[36:40]) != "data" {
		t.Errorf("bad header %q", wav[:44])
	}
	if got := binary.LittleEndian.Uint32(wav[4:]); got != uint32(len(wav)-8) {
		t.Errorf("RIFF size %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:]); got != 8000*4 {
		t.Errorf("byte rate %d", got)
	}

	want := []int16{0, 16384, 32767, -16384, -32767, 0, 32767, -32767}
	for i, w := range want {
		if got := int16(binary.LittleEndian.Uint16(wav[44+i*2:])); got != w {
			t.Errorf("sample %d = %d, want %d", i, got, w)
		}
	}

	var buf bytes.Buffer
	if n, err := a.WriteWAV(&buf); err != nil || n != int64(len(wav)) {
		t.Errorf("WriteWAV() = %d, %v", n, err)
	}
}
