package main

import (
	"testing"

	"github.com/james-see/chiptune2midi/pkg/modulation"
)

func TestGetOutputPath(t *testing.T) {
	tests := []struct {
		name   string
		flag   string
		args   []string
		ext    string
		expect string
	}{
		{"default extension", "", []string{"music/BGM01.M"}, ".mid", "music/BGM01.mid"},
		{"second argument", "", []string{"song.gmd", "out.mid"}, ".mid", "out.mid"},
		{"flag wins", "flag.sf2", []string{"prog.rom", "out.sf2"}, ".sf2", "flag.sf2"},
		{"no extension", "", []string{"song"}, ".wav", "song.wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outputFile = tt.flag
			defer func() { outputFile = "" }()
			if got := getOutputPath(tt.args, tt.ext); got != tt.expect {
				t.Errorf("getOutputPath() = %s, want %s", got, tt.expect)
			}
		})
	}
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		set     bool
		wantErr bool
	}{
		{"", 0, false, false},
		{"0x8100", 0x8100, true, false},
		{"256", 256, true, false},
		{"zz", 0, false, true},
	}
	for _, tt := range tests {
		got, set, err := parseOffset(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseOffset(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want || set != tt.set {
			t.Errorf("parseOffset(%q) = %#x, %v", tt.in, got, tt.set)
		}
	}
}

func TestOptionsPitchMode(t *testing.T) {
	defer func() { pitchMode = "driver" }()

	pitchMode = "precise-vib"
	o, err := options()
	if err != nil {
		t.Fatalf("options() error = %v", err)
	}
	if o.Pitch != modulation.PreciseVibrato {
		t.Errorf("Pitch = %v", o.Pitch)
	}
	if o.Logger == nil {
		t.Error("options() without logger")
	}

	pitchMode = "wobbly"
	if _, err := options(); err == nil {
		t.Error("expected an error for an unknown pitch mode")
	}
}

func TestIsMIDI(t *testing.T) {
	if !isMIDI([]byte("MThd\x00\x00\x00\x06")) {
		t.Error("isMIDI() = false for a MIDI header")
	}
	if isMIDI([]byte("GMD0")) {
		t.Error("isMIDI() = true for GMD data")
	}
}
