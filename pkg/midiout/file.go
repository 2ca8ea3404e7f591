package midiout

import (
	"bytes"
	"fmt"
	"io"

	"gitlab.com/gomidi/midi/v2/smf"
)

// File is a Format 1 Standard MIDI File under construction.
type File struct {
	Resolution uint16
	Tracks     []*Track
}

// NewFile creates an empty file with the given ticks per quarter note.
func NewFile(resolution uint16) *File {
	return &File{Resolution: resolution}
}

// AddTrack appends a new track and returns it.
func (f *File) AddTrack() *Track {
	t := NewTrack()
	f.Tracks = append(f.Tracks, t)
	return t
}

// WriteTo closes all tracks and writes the file.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	s := smf.New()
	s.TimeFormat = smf.MetricTicks(f.Resolution)
	for i, t := range f.Tracks {
		t.Close()
		if err := s.Add(t.events); err != nil {
			return 0, fmt.Errorf("failed to add track %d: %w", i, err)
		}
	}
	return s.WriteTo(w)
}

// Bytes returns the encoded file.
func (f *File) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write MIDI: %w", err)
	}
	return buf.Bytes(), nil
}
