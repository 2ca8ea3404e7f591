// Package render plays MIDI files through a SoundFont synthesizer offline
// and writes the result as a WAV file.
package render

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/sinshu/go-meltysynth/meltysynth"

	"github.com/james-see/chiptune2midi/pkg/logger"
)

// Defaults.
const (
	DefaultSampleRate = 44100
	DefaultTail       = 2 * time.Second
	DefaultMaxLength  = 30 * time.Minute
	blockFrames       = 1024
)

// Sample rates the synthesizer accepts.
const (
	MinSampleRate = 16000
	MaxSampleRate = 192000
)

var (
	// ErrEmpty is returned for MIDI data without any playable length.
	ErrEmpty = errors.New("render: nothing to play")
	// ErrSampleRate is returned for sample rates outside MinSampleRate..MaxSampleRate.
	ErrSampleRate = errors.New("render: unsupported sample rate")
)

// Options configures a rendering.
type Options struct {
	SampleRate int           // 0 means DefaultSampleRate
	Tail       time.Duration // extra time for release phases, 0 means DefaultTail
	MaxLength  time.Duration // longer songs are cut, 0 means DefaultMaxLength
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.Tail <= 0 {
		o.Tail = DefaultTail
	}
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultMaxLength
	}
	return o
}

// Audio is rendered stereo sound.
type Audio struct {
	SampleRate  int
	Left, Right []float32
}

// Duration returns the playing time.
func (a *Audio) Duration() time.Duration {
	return time.Duration(len(a.Left)) * time.Second / time.Duration(a.SampleRate)
}

// Render synthesizes midiData with the SoundFont in sf2. It stops early
// when ctx is cancelled.
func Render(ctx context.Context, sf2, midiData []byte, opts Options) (*Audio, error) {
	opts = opts.withDefaults()
	if opts.SampleRate < MinSampleRate || opts.SampleRate > MaxSampleRate {
		return nil, fmt.Errorf("%w: %d Hz, want %d to %d", ErrSampleRate, opts.SampleRate, MinSampleRate, MaxSampleRate)
	}
	log := logger.Or(opts.Logger)

	sf, err := meltysynth.NewSoundFont(bytes.NewReader(sf2))
	if err != nil {
		return nil, fmt.Errorf("failed to load SoundFont: %w", err)
	}
	mf, err := meltysynth.NewMidiFile(bytes.NewReader(midiData))
	if err != nil {
		return nil, fmt.Errorf("failed to load MIDI file: %w", err)
	}

	settings := meltysynth.NewSynthesizerSettings(int32(opts.SampleRate))
	synth, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}
	seq := meltysynth.NewMidiFileSequencer(synth)
	seq.Play(mf, false)

	length := mf.GetLength()
	if length <= 0 {
		return nil, ErrEmpty
	}
	if length > opts.MaxLength {
		log.Warn("song cut", "length", length, "max", opts.MaxLength)
		length = opts.MaxLength
	}
	length += opts.Tail

	frames := int(length.Seconds() * float64(opts.SampleRate))
	audio := &Audio{
		SampleRate: opts.SampleRate,
		Left:       make([]float32, frames),
		Right:      make([]float32, frames),
	}
	for pos := 0; pos < frames; pos += blockFrames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(pos+blockFrames, frames)
		seq.Render(audio.Left[pos:end], audio.Right[pos:end])
	}

	log.Debug("rendered song", "length", audio.Duration(), "rate", opts.SampleRate)
	return audio, nil
}

// WriteWAV writes the audio as 16-bit stereo PCM.
func (a *Audio) WriteWAV(w io.Writer) (int64, error) {
	n, err := w.Write(a.WAV())
	return int64(n), err
}

// WAV returns the audio as a 16-bit stereo PCM WAV file.
func (a *Audio) WAV() []byte {
	const (
		channels   = 2
		bits       = 16
		blockAlign = channels * bits / 8
	)
	dataSize := len(a.Left) * blockAlign
	out := make([]byte, 44, 44+dataSize)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:], channels)
	binary.LittleEndian.PutUint32(out[24:], uint32(a.SampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(a.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], blockAlign)
	binary.LittleEndian.PutUint16(out[34:], bits)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))

	for i := range a.Left {
		out = binary.LittleEndian.AppendUint16(out, uint16(pcm16(a.Left[i])))
		out = binary.LittleEndian.AppendUint16(out, uint16(pcm16(a.Right[i])))
	}
	return out
}

// Peak returns the largest absolute sample value.
func (a *Audio) Peak() float32 {
	var peak float32
	for i := range a.Left {
		peak = max(peak, abs(a.Left[i]), abs(a.Right[i]))
	}
	return peak
}

func pcm16(v float32) int16 {
	v = max(-1, min(v, 1))
	return int16(math.Round(float64(v) * math.MaxInt16))
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
