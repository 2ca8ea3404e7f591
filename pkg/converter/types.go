// Package converter turns game music sequence data into Standard MIDI Files.
package converter

import (
	"errors"
	"log/slog"

	"github.com/james-see/chiptune2midi/pkg/engine"
	"github.com/james-see/chiptune2midi/pkg/midiout"
	"github.com/james-see/chiptune2midi/pkg/modulation"
)

// DefaultLoops is the minimum number of master loop passes.
const DefaultLoops = 2

// Errors returned for input that cannot be converted at all.
var (
	ErrUnknownFormat = errors.New("unknown sequence format")
	ErrBadMagic      = errors.New("bad file signature")
	ErrTruncated     = errors.New("data too short")
	ErrNoTracks      = errors.New("no tracks")
)

// Options configures a conversion.
type Options struct {
	Loops        uint16 // minimum master loop passes, 0 means DefaultLoops
	NoLoopExt    bool   // keep every track at Loops passes
	DriverBugs   bool   // reproduce documented sound driver oddities
	TieLookahead bool   // search past other commands for a tie (TSD)
	ED4Mode      bool   // older TSD driver: free-running vibrato, dropped pitch bends
	NoTrackNames bool
	Pitch        modulation.PitchMode
	DecodeText   bool // convert Shift-JIS titles and comments to UTF-8
	Logger       *slog.Logger
}

// WithDefaults returns o with zero values replaced by defaults.
func (o Options) WithDefaults() Options {
	if o.Loops == 0 {
		o.Loops = DefaultLoops
	}
	return o
}

// Format is a sequence format front end.
type Format interface {
	Name() string
	ID() string
	Description() string
	Extensions() []string
	// Detect reports whether data carries the format's signature.
	Detect(data []byte) bool
	// Parse reads the song header. Fatal problems are returned as errors.
	Parse(data []byte, opts Options) (Song, error)
}

// Song is a parsed sequence ready for measuring and transcoding.
type Song interface {
	Title() string
	Resolution() uint16
	Tracks() []*engine.Descriptor
	// Measure preparses one track.
	Measure(desc *engine.Descriptor)
	// Conductor writes song-wide events at the start of the first track.
	Conductor(out *midiout.Track)
	// Transcode writes one track and returns its recoverable problems.
	Transcode(desc *engine.Descriptor, out *midiout.Track) []engine.Warning
}

// TrackWarning is a recoverable problem in one track.
type TrackWarning = engine.Warning

// TrackReport summarises one converted track.
type TrackReport struct {
	ID         int    `json:"id"`
	Name       string `json:"name,omitempty"`
	Start      int    `json:"start"`
	Ticks      uint32 `json:"ticks"`
	LoopOffset int    `json:"loop_offset"`
	LoopTick   uint32 `json:"loop_tick"`
	LoopTicks  uint32 `json:"loop_ticks"`
	Repeats    uint16 `json:"repeats"`
	Events     int    `json:"events"`
	Warnings   int    `json:"warnings"`
}

// Result is the outcome of a conversion.
type Result struct {
	Format     string         `json:"format"`
	Title      string         `json:"title,omitempty"`
	Resolution uint16         `json:"resolution"`
	Tracks     []TrackReport  `json:"tracks"`
	Warnings   []TrackWarning `json:"warnings,omitempty"`
	MIDI       []byte         `json:"-"`
}

func report(d *engine.Descriptor) TrackReport {
	return TrackReport{
		ID:         d.ID,
		Name:       d.Name,
		Start:      d.Start,
		Ticks:      d.TickLength,
		LoopOffset: d.LoopOffset,
		LoopTick:   d.LoopTick,
		LoopTicks:  d.LoopTicks(),
		Repeats:    d.Repeats,
	}
}
