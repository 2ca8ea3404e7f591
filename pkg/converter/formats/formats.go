// Package formats holds the sequence format front ends.
package formats

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/james-see/chiptune2midi/pkg/converter"
	"github.com/james-see/chiptune2midi/pkg/engine"
	"github.com/james-see/chiptune2midi/pkg/logger"
	"github.com/james-see/chiptune2midi/pkg/midiout"
)

// All returns every format, in detection order: formats with a file
// signature come before the ones recognised by layout checks.
func All() []converter.Format {
	return []converter.Format{
		GMD{},
		MDC{},
		TSD{},
		M2Seq{},
	}
}

// Lookup returns the format with the given ID.
func Lookup(id string) (converter.Format, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, f := range All() {
		if f.ID() == id {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (available: %s)", converter.ErrUnknownFormat, id, strings.Join(IDs(), ", "))
}

// IDs returns the sorted format IDs.
func IDs() []string {
	var ids []string
	for _, f := range All() {
		ids = append(ids, f.ID())
	}
	sort.Strings(ids)
	return ids
}

// Detect picks a format for filename and data.
func Detect(filename string, data []byte) (converter.Format, error) {
	return converter.DetectFormat(filename, data, All())
}

// song carries what every format's Song has in common.
type song struct {
	data   []byte
	opts   converter.Options
	log    *slog.Logger
	title  string
	res    uint16
	tracks []*engine.Descriptor
}

func newSong(data []byte, opts converter.Options, res uint16) song {
	return song{
		data: data,
		opts: opts,
		log:  logger.Or(opts.Logger),
		res:  res,
	}
}

func (s *song) Title() string {
	return s.title
}

func (s *song) Resolution() uint16 {
	return s.res
}

func (s *song) Tracks() []*engine.Descriptor {
	return s.tracks
}

// trackName writes the track name unless names are disabled.
func (s *song) trackName(out *midiout.Track, name string) {
	if !s.opts.NoTrackNames && name != "" {
		out.TrackName(name)
	}
}

// formatLog returns the logger annotated with the format ID.
func (s *song) formatLog(id string) *slog.Logger {
	return s.log.With("format", id)
}
