package converter

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/james-see/chiptune2midi/pkg/balance"
	"github.com/james-see/chiptune2midi/pkg/engine"
	"github.com/james-see/chiptune2midi/pkg/logger"
	"github.com/james-see/chiptune2midi/pkg/midiout"
)

// DetectFormat picks the format for a file. Signatures are checked first,
// in the order given, then the file extension.
func DetectFormat(filename string, data []byte, formats []Format) (Format, error) {
	for _, f := range formats {
		if f.Detect(data) {
			return f, nil
		}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return nil, ErrUnknownFormat
	}
	for _, f := range formats {
		for _, e := range f.Extensions() {
			if e == ext {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(filename))
}

// Converter converts sequence data of one format to MIDI.
type Converter struct {
	format Format
	opts   Options
}

// New creates a converter for format.
func New(format Format, opts Options) *Converter {
	return &Converter{
		format: format,
		opts:   opts.WithDefaults(),
	}
}

// GetFormat returns the current input format.
func (c *Converter) GetFormat() Format {
	return c.format
}

// SetFormat changes the input format.
func (c *Converter) SetFormat(format Format) {
	c.format = format
}

// Options returns the effective options.
func (c *Converter) Options() Options {
	return c.opts
}

// Inspect parses and measures data without writing MIDI.
func (c *Converter) Inspect(data []byte) (*Result, error) {
	song, err := c.prepare(data)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Format:     c.format.ID(),
		Title:      song.Title(),
		Resolution: song.Resolution(),
	}
	for _, d := range song.Tracks() {
		res.Tracks = append(res.Tracks, report(d))
	}
	return res, nil
}

// Convert transcodes data into a format 1 Standard MIDI File.
func (c *Converter) Convert(data []byte) (*Result, error) {
	song, err := c.prepare(data)
	if err != nil {
		return nil, err
	}
	log := logger.Or(c.opts.Logger)

	descs := song.Tracks()
	outs := make([]*midiout.Track, len(descs))
	warns := make([][]engine.Warning, len(descs))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, d := range descs {
		i, d := i, d
		g.Go(func() error {
			out := midiout.NewTrack()
			if i == 0 {
				song.Conductor(out)
			}
			warns[i] = song.Transcode(d, out)
			out.Close()
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	file := midiout.NewFile(song.Resolution())
	res := &Result{
		Format:     c.format.ID(),
		Title:      song.Title(),
		Resolution: song.Resolution(),
	}
	for i, d := range descs {
		file.Tracks = append(file.Tracks, outs[i])
		r := report(d)
		r.Events = outs[i].Len()
		r.Warnings = len(warns[i])
		res.Tracks = append(res.Tracks, r)
		res.Warnings = append(res.Warnings, warns[i]...)
	}

	var buf bytes.Buffer
	if _, err := file.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write MIDI: %w", err)
	}
	res.MIDI = buf.Bytes()

	log.Debug("converted song", "format", res.Format, "tracks", len(res.Tracks),
		"warnings", len(res.Warnings), "bytes", len(res.MIDI))
	return res, nil
}

// prepare parses data and measures every track, then sets the loop
// repeat counts.
func (c *Converter) prepare(data []byte) (Song, error) {
	if c.format == nil {
		return nil, ErrUnknownFormat
	}
	song, err := c.format.Parse(data, c.opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.format.Name(), err)
	}
	descs := song.Tracks()
	if len(descs) == 0 {
		return nil, fmt.Errorf("%s: %w", c.format.Name(), ErrNoTracks)
	}

	for _, d := range descs {
		song.Measure(d)
		d.Repeats = 0
		if d.HasLoop() {
			d.Repeats = c.opts.Loops
		}
	}
	if !c.opts.NoLoopExt {
		balance.Balance(descs, uint32(song.Resolution())/4, logger.Or(c.opts.Logger))
	}
	return song, nil
}

// ConvertFile converts inputPath and writes the MIDI file to outputPath.
func (c *Converter) ConvertFile(inputPath, outputPath string) (*Result, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	res, err := c.Convert(data)
	if err != nil {
		return nil, fmt.Errorf("conversion failed: %w", err)
	}

	if err := os.WriteFile(outputPath, res.MIDI, 0644); err != nil {
		return nil, fmt.Errorf("failed to write output file: %w", err)
	}
	return res, nil
}

// OutputName derives the MIDI file name for an input file.
func OutputName(inputPath string) string {
	ext := filepath.Ext(inputPath)
	return strings.TrimSuffix(inputPath, ext) + ".mid"
}
