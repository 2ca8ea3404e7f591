// Package balance adjusts master loop repeat counts so that all tracks of
// a song end at roughly the same time.
package balance

import (
	"log/slog"

	"github.com/james-see/chiptune2midi/pkg/engine"
	"github.com/james-see/chiptune2midi/pkg/logger"
)

// maxRounds bounds the passes of Balance.
const maxRounds = 64

// Span returns the ticks a track plays with its current repeat count.
func Span(d *engine.Descriptor) uint32 {
	if d.Repeats == 0 {
		return d.TickLength
	}
	return d.TickLength + d.LoopTicks()*uint32(d.Repeats-1)
}

// MaxSpan returns the longest Span of tracks.
func MaxSpan(tracks []*engine.Descriptor) uint32 {
	var max uint32
	for _, d := range tracks {
		if d == nil {
			continue
		}
		if s := Span(d); s > max {
			max = s
		}
	}
	return max
}

// Balance raises the repeat count of every looping track that ends more
// than a quarter loop before the longest track. Loops shorter than
// minLoopTicks are ornaments and stay untouched. Extending one track can
// make it the new longest one, so passes repeat until nothing changes.
// A single pass, as the sound drivers' own tools make, can leave such a
// track short; the repeated passes may give higher counts than a single
// pass would, and a second call changes nothing.
// It returns the number of tracks whose count changed.
func Balance(tracks []*engine.Descriptor, minLoopTicks uint32, log *slog.Logger) int {
	log = logger.Or(log)
	orig := make([]uint16, len(tracks))
	for i, d := range tracks {
		if d != nil {
			orig[i] = d.Repeats
		}
	}
	for round := 0; round < maxRounds; round++ {
		if !balancePass(tracks, minLoopTicks, log, round == 0) {
			break
		}
	}

	changed := 0
	for i, d := range tracks {
		if d != nil && d.Repeats != orig[i] {
			changed++
			log.Info("extended loop", "track", d.ID, "repeats", d.Repeats)
		}
	}
	return changed
}

func balancePass(tracks []*engine.Descriptor, minLoopTicks uint32, log *slog.Logger, verbose bool) bool {
	maxTicks := MaxSpan(tracks)
	changed := false
	for _, d := range tracks {
		if d == nil || d.Repeats == 0 {
			continue
		}
		loopTicks := d.LoopTicks()
		if loopTicks == 0 || loopTicks < minLoopTicks {
			if loopTicks > 0 && verbose {
				log.Debug("ignoring micro-loop", "track", d.ID, "ticks", loopTicks)
			}
			continue
		}

		if Span(d)+loopTicks/4 >= maxTicks {
			continue
		}
		want := maxTicks - d.LoopTick
		n := uint16((want + loopTicks/3) / loopTicks)
		if n != d.Repeats {
			d.Repeats = n
			changed = true
		}
	}
	return changed
}
