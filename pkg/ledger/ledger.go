// Package ledger tracks sounding notes and emits their note-offs while the
// pending delay of a track is being written.
package ledger

// DefaultMax is the number of notes a track may hold at once.
const DefaultMax = 0x20

// Sink receives note-off events with explicit deltas.
type Sink interface {
	Append(delta uint32, msg []byte)
}

// Note is a sounding note. Remaining counts ticks from the current write
// position until the note-off.
type Note struct {
	Channel   uint8
	Key       uint8
	VelOff    uint8 // >= 0x80 sends note-on with velocity 0
	Remaining uint32
}

// Ledger is a bounded, insertion-ordered list of sounding notes.
type Ledger struct {
	notes []Note
	max   int
}

// New creates a ledger holding at most max notes.
func New(max int) *Ledger {
	if max <= 0 {
		max = DefaultMax
	}
	return &Ledger{notes: make([]Note, 0, max), max: max}
}

// Len returns the number of sounding notes.
func (l *Ledger) Len() int {
	return len(l.notes)
}

// Reset drops all notes without emitting anything.
func (l *Ledger) Reset() {
	l.notes = l.notes[:0]
}

// Add registers a note. It returns nil when the ledger is full.
func (l *Ledger) Add(ch, key, velOff uint8, length uint32) *Note {
	if len(l.notes) >= l.max {
		return nil
	}
	l.notes = append(l.notes, Note{Channel: ch, Key: key, VelOff: velOff, Remaining: length})
	return &l.notes[len(l.notes)-1]
}

// Find returns the first sounding note with the given key on ch.
func (l *Ledger) Find(ch, key uint8) *Note {
	for i := range l.notes {
		if l.notes[i].Channel == ch && l.notes[i].Key == key {
			return &l.notes[i]
		}
	}
	return nil
}

// Each calls fn for every sounding note in insertion order.
func (l *Ledger) Each(fn func(n *Note)) {
	for i := range l.notes {
		fn(&l.notes[i])
	}
}

// Extend sets the remaining length of every note whose remaining length
// equals from. It returns the number of notes changed.
func (l *Ledger) Extend(from, to uint32) int {
	var cnt int
	for i := range l.notes {
		if l.notes[i].Remaining == from {
			l.notes[i].Remaining = to
			cnt++
		}
	}
	return cnt
}

// Advance subtracts ticks from every note. Callers must have expired all
// notes ending within ticks first.
func (l *Ledger) Advance(ticks uint32) {
	for i := range l.notes {
		if l.notes[i].Remaining > ticks {
			l.notes[i].Remaining -= ticks
		} else {
			l.notes[i].Remaining = 0
		}
	}
}

// CheckExpiring emits note-offs for all notes ending within *delay, oldest
// first. The first note-off carries the ticks up to its expiry, later ones
// at the same tick carry zero. *delay is reduced by the ticks consumed.
// It returns the number of expired notes.
func (l *Ledger) CheckExpiring(out Sink, delay *uint32) int {
	expired := 0
	for len(l.notes) > 0 {
		step := l.notes[0].Remaining
		for _, n := range l.notes[1:] {
			if n.Remaining < step {
				step = n.Remaining
			}
		}
		if step > *delay {
			break
		}

		for i := range l.notes {
			l.notes[i].Remaining -= step
		}
		*delay -= step

		kept := l.notes[:0]
		for _, n := range l.notes {
			if n.Remaining > 0 {
				kept = append(kept, n)
				continue
			}
			out.Append(step, offMessage(n))
			step = 0
			expired++
		}
		l.notes = kept
	}
	return expired
}

// Flush emits note-offs for every note. With cut set, notes still sounding
// after *delay are cut there; otherwise *delay grows to the longest note.
func (l *Ledger) Flush(out Sink, delay *uint32, cut bool) {
	for i := range l.notes {
		if l.notes[i].Remaining <= *delay {
			continue
		}
		if cut {
			l.notes[i].Remaining = *delay
		} else {
			*delay = l.notes[i].Remaining
		}
	}
	l.CheckExpiring(out, delay)
}

// Handler returns a delay handler that expires notes within the pending
// delay and advances the rest past it.
func (l *Ledger) Handler(out Sink) func(delay *uint32) {
	return func(delay *uint32) {
		l.CheckExpiring(out, delay)
		l.Advance(*delay)
	}
}

func offMessage(n Note) []byte {
	if n.VelOff < 0x80 {
		return []byte{0x80 | n.Channel&0x0F, n.Key, n.VelOff}
	}
	return []byte{0x90 | n.Channel&0x0F, n.Key, 0x00}
}
