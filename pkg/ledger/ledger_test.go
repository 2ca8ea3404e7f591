package ledger

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type event struct {
	delta uint32
	msg   []byte
}

type recorder struct {
	events []event
}

func (r *recorder) Append(delta uint32, msg []byte) {
	r.events = append(r.events, event{delta, msg})
}

func (r *recorder) total() uint32 {
	var sum uint32
	for _, e := range r.events {
		sum += e.delta
	}
	return sum
}

func TestAddFull(t *testing.T) {
	l := New(2)
	if l.Add(0, 60, 0x80, 10) == nil || l.Add(0, 61, 0x80, 10) == nil {
		t.Fatal("expected first two notes to fit")
	}
	if l.Add(0, 62, 0x80, 10) != nil {
		t.Error("expected nil when ledger is full")
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 notes, got %d", l.Len())
	}
}

func TestCheckExpiringOrder(t *testing.T) {
	l := New(DefaultMax)
	l.Add(1, 60, 0x80, 30)
	l.Add(1, 64, 0x40, 10)
	l.Add(1, 67, 0x80, 10)
	l.Add(1, 72, 0x80, 50)

	var rec recorder
	delay := uint32(35)
	if n := l.CheckExpiring(&rec, &delay); n != 3 {
		t.Fatalf("expected 3 expired notes, got %d", n)
	}
	want := []event{
		{10, []byte{0x81, 64, 0x40}},
		{0, []byte{0x91, 67, 0x00}},
		{20, []byte{0x91, 60, 0x00}},
	}
	if len(rec.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(rec.events))
	}
	for i, w := range want {
		if rec.events[i].delta != w.delta || !bytes.Equal(rec.events[i].msg, w.msg) {
			t.Errorf("event %d: got %d % X, want %d % X", i, rec.events[i].delta, rec.events[i].msg, w.delta, w.msg)
		}
	}
	if delay != 5 {
		t.Errorf("expected remaining delay 5, got %d", delay)
	}
	if l.Len() != 1 || l.Find(1, 72).Remaining != 20 {
		t.Error("expected only key 72 with 20 ticks left")
	}
}

func TestRetriggerExtendsNote(t *testing.T) {
	l := New(DefaultMax)
	var rec recorder
	handler := l.Handler(&rec)

	// note-on at tick 0, 40 ticks long
	l.Add(0, 60, 0x80, 40)

	// same key again at tick 10 with 40 ticks: no new note, just longer
	pending := uint32(10)
	l.CheckExpiring(&rec, &pending)
	if n := l.Find(0, 60); n != nil {
		n.Remaining = pending + 40
	} else {
		t.Fatal("note expired too early")
	}

	// track ends at tick 20
	pending = 20
	l.Flush(&rec, &pending, false)
	handler(&pending)

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 note-off, got %d", len(rec.events))
	}
	if rec.total() != 50 {
		t.Errorf("expected note-off at tick 50, got %d", rec.total())
	}
}

func TestFlushCut(t *testing.T) {
	l := New(DefaultMax)
	l.Add(2, 50, 0x80, 100)
	l.Add(2, 51, 0x80, 5)

	var rec recorder
	delay := uint32(20)
	l.Flush(&rec, &delay, true)
	if l.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d notes", l.Len())
	}
	if rec.total() != 20 {
		t.Errorf("expected last note-off at 20, got %d", rec.total())
	}
}

func TestHandlerAdvances(t *testing.T) {
	l := New(DefaultMax)
	l.Add(0, 60, 0x80, 50)
	var rec recorder
	delay := uint32(20)
	l.Handler(&rec)(&delay)
	if len(rec.events) != 0 || delay != 20 {
		t.Fatalf("unexpected output: %d events, delay %d", len(rec.events), delay)
	}
	if l.Find(0, 60).Remaining != 30 {
		t.Errorf("expected 30 ticks left, got %d", l.Find(0, 60).Remaining)
	}
}

func TestExtend(t *testing.T) {
	l := New(DefaultMax)
	l.Add(0, 1, 0x80, 0x10005)
	l.Add(0, 2, 0x80, 7)
	l.Add(0, 3, 0x80, 0x10005)
	if n := l.Extend(0x10005, 9); n != 2 {
		t.Errorf("expected 2 notes changed, got %d", n)
	}
	if l.Find(0, 3).Remaining != 9 {
		t.Error("expected placeholder to be replaced")
	}
}

func TestCheckExpiringBudgetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("emitted ticks plus remaining delay equal the input delay", prop.ForAll(
		func(lengths []uint32, delay uint32) bool {
			l := New(DefaultMax)
			for i, n := range lengths {
				l.Add(0, uint8(i), 0x80, n)
			}
			var rec recorder
			d := delay
			expired := l.CheckExpiring(&rec, &d)
			if rec.total()+d != delay {
				return false
			}
			if expired != len(rec.events) {
				return false
			}
			ok := true
			l.Each(func(n *Note) {
				if n.Remaining <= d {
					ok = false
				}
			})
			return ok
		},
		gen.SliceOfN(16, gen.UInt32Range(0, 500)),
		gen.UInt32Range(0, 600),
	))

	properties.TestingRun(t)
}
