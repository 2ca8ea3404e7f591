package soundfont

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sinshu/go-meltysynth/meltysynth"
)

// riffChunk is one chunk found by walk.
type riffChunk struct {
	id   string
	body []byte
}

// walk splits data into chunks.
func walk(t *testing.T, data []byte) []riffChunk {
	t.Helper()
	var out []riffChunk
	for len(data) > 0 {
		if len(data) < 8 {
			t.Fatalf("%d stray bytes after the last chunk", len(data))
		}
		size := int(binary.LittleEndian.Uint32(data[4:]))
		if 8+size > len(data) {
			t.Fatalf("chunk %q size %d overruns %d bytes", data[:4], size, len(data)-8)
		}
		out = append(out, riffChunk{string(data[:4]), data[8 : 8+size]})
		data = data[8+size+size%2:]
	}
	return out
}

// lists returns the chunks of every LIST inside the sfbk body, by list type.
func lists(t *testing.T, data []byte) map[string][]riffChunk {
	t.Helper()
	top := walk(t, data)
	if len(top) != 1 || top[0].id != "RIFF" || string(top[0].body[:4]) != "sfbk" {
		t.Fatalf("not a RIFF sfbk file")
	}
	out := map[string][]riffChunk{}
	for _, c := range walk(t, top[0].body[4:]) {
		if c.id != "LIST" {
			t.Fatalf("unexpected top level chunk %q", c.id)
		}
		out[string(c.body[:4])] = walk(t, c.body[4:])
	}
	return out
}

func testBank() *Bank {
	b := New("Test Bank")
	b.Software = "chiptune2midi"
	b.Created = time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)
	b.AddSample(Sample{Name: "Square", Data: []int16{8000, 8000, -8000, -8000}, LoopEnd: 4, Rate: 22050, RootKey: 69})
	b.AddSample(Sample{Name: "Empty", Rate: 44100, RootKey: 60})
	ins := b.AddInstrument("Lead",
		Zone{Range(GenKeyRange, 0, 63), Gen(GenSampleModes, LoopAlways), Gen(GenSampleID, 0)},
		Zone{Range(GenKeyRange, 64, 127), Gen(GenSampleID, 1)},
	)
	b.AddPreset("Lead", 0, 5, ins)
	b.AddPreset("Lead (drum)", DrumBank, 5, ins)
	return b
}

func TestWriteLayout(t *testing.T) {
	data, err := testBank().Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if got := binary.LittleEndian.Uint32(data[4:]); int(got) != len(data)-8 {
		t.Errorf("RIFF size %d, want %d", got, len(data)-8)
	}

	l := lists(t, data)
	var ids []string
	for _, c := range l["INFO"] {
		ids = append(ids, c.id)
	}
	if want := []string{"ifil", "isng", "INAM", "ICRD", "ISFT"}; !equal(ids, want) {
		t.Errorf("INFO chunks %v, want %v", ids, want)
	}
	for _, c := range l["INFO"] {
		if len(c.body)%2 != 0 {
			t.Errorf("INFO chunk %s has odd size %d", c.id, len(c.body))
		}
	}

	if smpl := l["sdta"]; len(smpl) != 1 || len(smpl[0].body) != 2*(4+46+0+46) {
		t.Errorf("sdta = %d chunks", len(smpl))
	}

	sizes := map[string]int{
		"phdr": 38 * 3, "pbag": 4 * 3, "pmod": 10, "pgen": 4 * 3,
		"inst": 22 * 2, "ibag": 4 * 3, "imod": 10, "igen": 4 * 6, "shdr": 46 * 3,
	}
	ids = ids[:0]
	for _, c := range l["pdta"] {
		ids = append(ids, c.id)
		if len(c.body) != sizes[c.id] {
			t.Errorf("%s is %d bytes, want %d", c.id, len(c.body), sizes[c.id])
		}
	}
	if want := []string{"phdr", "pbag", "pmod", "pgen", "inst", "ibag", "imod", "igen", "shdr"}; !equal(ids, want) {
		t.Errorf("pdta chunks %v, want %v", ids, want)
	}
}

func TestWriteSampleHeaders(t *testing.T) {
	data, err := testBank().Bytes()
	if err != nil {
		t.Fatal(err)
	}
	var shdr []byte
	for _, c := range lists(t, data)["pdta"] {
		if c.id == "shdr" {
			shdr = c.body
		}
	}
	u32 := func(rec, off int) uint32 { return binary.LittleEndian.Uint32(shdr[rec*46+20+off:]) }

	// start, end, loop start, loop end
	want := [][4]uint32{
		{0, 4, 0, 4},
		{50, 51, 50, 50},
	}
	for i, w := range want {
		got := [4]uint32{u32(i, 0), u32(i, 4), u32(i, 8), u32(i, 12)}
		if got != w {
			t.Errorf("sample %d bounds %v, want %v", i, got, w)
		}
	}
	if name := string(bytes.TrimRight(shdr[2*46:2*46+20], "\x00")); name != "EOS" {
		t.Errorf("terminal sample %q", name)
	}
	if shdr[40] != 69 || binary.LittleEndian.Uint16(shdr[44:]) != 1 {
		t.Errorf("sample 0 key %d type %d", shdr[40], binary.LittleEndian.Uint16(shdr[44:]))
	}
}

func TestWriteLoadsInSynth(t *testing.T) {
	var buf bytes.Buffer
	if _, err := testBank().WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	sf, err := meltysynth.NewSoundFont(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewSoundFont() error = %v", err)
	}
	if len(sf.Presets) != 2 || len(sf.Instruments) != 1 || len(sf.SampleHeaders) != 2 {
		t.Fatalf("got %d presets, %d instruments, %d samples",
			len(sf.Presets), len(sf.Instruments), len(sf.SampleHeaders))
	}
	if sf.Presets[1].Name != "Lead (drum)" || sf.Presets[1].BankNumber != DrumBank || sf.Presets[1].PatchNumber != 5 {
		t.Errorf("drum preset = %s %d:%d", sf.Presets[1].Name, sf.Presets[1].BankNumber, sf.Presets[1].PatchNumber)
	}
	if len(sf.Instruments[0].Regions) != 2 {
		t.Errorf("instrument has %d regions, want 2", len(sf.Instruments[0].Regions))
	}
	if h := sf.SampleHeaders[0]; h.Name != "Square" || h.SampleRate != 22050 {
		t.Errorf("sample 0 = %s at %d Hz", h.Name, h.SampleRate)
	}
}

func TestWriteLongNamesAreCut(t *testing.T) {
	b := testBank()
	b.Presets[0].Name = "a preset name that is far too long"
	data, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	phdr := lists(t, data)["pdta"][0].body
	if phdr[19] != 0 || string(phdr[:19]) != "a preset name that " {
		t.Errorf("preset name %q", phdr[:20])
	}
}

func TestWriteTooManyGenerators(t *testing.T) {
	b := New("big")
	b.AddSample(Sample{Data: []int16{0}})
	b.AddInstrument("huge", make(Zone, 0x10000))
	if _, err := b.Bytes(); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Bytes() error = %v, want ErrTooLarge", err)
	}
}

func TestWriteSampleDataSize(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("smpl holds every frame plus the tail", prop.ForAll(
		func(lengths []uint8) bool {
			b := New("p")
			want := 0
			for _, n := range lengths {
				b.AddSample(Sample{Data: make([]int16, n)})
				want += 2 * (int(n) + sampleTail)
			}
			data, err := b.Bytes()
			if err != nil {
				return false
			}
			top := bytes.Index(data, []byte("smpl"))
			return top > 0 && int(binary.LittleEndian.Uint32(data[top+4:])) == want
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
