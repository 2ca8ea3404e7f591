package soundfont

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	nameLen     = 20
	infoMaxLen  = 256
	sampleTail  = 46 // zero frames after every sample
	monoSample  = 1
	versionMaj  = 2
	versionMin  = 1
	modSize     = 10
	dateLayout  = "January 2, 2006"
	terminalGen = 0
)

var le = binary.LittleEndian

// WriteTo writes the bank as a RIFF sfbk file.
func (b *Bank) WriteTo(w io.Writer) (int64, error) {
	data, err := b.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Bytes returns the bank as a RIFF sfbk file.
func (b *Bank) Bytes() ([]byte, error) {
	pdta, err := b.pdta()
	if err != nil {
		return nil, err
	}

	body := []byte("sfbk")
	body = list(body, "INFO", b.info())
	body = list(body, "sdta", chunk(nil, "smpl", b.smpl()))
	body = list(body, "pdta", pdta)
	return chunk(nil, "RIFF", body), nil
}

func (b *Bank) info() []byte {
	var ver [4]byte
	le.PutUint16(ver[0:], versionMaj)
	le.PutUint16(ver[2:], versionMin)
	out := chunk(nil, "ifil", ver[:])

	engine := b.Engine
	if engine == "" {
		engine = DefaultEngine
	}
	out = chunk(out, "isng", zstr(engine))
	out = chunk(out, "INAM", zstr(b.Name))
	if !b.Created.IsZero() {
		out = chunk(out, "ICRD", zstr(b.Created.Format(dateLayout)))
	}
	if b.Software != "" {
		out = chunk(out, "ISFT", zstr(b.Software))
	}
	return out
}

// sampleStarts returns the first frame of every sample in the smpl chunk.
func (b *Bank) sampleStarts() []uint32 {
	starts := make([]uint32, len(b.Samples))
	var pos uint32
	for i, s := range b.Samples {
		starts[i] = pos
		pos += uint32(len(s.Data)) + sampleTail
	}
	return starts
}

func (b *Bank) smpl() []byte {
	size := 0
	for _, s := range b.Samples {
		size += 2 * (len(s.Data) + sampleTail)
	}
	out := make([]byte, 0, size)
	for _, s := range b.Samples {
		for _, v := range s.Data {
			out = le.AppendUint16(out, uint16(v))
		}
		out = append(out, make([]byte, 2*sampleTail)...)
	}
	return out
}

func (b *Bank) pdta() ([]byte, error) {
	phdr, pbag, pgen, err := b.presetRecords()
	if err != nil {
		return nil, err
	}
	inst, ibag, igen, err := b.instrumentRecords()
	if err != nil {
		return nil, err
	}

	out := chunk(nil, "phdr", phdr)
	out = chunk(out, "pbag", pbag)
	out = chunk(out, "pmod", make([]byte, modSize))
	out = chunk(out, "pgen", pgen)
	out = chunk(out, "inst", inst)
	out = chunk(out, "ibag", ibag)
	out = chunk(out, "imod", make([]byte, modSize))
	out = chunk(out, "igen", igen)
	out = chunk(out, "shdr", b.shdr(b.sampleStarts()))
	return out, nil
}

// zones appends the bag and generator records of zs. Bags and generators
// hold running indices.
type zones struct {
	bag  []byte
	gen  []byte
	bags int
	gens int
}

func (z *zones) add(zs []Zone) error {
	for _, zone := range zs {
		if z.bags >= math.MaxUint16 || z.gens+len(zone) > math.MaxUint16 {
			return ErrTooLarge
		}
		z.bag = le.AppendUint16(z.bag, uint16(z.gens))
		z.bag = le.AppendUint16(z.bag, 0)
		z.bags++
		for _, g := range zone {
			z.gen = le.AppendUint16(z.gen, uint16(g.Op))
			z.gen = le.AppendUint16(z.gen, g.Amount)
			z.gens++
		}
	}
	return nil
}

// finish writes the terminal bag and generator.
func (z *zones) finish() {
	z.bag = le.AppendUint16(z.bag, uint16(z.gens))
	z.bag = le.AppendUint16(z.bag, 0)
	z.gen = le.AppendUint16(z.gen, terminalGen)
	z.gen = le.AppendUint16(z.gen, 0)
}

func (b *Bank) presetRecords() (phdr, pbag, pgen []byte, err error) {
	var z zones
	for _, p := range b.Presets {
		phdr = name20(phdr, p.Name)
		phdr = le.AppendUint16(phdr, p.Program)
		phdr = le.AppendUint16(phdr, p.Bank)
		phdr = le.AppendUint16(phdr, uint16(z.bags))
		phdr = append(phdr, make([]byte, 12)...) // library, genre, morphology
		if err := z.add(p.Zones); err != nil {
			return nil, nil, nil, fmt.Errorf("preset %q: %w", p.Name, err)
		}
	}
	phdr = name20(phdr, "EOP")
	phdr = append(phdr, make([]byte, 4)...)
	phdr = le.AppendUint16(phdr, uint16(z.bags))
	phdr = append(phdr, make([]byte, 12)...)
	z.finish()
	return phdr, z.bag, z.gen, nil
}

func (b *Bank) instrumentRecords() (inst, ibag, igen []byte, err error) {
	var z zones
	for _, in := range b.Instruments {
		inst = name20(inst, in.Name)
		inst = le.AppendUint16(inst, uint16(z.bags))
		if err := z.add(in.Zones); err != nil {
			return nil, nil, nil, fmt.Errorf("instrument %q: %w", in.Name, err)
		}
	}
	inst = name20(inst, "EOI")
	inst = le.AppendUint16(inst, uint16(z.bags))
	z.finish()
	return inst, z.bag, z.gen, nil
}

func (b *Bank) shdr(starts []uint32) []byte {
	var out []byte
	for i, s := range b.Samples {
		start := starts[i]
		n := uint32(len(s.Data))
		end := start + n
		if n == 0 {
			end = start + 1
		}
		loopStart := start + min(s.LoopStart, n)
		loopEnd := start + min(s.LoopEnd, n)
		if loopEnd < loopStart {
			loopEnd = loopStart
		}

		out = name20(out, s.Name)
		out = le.AppendUint32(out, start)
		out = le.AppendUint32(out, end)
		out = le.AppendUint32(out, loopStart)
		out = le.AppendUint32(out, loopEnd)
		out = le.AppendUint32(out, s.Rate)
		out = append(out, s.RootKey, byte(s.Correction))
		out = le.AppendUint16(out, 0) // link
		out = le.AppendUint16(out, monoSample)
	}
	out = name20(out, "EOS")
	return append(out, make([]byte, 26)...)
}

// chunk appends a RIFF chunk, padded to an even size.
func chunk(dst []byte, id string, body []byte) []byte {
	dst = append(dst, id...)
	dst = le.AppendUint32(dst, uint32(len(body)))
	dst = append(dst, body...)
	if len(body)%2 != 0 {
		dst = append(dst, 0)
	}
	return dst
}

func list(dst []byte, typ string, body []byte) []byte {
	return chunk(dst, "LIST", append([]byte(typ), body...))
}

// zstr returns s as an even-sized, zero-terminated INFO string.
func zstr(s string) []byte {
	if len(s) > infoMaxLen-2 {
		s = s[:infoMaxLen-2]
	}
	out := append([]byte(s), 0)
	if len(out)%2 != 0 {
		out = append(out, 0)
	}
	return out
}

// name20 appends a zero-padded 20 byte record name.
func name20(dst []byte, name string) []byte {
	var buf [nameLen]byte
	copy(buf[:nameLen-1], name)
	return append(dst, buf[:]...)
}
