package soundfont

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/james-see/chiptune2midi/pkg/logger"
)

// ErrTruncated is returned when a table points outside the ROM.
var ErrTruncated = errors.New("soundfont: ROM data too short")

// Global pointer table of the M2 sound driver.
const (
	GlobalPointers    = 0x8000
	SampleTableID     = 0
	InstrumentTableID = 1
)

const (
	scspBankName    = "SCSP Sound Bank"
	scspRate        = 44100
	scspRootKey     = 60
	scspSampleEntry = 0x10
	scspMelodyEntry = 0x0A
	scspDrumEntry   = 0x0C
	scspLastNote    = 0x7F
	scspDrumRelease = 7973 // 100 seconds, the key-off is ignored
	romOffsetMask   = 0x1FFFFF
	tableMask       = 0x7FFFF
	swappedMarker   = 0x6000
)

// Image is the sound ROM set of an M2 board: the driver program ROM mapped
// at 0x600000 and up to four sample ROMs mapped from 0x800000.
type Image struct {
	Program []byte
	Samples [4][]byte
	Logger  *slog.Logger
}

// Swapped reports whether the ROMs were dumped with swapped byte pairs.
func (img *Image) Swapped() bool {
	return len(img.Program) >= 6 && binary.BigEndian.Uint16(img.Program[4:]) == swappedMarker
}

// Unswap swaps the byte pairs of every ROM in place.
func (img *Image) Unswap() {
	swap16(img.Program)
	for _, rom := range img.Samples {
		swap16(rom)
	}
}

func swap16(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}

// GlobalPointer returns entry id of the driver's global pointer table as
// an offset into the program ROM.
func (img *Image) GlobalPointer(id int) (uint32, error) {
	p, err := be24(img.Program, GlobalPointers+uint32(id)*4)
	if err != nil {
		return 0, fmt.Errorf("global pointer %d: %w", id, err)
	}
	return p & tableMask, nil
}

// rom maps a sound CPU address onto the ROM holding it.
func (img *Image) rom(addr uint32) []byte {
	switch (addr & 0xE00000) >> 16 {
	case 0x60:
		return img.Program
	case 0x80, 0xA0, 0xC0, 0xE0:
		return img.Samples[(addr>>21)&3]
	default:
		return nil
	}
}

// ReadM2Bank builds a bank from the sample and instrument tables named by
// the global pointer table.
func ReadM2Bank(img *Image) (*Bank, error) {
	if img.Swapped() {
		img.Unswap()
	}
	smpl, err := img.GlobalPointer(SampleTableID)
	if err != nil {
		return nil, err
	}
	ins, err := img.GlobalPointer(InstrumentTableID)
	if err != nil {
		return nil, err
	}
	return ReadSCSPBank(img, smpl, ins)
}

// ReadSCSPBank builds a bank from the sample table and the instrument
// table at the given program ROM offsets. Every instrument gets a preset
// in bank 0; drum kits get a second one in the drum bank.
func ReadSCSPBank(img *Image, sampleTable, instrumentTable uint32) (*Bank, error) {
	log := logger.Or(img.Logger)
	bank := New(scspBankName)

	loops, err := readSamples(img, sampleTable, bank, log)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample table: %w", err)
	}
	drums, err := readInstruments(img.Program, instrumentTable, loops, bank)
	if err != nil {
		return nil, fmt.Errorf("failed to read instrument table: %w", err)
	}

	for i := range bank.Instruments {
		bank.AddPreset(fmt.Sprintf("Preset %02X", i), 0, uint16(i), i)
		if drums[i] {
			bank.AddPreset(fmt.Sprintf("Preset %02X (drum)", i), DrumBank, uint16(i), i)
		}
	}
	log.Debug("read SCSP bank", "samples", len(bank.Samples),
		"instruments", len(bank.Instruments), "presets", len(bank.Presets))
	return bank, nil
}

// readSamples converts the 8-bit samples and reports which ones loop.
func readSamples(img *Image, base uint32, bank *Bank, log *slog.Logger) ([]bool, error) {
	size, err := be16(img.Program, base)
	if err != nil {
		return nil, err
	}
	count := (int(size) + 1) / scspSampleEntry
	base += 2

	loops := make([]bool, count)
	for i := 0; i < count; i++ {
		var e [4]uint32
		for j := range e {
			if e[j], err = be24(img.Program, base+uint32(i*scspSampleEntry+j*4)); err != nil {
				return nil, err
			}
		}
		start, length, loopStart, loopLen := e[0], e[1], e[2], e[3]

		s := Sample{
			Name:    fmt.Sprintf("Sample %03X", i),
			Rate:    scspRate,
			RootKey: scspRootKey,
		}
		rom := img.rom(start)
		off := start & romOffsetMask
		if rom == nil || length == 0 || off >= uint32(len(rom)) {
			s.Name += " (null)"
			bank.AddSample(s)
			continue
		}
		if off+length > uint32(len(rom)) {
			log.Warn("sample cut at end of ROM", "sample", i, "address", fmt.Sprintf("0x%06X", start))
			length = uint32(len(rom)) - off
		}

		s.Data = make([]int16, length)
		for j, b := range rom[off : off+length] {
			s.Data[j] = int16(int8(b)) << 8
		}
		if loopStart >= start {
			s.LoopStart = loopStart - start
		}
		s.LoopEnd = s.LoopStart + loopLen
		loops[i] = loopLen != 0
		bank.AddSample(s)
	}
	return loops, nil
}

// zoneDef is one key split of an instrument.
type zoneDef struct {
	lo, hi  uint8
	root    int
	sample  uint16
	loop    bool
	attack  int16
	decay   int16
	sustain int16
	release int16
	level   int16
}

func (z zoneDef) zone(drum bool) Zone {
	mode, release := int16(NoLoop), z.release
	if z.loop {
		mode = LoopAlways
	} else if drum {
		release = scspDrumRelease
	}
	return Zone{
		Range(GenKeyRange, z.lo, z.hi),
		Gen(GenOverridingRootKey, int16(z.root)),
		Gen(GenAttackVolEnv, z.attack),
		Gen(GenHoldVolEnv, z.sustain),
		Gen(GenDecayVolEnv, z.decay),
		Gen(GenSustainVolEnv, z.level),
		Gen(GenReleaseVolEnv, release),
		Gen(GenSampleModes, mode),
		Gen(GenSampleID, int16(z.sample)),
	}
}

// readInstruments adds one instrument per table entry and reports which
// ones are drum kits.
func readInstruments(rom []byte, base uint32, loops []bool, bank *Bank) ([]bool, error) {
	n, err := be16(rom, base)
	if err != nil {
		return nil, err
	}
	count := int(n) + 1
	drums := make([]bool, count)

	for i := 0; i < count; i++ {
		off, err := be16(rom, base+2+uint32(i)*2)
		if err != nil {
			return nil, err
		}
		pos := base + uint32(off)
		if err := need(rom, pos, 4); err != nil {
			return nil, fmt.Errorf("instrument %02X: %w", i, err)
		}

		var zones []Zone
		if rom[pos]&0x80 != 0 {
			drums[i] = true
			first, last := int(rom[pos+2]), int(rom[pos+3])
			pos += 4
			for note := first; note <= last; note++ {
				if err := need(rom, pos, scspDrumEntry); err != nil {
					return nil, fmt.Errorf("instrument %02X: %w", i, err)
				}
				zones = append(zones, drumZone(rom[pos:], uint8(note), loops).zone(true))
				pos += scspDrumEntry
			}
		} else {
			lo := 0
			for {
				if err := need(rom, pos, scspMelodyEntry); err != nil {
					return nil, fmt.Errorf("instrument %02X: %w", i, err)
				}
				hi := int(rom[pos])
				zones = append(zones, melodyZone(rom[pos:], uint8(lo), uint8(hi), loops).zone(false))
				pos += scspMelodyEntry
				if hi >= scspLastNote {
					break
				}
				lo = hi + 1
			}
		}
		bank.AddInstrument(fmt.Sprintf("Instrument %02X", i), zones...)
	}
	return drums, nil
}

// melodyZone reads a 10 byte key split: top key, root key at +3, sample
// at +4 and the envelope at +6.
func melodyZone(d []byte, lo, hi uint8, loops []bool) zoneDef {
	z := zoneDef{
		lo:   lo,
		hi:   hi,
		root: clampKey(96 - int(int8(d[3]))),
	}
	z.setSample(binary.BigEndian.Uint16(d[4:]), loops)
	z.setEnvelope(d[6:])
	return z
}

// drumZone reads a 12 byte drum key: sample at +0, transposition
// (octave:note) at +2 and the envelope at +8.
func drumZone(d []byte, key uint8, loops []bool) zoneDef {
	transp := int(int8(d[2])>>4)*12 + int(d[2]&0x0F)
	z := zoneDef{
		lo:   key,
		hi:   key,
		root: clampKey(int(key) - transp),
	}
	z.setSample(binary.BigEndian.Uint16(d[0:]), loops)
	z.setEnvelope(d[8:])
	return z
}

func (z *zoneDef) setSample(id uint16, loops []bool) {
	if int(id) >= len(loops) {
		id = 0
		z.loop = false
	} else {
		z.loop = loops[id]
	}
	z.sample = id
}

// setEnvelope converts the two SCSP envelope words.
func (z *zoneDef) setEnvelope(d []byte) {
	w := binary.BigEndian.Uint16(d)
	z.attack = SCSPRate(uint8(w&0x1F), true)
	z.decay = SCSPRate(uint8(w>>6)&0x1F, false)
	z.sustain = SCSPRate(uint8(w>>11)&0x1F, false)
	w = binary.BigEndian.Uint16(d[2:])
	z.release = SCSPRate(uint8(w&0x1F), false)
	z.level = SCSPLevel(uint8(w>>5) & 0x1F)
}

func clampKey(k int) int {
	return max(0, min(k, 127))
}

func need(b []byte, pos, n uint32) error {
	if uint64(pos)+uint64(n) > uint64(len(b)) {
		return fmt.Errorf("%w: 0x%X", ErrTruncated, pos)
	}
	return nil
}

func be16(b []byte, pos uint32) (uint16, error) {
	if err := need(b, pos, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[pos:]), nil
}

func be24(b []byte, pos uint32) (uint32, error) {
	if err := need(b, pos, 3); err != nil {
		return 0, err
	}
	return uint32(b[pos])<<16 | uint32(b[pos+1])<<8 | uint32(b[pos+2]), nil
}
