// Package soundfont builds SoundFont 2 banks from sample ROM images.
package soundfont

import (
	"errors"
	"time"
)

// ErrTooLarge is returned when a bank does not fit the 16-bit record
// indices of the SoundFont format.
var ErrTooLarge = errors.New("soundfont: too many records")

// GenOp is a SoundFont generator operator.
type GenOp uint16

// Generator operators used by the bank writers.
const (
	GenAttackVolEnv      GenOp = 34
	GenHoldVolEnv        GenOp = 35
	GenDecayVolEnv       GenOp = 36
	GenSustainVolEnv     GenOp = 37
	GenReleaseVolEnv     GenOp = 38
	GenInstrument        GenOp = 41
	GenKeyRange          GenOp = 43
	GenSampleID          GenOp = 53
	GenSampleModes       GenOp = 54
	GenOverridingRootKey GenOp = 58
)

// Sample modes.
const (
	NoLoop     = 0
	LoopAlways = 1
)

// Drum presets live in bank 128.
const DrumBank = 128

// DefaultEngine is the sound engine written to the isng chunk.
const DefaultEngine = "EMU8000"

// Generator is one generator record.
type Generator struct {
	Op     GenOp
	Amount uint16
}

// Gen returns a generator with a signed amount.
func Gen(op GenOp, v int16) Generator {
	return Generator{Op: op, Amount: uint16(v)}
}

// Range returns a generator with a lo/hi byte pair amount.
func Range(op GenOp, lo, hi uint8) Generator {
	return Generator{Op: op, Amount: uint16(hi)<<8 | uint16(lo)}
}

// Zone is a list of generators. Instrument zones end with a sample ID,
// preset zones with an instrument.
type Zone []Generator

// Sample is a mono 16-bit sample. Loop points are relative to the
// first frame.
type Sample struct {
	Name       string
	Data       []int16
	LoopStart  uint32
	LoopEnd    uint32
	Rate       uint32
	RootKey    uint8
	Correction int8
}

// Instrument is a named set of zones.
type Instrument struct {
	Name  string
	Zones []Zone
}

// Preset maps a bank/program pair onto instruments.
type Preset struct {
	Name    string
	Program uint16
	Bank    uint16
	Zones   []Zone
}

// Bank is an in-memory SoundFont.
type Bank struct {
	Name        string
	Engine      string
	Software    string
	Created     time.Time
	Samples     []Sample
	Instruments []Instrument
	Presets     []Preset
}

// New returns an empty bank.
func New(name string) *Bank {
	return &Bank{
		Name:   name,
		Engine: DefaultEngine,
	}
}

// AddSample appends s and returns its index.
func (b *Bank) AddSample(s Sample) int {
	b.Samples = append(b.Samples, s)
	return len(b.Samples) - 1
}

// AddInstrument appends an instrument and returns its index.
func (b *Bank) AddInstrument(name string, zones ...Zone) int {
	b.Instruments = append(b.Instruments, Instrument{Name: name, Zones: zones})
	return len(b.Instruments) - 1
}

// AddPreset appends a preset that plays one instrument over the whole
// key range.
func (b *Bank) AddPreset(name string, bank, program uint16, instrument int) {
	b.Presets = append(b.Presets, Preset{
		Name:    name,
		Program: program,
		Bank:    bank,
		Zones:   []Zone{{Gen(GenInstrument, int16(instrument))}},
	})
}
