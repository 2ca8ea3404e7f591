package modulation

import (
	"fmt"
	"strings"
)

// BendRange is the pitch bend range in semitones the drivers assume.
const BendRange = 12

// PitchMode selects how pitch offsets are turned into pitch bend values.
type PitchMode int

const (
	// Driver reproduces the sound driver's coarse arithmetic.
	Driver PitchMode = iota
	// PrecisePB computes pitch bends with 1/0x1000 semitone steps but keeps
	// the driver's vibrato resolution.
	PrecisePB
	// PreciseVibrato additionally computes vibrato at full precision. The
	// result is slightly stronger than on real hardware.
	PreciseVibrato
)

var pitchModeNames = map[PitchMode]string{
	Driver:         "driver",
	PrecisePB:      "precise-pb",
	PreciseVibrato: "precise-vib",
}

func (m PitchMode) String() string {
	if name, ok := pitchModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("PitchMode(%d)", int(m))
}

// ParsePitchMode parses a mode name as printed by String. Empty means Driver.
func ParsePitchMode(s string) (PitchMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Driver, nil
	}
	for m, name := range pitchModeNames {
		if name == s {
			return m, nil
		}
	}
	return Driver, fmt.Errorf("unknown pitch mode: %s", s)
}

// HighPrecision reports whether pitch offsets carry 12 extra fraction bits.
func (m PitchMode) HighPrecision() bool {
	return m == PrecisePB || m == PreciseVibrato
}

// VibratoLUT reads the vibrato table with wrap-around. In PreciseVibrato mode
// the ±255 peaks become ±256 for a symmetric triangle.
func (m PitchMode) VibratoLUT(wave uint8, index int) int16 {
	v := VibratoTable[wave&1][uint16(index)&0x1F]
	if m == PreciseVibrato {
		switch v {
		case 255:
			v = 256
		case -255:
			v = -256
		}
	}
	return v
}

// TremoloLUT reads the negative half of the triangle table.
func (m PitchMode) TremoloLUT(index uint16) int16 {
	v := VibratoTable[WaveTriangle][0x10|index&0x0F]
	if m.HighPrecision() && v == -255 {
		v = -256
	}
	return v
}

// VibratoOffset scales a table value by the vibrato strength into a pitch
// offset (1/0x30 semitone, or 1/0x30000 in high precision).
func (m PitchMode) VibratoOffset(strength int8, val int16) int32 {
	switch m {
	case PrecisePB:
		return int32(strength) * int32(val) / 0x100 * 0x1000
	case PreciseVibrato:
		return int32(strength) * int32(val) * 0x10
	default:
		return int32(strength) * int32(val) / 0x100
	}
}

// PortaRange returns the pitch distance covered by a portamento from note
// to target, scaled by percent/100.
func (m PitchMode) PortaRange(note, target uint8, percent uint8) int32 {
	r := (int32(target) - int32(note)) * 0x30
	if m.HighPrecision() {
		r *= 0x1000
	}
	return r * int32(percent) / 100
}

// NoteFracToBend converts a semitone transposition plus a fractional pitch
// offset into a pitch bend delta for BendRange.
func (m PitchMode) NoteFracToBend(transp int16, frac int32) int32 {
	if !m.HighPrecision() {
		frac += int32(transp) * 0x30
		return frac * 683 / 0x30
	}
	frac += int32(transp) * 0x30000
	if frac < 0 {
		frac -= BendRange * 0x18 / 2
	} else {
		frac += BendRange * 0x18 / 2
	}
	return frac / BendRange / 0x18
}

// Clamp14 offsets a signed pitch bend delta by 0x2000 and clamps it to the
// 14-bit range.
func Clamp14(delta int32) uint16 {
	v := 0x2000 + delta
	if v < 0 {
		return 0
	}
	if v > 0x3FFF {
		return 0x3FFF
	}
	return uint16(v)
}

// Bend14 is Clamp14, except that with drop set out-of-range values are
// reported as invalid instead of clamped.
func Bend14(delta int32, drop bool) (uint16, bool) {
	v := 0x2000 + delta
	if drop && (v < 0 || v > 0x3FFF) {
		return 0, false
	}
	return Clamp14(delta), true
}
