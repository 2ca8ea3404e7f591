package soundfont

import (
	"math"
	"testing"
)

func TestSCSPRate(t *testing.T) {
	tests := []struct {
		rate   uint8
		attack bool
		want   int16
	}{
		{0, true, math.MaxInt16},
		{0, false, math.MaxInt16},
		{1, true, 3622},
		{1, false, 8262},
		{10, true, -1675},
		{10, false, 2951},
		{16, true, -5293},
		{16, false, -642},
		{30, true, -13545},
		{31, true, math.MinInt16},
		{31, false, -9741},
		{0x21, true, 3622},
	}
	for _, tt := range tests {
		if got := SCSPRate(tt.rate, tt.attack); got != tt.want {
			t.Errorf("SCSPRate(%d, %v) = %d, want %d", tt.rate, tt.attack, got, tt.want)
		}
	}
}

func TestSCSPLevel(t *testing.T) {
	tests := []struct {
		level uint8
		want  int16
	}{
		{0x00, 0},
		{0x01, 3},
		{0x10, 63},
		{0x1E, 297},
		{0x1F, math.MaxInt16},
		{0x40, math.MaxInt16},
	}
	for _, tt := range tests {
		if got := SCSPLevel(tt.level); got != tt.want {
			t.Errorf("SCSPLevel(0x%02X) = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestRoundTo16(t *testing.T) {
	tests := []struct {
		v    float64
		want int16
	}{
		{0, 0},
		{1.5, 2},
		{-1.5, -2},
		{2.49, 2},
		{-2.49, -2},
		{40000, math.MaxInt16},
		{-40000, math.MinInt16},
	}
	for _, tt := range tests {
		if got := RoundTo16(tt.v); got != tt.want {
			t.Errorf("RoundTo16(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestSCSPRateMonotonic(t *testing.T) {
	for _, attack := range []bool{true, false} {
		prev := SCSPRate(1, attack)
		for r := uint8(2); r < 32; r++ {
			got := SCSPRate(r, attack)
			if got > prev {
				t.Errorf("SCSPRate(%d, %v) = %d, slower than rate %d (%d)", r, attack, got, r-1, prev)
			}
			prev = got
		}
	}
}
