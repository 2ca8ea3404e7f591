package soundfont

import "math"

// Envelope times in milliseconds for the 64 SCSP attack and decay rates.
var (
	attackTimes = [64]float64{
		100000, 100000, 8100, 6900, 6000, 4800, 4000, 3400, 3000, 2400, 2000, 1700, 1500,
		1200, 1000, 860, 760, 600, 500, 430, 380, 300, 250, 220, 190, 150, 130, 110, 95,
		76, 63, 55, 47, 38, 31, 27, 24, 19, 15, 13, 12, 9.4, 7.9, 6.8, 6.0, 4.7, 3.8, 3.4, 3.0, 2.4,
		2.0, 1.8, 1.6, 1.3, 1.1, 0.93, 0.85, 0.65, 0.53, 0.44, 0.40, 0.35, 0, 0,
	}
	decayTimes = [64]float64{
		100000, 100000, 118200, 101300, 88600, 70900, 59100, 50700, 44300, 35500, 29600, 25300, 22200, 17700,
		14800, 12700, 11100, 8900, 7400, 6300, 5500, 4400, 3700, 3200, 2800, 2200, 1800, 1600, 1400, 1100,
		920, 790, 690, 550, 460, 390, 340, 270, 230, 200, 170, 140, 110, 98, 85, 68, 57, 49, 43, 34,
		28, 25, 22, 18, 14, 12, 11, 8.5, 7.1, 6.1, 5.4, 4.3, 3.6, 3.1,
	}
)

// SCSPRate converts a 5-bit SCSP envelope rate into SoundFont timecents.
// Rate 0 never finishes and maps to 32767; a zero time maps to -32768.
func SCSPRate(rate uint8, attack bool) int16 {
	rate &= 0x1F
	if rate == 0 {
		return math.MaxInt16
	}

	ms := decayTimes[rate*2]
	if attack {
		ms = attackTimes[rate*2]
	}
	if ms == 0 {
		return math.MinInt16
	}
	return RoundTo16(1200 * math.Log2(ms/1000))
}

// SCSPLevel converts a 5-bit SCSP sustain level into SoundFont
// centibels of attenuation.
func SCSPLevel(level uint8) int16 {
	if level >= 0x1F {
		return math.MaxInt16
	}
	lin := float64(level^0x1F) / 31
	db := math.Log2(lin) * 6
	return int16(db*-10 + 0.5)
}

// RoundTo16 rounds v half away from zero and clamps it to int16.
func RoundTo16(v float64) int16 {
	switch {
	case v <= math.MinInt16:
		return math.MinInt16
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v < 0:
		return int16(v - 0.5)
	default:
		return int16(v + 0.5)
	}
}
