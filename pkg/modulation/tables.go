// Package modulation emulates the tick-driven software effects of the sound
// drivers: vibrato, portamento, pitch slides, tremolo and volume envelopes.
// All arithmetic is fixed point and truncates the way the drivers do.
package modulation

// Waveform selectors for VibratoTable.
const (
	WaveTriangle = 0
	WaveSine     = 1
)

// VibratoTable holds one period of each vibrato waveform, scaled to ±255.
var VibratoTable = [2][0x20]int16{
	{
		32, 64, 96, 128, 160, 192, 224, 255,
		224, 192, 160, 128, 96, 64, 32, 0,
		-32, -64, -96, -128, -160, -192, -224, -255,
		-224, -192, -160, -128, -96, -64, -32, 0,
	},
	{
		// round(sin(pi * (i + 0.5) / 15) * 256)
		27, 79, 128, 171, 207, 234, 250, 255,
		250, 234, 207, 171, 128, 79, 27, 0,
		-27, -79, -128, -171, -207, -234, -250, -255,
		-250, -234, -207, -171, -128, -79, -27, 0,
	},
}

// SustainRates maps the envelope sustain code to a phase length in ticks.
// Code 0x7F (length 0) sustains forever.
var SustainRates = [0x80]int16{
	1, 2, 3, 4, 5, 6, 8, 10, 12, 14, 16, 18, 20, 24, 28, 30,
	36, 34, 36, 40, 42, 44, 46, 48, 52, 54, 56, 60, 64, 68, 72, 76,
	80, 84, 88, 92, 96, 100, 110, 120, 128, 136, 144, 152, 160, 168, 176, 184,
	188, 192, 216, 240, 264, 288, 312, 336, 360, 384, 408, 432, 456, 480, 504, 528,
	552, 576, 600, 624, 648, 672, 696, 720, 744, 768, 792, 816, 840, 864, 888, 912,
	936, 960, 984, 1008, 1032, 1056, 1080, 1104, 1128, 1152, 1176, 1200, 1224, 1248, 1272, 1296,
	1320, 1344, 1368, 1392, 1416, 1440, 1464, 1488, 1512, 1536, 1560, 1584, 1608, 1632, 1656, 1680,
	1704, 1728, 1752, 1776, 1800, 1824, 1848, 1872, 1896, 3000, 5000, 7000, 10000, 20000, 30000, 0,
}
