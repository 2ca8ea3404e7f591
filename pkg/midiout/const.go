package midiout

// Meta event types.
const (
	MetaText          = 0x01
	MetaTrackName     = 0x03
	MetaMarker        = 0x06
	MetaChannelPrefix = 0x20
	MetaTempo         = 0x51
	MetaTimeSignature = 0x58
)

// Controllers used as annotations in converted files.
const (
	CtrlLoop      = 0x6F // loop iteration counter
	CtrlMarker    = 0x6E // marker byte / unknown command id
	CtrlFlag      = 0x6D // marker flag
	CtrlUnknown   = 0x70 // unknown command id
	CtrlUnknownP1 = 0x26 // first parameter of an unknown command
)

// DrumChannel is the General MIDI percussion channel (zero based).
const DrumChannel = 9

// TempoFromBPM converts a tempo in beats per minute, scaled by scale/64, to
// microseconds per quarter note.
func TempoFromBPM(bpm, scale uint32) uint32 {
	div := bpm * scale
	if div == 0 {
		return 500000
	}
	return 60000000 * 64 / div
}
