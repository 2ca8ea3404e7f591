package midiout

// Roland manufacturer and command bytes.
const (
	RolandID  = 0x41
	RolandDT1 = 0x12
)

// GSReset is the Roland GS reset message, including framing.
var GSReset = []byte{0xF0, 0x41, 0x10, 0x42, 0x12, 0x40, 0x00, 0x7F, 0x00, 0x41, 0xF7}

// RolandChecksum returns the checksum byte that makes the 7-bit sum of
// payload and checksum zero.
func RolandChecksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return byte(0x100-int(sum)) & 0x7F
}

// RolandSysEx builds a DT1 payload (without F0/F7) for device dev and model.
// Data bytes are masked to 7 bits before summing.
func RolandSysEx(dev, model byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+5)
	out = append(out, RolandID, dev, model, RolandDT1)
	body := make([]byte, len(data))
	for i, b := range data {
		body[i] = b & 0x7F
	}
	out = append(out, body...)
	return append(out, RolandChecksum(body))
}
