package converter

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/james-see/chiptune2midi/pkg/midiout"
)

// SysEx constants
const (
	SysExStart = 0xF0
	SysExEnd   = 0xF7
	RolandID   = midiout.RolandID
)

// ValidateSyx checks a single framed SysEx message.
func ValidateSyx(data []byte) error {
	if len(data) < 2 {
		return errors.New("syx data too short")
	}

	if data[0] != SysExStart {
		return fmt.Errorf("invalid SysEx: expected start byte 0x%02X, got 0x%02X", SysExStart, data[0])
	}

	if data[len(data)-1] != SysExEnd {
		return fmt.Errorf("invalid SysEx: expected end byte 0x%02X, got 0x%02X", SysExEnd, data[len(data)-1])
	}

	// Check all data bytes are 7-bit (valid MIDI data)
	for i := 1; i < len(data)-1; i++ {
		if data[i] > 127 {
			return fmt.Errorf("invalid SysEx: byte at position %d is > 127 (0x%02X)", i, data[i])
		}
	}

	return nil
}

// SplitSyx splits a .syx dump into its messages and validates each one.
func SplitSyx(data []byte) ([][]byte, error) {
	var msgs [][]byte
	for pos := 0; pos < len(data); {
		end := bytes.IndexByte(data[pos:], SysExEnd)
		if end < 0 {
			return msgs, fmt.Errorf("unterminated SysEx at 0x%04X", pos)
		}
		msg := data[pos : pos+end+1]
		if err := ValidateSyx(msg); err != nil {
			return msgs, fmt.Errorf("message at 0x%04X: %w", pos, err)
		}
		msgs = append(msgs, msg)
		pos += end + 1
	}
	return msgs, nil
}

// ExtractManufacturerID extracts the manufacturer ID from SysEx data
func ExtractManufacturerID(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("syx data too short for manufacturer ID")
	}

	if data[0] != SysExStart {
		return nil, errors.New("invalid SysEx start")
	}

	// Check if extended manufacturer ID (starts with 0x00)
	if data[1] == 0x00 {
		if len(data) < 5 {
			return nil, errors.New("syx data too short for extended manufacturer ID")
		}
		return data[1:4], nil
	}

	// Single byte manufacturer ID
	return data[1:2], nil
}

// IsRolandDT1 checks for a Roland "data set 1" message: F0 41 dev model 12
// address data checksum F7.
func IsRolandDT1(data []byte) bool {
	return len(data) >= 7 &&
		data[0] == SysExStart &&
		data[1] == RolandID &&
		data[4] == 0x12 &&
		data[len(data)-1] == SysExEnd
}

// RolandChecksumOK verifies the checksum of a Roland data set message.
func RolandChecksumOK(data []byte) bool {
	if !IsRolandDT1(data) {
		return false
	}
	payload := data[5 : len(data)-2]
	return midiout.RolandChecksum(payload) == data[len(data)-2]
}

// IsM2ex reports whether data looks like an M2system SysEx dump rather
// than a sequence: the first word is a byte count instead of a track count,
// so the words after it do not point into the file. The chain of
// length-prefixed blocks must cover the data exactly.
func IsM2ex(data []byte) bool {
	if len(data) < 6 {
		return false
	}
	n := len(data)
	first := int(data[0])<<8 | int(data[1])
	ptr1 := int(data[2])<<8 | int(data[3])
	ptr2 := int(data[4])<<8 | int(data[5])
	if !(first >= 1 && ptr1 > n && first < n) && !(first >= 2 && ptr2 > n) {
		return false
	}
	_, err := M2exToSyx(data)
	return err == nil
}

// M2exToSyx converts an M2system SysEx dump, a list of blocks each
// prefixed with its big-endian size, into a .syx file.
func M2exToSyx(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)+len(data)/8)
	for pos := 0; pos < len(data); {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("%w: block size at 0x%04X", ErrTruncated, pos)
		}
		size := int(data[pos])<<8 | int(data[pos+1])
		pos += 2
		if pos+size > len(data) {
			return nil, fmt.Errorf("%w: %d byte block at 0x%04X", ErrTruncated, size, pos)
		}
		out = append(out, SysExStart)
		out = append(out, data[pos:pos+size]...)
		out = append(out, SysExEnd)
		pos += size
	}
	return out, nil
}

// SyxReport summarises the messages of a .syx dump.
type SyxReport struct {
	Messages      int      `json:"messages"`
	Manufacturers []string `json:"manufacturers"`
	Warnings      []string `json:"warnings,omitempty"`
}

// CheckSyx splits a .syx dump and lists its manufacturers. Messages
// without a manufacturer ID and Roland data sets with a wrong checksum are
// reported as warnings.
func CheckSyx(data []byte) (*SyxReport, error) {
	msgs, err := SplitSyx(data)
	if err != nil {
		return nil, err
	}
	rep := &SyxReport{Messages: len(msgs)}
	seen := map[string]bool{}
	for i, msg := range msgs {
		id, err := ExtractManufacturerID(msg)
		if err != nil {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("message %d: %v", i, err))
			continue
		}
		if s := fmt.Sprintf("% X", id); !seen[s] {
			seen[s] = true
			rep.Manufacturers = append(rep.Manufacturers, s)
		}
		if IsRolandDT1(msg) && !RolandChecksumOK(msg) {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("message %d: bad Roland checksum", i))
		}
	}
	return rep, nil
}
