// Package vlq implements the variable-length quantity encoding used for
// MIDI delta times and by several sequence formats for lengths and delays.
package vlq

import "errors"

// Max is the largest value representable in four VLQ bytes.
const Max = 0x0FFFFFFF

var (
	// ErrOverflow is returned when a value does not fit into four bytes.
	ErrOverflow = errors.New("vlq: value exceeds 28 bits")
	// ErrShort is returned when the input ends before the final byte.
	ErrShort = errors.New("vlq: unterminated quantity")
)

// Len returns the number of bytes needed to encode v.
func Len(v uint32) int {
	n := 1
	for v >>= 7; v > 0; v >>= 7 {
		n++
	}
	return n
}

// Encode returns the minimal encoding of v. Values above Max are truncated
// to 28 bits.
func Encode(v uint32) []byte {
	return AppendEncode(nil, v)
}

// AppendEncode appends the encoding of v to dst.
func AppendEncode(dst []byte, v uint32) []byte {
	v &= Max
	n := Len(v)
	for i := n - 1; i >= 0; i-- {
		b := byte(v>>(7*uint(i))) & 0x7F
		if i > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
	}
	return dst
}

// Decode reads one quantity from the start of b and returns its value and
// the number of bytes consumed.
func Decode(b []byte) (uint32, int, error) {
	var v uint32
	for i, c := range b {
		if i == 4 {
			return 0, i, ErrOverflow
		}
		v = v<<7 | uint32(c&0x7F)
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return v, len(b), ErrShort
}
