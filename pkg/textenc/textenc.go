// Package textenc decodes song titles and marker text embedded in sequence data.
package textenc

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// CString returns b up to the first NUL byte with trailing spaces removed.
func CString(b []byte) []byte {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return bytes.TrimRight(b, " ")
}

// Decode converts raw title bytes to a string. With sjis set the bytes are
// read as Shift-JIS; otherwise they are passed through unchanged, which is
// what the MIDI text meta events expect.
func Decode(b []byte, sjis bool) string {
	if !sjis || isASCII(b) {
		return string(b)
	}
	r := transform.NewReader(bytes.NewReader(b), japanese.ShiftJIS.NewDecoder())
	out, err := io.ReadAll(r)
	if err != nil || !utf8.Valid(out) {
		return string(b)
	}
	return strings.TrimRight(string(out), " 　")
}

// Encode converts a UTF-8 string back to Shift-JIS bytes.
func Encode(s string) ([]byte, error) {
	r := transform.NewReader(strings.NewReader(s), japanese.ShiftJIS.NewEncoder())
	return io.ReadAll(r)
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
