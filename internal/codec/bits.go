package codec

import (
	"errors"
	"fmt"
)

// ErrPayloadTooLong is returned when a payload does not fit the requested width.
var ErrPayloadTooLong = errors.New("payload too long")

// BytesToBits expands bytes into bits, MSB first.
// Each output byte holds a single bit (0 or 1).
func BytesToBits(data []byte) []byte {
	bits := make([]byte, len(data)*8)
	for i, b := range data {
		for j := 7; j >= 0; j-- {
			bits[i*8+(7-j)] = (b >> uint(j)) & 1
		}
	}
	return bits
}

// BitsToBytes packs bits (MSB first) back into bytes.
// Trailing bits that do not fill a whole byte are dropped.
func BitsToBytes(bits []byte) []byte {
	numBytes := len(bits) / 8
	data := make([]byte, numBytes)
	for i := 0; i < numBytes; i++ {
		var b byte
		for j := 0; j < 8; j++ {
			b = (b << 1) | (bits[i*8+j] & 1)
		}
		data[i] = b
	}
	return data
}

// TextToBits converts a string into its UTF-8 bit representation.
func TextToBits(s string) []byte {
	return BytesToBits([]byte(s))
}

// BitsToText converts bits back into a string, stripping the zero padding
// that PadBits appends.
func BitsToText(bits []byte) string {
	return string(TrimPadding(BitsToBytes(bits)))
}

// TrimPadding removes trailing NUL bytes.
func TrimPadding(data []byte) []byte {
	end := len(data)
	for end > 0 && data[end-1] == 0 {
		end--
	}
	return data[:end]
}

// PadBits zero-pads bits to exactly n entries.
func PadBits(bits []byte, n int) ([]byte, error) {
	if len(bits) > n {
		return nil, fmt.Errorf("%w: %d bits > %d", ErrPayloadTooLong, len(bits), n)
	}
	out := make([]byte, n)
	copy(out, bits)
	return out, nil
}

// CountBitErrors returns the Hamming distance between a and b. Positions
// present in only one of the slices count as errors.
func CountBitErrors(a, b []byte) int {
	n := min(len(a), len(b))
	errs := 0
	for i := 0; i < n; i++ {
		if a[i]&1 != b[i]&1 {
			errs++
		}
	}
	if len(a) > len(b) {
		errs += len(a) - len(b)
	} else {
		errs += len(b) - len(a)
	}
	return errs
}

// ValidBits reports whether every entry of bits is 0 or 1.
func ValidBits(bits []byte) bool {
	for _, b := range bits {
		if b > 1 {
			return false
		}
	}
	return true
}
