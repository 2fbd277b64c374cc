package modem

import (
	"fmt"
	"math"
)

// BitsPerSymbol is the QPSK symbol width.
const BitsPerSymbol = 2

const axis = 1 / math.Sqrt2

// Constellation holds the Gray-coded QPSK points at unit energy.
// The first bit of a pair selects the sign of Q and the second the sign
// of I; a 0 bit maps to the positive half-axis. Indexed by bit pair:
//
//	00 -> (+,+)  01 -> (-,+)  10 -> (+,-)  11 -> (-,-)
type Constellation struct {
	points [4]complex128
}

// NewConstellation creates the QPSK constellation.
func NewConstellation() *Constellation {
	c := &Constellation{}
	for idx := 0; idx < 4; idx++ {
		b0, b1 := byte(idx>>1), byte(idx&1)
		c.points[idx] = complex(axisLevel(b1), axisLevel(b0))
	}
	return c
}

func axisLevel(b byte) float64 {
	if b&1 == 0 {
		return axis
	}
	return -axis
}

// Points returns the four constellation points indexed by bit pair.
func (c *Constellation) Points() []complex128 {
	return append([]complex128(nil), c.points[:]...)
}

// Map maps a bit pair to a constellation point.
func (c *Constellation) Map(b0, b1 byte) complex128 {
	return c.points[int(b0&1)<<1|int(b1&1)]
}

// Demap returns the bit pair of the quadrant holding symbol.
func (c *Constellation) Demap(symbol complex128) (b0, b1 byte) {
	if imag(symbol) < 0 {
		b0 = 1
	}
	if real(symbol) < 0 {
		b1 = 1
	}
	return b0, b1
}

// MapBits maps a bit slice to symbols. bits holds one bit per byte and
// must have even length.
func (c *Constellation) MapBits(bits []byte) ([]complex128, error) {
	if len(bits)%BitsPerSymbol != 0 {
		return nil, fmt.Errorf("%w: %d bits do not fill whole QPSK symbols", ErrInvalidParams, len(bits))
	}
	symbols := make([]complex128, len(bits)/BitsPerSymbol)
	for i := range symbols {
		symbols[i] = c.Map(bits[2*i], bits[2*i+1])
	}
	return symbols, nil
}

// DemapSymbols makes hard decisions on symbols back to bits.
func (c *Constellation) DemapSymbols(symbols []complex128) []byte {
	bits := make([]byte, 0, len(symbols)*BitsPerSymbol)
	for _, s := range symbols {
		b0, b1 := c.Demap(s)
		bits = append(bits, b0, b1)
	}
	return bits
}

// Nearest returns the ideal point closest to symbol.
func (c *Constellation) Nearest(symbol complex128) complex128 {
	return c.Map(c.Demap(symbol))
}

// EVM returns the distance from symbol to its nearest ideal point.
func (c *Constellation) EVM(symbol complex128) float64 {
	d := symbol - c.Nearest(symbol)
	return math.Hypot(real(d), imag(d))
}

// SoftDemap returns the LLRs of both bits of symbol under complex noise
// of total variance noiseVar. Positive values favour bit 0.
func (c *Constellation) SoftDemap(symbol complex128, noiseVar float64) (llr0, llr1 float64) {
	scale := 2 * math.Sqrt2 / noiseVar
	return scale * imag(symbol), scale * real(symbol)
}
