package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ArrEssJay/chimera-sub003/internal/codec"
	"github.com/ArrEssJay/chimera-sub003/internal/fec"
)

// BitsPerSymbol is fixed by QPSK.
const BitsPerSymbol = 2

// DefaultSyncWord is the CCSDS attached sync marker.
const DefaultSyncWord uint32 = 0x1ACFFC1D

var (
	// ErrInvalidLayout is returned for inconsistent frame layouts.
	ErrInvalidLayout = errors.New("invalid frame layout")
	// ErrInvalidSync is returned for malformed sync sequences.
	ErrInvalidSync = errors.New("invalid sync sequence")
)

// DefaultSyncSequence returns the 32 bits of DefaultSyncWord, MSB first.
func DefaultSyncSequence() []byte {
	return wordBits(DefaultSyncWord, 32)
}

func wordBits(w uint32, n int) []byte {
	bits := make([]byte, n)
	for i := 0; i < n; i++ {
		bits[i] = byte(w>>uint(n-1-i)) & 1
	}
	return bits
}

// ParseSyncSequence parses a sync pattern written either as hex with a
// 0x prefix or as a string of 0 and 1 characters. Underscores and spaces
// are ignored. The empty string yields DefaultSyncSequence.
func ParseSyncSequence(s string) ([]byte, error) {
	s = strings.NewReplacer("_", "", " ", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return DefaultSyncSequence(), nil
	}

	var bits []byte
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		hex := s[2:]
		if hex == "" {
			return nil, fmt.Errorf("%w: empty hex pattern", ErrInvalidSync)
		}
		for _, r := range hex {
			var nib byte
			switch {
			case r >= '0' && r <= '9':
				nib = byte(r - '0')
			case r >= 'a' && r <= 'f':
				nib = byte(r-'a') + 10
			case r >= 'A' && r <= 'F':
				nib = byte(r-'A') + 10
			default:
				return nil, fmt.Errorf("%w: bad hex digit %q", ErrInvalidSync, r)
			}
			bits = append(bits, nib>>3&1, nib>>2&1, nib>>1&1, nib&1)
		}
	} else {
		bits = make([]byte, 0, len(s))
		for _, r := range s {
			switch r {
			case '0':
				bits = append(bits, 0)
			case '1':
				bits = append(bits, 1)
			default:
				return nil, fmt.Errorf("%w: %q is neither hex nor binary", ErrInvalidSync, s)
			}
		}
	}

	if len(bits)%BitsPerSymbol != 0 {
		return nil, fmt.Errorf("%w: %d bits do not fill whole symbols", ErrInvalidSync, len(bits))
	}
	return bits, nil
}

// FormatSyncSequence renders bits as a 0x hex string when they fill whole
// nibbles and as a binary string otherwise.
func FormatSyncSequence(bits []byte) string {
	var sb strings.Builder
	if len(bits)%4 == 0 && len(bits) > 0 {
		sb.WriteString("0x")
		for i := 0; i < len(bits); i += 4 {
			nib := bits[i]<<3 | bits[i+1]<<2 | bits[i+2]<<1 | bits[i+3]
			sb.WriteByte("0123456789ABCDEF"[nib&0xF])
		}
		return sb.String()
	}
	for _, b := range bits {
		sb.WriteByte('0' + b&1)
	}
	return sb.String()
}

// Layout is the fixed symbol budget of a frame.
type Layout struct {
	TotalSymbols   int `json:"total_symbols" yaml:"total_symbols" koanf:"total_symbols"`
	SyncSymbols    int `json:"sync_symbols" yaml:"sync_symbols" koanf:"sync_symbols"`
	PayloadSymbols int `json:"payload_symbols" yaml:"payload_symbols" koanf:"payload_symbols"`
	ParitySymbols  int `json:"parity_symbols" yaml:"parity_symbols" koanf:"parity_symbols"`
}

// IsZero reports whether no layout was configured.
func (l Layout) IsZero() bool { return l == Layout{} }

// Validate checks that every region is non-empty and the total is their sum.
func (l Layout) Validate() error {
	if l.SyncSymbols <= 0 || l.PayloadSymbols <= 0 || l.ParitySymbols <= 0 {
		return fmt.Errorf("%w: sync=%d payload=%d parity=%d symbols", ErrInvalidLayout,
			l.SyncSymbols, l.PayloadSymbols, l.ParitySymbols)
	}
	if sum := l.SyncSymbols + l.PayloadSymbols + l.ParitySymbols; sum != l.TotalSymbols {
		return fmt.Errorf("%w: total %d != %d sync + %d payload + %d parity", ErrInvalidLayout,
			l.TotalSymbols, l.SyncSymbols, l.PayloadSymbols, l.ParitySymbols)
	}
	return nil
}

// MatchesCode checks that the payload and parity regions hold a regular
// (dv, dc) codeword exactly.
func (l Layout) MatchesCode(dv, dc int) error {
	n := l.CodewordBits()
	if dc <= 0 || (n*dv)%dc != 0 || n*dv/dc != l.ParityBits() {
		return fmt.Errorf("%w: %d payload + %d parity bits is not a (%d,%d) codeword", ErrInvalidLayout,
			l.PayloadBits(), l.ParityBits(), dv, dc)
	}
	return nil
}

// SyncBits is the sync preamble length in bits.
func (l Layout) SyncBits() int { return l.SyncSymbols * BitsPerSymbol }

// PayloadBits is the number of information bits per frame.
func (l Layout) PayloadBits() int { return l.PayloadSymbols * BitsPerSymbol }

// ParityBits is the number of LDPC parity bits per frame.
func (l Layout) ParityBits() int { return l.ParitySymbols * BitsPerSymbol }

// CodewordBits is the LDPC block length n.
func (l Layout) CodewordBits() int { return l.PayloadBits() + l.ParityBits() }

// TotalBits is the frame length in bits.
func (l Layout) TotalBits() int { return l.TotalSymbols * BitsPerSymbol }

// CodewordSymbols is the number of symbols following the sync preamble.
func (l Layout) CodewordSymbols() int { return l.PayloadSymbols + l.ParitySymbols }

// LayoutFor derives the smallest layout that carries messageBits behind a
// syncBits preamble with a regular (dv, dc) code. The payload width is the
// first k >= messageBits for which both k and the parity width are even
// and the code length is integral.
func LayoutFor(messageBits, syncBits, dv, dc int) (Layout, error) {
	if syncBits <= 0 || syncBits%BitsPerSymbol != 0 {
		return Layout{}, fmt.Errorf("%w: %d sync bits", ErrInvalidLayout, syncBits)
	}
	if messageBits <= 0 {
		return Layout{}, fmt.Errorf("%w: empty message", ErrInvalidLayout)
	}
	if dv < 1 || dc <= dv {
		return Layout{}, fmt.Errorf("%w: dv=%d dc=%d", fec.ErrInvalidDimensions, dv, dc)
	}

	limit := messageBits + 4*dc*dc
	for k := max(messageBits, BitsPerSymbol); k <= limit; k++ {
		if k%BitsPerSymbol != 0 {
			continue
		}
		n, m, err := fec.SizeForPayload(k, dv, dc)
		if err != nil || m%BitsPerSymbol != 0 || n < dc {
			continue
		}
		l := Layout{
			SyncSymbols:    syncBits / BitsPerSymbol,
			PayloadSymbols: k / BitsPerSymbol,
			ParitySymbols:  m / BitsPerSymbol,
		}
		l.TotalSymbols = l.SyncSymbols + l.PayloadSymbols + l.ParitySymbols
		return l, nil
	}
	return Layout{}, fmt.Errorf("%w: no (%d,%d) code carries %d bits", ErrInvalidLayout, dv, dc, messageBits)
}

// Frame is one transmission unit: sync preamble, systematic payload and
// parity trailer.
type Frame struct {
	Layout  Layout
	Sync    []byte
	Payload []byte
	Parity  []byte
}

// NewFrame assembles a frame from a sync pattern and a full codeword.
func NewFrame(l Layout, sync, codeword []byte) (*Frame, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	if len(sync) != l.SyncBits() {
		return nil, fmt.Errorf("%w: sync has %d bits, layout expects %d", ErrInvalidLayout, len(sync), l.SyncBits())
	}
	if !codec.ValidBits(sync) || !codec.ValidBits(codeword) {
		return nil, fmt.Errorf("%w: frame bits must be 0 or 1", ErrInvalidLayout)
	}
	payload, parity, err := SplitCodeword(l, codeword)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Layout:  l,
		Sync:    append([]byte(nil), sync...),
		Payload: payload,
		Parity:  parity,
	}, nil
}

// Bits returns sync || payload || parity.
func (f *Frame) Bits() []byte {
	out := make([]byte, 0, f.Layout.TotalBits())
	out = append(out, f.Sync...)
	out = append(out, f.Payload...)
	return append(out, f.Parity...)
}

// Codeword returns payload || parity.
func (f *Frame) Codeword() []byte {
	out := make([]byte, 0, f.Layout.CodewordBits())
	out = append(out, f.Payload...)
	return append(out, f.Parity...)
}

// SplitCodeword separates a codeword into its payload and parity regions.
func SplitCodeword(l Layout, codeword []byte) (payload, parity []byte, err error) {
	if len(codeword) != l.CodewordBits() {
		return nil, nil, fmt.Errorf("%w: codeword has %d bits, layout expects %d", ErrInvalidLayout,
			len(codeword), l.CodewordBits())
	}
	k := l.PayloadBits()
	payload = append([]byte(nil), codeword[:k]...)
	parity = append([]byte(nil), codeword[k:]...)
	return payload, parity, nil
}

// ParseFrame splits received frame bits back into regions.
func ParseFrame(l Layout, bits []byte) (*Frame, error) {
	if len(bits) != l.TotalBits() {
		return nil, fmt.Errorf("%w: frame has %d bits, layout expects %d", ErrInvalidLayout, len(bits), l.TotalBits())
	}
	return NewFrame(l, bits[:l.SyncBits()], bits[l.SyncBits():])
}
