package protocol

import (
	"errors"
	"testing"

	"github.com/ArrEssJay/chimera-sub003/internal/fec"
)

func TestDefaultSyncSequence(t *testing.T) {
	bits := DefaultSyncSequence()
	if len(bits) != 32 {
		t.Fatalf("sync length %d, want 32", len(bits))
	}
	if got := FormatSyncSequence(bits); got != "0x1ACFFC1D" {
		t.Errorf("sync = %s, want 0x1ACFFC1D", got)
	}
}

func TestParseSyncSequence(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{"empty is default", "", 32, false},
		{"hex", "0x1ACFFC1D", 32, false},
		{"lower hex", "0xfa", 8, false},
		{"binary", "1100_1010", 8, false},
		{"odd bits", "101", 0, true},
		{"bad digit", "0x1G", 0, true},
		{"garbage", "sync", 0, true},
		{"bare prefix", "0x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bits, err := ParseSyncSequence(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSync) {
					t.Fatalf("err = %v, want ErrInvalidSync", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(bits) != tt.want {
				t.Errorf("len = %d, want %d", len(bits), tt.want)
			}
		})
	}

	bits, _ := ParseSyncSequence("0xA5")
	want := []byte{1, 0, 1, 0, 0, 1, 0, 1}
	for i := range want {
		if bits[i] != want[i] {
			t.Fatalf("0xA5 parsed as %v", bits)
		}
	}
	if FormatSyncSequence([]byte{1, 0}) != "10" {
		t.Errorf("short patterns are formatted as binary")
	}
}

func TestLayoutFor(t *testing.T) {
	tests := []struct {
		name        string
		messageBits int
		dv, dc      int
		want        Layout
	}{
		{"HI", 16, 3, 6, Layout{TotalSymbols: 32, SyncSymbols: 16, PayloadSymbols: 8, ParitySymbols: 8}},
		{"odd message", 13, 3, 6, Layout{TotalSymbols: 30, SyncSymbols: 16, PayloadSymbols: 7, ParitySymbols: 7}},
		{"rate 3/4", 24, 3, 12, Layout{TotalSymbols: 32, SyncSymbols: 16, PayloadSymbols: 12, ParitySymbols: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LayoutFor(tt.messageBits, 32, tt.dv, tt.dc)
			if err != nil {
				t.Fatalf("LayoutFor: %v", err)
			}
			if got != tt.want {
				t.Errorf("layout = %+v, want %+v", got, tt.want)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("derived layout invalid: %v", err)
			}
			if err := got.MatchesCode(tt.dv, tt.dc); err != nil {
				t.Errorf("derived layout does not match code: %v", err)
			}
		})
	}
}

func TestLayoutFor_Errors(t *testing.T) {
	if _, err := LayoutFor(16, 31, 3, 6); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("odd sync: err = %v", err)
	}
	if _, err := LayoutFor(0, 32, 3, 6); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("empty message: err = %v", err)
	}
	if _, err := LayoutFor(16, 32, 6, 3); !errors.Is(err, fec.ErrInvalidDimensions) {
		t.Errorf("dv >= dc: err = %v", err)
	}
}

func TestLayout_Validate(t *testing.T) {
	bad := []Layout{
		{TotalSymbols: 31, SyncSymbols: 16, PayloadSymbols: 8, ParitySymbols: 8},
		{TotalSymbols: 24, SyncSymbols: 16, PayloadSymbols: 8, ParitySymbols: 0},
		{},
	}
	for _, l := range bad {
		if err := l.Validate(); !errors.Is(err, ErrInvalidLayout) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidLayout", l, err)
		}
	}
	l := Layout{TotalSymbols: 32, SyncSymbols: 16, PayloadSymbols: 8, ParitySymbols: 8}
	if err := l.MatchesCode(3, 4); err == nil {
		t.Error("16+16 bits is not a (3,4) codeword")
	}
}

func TestFrame_BitsRoundTrip(t *testing.T) {
	l, err := LayoutFor(16, 32, 3, 6)
	if err != nil {
		t.Fatal(err)
	}
	codeword := make([]byte, l.CodewordBits())
	for i := range codeword {
		codeword[i] = byte(i % 3 & 1)
	}

	f, err := NewFrame(l, DefaultSyncSequence(), codeword)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	bits := f.Bits()
	if len(bits) != l.TotalBits() {
		t.Fatalf("frame bits %d, want %d", len(bits), l.TotalBits())
	}
	sync := DefaultSyncSequence()
	for i := range sync {
		if bits[i] != sync[i] {
			t.Fatalf("frame must lead with the sync preamble")
		}
	}

	back, err := ParseFrame(l, bits)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	cw := back.Codeword()
	for i := range codeword {
		if cw[i] != codeword[i] {
			t.Fatalf("codeword[%d] = %d, want %d", i, cw[i], codeword[i])
		}
	}
	if len(back.Payload) != l.PayloadBits() || len(back.Parity) != l.ParityBits() {
		t.Errorf("regions %d/%d, want %d/%d", len(back.Payload), len(back.Parity), l.PayloadBits(), l.ParityBits())
	}
}

func TestNewFrame_Errors(t *testing.T) {
	l, _ := LayoutFor(16, 32, 3, 6)
	if _, err := NewFrame(l, make([]byte, 30), make([]byte, 32)); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("short sync: err = %v", err)
	}
	if _, err := NewFrame(l, DefaultSyncSequence(), make([]byte, 31)); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("short codeword: err = %v", err)
	}
	cw := make([]byte, 32)
	cw[0] = 2
	if _, err := NewFrame(l, DefaultSyncSequence(), cw); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("non-binary codeword: err = %v", err)
	}
}
