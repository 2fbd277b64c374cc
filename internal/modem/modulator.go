package modem

import (
	"errors"
	"fmt"
	"math"

	"github.com/ArrEssJay/chimera-sub003/internal/protocol"
)

// ErrInvalidParams is returned for modem parameters or inputs that cannot
// be processed.
var ErrInvalidParams = errors.New("invalid modem parameters")

// Params are the waveform parameters shared by modulator and demodulator.
type Params struct {
	SymbolRateHz  float64
	SampleRateHz  float64
	CarrierFreqHz float64
	RollOff       float64
	SpanSymbols   int
}

// DefaultParams returns 6 kBd QPSK at 48 kHz on a 12 kHz carrier.
func DefaultParams() Params {
	return Params{
		SymbolRateHz:  6000,
		SampleRateHz:  48000,
		CarrierFreqHz: 12000,
		RollOff:       0.35,
		SpanSymbols:   4,
	}
}

// SamplesPerSymbol returns SampleRate/SymbolRate rounded to the nearest
// integer.
func (p Params) SamplesPerSymbol() int {
	if p.SymbolRateHz <= 0 {
		return 0
	}
	return int(math.Round(p.SampleRateHz / p.SymbolRateHz))
}

// Validate checks that the parameters describe a realizable waveform.
func (p Params) Validate() error {
	switch {
	case !(p.SymbolRateHz > 0) || math.IsInf(p.SymbolRateHz, 0):
		return fmt.Errorf("%w: symbol rate %v", ErrInvalidParams, p.SymbolRateHz)
	case !(p.SampleRateHz > 0) || math.IsInf(p.SampleRateHz, 0):
		return fmt.Errorf("%w: sample rate %v", ErrInvalidParams, p.SampleRateHz)
	case !(p.RollOff > 0 && p.RollOff <= 1):
		return fmt.Errorf("%w: roll-off %v outside (0, 1]", ErrInvalidParams, p.RollOff)
	case p.SpanSymbols < 1:
		return fmt.Errorf("%w: filter span %d symbols", ErrInvalidParams, p.SpanSymbols)
	case p.CarrierFreqHz < 0 || p.CarrierFreqHz >= p.SampleRateHz/2:
		return fmt.Errorf("%w: carrier %v Hz not below Nyquist (%v Hz)", ErrInvalidParams, p.CarrierFreqHz, p.SampleRateHz/2)
	}
	ratio := p.SampleRateHz / p.SymbolRateHz
	if sps := p.SamplesPerSymbol(); sps < 2 || math.Abs(ratio-float64(sps)) > 1e-9 {
		return fmt.Errorf("%w: sample rate / symbol rate = %v, need an integer >= 2", ErrInvalidParams, ratio)
	}
	return nil
}

// Modulator shapes QPSK symbols with a root-raised-cosine pulse.
type Modulator struct {
	params        Params
	sps           int
	taps          []float64
	constellation *Constellation
}

// NewModulator validates p and designs the pulse.
func NewModulator(p Params) (*Modulator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	taps, err := rrcTaps(p)
	if err != nil {
		return nil, err
	}
	return &Modulator{
		params:        p,
		sps:           p.SamplesPerSymbol(),
		taps:          taps,
		constellation: NewConstellation(),
	}, nil
}

// Params returns the modulator's waveform parameters.
func (m *Modulator) Params() Params { return m.params }

// FilterDelay returns the group delay of one pulse filter in samples.
func (m *Modulator) FilterDelay() int { return (len(m.taps) - 1) / 2 }

// Modulate maps frameBits to symbols and shapes them. frameBits holds one
// bit per byte and must have even length.
func (m *Modulator) Modulate(frameBits []byte) (*Stream, error) {
	symbols, err := m.constellation.MapBits(frameBits)
	if err != nil {
		return nil, err
	}
	return m.ModulateSymbols(symbols), nil
}

// ModulateFrame modulates sync || payload || parity.
func (m *Modulator) ModulateFrame(f *protocol.Frame) (*Stream, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrInvalidParams)
	}
	return m.Modulate(f.Bits())
}

// ModulateSymbols pulse-shapes symbols that are already mapped.
func (m *Modulator) ModulateSymbols(symbols []complex128) *Stream {
	return &Stream{
		Samples:          convolve(upsample(symbols, m.sps), m.taps),
		SampleRate:       m.params.SampleRateHz,
		SamplesPerSymbol: m.sps,
		FilterDelay:      m.FilterDelay(),
	}
}
