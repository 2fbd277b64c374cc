package modem

import "math"

// Stream is a complex baseband sample sequence at a known rate. Each
// pipeline stage returns a fresh Stream and never mutates its input.
type Stream struct {
	Samples          []complex128
	SampleRate       float64
	SamplesPerSymbol int
	// FilterDelay is the number of samples between a symbol's nominal
	// start and its pulse peak, accumulated over the filters applied so far.
	FilterDelay int
}

// Len returns the number of samples.
func (s *Stream) Len() int { return len(s.Samples) }

// Clone returns a deep copy of s.
func (s *Stream) Clone() *Stream {
	out := *s
	out.Samples = append([]complex128(nil), s.Samples...)
	return &out
}

// WithSamples returns a stream with the same timing metadata and new samples.
func (s *Stream) WithSamples(samples []complex128) *Stream {
	out := *s
	out.Samples = samples
	return &out
}

// MeanPower returns the average |x|² over the stream.
func (s *Stream) MeanPower() float64 {
	return meanPower(s.Samples)
}

// Symbols returns the number of symbol slots implied by the stream length
// and its filter tails.
func (s *Stream) Symbols() int {
	if s.SamplesPerSymbol <= 0 {
		return 0
	}
	return (len(s.Samples) - 2*s.FilterDelay) / s.SamplesPerSymbol
}

// SymbolEnergy estimates Es as the stream energy per symbol slot. Streams
// too short to hold a symbol fall back to mean power times samples per
// symbol.
func (s *Stream) SymbolEnergy() float64 {
	if n := s.Symbols(); n > 0 {
		return s.MeanPower() * float64(len(s.Samples)) / float64(n)
	}
	return s.MeanPower() * float64(s.SamplesPerSymbol)
}

// Duration returns the stream length in seconds.
func (s *Stream) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / s.SampleRate
}

func meanPower(x []complex128) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += real(v)*real(v) + imag(v)*imag(v)
	}
	return sum / float64(len(x))
}

// Rotate multiplies x by exp(j(2π·freqHz·n/sampleRate + phase)).
func Rotate(x []complex128, sampleRate, freqHz, phase float64) []complex128 {
	out := make([]complex128, len(x))
	step := 2 * math.Pi * freqHz / sampleRate
	for n, v := range x {
		s, c := math.Sincos(step*float64(n) + phase)
		out[n] = v * complex(c, s)
	}
	return out
}
