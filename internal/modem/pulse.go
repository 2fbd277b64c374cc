package modem

import (
	"fmt"
	"math"

	"github.com/racerxdl/segdsp/dsp"
)

// rrcTaps designs the root-raised-cosine pulse for p, spanning
// SpanSymbols symbols, normalized to unit energy.
func rrcTaps(p Params) ([]float64, error) {
	sps := p.SamplesPerSymbol()
	ntaps := p.SpanSymbols*sps + 1
	raw := dsp.MakeRRC(1, p.SampleRateHz, p.SymbolRateHz, p.RollOff, ntaps)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty RRC design", ErrInvalidParams)
	}

	taps := make([]float64, len(raw))
	var energy float64
	for i, t := range raw {
		v := float64(t)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: RRC tap %d is not finite", ErrInvalidParams, i)
		}
		taps[i] = v
		energy += v * v
	}
	if energy <= 0 {
		return nil, fmt.Errorf("%w: RRC taps have no energy", ErrInvalidParams)
	}
	norm := 1 / math.Sqrt(energy)
	for i := range taps {
		taps[i] *= norm
	}
	return taps, nil
}

// reversed returns taps in reverse order. MakeRRC samples the pulse on a
// half-sample grid, so the taps are not symmetric; filtering with the
// reversed pulse makes the cascade an autocorrelation peaking at exactly
// len(taps)-1.
func reversed(taps []float64) []float64 {
	out := make([]float64, len(taps))
	for i, t := range taps {
		out[len(taps)-1-i] = t
	}
	return out
}

// convolve returns the full linear convolution of x with real taps.
func convolve(x []complex128, taps []float64) []complex128 {
	if len(x) == 0 || len(taps) == 0 {
		return nil
	}
	out := make([]complex128, len(x)+len(taps)-1)
	for i, v := range x {
		if v == 0 {
			continue
		}
		for j, h := range taps {
			out[i+j] += v * complex(h, 0)
		}
	}
	return out
}

// upsample places each symbol at the start of an sps-sample slot.
func upsample(symbols []complex128, sps int) []complex128 {
	out := make([]complex128, len(symbols)*sps)
	for i, s := range symbols {
		out[i*sps] = s
	}
	return out
}
