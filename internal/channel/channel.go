// Package channel models the propagation path between modulator and
// demodulator: timing offsets, attenuation, carrier offset and AWGN.
package channel

import (
	"math"
	"math/rand"

	"github.com/ArrEssJay/chimera-sub003/internal/modem"
)

// Impairments configures one pass through the channel.
type Impairments struct {
	SNRdB          float64 // Es/N0 referenced to the transmitted signal; +Inf disables noise
	LinkLossDB     float64
	FreqOffsetHz   float64
	PhaseOffsetRad float64

	DelaySamples    float64 // fractional delay prepended to the stream
	ClockOffsetPPM  float64 // receiver sample clock error
	JitterSamples   float64 // RMS per-symbol timing jitter
	TrailingSamples int     // silence appended after the frame
}

// EffectiveSNRdB is the Es/N0 seen by the receiver once link loss is
// applied.
func (imp Impairments) EffectiveSNRdB() float64 {
	return imp.SNRdB - imp.LinkLossDB
}

// Amplitude returns the linear gain of the link loss.
func (imp Impairments) Amplitude() float64 {
	return math.Pow(10, -imp.LinkLossDB/20)
}

// NoiseVariance returns the complex noise variance per sample for a
// transmitted symbol energy es.
func (imp Impairments) NoiseVariance(es float64) float64 {
	if math.IsInf(imp.SNRdB, 1) || es <= 0 {
		return 0
	}
	return es / math.Pow(10, imp.SNRdB/10)
}

// NewSeed draws a seed from the process-level source for unseeded runs.
func NewSeed() int64 {
	return rand.Int63()
}

// Apply passes tx through the channel and returns a new stream. A nil seed
// draws one from entropy; the same seed and input give bit-identical
// output. tx is not modified.
func Apply(tx *modem.Stream, imp Impairments, seed *int64) *modem.Stream {
	s := NewSeed()
	if seed != nil {
		s = *seed
	}
	rng := rand.New(rand.NewSource(s))

	es := tx.SymbolEnergy()
	x := retime(tx.Samples, tx.SamplesPerSymbol, imp, rng)

	gain := imp.Amplitude()
	if gain != 1 {
		for i := range x {
			x[i] *= complex(gain, 0)
		}
	}

	if imp.FreqOffsetHz != 0 || imp.PhaseOffsetRad != 0 {
		x = modem.Rotate(x, tx.SampleRate, imp.FreqOffsetHz, imp.PhaseOffsetRad)
	}

	if n0 := imp.NoiseVariance(es); n0 > 0 {
		addNoise(x, n0, rng)
	}

	return tx.WithSamples(x)
}

// retime applies delay, clock offset, jitter and trailing silence. The
// output always has its own backing array.
func retime(in []complex128, sps int, imp Impairments, rng *rand.Rand) []complex128 {
	delay := math.Max(imp.DelaySamples, 0)
	ratio := 1 + imp.ClockOffsetPPM*1e-6
	if !(ratio > 0) {
		ratio = 1
	}
	trailing := max(imp.TrailingSamples, 0)

	var jitter []float64
	if imp.JitterSamples > 0 && sps > 0 {
		jitter = make([]float64, len(in)/sps+2)
		for i := range jitter {
			jitter[i] = rng.NormFloat64() * imp.JitterSamples
		}
	}

	if delay == 0 && ratio == 1 && jitter == nil {
		out := make([]complex128, len(in)+trailing)
		copy(out, in)
		return out
	}

	// Receiver sample n sees the transmitter at time (n - delay)·ratio.
	body := int(math.Ceil((float64(len(in))+delay)/ratio))
	if jitter == nil {
		return append(modem.Resample(in, -delay*ratio, ratio, body), make([]complex128, trailing)...)
	}
	out := make([]complex128, body+trailing)
	for n := 0; n < body; n++ {
		t := (float64(n) - delay) * ratio
		out[n] = modem.Interpolate(in, t+jitterAt(jitter, t, sps))
	}
	return out
}

// jitterAt linearly interpolates the per-symbol jitter track at time t.
func jitterAt(track []float64, t float64, sps int) float64 {
	pos := t / float64(sps)
	if pos <= 0 {
		return track[0]
	}
	i := int(pos)
	if i+1 >= len(track) {
		return track[len(track)-1]
	}
	f := pos - float64(i)
	return track[i]*(1-f) + track[i+1]*f
}

func addNoise(x []complex128, n0 float64, rng *rand.Rand) {
	sigma := math.Sqrt(n0 / 2)
	for i := range x {
		x[i] += complex(rng.NormFloat64()*sigma, rng.NormFloat64()*sigma)
	}
}
