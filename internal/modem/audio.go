package modem

import "math"

// AudioPeak is the peak amplitude of normalized audio exports.
const AudioPeak = 0.8

// Upconvert mixes the baseband stream onto carrierHz and returns the real
// passband signal √2·Re{x·e^{j2π·fc·n/fs}}.
func Upconvert(s *Stream, carrierHz float64) []float64 {
	out := make([]float64, len(s.Samples))
	step := 2 * math.Pi * carrierHz / s.SampleRate
	for n, v := range s.Samples {
		sin, cos := math.Sincos(step * float64(n))
		out[n] = math.Sqrt2 * (real(v)*cos - imag(v)*sin)
	}
	return out
}

// NormalizeAmplitude scales samples in place so the peak is AudioPeak,
// leaving headroom for playback.
func NormalizeAmplitude(samples []float64) {
	maxAbs := 0.0
	for _, s := range samples {
		if abs := math.Abs(s); abs > maxAbs {
			maxAbs = abs
		}
	}
	if maxAbs > 0 {
		scale := AudioPeak / maxAbs
		for i := range samples {
			samples[i] *= scale
		}
	}
}

// AudioExport returns the passband rendering of s with DC removed and
// the peak normalized.
func AudioExport(s *Stream, carrierHz float64) []float64 {
	out := ApplyDCRemoval(Upconvert(s, carrierHz))
	NormalizeAmplitude(out)
	return out
}

// SamplesToFloat32 converts float64 samples to float32 for playback buffers.
func SamplesToFloat32(samples []float64) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s)
	}
	return out
}

// ApplyDCRemoval removes the DC component with a one-pole high-pass.
func ApplyDCRemoval(samples []float64) []float64 {
	if len(samples) == 0 {
		return samples
	}
	const alpha = 0.999
	out := make([]float64, len(samples))
	dc := samples[0]
	for i, s := range samples {
		dc = alpha*dc + (1-alpha)*s
		out[i] = s - dc
	}
	return out
}
