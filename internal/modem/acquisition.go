package modem

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// CoarseEstimate is the result of the fourth-power frequency search.
type CoarseEstimate struct {
	OffsetHz float64
	BinHz    float64 // resolution of one FFT bin, in carrier Hz
	Peak     float64 // peak magnitude relative to the mean bin magnitude
}

// minCoarsePeak is the peak-to-mean bin ratio a fourth-power tone needs
// to count as a carrier rather than a noise peak.
const minCoarsePeak = 5.0

// Significant reports whether the estimate is worth correcting: a peak
// that stands out of the spectrum, larger than half a bin and within maxHz.
func (e CoarseEstimate) Significant(maxHz float64) bool {
	a := math.Abs(e.OffsetHz)
	return e.Peak >= minCoarsePeak && a > e.BinHz/2 && a <= maxHz
}

// EstimateCoarseOffset estimates a carrier offset on QPSK samples by
// raising them to the fourth power, which strips the modulation and leaves
// a tone at four times the offset. Only offsets up to maxHz are searched.
func EstimateCoarseOffset(x []complex128, sampleRate, maxHz float64) CoarseEstimate {
	if len(x) < 4 || sampleRate <= 0 || maxHz <= 0 {
		return CoarseEstimate{}
	}

	nfft := 1
	for nfft < 4*len(x) {
		nfft <<= 1
	}
	buf := make([]complex128, nfft)
	for i, v := range x {
		v2 := v * v
		buf[i] = v2 * v2
	}

	fft := fourier.NewCmplxFFT(nfft)
	coeff := fft.Coefficients(nil, buf)

	binHz := sampleRate / float64(nfft)
	limit := 4 * maxHz
	best, bestIdx := -1.0, 0
	var total float64
	for i, c := range coeff {
		mag := cmplx.Abs(c)
		total += mag
		if math.Abs(binFreq(i, nfft, sampleRate)) > limit {
			continue
		}
		if mag > best {
			best, bestIdx = mag, i
		}
	}
	if best <= 0 {
		return CoarseEstimate{BinHz: binHz / 4}
	}

	left := cmplx.Abs(coeff[(bestIdx-1+nfft)%nfft])
	right := cmplx.Abs(coeff[(bestIdx+1)%nfft])
	delta := parabolicPeak(left, best, right)

	f4 := binFreq(bestIdx, nfft, sampleRate) + delta*binHz
	return CoarseEstimate{
		OffsetHz: f4 / 4,
		BinHz:    binHz / 4,
		Peak:     best / (total / float64(nfft)),
	}
}

// binFreq maps FFT bin i to a signed frequency.
func binFreq(i, n int, sampleRate float64) float64 {
	if i >= n/2 {
		i -= n
	}
	return float64(i) * sampleRate / float64(n)
}

// parabolicPeak returns the vertex offset in [-0.5, 0.5] of the parabola
// through three equally spaced values around a maximum.
func parabolicPeak(left, mid, right float64) float64 {
	den := left - 2*mid + right
	if den == 0 || math.IsNaN(den) {
		return 0
	}
	d := 0.5 * (left - right) / den
	return clampAbs(d, 0.5)
}
