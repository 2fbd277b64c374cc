package modem

import "math"

// EstimateSNRM2M4 returns the moment-based (M2M4) SNR estimate in dB of
// constant-modulus symbols. It needs no decisions, so it is usable before
// the loops settle. Returns NaN when fewer than two symbols are given, and
// +Inf when the symbols carry no measurable noise.
func EstimateSNRM2M4(symbols []complex128) float64 {
	if len(symbols) < 2 {
		return math.NaN()
	}
	var m2, m4 float64
	for _, s := range symbols {
		p := real(s)*real(s) + imag(s)*imag(s)
		m2 += p
		m4 += p * p
	}
	m2 /= float64(len(symbols))
	m4 /= float64(len(symbols))

	// Split radicand out so the square root is taken once.
	radicand := 2*m2*m2 - m4
	if radicand <= 0 {
		return math.Inf(-1)
	}
	signal := math.Sqrt(radicand)
	noise := m2 - signal
	if noise <= 0 {
		return math.Inf(1)
	}
	return 10 * math.Log10(signal/noise)
}

// BERFromSNR returns the QPSK bit error probability ½·erfc(√(Es/N0 / 2))
// for a linear symbol SNR.
func BERFromSNR(esN0 float64) float64 {
	if math.IsNaN(esN0) || esN0 <= 0 {
		return 0.5
	}
	return 0.5 * math.Erfc(math.Sqrt(esN0/2))
}
