package modem

import (
	"math"
	"math/cmplx"
)

// gardnerSlope is the Gardner detector gain, in error units per symbol
// period of timing offset, for unit-energy QPSK through the RRC cascade.
const gardnerSlope = 2.6

// loopGains returns the proportional and integral gains of a second-order
// loop with normalized noise bandwidth bnT and damping zeta.
func loopGains(bnT, zeta float64) (alpha, beta float64) {
	theta := bnT / (zeta + 1/(4*zeta))
	d := 1 + 2*zeta*theta + theta*theta
	return 4 * zeta * theta / d, 4 * theta * theta / d
}

// CarrierLoop is a second-order PLL driving a phase accumulator (NCO).
// Phase and frequency are in radians per symbol.
type CarrierLoop struct {
	alpha, beta float64
	phase, freq float64
}

// NewCarrierLoop creates a loop with normalized bandwidth bnT.
func NewCarrierLoop(bnT, zeta float64) *CarrierLoop {
	a, b := loopGains(bnT, zeta)
	return &CarrierLoop{alpha: a, beta: b}
}

// Reset sets the NCO phase and frequency.
func (l *CarrierLoop) Reset(phase, freq float64) {
	l.phase, l.freq = phase, freq
}

// Derotate removes the current NCO phase from z.
func (l *CarrierLoop) Derotate(z complex128) complex128 {
	return z * cmplx.Rect(1, -l.phase)
}

// Update feeds a phase error and advances the NCO by one symbol.
func (l *CarrierLoop) Update(phaseErr float64) {
	l.freq += l.beta * phaseErr
	l.phase = wrapPhase(l.phase + l.freq + l.alpha*phaseErr)
}

// Freq returns the frequency estimate in radians per symbol.
func (l *CarrierLoop) Freq() float64 { return l.freq }

// TimingLoop is a PI loop on a Gardner detector. Offset is the timing
// correction in samples applied to the next symbol strobe.
type TimingLoop struct {
	kp, ki float64
	offset float64
	drift  float64
	limit  float64
}

// NewTimingLoop creates a timing loop for sps samples per symbol.
func NewTimingLoop(bnT, zeta float64, sps int) *TimingLoop {
	a, b := loopGains(bnT, zeta)
	scale := float64(sps) / gardnerSlope
	return &TimingLoop{kp: a * scale, ki: b * scale, limit: float64(sps) / 2}
}

// GardnerError computes Re{conj(mid)·(cur − prev)}. It is positive when
// the strobes sample late.
func GardnerError(prev, mid, cur complex128) float64 {
	return real(cmplx.Conj(mid) * (cur - prev))
}

// Update feeds one normalized Gardner error.
func (l *TimingLoop) Update(e float64) {
	if math.IsNaN(e) || math.IsInf(e, 0) {
		return
	}
	l.drift += l.ki * e
	l.drift = clampAbs(l.drift, l.limit/8)
	l.offset -= l.kp*e + l.drift
}

// Offset returns the accumulated correction in samples.
func (l *TimingLoop) Offset() float64 { return l.offset }

func wrapPhase(p float64) float64 {
	return math.Remainder(p, 2*math.Pi)
}

func clampAbs(x, lim float64) float64 {
	if x > lim {
		return lim
	}
	if x < -lim {
		return -lim
	}
	return x
}
