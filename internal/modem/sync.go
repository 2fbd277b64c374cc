package modem

import (
	"math"
	"math/cmplx"
)

// DetectionThreshold is the default normalized correlation needed to
// declare sync (0 to 1).
const DetectionThreshold = 0.7

// SyncDetector slides a symbol-spaced correlator for a known sync symbol
// sequence over matched-filter output.
type SyncDetector struct {
	reference []complex128
	refEnergy float64
	sps       int
	span      int // samples from the first sync strobe to the last frame strobe
	threshold float64
}

// SyncMatch describes the correlation peak.
type SyncMatch struct {
	Found       bool
	Offset      int     // sample index of the first sync strobe
	Fraction    float64 // parabolic refinement in samples, in [-0.5, 0.5]
	Metric      float64
	Correlation complex128 // raw correlation at the peak
}

// NewSyncDetector creates a detector for reference symbols. frameSymbols
// is the total frame length; only offsets where the whole frame fits are
// searched. A threshold outside (0, 1] falls back to DetectionThreshold.
func NewSyncDetector(reference []complex128, sps, frameSymbols int, threshold float64) *SyncDetector {
	if !(threshold > 0 && threshold <= 1) {
		threshold = DetectionThreshold
	}
	return &SyncDetector{
		reference: append([]complex128(nil), reference...),
		refEnergy: meanPower(reference) * float64(len(reference)),
		sps:       sps,
		span:      (max(frameSymbols, len(reference)) - 1) * sps,
		threshold: threshold,
	}
}

// Threshold returns the detection threshold.
func (sd *SyncDetector) Threshold() float64 { return sd.threshold }

// metricAt returns the normalized correlation at offset d.
func (sd *SyncDetector) metricAt(y []complex128, d int) (float64, complex128) {
	var corr complex128
	var energy float64
	for k, s := range sd.reference {
		v := y[d+k*sd.sps]
		corr += v * cmplx.Conj(s)
		energy += real(v)*real(v) + imag(v)*imag(v)
	}
	if energy <= 0 || sd.refEnergy <= 0 {
		return 0, corr
	}
	return cmplx.Abs(corr) / math.Sqrt(energy*sd.refEnergy), corr
}

// Detect returns the strongest correlation peak in y.
func (sd *SyncDetector) Detect(y []complex128) SyncMatch {
	m, _ := sd.detect(y, false)
	return m
}

// DetectWithMetrics also returns the metric at every searched offset.
// Useful for debugging and visualization.
func (sd *SyncDetector) DetectWithMetrics(y []complex128) (SyncMatch, []float64) {
	return sd.detect(y, true)
}

func (sd *SyncDetector) detect(y []complex128, keep bool) (SyncMatch, []float64) {
	last := len(y) - 1 - sd.span
	if len(sd.reference) == 0 || last < 0 {
		return SyncMatch{Offset: -1}, nil
	}

	var metrics []float64
	if keep {
		metrics = make([]float64, last+1)
	}
	best := SyncMatch{Offset: -1}
	prev, bestPrev, bestNext := 0.0, 0.0, 0.0
	for d := 0; d <= last; d++ {
		metric, corr := sd.metricAt(y, d)
		if keep {
			metrics[d] = metric
		}
		if metric > best.Metric {
			best = SyncMatch{Offset: d, Metric: metric, Correlation: corr}
			bestPrev = prev
			bestNext = 0
		} else if d == best.Offset+1 {
			bestNext = metric
		}
		prev = metric
	}
	if best.Offset < 0 {
		return best, metrics
	}

	if best.Offset > 0 && best.Offset < last {
		best.Fraction = parabolicPeak(bestPrev, best.Metric, bestNext)
	}
	best.Found = best.Metric >= sd.threshold
	return best, metrics
}
