package modem

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/charmbracelet/log"

	"github.com/ArrEssJay/chimera-sub003/internal/fec"
	"github.com/ArrEssJay/chimera-sub003/internal/protocol"
)

// noiseFloor bounds the noise variance used for LLR scaling.
const noiseFloor = 1e-4

// freqSigmas is the significance a sync-aided frequency estimate needs
// before it seeds the carrier loop.
const freqSigmas = 4.0

// maxReportedSNRdB caps SNR estimates of noiseless streams.
const maxReportedSNRdB = 100.0

// DemodParams tune the receiver. Zero numeric fields select the defaults.
type DemodParams struct {
	SyncThreshold        float64
	CarrierLoopBandwidth float64 // normalized BnT of the carrier PLL
	TimingLoopBandwidth  float64 // normalized BnT of the timing loop
	Damping              float64
	SoftDecisions        bool
	CoarseAcquisition    bool
	MaxCoarseOffsetHz    float64 // 0 selects symbol rate / 8
	HardLLR              float64 // LLR magnitude used when SoftDecisions is false
}

// DefaultDemodParams returns soft-decision demodulation with coarse
// acquisition enabled.
func DefaultDemodParams() DemodParams {
	return DemodParams{
		SyncThreshold:        DetectionThreshold,
		CarrierLoopBandwidth: 0.02,
		TimingLoopBandwidth:  0.005,
		Damping:              1 / math.Sqrt2,
		SoftDecisions:        true,
		CoarseAcquisition:    true,
		HardLLR:              4,
	}
}

func (dp DemodParams) withDefaults(p Params) DemodParams {
	def := DefaultDemodParams()
	if dp.SyncThreshold == 0 {
		dp.SyncThreshold = def.SyncThreshold
	}
	if dp.CarrierLoopBandwidth == 0 {
		dp.CarrierLoopBandwidth = def.CarrierLoopBandwidth
	}
	if dp.TimingLoopBandwidth == 0 {
		dp.TimingLoopBandwidth = def.TimingLoopBandwidth
	}
	if dp.Damping == 0 {
		dp.Damping = def.Damping
	}
	if dp.MaxCoarseOffsetHz == 0 {
		dp.MaxCoarseOffsetHz = p.SymbolRateHz / 8
	}
	if dp.HardLLR == 0 {
		dp.HardLLR = def.HardLLR
	}
	return dp
}

func (dp DemodParams) validate() error {
	switch {
	case !(dp.SyncThreshold > 0 && dp.SyncThreshold <= 1):
		return fmt.Errorf("%w: sync threshold %v outside (0, 1]", ErrInvalidParams, dp.SyncThreshold)
	case !(dp.CarrierLoopBandwidth > 0 && dp.CarrierLoopBandwidth < 0.5):
		return fmt.Errorf("%w: carrier loop bandwidth %v", ErrInvalidParams, dp.CarrierLoopBandwidth)
	case !(dp.TimingLoopBandwidth > 0 && dp.TimingLoopBandwidth < 0.5):
		return fmt.Errorf("%w: timing loop bandwidth %v", ErrInvalidParams, dp.TimingLoopBandwidth)
	case !(dp.Damping > 0):
		return fmt.Errorf("%w: damping %v", ErrInvalidParams, dp.Damping)
	case !(dp.MaxCoarseOffsetHz > 0):
		return fmt.Errorf("%w: coarse offset limit %v", ErrInvalidParams, dp.MaxCoarseOffsetHz)
	case !(dp.HardLLR > 0):
		return fmt.Errorf("%w: hard LLR %v", ErrInvalidParams, dp.HardLLR)
	}
	return nil
}

// State is a receiver state.
type State int

const (
	StateSearching State = iota
	StateSyncFound
	StateTracking
	StateFrameComplete
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateSyncFound:
		return "sync_found"
	case StateTracking:
		return "tracking"
	case StateFrameComplete:
		return "frame_complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for c := StateSearching; c <= StateFrameComplete; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown receiver state %q", b)
}

// DemodStatus is the outcome of one demodulation.
type DemodStatus int

const (
	DemodFrameComplete DemodStatus = iota
	DemodSyncNotFound
)

// String returns the status name.
func (s DemodStatus) String() string {
	switch s {
	case DemodFrameComplete:
		return "frame_complete"
	case DemodSyncNotFound:
		return "sync_not_found"
	default:
		return fmt.Sprintf("DemodStatus(%d)", int(s))
	}
}

// MarshalText encodes the status by name.
func (s DemodStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status name.
func (s *DemodStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case DemodFrameComplete.String():
		*s = DemodFrameComplete
	case DemodSyncNotFound.String():
		*s = DemodSyncNotFound
	default:
		return fmt.Errorf("unknown demodulation status %q", b)
	}
	return nil
}

// DemodResult holds the receiver output and its diagnostics. Per-symbol
// traces cover the whole frame, sync symbols included.
type DemodResult struct {
	Status           DemodStatus
	SyncFound        bool
	SyncSampleOffset int // frame start in the received stream, -1 if not found
	SyncSymbolOffset int
	SyncCorrelation  float64

	CoarseFreqOffsetHz float64

	// SyncMetric is the normalized sync correlation at every searched
	// offset of the matched-filter output.
	SyncMetric []float64

	LLRs     []float64    // one per codeword bit
	HardBits []byte       // one per codeword bit
	Symbols  []complex128 // corrected codeword symbols

	EVM          []float64
	TimingError  []float64
	TimingOffset []float64 // samples, relative to the integer sync offset
	FreqOffsetHz []float64
	PhaseError   []float64
	BEREstimate  []float64

	NoiseVariance  float64
	EstimatedSNRdB float64 // from the codeword EVM
	M2M4SNRdB      float64

	Transitions []State
}

func (r *DemodResult) enter(s State) { r.Transitions = append(r.Transitions, s) }

// State returns the last state reached.
func (r *DemodResult) State() State {
	if len(r.Transitions) == 0 {
		return StateSearching
	}
	return r.Transitions[len(r.Transitions)-1]
}

// Demodulator recovers one frame from a received stream. It holds no
// per-stream state, so one instance may serve many streams sequentially.
type Demodulator struct {
	params        Params
	dp            DemodParams
	layout        protocol.Layout
	sync          []complex128
	syncEnergy    float64
	sps           int
	matched       []float64 // time-reversed pulse
	constellation *Constellation
	detector      *SyncDetector
}

// NewDemodulator builds a receiver for frames of the given layout that
// start with syncBits.
func NewDemodulator(p Params, dp DemodParams, layout protocol.Layout, syncBits []byte) (*Demodulator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	dp = dp.withDefaults(p)
	if err := dp.validate(); err != nil {
		return nil, err
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if len(syncBits) != layout.SyncBits() {
		return nil, fmt.Errorf("%w: %d sync bits for a %d-bit sync region", ErrInvalidParams, len(syncBits), layout.SyncBits())
	}
	taps, err := rrcTaps(p)
	if err != nil {
		return nil, err
	}

	c := NewConstellation()
	sync, err := c.MapBits(syncBits)
	if err != nil {
		return nil, err
	}
	sps := p.SamplesPerSymbol()
	return &Demodulator{
		params:        p,
		dp:            dp,
		layout:        layout,
		sync:          sync,
		syncEnergy:    meanPower(sync) * float64(len(sync)),
		sps:           sps,
		matched:       reversed(taps),
		constellation: c,
		detector:      NewSyncDetector(sync, sps, layout.TotalSymbols, dp.SyncThreshold),
	}, nil
}

// FilterDelay returns the group delay of the matched filter in samples.
func (d *Demodulator) FilterDelay() int { return (len(d.matched) - 1) / 2 }

// Demodulate runs acquisition, sync search, tracking and soft decisions
// on rx. A missing sync word is reported in the result; the error return
// is reserved for streams that do not match the receiver's parameters.
func (d *Demodulator) Demodulate(rx *Stream) (*DemodResult, error) {
	if rx == nil {
		return nil, fmt.Errorf("%w: nil stream", ErrInvalidParams)
	}
	if rx.SamplesPerSymbol != d.sps || math.Abs(rx.SampleRate-d.params.SampleRateHz) > 1e-6 {
		return nil, fmt.Errorf("%w: stream at %v Hz / %d sps, receiver expects %v Hz / %d sps",
			ErrInvalidParams, rx.SampleRate, rx.SamplesPerSymbol, d.params.SampleRateHz, d.sps)
	}

	res := &DemodResult{
		Status:           DemodSyncNotFound,
		SyncSampleOffset: -1,
		SyncSymbolOffset: -1,
	}
	res.enter(StateSearching)

	y := convolve(rx.Samples, d.matched)
	match, metrics := d.detector.DetectWithMetrics(y)

	// A corrected stream is kept only if it correlates better than the
	// raw one, so a spurious spectral peak cannot hide a valid sync word.
	if d.dp.CoarseAcquisition {
		est := EstimateCoarseOffset(rx.Samples, rx.SampleRate, d.dp.MaxCoarseOffsetHz)
		if est.Significant(d.dp.MaxCoarseOffsetHz) {
			yc := convolve(Rotate(rx.Samples, rx.SampleRate, -est.OffsetHz, 0), d.matched)
			if mc := d.detector.Detect(yc); mc.Metric > match.Metric {
				log.Debugf("[demod] coarse offset %.2f Hz (bin %.2f Hz, peak %.1f)", est.OffsetHz, est.BinHz, est.Peak)
				y = yc
				match, metrics = d.detector.DetectWithMetrics(yc)
				res.CoarseFreqOffsetHz = est.OffsetHz
			}
		}
	}
	res.SyncCorrelation = match.Metric
	res.SyncMetric = metrics
	if !match.Found {
		log.Debugf("[demod] no sync: peak correlation %.3f below %.3f", match.Metric, d.detector.Threshold())
		return res, nil
	}

	res.SyncFound = true
	res.enter(StateSyncFound)
	res.SyncSampleOffset = match.Offset - rx.FilterDelay - d.FilterDelay()
	res.SyncSymbolOffset = floorDiv(res.SyncSampleOffset, d.sps)
	log.Debugf("[demod] sync at sample %d (corr %.3f, frac %.3f)", res.SyncSampleOffset, match.Metric, match.Fraction)

	base := float64(match.Offset) + match.Fraction
	phi0, omega, amp := d.initFromSync(y, base)

	res.enter(StateTracking)
	d.track(res, y, base, match.Fraction, phi0, omega, amp)
	res.enter(StateFrameComplete)
	res.Status = DemodFrameComplete
	return res, nil
}

// initFromSync estimates carrier phase, frequency (rad/symbol) and gain
// from the known sync symbols. The frequency is a half-vs-half phase
// slope, kept only when it exceeds freqSigmas standard deviations of its
// own noise; otherwise the PLL starts at zero frequency.
func (d *Demodulator) initFromSync(y []complex128, base float64) (phi0, omega, amp float64) {
	n := len(d.sync)
	v := make([]complex128, n)
	var power float64
	for k, s := range d.sync {
		z := Interpolate(y, base+float64(k*d.sps))
		v[k] = z * cmplx.Conj(s)
		power += real(z)*real(z) + imag(z)*imag(z)
	}
	power /= float64(n)

	half := n / 2
	if half > 0 {
		var c1, c2 complex128
		for k := 0; k < half; k++ {
			c1 += v[k]
			c2 += v[k+half]
		}
		a := (cmplx.Abs(c1) + cmplx.Abs(c2)) / float64(2*half)
		noise := math.Max(power-a*a, 0)
		est := cmplx.Phase(c2*cmplx.Conj(c1)) / float64(half)
		if a > 0 {
			// var(phase of c_i) ≈ noise/(2·half·a²) for each half.
			sigma := math.Sqrt(noise/(float64(half)*a*a)) / float64(half)
			if math.Abs(est) > freqSigmas*sigma {
				omega = est
			}
		}
	}

	var g complex128
	for k := range v {
		g += v[k] * cmplx.Rect(1, -omega*float64(k))
	}
	phi0 = cmplx.Phase(g)
	amp = cmplx.Abs(g) / d.syncEnergy
	if !(amp > 0) || math.IsInf(amp, 0) {
		amp = 1
	}
	return phi0, omega, amp
}

func (d *Demodulator) track(res *DemodResult, y []complex128, base, frac, phi0, omega, amp float64) {
	total := d.layout.TotalSymbols
	nsync := len(d.sync)
	carrier := NewCarrierLoop(d.dp.CarrierLoopBandwidth, d.dp.Damping)
	carrier.Reset(phi0, omega)
	timing := NewTimingLoop(d.dp.TimingLoopBandwidth, d.dp.Damping, d.sps)

	gain := complex(1/amp, 0)
	hzPerRad := d.params.SymbolRateHz / (2 * math.Pi)
	half := float64(d.sps) / 2

	res.EVM = make([]float64, 0, total)
	res.TimingError = make([]float64, 0, total)
	res.TimingOffset = make([]float64, 0, total)
	res.FreqOffsetHz = make([]float64, 0, total)
	res.PhaseError = make([]float64, 0, total)
	res.BEREstimate = make([]float64, 0, total)
	res.Symbols = make([]complex128, 0, total-nsync)

	var prev complex128
	var evmSq, codewordEVMSq float64
	for k := 0; k < total; k++ {
		t := base + float64(k*d.sps) + timing.Offset()
		raw := Interpolate(y, t) * gain

		var terr float64
		if k > 0 {
			mid := Interpolate(y, t-half) * gain
			terr = GardnerError(prev, mid, raw)
		}
		prev = raw

		z := carrier.Derotate(raw)
		ref := d.constellation.Nearest(z)
		if k < nsync {
			ref = d.sync[k]
		}
		perr := cmplx.Phase(z * cmplx.Conj(ref))

		evm := d.constellation.EVM(z)
		evmSq += evm * evm
		res.EVM = append(res.EVM, evm)
		res.TimingError = append(res.TimingError, terr)
		res.TimingOffset = append(res.TimingOffset, frac+timing.Offset())
		res.FreqOffsetHz = append(res.FreqOffsetHz, res.CoarseFreqOffsetHz+carrier.Freq()*hzPerRad)
		res.PhaseError = append(res.PhaseError, perr)
		res.BEREstimate = append(res.BEREstimate, BERFromSNR(float64(k+1)/evmSq))

		if k >= nsync {
			res.Symbols = append(res.Symbols, z)
			codewordEVMSq += evm * evm
		}

		carrier.Update(perr)
		if k > 0 {
			timing.Update(terr)
		}
	}

	n := len(res.Symbols)
	if n == 0 {
		return
	}
	variance := codewordEVMSq / float64(n)
	res.NoiseVariance = variance
	res.EstimatedSNRdB = clampSNRdB(-10 * math.Log10(variance))
	res.M2M4SNRdB = clampSNRdB(EstimateSNRM2M4(res.Symbols))
	res.HardBits = d.constellation.DemapSymbols(res.Symbols)
	res.LLRs = d.llrs(res.Symbols, math.Max(variance, noiseFloor))
}

func (d *Demodulator) llrs(symbols []complex128, noiseVar float64) []float64 {
	out := make([]float64, 0, len(symbols)*BitsPerSymbol)
	for _, s := range symbols {
		l0, l1 := d.constellation.SoftDemap(s, noiseVar)
		if !d.dp.SoftDecisions {
			l0, l1 = hardLLR(l0, d.dp.HardLLR), hardLLR(l1, d.dp.HardLLR)
		}
		out = append(out, clampAbs(l0, fec.MaxLLR), clampAbs(l1, fec.MaxLLR))
	}
	return out
}

func hardLLR(l, mag float64) float64 {
	if l < 0 {
		return -mag
	}
	return mag
}

func clampSNRdB(db float64) float64 {
	if math.IsNaN(db) {
		return 0
	}
	return clampAbs(db, maxReportedSNRdB)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
