package modem

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/ArrEssJay/chimera-sub003/internal/protocol"
)

func countErrors(a, b []byte) int {
	n := 0
	for i := range a {
		if i >= len(b) || a[i] != b[i] {
			n++
		}
	}
	return n + max(0, len(b)-len(a))
}

func TestParams_Validate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	if sps := DefaultParams().SamplesPerSymbol(); sps != 8 {
		t.Errorf("sps = %d, want 8", sps)
	}

	tests := []struct {
		name string
		mut  func(*Params)
	}{
		{"zero symbol rate", func(p *Params) { p.SymbolRateHz = 0 }},
		{"fractional sps", func(p *Params) { p.SymbolRateHz = 7000 }},
		{"sps below two", func(p *Params) { p.SymbolRateHz = 48000 }},
		{"carrier above nyquist", func(p *Params) { p.CarrierFreqHz = 30000 }},
		{"roll-off zero", func(p *Params) { p.RollOff = 0 }},
		{"no span", func(p *Params) { p.SpanSymbols = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mut(&p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Validate() = %v, want ErrInvalidParams", err)
			}
			if _, err := NewModulator(p); err == nil {
				t.Error("NewModulator accepted invalid params")
			}
		})
	}
}

func TestModulator_PulseShape(t *testing.T) {
	mod, err := NewModulator(DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := testFrame(4)
	tx, err := mod.Modulate(frame)
	if err != nil {
		t.Fatal(err)
	}
	symbols := len(frame) / 2
	wantLen := symbols*8 + 2*mod.FilterDelay()
	if tx.Len() != wantLen {
		t.Errorf("stream length %d, want %d", tx.Len(), wantLen)
	}
	if tx.FilterDelay != mod.FilterDelay() || tx.SamplesPerSymbol != 8 || tx.SampleRate != 48000 {
		t.Errorf("stream metadata %+v", *tx.WithSamples(nil))
	}
	// Unit-energy taps give Es ≈ 1.
	if tx.Symbols() != symbols {
		t.Errorf("stream holds %d symbols, want %d", tx.Symbols(), symbols)
	}
	if es := tx.SymbolEnergy(); math.Abs(es-1) > 0.15 {
		t.Errorf("symbol energy %.3f, want ≈ 1", es)
	}

	if _, err := mod.Modulate([]byte{1}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("odd frame: err = %v", err)
	}
}

func TestModulateFrame_LeadsWithSync(t *testing.T) {
	mod, demod := newTestPair(t, DefaultDemodParams())
	l := protocol.Layout{TotalSymbols: 80, SyncSymbols: 16, PayloadSymbols: 32, ParitySymbols: 32}
	_, codeword := testFrame(5)
	f, err := protocol.NewFrame(l, protocol.DefaultSyncSequence(), codeword)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := mod.ModulateFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	res, err := demod.Demodulate(tx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.SyncFound || res.SyncSampleOffset != 0 {
		t.Fatalf("sync found=%v offset=%d", res.SyncFound, res.SyncSampleOffset)
	}
	if _, err := mod.ModulateFrame(nil); err == nil {
		t.Error("nil frame accepted")
	}
}

func TestModDemod_Loopback(t *testing.T) {
	tests := []struct {
		name string
		dp   func() DemodParams
	}{
		{"soft", DefaultDemodParams},
		{"hard", func() DemodParams {
			dp := DefaultDemodParams()
			dp.SoftDecisions = false
			return dp
		}},
		{"no coarse acquisition", func() DemodParams {
			dp := DefaultDemodParams()
			dp.CoarseAcquisition = false
			return dp
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod, demod := newTestPair(t, tt.dp())
			frame, codeword := testFrame(6)
			tx, _ := mod.Modulate(frame)

			res, err := demod.Demodulate(tx)
			if err != nil {
				t.Fatal(err)
			}
			if res.Status != DemodFrameComplete {
				t.Fatalf("status %v", res.Status)
			}
			if errs := countErrors(codeword, res.HardBits); errs != 0 {
				t.Errorf("%d bit errors on a clean loopback", errs)
			}
			if len(res.LLRs) != len(codeword) {
				t.Fatalf("%d LLRs for %d bits", len(res.LLRs), len(codeword))
			}
			for i, l := range res.LLRs {
				if (l < 0) != (codeword[i] == 1) {
					t.Errorf("LLR %d = %.2f disagrees with bit %d", i, l, codeword[i])
					break
				}
			}
			if n := testLayout.TotalSymbols; len(res.EVM) != n || len(res.TimingError) != n ||
				len(res.FreqOffsetHz) != n || len(res.PhaseError) != n || len(res.BEREstimate) != n {
				t.Errorf("trace lengths evm=%d timing=%d freq=%d phase=%d ber=%d, want %d",
					len(res.EVM), len(res.TimingError), len(res.FreqOffsetHz), len(res.PhaseError), len(res.BEREstimate), n)
			}
			want := []State{StateSearching, StateSyncFound, StateTracking, StateFrameComplete}
			if len(res.Transitions) != len(want) {
				t.Fatalf("transitions %v", res.Transitions)
			}
			for i := range want {
				if res.Transitions[i] != want[i] {
					t.Errorf("transition %d = %v, want %v", i, res.Transitions[i], want[i])
				}
			}
			if res.State() != StateFrameComplete {
				t.Errorf("final state %v", res.State())
			}
			t.Logf("EVM-based SNR %.1f dB, M2M4 %.1f dB", res.EstimatedSNRdB, res.M2M4SNRdB)
		})
	}
}

func TestModDemod_HardLLRMagnitude(t *testing.T) {
	dp := DefaultDemodParams()
	dp.SoftDecisions = false
	dp.HardLLR = 3
	mod, demod := newTestPair(t, dp)
	frame, _ := testFrame(7)
	tx, _ := mod.Modulate(frame)
	res, err := demod.Demodulate(tx)
	if err != nil || !res.SyncFound {
		t.Fatalf("demod failed: %v", err)
	}
	for i, l := range res.LLRs {
		if math.Abs(l) != 3 {
			t.Fatalf("LLR %d = %v, want ±3", i, l)
		}
	}
}

func TestModDemod_CarrierOffset(t *testing.T) {
	tests := []struct {
		name    string
		freqHz  float64
		phase   float64
		coarse  bool
		withTol float64
	}{
		{"phase only", 0, 2.2, false, 5},
		{"small offset, loops only", 60, -0.8, false, 10},
		{"large offset, coarse acquisition", 420, 0.4, true, 15},
		{"negative offset, coarse acquisition", -350, 1.3, true, 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dp := DefaultDemodParams()
			dp.CoarseAcquisition = tt.coarse
			mod, demod := newTestPair(t, dp)
			frame, codeword := testFrame(8)
			tx, _ := mod.Modulate(frame)
			rx := tx.WithSamples(Rotate(tx.Samples, tx.SampleRate, tt.freqHz, tt.phase))

			res, err := demod.Demodulate(rx)
			if err != nil {
				t.Fatal(err)
			}
			if !res.SyncFound {
				t.Fatalf("sync not found (corr %.3f)", res.SyncCorrelation)
			}
			if errs := countErrors(codeword, res.HardBits); errs != 0 {
				t.Errorf("%d bit errors", errs)
			}
			final := res.FreqOffsetHz[len(res.FreqOffsetHz)-1]
			if math.Abs(final-tt.freqHz) > tt.withTol {
				t.Errorf("frequency estimate %.1f Hz, want %.1f ± %.0f", final, tt.freqHz, tt.withTol)
			}
			t.Logf("coarse %.1f Hz, final %.1f Hz", res.CoarseFreqOffsetHz, final)
		})
	}
}

func TestModDemod_FractionalTiming(t *testing.T) {
	mod, demod := newTestPair(t, DefaultDemodParams())
	frame, codeword := testFrame(9)
	tx, _ := mod.Modulate(frame)

	for _, delay := range []float64{0.25, 0.5, 3.7} {
		// y[n] = x(n - delay)
		shifted := Resample(tx.Samples, -delay, 1, tx.Len()+int(math.Ceil(delay)))
		res, err := demod.Demodulate(tx.WithSamples(shifted))
		if err != nil {
			t.Fatal(err)
		}
		if !res.SyncFound {
			t.Fatalf("delay %.2f: sync not found", delay)
		}
		if errs := countErrors(codeword, res.HardBits); errs != 0 {
			t.Errorf("delay %.2f: %d bit errors", delay, errs)
		}
		if d := math.Abs(float64(res.SyncSampleOffset) - delay); d > 1 {
			t.Errorf("delay %.2f: sync at sample %d", delay, res.SyncSampleOffset)
		}
	}
}

func TestModDemod_ModerateNoise(t *testing.T) {
	mod, demod := newTestPair(t, DefaultDemodParams())
	frame, codeword := testFrame(10)
	tx, _ := mod.Modulate(frame)

	// Es/N0 = 12 dB; raw QPSK BER ≈ 4e-5, so the frame should be clean.
	n0 := tx.SymbolEnergy() / math.Pow(10, 1.2)
	rng := rand.New(rand.NewSource(10))
	noise := complexNoise(rng, tx.Len(), math.Sqrt(n0))
	rx := make([]complex128, tx.Len())
	for i := range rx {
		rx[i] = tx.Samples[i] + noise[i]
	}

	res, err := demod.Demodulate(tx.WithSamples(rx))
	if err != nil {
		t.Fatal(err)
	}
	if !res.SyncFound {
		t.Fatal("sync not found at 12 dB")
	}
	if errs := countErrors(codeword, res.HardBits); errs > 2 {
		t.Errorf("%d bit errors at 12 dB", errs)
	}
	if res.EstimatedSNRdB < 8 || res.EstimatedSNRdB > 16 {
		t.Errorf("estimated SNR %.1f dB, want ≈ 12", res.EstimatedSNRdB)
	}
	last := res.BEREstimate[len(res.BEREstimate)-1]
	if last <= 0 || last > 0.01 {
		t.Errorf("running BER estimate %.2g", last)
	}
}

func TestDemodulate_StreamMismatch(t *testing.T) {
	_, demod := newTestPair(t, DefaultDemodParams())
	if _, err := demod.Demodulate(nil); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("nil stream: err = %v", err)
	}
	bad := &Stream{Samples: make([]complex128, 100), SampleRate: 44100, SamplesPerSymbol: 8}
	if _, err := demod.Demodulate(bad); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("rate mismatch: err = %v", err)
	}
	empty := &Stream{SampleRate: 48000, SamplesPerSymbol: 8}
	res, err := demod.Demodulate(empty)
	if err != nil || res.SyncFound || res.Status != DemodSyncNotFound {
		t.Errorf("empty stream: res=%+v err=%v", res, err)
	}
}

func TestNewDemodulator_Errors(t *testing.T) {
	p := DefaultParams()
	if _, err := NewDemodulator(p, DefaultDemodParams(), testLayout, make([]byte, 10)); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("sync length mismatch: err = %v", err)
	}
	dp := DefaultDemodParams()
	dp.SyncThreshold = 1.5
	if _, err := NewDemodulator(p, dp, testLayout, protocol.DefaultSyncSequence()); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("threshold > 1: err = %v", err)
	}
	if _, err := NewDemodulator(p, DefaultDemodParams(), protocol.Layout{}, nil); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("empty layout: err = %v", err)
	}
}

func TestEstimateCoarseOffset(t *testing.T) {
	mod, _ := newTestPair(t, DefaultDemodParams())
	frame, _ := testFrame(11)
	tx, _ := mod.Modulate(frame)

	for _, f := range []float64{-500, -120, 300, 700} {
		x := Rotate(tx.Samples, tx.SampleRate, f, 0.3)
		est := EstimateCoarseOffset(x, tx.SampleRate, 750)
		if math.Abs(est.OffsetHz-f) > 25 {
			t.Errorf("offset %.0f Hz estimated as %.1f Hz", f, est.OffsetHz)
		}
		if !est.Significant(750) {
			t.Errorf("offset %.0f Hz not significant", f)
		}
	}
	if est := EstimateCoarseOffset(nil, 48000, 750); est.OffsetHz != 0 {
		t.Errorf("empty input: %+v", est)
	}
}

func TestInterpolate(t *testing.T) {
	x := make([]complex128, 16)
	for i := range x {
		v := float64(i)
		x[i] = complex(v*v*v-2*v, -v)
	}
	for i := 1; i < 14; i++ {
		if got := Interpolate(x, float64(i)); got != x[i] {
			t.Errorf("Interpolate(%d) = %v, want %v", i, got, x[i])
		}
	}
	// Cubic interpolation is exact for cubic polynomials away from edges.
	for _, tt := range []float64{2.3, 7.5, 11.9} {
		want := complex(tt*tt*tt-2*tt, -tt)
		if got := Interpolate(x, tt); cmplx.Abs(got-want) > 1e-9 {
			t.Errorf("Interpolate(%.1f) = %v, want %v", tt, got, want)
		}
	}
	if Interpolate(x, -10) != 0 || Interpolate(x, math.NaN()) != 0 {
		t.Error("out-of-range samples must read as zero")
	}
}

func TestCarrierLoop_TracksFrequency(t *testing.T) {
	loop := NewCarrierLoop(0.02, 1/math.Sqrt2)
	omega := 0.05
	phase := 0.0
	for k := 0; k < 2000; k++ {
		z := loop.Derotate(cmplx.Rect(1, phase))
		loop.Update(cmplx.Phase(z))
		phase += omega
	}
	if math.Abs(loop.Freq()-omega) > 1e-3 {
		t.Errorf("loop frequency %.4f, want %.4f", loop.Freq(), omega)
	}
}

func TestGardnerError_Sign(t *testing.T) {
	// Rising transition sampled late: the midpoint has already crossed zero.
	if e := GardnerError(-1, 0.2, 1); e <= 0 {
		t.Errorf("late strobe error %v, want > 0", e)
	}
	if e := GardnerError(-1, -0.2, 1); e >= 0 {
		t.Errorf("early strobe error %v, want < 0", e)
	}
	if e := GardnerError(1, 0.5, 1); e != 0 {
		t.Errorf("no transition error %v, want 0", e)
	}
}

func TestEstimateSNRM2M4(t *testing.T) {
	c := NewConstellation()
	rng := rand.New(rand.NewSource(12))
	symbols := make([]complex128, 4000)
	sigma := math.Sqrt(math.Pow(10, -1.0)) // 10 dB
	for i := range symbols {
		p := c.Points()[rng.Intn(4)]
		symbols[i] = p + complexNoise(rng, 1, sigma)[0]
	}
	if got := EstimateSNRM2M4(symbols); math.Abs(got-10) > 1 {
		t.Errorf("M2M4 SNR %.2f dB, want ≈ 10", got)
	}
	if !math.IsNaN(EstimateSNRM2M4(nil)) {
		t.Error("empty input must be NaN")
	}
	if BERFromSNR(math.Inf(1)) != 0 || BERFromSNR(0) != 0.5 {
		t.Error("BERFromSNR limits")
	}
}

func TestAudioExport(t *testing.T) {
	mod, _ := newTestPair(t, DefaultDemodParams())
	frame, _ := testFrame(13)
	tx, _ := mod.Modulate(frame)

	audio := AudioExport(tx, 12000)
	if len(audio) != tx.Len() {
		t.Fatalf("audio length %d", len(audio))
	}
	peak := 0.0
	for _, s := range audio {
		peak = math.Max(peak, math.Abs(s))
	}
	if math.Abs(peak-AudioPeak) > 1e-9 {
		t.Errorf("peak %.3f, want %.3f", peak, AudioPeak)
	}

	// Mixing a constant back to baseband recovers the carrier.
	dc := &Stream{Samples: []complex128{1, 1, 1, 1}, SampleRate: 48000}
	pb := Upconvert(dc, 12000)
	want := []float64{math.Sqrt2, 0, -math.Sqrt2, 0}
	for i := range want {
		if math.Abs(pb[i]-want[i]) > 1e-9 {
			t.Errorf("passband[%d] = %v, want %v", i, pb[i], want[i])
		}
	}
	if f := SamplesToFloat32([]float64{0.5, -0.25}); f[0] != 0.5 || f[1] != -0.25 {
		t.Errorf("SamplesToFloat32 = %v", f)
	}
}

func TestApplyDCRemoval(t *testing.T) {
	samples := make([]float64, 10000)
	for i := range samples {
		samples[i] = 0.5 + 0.1*math.Sin(2*math.Pi*1000*float64(i)/48000)
	}
	out := ApplyDCRemoval(samples)
	var tail float64
	for _, s := range out[len(out)-1000:] {
		tail += s
	}
	if mean := tail / 1000; math.Abs(mean) > 0.01 {
		t.Errorf("residual DC %.4f", mean)
	}
}

func TestMatchedFilter_CascadePeaksAtTotalDelay(t *testing.T) {
	p := DefaultParams()
	taps, err := rrcTaps(p)
	if err != nil {
		t.Fatal(err)
	}
	mod, demod := newTestPair(t, DefaultDemodParams())
	cascade := convolve(convolve([]complex128{1}, taps), demod.matched)

	peak := 0
	for i, v := range cascade {
		if real(v) > real(cascade[peak]) {
			peak = i
		}
	}
	if want := mod.FilterDelay() + demod.FilterDelay(); peak != want {
		t.Errorf("cascade peak at %d, want %d", peak, want)
	}
	if d := math.Abs(real(cascade[peak]) - 1); d > 1e-9 {
		t.Errorf("cascade peak %.6f, want 1", real(cascade[peak]))
	}
	for m := 1; m*p.SamplesPerSymbol() <= peak; m++ {
		if isi := math.Abs(real(cascade[peak+m*p.SamplesPerSymbol()])); isi > 0.06 {
			t.Errorf("ISI %.3f at %d symbols", isi, m)
		}
	}
}

func TestModDemod_NoSlipsWithoutFrequencyOffset(t *testing.T) {
	if testing.Short() {
		t.Skip("statistical test")
	}
	mod, demod := newTestPair(t, DefaultDemodParams())

	// Es/N0 = 4 dB; raw QPSK BER ≈ 0.056.
	const trials = 150
	var slips, synced int
	var total float64
	for seed := int64(0); seed < trials; seed++ {
		frame, codeword := testFrame(100 + seed)
		tx, _ := mod.Modulate(frame)
		n0 := tx.SymbolEnergy() / math.Pow(10, 0.4)
		rng := rand.New(rand.NewSource(seed))
		noise := complexNoise(rng, tx.Len(), math.Sqrt(n0))
		rx := make([]complex128, tx.Len())
		for i := range rx {
			rx[i] = tx.Samples[i] + noise[i]
		}

		res, err := demod.Demodulate(tx.WithSamples(rx))
		if err != nil {
			t.Fatal(err)
		}
		if !res.SyncFound {
			continue
		}
		synced++
		ber := float64(countErrors(codeword, res.HardBits)) / float64(len(codeword))
		total += ber
		if ber > 0.4 {
			slips++
		}
	}
	t.Logf("4 dB: mean BER %.4f over %d frames, %d slips", total/float64(synced), synced, slips)
	if synced < trials*3/4 {
		t.Fatalf("only %d/%d frames synced", synced, trials)
	}
	if slips > 0 {
		t.Errorf("%d frames lost carrier lock", slips)
	}
	if mean := total / float64(synced); mean > 2*BERFromSNR(math.Pow(10, 0.4)) {
		t.Errorf("mean BER %.4f, theory %.4f", mean, BERFromSNR(math.Pow(10, 0.4)))
	}
}
