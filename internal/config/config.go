// Package config holds the simulator configuration: the parameters of one
// link simulation, SNR sweeps and the HTTP server.
package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/ArrEssJay/chimera-sub003/internal/channel"
	"github.com/ArrEssJay/chimera-sub003/internal/fec"
	"github.com/ArrEssJay/chimera-sub003/internal/modem"
	"github.com/ArrEssJay/chimera-sub003/internal/protocol"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of a configuration file.
type Config struct {
	Simulation Simulation `json:"simulation" yaml:"simulation" koanf:"simulation"`
	Sweep      Sweep      `json:"sweep" yaml:"sweep" koanf:"sweep"`
	Server     Server     `json:"server" yaml:"server" koanf:"server"`
}

// Simulation describes one transmission through the link.
type Simulation struct {
	Message      string   `json:"message" yaml:"message" koanf:"message"`
	SNRdB        float64  `json:"snr_db" yaml:"snr_db" koanf:"snr_db"`
	LinkLossDB   float64  `json:"link_loss_db" yaml:"link_loss_db" koanf:"link_loss_db"`
	Seed         *int64   `json:"seed,omitempty" yaml:"seed,omitempty" koanf:"seed"`
	IncludeAudio bool     `json:"include_audio" yaml:"include_audio" koanf:"include_audio"`
	LDPC         LDPC     `json:"ldpc" yaml:"ldpc" koanf:"ldpc"`
	Protocol     Protocol `json:"protocol" yaml:"protocol" koanf:"protocol"`
	Channel      Channel  `json:"channel" yaml:"channel" koanf:"channel"`
	Decoder      Decoder  `json:"decoder" yaml:"decoder" koanf:"decoder"`
	Demod        Demod    `json:"demod" yaml:"demod" koanf:"demod"`
}

// LDPC selects the regular (dv, dc) code. A nil Seed derives the matrix
// from the simulation seed.
type LDPC struct {
	DV   int    `json:"dv" yaml:"dv" koanf:"dv"`
	DC   int    `json:"dc" yaml:"dc" koanf:"dc"`
	Seed *int64 `json:"seed,omitempty" yaml:"seed,omitempty" koanf:"seed"`
}

// Protocol holds the waveform and framing parameters. A zero FrameLayout
// is derived from the message length.
type Protocol struct {
	CarrierFreqHz float64         `json:"carrier_freq_hz" yaml:"carrier_freq_hz" koanf:"carrier_freq_hz"`
	SymbolRateHz  float64         `json:"symbol_rate_hz" yaml:"symbol_rate_hz" koanf:"symbol_rate_hz"`
	SampleRateHz  float64         `json:"sample_rate_hz" yaml:"sample_rate_hz" koanf:"sample_rate_hz"`
	SyncSequence  string          `json:"sync_sequence" yaml:"sync_sequence" koanf:"sync_sequence"`
	FrameLayout   protocol.Layout `json:"frame_layout" yaml:"frame_layout" koanf:"frame_layout"`
	RollOff       float64         `json:"roll_off" yaml:"roll_off" koanf:"roll_off"`
	SpanSymbols   int             `json:"span_symbols" yaml:"span_symbols" koanf:"span_symbols"`
}

// Channel holds the impairments other than noise and link loss.
type Channel struct {
	FreqOffsetHz    float64 `json:"freq_offset_hz" yaml:"freq_offset_hz" koanf:"freq_offset_hz"`
	PhaseOffsetRad  float64 `json:"phase_offset_rad" yaml:"phase_offset_rad" koanf:"phase_offset_rad"`
	DelaySamples    float64 `json:"delay_samples" yaml:"delay_samples" koanf:"delay_samples"`
	ClockOffsetPPM  float64 `json:"clock_offset_ppm" yaml:"clock_offset_ppm" koanf:"clock_offset_ppm"`
	JitterSamples   float64 `json:"jitter_samples" yaml:"jitter_samples" koanf:"jitter_samples"`
	TrailingSamples int     `json:"trailing_samples" yaml:"trailing_samples" koanf:"trailing_samples"`
}

// Decoder selects the LDPC decoding algorithm and its iteration budget.
type Decoder struct {
	Algorithm     string  `json:"algorithm" yaml:"algorithm" koanf:"algorithm"`
	MaxIterations int     `json:"max_iterations" yaml:"max_iterations" koanf:"max_iterations"`
	MinSumScale   float64 `json:"min_sum_scale" yaml:"min_sum_scale" koanf:"min_sum_scale"`
}

// Demod tunes sync detection, the tracking loops and LLR generation.
type Demod struct {
	SyncThreshold        float64 `json:"sync_threshold" yaml:"sync_threshold" koanf:"sync_threshold"`
	CarrierLoopBandwidth float64 `json:"carrier_loop_bandwidth" yaml:"carrier_loop_bandwidth" koanf:"carrier_loop_bandwidth"`
	TimingLoopBandwidth  float64 `json:"timing_loop_bandwidth" yaml:"timing_loop_bandwidth" koanf:"timing_loop_bandwidth"`
	Damping              float64 `json:"damping" yaml:"damping" koanf:"damping"`
	SoftDecisions        bool    `json:"soft_decisions" yaml:"soft_decisions" koanf:"soft_decisions"`
	CoarseAcquisition    bool    `json:"coarse_acquisition" yaml:"coarse_acquisition" koanf:"coarse_acquisition"`
	MaxCoarseOffsetHz    float64 `json:"max_coarse_offset_hz" yaml:"max_coarse_offset_hz" koanf:"max_coarse_offset_hz"`
	HardLLR              float64 `json:"hard_llr" yaml:"hard_llr" koanf:"hard_llr"`
}

// Sweep configures an SNR sweep. Trials at each point derive their seeds
// from the simulation seed.
type Sweep struct {
	FromDB  float64 `json:"from_db" yaml:"from_db" koanf:"from_db"`
	ToDB    float64 `json:"to_db" yaml:"to_db" koanf:"to_db"`
	StepDB  float64 `json:"step_db" yaml:"step_db" koanf:"step_db"`
	Trials  int     `json:"trials" yaml:"trials" koanf:"trials"`
	Workers int     `json:"workers" yaml:"workers" koanf:"workers"`
}

// Server configures the HTTP API.
type Server struct {
	Addr         string `json:"addr" yaml:"addr" koanf:"addr"`
	SweepWorkers int    `json:"sweep_workers" yaml:"sweep_workers" koanf:"sweep_workers"`
}

// Default returns a runnable configuration: "HI" at 20 dB over a (3,6)
// code, 6 kBd QPSK at 48 kHz on a 12 kHz carrier.
func Default() Config {
	return Config{
		Simulation: DefaultSimulation(),
		Sweep: Sweep{
			FromDB:  -2,
			ToDB:    10,
			StepDB:  1,
			Trials:  50,
			Workers: 4,
		},
		Server: Server{
			Addr:         ":8080",
			SweepWorkers: 4,
		},
	}
}

// DefaultSimulation returns the simulation section of Default.
func DefaultSimulation() Simulation {
	mp := modem.DefaultParams()
	dp := modem.DefaultDemodParams()
	return Simulation{
		Message: "HI",
		SNRdB:   20,
		LDPC:    LDPC{DV: 3, DC: 6},
		Protocol: Protocol{
			CarrierFreqHz: mp.CarrierFreqHz,
			SymbolRateHz:  mp.SymbolRateHz,
			SampleRateHz:  mp.SampleRateHz,
			SyncSequence:  protocol.FormatSyncSequence(protocol.DefaultSyncSequence()),
			RollOff:       mp.RollOff,
			SpanSymbols:   mp.SpanSymbols,
		},
		Decoder: Decoder{
			Algorithm:     fec.SumProduct.String(),
			MaxIterations: 50,
			MinSumScale:   fec.DefaultMinSumScale,
		},
		Demod: Demod{
			SyncThreshold:        dp.SyncThreshold,
			CarrierLoopBandwidth: dp.CarrierLoopBandwidth,
			TimingLoopBandwidth:  dp.TimingLoopBandwidth,
			Damping:              dp.Damping,
			SoftDecisions:        dp.SoftDecisions,
			CoarseAcquisition:    dp.CoarseAcquisition,
			HardLLR:              dp.HardLLR,
		},
	}
}

// Validate performs structural checks. Any real SNR and link loss is
// accepted; +Inf SNR disables noise.
func (s Simulation) Validate() error {
	if s.Message == "" {
		return fmt.Errorf("%w: empty message", ErrInvalid)
	}
	if math.IsNaN(s.SNRdB) || math.IsNaN(s.LinkLossDB) || math.IsInf(s.LinkLossDB, 0) {
		return fmt.Errorf("%w: snr %v dB, link loss %v dB", ErrInvalid, s.SNRdB, s.LinkLossDB)
	}
	if err := s.LDPC.Validate(); err != nil {
		return err
	}
	if err := s.Protocol.ModemParams().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	sync, err := s.Protocol.SyncBits()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if l := s.Protocol.FrameLayout; !l.IsZero() {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if err := l.MatchesCode(s.LDPC.DV, s.LDPC.DC); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if l.SyncBits() != len(sync) {
			return fmt.Errorf("%w: layout has %d sync bits, sequence has %d", ErrInvalid, l.SyncBits(), len(sync))
		}
	}
	if err := s.Decoder.Validate(); err != nil {
		return err
	}
	if err := s.Channel.Validate(); err != nil {
		return err
	}
	if s.Demod.SyncThreshold < 0 || s.Demod.SyncThreshold > 1 {
		return fmt.Errorf("%w: sync threshold %v outside [0, 1]", ErrInvalid, s.Demod.SyncThreshold)
	}
	return nil
}

// Validate rejects degrees that cannot form an encodable regular code. An
// even variable degree makes the check rows sum to zero over GF(2), so H
// is never full rank.
func (l LDPC) Validate() error {
	switch {
	case l.DV < 1 || l.DC <= l.DV:
		return fmt.Errorf("%w: ldpc degrees dv=%d dc=%d, need 1 <= dv < dc", ErrInvalid, l.DV, l.DC)
	case l.DV%2 == 0:
		return fmt.Errorf("%w: ldpc dv=%d is even, the matrix would be rank deficient", ErrInvalid, l.DV)
	}
	return nil
}

// Validate checks the algorithm name, iteration count and min-sum scale.
func (d Decoder) Validate() error {
	if _, err := fec.ParseAlgorithm(d.Algorithm); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if d.MaxIterations < 0 {
		return fmt.Errorf("%w: max iterations %d", ErrInvalid, d.MaxIterations)
	}
	if d.MinSumScale < 0 || d.MinSumScale > 1 {
		return fmt.Errorf("%w: min-sum scale %v outside [0, 1]", ErrInvalid, d.MinSumScale)
	}
	return nil
}

// Validate rejects negative or non-finite timing impairments.
func (c Channel) Validate() error {
	switch {
	case c.DelaySamples < 0 || math.IsNaN(c.DelaySamples) || math.IsInf(c.DelaySamples, 0):
		return fmt.Errorf("%w: delay %v samples", ErrInvalid, c.DelaySamples)
	case c.TrailingSamples < 0:
		return fmt.Errorf("%w: trailing %d samples", ErrInvalid, c.TrailingSamples)
	case c.JitterSamples < 0:
		return fmt.Errorf("%w: jitter %v samples", ErrInvalid, c.JitterSamples)
	case math.Abs(c.ClockOffsetPPM) >= 1e5:
		return fmt.Errorf("%w: clock offset %v ppm", ErrInvalid, c.ClockOffsetPPM)
	}
	return nil
}

// Validate checks the sweep range and trial counts.
func (s Sweep) Validate() error {
	switch {
	case math.IsNaN(s.FromDB) || math.IsNaN(s.ToDB) || math.IsInf(s.FromDB, 0) || math.IsInf(s.ToDB, 0):
		return fmt.Errorf("%w: sweep range %v..%v dB", ErrInvalid, s.FromDB, s.ToDB)
	case !(s.StepDB > 0):
		return fmt.Errorf("%w: sweep step %v dB", ErrInvalid, s.StepDB)
	case s.ToDB < s.FromDB:
		return fmt.Errorf("%w: sweep range %v..%v dB is empty", ErrInvalid, s.FromDB, s.ToDB)
	case s.Trials < 1:
		return fmt.Errorf("%w: %d trials per point", ErrInvalid, s.Trials)
	case s.Workers < 0:
		return fmt.Errorf("%w: %d workers", ErrInvalid, s.Workers)
	}
	return nil
}

// Points returns the SNR values of the sweep, inclusive of ToDB when the
// step lands on it.
func (s Sweep) Points() []float64 {
	if s.Validate() != nil {
		return nil
	}
	n := int(math.Floor((s.ToDB-s.FromDB)/s.StepDB+1e-9)) + 1
	out := make([]float64, n)
	for i := range out {
		out[i] = s.FromDB + float64(i)*s.StepDB
	}
	return out
}

// ModemParams converts the waveform section for the modem package.
func (p Protocol) ModemParams() modem.Params {
	return modem.Params{
		SymbolRateHz:  p.SymbolRateHz,
		SampleRateHz:  p.SampleRateHz,
		CarrierFreqHz: p.CarrierFreqHz,
		RollOff:       p.RollOff,
		SpanSymbols:   p.SpanSymbols,
	}
}

// SyncBits parses the configured sync sequence.
func (p Protocol) SyncBits() ([]byte, error) {
	return protocol.ParseSyncSequence(p.SyncSequence)
}

// Params converts the demodulator section. Zero numeric fields take the
// modem defaults.
func (d Demod) Params() modem.DemodParams {
	return modem.DemodParams{
		SyncThreshold:        d.SyncThreshold,
		CarrierLoopBandwidth: d.CarrierLoopBandwidth,
		TimingLoopBandwidth:  d.TimingLoopBandwidth,
		Damping:              d.Damping,
		SoftDecisions:        d.SoftDecisions,
		CoarseAcquisition:    d.CoarseAcquisition,
		MaxCoarseOffsetHz:    d.MaxCoarseOffsetHz,
		HardLLR:              d.HardLLR,
	}
}

// Options converts the decoder section. Callers validate first.
func (d Decoder) Options() []fec.DecoderOption {
	alg, _ := fec.ParseAlgorithm(d.Algorithm)
	opts := []fec.DecoderOption{fec.WithAlgorithm(alg)}
	if d.MinSumScale > 0 {
		opts = append(opts, fec.WithMinSumScale(d.MinSumScale))
	}
	return opts
}

// Impairments combines the channel section with the link budget.
func (s Simulation) Impairments() channel.Impairments {
	return channel.Impairments{
		SNRdB:           s.SNRdB,
		LinkLossDB:      s.LinkLossDB,
		FreqOffsetHz:    s.Channel.FreqOffsetHz,
		PhaseOffsetRad:  s.Channel.PhaseOffsetRad,
		DelaySamples:    s.Channel.DelaySamples,
		ClockOffsetPPM:  s.Channel.ClockOffsetPPM,
		JitterSamples:   s.Channel.JitterSamples,
		TrailingSamples: s.Channel.TrailingSamples,
	}
}
