// Package sim runs the end-to-end link: text to LDPC frame, through the
// QPSK modem and channel, and back to text, reporting BER at each stage.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/ArrEssJay/chimera-sub003/internal/channel"
	"github.com/ArrEssJay/chimera-sub003/internal/codec"
	"github.com/ArrEssJay/chimera-sub003/internal/config"
	"github.com/ArrEssJay/chimera-sub003/internal/fec"
	"github.com/ArrEssJay/chimera-sub003/internal/modem"
	"github.com/ArrEssJay/chimera-sub003/internal/protocol"
)

// ErrConfig wraps every failure detected before the first sample is
// produced.
var ErrConfig = errors.New("simulation configuration")

// ldpcSeedSalt separates the matrix seed from the channel seed when both
// derive from the run seed.
const ldpcSeedSalt int64 = 0x4C445043

// Run executes one simulation. The error return is reserved for
// configuration problems; everything that happens on the link, including
// a fault inside a stage, is described by the report.
func Run(cfg config.Simulation) (*Report, error) {
	return run(cfg, log.InfoLevel)
}

// run logs its summary at level; sweeps pass DebugLevel.
func run(cfg config.Simulation, level log.Level) (rep *Report, err error) {
	start := time.Now()
	p, err := prepare(cfg)
	if err != nil {
		return nil, err
	}

	rep = &Report{
		RunID:            uuid.NewString(),
		Message:          cfg.Message,
		Seed:             p.seed,
		SNRdB:            DB(cfg.SNRdB),
		LinkLossDB:       cfg.LinkLossDB,
		EffectiveSNRdB:   DB(cfg.Impairments().EffectiveSNRdB()),
		Layout:           p.layout,
		Code:             p.code,
		DemodStatus:      modem.DemodSyncNotFound,
		SyncSampleOffset: -1,
		SyncSymbolOffset: -1,
		DecodeStatus:     DecodeSkipped,
		TxChecksum:       fec.MessageChecksum([]byte(cfg.Message)),
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[sim] run %s faulted: %v\n%s", rep.RunID, r, debug.Stack())
			rep.Error = fmt.Sprintf("internal fault: %v", r)
		}
		rep.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	if err := p.transmit(cfg, rep); err != nil {
		rep.Error = err.Error()
		log.Errorf("[sim] run %s: %v", rep.RunID, err)
		return rep, nil
	}
	summarize(rep, level)
	return rep, nil
}

// pipeline carries the per-run objects built from a validated config.
type pipeline struct {
	seed    int64
	payload []byte // message bits padded to K
	sync    []byte
	layout  protocol.Layout
	code    Code
	h       *fec.ParityCheckMatrix
	params  modem.Params
}

func prepare(cfg config.Simulation) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	p := &pipeline{params: cfg.Protocol.ModemParams()}

	p.seed = channel.NewSeed()
	if cfg.Seed != nil {
		p.seed = *cfg.Seed
	}
	ldpcSeed := p.seed ^ ldpcSeedSalt
	if cfg.LDPC.Seed != nil {
		ldpcSeed = *cfg.LDPC.Seed
	}

	var err error
	if p.sync, err = cfg.Protocol.SyncBits(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	bits := codec.TextToBits(cfg.Message)

	p.layout = cfg.Protocol.FrameLayout
	if p.layout.IsZero() {
		if p.layout, err = protocol.LayoutFor(len(bits), len(p.sync), cfg.LDPC.DV, cfg.LDPC.DC); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	if p.payload, err = codec.PadBits(bits, p.layout.PayloadBits()); err != nil {
		return nil, fmt.Errorf("%w: %d message bits in a %d-bit payload: %w",
			ErrConfig, len(bits), p.layout.PayloadBits(), err)
	}

	if p.h, err = fec.BuildMatrix(cfg.LDPC.DV, cfg.LDPC.DC, p.layout.CodewordBits(), ldpcSeed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if !p.h.Encodable() {
		return nil, fmt.Errorf("%w: %w", ErrConfig, fec.ErrDegenerateMatrix)
	}
	p.code = Code{N: p.h.N(), K: p.h.K(), M: p.h.M(), DV: cfg.LDPC.DV, DC: cfg.LDPC.DC, Seed: ldpcSeed}
	log.Debugf("[sim] layout %+v, code (%d,%d) n=%d k=%d", p.layout, p.code.DV, p.code.DC, p.code.N, p.code.K)
	return p, nil
}

// transmit runs encode, modulate, channel, demodulate and decode, filling
// rep as each stage completes.
func (p *pipeline) transmit(cfg config.Simulation, rep *Report) error {
	codeword, err := fec.Encode(p.payload, p.h)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	frame, err := protocol.NewFrame(p.layout, p.sync, codeword)
	if err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	mod, err := modem.NewModulator(p.params)
	if err != nil {
		return fmt.Errorf("modulator: %w", err)
	}
	tx, err := mod.ModulateFrame(frame)
	if err != nil {
		return fmt.Errorf("modulate: %w", err)
	}

	rep.AirtimeMs = tx.Duration() * 1000

	seed := p.seed
	rx := channel.Apply(tx, cfg.Impairments(), &seed)
	log.Debugf("[sim] tx %d samples (%.2f ms, Es %.3f), rx %d samples", tx.Len(), rep.AirtimeMs, tx.SymbolEnergy(), rx.Len())

	if cfg.IncludeAudio {
		rep.Audio = &Audio{
			SampleRate:    p.params.SampleRateHz,
			CarrierFreqHz: p.params.CarrierFreqHz,
			Clean:         modem.SamplesToFloat32(modem.AudioExport(tx, p.params.CarrierFreqHz)),
			Noisy:         modem.SamplesToFloat32(modem.AudioExport(rx, p.params.CarrierFreqHz)),
		}
	}

	demod, err := modem.NewDemodulator(p.params, cfg.Demod.Params(), p.layout, p.sync)
	if err != nil {
		return fmt.Errorf("demodulator: %w", err)
	}
	res, err := demod.Demodulate(rx)
	if err != nil {
		return fmt.Errorf("demodulate: %w", err)
	}

	rep.DemodStatus = res.Status
	rep.SyncFound = res.SyncFound
	rep.SyncSampleOffset = res.SyncSampleOffset
	rep.SyncSymbolOffset = res.SyncSymbolOffset
	rep.SyncCorrelation = res.SyncCorrelation
	rep.CoarseFreqOffsetHz = res.CoarseFreqOffsetHz
	rep.setDiagnostics(res)
	if !res.SyncFound {
		return nil
	}
	rep.EstimatedSNRdB = DB(res.EstimatedSNRdB)
	rep.M2M4SNRdB = DB(res.M2M4SNRdB)
	rep.PreFEC = newErrorStats(codec.CountBitErrors(res.HardBits, codeword), len(codeword))

	out, err := fec.Decode(res.LLRs, p.h, cfg.Decoder.MaxIterations, cfg.Decoder.Options()...)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	rep.Converged = out.Converged()
	rep.Iterations = out.Iterations
	rep.SyndromeWeight = out.SyndromeWeight
	rep.SyndromeTrace = out.SyndromeTrace
	rep.NumericFault = out.NumericFault
	rep.PostFEC = newErrorStats(codec.CountBitErrors(out.Payload, p.payload), len(p.payload))

	switch {
	case !out.Converged():
		rep.DecodeStatus = DecodeNotConverged
	case !bytes.Equal(out.Bits, codeword):
		rep.DecodeStatus = DecodeUndetectedError
	default:
		rep.DecodeStatus = DecodeConverged
	}

	recovered := codec.TrimPadding(codec.BitsToBytes(out.Payload))
	sum := fec.MessageChecksum(recovered)
	rep.MessageRecovered = true
	rep.RecoveredBytes = recovered
	rep.RecoveredMessage = string(recovered)
	rep.RxChecksum = &sum
	rep.MessageIntact = sum == rep.TxChecksum && rep.RecoveredMessage == cfg.Message
	return nil
}

func summarize(rep *Report, level log.Level) {
	warn := log.WarnLevel
	if level < log.InfoLevel {
		warn = level
	}
	switch {
	case !rep.SyncFound:
		log.Logf(warn, "[sim] run %s: sync not found (corr %.3f, snr %v dB)",
			rep.RunID, rep.SyncCorrelation, float64(rep.SNRdB))
	case rep.DecodeStatus != DecodeConverged:
		log.Logf(warn, "[sim] run %s: decode %s after %d iterations, pre-FEC BER %.4f, post-FEC BER %.4f",
			rep.RunID, rep.DecodeStatus, rep.Iterations, rep.PreFEC.BER, rep.PostFEC.BER)
	default:
		log.Logf(level, "[sim] run %s: %q recovered, pre-FEC BER %.4f, %d iterations",
			rep.RunID, rep.RecoveredMessage, rep.PreFEC.BER, rep.Iterations)
	}
}
