package sim

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ArrEssJay/chimera-sub003/internal/fec"
	"github.com/ArrEssJay/chimera-sub003/internal/modem"
	"github.com/ArrEssJay/chimera-sub003/internal/protocol"
)

// DecodeStatus summarizes what the LDPC stage achieved.
type DecodeStatus string

const (
	DecodeConverged       DecodeStatus = "converged"
	DecodeNotConverged    DecodeStatus = "not_converged"
	DecodeUndetectedError DecodeStatus = "undetected_error"
	DecodeSkipped         DecodeStatus = "skipped"
)

// Success reports whether the decoder converged onto the transmitted
// codeword.
func (s DecodeStatus) Success() bool { return s == DecodeConverged }

// DB is a decibel value that survives JSON encoding when infinite. Inf is
// written as the strings "+Inf" and "-Inf" and NaN as null.
type DB float64

// MarshalJSON implements json.Marshaler.
func (d DB) MarshalJSON() ([]byte, error) {
	v := float64(d)
	switch {
	case math.IsNaN(v):
		return []byte("null"), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSON accepts a number, null or a string parsable by ParseFloat.
func (d *DB) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*d = DB(math.NaN())
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("decibel value %s: %w", b, err)
	}
	*d = DB(v)
	return nil
}

// ErrorStats counts bit errors in one comparison.
type ErrorStats struct {
	BitErrors int     `json:"bit_errors" yaml:"bit_errors"`
	TotalBits int     `json:"total_bits" yaml:"total_bits"`
	BER       float64 `json:"ber" yaml:"ber"`
}

func newErrorStats(errors, total int) *ErrorStats {
	s := &ErrorStats{BitErrors: errors, TotalBits: total}
	if total > 0 {
		s.BER = float64(errors) / float64(total)
	}
	return s
}

// Code describes the LDPC code used for a run.
type Code struct {
	N    int   `json:"n" yaml:"n"`
	K    int   `json:"k" yaml:"k"`
	M    int   `json:"m" yaml:"m"`
	DV   int   `json:"dv" yaml:"dv"`
	DC   int   `json:"dc" yaml:"dc"`
	Seed int64 `json:"seed" yaml:"seed"`
}

// IQ is a constellation point.
type IQ struct {
	I float64 `json:"i" yaml:"i"`
	Q float64 `json:"q" yaml:"q"`
}

// Diagnostics are the per-symbol receiver traces. They cover the whole
// frame, sync symbols first; Constellation holds the codeword symbols only.
type Diagnostics struct {
	EVM           []float64     `json:"evm" yaml:"evm"`
	TimingError   []float64     `json:"timing_error" yaml:"timing_error"`
	TimingOffset  []float64     `json:"timing_offset" yaml:"timing_offset"`
	FreqOffsetHz  []float64     `json:"freq_offset_hz" yaml:"freq_offset_hz"`
	PhaseError    []float64     `json:"phase_error" yaml:"phase_error"`
	BEREstimate   []float64     `json:"ber_estimate" yaml:"ber_estimate"`
	Constellation []IQ          `json:"constellation" yaml:"constellation"`
	Transitions   []modem.State `json:"transitions" yaml:"transitions"`
	SyncMetric    []float64     `json:"sync_metric" yaml:"sync_metric"`
}

// Audio is the passband rendering of the transmitted and received streams.
type Audio struct {
	SampleRate    float64   `json:"sample_rate" yaml:"sample_rate"`
	CarrierFreqHz float64   `json:"carrier_freq_hz" yaml:"carrier_freq_hz"`
	Clean         []float32 `json:"clean" yaml:"clean"`
	Noisy         []float32 `json:"noisy" yaml:"noisy"`
}

// Report is the outcome of one simulation run. PreFEC and PostFEC are nil
// when no frame was recovered. A non-empty Error means the run faulted
// after the fields before it were filled.
type Report struct {
	RunID   string `json:"run_id" yaml:"run_id"`
	Message string `json:"message" yaml:"message"`
	Seed    int64  `json:"seed" yaml:"seed"`

	SNRdB          DB      `json:"snr_db" yaml:"snr_db"`
	LinkLossDB     float64 `json:"link_loss_db" yaml:"link_loss_db"`
	EffectiveSNRdB DB      `json:"effective_snr_db" yaml:"effective_snr_db"`

	Layout protocol.Layout `json:"layout" yaml:"layout"`
	Code   Code            `json:"code" yaml:"code"`

	DemodStatus        modem.DemodStatus `json:"demod_status" yaml:"demod_status"`
	SyncFound          bool              `json:"sync_found" yaml:"sync_found"`
	SyncSampleOffset   int               `json:"sync_sample_offset" yaml:"sync_sample_offset"`
	SyncSymbolOffset   int               `json:"sync_symbol_offset" yaml:"sync_symbol_offset"`
	SyncCorrelation    float64           `json:"sync_correlation" yaml:"sync_correlation"`
	CoarseFreqOffsetHz float64           `json:"coarse_freq_offset_hz" yaml:"coarse_freq_offset_hz"`
	EstimatedSNRdB     DB                `json:"estimated_snr_db" yaml:"estimated_snr_db"`
	M2M4SNRdB          DB                `json:"m2m4_snr_db" yaml:"m2m4_snr_db"`

	PreFEC  *ErrorStats `json:"pre_fec,omitempty" yaml:"pre_fec,omitempty"`
	PostFEC *ErrorStats `json:"post_fec,omitempty" yaml:"post_fec,omitempty"`

	DecodeStatus   DecodeStatus `json:"decode_status" yaml:"decode_status"`
	Converged      bool         `json:"converged" yaml:"converged"`
	Iterations     int          `json:"iterations" yaml:"iterations"`
	SyndromeWeight int          `json:"syndrome_weight" yaml:"syndrome_weight"`
	SyndromeTrace  []int        `json:"syndrome_trace,omitempty" yaml:"syndrome_trace,omitempty"`
	NumericFault   bool         `json:"numeric_fault,omitempty" yaml:"numeric_fault,omitempty"`

	MessageRecovered bool          `json:"message_recovered" yaml:"message_recovered"`
	RecoveredMessage string        `json:"recovered_message" yaml:"recovered_message"`
	RecoveredBytes   []byte        `json:"recovered_bytes,omitempty" yaml:"recovered_bytes,omitempty"`
	TxChecksum       fec.Checksum  `json:"tx_checksum" yaml:"tx_checksum"`
	RxChecksum       *fec.Checksum `json:"rx_checksum,omitempty" yaml:"rx_checksum,omitempty"`
	MessageIntact    bool          `json:"message_intact" yaml:"message_intact"`

	Diagnostics Diagnostics `json:"diagnostics" yaml:"diagnostics"`
	Audio       *Audio      `json:"audio,omitempty" yaml:"audio,omitempty"`

	AirtimeMs  float64 `json:"airtime_ms" yaml:"airtime_ms"` // transmitted stream length
	DurationMs float64 `json:"duration_ms" yaml:"duration_ms"`
	Error      string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// Success reports whether the message arrived intact and the decoder
// confirmed it.
func (r *Report) Success() bool {
	return r.Error == "" && r.DecodeStatus.Success() && r.MessageIntact
}

// PreFECBER returns the raw channel BER, or 0.5 when no frame was
// recovered.
func (r *Report) PreFECBER() float64 {
	if r.PreFEC == nil {
		return 0.5
	}
	return r.PreFEC.BER
}

// PostFECBER returns the decoded payload BER, or 0.5 when no frame was
// recovered.
func (r *Report) PostFECBER() float64 {
	if r.PostFEC == nil {
		return 0.5
	}
	return r.PostFEC.BER
}

func (r *Report) setDiagnostics(res *modem.DemodResult) {
	r.Diagnostics = Diagnostics{
		EVM:          res.EVM,
		TimingError:  res.TimingError,
		TimingOffset: res.TimingOffset,
		FreqOffsetHz: res.FreqOffsetHz,
		PhaseError:   res.PhaseError,
		BEREstimate:  res.BEREstimate,
		Transitions:  res.Transitions,
		SyncMetric:   res.SyncMetric,
	}
	if len(res.Symbols) > 0 {
		r.Diagnostics.Constellation = make([]IQ, len(res.Symbols))
		for i, s := range res.Symbols {
			r.Diagnostics.Constellation[i] = IQ{I: real(s), Q: imag(s)}
		}
	}
}
