package fec

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxLLR bounds every channel value and message exchanged on the graph.
const MaxLLR = 25.0

// tanhLimit keeps atanh finite in the sum-product check update.
const tanhLimit = 1 - 1e-12

// DefaultMinSumScale is the normalization factor of the min-sum check rule.
const DefaultMinSumScale = 0.75

// ErrInvalidIterations is returned for a negative iteration cap.
var ErrInvalidIterations = errors.New("invalid iteration cap")

// Algorithm selects the message-passing rule.
type Algorithm int

const (
	SumProduct Algorithm = iota
	MinSum
	BitFlip
)

// String returns the algorithm name as used in configuration files.
func (a Algorithm) String() string {
	switch a {
	case SumProduct:
		return "sum-product"
	case MinSum:
		return "min-sum"
	case BitFlip:
		return "bit-flip"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// ParseAlgorithm maps a configuration string onto an Algorithm.
// The empty string selects SumProduct.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sum-product", "sumproduct", "spa":
		return SumProduct, nil
	case "min-sum", "minsum":
		return MinSum, nil
	case "bit-flip", "bitflip", "gallager":
		return BitFlip, nil
	default:
		return 0, fmt.Errorf("unknown decoder algorithm %q", s)
	}
}

// Status is the terminal state of a decode.
type Status int

const (
	StatusConverged Status = iota
	StatusMaxIterationsReached
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusMaxIterationsReached:
		return "max_iterations_reached"
	default:
		return "unknown"
	}
}

// DecodeOutcome is the final decoder state.
type DecodeOutcome struct {
	Status         Status
	Bits           []byte // codeword estimate
	Payload        []byte // information bits of Bits
	Iterations     int
	SyndromeWeight int
	SyndromeTrace  []int // index 0 is the initial hard decision
	NumericFault   bool
}

// Converged reports whether the syndrome reached zero.
func (o *DecodeOutcome) Converged() bool { return o.Status == StatusConverged }

type decoderOptions struct {
	algorithm   Algorithm
	minSumScale float64
}

// DecoderOption configures a Decoder.
type DecoderOption func(*decoderOptions)

// WithAlgorithm selects the check-node rule.
func WithAlgorithm(a Algorithm) DecoderOption {
	return func(o *decoderOptions) { o.algorithm = a }
}

// WithMinSumScale sets the min-sum normalization factor (0 < s <= 1).
func WithMinSumScale(s float64) DecoderOption {
	return func(o *decoderOptions) {
		if s > 0 && s <= 1 {
			o.minSumScale = s
		}
	}
}

// Decoder runs flooding-schedule belief propagation over one matrix.
// It owns its message buffers and is not safe for concurrent use.
type Decoder struct {
	h    *ParityCheckMatrix
	opts decoderOptions

	channel   []float64
	v2c       []float64
	c2v       []float64
	posterior []float64
	hard      []byte

	scratch []float64
	prefix  []float64
}

// NewDecoder allocates a decoder for h.
func NewDecoder(h *ParityCheckMatrix, opts ...DecoderOption) *Decoder {
	o := decoderOptions{algorithm: SumProduct, minSumScale: DefaultMinSumScale}
	for _, opt := range opts {
		opt(&o)
	}
	maxDeg := 0
	for c := 0; c < h.m; c++ {
		maxDeg = max(maxDeg, h.CheckDegree(c))
	}
	edges := h.Edges()
	return &Decoder{
		h:         h,
		opts:      o,
		channel:   make([]float64, h.n),
		v2c:       make([]float64, edges),
		c2v:       make([]float64, edges),
		posterior: make([]float64, h.n),
		hard:      make([]byte, h.n),
		scratch:   make([]float64, maxDeg),
		prefix:    make([]float64, maxDeg),
	}
}

// Decode is a convenience wrapper around NewDecoder(h, opts...).Decode.
func Decode(llrs []float64, h *ParityCheckMatrix, maxIterations int, opts ...DecoderOption) (*DecodeOutcome, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil matrix", ErrDegenerateMatrix)
	}
	return NewDecoder(h, opts...).Decode(llrs, maxIterations)
}

// Decode corrects llrs (one per codeword position, positive meaning bit 0)
// for at most maxIterations iterations. Reaching the cap is reported in the
// outcome, never retried.
func (d *Decoder) Decode(llrs []float64, maxIterations int) (*DecodeOutcome, error) {
	h := d.h
	if len(llrs) != h.n {
		return nil, fmt.Errorf("%w: got %d LLRs, code length is %d", ErrLengthMismatch, len(llrs), h.n)
	}
	if maxIterations < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIterations, maxIterations)
	}

	for v, l := range llrs {
		d.channel[v] = sanitize(l)
		d.posterior[v] = d.channel[v]
		d.hard[v] = hardBit(d.channel[v])
	}

	out := &DecodeOutcome{Status: StatusMaxIterationsReached}
	weight := h.SyndromeWeight(d.hard)
	out.SyndromeTrace = append(out.SyndromeTrace, weight)

	if maxIterations > 0 && weight == 0 {
		out.Status = StatusConverged
		return d.finish(out, weight), nil
	}

	if d.opts.algorithm == BitFlip {
		return d.bitFlip(out, weight, maxIterations), nil
	}

	for v := 0; v < h.n; v++ {
		for _, e := range h.varEdges[h.varStart[v]:h.varStart[v+1]] {
			d.v2c[e] = d.channel[v]
		}
	}

	for it := 1; it <= maxIterations; it++ {
		if d.opts.algorithm == MinSum {
			d.minSumChecks()
		} else {
			d.sumProductChecks()
		}
		if !d.updateVariables() {
			return d.abort(out, it), nil
		}
		out.Iterations = it
		weight = h.SyndromeWeight(d.hard)
		out.SyndromeTrace = append(out.SyndromeTrace, weight)
		if weight == 0 {
			out.Status = StatusConverged
			break
		}
	}
	return d.finish(out, weight), nil
}

// abort ends a decode whose messages went non-finite during iteration it.
// The hard decisions may be partly updated, so the weight is taken afresh.
func (d *Decoder) abort(out *DecodeOutcome, it int) *DecodeOutcome {
	out.NumericFault = true
	out.Iterations = it
	return d.finish(out, d.h.SyndromeWeight(d.hard))
}

func (d *Decoder) finish(out *DecodeOutcome, weight int) *DecodeOutcome {
	out.Bits = append([]byte(nil), d.hard...)
	out.Payload = ExtractPayload(out.Bits, d.h)
	out.SyndromeWeight = weight
	return out
}

func (d *Decoder) sumProductChecks() {
	h := d.h
	for c := 0; c < h.m; c++ {
		s, t := h.checkStart[c], h.checkStart[c+1]
		deg := t - s
		tv := d.scratch[:deg]
		pre := d.prefix[:deg]
		for i := 0; i < deg; i++ {
			tv[i] = math.Tanh(d.v2c[s+i] / 2)
		}
		acc := 1.0
		for i := 0; i < deg; i++ {
			pre[i] = acc
			acc *= tv[i]
		}
		acc = 1.0
		for i := deg - 1; i >= 0; i-- {
			prod := pre[i] * acc
			acc *= tv[i]
			d.c2v[s+i] = clampLLR(2 * math.Atanh(clamp(prod, -tanhLimit, tanhLimit)))
		}
	}
}

func (d *Decoder) minSumChecks() {
	h := d.h
	scale := d.opts.minSumScale
	for c := 0; c < h.m; c++ {
		s, t := h.checkStart[c], h.checkStart[c+1]
		sign := 1.0
		min1, min2 := math.Inf(1), math.Inf(1)
		minIdx := -1
		for e := s; e < t; e++ {
			x := d.v2c[e]
			if x < 0 {
				sign = -sign
			}
			a := math.Abs(x)
			if a < min1 {
				min2 = min1
				min1 = a
				minIdx = e
			} else if a < min2 {
				min2 = a
			}
		}
		for e := s; e < t; e++ {
			mag := min1
			if e == minIdx {
				mag = min2
			}
			if math.IsInf(mag, 1) {
				// Degree-one check: no extrinsic information.
				mag = 0
			}
			sg := sign
			if d.v2c[e] < 0 {
				sg = -sg
			}
			d.c2v[e] = clampLLR(scale * sg * mag)
		}
	}
}

// updateVariables combines channel and check messages; it reports false
// when a non-finite value appears.
func (d *Decoder) updateVariables() bool {
	h := d.h
	for v := 0; v < h.n; v++ {
		edges := h.varEdges[h.varStart[v]:h.varStart[v+1]]
		total := d.channel[v]
		for _, e := range edges {
			total += d.c2v[e]
		}
		if math.IsNaN(total) || math.IsInf(total, 0) {
			return false
		}
		d.posterior[v] = total
		d.hard[v] = hardBit(total)
		for _, e := range edges {
			d.v2c[e] = clampLLR(total - d.c2v[e])
		}
	}
	return true
}

// bitFlip runs Gallager-style hard decoding: each iteration flips the bits
// that sit in the largest number of unsatisfied checks.
func (d *Decoder) bitFlip(out *DecodeOutcome, weight, maxIterations int) *DecodeOutcome {
	h := d.h
	unsat := make([]int, h.n)
	for it := 1; it <= maxIterations; it++ {
		clear(unsat)
		syn := h.Syndrome(d.hard)
		for c, s := range syn {
			if s == 0 {
				continue
			}
			for e := h.checkStart[c]; e < h.checkStart[c+1]; e++ {
				unsat[h.edgeVar[e]]++
			}
		}
		worst := 0
		for _, u := range unsat {
			worst = max(worst, u)
		}
		for v, u := range unsat {
			if worst > 0 && u == worst {
				d.hard[v] ^= 1
			}
		}
		out.Iterations = it
		weight = h.SyndromeWeight(d.hard)
		out.SyndromeTrace = append(out.SyndromeTrace, weight)
		if weight == 0 {
			out.Status = StatusConverged
			break
		}
	}
	return d.finish(out, weight)
}

func sanitize(l float64) float64 {
	if math.IsNaN(l) {
		return 0
	}
	return clampLLR(l)
}

func clampLLR(x float64) float64 {
	return clamp(x, -MaxLLR, MaxLLR)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func hardBit(llr float64) byte {
	if llr < 0 {
		return 1
	}
	return 0
}
