package sim

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/ArrEssJay/chimera-sub003/internal/channel"
	"github.com/ArrEssJay/chimera-sub003/internal/config"
)

// SweepParams configures Sweep. OnTrial and OnPoint may be nil; OnTrial is
// called from worker goroutines and must be safe for concurrent use.
type SweepParams struct {
	config.Sweep
	ID      string // assigned when empty
	OnTrial func(point, done, total int)
	OnPoint func(SweepPoint)
}

// Moments are the sample mean and standard deviation of a BER series.
type Moments struct {
	Mean   float64 `json:"mean" yaml:"mean"`
	StdDev float64 `json:"std_dev" yaml:"std_dev"`
}

// SweepPoint aggregates the trials run at one SNR. Trials that miss sync
// contribute a BER of 0.5 to both moments.
type SweepPoint struct {
	SNRdB            float64 `json:"snr_db" yaml:"snr_db"`
	Trials           int     `json:"trials" yaml:"trials"`
	SyncMisses       int     `json:"sync_misses" yaml:"sync_misses"`
	DecodeFailures   int     `json:"decode_failures" yaml:"decode_failures"`
	UndetectedErrors int     `json:"undetected_errors" yaml:"undetected_errors"`
	Faults           int     `json:"faults" yaml:"faults"`
	Successes        int     `json:"successes" yaml:"successes"`
	PreFEC           Moments `json:"pre_fec" yaml:"pre_fec"`
	PostFEC          Moments `json:"post_fec" yaml:"post_fec"`
	MeanIterations   float64 `json:"mean_iterations" yaml:"mean_iterations"`
	FrameErrorRate   float64 `json:"frame_error_rate" yaml:"frame_error_rate"`
}

// SweepResult is the outcome of a whole sweep.
type SweepResult struct {
	SweepID  string       `json:"sweep_id" yaml:"sweep_id"`
	BaseSeed int64        `json:"base_seed" yaml:"base_seed"`
	Points   []SweepPoint `json:"points" yaml:"points"`
	Duration float64      `json:"duration_s" yaml:"duration_s"`
}

// Sweep runs sp.Trials independent simulations at every SNR of the sweep.
// Trial seeds derive from cfg.Seed (or a fresh base seed), so a seeded
// sweep is reproducible regardless of worker count. Points are processed
// in order; cancelling ctx stops the sweep between trials.
func Sweep(ctx context.Context, cfg config.Simulation, sp SweepParams) (*SweepResult, error) {
	if err := sp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if _, err := prepare(cfg); err != nil {
		return nil, err
	}
	workers := sp.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	base := channel.NewSeed()
	if cfg.Seed != nil {
		base = *cfg.Seed
	}
	id := sp.ID
	if id == "" {
		id = uuid.NewString()
	}
	result := &SweepResult{SweepID: id, BaseSeed: base}
	start := time.Now()
	snrs := sp.Points()
	log.Infof("[sweep] %s: %d points x %d trials, %d workers, base seed %d",
		result.SweepID, len(snrs), sp.Trials, workers, base)

	for pi, snr := range snrs {
		reports := make([]*Report, sp.Trials)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		var done atomic.Int64

		for ti := range reports {
			trial := cfg
			trial.SNRdB = snr
			seed := deriveSeed(base, pi, ti)
			trial.Seed = &seed
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				rep, err := run(trial, log.DebugLevel)
				if err != nil {
					return err
				}
				reports[ti] = rep
				if sp.OnTrial != nil {
					sp.OnTrial(pi, int(done.Add(1)), sp.Trials)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, fmt.Errorf("sweep at %v dB: %w", snr, err)
		}

		pt := aggregate(snr, reports)
		result.Points = append(result.Points, pt)
		log.Infof("[sweep] %.2f dB: pre-FEC %.4g, post-FEC %.4g, FER %.3f, %d sync misses",
			snr, pt.PreFEC.Mean, pt.PostFEC.Mean, pt.FrameErrorRate, pt.SyncMisses)
		if sp.OnPoint != nil {
			sp.OnPoint(pt)
		}
	}
	result.Duration = time.Since(start).Seconds()
	return result, nil
}

func aggregate(snr float64, reports []*Report) SweepPoint {
	pt := SweepPoint{SNRdB: snr, Trials: len(reports)}
	pre := make([]float64, 0, len(reports))
	post := make([]float64, 0, len(reports))
	var iterations, decoded int
	for _, r := range reports {
		switch {
		case r.Error != "":
			pt.Faults++
		case !r.SyncFound:
			pt.SyncMisses++
		case r.DecodeStatus == DecodeNotConverged:
			pt.DecodeFailures++
		case r.DecodeStatus == DecodeUndetectedError:
			pt.UndetectedErrors++
		}
		if r.Success() {
			pt.Successes++
		}
		if r.PostFEC != nil {
			iterations += r.Iterations
			decoded++
		}
		pre = append(pre, r.PreFECBER())
		post = append(post, r.PostFECBER())
	}
	pt.PreFEC.Mean, pt.PreFEC.StdDev = meanStdDev(pre)
	pt.PostFEC.Mean, pt.PostFEC.StdDev = meanStdDev(post)
	if decoded > 0 {
		pt.MeanIterations = float64(iterations) / float64(decoded)
	}
	if pt.Trials > 0 {
		pt.FrameErrorRate = 1 - float64(pt.Successes)/float64(pt.Trials)
	}
	return pt
}

func meanStdDev(x []float64) (mean, std float64) {
	switch len(x) {
	case 0:
		return 0, 0
	case 1:
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

// deriveSeed mixes the base seed with the point and trial indices
// (splitmix64 finalizer) so neighbouring trials get unrelated streams.
func deriveSeed(base int64, point, trial int) int64 {
	z := uint64(base) + uint64(point)<<32 + uint64(trial) + 0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return int64(z ^ (z >> 31))
}
