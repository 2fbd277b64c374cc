package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ArrEssJay/chimera-sub003/internal/sim"
)

// Metrics holds the Prometheus collectors of one server. Each server owns
// its registry so that tests can build several.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec // by decode status
	runErrors       prometheus.Counter     // runs that faulted or were rejected
	preFECBER       prometheus.Histogram   // raw channel BER of synced runs
	postFECBER      prometheus.Histogram   // decoded payload BER of synced runs
	iterations      prometheus.Histogram   // decoder iterations
	runDuration     prometheus.Histogram   // seconds per run
	syncCorrelation prometheus.Histogram   // peak sync correlation
	sweepsTotal     *prometheus.CounterVec // by outcome
	activeSweeps    prometheus.Gauge
	wsConnections   prometheus.Gauge
	httpRequests    *prometheus.CounterVec // by route and code
}

var berBuckets = []float64{0, 1e-5, 1e-4, 1e-3, 1e-2, 0.05, 0.1, 0.2, 0.3, 0.5}

// NewMetrics registers the simulator collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chimera_runs_total",
				Help: "Simulation runs by decode status",
			},
			[]string{"decode_status"},
		),
		runErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "chimera_run_errors_total",
			Help: "Simulation runs rejected for configuration or ended by a fault",
		}),
		preFECBER: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chimera_pre_fec_ber",
			Help:    "Bit error rate of demodulated codewords before LDPC decoding",
			Buckets: berBuckets,
		}),
		postFECBER: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chimera_post_fec_ber",
			Help:    "Bit error rate of payloads after LDPC decoding",
			Buckets: berBuckets,
		}),
		iterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chimera_decoder_iterations",
			Help:    "Belief-propagation iterations per decode",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20, 50, 100},
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chimera_run_duration_seconds",
			Help:    "Wall time of one simulation run",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		syncCorrelation: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chimera_sync_correlation",
			Help:    "Peak normalized sync-word correlation",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		sweepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chimera_sweeps_total",
				Help: "SNR sweeps by outcome",
			},
			[]string{"outcome"},
		),
		activeSweeps: f.NewGauge(prometheus.GaugeOpts{
			Name: "chimera_active_sweeps",
			Help: "SNR sweeps currently running",
		}),
		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chimera_websocket_connections",
			Help: "Connected WebSocket clients",
		}),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chimera_http_requests_total",
				Help: "API requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}
}

// ObserveReport records one finished run.
func (m *Metrics) ObserveReport(r *sim.Report) {
	if r.Error != "" {
		m.runErrors.Inc()
	}
	m.runsTotal.WithLabelValues(string(r.DecodeStatus)).Inc()
	m.runDuration.Observe(r.DurationMs / 1000)
	m.syncCorrelation.Observe(r.SyncCorrelation)
	if r.PreFEC != nil {
		m.preFECBER.Observe(r.PreFEC.BER)
	}
	if r.PostFEC != nil {
		m.postFECBER.Observe(r.PostFEC.BER)
		m.iterations.Observe(float64(r.Iterations))
	}
}

// ObserveRejected records a run refused before it started.
func (m *Metrics) ObserveRejected() { m.runErrors.Inc() }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
