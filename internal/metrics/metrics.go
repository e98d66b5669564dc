// Package metrics exposes Prometheus collectors for decoding and training.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/happyhackingspace/smcrf/crf"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	sequences      *prometheus.CounterVec
	positions      *prometheus.CounterVec
	providerCalls  *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	decodeDuration prometheus.Histogram
	iterations     prometheus.Counter
	objective      prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		sequences: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smcrf",
			Name:      "sequences_total",
			Help:      "Sequences processed by operation",
		}, []string{"op"}),
		positions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smcrf",
			Name:      "positions_total",
			Help:      "Sequence positions processed by operation",
		}, []string{"op"}),
		providerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smcrf",
			Subsystem: "cache",
			Name:      "provider_calls_total",
			Help:      "Feature provider invocations by evaluation kind",
		}, []string{"kind"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smcrf",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Potential cache lookups by table and result",
		}, []string{"table", "result"}),
		decodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "smcrf",
			Subsystem: "decode",
			Name:      "duration_seconds",
			Help:      "Time to decode one sequence",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		iterations: f.NewCounter(prometheus.CounterOpts{
			Namespace: "smcrf",
			Subsystem: "train",
			Name:      "iterations_total",
			Help:      "Optimizer iterations completed",
		}),
		objective: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "smcrf",
			Subsystem: "train",
			Name:      "objective",
			Help:      "Regularized log-likelihood after the last optimizer iteration",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MaxScrapes bounds concurrent connections to the metrics endpoint.
const MaxScrapes = 4

// Listen opens the metrics listener on addr, accepting at most MaxScrapes
// connections at a time.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return netutil.LimitListener(ln, MaxScrapes), nil
}

// Server returns an HTTP server exposing the registry under /metrics.
func (m *Metrics) Server() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Handler: mux}
}

// ObserveDecode records one decoded sequence.
func (m *Metrics) ObserveDecode(length int, seconds float64, st crf.CacheStats) {
	m.sequences.WithLabelValues("decode").Inc()
	m.positions.WithLabelValues("decode").Add(float64(length))
	m.decodeDuration.Observe(seconds)
	m.ObserveCache(st)
}

// ObserveCache adds cache counters.
func (m *Metrics) ObserveCache(st crf.CacheStats) {
	m.providerCalls.WithLabelValues("node").Add(float64(st.NodeCalls))
	m.providerCalls.WithLabelValues("edge").Add(float64(st.EdgeCalls))
	m.providerCalls.WithLabelValues("length_node").Add(float64(st.LengthNodeCalls))
	m.providerCalls.WithLabelValues("length_edge").Add(float64(st.LengthEdgeCalls))
	m.providerCalls.WithLabelValues("term").Add(float64(st.TermCalls))
	m.cacheLookups.WithLabelValues("position", "hit").Add(float64(st.PositionHits))
	m.cacheLookups.WithLabelValues("position", "miss").Add(float64(st.PositionMisses))
	m.cacheLookups.WithLabelValues("segment", "hit").Add(float64(st.SegmentHits))
	m.cacheLookups.WithLabelValues("segment", "miss").Add(float64(st.SegmentMisses))
}

// ObserveTraining records the training corpus size.
func (m *Metrics) ObserveTraining(sequences, positions int) {
	m.sequences.WithLabelValues("train").Add(float64(sequences))
	m.positions.WithLabelValues("train").Add(float64(positions))
}

// ObserveIteration records one optimizer iteration. Its signature matches
// crf.TrainerConfig.Progress.
func (m *Metrics) ObserveIteration(_ int, objective float64) {
	m.iterations.Inc()
	m.objective.Set(objective)
}
