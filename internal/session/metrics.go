package session

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the controller's prometheus collectors.
type Metrics struct {
	interactions *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	strategy     *prometheus.CounterVec
	stale        *prometheus.CounterVec
	lockTimeouts *prometheus.CounterVec
	orphaned     *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		interactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "interactions_total",
			Help:      "Interactions by platform and outcome (ok or failure kind).",
		}, []string{"platform", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Name:      "interaction_seconds",
			Help:      "End-to-end interaction latency including queue wait.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320, 640},
		}, []string{"platform"}),
		strategy: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "extraction_strategy_total",
			Help:      "Extraction tier that produced the returned text.",
		}, []string{"platform", "strategy"}),
		stale: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "stale_reextractions_total",
			Help:      "Replies equal to the pre-submit text that forced a fallback extraction.",
		}, []string{"platform"}),
		lockTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "lock_timeouts_total",
			Help:      "Callers that gave up waiting for their interaction.",
		}, []string{"platform"}),
		orphaned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "orphaned_tasks_total",
			Help:      "Interactions that settled after their caller timed out.",
		}, []string{"platform"}),
	}
}

// Touch creates the zero-valued series for platform.
func (m *Metrics) Touch(platform string) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(platform, "ok")
	m.lockTimeouts.WithLabelValues(platform)
	m.orphaned.WithLabelValues(platform)
}

func (m *Metrics) recordOutcome(platform, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.interactions.WithLabelValues(platform, outcome).Inc()
	m.latency.WithLabelValues(platform).Observe(took.Seconds())
}

func (m *Metrics) recordStrategy(platform, strategy string) {
	if m == nil || strategy == "" {
		return
	}
	m.strategy.WithLabelValues(platform, strategy).Inc()
}

func (m *Metrics) recordStale(platform string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(platform).Inc()
}

func (m *Metrics) recordLockTimeout(platform string) {
	if m == nil {
		return
	}
	m.lockTimeouts.WithLabelValues(platform).Inc()
}

// recordOrphan takes the lock key, whose platform part precedes any '#'.
func (m *Metrics) recordOrphan(key string) {
	if m == nil {
		return
	}
	platform, _, _ := strings.Cut(key, "#")
	m.orphaned.WithLabelValues(platform).Inc()
}
