// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/relayforge/polyllm/health"
	"github.com/relayforge/polyllm/types"
)

// Collector exposes §6's stage and provider metrics over prometheus.
type Collector struct {
	stageSuccess  *prometheus.CounterVec
	stagePartial  *prometheus.CounterVec
	stageFailure  *prometheus.CounterVec
	providerError *prometheus.CounterVec

	stageDuration   *prometheus.HistogramVec
	providerLatency *prometheus.HistogramVec

	providerHealth *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers and returns a Collector under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.stageSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_success_total",
			Help:      "Stages with at least one success that were not marked partial.",
		},
		[]string{"stage"},
	)
	c.stagePartial = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_partial_total",
			Help:      "Stages with at least one success that were marked partial.",
		},
		[]string{"stage"},
	)
	c.stageFailure = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failure_total",
			Help:      "Stages in which no model succeeded.",
		},
		[]string{"stage"},
	)
	c.providerError = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_error_total",
			Help:      "Provider call failures by error kind.",
		},
		[]string{"provider", "kind"},
	)

	c.stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of one stage's fan-out.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"stage"},
	)
	c.providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Latency of a single provider call.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.providerHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health",
			Help:      "Provider health status: 2=healthy, 1=degraded, 0=unhealthy.",
		},
		[]string{"provider"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordStage records one stage's outcome and duration.
func (c *Collector) RecordStage(stageName string, result types.StageResult, duration time.Duration) {
	c.stageDuration.WithLabelValues(stageName).Observe(duration.Seconds())
	switch {
	case result.Successes == 0:
		c.stageFailure.WithLabelValues(stageName).Inc()
	case result.Partial:
		c.stagePartial.WithLabelValues(stageName).Inc()
	default:
		c.stageSuccess.WithLabelValues(stageName).Inc()
	}
}

// RecordProviderCall records a single provider call's latency and, on
// failure, its error kind.
func (c *Collector) RecordProviderCall(provider string, latency time.Duration, errCode types.ErrorCode) {
	c.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
	if errCode != "" {
		c.providerError.WithLabelValues(provider, string(errCode)).Inc()
	}
}

// RecordHealth mirrors a provider's current health status into the gauge.
func (c *Collector) RecordHealth(provider string, status health.Status) {
	c.providerHealth.WithLabelValues(provider).Set(status.GaugeValue())
}
