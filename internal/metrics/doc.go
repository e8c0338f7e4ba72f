// Package metrics provides Prometheus-based metrics for the orchestration
// pipeline: per-stage outcome counters and duration histograms, per-provider
// call latency and error-kind counters, and a provider health gauge.
//
// Collector uses promauto's automatic registration, avoiding manual Registry
// bookkeeping. All metrics are namespaced and labeled for Grafana-style
// dashboards and alerting.
package metrics
