// Package metrics provides Prometheus metrics for seq-courier.
//
// The process lives for one pass, so metrics go to a private registry that
// is written to a node-exporter textfile when the pass ends.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cgg-gothenburg/seq-courier/internal/transfer"
)

const namespace = "seq_courier"

// Metrics holds the per-pass metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Unit outcomes
	Units *prometheus.CounterVec

	// Transfer metrics
	BytesDelivered *prometheus.CounterVec
	GroupDuration  *prometheus.HistogramVec
	FilesDelivered *prometheus.CounterVec

	// Pass metrics
	PassDuration  prometheus.Gauge
	PassTimestamp prometheus.Gauge
	LastSuccess   prometheus.Gauge
	PassFailed    prometheus.Gauge
	LedgerKeys    prometheus.Gauge
}

// New registers every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Units: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_total",
				Help:      "Units seen in the last pass by outcome",
			},
			[]string{"scope", "outcome"},
		),
		BytesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_delivered_total",
				Help:      "Bytes delivered in the last pass",
			},
			[]string{"destination"},
		),
		GroupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "group_transfer_duration_seconds",
				Help:      "Time to deliver one unit's files",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"scope"},
		),
		FilesDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_delivered_total",
				Help:      "Files delivered in the last pass by artifact kind",
			},
			[]string{"kind"},
		),
		PassDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Wall time of the last pass",
			},
		),
		PassTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pass_timestamp_seconds",
				Help:      "Unix time the last pass finished",
			},
		),
		LastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last pass without failed units",
			},
		),
		PassFailed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pass_failed",
				Help:      "1 if the last pass had failed units or aborted",
			},
		),
		LedgerKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ledger_keys",
				Help:      "Delivered units recorded in the ledger",
			},
		),
	}
}

// Registry exposes the private registry for tests and the textfile writer.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveGroup records one delivered unit group.
func (m *Metrics) ObserveGroup(destination string, scope string, delivered []transfer.Delivered, took time.Duration) {
	m.GroupDuration.WithLabelValues(scope).Observe(took.Seconds())
	for _, d := range delivered {
		m.FilesDelivered.WithLabelValues(string(d.File.Kind)).Inc()
		m.BytesDelivered.WithLabelValues(destination).Add(float64(d.Object.Size))
	}
}

// ObservePass records the outcome counts of a finished pass. lastSuccess
// carries the previous success time forward when this pass failed.
func (m *Metrics) ObservePass(result transfer.Result, lastSuccess time.Time) {
	for _, o := range result.Outcomes {
		m.Units.WithLabelValues(string(o.Scope), o.Status.String()).Inc()
	}
	m.PassDuration.Set(result.Duration().Seconds())
	m.PassTimestamp.Set(float64(result.Finished.Unix()))

	if result.Failed() {
		m.PassFailed.Set(1)
	} else {
		m.PassFailed.Set(0)
		lastSuccess = result.Finished
	}
	if !lastSuccess.IsZero() {
		m.LastSuccess.Set(float64(lastSuccess.Unix()))
	}
}

// MarkAborted flags a pass that ended before producing a result.
func (m *Metrics) MarkAborted(at time.Time, lastSuccess time.Time) {
	m.PassFailed.Set(1)
	m.PassTimestamp.Set(float64(at.Unix()))
	if !lastSuccess.IsZero() {
		m.LastSuccess.Set(float64(lastSuccess.Unix()))
	}
}

// SetLedgerKeys sets the number of recorded deliveries.
func (m *Metrics) SetLedgerKeys(n int) {
	m.LedgerKeys.Set(float64(n))
}

// WriteTextfile writes the registry in exposition format to path. The
// write is atomic so node-exporter never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
