// Package metrics exposes prometheus collectors for issuance and renewal.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ironpki"

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

type Collector struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	sweeps            prometheus.Counter
	sweepDuration     prometheus.Histogram
	renewals          *prometheus.CounterVec
	lastSweep         prometheus.Gauge
	dueCertificates   prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by kind and result",
		}, []string{"operation", "result"}),
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of lifecycle operations including toolchain calls",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operation"}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewal_sweeps_total",
			Help:      "Completed renewal sweeps",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "renewal_sweep_duration_seconds",
			Help:      "Wall time of a renewal sweep",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		renewals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Per-certificate renewal outcomes within sweeps",
		}, []string{"result"}),
		lastSweep: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "renewal_last_sweep_timestamp_seconds",
			Help:      "Unix time the last renewal sweep finished",
		}),
		dueCertificates: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "renewal_due_certificates",
			Help:      "Certificates found expired by the last sweep",
		}),
	}
}

// ObserveOperation records one engine operation started at start.
func (c *Collector) ObserveOperation(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	c.operations.WithLabelValues(op, result).Inc()
	c.operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveRenewal records the outcome for one certificate in a sweep.
func (c *Collector) ObserveRenewal(result string) {
	if c == nil {
		return
	}
	c.renewals.WithLabelValues(result).Inc()
}

// ObserveSweep records a finished sweep.
func (c *Collector) ObserveSweep(finished time.Time, took time.Duration, due int) {
	if c == nil {
		return
	}
	c.sweeps.Inc()
	c.sweepDuration.Observe(took.Seconds())
	c.lastSweep.Set(float64(finished.Unix()))
	c.dueCertificates.Set(float64(due))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
