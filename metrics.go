package database

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "database"

type metrics struct {
	saves    *prometheus.CounterVec
	failures *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration prometheus.Histogram
	skips    prometheus.Counter
}

// newMetrics creates the save metrics and registers them with reg, if set.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_saves_total",
			Help:      "Number of successful table writes",
		}, []string{"table"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_save_failures_total",
			Help:      "Number of failed table writes",
		}, []string{"table"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "table_written_bytes_total",
			Help:      "Bytes written to current table files",
		}, []string{"table"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Duration of a save of all dirty tables",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		skips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_skips_total",
			Help:      "Number of scheduler ticks postponed by new mutations",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var errs []error
	for _, c := range []prometheus.Collector{m.saves, m.failures, m.bytes, m.duration, m.skips} {
		errs = append(errs, reg.Register(c))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}
