package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports metrics through a Prometheus registerer.
type Prometheus struct {
	writeLatency *prometheus.HistogramVec
	writes       *prometheus.CounterVec
	retries      *prometheus.CounterVec
	imports      *prometheus.CounterVec
	deletedFacts *prometheus.CounterVec
	deletions    *prometheus.HistogramVec
	locks        *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "schemareg",
			Name:      "write_duration_seconds",
			Help:      "Latency of repository writes including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schemareg",
			Name:      "writes_total",
			Help:      "Repository writes by op and result.",
		}, []string{"op", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schemareg",
			Name:      "write_retries_total",
			Help:      "Extra attempts spent on repository writes.",
		}, []string{"op"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schemareg",
			Name:      "import_writes_total",
			Help:      "Writes performed by import runs by result.",
		}, []string{"result"}),
		deletedFacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schemareg",
			Name:      "deleted_facts_total",
			Help:      "Facts removed by deletions.",
		}, []string{"target"}),
		deletions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "schemareg",
			Name:      "deletion_duration_seconds",
			Help:      "Duration of cascading deletions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"target"}),
		locks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "schemareg",
			Name:      "lock_operations_total",
			Help:      "Lock and unlock calls by result.",
		}, []string{"op", "result"}),
	}
	for _, c := range []prometheus.Collector{p.writeLatency, p.writes, p.retries, p.imports, p.deletedFacts, p.deletions, p.locks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordWrite implements Collector.
func (p *Prometheus) RecordWrite(op string, duration time.Duration, attempts int, err error) {
	p.writeLatency.WithLabelValues(op).Observe(duration.Seconds())
	p.writes.WithLabelValues(op, result(err)).Inc()
	if attempts > 1 {
		p.retries.WithLabelValues(op).Add(float64(attempts - 1))
	}
}

// RecordImport implements Collector.
func (p *Prometheus) RecordImport(_, succeeded, failed int, _ time.Duration) {
	p.imports.WithLabelValues("ok").Add(float64(succeeded))
	p.imports.WithLabelValues("error").Add(float64(failed))
}

// RecordDeletion implements Collector.
func (p *Prometheus) RecordDeletion(target string, facts, _ int, duration time.Duration) {
	p.deletedFacts.WithLabelValues(target).Add(float64(facts))
	p.deletions.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordLock implements Collector.
func (p *Prometheus) RecordLock(op string, err error) {
	p.locks.WithLabelValues(op, result(err)).Inc()
}
