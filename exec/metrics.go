package exec

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes Prometheus counters/gauges for the executor's diagnostic
// surface (segment underruns, completed segment count) alongside the
// in-process counters the executor itself keeps.
type Metrics struct {
	SegmentsCompleted prometheus.Counter
	SegmentUnderruns  prometheus.Counter
	Busy              prometheus.Gauge
}

// NewMetrics registers a fresh set of collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SegmentsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cncmotion_segments_completed_total",
			Help: "Number of segments fully executed by the pulse executor.",
		}),
		SegmentUnderruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cncmotion_segment_underruns_total",
			Help: "Number of times the executor found the segment ring empty.",
		}),
		Busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cncmotion_executor_busy",
			Help: "1 while a segment is in flight, 0 while idle.",
		}),
	}
	for _, c := range []prometheus.Collector{m.SegmentsCompleted, m.SegmentUnderruns, m.Busy} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AttachMetrics wires m into the executor's completion/underrun paths.
func (e *Executor) AttachMetrics(m *Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics = m
}
