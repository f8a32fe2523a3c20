package presence

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds presence channel metrics. A nil *Metrics records nothing.
type Metrics struct {
	publishes    *prometheus.CounterVec
	joinFailures prometheus.Counter
	rosterSize   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveness",
			Subsystem: "presence",
			Name:      "publishes_total",
			Help:      "Presence declarations, by whether they were sent or skipped as unchanged.",
		}, []string{"result"}),
		joinFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveness",
			Subsystem: "presence",
			Name:      "join_failures_total",
			Help:      "Failed attempts to join the presence channel.",
		}),
		rosterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "liveness",
			Subsystem: "presence",
			Name:      "roster_size",
			Help:      "Number of active users in the most recently computed roster.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.publishes, m.joinFailures, m.rosterSize} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) publish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

func (m *Metrics) joinFailed() {
	if m == nil {
		return
	}
	m.joinFailures.Inc()
}

func (m *Metrics) roster(n int) {
	if m == nil {
		return
	}
	m.rosterSize.Set(float64(n))
}
