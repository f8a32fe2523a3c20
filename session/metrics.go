package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds session guard metrics. A nil *Metrics records nothing.
type Metrics struct {
	terminations       *prometheus.CounterVec
	signOutFailures    prometheus.Counter
	changeFeedFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liveness",
			Subsystem: "session",
			Name:      "terminations_total",
			Help:      "Forced session terminations by reason and trigger.",
		}, []string{"reason", "trigger"}),
		signOutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveness",
			Subsystem: "session",
			Name:      "sign_out_failures_total",
			Help:      "Forced sign-outs the identity provider did not acknowledge.",
		}),
		changeFeedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "liveness",
			Subsystem: "session",
			Name:      "change_feed_failures_total",
			Help:      "Change feed subscriptions that could not be established.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.terminations, m.signOutFailures, m.changeFeedFailures} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) terminated(reason Reason, trigger string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason.String(), trigger).Inc()
}

func (m *Metrics) signOutFailed() {
	if m == nil {
		return
	}
	m.signOutFailures.Inc()
}

func (m *Metrics) changeFeedFailed() {
	if m == nil {
		return
	}
	m.changeFeedFailures.Inc()
}
