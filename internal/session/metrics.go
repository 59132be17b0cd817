package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the session machine. A nil Registerer yields working
// but unregistered collectors, so embedding hosts without a metrics pipeline
// pay nothing.
type Metrics struct {
	RefreshTotal    *prometheus.CounterVec
	HandshakesTotal prometheus.Counter
	DisconnectsTotal prometheus.Counter
	StateGauge      prometheus.Gauge
}

// NewMetrics builds and (when reg is non-nil) registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clublink_token_refresh_total",
				Help: "Token refresh outcomes by result class.",
			},
			[]string{"result"},
		),
		HandshakesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clublink_handshakes_total",
			Help: "Completed mobile handshakes.",
		}),
		DisconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clublink_disconnects_total",
			Help: "Session teardowns, local and remote.",
		}),
		StateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clublink_session_state",
			Help: "Session state: 0 idle, 1 connecting, 2 awaiting, 3 authorizing, 4 connected, 5 disconnected, 6 failed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.RefreshTotal, m.HandshakesTotal, m.DisconnectsTotal, m.StateGauge)
	}
	return m
}

var stateGaugeValues = map[State]float64{
	StateIdle:              0,
	StateConnecting:        1,
	StateAwaitingHandshake: 2,
	StateAuthorizing:       3,
	StateConnected:         4,
	StateDisconnected:      5,
	StateFailed:            6,
}

func (m *Metrics) observeState(s State) {
	if m == nil {
		return
	}
	m.StateGauge.Set(stateGaugeValues[s])
}

func (m *Metrics) observeRefresh(result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) observeHandshake() {
	if m == nil {
		return
	}
	m.HandshakesTotal.Inc()
}

func (m *Metrics) observeDisconnect() {
	if m == nil {
		return
	}
	m.DisconnectsTotal.Inc()
}
