package execution

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts ticket transitions. A nil *Metrics records nothing.
type Metrics struct {
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_tickets_total",
			Help: "Number of ticket phase transitions.",
		}, []string{"leg", "kind", "phase"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_ticket_duration_seconds",
			Help:    "Time from submission to a terminal phase.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"leg", "kind", "phase"}),
	}
	if reg != nil {
		if err := reg.Register(m.transitions); err != nil {
			return nil, err
		}
		if err := reg.Register(m.duration); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(ticket Ticket, started time.Time, now time.Time) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"leg": string(ticket.Leg), "kind": string(ticket.Kind), "phase": string(ticket.Phase)}
	m.transitions.With(labels).Inc()
	if ticket.Terminal() {
		m.duration.With(labels).Observe(now.Sub(started).Seconds())
	}
}
