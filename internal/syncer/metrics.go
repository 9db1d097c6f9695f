package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/fireprep/internal/domain"
)

type metrics struct {
	replays *prometheus.CounterVec
	depth   *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	f := promauto.With(reg)
	return &metrics{
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fireprep",
			Subsystem: "sync",
			Name:      "replays_total",
			Help:      "Mutation replay attempts by kind and result.",
		}, []string{"kind", "result"}),
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fireprep",
			Subsystem: "sync",
			Name:      "queue_mutations",
			Help:      "Queued mutations by state after the last replay pass.",
		}, []string{"state"}),
	}
}

func (m *metrics) result(kind domain.MutationKind, result string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(string(kind), result).Inc()
}

func (m *metrics) observe(st domain.QueueStatus) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(string(domain.MutationPending)).Set(float64(st.Pending))
	m.depth.WithLabelValues(string(domain.MutationInFlight)).Set(float64(st.InFlight))
	m.depth.WithLabelValues(string(domain.MutationRetrying)).Set(float64(st.Retrying))
	m.depth.WithLabelValues(string(domain.MutationAbandoned)).Set(float64(st.Abandoned))
	m.depth.WithLabelValues("stalled").Set(float64(st.Stalled))
}
