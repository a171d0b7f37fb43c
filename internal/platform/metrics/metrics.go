// Package metrics registers the Prometheus metrics of the write pipeline and
// implements entity.WriteObserver so drivers report every outcome.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"custodia/internal/entity"
	dErrors "custodia/pkg/domain-errors"
	"custodia/pkg/platform/sentinel"
)

// Metrics holds the Prometheus metrics shared across entity kinds.
type Metrics struct {
	writes    *prometheus.CounterVec
	conflicts *prometheus.CounterVec
}

// New creates and registers the pipeline metrics.
func New() *Metrics {
	return &Metrics{
		writes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_entity_writes_total",
			Help: "Entity write attempts by kind, action and outcome",
		}, []string{"kind", "action", "outcome"}),
		conflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_entity_write_conflicts_total",
			Help: "Writes rejected by optimistic concurrency, by kind",
		}, []string{"kind"}),
	}
}

// ObserveWrite implements entity.WriteObserver.
func (m *Metrics) ObserveWrite(kind entity.Kind, action entity.WriteAction, err error) {
	m.writes.WithLabelValues(string(kind), string(action), outcome(err)).Inc()
	if dErrors.HasCode(err, dErrors.CodeVersionMismatch) || errors.Is(err, sentinel.ErrVersionMismatch) {
		m.conflicts.WithLabelValues(string(kind)).Inc()
	}
}

// outcome keeps the label space bounded: accepted, or the domain error code.
func outcome(err error) string {
	if err == nil {
		return "accepted"
	}
	if errors.Is(err, sentinel.ErrVersionMismatch) {
		return string(dErrors.CodeVersionMismatch)
	}
	return string(dErrors.CodeOf(err))
}
