package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
	"github.com/odyssey-erp/odyssey-posting/internal/workflow"
)

// TransitionCounter menghitung perubahan status dokumen. Hitungan baru
// dicatat setelah transaksi transisi commit.
type TransitionCounter struct {
	transitions *prometheus.CounterVec
}

// NewTransitionCounter mendaftarkan counter transisi pada registerer.
func NewTransitionCounter(registerer prometheus.Registerer) *TransitionCounter {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_document_transitions_total",
		Help: "Jumlah transisi status dokumen berdasarkan tipe dokumen, status asal dan tujuan.",
	}, []string{"document_type", "from", "to"})
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(counter)
	return &TransitionCounter{transitions: counter}
}

// StatusChanged implements workflow.Subscriber.
func (c *TransitionCounter) StatusChanged(ctx context.Context, evt workflow.DocumentStatusChanged) error {
	if c == nil {
		return nil
	}
	db.AfterCommit(ctx, func(context.Context) {
		c.transitions.WithLabelValues(evt.DocumentType, evt.From, evt.To).Inc()
	})
	return nil
}
