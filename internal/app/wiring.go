package app

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/glconfig"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/posting"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
	"github.com/odyssey-erp/odyssey-posting/jobs"
)

// Ledger bundles the posting pipeline shared by the API process, the worker
// and the operator commands.
type Ledger struct {
	Events   *posting.PgRepository
	Journals *accounting.Repository
	Configs  *glconfig.PgRepository
	Audit    *shared.AuditLogger
	Queue    *jobs.Client
	Bus      *posting.Bus
}

// NewLedger wires the event log, the dispatch queue and the bus.
func (r *Runtime) NewLedger() (*Ledger, error) {
	queue, err := jobs.NewClient(r.AsynqRedis(), r.DispatchOptions())
	if err != nil {
		return nil, fmt.Errorf("app: dispatch client: %w", err)
	}
	events := posting.NewRepository(r.Pool)
	return &Ledger{
		Events:   events,
		Journals: accounting.NewRepository(r.Pool),
		Configs:  glconfig.NewRepository(r.Pool),
		Audit:    shared.NewAuditLogger(r.Pool),
		Queue:    queue,
		Bus:      posting.NewBus(events, queue, r.Logger),
	}, nil
}

// Close releases the queue client.
func (l *Ledger) Close() error {
	if l == nil || l.Queue == nil {
		return nil
	}
	return l.Queue.Close()
}

// Resolver returns the Redis-cached ledger configuration resolver.
func (r *Runtime) Resolver(l *Ledger) *glconfig.CachedResolver {
	return glconfig.NewCachedResolver(glconfig.NewFallbackResolver(l.Configs), r.Redis, r.Config.LedgerConfigCacheTTL, r.Logger)
}

// NewDispatcher builds the dispatcher the worker runs for each task: the
// audit publisher first, then the journal publisher.
func (r *Runtime) NewDispatcher(l *Ledger, recorder posting.OutcomeRecorder) *posting.Dispatcher {
	journals := accounting.NewService(l.Journals, l.Audit, r.Logger)
	return posting.NewDispatcher(posting.DispatcherConfig{
		Repository: l.Events,
		Publisher: posting.Chain{
			posting.NewAuditPublisher(r.Logger, l.Audit),
			posting.NewJournalPublisher(r.Resolver(l), journals, r.Logger),
		},
		Recorder: recorder,
		Logger:   r.Logger,
	})
}
