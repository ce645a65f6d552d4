package posting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
	"github.com/odyssey-erp/odyssey-posting/internal/accounting/glconfig"
)

type memoryRepo struct {
	mu     sync.Mutex
	logs   map[int64]EventLog
	nextID int64
	now    time.Time
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{logs: make(map[int64]EventLog), now: time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)}
}

func (r *memoryRepo) Create(_ context.Context, log EventLog) (EventLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	log.ID = r.nextID
	log.Status = StatusQueued
	log.CreatedAt, log.UpdatedAt = r.now, r.now
	r.logs[log.ID] = log
	return log, nil
}

func (r *memoryRepo) Get(_ context.Context, id int64) (EventLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[id]
	if !ok {
		return EventLog{}, ErrLogNotFound
	}
	return l, nil
}

func (r *memoryRepo) MarkSent(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[id]
	if !ok {
		return ErrLogNotFound
	}
	l.Status, l.DispatchedAt, l.ErrorMessage = StatusSent, &at, ""
	l.Attempts++
	r.logs[id] = l
	return nil
}

func (r *memoryRepo) MarkFailed(_ context.Context, id int64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[id]
	if !ok {
		return ErrLogNotFound
	}
	if l.Status == StatusSent {
		return nil
	}
	l.Status, l.ErrorMessage = StatusFailed, truncateMessage(message)
	l.Attempts++
	r.logs[id] = l
	return nil
}

func (r *memoryRepo) Requeue(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[id]
	if !ok {
		return ErrLogNotFound
	}
	if l.Status == StatusSent {
		return ErrAlreadySent
	}
	l.Status, l.UpdatedAt = StatusQueued, r.now
	r.logs[id] = l
	return nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]EventLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventLog
	for _, l := range r.logs {
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if filter.CompanyID > 0 && l.CompanyID != filter.CompanyID {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memoryRepo) ListStaleQueued(_ context.Context, olderThan time.Time, limit int) ([]EventLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventLog
	for _, l := range r.logs {
		if l.Status == StatusQueued && l.UpdatedAt.Before(olderThan) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) CountByStatus(context.Context) (map[Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Status]int)
	for _, l := range r.logs {
		out[l.Status]++
	}
	return out, nil
}

func (r *memoryRepo) status(id int64) Status {
	l, _ := r.Get(context.Background(), id)
	return l.Status
}

type memoryQueue struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (q *memoryQueue) EnqueueDispatch(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *memoryQueue) drain() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.ids
	q.ids = nil
	return ids
}

// memoryPoster mimics the ledger: one journal per source id.
type memoryPoster struct {
	mu       sync.Mutex
	journals []accounting.JournalEntry
	err      error
}

func (p *memoryPoster) PostJournal(_ context.Context, input accounting.PostingInput) (accounting.JournalEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return accounting.JournalEntry{}, p.err
	}
	if err := input.Validate(); err != nil {
		return accounting.JournalEntry{}, err
	}
	for _, j := range p.journals {
		if j.SourceModule == input.SourceModule && j.SourceID == input.SourceID {
			return accounting.JournalEntry{}, accounting.ErrSourceAlreadyLinked
		}
	}
	entry := accounting.JournalEntry{
		ID:           int64(len(p.journals) + 1),
		Date:         input.Date,
		CompanyID:    input.CompanyID,
		SourceModule: input.SourceModule,
		SourceID:     input.SourceID,
		ExchangeRate: input.ExchangeRate,
		Status:       accounting.JournalStatusPosted,
	}
	for _, line := range input.Lines {
		entry.Lines = append(entry.Lines, accounting.JournalLine{
			JournalID:  entry.ID,
			AccountID:  line.AccountID,
			Role:       line.Role,
			Debit:      line.Debit,
			Credit:     line.Credit,
			DebitBase:  line.DebitBase,
			CreditBase: line.CreditBase,
		})
	}
	p.journals = append(p.journals, entry)
	return entry, nil
}

// configRepo is an in-memory glconfig.Repository keyed by scope.
type configRepo struct {
	configs []glconfig.Configuration
}

func (r *configRepo) FindActive(_ context.Context, code events.Code, companyID int64, branchID *int64) (glconfig.Configuration, error) {
	for _, c := range r.configs {
		if c.EventCode != code || c.CompanyID != companyID || !c.IsActive {
			continue
		}
		if (c.BranchID == nil) != (branchID == nil) {
			continue
		}
		if c.BranchID != nil && *c.BranchID != *branchID {
			continue
		}
		return c, nil
	}
	return glconfig.Configuration{}, glconfig.ErrNotFound
}

func (r *configRepo) Upsert(_ context.Context, cfg glconfig.Configuration) (int64, error) {
	cfg.ID = int64(len(r.configs) + 1)
	r.configs = append(r.configs, cfg)
	return cfg.ID, nil
}

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx *fakeTx
}

func (b *fakeBeginner) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	b.tx = &fakeTx{}
	return b.tx, nil
}
