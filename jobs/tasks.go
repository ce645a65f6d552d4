package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAccountingDispatch posts one stored accounting event log.
	TaskAccountingDispatch = "accounting:dispatch"
	// TaskLedgerSweep re-enqueues accounting event logs stuck in queued.
	TaskLedgerSweep = "ledger:sweep"
	// TaskGLIntegrity scans journals for base-currency imbalance.
	TaskGLIntegrity = "ledger:gl_integrity"
)

// DispatchOptions tunes how dispatch tasks are enqueued.
type DispatchOptions struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

func (o DispatchOptions) asynq() []asynq.Option {
	queue := o.Queue
	if queue == "" {
		queue = QueueDefault
	}
	opts := []asynq.Option{asynq.Queue(queue), asynq.MaxRetry(o.MaxRetry)}
	if o.Timeout > 0 {
		opts = append(opts, asynq.Timeout(o.Timeout))
	}
	return opts
}

// AccountingDispatchPayload carries only the log id; the event itself is read
// from the log row when the task runs.
type AccountingDispatchPayload struct {
	LogID int64 `json:"log_id"`
}

// NewAccountingDispatchTask builds a dispatch task for logID.
func NewAccountingDispatchTask(logID int64, opts DispatchOptions) (*asynq.Task, error) {
	if logID <= 0 {
		return nil, fmt.Errorf("jobs: invalid log id %d", logID)
	}
	body, err := json.Marshal(AccountingDispatchPayload{LogID: logID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccountingDispatch, body, opts.asynq()...), nil
}

// LedgerSweepPayload limits one sweep run.
type LedgerSweepPayload struct {
	Limit int `json:"limit"`
}

// NewLedgerSweepTask builds a stale-queue sweep task.
func NewLedgerSweepTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerSweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerSweep, body, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}

// GLIntegrityPayload bounds the journals scanned by the integrity check.
type GLIntegrityPayload struct {
	LookbackDays int `json:"lookback_days"`
}

// NewGLIntegrityTask builds an integrity check task.
func NewGLIntegrityTask(lookbackDays int) (*asynq.Task, error) {
	body, err := json.Marshal(GLIntegrityPayload{LookbackDays: lookbackDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGLIntegrity, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
