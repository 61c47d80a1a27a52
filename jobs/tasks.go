package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSummaryReconcile triggers the nightly ledger-vs-summary reconciliation.
	TaskSummaryReconcile = "summary:reconcile"
	// TaskBatchExpiryScan flags batches with stock on hand nearing expiry.
	TaskBatchExpiryScan = "batch:expiry-scan"
	// TaskIdempotencyCleanup sweeps old idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// SummaryReconcilePayload carries scheduling metadata.
type SummaryReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewSummaryReconcileTask constructs an Asynq task for summary reconciliation.
func NewSummaryReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SummaryReconcilePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSummaryReconcile, body, asynq.Queue(QueueDefault)), nil
}

// BatchExpiryScanPayload configures the expiry scan horizon.
type BatchExpiryScanPayload struct {
	Horizon time.Duration `json:"horizon"`
}

// NewBatchExpiryScanTask constructs an Asynq task for the expiry scan.
func NewBatchExpiryScanTask(horizon time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(BatchExpiryScanPayload{Horizon: horizon})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBatchExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload configures the retention sweep.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for the retention sweep.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
