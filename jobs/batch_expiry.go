package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/northwind-labs/stockledger/internal/stock"
)

// ExpiryService lists batches with stock on hand nearing expiry.
type ExpiryService interface {
	ExpiringBatches(ctx context.Context, horizon time.Duration) ([]stock.Batch, error)
}

// BatchExpiryScanJob surfaces lots that will expire before they can be
// consumed, so operators can discount or write them off in time.
type BatchExpiryScanJob struct {
	service ExpiryService
	logger  *slog.Logger
}

// NewBatchExpiryScanJob constructs the job.
func NewBatchExpiryScanJob(service ExpiryService, logger *slog.Logger) *BatchExpiryScanJob {
	return &BatchExpiryScanJob{service: service, logger: logger}
}

// Handle processes TaskBatchExpiryScan tasks.
func (j *BatchExpiryScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload BatchExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	horizon := payload.Horizon
	if horizon <= 0 {
		horizon = 30 * 24 * time.Hour
	}

	batches, err := j.service.ExpiringBatches(ctx, horizon)
	if err != nil {
		return err
	}
	for _, b := range batches {
		j.logger.Warn("batch nearing expiry",
			slog.Int64("batch_id", b.ID),
			slog.Int64("product_id", b.ProductID),
			slog.String("batch_no", b.BatchNo),
			slog.String("remaining", b.RemainingQty.String()),
			slog.Time("expires_at", *b.ExpiresAt))
	}
	j.logger.Info("batch expiry scan finished", slog.Int("flagged", len(batches)))
	return nil
}
