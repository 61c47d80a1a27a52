package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/northwind-labs/stockledger/internal/shared"
)

// ReconcileService is the slice of the stock service the job needs.
type ReconcileService interface {
	ReconcileSummary(ctx context.Context, productID int64) (bool, error)
}

// ProductLister enumerates products present in the ledger.
type ProductLister interface {
	ListProductIDs(ctx context.Context) ([]int64, error)
}

// SummaryReconcileJob replays every product's ledger and repairs cached
// summaries that drifted. The full rescan is the consistency check that
// keeps the materialized aggregates honest.
type SummaryReconcileJob struct {
	service  ReconcileService
	products ProductLister
	locker   *redislock.Client
	logger   *slog.Logger
}

// NewSummaryReconcileJob constructs the job.
func NewSummaryReconcileJob(service ReconcileService, products ProductLister, locker *redislock.Client, logger *slog.Logger) *SummaryReconcileJob {
	return &SummaryReconcileJob{service: service, products: products, locker: locker, logger: logger}
}

// Handle processes TaskSummaryReconcile tasks.
func (j *SummaryReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SummaryReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	ids, err := j.products.ListProductIDs(ctx)
	if err != nil {
		return err
	}

	started := time.Now()
	var repaired int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	results := make(chan bool, len(ids))
	for _, id := range ids {
		productID := id
		g.Go(func() error {
			diverged, err := j.reconcileOne(ctx, productID)
			if err != nil {
				return err
			}
			results <- diverged
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	close(results)
	for diverged := range results {
		if diverged {
			repaired++
		}
	}

	j.logger.Info("summary reconciliation finished",
		slog.Int("products", len(ids)),
		slog.Int64("repaired", repaired),
		slog.Duration("took", time.Since(started)))
	return nil
}

// reconcileOne guards each product with a distributed lock so two workers
// never reconcile the same product concurrently.
func (j *SummaryReconcileJob) reconcileOne(ctx context.Context, productID int64) (bool, error) {
	if j.locker != nil {
		lock, err := j.locker.Obtain(ctx, shared.ProductLockKey(productID), 30*time.Second, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				j.logger.Info("product locked elsewhere, skipping",
					slog.Int64("product_id", productID))
				return false, nil
			}
			return false, err
		}
		defer func() { _ = lock.Release(ctx) }()
	}
	return j.service.ReconcileSummary(ctx, productID)
}
