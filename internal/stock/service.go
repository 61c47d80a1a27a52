package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/northwind-labs/stockledger/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSummary(ctx context.Context, productID int64) (Summary, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	CountTransactions(ctx context.Context, filter TransactionFilter) (int, error)
	ListAvailableBatches(ctx context.Context, productID int64) ([]Batch, error)
	ListExpiringBatches(ctx context.Context, before time.Time) ([]Batch, error)
	SumBatchRemaining(ctx context.Context, productID int64) (decimal.Decimal, error)
}

// ProductPort resolves product existence. Product master data lives outside
// the core; ids are treated as opaque beyond this check.
type ProductPort interface {
	Exists(ctx context.Context, productID int64) (bool, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates the inventory ledger: receipts, FIFO allocation,
// reversal, validation and summary maintenance.
type Service struct {
	logger      *slog.Logger
	repo        RepositoryPort
	products    ProductPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	cache       *Cache
	now         func() time.Time
}

// NewService builds Service.
func NewService(logger *slog.Logger, repo RepositoryPort, products ProductPort, audit AuditPort, idem *shared.IdempotencyStore, cache *Cache) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:      logger,
		repo:        repo,
		products:    products,
		audit:       audit,
		idempotency: idem,
		cache:       cache,
		now:         time.Now,
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// ReceivePurchase records a goods receipt: one batch and one inbound ledger
// entry per line, then a summary recompute for every affected product.
func (s *Service) ReceivePurchase(ctx context.Context, input ReceiveInput) ([]Batch, error) {
	if input.PurchaseID == "" {
		return nil, fmt.Errorf("stock: purchase id required: %w", shared.ErrValidation)
	}
	if len(input.Lines) == 0 {
		return nil, fmt.Errorf("stock: minimal 1 line: %w", shared.ErrValidation)
	}
	for _, line := range input.Lines {
		if line.ProductID == 0 {
			return nil, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
		}
		if !line.Qty.GreaterThan(decimal.Zero) {
			return nil, ErrInvalidQuantity
		}
		if line.UnitCost.IsNegative() {
			return nil, ErrInvalidUnitCost
		}
		if err := s.checkProduct(ctx, line.ProductID); err != nil {
			return nil, err
		}
	}

	idemKey := "receive:" + input.PurchaseID
	insertedKey, err := s.claimKey(ctx, idemKey)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	productIDs := uniqueProductIDs(input.Lines)
	var created []Batch

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, productID := range productIDs {
			if err := tx.LockProduct(ctx, productID); err != nil {
				return err
			}
		}
		for _, line := range input.Lines {
			receivedAt := line.ReceivedAt
			if receivedAt.IsZero() {
				receivedAt = now
			}
			batch := Batch{
				ProductID:    line.ProductID,
				BatchNo:      line.BatchNo,
				OriginalQty:  line.Qty,
				RemainingQty: line.Qty,
				UnitCost:     line.UnitCost,
				ReceivedAt:   receivedAt,
				ExpiresAt:    line.ExpiresAt,
				CreatedAt:    now,
			}
			batchID, err := tx.InsertBatch(ctx, batch)
			if err != nil {
				return err
			}
			batch.ID = batchID
			created = append(created, batch)

			if _, err := tx.InsertTransaction(ctx, Transaction{
				ProductID:   line.ProductID,
				Type:        TransactionTypeInbound,
				Quantity:    line.Qty,
				UnitCost:    line.UnitCost,
				TotalCost:   line.Qty.Mul(line.UnitCost),
				ReferenceID: input.PurchaseID,
				Reference:   defaultString(input.Reference, "purchase receipt"),
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}
		for _, productID := range productIDs {
			if err := s.recomputeSummary(ctx, tx, productID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, idemKey, insertedKey)
		return nil, err
	}

	for _, productID := range productIDs {
		s.invalidate(ctx, productID)
	}
	s.recordAudit(ctx, input.ActorID, "stock:receive", input.PurchaseID, map[string]any{
		"lines":    len(input.Lines),
		"products": productIDs,
	})
	return created, nil
}

// AllocateForSale consumes batches in FIFO order for one sale line, appends
// the outbound ledger entry at the blended layer cost and retains the layer
// usage set keyed by the sale line so the sale can later be reversed exactly.
func (s *Service) AllocateForSale(ctx context.Context, input AllocateInput) (AllocationResult, error) {
	if input.SaleLineID == "" {
		return AllocationResult{}, fmt.Errorf("stock: sale line id required: %w", shared.ErrValidation)
	}
	if input.ProductID == 0 {
		return AllocationResult{}, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
	}
	if !input.Qty.GreaterThan(decimal.Zero) {
		return AllocationResult{}, ErrInvalidQuantity
	}
	if err := s.checkProduct(ctx, input.ProductID); err != nil {
		return AllocationResult{}, err
	}

	idemKey := "allocate:" + input.SaleLineID
	insertedKey, err := s.claimKey(ctx, idemKey)
	if err != nil {
		return AllocationResult{}, err
	}

	now := s.now().UTC()
	var result AllocationResult

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockProduct(ctx, input.ProductID); err != nil {
			return err
		}
		batches, err := tx.ListAvailableBatches(ctx, input.ProductID)
		if err != nil {
			return err
		}
		plan, err := planAllocation(input.ProductID, batches, input.Qty)
		if err != nil {
			return err
		}

		remainingByBatch := make(map[int64]decimal.Decimal, len(batches))
		for _, b := range batches {
			remainingByBatch[b.ID] = b.RemainingQty
		}
		for _, layer := range plan.Layers {
			newRemaining := remainingByBatch[layer.BatchID].Sub(layer.QtyUsed)
			if err := tx.SetBatchRemaining(ctx, layer.BatchID, newRemaining); err != nil {
				return err
			}
		}
		if err := tx.InsertLayerUsages(ctx, input.SaleLineID, input.ProductID, plan.Layers); err != nil {
			return err
		}
		txID, err := tx.InsertTransaction(ctx, Transaction{
			ProductID:   input.ProductID,
			Type:        TransactionTypeOutbound,
			Quantity:    input.Qty.Neg(),
			UnitCost:    plan.AverageCost,
			TotalCost:   plan.TotalCost,
			ReferenceID: input.SaleLineID,
			Reference:   defaultString(input.Reference, "sale"),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := s.recomputeSummary(ctx, tx, input.ProductID, now); err != nil {
			return err
		}
		result = AllocationResult{
			TransactionID: txID,
			Layers:        plan.Layers,
			TotalCost:     plan.TotalCost,
			AverageCost:   plan.AverageCost,
		}
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, idemKey, insertedKey)
		return AllocationResult{}, err
	}

	s.invalidate(ctx, input.ProductID)
	s.recordAudit(ctx, input.ActorID, "stock:allocate", input.SaleLineID, map[string]any{
		"product_id": input.ProductID,
		"qty":        input.Qty.String(),
		"layers":     len(result.Layers),
		"total_cost": result.TotalCost.String(),
		"note":       input.Note,
	})
	return result, nil
}

// GetSummary returns the per-product aggregate, served through the Redis
// read cache when one is configured.
func (s *Service) GetSummary(ctx context.Context, productID int64) (Summary, error) {
	if productID == 0 {
		return Summary{}, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
	}
	return s.cache.Fetch(ctx, productID, func(ctx context.Context) (Summary, error) {
		return s.repo.GetSummary(ctx, productID)
	})
}

// RefreshSummary forces a full recompute from the ledger.
func (s *Service) RefreshSummary(ctx context.Context, productID int64) (Summary, error) {
	if productID == 0 {
		return Summary{}, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
	}
	now := s.now().UTC()
	var refreshed Summary
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockProduct(ctx, productID); err != nil {
			return err
		}
		txs, err := tx.ListTransactionsByProduct(ctx, productID)
		if err != nil {
			return err
		}
		refreshed = computeSummary(productID, txs, now)
		return tx.UpsertSummary(ctx, refreshed)
	})
	if err != nil {
		return Summary{}, err
	}
	s.invalidate(ctx, productID)
	return refreshed, nil
}

// ReconcileSummary recomputes a product summary from the ledger and repairs
// the stored row when it diverged. Divergence is a defect and is logged
// loudly. Returns whether a repair was needed.
func (s *Service) ReconcileSummary(ctx context.Context, productID int64) (bool, error) {
	stored, err := s.repo.GetSummary(ctx, productID)
	if err != nil && !errors.Is(err, ErrSummaryNotFound) {
		return false, err
	}

	now := s.now().UTC()
	var fresh Summary
	diverged := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockProduct(ctx, productID); err != nil {
			return err
		}
		txs, err := tx.ListTransactionsByProduct(ctx, productID)
		if err != nil {
			return err
		}
		fresh = computeSummary(productID, txs, now)
		if summariesEqual(stored, fresh) {
			return nil
		}
		diverged = true
		return tx.UpsertSummary(ctx, fresh)
	})
	if err != nil {
		return false, err
	}

	if diverged {
		s.logger.Warn("summary diverged from ledger, repaired",
			slog.Int64("product_id", productID),
			slog.String("stored_balance", stored.Balance.String()),
			slog.String("ledger_balance", fresh.Balance.String()))
		s.invalidate(ctx, productID)
	}

	batchTotal, err := s.repo.SumBatchRemaining(ctx, productID)
	if err == nil && !batchTotal.Equal(fresh.Balance) {
		// Expected only when untracked adjustments exist for this product.
		s.logger.Warn("batch remaining does not match ledger balance",
			slog.Int64("product_id", productID),
			slog.String("batch_total", batchTotal.String()),
			slog.String("ledger_balance", fresh.Balance.String()))
	}
	return diverged, nil
}

// ListTransactions lists ledger entries with pagination metadata.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error) {
	if filter.ProductID == 0 {
		return nil, 0, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
	}
	total, err := s.repo.CountTransactions(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	txs, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

// ListAvailableBatches lists consumable batches in FIFO order.
func (s *Service) ListAvailableBatches(ctx context.Context, productID int64) ([]Batch, error) {
	if productID == 0 {
		return nil, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
	}
	batches, err := s.repo.ListAvailableBatches(ctx, productID)
	if err != nil {
		return nil, err
	}
	sortBatchesFIFO(batches)
	return batches, nil
}

// ExpiringBatches lists batches with stock on hand expiring within horizon.
func (s *Service) ExpiringBatches(ctx context.Context, horizon time.Duration) ([]Batch, error) {
	return s.repo.ListExpiringBatches(ctx, s.now().UTC().Add(horizon))
}

// recomputeSummary rebuilds and stores the aggregate inside the caller's
// transaction so the summary is never observably behind the ledger.
func (s *Service) recomputeSummary(ctx context.Context, tx TxRepository, productID int64, now time.Time) error {
	txs, err := tx.ListTransactionsByProduct(ctx, productID)
	if err != nil {
		return err
	}
	return tx.UpsertSummary(ctx, computeSummary(productID, txs, now))
}

func (s *Service) checkProduct(ctx context.Context, productID int64) error {
	if s.products == nil {
		return nil
	}
	ok, err := s.products.Exists(ctx, productID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("stock: product %d: %w", productID, shared.ErrNotFound)
	}
	return nil
}

func (s *Service) claimKey(ctx context.Context, key string) (bool, error) {
	if s.idempotency == nil {
		return false, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) releaseKey(ctx context.Context, key string, inserted bool) {
	if inserted {
		_ = s.idempotency.Delete(ctx, key)
	}
}

func (s *Service) invalidate(ctx context.Context, productID int64) {
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.Warn("summary cache invalidation failed",
			slog.Int64("product_id", productID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock_tx",
		EntityID: entityID,
		Meta:     meta,
	})
}

func summariesEqual(a, b Summary) bool {
	return a.TotalIn.Equal(b.TotalIn) &&
		a.TotalOut.Equal(b.TotalOut) &&
		a.Balance.Equal(b.Balance) &&
		a.AverageCost.Equal(b.AverageCost) &&
		a.TotalValue.Equal(b.TotalValue)
}

func uniqueProductIDs(lines []ReceiveLineInput) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	var ids []int64
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	// Locks are always taken in ascending id order to avoid deadlocks
	// between multi-product receipts.
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
