package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/northwind-labs/stockledger/internal/shared"
)

// ReverseInput describes an exact return of a previously allocated sale line.
type ReverseInput struct {
	SaleLineID string
	ReturnID   string
	Reference  string
	ActorID    int64
}

// UntrackedReversalInput describes a return with no recorded batch lineage.
type UntrackedReversalInput struct {
	ProductID int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
	ReturnID  string
	Reference string
	ActorID   int64
}

// untrackedReturnReference marks fallback reversals in the ledger so they
// stay distinguishable from exact FIFO reversals in transaction history.
const untrackedReturnReference = "untracked-return"

// ReverseForReturn restores the exact batches a sale line consumed, using
// the layer usage set recorded at allocation time. A batch that no longer
// exists is skipped with a warning rather than failing the whole reversal;
// restoration that would exceed a batch's original quantity is clamped and
// logged as a data-quality warning. When no lineage exists the call fails
// with ErrLineageNotFound and the caller must use ReverseUntracked.
func (s *Service) ReverseForReturn(ctx context.Context, input ReverseInput) (ReversalResult, error) {
	if input.SaleLineID == "" {
		return ReversalResult{}, fmt.Errorf("stock: sale line id required: %w", shared.ErrValidation)
	}

	idemKey := "reverse:" + input.SaleLineID
	insertedKey, err := s.claimKey(ctx, idemKey)
	if err != nil {
		return ReversalResult{}, err
	}

	now := s.now().UTC()
	var result ReversalResult
	var reversedProduct int64

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		productID, layers, err := tx.LayerUsagesBySaleLine(ctx, input.SaleLineID)
		if err != nil {
			return err
		}
		if len(layers) == 0 {
			return ErrLineageNotFound
		}
		if err := tx.LockProduct(ctx, productID); err != nil {
			return err
		}

		totalQty := decimal.Zero
		totalCost := decimal.Zero
		var skipped, clamped []int64

		for _, layer := range layers {
			totalQty = totalQty.Add(layer.QtyUsed)
			totalCost = totalCost.Add(layer.LineCost)

			batch, err := tx.GetBatch(ctx, layer.BatchID)
			if err != nil {
				if errors.Is(err, ErrBatchNotFound) {
					skipped = append(skipped, layer.BatchID)
					s.logger.Warn("reversal skipping missing batch",
						slog.String("sale_line_id", input.SaleLineID),
						slog.Int64("batch_id", layer.BatchID))
					continue
				}
				return err
			}

			applied := layer.QtyUsed
			headroom := batch.OriginalQty.Sub(batch.RemainingQty)
			if applied.GreaterThan(headroom) {
				// Restoring beyond the original quantity means the sale was
				// already reversed or the batch was mutated out of band.
				applied = headroom
				clamped = append(clamped, batch.ID)
				s.logger.Warn("reversal clamped to original batch quantity",
					slog.String("sale_line_id", input.SaleLineID),
					slog.Int64("batch_id", batch.ID),
					slog.String("requested", layer.QtyUsed.String()),
					slog.String("applied", applied.String()))
			}
			if err := tx.SetBatchRemaining(ctx, batch.ID, batch.RemainingQty.Add(applied)); err != nil {
				return err
			}
		}

		unitCost := decimal.Zero
		if totalQty.GreaterThan(decimal.Zero) {
			unitCost = totalCost.Div(totalQty)
		}
		txID, err := tx.InsertTransaction(ctx, Transaction{
			ProductID:   productID,
			Type:        TransactionTypeReturn,
			Quantity:    totalQty,
			UnitCost:    unitCost,
			TotalCost:   totalCost,
			ReferenceID: defaultString(input.ReturnID, input.SaleLineID),
			Reference:   defaultString(input.Reference, "return of sale line "+input.SaleLineID),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := s.recomputeSummary(ctx, tx, productID, now); err != nil {
			return err
		}
		result = ReversalResult{
			Mode:           ReversalModeExact,
			TransactionID:  txID,
			Quantity:       totalQty,
			UnitCost:       unitCost,
			TotalCost:      totalCost,
			SkippedBatches: skipped,
			ClampedBatches: clamped,
		}
		reversedProduct = productID
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, idemKey, insertedKey)
		return ReversalResult{}, err
	}

	s.invalidate(ctx, reversedProduct)
	s.recordAudit(ctx, input.ActorID, "stock:reverse", input.SaleLineID, map[string]any{
		"mode":    string(result.Mode),
		"qty":     result.Quantity.String(),
		"skipped": result.SkippedBatches,
		"clamped": result.ClampedBatches,
	})
	return result, nil
}

// ReverseUntracked records a return for which no layer usage exists. The
// adjustment restores the aggregate balance at the caller's recorded unit
// cost without touching any batch, deliberately trading FIFO precision for
// a complete ledger. The result is flagged so callers can surface the
// reduced audit confidence.
func (s *Service) ReverseUntracked(ctx context.Context, input UntrackedReversalInput) (ReversalResult, error) {
	if input.ProductID == 0 {
		return ReversalResult{}, fmt.Errorf("stock: product required: %w", shared.ErrValidation)
	}
	if !input.Qty.GreaterThan(decimal.Zero) {
		return ReversalResult{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return ReversalResult{}, ErrInvalidUnitCost
	}
	if err := s.checkProduct(ctx, input.ProductID); err != nil {
		return ReversalResult{}, err
	}

	var insertedKey bool
	var idemKey string
	if input.ReturnID != "" {
		idemKey = "reverse-untracked:" + input.ReturnID
		var err error
		insertedKey, err = s.claimKey(ctx, idemKey)
		if err != nil {
			return ReversalResult{}, err
		}
	}

	now := s.now().UTC()
	totalCost := input.Qty.Mul(input.UnitCost)
	var result ReversalResult

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockProduct(ctx, input.ProductID); err != nil {
			return err
		}
		txID, err := tx.InsertTransaction(ctx, Transaction{
			ProductID:   input.ProductID,
			Type:        TransactionTypeAdjustment,
			Quantity:    input.Qty,
			UnitCost:    input.UnitCost,
			TotalCost:   totalCost,
			ReferenceID: input.ReturnID,
			Reference:   untrackedReturnReference,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := s.recomputeSummary(ctx, tx, input.ProductID, now); err != nil {
			return err
		}
		result = ReversalResult{
			Mode:          ReversalModeUntracked,
			TransactionID: txID,
			Quantity:      input.Qty,
			UnitCost:      input.UnitCost,
			TotalCost:     totalCost,
		}
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, idemKey, insertedKey)
		return ReversalResult{}, err
	}

	s.logger.Warn("untracked reversal recorded without batch lineage",
		slog.Int64("product_id", input.ProductID),
		slog.String("qty", input.Qty.String()))
	s.invalidate(ctx, input.ProductID)
	s.recordAudit(ctx, input.ActorID, "stock:reverse-untracked", defaultString(input.ReturnID, untrackedReturnReference), map[string]any{
		"mode":       string(ReversalModeUntracked),
		"product_id": input.ProductID,
		"qty":        input.Qty.String(),
	})
	return result, nil
}
