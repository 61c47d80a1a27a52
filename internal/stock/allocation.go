package stock

import (
	"sort"

	"github.com/shopspring/decimal"
)

// allocationPlan is the outcome of FIFO planning over a batch snapshot.
// Planning never mutates anything; the service applies the plan inside the
// enclosing transaction only after the whole request is known to fit.
type allocationPlan struct {
	Layers      []LayerUsage
	TotalCost   decimal.Decimal
	AverageCost decimal.Decimal
}

// sortBatchesFIFO orders batches oldest-first, ties broken by ascending id.
// The repository already orders its reads, but the ordering is a costing
// invariant, so it is enforced again here rather than trusted to the store.
func sortBatchesFIFO(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].ReceivedAt.Equal(batches[j].ReceivedAt) {
			return batches[i].ID < batches[j].ID
		}
		return batches[i].ReceivedAt.Before(batches[j].ReceivedAt)
	})
}

// planAllocation selects batch layers to satisfy requested quantity in
// strict FIFO order. It fails with ErrNoStock when no batch has remaining
// quantity and with InsufficientStockError when the total available falls
// short; neither failure touches any batch.
func planAllocation(productID int64, batches []Batch, requested decimal.Decimal) (allocationPlan, error) {
	if !requested.GreaterThan(decimal.Zero) {
		return allocationPlan{}, ErrInvalidQuantity
	}

	available := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.Available() {
			available = append(available, b)
		}
	}
	if len(available) == 0 {
		return allocationPlan{}, ErrNoStock
	}
	sortBatchesFIFO(available)

	totalAvailable := decimal.Zero
	for _, b := range available {
		totalAvailable = totalAvailable.Add(b.RemainingQty)
	}
	if totalAvailable.LessThan(requested) {
		return allocationPlan{}, &InsufficientStockError{
			ProductID: productID,
			Requested: requested,
			Available: totalAvailable,
		}
	}

	plan := allocationPlan{TotalCost: decimal.Zero}
	remaining := requested
	for _, b := range available {
		if !remaining.GreaterThan(decimal.Zero) {
			break
		}
		take := decimal.Min(b.RemainingQty, remaining)
		lineCost := take.Mul(b.UnitCost)
		plan.Layers = append(plan.Layers, LayerUsage{
			BatchID:  b.ID,
			QtyUsed:  take,
			UnitCost: b.UnitCost,
			LineCost: lineCost,
		})
		plan.TotalCost = plan.TotalCost.Add(lineCost)
		remaining = remaining.Sub(take)
	}
	plan.AverageCost = plan.TotalCost.Div(requested)
	return plan, nil
}
