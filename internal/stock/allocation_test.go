package stock

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func day(n int) time.Time {
	return time.Date(2025, time.March, n, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func twoBatches() []Batch {
	return []Batch{
		{ID: 1, ProductID: 7, OriginalQty: dec("5"), RemainingQty: dec("5"), UnitCost: dec("10"), ReceivedAt: day(1)},
		{ID: 2, ProductID: 7, OriginalQty: dec("5"), RemainingQty: dec("5"), UnitCost: dec("12"), ReceivedAt: day(2)},
	}
}

func TestPlanAllocationFIFO(t *testing.T) {
	plan, err := planAllocation(7, twoBatches(), dec("7"))
	require.NoError(t, err)

	require.Len(t, plan.Layers, 2)
	require.Equal(t, int64(1), plan.Layers[0].BatchID)
	require.True(t, plan.Layers[0].QtyUsed.Equal(dec("5")), "oldest batch drained first")
	require.True(t, plan.Layers[0].UnitCost.Equal(dec("10")))
	require.Equal(t, int64(2), plan.Layers[1].BatchID)
	require.True(t, plan.Layers[1].QtyUsed.Equal(dec("2")))
	require.True(t, plan.Layers[1].UnitCost.Equal(dec("12")))

	require.True(t, plan.TotalCost.Equal(dec("74")), "5*10 + 2*12")
	require.True(t, plan.AverageCost.Equal(dec("74").Div(dec("7"))))
}

func TestPlanAllocationInsufficient(t *testing.T) {
	batches := twoBatches()
	_, err := planAllocation(7, batches, dec("11"))

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(7), insufficient.ProductID)
	require.True(t, insufficient.Available.Equal(dec("10")))
	require.True(t, insufficient.Shortfall().Equal(dec("1")))

	// Planning never mutates the snapshot.
	require.True(t, batches[0].RemainingQty.Equal(dec("5")))
	require.True(t, batches[1].RemainingQty.Equal(dec("5")))
}

func TestPlanAllocationNoStock(t *testing.T) {
	_, err := planAllocation(7, nil, dec("1"))
	require.ErrorIs(t, err, ErrNoStock)

	depleted := []Batch{{ID: 1, OriginalQty: dec("5"), RemainingQty: dec("0"), UnitCost: dec("10"), ReceivedAt: day(1)}}
	_, err = planAllocation(7, depleted, dec("1"))
	require.ErrorIs(t, err, ErrNoStock)
}

func TestPlanAllocationInvalidQuantity(t *testing.T) {
	_, err := planAllocation(7, twoBatches(), dec("0"))
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = planAllocation(7, twoBatches(), dec("-3"))
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestPlanAllocationTieBreakByID(t *testing.T) {
	sameDay := []Batch{
		{ID: 9, OriginalQty: dec("4"), RemainingQty: dec("4"), UnitCost: dec("20"), ReceivedAt: day(3)},
		{ID: 3, OriginalQty: dec("4"), RemainingQty: dec("4"), UnitCost: dec("15"), ReceivedAt: day(3)},
	}
	plan, err := planAllocation(1, sameDay, dec("5"))
	require.NoError(t, err)
	require.Equal(t, int64(3), plan.Layers[0].BatchID, "ties broken by ascending id")
	require.True(t, plan.Layers[0].QtyUsed.Equal(dec("4")))
	require.Equal(t, int64(9), plan.Layers[1].BatchID)
	require.True(t, plan.Layers[1].QtyUsed.Equal(dec("1")))
}

func TestPlanAllocationSkipsDepletedBatches(t *testing.T) {
	batches := []Batch{
		{ID: 1, OriginalQty: dec("5"), RemainingQty: dec("0"), UnitCost: dec("10"), ReceivedAt: day(1)},
		{ID: 2, OriginalQty: dec("5"), RemainingQty: dec("5"), UnitCost: dec("12"), ReceivedAt: day(2)},
	}
	plan, err := planAllocation(1, batches, dec("3"))
	require.NoError(t, err)
	require.Len(t, plan.Layers, 1)
	require.Equal(t, int64(2), plan.Layers[0].BatchID)
}

func TestPlanAllocationExactFit(t *testing.T) {
	plan, err := planAllocation(7, twoBatches(), dec("10"))
	require.NoError(t, err)
	require.Len(t, plan.Layers, 2)
	require.True(t, plan.TotalCost.Equal(dec("110")))

	var insufficient *InsufficientStockError
	_, err = planAllocation(7, twoBatches(), dec("10.001"))
	require.True(t, errors.As(err, &insufficient))
}
