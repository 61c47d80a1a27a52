package stock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeSummary(t *testing.T) {
	txs := []Transaction{
		{Quantity: dec("10"), UnitCost: dec("100"), TotalCost: dec("1000"), Type: TransactionTypeInbound},
		{Quantity: dec("5"), UnitCost: dec("120"), TotalCost: dec("600"), Type: TransactionTypeInbound},
		{Quantity: dec("-8"), UnitCost: dec("100"), TotalCost: dec("800"), Type: TransactionTypeOutbound},
	}
	s := computeSummary(42, txs, day(10))

	require.Equal(t, int64(42), s.ProductID)
	require.True(t, s.TotalIn.Equal(dec("15")))
	require.True(t, s.TotalOut.Equal(dec("8")))
	require.True(t, s.Balance.Equal(dec("7")))
	// (1000 + 600) / 15
	require.True(t, s.AverageCost.Equal(dec("1600").Div(dec("15"))))
	require.True(t, s.TotalValue.Equal(s.Balance.Mul(s.AverageCost)))
	require.Equal(t, day(10), s.UpdatedAt)
}

func TestComputeSummaryEmpty(t *testing.T) {
	s := computeSummary(1, nil, day(1))
	require.True(t, s.TotalIn.IsZero())
	require.True(t, s.TotalOut.IsZero())
	require.True(t, s.Balance.IsZero())
	require.True(t, s.AverageCost.IsZero())
	require.True(t, s.TotalValue.IsZero())
}

func TestComputeSummaryIdempotent(t *testing.T) {
	txs := []Transaction{
		{Quantity: dec("3"), TotalCost: dec("33"), Type: TransactionTypeInbound},
		{Quantity: dec("-1"), TotalCost: dec("11"), Type: TransactionTypeOutbound},
		{Quantity: dec("1"), TotalCost: dec("11"), Type: TransactionTypeReturn},
	}
	now := time.Date(2025, time.July, 1, 12, 0, 0, 0, time.UTC)
	first := computeSummary(9, txs, now)
	second := computeSummary(9, txs, now)
	require.Equal(t, first, second)
}

func TestComputeSummaryConservation(t *testing.T) {
	txs := []Transaction{
		{Quantity: dec("10"), TotalCost: dec("100"), Type: TransactionTypeInbound},
		{Quantity: dec("-4"), TotalCost: dec("40"), Type: TransactionTypeOutbound},
		{Quantity: dec("4"), TotalCost: dec("40"), Type: TransactionTypeReturn},
		{Quantity: dec("-10"), TotalCost: dec("100"), Type: TransactionTypeOutbound},
	}
	s := computeSummary(3, txs, day(5))
	require.True(t, s.Balance.Equal(s.TotalIn.Sub(s.TotalOut)))
	require.True(t, s.Balance.IsZero())
}
