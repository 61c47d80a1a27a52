package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

// computeSummary replays the complete transaction history for a product.
// Full replay instead of incremental update keeps the aggregate reconcilable
// against the ledger at any point; the numbers here feed costing reports and
// must stay auditable.
func computeSummary(productID int64, txs []Transaction, now time.Time) Summary {
	totalIn := decimal.Zero
	totalOut := decimal.Zero
	inboundCost := decimal.Zero

	for _, tx := range txs {
		switch {
		case tx.Quantity.GreaterThan(decimal.Zero):
			totalIn = totalIn.Add(tx.Quantity)
			inboundCost = inboundCost.Add(tx.TotalCost)
		case tx.Quantity.LessThan(decimal.Zero):
			totalOut = totalOut.Add(tx.Quantity.Neg())
		}
	}

	avgCost := decimal.Zero
	if totalIn.GreaterThan(decimal.Zero) {
		avgCost = inboundCost.Div(totalIn)
	}
	balance := totalIn.Sub(totalOut)

	return Summary{
		ProductID:   productID,
		TotalIn:     totalIn,
		TotalOut:    totalOut,
		Balance:     balance,
		AverageCost: avgCost,
		TotalValue:  balance.Mul(avgCost),
		UpdatedAt:   now,
	}
}
