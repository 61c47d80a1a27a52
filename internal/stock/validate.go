package stock

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ValidateAvailability checks aggregate availability for every line of a
// multi-line sale before allocation is attempted. All shortfalls are
// collected rather than failing fast so the caller can present the complete
// error list in one response. Balances are read from the summary rows,
// which are updated in the same transaction as every committed movement.
func (s *Service) ValidateAvailability(ctx context.Context, items []ValidateItem) (ValidationResult, error) {
	result := ValidationResult{
		Valid:    true,
		Balances: make(map[int64]decimal.Decimal),
	}
	if len(items) == 0 {
		return result, nil
	}

	requested := make(map[int64]decimal.Decimal)
	var order []int64
	for _, item := range items {
		if item.ProductID == 0 || !item.Qty.GreaterThan(decimal.Zero) {
			return ValidationResult{}, ErrInvalidQuantity
		}
		if _, seen := requested[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		requested[item.ProductID] = requested[item.ProductID].Add(item.Qty)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	for _, productID := range order {
		if s.products != nil {
			ok, err := s.products.Exists(ctx, productID)
			if err != nil {
				return ValidationResult{}, err
			}
			if !ok {
				result.Valid = false
				result.UnknownProducts = append(result.UnknownProducts, productID)
				continue
			}
		}
		balance := decimal.Zero
		summary, err := s.repo.GetSummary(ctx, productID)
		switch {
		case err == nil:
			balance = summary.Balance
		case errors.Is(err, ErrSummaryNotFound):
			// No movements yet: balance stays zero.
		default:
			return ValidationResult{}, err
		}
		result.Balances[productID] = balance

		want := requested[productID]
		if balance.LessThan(want) {
			result.Valid = false
			result.Shortfalls = append(result.Shortfalls, Shortfall{
				ProductID: productID,
				Requested: want,
				Available: balance,
				Shortfall: want.Sub(balance),
			})
		}
	}
	return result, nil
}
