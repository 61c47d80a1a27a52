package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates supported ledger movements.
type TransactionType string

const (
	// TransactionTypeInbound represents stock received into the ledger.
	TransactionTypeInbound TransactionType = "IN"
	// TransactionTypeOutbound represents stock consumed by a sale.
	TransactionTypeOutbound TransactionType = "OUT"
	// TransactionTypeAdjustment indicates manual or untracked corrections.
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
	// TransactionTypeReturn indicates an exact FIFO reversal of a prior sale.
	TransactionTypeReturn TransactionType = "RETURN"
)

// Transaction is one immutable ledger entry. Quantity is signed: positive
// increases the balance, negative decreases it. Outbound entries carry the
// blended cost of the batch layers they consumed.
type Transaction struct {
	ID          int64
	ProductID   int64
	Type        TransactionType
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
	TotalCost   decimal.Decimal
	ReferenceID string
	Reference   string
	CreatedAt   time.Time
}

// Batch is a purchase lot tracked for FIFO costing. RemainingQty stays
// within [0, OriginalQty]; consumption decrements it, reversal restores it.
type Batch struct {
	ID           int64
	ProductID    int64
	BatchNo      string
	OriginalQty  decimal.Decimal
	RemainingQty decimal.Decimal
	UnitCost     decimal.Decimal
	ReceivedAt   time.Time
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// Available reports whether the batch can serve new consumption.
func (b Batch) Available() bool {
	return b.RemainingQty.GreaterThan(decimal.Zero)
}

// LayerUsage records the portion of one allocation drawn from one batch.
// The full set for a sale line is what makes exact reversal possible.
type LayerUsage struct {
	BatchID  int64
	QtyUsed  decimal.Decimal
	UnitCost decimal.Decimal
	LineCost decimal.Decimal
}

// Summary is the per-product aggregate derived from the full transaction
// history. It is a cache, never the system of record.
type Summary struct {
	ProductID   int64
	TotalIn     decimal.Decimal
	TotalOut    decimal.Decimal
	Balance     decimal.Decimal
	AverageCost decimal.Decimal
	TotalValue  decimal.Decimal
	UpdatedAt   time.Time
}

// ReceiveLineInput describes one purchase line being received.
type ReceiveLineInput struct {
	ProductID  int64
	Qty        decimal.Decimal
	UnitCost   decimal.Decimal
	ReceivedAt time.Time
	BatchNo    string
	ExpiresAt  *time.Time
}

// ReceiveInput describes a goods receipt for a purchase.
type ReceiveInput struct {
	PurchaseID string
	Reference  string
	ActorID    int64
	Lines      []ReceiveLineInput
}

// AllocateInput describes an outbound request for one sale line.
type AllocateInput struct {
	ProductID  int64
	Qty        decimal.Decimal
	SaleLineID string
	Reference  string
	Note       string
	ActorID    int64
}

// AllocationResult reports the layers consumed by a successful allocation.
type AllocationResult struct {
	TransactionID int64
	Layers        []LayerUsage
	TotalCost     decimal.Decimal
	AverageCost   decimal.Decimal
}

// ReversalMode distinguishes exact FIFO reversals from untracked fallbacks.
type ReversalMode string

const (
	// ReversalModeExact restores the exact batches the sale consumed.
	ReversalModeExact ReversalMode = "exact"
	// ReversalModeUntracked records an adjustment without batch lineage.
	ReversalModeUntracked ReversalMode = "untracked"
)

// ReversalResult reports how a return was applied to the ledger.
type ReversalResult struct {
	Mode           ReversalMode
	TransactionID  int64
	Quantity       decimal.Decimal
	UnitCost       decimal.Decimal
	TotalCost      decimal.Decimal
	SkippedBatches []int64
	ClampedBatches []int64
}

// ValidateItem is one line of a pre-sale availability check.
type ValidateItem struct {
	ProductID int64
	Qty       decimal.Decimal
}

// Shortfall names a product whose balance cannot cover the requested qty.
type Shortfall struct {
	ProductID int64
	Requested decimal.Decimal
	Available decimal.Decimal
	Shortfall decimal.Decimal
}

// ValidationResult aggregates all shortfalls so callers can present the
// complete error list in one response.
type ValidationResult struct {
	Valid           bool
	Balances        map[int64]decimal.Decimal
	Shortfalls      []Shortfall
	UnknownProducts []int64
}

// TransactionFilter narrows ledger listings.
type TransactionFilter struct {
	ProductID int64
	Type      TransactionType
	Limit     int
	Offset    int
}

// ErrNoStock indicates a product has zero available batches.
var ErrNoStock = errors.New("stock: no available batches")

// ErrInvalidQuantity indicates a non-positive quantity.
var ErrInvalidQuantity = errors.New("stock: quantity must be positive")

// ErrInvalidUnitCost indicates a negative unit cost.
var ErrInvalidUnitCost = errors.New("stock: unit cost must be >= 0")

// ErrBatchNotFound indicates an unknown batch id.
var ErrBatchNotFound = errors.New("stock: batch not found")

// ErrLineageNotFound indicates no layer usage was recorded for a sale line,
// so only the untracked fallback can process the return.
var ErrLineageNotFound = errors.New("stock: no layer usage recorded for sale line")

// ErrSummaryNotFound indicates no summary row exists yet for the product.
var ErrSummaryNotFound = errors.New("stock: summary not found")

// InsufficientStockError reports the exact shortfall for a product.
type InsufficientStockError struct {
	ProductID int64
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for product %d: requested %s, available %s (short %s)",
		e.ProductID, e.Requested, e.Available, e.Shortfall())
}

// Shortfall returns the missing quantity.
func (e *InsufficientStockError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// InvariantViolationError reports a batch mutation that would leave
// remaining quantity outside [0, original]. Always an internal defect.
type InvariantViolationError struct {
	BatchID   int64
	Remaining decimal.Decimal
	Original  decimal.Decimal
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("stock: batch %d remaining %s outside [0, %s]", e.BatchID, e.Remaining, e.Original)
}
