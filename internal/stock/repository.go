package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository persists the ledger, batches, layer usage and summaries in
// PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service. All
// mutation of a product's batches, ledger and summary happens through one
// transaction so a rollback leaves no partial movement observable.
type TxRepository interface {
	// LockProduct serialises writers for one product. It takes a row lock
	// on the product's summary row (creating a zero row when missing) and
	// holds it until commit or rollback.
	LockProduct(ctx context.Context, productID int64) error
	InsertTransaction(ctx context.Context, tx Transaction) (int64, error)
	InsertBatch(ctx context.Context, b Batch) (int64, error)
	ListAvailableBatches(ctx context.Context, productID int64) ([]Batch, error)
	GetBatch(ctx context.Context, batchID int64) (Batch, error)
	SetBatchRemaining(ctx context.Context, batchID int64, remaining decimal.Decimal) error
	InsertLayerUsages(ctx context.Context, saleLineID string, productID int64, layers []LayerUsage) error
	LayerUsagesBySaleLine(ctx context.Context, saleLineID string) (int64, []LayerUsage, error)
	ListTransactionsByProduct(ctx context.Context, productID int64) ([]Transaction, error)
	UpsertSummary(ctx context.Context, s Summary) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a read-committed transaction. Correctness
// relies on LockProduct being taken before any product state is read:
// lock-then-read always observes the latest committed movement.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (r *txRepo) LockProduct(ctx context.Context, productID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_summaries (product_id, total_in, total_out, balance, average_cost, total_value, updated_at)
VALUES ($1, 0, 0, 0, 0, 0, NOW()) ON CONFLICT (product_id) DO NOTHING`, productID)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `SELECT product_id FROM stock_summaries WHERE product_id = $1 FOR UPDATE`, productID)
	return err
}

func (r *txRepo) InsertTransaction(ctx context.Context, t Transaction) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_transactions (product_id, tx_type, qty, unit_cost, total_cost, reference_id, reference, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		t.ProductID, string(t.Type), t.Quantity, t.UnitCost, t.TotalCost, t.ReferenceID, t.Reference, t.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepo) InsertBatch(ctx context.Context, b Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_batches (product_id, batch_no, original_qty, remaining_qty, unit_cost, received_at, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		b.ProductID, b.BatchNo, b.OriginalQty, b.RemainingQty, b.UnitCost, b.ReceivedAt, b.ExpiresAt, b.CreatedAt).Scan(&id)
	return id, err
}

const batchColumns = `id, product_id, batch_no, original_qty, remaining_qty, unit_cost, received_at, expires_at, created_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.ProductID, &b.BatchNo, &b.OriginalQty, &b.RemainingQty, &b.UnitCost, &b.ReceivedAt, &b.ExpiresAt, &b.CreatedAt)
	return b, err
}

func collectBatches(rows pgx.Rows) ([]Batch, error) {
	defer rows.Close()
	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *txRepo) ListAvailableBatches(ctx context.Context, productID int64) ([]Batch, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+batchColumns+` FROM stock_batches
WHERE product_id = $1 AND remaining_qty > 0 ORDER BY received_at, id FOR UPDATE`, productID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

func (r *txRepo) GetBatch(ctx context.Context, batchID int64) (Batch, error) {
	b, err := scanBatch(r.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id = $1 FOR UPDATE`, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

// SetBatchRemaining writes the new remaining quantity. The WHERE clause
// re-checks the [0, original] invariant so a racing or buggy caller can
// never persist an out-of-range value.
func (r *txRepo) SetBatchRemaining(ctx context.Context, batchID int64, remaining decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_batches SET remaining_qty = $2
WHERE id = $1 AND $2 >= 0 AND $2 <= original_qty`, batchID, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		b, getErr := r.GetBatch(ctx, batchID)
		if getErr != nil {
			return getErr
		}
		return &InvariantViolationError{BatchID: batchID, Remaining: remaining, Original: b.OriginalQty}
	}
	return nil
}

func (r *txRepo) InsertLayerUsages(ctx context.Context, saleLineID string, productID int64, layers []LayerUsage) error {
	for _, layer := range layers {
		_, err := r.tx.Exec(ctx, `INSERT INTO stock_layer_usages (sale_line_id, product_id, batch_id, qty_used, unit_cost, line_cost, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())`, saleLineID, productID, layer.BatchID, layer.QtyUsed, layer.UnitCost, layer.LineCost)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepo) LayerUsagesBySaleLine(ctx context.Context, saleLineID string) (int64, []LayerUsage, error) {
	rows, err := r.tx.Query(ctx, `SELECT product_id, batch_id, qty_used, unit_cost, line_cost
FROM stock_layer_usages WHERE sale_line_id = $1 ORDER BY id`, saleLineID)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	var productID int64
	var layers []LayerUsage
	for rows.Next() {
		var layer LayerUsage
		if err := rows.Scan(&productID, &layer.BatchID, &layer.QtyUsed, &layer.UnitCost, &layer.LineCost); err != nil {
			return 0, nil, err
		}
		layers = append(layers, layer)
	}
	return productID, layers, rows.Err()
}

const transactionColumns = `id, product_id, tx_type, qty, unit_cost, total_cost, reference_id, reference, created_at`

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	defer rows.Close()
	var txs []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.ProductID, &t.Type, &t.Quantity, &t.UnitCost, &t.TotalCost, &t.ReferenceID, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (r *txRepo) ListTransactionsByProduct(ctx context.Context, productID int64) ([]Transaction, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+transactionColumns+` FROM stock_transactions
WHERE product_id = $1 ORDER BY id`, productID)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

func (r *txRepo) UpsertSummary(ctx context.Context, s Summary) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_summaries (product_id, total_in, total_out, balance, average_cost, total_value, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (product_id) DO UPDATE SET
  total_in = EXCLUDED.total_in,
  total_out = EXCLUDED.total_out,
  balance = EXCLUDED.balance,
  average_cost = EXCLUDED.average_cost,
  total_value = EXCLUDED.total_value,
  updated_at = EXCLUDED.updated_at`,
		s.ProductID, s.TotalIn, s.TotalOut, s.Balance, s.AverageCost, s.TotalValue, s.UpdatedAt)
	return err
}

// GetSummary reads the committed summary row for a product.
func (r *Repository) GetSummary(ctx context.Context, productID int64) (Summary, error) {
	var s Summary
	err := r.pool.QueryRow(ctx, `SELECT product_id, total_in, total_out, balance, average_cost, total_value, updated_at
FROM stock_summaries WHERE product_id = $1`, productID).
		Scan(&s.ProductID, &s.TotalIn, &s.TotalOut, &s.Balance, &s.AverageCost, &s.TotalValue, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, ErrSummaryNotFound
		}
		return Summary{}, err
	}
	return s, nil
}

// ListTransactions returns ledger entries for reporting, newest first.
func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` FROM stock_transactions
WHERE product_id = $1 AND ($2 = '' OR tx_type = $2)
ORDER BY id DESC LIMIT $3 OFFSET $4`, filter.ProductID, string(filter.Type), limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// CountTransactions reports the total ledger entries matching the filter.
func (r *Repository) CountTransactions(ctx context.Context, filter TransactionFilter) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_transactions
WHERE product_id = $1 AND ($2 = '' OR tx_type = $2)`, filter.ProductID, string(filter.Type)).Scan(&total)
	return total, err
}

// ListAvailableBatches returns a point-in-time view of consumable batches
// in FIFO order, without locking.
func (r *Repository) ListAvailableBatches(ctx context.Context, productID int64) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM stock_batches
WHERE product_id = $1 AND remaining_qty > 0 ORDER BY received_at, id`, productID)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListExpiringBatches returns batches with stock on hand expiring before the cutoff.
func (r *Repository) ListExpiringBatches(ctx context.Context, before time.Time) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM stock_batches
WHERE remaining_qty > 0 AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY expires_at, id`, before)
	if err != nil {
		return nil, err
	}
	return collectBatches(rows)
}

// ListProductIDs returns every product id present in the ledger.
func (r *Repository) ListProductIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT product_id FROM stock_transactions ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SumBatchRemaining totals remaining quantity across all batches of a
// product, used by reconciliation to check conservation against the ledger.
func (r *Repository) SumBatchRemaining(ctx context.Context, productID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(remaining_qty), 0) FROM stock_batches WHERE product_id = $1`, productID).Scan(&total)
	return total, err
}
