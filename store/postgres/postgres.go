/*
Package postgres provides a PostgreSQL implementation of ledger.Store on pgx.

PURPOSE:
  Production store for deployments running more than one server process.
  Same tables and chain order as store/sqlite.

CONCURRENCY:
  Units of work run at READ COMMITTED. LockProduct takes the product row
  FOR UPDATE, so two processes mutating the same product queue on that row
  lock even when the per-product Redis lock is not configured. Every chain
  query inside the unit of work runs after the row lock is held and
  therefore sees every earlier committed mutation of the product.

NUMERICS:
  Amounts are NUMERIC(20,8) for quantities and NUMERIC(20,4) for costs.
  They travel as text ($n::text::numeric on the way in, col::text on the
  way out) and are parsed with shopspring/decimal.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: the single-node store
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/inventory-ledger/ledger"
)

type Store struct {
	pool *pgxpool.Pool
}

// New connects, pings and migrates.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		sku VARCHAR(64) NOT NULL UNIQUE,
		current_quantity NUMERIC(20,8) NOT NULL DEFAULT 0,
		current_wac NUMERIC(20,4) NOT NULL DEFAULT 0,
		total_cost NUMERIC(20,4) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS product_transactions (
		id BIGSERIAL PRIMARY KEY,
		product_id BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		product_name VARCHAR(255) NOT NULL,
		product_sku VARCHAR(64) NOT NULL,
		transaction_type SMALLINT NOT NULL CHECK (transaction_type IN (1, 2)),
		transaction_date DATE NOT NULL,
		quantity NUMERIC(20,8) NOT NULL,
		cost_per_unit NUMERIC(20,4) NOT NULL,
		total_cost NUMERIC(20,4) NOT NULL,
		quantity_before NUMERIC(20,8) NOT NULL,
		quantity_after NUMERIC(20,8) NOT NULL,
		wac_before NUMERIC(20,4) NOT NULL,
		wac_after NUMERIC(20,4) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_product_transactions_chain
		ON product_transactions(product_id, transaction_date, id);

	CREATE INDEX IF NOT EXISTS idx_product_transactions_type
		ON product_transactions(product_id, transaction_type, transaction_date);
	`)
	return err
}

// =============================================================================
// ROWS
// =============================================================================

type productRow struct {
	ID              int64     `db:"id"`
	Name            string    `db:"name"`
	SKU             string    `db:"sku"`
	CurrentQuantity string    `db:"current_quantity"`
	CurrentWAC      string    `db:"current_wac"`
	TotalCost       string    `db:"total_cost"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

const productColumns = `id, name, sku,
	current_quantity::text AS current_quantity, current_wac::text AS current_wac,
	total_cost::text AS total_cost, created_at, updated_at`

func (r productRow) toProduct() (ledger.Product, error) {
	p := ledger.Product{
		ID:        ledger.ProductID(r.ID),
		Name:      r.Name,
		SKU:       r.SKU,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	var err error
	if p.CurrentQuantity, err = decimal.NewFromString(r.CurrentQuantity); err != nil {
		return p, fmt.Errorf("product %d current_quantity: %w", r.ID, err)
	}
	if p.CurrentWAC, err = decimal.NewFromString(r.CurrentWAC); err != nil {
		return p, fmt.Errorf("product %d current_wac: %w", r.ID, err)
	}
	if p.TotalCost, err = decimal.NewFromString(r.TotalCost); err != nil {
		return p, fmt.Errorf("product %d total_cost: %w", r.ID, err)
	}
	return p, nil
}

type transactionRow struct {
	ID             int64     `db:"id"`
	ProductID      int64     `db:"product_id"`
	ProductName    string    `db:"product_name"`
	ProductSKU     string    `db:"product_sku"`
	Type           int16     `db:"transaction_type"`
	Date           string    `db:"transaction_date"`
	Quantity       string    `db:"quantity"`
	UnitCost       string    `db:"cost_per_unit"`
	TotalCost      string    `db:"total_cost"`
	QuantityBefore string    `db:"quantity_before"`
	QuantityAfter  string    `db:"quantity_after"`
	WACBefore      string    `db:"wac_before"`
	WACAfter       string    `db:"wac_after"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

const transactionColumns = `id, product_id, product_name, product_sku, transaction_type,
	transaction_date::text AS transaction_date,
	quantity::text AS quantity, cost_per_unit::text AS cost_per_unit, total_cost::text AS total_cost,
	quantity_before::text AS quantity_before, quantity_after::text AS quantity_after,
	wac_before::text AS wac_before, wac_after::text AS wac_after,
	created_at, updated_at`

func (r transactionRow) toTransaction() (ledger.Transaction, error) {
	tx := ledger.Transaction{
		ID:          ledger.TransactionID(r.ID),
		ProductID:   ledger.ProductID(r.ProductID),
		ProductName: r.ProductName,
		ProductSKU:  r.ProductSKU,
		Type:        ledger.TransactionType(r.Type),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	date, err := ledger.ParseDate(r.Date)
	if err != nil {
		return tx, fmt.Errorf("transaction %d: %w", r.ID, err)
	}
	tx.Date = date

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&tx.Quantity, r.Quantity},
		{&tx.UnitCost, r.UnitCost},
		{&tx.TotalCost, r.TotalCost},
		{&tx.QuantityBefore, r.QuantityBefore},
		{&tx.QuantityAfter, r.QuantityAfter},
		{&tx.WACBefore, r.WACBefore},
		{&tx.WACAfter, r.WACAfter},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return tx, fmt.Errorf("transaction %d: %w", r.ID, err)
		}
	}
	return tx, nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// =============================================================================
// STORE (ledger.Store interface)
// =============================================================================

func (s *Store) CreateProduct(ctx context.Context, p ledger.Product) (ledger.Product, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO products (name, sku, current_quantity, current_wac, total_cost, created_at, updated_at)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5::text::numeric, $6, $7)
		RETURNING id`,
		p.Name, p.SKU, p.CurrentQuantity.String(), p.CurrentWAC.String(), p.TotalCost.String(),
		p.CreatedAt, p.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Product{}, ledger.ErrDuplicateSKU
		}
		return ledger.Product{}, fmt.Errorf("failed to create product: %w", err)
	}
	p.ID = ledger.ProductID(id)
	return p, nil
}

func (s *Store) Product(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return getProduct(ctx, s.pool, id, false)
}

func (s *Store) ListProducts(ctx context.Context, page ledger.Page) ([]ledger.Product, int, error) {
	page = page.Normalize()

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY id LIMIT $1 OFFSET $2`,
		page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[productRow])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan products: %w", err)
	}

	out := make([]ledger.Product, 0, len(collected))
	for _, r := range collected {
		p, err := r.toProduct()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, nil
}

func (s *Store) Transaction(ctx context.Context, productID ledger.ProductID, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, s.pool, productID, id)
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	page := filter.Page.Normalize()

	// type 0 disables the filter
	where := `WHERE product_id = $1 AND ($2::int = 0 OR transaction_type = $2::int)`
	args := []any{int64(filter.ProductID), int(filter.Type)}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM product_transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	txs, err := query(ctx, s.pool, `SELECT `+transactionColumns+` FROM product_transactions `+where+`
		ORDER BY transaction_date DESC, id DESC LIMIT $3 OFFSET $4`,
		append(args, page.PerPage, page.Offset())...)
	return txs, total, err
}

func (s *Store) Chain(ctx context.Context, productID ledger.ProductID) ([]ledger.Transaction, error) {
	return after(ctx, s.pool, productID, ledger.Origin)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.TxStore) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) LockProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return getProduct(ctx, t.tx, id, true)
}

func (t *txStore) UpdateProductState(ctx context.Context, id ledger.ProductID, st ledger.RunningState) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE products SET
			current_quantity = $1::text::numeric,
			current_wac = $2::text::numeric,
			total_cost = $3::text::numeric,
			updated_at = now()
		WHERE id = $4`,
		st.Quantity.String(), st.WAC.String(), st.TotalCost().String(), int64(id))
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrProductNotFound
	}
	return nil
}

func (t *txStore) Transaction(ctx context.Context, productID ledger.ProductID, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, t.tx, productID, id)
}

func (t *txStore) Latest(ctx context.Context, productID ledger.ProductID) (*ledger.Transaction, error) {
	return first(ctx, t.tx, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE product_id = $1
		ORDER BY transaction_date DESC, id DESC LIMIT 1`, int64(productID))
}

func (t *txStore) Previous(ctx context.Context, productID ledger.ProductID, pos ledger.Position) (*ledger.Transaction, error) {
	return first(ctx, t.tx, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE product_id = $1 AND (transaction_date, id) < ($2::text::date, $3)
		ORDER BY transaction_date DESC, id DESC LIMIT 1`,
		int64(productID), pos.Date.String(), int64(pos.ID))
}

func (t *txStore) Next(ctx context.Context, productID ledger.ProductID, pos ledger.Position) (*ledger.Transaction, error) {
	return first(ctx, t.tx, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE product_id = $1 AND (transaction_date, id) > ($2::text::date, $3)
		ORDER BY transaction_date ASC, id ASC LIMIT 1`,
		int64(productID), pos.Date.String(), int64(pos.ID))
}

func (t *txStore) After(ctx context.Context, productID ledger.ProductID, pos ledger.Position) ([]ledger.Transaction, error) {
	return after(ctx, t.tx, productID, pos)
}

func (t *txStore) CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO product_transactions
		(product_id, product_name, product_sku, transaction_type, transaction_date,
		 quantity, cost_per_unit, total_cost, quantity_before, quantity_after, wac_before, wac_after,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::text::date,
		 $6::text::numeric, $7::text::numeric, $8::text::numeric,
		 $9::text::numeric, $10::text::numeric, $11::text::numeric, $12::text::numeric,
		 $13, $14)
		RETURNING id`,
		int64(tx.ProductID), tx.ProductName, tx.ProductSKU, int16(tx.Type), tx.Date.String(),
		tx.Quantity.String(), tx.UnitCost.String(), tx.TotalCost.String(),
		tx.QuantityBefore.String(), tx.QuantityAfter.String(), tx.WACBefore.String(), tx.WACAfter.String(),
		tx.CreatedAt, tx.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	tx.ID = ledger.TransactionID(id)
	return tx, nil
}

func (t *txStore) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE product_transactions SET
			quantity = $1::text::numeric, cost_per_unit = $2::text::numeric, total_cost = $3::text::numeric,
			quantity_before = $4::text::numeric, quantity_after = $5::text::numeric,
			wac_before = $6::text::numeric, wac_after = $7::text::numeric,
			updated_at = $8
		WHERE id = $9 AND product_id = $10`,
		tx.Quantity.String(), tx.UnitCost.String(), tx.TotalCost.String(),
		tx.QuantityBefore.String(), tx.QuantityAfter.String(), tx.WACBefore.String(), tx.WACAfter.String(),
		tx.UpdatedAt, int64(tx.ID), int64(tx.ProductID),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", tx.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (t *txStore) DeleteTransaction(ctx context.Context, productID ledger.ProductID, id ledger.TransactionID) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM product_transactions WHERE id = $1 AND product_id = $2`, int64(id), int64(productID))
	if err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

func getProduct(ctx context.Context, q querier, id ledger.ProductID, forUpdate bool) (ledger.Product, error) {
	sql := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, int64(id))
	if err != nil {
		return ledger.Product{}, fmt.Errorf("failed to load product %d: %w", id, err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[productRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Product{}, ledger.ErrProductNotFound
	}
	if err != nil {
		return ledger.Product{}, fmt.Errorf("failed to load product %d: %w", id, err)
	}
	return row.toProduct()
}

func getTransaction(ctx context.Context, q querier, productID ledger.ProductID, id ledger.TransactionID) (ledger.Transaction, error) {
	tx, err := first(ctx, q, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE id = $1 AND product_id = $2`, int64(id), int64(productID))
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx == nil {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return *tx, nil
}

func after(ctx context.Context, q querier, productID ledger.ProductID, pos ledger.Position) ([]ledger.Transaction, error) {
	return query(ctx, q, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE product_id = $1 AND (transaction_date, id) > ($2::text::date, $3)
		ORDER BY transaction_date ASC, id ASC`,
		int64(productID), pos.Date.String(), int64(pos.ID))
}

// first returns the first row of the result, or nil.
func first(ctx context.Context, q querier, sql string, args ...any) (*ledger.Transaction, error) {
	txs, err := query(ctx, q, sql, args...)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func query(ctx context.Context, q querier, sql string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[transactionRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}
	out := make([]ledger.Transaction, 0, len(collected))
	for _, r := range collected {
		tx, err := r.toTransaction()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
