/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists products and their transaction chains. Every chain query uses the
  (transaction_date, id) order, backed by idx_product_transactions_chain.

KEY TABLES:
  products:             Catalog row plus the current-state projection
  product_transactions: One row per purchase or sale with its snapshots

DECIMALS:
  Amounts are stored as TEXT at their fixed scale (8 places for quantities,
  4 for costs) and parsed with shopspring/decimal. Nothing passes through
  REAL, so a replayed chain reads back exactly as it was written.

CONCURRENCY:
  The DSN sets _txlock=immediate so BEGIN takes the database write lock;
  two processes sharing a file serialize at the start of a unit of work
  instead of failing at commit. Inside one process writers also queue on
  writeMu so they do not spin on SQLITE_BUSY. Readers are not blocked
  (WAL for file databases).

  Methods of txStore only ever touch the *sqlx.Tx they were created with.
  Calling back into Store from inside WithTx would need a second
  connection, which ":memory:" databases (one connection) do not have.

USAGE:
  store, err := sqlite.New("./data/inventory.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coordinator := ledger.NewCoordinator(store, lock.NewLocal())

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/postgres: the same interface on PostgreSQL
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/inventory-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db      *sqlx.DB
	writeMu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	memory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to ":memory:" is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		sku TEXT NOT NULL UNIQUE,
		current_quantity TEXT NOT NULL DEFAULT '0',
		current_wac TEXT NOT NULL DEFAULT '0',
		total_cost TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- AUTOINCREMENT: ids are never reused, so id is a safe same-day tiebreak
	CREATE TABLE IF NOT EXISTS product_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
		product_name TEXT NOT NULL,
		product_sku TEXT NOT NULL,
		transaction_type INTEGER NOT NULL CHECK (transaction_type IN (1, 2)),
		transaction_date TEXT NOT NULL,
		quantity TEXT NOT NULL,
		cost_per_unit TEXT NOT NULL,
		total_cost TEXT NOT NULL,
		quantity_before TEXT NOT NULL,
		quantity_after TEXT NOT NULL,
		wac_before TEXT NOT NULL,
		wac_after TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Chain order (hot path for every mutation)
	CREATE INDEX IF NOT EXISTS idx_product_transactions_chain
		ON product_transactions(product_id, transaction_date, id);

	-- Listing filtered by type
	CREATE INDEX IF NOT EXISTS idx_product_transactions_type
		ON product_transactions(product_id, transaction_type, transaction_date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ROWS
// =============================================================================

type productRow struct {
	ID              int64  `db:"id"`
	Name            string `db:"name"`
	SKU             string `db:"sku"`
	CurrentQuantity string `db:"current_quantity"`
	CurrentWAC      string `db:"current_wac"`
	TotalCost       string `db:"total_cost"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

const productColumns = `id, name, sku, current_quantity, current_wac, total_cost, created_at, updated_at`

func (r productRow) toProduct() (ledger.Product, error) {
	var p ledger.Product
	var err error
	p.ID = ledger.ProductID(r.ID)
	p.Name = r.Name
	p.SKU = r.SKU
	if p.CurrentQuantity, err = decimal.NewFromString(r.CurrentQuantity); err != nil {
		return p, fmt.Errorf("product %d current_quantity: %w", r.ID, err)
	}
	if p.CurrentWAC, err = decimal.NewFromString(r.CurrentWAC); err != nil {
		return p, fmt.Errorf("product %d current_wac: %w", r.ID, err)
	}
	if p.TotalCost, err = decimal.NewFromString(r.TotalCost); err != nil {
		return p, fmt.Errorf("product %d total_cost: %w", r.ID, err)
	}
	p.CreatedAt = parseTime(r.CreatedAt)
	p.UpdatedAt = parseTime(r.UpdatedAt)
	return p, nil
}

type transactionRow struct {
	ID             int64  `db:"id"`
	ProductID      int64  `db:"product_id"`
	ProductName    string `db:"product_name"`
	ProductSKU     string `db:"product_sku"`
	Type           int    `db:"transaction_type"`
	Date           string `db:"transaction_date"`
	Quantity       string `db:"quantity"`
	UnitCost       string `db:"cost_per_unit"`
	TotalCost      string `db:"total_cost"`
	QuantityBefore string `db:"quantity_before"`
	QuantityAfter  string `db:"quantity_after"`
	WACBefore      string `db:"wac_before"`
	WACAfter       string `db:"wac_after"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
}

const transactionColumns = `id, product_id, product_name, product_sku, transaction_type, transaction_date,
	quantity, cost_per_unit, total_cost, quantity_before, quantity_after, wac_before, wac_after,
	created_at, updated_at`

func (r transactionRow) toTransaction() (ledger.Transaction, error) {
	tx := ledger.Transaction{
		ID:          ledger.TransactionID(r.ID),
		ProductID:   ledger.ProductID(r.ProductID),
		ProductName: r.ProductName,
		ProductSKU:  r.ProductSKU,
		Type:        ledger.TransactionType(r.Type),
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}
	date, err := ledger.ParseDate(r.Date)
	if err != nil {
		return tx, fmt.Errorf("transaction %d: %w", r.ID, err)
	}
	tx.Date = date

	fields := []struct {
		dst  *decimal.Decimal
		src  string
		name string
	}{
		{&tx.Quantity, r.Quantity, "quantity"},
		{&tx.UnitCost, r.UnitCost, "cost_per_unit"},
		{&tx.TotalCost, r.TotalCost, "total_cost"},
		{&tx.QuantityBefore, r.QuantityBefore, "quantity_before"},
		{&tx.QuantityAfter, r.QuantityAfter, "quantity_after"},
		{&tx.WACBefore, r.WACBefore, "wac_before"},
		{&tx.WACAfter, r.WACAfter, "wac_after"},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return tx, fmt.Errorf("transaction %d %s: %w", r.ID, f.name, err)
		}
		*f.dst = d
	}
	return tx, nil
}

func toTransactions(rows []transactionRow) ([]ledger.Transaction, error) {
	out := make([]ledger.Transaction, 0, len(rows))
	for _, r := range rows {
		tx, err := r.toTransaction()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// =============================================================================
// STORE (ledger.Store interface)
// =============================================================================

func (s *Store) CreateProduct(ctx context.Context, p ledger.Product) (ledger.Product, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO products (name, sku, current_quantity, current_wac, total_cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.SKU,
		quantityText(p.CurrentQuantity), costText(p.CurrentWAC), costText(p.TotalCost),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Product{}, ledger.ErrDuplicateSKU
		}
		return ledger.Product{}, fmt.Errorf("failed to create product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Product{}, fmt.Errorf("failed to read product id: %w", err)
	}
	p.ID = ledger.ProductID(id)
	return p, nil
}

func (s *Store) Product(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return getProduct(ctx, s.db, id)
}

func (s *Store) ListProducts(ctx context.Context, page ledger.Page) ([]ledger.Product, int, error) {
	page = page.Normalize()

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM products`); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	var rows []productRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+productColumns+` FROM products ORDER BY id LIMIT ? OFFSET ?`,
		page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", err)
	}

	out := make([]ledger.Product, 0, len(rows))
	for _, r := range rows {
		p, err := r.toProduct()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, nil
}

func (s *Store) Transaction(ctx context.Context, productID ledger.ProductID, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, s.db, productID, id)
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	page := filter.Page.Normalize()
	where := `WHERE product_id = ?`
	args := []any{filter.ProductID}
	if filter.Type != 0 {
		where += ` AND transaction_type = ?`
		args = append(args, int(filter.Type))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM product_transactions `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var rows []transactionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+transactionColumns+` FROM product_transactions `+where+`
		ORDER BY transaction_date DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, page.PerPage, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	txs, err := toTransactions(rows)
	return txs, total, err
}

func (s *Store) Chain(ctx context.Context, productID ledger.ProductID) ([]ledger.Transaction, error) {
	return after(ctx, s.db, productID, ledger.Origin)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.TxStore) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sqlx.Tx
}

// LockProduct reads the product. The write lock was already taken by
// BEGIN IMMEDIATE.
func (t *txStore) LockProduct(ctx context.Context, id ledger.ProductID) (ledger.Product, error) {
	return getProduct(ctx, t.tx, id)
}

func (t *txStore) UpdateProductState(ctx context.Context, id ledger.ProductID, st ledger.RunningState) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products SET current_quantity = ?, current_wac = ?, total_cost = ?, updated_at = ?
		WHERE id = ?`,
		quantityText(st.Quantity), costText(st.WAC), costText(st.TotalCost()),
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	return expectOne(res, ledger.ErrProductNotFound)
}

func (t *txStore) Transaction(ctx context.Context, productID ledger.ProductID, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, t.tx, productID, id)
}

func (t *txStore) Latest(ctx context.Context, productID ledger.ProductID) (*ledger.Transaction, error) {
	return one(ctx, t.tx, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE product_id = ?
		ORDER BY transaction_date DESC, id DESC LIMIT 1`, productID)
}

func (t *txStore) Previous(ctx context.Context, productID ledger.ProductID, pos ledger.Position) (*ledger.Transaction, error) {
	d := pos.Date.String()
	return one(ctx, t.tx, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE product_id = ? AND (transaction_date < ? OR (transaction_date = ? AND id < ?))
		ORDER BY transaction_date DESC, id DESC LIMIT 1`, productID, d, d, int64(pos.ID))
}

func (t *txStore) Next(ctx context.Context, productID ledger.ProductID, pos ledger.Position) (*ledger.Transaction, error) {
	d := pos.Date.String()
	return one(ctx, t.tx, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE product_id = ? AND (transaction_date > ? OR (transaction_date = ? AND id > ?))
		ORDER BY transaction_date ASC, id ASC LIMIT 1`, productID, d, d, int64(pos.ID))
}

func (t *txStore) After(ctx context.Context, productID ledger.ProductID, pos ledger.Position) ([]ledger.Transaction, error) {
	return after(ctx, t.tx, productID, pos)
}

func (t *txStore) CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO product_transactions
		(product_id, product_name, product_sku, transaction_type, transaction_date,
		 quantity, cost_per_unit, total_cost, quantity_before, quantity_after, wac_before, wac_after,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ProductID, tx.ProductName, tx.ProductSKU, int(tx.Type), tx.Date.String(),
		quantityText(tx.Quantity), costText(tx.UnitCost), costText(tx.TotalCost),
		quantityText(tx.QuantityBefore), quantityText(tx.QuantityAfter),
		costText(tx.WACBefore), costText(tx.WACAfter),
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to read transaction id: %w", err)
	}
	tx.ID = ledger.TransactionID(id)
	return tx, nil
}

func (t *txStore) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE product_transactions SET
			quantity = ?, cost_per_unit = ?, total_cost = ?,
			quantity_before = ?, quantity_after = ?, wac_before = ?, wac_after = ?,
			updated_at = ?
		WHERE id = ? AND product_id = ?`,
		quantityText(tx.Quantity), costText(tx.UnitCost), costText(tx.TotalCost),
		quantityText(tx.QuantityBefore), quantityText(tx.QuantityAfter),
		costText(tx.WACBefore), costText(tx.WACAfter),
		formatTime(tx.UpdatedAt), tx.ID, tx.ProductID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", tx.ID, err)
	}
	return expectOne(res, ledger.ErrTransactionNotFound)
}

func (t *txStore) DeleteTransaction(ctx context.Context, productID ledger.ProductID, id ledger.TransactionID) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM product_transactions WHERE id = ? AND product_id = ?`, id, productID)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %d: %w", id, err)
	}
	return expectOne(res, ledger.ErrTransactionNotFound)
}

// =============================================================================
// SHARED QUERIES - Run on *sqlx.DB or *sqlx.Tx
// =============================================================================

func getProduct(ctx context.Context, q sqlx.QueryerContext, id ledger.ProductID) (ledger.Product, error) {
	var row productRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Product{}, ledger.ErrProductNotFound
	}
	if err != nil {
		return ledger.Product{}, fmt.Errorf("failed to load product %d: %w", id, err)
	}
	return row.toProduct()
}

func getTransaction(ctx context.Context, q sqlx.QueryerContext, productID ledger.ProductID, id ledger.TransactionID) (ledger.Transaction, error) {
	tx, err := one(ctx, q, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE id = ? AND product_id = ?`, id, productID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if tx == nil {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return *tx, nil
}

// one returns the single matching row, or nil.
func one(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*ledger.Transaction, error) {
	var row transactionRow
	err := sqlx.GetContext(ctx, q, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	tx, err := row.toTransaction()
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func after(ctx context.Context, q sqlx.QueryerContext, productID ledger.ProductID, pos ledger.Position) ([]ledger.Transaction, error) {
	d := pos.Date.String()
	var rows []transactionRow
	err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+transactionColumns+` FROM product_transactions
		WHERE product_id = ? AND (transaction_date > ? OR (transaction_date = ? AND id > ?))
		ORDER BY transaction_date ASC, id ASC`, productID, d, d, int64(pos.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return toTransactions(rows)
}

// =============================================================================
// HELPERS
// =============================================================================

func quantityText(d decimal.Decimal) string { return d.StringFixed(ledger.QuantityScale) }
func costText(d decimal.Decimal) string     { return d.StringFixed(ledger.CostScale) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
