/*
store.go - Persistence interfaces consumed by the coordinator

PURPOSE:
  Defines the boundary between the costing logic and the database. The
  coordinator never issues SQL; it reads neighbours and writes rows through
  these interfaces, always inside one WithTx call per operation.

KEY INTERFACES:
  Store:   Reads outside a unit of work plus WithTx
  TxStore: Everything an Insert / Edit / Delete needs inside the unit of work

ORDERING:
  All chain queries use the (Date, ID) total order from types.go:
  - Previous(pos): last row strictly before pos
  - Next(pos):     first row strictly after pos
  - After(pos):    every row strictly after pos, ascending

ATOMICITY:
  WithTx commits when fn returns nil and rolls back otherwise. Nothing
  written through a TxStore is visible to readers before commit.

IMPLEMENTATIONS:
  - store/sqlite:        SQLite (sqlx), writers serialized with BEGIN IMMEDIATE
  - store/postgres:      PostgreSQL (pgx), product row locked FOR UPDATE
  - ledger/store/memory: In-memory, copy-on-write, for tests and dev

SEE ALSO:
  - coordinator.go: the only writer
  - hooks.go: Locker, per-product serialization above the store
*/
package ledger

import "context"

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// CreateProduct inserts a product with a zero state and returns it with
	// its assigned ID. Returns ErrDuplicateSKU if the SKU is taken.
	CreateProduct(ctx context.Context, p Product) (Product, error)

	// Product returns ErrProductNotFound when missing.
	Product(ctx context.Context, id ProductID) (Product, error)

	// ListProducts returns one page ordered by ID and the total count.
	ListProducts(ctx context.Context, page Page) ([]Product, int, error)

	// Transaction returns ErrTransactionNotFound when missing or owned by
	// another product.
	Transaction(ctx context.Context, productID ProductID, id TransactionID) (Transaction, error)

	// ListTransactions returns one page, latest first, and the total count.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)

	// Chain returns every transaction of a product in chain order.
	Chain(ctx context.Context, productID ProductID) ([]Transaction, error)

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(TxStore) error) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

type TxStore interface {
	// LockProduct loads the product and holds it for the rest of the unit of
	// work (row lock where the database supports it).
	LockProduct(ctx context.Context, id ProductID) (Product, error)

	// UpdateProductState rewrites the current quantity, WAC and total cost.
	UpdateProductState(ctx context.Context, id ProductID, state RunningState) error

	Transaction(ctx context.Context, productID ProductID, id TransactionID) (Transaction, error)

	// Latest returns the last row of the chain, or nil.
	Latest(ctx context.Context, productID ProductID) (*Transaction, error)

	// Previous returns the last row strictly before pos, or nil.
	Previous(ctx context.Context, productID ProductID, pos Position) (*Transaction, error)

	// Next returns the first row strictly after pos, or nil.
	Next(ctx context.Context, productID ProductID, pos Position) (*Transaction, error)

	// After returns every row strictly after pos in chain order.
	After(ctx context.Context, productID ProductID, pos Position) ([]Transaction, error)

	// CreateTransaction assigns the ID and timestamps.
	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// UpdateTransaction overwrites the amounts and snapshots of an existing
	// row. Product, type, date and the copied name/SKU are never changed.
	UpdateTransaction(ctx context.Context, tx Transaction) error

	DeleteTransaction(ctx context.Context, productID ProductID, id TransactionID) error
}
