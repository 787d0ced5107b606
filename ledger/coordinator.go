/*
coordinator.go - Insert / Edit / Delete with forward replay

PURPOSE:
  The only writer of a product's chain. Every mutation runs the same
  envelope:

    Locker.Lock(product) -> Store.WithTx -> LockProduct -> steps -> commit

  and leaves the chain closed and the product columns equal to the end of
  the chain. Any error returned from the steps rolls back every write.

INSERT:
  1. previous = last row at or before EndOf(date)
  2. no previous and not a purchase        -> ErrFirstMustBePurchase
  3. sale larger than previous.after       -> InsufficientQuantityError
  4. date older than latest - window       -> DateTooOldError
  5. Apply from previous (or zero), create the row, replay every row after it

EDIT:
  Type and date never change, so the backdating window does not apply: a
  correction to an old row is always allowed. previous is the predecessor of
  the stored row, the quantity check runs against it, then the row is
  re-applied and its successors replayed.

DELETE:
  The window check runs first. If the successor is a sale larger than what
  previous leaves on the shelf, the delete is refused before anything is
  written (WouldCauseNegativeInventoryError). Otherwise the row is removed
  and every row after its old position is replayed from previous.

AFTER COMMIT:
  Metrics, a log line and a ledger event. None of them can undo the commit.

SEE ALSO:
  - engine.go: Apply / Replay
  - audit.go: Verify / Rebuild
  - validation.go: field checks
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultBackdateWindow is how many days a transaction may precede the
// latest one of its product.
const DefaultBackdateWindow = 30

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	store     Store
	locker    Locker
	publisher Publisher
	metrics   Metrics
	log       *zap.Logger
	window    int
	lockWait  time.Duration
	now       func() time.Time
}

type Option func(*Coordinator)

func WithPublisher(p Publisher) Option { return func(c *Coordinator) { c.publisher = p } }
func WithMetrics(m Metrics) Option     { return func(c *Coordinator) { c.metrics = m } }
func WithLogger(l *zap.Logger) Option  { return func(c *Coordinator) { c.log = l } }
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithBackdateWindow overrides the number of days a transaction may precede
// the latest one. Values below zero are ignored.
func WithBackdateWindow(days int) Option {
	return func(c *Coordinator) {
		if days >= 0 {
			c.window = days
		}
	}
}

// WithLockWait bounds how long a mutation waits for the product lock.
// Zero waits as long as the caller's context allows.
func WithLockWait(d time.Duration) Option {
	return func(c *Coordinator) { c.lockWait = d }
}

func NewCoordinator(store Store, locker Locker, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		locker:    locker,
		publisher: NopPublisher{},
		metrics:   nopMetrics{},
		log:       zap.NewNop(),
		window:    DefaultBackdateWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BackdateWindow returns the configured window in days.
func (c *Coordinator) BackdateWindow() int { return c.window }

// =============================================================================
// READS - Lock-free, committed state only
// =============================================================================

func (c *Coordinator) Product(ctx context.Context, id ProductID) (Product, error) {
	return c.store.Product(ctx, id)
}

func (c *Coordinator) ListProducts(ctx context.Context, page Page) ([]Product, int, error) {
	return c.store.ListProducts(ctx, page.Normalize())
}

func (c *Coordinator) Transaction(ctx context.Context, productID ProductID, id TransactionID) (Transaction, error) {
	return c.store.Transaction(ctx, productID, id)
}

// ListTransactions returns one page of a product's transactions, latest first.
func (c *Coordinator) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error) {
	if _, err := c.store.Product(ctx, filter.ProductID); err != nil {
		return nil, 0, err
	}
	if filter.Type != 0 && !filter.Type.Valid() {
		return nil, 0, &ValidationError{Violations: []FieldViolation{violation("transaction_type", "oneof")}}
	}
	filter.Page = filter.Page.Normalize()
	return c.store.ListTransactions(ctx, filter)
}

// CreateProduct registers a product with an empty ledger.
func (c *Coordinator) CreateProduct(ctx context.Context, in ProductInput) (Product, error) {
	if err := asError(ValidateProduct(in)); err != nil {
		return Product{}, err
	}
	now := c.now().UTC()
	p, err := c.store.CreateProduct(ctx, Product{
		Name:            strings.TrimSpace(in.Name),
		SKU:             strings.TrimSpace(in.SKU),
		CurrentQuantity: decimal.Zero,
		CurrentWAC:      decimal.Zero,
		TotalCost:       decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return Product{}, err
	}
	c.log.Info("product created", zap.Int64("product_id", int64(p.ID)), zap.String("sku", p.SKU))
	return p, nil
}

// =============================================================================
// INSERT
// =============================================================================

// Insert books a new purchase or sale on the given date and replays every
// transaction that follows it.
func (c *Coordinator) Insert(ctx context.Context, in InsertInput) (Transaction, error) {
	if err := asError(ValidateInsert(in)); err != nil {
		return Transaction{}, err
	}

	var created Transaction
	res, err := c.mutate(ctx, OpInsert, in.ProductID, func(ctx context.Context, tx TxStore, product Product) (mutation, error) {
		previous, err := tx.Previous(ctx, product.ID, EndOf(in.Date))
		if err != nil {
			return mutation{}, err
		}
		if previous == nil && in.Type != Purchase {
			return mutation{}, ErrFirstMustBePurchase
		}
		start := ZeroState
		if previous != nil {
			start = previous.After()
		}
		qty := RoundQuantity(in.Quantity)
		if in.Type == Sale && qty.GreaterThan(start.Quantity) {
			return mutation{}, &InsufficientQuantityError{Available: start.Quantity, Requested: qty}
		}
		if err := c.checkWindow(ctx, tx, product.ID, in.Date); err != nil {
			return mutation{}, err
		}

		state, snap, err := Apply(start, in.Type, qty, in.UnitCost)
		if err != nil {
			return mutation{}, err
		}
		now := c.now().UTC()
		row := Transaction{
			ProductID:   product.ID,
			ProductName: product.Name,
			ProductSKU:  product.SKU,
			Type:        in.Type,
			Date:        in.Date,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		snap.Fill(&row)
		if created, err = tx.CreateTransaction(ctx, row); err != nil {
			return mutation{}, err
		}

		final, replayed, err := c.replayAfter(ctx, tx, product.ID, created.Position(), state)
		if err != nil {
			return mutation{}, err
		}
		return mutation{kind: EventTransactionCreated, txID: created.ID, replayed: replayed, state: final}, nil
	})
	if err != nil {
		return Transaction{}, err
	}
	c.logCommitted("transaction inserted", in.ProductID, created.ID, res)
	return created, nil
}

// =============================================================================
// EDIT
// =============================================================================

// Edit changes the quantity (and, for purchases, the unit cost) of an
// existing transaction and replays every transaction after it.
func (c *Coordinator) Edit(ctx context.Context, in EditInput) (Transaction, error) {
	var edited Transaction
	res, err := c.mutate(ctx, OpEdit, in.ProductID, func(ctx context.Context, tx TxStore, product Product) (mutation, error) {
		existing, err := tx.Transaction(ctx, product.ID, in.TransactionID)
		if err != nil {
			return mutation{}, err
		}
		if err := asError(ValidateEdit(in, existing.Type)); err != nil {
			return mutation{}, err
		}

		previous, err := tx.Previous(ctx, product.ID, existing.Position())
		if err != nil {
			return mutation{}, err
		}
		if previous == nil && existing.Type != Purchase {
			return mutation{}, ErrFirstMustBePurchase
		}
		start := ZeroState
		if previous != nil {
			start = previous.After()
		}
		qty := RoundQuantity(in.Quantity)
		if existing.Type == Sale && qty.GreaterThan(start.Quantity) {
			return mutation{}, &InsufficientQuantityError{Available: start.Quantity, Requested: qty}
		}

		state, snap, err := Apply(start, existing.Type, qty, in.UnitCost)
		if err != nil {
			return mutation{}, err
		}
		edited = existing
		snap.Fill(&edited)
		edited.UpdatedAt = c.now().UTC()
		if err := tx.UpdateTransaction(ctx, edited); err != nil {
			return mutation{}, err
		}

		final, replayed, err := c.replayAfter(ctx, tx, product.ID, edited.Position(), state)
		if err != nil {
			return mutation{}, err
		}
		return mutation{kind: EventTransactionUpdated, txID: edited.ID, replayed: replayed, state: final}, nil
	})
	if err != nil {
		return Transaction{}, err
	}
	c.logCommitted("transaction edited", in.ProductID, in.TransactionID, res)
	return edited, nil
}

// =============================================================================
// DELETE
// =============================================================================

// Delete removes a transaction and replays every transaction that followed it.
func (c *Coordinator) Delete(ctx context.Context, productID ProductID, id TransactionID) error {
	res, err := c.mutate(ctx, OpDelete, productID, func(ctx context.Context, tx TxStore, product Product) (mutation, error) {
		existing, err := tx.Transaction(ctx, product.ID, id)
		if err != nil {
			return mutation{}, err
		}
		if err := c.checkWindow(ctx, tx, product.ID, existing.Date); err != nil {
			return mutation{}, err
		}

		previous, err := tx.Previous(ctx, product.ID, existing.Position())
		if err != nil {
			return mutation{}, err
		}
		next, err := tx.Next(ctx, product.ID, existing.Position())
		if err != nil {
			return mutation{}, err
		}
		start := ZeroState
		if previous != nil {
			start = previous.After()
		}
		if next != nil && next.Type == Sale && next.Magnitude().GreaterThan(start.Quantity) {
			return mutation{}, &WouldCauseNegativeInventoryError{
				NextID:    next.ID,
				NextDate:  next.Date,
				Available: start.Quantity,
				Required:  next.Magnitude(),
			}
		}

		if err := tx.DeleteTransaction(ctx, product.ID, id); err != nil {
			return mutation{}, err
		}
		final, replayed, err := c.replayAfter(ctx, tx, product.ID, existing.Position(), start)
		if err != nil {
			return mutation{}, err
		}
		return mutation{kind: EventTransactionDeleted, txID: id, replayed: replayed, state: final}, nil
	})
	if err != nil {
		return err
	}
	c.logCommitted("transaction deleted", productID, id, res)
	return nil
}

// =============================================================================
// SHARED ENVELOPE
// =============================================================================

// mutation is what a step function reports back for the post-commit hooks.
type mutation struct {
	kind     EventKind
	txID     TransactionID
	replayed int
	state    RunningState
}

type stepFunc func(ctx context.Context, tx TxStore, product Product) (mutation, error)

// mutate runs fn under the product lock inside one unit of work, then
// records metrics and publishes the event once the commit succeeded.
func (c *Coordinator) mutate(ctx context.Context, op string, productID ProductID, fn stepFunc) (mutation, error) {
	started := c.now()
	var res mutation

	err := func() error {
		lockCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.lockWait > 0 {
			lockCtx, cancel = context.WithTimeout(ctx, c.lockWait)
		}
		unlock, err := c.locker.Lock(lockCtx, productLockKey(productID))
		cancel()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
		if err != nil {
			return fmt.Errorf("acquire product lock: %w", err)
		}
		defer unlock()

		return c.store.WithTx(ctx, func(tx TxStore) error {
			product, err := tx.LockProduct(ctx, productID)
			if err != nil {
				return err
			}
			res, err = fn(ctx, tx, product)
			return err
		})
	}()

	c.metrics.ObserveOperation(op, outcome(err), res.replayed, c.now().Sub(started))
	if err != nil {
		c.logRejected(op, productID, err)
		return mutation{}, err
	}

	ev := Event{
		Kind:          res.kind,
		ProductID:     productID,
		TransactionID: res.txID,
		Replayed:      res.replayed,
		Quantity:      res.state.Quantity,
		WAC:           res.state.WAC,
		TotalCost:     res.state.TotalCost(),
		OccurredAt:    c.now().UTC(),
	}
	if perr := c.publisher.Publish(ctx, ev); perr != nil {
		c.log.Warn("ledger event not published",
			zap.String("kind", string(ev.Kind)),
			zap.Int64("product_id", int64(productID)),
			zap.Error(perr))
	}
	return res, nil
}

// replayAfter re-derives every row after pos starting from state, persists
// each one and points the product at the final state.
func (c *Coordinator) replayAfter(ctx context.Context, tx TxStore, productID ProductID, pos Position, state RunningState) (RunningState, int, error) {
	later, err := tx.After(ctx, productID, pos)
	if err != nil {
		return RunningState{}, 0, err
	}
	rewritten, final, err := Replay(state, later)
	if err != nil {
		return RunningState{}, 0, err
	}
	now := c.now().UTC()
	for i := range rewritten {
		if snapshotEqual(rewritten[i], later[i]) {
			continue
		}
		rewritten[i].UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, rewritten[i]); err != nil {
			return RunningState{}, 0, err
		}
	}
	if err := tx.UpdateProductState(ctx, productID, final); err != nil {
		return RunningState{}, 0, err
	}
	return final, len(later), nil
}

// checkWindow rejects dates older than the latest transaction minus the window.
func (c *Coordinator) checkWindow(ctx context.Context, tx TxStore, productID ProductID, date Date) error {
	latest, err := tx.Latest(ctx, productID)
	if err != nil || latest == nil {
		return err
	}
	if date.Before(latest.Date.AddDays(-c.window)) {
		return &DateTooOldError{Date: date, Latest: latest.Date, Window: c.window}
	}
	return nil
}

func snapshotEqual(a, b Transaction) bool {
	return a.Quantity.Equal(b.Quantity) &&
		a.UnitCost.Equal(b.UnitCost) &&
		a.Before().Equal(b.Before()) &&
		a.TotalCost.Equal(b.TotalCost) &&
		a.After().Equal(b.After())
}

// =============================================================================
// LOGGING
// =============================================================================

func (c *Coordinator) logCommitted(msg string, productID ProductID, txID TransactionID, res mutation) {
	c.log.Info(msg,
		zap.Int64("product_id", int64(productID)),
		zap.Int64("transaction_id", int64(txID)),
		zap.Int("replayed", res.replayed),
		zap.String("quantity", res.state.Quantity.String()),
		zap.String("wac", res.state.WAC.String()))
}

func (c *Coordinator) logRejected(op string, productID ProductID, err error) {
	if IsClientError(err) || IsNotFound(err) || errors.Is(err, ErrLockTimeout) {
		c.log.Debug("ledger operation rejected",
			zap.String("op", op),
			zap.Int64("product_id", int64(productID)),
			zap.Error(err))
		return
	}
	c.log.Error("ledger operation failed",
		zap.String("op", op),
		zap.Int64("product_id", int64(productID)),
		zap.Error(err))
}
