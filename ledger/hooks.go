package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LOCKER - Single writer per product
// =============================================================================

// Locker serializes writers on one key. Unlock must be safe to call once the
// operation is finished, whatever its outcome.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func productLockKey(id ProductID) string { return fmt.Sprintf("ledger:product:%d", id) }

// =============================================================================
// EVENTS - Published after commit
// =============================================================================

type EventKind string

const (
	EventTransactionCreated EventKind = "transaction.created"
	EventTransactionUpdated EventKind = "transaction.updated"
	EventTransactionDeleted EventKind = "transaction.deleted"
	EventLedgerRebuilt      EventKind = "ledger.rebuilt"
)

// Event describes one committed change to a product's chain and the product
// state it left behind.
type Event struct {
	Kind          EventKind
	ProductID     ProductID
	TransactionID TransactionID // zero for rebuilds
	Replayed      int
	Quantity      decimal.Decimal
	WAC           decimal.Decimal
	TotalCost     decimal.Decimal
	OccurredAt    time.Time
}

// Publisher delivers events. The ledger is already committed when Publish is
// called, so a failure here is reported, never rolled back.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// =============================================================================
// METRICS
// =============================================================================

const (
	OpInsert  = "insert"
	OpEdit    = "edit"
	OpDelete  = "delete"
	OpRebuild = "rebuild"
)

type Metrics interface {
	ObserveOperation(op, outcome string, replayed int, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveOperation(string, string, int, time.Duration) {}

// outcome buckets an operation result for metrics labels.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, ErrLockTimeout):
		return "busy"
	case IsClientError(err):
		return "rejected"
	default:
		return "error"
	}
}
