/*
Package ledger provides the perpetual-inventory costing engine.

PURPOSE:
  Every purchase or sale of a product moves a running (quantity, WAC) state.
  Each transaction row stores the state it saw before it and the state it
  left behind, so the rows of one product form a closed chain. Inserting,
  editing or deleting a row in the middle of that chain re-derives every
  later row.

KEY CONCEPTS IN THIS FILE (types.go):
  - Product: the aggregate whose current columns mirror the end of the chain
  - Transaction: one dated purchase or sale with before/after snapshots
  - RunningState: the (quantity, WAC) pair carried from row to row
  - Position: where a row sits in the chain, (Date, ID)

PRECISION:
  Quantities carry 8 fractional digits, unit costs, WAC and total costs carry
  4. Every computed value is rounded to its scale before it is stored or fed
  into the next step, so replaying the same chain always yields the same
  digits. All arithmetic uses decimal.Decimal.

SEE ALSO:
  - engine.go: Apply and Replay
  - coordinator.go: Insert / Edit / Delete
  - store.go: persistence interfaces
*/
package ledger

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PRECISION
// =============================================================================

const (
	QuantityScale int32 = 8
	CostScale     int32 = 4
)

// RoundQuantity rounds half away from zero to 8 fractional digits.
func RoundQuantity(d decimal.Decimal) decimal.Decimal { return d.Round(QuantityScale) }

// RoundCost rounds half away from zero to 4 fractional digits.
func RoundCost(d decimal.Decimal) decimal.Decimal { return d.Round(CostScale) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID int64
type TransactionID int64

// =============================================================================
// TRANSACTION TYPE
// =============================================================================

type TransactionType int

const (
	Purchase TransactionType = 1
	Sale     TransactionType = 2
)

func (t TransactionType) Valid() bool { return t == Purchase || t == Sale }

func (t TransactionType) String() string {
	switch t {
	case Purchase:
		return "purchase"
	case Sale:
		return "sale"
	default:
		return "unknown"
	}
}

// =============================================================================
// RUNNING STATE
// =============================================================================

// RunningState is the (quantity, WAC) pair handed from one transaction to the
// next. Total cost is always derived, never carried, so it cannot drift.
type RunningState struct {
	Quantity decimal.Decimal
	WAC      decimal.Decimal
}

// ZeroState is the state before a product's first transaction.
var ZeroState = RunningState{Quantity: decimal.Zero, WAC: decimal.Zero}

func (s RunningState) TotalCost() decimal.Decimal { return RoundCost(s.Quantity.Mul(s.WAC)) }

func (s RunningState) Equal(other RunningState) bool {
	return s.Quantity.Equal(other.Quantity) && s.WAC.Equal(other.WAC)
}

// =============================================================================
// PRODUCT
// =============================================================================

// Product is the aggregate root of one ledger. Its current columns are a
// projection of the last transaction in the chain and are only written by
// the coordinator.
type Product struct {
	ID              ProductID
	Name            string
	SKU             string
	CurrentQuantity decimal.Decimal
	CurrentWAC      decimal.Decimal
	TotalCost       decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (p Product) State() RunningState {
	return RunningState{Quantity: p.CurrentQuantity, WAC: p.CurrentWAC}
}

// WithState returns a copy of the product projecting the given state.
func (p Product) WithState(s RunningState) Product {
	p.CurrentQuantity = s.Quantity
	p.CurrentWAC = s.WAC
	p.TotalCost = s.TotalCost()
	return p
}

// =============================================================================
// TRANSACTION
// =============================================================================

type Transaction struct {
	ID        TransactionID
	ProductID ProductID

	// Copied from the product when the row is created and never refreshed,
	// so history keeps the label the product had at the time.
	ProductName string
	ProductSKU  string

	Type TransactionType
	Date Date

	// Quantity is the signed ledger delta: positive for purchases, negative
	// for sales. TotalCost follows the same sign.
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
	TotalCost decimal.Decimal

	QuantityBefore decimal.Decimal
	QuantityAfter  decimal.Decimal
	WACBefore      decimal.Decimal
	WACAfter       decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Magnitude is the unsigned quantity moved.
func (t Transaction) Magnitude() decimal.Decimal { return t.Quantity.Abs() }

func (t Transaction) Before() RunningState {
	return RunningState{Quantity: t.QuantityBefore, WAC: t.WACBefore}
}

func (t Transaction) After() RunningState {
	return RunningState{Quantity: t.QuantityAfter, WAC: t.WACAfter}
}

func (t Transaction) Position() Position { return Position{Date: t.Date, ID: t.ID} }

// =============================================================================
// POSITION - Total order of a product's chain
// =============================================================================

// Position orders transactions by date, then by ID. IDs are assigned in
// creation order and never reused, so two rows booked on the same day keep
// the order in which they were recorded.
type Position struct {
	Date Date
	ID   TransactionID
}

// EndOf is the position after every transaction already booked on date.
// A new transaction inserted on that date lands here.
func EndOf(d Date) Position {
	return Position{Date: d, ID: TransactionID(math.MaxInt64)}
}

// Origin sorts before every transaction; After(Origin) is the whole chain.
var Origin = Position{}

func (p Position) Less(other Position) bool {
	if p.Date.Equal(other.Date) {
		return p.ID < other.ID
	}
	return p.Date.Before(other.Date)
}

// =============================================================================
// PAGING
// =============================================================================

const (
	DefaultPerPage = 15
	MaxPerPage     = 100

	// MaxPageNumber keeps Offset inside int for every page size.
	MaxPageNumber = math.MaxInt / MaxPerPage
)

type Page struct {
	Number  int
	PerPage int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	if p.Number > MaxPageNumber {
		p.Number = MaxPageNumber
	}
	return p
}

func (p Page) Offset() int { return (p.Number - 1) * p.PerPage }

// TransactionFilter selects a page of one product's transactions, latest first.
type TransactionFilter struct {
	ProductID ProductID
	Type      TransactionType // zero means every type
	Page      Page
}
