/*
errors.go - Error types for the ledger

PURPOSE:
  Every rejection the coordinator can produce is a typed value. Callers
  match with errors.Is against the sentinels and errors.As against the
  structured types when they need the context (available quantity,
  offending date, ...).

ERROR CATEGORIES:
  1. Not found   - product or transaction missing
  2. Domain      - first-must-be-purchase, insufficient quantity, backdating,
                   negative inventory during replay, unsafe delete
  3. Input       - field-level validation violations
  4. Concurrency - per-product lock not acquired in time

None of these are retried automatically.

SEE ALSO:
  - coordinator.go: produces these errors
  - api/handlers.go: maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrDuplicateSKU is returned when a product is created with a SKU that
	// is already taken.
	ErrDuplicateSKU = errors.New("sku already exists")

	// ErrFirstMustBePurchase is returned when the earliest transaction of a
	// product would not be a purchase.
	ErrFirstMustBePurchase = errors.New("the first transaction for a product must be a purchase")

	ErrInsufficientQuantity = errors.New("insufficient quantity for sale transaction")

	// ErrDateTooOld is returned when a transaction is dated further back
	// than the backdating window allows.
	ErrDateTooOld = errors.New("transaction date is outside the backdating window")

	// ErrNegativeInventory is raised while replaying later transactions when
	// one of them would take the quantity below zero.
	ErrNegativeInventory = errors.New("change would result in negative inventory")

	// ErrWouldCauseNegativeInventory is raised by the delete pre-check when
	// the following sale depends on the row being removed.
	ErrWouldCauseNegativeInventory = errors.New("deletion would leave a later sale without enough quantity")

	ErrInvalidInput = errors.New("invalid input")

	// ErrLockTimeout is returned when the per-product lock cannot be taken
	// before the context deadline.
	ErrLockTimeout = errors.New("product ledger is busy")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InsufficientQuantityError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity for sale transaction. Available quantity: %s, requested: %s",
		e.Available.String(), e.Requested.String())
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }

type DateTooOldError struct {
	Date   Date
	Latest Date
	Window int // days
}

func (e *DateTooOldError) Error() string {
	return fmt.Sprintf("transaction date %s is more than %d days earlier than the latest transaction date: %s",
		e.Date, e.Window, e.Latest)
}

func (e *DateTooOldError) Unwrap() error { return ErrDateTooOld }

// NegativeInventoryError names the later transaction that ran out of stock.
type NegativeInventoryError struct {
	TransactionID TransactionID
	Date          Date
	Available     decimal.Decimal
	Required      decimal.Decimal
}

func (e *NegativeInventoryError) Error() string {
	if e.Date.IsZero() {
		return fmt.Sprintf("negative inventory: available %s, required %s", e.Available, e.Required)
	}
	return fmt.Sprintf("negative inventory: insufficient quantity for sale transaction on %s. Available: %s, Required: %s",
		e.Date, e.Available, e.Required)
}

func (e *NegativeInventoryError) Unwrap() error { return ErrNegativeInventory }

type WouldCauseNegativeInventoryError struct {
	NextID    TransactionID
	NextDate  Date
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *WouldCauseNegativeInventoryError) Error() string {
	return fmt.Sprintf("cannot delete this transaction as it would result in insufficient quantity for a subsequent sale transaction dated %s (available %s, required %s)",
		e.NextDate, e.Available, e.Required)
}

func (e *WouldCauseNegativeInventoryError) Unwrap() error { return ErrWouldCauseNegativeInventory }

// FieldViolation is one failed rule on one input field.
type FieldViolation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "invalid input: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing product or transaction.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsClientError returns true if the request was rejected by a business rule
// or by input validation.
func IsClientError(err error) bool {
	return errors.Is(err, ErrFirstMustBePurchase) ||
		errors.Is(err, ErrInsufficientQuantity) ||
		errors.Is(err, ErrDateTooOld) ||
		errors.Is(err, ErrNegativeInventory) ||
		errors.Is(err, ErrWouldCauseNegativeInventory) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrDuplicateSKU)
}
