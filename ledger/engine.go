/*
engine.go - Weighted-average-cost recalculation

PURPOSE:
  Pure functions. Apply moves a running state across one transaction;
  Replay walks a slice of later transactions and rewrites their snapshots.
  Nothing here touches storage. The coordinator persists what Replay returns.

PURCHASE:
  new_qty   = qty_before + qty
  new_total = qty_before * wac_before + qty * unit_cost
  new_wac   = new_total / new_qty              (0 when new_qty is 0)

SALE:
  new_qty   = qty_before - qty
  new_wac   = wac_before                       (0 when new_qty is 0)
  unit_cost = wac_before                       (stock leaves at the prior WAC)

  A sale never changes the average; it only resets it once the shelf is empty.

REPLAY:
  Each later row is re-applied with its own magnitude (and, for purchases,
  its own unit cost). The first row that would go negative aborts the whole
  replay and nothing is returned for persistence.

SEE ALSO:
  - types.go: precision rules
  - coordinator.go: persists replay output inside the unit of work
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SNAPSHOT - Fields filled on a transaction by Apply
// =============================================================================

type Snapshot struct {
	Quantity       decimal.Decimal // signed
	UnitCost       decimal.Decimal
	TotalCost      decimal.Decimal // signed
	QuantityBefore decimal.Decimal
	QuantityAfter  decimal.Decimal
	WACBefore      decimal.Decimal
	WACAfter       decimal.Decimal
}

// Fill copies the snapshot onto a transaction.
func (s Snapshot) Fill(tx *Transaction) {
	tx.Quantity = s.Quantity
	tx.UnitCost = s.UnitCost
	tx.TotalCost = s.TotalCost
	tx.QuantityBefore = s.QuantityBefore
	tx.QuantityAfter = s.QuantityAfter
	tx.WACBefore = s.WACBefore
	tx.WACAfter = s.WACAfter
}

// =============================================================================
// APPLY
// =============================================================================

// Apply applies one transaction of the given type and magnitude to state.
// unitCost is only read for purchases; sales are priced at state.WAC.
// It returns a *NegativeInventoryError when a sale exceeds the quantity on hand.
func Apply(state RunningState, txType TransactionType, qty, unitCost decimal.Decimal) (RunningState, Snapshot, error) {
	qty = RoundQuantity(qty)
	if !qty.IsPositive() {
		return state, Snapshot{}, fmt.Errorf("%w: quantity must be greater than 0", ErrInvalidInput)
	}

	snap := Snapshot{
		QuantityBefore: state.Quantity,
		WACBefore:      state.WAC,
	}
	var next RunningState

	switch txType {
	case Purchase:
		unitCost = RoundCost(unitCost)
		if unitCost.IsNegative() {
			return state, Snapshot{}, fmt.Errorf("%w: unit cost must not be negative", ErrInvalidInput)
		}
		next.Quantity = RoundQuantity(state.Quantity.Add(qty))
		total := state.Quantity.Mul(state.WAC).Add(qty.Mul(unitCost))
		next.WAC = decimal.Zero
		if next.Quantity.IsPositive() {
			next.WAC = RoundCost(total.Div(next.Quantity))
		}
		snap.Quantity = qty
		snap.UnitCost = unitCost
		snap.TotalCost = RoundCost(qty.Mul(unitCost))

	case Sale:
		next.Quantity = RoundQuantity(state.Quantity.Sub(qty))
		if next.Quantity.IsNegative() {
			return state, Snapshot{}, &NegativeInventoryError{Available: state.Quantity, Required: qty}
		}
		next.WAC = decimal.Zero
		if next.Quantity.IsPositive() {
			next.WAC = state.WAC
		}
		snap.Quantity = qty.Neg()
		snap.UnitCost = state.WAC
		snap.TotalCost = RoundCost(snap.Quantity.Mul(state.WAC))

	default:
		return state, Snapshot{}, fmt.Errorf("%w: unknown transaction type %d", ErrInvalidInput, int(txType))
	}

	snap.QuantityAfter = next.Quantity
	snap.WACAfter = next.WAC
	return next, snap, nil
}

// =============================================================================
// REPLAY
// =============================================================================

// Replay re-derives the snapshots of later, which must be ordered by
// Position, starting from start. It returns rewritten copies and the state
// after the last one (start itself when later is empty). The input slice is
// not modified.
func Replay(start RunningState, later []Transaction) ([]Transaction, RunningState, error) {
	out := make([]Transaction, len(later))
	state := start

	for i, tx := range later {
		next, snap, err := Apply(state, tx.Type, tx.Magnitude(), tx.UnitCost)
		if err != nil {
			var neg *NegativeInventoryError
			if errors.As(err, &neg) {
				neg.TransactionID = tx.ID
				neg.Date = tx.Date
			}
			return nil, start, err
		}
		snap.Fill(&tx)
		out[i] = tx
		state = next
	}

	return out, state, nil
}
