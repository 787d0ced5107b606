/*
audit.go - Chain verification and repair

PURPOSE:
  Audit inspects a product and its full chain and lists every broken
  invariant. It is pure; Verify loads the data and calls it. Rebuild
  re-derives every snapshot from a zero state under the product lock, which
  repairs drift left by manual edits to the database.

CHECKS:
  first_purchase   earliest row is a purchase
  opening_state    earliest row starts from quantity 0, WAC 0
  chain_closed     each row's before equals the previous row's after
  non_negative     no row leaves a negative quantity
  product_mirror   product columns equal the last row's after (zero if empty)
  replay           replaying from zero reproduces every stored snapshot
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const (
	CheckFirstPurchase = "first_purchase"
	CheckOpeningState  = "opening_state"
	CheckChainClosed   = "chain_closed"
	CheckNonNegative   = "non_negative"
	CheckProductMirror = "product_mirror"
	CheckReplay        = "replay"
)

type AuditViolation struct {
	Check         string        `json:"check"`
	TransactionID TransactionID `json:"transaction_id,omitempty"`
	Message       string        `json:"message"`
}

type AuditReport struct {
	ProductID    ProductID
	Transactions int
	Expected     RunningState // end state obtained by replaying from zero
	Violations   []AuditViolation
}

func (r AuditReport) Healthy() bool { return len(r.Violations) == 0 }

// Audit checks chain, which must be the product's complete chain in order.
func Audit(product Product, chain []Transaction) AuditReport {
	r := AuditReport{ProductID: product.ID, Transactions: len(chain), Expected: ZeroState}
	add := func(check string, id TransactionID, format string, args ...any) {
		r.Violations = append(r.Violations, AuditViolation{Check: check, TransactionID: id, Message: fmt.Sprintf(format, args...)})
	}

	if len(chain) > 0 {
		first := chain[0]
		if first.Type != Purchase {
			add(CheckFirstPurchase, first.ID, "earliest transaction is a %s", first.Type)
		}
		if !first.Before().Equal(ZeroState) {
			add(CheckOpeningState, first.ID, "opening state is %s @ %s, want 0 @ 0", first.QuantityBefore, first.WACBefore)
		}
	}

	for i, tx := range chain {
		if tx.QuantityAfter.IsNegative() {
			add(CheckNonNegative, tx.ID, "quantity after is %s", tx.QuantityAfter)
		}
		if i == 0 {
			continue
		}
		prev := chain[i-1]
		if !prev.After().Equal(tx.Before()) {
			add(CheckChainClosed, tx.ID, "before %s @ %s does not match previous after %s @ %s",
				tx.QuantityBefore, tx.WACBefore, prev.QuantityAfter, prev.WACAfter)
		}
	}

	end := ZeroState
	if len(chain) > 0 {
		end = chain[len(chain)-1].After()
	}
	if !product.State().Equal(end) || !product.TotalCost.Equal(end.TotalCost()) {
		add(CheckProductMirror, 0, "product holds %s @ %s (total %s), chain ends at %s @ %s (total %s)",
			product.CurrentQuantity, product.CurrentWAC, product.TotalCost,
			end.Quantity, end.WAC, end.TotalCost())
	}

	replayed, expected, err := Replay(ZeroState, chain)
	if err != nil {
		var neg *NegativeInventoryError
		id := TransactionID(0)
		if errors.As(err, &neg) {
			id = neg.TransactionID
		}
		add(CheckReplay, id, "replay from zero fails: %v", err)
		return r
	}
	r.Expected = expected
	for i := range replayed {
		if !snapshotEqual(replayed[i], chain[i]) {
			add(CheckReplay, chain[i].ID, "stored snapshot %s @ %s differs from replayed %s @ %s",
				chain[i].QuantityAfter, chain[i].WACAfter, replayed[i].QuantityAfter, replayed[i].WACAfter)
		}
	}
	return r
}

// Verify audits the committed chain of one product.
func (c *Coordinator) Verify(ctx context.Context, productID ProductID) (AuditReport, error) {
	product, err := c.store.Product(ctx, productID)
	if err != nil {
		return AuditReport{}, err
	}
	chain, err := c.store.Chain(ctx, productID)
	if err != nil {
		return AuditReport{}, err
	}
	return Audit(product, chain), nil
}

// Rebuild replays the whole chain from zero, rewrites every snapshot that
// differs and resets the product columns. It fails, without writing, when
// the stored amounts cannot form a valid chain.
func (c *Coordinator) Rebuild(ctx context.Context, productID ProductID) (AuditReport, error) {
	res, err := c.mutate(ctx, OpRebuild, productID, func(ctx context.Context, tx TxStore, product Product) (mutation, error) {
		first, err := tx.Next(ctx, product.ID, Origin)
		if err != nil {
			return mutation{}, err
		}
		if first != nil && first.Type != Purchase {
			return mutation{}, ErrFirstMustBePurchase
		}
		final, replayed, err := c.replayAfter(ctx, tx, product.ID, Origin, ZeroState)
		if err != nil {
			return mutation{}, err
		}
		return mutation{kind: EventLedgerRebuilt, replayed: replayed, state: final}, nil
	})
	if err != nil {
		return AuditReport{}, err
	}
	c.log.Info("ledger rebuilt",
		zap.Int64("product_id", int64(productID)),
		zap.Int("replayed", res.replayed))
	return c.Verify(ctx, productID)
}
