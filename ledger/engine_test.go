package ledger_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	if !dec(want).Equal(got) {
		assert.Fail(t, fmt.Sprintf("want %s, got %s", want, got), msgAndArgs...)
	}
}

func state(qty, wac string) ledger.RunningState {
	return ledger.RunningState{Quantity: dec(qty), WAC: dec(wac)}
}

func march(day int) ledger.Date { return ledger.NewDate(2025, time.March, day) }

// =============================================================================
// APPLY
// =============================================================================

func TestApply_PurchaseFromZero(t *testing.T) {
	next, snap, err := ledger.Apply(ledger.ZeroState, ledger.Purchase, dec("100"), dec("10"))
	require.NoError(t, err)

	assertDec(t, "100", next.Quantity)
	assertDec(t, "10", next.WAC)
	assertDec(t, "100", snap.Quantity)
	assertDec(t, "10", snap.UnitCost)
	assertDec(t, "1000", snap.TotalCost)
	assertDec(t, "0", snap.QuantityBefore)
	assertDec(t, "0", snap.WACBefore)
	assertDec(t, "100", snap.QuantityAfter)
	assertDec(t, "10", snap.WACAfter)
}

func TestApply_PurchaseAveragesCost(t *testing.T) {
	// GIVEN: 100 units at 10
	// WHEN: Buying 50 more at 16
	// THEN: (100*10 + 50*16) / 150 = 12

	next, snap, err := ledger.Apply(state("100", "10"), ledger.Purchase, dec("50"), dec("16"))
	require.NoError(t, err)

	assertDec(t, "150", next.Quantity)
	assertDec(t, "12", next.WAC)
	assertDec(t, "800", snap.TotalCost)
}

func TestApply_PurchaseRoundsWACToFourPlaces(t *testing.T) {
	// (100*10 + 50*11) / 150 = 10.33333...
	next, _, err := ledger.Apply(state("100", "10"), ledger.Purchase, dec("50"), dec("11"))
	require.NoError(t, err)
	assertDec(t, "10.3333", next.WAC)
	assertDec(t, "1549.995", next.TotalCost())

	// 2/3 rounds half away from zero at the last place
	next, _, err = ledger.Apply(ledger.ZeroState, ledger.Purchase, dec("3"), dec("2"))
	require.NoError(t, err)
	next, _, err = ledger.Apply(next, ledger.Purchase, dec("3"), dec("2.00005"))
	require.NoError(t, err)
	assertDec(t, "2.0001", next.WAC)
}

func TestApply_PurchaseRoundsQuantityToEightPlaces(t *testing.T) {
	next, snap, err := ledger.Apply(ledger.ZeroState, ledger.Purchase, dec("1.123456789"), dec("1"))
	require.NoError(t, err)
	assertDec(t, "1.12345679", next.Quantity)
	assertDec(t, "1.12345679", snap.Quantity)
}

func TestApply_SaleKeepsWAC(t *testing.T) {
	next, snap, err := ledger.Apply(state("100", "10"), ledger.Sale, dec("40"), decimal.Zero)
	require.NoError(t, err)

	assertDec(t, "60", next.Quantity)
	assertDec(t, "10", next.WAC)
	assertDec(t, "-40", snap.Quantity)
	assertDec(t, "10", snap.UnitCost)
	assertDec(t, "-400", snap.TotalCost)
	assertDec(t, "60", snap.QuantityAfter)
	assertDec(t, "10", snap.WACAfter)
}

func TestApply_SaleIgnoresSuppliedCost(t *testing.T) {
	_, snap, err := ledger.Apply(state("100", "10"), ledger.Sale, dec("40"), dec("99"))
	require.NoError(t, err)
	assertDec(t, "10", snap.UnitCost)
}

func TestApply_SaleToZeroResetsWAC(t *testing.T) {
	next, snap, err := ledger.Apply(state("100", "10"), ledger.Sale, dec("100"), decimal.Zero)
	require.NoError(t, err)

	assertDec(t, "0", next.Quantity)
	assertDec(t, "0", next.WAC)
	assertDec(t, "10", snap.UnitCost, "stock still leaves at the prior WAC")
	assertDec(t, "-1000", snap.TotalCost)
}

func TestApply_SaleBeyondStockFails(t *testing.T) {
	prior := state("100", "10")
	next, _, err := ledger.Apply(prior, ledger.Sale, dec("100.00000001"), decimal.Zero)

	var neg *ledger.NegativeInventoryError
	require.ErrorAs(t, err, &neg)
	assert.ErrorIs(t, err, ledger.ErrNegativeInventory)
	assertDec(t, "100", neg.Available)
	assertDec(t, "100.00000001", neg.Required)
	assert.True(t, next.Equal(prior), "state must be untouched on failure")
}

func TestApply_RejectsNonPositiveQuantity(t *testing.T) {
	for _, qty := range []string{"0", "-5", "0.000000001"} {
		_, _, err := ledger.Apply(ledger.ZeroState, ledger.Purchase, dec(qty), dec("10"))
		assert.ErrorIs(t, err, ledger.ErrInvalidInput, "qty %s", qty)
	}
}

func TestApply_RejectsUnknownType(t *testing.T) {
	_, _, err := ledger.Apply(ledger.ZeroState, ledger.TransactionType(7), dec("1"), dec("1"))
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// REPLAY
// =============================================================================

func chainOf(t *testing.T, steps ...ledger.Transaction) []ledger.Transaction {
	t.Helper()
	out := make([]ledger.Transaction, len(steps))
	s := ledger.ZeroState
	for i, tx := range steps {
		next, snap, err := ledger.Apply(s, tx.Type, tx.Magnitude(), tx.UnitCost)
		require.NoError(t, err)
		tx.ID = ledger.TransactionID(i + 1)
		snap.Fill(&tx)
		out[i] = tx
		s = next
	}
	return out
}

func buy(qty, cost string, d ledger.Date) ledger.Transaction {
	return ledger.Transaction{Type: ledger.Purchase, Quantity: dec(qty), UnitCost: dec(cost), Date: d}
}

func sell(qty string, d ledger.Date) ledger.Transaction {
	return ledger.Transaction{Type: ledger.Sale, Quantity: dec(qty).Neg(), Date: d}
}

func TestReplay_EmptyReturnsStart(t *testing.T) {
	start := state("5", "2")
	out, final, err := ledger.Replay(start, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, final.Equal(start))
}

func TestReplay_RepricesLaterSales(t *testing.T) {
	// GIVEN: a sale booked when WAC was 10
	// WHEN: replaying it from a state with WAC 12
	// THEN: the sale is re-priced at 12
	later := chainOf(t, buy("100", "10", march(1)), sell("40", march(5)))[1:]

	out, final, err := ledger.Replay(state("150", "12"), later)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assertDec(t, "150", out[0].QuantityBefore)
	assertDec(t, "12", out[0].WACBefore)
	assertDec(t, "110", out[0].QuantityAfter)
	assertDec(t, "12", out[0].UnitCost)
	assertDec(t, "-480", out[0].TotalCost)
	assertDec(t, "110", final.Quantity)
	assertDec(t, "12", final.WAC)

	assertDec(t, "100", later[0].QuantityBefore, "input slice must not be modified")
}

func TestReplay_IsIdempotent(t *testing.T) {
	chain := chainOf(t,
		buy("100", "10", march(1)),
		buy("50", "11", march(2)),
		sell("33.333", march(3)),
		buy("7.5", "13.7777", march(4)),
		sell("124.167", march(5)),
		buy("1", "9", march(6)),
	)

	first, s1, err := ledger.Replay(ledger.ZeroState, chain)
	require.NoError(t, err)
	second, s2, err := ledger.Replay(ledger.ZeroState, first)
	require.NoError(t, err)

	assert.True(t, s1.Equal(s2))
	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, first[i].After().Equal(second[i].After()), "row %d", i)
		assert.True(t, first[i].Before().Equal(second[i].Before()), "row %d", i)
		assert.True(t, first[i].TotalCost.Equal(second[i].TotalCost), "row %d", i)
		assert.True(t, first[i].After().Equal(chain[i].After()), "row %d drifted from the original", i)
	}
}

func TestReplay_AbortsOnNegativeInventory(t *testing.T) {
	chain := chainOf(t, buy("100", "10", march(1)), sell("80", march(4)), buy("5", "10", march(6)))

	out, final, err := ledger.Replay(state("50", "10"), chain[1:])

	var neg *ledger.NegativeInventoryError
	require.ErrorAs(t, err, &neg)
	assert.Equal(t, chain[1].ID, neg.TransactionID)
	assert.True(t, neg.Date.Equal(march(4)))
	assertDec(t, "50", neg.Available)
	assertDec(t, "80", neg.Required)
	assert.Nil(t, out)
	assert.True(t, final.Equal(state("50", "10")))
}

// =============================================================================
// POSITION
// =============================================================================

func TestPosition_OrdersByDateThenID(t *testing.T) {
	a := ledger.Position{Date: march(1), ID: 9}
	b := ledger.Position{Date: march(2), ID: 1}
	c := ledger.Position{Date: march(2), ID: 2}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(b))
	assert.True(t, c.Less(ledger.EndOf(march(2))))
	assert.True(t, ledger.Origin.Less(a))
}
