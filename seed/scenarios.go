package seed

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenario is a demo product with a transaction history. Steps are posted in
// order, so a step dated before an earlier one is a backdated entry and
// exercises the replay path.
type Scenario struct {
	ID          string
	Description string
	Product     ledger.ProductInput
	Steps       []Step
}

// Step is one transaction, dated DayOffset days from the base date.
type Step struct {
	DayOffset int
	Type      ledger.TransactionType
	Quantity  string
	UnitCost  string
}

var Scenarios = []Scenario{
	{
		ID:          "backdated-purchase",
		Description: "A purchase entered after a sale but dated before it; the sale is revalued at the new WAC",
		Product:     ledger.ProductInput{Name: "Demo Backdated Purchase", SKU: "DEMO-BACKDATED"},
		Steps: []Step{
			{DayOffset: -10, Type: ledger.Purchase, Quantity: "100", UnitCost: "10"},
			{DayOffset: -5, Type: ledger.Sale, Quantity: "20"},
			{DayOffset: -8, Type: ledger.Purchase, Quantity: "50", UnitCost: "16"},
		},
	},
	{
		ID:          "sell-out",
		Description: "Stock sold down to zero resets WAC before the next purchase",
		Product:     ledger.ProductInput{Name: "Demo Sell Out", SKU: "DEMO-SELLOUT"},
		Steps: []Step{
			{DayOffset: -6, Type: ledger.Purchase, Quantity: "10", UnitCost: "5"},
			{DayOffset: -4, Type: ledger.Sale, Quantity: "10"},
			{DayOffset: -2, Type: ledger.Purchase, Quantity: "4", UnitCost: "7.5"},
		},
	},
	{
		ID:          "same-day",
		Description: "Several entries on one date, applied in the order they were recorded",
		Product:     ledger.ProductInput{Name: "Demo Same Day", SKU: "DEMO-SAMEDAY"},
		Steps: []Step{
			{DayOffset: -1, Type: ledger.Purchase, Quantity: "10", UnitCost: "2"},
			{DayOffset: -1, Type: ledger.Purchase, Quantity: "10", UnitCost: "4"},
			{DayOffset: -1, Type: ledger.Sale, Quantity: "5"},
		},
	},
}

// FindScenario returns the scenario with the given ID.
func FindScenario(id string) (Scenario, bool) {
	for _, s := range Scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// LoadScenario creates the scenario's product and posts its steps relative
// to base. It returns the product as it stands after the last step.
func LoadScenario(ctx context.Context, c *ledger.Coordinator, id string, base ledger.Date, log *zap.Logger) (ledger.Product, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s, ok := FindScenario(id)
	if !ok {
		return ledger.Product{}, fmt.Errorf("unknown scenario %q", id)
	}

	p, err := c.CreateProduct(ctx, s.Product)
	if err != nil {
		return ledger.Product{}, fmt.Errorf("scenario %s: %w", id, err)
	}

	for i, step := range s.Steps {
		in := ledger.InsertInput{
			ProductID: p.ID,
			Type:      step.Type,
			Quantity:  decimal.RequireFromString(step.Quantity),
			Date:      base.AddDays(step.DayOffset),
		}
		if step.UnitCost != "" {
			in.UnitCost = decimal.RequireFromString(step.UnitCost)
		}
		if _, err := c.Insert(ctx, in); err != nil {
			return ledger.Product{}, fmt.Errorf("scenario %s step %d: %w", id, i+1, err)
		}
	}

	p, err = c.Product(ctx, p.ID)
	if err != nil {
		return ledger.Product{}, err
	}
	log.Info("scenario loaded",
		zap.String("scenario", id),
		zap.Int64("product_id", int64(p.ID)),
		zap.String("quantity", p.CurrentQuantity.String()),
		zap.String("wac", p.CurrentWAC.String()))
	return p, nil
}
