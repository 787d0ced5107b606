package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/inventory-ledger/ledger"
)

func fieldsOf(vs []ledger.FieldViolation) map[string]string {
	out := make(map[string]string, len(vs))
	for _, v := range vs {
		out[v.Field] = v.Rule
	}
	return out
}

func TestValidateInsert(t *testing.T) {
	valid := ledger.InsertInput{
		ProductID: 1, Type: ledger.Purchase, Quantity: dec("1"), UnitCost: dec("2"), Date: march(1),
	}

	tests := []struct {
		name  string
		edit  func(*ledger.InsertInput)
		wants map[string]string
	}{
		{"valid purchase", func(*ledger.InsertInput) {}, map[string]string{}},
		{"sale without cost", func(in *ledger.InsertInput) {
			in.Type = ledger.Sale
			in.UnitCost = decimal.Zero
		}, map[string]string{}},
		{"purchase without cost", func(in *ledger.InsertInput) { in.UnitCost = decimal.Zero },
			map[string]string{"cost_per_unit": "required"}},
		{"negative cost", func(in *ledger.InsertInput) { in.UnitCost = dec("-1") },
			map[string]string{"cost_per_unit": "gt"}},
		{"negative cost on sale", func(in *ledger.InsertInput) {
			in.Type = ledger.Sale
			in.UnitCost = dec("-1")
		}, map[string]string{"cost_per_unit": "gt"}},
		{"zero quantity", func(in *ledger.InsertInput) { in.Quantity = decimal.Zero },
			map[string]string{"quantity": "decimal_gt0"}},
		{"unknown type", func(in *ledger.InsertInput) { in.Type = 3 },
			map[string]string{"transaction_type": "oneof"}},
		{"missing date", func(in *ledger.InsertInput) { in.Date = ledger.Date{} },
			map[string]string{"transaction_date": "required"}},
		{"missing product", func(in *ledger.InsertInput) { in.ProductID = 0 },
			map[string]string{"product_id": "gt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.edit(&in)
			assert.Equal(t, tt.wants, fieldsOf(ledger.ValidateInsert(in)))
		})
	}
}

func TestValidateEdit_UsesStoredType(t *testing.T) {
	in := ledger.EditInput{ProductID: 1, TransactionID: 2, Quantity: dec("3")}

	assert.Empty(t, ledger.ValidateEdit(in, ledger.Sale))

	vs := ledger.ValidateEdit(in, ledger.Purchase)
	if assert.Len(t, vs, 1) {
		assert.Equal(t, "cost_per_unit", vs[0].Field)
		assert.Equal(t, "Cost per unit is required for purchase transactions.", vs[0].Message)
	}
}

func TestValidateProduct(t *testing.T) {
	assert.Empty(t, ledger.ValidateProduct(ledger.ProductInput{Name: "Widget", SKU: "W-1"}))
	assert.Equal(t,
		map[string]string{"name": "required", "sku": "required"},
		fieldsOf(ledger.ValidateProduct(ledger.ProductInput{Name: "  ", SKU: ""})))
}
