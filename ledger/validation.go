/*
validation.go - Field-level checks on caller input

PURPOSE:
  Insert and product checks run before any lock is taken; edit checks need
  the stored transaction type and run inside the unit of work. Each check
  returns a list of FieldViolation rather than a single error so an
  API can report every bad field at once.

CONDITIONAL RULE:
  cost_per_unit depends on the transaction type. It is required and
  positive for purchases. For sales it may be omitted, and is ignored since
  a sale is always priced at the running WAC; when it is present it must
  still be positive. On edit the type comes from the stored row, not from
  the request.

STRUCT TAGS:
  Static rules are expressed as go-playground/validator tags. decimal.Decimal
  and Date are presented to the validator as strings through custom type
  funcs, so "required" and the decimal_gt0 tag work on them.
*/
package ledger

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUTS
// =============================================================================

type InsertInput struct {
	ProductID ProductID       `json:"product_id" validate:"gt=0"`
	Type      TransactionType `json:"transaction_type" validate:"oneof=1 2"`
	Quantity  decimal.Decimal `json:"quantity" validate:"decimal_gt0"`
	UnitCost  decimal.Decimal `json:"cost_per_unit"`
	Date      Date            `json:"transaction_date" validate:"required"`
}

type EditInput struct {
	ProductID     ProductID       `json:"product_id" validate:"gt=0"`
	TransactionID TransactionID   `json:"transaction_id" validate:"gt=0"`
	Quantity      decimal.Decimal `json:"quantity" validate:"decimal_gt0"`
	UnitCost      decimal.Decimal `json:"cost_per_unit"`
}

type ProductInput struct {
	Name string `json:"name" validate:"required,max=255"`
	SKU  string `json:"sku" validate:"required,max=64"`
}

// =============================================================================
// VALIDATOR
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(Date); ok && !d.IsZero() {
			return d.String()
		}
		return ""
	}, Date{})
	_ = v.RegisterValidation("decimal_gt0", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	return v
}

var messages = map[string]string{
	"product_id.gt":             "Product is required.",
	"transaction_id.gt":         "Transaction is required.",
	"transaction_type.oneof":    "Transaction type must be a valid type (1 for purchase, 2 for sale).",
	"quantity.decimal_gt0":      "Quantity must be greater than 0.",
	"cost_per_unit.required":    "Cost per unit is required for purchase transactions.",
	"cost_per_unit.gt":          "Cost per unit must be greater than 0.",
	"transaction_date.required": "Transaction date is required.",
	"transaction_date.date":     "Transaction date must be a valid date.",
	"name.required":             "Name is required.",
	"name.max":                  "Name must not exceed 255 characters.",
	"sku.required":              "SKU is required.",
	"sku.max":                   "SKU must not exceed 64 characters.",
}

func violation(field, rule string) FieldViolation {
	msg, ok := messages[field+"."+rule]
	if !ok {
		msg = field + " is invalid."
	}
	return FieldViolation{Field: field, Rule: rule, Message: msg}
}

func structViolations(s any) []FieldViolation {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldViolation{{Field: "", Rule: "invalid", Message: err.Error()}}
	}
	out := make([]FieldViolation, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, violation(fe.Field(), fe.Tag()))
	}
	return out
}

// unitCostViolations applies the type-dependent cost_per_unit rule.
func unitCostViolations(txType TransactionType, cost decimal.Decimal) []FieldViolation {
	switch {
	case txType == Purchase && cost.IsZero():
		return []FieldViolation{violation("cost_per_unit", "required")}
	case !cost.IsZero() && !cost.IsPositive():
		return []FieldViolation{violation("cost_per_unit", "gt")}
	}
	return nil
}

// =============================================================================
// CHECKS
// =============================================================================

// ValidateInsert returns every violation in a candidate insert.
func ValidateInsert(in InsertInput) []FieldViolation {
	out := structViolations(in)
	return append(out, unitCostViolations(in.Type, in.UnitCost)...)
}

// ValidateEdit checks an edit against the stored type of the transaction.
func ValidateEdit(in EditInput, txType TransactionType) []FieldViolation {
	out := structViolations(in)
	return append(out, unitCostViolations(txType, in.UnitCost)...)
}

func ValidateProduct(in ProductInput) []FieldViolation {
	in.Name = strings.TrimSpace(in.Name)
	in.SKU = strings.TrimSpace(in.SKU)
	return structViolations(in)
}

// Invalid reports a single failed rule, for checks made before an input
// struct can be built (a date that does not parse, say).
func Invalid(field, rule string) *ValidationError {
	return &ValidationError{Violations: []FieldViolation{violation(field, rule)}}
}

func asError(violations []FieldViolation) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}
