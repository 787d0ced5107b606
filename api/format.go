package api

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var printer = message.NewPrinter(language.English)

// formatAmount renders d with two decimals and thousands separators,
// e.g. "1,320.00". Rounding is half away from zero, like the ledger.
func formatAmount(d decimal.Decimal) string {
	return printer.Sprint(number.Decimal(d.Round(2).InexactFloat64(), number.Scale(2)))
}

// formatMoney is formatAmount with a leading dollar sign.
func formatMoney(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + formatAmount(d.Neg())
	}
	return "$" + formatAmount(d)
}
