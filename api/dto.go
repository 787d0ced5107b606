/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Decimal amounts are
  always strings so no client rounds them through a float; every amount has
  a *_formatted companion for display.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Envelopes with a message and a payload

SEE ALSO:
  - handlers.go: Uses these types
  - format.go: *_formatted helpers
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateProductRequest struct {
	Name string `json:"name"`
	SKU  string `json:"sku"`
}

// CreateTransactionRequest accepts amounts as JSON numbers or strings.
type CreateTransactionRequest struct {
	TransactionType int             `json:"transaction_type"`
	Quantity        decimal.Decimal `json:"quantity"`
	CostPerUnit     decimal.Decimal `json:"cost_per_unit"`
	TransactionDate string          `json:"transaction_date"`
}

// UpdateTransactionRequest changes amounts only; type and date are fixed.
type UpdateTransactionRequest struct {
	Quantity    decimal.Decimal `json:"quantity"`
	CostPerUnit decimal.Decimal `json:"cost_per_unit"`
}

// =============================================================================
// PRODUCT
// =============================================================================

type PricingDTO struct {
	CurrentWAC          string `json:"current_wac"`
	CurrentWACFormatted string `json:"current_wac_formatted"`
}

type InventoryDTO struct {
	CurrentQuantity          string `json:"current_quantity"`
	CurrentQuantityFormatted string `json:"current_quantity_formatted"`
}

type ProductDTO struct {
	ID                 int64        `json:"id"`
	Name               string       `json:"name"`
	SKU                string       `json:"sku"`
	Pricing            PricingDTO   `json:"pricing"`
	Inventory          InventoryDTO `json:"inventory"`
	TotalCost          string       `json:"total_cost"`
	TotalCostFormatted string       `json:"total_cost_formatted"`
	CreatedAt          string       `json:"created_at,omitempty"`
	UpdatedAt          string       `json:"updated_at,omitempty"`
}

func toProductDTO(p ledger.Product) ProductDTO {
	return ProductDTO{
		ID:   int64(p.ID),
		Name: p.Name,
		SKU:  p.SKU,
		Pricing: PricingDTO{
			CurrentWAC:          p.CurrentWAC.StringFixed(ledger.CostScale),
			CurrentWACFormatted: formatMoney(p.CurrentWAC),
		},
		Inventory: InventoryDTO{
			CurrentQuantity:          p.CurrentQuantity.StringFixed(ledger.QuantityScale),
			CurrentQuantityFormatted: formatAmount(p.CurrentQuantity),
		},
		TotalCost:          p.TotalCost.StringFixed(ledger.CostScale),
		TotalCostFormatted: formatAmount(p.TotalCost),
		CreatedAt:          formatTimestamp(p.CreatedAt),
		UpdatedAt:          formatTimestamp(p.UpdatedAt),
	}
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionDTO struct {
	ID                       int64  `json:"id"`
	ProductID                int64  `json:"product_id"`
	ProductName              string `json:"product_name"`
	ProductSKU               string `json:"product_sku"`
	TransactionType          int    `json:"transaction_type"`
	TransactionTypeLabel     string `json:"transaction_type_label"`
	TransactionDate          string `json:"transaction_date"`
	TransactionDateFormatted string `json:"transaction_date_formatted"`
	Quantity                 string `json:"quantity"`
	QuantityFormatted        string `json:"quantity_formatted"`
	UnitCost                 string `json:"unit_cost"`
	UnitCostFormatted        string `json:"unit_cost_formatted"`
	TotalCost                string `json:"total_cost"`
	TotalCostFormatted       string `json:"total_cost_formatted"`
	QuantityBefore           string `json:"quantity_before"`
	QuantityAfter            string `json:"quantity_after"`
	WACBefore                string `json:"wac_before"`
	WACAfter                 string `json:"wac_after"`
	CreatedAt                string `json:"created_at"`
	UpdatedAt                string `json:"updated_at"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                       int64(tx.ID),
		ProductID:                int64(tx.ProductID),
		ProductName:              tx.ProductName,
		ProductSKU:               tx.ProductSKU,
		TransactionType:          int(tx.Type),
		TransactionTypeLabel:     tx.Type.String(),
		TransactionDate:          tx.Date.String(),
		TransactionDateFormatted: tx.Date.Label(),
		Quantity:                 tx.Quantity.StringFixed(ledger.QuantityScale),
		QuantityFormatted:        formatAmount(tx.Quantity),
		UnitCost:                 tx.UnitCost.StringFixed(ledger.CostScale),
		UnitCostFormatted:        formatAmount(tx.UnitCost),
		TotalCost:                tx.TotalCost.StringFixed(ledger.CostScale),
		TotalCostFormatted:       formatAmount(tx.TotalCost),
		QuantityBefore:           tx.QuantityBefore.StringFixed(ledger.QuantityScale),
		QuantityAfter:            tx.QuantityAfter.StringFixed(ledger.QuantityScale),
		WACBefore:                tx.WACBefore.StringFixed(ledger.CostScale),
		WACAfter:                 tx.WACAfter.StringFixed(ledger.CostScale),
		CreatedAt:                formatTimestamp(tx.CreatedAt),
		UpdatedAt:                formatTimestamp(tx.UpdatedAt),
	}
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditReportDTO struct {
	ProductID        int64                   `json:"product_id"`
	Healthy          bool                    `json:"healthy"`
	Transactions     int                     `json:"transactions"`
	ExpectedQuantity string                  `json:"expected_quantity"`
	ExpectedWAC      string                  `json:"expected_wac"`
	Violations       []ledger.AuditViolation `json:"violations"`
}

func toAuditReportDTO(r ledger.AuditReport) AuditReportDTO {
	violations := r.Violations
	if violations == nil {
		violations = []ledger.AuditViolation{}
	}
	return AuditReportDTO{
		ProductID:        int64(r.ProductID),
		Healthy:          r.Healthy(),
		Transactions:     r.Transactions,
		ExpectedQuantity: r.Expected.Quantity.StringFixed(ledger.QuantityScale),
		ExpectedWAC:      r.Expected.WAC.StringFixed(ledger.CostScale),
		Violations:       violations,
	}
}

// =============================================================================
// ENVELOPES
// =============================================================================

type PaginationDTO struct {
	CurrentPage  int  `json:"current_page"`
	LastPage     int  `json:"last_page"`
	PerPage      int  `json:"per_page"`
	Total        int  `json:"total"`
	From         *int `json:"from"`
	To           *int `json:"to"`
	HasMorePages bool `json:"has_more_pages"`
}

// newPagination describes one page of total items. From and To are nil
// when the page is empty.
func newPagination(page ledger.Page, count, total int) PaginationDTO {
	last := (total + page.PerPage - 1) / page.PerPage
	if last < 1 {
		last = 1
	}
	p := PaginationDTO{
		CurrentPage:  page.Number,
		LastPage:     last,
		PerPage:      page.PerPage,
		Total:        total,
		HasMorePages: page.Number < last,
	}
	if count > 0 {
		from := page.Offset() + 1
		to := page.Offset() + count
		p.From, p.To = &from, &to
	}
	return p
}

type ProductResponse struct {
	Message string     `json:"message"`
	Product ProductDTO `json:"product"`
}

type ProductListResponse struct {
	Message    string        `json:"message"`
	Products   []ProductDTO  `json:"products"`
	Pagination PaginationDTO `json:"pagination"`
}

type TransactionResponse struct {
	Message     string         `json:"message"`
	Transaction TransactionDTO `json:"transaction"`
}

type TransactionListResponse struct {
	Message      string           `json:"message"`
	Transactions []TransactionDTO `json:"transactions"`
	Pagination   PaginationDTO    `json:"pagination"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type AuditResponse struct {
	Message string         `json:"message"`
	Report  AuditReportDTO `json:"report"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string              `json:"message"`
	Details string              `json:"error,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
