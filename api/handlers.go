/*
handlers.go - HTTP API handlers for the inventory ledger

PURPOSE:
  Exposes the ledger coordinator via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to ledger logic.

ENDPOINTS:
  Products:
    GET    /api/products                       List products (paginated)
    POST   /api/products                       Create product
    GET    /api/products/{id}                  Get product with current state

  Transactions:
    GET    /api/products/{id}/transactions     Latest first, ?transaction_type=
    POST   /api/products/{id}/transactions     Book a purchase or sale
    PUT    /api/products/{id}/transactions/{transactionId}  Edit amounts
    DELETE /api/products/{id}/transactions/{transactionId}  Remove

  Ledger:
    GET    /api/products/{id}/ledger/verify    Audit the chain
    POST   /api/products/{id}/ledger/rebuild   Replay the chain from zero

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed JSON
  - 404: Product or transaction not found
  - 409: Product ledger busy (lock not acquired in time)
  - 422: Field violations and business rule rejections
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/coordinator.go: the operations behind every write
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Coordinator
	health Pinger
	log    *zap.Logger
}

// NewHandler creates a new handler. health may be nil.
func NewHandler(c *ledger.Coordinator, health Pinger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Ledger: c, health: health, log: log}
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns one page of products ordered by ID.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	products, total, err := h.Ledger.ListProducts(r.Context(), page)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list products", err)
		return
	}

	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, ProductListResponse{
		Message:    "Products retrieved successfully",
		Products:   dtos,
		Pagination: newPagination(page.Normalize(), len(dtos), total),
	})
}

// CreateProduct registers a product with an empty ledger.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	p, err := h.Ledger.CreateProduct(r.Context(), ledger.ProductInput{Name: req.Name, SKU: req.SKU})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to create product", err)
		return
	}
	writeJSON(w, http.StatusCreated, ProductResponse{
		Message: "Product created successfully",
		Product: toProductDTO(p),
	})
}

// GetProduct returns a single product with its current state.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	p, err := h.Ledger.Product(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get product", err)
		return
	}
	writeJSON(w, http.StatusOK, ProductResponse{
		Message: "Product retrieved successfully",
		Product: toProductDTO(p),
	})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions returns one page of a product's transactions, latest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}

	filter := ledger.TransactionFilter{ProductID: id, Page: pageFromQuery(r)}
	if raw := r.URL.Query().Get("transaction_type"); raw != "" {
		t, err := strconv.Atoi(raw)
		if err != nil {
			h.writeLedgerError(w, r, "", ledger.Invalid("transaction_type", "oneof"))
			return
		}
		filter.Type = ledger.TransactionType(t)
	}

	txs, total, err := h.Ledger.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{
		Message:      "Product transactions retrieved successfully",
		Transactions: dtos,
		Pagination:   newPagination(filter.Page.Normalize(), len(dtos), total),
	})
}

// CreateTransaction books a purchase or a sale and replays every later
// transaction of the product.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := ledger.InsertInput{
		ProductID: id,
		Type:      ledger.TransactionType(req.TransactionType),
		Quantity:  req.Quantity,
		UnitCost:  req.CostPerUnit,
	}
	if req.TransactionDate != "" {
		date, err := ledger.ParseDate(req.TransactionDate)
		if err != nil {
			h.writeLedgerError(w, r, "", ledger.Invalid("transaction_date", "date"))
			return
		}
		in.Date = date
	}

	tx, err := h.Ledger.Insert(r.Context(), in)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to create product transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, TransactionResponse{
		Message:     "Product transaction created successfully",
		Transaction: toTransactionDTO(tx),
	})
}

// UpdateTransaction changes the amounts of a transaction. Its type and date
// are fixed.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	txID, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, err := h.Ledger.Edit(r.Context(), ledger.EditInput{
		ProductID:     id,
		TransactionID: txID,
		Quantity:      req.Quantity,
		UnitCost:      req.CostPerUnit,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to update product transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionResponse{
		Message:     "Product transaction updated successfully",
		Transaction: toTransactionDTO(tx),
	})
}

// DeleteTransaction removes a transaction and replays the chain after it.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	txID, ok := transactionIDParam(w, r)
	if !ok {
		return
	}

	if err := h.Ledger.Delete(r.Context(), id, txID); err != nil {
		h.writeLedgerError(w, r, "Failed to delete product transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Product transaction deleted successfully"})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// VerifyLedger audits the committed chain of a product.
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	report, err := h.Ledger.Verify(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to verify ledger", err)
		return
	}
	msg := "Ledger is consistent"
	if !report.Healthy() {
		msg = "Ledger has violations"
	}
	writeJSON(w, http.StatusOK, AuditResponse{Message: msg, Report: toAuditReportDTO(report)})
}

// RebuildLedger replays the whole chain from zero and returns the audit of
// the result.
func (h *Handler) RebuildLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	report, err := h.Ledger.Rebuild(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to rebuild ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{Message: "Ledger rebuilt successfully", Report: toAuditReportDTO(report)})
}

// Health answers 200 when the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Message: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps a coordinator error to a status code. fallback is
// the message used for unexpected failures.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, fallback string, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.Is(err, ledger.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "Product not found", nil)
	case errors.Is(err, ledger.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
	case errors.As(err, &verr):
		resp := ErrorResponse{Message: verr.Violations[0].Message, Errors: map[string][]string{}}
		for _, v := range verr.Violations {
			resp.Errors[v.Field] = append(resp.Errors[v.Field], v.Message)
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, ledger.ErrDuplicateSKU):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Message: "The SKU has already been taken.",
			Errors:  map[string][]string{"sku": {"The SKU has already been taken."}},
		})
	case ledger.IsClientError(err):
		writeError(w, http.StatusUnprocessableEntity, capitalize(err.Error()), nil)
	case errors.Is(err, ledger.ErrLockTimeout):
		writeError(w, http.StatusConflict, "Product ledger is busy, retry later", err)
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, fallback, err)
	}
}

// productIDParam parses {id}. A malformed ID answers 404, like a missing one.
func productIDParam(w http.ResponseWriter, r *http.Request) (ledger.ProductID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "Product not found", nil)
		return 0, false
	}
	return ledger.ProductID(id), true
}

func transactionIDParam(w http.ResponseWriter, r *http.Request) (ledger.TransactionID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "transactionId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return 0, false
	}
	return ledger.TransactionID(id), true
}

// pageFromQuery reads ?page= and ?per_page=. Bad values fall back to the
// defaults applied by Page.Normalize.
func pageFromQuery(r *http.Request) ledger.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	return ledger.Page{Number: page, PerPage: perPage}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
