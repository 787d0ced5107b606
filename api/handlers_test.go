/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Product catalog endpoints and pagination envelope
- Transaction insert / edit / delete with replay visible over HTTP
- Status mapping (404, 409, 422) and field violation bodies
- Ledger verify and rebuild
- /healthz and /metrics
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/inventory-ledger/ledger"
	"github.com/warp/inventory-ledger/lock"
	"github.com/warp/inventory-ledger/observability"
	"github.com/warp/inventory-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router http.Handler
	ledger *ledger.Coordinator
	store  *sqlite.Store
}

func newTestServer(t *testing.T, locker ledger.Locker) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if locker == nil {
		locker = lock.NewLocal()
	}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	c := ledger.NewCoordinator(store, locker, ledger.WithMetrics(metrics))
	h := NewHandler(c, store, nil)
	return &testServer{
		router: NewRouter(h, RouterConfig{Metrics: metrics, Gatherer: reg}),
		ledger: c,
		store:  store,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (s *testServer) createProduct(t *testing.T, sku string) int64 {
	t.Helper()
	rec, body := s.do(t, http.MethodPost, "/api/products", map[string]any{"name": "Item " + sku, "sku": sku})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return int64(body["product"].(map[string]any)["id"].(float64))
}

func (s *testServer) book(t *testing.T, productID int64, body map[string]any) map[string]any {
	t.Helper()
	rec, out := s.do(t, http.MethodPost, fmt.Sprintf("/api/products/%d/transactions", productID), body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return out["transaction"].(map[string]any)
}

func purchase(qty, cost, date string) map[string]any {
	return map[string]any{"transaction_type": 1, "quantity": qty, "cost_per_unit": cost, "transaction_date": date}
}

func sale(qty, date string) map[string]any {
	return map[string]any{"transaction_type": 2, "quantity": qty, "transaction_date": date}
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestProducts_CreateGetList(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProduct(t, "APPL-IP15P-256")
	s.createProduct(t, "SMSG-GS24U-512")

	rec, body := s.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	product := body["product"].(map[string]any)
	assert.Equal(t, "APPL-IP15P-256", product["sku"])
	assert.Equal(t, "0.0000", product["pricing"].(map[string]any)["current_wac"])
	assert.Equal(t, "$0.00", product["pricing"].(map[string]any)["current_wac_formatted"])

	rec, body = s.do(t, http.MethodGet, "/api/products?per_page=1&page=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["products"], 1)
	pagination := body["pagination"].(map[string]any)
	assert.Equal(t, 2.0, pagination["current_page"])
	assert.Equal(t, 2.0, pagination["last_page"])
	assert.Equal(t, 2.0, pagination["total"])
	assert.Equal(t, 2.0, pagination["from"])
	assert.Equal(t, false, pagination["has_more_pages"])
}

func TestProducts_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	s.createProduct(t, "SKU-1")

	rec, body := s.do(t, http.MethodPost, "/api/products", map[string]any{"name": "Other", "sku": "SKU-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["errors"], "sku")

	rec, body = s.do(t, http.MethodPost, "/api/products", map[string]any{"sku": "SKU-2"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "Name is required.", body["message"])

	rec, _ = s.do(t, http.MethodGet, "/api/products/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/products/abc", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestTransactions_BackdatedPurchaseReplaysSale(t *testing.T) {
	// GIVEN: 100 @ 10 on Mar 1 and a sale of 40 on Mar 5
	s := newTestServer(t, nil)
	id := s.createProduct(t, "W-1")
	s.book(t, id, purchase("100", "10", "2025-03-01"))
	saleTx := s.book(t, id, sale("40", "2025-03-05"))
	assert.Equal(t, "10.0000", saleTx["unit_cost"])
	assert.Equal(t, "sale", saleTx["transaction_type_label"])
	assert.Equal(t, "Mar 05, 2025", saleTx["transaction_date_formatted"])
	assert.Equal(t, "-40.00", saleTx["quantity_formatted"])

	// WHEN: a purchase of 50 @ 16 is backdated to Mar 3
	mid := s.book(t, id, purchase("50", "16", "2025-03-03"))

	// THEN: the new row averages to 12 and the sale is repriced
	assert.Equal(t, "12.0000", mid["wac_after"])
	rec, body := s.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d/transactions", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txs := body["transactions"].([]any)
	require.Len(t, txs, 3)
	latest := txs[0].(map[string]any)
	assert.Equal(t, saleTx["id"], latest["id"])
	assert.Equal(t, "12.0000", latest["unit_cost"])
	assert.Equal(t, "-480.0000", latest["total_cost"])
	assert.Equal(t, "150.00000000", latest["quantity_before"])

	_, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d", id), nil)
	product := body["product"].(map[string]any)
	assert.Equal(t, "110.00000000", product["inventory"].(map[string]any)["current_quantity"])
	assert.Equal(t, "1,320.00", product["total_cost_formatted"])
}

func TestTransactions_FilterByType(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProduct(t, "W-1")
	s.book(t, id, purchase("100", "10", "2025-03-01"))
	s.book(t, id, sale("10", "2025-03-02"))
	s.book(t, id, purchase("5", "10", "2025-03-03"))

	_, body := s.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d/transactions?transaction_type=1", id), nil)
	assert.Len(t, body["transactions"], 2)

	rec, _ := s.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d/transactions?transaction_type=7", id), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/products/999/transactions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransactions_HugePageIsEmpty(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProduct(t, "W-PG")
	s.book(t, id, purchase("10", "1", "2025-03-01"))
	s.book(t, id, sale("2", "2025-03-02"))

	rec, body := s.do(t, http.MethodGet,
		fmt.Sprintf("/api/products/%d/transactions?page=922337203685477580&per_page=100", id), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, body["transactions"])
	pagination := body["pagination"].(map[string]any)
	assert.Equal(t, 2.0, pagination["total"])
	assert.Nil(t, pagination["from"])
	assert.Nil(t, pagination["to"])
	assert.Equal(t, false, pagination["has_more_pages"])
}

func TestTransactions_Rejections(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProduct(t, "W-1")
	path := fmt.Sprintf("/api/products/%d/transactions", id)

	// first transaction must be a purchase
	rec, body := s.do(t, http.MethodPost, path, sale("1", "2025-03-01"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "The first transaction for a product must be a purchase", body["message"])

	s.book(t, id, purchase("100", "10", "2025-03-01"))

	// insufficient quantity
	rec, body = s.do(t, http.MethodPost, path, sale("1000", "2025-03-02"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["message"], "Available quantity: 100")

	// missing cost on a purchase, bad date
	rec, body = s.do(t, http.MethodPost, path, map[string]any{"transaction_type": 1, "quantity": "5", "transaction_date": "2025-03-02"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, []any{"Cost per unit is required for purchase transactions."},
		body["errors"].(map[string]any)["cost_per_unit"])

	rec, body = s.do(t, http.MethodPost, path, purchase("5", "1", "03/02/2025"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["errors"], "transaction_date")

	// backdating window
	s.book(t, id, purchase("1", "10", "2025-05-01"))
	rec, _ = s.do(t, http.MethodPost, path, purchase("1", "10", "2025-03-15"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// malformed JSON
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{"))
	raw := httptest.NewRecorder()
	s.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestTransactions_EditAndDelete(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProduct(t, "W-1")
	first := s.book(t, id, purchase("100", "10", "2025-03-01"))
	mid := s.book(t, id, purchase("50", "16", "2025-03-03"))
	saleTx := s.book(t, id, sale("120", "2025-03-05"))

	// edit the first purchase's cost: the sale is repriced
	rec, body := s.do(t, http.MethodPut,
		fmt.Sprintf("/api/products/%d/transactions/%v", id, first["id"]),
		map[string]any{"quantity": "100", "cost_per_unit": "13"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "13.0000", body["transaction"].(map[string]any)["wac_after"])

	// the sale depends on the middle purchase
	rec, body = s.do(t, http.MethodDelete, fmt.Sprintf("/api/products/%d/transactions/%v", id, mid["id"]), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, body["message"], "2025-03-05")

	// the sale itself can go
	rec, body = s.do(t, http.MethodDelete, fmt.Sprintf("/api/products/%d/transactions/%v", id, saleTx["id"]), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Product transaction deleted successfully", body["message"])

	rec, _ = s.do(t, http.MethodDelete, fmt.Sprintf("/api/products/%d/transactions/%v", id, saleTx["id"]), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// POST on the item route edits too
	rec, _ = s.do(t, http.MethodPost,
		fmt.Sprintf("/api/products/%d/transactions/%v", id, mid["id"]),
		map[string]any{"quantity": "60", "cost_per_unit": "16"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d/ledger/verify", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["report"].(map[string]any)["healthy"])
}

// =============================================================================
// LEDGER
// =============================================================================

func TestLedger_RebuildRepairsDrift(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createProduct(t, "W-1")
	s.book(t, id, purchase("100", "10", "2025-03-01"))
	s.book(t, id, sale("40", "2025-03-05"))

	// GIVEN: product columns damaged outside the ledger
	ctx := context.Background()
	err := s.store.WithTx(ctx, func(tx ledger.TxStore) error {
		return tx.UpdateProductState(ctx, ledger.ProductID(id), ledger.RunningState{Quantity: ledger.ZeroState.Quantity, WAC: ledger.ZeroState.WAC})
	})
	require.NoError(t, err)

	_, body := s.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d/ledger/verify", id), nil)
	report := body["report"].(map[string]any)
	assert.Equal(t, false, report["healthy"])
	assert.NotEmpty(t, report["violations"])

	// WHEN: the ledger is rebuilt
	rec, body := s.do(t, http.MethodPost, fmt.Sprintf("/api/products/%d/ledger/rebuild", id), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: the product mirrors the chain again
	assert.Equal(t, true, body["report"].(map[string]any)["healthy"])
	_, body = s.do(t, http.MethodGet, fmt.Sprintf("/api/products/%d", id), nil)
	assert.Equal(t, "60.00000000", body["product"].(map[string]any)["inventory"].(map[string]any)["current_quantity"])
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("held elsewhere")
}

func TestLedger_BusyAnswers409(t *testing.T) {
	s := newTestServer(t, busyLocker{})
	id := s.createProduct(t, "W-1")

	rec, _ := s.do(t, http.MethodPost, fmt.Sprintf("/api/products/%d/transactions", id), purchase("1", "1", "2025-03-01"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	s.createProduct(t, "W-1")

	rec, body := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["message"])

	rec, _ = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Regexp(t, `http_requests_total\{method="POST",path="/api/products/?",status="201"\} 1`, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h := NewHandler(ledger.NewCoordinator(store, lock.NewLocal()), store, nil)
	router := NewRouter(h, RouterConfig{RateLimitPerMinute: 1})

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/products",
			strings.NewReader(`{"name":"A","sku":"SKU-1"}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusCreated, post())
	assert.Equal(t, http.StatusTooManyRequests, post())

	// reads are not limited
	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
