package stock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*chi.Mux, *memoryRepo, *Service) {
	t.Helper()
	repo := newMemoryRepo()
	svc := newTestService(repo)
	handler := NewHandler(slog.Default(), svc)
	router := chi.NewRouter()
	router.Route("/stock", handler.MountRoutes)
	return router, repo, svc
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerReceiveAndSummary(t *testing.T) {
	router, _, _ := newTestHandler(t)

	body := fmt.Sprintf(`{
		"purchase_id": %q,
		"lines": [
			{"product_id": 7, "qty": "5", "unit_cost": "10"},
			{"product_id": 7, "qty": "5", "unit_cost": "12"}
		]
	}`, uuid.NewString())
	rec := doJSON(t, router, http.MethodPost, "/stock/receipts", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/stock/products/7/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary struct {
		Balance string `json:"Balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, "10", summary.Balance)
}

func TestHandlerInsufficientStockConflict(t *testing.T) {
	router, _, svc := newTestHandler(t)
	receiveTwoBatches(t, svc)

	body := fmt.Sprintf(`{"product_id": 7, "qty": "11", "sale_line_id": %q}`, uuid.NewString())
	rec := doJSON(t, router, http.MethodPost, "/stock/allocations", body)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "insufficient_stock", resp["error"])
	require.Equal(t, "1", resp["shortfall"])
}

func TestHandlerNoStockConflict(t *testing.T) {
	router, _, _ := newTestHandler(t)

	body := fmt.Sprintf(`{"product_id": 99, "qty": "1", "sale_line_id": %q}`, uuid.NewString())
	rec := doJSON(t, router, http.MethodPost, "/stock/allocations", body)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "no_stock", resp["error"])
}

func TestHandlerReversalWithoutLineage(t *testing.T) {
	router, _, _ := newTestHandler(t)

	body := fmt.Sprintf(`{"sale_line_id": %q}`, uuid.NewString())
	rec := doJSON(t, router, http.MethodPost, "/stock/reversals", body)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "lineage_not_found", resp["error"])
}

func TestHandlerValidateRejectsBadBody(t *testing.T) {
	router, _, _ := newTestHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/stock/validate", `{"items": []}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/stock/validate", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerValidateReportsShortfalls(t *testing.T) {
	router, _, svc := newTestHandler(t)
	receiveTwoBatches(t, svc)

	rec := doJSON(t, router, http.MethodPost, "/stock/validate",
		`{"items": [{"product_id": 7, "qty": "25"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		Valid      bool
		Shortfalls []struct {
			ProductID int64
			Shortfall string
		}
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.False(t, result.Valid)
	require.Len(t, result.Shortfalls, 1)
	require.Equal(t, "15", result.Shortfalls[0].Shortfall)
}

func TestHandlerSummaryNotFound(t *testing.T) {
	router, _, _ := newTestHandler(t)

	rec := doJSON(t, router, http.MethodGet, "/stock/products/404/summary", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerRejectsInvalidProductID(t *testing.T) {
	router, _, _ := newTestHandler(t)

	rec := doJSON(t, router, http.MethodGet, "/stock/products/abc/summary", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerReceiveValidatesUUID(t *testing.T) {
	router, _, _ := newTestHandler(t)

	rec := doJSON(t, router, http.MethodPost, "/stock/receipts",
		`{"purchase_id": "not-a-uuid", "lines": [{"product_id": 7, "qty": "1", "unit_cost": "1"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
