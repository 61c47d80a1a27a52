package stock

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/northwind-labs/stockledger/internal/shared"
)

// Handler wires the JSON endpoints for the stock module. It only decodes,
// validates and translates errors; all behavior lives in Service.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(60, time.Minute))
		r.Post("/receipts", h.handleReceive)
		r.Post("/allocations", h.handleAllocate)
		r.Post("/reversals", h.handleReverse)
		r.Post("/reversals/untracked", h.handleReverseUntracked)
	})
	r.Post("/validate", h.handleValidate)
	r.Get("/products/{productID}/summary", h.handleSummary)
	r.Post("/products/{productID}/summary/refresh", h.handleRefreshSummary)
	r.Get("/products/{productID}/transactions", h.handleTransactions)
	r.Get("/products/{productID}/batches", h.handleBatches)
	r.Get("/batches/expiring", h.handleExpiringBatches)
}

type receiveLineRequest struct {
	ProductID  int64           `json:"product_id" validate:"required"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	ReceivedAt *time.Time      `json:"received_at"`
	BatchNo    string          `json:"batch_no"`
	ExpiresAt  *time.Time      `json:"expires_at"`
}

type receiveRequest struct {
	PurchaseID string               `json:"purchase_id" validate:"required,uuid4"`
	Reference  string               `json:"reference"`
	ActorID    int64                `json:"actor_id"`
	Lines      []receiveLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type allocateRequest struct {
	ProductID  int64           `json:"product_id" validate:"required"`
	Qty        decimal.Decimal `json:"qty"`
	SaleLineID string          `json:"sale_line_id" validate:"required,uuid4"`
	Reference  string          `json:"reference"`
	Note       string          `json:"note"`
	ActorID    int64           `json:"actor_id"`
}

type reverseRequest struct {
	SaleLineID string `json:"sale_line_id" validate:"required,uuid4"`
	ReturnID   string `json:"return_id" validate:"omitempty,uuid4"`
	Reference  string `json:"reference"`
	ActorID    int64  `json:"actor_id"`
}

type reverseUntrackedRequest struct {
	ProductID int64           `json:"product_id" validate:"required"`
	Qty       decimal.Decimal `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	ReturnID  string          `json:"return_id" validate:"omitempty,uuid4"`
	Reference string          `json:"reference"`
	ActorID   int64           `json:"actor_id"`
}

type validateItemRequest struct {
	ProductID int64           `json:"product_id" validate:"required"`
	Qty       decimal.Decimal `json:"qty"`
}

type validateRequest struct {
	Items []validateItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := ReceiveInput{
		PurchaseID: req.PurchaseID,
		Reference:  req.Reference,
		ActorID:    req.ActorID,
	}
	for _, line := range req.Lines {
		l := ReceiveLineInput{
			ProductID: line.ProductID,
			Qty:       line.Qty,
			UnitCost:  line.UnitCost,
			BatchNo:   line.BatchNo,
			ExpiresAt: line.ExpiresAt,
		}
		if line.ReceivedAt != nil {
			l.ReceivedAt = *line.ReceivedAt
		}
		input.Lines = append(input.Lines, l)
	}
	batches, err := h.service.ReceivePurchase(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"batches": batches})
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.AllocateForSale(r.Context(), AllocateInput{
		ProductID:  req.ProductID,
		Qty:        req.Qty,
		SaleLineID: req.SaleLineID,
		Reference:  req.Reference,
		Note:       req.Note,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.ReverseForReturn(r.Context(), ReverseInput{
		SaleLineID: req.SaleLineID,
		ReturnID:   req.ReturnID,
		Reference:  req.Reference,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleReverseUntracked(w http.ResponseWriter, r *http.Request) {
	var req reverseUntrackedRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.ReverseUntracked(r.Context(), UntrackedReversalInput{
		ProductID: req.ProductID,
		Qty:       req.Qty,
		UnitCost:  req.UnitCost,
		ReturnID:  req.ReturnID,
		Reference: req.Reference,
		ActorID:   req.ActorID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !h.decode(w, r, &req) {
		return
	}
	items := make([]ValidateItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, ValidateItem{ProductID: item.ProductID, Qty: item.Qty})
	}
	result, err := h.service.ValidateAvailability(r.Context(), items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productIDParam(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetSummary(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleRefreshSummary(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productIDParam(w, r)
	if !ok {
		return
	}
	summary, err := h.service.RefreshSummary(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productIDParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pagination := shared.NewPagination(page, perPage, 0)

	filter := TransactionFilter{
		ProductID: productID,
		Type:      TransactionType(q.Get("type")),
		Limit:     pagination.PerPage,
		Offset:    pagination.Offset(),
	}
	txs, total, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"pagination":   shared.NewPagination(pagination.Page, pagination.PerPage, total),
	})
}

func (h *Handler) handleBatches(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.productIDParam(w, r)
	if !ok {
		return
	}
	batches, err := h.service.ListAvailableBatches(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *Handler) handleExpiringBatches(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	if days <= 0 {
		days = 30
	}
	batches, err := h.service.ExpiringBatches(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *Handler) productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || id <= 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid product id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientStockError
	var invariant *InvariantViolationError
	switch {
	case errors.As(err, &insufficient):
		h.writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "insufficient_stock",
			"product_id": insufficient.ProductID,
			"requested":  insufficient.Requested,
			"available":  insufficient.Available,
			"shortfall":  insufficient.Shortfall(),
		})
	case errors.Is(err, ErrNoStock):
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": "no_stock"})
	case errors.Is(err, ErrLineageNotFound):
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": "lineage_not_found"})
	case errors.Is(err, shared.ErrIdempotencyConflict):
		h.writeJSON(w, http.StatusConflict, map[string]any{"error": "already_processed"})
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost), errors.Is(err, shared.ErrValidation):
		h.writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, ErrSummaryNotFound), errors.Is(err, ErrBatchNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	case errors.As(err, &invariant):
		h.logger.Error("stock invariant violation", slog.Any("error", err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	default:
		h.logger.Error("stock request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": shared.UserSafeMessage(err)})
	}
}
