package treasury

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/httpx"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// Handler manages fund and ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers treasury routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/funds", h.listFunds)
	r.Get("/funds/{id}", h.getFund)
	r.Get("/funds/{id}/ledger", h.listLedger)
	r.Post("/funds/{id}/credit", h.credit)
	r.Post("/funds/{id}/adjustments", h.adjust)
	r.Post("/funds/{id}/replenish", h.replenish)
	r.Post("/ledger/{id}/reconcile", h.reconcile)
}

type creditRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type adjustmentRequest struct {
	PaymentID int64  `json:"payment_id"`
	Delta     string `json:"delta" validate:"required"`
}

type fundResponse struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Balance      string    `json:"balance"`
	ReorderLevel string    `json:"reorder_level"`
	TargetLevel  string    `json:"target_level"`
	BelowReorder bool      `json:"below_reorder"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toFundResponse(f Fund) fundResponse {
	return fundResponse{
		ID:           f.ID,
		Name:         f.Name,
		Balance:      f.Balance.StringFixed(2),
		ReorderLevel: f.ReorderLevel.StringFixed(2),
		TargetLevel:  f.TargetLevel.StringFixed(2),
		BelowReorder: f.BelowReorder(),
		UpdatedAt:    f.UpdatedAt,
	}
}

type entryResponse struct {
	ID           int64     `json:"id"`
	FundID       int64     `json:"fund_id"`
	PaymentID    int64     `json:"payment_id,omitempty"`
	Type         string    `json:"type"`
	Amount       string    `json:"amount"`
	CreatedBy    int64     `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	Reconciled   bool      `json:"reconciled"`
	ReconciledBy int64     `json:"reconciled_by,omitempty"`
}

func toEntryResponse(e LedgerEntry) entryResponse {
	return entryResponse{
		ID:           e.ID,
		FundID:       e.FundID,
		PaymentID:    e.PaymentID,
		Type:         string(e.Type),
		Amount:       e.Amount.StringFixed(2),
		CreatedBy:    e.CreatedBy,
		CreatedAt:    e.CreatedAt,
		Reconciled:   e.Reconciled,
		ReconciledBy: e.ReconciledBy,
	}
}

func (h *Handler) listFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := h.service.ListFunds(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]fundResponse, 0, len(funds))
	for _, f := range funds {
		out = append(out, toFundResponse(f))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) getFund(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	f, err := h.service.GetFund(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toFundResponse(f))
}

func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	q := r.URL.Query()
	pageNum, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("page_size"))
	page := shared.NewPagination(pageNum, perPage, 0)

	entries, err := h.service.ListLedger(r.Context(), id, page.PerPage, page.Offset())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out, "page": page.Page})
}

func (h *Handler) credit(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.custodianAndID(w, r)
	if !ok {
		return
	}
	var payload creditRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil || !amount.IsPositive() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a positive decimal string")
		return
	}
	if err := h.service.Credit(r.Context(), id, amount, actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "credited"})
}

// adjust posts a manual settlement correction. Delta follows the
// PostAdjustment convention: positive reduces the balance.
func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.custodianAndID(w, r)
	if !ok {
		return
	}
	var payload adjustmentRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	delta, err := decimal.NewFromString(payload.Delta)
	if err != nil || delta.IsZero() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "delta must be a non-zero decimal string")
		return
	}
	if err := h.service.ApplyAdjustment(r.Context(), id, payload.PaymentID, delta, actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "adjusted"})
}

func (h *Handler) replenish(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.custodianAndID(w, r)
	if !ok {
		return
	}
	reqID, created, err := h.service.EnsureReplenishment(r.Context(), id, actor.ID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, map[string]any{"replenishment_id": reqID, "created": created})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.custodianAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.Reconcile(r.Context(), id, actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "reconciled"})
}

// custodianAndID authorizes fund mutation endpoints. Only the fund
// custodian role may move treasury money outside the execution engine.
func (h *Handler) custodianAndID(w http.ResponseWriter, r *http.Request) (shared.Actor, int64, bool) {
	actor := shared.ActorFromContext(r.Context())
	if actor.ID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
		return shared.Actor{}, 0, false
	}
	if !actor.Role.FundCustodian() {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "fund custodian role required")
		return shared.Actor{}, 0, false
	}
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return shared.Actor{}, 0, false
	}
	return actor, id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrFundNotFound), errors.Is(err, ErrEntryNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrAlreadyReconciled), errors.Is(err, ErrReplenishmentPending):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("treasury request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
