package payment

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/httpx"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// Handler manages payment endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers payment routes. The OTP endpoints carry a tight
// per-IP rate limit on top of the global one.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/execute", h.execute)
	r.Post("/{id}/settlement", h.confirmSettlement)
	r.Post("/variances/{id}/approve", h.approveVariance)

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(5, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/{id}/otp/request", h.requestOTP)
		r.Post("/{id}/otp/verify", h.verifyOTP)
	})
}

type verifyRequest struct {
	Code string `json:"code" validate:"required,numeric,min=4,max=10"`
}

type executeRequest struct {
	Note string `json:"note" validate:"max=500"`
}

type settlementRequest struct {
	ActualAmount string `json:"actual_amount" validate:"required"`
	Reason       string `json:"reason" validate:"max=500"`
}

type paymentResponse struct {
	ID            int64     `json:"id"`
	RequisitionID int64     `json:"requisition_id"`
	FundID        int64     `json:"fund_id"`
	Amount        string    `json:"amount"`
	Method        string    `json:"method"`
	Destination   string    `json:"destination"`
	Status        string    `json:"status"`
	ExecutorID    int64     `json:"executor_id,omitempty"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toResponse(p Payment) paymentResponse {
	return paymentResponse{
		ID:            p.ID,
		RequisitionID: p.RequisitionID,
		FundID:        p.FundID,
		Amount:        p.Amount.StringFixed(2),
		Method:        p.Method,
		Destination:   p.Destination,
		Status:        string(p.Status),
		ExecutorID:    p.ExecutorID,
		RetryCount:    p.RetryCount,
		MaxRetries:    p.MaxRetries,
		LastError:     p.LastError,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

type varianceResponse struct {
	ID             int64  `json:"id"`
	PaymentID      int64  `json:"payment_id"`
	OriginalAmount string `json:"original_amount"`
	ActualAmount   string `json:"actual_amount"`
	Delta          string `json:"delta"`
	Reason         string `json:"reason,omitempty"`
	Status         string `json:"status"`
	RecordedBy     int64  `json:"recorded_by"`
	ApprovedBy     int64  `json:"approved_by,omitempty"`
}

func toVarianceResponse(v Variance) varianceResponse {
	return varianceResponse{
		ID:             v.ID,
		PaymentID:      v.PaymentID,
		OriginalAmount: v.OriginalAmount.StringFixed(2),
		ActualAmount:   v.ActualAmount.StringFixed(2),
		Delta:          v.Delta.StringFixed(2),
		Reason:         v.Reason,
		Status:         string(v.Status),
		RecordedBy:     v.RecordedBy,
		ApprovedBy:     v.ApprovedBy,
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(p))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageNum, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("page_size"))
	page := shared.NewPagination(pageNum, perPage, 0)

	items, err := h.service.List(r.Context(), Status(q.Get("status")), page.PerPage, page.Offset())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]paymentResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toResponse(item))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out, "page": page.Page})
}

func (h *Handler) requestOTP(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.RequestOTP(r.Context(), id, actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"status": "otp_sent"})
}

func (h *Handler) verifyOTP(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var payload verifyRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.VerifyOTP(r.Context(), id, payload.Code, actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "verified"})
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var payload executeRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &payload); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
			return
		}
		if err := h.validate.Struct(payload); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
	}
	p, err := h.service.Execute(r.Context(), id, actor, Evidence{
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
		Note:      payload.Note,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(p))
}

func (h *Handler) confirmSettlement(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var payload settlementRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actual, err := decimal.NewFromString(payload.ActualAmount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actual_amount must be a decimal string")
		return
	}
	v, err := h.service.ConfirmSettlement(r.Context(), id, actual, payload.Reason, actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if v.ID == 0 {
		httpx.JSON(w, http.StatusOK, map[string]any{"status": "reconciled"})
		return
	}
	httpx.JSON(w, http.StatusCreated, toVarianceResponse(v))
}

func (h *Handler) approveVariance(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.ApproveVariance(r.Context(), id, actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "approved"})
}

func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request) (shared.Actor, int64, bool) {
	actor := shared.ActorFromContext(r.Context())
	if actor.ID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
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
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVarianceNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrSelfExecution),
		errors.Is(err, ErrVarianceSelfApproval),
		errors.Is(err, ErrVarianceAuthority):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrOTPNotIssued),
		errors.Is(err, ErrOTPNotVerified),
		errors.Is(err, ErrOTPExpired),
		errors.Is(err, ErrOTPAlreadyUsed),
		errors.Is(err, ErrOTPMismatch):
		httpx.Problem(w, http.StatusUnprocessableEntity, "OTP Rejected", err.Error())
	case errors.Is(err, ErrInsufficientBalance):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Balance", err.Error())
	case errors.Is(err, ErrRetryLimitExceeded):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Retry Limit Exceeded", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("payment request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
