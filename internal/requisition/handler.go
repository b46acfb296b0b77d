package requisition

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
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/workflow"
)

// Handler manages requisition endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers requisition routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/{id}/submit", h.submit)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/confirm-urgency", h.confirmUrgency)
}

type createRequest struct {
	Origin               string `json:"origin" validate:"required,oneof=BRANCH HQ FIELD"`
	CompanyID            int64  `json:"company_id" validate:"required"`
	RegionID             int64  `json:"region_id"`
	BranchID             int64  `json:"branch_id"`
	DepartmentID         int64  `json:"department_id"`
	FundID               int64  `json:"fund_id" validate:"required"`
	Amount               string `json:"amount" validate:"required"`
	Purpose              string `json:"purpose" validate:"required,max=500"`
	Urgent               bool   `json:"urgent"`
	UrgencyJustification string `json:"urgency_justification" validate:"required_if=Urgent true,max=500"`
	Method               string `json:"method" validate:"required,oneof=CASH TRANSFER"`
	Destination          string `json:"destination" validate:"required,max=200"`
}

type decisionRequest struct {
	Comment string `json:"comment" validate:"max=500"`
}

type positionResponse struct {
	Role             string `json:"role"`
	AssignedUserID   int64  `json:"assigned_user_id"`
	AutoEscalated    bool   `json:"auto_escalated,omitempty"`
	EscalationReason string `json:"escalation_reason,omitempty"`
	Decided          bool   `json:"decided"`
}

type requisitionResponse struct {
	ID                   int64              `json:"id"`
	RequesterID          int64              `json:"requester_id"`
	RequesterRole        string             `json:"requester_role"`
	Origin               string             `json:"origin"`
	FundID               int64              `json:"fund_id"`
	Amount               string             `json:"amount"`
	Purpose              string             `json:"purpose"`
	Urgent               bool               `json:"urgent"`
	UrgencyJustification string             `json:"urgency_justification,omitempty"`
	Method               string             `json:"method"`
	Destination          string             `json:"destination"`
	AppliedTier          string             `json:"applied_tier,omitempty"`
	Chain                []positionResponse `json:"chain,omitempty"`
	CurrentPosition      int                `json:"current_position"`
	Status               string             `json:"status"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

func toResponse(req Requisition) requisitionResponse {
	resp := requisitionResponse{
		ID:                   req.ID,
		RequesterID:          req.RequesterID,
		RequesterRole:        string(req.RequesterRole),
		Origin:               string(req.Origin),
		FundID:               req.FundID,
		Amount:               req.Amount.StringFixed(2),
		Purpose:              req.Purpose,
		Urgent:               req.Urgent,
		UrgencyJustification: req.UrgencyJustification,
		Method:               req.Method,
		Destination:          req.Destination,
		AppliedTier:          req.AppliedTier,
		CurrentPosition:      req.CurrentPosition,
		Status:               string(req.Status),
		CreatedAt:            req.CreatedAt,
		UpdatedAt:            req.UpdatedAt,
	}
	for i, pos := range req.Chain {
		resp.Chain = append(resp.Chain, positionResponse{
			Role:             string(pos.Role),
			AssignedUserID:   pos.AssignedUserID,
			AutoEscalated:    pos.AutoEscalated,
			EscalationReason: pos.EscalationReason,
			Decided:          i < req.CurrentPosition,
		})
	}
	return resp
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor.ID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
		return
	}
	var payload createRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}
	origin, err := shared.ParseOriginType(payload.Origin)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	req, err := h.service.Create(r.Context(), CreateInput{
		RequesterID:   actor.ID,
		RequesterRole: actor.Role,
		Origin:        origin,
		Scope: shared.OrgScope{
			CompanyID:    payload.CompanyID,
			RegionID:     payload.RegionID,
			BranchID:     payload.BranchID,
			DepartmentID: payload.DepartmentID,
		},
		FundID:               payload.FundID,
		Amount:               amount,
		Purpose:              payload.Purpose,
		Urgent:               payload.Urgent,
		UrgencyJustification: payload.UrgencyJustification,
		Method:               payload.Method,
		Destination:          payload.Destination,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(req))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(req))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{Status: Status(q.Get("status"))}
	if v := q.Get("requester_id"); v != "" {
		filters.RequesterID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("approver_id"); v != "" {
		filters.ApproverID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("origin"); v != "" {
		filters.Origin = shared.OriginType(v)
	}
	pageNum, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("page_size"))
	page := shared.NewPagination(pageNum, perPage, 0)

	items, total, err := h.service.List(r.Context(), filters, page.PerPage, page.Offset())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]requisitionResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toResponse(item))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":      out,
		"pagination": shared.NewPagination(page.Page, page.PerPage, total),
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64, actor shared.Actor, _ string) (Requisition, error) {
		return h.service.Submit(r.Context(), id, actor)
	})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64, actor shared.Actor, comment string) (Requisition, error) {
		return h.service.Approve(r.Context(), id, actor, comment)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64, actor shared.Actor, comment string) (Requisition, error) {
		return h.service.Reject(r.Context(), id, actor, comment)
	})
}

func (h *Handler) confirmUrgency(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64, actor shared.Actor, comment string) (Requisition, error) {
		return h.service.ConfirmUrgency(r.Context(), id, actor, comment)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(int64, shared.Actor, string) (Requisition, error)) {
	actor := shared.ActorFromContext(r.Context())
	if actor.ID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
		return
	}
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	var payload decisionRequest
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

	req, err := fn(id, actor, payload.Comment)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(req))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotCurrentApprover), errors.Is(err, ErrSelfApproval):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ErrConcurrentModification):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, workflow.ErrNoApplicableTier):
		httpx.Problem(w, http.StatusUnprocessableEntity, "No Applicable Tier", err.Error())
	case errors.Is(err, workflow.ErrNoFallbackAuthority):
		httpx.Problem(w, http.StatusUnprocessableEntity, "No Fallback Authority", err.Error())
	default:
		h.logger.Error("requisition request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
