package threshold

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/httpx"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// Handler manages threshold rule administration endpoints.
type Handler struct {
	logger   *slog.Logger
	repo     *Repository
	cache    *CachedCatalog
	validate *validator.Validate
}

// NewHandler builds Handler instance. cache may be nil when the read cache
// is disabled.
func NewHandler(logger *slog.Logger, repo *Repository, cache *CachedCatalog) *Handler {
	return &Handler{logger: logger, repo: repo, cache: cache, validate: validator.New()}
}

// MountRoutes registers rule administration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{id}", h.get)
	r.Post("/", h.create)
	r.Post("/{id}/deactivate", h.deactivate)
}

type ruleRequest struct {
	Name                 string   `json:"name" validate:"required,max=100"`
	Origin               string   `json:"origin" validate:"required,oneof=BRANCH HQ FIELD ANY"`
	MinAmount            string   `json:"min_amount" validate:"required"`
	MaxAmount            string   `json:"max_amount" validate:"required"`
	RoleSequence         []string `json:"role_sequence" validate:"required,min=1"`
	AllowUrgentFastTrack bool     `json:"allow_urgent_fast_track"`
	RequiresCFO          bool     `json:"requires_cfo"`
	Priority             int      `json:"priority"`
}

type ruleResponse struct {
	ID                   int64    `json:"id"`
	Name                 string   `json:"name"`
	Origin               string   `json:"origin"`
	MinAmount            string   `json:"min_amount"`
	MaxAmount            string   `json:"max_amount"`
	RoleSequence         []string `json:"role_sequence"`
	AllowUrgentFastTrack bool     `json:"allow_urgent_fast_track"`
	RequiresCFO          bool     `json:"requires_cfo"`
	Priority             int      `json:"priority"`
	Active               bool     `json:"active"`
}

func toResponse(rule Rule) ruleResponse {
	return ruleResponse{
		ID:                   rule.ID,
		Name:                 rule.Name,
		Origin:               string(rule.Origin),
		MinAmount:            rule.MinAmount.StringFixed(2),
		MaxAmount:            rule.MaxAmount.StringFixed(2),
		RoleSequence:         roleStrings(rule.RoleSequence),
		AllowUrgentFastTrack: rule.AllowUrgentFastTrack,
		RequiresCFO:          rule.RequiresCFO,
		Priority:             rule.Priority,
		Active:               rule.Active,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	rules, err := h.repo.ListAll(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toResponse(rule))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	rule, err := h.repo.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(rule))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var payload ruleRequest
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	rule, err := h.toRule(payload)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	id, err := h.repo.Create(r.Context(), rule)
	if err != nil {
		h.respondError(w, err)
		return
	}
	rule.ID = id
	rule.Active = true
	h.invalidate(r.Context(), rule.Origin)
	httpx.JSON(w, http.StatusCreated, toResponse(rule))
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", err.Error())
		return
	}
	rule, err := h.repo.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.repo.Deactivate(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidate(r.Context(), rule.Origin)
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}

func (h *Handler) toRule(payload ruleRequest) (Rule, error) {
	minAmount, err := decimal.NewFromString(payload.MinAmount)
	if err != nil {
		return Rule{}, errors.New("min_amount must be a decimal string")
	}
	maxAmount, err := decimal.NewFromString(payload.MaxAmount)
	if err != nil {
		return Rule{}, errors.New("max_amount must be a decimal string")
	}
	sequence := make([]roles.Role, 0, len(payload.RoleSequence))
	for _, raw := range payload.RoleSequence {
		role, err := roles.Parse(raw)
		if err != nil {
			return Rule{}, err
		}
		sequence = append(sequence, role)
	}
	return Rule{
		Name:                 payload.Name,
		Origin:               shared.OriginType(payload.Origin),
		MinAmount:            minAmount,
		MaxAmount:            maxAmount,
		RoleSequence:         sequence,
		AllowUrgentFastTrack: payload.AllowUrgentFastTrack,
		RequiresCFO:          payload.RequiresCFO,
		Priority:             payload.Priority,
		Active:               true,
	}, nil
}

// invalidate drops cached rule sets affected by a mutation. An ANY rule
// touches every origin.
func (h *Handler) invalidate(ctx context.Context, origin shared.OriginType) {
	if h.cache == nil {
		return
	}
	origins := []shared.OriginType{origin}
	if origin == shared.OriginAny {
		origins = []shared.OriginType{shared.OriginBranch, shared.OriginHQ, shared.OriginField}
	}
	if err := h.cache.Invalidate(ctx, origins...); err != nil {
		h.logger.Warn("invalidate rule cache", slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("threshold request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
