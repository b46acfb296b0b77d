package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/platform/httpx"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
)

// Handler exposes the read-only audit timeline.
type Handler struct {
	logger   *slog.Logger
	recorder *Recorder
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, recorder *Recorder) *Handler {
	return &Handler{logger: logger, recorder: recorder}
}

// MountRoutes registers audit routes. The trail is restricted to roles with
// oversight duties.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/timeline", h.timeline)
}

type eventResponse struct {
	ID               int64          `json:"id"`
	RequisitionID    int64          `json:"requisition_id,omitempty"`
	PaymentID        int64          `json:"payment_id,omitempty"`
	ActorID          int64          `json:"actor_id"`
	RoleAtTime       string         `json:"role_at_time"`
	Action           string         `json:"action"`
	Comment          string         `json:"comment,omitempty"`
	AutoEscalated    bool           `json:"auto_escalated,omitempty"`
	EscalationReason string         `json:"escalation_reason,omitempty"`
	SkippedRoles     []string       `json:"skipped_roles,omitempty"`
	Meta             map[string]any `json:"meta,omitempty"`
	At               time.Time      `json:"at"`
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor.ID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing actor identity")
		return
	}
	if !actor.Role.Centralized() {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "audit access requires a centralized role")
		return
	}

	q := r.URL.Query()
	filters := TimelineFilters{Action: Action(q.Get("action"))}
	if v := q.Get("requisition_id"); v != "" {
		filters.RequisitionID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("payment_id"); v != "" {
		filters.PaymentID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("actor_id"); v != "" {
		filters.ActorID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("from"); v != "" {
		filters.From, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("to"); v != "" {
		filters.To, _ = time.Parse(time.RFC3339, v)
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	events, hasNext, err := h.recorder.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline query failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:               e.ID,
			RequisitionID:    e.RequisitionID,
			PaymentID:        e.PaymentID,
			ActorID:          e.ActorID,
			RoleAtTime:       string(e.RoleAtTime),
			Action:           string(e.Action),
			Comment:          e.Comment,
			AutoEscalated:    e.AutoEscalated,
			EscalationReason: e.EscalationReason,
			SkippedRoles:     e.SkippedRoles,
			Meta:             e.Meta,
			At:               e.At,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out, "has_next": hasNext})
}
