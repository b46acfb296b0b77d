package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
)

// Sink receives audit events. Services depend on this narrow interface so
// tests can capture events in memory.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// Recorder persists audit events to PostgreSQL.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Sink = (*Recorder)(nil)

// NewRecorder constructs a Recorder.
func NewRecorder(pool *pgxpool.Pool, logger *slog.Logger) *Recorder {
	return &Recorder{pool: pool, logger: logger}
}

// Record appends one event. Rows are never updated or deleted afterwards.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if r == nil {
		return errors.New("audit: recorder not initialised")
	}
	if event.ActorID == 0 {
		return errors.New("audit: actor required")
	}
	if event.Action == "" {
		return errors.New("audit: action required")
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	var meta []byte
	if event.Meta != nil {
		raw, err := json.Marshal(event.Meta)
		if err != nil {
			return fmt.Errorf("audit: marshal meta: %w", err)
		}
		meta = raw
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO audit_events
(requisition_id, payment_id, actor_id, role_at_time, action, comment, auto_escalated, escalation_reason, skipped_roles, meta, at)
VALUES (NULLIF($1, 0), NULLIF($2, 0), $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.RequisitionID, event.PaymentID, event.ActorID, string(event.RoleAtTime), string(event.Action),
		event.Comment, event.AutoEscalated, event.EscalationReason, event.SkippedRoles, meta, event.At)
	if err != nil {
		r.logger.Error("record audit event", slog.Any("error", err), slog.String("action", string(event.Action)))
		return fmt.Errorf("audit: record: %w", err)
	}
	return nil
}

// Timeline returns events matching the filters ordered oldest first, with
// one extra row fetched to detect the next page.
func (r *Recorder) Timeline(ctx context.Context, filters TimelineFilters) ([]Event, bool, error) {
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}

	query := `SELECT id, COALESCE(requisition_id, 0), COALESCE(payment_id, 0), actor_id, role_at_time, action,
comment, auto_escalated, escalation_reason, skipped_roles, meta, at
FROM audit_events WHERE true`
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(clause, len(args))
	}
	if filters.RequisitionID != 0 {
		add(" AND requisition_id = $%d", filters.RequisitionID)
	}
	if filters.PaymentID != 0 {
		add(" AND payment_id = $%d", filters.PaymentID)
	}
	if filters.ActorID != 0 {
		add(" AND actor_id = $%d", filters.ActorID)
	}
	if filters.Action != "" {
		add(" AND action = $%d", string(filters.Action))
	}
	if !filters.From.IsZero() {
		add(" AND at >= $%d", filters.From)
	}
	if !filters.To.IsZero() {
		add(" AND at <= $%d", filters.To)
	}
	add(" ORDER BY at ASC, id ASC OFFSET $%d", (page-1)*pageSize)
	add(" LIMIT $%d", pageSize+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("audit: timeline: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			role    string
			action  string
			rawMeta []byte
		)
		if err := rows.Scan(&e.ID, &e.RequisitionID, &e.PaymentID, &e.ActorID, &role, &action,
			&e.Comment, &e.AutoEscalated, &e.EscalationReason, &e.SkippedRoles, &rawMeta, &e.At); err != nil {
			return nil, false, err
		}
		e.RoleAtTime = roles.Role(role)
		e.Action = Action(action)
		if len(rawMeta) > 0 {
			_ = json.Unmarshal(rawMeta, &e.Meta)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasNext := len(events) > pageSize
	if hasNext {
		events = events[:pageSize]
	}
	return events, hasNext, nil
}
