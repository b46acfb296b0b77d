package requisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/audit"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/payment"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/roles"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/shared"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/workflow"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Requisition, error)
	List(ctx context.Context, filters ListFilters, limit, offset int) ([]Requisition, int, error)
}

// TxRepository exposes transactional operations. GetForUpdate locks the
// requisition row so two approvers cannot race the same position.
type TxRepository interface {
	Create(ctx context.Context, req Requisition) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (Requisition, error)
	SetResolution(ctx context.Context, id int64, tier string, chain workflow.Chain, status Status) error
	Advance(ctx context.Context, id int64, position int, status Status) error
	SetRejected(ctx context.Context, id int64, chain workflow.Chain) error
}

// ResolverPort resolves approval chains.
type ResolverPort interface {
	Resolve(ctx context.Context, req workflow.Request) (workflow.Resolution, error)
}

// PaymentPort schedules the payment once a requisition is fully approved.
type PaymentPort interface {
	Schedule(ctx context.Context, order payment.Order) (payment.Payment, error)
}

// Notifier dispatches decision notifications to the assigned approver or
// requester. Best effort; failures are logged and never block a transition.
type Notifier interface {
	NotifyAssigned(ctx context.Context, req Requisition, pos workflow.Position) error
	NotifyDecision(ctx context.Context, req Requisition, action audit.Action) error
}

// Metrics counts domain events. Implementations must be safe for concurrent
// use.
type Metrics interface {
	RequisitionSubmitted(origin string)
	RequisitionApproved()
	RequisitionRejected()
	ChainEscalated()
}

// Service drives the requisition state machine.
type Service struct {
	repo     RepositoryPort
	resolver ResolverPort
	payments PaymentPort
	audit    audit.Sink
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
}

// NewService constructs a requisition service.
func NewService(repo RepositoryPort, resolver ResolverPort, payments PaymentPort, sink audit.Sink, notifier Notifier, metrics Metrics, logger *slog.Logger) *Service {
	return &Service{repo: repo, resolver: resolver, payments: payments, audit: sink, notifier: notifier, metrics: metrics, logger: logger}
}

// Create persists a draft owned by the requester.
func (s *Service) Create(ctx context.Context, input CreateInput) (Requisition, error) {
	if err := input.Validate(); err != nil {
		return Requisition{}, err
	}
	req := Requisition{
		RequesterID:          input.RequesterID,
		RequesterRole:        input.RequesterRole,
		Origin:               input.Origin,
		Scope:                input.Scope,
		FundID:               input.FundID,
		Amount:               shared.Round2(input.Amount),
		Purpose:              input.Purpose,
		Urgent:               input.Urgent,
		UrgencyJustification: input.UrgencyJustification,
		Method:               input.Method,
		Destination:          input.Destination,
		Status:               StatusDraft,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Create(ctx, req)
		if err != nil {
			return err
		}
		req.ID = id
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}
	return req, nil
}

// Get returns one requisition.
func (s *Service) Get(ctx context.Context, id int64) (Requisition, error) {
	return s.repo.Get(ctx, id)
}

// List returns requisitions matching the filters.
func (s *Service) List(ctx context.Context, filters ListFilters, limit, offset int) ([]Requisition, int, error) {
	return s.repo.List(ctx, filters, limit, offset)
}

// Submit resolves the approval chain and moves a draft to pending. Urgent
// requests land in PENDING_URGENCY awaiting confirmation by the first
// approver.
func (s *Service) Submit(ctx context.Context, id int64, actor shared.Actor) (Requisition, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Requisition{}, err
	}
	if current.RequesterID != actor.ID {
		return Requisition{}, ErrNotCurrentApprover
	}
	if current.Status != StatusDraft {
		return Requisition{}, ErrInvalidState
	}

	resolution, err := s.resolver.Resolve(ctx, workflow.Request{
		RequesterID:   current.RequesterID,
		RequesterRole: current.RequesterRole,
		Origin:        current.Origin,
		Scope:         current.Scope,
		Amount:        current.Amount,
		Urgent:        current.Urgent,
	})
	if err != nil {
		return Requisition{}, err
	}

	status := StatusPending
	if current.Urgent {
		status = StatusPendingUrgency
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status != StatusDraft {
			return ErrInvalidState
		}
		return tx.SetResolution(ctx, id, resolution.TierName, resolution.Chain, status)
	})
	if err != nil {
		return Requisition{}, err
	}

	current.AppliedTier = resolution.TierName
	current.Chain = resolution.Chain
	current.CurrentPosition = 0
	current.Status = status

	s.recordAudit(ctx, audit.Event{
		RequisitionID: id,
		ActorID:       actor.ID,
		RoleAtTime:    actor.Role,
		Action:        audit.ActionSubmitted,
		SkippedRoles:  roleNames(resolution.SkippedRoles),
		Meta: map[string]any{
			"tier":        resolution.TierName,
			"fast_track":  resolution.FastTracked,
			"chain_depth": len(resolution.Chain),
		},
	})
	for _, pos := range resolution.Chain {
		if pos.AutoEscalated {
			if s.metrics != nil {
				s.metrics.ChainEscalated()
			}
			s.recordAudit(ctx, audit.Event{
				RequisitionID:    id,
				ActorID:          actor.ID,
				RoleAtTime:       actor.Role,
				Action:           audit.ActionEscalated,
				AutoEscalated:    true,
				EscalationReason: pos.EscalationReason,
			})
		}
	}
	if s.metrics != nil {
		s.metrics.RequisitionSubmitted(string(current.Origin))
	}
	if first, ok := current.CurrentApprover(); ok {
		s.notify(ctx, func(n Notifier) error { return n.NotifyAssigned(ctx, current, first) })
	}
	return current, nil
}

// Approve advances the chain by one position. Only the assigned approver at
// the current position may act, and never the requester.
func (s *Service) Approve(ctx context.Context, id int64, actor shared.Actor, comment string) (Requisition, error) {
	return s.decide(ctx, id, actor, comment, StatusPending, audit.ActionApproved)
}

// ConfirmUrgency accepts the urgency claim and proceeds as an approval.
func (s *Service) ConfirmUrgency(ctx context.Context, id int64, actor shared.Actor, comment string) (Requisition, error) {
	return s.decide(ctx, id, actor, comment, StatusPendingUrgency, audit.ActionUrgencyConfirmed)
}

func (s *Service) decide(ctx context.Context, id int64, actor shared.Actor, comment string, wantStatus Status, action audit.Action) (Requisition, error) {
	var updated Requisition
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != wantStatus {
			return ErrInvalidState
		}
		if err := s.authorizeApprover(ctx, req, actor); err != nil {
			return err
		}

		next := req.CurrentPosition + 1
		status := StatusPending
		if next >= len(req.Chain) {
			status = StatusReviewed
		}
		if err := tx.Advance(ctx, id, next, status); err != nil {
			return err
		}
		req.CurrentPosition = next
		req.Status = status
		updated = req
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}

	s.recordAudit(ctx, audit.Event{
		RequisitionID: id,
		ActorID:       actor.ID,
		RoleAtTime:    actor.Role,
		Action:        action,
		Comment:       comment,
	})

	if updated.Status == StatusReviewed {
		if s.metrics != nil {
			s.metrics.RequisitionApproved()
		}
		if err := s.schedulePayment(ctx, updated); err != nil {
			// The requisition is reviewed; payment scheduling is idempotent
			// and will be retried on the next call.
			s.logger.Error("schedule payment", slog.Int64("requisition_id", id), slog.Any("error", err))
			return updated, fmt.Errorf("requisition: schedule payment: %w", err)
		}
		s.notify(ctx, func(n Notifier) error { return n.NotifyDecision(ctx, updated, audit.ActionApproved) })
	} else if pos, ok := updated.CurrentApprover(); ok {
		s.notify(ctx, func(n Notifier) error { return n.NotifyAssigned(ctx, updated, pos) })
	}
	return updated, nil
}

// Reject terminates the requisition. A rejected requisition can only be
// resubmitted as a new draft, never reopened.
func (s *Service) Reject(ctx context.Context, id int64, actor shared.Actor, comment string) (Requisition, error) {
	var updated Requisition
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != StatusPending && req.Status != StatusPendingUrgency {
			return ErrInvalidState
		}
		if err := s.authorizeApprover(ctx, req, actor); err != nil {
			return err
		}
		// Drop the unwalked remainder of the chain; the audit trail keeps
		// the full resolution history.
		walked := req.Chain[:req.CurrentPosition+1]
		if err := tx.SetRejected(ctx, id, walked); err != nil {
			return err
		}
		req.Chain = walked
		req.Status = StatusRejected
		updated = req
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}
	s.recordAudit(ctx, audit.Event{
		RequisitionID: id,
		ActorID:       actor.ID,
		RoleAtTime:    actor.Role,
		Action:        audit.ActionRejected,
		Comment:       comment,
	})
	if s.metrics != nil {
		s.metrics.RequisitionRejected()
	}
	s.notify(ctx, func(n Notifier) error { return n.NotifyDecision(ctx, updated, audit.ActionRejected) })
	return updated, nil
}

// authorizeApprover fails closed. The audit sink receives the detailed
// reason; callers only ever see the generic error.
func (s *Service) authorizeApprover(ctx context.Context, req Requisition, actor shared.Actor) error {
	if actor.ID == req.RequesterID {
		s.recordAudit(ctx, audit.Event{
			RequisitionID: req.ID,
			ActorID:       actor.ID,
			RoleAtTime:    actor.Role,
			Action:        audit.ActionAuthzDenied,
			Comment:       "self-approval attempt by requester",
		})
		return ErrSelfApproval
	}
	pos, ok := req.CurrentApprover()
	if !ok || pos.AssignedUserID != actor.ID {
		s.recordAudit(ctx, audit.Event{
			RequisitionID: req.ID,
			ActorID:       actor.ID,
			RoleAtTime:    actor.Role,
			Action:        audit.ActionAuthzDenied,
			Comment:       fmt.Sprintf("actor is not the approver at position %d", req.CurrentPosition),
		})
		return ErrNotCurrentApprover
	}
	// The resolver never assigns the requester; re-asserted here in case a
	// chain was written by an older resolver.
	if pos.AssignedUserID == req.RequesterID {
		return ErrSelfApproval
	}
	return nil
}

func (s *Service) schedulePayment(ctx context.Context, req Requisition) error {
	if s.payments == nil {
		return errors.New("requisition: payment port not configured")
	}
	_, err := s.payments.Schedule(ctx, payment.Order{
		RequisitionID: req.ID,
		RequesterID:   req.RequesterID,
		FundID:        req.FundID,
		Amount:        req.Amount,
		Method:        req.Method,
		Destination:   req.Destination,
	})
	return err
}

func (s *Service) recordAudit(ctx context.Context, event audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("record audit event", slog.Any("error", err))
	}
}

func (s *Service) notify(ctx context.Context, fn func(Notifier) error) {
	if s.notifier == nil {
		return
	}
	if err := fn(s.notifier); err != nil {
		s.logger.Warn("notify", slog.Any("error", err))
	}
}

func roleNames(skipped []roles.Role) []string {
	if len(skipped) == 0 {
		return nil
	}
	names := make([]string, 0, len(skipped))
	for _, role := range skipped {
		names = append(names, string(role))
	}
	return names
}
