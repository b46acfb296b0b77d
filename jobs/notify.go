package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/audit"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/directory"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/requisition"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/treasury"
	"github.com/quickserviceslqs-netizen/pettycash-system-sub000/internal/workflow"
)

// AddressBook resolves a user id to a directory entry for mail delivery.
type AddressBook interface {
	GetUser(ctx context.Context, id int64) (directory.User, error)
}

// Notifier turns domain events into queued mail tasks. It backs the
// requisition notifier port, the treasury alert port and the payment OTP
// transport, so every outbound message leaves through the same queue.
type Notifier struct {
	client  *Client
	users   AddressBook
	logger  *slog.Logger
	printer *message.Printer
}

// NewNotifier constructs a Notifier.
func NewNotifier(client *Client, users AddressBook, logger *slog.Logger) *Notifier {
	return &Notifier{
		client:  client,
		users:   users,
		logger:  logger,
		printer: message.NewPrinter(language.English),
	}
}

// formatAmount renders a monetary amount with thousands separators for
// notification bodies.
func (n *Notifier) formatAmount(amount decimal.Decimal) string {
	f, _ := amount.Round(2).Float64()
	return n.printer.Sprintf("%.2f", f)
}

// NotifyAssigned mails the approver now holding the pending position.
func (n *Notifier) NotifyAssigned(ctx context.Context, req requisition.Requisition, pos workflow.Position) error {
	user, err := n.users.GetUser(ctx, pos.AssignedUserID)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("Requisition #%d for %s awaits your decision as %s. Purpose: %s.",
		req.ID, n.formatAmount(req.Amount), pos.Role, req.Purpose)
	if pos.AutoEscalated {
		body += " This item was escalated to you: " + pos.EscalationReason + "."
	}
	_, err = n.client.EnqueueSendEmail(ctx, SendEmailPayload{
		To:      user.Email,
		Subject: fmt.Sprintf("Approval needed: requisition #%d", req.ID),
		Body:    body,
	})
	return err
}

// NotifyDecision mails the requester about a terminal or notable transition.
func (n *Notifier) NotifyDecision(ctx context.Context, req requisition.Requisition, action audit.Action) error {
	user, err := n.users.GetUser(ctx, req.RequesterID)
	if err != nil {
		return err
	}
	var subject, body string
	switch action {
	case audit.ActionApproved:
		subject = fmt.Sprintf("Requisition #%d fully approved", req.ID)
		body = fmt.Sprintf("Your requisition for %s was approved and queued for payment.",
			n.formatAmount(req.Amount))
	case audit.ActionRejected:
		subject = fmt.Sprintf("Requisition #%d rejected", req.ID)
		body = fmt.Sprintf("Your requisition for %s was rejected.", n.formatAmount(req.Amount))
	default:
		subject = fmt.Sprintf("Requisition #%d updated", req.ID)
		body = fmt.Sprintf("Your requisition for %s moved to status %s.",
			n.formatAmount(req.Amount), req.Status)
	}
	_, err = n.client.EnqueueSendEmail(ctx, SendEmailPayload{To: user.Email, Subject: subject, Body: body})
	return err
}

// NotifyLowBalance queues a fund alert for the finance inbox.
func (n *Notifier) NotifyLowBalance(ctx context.Context, fund treasury.Fund) error {
	_, err := n.client.EnqueueLowBalanceAlert(ctx, LowBalanceAlertPayload{
		FundID:   fund.ID,
		FundName: fund.Name,
		Balance:  fund.Balance.StringFixed(2),
		Reorder:  fund.ReorderLevel.StringFixed(2),
	})
	return err
}

// Send implements the payment OTP transport by queueing the code on the
// critical queue.
func (n *Notifier) Send(ctx context.Context, destination, code string) error {
	_, err := n.client.EnqueueSendOTP(ctx, SendOTPPayload{Destination: destination, Code: code})
	return err
}
