package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries OTP dispatch; codes expire in minutes, so
	// delivery cannot sit behind bulk mail.
	QueueCritical = "critical"

	// TaskTypeSendEmail is the task type for transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeSendOTP is the task type for one-time code dispatch.
	TaskTypeSendOTP = "otp:send"
	// TaskTypeLowBalanceAlert is the task type for fund alerts.
	TaskTypeLowBalanceAlert = "treasury:low-balance"
	// TaskTypeOTPSweep is the periodic cleanup of lapsed codes.
	TaskTypeOTPSweep = "otp:sweep"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// SendOTPPayload carries a one-time code to its dispatch channel. The code
// is only ever in flight here; storage keeps the hash.
type SendOTPPayload struct {
	Destination string `json:"destination"`
	Code        string `json:"code"`
}

// NewSendOTPTask constructs an OTP dispatch task.
func NewSendOTPTask(payload SendOTPPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendOTP, data), nil
}

// LowBalanceAlertPayload notifies finance that a fund fell below reorder.
type LowBalanceAlertPayload struct {
	FundID   int64  `json:"fund_id"`
	FundName string `json:"fund_name"`
	Balance  string `json:"balance"`
	Reorder  string `json:"reorder_level"`
}

// NewLowBalanceAlertTask constructs a low-balance alert task.
func NewLowBalanceAlertTask(payload LowBalanceAlertPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLowBalanceAlert, data), nil
}

// NewOTPSweepTask constructs the periodic cleanup task.
func NewOTPSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeOTPSweep, nil)
}

// Mailer delivers transactional mail. The SMTP implementation lives in the
// worker binary; tests plug a recorder.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NewSendEmailHandler processes TaskTypeSendEmail tasks.
func NewSendEmailHandler(mailer Mailer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SendEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if err := mailer.Send(ctx, payload.To, payload.Subject, payload.Body); err != nil {
			logger.Warn("send email", slog.String("to", payload.To), slog.Any("error", err))
			return err
		}
		return nil
	}
}

// NewSendOTPHandler processes TaskTypeSendOTP tasks.
func NewSendOTPHandler(mailer Mailer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SendOTPPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		body := "Your payment authorization code is " + payload.Code + ". It expires in 5 minutes."
		if err := mailer.Send(ctx, payload.Destination, "Payment authorization code", body); err != nil {
			logger.Warn("send otp", slog.Any("error", err))
			return err
		}
		return nil
	}
}

// NewLowBalanceAlertHandler processes TaskTypeLowBalanceAlert tasks.
func NewLowBalanceAlertHandler(mailer Mailer, financeInbox string, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload LowBalanceAlertPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		body := "Fund " + payload.FundName + " is below its reorder level. Balance: " +
			payload.Balance + ", reorder level: " + payload.Reorder + "."
		if err := mailer.Send(ctx, financeInbox, "Petty cash fund below reorder level", body); err != nil {
			logger.Warn("send low balance alert", slog.Int64("fund_id", payload.FundID), slog.Any("error", err))
			return err
		}
		return nil
	}
}

// OTPSweeper expires lapsed unverified codes.
type OTPSweeper interface {
	SweepExpiredOTPs(ctx context.Context) (int64, error)
}

// NewOTPSweepHandler processes the periodic cleanup.
func NewOTPSweepHandler(sweeper OTPSweeper, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		n, err := sweeper.SweepExpiredOTPs(ctx)
		if err != nil {
			logger.Warn("otp sweep", slog.Any("error", err))
			return err
		}
		if n > 0 {
			logger.Info("otp sweep", slog.Int64("expired", n))
		}
		return nil
	}
}
