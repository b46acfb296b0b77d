package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type recordingMailer struct {
	to, subject, body []string
	err               error
}

func (m *recordingMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.to = append(m.to, to)
	m.subject = append(m.subject, subject)
	m.body = append(m.body, body)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendOTPHandlerDeliversCode(t *testing.T) {
	mailer := &recordingMailer{}
	handler := NewSendOTPHandler(mailer, discard())

	task, err := NewSendOTPTask(SendOTPPayload{Destination: "efe.ojo@pettycash.local", Code: "482913"})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, []string{"efe.ojo@pettycash.local"}, mailer.to)
	require.Contains(t, mailer.body[0], "482913")
	require.Contains(t, mailer.body[0], "5 minutes")
}

func TestSendEmailHandlerSkipsRetryOnBadPayload(t *testing.T) {
	mailer := &recordingMailer{}
	handler := NewSendEmailHandler(mailer, discard())

	err := handler(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, mailer.to)
}

func TestSendEmailHandlerPropagatesDeliveryError(t *testing.T) {
	mailer := &recordingMailer{err: errors.New("smtp refused")}
	handler := NewSendEmailHandler(mailer, discard())

	task, err := NewSendEmailTask(SendEmailPayload{To: "a@b.c", Subject: "s", Body: "b"})
	require.NoError(t, err)

	err = handler(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestLowBalanceAlertGoesToFinanceInbox(t *testing.T) {
	mailer := &recordingMailer{}
	handler := NewLowBalanceAlertHandler(mailer, "finance@pettycash.local", discard())

	task, err := NewLowBalanceAlertTask(LowBalanceAlertPayload{
		FundID:   3,
		FundName: "Lagos branch imprest",
		Balance:  "12000.00",
		Reorder:  "30000.00",
	})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), task))
	require.Equal(t, []string{"finance@pettycash.local"}, mailer.to)
	require.Contains(t, mailer.body[0], "Lagos branch imprest")
}

type countingSweeper struct {
	n   int64
	err error
}

func (s *countingSweeper) SweepExpiredOTPs(ctx context.Context) (int64, error) {
	return s.n, s.err
}

func TestOTPSweepHandler(t *testing.T) {
	handler := NewOTPSweepHandler(&countingSweeper{n: 2}, discard())
	require.NoError(t, handler(context.Background(), NewOTPSweepTask()))

	failing := NewOTPSweepHandler(&countingSweeper{err: errors.New("db down")}, discard())
	require.Error(t, failing(context.Background(), NewOTPSweepTask()))
}
