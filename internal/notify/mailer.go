package notify

import (
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v3"
)

// Mailer delivers one email. Implementations must not be retried by the
// dispatcher; retry policy belongs to the transport.
type Mailer interface {
	Send(to, subject, htmlBody string) error
}

// ResendMailer sends through the Resend API.
type ResendMailer struct {
	client *resend.Client
	from   string
}

func NewResendMailer(apiKey, from string) *ResendMailer {
	return &ResendMailer{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

func (m *ResendMailer) Send(to, subject, htmlBody string) error {
	params := &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{to},
		Subject: subject,
		Html:    htmlBody,
	}
	if _, err := m.client.Emails.Send(params); err != nil {
		return fmt.Errorf("resend: failed to send email: %w", err)
	}
	return nil
}

// LogMailer only logs. Used when no mail transport is configured; the
// sent-emails record in storage still captures every email.
type LogMailer struct{}

func (LogMailer) Send(to, subject, htmlBody string) error {
	slog.Info("email (no transport configured)", "to", to, "subject", subject)
	return nil
}
