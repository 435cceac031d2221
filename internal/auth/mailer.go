package auth

import (
	"context"

	"store-api/internal/observability"
)

type Message struct {
	To      string
	Subject string
	Body    string

	// Token is the one-time code embedded in Body, if any.
	Token string
}

// Mailer delivers account emails. Delivery itself is an external concern.
type Mailer interface {
	Send(ctx context.Context, message Message) error
}

type discardMailer struct{}

func (discardMailer) Send(context.Context, Message) error { return nil }

// LogMailer records outgoing mail in the structured log instead of sending
// it. The body and one-time codes are never logged, only a short hint.
type LogMailer struct {
	logger *observability.Logger
}

func NewLogMailer(logger *observability.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, message Message) error {
	fields := map[string]any{
		"to":      message.To,
		"subject": message.Subject,
	}
	if message.Token != "" {
		fields["token_hint"] = redactToken(message.Token)
	}
	m.logger.Info("mail_queued", fields)
	return nil
}

func redactToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****"
}

func verificationMessage(to, token string) Message {
	return Message{
		To:      to,
		Subject: "Verify your email",
		Body:    "Use this code to verify your email within 10 minutes: " + token,
		Token:   token,
	}
}

func passwordResetMessage(to, token string) Message {
	return Message{
		To:      to,
		Subject: "Reset your password",
		Body:    "Use this code to reset your password within 10 minutes: " + token,
		Token:   token,
	}
}
