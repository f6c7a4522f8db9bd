package jobs

import (
	"context"
	"log/slog"
)

// Message is an outgoing notification mail. Rendering and delivery belong
// to the Mailer.
type Message struct {
	To      []string
	CC      []string
	BCC     []string
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct {
	Logger *slog.Logger
}

// Send implements Mailer.
func (m LogMailer) Send(_ context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail",
		slog.Any("to", msg.To),
		slog.Any("cc", msg.CC),
		slog.Any("bcc", msg.BCC),
		slog.String("subject", msg.Subject),
		slog.Int("body_bytes", len(msg.Body)),
	)
	return nil
}
