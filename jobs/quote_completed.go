package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	jobmetrics "github.com/pharmaquote/pharmaquote/internal/jobs"
	"github.com/pharmaquote/pharmaquote/internal/quotes"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// QuoteLookup loads quotes without an actor.
type QuoteLookup interface {
	Lookup(ctx context.Context, id string) (quotes.Quote, error)
}

// QuoteCompletedJob tells the sales inbox a quote is ready for ordering.
type QuoteCompletedJob struct {
	Quotes  QuoteLookup
	Mailer  Mailer
	Inbox   string
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Printer *message.Printer
}

// NewQuoteCompletedJob wires dependencies for the completion handler.
func NewQuoteCompletedJob(qs QuoteLookup, mailer Mailer, inbox string, logger *slog.Logger, metrics *jobmetrics.Metrics) *QuoteCompletedJob {
	return &QuoteCompletedJob{Quotes: qs, Mailer: mailer, Inbox: inbox, Logger: logger, Metrics: metrics, Printer: message.NewPrinter(language.English)}
}

// Handle processes TaskQuoteCompleted tasks.
func (j *QuoteCompletedJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Quotes == nil || j.Mailer == nil {
		return errors.New("quote completed: handler not configured")
	}
	var payload QuoteCompletedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.QuoteID == "" {
		return fmt.Errorf("quote completed: bad payload: %w", asynq.SkipRetry)
	}

	tracker := metricsOr(j.Metrics).Track(TaskQuoteCompleted)
	defer func() { err = tracker.End(err) }()
	logger := loggerOr(j.Logger, TaskQuoteCompleted).With(slog.String("quote_id", payload.QuoteID))

	q, err := j.Quotes.Lookup(ctx, payload.QuoteID)
	if errors.Is(err, shared.ErrNotFound) {
		logger.Warn("quote vanished, dropping notification")
		return fmt.Errorf("quote completed: %w", asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("quote completed: load quote: %w", err)
	}
	if q.Status != quotes.StatusCompleted {
		logger.Info("quote no longer completed, skipping", slog.String("status", string(q.Status)))
		return nil
	}

	p := j.Printer
	if p == nil {
		p = message.NewPrinter(language.English)
	}
	totals := q.ComputeTotals()
	msg := Message{
		To:      []string{j.Inbox},
		Subject: fmt.Sprintf("Quote %s completed", q.QuoteNumber),
		Body: p.Sprintf("Quote %s for %s (created by %s) is complete.\n%d item(s), total %.2f, advance received %.2f.\nItems are now pending on the order sheet.\n",
			q.QuoteNumber, q.Client.Name, q.CreatedBy.Name, len(q.Items), totals.Total, q.AdvanceVerifiedAmount),
	}
	if err := j.Mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("quote completed: send: %w", err)
	}
	metricsOr(j.Metrics).MailSent("quote_completed")
	logger.Info("quote completion notified", slog.String("quote_number", q.QuoteNumber))
	return nil
}
