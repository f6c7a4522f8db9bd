package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	jobmetrics "github.com/pharmaquote/pharmaquote/internal/jobs"
	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// OrderLookup loads purchase orders and manufacturers without an actor.
type OrderLookup interface {
	Lookup(ctx context.Context, id string) (procurement.PurchaseOrder, error)
	LookupManufacturer(ctx context.Context, id string) (procurement.Manufacturer, error)
}

// POEmailJob mails a purchase order to its manufacturer.
type POEmailJob struct {
	Orders  OrderLookup
	Mailer  Mailer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Printer *message.Printer
}

// NewPOEmailJob wires dependencies for the manufacturer email handler.
func NewPOEmailJob(orders OrderLookup, mailer Mailer, logger *slog.Logger, metrics *jobmetrics.Metrics) *POEmailJob {
	return &POEmailJob{Orders: orders, Mailer: mailer, Logger: logger, Metrics: metrics, Printer: message.NewPrinter(language.English)}
}

// Handle processes TaskPOManufacturerEmail tasks.
func (j *POEmailJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Orders == nil || j.Mailer == nil {
		return errors.New("po email: handler not configured")
	}
	var payload POEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.PurchaseOrderID == "" {
		return fmt.Errorf("po email: bad payload: %w", asynq.SkipRetry)
	}

	tracker := metricsOr(j.Metrics).Track(TaskPOManufacturerEmail)
	defer func() { err = tracker.End(err) }()
	logger := loggerOr(j.Logger, TaskPOManufacturerEmail).With(slog.String("purchase_order_id", payload.PurchaseOrderID))

	po, err := j.Orders.Lookup(ctx, payload.PurchaseOrderID)
	if errors.Is(err, shared.ErrNotFound) {
		logger.Warn("purchase order vanished, dropping email")
		return fmt.Errorf("po email: %w", asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("po email: load order: %w", err)
	}
	if po.Status == procurement.StatusCancelled {
		logger.Info("purchase order cancelled, skipping email")
		return nil
	}
	m, err := j.Orders.LookupManufacturer(ctx, po.ManufacturerID)
	if err != nil {
		return fmt.Errorf("po email: load manufacturer: %w", err)
	}

	msg := Message{
		To:      []string{m.Email},
		CC:      m.CC,
		BCC:     m.BCC,
		Subject: fmt.Sprintf("Purchase Order %s", po.PONumber),
		Body:    j.render(po.ForManufacturer(), m),
	}
	if err := j.Mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("po email: send: %w", err)
	}
	metricsOr(j.Metrics).MailSent("po")
	logger.Info("purchase order mailed", slog.String("po_number", po.PONumber), slog.String("to", m.Email))
	return nil
}

func (j *POEmailJob) render(po procurement.PurchaseOrder, m procurement.Manufacturer) string {
	p := j.Printer
	if p == nil {
		p = message.NewPrinter(language.English)
	}
	var b strings.Builder
	greeting := m.Name
	if m.ContactPerson != "" {
		greeting = m.ContactPerson
	}
	b.WriteString(p.Sprintf("Dear %s,\n\nPlease find purchase order %s below.\n\n", greeting, po.PONumber))
	for i, it := range po.Items {
		b.WriteString(p.Sprintf("%d. %s (%s) %s, qty %.0f", i+1, it.BrandName, it.Composition, it.DisplayFormulation(), it.Quantity))
		if !po.HidePurchaseRate {
			b.WriteString(p.Sprintf(", rate %.2f, amount %.2f", it.Rate, it.Amount()))
		}
		if it.MRP > 0 {
			b.WriteString(p.Sprintf(", MRP %.2f", it.MRP))
		}
		b.WriteString("\n")
	}
	if !po.HidePurchaseRate {
		b.WriteString(p.Sprintf("\nTotal: %.2f\n", po.Amount()))
	}
	if po.Notes != "" {
		b.WriteString("\nNotes: " + po.Notes + "\n")
	}
	return b.String()
}

func metricsOr(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func loggerOr(l *slog.Logger, task string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("job", task))
}
