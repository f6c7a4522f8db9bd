package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPOManufacturerEmail mails a sent purchase order to its manufacturer.
	TaskPOManufacturerEmail = "po:email-manufacturer"
	// TaskQuoteCompleted notifies sales that a quote reached completion.
	TaskQuoteCompleted = "quote:notify-completed"
)

// POEmailPayload identifies the purchase order to mail.
type POEmailPayload struct {
	PurchaseOrderID string `json:"purchase_order_id"`
}

// QuoteCompletedPayload identifies the completed quote.
type QuoteCompletedPayload struct {
	QuoteID string `json:"quote_id"`
}

// NewPOEmailTask builds a manufacturer email task. The task id makes repeated
// enqueues for the same order collapse into one.
func NewPOEmailTask(poID string) (*asynq.Task, error) {
	body, err := json.Marshal(POEmailPayload{PurchaseOrderID: poID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPOManufacturerEmail, body, asynq.Queue(QueueDefault), asynq.TaskID(TaskPOManufacturerEmail+":"+poID), asynq.MaxRetry(5)), nil
}

// NewQuoteCompletedTask builds a quote completion notification task.
func NewQuoteCompletedTask(quoteID string) (*asynq.Task, error) {
	body, err := json.Marshal(QuoteCompletedPayload{QuoteID: quoteID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskQuoteCompleted, body, asynq.Queue(QueueDefault), asynq.TaskID(TaskQuoteCompleted+":"+quoteID), asynq.MaxRetry(5)), nil
}
