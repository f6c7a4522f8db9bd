// Package procurement manages manufacturers and the purchase orders sent to them.
package procurement

import (
	"time"

	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Status is the purchase order lifecycle state.
type Status string

const (
	StatusDraft        Status = "draft"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusInProduction Status = "in_production"
	StatusShipped      Status = "shipped"
	StatusDelivered    Status = "delivered"
	StatusCompleted    Status = "completed"
	// StatusPaid is reached only through full payment verification.
	StatusPaid      Status = "po_completed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status.
func AllStatuses() []Status {
	return []Status{
		StatusDraft, StatusSent, StatusAcknowledged, StatusInProduction, StatusShipped,
		StatusDelivered, StatusCompleted, StatusPaid, StatusCancelled,
	}
}

// Valid reports whether s is known.
func (s Status) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Active reports whether a PO in this status holds its item claims.
func (s Status) Active() bool {
	return s != StatusCancelled
}

// ItemRef addresses a quote item by quote id and position.
type ItemRef struct {
	QuoteID   string `json:"quote_id"`
	ItemIndex int    `json:"item_index"`
}

// Item is a snapshot of a quote item copied onto a purchase order. Only Rate
// and MRP may change after the copy.
type Item struct {
	Ref         *ItemRef `json:"ref,omitempty"`
	QuoteNumber string   `json:"quote_number,omitempty"`
	pricing.Item
}

// UserRef identifies a user.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StatusChange is one statusHistory record.
type StatusChange struct {
	Action    Action      `json:"action"`
	From      Status      `json:"from"`
	To        Status      `json:"to"`
	ActorID   string      `json:"actor_id"`
	ActorName string      `json:"actor_name"`
	ActorRole shared.Role `json:"actor_role"`
	Comment   string      `json:"comment,omitempty"`
	At        time.Time   `json:"at"`
}

// PurchaseOrder is the stored purchase order document.
type PurchaseOrder struct {
	ID               string         `json:"id"`
	PONumber         string         `json:"po_number"`
	Version          int64          `json:"version"`
	ManufacturerID   string         `json:"manufacturer_id"`
	ManufacturerName string         `json:"manufacturer_name"`
	Items            []Item         `json:"items"`
	HidePurchaseRate bool           `json:"hide_purchase_rate"`
	Notes            string         `json:"notes,omitempty"`
	Status           Status         `json:"status"`
	StatusHistory    []StatusChange `json:"status_history"`

	FullPaymentReceived bool       `json:"full_payment_received"`
	PaymentVerifiedBy   *UserRef   `json:"payment_verified_by,omitempty"`
	PaymentVerifiedAt   *time.Time `json:"payment_verified_at,omitempty"`

	CreatedBy UserRef   `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Refs lists the quote items this order claims.
func (po PurchaseOrder) Refs() []ItemRef {
	var refs []ItemRef
	for _, it := range po.Items {
		if it.Ref != nil {
			refs = append(refs, *it.Ref)
		}
	}
	return refs
}

// Direct reports whether the order was created without quote references.
func (po PurchaseOrder) Direct() bool {
	return len(po.Refs()) == 0
}

// Amount is the rounded sum of quantity*rate.
func (po PurchaseOrder) Amount() float64 {
	lines := make([]pricing.Line, 0, len(po.Items))
	for _, it := range po.Items {
		lines = append(lines, pricing.Line{Quantity: it.Quantity, Rate: it.Rate})
	}
	return pricing.Compute(lines, pricing.Charges{}).Subtotal
}

// ForManufacturer returns the copy shared with the manufacturer, with purchase
// rates blanked when HidePurchaseRate is set.
func (po PurchaseOrder) ForManufacturer() PurchaseOrder {
	out := po.Clone()
	if po.HidePurchaseRate {
		for i := range out.Items {
			out.Items[i].Rate = 0
		}
	}
	return out
}

// Clone returns a deep copy.
func (po PurchaseOrder) Clone() PurchaseOrder {
	out := po
	if po.Items != nil {
		out.Items = make([]Item, len(po.Items))
		for i, it := range po.Items {
			if it.Ref != nil {
				ref := *it.Ref
				it.Ref = &ref
			}
			out.Items[i] = it
		}
	}
	if po.StatusHistory != nil {
		out.StatusHistory = make([]StatusChange, len(po.StatusHistory))
		copy(out.StatusHistory, po.StatusHistory)
	}
	if po.PaymentVerifiedBy != nil {
		v := *po.PaymentVerifiedBy
		out.PaymentVerifiedBy = &v
	}
	if po.PaymentVerifiedAt != nil {
		v := *po.PaymentVerifiedAt
		out.PaymentVerifiedAt = &v
	}
	return out
}

// Manufacturer receives purchase orders. CC and BCC lists are copied onto
// order emails.
type Manufacturer struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ContactPerson string    `json:"contact_person,omitempty"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone,omitempty"`
	Address       string    `json:"address,omitempty"`
	CC            []string  `json:"cc,omitempty"`
	BCC           []string  `json:"bcc,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListFilter narrows purchase order listings.
type ListFilter struct {
	Status         Status
	ManufacturerID string
	Page           int
	PerPage        int
}

// ListResult is a page of purchase orders.
type ListResult struct {
	PurchaseOrders []PurchaseOrder    `json:"purchase_orders"`
	Pagination     shared.Pagination `json:"pagination"`
}
