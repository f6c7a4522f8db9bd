// Package quotes manages pharmaceutical quotations and their approval workflow.
package quotes

import (
	"time"

	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Status is the quote workflow state.
type Status string

const (
	StatusDraft                  Status = "draft"
	StatusPendingManagerApproval Status = "pending_manager_approval"
	StatusManagerApproved        Status = "manager_approved"
	StatusManagerRejected        Status = "manager_rejected"
	StatusQuoteRejected          Status = "quote_rejected"
	StatusPendingAccountant      Status = "pending_accountant"
	StatusPendingDesigner        Status = "pending_designer"
	StatusCompleted              Status = "completed_quote"
)

// AllStatuses lists every quote status.
func AllStatuses() []Status {
	return []Status{
		StatusDraft, StatusPendingManagerApproval, StatusManagerApproved, StatusManagerRejected,
		StatusQuoteRejected, StatusPendingAccountant, StatusPendingDesigner, StatusCompleted,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Editable reports whether owners may still change the quote body.
func (s Status) Editable() bool {
	switch s {
	case StatusDraft, StatusManagerRejected, StatusQuoteRejected:
		return true
	}
	return false
}

// DesignStatus tracks artwork progress while pending_designer.
type DesignStatus string

const (
	DesignPending    DesignStatus = "pending"
	DesignInProgress DesignStatus = "in_progress"
	DesignCompleted  DesignStatus = "completed"
)

// ClientOrderStatus records the client's answer to an approved quote.
type ClientOrderStatus string

const (
	ClientOrderPending  ClientOrderStatus = "pending"
	ClientOrderApproved ClientOrderStatus = "approved"
	ClientOrderRejected ClientOrderStatus = "rejected"
)

// Action names a workflow transition.
type Action string

const (
	ActionSubmit                    Action = "submit"
	ActionApprove                   Action = "approve"
	ActionReject                    Action = "reject"
	ActionClientApprove             Action = "client_approve"
	ActionClientReject              Action = "client_reject"
	ActionReopen                    Action = "reopen"
	ActionVerifyPayment             Action = "verify_payment"
	ActionDesignStart               Action = "design_start"
	ActionDesignClientApprove       Action = "design_client_approve"
	ActionDesignManufacturerApprove Action = "design_manufacturer_approve"
)

// UserRef identifies a user by id and display name.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client holds the buyer's contact details.
type Client struct {
	Name          string `json:"name"`
	ContactPerson string `json:"contact_person,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Address       string `json:"address,omitempty"`
	GSTIN         string `json:"gstin,omitempty"`
}

// HistoryEntry is one audit trail record. Entries are never modified once appended.
type HistoryEntry struct {
	Action    Action      `json:"action"`
	From      Status      `json:"from"`
	To        Status      `json:"to"`
	ActorID   string      `json:"actor_id"`
	ActorName string      `json:"actor_name"`
	ActorRole shared.Role `json:"actor_role"`
	Comment   string      `json:"comment,omitempty"`
	Amount    float64     `json:"amount,omitempty"`
	At        time.Time   `json:"at"`
}

// Quote is the stored quotation document.
type Quote struct {
	ID          string  `json:"id"`
	QuoteNumber string  `json:"quote_number"`
	Version     int64   `json:"version"`
	Client      Client  `json:"client"`
	MarketedBy  string  `json:"marketed_by,omitempty"`
	CreatedBy   UserRef `json:"created_by"`

	Items             []pricing.Item `json:"items"`
	CylinderCharges   float64        `json:"cylinder_charges"`
	NumberOfCylinders int            `json:"number_of_cylinders"`
	InventoryCharges  float64        `json:"inventory_charges"`
	TaxPercent        float64        `json:"tax_percent"`
	Terms             string         `json:"terms"`
	BankDetails       string         `json:"bank_details"`

	Status                       Status            `json:"status"`
	DesignStatus                 DesignStatus      `json:"design_status"`
	ClientOrderStatus            ClientOrderStatus `json:"client_order_status"`
	AdvanceAmount                float64           `json:"advance_amount"`
	AdvanceVerifiedAmount        float64           `json:"advance_verified_amount,omitempty"`
	AdvanceVerifiedBy            *UserRef          `json:"advance_verified_by,omitempty"`
	AdvanceVerifiedAt            *time.Time        `json:"advance_verified_at,omitempty"`
	ClientDesignApprovedAt       *time.Time        `json:"client_design_approved_at,omitempty"`
	ManufacturerDesignApprovedAt *time.Time        `json:"manufacturer_design_approved_at,omitempty"`
	History                      []HistoryEntry    `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Charges returns the pricing inputs stored on the quote.
func (q Quote) Charges() pricing.Charges {
	return pricing.Charges{
		TaxPercent:       q.TaxPercent,
		CylinderCharges:  q.CylinderCharges,
		InventoryCharges: q.InventoryCharges,
	}
}

// ComputeTotals derives the totals breakdown. Totals are never stored.
func (q Quote) ComputeTotals() pricing.Totals {
	return pricing.ComputeItems(q.Items, q.Charges())
}

// Clone returns a deep copy so transitions never share backing arrays with the input.
func (q Quote) Clone() Quote {
	out := q
	if q.Items != nil {
		out.Items = make([]pricing.Item, len(q.Items))
		copy(out.Items, q.Items)
	}
	if q.History != nil {
		out.History = make([]HistoryEntry, len(q.History))
		copy(out.History, q.History)
	}
	out.AdvanceVerifiedBy = cloneRef(q.AdvanceVerifiedBy)
	out.AdvanceVerifiedAt = cloneTime(q.AdvanceVerifiedAt)
	out.ClientDesignApprovedAt = cloneTime(q.ClientDesignApprovedAt)
	out.ManufacturerDesignApprovedAt = cloneTime(q.ManufacturerDesignApprovedAt)
	return out
}

// View is the API representation: the quote plus its derived totals.
type View struct {
	Quote
	Totals pricing.Totals `json:"totals"`
}

// NewView attaches totals to q.
func NewView(q Quote) View {
	return View{Quote: q, Totals: q.ComputeTotals()}
}

// ListFilter narrows quote listings.
type ListFilter struct {
	Status    Status
	CreatedBy string
	Search    string
	Page      int
	PerPage   int
}

// ListResult is a page of quotes.
type ListResult struct {
	Quotes     []View            `json:"quotes"`
	Pagination shared.Pagination `json:"pagination"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRef(r *UserRef) *UserRef {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}
