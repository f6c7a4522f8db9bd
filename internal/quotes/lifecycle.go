package quotes

import (
	"fmt"
	"strings"
	"time"

	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Command requests a workflow transition. Amount carries the reported advance
// for client_approve and the verified advance for verify_payment.
type Command struct {
	Action  Action
	Comment string
	Amount  float64
}

type transition struct {
	from []Status
	perm string
	// to is empty when the action keeps the status.
	to Status
}

var transitions = map[Action]transition{
	ActionSubmit:                    {from: []Status{StatusDraft, StatusManagerRejected, StatusQuoteRejected}, perm: shared.PermQuoteSubmit, to: StatusPendingManagerApproval},
	ActionApprove:                   {from: []Status{StatusPendingManagerApproval}, perm: shared.PermQuoteApprove, to: StatusManagerApproved},
	ActionReject:                    {from: []Status{StatusPendingManagerApproval}, perm: shared.PermQuoteReject, to: StatusManagerRejected},
	ActionClientApprove:             {from: []Status{StatusManagerApproved}, perm: shared.PermQuoteClientApprove, to: StatusPendingAccountant},
	ActionClientReject:              {from: []Status{StatusManagerApproved}, perm: shared.PermQuoteClientReject, to: StatusQuoteRejected},
	ActionReopen:                    {from: []Status{StatusManagerRejected, StatusQuoteRejected}, perm: shared.PermQuoteReopen, to: StatusDraft},
	ActionVerifyPayment:             {from: []Status{StatusPendingAccountant}, perm: shared.PermQuoteVerifyPayment, to: StatusPendingDesigner},
	ActionDesignStart:               {from: []Status{StatusPendingDesigner}, perm: shared.PermQuoteDesignStart},
	ActionDesignClientApprove:       {from: []Status{StatusPendingDesigner}, perm: shared.PermQuoteDesignClientApprove},
	ActionDesignManufacturerApprove: {from: []Status{StatusPendingDesigner}, perm: shared.PermQuoteDesignManufacturerApprove, to: StatusCompleted},
}

// Actions lists every workflow action.
func Actions() []Action {
	return []Action{
		ActionSubmit, ActionApprove, ActionReject, ActionClientApprove, ActionClientReject,
		ActionReopen, ActionVerifyPayment, ActionDesignStart, ActionDesignClientApprove,
		ActionDesignManufacturerApprove,
	}
}

// Apply performs cmd on a copy of q and returns the copy. The input is never
// modified; on error the caller keeps the original quote untouched.
//
// Checks run in order: the action must be legal from q.Status
// (ErrInvalidTransition), the actor must hold the permission
// (ErrPermissionDenied), then the action's guard must pass.
func Apply(q Quote, cmd Command, actor shared.Actor, gate *rbac.Gate, now time.Time) (Quote, error) {
	t, ok := transitions[cmd.Action]
	if !ok {
		return q, fmt.Errorf("%w: unknown action %q", shared.ErrInvalidTransition, cmd.Action)
	}
	if !statusIn(q.Status, t.from) {
		return q, fmt.Errorf("%w: cannot %s a quote in %s", shared.ErrInvalidTransition, cmd.Action, q.Status)
	}
	res := rbac.Resource{OwnerID: q.CreatedBy.ID, State: string(q.Status)}
	if err := gate.Authorize(rbac.SubjectOf(actor), t.perm, res); err != nil {
		return q, err
	}

	next := q.Clone()
	at := stamp(q.History, now)
	comment := strings.TrimSpace(cmd.Comment)
	entry := HistoryEntry{
		Action:    cmd.Action,
		From:      q.Status,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ActorRole: actor.Role,
		Comment:   comment,
		At:        at,
	}

	switch cmd.Action {
	case ActionSubmit:
		if err := pricing.ValidateComplete(q.Items); err != nil {
			return q, err
		}
		if !pricing.ValidTaxPercent(q.TaxPercent) {
			return q, shared.NewValidationError("tax_percent", "must be one of 0, 5, 18")
		}
	case ActionApprove:
	case ActionReject:
		if comment == "" {
			return q, shared.NewValidationError("comment", "a comment is required to reject")
		}
	case ActionClientApprove:
		if cmd.Amount <= 0 {
			return q, shared.NewValidationError("advance_amount", "must be greater than 0")
		}
		if total := q.ComputeTotals().Total; cmd.Amount > total {
			return q, shared.NewValidationError("advance_amount", fmt.Sprintf("must not exceed the quote total %.2f", total))
		}
		next.ClientOrderStatus = ClientOrderApproved
		next.AdvanceAmount = pricing.Round(cmd.Amount)
		entry.Amount = next.AdvanceAmount
	case ActionClientReject:
		if comment == "" {
			return q, shared.NewValidationError("comment", "a comment is required to reject")
		}
		next.ClientOrderStatus = ClientOrderRejected
	case ActionReopen:
		next.ClientOrderStatus = ClientOrderPending
	case ActionVerifyPayment:
		amount := cmd.Amount
		if amount == 0 {
			amount = q.AdvanceAmount
		}
		if amount <= 0 {
			return q, shared.NewValidationError("amount", "no advance amount to verify")
		}
		if total := q.ComputeTotals().Total; amount > total {
			return q, shared.NewValidationError("amount", fmt.Sprintf("must not exceed the quote total %.2f", total))
		}
		next.AdvanceVerifiedAmount = pricing.Round(amount)
		next.AdvanceVerifiedBy = &UserRef{ID: actor.ID, Name: actor.Name}
		next.AdvanceVerifiedAt = &at
		next.DesignStatus = DesignPending
		entry.Amount = next.AdvanceVerifiedAmount
	case ActionDesignStart:
		if q.ClientDesignApprovedAt != nil {
			return q, fmt.Errorf("%w: client already approved the design", shared.ErrInvalidTransition)
		}
		next.DesignStatus = DesignInProgress
	case ActionDesignClientApprove:
		if q.DesignStatus != DesignInProgress || q.ClientDesignApprovedAt != nil {
			return q, fmt.Errorf("%w: design must be in progress and not yet client approved", shared.ErrInvalidTransition)
		}
		next.ClientDesignApprovedAt = &at
	case ActionDesignManufacturerApprove:
		if q.ClientDesignApprovedAt == nil {
			return q, fmt.Errorf("%w: client design approval is required first", shared.ErrInvalidTransition)
		}
		next.ManufacturerDesignApprovedAt = &at
		next.DesignStatus = DesignCompleted
	default:
		return q, fmt.Errorf("%w: unhandled action %q", shared.ErrInvalidTransition, cmd.Action)
	}

	if t.to != "" {
		next.Status = t.to
	}
	entry.To = next.Status
	next.History = append(next.History, entry)
	next.UpdatedAt = at
	return next, nil
}

// stamp keeps history monotonically ordered even if the clock steps back.
func stamp(history []HistoryEntry, now time.Time) time.Time {
	at := now.UTC()
	if n := len(history); n > 0 && at.Before(history[n-1].At) {
		return history[n-1].At
	}
	return at
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
