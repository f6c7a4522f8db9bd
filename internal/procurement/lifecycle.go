package procurement

import (
	"fmt"
	"strings"
	"time"

	"github.com/pharmaquote/pharmaquote/internal/rbac"
	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Action names a purchase order transition.
type Action string

const (
	ActionAdvance       Action = "advance"
	ActionCancel        Action = "cancel"
	ActionVerifyPayment Action = "verify_payment"
)

// Command requests a transition. To, when set on advance, must name the next
// fulfilment status.
type Command struct {
	Action  Action
	To      Status
	Comment string
}

// forward is the fulfilment chain. Each advance moves exactly one step.
var forward = map[Status]Status{
	StatusDraft:        StatusSent,
	StatusSent:         StatusAcknowledged,
	StatusAcknowledged: StatusInProduction,
	StatusInProduction: StatusShipped,
	StatusShipped:      StatusDelivered,
	StatusDelivered:    StatusCompleted,
}

// NextStatus returns the status advance would move to.
func NextStatus(s Status) (Status, bool) {
	next, ok := forward[s]
	return next, ok
}

// Apply performs cmd on a copy of po. The input is never modified.
func Apply(po PurchaseOrder, cmd Command, actor shared.Actor, gate *rbac.Gate, now time.Time) (PurchaseOrder, error) {
	var (
		to   Status
		perm string
	)
	switch cmd.Action {
	case ActionAdvance:
		next, ok := forward[po.Status]
		if !ok {
			return po, fmt.Errorf("%w: a %s purchase order cannot advance", shared.ErrInvalidTransition, po.Status)
		}
		if cmd.To != "" && cmd.To != next {
			return po, fmt.Errorf("%w: %s must move to %s, not %s", shared.ErrInvalidTransition, po.Status, next, cmd.To)
		}
		to, perm = next, shared.PermPOAdvance
	case ActionCancel:
		switch po.Status {
		case StatusDraft, StatusSent, StatusAcknowledged:
		default:
			return po, fmt.Errorf("%w: a %s purchase order cannot be cancelled", shared.ErrInvalidTransition, po.Status)
		}
		to, perm = StatusCancelled, shared.PermPOCancel
	case ActionVerifyPayment:
		switch po.Status {
		case StatusPaid:
			return po, fmt.Errorf("%w: payment already verified", shared.ErrInvalidTransition)
		case StatusDraft, StatusCancelled:
			return po, fmt.Errorf("%w: a %s purchase order cannot be paid", shared.ErrInvalidTransition, po.Status)
		}
		to, perm = StatusPaid, shared.PermPOVerifyPayment
	default:
		return po, fmt.Errorf("%w: unknown action %q", shared.ErrInvalidTransition, cmd.Action)
	}

	res := rbac.Resource{OwnerID: po.CreatedBy.ID, State: string(po.Status)}
	if err := gate.Authorize(rbac.SubjectOf(actor), perm, res); err != nil {
		return po, err
	}

	next := po.Clone()
	at := now.UTC()
	if n := len(po.StatusHistory); n > 0 && at.Before(po.StatusHistory[n-1].At) {
		at = po.StatusHistory[n-1].At
	}
	if cmd.Action == ActionVerifyPayment {
		next.FullPaymentReceived = true
		next.PaymentVerifiedBy = &UserRef{ID: actor.ID, Name: actor.Name}
		next.PaymentVerifiedAt = &at
	}
	next.Status = to
	next.StatusHistory = append(next.StatusHistory, StatusChange{
		Action:    cmd.Action,
		From:      po.Status,
		To:        to,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ActorRole: actor.Role,
		Comment:   strings.TrimSpace(cmd.Comment),
		At:        at,
	})
	next.UpdatedAt = at
	return next, nil
}
