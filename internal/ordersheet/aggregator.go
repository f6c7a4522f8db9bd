// Package ordersheet derives the per-item order status of completed quotes
// from the purchase orders that reference them, and creates purchase orders
// from pending items.
package ordersheet

import (
	"sort"

	"github.com/pharmaquote/pharmaquote/internal/pricing"
	"github.com/pharmaquote/pharmaquote/internal/procurement"
	"github.com/pharmaquote/pharmaquote/internal/quotes"
)

// OrderStatus is the derived state of one quote item.
type OrderStatus string

const (
	OrderPending     OrderStatus = "pending"
	OrderPOCreated   OrderStatus = "po_created"
	OrderPOCompleted OrderStatus = "po_completed"
)

// Row is one completed quote item and the order that claims it, if any.
type Row struct {
	QuoteID     string       `json:"quote_id"`
	QuoteNumber string       `json:"quote_number"`
	ItemIndex   int          `json:"item_index"`
	Client      string       `json:"client"`
	MarketedBy  string       `json:"marketed_by,omitempty"`
	CreatedBy   string       `json:"created_by"`
	Item        pricing.Item `json:"item"`
	Amount      float64      `json:"amount"`
	OrderStatus OrderStatus  `json:"order_status"`

	PurchaseOrderID string             `json:"purchase_order_id,omitempty"`
	PONumber        string             `json:"po_number,omitempty"`
	POStatus        procurement.Status `json:"po_status,omitempty"`
}

// Ref returns the item reference of the row.
func (r Row) Ref() procurement.ItemRef {
	return procurement.ItemRef{QuoteID: r.QuoteID, ItemIndex: r.ItemIndex}
}

// Summary counts rows per order status.
type Summary struct {
	Items       int `json:"items"`
	Pending     int `json:"pending"`
	POCreated   int `json:"po_created"`
	POCompleted int `json:"po_completed"`
}

// View is the order sheet. It carries no timestamps so identical inputs
// produce identical views.
type View struct {
	Rows    []Row   `json:"rows"`
	Summary Summary `json:"summary"`
}

// Pending returns the rows still eligible for a purchase order.
func (v View) Pending() []Row {
	out := make([]Row, 0, v.Summary.Pending)
	for _, row := range v.Rows {
		if row.OrderStatus == OrderPending {
			out = append(out, row)
		}
	}
	return out
}

// Aggregate joins every item of the completed quotes against the purchase
// orders that claim them. Quotes in any other status and cancelled orders
// are ignored. Rows are ordered by quote number then item index.
func Aggregate(qs []quotes.Quote, pos []procurement.PurchaseOrder) View {
	claims := make(map[procurement.ItemRef]procurement.PurchaseOrder)
	for _, po := range pos {
		if !po.Status.Active() {
			continue
		}
		for _, ref := range po.Refs() {
			if prev, ok := claims[ref]; ok && prev.CreatedAt.Before(po.CreatedAt) {
				continue
			}
			claims[ref] = po
		}
	}

	completed := make([]quotes.Quote, 0, len(qs))
	for _, q := range qs {
		if q.Status == quotes.StatusCompleted {
			completed = append(completed, q)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		if completed[i].QuoteNumber != completed[j].QuoteNumber {
			return completed[i].QuoteNumber < completed[j].QuoteNumber
		}
		return completed[i].ID < completed[j].ID
	})

	view := View{Rows: []Row{}}
	for _, q := range completed {
		for idx, item := range q.Items {
			row := Row{
				QuoteID:     q.ID,
				QuoteNumber: q.QuoteNumber,
				ItemIndex:   idx,
				Client:      q.Client.Name,
				MarketedBy:  q.MarketedBy,
				CreatedBy:   q.CreatedBy.Name,
				Item:        item,
				Amount:      item.Amount(),
				OrderStatus: OrderPending,
			}
			if po, ok := claims[row.Ref()]; ok {
				row.PurchaseOrderID = po.ID
				row.PONumber = po.PONumber
				row.POStatus = po.Status
				row.OrderStatus = statusOf(po)
			}
			view.Rows = append(view.Rows, row)
			view.Summary.add(row.OrderStatus)
		}
	}
	return view
}

func statusOf(po procurement.PurchaseOrder) OrderStatus {
	if po.Status == procurement.StatusPaid {
		return OrderPOCompleted
	}
	return OrderPOCreated
}

func (s *Summary) add(status OrderStatus) {
	s.Items++
	switch status {
	case OrderPending:
		s.Pending++
	case OrderPOCreated:
		s.POCreated++
	case OrderPOCompleted:
		s.POCompleted++
	}
}
