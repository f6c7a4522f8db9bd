// Package pricing derives quote totals from line items and charge parameters
// and decides whether a line item carries every field its formulation needs.
package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/pharmaquote/pharmaquote/internal/shared"
)

const (
	// TaxPercentOnCharges is applied to cylinder and inventory charges regardless
	// of the quote's selected tax rate.
	TaxPercentOnCharges = 18.0
	// AdvanceRatio is the share of the total collected before design work starts.
	AdvanceRatio = 0.35

	// MaxQuantity bounds a line quantity.
	MaxQuantity = 1e9
	// MaxUnitPrice bounds rate and MRP.
	MaxUnitPrice = 1e9
	// MaxCharges bounds each quote-level charge.
	MaxCharges = 1e12
)

var allowedTaxPercents = []float64{0, 5, 18}

// Line is the priced part of an item.
type Line struct {
	Quantity float64
	Rate     float64
}

// Charges holds quote-level charge parameters.
type Charges struct {
	TaxPercent       float64
	CylinderCharges  float64
	InventoryCharges float64
}

// Totals is the derived breakdown. Values are rounded to two decimals.
type Totals struct {
	Subtotal       float64 `json:"subtotal"`
	TaxOnSubtotal  float64 `json:"tax_on_subtotal"`
	ChargesTotal   float64 `json:"charges_total"`
	TaxOnCharges   float64 `json:"tax_on_charges"`
	TotalTax       float64 `json:"total_tax"`
	Total          float64 `json:"total_amount"`
	AdvancePayment float64 `json:"advance_payment"`
}

// Compute evaluates the totals. Intermediate values keep full float precision;
// only the returned fields are rounded.
func Compute(lines []Line, ch Charges) Totals {
	var subtotal float64
	for _, l := range lines {
		subtotal += l.Quantity * l.Rate
	}
	taxOnSubtotal := subtotal * ch.TaxPercent / 100
	chargesTotal := ch.CylinderCharges + ch.InventoryCharges
	taxOnCharges := chargesTotal * TaxPercentOnCharges / 100
	totalTax := taxOnSubtotal + taxOnCharges
	total := subtotal + chargesTotal + totalTax
	advance := total * AdvanceRatio

	return Totals{
		Subtotal:       Round(subtotal),
		TaxOnSubtotal:  Round(taxOnSubtotal),
		ChargesTotal:   Round(chargesTotal),
		TaxOnCharges:   Round(taxOnCharges),
		TotalTax:       Round(totalTax),
		Total:          Round(total),
		AdvancePayment: Round(advance),
	}
}

// ComputeItems is Compute over full items.
func ComputeItems(items []Item, ch Charges) Totals {
	lines := make([]Line, 0, len(items))
	for _, it := range items {
		lines = append(lines, Line{Quantity: it.Quantity, Rate: it.Rate})
	}
	return Compute(lines, ch)
}

// LineAmount returns quantity*rate rounded for display.
func LineAmount(quantity, rate float64) float64 {
	return Round(quantity * rate)
}

// Round rounds half away from zero to two decimal places. NaN and infinities
// are returned unchanged.
func Round(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// Finite reports whether every field is a finite number.
func (t Totals) Finite() bool {
	for _, v := range []float64{t.Subtotal, t.TaxOnSubtotal, t.ChargesTotal, t.TaxOnCharges, t.TotalTax, t.Total, t.AdvancePayment} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// CheckAmount adds a validation error unless v is a finite number in [0, max].
func CheckAmount(field string, v, max float64, verr *shared.ValidationError) {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		verr.Add(field, "must be a number")
	case v < 0:
		verr.Add(field, "must not be negative")
	case v > max:
		verr.Add(field, fmt.Sprintf("must not exceed %.0f", max))
	}
}

// ValidTaxPercent reports whether p is one of the selectable tax rates.
func ValidTaxPercent(p float64) bool {
	for _, allowed := range allowedTaxPercents {
		if p == allowed {
			return true
		}
	}
	return false
}
