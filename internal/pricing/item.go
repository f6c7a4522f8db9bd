package pricing

import (
	"fmt"
	"strings"

	"github.com/pharmaquote/pharmaquote/internal/shared"
)

// Formulation types. Custom is the escape value paired with CustomFormulationType.
const (
	FormulationTablet       = "Tablet"
	FormulationCapsule      = "Capsule"
	FormulationSoftGelatine = "Soft Gelatine"
	FormulationSyrup        = "Syrup"
	FormulationDrySyrup     = "Dry Syrup"
	FormulationSuspension   = "Suspension"
	FormulationInjection    = "Injection"
	FormulationIVFluid      = "I.V/Fluid"
	FormulationOintment     = "Ointment"
	FormulationCream        = "Cream"
	FormulationGel          = "Gel"
	FormulationLotion       = "Lotion"
	FormulationSoap         = "Soap"
	FormulationSachet       = "Sachet"
	FormulationDrops        = "Drops"
	FormulationCustom       = "Custom"
)

// Injection sub-types.
const (
	InjectionLiquid = "Liquid Injection"
	InjectionDry    = "Dry Injection"
)

// CustomOption marks a closed-set selection whose value lives in a companion field.
const CustomOption = "Custom"

// OrderType distinguishes first orders from repeats.
type OrderType string

const (
	OrderTypeNew    OrderType = "New"
	OrderTypeRepeat OrderType = "Repeat"
)

var formulationTypes = []string{
	FormulationTablet, FormulationCapsule, FormulationSoftGelatine, FormulationSyrup,
	FormulationDrySyrup, FormulationSuspension, FormulationInjection, FormulationIVFluid,
	FormulationOintment, FormulationCream, FormulationGel, FormulationLotion,
	FormulationSoap, FormulationSachet, FormulationDrops, FormulationCustom,
}

// packing is not collected for these formulations.
var packingExempt = map[string]bool{
	FormulationInjection: true,
	FormulationIVFluid:   true,
	FormulationLotion:    true,
	FormulationSoap:      true,
	FormulationCustom:    true,
}

// Item is a quote line item. Items are addressed by their index within the
// quote, so the slice order is significant once a purchase order references it.
type Item struct {
	BrandName             string `json:"brand_name"`
	Composition           string `json:"composition"`
	FormulationType       string `json:"formulation_type"`
	CustomFormulationType string `json:"custom_formulation_type,omitempty"`

	Packing             string `json:"packing,omitempty"`
	CustomPacking       string `json:"custom_packing,omitempty"`
	PackagingType       string `json:"packaging_type"`
	CustomPackagingType string `json:"custom_packaging_type,omitempty"`
	PVCType             string `json:"pvc_type,omitempty"`
	CustomPVCType       string `json:"custom_pvc_type,omitempty"`
	SoftGelatinColor    string `json:"soft_gelatin_color,omitempty"`
	CartonPacking       string `json:"carton_packing,omitempty"`
	DrySyrupWaterType   string `json:"dry_syrup_water_type,omitempty"`

	InjectionType        string `json:"injection_type,omitempty"`
	InjectionBoxPacking  string `json:"injection_box_packing,omitempty"`
	InjectionPacking     string `json:"injection_packing,omitempty"`
	DryInjectionUnitPack string `json:"dry_injection_unit_pack,omitempty"`
	DryInjectionPackType string `json:"dry_injection_pack_type,omitempty"`
	DryInjectionTrayPack string `json:"dry_injection_tray_pack,omitempty"`

	Quantity  float64   `json:"quantity"`
	Rate      float64   `json:"rate"`
	MRP       float64   `json:"mrp"`
	OrderType OrderType `json:"order_type"`
}

// Amount is the rounded line amount.
func (it Item) Amount() float64 {
	return LineAmount(it.Quantity, it.Rate)
}

// DisplayFormulation resolves the Custom escape value.
func (it Item) DisplayFormulation() string {
	if it.FormulationType == FormulationCustom {
		return it.CustomFormulationType
	}
	return it.FormulationType
}

// RequiredFields returns the json names of fields required for this item's
// formulation. It depends only on FormulationType and InjectionType.
func (it Item) RequiredFields() []string {
	req := []string{"brand_name", "composition", "quantity", "rate", "mrp", "packaging_type"}
	if !packingExempt[it.FormulationType] {
		req = append(req, "packing")
	}
	switch it.FormulationType {
	case FormulationSoftGelatine:
		req = append(req, "soft_gelatin_color")
	case FormulationInjection:
		req = append(req, "injection_type")
		switch it.InjectionType {
		case InjectionLiquid:
			req = append(req, "injection_box_packing", "injection_packing")
		case InjectionDry:
			req = append(req, "dry_injection_unit_pack", "dry_injection_pack_type", "dry_injection_tray_pack")
		}
	case FormulationDrySyrup:
		req = append(req, "carton_packing", "dry_syrup_water_type")
	case FormulationCustom:
		req = append(req, "custom_formulation_type")
	}
	return req
}

// Missing returns the required fields that are absent or out of range.
func (it Item) Missing() []string {
	var missing []string
	for _, field := range it.RequiredFields() {
		if !it.present(field) {
			missing = append(missing, field)
		}
	}
	// Custom selections on optional fields still need their companion text.
	for _, c := range []struct {
		selected, companion, field string
	}{
		{it.Packing, it.CustomPacking, "custom_packing"},
		{it.PackagingType, it.CustomPackagingType, "custom_packaging_type"},
		{it.PVCType, it.CustomPVCType, "custom_pvc_type"},
	} {
		if c.selected == CustomOption && blank(c.companion) {
			missing = append(missing, c.field)
		}
	}
	return missing
}

// Complete reports whether no required field is missing.
func (it Item) Complete() bool {
	return len(it.Missing()) == 0
}

// CheckShape validates values that are wrong regardless of completeness:
// closed-set members and numbers outside their bounds.
func (it Item) CheckShape(prefix string, verr *shared.ValidationError) {
	if it.FormulationType != "" && !isFormulation(it.FormulationType) {
		verr.Add(prefix+"formulation_type", fmt.Sprintf("unknown formulation %q", it.FormulationType))
	}
	if it.InjectionType != "" && it.InjectionType != InjectionLiquid && it.InjectionType != InjectionDry {
		verr.Add(prefix+"injection_type", fmt.Sprintf("unknown injection type %q", it.InjectionType))
	}
	if it.OrderType != "" && it.OrderType != OrderTypeNew && it.OrderType != OrderTypeRepeat {
		verr.Add(prefix+"order_type", "must be New or Repeat")
	}
	CheckAmount(prefix+"quantity", it.Quantity, MaxQuantity, verr)
	CheckAmount(prefix+"rate", it.Rate, MaxUnitPrice, verr)
	CheckAmount(prefix+"mrp", it.MRP, MaxUnitPrice, verr)
}

// ValidateShape runs CheckShape over every item.
func ValidateShape(items []Item) error {
	verr := &shared.ValidationError{}
	for i, it := range items {
		it.CheckShape(fmt.Sprintf("items[%d].", i), verr)
	}
	return verr.Err()
}

// ValidateComplete fails when any item misses a required field.
func ValidateComplete(items []Item) error {
	verr := &shared.ValidationError{}
	if len(items) == 0 {
		verr.Add("items", "at least one item is required")
	}
	for i, it := range items {
		it.CheckShape(fmt.Sprintf("items[%d].", i), verr)
		for _, field := range it.Missing() {
			verr.Add(fmt.Sprintf("items[%d].%s", i, field), "required")
		}
	}
	return verr.Err()
}

func (it Item) present(field string) bool {
	switch field {
	case "brand_name":
		return !blank(it.BrandName)
	case "composition":
		return !blank(it.Composition)
	case "quantity":
		return it.Quantity > 0
	case "rate":
		return it.Rate >= 0
	case "mrp":
		return it.MRP >= 0
	case "packaging_type":
		return !blank(it.PackagingType)
	case "packing":
		return !blank(it.Packing)
	case "soft_gelatin_color":
		return !blank(it.SoftGelatinColor)
	case "injection_type":
		return !blank(it.InjectionType)
	case "injection_box_packing":
		return !blank(it.InjectionBoxPacking)
	case "injection_packing":
		return !blank(it.InjectionPacking)
	case "dry_injection_unit_pack":
		return !blank(it.DryInjectionUnitPack)
	case "dry_injection_pack_type":
		return !blank(it.DryInjectionPackType)
	case "dry_injection_tray_pack":
		return !blank(it.DryInjectionTrayPack)
	case "carton_packing":
		return !blank(it.CartonPacking)
	case "dry_syrup_water_type":
		return !blank(it.DrySyrupWaterType)
	case "custom_formulation_type":
		return !blank(it.CustomFormulationType)
	}
	return true
}

func isFormulation(v string) bool {
	for _, f := range formulationTypes {
		if f == v {
			return true
		}
	}
	return false
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
