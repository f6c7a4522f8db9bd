package ordersheet

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Order Sheet"

var exportHeaders = []string{
	"Quote", "Item", "Client", "Marketed By", "Brand", "Composition", "Formulation",
	"Packaging", "Quantity", "Rate", "MRP", "Amount", "Order Type", "Order Status", "PO Number", "PO Status",
}

// WriteXLSX renders the view as a single-sheet workbook.
func WriteXLSX(w io.Writer, v View) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return fmt.Errorf("ordersheet export: sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("ordersheet export: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#D3D3D3"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("ordersheet export: style: %w", err)
	}

	if err := f.SetSheetRow(exportSheet, "A1", &exportHeaders); err != nil {
		return fmt.Errorf("ordersheet export: header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(exportHeaders), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(exportSheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("ordersheet export: header style: %w", err)
	}

	for i, row := range v.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []any{
			row.QuoteNumber,
			row.ItemIndex + 1,
			row.Client,
			row.MarketedBy,
			row.Item.BrandName,
			row.Item.Composition,
			row.Item.DisplayFormulation(),
			row.Item.PackagingType,
			row.Item.Quantity,
			row.Item.Rate,
			row.Item.MRP,
			row.Amount,
			string(row.Item.OrderType),
			string(row.OrderStatus),
			row.PONumber,
			string(row.POStatus),
		}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return fmt.Errorf("ordersheet export: row %d: %w", i+1, err)
		}
	}

	lastCol, err := excelize.ColumnNumberToName(len(exportHeaders))
	if err != nil {
		return err
	}
	if err := f.SetColWidth(exportSheet, "A", lastCol, 16); err != nil {
		return err
	}
	_, err = f.WriteTo(w)
	return err
}
