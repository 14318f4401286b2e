package workflow

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const lineageSheet = "Lineage"

var lineageHeadings = []string{
	"Depth", "SerialNumber", "ItemCode", "Tier", "OperatorCode",
	"ProductionDate", "Weight", "Length", "ViaShift", "FromSerial",
}

// ExportLineage drains t into an XLSX workbook written to w. The first data row
// is the starting unit at depth 0; a trailing row marks a truncated traversal.
func ExportLineage(ctx context.Context, t *Traversal, w io.Writer) (rows int, err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := f.SetSheetName("Sheet1", lineageSheet); err != nil {
		return 0, err
	}

	// Add headers
	col := 'A'
	for _, h := range lineageHeadings {
		if err := f.SetCellValue(lineageSheet, string(col)+"1", h); err != nil {
			return 0, err
		}
		col++
	}

	rowNo := 2
	write := func(node LineageNode) error {
		u := node.Unit
		length := ""
		if u.Length.Valid {
			length = u.Length.Decimal.String()
		}
		values := []interface{}{
			node.Depth, u.SerialNumber, u.ItemCode, u.Tier.String(), u.OperatorCode,
			u.ProductionDate.Format("2006-01-02"), u.Weight.InexactFloat64(), length,
			node.ViaShift, node.FromSerial,
		}
		col := 'A'
		for _, v := range values {
			if err := f.SetCellValue(lineageSheet, string(col)+fmt.Sprint(rowNo), v); err != nil {
				return err
			}
			col++
		}
		rowNo++
		return nil
	}

	root := LineageNode{Unit: t.Root(), ViaShift: t.Root().GetShiftId()}
	if err := write(root); err != nil {
		return 0, err
	}
	for t.Next(ctx) {
		if err := write(t.Node()); err != nil {
			return 0, err
		}
	}
	if err := t.Err(); err != nil {
		return 0, err
	}
	rows = rowNo - 2
	if t.Truncated() {
		msg := fmt.Sprintf("Truncated at depth %d", t.MaxDepth())
		if err := f.SetCellValue(lineageSheet, "A"+fmt.Sprint(rowNo), msg); err != nil {
			return 0, err
		}
	}

	if err := f.Write(w); err != nil {
		return 0, err
	}
	return rows, nil
}
