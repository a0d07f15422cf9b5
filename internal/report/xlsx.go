package report

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/xuri/excelize/v2"
)

const (
	devicesSheet = "Devices"
	summarySheet = "Summary"
)

var columnWidths = []float64{20, 24, 10, 12, 16, 18, 18, 20, 40}

func renderXLSX(r *FullReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(devicesSheet); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	// Sheet indexes shift after the delete.
	index, err := f.GetSheetIndex(devicesSheet)
	if err != nil {
		return nil, fmt.Errorf("devices sheet index: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	for i, h := range Columns {
		if err := setCell(f, devicesSheet, i+1, 1, h); err != nil {
			return nil, err
		}
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(devicesSheet, col, col, columnWidths[i]); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}
	last, err := excelize.CoordinatesToCellName(len(Columns), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(devicesSheet, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("set header style: %w", err)
	}

	for i, row := range r.Devices {
		for j, v := range row.cells() {
			if v == "" {
				continue
			}
			if err := setCell(f, devicesSheet, j+1, i+2, v); err != nil {
				return nil, err
			}
		}
	}

	if err := f.SetPanes(devicesSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("freeze panes: %w", err)
	}

	if err := writeSummary(f, r, headerStyle); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, r *FullReport, headerStyle int) error {
	rows := [][]interface{}{
		{"Report", r.Metadata.ID},
		{"Generated", r.Metadata.Timestamp.UTC().Format("2006-01-02 15:04:05")},
		{"Template", r.Metadata.Template},
		{"Devices", r.Summary.Total},
		{"Online", r.Summary.Online},
		{"Offline", r.Summary.Offline},
		{},
		{"OS", "Count"},
	}
	rows = append(rows, countRows(r.Summary.ByOS)...)
	rows = append(rows, []interface{}{}, []interface{}{"Location", "Count"})
	rows = append(rows, countRows(r.Summary.ByLocation)...)
	rows = append(rows, []interface{}{}, []interface{}{"Recommendations"})
	for _, rec := range r.Recommendations {
		rows = append(rows, []interface{}{rec})
	}

	for i, row := range rows {
		for j, v := range row {
			if err := setCell(f, summarySheet, j+1, i+1, v); err != nil {
				return err
			}
		}
		if len(row) > 0 {
			if s, ok := row[0].(string); ok && (s == "OS" || s == "Location" || s == "Recommendations") {
				cell, _ := excelize.CoordinatesToCellName(1, i+1)
				if err := f.SetCellStyle(summarySheet, cell, cell, headerStyle); err != nil {
					return fmt.Errorf("set summary style: %w", err)
				}
			}
		}
	}
	return f.SetColWidth(summarySheet, "A", "A", 36)
}

func countRows(m map[string]int) [][]interface{} {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]interface{}, len(keys))
	for i, k := range keys {
		out[i] = []interface{}{k, m[k]}
	}
	return out
}

func setCell(f *excelize.File, sheet string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
	}
	return nil
}
