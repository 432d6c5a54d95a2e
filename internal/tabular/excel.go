// Package tabular converts spreadsheet files into a markdown text
// representation suitable for prompt context.
package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/timecard-processor/internal/common"
)

// Convert renders the spreadsheet at r as markdown, one pipe table per
// sheet. The extension of name selects the parser.
func Convert(r io.Reader, name string) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return convertCSV(r, name)
	case ".xlsx", ".xlsm", ".xls":
		return convertExcel(r, name)
	default:
		return "", common.WrapError(common.ErrInvalidInput,
			fmt.Sprintf("unsupported spreadsheet format %q", filepath.Ext(name)))
	}
}

func convertExcel(r io.Reader, name string) (string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return "", common.NewAppError("TABULAR_OPEN", fmt.Sprintf("open workbook %s", name), err)
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "# Workbook: %s\n", filepath.Base(name))
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", common.NewAppError("TABULAR_READ", fmt.Sprintf("read sheet %s", sheet), err)
		}
		writeSheet(&b, sheet, rows)
	}
	if b.Len() == 0 {
		return "", common.WrapError(common.ErrExtraction, "workbook contains no sheets")
	}
	return b.String(), nil
}

func convertCSV(r io.Reader, name string) (string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return "", common.NewAppError("TABULAR_OPEN", fmt.Sprintf("parse csv %s", name), err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Workbook: %s\n", filepath.Base(name))
	writeSheet(&b, "Sheet1", rows)
	return b.String(), nil
}

// writeSheet emits one sheet as a markdown table. Ragged rows are padded to
// the widest row so the table stays rectangular.
func writeSheet(b *strings.Builder, sheet string, rows [][]string) {
	fmt.Fprintf(b, "\n## Sheet: %s\n", sheet)
	if len(rows) == 0 {
		b.WriteString("(empty)\n")
		return
	}
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	fmt.Fprintf(b, "Rows: %d, Columns: %d\n\n", len(rows), width)

	for i, row := range rows {
		cells := make([]string, width)
		for j := 0; j < width; j++ {
			if j < len(row) {
				cells[j] = escapeCell(row[j])
			}
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if i == 0 {
			sep := make([]string, width)
			for j := range sep {
				sep[j] = "---"
			}
			b.WriteString("| " + strings.Join(sep, " | ") + " |\n")
		}
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
