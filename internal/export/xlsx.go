// Package export renders document results as spreadsheets.
package export

import (
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/jackzampolin/folio/internal/pages"
)

const (
	PagesSheet   = "Pages"
	SummarySheet = "Summary"

	XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	// Excel rejects cells longer than 32767 characters.
	maxCellText = 32000
)

var pageHeaders = []string{
	"Page",
	"Status",
	"Confidence",
	"Words",
	"Time (ms)",
	"Retries",
	"Error",
	"Text",
}

// XLSX renders a response as a workbook with a Pages sheet (one row per
// page result, in page order) and a Summary sheet.
func XLSX(resp pages.Response) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// NewFile starts with "Sheet1"; rename it so Pages is the first tab.
	if err := f.SetSheetName("Sheet1", PagesSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return nil, fmt.Errorf("create summary sheet: %w", err)
	}

	for i, h := range pageHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(PagesSheet, cell, h)
	}

	row := 2
	for _, r := range resp.PageResults {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(PagesSheet, cell, v)
		}
		write(1, r.PageNumber)
		write(2, string(r.Status))
		if r.Confidence != nil {
			write(3, *r.Confidence)
		}
		if r.WordCount != nil {
			write(4, *r.WordCount)
		}
		if r.ProcessingTimeMs != nil {
			write(5, *r.ProcessingTimeMs)
		}
		write(6, r.RetryCount)
		if r.Error != nil {
			write(7, *r.Error)
		}
		if r.Text != nil {
			write(8, truncate(*r.Text, maxCellText))
		}
		row++
	}

	_ = f.SetColWidth(PagesSheet, "A", "A", 8)
	_ = f.SetColWidth(PagesSheet, "B", "B", 12)
	_ = f.SetColWidth(PagesSheet, "C", "F", 12)
	_ = f.SetColWidth(PagesSheet, "G", "G", 48)
	_ = f.SetColWidth(PagesSheet, "H", "H", 80)
	_ = f.SetPanes(PagesSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	s := resp.Summary
	summary := [][2]any{
		{"Document", resp.DocumentID},
		{"Status", string(resp.Status)},
		{"Total pages", s.TotalPages},
		{"Processed pages", s.ProcessedPages},
		{"Successful pages", s.SuccessfulPages},
		{"Failed pages", s.FailedPages},
		{"Skipped pages", s.SkippedPages},
		{"Success rate (%)", s.SuccessRate},
		{"Total words", s.TotalWordCount},
	}
	if s.AverageConfidence != nil {
		summary = append(summary, [2]any{"Average confidence", *s.AverageConfidence})
	}
	if s.ProcessingTimeSeconds != nil {
		summary = append(summary, [2]any{"Processing time (s)", *s.ProcessingTimeSeconds})
	}
	for _, page := range slices.Sorted(maps.Keys(s.PagesWithErrors)) {
		summary = append(summary, [2]any{"Error on page " + strconv.Itoa(page), s.PagesWithErrors[page]})
	}
	for i, kv := range summary {
		_ = f.SetCellValue(SummarySheet, "A"+strconv.Itoa(i+1), kv[0])
		_ = f.SetCellValue(SummarySheet, "B"+strconv.Itoa(i+1), kv[1])
	}
	_ = f.SetColWidth(SummarySheet, "A", "A", 22)
	_ = f.SetColWidth(SummarySheet, "B", "B", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
