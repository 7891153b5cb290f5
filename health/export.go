package health

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	itemsSheet   = "Items"
	logSheet     = "Recent"
)

// ExportXLSX writes the report as a workbook with a summary sheet, one row per
// catalog item and the recent log lines.
func ExportXLSX(report *Report, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	lastRun := ""
	if report.LastReconciledAt != nil {
		lastRun = report.LastReconciledAt.UTC().Format("2006-01-02 15:04:05")
	}
	summary := [][]interface{}{
		{"Business", report.BusinessId},
		{"Generated", report.GeneratedAt.UTC().Format("2006-01-02 15:04:05")},
		{"Label", string(report.Label)},
		{"SyncedRatio", report.SyncedRatio},
		{"Items", report.TotalItems},
		{"Synced", report.Synced},
		{"Partial", report.Partial},
		{"Unsynced", report.Unsynced},
		{"UnmappedCodes", report.UnmappedCodes},
		{"UnresolvedEvents", report.UnresolvedEvents},
		{"OpenReviews", report.OpenReviews},
		{"LastReconciled", lastRun},
	}
	if err := writeRows(f, summarySheet, nil, summary); err != nil {
		return err
	}

	if _, err := f.NewSheet(itemsSheet); err != nil {
		return err
	}
	rows := make([][]interface{}, 0, len(report.Items))
	for _, it := range report.Items {
		rows = append(rows, []interface{}{
			it.CatalogItemId, it.Name, string(it.Status), it.InventoryCount,
			it.ConfirmedMappings, it.SuggestedMappings, it.OpenReview,
		})
	}
	if err := writeRows(f, itemsSheet,
		[]interface{}{"ItemId", "Name", "Status", "Inventory", "Confirmed", "Suggested", "OpenReview"}, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(logSheet); err != nil {
		return err
	}
	rows = rows[:0]
	for _, l := range report.Recent {
		rows = append(rows, []interface{}{
			l.ID, l.CreatedAt.UTC().Format("2006-01-02 15:04:05"), string(l.EventType), string(l.Outcome), l.CorrelationId, string(l.Payload),
		})
	}
	if err := writeRows(f, logSheet,
		[]interface{}{"Id", "CreatedAt", "EventType", "Outcome", "CorrelationId", "Payload"}, rows); err != nil {
		return err
	}

	return f.Write(w)
}

func writeRows(f *excelize.File, sheet string, headings []interface{}, rows [][]interface{}) error {
	rowNo := 1
	if headings != nil {
		if err := f.SetSheetRow(sheet, "A1", &headings); err != nil {
			return err
		}
		rowNo++
	}
	for _, row := range rows {
		r := row
		if err := f.SetSheetRow(sheet, fmt.Sprintf("A%d", rowNo), &r); err != nil {
			return err
		}
		rowNo++
	}
	return nil
}
