// Package report renders ticket exports for administrators.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"qms/antrian-service/internal/models"
	"qms/antrian-service/internal/stats"

	"github.com/xuri/excelize/v2"
)

const (
	ticketSheet  = "Tickets"
	summarySheet = "Summary"
)

var header = []string{
	"ticket_id", "service_date", "counter_id", "display_number", "status",
	"created_at", "called_at", "called_by", "served_at", "completed_at",
	"wait_seconds", "service_seconds", "notes",
}

func row(ticket models.Ticket) []string {
	wait := ""
	if d, ok := ticket.WaitDuration(); ok {
		wait = strconv.FormatInt(int64(d.Seconds()), 10)
	}
	service := ""
	if d, ok := ticket.ServiceDuration(); ok {
		service = strconv.FormatInt(int64(d.Seconds()), 10)
	}
	return []string{
		ticket.TicketID,
		ticket.ServiceDate,
		ticket.CounterID,
		ticket.DisplayNumber,
		string(ticket.Status),
		ticket.CreatedAt.Format(time.RFC3339),
		formatTime(ticket.CalledAt),
		escapeCell(ticket.CalledBy),
		formatTime(ticket.ServedAt),
		formatTime(ticket.CompletedAt),
		wait,
		service,
		escapeCell(ticket.Notes),
	}
}

func WriteCSV(w io.Writer, tickets []models.Ticket) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, ticket := range tickets {
		if err := writer.Write(row(ticket)); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteXLSX writes a workbook with the ticket rows and a KPI summary sheet.
func WriteXLSX(w io.Writer, tickets []models.Ticket, summary stats.Summary) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", ticketSheet); err != nil {
		return err
	}
	if err := setRow(f, ticketSheet, 1, header); err != nil {
		return err
	}
	for i, ticket := range tickets {
		if err := setRow(f, ticketSheet, i+2, row(ticket)); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	lines := [][]interface{}{
		{"scope", summary.Scope},
		{"scope_id", summary.ScopeID},
		{"from", summary.Range.From},
		{"to", summary.Range.To},
		{"total", summary.Total},
		{"completed", summary.ByStatus[models.StatusCompleted]},
		{"cancelled", summary.ByStatus[models.StatusCancelled]},
		{"avg_wait_seconds", summary.AvgWaitSeconds},
		{"p90_wait_seconds", summary.P90WaitSeconds},
		{"avg_service_seconds", summary.AvgServiceSeconds},
		{"throughput_per_hour", summary.ThroughputPerHour},
	}
	for i, line := range lines {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &line); err != nil {
			return err
		}
	}
	return f.Write(w)
}

func setRow(f *excelize.File, sheet string, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(values))
	for i, value := range values {
		cells[i] = value
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("sheet %s row %d: %w", sheet, rowNum, err)
	}
	return nil
}

// escapeCell keeps operator text from being read as a spreadsheet formula.
func escapeCell(value string) string {
	if value == "" {
		return value
	}
	switch value[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + value
	}
	return value
}

func formatTime(value *time.Time) string {
	if value == nil {
		return ""
	}
	return value.Format(time.RFC3339)
}
