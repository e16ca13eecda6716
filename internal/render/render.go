// Package render serializes a MetricsSnapshot as CSV, JSON or an HTML page.
// Rendering is a pure function of the snapshot, the thresholds and the render
// time; nothing here performs I/O beyond writing to the supplied writer.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/bc-dunia/threadmon/internal/snapshot"
	"github.com/bc-dunia/threadmon/internal/threshold"
)

// Format selects a text payload.
type Format string

const (
	FormatCSVRow Format = "csv"
	FormatCSV    Format = "csv-header"
	FormatJSON   Format = "json"
)

// TimestampLayout is the render timestamp layout used in CSV and JSON payloads.
const TimestampLayout = "2006-01-02 15:04:05"

// CSVHeader names the twelve CSV columns in row order.
const CSVHeader = "Timestamp,HTTP_Busy_Threads,HTTP_Max_Threads,HTTP_Available,HTTP_Utilization_Percent," +
	"AJP_Busy_Threads,AJP_Max_Threads,AJP_Available,AJP_Utilization_Percent," +
	"Total_System_Threads,Peak_System_Threads,Daemon_Threads"

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSVRow, FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (want csv, csv-header or json)", s)
	}
}

// Renderer formats snapshots against fixed thresholds.
type Renderer struct {
	thresholds threshold.Thresholds
	nowFunc    func() time.Time
}

// NewRenderer creates a Renderer stamping payloads with the local wall clock.
func NewRenderer(t threshold.Thresholds) *Renderer {
	return &Renderer{thresholds: t, nowFunc: time.Now}
}

// Thresholds returns the thresholds the renderer classifies against.
func (r *Renderer) Thresholds() threshold.Thresholds {
	return r.thresholds
}

// Render produces the payload for format.
func (r *Renderer) Render(format Format, s snapshot.MetricsSnapshot) ([]byte, error) {
	switch format {
	case FormatCSVRow:
		return []byte(r.CSVRow(s)), nil
	case FormatCSV:
		return []byte(r.CSV(s)), nil
	case FormatJSON:
		return r.JSON(s)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// RenderError produces a format-consistent error payload.
func (r *Renderer) RenderError(format Format, err error) []byte {
	switch format {
	case FormatJSON:
		return ErrorJSON(err)
	default:
		return []byte(CSVErrorRow(err))
	}
}

// CSVRow renders one newline-terminated CSV row stamped with the current time.
func (r *Renderer) CSVRow(s snapshot.MetricsSnapshot) string {
	return fmt.Sprintf("%s,%d,%d,%d,%.2f,%d,%d,%d,%.2f,%d,%d,%d\n",
		r.nowFunc().Format(TimestampLayout),
		s.HTTP.Busy,
		s.HTTP.Max,
		s.HTTP.Available(),
		s.HTTP.Utilization(),
		s.AJP.Busy,
		s.AJP.Max,
		s.AJP.Available(),
		s.AJP.Utilization(),
		s.TotalThreads,
		s.PeakThreads,
		s.DaemonThreads,
	)
}

// CSV renders the header line followed by one row.
func (r *Renderer) CSV(s snapshot.MetricsSnapshot) string {
	return CSVHeader + "\n" + r.CSVRow(s)
}

// CSVErrorRow renders an error as a single CSV row.
func CSVErrorRow(err error) string {
	return "Error," + sanitizeMessage(err) + "\n"
}

// sanitizeMessage flattens an error message onto one line.
func sanitizeMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return strings.Join(strings.Fields(err.Error()), " ")
}
