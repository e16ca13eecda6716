package render

import (
	"encoding/json"
	"strconv"

	"github.com/bc-dunia/threadmon/internal/snapshot"
	"github.com/bc-dunia/threadmon/internal/threshold"
)

// Percent marshals as a JSON number with two fraction digits.
type Percent float64

func (p Percent) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(p), 'f', 2, 64)), nil
}

// PoolDocument is the JSON shape of one pool.
type PoolDocument struct {
	BusyThreads        int     `json:"busyThreads"`
	MaxThreads         int     `json:"maxThreads"`
	AvailableThreads   int     `json:"availableThreads"`
	UtilizationPercent Percent `json:"utilizationPercent"`
}

// SystemDocument is the JSON shape of the system-wide counters.
type SystemDocument struct {
	TotalThreads     int `json:"totalThreads"`
	PeakThreads      int `json:"peakThreads"`
	DaemonThreads    int `json:"daemonThreads"`
	NonDaemonThreads int `json:"nonDaemonThreads"`
}

// Document is the structured JSON rendering of a snapshot.
type Document struct {
	Timestamp  string               `json:"timestamp"`
	HTTP       PoolDocument         `json:"http"`
	AJP        PoolDocument         `json:"ajp"`
	System     SystemDocument       `json:"system"`
	Thresholds threshold.Thresholds `json:"thresholds"`
}

// ErrorDocument is the JSON error envelope.
type ErrorDocument struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func poolDocument(p snapshot.PoolReading) PoolDocument {
	return PoolDocument{
		BusyThreads:        p.Busy,
		MaxThreads:         p.Max,
		AvailableThreads:   p.Available(),
		UtilizationPercent: Percent(p.Utilization()),
	}
}

// Document builds the JSON document for s, stamped with the current time.
func (r *Renderer) Document(s snapshot.MetricsSnapshot) Document {
	return Document{
		Timestamp: r.nowFunc().Format(TimestampLayout),
		HTTP:      poolDocument(s.HTTP),
		AJP:       poolDocument(s.AJP),
		System: SystemDocument{
			TotalThreads:     s.TotalThreads,
			PeakThreads:      s.PeakThreads,
			DaemonThreads:    s.DaemonThreads,
			NonDaemonThreads: s.NonDaemonThreads(),
		},
		Thresholds: r.thresholds,
	}
}

// JSON renders s as an indented JSON document.
func (r *Renderer) JSON(s snapshot.MetricsSnapshot) ([]byte, error) {
	data, err := json.MarshalIndent(r.Document(s), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ErrorJSON renders err as {"status":"error","message":...}.
func ErrorJSON(err error) []byte {
	data, _ := json.MarshalIndent(ErrorDocument{Status: "error", Message: sanitizeMessage(err)}, "", "  ")
	return append(data, '\n')
}
