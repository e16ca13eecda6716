package render

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/bc-dunia/threadmon/internal/snapshot"
	"github.com/bc-dunia/threadmon/internal/threshold"
)

//go:embed templates/monitor.html
var templateFS embed.FS

var monitorTemplate = template.Must(template.ParseFS(templateFS, "templates/monitor.html"))

// Refresh interval bounds for the HTML view, in seconds.
const (
	DefaultRefreshSeconds = 30
	MinRefreshSeconds     = 5
	MaxRefreshSeconds     = 3600
)

// RefreshIntervals are the choices offered by the refresh selector.
var RefreshIntervals = []int{5, 10, 30, 60, 120}

// ClampRefresh bounds seconds to [MinRefreshSeconds, MaxRefreshSeconds].
func ClampRefresh(seconds int) int {
	return min(max(seconds, MinRefreshSeconds), MaxRefreshSeconds)
}

type poolView struct {
	Name        string
	Busy        int
	Max         int
	Available   int
	Utilization string
	Status      threshold.Status
}

type pageView struct {
	Refresh    int
	Intervals  []int
	RenderedAt string
	Thresholds threshold.Thresholds
	Error      string

	Pools     []poolView
	Total     int
	Peak      int
	Daemon    int
	NonDaemon int
}

func (r *Renderer) newPage(refresh int) pageView {
	return pageView{
		Refresh:    ClampRefresh(refresh),
		Intervals:  RefreshIntervals,
		RenderedAt: r.nowFunc().Format(TimestampLayout),
		Thresholds: r.thresholds,
	}
}

func (r *Renderer) poolView(name string, p snapshot.PoolReading) poolView {
	u := p.Utilization()
	return poolView{
		Name:        name,
		Busy:        p.Busy,
		Max:         p.Max,
		Available:   max(p.Available(), 0),
		Utilization: fmt.Sprintf("%.1f%%", u),
		Status:      threshold.ClassifyPercent(u, r.thresholds),
	}
}

// HTML writes the monitoring page for s. Only pools with a non-zero capacity
// get a card and a table row.
func (r *Renderer) HTML(w io.Writer, s snapshot.MetricsSnapshot, refresh int) error {
	page := r.newPage(refresh)
	page.Total = s.TotalThreads
	page.Peak = s.PeakThreads
	page.Daemon = s.DaemonThreads
	page.NonDaemon = s.NonDaemonThreads()
	if s.HTTP.Configured() {
		page.Pools = append(page.Pools, r.poolView("HTTP", s.HTTP))
	}
	if s.AJP.Configured() {
		page.Pools = append(page.Pools, r.poolView("AJP", s.AJP))
	}
	return monitorTemplate.Execute(w, page)
}

// HTMLError writes the monitoring page with an error panel in place of the
// metrics.
func (r *Renderer) HTMLError(w io.Writer, err error, refresh int) error {
	page := r.newPage(refresh)
	page.Error = sanitizeMessage(err)
	return monitorTemplate.Execute(w, page)
}
