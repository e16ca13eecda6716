// Package threshold classifies thread-pool utilization against configured
// warning and critical percentages.
package threshold

// Status is the utilization level of a pool.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Default threshold percentages.
const (
	DefaultWarningPercent  = 60
	DefaultCriticalPercent = 80
)

// Thresholds holds the two utilization cut-offs, both in [0,100].
// No ordering between them is enforced: with Warning > Critical the
// Warning status is unreachable.
type Thresholds struct {
	WarningPercent  int `json:"warningPercent"`
	CriticalPercent int `json:"criticalPercent"`
}

// DefaultThresholds returns the 60/80 defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningPercent:  DefaultWarningPercent,
		CriticalPercent: DefaultCriticalPercent,
	}
}

// Utilization returns busy/max*100, or 0 when max is 0.
// Values above 100 or below 0 pass through unchanged.
func Utilization(busy, max int) float64 {
	if max == 0 {
		return 0
	}
	return float64(busy) / float64(max) * 100
}

// Classify maps a (busy, max) pair to a Status. A pool with max == 0 is not
// configured and always classifies as Normal.
func Classify(busy, max int, t Thresholds) Status {
	if max == 0 {
		return StatusNormal
	}
	return ClassifyPercent(Utilization(busy, max), t)
}

// ClassifyPercent classifies an already computed utilization percentage.
// Critical is checked first, so a value meeting both thresholds is Critical.
func ClassifyPercent(utilization float64, t Thresholds) Status {
	if utilization >= float64(t.CriticalPercent) {
		return StatusCritical
	}
	if utilization >= float64(t.WarningPercent) {
		return StatusWarning
	}
	return StatusNormal
}
