package api

// Monitor actions selected by the action query parameter.
const (
	ActionDefault = ""
	ActionExport  = "export"
	ActionJSON    = "json"
	ActionLog     = "log"
	ActionStream  = "stream"
)

// MonitorPath is the single endpoint serving every action.
const MonitorPath = "/thread-monitor"

// LogResponse is the response body for action=log. Timestamp is omitted on
// failure.
type LogResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Log response statuses.
const (
	LogStatusSuccess = "success"
	LogStatusError   = "error"
)

// ErrorResponse is the error envelope for requests rejected before any action
// runs (unknown action, wrong method, rate limit).
type ErrorResponse struct {
	ErrorType    string                 `json:"error_type"`
	ErrorCode    string                 `json:"error_code"`
	ErrorMessage string                 `json:"error_message"`
	Retryable    bool                   `json:"retryable"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response body for GET /readyz. LastCollect is the
// capture time of the last good snapshot, when there is one.
type ReadyResponse struct {
	Status      string `json:"status"`
	Ready       bool   `json:"ready"`
	LastCollect string `json:"last_collect,omitempty"`
}

// ErrorType constants for API errors.
const (
	ErrorTypeInvalidArgument = "invalid_argument"
	ErrorTypeNotFound        = "not_found"
	ErrorTypeRateLimited     = "rate_limited"
	ErrorTypeUnavailable     = "unavailable"
	ErrorTypeInternal        = "internal"
)

// ErrorCode constants for specific error conditions.
const (
	ErrorCodeUnknownAction       = "UNKNOWN_ACTION"
	ErrorCodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	ErrorCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrorCodeMetricsNotAvailable = "METRICS_NOT_CONFIGURED"
)
