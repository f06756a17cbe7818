package monitor

import "time"

// Status is the health verdict cached on an endpoint.
type Status string

const (
	StatusUnknown Status = "unknown" // no check has completed yet
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

// Endpoint is a user-registered URL that is periodically health-checked.
type Endpoint struct {
	ID          string        `json:"id"`
	OwnerID     string        `json:"owner_id"`
	Name        string        `json:"name"`
	URL         string        `json:"url"`
	Interval    time.Duration `json:"-"` // check cadence, whole minutes
	Status      Status        `json:"status"`
	LastChecked *time.Time    `json:"last_checked"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// IntervalMinutes returns the cadence in the unit the API speaks.
func (e Endpoint) IntervalMinutes() int {
	return int(e.Interval / time.Minute)
}

// CheckResult is one immutable record of a single probe outcome.
// StatusCode is nil when no HTTP response was received (timeout, DNS
// failure, connection refused). Status is always up or down, never unknown.
type CheckResult struct {
	ID           string    `json:"id"`
	EndpointID   string    `json:"endpoint_id"`
	Status       Status    `json:"status"`
	ResponseTime int64     `json:"response_time"` // milliseconds to terminal outcome
	StatusCode   *int      `json:"status_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Stats holds aggregates over an endpoint's check history window.
// Both values are zero, not NaN, when the window holds no checks.
type Stats struct {
	UptimePercent   float64 `json:"uptime_percent"`
	AvgResponseTime float64 `json:"avg_response_time"` // milliseconds
	TotalChecks     int64   `json:"total_checks"`
}
