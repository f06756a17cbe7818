package monitor

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestIntervalMinutes(t *testing.T) {
	ep := Endpoint{Interval: 5 * time.Minute}
	if got := ep.IntervalMinutes(); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
}

func TestCheckResultJSONOmitsAbsentFields(t *testing.T) {
	r := CheckResult{
		ID:         "r-1",
		EndpointID: "ep-1",
		Status:     StatusUp,
		CheckedAt:  time.Now().UTC(),
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if strings.Contains(s, "status_code") || strings.Contains(s, "error_message") {
		t.Errorf("expected absent optional fields omitted, got %s", s)
	}

	code := 503
	r.StatusCode = &code
	r.ErrorMessage = "HTTP 503: Service Unavailable"
	b, err = json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"status_code":503`) {
		t.Errorf("expected status code present, got %s", b)
	}
}
