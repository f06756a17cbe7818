// Package probe executes single HTTP health checks and classifies the
// outcome. It knows nothing about scheduling or persistence.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinar/pulsar/internal/monitor"
)

// userAgent identifies the monitor in target server logs.
const userAgent = "ATINAR-Monitor/1.0"

// DefaultTimeout bounds connect+response time. It must stay strictly
// below the minimum configurable check interval of one minute.
const DefaultTimeout = 10 * time.Second

// Prober performs GET probes with a fixed timeout.
type Prober struct {
	client *http.Client
	logger *zap.Logger
}

// New creates a Prober. A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Check runs one GET against the endpoint's URL and returns a classified
// result. Classification is total: every network-layer failure maps to a
// down result, never to a returned error.
//
//   - HTTP status in [200,399]  -> up, status code set
//   - any other HTTP status     -> down, status code set, "HTTP {code}: {reason}"
//   - no response at all        -> down, no status code, transport error text
func (p *Prober) Check(ctx context.Context, ep monitor.Endpoint) monitor.CheckResult {
	result := monitor.CheckResult{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
	}

	start := time.Now()
	resp, err := p.do(ctx, ep.URL)
	result.ResponseTime = time.Since(start).Milliseconds()
	result.CheckedAt = time.Now().UTC()

	if err != nil {
		result.Status = monitor.StatusDown
		result.ErrorMessage = err.Error()
		p.logger.Debug("probe failed",
			zap.String("endpoint_id", ep.ID),
			zap.String("url", ep.URL),
			zap.String("error", result.ErrorMessage))
		return result
	}

	code := resp.StatusCode
	result.StatusCode = &code
	if code >= 200 && code < 400 {
		result.Status = monitor.StatusUp
	} else {
		result.Status = monitor.StatusDown
		result.ErrorMessage = fmt.Sprintf("HTTP %d: %s", code, http.StatusText(code))
	}

	p.logger.Debug("probe done",
		zap.String("endpoint_id", ep.ID),
		zap.Int("status_code", code),
		zap.String("status", string(result.Status)),
		zap.Int64("response_time_ms", result.ResponseTime))
	return result
}

func (p *Prober) do(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	// Drain so the connection can be reused; the body itself is irrelevant.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return resp, nil
}
