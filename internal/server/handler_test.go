package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atinar/pulsar/internal/monitor"
	"github.com/atinar/pulsar/internal/scheduler"
	"github.com/atinar/pulsar/internal/storage"
	"github.com/atinar/pulsar/internal/storage/sqlite"
)

const testSecret = "test-secret"

// stubChecks records scheduler calls and plays back a canned trigger
// outcome.
type stubChecks struct {
	mu        sync.Mutex
	scheduled []string
	forgotten []string
	result    *monitor.CheckResult
	err       error
}

func (s *stubChecks) Trigger(ctx context.Context, id string) (*monitor.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

func (s *stubChecks) Schedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, id)
}

func (s *stubChecks) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgotten = append(s.forgotten, id)
}

func newTestHandler(t *testing.T) (http.Handler, *stubChecks, storage.Store) {
	t.Helper()
	store, err := sqlite.New("file::memory:?cache=shared&mode=memory", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	checks := &stubChecks{}
	h := New(store, checks, testSecret, zap.NewNop())
	return h.Routes(), checks, store
}

func doRequest(t *testing.T, h http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("X-Pulsar-Secret", testSecret)
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createEndpoint(t *testing.T, h http.Handler, owner string) endpointResponse {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/endpoints", owner, map[string]any{
		"name":     "example",
		"url":      "https://example.com",
		"interval": 5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var ep endpointResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ep); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return ep
}

func TestCreateEndpoint(t *testing.T) {
	h, checks, _ := newTestHandler(t)

	ep := createEndpoint(t, h, "alice")
	if ep.ID == "" || ep.Interval != 5 || ep.Status != monitor.StatusUnknown {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	checks.mu.Lock()
	defer checks.mu.Unlock()
	if len(checks.scheduled) != 1 || checks.scheduled[0] != ep.ID {
		t.Errorf("expected first check scheduled, got %v", checks.scheduled)
	}
}

func TestCreateEndpointInvalid(t *testing.T) {
	h, _, _ := newTestHandler(t)

	cases := []map[string]any{
		{"name": "x", "url": "not-a-url", "interval": 5},
		{"name": "x", "url": "https://example.com", "interval": 0},
		{"name": "", "url": "https://example.com", "interval": 5},
	}
	for _, body := range cases {
		rec := doRequest(t, h, http.MethodPost, "/api/endpoints", "alice", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %v: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestAuthRejections(t *testing.T) {
	h, _, _ := newTestHandler(t)

	// Wrong secret.
	req := httptest.NewRequest(http.MethodGet, "/api/endpoints", nil)
	req.Header.Set("X-Pulsar-Secret", "wrong")
	req.Header.Set("X-Owner-ID", "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: expected 401, got %d", rec.Code)
	}

	// Missing owner header.
	rec = doRequest(t, h, http.MethodGet, "/api/endpoints", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing owner: expected 401, got %d", rec.Code)
	}

	// Health and metrics sit outside the secret.
	for _, path := range []string{"/healthz", "/metrics"} {
		req = httptest.NewRequest(http.MethodGet, path, nil)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestEmptySecretWarns(t *testing.T) {
	store, err := sqlite.New("file::memory:?cache=shared&mode=memory", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	core, logs := observer.New(zap.WarnLevel)
	New(store, &stubChecks{}, "", zap.New(core))
	if logs.FilterMessageSnippet("api_secret").Len() == 0 {
		t.Error("expected a warning about the empty api secret")
	}

	core, logs = observer.New(zap.WarnLevel)
	New(store, &stubChecks{}, testSecret, zap.New(core))
	if logs.Len() != 0 {
		t.Errorf("expected no warning with a secret set, got %v", logs.All())
	}
}

func TestGetEndpointOwnerScoped(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ep := createEndpoint(t, h, "alice")

	if rec := doRequest(t, h, http.MethodGet, "/api/endpoints/"+ep.ID, "bob", nil); rec.Code != http.StatusNotFound {
		t.Errorf("foreign owner: expected 404, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/endpoints/"+ep.ID, "alice", nil); rec.Code != http.StatusOK {
		t.Errorf("owner: expected 200, got %d", rec.Code)
	}
}

func TestListEndpointsOwnerScoped(t *testing.T) {
	h, _, _ := newTestHandler(t)
	createEndpoint(t, h, "alice")
	createEndpoint(t, h, "alice")
	createEndpoint(t, h, "bob")

	rec := doRequest(t, h, http.MethodGet, "/api/endpoints", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var eps []endpointResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &eps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(eps) != 2 {
		t.Errorf("expected 2 endpoints for alice, got %d", len(eps))
	}
}

func TestUpdateEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ep := createEndpoint(t, h, "alice")

	rec := doRequest(t, h, http.MethodPut, "/api/endpoints/"+ep.ID, "alice", map[string]any{"interval": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated endpointResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Interval != 2 || updated.Name != "example" {
		t.Errorf("unexpected update: %+v", updated)
	}

	if rec := doRequest(t, h, http.MethodPut, "/api/endpoints/"+ep.ID, "alice", map[string]any{"url": "nope"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad url: expected 400, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPut, "/api/endpoints/"+ep.ID, "bob", map[string]any{"interval": 9}); rec.Code != http.StatusNotFound {
		t.Errorf("foreign owner: expected 404, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPut, "/api/endpoints/"+uuid.NewString(), "alice", map[string]any{"interval": 9}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", rec.Code)
	}
}

func TestDeleteEndpoint(t *testing.T) {
	h, checks, _ := newTestHandler(t)
	ep := createEndpoint(t, h, "alice")

	if rec := doRequest(t, h, http.MethodDelete, "/api/endpoints/"+ep.ID, "alice", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	checks.mu.Lock()
	forgotten := len(checks.forgotten)
	checks.mu.Unlock()
	if forgotten != 1 {
		t.Errorf("expected schedule slot dropped, got %d Forget calls", forgotten)
	}

	if rec := doRequest(t, h, http.MethodGet, "/api/endpoints/"+ep.ID, "alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("after delete: expected 404, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodDelete, "/api/endpoints/"+ep.ID, "alice", nil); rec.Code != http.StatusNotFound {
		t.Errorf("double delete: expected 404, got %d", rec.Code)
	}
}

func TestManualCheck(t *testing.T) {
	h, checks, _ := newTestHandler(t)
	ep := createEndpoint(t, h, "alice")

	code := 200
	checks.result = &monitor.CheckResult{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		Status:     monitor.StatusUp,
		StatusCode: &code,
		CheckedAt:  time.Now().UTC(),
	}

	rec := doRequest(t, h, http.MethodPost, "/api/endpoints/"+ep.ID+"/check", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result monitor.CheckResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != monitor.StatusUp || result.StatusCode == nil {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestManualCheckBusy(t *testing.T) {
	h, checks, _ := newTestHandler(t)
	ep := createEndpoint(t, h, "alice")

	checks.err = scheduler.ErrBusy
	rec := doRequest(t, h, http.MethodPost, "/api/endpoints/"+ep.ID+"/check", "alice", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestManualCheckUnknownEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/api/endpoints/"+uuid.NewString()+"/check", "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	h, _, store := newTestHandler(t)
	ep := createEndpoint(t, h, "alice")

	ctx := context.Background()
	now := time.Now().UTC()
	for i, st := range []monitor.Status{monitor.StatusUp, monitor.StatusDown} {
		r := monitor.CheckResult{
			ID:         uuid.NewString(),
			EndpointID: ep.ID,
			Status:     st,
			CheckedAt:  now.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Append(ctx, &r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rec := doRequest(t, h, http.MethodGet, "/api/endpoints/"+ep.ID+"/checks", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var results []monitor.CheckResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 2 || results[0].Status != monitor.StatusDown {
		t.Errorf("expected 2 results newest first, got %+v", results)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/endpoints/"+ep.ID+"/checks?limit=1", "alice", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result with limit, got %d", len(results))
	}

	if rec := doRequest(t, h, http.MethodGet, "/api/endpoints/"+ep.ID+"/checks?limit=zero", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid limit: expected 400, got %d", rec.Code)
	}
}

func TestHistoryEmptyIsArray(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ep := createEndpoint(t, h, "alice")

	rec := doRequest(t, h, http.MethodGet, "/api/endpoints/"+ep.ID+"/checks", "alice", nil)
	if body := bytes.TrimSpace(rec.Body.Bytes()); string(body) != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestStats(t *testing.T) {
	h, _, store := newTestHandler(t)
	ep := createEndpoint(t, h, "alice")

	ctx := context.Background()
	now := time.Now().UTC()
	for i, st := range []monitor.Status{monitor.StatusUp, monitor.StatusUp, monitor.StatusDown} {
		r := monitor.CheckResult{
			ID:           uuid.NewString(),
			EndpointID:   ep.ID,
			Status:       st,
			ResponseTime: 100,
			CheckedAt:    now.Add(-time.Duration(i) * time.Minute),
		}
		if err := store.Append(ctx, &r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	rec := doRequest(t, h, http.MethodGet, "/api/endpoints/"+ep.ID+"/stats?window=1h", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats monitor.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalChecks != 3 || stats.AvgResponseTime != 100 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if rec := doRequest(t, h, http.MethodGet, "/api/endpoints/"+ep.ID+"/stats?window=yesterday", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid window: expected 400, got %d", rec.Code)
	}
}
