// Package server exposes the owner-facing REST API over the endpoint
// registry, the check history and the manual trigger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/atinar/pulsar/internal/monitor"
	"github.com/atinar/pulsar/internal/scheduler"
	"github.com/atinar/pulsar/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultStatsWindow  = 24 * time.Hour
)

// Checks is the scheduler surface the API needs: run-now, first-check
// enqueue and due-entry discard.
type Checks interface {
	Trigger(ctx context.Context, id string) (*monitor.CheckResult, error)
	Schedule(id string)
	Forget(id string)
}

// Handler holds the dependencies for HTTP handlers.
type Handler struct {
	store  storage.Store
	checks Checks
	secret string
	logger *zap.Logger
}

// New creates a new Handler.
func New(store storage.Store, checks Checks, secret string, logger *zap.Logger) *Handler {
	if secret == "" {
		// An empty secret makes requireSecret accept every request.
		logger.Warn("api_secret is empty, API requests are unauthenticated")
	}
	return &Handler{store: store, checks: checks, secret: secret, logger: logger}
}

// Routes registers all HTTP routes. The API sits behind the shared
// secret and the owner header; health and metrics do not.
func (h *Handler) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/endpoints", h.handleCreate)
	api.HandleFunc("GET /api/endpoints", h.handleList)
	api.HandleFunc("GET /api/endpoints/{id}", h.handleGet)
	api.HandleFunc("PUT /api/endpoints/{id}", h.handleUpdate)
	api.HandleFunc("DELETE /api/endpoints/{id}", h.handleDelete)
	api.HandleFunc("POST /api/endpoints/{id}/check", h.handleCheck)
	api.HandleFunc("GET /api/endpoints/{id}/checks", h.handleHistory)
	api.HandleFunc("GET /api/endpoints/{id}/stats", h.handleStats)

	root := http.NewServeMux()
	root.Handle("/api/", h.requireSecret(h.requireOwner(api)))
	root.HandleFunc("GET /healthz", h.handleHealthz)
	root.Handle("GET /metrics", promhttp.Handler())
	return root
}

// endpointResponse is the API shape of an endpoint. The cadence is
// exposed in whole minutes, matching the create/update payloads.
type endpointResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	URL         string         `json:"url"`
	Interval    int            `json:"interval"`
	Status      monitor.Status `json:"status"`
	LastChecked *time.Time     `json:"last_checked"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func newEndpointResponse(ep monitor.Endpoint) endpointResponse {
	return endpointResponse{
		ID:          ep.ID,
		Name:        ep.Name,
		URL:         ep.URL,
		Interval:    ep.IntervalMinutes(),
		Status:      ep.Status,
		LastChecked: ep.LastChecked,
		CreatedAt:   ep.CreatedAt,
		UpdatedAt:   ep.UpdatedAt,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "endpoint not found", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrBusy):
		http.Error(w, "check already in flight", http.StatusConflict)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// getOwned loads the endpoint and hides it from non-owners. A foreign
// endpoint answers 404, never 403, so ids cannot be probed.
func (h *Handler) getOwned(w http.ResponseWriter, r *http.Request) *monitor.Endpoint {
	ep, err := h.store.GetEndpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return nil
	}
	if ep.OwnerID != ownerID(r) {
		http.Error(w, "endpoint not found", http.StatusNotFound)
		return nil
	}
	return ep
}

// handleCreate registers a new endpoint and queues its first check.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var p storage.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	p.OwnerID = ownerID(r)

	ep, err := h.store.CreateEndpoint(r.Context(), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.checks.Schedule(ep.ID)
	h.logger.Info("endpoint created",
		zap.String("endpoint_id", ep.ID),
		zap.String("owner_id", ep.OwnerID),
		zap.String("url", ep.URL))
	h.writeJSON(w, http.StatusCreated, newEndpointResponse(*ep))
}

// handleList returns all of the caller's endpoints.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	eps, err := h.store.ListEndpoints(r.Context(), ownerID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]endpointResponse, 0, len(eps))
	for _, ep := range eps {
		out = append(out, newEndpointResponse(ep))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ep := h.getOwned(w, r)
	if ep == nil {
		return
	}
	h.writeJSON(w, http.StatusOK, newEndpointResponse(*ep))
}

// handleUpdate applies a partial edit. Status and last_checked are not
// part of the payload; only the scheduler writes those.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var p storage.UpdateParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ep, err := h.store.UpdateEndpoint(r.Context(), r.PathValue("id"), ownerID(r), p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newEndpointResponse(*ep))
}

// handleDelete removes the endpoint, its history and its schedule slot.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteEndpoint(r.Context(), id, ownerID(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.checks.Forget(id)
	h.logger.Info("endpoint deleted",
		zap.String("endpoint_id", id),
		zap.String("owner_id", ownerID(r)))
	w.WriteHeader(http.StatusNoContent)
}

// handleCheck runs a check right now and returns the fresh result.
// Answers 409 while another check for the endpoint is in flight.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	ep := h.getOwned(w, r)
	if ep == nil {
		return
	}
	result, err := h.checks.Trigger(r.Context(), ep.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// handleHistory returns the newest results first.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ep := h.getOwned(w, r)
	if ep == nil {
		return
	}

	limit := defaultHistoryLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	results, err := h.store.Recent(r.Context(), ep.ID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if results == nil {
		results = []monitor.CheckResult{}
	}
	h.writeJSON(w, http.StatusOK, results)
}

// handleStats aggregates uptime and latency over a trailing window,
// default 24h.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ep := h.getOwned(w, r)
	if ep == nil {
		return
	}

	window := defaultStatsWindow
	if q := r.URL.Query().Get("window"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = d
	}

	stats, err := h.store.Aggregate(r.Context(), ep.ID, window)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
