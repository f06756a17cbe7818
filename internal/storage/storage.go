// Package storage defines the persistence contracts for the endpoint
// registry and the check history ledger. Concrete backends live in the
// sqlite and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/atinar/pulsar/internal/monitor"
)

var (
	// ErrNotFound is returned when an endpoint does not exist, or when an
	// owner-scoped operation does not match the caller's owner id.
	ErrNotFound = errors.New("endpoint not found")

	// ErrInvalid wraps validation failures on registry writes.
	ErrInvalid = errors.New("invalid endpoint")
)

var validate = validator.New()

// CreateParams holds the owner-supplied fields for a new endpoint.
type CreateParams struct {
	OwnerID         string `json:"-" validate:"required"`
	Name            string `json:"name" validate:"required"`
	URL             string `json:"url" validate:"required,http_url"`
	IntervalMinutes int    `json:"interval" validate:"min=1"`
}

// Validate checks the params against the registry's write-time rules.
func (p CreateParams) Validate() error {
	return ValidateEndpoint(p.OwnerID, p.Name, p.URL, p.IntervalMinutes)
}

// UpdateParams holds a partial owner-driven edit. Nil fields are left
// unchanged. Status and last_checked are deliberately absent here: they
// belong to the privileged UpdateStatus path only.
type UpdateParams struct {
	Name            *string `json:"name"`
	URL             *string `json:"url"`
	IntervalMinutes *int    `json:"interval"`
}

// ValidateEndpoint checks a fully resolved endpoint record. Backends call
// this after applying UpdateParams so that partial edits are validated
// against the same rules as creation.
func ValidateEndpoint(ownerID, name, url string, intervalMinutes int) error {
	p := CreateParams{OwnerID: ownerID, Name: name, URL: url, IntervalMinutes: intervalMinutes}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return nil
}

// Registry is the durable store of monitored endpoints.
//
// UpdateStatus is the scheduler's privileged write path: it touches only
// the denormalized status/last_checked pair, atomically, and is never
// reachable from the owner-facing update surface.
type Registry interface {
	CreateEndpoint(ctx context.Context, p CreateParams) (*monitor.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (*monitor.Endpoint, error)
	ListEndpoints(ctx context.Context, ownerID string) ([]monitor.Endpoint, error)
	ListAllEndpoints(ctx context.Context) ([]monitor.Endpoint, error)
	UpdateEndpoint(ctx context.Context, id, ownerID string, p UpdateParams) (*monitor.Endpoint, error)
	DeleteEndpoint(ctx context.Context, id, ownerID string) error
	UpdateStatus(ctx context.Context, id string, status monitor.Status, checkedAt time.Time) error
}

// History is the append-only ledger of check results.
//
// Recent returns the newest `limit` results first; an endpoint with no
// history yields an empty slice, not an error. Aggregate returns zeroes
// for an empty window. PruneBefore is the bulk retention hook; it is the
// only permitted form of deletion besides the endpoint cascade.
type History interface {
	Append(ctx context.Context, r *monitor.CheckResult) error
	Recent(ctx context.Context, endpointID string, limit int) ([]monitor.CheckResult, error)
	Aggregate(ctx context.Context, endpointID string, window time.Duration) (monitor.Stats, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines both contracts over a single backend.
type Store interface {
	Registry
	History
	Close() error
}
