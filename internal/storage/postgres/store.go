// Package postgres implements the storage contracts over PostgreSQL for
// multi-instance deployments. Schema changes ship as embedded migrations.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/atinar/pulsar/internal/monitor"
	"github.com/atinar/pulsar/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists endpoints and check results in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New runs pending migrations and opens a connection pool.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	logger.Info("store ready", zap.String("backend", "postgres"))
	return &Store{pool: pool, logger: logger}, nil
}

func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		db.Close()
		return err
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		db.Close()
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const endpointColumns = `id, owner_id, name, url, interval_minutes, status, last_checked, created_at, updated_at`

// CreateEndpoint validates and inserts a new endpoint in the unknown state.
func (s *Store) CreateEndpoint(ctx context.Context, p storage.CreateParams) (*monitor.Endpoint, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	ep := &monitor.Endpoint{
		ID:        uuid.NewString(),
		OwnerID:   p.OwnerID,
		Name:      p.Name,
		URL:       p.URL,
		Interval:  time.Duration(p.IntervalMinutes) * time.Minute,
		Status:    monitor.StatusUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO endpoints (id, owner_id, name, url, interval_minutes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ep.ID, ep.OwnerID, ep.Name, ep.URL, p.IntervalMinutes, string(ep.Status), now, now)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// GetEndpoint returns the endpoint or storage.ErrNotFound.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*monitor.Endpoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, id)
	ep, err := scanEndpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return ep, err
}

// ListEndpoints returns all endpoints belonging to an owner, oldest first.
func (s *Store) ListEndpoints(ctx context.Context, ownerID string) ([]monitor.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+endpointColumns+` FROM endpoints WHERE owner_id = $1 ORDER BY created_at ASC, id ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectEndpoints(rows)
}

// ListAllEndpoints returns every registered endpoint for scheduler seeding.
func (s *Store) ListAllEndpoints(ctx context.Context) ([]monitor.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+endpointColumns+` FROM endpoints ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return collectEndpoints(rows)
}

// UpdateEndpoint applies a partial owner edit, leaving status/last_checked
// to the privileged UpdateStatus path. The row is locked for the duration
// of the edit so concurrent edits serialize instead of dropping fields.
func (s *Store) UpdateEndpoint(ctx context.Context, id, ownerID string, p storage.UpdateParams) (*monitor.Endpoint, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = $1 FOR UPDATE`, id)
	ep, err := scanEndpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ep.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}

	if p.Name != nil {
		ep.Name = *p.Name
	}
	if p.URL != nil {
		ep.URL = *p.URL
	}
	minutes := ep.IntervalMinutes()
	if p.IntervalMinutes != nil {
		minutes = *p.IntervalMinutes
	}
	if err := storage.ValidateEndpoint(ep.OwnerID, ep.Name, ep.URL, minutes); err != nil {
		return nil, err
	}
	ep.Interval = time.Duration(minutes) * time.Minute
	ep.UpdatedAt = time.Now().UTC()

	tag, err := tx.Exec(ctx, `
		UPDATE endpoints SET name = $1, url = $2, interval_minutes = $3, updated_at = $4
		WHERE id = $5 AND owner_id = $6
	`, ep.Name, ep.URL, minutes, ep.UpdatedAt, id, ownerID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, storage.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ep, nil
}

// DeleteEndpoint removes an owner's endpoint; check history goes with it
// via the foreign key cascade.
func (s *Store) DeleteEndpoint(ctx context.Context, id, ownerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM endpoints WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateStatus sets the denormalized status and last_checked atomically.
func (s *Store) UpdateStatus(ctx context.Context, id string, status monitor.Status, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE endpoints SET status = $1, last_checked = $2 WHERE id = $3
	`, string(status), checkedAt.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Append inserts one immutable check result.
func (s *Store) Append(ctx context.Context, r *monitor.CheckResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO check_results (id, endpoint_id, status, response_time_ms, status_code, error_message, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.EndpointID, string(r.Status), r.ResponseTime, r.StatusCode, r.ErrorMessage, r.CheckedAt.UTC())
	return err
}

// Recent returns up to limit results, newest first, insertion order breaking
// checked_at ties.
func (s *Store) Recent(ctx context.Context, endpointID string, limit int) ([]monitor.CheckResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, endpoint_id, status, response_time_ms, status_code, error_message, checked_at
		FROM check_results
		WHERE endpoint_id = $1
		ORDER BY checked_at DESC, seq DESC
		LIMIT $2
	`, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []monitor.CheckResult{}
	for rows.Next() {
		var r monitor.CheckResult
		var status string
		if err := rows.Scan(&r.ID, &r.EndpointID, &status, &r.ResponseTime, &r.StatusCode, &r.ErrorMessage, &r.CheckedAt); err != nil {
			return nil, err
		}
		r.Status = monitor.Status(status)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Aggregate computes uptime percentage and average latency over the window,
// returning zeroes for an empty window.
func (s *Store) Aggregate(ctx context.Context, endpointID string, window time.Duration) (monitor.Stats, error) {
	cutoff := time.Now().UTC().Add(-window)
	var total, up int64
	var avg *float64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'up' THEN 1 ELSE 0 END), 0),
		       AVG(response_time_ms)
		FROM check_results
		WHERE endpoint_id = $1 AND checked_at >= $2
	`, endpointID, cutoff).Scan(&total, &up, &avg)
	if err != nil {
		return monitor.Stats{}, err
	}
	if total == 0 || avg == nil {
		return monitor.Stats{}, nil
	}
	return monitor.Stats{
		UptimePercent:   float64(up) / float64(total) * 100,
		AvgResponseTime: *avg,
		TotalChecks:     total,
	}, nil
}

// PruneBefore bulk-deletes results older than cutoff across all endpoints.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM check_results WHERE checked_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectEndpoints(rows pgx.Rows) ([]monitor.Endpoint, error) {
	defer rows.Close()
	endpoints := []monitor.Endpoint{}
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

func scanEndpoint(row pgx.Row) (*monitor.Endpoint, error) {
	var ep monitor.Endpoint
	var minutes int
	var status string
	err := row.Scan(&ep.ID, &ep.OwnerID, &ep.Name, &ep.URL, &minutes, &status, &ep.LastChecked, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ep.Interval = time.Duration(minutes) * time.Minute
	ep.Status = monitor.Status(status)
	return &ep, nil
}
