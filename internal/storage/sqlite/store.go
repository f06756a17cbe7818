// Package sqlite implements the storage contracts over a local SQLite file.
// It is the default backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/atinar/pulsar/internal/monitor"
	"github.com/atinar/pulsar/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS endpoints (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	name             TEXT NOT NULL,
	url              TEXT NOT NULL,
	interval_minutes INTEGER NOT NULL,
	status           TEXT NOT NULL DEFAULT 'unknown',
	last_checked     DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_endpoints_owner ON endpoints(owner_id);

CREATE TABLE IF NOT EXISTS check_results (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	endpoint_id      TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
	status           TEXT NOT NULL,
	response_time_ms INTEGER NOT NULL,
	status_code      INTEGER,
	error_message    TEXT,
	checked_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_check_results_endpoint ON check_results(endpoint_id, checked_at);
`

// Store persists endpoints and check results in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens the database and creates the schema if missing.
func New(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Single connection prevents concurrent write contention in SQLite.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	// Cascade deletion of check history depends on this pragma.
	if _, err = db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, err
	}
	if _, err = db.Exec(schema); err != nil {
		return nil, err
	}

	logger.Info("store ready", zap.String("backend", "sqlite"), zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO endpoints (id, owner_id, name, url, interval_minutes, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ep.ID, ep.OwnerID, ep.Name, ep.URL, p.IntervalMinutes, string(ep.Status), now, now)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// GetEndpoint returns the endpoint or storage.ErrNotFound.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*monitor.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, url, interval_minutes, status, last_checked, created_at, updated_at
		FROM endpoints WHERE id = ?
	`, id)
	return scanEndpoint(row)
}

// ListEndpoints returns all endpoints belonging to an owner, oldest first.
func (s *Store) ListEndpoints(ctx context.Context, ownerID string) ([]monitor.Endpoint, error) {
	return s.listEndpoints(ctx, `
		SELECT id, owner_id, name, url, interval_minutes, status, last_checked, created_at, updated_at
		FROM endpoints WHERE owner_id = ? ORDER BY created_at ASC, id ASC
	`, ownerID)
}

// ListAllEndpoints returns every registered endpoint. Used by the scheduler
// to seed its due-entry set on startup.
func (s *Store) ListAllEndpoints(ctx context.Context) ([]monitor.Endpoint, error) {
	return s.listEndpoints(ctx, `
		SELECT id, owner_id, name, url, interval_minutes, status, last_checked, created_at, updated_at
		FROM endpoints ORDER BY created_at ASC, id ASC
	`)
}

// UpdateEndpoint applies a partial owner edit. The status/last_checked pair
// is untouched here; only UpdateStatus may write it. Read and write run in
// one transaction so concurrent edits cannot drop each other's fields.
func (s *Store) UpdateEndpoint(ctx context.Context, id, ownerID string, p storage.UpdateParams) (*monitor.Endpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_id, name, url, interval_minutes, status, last_checked, created_at, updated_at
		FROM endpoints WHERE id = ?
	`, id)
	ep, err := scanEndpoint(row)
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

	res, err := tx.ExecContext(ctx, `
		UPDATE endpoints SET name = ?, url = ?, interval_minutes = ?, updated_at = ?
		WHERE id = ? AND owner_id = ?
	`, ep.Name, ep.URL, minutes, ep.UpdatedAt, id, ownerID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ep, nil
}

// DeleteEndpoint removes an owner's endpoint and, via the foreign key
// cascade, all of its check history.
func (s *Store) DeleteEndpoint(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateStatus sets the denormalized status and last_checked atomically.
// This is the scheduler's write path; owner edits never reach these fields.
func (s *Store) UpdateStatus(ctx context.Context, id string, status monitor.Status, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE endpoints SET status = ?, last_checked = ? WHERE id = ?
	`, string(status), checkedAt.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Append inserts one immutable check result. Inserting for a deleted
// endpoint fails the foreign key check, which the scheduler treats as a
// discarded result.
func (s *Store) Append(ctx context.Context, r *monitor.CheckResult) error {
	var code any
	if r.StatusCode != nil {
		code = *r.StatusCode
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO check_results (id, endpoint_id, status, response_time_ms, status_code, error_message, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.EndpointID, string(r.Status), r.ResponseTime, code, r.ErrorMessage, r.CheckedAt.UTC())
	return err
}

// Recent returns up to limit results, newest first. Ties on checked_at are
// broken by insertion order so concurrent completions stay stable.
func (s *Store) Recent(ctx context.Context, endpointID string, limit int) ([]monitor.CheckResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_id, status, response_time_ms, status_code, error_message, checked_at
		FROM check_results
		WHERE endpoint_id = ?
		ORDER BY checked_at DESC, seq DESC
		LIMIT ?
	`, endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []monitor.CheckResult{}
	for rows.Next() {
		var r monitor.CheckResult
		var code sql.NullInt64
		var msg sql.NullString
		if err := rows.Scan(&r.ID, &r.EndpointID, &r.Status, &r.ResponseTime, &code, &msg, &r.CheckedAt); err != nil {
			return nil, err
		}
		if code.Valid {
			c := int(code.Int64)
			r.StatusCode = &c
		}
		r.ErrorMessage = msg.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// Aggregate computes uptime percentage and average latency over the window.
// An empty window yields zeroes rather than NaN or an error.
func (s *Store) Aggregate(ctx context.Context, endpointID string, window time.Duration) (monitor.Stats, error) {
	cutoff := time.Now().UTC().Add(-window)
	var total, up int64
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'up' THEN 1 ELSE 0 END), 0),
		       AVG(response_time_ms)
		FROM check_results
		WHERE endpoint_id = ? AND checked_at >= ?
	`, endpointID, cutoff).Scan(&total, &up, &avg)
	if err != nil {
		return monitor.Stats{}, err
	}
	if total == 0 {
		return monitor.Stats{}, nil
	}
	return monitor.Stats{
		UptimePercent:   float64(up) / float64(total) * 100,
		AvgResponseTime: avg.Float64,
		TotalChecks:     total,
	}, nil
}

// PruneBefore bulk-deletes results older than cutoff across all endpoints.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM check_results WHERE checked_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) listEndpoints(ctx context.Context, query string, args ...any) ([]monitor.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	endpoints := []monitor.Endpoint{}
	for rows.Next() {
		ep, err := scanEndpointRows(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row *sql.Row) (*monitor.Endpoint, error) {
	ep, err := scanEndpointRows(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return ep, err
}

func scanEndpointRows(row rowScanner) (*monitor.Endpoint, error) {
	var ep monitor.Endpoint
	var minutes int
	var lastChecked sql.NullTime
	err := row.Scan(&ep.ID, &ep.OwnerID, &ep.Name, &ep.URL, &minutes, &ep.Status, &lastChecked, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ep.Interval = time.Duration(minutes) * time.Minute
	if lastChecked.Valid {
		t := lastChecked.Time
		ep.LastChecked = &t
	}
	return &ep, nil
}
