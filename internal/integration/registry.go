package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"twistbridge/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates an unknown install id.
var ErrNotFound = errors.New("integration not found")

// Registry persists Twist integration installs in SQLite.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the registry database.
// Params: database path and clock.
// Returns: registry or setup error.
func Open(dbPath string, now func() time.Time) (*Registry, error) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open integration db: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS integrations (
		install_id    TEXT PRIMARY KEY,
		post_data_url TEXT NOT NULL,
		channel_id    TEXT NOT NULL DEFAULT '',
		user_id       TEXT NOT NULL DEFAULT '',
		user_name     TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create integrations table: %w", err)
	}
	return &Registry{db: db, now: now}, nil
}

// Put inserts or replaces one install; created_at is kept on reinstall.
// Params: integration record.
// Returns: validation or write error.
func (r *Registry) Put(ctx context.Context, record domain.Integration) (domain.Integration, error) {
	record.InstallID = strings.TrimSpace(record.InstallID)
	record.PostDataURL = strings.TrimSpace(record.PostDataURL)
	if record.InstallID == "" {
		return domain.Integration{}, errors.New("install_id is required")
	}
	if record.PostDataURL == "" {
		return domain.Integration{}, errors.New("post_data_url is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO integrations
		(install_id, post_data_url, channel_id, user_id, user_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(install_id) DO UPDATE SET
			post_data_url = excluded.post_data_url,
			channel_id = excluded.channel_id,
			user_id = excluded.user_id,
			user_name = excluded.user_name`,
		record.InstallID,
		record.PostDataURL,
		strings.TrimSpace(record.ChannelID),
		record.UserID,
		record.UserName,
		record.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.Integration{}, fmt.Errorf("put integration %s: %w", record.InstallID, err)
	}
	return r.Get(ctx, record.InstallID)
}

// Get loads one install.
// Params: install id.
// Returns: integration or ErrNotFound.
func (r *Registry) Get(ctx context.Context, installID string) (domain.Integration, error) {
	row := r.db.QueryRowContext(ctx, `SELECT install_id, post_data_url, channel_id, user_id, user_name, created_at
		FROM integrations WHERE install_id = ?`, strings.TrimSpace(installID))
	record, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Integration{}, ErrNotFound
	}
	if err != nil {
		return domain.Integration{}, fmt.Errorf("get integration %s: %w", installID, err)
	}
	return record, nil
}

// Delete removes one install.
// Params: install id.
// Returns: ErrNotFound when absent.
func (r *Registry) Delete(ctx context.Context, installID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM integrations WHERE install_id = ?`, strings.TrimSpace(installID))
	if err != nil {
		return fmt.Errorf("delete integration %s: %w", installID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete integration %s: %w", installID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every install ordered by install id.
// Params: context.
// Returns: integrations or query error.
func (r *Registry) List(ctx context.Context) ([]domain.Integration, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT install_id, post_data_url, channel_id, user_id, user_name, created_at
		FROM integrations ORDER BY install_id`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []domain.Integration
	for rows.Next() {
		record, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Ping checks that the database is reachable.
// Params: context.
// Returns: ping error.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database.
// Params: none.
// Returns: close error.
func (r *Registry) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (domain.Integration, error) {
	var (
		record    domain.Integration
		createdAt string
	)
	if err := row.Scan(&record.InstallID, &record.PostDataURL, &record.ChannelID, &record.UserID, &record.UserName, &createdAt); err != nil {
		return domain.Integration{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.Integration{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	record.CreatedAt = parsed
	return record, nil
}
