package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"rssmcp/domain"
)

type Repository struct{ db *sql.DB }

func New(db *sql.DB) *Repository { return &Repository{db: db} }

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	dbConn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	dbConn.SetMaxOpenConns(10)
	dbConn.SetMaxIdleConns(10)
	dbConn.SetConnMaxLifetime(30 * time.Minute)
	if err := dbConn.PingContext(ctx); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return dbConn, nil
}

func (r *Repository) Ensure(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS feeds (
    name TEXT PRIMARY KEY,
    url TEXT NOT NULL,
    refresh_interval_ms BIGINT NOT NULL,
    max_items INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT now(),
    updated_at TIMESTAMP NOT NULL DEFAULT now()
);
`)
	return err
}

func (r *Repository) SaveFeed(ctx context.Context, cfg domain.FeedConfig) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO feeds (name, url, refresh_interval_ms, max_items) VALUES ($1, $2, $3, $4) ON CONFLICT (name) DO UPDATE SET url = EXCLUDED.url, refresh_interval_ms = EXCLUDED.refresh_interval_ms, max_items = EXCLUDED.max_items, updated_at = now()`,
		cfg.Name, cfg.URL, cfg.RefreshInterval.Milliseconds(), cfg.MaxItems)
	return err
}

func (r *Repository) DeleteFeed(ctx context.Context, name string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE name = $1`, name)
	if err != nil {
		return 0, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return rows, nil
}

// ListFeeds returns feeds in the order they were first added.
func (r *Repository) ListFeeds(ctx context.Context) ([]domain.FeedConfig, error) {
	return scanFeeds(r.db.QueryContext(ctx, `SELECT name, url, refresh_interval_ms, max_items FROM feeds ORDER BY created_at ASC, name ASC`))
}

func scanFeeds(rows *sql.Rows, err error) ([]domain.FeedConfig, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FeedConfig
	for rows.Next() {
		var f domain.FeedConfig
		var intervalMS int64
		if err := rows.Scan(&f.Name, &f.URL, &intervalMS, &f.MaxItems); err != nil {
			return nil, err
		}
		f.RefreshInterval = time.Duration(intervalMS) * time.Millisecond
		out = append(out, f)
	}
	return out, rows.Err()
}
