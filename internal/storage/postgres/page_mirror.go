// Package postgres mirrors fetched box pages into a shared Postgres table read
// by the query service.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "box_pages"

// Config controls the Postgres connection pool used for mirrored pages.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PageMirror upserts fetched pages keyed by (box_id, url).
type PageMirror struct {
	pool  execCloser
	table string
}

// NewPageMirror connects a pool using cfg.
func NewPageMirror(ctx context.Context, cfg Config) (*PageMirror, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	m, err := NewPageMirrorWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return m, nil
}

// NewPageMirrorWithPool builds a mirror over an existing pool.
func NewPageMirrorWithPool(pool execCloser, table string) (*PageMirror, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageMirror{pool: pool, table: table}, nil
}

// Close releases the underlying pool.
func (m *PageMirror) Close() {
	if m == nil || m.pool == nil {
		return
	}
	m.pool.Close()
}

// IndexPage upserts one fetched page.
func (m *PageMirror) IndexPage(ctx context.Context, page ingest.Page) error {
	if page.BoxID == "" || page.URL == "" {
		return errors.New("page box id and url are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	box_id,
	page_id,
	url,
	title,
	content_ref,
	content_hash,
	size_bytes,
	fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (box_id, url) DO UPDATE SET
	page_id = EXCLUDED.page_id,
	title = EXCLUDED.title,
	content_ref = EXCLUDED.content_ref,
	content_hash = EXCLUDED.content_hash,
	size_bytes = EXCLUDED.size_bytes,
	fetched_at = EXCLUDED.fetched_at`, m.table)

	fetchedAt := page.DiscoveredAt
	if page.FetchedAt != nil {
		fetchedAt = *page.FetchedAt
	}
	args := []any{
		page.BoxID,
		page.ID,
		page.URL,
		page.Title,
		page.ContentRef,
		page.ContentHash,
		page.SizeBytes,
		fetchedAt.UTC(),
	}
	if _, err := m.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert mirrored page: %w", err)
	}
	return nil
}

// RemoveBox deletes every mirrored page of a box.
func (m *PageMirror) RemoveBox(ctx context.Context, boxID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE box_id = $1`, m.table)
	if _, err := m.pool.Exec(ctx, query, boxID); err != nil {
		return fmt.Errorf("delete mirrored pages: %w", err)
	}
	return nil
}
