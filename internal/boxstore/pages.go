package boxstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

const pageColumns = `id, box_id, session_id, url, status, depth, content_ref, content_hash,
	title, size_bytes, status_code, error_note, discovered_at, fetched_at`

func scanPage(row rowScanner) (ingest.Page, error) {
	var (
		p          ingest.Page
		discovered int64
		fetched    sql.NullInt64
	)
	if err := row.Scan(
		&p.ID,
		&p.BoxID,
		&p.SessionID,
		&p.URL,
		&p.Status,
		&p.Depth,
		&p.ContentRef,
		&p.ContentHash,
		&p.Title,
		&p.SizeBytes,
		&p.StatusCode,
		&p.ErrorNote,
		&discovered,
		&fetched,
	); err != nil {
		return ingest.Page{}, err
	}
	p.DiscoveredAt = fromNanos(discovered)
	p.FetchedAt = timePtr(fetched)
	return p, nil
}

// CreatePage queues url for sessionID. An existing page with the same url keeps
// its id and first discovery time; its session, depth and status are reset.
func (s *Store) CreatePage(ctx context.Context, sessionID, url string, depth int) (ingest.Page, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return ingest.Page{}, fmt.Errorf("page id: %w", err)
	}
	now := toNanos(s.clock.Now())

	var page ingest.Page
	err = s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pages (id, box_id, session_id, url, status, depth, discovered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (box_id, url) DO UPDATE SET
				session_id = excluded.session_id,
				depth = excluded.depth,
				status = excluded.status,
				error_note = ''`,
			id, s.boxID, sessionID, url, ingest.PageQueued, depth, now,
		)
		if err != nil {
			return fmt.Errorf("upsert page %s: %w", url, err)
		}
		row := tx.QueryRowContext(ctx,
			`SELECT `+pageColumns+` FROM pages WHERE box_id = ? AND url = ?`, s.boxID, url)
		page, err = scanPage(row)
		if err != nil {
			return fmt.Errorf("reload page %s: %w", url, err)
		}
		return nil
	})
	if err != nil {
		return ingest.Page{}, err
	}
	return page, nil
}

// UpdatePage records the outcome of fetching a page.
func (s *Store) UpdatePage(ctx context.Context, pageID string, upd ingest.PageUpdate) error {
	at := upd.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pages
			SET status = ?, content_ref = ?, content_hash = ?, title = ?, size_bytes = ?,
				status_code = ?, error_note = ?, fetched_at = ?
			WHERE id = ?`,
			upd.Status,
			upd.ContentRef,
			upd.ContentHash,
			upd.Title,
			upd.SizeBytes,
			upd.StatusCode,
			upd.ErrorNote,
			toNanos(at),
			pageID,
		)
		if err != nil {
			return fmt.Errorf("update page %s: %w", pageID, err)
		}
		return requireRow(res, "page", pageID)
	})
}

// GetPage loads one page by id.
func (s *Store) GetPage(ctx context.Context, pageID string) (ingest.Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, pageID)
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.Page{}, fmt.Errorf("page %s: %w", pageID, ingest.ErrNotFound)
	}
	if err != nil {
		return ingest.Page{}, fmt.Errorf("get page %s: %w", pageID, err)
	}
	return p, nil
}

// PagesForResume yields the queued pages of sessionID, oldest discovery first.
// Each iteration runs a fresh query, so the sequence can be restarted.
func (s *Store) PagesForResume(ctx context.Context, sessionID string) iter.Seq2[ingest.Page, error] {
	return s.queryPages(ctx, `
		SELECT `+pageColumns+` FROM pages
		WHERE session_id = ? AND status = ?
		ORDER BY discovered_at, seq`,
		sessionID, ingest.PageQueued,
	)
}

// FailedPages yields every failed page of the box, oldest discovery first.
func (s *Store) FailedPages(ctx context.Context) iter.Seq2[ingest.Page, error] {
	return s.queryPages(ctx, `
		SELECT `+pageColumns+` FROM pages
		WHERE status = ?
		ORDER BY discovered_at, seq`,
		ingest.PageFailed,
	)
}

// Pages yields every page of the box in insertion order.
func (s *Store) Pages(ctx context.Context) iter.Seq2[ingest.Page, error] {
	return s.queryPages(ctx, `SELECT `+pageColumns+` FROM pages ORDER BY seq`)
}

func (s *Store) queryPages(ctx context.Context, query string, args ...any) iter.Seq2[ingest.Page, error] {
	return func(yield func(ingest.Page, error) bool) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(ingest.Page{}, fmt.Errorf("query pages: %w", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			p, err := scanPage(rows)
			if err != nil {
				yield(ingest.Page{}, fmt.Errorf("scan page: %w", err))
				return
			}
			if !yield(p, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(ingest.Page{}, fmt.Errorf("iterate pages: %w", err))
		}
	}
}

// CollectPages drains seq into a slice, stopping at the first error.
func CollectPages(seq iter.Seq2[ingest.Page, error]) ([]ingest.Page, error) {
	var out []ingest.Page
	for p, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// CountPages returns the page status histogram and stored byte total.
func (s *Store) CountPages(ctx context.Context) (ingest.BoxStats, error) {
	stats := ingest.BoxStats{Pages: map[ingest.PageStatus]int{
		ingest.PageQueued:  0,
		ingest.PageFetched: 0,
		ingest.PageFailed:  0,
	}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(size_bytes), 0) FROM pages GROUP BY status`)
	if err != nil {
		return ingest.BoxStats{}, fmt.Errorf("count pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status ingest.PageStatus
			n      int
			bytes  int64
		)
		if err := rows.Scan(&status, &n, &bytes); err != nil {
			return ingest.BoxStats{}, fmt.Errorf("scan page count: %w", err)
		}
		stats.Pages[status] = n
		stats.TotalBytes += bytes
	}
	if err := rows.Err(); err != nil {
		return ingest.BoxStats{}, fmt.Errorf("iterate page counts: %w", err)
	}
	return stats, nil
}
