package boxstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

// Document is an uploaded item recorded as a fetched page with indexed terms.
type Document struct {
	OperationID string
	URL         string
	ContentRef  string
	ContentHash string
	Title       string
	SizeBytes   int64
	Terms       map[string]int
}

// Blob is the bookkeeping row of a content-addressed raw object.
type Blob struct {
	ContentHash string
	ContentRef  string
	Path        string
	SizeBytes   int64
}

// IndexTerms replaces the term frequencies stored for pageID.
func (s *Store) IndexTerms(ctx context.Context, pageID string, terms map[string]int) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		return replaceTerms(ctx, tx, pageID, terms)
	})
}

func replaceTerms(ctx context.Context, tx *sql.Tx, pageID string, terms map[string]int) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM page_terms WHERE page_id = ?`, pageID); err != nil {
		return fmt.Errorf("clear terms %s: %w", pageID, err)
	}
	if len(terms) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO page_terms (page_id, term, freq) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare term insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	keys := make([]string, 0, len(terms))
	for term := range terms {
		keys = append(keys, term)
	}
	sort.Strings(keys)
	for _, term := range keys {
		if _, err := stmt.ExecContext(ctx, pageID, term, terms[term]); err != nil {
			return fmt.Errorf("insert term %q: %w", term, err)
		}
	}
	return nil
}

// Terms returns the stored term frequencies of pageID.
func (s *Store) Terms(ctx context.Context, pageID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT term, freq FROM page_terms WHERE page_id = ?`, pageID)
	if err != nil {
		return nil, fmt.Errorf("query terms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var (
			term string
			freq int
		)
		if err := rows.Scan(&term, &freq); err != nil {
			return nil, fmt.Errorf("scan term: %w", err)
		}
		out[term] = freq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terms: %w", err)
	}
	return out, nil
}

// RecordDocument upserts doc as a fetched page and indexes its terms in one transaction.
func (s *Store) RecordDocument(ctx context.Context, doc Document) (ingest.Page, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return ingest.Page{}, fmt.Errorf("page id: %w", err)
	}
	now := toNanos(s.clock.Now())

	var page ingest.Page
	err = s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pages (id, box_id, session_id, url, status, depth, content_ref, content_hash,
				title, size_bytes, discovered_at, fetched_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (box_id, url) DO UPDATE SET
				session_id = excluded.session_id,
				status = excluded.status,
				content_ref = excluded.content_ref,
				content_hash = excluded.content_hash,
				title = excluded.title,
				size_bytes = excluded.size_bytes,
				error_note = '',
				fetched_at = excluded.fetched_at`,
			id, s.boxID, doc.OperationID, doc.URL, ingest.PageFetched, doc.ContentRef, doc.ContentHash,
			doc.Title, doc.SizeBytes, now, now,
		)
		if err != nil {
			return fmt.Errorf("upsert document %s: %w", doc.URL, err)
		}
		row := tx.QueryRowContext(ctx,
			`SELECT `+pageColumns+` FROM pages WHERE box_id = ? AND url = ?`, s.boxID, doc.URL)
		page, err = scanPage(row)
		if err != nil {
			return fmt.Errorf("reload document %s: %w", doc.URL, err)
		}
		return replaceTerms(ctx, tx, page.ID, doc.Terms)
	})
	if err != nil {
		return ingest.Page{}, err
	}
	return page, nil
}

// LookupBlob returns the blob stored under hash, if any.
func (s *Store) LookupBlob(ctx context.Context, hash string) (Blob, bool, error) {
	var b Blob
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash, content_ref, path, size_bytes FROM blobs WHERE content_hash = ?`, hash,
	).Scan(&b.ContentHash, &b.ContentRef, &b.Path, &b.SizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, false, nil
	}
	if err != nil {
		return Blob{}, false, fmt.Errorf("lookup blob %s: %w", hash, err)
	}
	return b, true, nil
}

// RecordBlob inserts b unless a blob with the same hash exists. It reports
// whether the row was inserted.
func (s *Store) RecordBlob(ctx context.Context, b Blob) (bool, error) {
	var inserted bool
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (content_hash, content_ref, path, size_bytes, stored_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (content_hash) DO NOTHING`,
			b.ContentHash, b.ContentRef, b.Path, b.SizeBytes, toNanos(s.clock.Now()),
		)
		if err != nil {
			return fmt.Errorf("insert blob %s: %w", b.ContentHash, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}
