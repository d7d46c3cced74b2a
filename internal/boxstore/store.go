package boxstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

// InterruptedSummary is the error summary written on sessions orphaned by a crash.
const InterruptedSummary = "interrupted"

// Store persists the sessions, pages and uploads of a single Box.
type Store struct {
	boxID string
	db    *sql.DB
	ids   ingest.IDGenerator
	clock ingest.Clock

	// writeMu serialises mutating calls so check-then-write sequences are atomic.
	writeMu sync.Mutex
}

func newStore(boxID string, db *sql.DB, ids ingest.IDGenerator, clock ingest.Clock) *Store {
	return &Store{boxID: boxID, db: db, ids: ids, clock: clock}
}

// BoxID returns the id of the Box this store belongs to.
func (s *Store) BoxID() string {
	return s.boxID
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close box %s: %w", s.boxID, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return withTx(ctx, s.db, fn)
}

const sessionColumns = `id, box_id, status, origin, created_at, started_at, finished_at,
	checkpoint, error_summary, pages_fetched, pages_failed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (ingest.CrawlSession, error) {
	var (
		sess              ingest.CrawlSession
		created           int64
		started, finished sql.NullInt64
	)
	if err := row.Scan(
		&sess.ID,
		&sess.BoxID,
		&sess.Status,
		&sess.Origin,
		&created,
		&started,
		&finished,
		&sess.Checkpoint,
		&sess.ErrorSummary,
		&sess.PagesFetched,
		&sess.PagesFailed,
	); err != nil {
		return ingest.CrawlSession{}, err
	}
	sess.CreatedAt = fromNanos(created)
	sess.StartedAt = timePtr(started)
	sess.FinishedAt = timePtr(finished)
	return sess, nil
}

// CreateSession inserts a pending session. It fails with ingest.ErrConflict when
// another session of the box is still pending or running.
func (s *Store) CreateSession(ctx context.Context, origin ingest.SessionOrigin) (ingest.CrawlSession, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return ingest.CrawlSession{}, fmt.Errorf("session id: %w", err)
	}
	sess := ingest.CrawlSession{
		ID:        id,
		BoxID:     s.boxID,
		Status:    ingest.StatusPending,
		Origin:    origin,
		CreatedAt: s.clock.Now().UTC(),
	}
	err = s.write(ctx, func(tx *sql.Tx) error {
		var active string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM sessions WHERE status IN (?, ?) LIMIT 1`,
			ingest.StatusPending, ingest.StatusRunning,
		).Scan(&active)
		switch {
		case err == nil:
			return fmt.Errorf("box %s has active session %s: %w", s.boxID, active, ingest.ErrConflict)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check active session: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (id, box_id, status, origin, created_at) VALUES (?, ?, ?, ?, ?)`,
			sess.ID, sess.BoxID, sess.Status, sess.Origin, toNanos(sess.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return ingest.CrawlSession{}, err
	}
	return sess, nil
}

// UpdateSession persists the mutable fields of sess.
func (s *Store) UpdateSession(ctx context.Context, sess ingest.CrawlSession) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, started_at = ?, finished_at = ?, checkpoint = ?, error_summary = ?,
				pages_fetched = ?, pages_failed = ?
			WHERE id = ?`,
			sess.Status,
			nullableNanos(sess.StartedAt),
			nullableNanos(sess.FinishedAt),
			sess.Checkpoint,
			sess.ErrorSummary,
			sess.PagesFetched,
			sess.PagesFailed,
			sess.ID,
		)
		if err != nil {
			return fmt.Errorf("update session %s: %w", sess.ID, err)
		}
		return requireRow(res, "session", sess.ID)
	})
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (ingest.CrawlSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.CrawlSession{}, fmt.Errorf("session %s: %w", id, ingest.ErrNotFound)
	}
	if err != nil {
		return ingest.CrawlSession{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// LatestSession returns the most recently created session of the box.
func (s *Store) LatestSession(ctx context.Context) (ingest.CrawlSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.CrawlSession{}, fmt.Errorf("box %s has no sessions: %w", s.boxID, ingest.ErrNotFound)
	}
	if err != nil {
		return ingest.CrawlSession{}, fmt.Errorf("latest session: %w", err)
	}
	return sess, nil
}

// Sessions lists every session of the box, newest first.
func (s *Store) Sessions(ctx context.Context) ([]ingest.CrawlSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ingest.CrawlSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// MarkInterrupted fails every active session for which live returns false.
// It returns the ids of the sessions it changed.
func (s *Store) MarkInterrupted(ctx context.Context, live func(sessionID string) bool) ([]string, error) {
	var changed []string
	err := s.write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM sessions WHERE status IN (?, ?)`, ingest.StatusPending, ingest.StatusRunning)
		if err != nil {
			return fmt.Errorf("list active sessions: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan session id: %w", err)
			}
			if live == nil || !live(id) {
				ids = append(ids, id)
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close session rows: %w", err)
		}

		now := toNanos(s.clock.Now())
		for _, id := range ids {
			_, err := tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, error_summary = ?, finished_at = ? WHERE id = ?`,
				ingest.StatusFailed, InterruptedSummary, now, id,
			)
			if err != nil {
				return fmt.Errorf("interrupt session %s: %w", id, err)
			}
		}
		changed = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// HasActiveWork reports whether a session or upload of the box is pending or running.
func (s *Store) HasActiveWork(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM sessions WHERE status IN (?1, ?2))
		     + (SELECT COUNT(*) FROM uploads WHERE status IN (?1, ?2))`,
		ingest.StatusPending, ingest.StatusRunning,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check active work: %w", err)
	}
	return n > 0, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ingest.ErrNotFound)
	}
	return nil
}
