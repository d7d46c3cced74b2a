package boxstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

const uploadColumns = `id, box_id, source, status, created_at, finished_at,
	items_stored, items_skipped, items_failed`

func scanUpload(row rowScanner) (ingest.UploadOperation, error) {
	var (
		op       ingest.UploadOperation
		created  int64
		finished sql.NullInt64
	)
	if err := row.Scan(
		&op.ID,
		&op.BoxID,
		&op.Source,
		&op.Status,
		&created,
		&finished,
		&op.ItemsStored,
		&op.ItemsSkipped,
		&op.ItemsFailed,
	); err != nil {
		return ingest.UploadOperation{}, err
	}
	op.CreatedAt = fromNanos(created)
	op.FinishedAt = timePtr(finished)
	return op, nil
}

// CreateUpload records a pending upload operation for source.
func (s *Store) CreateUpload(ctx context.Context, source string) (ingest.UploadOperation, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return ingest.UploadOperation{}, fmt.Errorf("upload id: %w", err)
	}
	op := ingest.UploadOperation{
		ID:        id,
		BoxID:     s.boxID,
		Source:    source,
		Status:    ingest.StatusPending,
		CreatedAt: s.clock.Now().UTC(),
	}
	err = s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO uploads (id, box_id, source, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			op.ID, op.BoxID, op.Source, op.Status, toNanos(op.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert upload: %w", err)
		}
		return nil
	})
	if err != nil {
		return ingest.UploadOperation{}, err
	}
	return op, nil
}

// RecordUploadItem stores one item outcome and bumps the operation counters atomically.
func (s *Store) RecordUploadItem(ctx context.Context, item ingest.UploadItem) error {
	var counter string
	switch item.Outcome {
	case ingest.ItemStored:
		counter = "items_stored"
	case ingest.ItemSkipped:
		counter = "items_skipped"
	case ingest.ItemFailed:
		counter = "items_failed"
	default:
		return fmt.Errorf("unknown item outcome %q", item.Outcome)
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO upload_items (operation_id, path, outcome, content_ref, reason, size_bytes)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.OperationID, item.Path, item.Outcome, item.ContentRef, item.Reason, item.SizeBytes,
		)
		if err != nil {
			return fmt.Errorf("insert upload item %s: %w", item.Path, err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE uploads SET `+counter+` = `+counter+` + 1 WHERE id = ?`, item.OperationID)
		if err != nil {
			return fmt.Errorf("bump %s: %w", counter, err)
		}
		return requireRow(res, "upload", item.OperationID)
	})
}

// UpdateUpload persists the status and finish time of op.
func (s *Store) UpdateUpload(ctx context.Context, op ingest.UploadOperation) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE uploads SET status = ?, finished_at = ? WHERE id = ?`,
			op.Status, nullableNanos(op.FinishedAt), op.ID,
		)
		if err != nil {
			return fmt.Errorf("update upload %s: %w", op.ID, err)
		}
		return requireRow(res, "upload", op.ID)
	})
}

// GetUpload loads one upload operation with its current counters.
func (s *Store) GetUpload(ctx context.Context, id string) (ingest.UploadOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	op, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.UploadOperation{}, fmt.Errorf("upload %s: %w", id, ingest.ErrNotFound)
	}
	if err != nil {
		return ingest.UploadOperation{}, fmt.Errorf("get upload %s: %w", id, err)
	}
	return op, nil
}

// MarkUploadsInterrupted fails active uploads for which live returns false.
func (s *Store) MarkUploadsInterrupted(ctx context.Context, live func(operationID string) bool) ([]string, error) {
	var changed []string
	err := s.write(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM uploads WHERE status IN (?, ?)`, ingest.StatusPending, ingest.StatusRunning)
		if err != nil {
			return fmt.Errorf("list active uploads: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan upload id: %w", err)
			}
			if live == nil || !live(id) {
				ids = append(ids, id)
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close upload rows: %w", err)
		}
		now := toNanos(s.clock.Now())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE uploads SET status = ?, finished_at = ? WHERE id = ?`,
				ingest.StatusFailed, now, id,
			); err != nil {
				return fmt.Errorf("interrupt upload %s: %w", id, err)
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

// UploadItems lists the recorded items of an operation in path order.
func (s *Store) UploadItems(ctx context.Context, operationID string) ([]ingest.UploadItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, path, outcome, content_ref, reason, size_bytes
		FROM upload_items WHERE operation_id = ? ORDER BY path`, operationID)
	if err != nil {
		return nil, fmt.Errorf("query upload items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ingest.UploadItem
	for rows.Next() {
		var it ingest.UploadItem
		if err := rows.Scan(&it.OperationID, &it.Path, &it.Outcome, &it.ContentRef, &it.Reason, &it.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan upload item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload items: %w", err)
	}
	return out, nil
}
