package boxstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

// Catalog holds Box definitions. It stores no session or page data.
type Catalog struct {
	db      *sql.DB
	ids     ingest.IDGenerator
	clock   ingest.Clock
	writeMu sync.Mutex
}

const boxColumns = `id, name, type, seed_url, crawl_depth, max_pages, rate_limit, shelf_id, created_at`

func scanBox(row rowScanner) (ingest.Box, error) {
	var (
		b       ingest.Box
		created int64
	)
	if err := row.Scan(
		&b.ID,
		&b.Name,
		&b.Type,
		&b.SeedURL,
		&b.CrawlDepth,
		&b.MaxPages,
		&b.RateLimit,
		&b.ShelfID,
		&created,
	); err != nil {
		return ingest.Box{}, err
	}
	b.CreatedAt = fromNanos(created)
	return b, nil
}

// ValidateBox checks the fields of a Box definition before it is stored.
func ValidateBox(b ingest.Box) error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("box name is required: %w", ingest.ErrInvalidBox)
	}
	if !b.Type.Valid() {
		return fmt.Errorf("box type %q: %w", b.Type, ingest.ErrInvalidBox)
	}
	if b.CrawlDepth < 0 || b.MaxPages < 0 || b.RateLimit < 0 {
		return fmt.Errorf("box %s has negative crawl limits: %w", b.Name, ingest.ErrInvalidBox)
	}
	if b.SeedURL != "" {
		if _, err := ingest.NormalizeURL(b.SeedURL); err != nil {
			return fmt.Errorf("box %s seed url: %v: %w", b.Name, err, ingest.ErrInvalidBox)
		}
	}
	return nil
}

// CreateBox stores a new Box, assigning its id when empty. A duplicate name
// yields ingest.ErrConflict.
func (c *Catalog) CreateBox(ctx context.Context, b ingest.Box) (ingest.Box, error) {
	if err := ValidateBox(b); err != nil {
		return ingest.Box{}, err
	}
	if b.ID == "" {
		id, err := c.ids.NewID()
		if err != nil {
			return ingest.Box{}, fmt.Errorf("box id: %w", err)
		}
		b.ID = id
	}
	if err := validBoxID(b.ID); err != nil {
		return ingest.Box{}, err
	}
	if b.SeedURL != "" {
		normalized, _ := ingest.NormalizeURL(b.SeedURL)
		b.SeedURL = normalized
	}
	b.CreatedAt = c.clock.Now().UTC()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := withTx(ctx, c.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO boxes (`+boxColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.Name, b.Type, b.SeedURL, b.CrawlDepth, b.MaxPages, b.RateLimit, b.ShelfID,
			toNanos(b.CreatedAt),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("box %q already exists: %w", b.Name, ingest.ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert box %s: %w", b.Name, err)
		}
		return nil
	})
	if err != nil {
		return ingest.Box{}, err
	}
	return b, nil
}

// EnsureBox creates b or, when a Box with the same name exists, updates its
// crawl settings in place. It is used to seed boxes from configuration.
func (c *Catalog) EnsureBox(ctx context.Context, b ingest.Box) (ingest.Box, error) {
	existing, err := c.GetBoxByName(ctx, b.Name)
	if errors.Is(err, ingest.ErrNotFound) {
		return c.CreateBox(ctx, b)
	}
	if err != nil {
		return ingest.Box{}, err
	}
	if err := ValidateBox(b); err != nil {
		return ingest.Box{}, err
	}
	if b.SeedURL != "" {
		normalized, _ := ingest.NormalizeURL(b.SeedURL)
		b.SeedURL = normalized
	}
	existing.Type = b.Type
	existing.SeedURL = b.SeedURL
	existing.CrawlDepth = b.CrawlDepth
	existing.MaxPages = b.MaxPages
	existing.RateLimit = b.RateLimit
	existing.ShelfID = b.ShelfID

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err = withTx(ctx, c.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE boxes SET type = ?, seed_url = ?, crawl_depth = ?, max_pages = ?, rate_limit = ?, shelf_id = ?
			WHERE id = ?`,
			existing.Type, existing.SeedURL, existing.CrawlDepth, existing.MaxPages, existing.RateLimit,
			existing.ShelfID, existing.ID,
		)
		if err != nil {
			return fmt.Errorf("update box %s: %w", existing.Name, err)
		}
		return nil
	})
	if err != nil {
		return ingest.Box{}, err
	}
	return existing, nil
}

// GetBox loads a Box by id.
func (c *Catalog) GetBox(ctx context.Context, id string) (ingest.Box, error) {
	b, err := scanBox(c.db.QueryRowContext(ctx, `SELECT `+boxColumns+` FROM boxes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.Box{}, fmt.Errorf("box %s: %w", id, ingest.ErrNotFound)
	}
	if err != nil {
		return ingest.Box{}, fmt.Errorf("get box %s: %w", id, err)
	}
	return b, nil
}

// GetBoxByName loads a Box by its unique name.
func (c *Catalog) GetBoxByName(ctx context.Context, name string) (ingest.Box, error) {
	b, err := scanBox(c.db.QueryRowContext(ctx, `SELECT `+boxColumns+` FROM boxes WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.Box{}, fmt.Errorf("box %q: %w", name, ingest.ErrNotFound)
	}
	if err != nil {
		return ingest.Box{}, fmt.Errorf("get box %q: %w", name, err)
	}
	return b, nil
}

// ListBoxes returns every Box ordered by name.
func (c *Catalog) ListBoxes(ctx context.Context) ([]ingest.Box, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+boxColumns+` FROM boxes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list boxes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ingest.Box
	for rows.Next() {
		b, err := scanBox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan box: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boxes: %w", err)
	}
	return out, nil
}

func (c *Catalog) deleteBox(ctx context.Context, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return withTx(ctx, c.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM boxes WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete box %s: %w", id, err)
		}
		return requireRow(res, "box", id)
	})
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
