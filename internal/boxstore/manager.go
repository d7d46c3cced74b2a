package boxstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/ingest"
)

var boxIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

func validBoxID(id string) error {
	if !boxIDPattern.MatchString(id) {
		return fmt.Errorf("box id %q: %w", id, ingest.ErrInvalidBox)
	}
	return nil
}

// Manager owns the catalog and the lazily opened per-Box stores.
type Manager struct {
	dataDir string
	catalog *Catalog
	ids     ingest.IDGenerator
	clock   ingest.Clock
	logger  *zap.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewManager opens (creating if needed) the catalog under dataDir.
func NewManager(
	ctx context.Context,
	dataDir string,
	ids ingest.IDGenerator,
	clock ingest.Clock,
	logger *zap.Logger,
) (*Manager, error) {
	if dataDir == "" {
		return nil, errors.New("data dir is required")
	}
	if ids == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "boxes"), 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := openSQLite(ctx, filepath.Join(dataDir, "catalog.db"), catalogSchema)
	if err != nil {
		return nil, err
	}
	return &Manager{
		dataDir: dataDir,
		catalog: &Catalog{db: db, ids: ids, clock: clock},
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("boxstore"),
		stores:  make(map[string]*Store),
	}, nil
}

// Catalog returns the Box definition catalog.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// BoxDir returns the directory that holds the files of boxID.
func (m *Manager) BoxDir(boxID string) string {
	return filepath.Join(m.dataDir, "boxes", boxID)
}

// Open returns the store of boxID, opening its database on first use.
func (m *Manager) Open(ctx context.Context, boxID string) (*Store, error) {
	if err := validBoxID(boxID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stores == nil {
		return nil, errors.New("box manager is closed")
	}
	if s, ok := m.stores[boxID]; ok {
		return s, nil
	}

	dir := m.BoxDir(boxID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create box dir %s: %w", boxID, err)
	}
	db, err := openSQLite(ctx, filepath.Join(dir, "box.db"), boxSchema)
	if err != nil {
		return nil, err
	}
	s := newStore(boxID, db, m.ids, m.clock)
	m.stores[boxID] = s
	m.logger.Debug("opened box store", zap.String("box_id", boxID), zap.String("dir", dir))
	return s, nil
}

// OpenBoxes lists the ids of every store opened so far, sorted.
func (m *Manager) OpenBoxes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.stores))
	for id := range m.stores {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FindSession locates a session by id across every catalogued Box.
func (m *Manager) FindSession(ctx context.Context, sessionID string) (*Store, ingest.CrawlSession, error) {
	boxes, err := m.catalog.ListBoxes(ctx)
	if err != nil {
		return nil, ingest.CrawlSession{}, err
	}
	for _, b := range boxes {
		s, err := m.Open(ctx, b.ID)
		if err != nil {
			return nil, ingest.CrawlSession{}, err
		}
		sess, err := s.GetSession(ctx, sessionID)
		if err == nil {
			return s, sess, nil
		}
		if !errors.Is(err, ingest.ErrNotFound) {
			return nil, ingest.CrawlSession{}, err
		}
	}
	return nil, ingest.CrawlSession{}, fmt.Errorf("session %s: %w", sessionID, ingest.ErrNotFound)
}

// FindUpload locates an upload operation by id across every catalogued Box.
func (m *Manager) FindUpload(ctx context.Context, operationID string) (*Store, ingest.UploadOperation, error) {
	boxes, err := m.catalog.ListBoxes(ctx)
	if err != nil {
		return nil, ingest.UploadOperation{}, err
	}
	for _, b := range boxes {
		s, err := m.Open(ctx, b.ID)
		if err != nil {
			return nil, ingest.UploadOperation{}, err
		}
		op, err := s.GetUpload(ctx, operationID)
		if err == nil {
			return s, op, nil
		}
		if !errors.Is(err, ingest.ErrNotFound) {
			return nil, ingest.UploadOperation{}, err
		}
	}
	return nil, ingest.UploadOperation{}, fmt.Errorf("upload %s: %w", operationID, ingest.ErrNotFound)
}

// DeleteBox removes a Box definition and its data. It refuses with
// ingest.ErrConflict while a session or upload of the box is active.
func (m *Manager) DeleteBox(ctx context.Context, boxID string) error {
	if _, err := m.catalog.GetBox(ctx, boxID); err != nil {
		return err
	}
	s, err := m.Open(ctx, boxID)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var active int
	if err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM sessions WHERE status IN (?1, ?2))
		     + (SELECT COUNT(*) FROM uploads WHERE status IN (?1, ?2))`,
		ingest.StatusPending, ingest.StatusRunning,
	).Scan(&active); err != nil {
		return fmt.Errorf("check active work: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("box %s has active work: %w", boxID, ingest.ErrConflict)
	}
	if err := m.catalog.deleteBox(ctx, boxID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.stores, boxID)
	m.mu.Unlock()

	closeErr := s.db.Close()
	if err := os.RemoveAll(m.BoxDir(boxID)); err != nil {
		return errors.Join(fmt.Errorf("remove box dir %s: %w", boxID, err), closeErr)
	}
	m.logger.Info("deleted box", zap.String("box_id", boxID))
	return closeErr
}

// Close closes every open store and the catalog.
func (m *Manager) Close() error {
	m.mu.Lock()
	stores := m.stores
	m.stores = nil
	m.mu.Unlock()

	var errs []error
	for _, s := range stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.catalog.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close catalog: %w", err))
	}
	return errors.Join(errs...)
}
