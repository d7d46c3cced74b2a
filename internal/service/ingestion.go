// Package service is the access-controlled entry point to box ingestion. Every
// operation checks the caller's shelves against the box before it reaches the
// session controller, the upload router or the stores.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/access"
	"github.com/JakeFAU/shelfbox/internal/boxstore"
	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/upload"
)

// Crawler is the session controller surface used by Ingestion.
type Crawler interface {
	StartCrawl(ctx context.Context, boxID string) (string, error)
	ResumeCrawl(ctx context.Context, boxID string) (string, error)
	RetryCrawl(ctx context.Context, boxID string) (string, error)
	CancelCrawl(ctx context.Context, sessionID string) error
	WaitForCompletion(ctx context.Context, sessionID string) (ingest.SessionResult, error)
	Live(sessionID string) bool
}

// Uploader is the upload router surface used by Ingestion.
type Uploader interface {
	UploadFiles(ctx context.Context, boxID, source string, opts upload.Options) (string, error)
	WaitForUpload(ctx context.Context, operationID string) (ingest.UploadResult, error)
	Live(operationID string) bool
}

// BoxRemover drops mirrored data of a deleted box.
type BoxRemover interface {
	RemoveBox(ctx context.Context, boxID string) error
}

// BoxInfo is a box definition with its page statistics.
type BoxInfo struct {
	ingest.Box
	Stats ingest.BoxStats `json:"stats"`
}

// Ingestion fronts the ingestion core for callers identified by their shelves.
type Ingestion struct {
	boxes   *boxstore.Manager
	crawls  Crawler
	uploads Uploader
	access  access.Checker
	mirror  BoxRemover
	logger  *zap.Logger
}

// New creates an Ingestion facade. checker defaults to access.Membership and
// mirror may be nil.
func New(
	boxes *boxstore.Manager,
	crawls Crawler,
	uploads Uploader,
	checker access.Checker,
	mirror BoxRemover,
	logger *zap.Logger,
) *Ingestion {
	if checker == nil {
		checker = access.Membership{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestion{
		boxes:   boxes,
		crawls:  crawls,
		uploads: uploads,
		access:  checker,
		mirror:  mirror,
		logger:  logger,
	}
}

func (s *Ingestion) authorize(ctx context.Context, shelves []string, boxID string) (ingest.Box, error) {
	box, err := s.boxes.Catalog().GetBox(ctx, boxID)
	if err != nil {
		return ingest.Box{}, err
	}
	if !s.access.IsVisible(shelves, box.ShelfID) {
		return ingest.Box{}, fmt.Errorf("box %s: %w", boxID, ingest.ErrForbidden)
	}
	return box, nil
}

func (s *Ingestion) authorizeSession(ctx context.Context, shelves []string, sessionID string) error {
	_, sess, err := s.boxes.FindSession(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = s.authorize(ctx, shelves, sess.BoxID)
	return err
}

// StartCrawl starts a fresh crawl of boxID.
func (s *Ingestion) StartCrawl(ctx context.Context, shelves []string, boxID string) (string, error) {
	if _, err := s.authorize(ctx, shelves, boxID); err != nil {
		return "", err
	}
	return s.crawls.StartCrawl(ctx, boxID)
}

// ResumeCrawl re-attempts the queued pages of the latest unfinished session.
func (s *Ingestion) ResumeCrawl(ctx context.Context, shelves []string, boxID string) (string, error) {
	if _, err := s.authorize(ctx, shelves, boxID); err != nil {
		return "", err
	}
	return s.crawls.ResumeCrawl(ctx, boxID)
}

// RetryCrawl re-attempts the failed pages of boxID.
func (s *Ingestion) RetryCrawl(ctx context.Context, shelves []string, boxID string) (string, error) {
	if _, err := s.authorize(ctx, shelves, boxID); err != nil {
		return "", err
	}
	return s.crawls.RetryCrawl(ctx, boxID)
}

// CancelCrawl cancels a session.
func (s *Ingestion) CancelCrawl(ctx context.Context, shelves []string, sessionID string) error {
	if err := s.authorizeSession(ctx, shelves, sessionID); err != nil {
		return err
	}
	return s.crawls.CancelCrawl(ctx, sessionID)
}

// WaitForCompletion blocks until the session ends or ctx is done.
func (s *Ingestion) WaitForCompletion(ctx context.Context, shelves []string, sessionID string) (ingest.SessionResult, error) {
	if err := s.authorizeSession(ctx, shelves, sessionID); err != nil {
		return ingest.SessionResult{}, err
	}
	return s.crawls.WaitForCompletion(ctx, sessionID)
}

// Session returns the persisted state of a session.
func (s *Ingestion) Session(ctx context.Context, shelves []string, sessionID string) (ingest.CrawlSession, error) {
	_, sess, err := s.boxes.FindSession(ctx, sessionID)
	if err != nil {
		return ingest.CrawlSession{}, err
	}
	if _, err := s.authorize(ctx, shelves, sess.BoxID); err != nil {
		return ingest.CrawlSession{}, err
	}
	return sess, nil
}

// UploadFiles starts ingesting source into boxID.
func (s *Ingestion) UploadFiles(ctx context.Context, shelves []string, boxID, source string, opts upload.Options) (string, error) {
	if _, err := s.authorize(ctx, shelves, boxID); err != nil {
		return "", err
	}
	return s.uploads.UploadFiles(ctx, boxID, source, opts)
}

// WaitForUpload blocks until the upload ends or ctx is done.
func (s *Ingestion) WaitForUpload(ctx context.Context, shelves []string, operationID string) (ingest.UploadResult, error) {
	_, op, err := s.boxes.FindUpload(ctx, operationID)
	if err != nil {
		return ingest.UploadResult{}, err
	}
	if _, err := s.authorize(ctx, shelves, op.BoxID); err != nil {
		return ingest.UploadResult{}, err
	}
	return s.uploads.WaitForUpload(ctx, operationID)
}

// BoxPages lists every page of boxID in discovery order.
func (s *Ingestion) BoxPages(ctx context.Context, shelves []string, boxID string) ([]ingest.Page, error) {
	if _, err := s.authorize(ctx, shelves, boxID); err != nil {
		return nil, err
	}
	store, err := s.boxes.Open(ctx, boxID)
	if err != nil {
		return nil, err
	}
	return boxstore.CollectPages(store.Pages(ctx))
}

// CreateBox stores a new box. A caller may only place boxes on its own shelves.
func (s *Ingestion) CreateBox(ctx context.Context, shelves []string, box ingest.Box) (ingest.Box, error) {
	if !s.access.IsVisible(shelves, box.ShelfID) {
		return ingest.Box{}, fmt.Errorf("shelf %s: %w", box.ShelfID, ingest.ErrForbidden)
	}
	created, err := s.boxes.Catalog().CreateBox(ctx, box)
	if err != nil {
		return ingest.Box{}, err
	}
	s.logger.Info("created box", zap.String("box_id", created.ID), zap.String("name", created.Name))
	return created, nil
}

// GetBox returns one box with its statistics.
func (s *Ingestion) GetBox(ctx context.Context, shelves []string, boxID string) (BoxInfo, error) {
	box, err := s.authorize(ctx, shelves, boxID)
	if err != nil {
		return BoxInfo{}, err
	}
	return s.info(ctx, box)
}

// ListBoxes returns the boxes visible to the caller.
func (s *Ingestion) ListBoxes(ctx context.Context, shelves []string) ([]BoxInfo, error) {
	boxes, err := s.boxes.Catalog().ListBoxes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BoxInfo, 0, len(boxes))
	for _, box := range boxes {
		if !s.access.IsVisible(shelves, box.ShelfID) {
			continue
		}
		info, err := s.info(ctx, box)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Ingestion) info(ctx context.Context, box ingest.Box) (BoxInfo, error) {
	store, err := s.boxes.Open(ctx, box.ID)
	if err != nil {
		return BoxInfo{}, err
	}
	stats, err := store.CountPages(ctx)
	if err != nil {
		return BoxInfo{}, err
	}
	return BoxInfo{Box: box, Stats: stats}, nil
}

// DeleteBox removes a box and its data. Work left active by a crashed process
// is marked interrupted first; live work yields ingest.ErrConflict.
func (s *Ingestion) DeleteBox(ctx context.Context, shelves []string, boxID string) error {
	if _, err := s.authorize(ctx, shelves, boxID); err != nil {
		return err
	}
	store, err := s.boxes.Open(ctx, boxID)
	if err != nil {
		return err
	}
	if _, err := store.MarkInterrupted(ctx, s.crawls.Live); err != nil {
		return err
	}
	if _, err := store.MarkUploadsInterrupted(ctx, s.uploads.Live); err != nil {
		return err
	}
	if err := s.boxes.DeleteBox(ctx, boxID); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.RemoveBox(ctx, boxID); err != nil {
			s.logger.Warn("remove mirrored pages", zap.String("box_id", boxID), zap.Error(err))
		}
	}
	return nil
}
