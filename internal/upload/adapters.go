package upload

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/boxstore"
	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/parser"
)

// Skip reasons reported by the adapters.
const (
	reasonBinary    = "binary content"
	reasonDuplicate = "identical content already stored"
)

// target is the box an item is written into.
type target struct {
	box         ingest.Box
	store       *boxstore.Store
	operationID string
}

// adapter writes one item into box storage. It returns the recorded outcome;
// an error means the item failed.
type adapter interface {
	store(ctx context.Context, t target, item Item, data []byte) (ingest.UploadItem, error)
}

// indexedAdapter extracts text and records the item as a fetched page with
// indexed terms.
type indexedAdapter struct {
	blobs       ingest.BlobStore
	hasher      ingest.Hasher
	index       ingest.PageIndex
	titleWeight int
	logger      *zap.Logger
}

func (a *indexedAdapter) store(ctx context.Context, t target, item Item, data []byte) (ingest.UploadItem, error) {
	title, text, contentType, ok := extract(item.Path, data)
	if !ok {
		return ingest.UploadItem{Outcome: ingest.ItemSkipped, Reason: reasonBinary}, nil
	}
	hash, err := a.hasher.Hash(data)
	if err != nil {
		return ingest.UploadItem{}, fmt.Errorf("hash: %w", err)
	}
	ref, err := a.blobs.PutObject(ctx, "documents/"+t.box.ID+"/"+hash, contentType, bytes.NewReader(data))
	if err != nil {
		return ingest.UploadItem{}, fmt.Errorf("store document: %w", err)
	}
	page, err := t.store.RecordDocument(ctx, boxstore.Document{
		OperationID: t.operationID,
		URL:         item.URL,
		ContentRef:  ref,
		ContentHash: hash,
		Title:       title,
		SizeBytes:   int64(len(data)),
		Terms:       parser.DocumentTerms(title, text, a.titleWeight),
	})
	if err != nil {
		return ingest.UploadItem{}, err
	}
	if a.index != nil {
		if err := a.index.IndexPage(ctx, page); err != nil {
			a.logger.Warn("mirror uploaded document", zap.String("url", page.URL), zap.Error(err))
		}
	}
	return ingest.UploadItem{Outcome: ingest.ItemStored, ContentRef: ref}, nil
}

// extract returns the title and text of HTML or plain-text content. ok is
// false for binary content.
func extract(name string, data []byte) (title, text, contentType string, ok bool) {
	contentType = http.DetectContentType(data)
	ext := strings.ToLower(path.Ext(name))
	switch {
	case ext == ".html" || ext == ".htm" || strings.HasPrefix(contentType, "text/html"):
		t, body, err := parser.TextFromHTML(data)
		if err != nil {
			return "", "", "", false
		}
		if t == "" {
			t = strings.TrimSuffix(path.Base(name), path.Ext(name))
		}
		return t, body, "text/html; charset=utf-8", true
	case isText(data):
		return markdownTitle(name, data), string(data), "text/plain; charset=utf-8", true
	default:
		return "", "", contentType, false
	}
}

func isText(data []byte) bool {
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	return bytes.IndexByte(sample, 0) < 0 && utf8.Valid(data)
}

// markdownTitle uses the first ATX heading, falling back to the file name.
func markdownTitle(name string, data []byte) string {
	for _, line := range strings.SplitN(string(data), "\n", 50) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return strings.TrimSuffix(path.Base(name), path.Ext(name))
}

// rawAdapter stores items as content-addressed blobs.
type rawAdapter struct {
	blobs  ingest.BlobStore
	hasher ingest.Hasher
}

func (a *rawAdapter) store(ctx context.Context, t target, item Item, data []byte) (ingest.UploadItem, error) {
	hash, err := a.hasher.Hash(data)
	if err != nil {
		return ingest.UploadItem{}, fmt.Errorf("hash: %w", err)
	}
	if existing, ok, err := t.store.LookupBlob(ctx, hash); err != nil {
		return ingest.UploadItem{}, err
	} else if ok {
		return ingest.UploadItem{Outcome: ingest.ItemSkipped, ContentRef: existing.ContentRef, Reason: reasonDuplicate}, nil
	}

	ref, err := a.blobs.PutObject(ctx, "blobs/"+t.box.ID+"/"+hash, http.DetectContentType(data), bytes.NewReader(data))
	if err != nil {
		return ingest.UploadItem{}, fmt.Errorf("store blob: %w", err)
	}
	inserted, err := t.store.RecordBlob(ctx, boxstore.Blob{
		ContentHash: hash,
		ContentRef:  ref,
		Path:        item.Path,
		SizeBytes:   int64(len(data)),
	})
	if err != nil {
		return ingest.UploadItem{}, err
	}
	if !inserted {
		// Lost a race with an identical item of the same operation.
		return ingest.UploadItem{Outcome: ingest.ItemSkipped, ContentRef: ref, Reason: reasonDuplicate}, nil
	}
	return ingest.UploadItem{Outcome: ingest.ItemStored, ContentRef: ref}, nil
}
