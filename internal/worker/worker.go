// Package worker implements the per-page crawl pipeline.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/frontier"
	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/metrics"
	"github.com/JakeFAU/shelfbox/internal/parser"
	"github.com/JakeFAU/shelfbox/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/shelfbox/internal/worker")

// PageStore is the slice of the per-Box store a worker writes to.
type PageStore interface {
	CreatePage(ctx context.Context, sessionID, url string, depth int) (ingest.Page, error)
	UpdatePage(ctx context.Context, pageID string, upd ingest.PageUpdate) error
	GetPage(ctx context.Context, pageID string) (ingest.Page, error)
	IndexTerms(ctx context.Context, pageID string, terms map[string]int) error
}

// HeadlessBudget limits headless renders per session.
type HeadlessBudget interface {
	AllowHeadless(sessionID string) bool
}

// PageResult is the outcome of one processed page.
type PageResult struct {
	PageID  string
	URL     string
	Fetched bool
	Bytes   int64
	Err     error
}

// Reporter receives every page outcome of a run, in completion order.
type Reporter interface {
	PageDone(ctx context.Context, result PageResult)
}

// Run is the shared state of one crawl session, handed to every worker.
type Run struct {
	Box       ingest.Box
	SessionID string
	Store     PageStore
	Frontier  *frontier.Frontier
	Scope     *ingest.Scope
	Reporter  Reporter
}

// Config controls Worker behavior.
type Config struct {
	ContentType string
	// BlobPrefix is the first path segment of stored pages.
	BlobPrefix string
	// FetchTimeout bounds each fetch attempt.
	FetchTimeout time.Duration
	// TitleWeight multiplies title term counts in the index.
	TitleWeight int
	UserAgent   string
}

// Deps are the collaborators of a Worker. Headless, Detector, Budget and Index are optional.
type Deps struct {
	Fetcher  ingest.Fetcher
	Headless ingest.Fetcher
	Detector ingest.HeadlessDetector
	Budget   HeadlessBudget
	Limiter  ingest.Limiter
	Retry    ingest.RetryPolicy
	Blobs    ingest.BlobStore
	Hasher   ingest.Hasher
	Clock    ingest.Clock
	Index    ingest.PageIndex
	Emitter  progress.Emitter
}

// Worker pops pages from a run's frontier and fetches them.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// hostPacer is implemented by limiters that take a per-box request rate.
type hostPacer interface {
	SetRate(rawURL string, rps float64)
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "pages"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.TitleWeight <= 0 {
		cfg.TitleWeight = 3
	}
	if deps.Retry == nil {
		deps.Retry = ingest.NewExponentialRetryPolicy(0, 0, 0)
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run processes items until the frontier drains or closes, or ctx ends.
// Closing the frontier lets the in-flight page finish and persist; cancelling
// ctx abandons it and leaves the page queued.
func (w *Worker) Run(ctx context.Context, run *Run) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	if p, ok := w.deps.Limiter.(hostPacer); ok && run.Box.RateLimit > 0 {
		p.SetRate(run.Box.SeedURL, run.Box.RateLimit)
	}
	for {
		item, err := run.Frontier.Pop(ctx)
		if err != nil {
			if !errors.Is(err, frontier.ErrDrained) && !errors.Is(err, frontier.ErrClosed) && ctx.Err() == nil {
				w.logger.Error("frontier pop failed", zap.String("session_id", run.SessionID), zap.Error(err))
			}
			return
		}
		w.process(ctx, run, item)
	}
}

func (w *Worker) process(ctx context.Context, run *Run, item frontier.Item) {
	defer run.Frontier.Done()

	ctx, span := tracer.Start(ctx, "crawl.page")
	span.SetAttributes(
		attribute.String("box_id", run.Box.ID),
		attribute.String("session_id", run.SessionID),
		attribute.String("url", item.URL),
		attribute.Int("depth", item.Depth),
	)
	defer span.End()

	logger := w.logger.With(
		zap.String("session_id", run.SessionID),
		zap.String("url", item.URL),
		zap.Int("depth", item.Depth),
	)

	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, item.URL); err != nil {
			logger.Debug("rate limit wait aborted", zap.Error(err))
			return
		}
	}

	resp, err := w.fetch(ctx, run, item)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("fetch abandoned", zap.Error(err))
			return
		}
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("fetch failed", zap.Error(err))
		w.recordFailure(ctx, run, item, err)
		return
	}
	if promoted, ok := w.maybePromote(ctx, run, item, resp); ok {
		logger.Info("headless promotion applied")
		resp = promoted
	}

	doc, err := w.persist(ctx, run, item, resp)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.SetStatus(codes.Error, err.Error())
		logger.Error("persist page failed", zap.Error(err))
		w.recordFailure(ctx, run, item, err)
		return
	}
	logger.Debug("page fetched", zap.Int("status", resp.StatusCode), zap.Int("bytes", len(resp.Body)))
	w.discover(ctx, run, item, doc.Links)
}

func (w *Worker) fetch(ctx context.Context, run *Run, item frontier.Item) (ingest.FetchResponse, error) {
	req := ingest.FetchRequest{SessionID: run.SessionID, URL: item.URL, Depth: item.Depth}
	for attempt := 0; ; attempt++ {
		resp, err := w.fetchOnce(ctx, w.deps.Fetcher, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !w.deps.Retry.ShouldRetry(err, attempt+1) {
			return ingest.FetchResponse{}, err
		}
		delay := w.deps.Retry.Backoff(attempt)
		w.logger.Debug("retrying fetch",
			zap.String("url", item.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ingest.FetchResponse{}, fmt.Errorf("retry wait: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (w *Worker) fetchOnce(ctx context.Context, f ingest.Fetcher, req ingest.FetchRequest) (ingest.FetchResponse, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	resp, err := f.Fetch(fetchCtx, req)
	if err != nil {
		var fetchErr *ingest.FetchError
		if errors.As(err, &fetchErr) {
			return ingest.FetchResponse{}, err
		}
		return ingest.FetchResponse{}, &ingest.FetchError{URL: req.URL, Err: err}
	}
	return resp, nil
}

func (w *Worker) maybePromote(
	ctx context.Context,
	run *Run,
	item frontier.Item,
	resp ingest.FetchResponse,
) (ingest.FetchResponse, bool) {
	if w.deps.Headless == nil || w.deps.Detector == nil {
		return resp, false
	}
	if !w.deps.Detector.ShouldPromote(resp) {
		return resp, false
	}
	if w.deps.Budget != nil && !w.deps.Budget.AllowHeadless(run.SessionID) {
		return resp, false
	}
	rendered, err := w.fetchOnce(ctx, w.deps.Headless, ingest.FetchRequest{
		SessionID:   run.SessionID,
		URL:         item.URL,
		Depth:       item.Depth,
		UseHeadless: true,
	})
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("url", item.URL), zap.Error(err))
		return resp, false
	}
	rendered.UsedHeadless = true
	return rendered, true
}

func (w *Worker) blobPath(boxID, hash string) string {
	return fmt.Sprintf("%s/%s/%s.html", strings.Trim(w.cfg.BlobPrefix, "/"), boxID, hash)
}

func (w *Worker) persist(
	ctx context.Context,
	run *Run,
	item frontier.Item,
	resp ingest.FetchResponse,
) (parser.Document, error) {
	hash, err := w.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return parser.Document{}, fmt.Errorf("hash body: %w", err)
	}
	uri, err := w.deps.Blobs.PutObject(ctx, w.blobPath(run.Box.ID, hash), w.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		return parser.Document{}, fmt.Errorf("put object: %w", err)
	}

	base := resp.URL
	if base == "" {
		base = item.URL
	}
	doc, err := parser.ParseHTML(resp.Body, base)
	if err != nil {
		w.logger.Warn("parse page failed", zap.String("url", item.URL), zap.Error(err))
		doc = parser.Document{}
	}

	size := int64(len(resp.Body))
	if err := run.Store.UpdatePage(ctx, item.PageID, ingest.PageUpdate{
		Status:      ingest.PageFetched,
		ContentRef:  uri,
		ContentHash: hash,
		Title:       doc.Title,
		SizeBytes:   size,
		StatusCode:  resp.StatusCode,
		At:          w.deps.Clock.Now(),
	}); err != nil {
		return parser.Document{}, fmt.Errorf("update page: %w", err)
	}
	if terms := parser.DocumentTerms(doc.Title, doc.Text, w.cfg.TitleWeight); len(terms) > 0 {
		if err := run.Store.IndexTerms(ctx, item.PageID, terms); err != nil {
			w.logger.Warn("index terms failed", zap.String("page_id", item.PageID), zap.Error(err))
		}
	}
	w.mirror(ctx, run, item.PageID)

	site := metrics.SanitizeSite(item.URL)
	metrics.ObserveCrawl(site, string(ingest.PageFetched), len(resp.Body))
	w.deps.Emitter.Emit(progress.Event{
		RunID:       run.SessionID,
		BoxID:       run.Box.ID,
		TS:          w.deps.Clock.Now(),
		Stage:       progress.StageFetchDone,
		Site:        site,
		URL:         item.URL,
		Bytes:       size,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	if run.Reporter != nil {
		run.Reporter.PageDone(ctx, PageResult{PageID: item.PageID, URL: item.URL, Fetched: true, Bytes: size})
	}
	return doc, nil
}

func (w *Worker) mirror(ctx context.Context, run *Run, pageID string) {
	if w.deps.Index == nil {
		return
	}
	page, err := run.Store.GetPage(ctx, pageID)
	if err == nil {
		err = w.deps.Index.IndexPage(ctx, page)
	}
	if err != nil {
		w.logger.Warn("mirror page failed", zap.String("page_id", pageID), zap.Error(err))
	}
}

func (w *Worker) recordFailure(ctx context.Context, run *Run, item frontier.Item, cause error) {
	upd := ingest.PageUpdate{
		Status:    ingest.PageFailed,
		ErrorNote: cause.Error(),
		At:        w.deps.Clock.Now(),
	}
	var fetchErr *ingest.FetchError
	if errors.As(cause, &fetchErr) {
		upd.StatusCode = fetchErr.StatusCode
	}
	if err := run.Store.UpdatePage(ctx, item.PageID, upd); err != nil {
		w.logger.Error("record page failure", zap.String("page_id", item.PageID), zap.Error(err))
	}

	site := metrics.SanitizeSite(item.URL)
	metrics.ObserveCrawl(site, string(ingest.PageFailed), 0)
	w.deps.Emitter.Emit(progress.Event{
		RunID:       run.SessionID,
		BoxID:       run.Box.ID,
		TS:          w.deps.Clock.Now(),
		Stage:       progress.StageFetchFailed,
		Site:        site,
		URL:         item.URL,
		StatusClass: progress.ClassifyStatus(upd.StatusCode),
		Note:        upd.ErrorNote,
	})
	if run.Reporter != nil {
		run.Reporter.PageDone(ctx, PageResult{PageID: item.PageID, URL: item.URL, Err: cause})
	}
}

// discover admits in-scope, unseen links one level deeper than item. Links
// beyond the box's depth limit are never persisted.
func (w *Worker) discover(ctx context.Context, run *Run, item frontier.Item, links []string) {
	depth := item.Depth + 1
	if depth > run.Box.CrawlDepth {
		return
	}
	for _, link := range links {
		if run.Frontier.Closed() || ctx.Err() != nil {
			return
		}
		normalized, err := ingest.NormalizeURL(link)
		if err != nil {
			continue
		}
		if run.Scope != nil && run.Scope.Check(normalized) != nil {
			continue
		}
		if !run.Frontier.Visit(normalized) {
			continue
		}
		if !run.Frontier.TryAdmit() {
			w.logger.Debug("page cap reached", zap.String("session_id", run.SessionID))
			return
		}
		page, err := run.Store.CreatePage(ctx, run.SessionID, normalized, depth)
		if err != nil {
			w.logger.Error("create page failed", zap.String("url", normalized), zap.Error(err))
			continue
		}
		if err := run.Frontier.Push(frontier.Item{PageID: page.ID, URL: normalized, Depth: depth}); err != nil {
			// The page stays queued for a later resume.
			return
		}
	}
}
