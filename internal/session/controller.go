// Package session drives crawl sessions through their lifecycle:
// pending, running, then completed, failed or cancelled.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/boxstore"
	"github.com/JakeFAU/shelfbox/internal/dispatcher"
	"github.com/JakeFAU/shelfbox/internal/frontier"
	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/metrics"
	"github.com/JakeFAU/shelfbox/internal/progress"
	"github.com/JakeFAU/shelfbox/internal/worker"
)

// Summaries recorded on sessions that end without a caller-visible error.
const (
	SummaryNoPages       = "no pages were fetched"
	SummaryShutdown      = boxstore.InterruptedSummary
	summaryConsecutive   = "too many consecutive failures"
	summaryTotalFailures = "too many failed pages"
)

// Config tunes session runs.
type Config struct {
	// FrontierCapacity bounds the in-channel part of each frontier.
	FrontierCapacity int
	// MaxConsecutiveFailures fails a session after this many failed pages in a row; zero disables.
	MaxConsecutiveFailures int
	// MaxTotalFailures fails a session after this many failed pages; zero disables.
	MaxTotalFailures int
	BlockedDomains   []string
}

// Forgetter drops per-session bookkeeping once a session ends.
type Forgetter interface {
	Forget(sessionID string)
}

// Controller starts, resumes, retries, cancels and awaits crawl sessions.
// Sessions run on a context owned by the controller, not by the caller that
// started them.
type Controller struct {
	boxes      *boxstore.Manager
	dispatcher *dispatcher.Dispatcher
	clock      ingest.Clock
	emitter    progress.Emitter
	forgetter  Forgetter
	cfg        Config
	logger     *zap.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	boxLocks map[string]*sync.Mutex
	runs     map[string]*sessionRun
}

// New creates a Controller. emitter and forgetter may be nil.
func New(
	boxes *boxstore.Manager,
	d *dispatcher.Dispatcher,
	clock ingest.Clock,
	emitter progress.Emitter,
	forgetter Forgetter,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FrontierCapacity <= 0 {
		cfg.FrontierCapacity = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		boxes:      boxes,
		dispatcher: d,
		clock:      clock,
		emitter:    emitter,
		forgetter:  forgetter,
		cfg:        cfg,
		logger:     logger,
		runCtx:     ctx,
		cancelRun:  cancel,
		boxLocks:   make(map[string]*sync.Mutex),
		runs:       make(map[string]*sessionRun),
	}
}

// StartCrawl begins a fresh crawl of a box from its seed URL.
func (c *Controller) StartCrawl(ctx context.Context, boxID string) (string, error) {
	return c.begin(ctx, boxID, ingest.OriginStart, func(_ *boxstore.Store, box ingest.Box) ([]ingest.Page, error) {
		seed, err := ingest.NormalizeURL(box.SeedURL)
		if err != nil {
			return nil, fmt.Errorf("seed url: %w", ingest.ErrInvalidBox)
		}
		return []ingest.Page{{URL: seed}}, nil
	})
}

// ResumeCrawl re-attempts the queued pages of the newest unfinished session
// that still has any, in a new session. Every other URL already in the box is
// treated as seen.
func (c *Controller) ResumeCrawl(ctx context.Context, boxID string) (string, error) {
	return c.begin(ctx, boxID, ingest.OriginResume, func(store *boxstore.Store, _ ingest.Box) ([]ingest.Page, error) {
		sessions, err := store.Sessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, prev := range sessions {
			if prev.Status == ingest.StatusCompleted || prev.Status.Active() {
				continue
			}
			pages, err := boxstore.CollectPages(store.PagesForResume(ctx, prev.ID))
			if err != nil {
				return nil, err
			}
			if len(pages) == 0 {
				continue
			}
			return pages, nil
		}
		return nil, fmt.Errorf("box %s has no session to resume: %w", boxID, ingest.ErrNotFound)
	})
}

// RetryCrawl re-attempts every failed page of the box in a new session.
func (c *Controller) RetryCrawl(ctx context.Context, boxID string) (string, error) {
	return c.begin(ctx, boxID, ingest.OriginRetry, func(store *boxstore.Store, _ ingest.Box) ([]ingest.Page, error) {
		pages, err := boxstore.CollectPages(store.FailedPages(ctx))
		if err != nil {
			return nil, err
		}
		if len(pages) == 0 {
			return nil, fmt.Errorf("box %s has no failed pages: %w", boxID, ingest.ErrNotFound)
		}
		return pages, nil
	})
}

type seedLoader func(store *boxstore.Store, box ingest.Box) ([]ingest.Page, error)

func (c *Controller) begin(ctx context.Context, boxID string, origin ingest.SessionOrigin, load seedLoader) (string, error) {
	box, err := c.boxes.Catalog().GetBox(ctx, boxID)
	if err != nil {
		return "", err
	}
	if !box.Crawlable() {
		return "", fmt.Errorf("box %s has no seed url: %w", boxID, ingest.ErrInvalidBox)
	}
	scope, err := ingest.NewScope(box.SeedURL, c.cfg.BlockedDomains)
	if err != nil {
		return "", fmt.Errorf("box %s scope: %w", boxID, ingest.ErrInvalidBox)
	}

	lock := c.boxLock(boxID)
	lock.Lock()
	defer lock.Unlock()

	store, err := c.boxes.Open(ctx, boxID)
	if err != nil {
		return "", err
	}
	orphans, err := store.MarkInterrupted(ctx, c.isLive)
	if err != nil {
		return "", err
	}
	for _, id := range orphans {
		c.logger.Warn("marked orphaned session interrupted", zap.String("box_id", boxID), zap.String("session_id", id))
	}

	seeds, err := load(store, box)
	if err != nil {
		return "", err
	}
	sess, err := store.CreateSession(ctx, origin)
	if err != nil {
		return "", err
	}

	fr := frontier.New(c.cfg.FrontierCapacity, box.MaxPages)
	if origin != ingest.OriginStart {
		// Only the selected seeds may be fetched again.
		for p, err := range store.Pages(ctx) {
			if err != nil {
				return "", c.abort(store, sess, err)
			}
			fr.Visit(p.URL)
		}
	}
	for _, seed := range seeds {
		page, err := store.CreatePage(ctx, sess.ID, seed.URL, seed.Depth)
		if err != nil {
			return "", c.abort(store, sess, err)
		}
		fr.Visit(page.URL)
		if err := fr.Seed(frontier.Item{PageID: page.ID, URL: page.URL, Depth: page.Depth}); err != nil {
			return "", c.abort(store, sess, err)
		}
	}

	run := &sessionRun{
		box:      box,
		store:    store,
		frontier: fr,
		session:  sess,
		started:  c.clock.Now(),
		done:     make(chan struct{}),
		cfg:      c.cfg,
		logger:   c.logger.With(zap.String("box_id", boxID), zap.String("session_id", sess.ID)),
	}
	now := run.started.UTC()
	run.session.Status = ingest.StatusRunning
	run.session.StartedAt = &now
	if err := store.UpdateSession(ctx, run.session); err != nil {
		return "", c.abort(store, sess, err)
	}

	c.mu.Lock()
	c.runs[sess.ID] = run
	c.mu.Unlock()

	c.emitter.Emit(progress.Event{RunID: sess.ID, BoxID: boxID, TS: now, Stage: progress.StageSessionStart})
	run.logger.Info("crawl session started", zap.String("origin", string(origin)), zap.Int("seeds", len(seeds)))

	c.wg.Add(1)
	go c.execute(run, scope)
	return sess.ID, nil
}

// abort fails a session that never reached its workers.
func (c *Controller) abort(store *boxstore.Store, sess ingest.CrawlSession, cause error) error {
	now := c.clock.Now().UTC()
	sess.Status = ingest.StatusFailed
	sess.FinishedAt = &now
	sess.ErrorSummary = cause.Error()
	if err := store.UpdateSession(context.WithoutCancel(c.runCtx), sess); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (c *Controller) execute(run *sessionRun, scope *ingest.Scope) {
	defer c.wg.Done()
	c.dispatcher.Run(c.runCtx, &worker.Run{
		Box:       run.box,
		SessionID: run.session.ID,
		Store:     run.store,
		Frontier:  run.frontier,
		Scope:     scope,
		Reporter:  run,
	})
	c.finish(run)
}

func (c *Controller) finish(run *sessionRun) {
	ctx := context.WithoutCancel(c.runCtx)
	shuttingDown := c.runCtx.Err() != nil

	run.mu.Lock()
	sess := run.session
	switch {
	case run.cancelled:
		sess.Status = ingest.StatusCancelled
	case run.failReason != "":
		sess.Status = ingest.StatusFailed
		sess.ErrorSummary = run.failReason
	case shuttingDown:
		sess.Status = ingest.StatusFailed
		sess.ErrorSummary = SummaryShutdown
	case sess.PagesFetched == 0:
		sess.Status = ingest.StatusFailed
		sess.ErrorSummary = SummaryNoPages
	default:
		sess.Status = ingest.StatusCompleted
	}
	finished := c.clock.Now().UTC()
	sess.FinishedAt = &finished
	if err := run.store.UpdateSession(ctx, sess); err != nil {
		run.logger.Error("persist final session state", zap.Error(err))
	}
	run.session = sess
	run.result = ingest.SessionResult{
		SessionID:    sess.ID,
		Status:       sess.Status,
		PagesFetched: sess.PagesFetched,
		PagesFailed:  sess.PagesFailed,
		ErrorSummary: sess.ErrorSummary,
	}
	run.mu.Unlock()

	run.frontier.Close()
	c.mu.Lock()
	delete(c.runs, sess.ID)
	c.mu.Unlock()
	if c.forgetter != nil {
		c.forgetter.Forget(sess.ID)
	}
	close(run.done)

	metrics.ObserveSession(string(sess.Status))
	c.emitter.Emit(progress.Event{
		RunID:  sess.ID,
		BoxID:  run.box.ID,
		TS:     finished,
		Stage:  progress.StageSessionDone,
		Status: sess.Status,
		Dur:    finished.Sub(run.started),
		Note:   sess.ErrorSummary,
	})
	run.logger.Info("crawl session finished",
		zap.String("status", string(sess.Status)),
		zap.Int("pages_fetched", sess.PagesFetched),
		zap.Int("pages_failed", sess.PagesFailed),
		zap.String("summary", sess.ErrorSummary),
	)
}

// CancelCrawl stops handing out the queued pages of a session. Pages already
// being fetched finish and are persisted; unpopped pages stay queued. The
// session stays running in the store until its workers drain, then becomes
// cancelled. Cancelling a finished session fails with ingest.ErrConflict.
func (c *Controller) CancelCrawl(ctx context.Context, sessionID string) error {
	if run, ok := c.lookup(sessionID); ok {
		run.mu.Lock()
		if status := run.result.Status; status != "" && status != ingest.StatusCancelled {
			run.mu.Unlock()
			return fmt.Errorf("session %s already %s: %w", sessionID, status, ingest.ErrConflict)
		}
		run.cancelled = true
		run.mu.Unlock()
		run.frontier.Close()
		run.logger.Info("crawl session cancelled")
		return nil
	}

	store, sess, err := c.boxes.FindSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		if sess.Status == ingest.StatusCancelled {
			return nil
		}
		return fmt.Errorf("session %s already %s: %w", sessionID, sess.Status, ingest.ErrConflict)
	}
	// Active in the store but not running here: left behind by another process.
	now := c.clock.Now().UTC()
	sess.Status = ingest.StatusCancelled
	sess.FinishedAt = &now
	return store.UpdateSession(ctx, sess)
}

// WaitForCompletion blocks until the session ends or ctx is done. Sessions not
// running in this process are answered from the store.
func (c *Controller) WaitForCompletion(ctx context.Context, sessionID string) (ingest.SessionResult, error) {
	if run, ok := c.lookup(sessionID); ok {
		select {
		case <-run.done:
			run.mu.Lock()
			defer run.mu.Unlock()
			return run.result, nil
		case <-ctx.Done():
			return ingest.SessionResult{}, fmt.Errorf("wait for session %s: %w", sessionID, ctx.Err())
		}
	}
	_, sess, err := c.boxes.FindSession(ctx, sessionID)
	if err != nil {
		return ingest.SessionResult{}, err
	}
	return ingest.SessionResult{
		SessionID:    sess.ID,
		Status:       sess.Status,
		PagesFetched: sess.PagesFetched,
		PagesFailed:  sess.PagesFailed,
		ErrorSummary: sess.ErrorSummary,
	}, nil
}

// FindSession returns the latest persisted state of a session.
func (c *Controller) FindSession(ctx context.Context, sessionID string) (ingest.CrawlSession, error) {
	_, sess, err := c.boxes.FindSession(ctx, sessionID)
	return sess, err
}

// Live reports whether sessionID is running in this process.
func (c *Controller) Live(sessionID string) bool {
	return c.isLive(sessionID)
}

// Shutdown stops every running session and waits for their workers, or for
// ctx to end. Interrupted sessions are persisted as failed.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancelRun()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}

func (c *Controller) boxLock(boxID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.boxLocks[boxID]
	if !ok {
		l = &sync.Mutex{}
		c.boxLocks[boxID] = l
	}
	return l
}

func (c *Controller) lookup(sessionID string) (*sessionRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[sessionID]
	return run, ok
}

func (c *Controller) isLive(sessionID string) bool {
	_, ok := c.lookup(sessionID)
	return ok
}

// sessionRun is the in-memory side of one running session.
type sessionRun struct {
	box      ingest.Box
	store    *boxstore.Store
	frontier *frontier.Frontier
	started  time.Time
	done     chan struct{}
	cfg      Config
	logger   *zap.Logger

	mu          sync.Mutex
	session     ingest.CrawlSession
	consecutive int
	cancelled   bool
	failReason  string
	result      ingest.SessionResult
}

// PageDone updates counters and the checkpoint, persists them, and fails the
// session once a failure threshold is crossed.
func (r *sessionRun) PageDone(ctx context.Context, res worker.PageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.Fetched {
		r.session.PagesFetched++
		r.consecutive = 0
	} else {
		r.session.PagesFailed++
		r.consecutive++
	}
	r.session.Checkpoint = res.URL

	if r.failReason == "" && !r.cancelled {
		switch {
		case r.cfg.MaxConsecutiveFailures > 0 && r.consecutive >= r.cfg.MaxConsecutiveFailures:
			r.failReason = summaryConsecutive
		case r.cfg.MaxTotalFailures > 0 && r.session.PagesFailed >= r.cfg.MaxTotalFailures:
			r.failReason = summaryTotalFailures
		}
		if r.failReason != "" {
			r.logger.Warn("failure threshold reached", zap.String("reason", r.failReason))
			r.frontier.Close()
		}
	}

	if err := r.store.UpdateSession(context.WithoutCancel(ctx), r.session); err != nil {
		r.logger.Error("persist session checkpoint", zap.Error(err))
	}
}
