// Package upload routes file-sourced content into boxes. Indexed boxes get
// extracted text and term frequencies, raw boxes get content-addressed blobs.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/boxstore"
	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/metrics"
	"github.com/JakeFAU/shelfbox/internal/progress"
)

const reasonInterrupted = "interrupted"

// Options filter the items of an upload source.
type Options struct {
	// Recursive descends into subdirectories. Nil means the box default:
	// recursive for indexed boxes, flat for raw boxes.
	Recursive *bool
	// Pattern is a glob matched against item names. Empty matches everything.
	Pattern string
}

func (o Options) recursive() bool {
	return o.Recursive != nil && *o.Recursive
}

func (o Options) matches(name string) bool {
	if o.Pattern == "" || o.Pattern == "*" {
		return true
	}
	if ok, _ := path.Match(o.Pattern, name); ok {
		return true
	}
	ok, _ := path.Match(o.Pattern, path.Base(name))
	return ok
}

func (o Options) forBox(t ingest.BoxType) (Options, error) {
	if _, err := path.Match(o.Pattern, ""); err != nil {
		return o, fmt.Errorf("pattern %q: %w", o.Pattern, ingest.ErrInvalidArgument)
	}
	if o.Recursive == nil {
		recursive := t == ingest.BoxTypeIndexed
		o.Recursive = &recursive
	}
	return o, nil
}

// Config tunes the Router.
type Config struct {
	// Workers is the size of the item pool shared by all uploads.
	Workers int
	// MaxItemBytes fails items larger than this.
	MaxItemBytes int64
	TitleWeight  int
}

// Deps are the collaborators of a Router. Index and Emitter are optional.
type Deps struct {
	Resolver Resolver
	Blobs    ingest.BlobStore
	Hasher   ingest.Hasher
	Clock    ingest.Clock
	Index    ingest.PageIndex
	Emitter  progress.Emitter
}

// Router runs upload operations on a shared ants pool.
type Router struct {
	boxes    *boxstore.Manager
	deps     Deps
	cfg      Config
	pool     *ants.Pool
	adapters map[ingest.BoxType]adapter
	logger   *zap.Logger

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	boxLocks map[string]*sync.Mutex
	runs     map[string]*uploadRun
}

// New creates a Router and its item pool.
func New(boxes *boxstore.Manager, deps Deps, cfg Config, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxItemBytes <= 0 {
		cfg.MaxItemBytes = defaultItemLimit
	}
	if cfg.TitleWeight <= 0 {
		cfg.TitleWeight = 3
	}
	if deps.Resolver == nil {
		deps.Resolver = NewFSResolver(cfg.MaxItemBytes)
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("upload pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		boxes: boxes,
		deps:  deps,
		cfg:   cfg,
		pool:  pool,
		adapters: map[ingest.BoxType]adapter{
			ingest.BoxTypeIndexed: &indexedAdapter{
				blobs:       deps.Blobs,
				hasher:      deps.Hasher,
				index:       deps.Index,
				titleWeight: cfg.TitleWeight,
				logger:      logger,
			},
			ingest.BoxTypeRaw: &rawAdapter{blobs: deps.Blobs, hasher: deps.Hasher},
		},
		logger:    logger,
		runCtx:    ctx,
		cancelRun: cancel,
		boxLocks:  make(map[string]*sync.Mutex),
		runs:      make(map[string]*uploadRun),
	}, nil
}

// UploadFiles resolves source and starts ingesting its items into the box.
// Nothing is recorded when the source cannot be resolved.
func (r *Router) UploadFiles(ctx context.Context, boxID, source string, opts Options) (string, error) {
	box, err := r.boxes.Catalog().GetBox(ctx, boxID)
	if err != nil {
		return "", err
	}
	ad, ok := r.adapters[box.Type]
	if !ok {
		return "", fmt.Errorf("box %s has type %q: %w", boxID, box.Type, ingest.ErrInvalidBox)
	}
	opts, err = opts.forBox(box.Type)
	if err != nil {
		return "", err
	}
	items, err := r.deps.Resolver.Resolve(ctx, source, opts)
	if err != nil {
		return "", err
	}

	lock := r.boxLock(boxID)
	lock.Lock()
	defer lock.Unlock()

	store, err := r.boxes.Open(ctx, boxID)
	if err != nil {
		return "", err
	}
	orphans, err := store.MarkUploadsInterrupted(ctx, r.Live)
	if err != nil {
		return "", err
	}
	for _, id := range orphans {
		r.logger.Warn("marked orphaned upload interrupted", zap.String("box_id", boxID), zap.String("operation_id", id))
	}

	op, err := store.CreateUpload(ctx, source)
	if err != nil {
		return "", err
	}
	op.Status = ingest.StatusRunning
	if err := store.UpdateUpload(ctx, op); err != nil {
		return "", err
	}

	run := &uploadRun{
		target:  target{box: box, store: store, operationID: op.ID},
		adapter: ad,
		op:      op,
		started: r.deps.Clock.Now(),
		done:    make(chan struct{}),
		logger:  r.logger.With(zap.String("box_id", boxID), zap.String("operation_id", op.ID)),
	}
	r.mu.Lock()
	r.runs[op.ID] = run
	r.mu.Unlock()

	r.deps.Emitter.Emit(progress.Event{RunID: op.ID, BoxID: boxID, TS: run.started.UTC(), Stage: progress.StageUploadStart})
	run.logger.Info("upload started", zap.String("source", source), zap.Int("items", len(items)))

	r.wg.Add(1)
	go r.execute(run, items)
	return op.ID, nil
}

func (r *Router) execute(run *uploadRun, items []Item) {
	defer r.wg.Done()

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			r.handle(run, item)
		}
		if err := r.pool.Submit(task); err != nil {
			run.logger.Warn("submit upload item", zap.String("path", item.Path), zap.Error(err))
			task()
		}
	}
	wg.Wait()
	r.finish(run)
}

func (r *Router) handle(run *uploadRun, item Item) {
	ctx := r.runCtx
	started := r.deps.Clock.Now()
	rec := r.ingestItem(ctx, run, item)
	rec.OperationID = run.target.operationID
	rec.Path = item.Path

	// Bookkeeping must land even while shutting down.
	if err := run.target.store.RecordUploadItem(context.WithoutCancel(ctx), rec); err != nil {
		run.logger.Error("record upload item", zap.String("path", item.Path), zap.Error(err))
	}
	run.tally(rec)
	metrics.ObserveUploadItem(string(run.target.box.Type), string(rec.Outcome))
	r.deps.Emitter.Emit(progress.Event{
		RunID:   run.target.operationID,
		BoxID:   run.target.box.ID,
		TS:      r.deps.Clock.Now().UTC(),
		Stage:   progress.StageUploadItem,
		Path:    item.Path,
		Bytes:   rec.SizeBytes,
		Outcome: rec.Outcome,
		Dur:     max(r.deps.Clock.Now().Sub(started), 0),
		Note:    rec.Reason,
	})
}

func (r *Router) ingestItem(ctx context.Context, run *uploadRun, item Item) ingest.UploadItem {
	if item.Skip != "" {
		return ingest.UploadItem{Outcome: ingest.ItemSkipped, Reason: item.Skip, SizeBytes: item.Size}
	}
	if ctx.Err() != nil {
		return ingest.UploadItem{Outcome: ingest.ItemFailed, Reason: reasonInterrupted, SizeBytes: item.Size}
	}
	data, err := r.read(item)
	if err != nil {
		return ingest.UploadItem{Outcome: ingest.ItemFailed, Reason: err.Error(), SizeBytes: item.Size}
	}
	rec, err := run.adapter.store(ctx, run.target, item, data)
	if err != nil {
		run.logger.Warn("upload item failed", zap.String("path", item.Path), zap.Error(err))
		return ingest.UploadItem{Outcome: ingest.ItemFailed, Reason: err.Error(), SizeBytes: int64(len(data))}
	}
	rec.SizeBytes = int64(len(data))
	return rec
}

func (r *Router) read(item Item) ([]byte, error) {
	if item.Size > r.cfg.MaxItemBytes {
		return nil, errors.New(reasonOversized)
	}
	rc, err := item.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", item.Path, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, r.cfg.MaxItemBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", item.Path, err)
	}
	if int64(len(data)) > r.cfg.MaxItemBytes {
		return nil, errors.New(reasonOversized)
	}
	return data, nil
}

func (r *Router) finish(run *uploadRun) {
	run.mu.Lock()
	op := run.op
	total := op.ItemsStored + op.ItemsSkipped + op.ItemsFailed
	if total > 0 && op.ItemsFailed == total {
		op.Status = ingest.StatusFailed
	} else {
		op.Status = ingest.StatusCompleted
	}
	finished := r.deps.Clock.Now().UTC()
	op.FinishedAt = &finished
	if err := run.target.store.UpdateUpload(context.WithoutCancel(r.runCtx), op); err != nil {
		run.logger.Error("persist final upload state", zap.Error(err))
	}
	run.op = op
	sort.Slice(run.failures, func(i, j int) bool { return run.failures[i].Path < run.failures[j].Path })
	run.result = ingest.UploadResult{
		OperationID:  op.ID,
		Status:       op.Status,
		ItemsStored:  op.ItemsStored,
		ItemsSkipped: op.ItemsSkipped,
		ItemsFailed:  op.ItemsFailed,
		Failures:     run.failures,
	}
	run.mu.Unlock()

	r.mu.Lock()
	delete(r.runs, op.ID)
	r.mu.Unlock()
	close(run.done)

	metrics.ObserveUpload(string(op.Status))
	r.deps.Emitter.Emit(progress.Event{
		RunID:  op.ID,
		BoxID:  op.BoxID,
		TS:     finished,
		Stage:  progress.StageUploadDone,
		Status: op.Status,
		Dur:    max(finished.Sub(run.started), 0),
	})
	run.logger.Info("upload finished",
		zap.String("status", string(op.Status)),
		zap.Int("stored", op.ItemsStored),
		zap.Int("skipped", op.ItemsSkipped),
		zap.Int("failed", op.ItemsFailed),
	)
}

// WaitForUpload blocks until the operation ends or ctx is done. Operations not
// running in this process are answered from the store.
func (r *Router) WaitForUpload(ctx context.Context, operationID string) (ingest.UploadResult, error) {
	if run, ok := r.lookup(operationID); ok {
		select {
		case <-run.done:
			run.mu.Lock()
			defer run.mu.Unlock()
			return run.result, nil
		case <-ctx.Done():
			return ingest.UploadResult{}, fmt.Errorf("wait for upload %s: %w", operationID, ctx.Err())
		}
	}

	store, op, err := r.boxes.FindUpload(ctx, operationID)
	if err != nil {
		return ingest.UploadResult{}, err
	}
	items, err := store.UploadItems(ctx, operationID)
	if err != nil {
		return ingest.UploadResult{}, err
	}
	res := ingest.UploadResult{
		OperationID:  op.ID,
		Status:       op.Status,
		ItemsStored:  op.ItemsStored,
		ItemsSkipped: op.ItemsSkipped,
		ItemsFailed:  op.ItemsFailed,
	}
	for _, it := range items {
		if it.Outcome == ingest.ItemFailed {
			res.Failures = append(res.Failures, ingest.ItemFailure{Path: it.Path, Reason: it.Reason})
		}
	}
	return res, nil
}

// Live reports whether operationID is running in this process.
func (r *Router) Live(operationID string) bool {
	_, ok := r.lookup(operationID)
	return ok
}

// Shutdown fails the remaining items of running uploads, waits for them and
// releases the pool.
func (r *Router) Shutdown(ctx context.Context) error {
	r.cancelRun()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.pool.Release()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("upload shutdown: %w", ctx.Err())
	}
}

func (r *Router) boxLock(boxID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.boxLocks[boxID]
	if !ok {
		l = &sync.Mutex{}
		r.boxLocks[boxID] = l
	}
	return l
}

func (r *Router) lookup(operationID string) (*uploadRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[operationID]
	return run, ok
}

// uploadRun is the in-memory side of one running upload.
type uploadRun struct {
	target  target
	adapter adapter
	started time.Time
	done    chan struct{}
	logger  *zap.Logger

	mu       sync.Mutex
	op       ingest.UploadOperation
	failures []ingest.ItemFailure
	result   ingest.UploadResult
}

func (u *uploadRun) tally(rec ingest.UploadItem) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch rec.Outcome {
	case ingest.ItemStored:
		u.op.ItemsStored++
	case ingest.ItemSkipped:
		u.op.ItemsSkipped++
	case ingest.ItemFailed:
		u.op.ItemsFailed++
		u.failures = append(u.failures, ingest.ItemFailure{Path: rec.Path, Reason: rec.Reason})
	}
}
