// Package server assembles the shelfbox process from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/access"
	"github.com/JakeFAU/shelfbox/internal/api"
	"github.com/JakeFAU/shelfbox/internal/boxstore"
	"github.com/JakeFAU/shelfbox/internal/clock/system"
	"github.com/JakeFAU/shelfbox/internal/config"
	"github.com/JakeFAU/shelfbox/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/shelfbox/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/shelfbox/internal/fetcher/headless"
	"github.com/JakeFAU/shelfbox/internal/hash/sha256"
	"github.com/JakeFAU/shelfbox/internal/headless/detector"
	"github.com/JakeFAU/shelfbox/internal/id/uuid"
	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/logging"
	"github.com/JakeFAU/shelfbox/internal/policy/ratelimit"
	"github.com/JakeFAU/shelfbox/internal/policy/simple"
	"github.com/JakeFAU/shelfbox/internal/progress"
	progresssinks "github.com/JakeFAU/shelfbox/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/shelfbox/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/shelfbox/internal/publisher/pubsub"
	"github.com/JakeFAU/shelfbox/internal/service"
	"github.com/JakeFAU/shelfbox/internal/session"
	gcsstorage "github.com/JakeFAU/shelfbox/internal/storage/gcs"
	localstorage "github.com/JakeFAU/shelfbox/internal/storage/local"
	memorystorage "github.com/JakeFAU/shelfbox/internal/storage/memory"
	pgstore "github.com/JakeFAU/shelfbox/internal/storage/postgres"
	"github.com/JakeFAU/shelfbox/internal/telemetry"
	"github.com/JakeFAU/shelfbox/internal/upload"
	"github.com/JakeFAU/shelfbox/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	boxes           *boxstore.Manager
	controller      *session.Controller
	router          *upload.Router
	progressHub     *progress.Hub
	headless        *headlessfetcher.Fetcher
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	mirror          *pgstore.PageMirror
	telemetry       *telemetry.Providers
	registerer      prometheus.Registerer
}

// Option customises Build.
type Option func(*App)

// WithRegisterer registers collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("data_dir", cfg.Boxes.DataDir),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		_ = app.Close(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     a.cfg.Telemetry.Version,
		ProjectID:   a.cfg.Telemetry.ProjectID,
		Registerer:  a.registerer,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}

	clock := system.New()
	a.boxes, err = boxstore.NewManager(ctx, a.cfg.Boxes.DataDir, uuid.NewUUIDGenerator(), clock, a.logger)
	if err != nil {
		return fmt.Errorf("box store init failed: %w", err)
	}
	if err := a.seedBoxes(ctx); err != nil {
		return err
	}

	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupProgress(publisher); err != nil {
		return err
	}

	var index ingest.PageIndex
	var remover service.BoxRemover
	if a.mirror != nil {
		index, remover = a.mirror, a.mirror
	}

	budget := simple.New(a.cfg.Headless.MaxPerSession)
	d, err := a.setupDispatcher(blobs, index, budget, clock)
	if err != nil {
		return err
	}
	a.controller = session.New(a.boxes, d, clock, a.progressHub, budget, session.Config{
		FrontierCapacity:       a.cfg.Crawler.FrontierCapacity,
		MaxConsecutiveFailures: a.cfg.Crawler.MaxConsecutiveFailures,
		MaxTotalFailures:       a.cfg.Crawler.MaxTotalFailures,
		BlockedDomains:         a.cfg.Crawler.BlockedDomains,
	}, a.logger.Named("session"))

	a.router, err = upload.New(a.boxes, upload.Deps{
		Resolver: upload.NewFSResolver(a.cfg.Upload.MaxItemBytes),
		Blobs:    blobs,
		Hasher:   sha256.New(),
		Clock:    clock,
		Index:    index,
		Emitter:  a.progressHub,
	}, upload.Config{
		Workers:      a.cfg.Upload.Workers,
		MaxItemBytes: a.cfg.Upload.MaxItemBytes,
		TitleWeight:  a.cfg.Crawler.TitleWeight,
	}, a.logger.Named("upload"))
	if err != nil {
		return fmt.Errorf("upload router init failed: %w", err)
	}

	if err := a.recoverOrphans(ctx); err != nil {
		return err
	}

	svc := service.New(a.boxes, a.controller, a.router, access.Membership{}, remover, a.logger.Named("service"))
	a.apiServer = api.NewServer(svc, *a.cfg, a.logger.Named("api"))
	return nil
}

// seedBoxes creates or updates the boxes declared in configuration.
func (a *App) seedBoxes(ctx context.Context) error {
	for _, def := range a.cfg.Boxes.Definitions {
		box, err := a.boxes.Catalog().EnsureBox(ctx, def.Box())
		if err != nil {
			return fmt.Errorf("seed box %q: %w", def.Name, err)
		}
		a.logger.Info("box ready", zap.String("box_id", box.ID), zap.String("name", box.Name), zap.String("type", string(box.Type)))
	}
	return nil
}

// recoverOrphans fails sessions and uploads a previous process left active.
func (a *App) recoverOrphans(ctx context.Context) error {
	boxes, err := a.boxes.Catalog().ListBoxes(ctx)
	if err != nil {
		return fmt.Errorf("list boxes: %w", err)
	}
	for _, box := range boxes {
		store, err := a.boxes.Open(ctx, box.ID)
		if err != nil {
			return fmt.Errorf("open box %s: %w", box.ID, err)
		}
		sessions, err := store.MarkInterrupted(ctx, a.controller.Live)
		if err != nil {
			return fmt.Errorf("recover sessions of %s: %w", box.ID, err)
		}
		uploads, err := store.MarkUploadsInterrupted(ctx, a.router.Live)
		if err != nil {
			return fmt.Errorf("recover uploads of %s: %w", box.ID, err)
		}
		if len(sessions)+len(uploads) > 0 {
			a.logger.Warn("marked interrupted work",
				zap.String("box_id", box.ID),
				zap.Strings("sessions", sessions),
				zap.Strings("uploads", uploads),
			)
		}
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BackendLocal:
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Warn("using in-memory storage backend; content is lost on exit")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no DSN specified, page mirror disabled")
		return nil
	}
	var err error
	a.mirror, err = pgstore.NewPageMirror(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("page mirror init failed: %w", err)
	}
	a.logger.Info("page mirror initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

func (a *App) setupProgress(publisher ingest.Publisher) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewPublishSink(publisher, a.cfg.PubSub.TopicName),
	)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupDispatcher(
	blobs ingest.BlobStore,
	index ingest.PageIndex,
	budget *simple.Policy,
	clock ingest.Clock,
) (*dispatcher.Dispatcher, error) {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: !a.cfg.Crawler.IgnoreRobots,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodyBytes:  a.cfg.Crawler.MaxBodyBytes,
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Crawler.UserAgent))

	deps := worker.Deps{
		Fetcher: fetcher,
		Limiter: ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.Crawler.DefaultRPS, DefaultBurst: 1}),
		Retry: ingest.NewExponentialRetryPolicy(
			a.cfg.HTTP.MaxRetries,
			time.Duration(a.cfg.HTTP.BackoffInitialMs)*time.Millisecond,
			time.Duration(a.cfg.HTTP.BackoffMaxMs)*time.Millisecond,
		),
		Blobs:   blobs,
		Hasher:  sha256.New(),
		Clock:   clock,
		Index:   index,
		Emitter: a.progressHub,
	}
	if a.cfg.Headless.Enabled {
		var err error
		a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			RenderWait:        time.Duration(a.cfg.Headless.RenderWaitMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		deps.Headless = a.headless
		deps.Detector = detector.NewHeuristic(a.cfg.Headless.PromotionThreshold, a.cfg.Headless.MinTextChars)
		deps.Budget = budget
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	workerCfg := worker.Config{
		ContentType:  a.cfg.Storage.ContentType,
		FetchTimeout: a.cfg.FetchTimeout(),
		TitleWeight:  a.cfg.Crawler.TitleWeight,
		UserAgent:    a.cfg.Crawler.UserAgent,
	}
	runners := make([]dispatcher.Runner, 0, a.cfg.Crawler.Workers)
	for i := range a.cfg.Crawler.Workers {
		runners = append(runners, worker.New(deps, workerCfg, a.logger.Named("worker").With(zap.Int("index", i))))
	}
	a.logger.Info("crawl workers ready",
		zap.Int("workers", len(runners)),
		zap.Duration("fetch_timeout", workerCfg.FetchTimeout),
	)
	return dispatcher.New(runners...), nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and blocks until ctx is cancelled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(err, closeErr)
	default:
		return closeErr
	}
}

// Close stops running work and releases every client. It is safe on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.controller != nil {
		if err := a.controller.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		}
	}
	if a.router != nil {
		if err := a.router.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("upload shutdown: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.boxes != nil {
		if err := a.boxes.Close(); err != nil {
			a.logger.Warn("box store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
