// Package server builds the ingestion service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/api"
	"github.com/JakeFAU/eu-tender-ingest/internal/classify"
	"github.com/JakeFAU/eu-tender-ingest/internal/clock/system"
	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	"github.com/JakeFAU/eu-tender-ingest/internal/connectors"
	"github.com/JakeFAU/eu-tender-ingest/internal/dedup"
	collyfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/eu-tender-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/eu-tender-ingest/internal/headless/detector"
	"github.com/JakeFAU/eu-tender-ingest/internal/id/uuid"
	"github.com/JakeFAU/eu-tender-ingest/internal/ingest"
	"github.com/JakeFAU/eu-tender-ingest/internal/normalize"
	"github.com/JakeFAU/eu-tender-ingest/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/eu-tender-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/eu-tender-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/eu-tender-ingest/internal/registry"
	"github.com/JakeFAU/eu-tender-ingest/internal/scheduler"
	gcsstorage "github.com/JakeFAU/eu-tender-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/eu-tender-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/eu-tender-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/eu-tender-ingest/internal/storage/postgres"
	"github.com/JakeFAU/eu-tender-ingest/internal/telemetry"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// App contains the service's long-lived dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	apiServer *api.Server
	runner    *ingest.Runner
	scheduler *scheduler.Scheduler

	renderer        *headlessfetcher.Renderer
	pgStore         *pgstore.TenderStore
	storage         *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerShutdown  func(context.Context) error
}

// Build creates the service's dependencies. Source lists are validated before
// anything opens a connection, so a misconfigured registry fails fast.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := registry.Validate(cfg.Ingest.EnabledSources, cfg.Ingest.ShadowSources); err != nil {
		return nil, fmt.Errorf("source registry: %w", err)
	}

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app = &App{cfg: cfg, logger: logger, baseCtx: base, cancelBase: cancel}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
			app.cancelBase()
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	reg, err := app.setupRegistry()
	if err != nil {
		return nil, err
	}
	pipeline, err := app.setupPipeline(reg)
	if err != nil {
		return nil, err
	}

	tenders, runs, err := app.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	pipeline.Sources = reg
	pipeline.Store = tenders
	pipeline.Blobs = blobs
	pipeline.Publisher = publisher
	pipeline.Clock = system.New()
	pipeline.Logger = logger.Named("orchestrator")

	orch, err := ingest.New(app.ingestConfig(), pipeline)
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}
	app.runner = ingest.NewRunner(base, orch, runs, uuid.New(), logger.Named("runner"))
	app.apiServer = api.NewServer(*cfg, app.runner, tenders, logger.Named("api"))

	if cfg.Ingest.Schedule != "" {
		app.scheduler, err = scheduler.New(base, cfg.Ingest.Schedule, app.runner, logger.Named("scheduler"))
		if err != nil {
			return nil, err
		}
	}

	logger.Info("application built",
		zap.Int("sources", len(reg.Entries())),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("schedule", cfg.Ingest.Schedule),
	)
	return app, nil
}

// Handler exposes the API router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// RunOnce performs a single ingestion run and returns its summary.
func (a *App) RunOnce(ctx context.Context) (ingest.Summary, error) {
	sum, err := a.runner.RunSync(ctx, ingest.RunOptions{Trigger: ingest.TriggerCLI})
	if err != nil {
		return sum, fmt.Errorf("run ingestion: %w", err)
	}
	return sum, nil
}

// Run serves the API and the optional schedule until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
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

	if a.scheduler != nil {
		a.scheduler.Start()
		a.logger.Info("schedule started", zap.Time("next", a.scheduler.Next()))
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve http: %w", err)
	default:
		return nil
	}
}

// Close interrupts any active run, waits for it to record its summary and
// releases infrastructure.
func (a *App) Close(ctx context.Context) {
	a.cancelBase()
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	if a.runner != nil {
		a.runner.Wait()
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.renderer != nil {
		a.renderer.Close()
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
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) setupRegistry() (*registry.Registry, error) {
	cfg := a.cfg
	httpClient := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	})

	perSource := make(map[string]ratelimit.Rule, len(cfg.Sources))
	for id, src := range cfg.Sources {
		perSource[id] = ratelimit.Rule{RPS: src.RPS, Burst: src.Burst}
	}

	deps := connectors.Deps{
		HTTP:          httpClient,
		Limiter:       ratelimit.New(ratelimit.Config{PerKey: perSource}),
		Detector:      detector.NewHeuristic(0),
		MethodTimeout: cfg.MethodTimeout(),
		Now:           system.New().Now,
		Logger:        a.logger.Named("connectors"),
	}
	if cfg.Ingest.SyntheticEnabled {
		deps.SyntheticMax = cfg.Ingest.SyntheticMax
	}
	if cfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
		})
		if err != nil {
			a.logger.Warn("headless renderer init failed, headless methods disabled", zap.Error(err))
		} else {
			a.renderer = renderer
			deps.Renderer = renderer
			a.logger.Info("using headless renderer", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	reg, err := registry.New(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("source registry: %w", err)
	}
	for _, e := range reg.Entries() {
		a.logger.Info("source enabled",
			zap.String("source", string(e.ID())),
			zap.Bool("shadow", e.Shadow),
			zap.Any("methods", e.Connector.Methods()),
		)
	}
	return reg, nil
}

func (a *App) setupPipeline(reg *registry.Registry) (ingest.Deps, error) {
	table, err := classify.LoadTable(a.cfg.Classification.KeywordTable)
	if err != nil {
		return ingest.Deps{}, fmt.Errorf("classification table: %w", err)
	}
	mapper, err := classify.New(table, a.cfg.Classification.MaxCodes)
	if err != nil {
		return ingest.Deps{}, fmt.Errorf("classification init failed: %w", err)
	}
	d := a.cfg.Dedup
	deduplicator, err := dedup.New(dedup.Config{
		Threshold:      d.Threshold,
		TitleWeight:    d.TitleWeight,
		BuyerWeight:    d.BuyerWeight,
		CategoryWeight: d.CategoryWeight,
		ValueWeight:    d.ValueWeight,
		ValueTolerance: d.ValueTolerance,
		ValueCutoff:    d.ValueCutoff,
	}, a.logger.Named("dedup"))
	if err != nil {
		return ingest.Deps{}, fmt.Errorf("dedup init failed: %w", err)
	}
	return ingest.Deps{
		Normalizer: normalize.New(reg.Profiles(), a.logger.Named("normalize")),
		Classifier: mapper,
		Dedup:      deduplicator,
	}, nil
}

func (a *App) setupStore(ctx context.Context) (tender.Store, ingest.RunStore, error) {
	switch a.cfg.Storage.Driver {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:         a.cfg.Storage.DSN,
			Table:       a.cfg.Storage.Table,
			MaxConns:    int32(a.cfg.Storage.MaxConns),
			MinConns:    int32(a.cfg.Storage.MinConns),
			AutoMigrate: a.cfg.Storage.AutoMigrate,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("tender store init failed: %w", err)
		}
		a.pgStore = store
		a.logger.Info("using postgres tender store", zap.String("table", a.cfg.Storage.Table))
		return store, store.Runs(), nil
	default:
		a.logger.Warn("using in-memory tender store, records are lost on exit")
		return memorystorage.NewTenderStore(), memorystorage.NewRunStore(), nil
	}
}

func (a *App) setupArchive(ctx context.Context) (tender.BlobStore, error) {
	switch a.cfg.Archive.Driver {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw batches to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw batches locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	case "memory":
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("raw batch archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (tender.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = gcppublisher.New(client.Topic(a.cfg.PubSub.TopicName))
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) ingestConfig() ingest.Config {
	limits := make(map[tender.SourceID]int)
	for id, src := range a.cfg.Sources {
		if src.Limit > 0 {
			limits[tender.SourceID(id)] = src.Limit
		}
	}
	return ingest.Config{
		MaxConcurrentFetches: a.cfg.Ingest.MaxConcurrentFetches,
		RunTimeout:           a.cfg.RunTimeout(),
		DefaultLimit:         a.cfg.Ingest.DefaultLimit,
		SourceLimits:         limits,
		SinceDays:            a.cfg.Ingest.SinceDays,
		ArchivePrefix:        a.cfg.Archive.Prefix,
	}
}
