// Package server assembles the application's dependencies and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/api"
	"github.com/hazardops/alertmirror/internal/clock/system"
	"github.com/hazardops/alertmirror/internal/config"
	"github.com/hazardops/alertmirror/internal/coordinator"
	"github.com/hazardops/alertmirror/internal/dispatcher"
	collyfetcher "github.com/hazardops/alertmirror/internal/fetcher/colly"
	"github.com/hazardops/alertmirror/internal/hash/sha256"
	"github.com/hazardops/alertmirror/internal/id/uuid"
	"github.com/hazardops/alertmirror/internal/logging"
	"github.com/hazardops/alertmirror/internal/metrics"
	"github.com/hazardops/alertmirror/internal/parser/capxml"
	"github.com/hazardops/alertmirror/internal/planner"
	"github.com/hazardops/alertmirror/internal/progress"
	progresssinks "github.com/hazardops/alertmirror/internal/progress/sinks"
	memorypublisher "github.com/hazardops/alertmirror/internal/publisher/memory"
	gcppublisher "github.com/hazardops/alertmirror/internal/publisher/pubsub"
	queuememory "github.com/hazardops/alertmirror/internal/queue/memory"
	"github.com/hazardops/alertmirror/internal/ratelimit"
	"github.com/hazardops/alertmirror/internal/retention"
	"github.com/hazardops/alertmirror/internal/scheduler"
	gcsstorage "github.com/hazardops/alertmirror/internal/storage/gcs"
	localstorage "github.com/hazardops/alertmirror/internal/storage/local"
	memorystorage "github.com/hazardops/alertmirror/internal/storage/memory"
	pgstore "github.com/hazardops/alertmirror/internal/storage/postgres"
	"github.com/hazardops/alertmirror/internal/store"
	"github.com/hazardops/alertmirror/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	coord        *coordinator.Coordinator
	sched        *scheduler.Scheduler
	sweeper      *retention.Sweeper
	progressHub  *progress.Hub
	queue        *queuememory.Queue
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	storage      *storage.Client
	dbPool       interface{ Close() }
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	go func() {
		a.logger.Info("crawl scheduler started")
		a.sched.Run(ctx)
	}()
	if a.sweeper != nil {
		go func() {
			a.logger.Info("retention sweeper started")
			a.sweeper.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.queue.Close()
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
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
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies", zap.Int("port", cfg.Server.Port))

	feeds, crawls, alerts, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}
	if err := seedFeeds(ctx, app, feeds); err != nil {
		return nil, err
	}

	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	emitter, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	idGen := uuid.NewUUIDGenerator()

	app.queue = queuememory.NewQueue(cfg.Crawl.QueueDepth)
	app.dispatch = setupDispatcher(app, crawls, alerts, blobStore, publisher, emitter, clock)

	app.coord = coordinator.New(feeds, crawls, app.queue, idGen, clock, emitter,
		coordinator.Config{
			ShardTimeout:      cfg.ShardTimeout(),
			DefaultFeedPeriod: cfg.FeedPeriod(),
		},
		logger.Named("coordinator"),
	)
	app.sched = scheduler.New(app.coord,
		time.Duration(cfg.Crawl.TickSeconds)*time.Second,
		logger.Named("scheduler"),
	)

	if cfg.Retention.Enabled {
		app.sweeper = retention.New(crawls, alerts, clock,
			retention.Config{
				MaxAge:   time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
				Interval: time.Duration(cfg.Retention.SweepInterval) * time.Minute,
			},
			logger.Named("retention"),
		)
	}

	pl := planner.New(alerts, crawls, planner.Config{
		MaxResults:       cfg.Query.MaxResults,
		DefaultResults:   cfg.Query.DefaultResults,
		MaxGeoCells:      cfg.Query.MaxGeoCells,
		MaxValuesPerAttr: cfg.Query.MaxValuesPerAttr,
	}, logger.Named("planner"))

	app.apiServer = api.NewServer(
		feeds,
		crawls,
		alerts,
		app.coord,
		pl,
		clock,
		*cfg,
		logger.Named("api"),
	)

	return app, nil
}

func setupStores(ctx context.Context, app *App) (store.FeedRepository, store.CrawlRepository, store.AlertRepository, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no database DSN configured, using in-memory stores")
		return memorystorage.NewFeedStore(), memorystorage.NewCrawlStore(), memorystorage.NewAlertStore(), nil
	}
	if app.cfg.DB.Migrate {
		if err := pgstore.Migrate(app.cfg.DB.DSN); err != nil {
			return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		app.logger.Info("database migrations applied")
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      app.cfg.DB.DSN,
		MaxConns: int32(app.cfg.DB.MaxConns),
		MinConns: int32(app.cfg.DB.MinConns),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	app.dbPool = pool
	app.logger.Info("postgres stores initialized")
	return pgstore.NewFeedStore(pool), pgstore.NewCrawlStore(pool), pgstore.NewAlertStore(pool), nil
}

// seedFeeds registers configured feeds that are not yet in the store. Already
// registered feeds keep their settings.
func seedFeeds(ctx context.Context, app *App, feeds store.FeedRepository) error {
	if len(app.cfg.Crawl.SeedFeeds) == 0 {
		return nil
	}
	existing, err := feeds.ListFeeds(ctx)
	if err != nil {
		return fmt.Errorf("list feeds for seeding: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, f := range existing {
		known[f.URL] = struct{}{}
	}
	now := system.New().Now()
	for _, url := range app.cfg.Crawl.SeedFeeds {
		if _, ok := known[url]; ok {
			continue
		}
		feed := alert.Feed{URL: url, Enabled: true, CreatedAt: now}
		if err := feeds.UpsertFeed(ctx, feed); err != nil {
			return fmt.Errorf("seed feed %q: %w", url, err)
		}
		app.logger.Info("seeded feed", zap.String("url", url))
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) (alert.BlobStore, error) {
	switch {
	case app.cfg.Storage.GCSBucket != "":
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case app.cfg.Storage.LocalDir != "":
		app.logger.Info("using local storage backend", zap.String("dir", app.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (alert.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.pubsubTopic = client.Topic(app.cfg.PubSub.TopicName)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubTopic), nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinks := []progress.Sink{
		promSink,
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
	}
	app.progressHub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      app.logger.Named("progress_hub"),
	}, sinks...)
	return app.progressHub, nil
}

func setupDispatcher(
	app *App,
	crawls store.CrawlRepository,
	alerts store.AlertRepository,
	blobStore alert.BlobStore,
	publisher alert.Publisher,
	emitter progress.Emitter,
	clock alert.Clock,
) *dispatcher.Dispatcher {
	hasher := sha256.New()
	limiter := ratelimit.New(ratelimit.Config{
		PerHostRPS: app.cfg.Crawl.PerHostRPS,
		Burst:      app.cfg.Crawl.PerHostBurst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    app.cfg.Crawl.UserAgent,
		Timeout:      app.cfg.FetchTimeout(),
		MaxBodyBytes: app.cfg.HTTP.MaxBodyBytes,
	}, limiter)
	parser := capxml.New()

	workerCfg := worker.Config{
		ContentType: app.cfg.Storage.ContentType,
		BlobPrefix:  app.cfg.Storage.Prefix,
		Topic:       app.cfg.PubSub.TopicName,
		MaxDepth:    app.cfg.Crawl.MaxDepth,
	}
	app.logger.Info("worker config",
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.String("topic", workerCfg.Topic),
		zap.Int("max_depth", workerCfg.MaxDepth),
		zap.Int("concurrency", app.cfg.Crawl.Concurrency),
	)

	var workers []*worker.Worker
	for i := 0; i < app.cfg.Crawl.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			crawls,
			alerts,
			blobStore,
			publisher,
			hasher,
			clock,
			fetcher,
			parser,
			emitter,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(app.queue, workers)
}
