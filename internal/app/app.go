// Package app wires configuration into the crawl and download pipelines.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawlkit/internal/api"
	"github.com/JakeFAU/crawlkit/internal/clock/system"
	"github.com/JakeFAU/crawlkit/internal/config"
	"github.com/JakeFAU/crawlkit/internal/crawler"
	"github.com/JakeFAU/crawlkit/internal/crawler/pagelist"
	"github.com/JakeFAU/crawlkit/internal/dedup"
	"github.com/JakeFAU/crawlkit/internal/downloader"
	"github.com/JakeFAU/crawlkit/internal/fetch"
	"github.com/JakeFAU/crawlkit/internal/hash/sha256"
	"github.com/JakeFAU/crawlkit/internal/id/uuid"
	"github.com/JakeFAU/crawlkit/internal/metrics"
	"github.com/JakeFAU/crawlkit/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlkit/internal/progress"
	"github.com/JakeFAU/crawlkit/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/crawlkit/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawlkit/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlkit/internal/storage"
	gcsstorage "github.com/JakeFAU/crawlkit/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlkit/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlkit/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlkit/internal/storage/postgres"
)

// controller is what the control API steers during a run.
type controller interface {
	api.Controller
	Run(ctx context.Context) error
}

// App holds the services shared by crawl and download runs.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	collectors *metrics.Collectors
	monitor    *metrics.Monitor
	limiter    *ratelimit.Limiter
	client     *fetch.Client
	publisher  storage.Publisher
	redis      redis.UniversalClient
	gcpOptions []option.ClientOption

	closers []func(context.Context) error
}

// Build validates cfg and creates the shared services.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.collectors = metrics.NewCollectors(a.registry)
	a.monitor = metrics.NewMonitor(metrics.MonitorConfig{
		Interval:     cfg.MonitorInterval(),
		ErrorLogSize: cfg.Metrics.ErrorLogSize,
	}, system.New(), logger, a.collectors)
	a.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RPS,
		DefaultBurst: cfg.RateLimit.Burst,
		OnDelay:      a.collectors.ObserveRateLimitDelay,
	})
	if cfg.GCP.CredentialsFile != "" {
		a.gcpOptions = append(a.gcpOptions, option.WithCredentialsFile(cfg.GCP.CredentialsFile))
	}

	var err error
	a.client, err = a.newClient(cfg.HTTPTimeout())
	if err != nil {
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		a.closeAll(ctx)
		return nil, err
	}
	if cfg.Dedup.Enabled && cfg.Dedup.Backend == dedup.BackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.redis = client
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		a.logger.Info("redis dedup backend configured", zap.String("addr", cfg.Redis.Addr))
	}
	return a, nil
}

func (a *App) newClient(timeout time.Duration) (*fetch.Client, error) {
	client, err := fetch.NewClient(fetch.Config{
		Timeout:            timeout,
		UserAgent:          a.cfg.HTTP.UserAgent,
		Proxy:              a.cfg.HTTP.Proxy,
		InsecureSkipVerify: a.cfg.HTTP.InsecureSkipVerify,
		MaxConnsPerHost:    a.cfg.HTTP.MaxConnsPerHost,
		MaxIdleConns:       a.cfg.HTTP.MaxIdleConns,
		BackoffInitial:     time.Duration(a.cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:         time.Duration(a.cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	}, a.logger, fetch.WithLimiter(a.limiter), fetch.WithObserver(a.collectors))
	if err != nil {
		return nil, fmt.Errorf("http client init failed: %w", err)
	}
	return client, nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName, a.gcpOptions...)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

// Crawl runs the configured page crawl to completion.
func (a *App) Crawl(ctx context.Context) error {
	a.monitor.Reset()
	def, err := pagelist.New(pagelist.Config{
		Seeds:         a.cfg.Crawler.Seeds,
		MaxPages:      a.cfg.Crawler.MaxPages,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		UserAgent:     a.cfg.HTTP.UserAgent,
		Blocklist:     a.cfg.Crawler.Blocklist,
	}, a.client, a.logger)
	if err != nil {
		return fmt.Errorf("page list init failed: %w", err)
	}
	collector, err := a.openCollector(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := collector.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Error("collector close failed", zap.Error(err))
		}
	}()

	var opts []crawler.Option[pagelist.Page]
	if a.cfg.Dedup.Enabled {
		filter, err := a.openFilter(ctx, a.cfg.Crawler.Name+":tasks")
		if err != nil {
			return err
		}
		opts = append(opts, crawler.WithDedup[pagelist.Page](filter))
	}
	engine, err := crawler.New[pagelist.Page](crawler.Config{
		Name:             a.cfg.Crawler.Name,
		Concurrency:      a.cfg.Crawler.Concurrency,
		ParseConcurrency: a.cfg.Crawler.ParseConcurrency,
		Retries:          a.cfg.Crawler.Retries,
		QueueSize:        a.cfg.Crawler.QueueSize,
		AllowStatus:      a.cfg.Crawler.AllowStatus,
		Requeue:          a.cfg.Crawler.Requeue,
	}, def, a.client, collector, a.monitor, a.logger, opts...)
	if err != nil {
		return fmt.Errorf("crawler init failed: %w", err)
	}
	return a.run(ctx, engine, nil)
}

// Download fetches urls into the download directory, resuming partial files.
func (a *App) Download(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return errors.New("no download urls given")
	}
	a.monitor.Reset()
	hub, err := a.openProgressHub()
	if err != nil {
		return err
	}
	defer func() {
		if err := hub.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()
	runID, err := uuid.New().NewRunID()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	tracker := progress.NewTracker(runID, hub, a.cfg.Progress.NameWidth)

	// Transfers can outlive any fixed client timeout; ctx bounds them instead.
	client, err := a.newClient(0)
	if err != nil {
		return err
	}
	dl, err := downloader.New(downloader.Config{
		Dir:                    a.cfg.Download.Dir,
		Concurrency:            a.cfg.Download.Concurrency,
		Retries:                a.cfg.Download.Retries,
		Topic:                  a.cfg.Download.Topic,
		DiscardOnFinalizeError: a.cfg.Download.DiscardOnFinalizeError,
	}, client, tracker, a.publisher, a.logger, downloader.WithMonitor(a.monitor))
	if err != nil {
		return fmt.Errorf("downloader init failed: %w", err)
	}
	for _, u := range urls {
		if err := dl.Submit(downloader.Job{Request: fetch.Get(u)}); err != nil {
			return fmt.Errorf("submit %s: %w", u, err)
		}
	}
	dl.CloseInput()
	a.logger.Info("download run started",
		zap.String("run_id", runID.String()),
		zap.Int("files", len(urls)),
		zap.String("dir", a.cfg.Download.Dir),
	)
	return a.run(ctx, dl, tracker)
}

// run drives ctrl with the monitor and, when enabled, the control API
// alongside it.
func (a *App) run(ctx context.Context, ctrl controller, source api.ProgressSource) error {
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		a.monitor.Run(monitorCtx)
	}()
	defer func() {
		stopMonitor()
		<-monitorDone
	}()

	if a.cfg.Server.Enabled {
		srv := a.newHTTPServer(ctrl, source)
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
		}()
	}

	if err := ctrl.Run(ctx); err != nil {
		return err
	}
	a.logger.Info("run complete", zap.String("summary", metrics.Report(a.monitor.Snapshot())))
	return nil
}

func (a *App) newHTTPServer(ctrl api.Controller, source api.ProgressSource) *http.Server {
	server := api.NewServer(ctrl, a.collectors.Handler(), source, api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
		Middleware:     []func(http.Handler) http.Handler{a.collectors.Middleware},
	}, a.logger)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) openFilter(ctx context.Context, name string) (dedup.Filter, error) {
	filter, err := dedup.Open(ctx, dedup.Config{
		Backend:   a.cfg.Dedup.Backend,
		Name:      name,
		Capacity:  a.cfg.Dedup.Capacity,
		ErrorRate: a.cfg.Dedup.ErrorRate,
		Redis:     a.redis,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("dedup filter %s init failed: %w", name, err)
	}
	return filter, nil
}

func (a *App) openCollector(ctx context.Context) (storage.Collector, error) {
	writer, err := a.openWriter(ctx)
	if err != nil {
		return nil, err
	}
	batcher, err := storage.NewBatcher(writer, a.publisher, storage.BatcherConfig{
		BatchSize:     a.cfg.Storage.BatchSize,
		FlushInterval: time.Duration(a.cfg.Storage.FlushIntervalMs) * time.Millisecond,
		Topic:         a.cfg.Storage.Topic,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("batcher init failed: %w", err)
	}
	if !a.cfg.Dedup.Enabled || !a.cfg.Dedup.Items {
		return batcher, nil
	}
	filter, err := a.openFilter(ctx, a.cfg.Crawler.Name+":items")
	if err != nil {
		_ = batcher.Close(ctx)
		return nil, err
	}
	return storage.NewDedupCollector(batcher, filter, a.logger), nil
}

func (a *App) openWriter(ctx context.Context) (storage.Writer, error) {
	var blobStore storage.BlobStore
	switch a.cfg.Storage.Backend {
	case config.StoragePostgres:
		store, err := pgstore.NewItemStore(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			Table:           a.cfg.Database.Table,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeSeconds) * time.Second,
		}, uuid.New())
		if err != nil {
			return nil, fmt.Errorf("item store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		a.logger.Info("using postgres item store", zap.String("table", a.cfg.Database.Table))
		return store, nil
	case config.StorageGCS:
		client, err := gcsclient.NewClient(ctx, a.gcpOptions...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		blobStore = store
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		blobStore = store
	default:
		a.logger.Info("using in-memory storage backend")
		blobStore = memorystorage.NewBlobStore()
	}
	writer, err := storage.NewBlobWriter(blobStore, sha256.New(), a.cfg.Storage.Prefix)
	if err != nil {
		return nil, fmt.Errorf("blob writer init failed: %w", err)
	}
	return writer, nil
}

func (a *App) openProgressHub() (*progress.Hub, error) {
	sinkList := []progress.Sink{sinks.NewLogSink(a.logger)}
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Progress.Console {
		sinkList = append(sinkList, sinks.NewConsoleSink(os.Stderr, a.cfg.Progress.ConsoleStep))
	}
	return progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
	}, a.logger, sinkList...), nil
}

// Close releases clients opened by Build and by past runs.
func (a *App) Close(ctx context.Context) error {
	a.closeAll(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeAll(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
