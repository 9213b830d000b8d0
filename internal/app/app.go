// Package app initializes and holds the long-lived services of the
// harvester, acting as the dependency injection container for commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/benchharvest/harvester/internal/bench"
	"github.com/benchharvest/harvester/internal/config"
	"github.com/benchharvest/harvester/internal/logging"
	"github.com/benchharvest/harvester/internal/payloadcache"
	"github.com/benchharvest/harvester/internal/progress"
	"github.com/benchharvest/harvester/internal/progress/sinks"
	"github.com/benchharvest/harvester/internal/publisher"
	"github.com/benchharvest/harvester/internal/publisher/memory"
	pubsubpub "github.com/benchharvest/harvester/internal/publisher/pubsub"
	"github.com/benchharvest/harvester/internal/remote"
	"github.com/benchharvest/harvester/internal/session"
	"github.com/benchharvest/harvester/internal/storage"
	storagegcs "github.com/benchharvest/harvester/internal/storage/gcs"
	storagelocal "github.com/benchharvest/harvester/internal/storage/local"
	"github.com/benchharvest/harvester/internal/store"
)

// App holds the shared services built once at startup: logger, store,
// payload cache, session manager, remote client, publisher, and the
// progress pipeline. It fails fast when any critical service cannot
// initialize.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	schema   bench.Schema
	store    *store.Store
	cache    *payloadcache.Cache
	sessions *session.Manager
	remote   *remote.Client
	pub      publisher.Publisher
	registry *prometheus.Registry
	hub      *progress.Hub
}

// New builds the App from the config file at cfgPath (empty uses defaults
// and environment variables only).
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	schema := bench.DefaultSchema()

	st, err := store.New(ctx, store.Config{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	}, schema, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}

	cache, err := payloadcache.New(payloadcache.Config{
		BaseDir:   cfg.Cache.Dir,
		ShardSize: cfg.Cache.ShardSize,
		Extension: cfg.Cache.Extension,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init payload cache: %w", err)
	}

	sessions := session.NewManager(session.Config{
		CookieFile:   cfg.Session.CookieFile,
		LoginPageURL: cfg.Session.LoginPageURL,
		LoginURL:     cfg.Session.LoginURL,
		UserAgent:    cfg.Remote.UserAgent,
		Timeout:      cfg.RemoteTimeout(),
	}, logger)

	client := remote.New(remote.Config{
		BaseURL:    cfg.Remote.BaseURL,
		ListingURL: cfg.Remote.ListingURL,
		Extension:  cfg.Cache.Extension,
		UserAgent:  cfg.Remote.UserAgent,
		Timeout:    cfg.RemoteTimeout(),
	}, logger)

	pub, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init metrics sink: %w", err)
	}
	hub := progress.NewHub(progress.HubConfig{Logger: logger},
		sinks.NewLogSink(logger), promSink)

	return &App{
		cfg:      cfg,
		logger:   logger,
		schema:   schema,
		store:    st,
		cache:    cache,
		sessions: sessions,
		remote:   client,
		pub:      pub,
		registry: registry,
		hub:      hub,
	}, nil
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (publisher.Publisher, error) {
	switch cfg.Publisher.Provider {
	case "", "noop":
		return publisher.Noop{}, nil
	case "memory":
		return memory.New(), nil
	case "pubsub":
		logger.Info("connecting record publisher",
			zap.String("project", cfg.Publisher.ProjectID),
			zap.String("topic", cfg.Publisher.Topic))
		pub, err := pubsubpub.New(ctx, cfg.Publisher.ProjectID, cfg.Publisher.Topic)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Publisher.Provider)
	}
}

// ArchiveProvider builds the configured archive upload provider. A nil
// provider with nil error means uploads are disabled.
func (a *App) ArchiveProvider(ctx context.Context) (storage.Provider, error) {
	switch a.cfg.Archive.UploadProvider {
	case "", "none":
		return nil, nil
	case "local":
		p, err := storagelocal.New(storagelocal.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive provider: %w", err)
		}
		return p, nil
	case "gcs":
		p, err := storagegcs.New(ctx, a.cfg.Archive.GCSBucket, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init gcs archive provider: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown archive upload provider: %s", a.cfg.Archive.UploadProvider)
	}
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Schema returns the declared record schema.
func (a *App) Schema() bench.Schema { return a.schema }

// Store returns the record store.
func (a *App) Store() *store.Store { return a.store }

// Cache returns the payload cache.
func (a *App) Cache() *payloadcache.Cache { return a.cache }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Remote returns the benchmark service client.
func (a *App) Remote() *remote.Client { return a.remote }

// Publisher returns the record publisher.
func (a *App) Publisher() publisher.Publisher { return a.pub }

// Registry returns the metrics registry backing /metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Hub returns the progress hub.
func (a *App) Hub() *progress.Hub { return a.hub }

// Close shuts the services down in dependency order.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	if err := a.pub.Close(); err != nil {
		a.logger.Warn("publisher close failed", zap.Error(err))
	}
	a.store.Close()
	_ = a.logger.Sync() //nolint:errcheck
}
