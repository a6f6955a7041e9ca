package app

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/leadsync-backend/internal/data/db"
	"github.com/yungbote/leadsync-backend/internal/http"
	"github.com/yungbote/leadsync-backend/internal/jobs/retry"
	"github.com/yungbote/leadsync-backend/internal/observability"
	"github.com/yungbote/leadsync-backend/internal/pkg/envutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Server   *http.Server
	Cfg      Config
	Clients  Clients
	Repos    Repos
	Services Services
	Metrics  *observability.Metrics

	pg           *db.PostgresService
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
	started      bool
}

func New(ctx context.Context) (*App, error) {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})
	metrics := observability.Init(log)

	var (
		pg    *db.PostgresService
		theDB *gorm.DB
	)
	if cfg.DocStoreEnabled {
		pg, err = db.NewPostgresService(log, db.DSN(log))
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		if err := db.AutoMigrateAll(pg.DB()); err != nil {
			_ = pg.Close()
			log.Sync()
			return nil, fmt.Errorf("postgres automigrate: %w", err)
		}
		theDB = pg.DB()
	} else {
		log.Warn("Document store disabled, writing leads to the sheet only")
	}

	clientset, err := wireClients(ctx, log, cfg)
	if err != nil {
		if pg != nil {
			_ = pg.Close()
		}
		log.Sync()
		return nil, err
	}

	reposet := wireRepos(theDB, log)
	serviceset, err := wireServices(theDB, log, cfg, reposet, clientset)
	if err != nil {
		clientset.close(log)
		if pg != nil {
			_ = pg.Close()
		}
		log.Sync()
		return nil, err
	}

	handlerset, err := wireHandlers(log, cfg, theDB, clientset, serviceset)
	if err != nil {
		clientset.close(log)
		if pg != nil {
			_ = pg.Close()
		}
		log.Sync()
		return nil, err
	}
	middleware := wireMiddleware(log, serviceset)
	server := wireServer(log, cfg, metrics, handlerset, middleware)

	return &App{
		Log:          log,
		DB:           theDB,
		Server:       server,
		Cfg:          cfg,
		Clients:      clientset,
		Repos:        reposet,
		Services:     serviceset,
		Metrics:      metrics,
		pg:           pg,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background loops: the retry ticker, the dedup sweep
// and the metrics collectors.
func (a *App) Start() {
	if a == nil || a.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.started = true

	a.Services.Queue.Start(ctx)
	a.Services.Dedup.Start(ctx, time.Hour)

	a.Metrics.StartPostgresCollector(ctx, a.Log, a.DB)
	a.Metrics.StartRedisCollector(ctx, a.Log, a.Clients.Redis)
	a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
}

func (a *App) Run() error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Log.Info("Listening", "port", a.Cfg.Port)
	return a.Server.Run()
}

// Close stops accepting requests, stops the retry loop and snapshots any
// writes still pending, then releases clients.
func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Log.Warn("HTTP shutdown incomplete", "error", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
		select {
		case <-a.Services.Queue.Stopped():
		case <-ctx.Done():
		}
	}

	var snap retry.SnapshotWriter
	if a.Clients.Snapshots != nil {
		snap = a.Clients.Snapshots
	}
	if err := a.Services.Queue.Shutdown(ctx, snap); err != nil {
		a.Log.Error("Retry queue snapshot failed", "error", err)
	}

	a.Clients.close(a.Log)
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.Log.Warn("postgres close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	a.Log.Sync()
}
