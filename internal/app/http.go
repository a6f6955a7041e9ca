package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/leadsync-backend/internal/http"
	httpH "github.com/yungbote/leadsync-backend/internal/http/handlers"
	httpMW "github.com/yungbote/leadsync-backend/internal/http/middleware"
	"github.com/yungbote/leadsync-backend/internal/observability"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health  *httpH.HealthHandler
	Webhook *httpH.WebhookHandler
	Lead    *httpH.LeadHandler
	Sync    *httpH.SyncHandler
}

func wireHandlers(log *logger.Logger, cfg Config, db *gorm.DB, clients Clients, services Services) (Handlers, error) {
	log.Info("Wiring handlers...")
	schemas, err := httpH.CompileSchemas()
	if err != nil {
		return Handlers{}, fmt.Errorf("compile webhook schemas: %w", err)
	}

	var checks []httpH.Check
	if db != nil {
		checks = append(checks, httpH.Check{Name: "postgres", Fn: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}})
	}
	if clients.Redis != nil {
		rdb := clients.Redis
		checks = append(checks, httpH.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	var snapshots httpH.SnapshotLister
	if clients.Snapshots != nil {
		snapshots = clients.Snapshots
	}
	return Handlers{
		Health:  httpH.NewHealthHandler(checks...),
		Webhook: httpH.NewWebhookHandler(log, services.Pipeline, schemas, cfg.WebhookSecret),
		Lead:    httpH.NewLeadHandler(log, services.Pipeline, schemas),
		Sync:    httpH.NewSyncHandler(services.Queue, snapshots),
	}, nil
}

func wireMiddleware(log *logger.Logger, services Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, services.AgentAuth),
	}
}

func wireServer(log *logger.Logger, cfg Config, metrics *observability.Metrics, handlers Handlers, middleware Middleware) *http.Server {
	return http.NewServer(":"+cfg.Port, http.RouterConfig{
		Log:            log,
		ServiceName:    cfg.ServiceName,
		CORSOrigins:    cfg.CORSOrigins,
		Metrics:        metrics,
		AuthMiddleware: middleware.Auth,
		WebhookHandler: handlers.Webhook,
		LeadHandler:    handlers.Lead,
		SyncHandler:    handlers.Sync,
		HealthHandler:  handlers.Health,
	})
}

