package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/leadsync-backend/internal/http/handlers"
	httpMW "github.com/yungbote/leadsync-backend/internal/http/middleware"
	"github.com/yungbote/leadsync-backend/internal/observability"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	ServiceName    string
	CORSOrigins    []string
	Metrics        *observability.Metrics
	AuthMiddleware *httpMW.AuthMiddleware

	WebhookHandler *httpH.WebhookHandler
	LeadHandler    *httpH.LeadHandler
	SyncHandler    *httpH.SyncHandler
	HealthHandler  *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics, "/metrics", "/healthcheck"))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Ready)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	// Inbound events
	if cfg.WebhookHandler != nil {
		r.POST("/webhook", cfg.WebhookHandler.Receive)
	}

	// Diagnostics
	if cfg.SyncHandler != nil {
		r.GET("/sync/stats", cfg.SyncHandler.Stats)
		r.GET("/sync/snapshots", cfg.SyncHandler.Snapshots)
	}

	api := r.Group("/api")
	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAgent())
		}
		if cfg.LeadHandler != nil && cfg.AuthMiddleware != nil {
			protected.POST("/leads", cfg.LeadHandler.CreateEntry)
		}
	}

	return r
}
