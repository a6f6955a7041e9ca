package app

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/leadsync-backend/internal/jobs/retry"
	"github.com/yungbote/leadsync-backend/internal/locks"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/services"
)

type Services struct {
	Docs      services.LeadDocumentStore
	Sheets    services.LeadSheetStore
	Audit     *services.SyncFailureRecorder
	Mutex     *locks.Mutex
	Registry  *retry.Registry
	Queue     *retry.Queue
	Writer    *services.DualWriter
	Dedup     *services.EventDeduper
	Pipeline  *services.LeadPipeline
	AgentAuth services.AgentAuth
}

// wireServices builds the lead pipeline. db is nil while the document store
// is rolled out sheet-only.
func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, repos Repos, clients Clients) (Services, error) {
	log.Info("Wiring services...")
	var out Services

	loc, err := time.LoadLocation(cfg.SheetsTimezone)
	if err != nil {
		return out, fmt.Errorf("SHEETS_TIMEZONE: %w", err)
	}
	out.Sheets = services.NewLeadSheetStore(log, clients.Sheets, clients.Layout, services.SheetStoreConfig{
		ReadTimeout:  cfg.SheetsReadTimeout,
		WriteTimeout: cfg.SheetsWriteTimeout,
		Location:     loc,
	})

	var sink retry.DeadLetterSink
	if db != nil {
		out.Docs = services.NewLeadDocumentStore(log, repos.Lead, services.DocumentStoreConfig{
			BusinessIDPrefix: cfg.BusinessIDPrefix,
			Timeout:          cfg.DocStoreTimeout,
		})
		out.Audit = services.NewSyncFailureRecorder(log, repos.SyncFailure)
		sink = out.Audit
	}

	var backend locks.Backend
	if clients.Redis != nil {
		backend = locks.NewRedisBackend(clients.Redis)
	} else {
		backend = locks.NewMemoryBackend(nil)
	}
	out.Mutex = locks.NewMutex(log, backend, locks.Config{
		TTL:           cfg.LockTTL,
		RetryInterval: cfg.LockRetryInterval,
		MaxAttempts:   cfg.LockMaxAttempts,
		Strict:        cfg.LockStrict,
	})

	out.Registry = retry.NewRegistry()
	out.Queue = retry.NewQueue(log, out.Registry, sink, retry.Config{
		PollInterval:   cfg.RetryPollInterval,
		MaxAttempts:    cfg.RetryMaxAttempts,
		AttemptTimeout: cfg.RetryAttemptTimeout,
	})
	out.Writer = services.NewDualWriter(log, out.Docs, out.Sheets, out.Queue, out.Audit, out.Mutex, services.DualWriterConfig{
		DocumentStoreEnabled: db != nil,
	})
	if err := out.Registry.Register(out.Writer.RetryHandler()); err != nil {
		return out, fmt.Errorf("register retry handler: %w", err)
	}

	out.Dedup = services.NewEventDeduper(log, cfg.EventDedupTTL, nil)

	var welcome services.WelcomeSender
	if clients.Twilio != nil {
		welcome = clients.Twilio
	}
	out.Pipeline = services.NewLeadPipeline(log, out.Writer, out.Mutex, out.Dedup, welcome, services.LeadPipelineConfig{
		AutoReply:         cfg.WhatsAppAutoReply,
		AutoReplyTemplate: cfg.AutoReplyTemplate,
	})

	out.AgentAuth = services.NewAgentAuth(log, cfg.AgentJWTSecret, cfg.AgentJWTIssuer)
	return out, nil
}
