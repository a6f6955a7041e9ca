package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/leadsync-backend/internal/pkg/envutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

type Config struct {
	Port            string
	ServiceName     string
	Environment     string
	Version         string
	CORSOrigins     []string
	MetricsAddr     string
	ShutdownTimeout time.Duration

	DocStoreEnabled  bool
	DocStoreTimeout  time.Duration
	BusinessIDPrefix string

	SheetsSpreadsheetID string
	SheetsSheetName     string
	SheetsLayoutFile    string
	SheetsTimezone      string
	SheetsReadTimeout   time.Duration
	SheetsWriteTimeout  time.Duration

	LockBackend       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	LockTTL           time.Duration
	LockRetryInterval time.Duration
	LockMaxAttempts   int
	LockStrict        bool

	RetryPollInterval   time.Duration
	RetryMaxAttempts    int
	RetryAttemptTimeout time.Duration
	RetrySnapshotBucket string
	RetrySnapshotPrefix string

	EventDedupTTL time.Duration
	WebhookSecret string

	AgentJWTSecret string
	AgentJWTIssuer string

	WhatsAppAutoReply bool
	AutoReplyTemplate string
}

func LoadConfig(log *logger.Logger) Config {
	redisAddr := envutil.Get("REDIS_ADDR", "", log)
	lockBackend := "memory"
	if redisAddr != "" {
		lockBackend = "redis"
	}
	return Config{
		Port:            envutil.Get("PORT", "8080", log),
		ServiceName:     envutil.Get("OTEL_SERVICE_NAME", "leadsync", log),
		Environment:     envutil.Get("APP_ENV", "development", log),
		Version:         envutil.Get("APP_VERSION", "dev", log),
		CORSOrigins:     splitList(envutil.Get("CORS_ALLOWED_ORIGINS", "", log)),
		MetricsAddr:     envutil.Get("METRICS_ADDR", "", log),
		ShutdownTimeout: envutil.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),

		DocStoreEnabled:  envutil.Bool("DOCSTORE_ENABLED", true),
		DocStoreTimeout:  envutil.Duration("DOCSTORE_TIMEOUT", 5*time.Second),
		BusinessIDPrefix: envutil.Get("BUSINESS_ID_PREFIX", "CG", log),

		SheetsSpreadsheetID: envutil.Get("SHEETS_SPREADSHEET_ID", "", log),
		SheetsSheetName:     envutil.Get("SHEETS_SHEET_NAME", "", log),
		SheetsLayoutFile:    envutil.Get("SHEETS_LAYOUT_FILE", "", log),
		SheetsTimezone:      envutil.Get("SHEETS_TIMEZONE", "Asia/Kolkata", log),
		SheetsReadTimeout:   envutil.Duration("SHEETS_READ_TIMEOUT", 30*time.Second),
		SheetsWriteTimeout:  envutil.Duration("SHEETS_WRITE_TIMEOUT", 10*time.Second),

		LockBackend:       strings.ToLower(envutil.Get("LOCK_BACKEND", lockBackend, log)),
		RedisAddr:         redisAddr,
		RedisPassword:     envutil.Get("REDIS_PASSWORD", "", log),
		RedisDB:           envutil.Int("REDIS_DB", 0),
		LockTTL:           envutil.Duration("LOCK_TTL", 60*time.Second),
		LockRetryInterval: envutil.Duration("LOCK_RETRY_INTERVAL", 50*time.Millisecond),
		LockMaxAttempts:   envutil.Int("LOCK_MAX_ATTEMPTS", 60),
		LockStrict:        envutil.Bool("LOCK_STRICT", false),

		RetryPollInterval:   envutil.Duration("RETRY_POLL_INTERVAL", 10*time.Second),
		RetryMaxAttempts:    envutil.Int("RETRY_MAX_ATTEMPTS", 5),
		RetryAttemptTimeout: envutil.Duration("RETRY_ATTEMPT_TIMEOUT", 60*time.Second),
		RetrySnapshotBucket: envutil.Get("RETRY_SNAPSHOT_BUCKET", "", log),
		RetrySnapshotPrefix: envutil.Get("RETRY_SNAPSHOT_PREFIX", "leadsync", log),

		EventDedupTTL: envutil.Duration("EVENT_DEDUP_TTL", time.Hour),
		WebhookSecret: envutil.Get("WEBHOOK_SECRET", "", log),

		AgentJWTSecret: envutil.Get("AGENT_JWT_SECRET", "", log),
		AgentJWTIssuer: envutil.Get("AGENT_JWT_ISSUER", "", log),

		WhatsAppAutoReply: envutil.Bool("WHATSAPP_AUTO_REPLY", false),
		AutoReplyTemplate: envutil.Get("WHATSAPP_AUTO_REPLY_TEMPLATE", "", log),
	}
}

// Validate rejects settings under which a lead lock could lapse in the middle
// of one write. The lease is renewed while the write runs; the TTL must still
// cover a write's own timeouts so a failed renewal cannot expose it.
func (c Config) Validate() error {
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	budget := c.SheetsReadTimeout + c.SheetsWriteTimeout
	if c.DocStoreEnabled {
		budget += c.DocStoreTimeout
	}
	if c.LockTTL < budget {
		return fmt.Errorf("LOCK_TTL %s is shorter than one write's timeout budget %s (SHEETS_READ_TIMEOUT + SHEETS_WRITE_TIMEOUT + DOCSTORE_TIMEOUT)", c.LockTTL, budget)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
