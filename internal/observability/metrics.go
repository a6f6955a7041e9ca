package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/leadsync-backend/internal/pkg/envutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	webhookEvents    *CounterVec
	dualWrites       *CounterVec
	dualWriteLatency *HistogramVec
	storeWrites      *CounterVec

	retryDepth    *Gauge
	retryAttempts *CounterVec
	deadLetters   *Counter

	lockAcquire *CounterVec
	lockWait    *HistogramVec

	pgStats   *GaugeVec
	redisUp   *Gauge
	redisPing *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

// Current is nil until Init runs with metrics enabled. Every method is
// nil-safe, so call sites never check.
func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	d := envutil.Duration("METRICS_SCRAPE_INTERVAL_SECONDS", 10*time.Second)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = newMetrics()
		if log != nil {
			log.Info("metrics initialized")
		}
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("ls_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"ls_api_request_duration_seconds",
			"API request latency in seconds by method/route/status.",
			[]string{"method", "route", "status"},
			[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		),
		apiInflight:   NewGauge("ls_api_inflight_requests", "In-flight API requests."),
		webhookEvents: NewCounterVec("ls_webhook_events_total", "Inbound lead events by kind/result.", []string{"kind", "result"}),
		dualWrites:    NewCounterVec("ls_dual_write_total", "Dual writes by outcome (synced, queued).", []string{"outcome"}),
		dualWriteLatency: NewHistogramVec(
			"ls_dual_write_duration_seconds",
			"Inline dual write latency by outcome.",
			[]string{"outcome"},
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		),
		storeWrites:   NewCounterVec("ls_store_write_total", "Per-store write results inside dual writes.", []string{"store", "status"}),
		retryDepth:    NewGauge("ls_retry_queue_depth", "Pending writes waiting for retry."),
		retryAttempts: NewCounterVec("ls_retry_attempts_total", "Retry attempts by command kind/result.", []string{"kind", "result"}),
		deadLetters:   NewCounter("ls_retry_dead_letters_total", "Pending writes that exhausted their retries."),
		lockAcquire:   NewCounterVec("ls_lock_acquire_total", "Lead lock acquisitions by result.", []string{"result"}),
		lockWait: NewHistogramVec(
			"ls_lock_wait_seconds",
			"Time spent waiting for a lead lock.",
			[]string{"result"},
			[]float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		),
		pgStats:   NewGaugeVec("ls_postgres_pool", "Postgres connection pool stats.", []string{"stat"}),
		redisUp:   NewGauge("ls_redis_up", "1 when the lock store answered the last ping."),
		redisPing: NewGauge("ls_redis_ping_seconds", "Latency of the last lock store ping."),
	}
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.webhookEvents, m.dualWrites, m.dualWriteLatency, m.storeWrites,
		m.retryDepth, m.retryAttempts, m.deadLetters,
		m.lockAcquire, m.lockWait,
		m.pgStats, m.redisUp, m.redisPing,
	}
	for _, mw := range writers {
		if err := mw.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

// IncWebhookEvent counts an inbound event; result is accepted, duplicate,
// rejected or unrouted.
func (m *Metrics) IncWebhookEvent(kind, result string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.webhookEvents.Inc(kind, result)
}

func (m *Metrics) ObserveDualWrite(outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.dualWrites.Inc(outcome)
	m.dualWriteLatency.Observe(dur.Seconds(), outcome)
}

func (m *Metrics) IncStoreWrite(store string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.storeWrites.Inc(store, status)
}

func (m *Metrics) SetRetryDepth(n int) {
	if m == nil {
		return
	}
	m.retryDepth.Set(float64(n))
}

func (m *Metrics) IncRetryAttempt(kind, result string) {
	if m == nil {
		return
	}
	m.retryAttempts.Inc(kind, result)
}

func (m *Metrics) IncDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) ObserveLockAcquire(result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.lockAcquire.Inc(result)
	m.lockWait.Observe(wait.Seconds(), result)
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
			}
		}
	}()
}

// StartRedisCollector pings the lock store client the app already holds.
func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb redis.UniversalClient) {
	if m == nil || rdb == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}
