package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/yungbote/leadsync-backend/internal/clients/sheets"
	"github.com/yungbote/leadsync-backend/internal/clients/sheets/sheetstest"
	leadrepo "github.com/yungbote/leadsync-backend/internal/data/repos/leads"
	"github.com/yungbote/leadsync-backend/internal/data/repos/testutil"
	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/jobs/retry"
	"github.com/yungbote/leadsync-backend/internal/locks"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

var errBackendDown = errors.New("connection refused")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 6, 10, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyDocs fails writes while down is set. Reads pass through, as they do
// when a real outage only affects the write path.
type flakyDocs struct {
	LeadDocumentStore
	down atomic.Bool
}

func (d *flakyDocs) CreateOrUpdate(ctx context.Context, f types.Fields, entry *types.HistoryInput) (*WriteResult, error) {
	if d.down.Load() {
		return nil, types.Wrap(types.CodeRetryable, "lead_upsert", errBackendDown)
	}
	return d.LeadDocumentStore.CreateOrUpdate(ctx, f, entry)
}

type harness struct {
	t        *testing.T
	db       *gorm.DB
	repo     leadrepo.LeadRepo
	docs     *flakyDocs
	layout   *sheets.Layout
	sheet    *sheetstest.Fake
	sheets   LeadSheetStore
	clock    *testClock
	queue    *retry.Queue
	writer   *DualWriter
	mutex    *locks.Mutex
	dedup    *EventDeduper
	logs     *observer.ObservedLogs
	log      *logger.Logger
	failures leadrepo.SyncFailureRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := logger.FromZap(zap.New(core))
	clock := newTestClock()

	db := testutil.DB(t)
	repo := leadrepo.NewLeadRepo(db, log)
	docs := &flakyDocs{LeadDocumentStore: NewLeadDocumentStore(log, repo, DocumentStoreConfig{Now: clock.Now})}

	layout, err := sheets.DefaultLayout()
	require.NoError(t, err)
	fake := sheetstest.New(layout)
	sheetStore := NewLeadSheetStore(log, fake, layout, SheetStoreConfig{Now: clock.Now})

	failures := leadrepo.NewSyncFailureRepo(db, log)
	audit := NewSyncFailureRecorder(log, failures)
	mutex := locks.NewMutex(log, locks.NewMemoryBackend(nil), locks.Config{RetryInterval: time.Millisecond, MaxAttempts: 5000})

	reg := retry.NewRegistry()
	queue := retry.NewQueue(log, reg, audit, retry.Config{Now: clock.Now})
	writer := NewDualWriter(log, docs, sheetStore, queue, audit, mutex, DualWriterConfig{DocumentStoreEnabled: true})
	require.NoError(t, reg.Register(writer.RetryHandler()))

	return &harness{
		t:        t,
		db:       db,
		repo:     repo,
		docs:     docs,
		layout:   layout,
		sheet:    fake,
		sheets:   sheetStore,
		clock:    clock,
		queue:    queue,
		writer:   writer,
		mutex:    mutex,
		dedup:    NewEventDeduper(log, time.Hour, clock.Now),
		logs:     logs,
		log:      log,
		failures: failures,
	}
}

func (h *harness) pipeline(welcome WelcomeSender, cfg LeadPipelineConfig) *LeadPipeline {
	if cfg.Now == nil {
		cfg.Now = h.clock.Now
	}
	return NewLeadPipeline(h.log, h.writer, h.mutex, h.dedup, welcome, cfg)
}

func (h *harness) lead(rawPhone string) *types.Lead {
	h.t.Helper()
	return h.docs.FindByPhone(context.Background(), rawPhone)
}

func (h *harness) historyActions(lead *types.Lead) []string {
	h.t.Helper()
	var rows []types.HistoryEntry
	require.NoError(h.t, h.db.Where("lead_id = ?", lead.ID).Order("id asc").Find(&rows).Error)
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Action)
	}
	return out
}

func (h *harness) cell(row int, key string) string {
	h.t.Helper()
	i, ok := h.layout.Index(key)
	require.True(h.t, ok, "layout column %s", key)
	return h.sheet.Cell(row, i)
}

func (h *harness) dataRows() [][]string {
	return h.sheet.Rows(h.layout.HeaderRow)
}

func (h *harness) syncFailures() []types.SyncFailure {
	h.t.Helper()
	var rows []types.SyncFailure
	require.NoError(h.t, h.db.Order("created_at asc").Find(&rows).Error)
	return rows
}

func (h *harness) write(opID string, f types.Fields, entry *types.HistoryInput) DualWriteResult {
	h.t.Helper()
	cmd, err := h.writer.Build(opID, "test", f, entry)
	require.NoError(h.t, err)
	return h.writer.Write(context.Background(), cmd, retry.Metadata{Phone: f.Phone, Handler: "test", Trigger: "test"})
}
