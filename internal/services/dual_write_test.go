package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yungbote/leadsync-backend/internal/clients/sheets"
	"github.com/yungbote/leadsync-backend/internal/clients/sheets/sheetstest"
	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/jobs/retry"
)

func TestDualWriteNewContact(t *testing.T) {
	h := newHarness(t)

	res := h.write("whatsapp_message:9876543210:1", types.Fields{Phone: "919876543210", Name: "Asha", Message: "Hi"},
		&types.HistoryInput{Action: types.ActionContactCreated, Actor: types.ActorSystem})

	require.NoError(t, res.Err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Synced)
	assert.False(t, res.Queued)
	assert.True(t, res.Created)
	assert.Equal(t, "CG00001", res.BusinessID)

	rows := h.dataRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "919876543210", h.cell(res.SheetRow, sheets.ColPhone))
	assert.Equal(t, "CG00001", h.cell(res.SheetRow, sheets.ColBusinessID))

	lead := h.lead("9876543210")
	require.NotNil(t, lead)
	require.NotNil(t, lead.SheetRow)
	assert.Equal(t, res.SheetRow, *lead.SheetRow)
	assert.Zero(t, h.queue.Len())
}

func TestDualWriteDuplicateEventAppendsMessage(t *testing.T) {
	h := newHarness(t)
	entry := &types.HistoryInput{Action: types.ActionContactCreated, Actor: types.ActorSystem}

	first := h.write("whatsapp_message:9876543210:1", types.Fields{Phone: "9876543210", Message: "old"}, entry)
	require.True(t, first.Synced)
	second := h.write("whatsapp_message:9876543210:2", types.Fields{Phone: "+91 98765 43210", Message: "new"}, entry)
	require.True(t, second.Synced)
	assert.False(t, second.Created)
	assert.Equal(t, first.BusinessID, second.BusinessID)
	assert.Equal(t, first.SheetRow, second.SheetRow)

	lead := h.lead("9876543210")
	assert.Equal(t, "old | new", lead.Message)
	assert.Equal(t, []string{types.ActionContactCreated, types.ActionContactUpdated}, h.historyActions(lead))

	assert.Len(t, h.dataRows(), 1)
	assert.Equal(t, "old | new", h.cell(first.SheetRow, sheets.ColMessage))

	var n int64
	require.NoError(t, h.db.Model(&types.Lead{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestDualWriteOutageThenRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.docs.down.Store(true)

	res := h.write("form_submission:9876543210:1", types.Fields{Phone: "9876543210", Name: "Asha", Message: "Need a quote"},
		&types.HistoryInput{Action: types.ActionFormSubmitted, Actor: types.ActorSystem})
	assert.True(t, res.Accepted)
	assert.False(t, res.Synced)
	assert.True(t, res.Queued)
	assert.ErrorIs(t, res.Err, errBackendDown)
	assert.Equal(t, 1, h.queue.Len())
	assert.Len(t, h.dataRows(), 1, "the healthy half is still written")
	assert.Nil(t, h.lead("9876543210"))

	h.docs.down.Store(false)
	tick := h.queue.Tick(ctx)
	assert.Equal(t, retry.TickResult{Attempted: 1, Resolved: 1}, tick)
	assert.Zero(t, h.queue.Stats().Depth)

	lead := h.lead("9876543210")
	require.NotNil(t, lead)
	assert.Equal(t, "CG00001", lead.BusinessID)
	assert.Equal(t, "Need a quote", lead.Message)
	require.NotNil(t, lead.SheetRow)
	assert.Equal(t, "CG00001", h.cell(*lead.SheetRow, sheets.ColBusinessID))
	assert.Equal(t, "Need a quote", h.cell(*lead.SheetRow, sheets.ColMessage))
	assert.Len(t, h.dataRows(), 1, "the replay must not append a second row")
	assert.ElementsMatch(t, []string{types.ActionContactCreated, types.ActionFormSubmitted}, h.historyActions(lead))

	require.Eventually(t, func() bool {
		return len(h.syncFailures()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.SyncFailureFirstAttempt, h.syncFailures()[0].Stage)
}

func TestDualWritePermanentFailureDeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.docs.down.Store(true)

	res := h.write("payment:9876543210:1", types.Fields{Phone: "9876543210"},
		&types.HistoryInput{Action: types.ActionPaymentReceived, Actor: types.ActorSystem})
	require.True(t, res.Queued)

	var dead int
	for _, d := range retry.DefaultSchedule {
		h.clock.Advance(d)
		dead += h.queue.Tick(ctx).DeadLettered
	}
	assert.Equal(t, 1, dead)
	assert.Zero(t, h.queue.Len())

	entries := h.logs.FilterField(zap.String("event", "dead_letter")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "CRITICAL", entries[0].ContextMap()["severity"])
	assert.EqualValues(t, 5, entries[0].ContextMap()["attempts"])

	require.Eventually(t, func() bool {
		for _, f := range h.syncFailures() {
			if f.Stage == types.SyncFailureDeadLetter {
				return f.Attempts == 5 && f.OperationID == "payment:9876543210:1"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDualWriteSheetOutageIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sheet.FailWith(func(op string) error { return errBackendDown })

	res := h.write("form_submission:9876543210:1", types.Fields{Phone: "9876543210", Message: "hello"},
		&types.HistoryInput{Action: types.ActionFormSubmitted})
	require.True(t, res.Queued)
	lead := h.lead("9876543210")
	require.NotNil(t, lead, "the document half is written despite the sheet outage")
	assert.Nil(t, lead.SheetRow)

	h.sheet.FailWith(nil)
	assert.Equal(t, 1, h.queue.Tick(ctx).Resolved)

	lead = h.lead("9876543210")
	require.NotNil(t, lead.SheetRow)
	assert.Equal(t, "hello", lead.Message)
	assert.Equal(t, "CG00001", h.cell(*lead.SheetRow, sheets.ColBusinessID))
	assert.ElementsMatch(t, []string{types.ActionContactCreated, types.ActionFormSubmitted}, h.historyActions(lead))
}

func TestDualWriteRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	res := h.write("x:1", types.Fields{Phone: "123"}, nil)
	assert.False(t, res.Accepted)
	assert.True(t, types.IsValidation(res.Err))
	assert.Zero(t, h.queue.Len())
}

func TestDualWriteSheetOnlyRollout(t *testing.T) {
	h := newHarness(t)
	layout, err := sheets.DefaultLayout()
	require.NoError(t, err)
	fake := sheetstest.New(layout)
	store := NewLeadSheetStore(h.log, fake, layout, SheetStoreConfig{Now: h.clock.Now})
	w := NewDualWriter(h.log, h.docs, store, h.queue, nil, nil, DualWriterConfig{DocumentStoreEnabled: false})

	cmd, err := w.Build("form_submission:9876543210:1", "test", types.Fields{Phone: "9876543210"}, nil)
	require.NoError(t, err)
	res := w.Write(context.Background(), cmd, retry.Metadata{})
	assert.True(t, res.Synced)
	assert.True(t, res.Created)
	assert.Empty(t, res.BusinessID)
	assert.Len(t, fake.Rows(layout.HeaderRow), 1)
	assert.Nil(t, h.lead("9876543210"), "document store is not written while disabled")
}

func TestBuildStampsOperationID(t *testing.T) {
	h := newHarness(t)
	_, err := h.writer.Build(" ", "test", types.Fields{Phone: "9876543210"}, nil)
	require.Error(t, err)

	cmd, err := h.writer.Build("op-9", "test", types.Fields{Phone: "9876543210"}, &types.HistoryInput{Action: types.ActionCRMEntry})
	require.NoError(t, err)
	assert.Equal(t, KindLeadDualWrite, cmd.Kind)
	var p DualWritePayload
	require.NoError(t, cmd.Decode(&p))
	assert.Equal(t, "op-9", p.History.OperationID)
}
