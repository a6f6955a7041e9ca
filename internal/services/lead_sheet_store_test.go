package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/leadsync-backend/internal/clients/sheets"
	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
)

func TestSheetUpsertAppendsOneRowWithFormulas(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.sheets.UpsertContact(ctx, types.Fields{Phone: "+91 98765 43210", Name: "Asha", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, SheetActionCreated, res.Action)
	assert.Equal(t, 2, res.Row)

	assert.Equal(t, "+91 98765 43210", h.cell(2, sheets.ColPhone))
	assert.Equal(t, "Asha", h.cell(2, sheets.ColName))
	assert.Equal(t, "2024-05-06 10:30:00", h.cell(2, sheets.ColTimestamp))
	assert.Equal(t, string(types.StageUnassigned), h.cell(2, sheets.ColStage))
	assert.Equal(t, types.UnassignedAgent, h.cell(2, sheets.ColAssignedAgent))
	assert.Contains(t, h.cell(2, "converted"), "=IF(")
	assert.Contains(t, h.cell(2, "day_of_week"), "TEXT(")
	assert.Len(t, h.dataRows(), 1)
}

func TestSheetUpsertIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := types.Fields{Phone: "9876543210", Name: "Asha", Message: "hello"}

	first, err := h.sheets.UpsertContact(ctx, f)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		again, err := h.sheets.UpsertContact(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, first.Row, again.Row)
		assert.Equal(t, SheetActionUnchanged, again.Action)
	}
	assert.Len(t, h.dataRows(), 1)
	assert.Equal(t, "hello", h.cell(first.Row, sheets.ColMessage))
	assert.Equal(t, 1, h.sheet.Appends)
}

func TestSheetPhoneTailInvariance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.sheets.UpsertContact(ctx, types.Fields{Phone: "919876543210", Message: "one"})
	require.NoError(t, err)

	for _, p := range []string{"9876543210", "+91 98765 43210", "0091-98765-43210"} {
		row, err := h.sheets.FindByPhone(ctx, p)
		require.NoError(t, err)
		require.NotNil(t, row, p)
		assert.Equal(t, created.Row, row.Row, p)
	}

	res, err := h.sheets.UpsertContact(ctx, types.Fields{Phone: "+91 98765 43210", Message: "two"})
	require.NoError(t, err)
	assert.Equal(t, SheetActionUpdated, res.Action)
	assert.Len(t, h.dataRows(), 1)
	assert.Equal(t, "one | two", h.cell(created.Row, sheets.ColMessage))
}

func TestSheetMergeKeepsPopulatedCells(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.sheets.UpsertContact(ctx, types.Fields{Phone: "9876543210", Name: "Asha", Email: "a@example.com"})
	require.NoError(t, err)
	res, err := h.sheets.UpsertContact(ctx, types.Fields{Phone: "9876543210", Name: " ", Location: "Pune", Stage: types.StagePaymentPending})
	require.NoError(t, err)

	assert.Equal(t, "Asha", res.Values[sheets.ColName])
	assert.Equal(t, "Asha", h.cell(res.Row, sheets.ColName))
	assert.Equal(t, "a@example.com", h.cell(res.Row, sheets.ColEmail))
	assert.Equal(t, "Pune", h.cell(res.Row, sheets.ColLocation))
	assert.Equal(t, string(types.StagePaymentPending), h.cell(res.Row, sheets.ColStage))
}

func TestSheetUsesRowHintAndFallsBackToScan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.sheets.UpsertContact(ctx, types.Fields{Phone: "9000000001"})
	require.NoError(t, err)
	b, err := h.sheets.UpsertContact(ctx, types.Fields{Phone: "9000000002"})
	require.NoError(t, err)

	// A correct hint reads one row and skips the column scan.
	gets := h.sheet.Gets
	res, err := h.sheets.UpsertContact(ctx, types.Fields{Phone: "9000000002", SheetRow: &b.Row, Remark: "vip"})
	require.NoError(t, err)
	assert.Equal(t, b.Row, res.Row)
	assert.Equal(t, 1, h.sheet.Gets-gets)

	// A stale hint pointing at another lead must not be written to.
	res, err = h.sheets.UpsertContact(ctx, types.Fields{Phone: "9000000002", SheetRow: &a.Row, Remark: "callback"})
	require.NoError(t, err)
	assert.Equal(t, b.Row, res.Row)
	assert.Equal(t, "", h.cell(a.Row, sheets.ColRemark))
	assert.Equal(t, "vip | callback", h.cell(b.Row, sheets.ColRemark))
}

func TestSheetErrorsPropagate(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("quota exceeded")
	h.sheet.FailWith(func(op string) error { return boom })

	_, err := h.sheets.UpsertContact(context.Background(), types.Fields{Phone: "9876543210"})
	require.ErrorIs(t, err, boom)
	_, err = h.sheets.FindByPhone(context.Background(), "9876543210")
	require.ErrorIs(t, err, boom)
}

func TestSheetRejectsInvalidPhone(t *testing.T) {
	h := newHarness(t)
	_, err := h.sheets.UpsertContact(context.Background(), types.Fields{Phone: "12345"})
	require.True(t, types.IsValidation(err))
	assert.Empty(t, h.dataRows())
}

func TestSheetUpdateCellsByRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.sheets.UpsertContact(ctx, types.Fields{Phone: "9876543210"})
	require.NoError(t, err)

	require.NoError(t, h.sheets.UpdateCellsByRow(ctx, res.Row, map[string]string{sheets.ColBusinessID: "CG00042"}))
	assert.Equal(t, "CG00042", h.cell(res.Row, sheets.ColBusinessID))

	require.Error(t, h.sheets.UpdateCellsByRow(ctx, res.Row, map[string]string{"nope": "x"}))
	require.Error(t, h.sheets.UpdateCellsByRow(ctx, 1, map[string]string{sheets.ColName: "header"}))
}
