package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/leadsync-backend/internal/clients/sheets"
	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/pkg/phone"
)

const (
	SheetActionCreated   = "created"
	SheetActionUpdated   = "updated"
	SheetActionUnchanged = "unchanged"
)

// SheetRow is one worksheet row, values keyed by layout column key.
type SheetRow struct {
	Row    int
	Values map[string]string
}

type SheetUpsertResult struct {
	Row    int
	Action string
	Values map[string]string
}

// LeadSheetStore mirrors leads into the agents' worksheet. Every backend
// error is returned; nothing is swallowed here.
type LeadSheetStore interface {
	FindByPhone(ctx context.Context, rawPhone string) (*SheetRow, error)
	UpsertContact(ctx context.Context, f types.Fields) (*SheetUpsertResult, error)
	UpdateCellsByRow(ctx context.Context, row int, fields map[string]string) error
}

type SheetStoreConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Location     *time.Location
	Now          func() time.Time
}

type leadSheetStore struct {
	log    *logger.Logger
	api    sheets.ValuesAPI
	layout *sheets.Layout
	cfg    SheetStoreConfig
}

func NewLeadSheetStore(baseLog *logger.Logger, api sheets.ValuesAPI, layout *sheets.Layout, cfg SheetStoreConfig) LeadSheetStore {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &leadSheetStore{
		log:    baseLog.With("service", "LeadSheetStore"),
		api:    api,
		layout: layout,
		cfg:    cfg,
	}
}

// mergeColumns are overwritten by non-blank incoming values; appendColumns
// are concatenated.
var (
	mergeColumns = []string{
		sheets.ColName, sheets.ColEmail, sheets.ColLocation, sheets.ColProduct, sheets.ColSource,
		sheets.ColRegistrationNumber, sheets.ColStatus, sheets.ColAssignedAgent,
	}
	appendColumns = []string{sheets.ColMessage, sheets.ColRemark}
)

func (s *leadSheetStore) FindByPhone(ctx context.Context, rawPhone string) (*SheetRow, error) {
	if !phone.Valid(rawPhone) {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	cells, err := s.api.Get(ctx, s.layout.ColumnRange(sheets.ColPhone))
	if err != nil {
		return nil, fmt.Errorf("scan phone column: %w", err)
	}
	for i, r := range cells {
		if len(r) == 0 || !phone.SameIdentity(r[0], rawPhone) {
			continue
		}
		return s.readRow(ctx, s.layout.FirstDataRow()+i)
	}
	return nil, nil
}

func (s *leadSheetStore) UpsertContact(ctx context.Context, f types.Fields) (*SheetUpsertResult, error) {
	if !phone.Valid(f.Phone) {
		return nil, types.ValidationError("", "phone", "must contain at least 10 digits")
	}
	existing, err := s.locate(ctx, f)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return s.appendRow(ctx, f)
	}

	changes := sheetChanges(existing.Values, f)
	for key := range changes {
		if _, ok := s.layout.Index(key); !ok {
			delete(changes, key)
		}
	}
	if len(changes) == 0 {
		return &SheetUpsertResult{Row: existing.Row, Action: SheetActionUnchanged, Values: existing.Values}, nil
	}
	if err := s.UpdateCellsByRow(ctx, existing.Row, changes); err != nil {
		return nil, err
	}
	for k, v := range changes {
		existing.Values[k] = v
	}
	s.log.Debug("Sheet row updated", "row", existing.Row, "cells", len(changes))
	return &SheetUpsertResult{Row: existing.Row, Action: SheetActionUpdated, Values: existing.Values}, nil
}

func (s *leadSheetStore) UpdateCellsByRow(ctx context.Context, row int, fields map[string]string) error {
	if row < s.layout.FirstDataRow() {
		return fmt.Errorf("sheet row %d is not a data row", row)
	}
	if len(fields) == 0 {
		return nil
	}
	cells := make(map[string]interface{}, len(fields))
	for key, v := range fields {
		if _, ok := s.layout.Index(key); !ok {
			return fmt.Errorf("sheet layout has no column %q", key)
		}
		cells[s.layout.CellRange(key, row)] = v
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.api.BatchUpdate(ctx, cells); err != nil {
		return fmt.Errorf("update sheet row %d: %w", row, err)
	}
	return nil
}

// locate prefers the row hint carried by the lead and falls back to a full
// scan when the hint no longer points at this phone.
func (s *leadSheetStore) locate(ctx context.Context, f types.Fields) (*SheetRow, error) {
	if f.SheetRow != nil && *f.SheetRow >= s.layout.FirstDataRow() {
		rctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		row, err := s.readRow(rctx, *f.SheetRow)
		cancel()
		if err != nil {
			return nil, err
		}
		if row != nil && phone.SameIdentity(row.Values[sheets.ColPhone], f.Phone) {
			return row, nil
		}
		s.log.Debug("Sheet row hint is stale, scanning", "row", *f.SheetRow)
	}
	return s.FindByPhone(ctx, f.Phone)
}

func (s *leadSheetStore) readRow(ctx context.Context, row int) (*SheetRow, error) {
	cells, err := s.api.Get(ctx, s.layout.RowRange(row))
	if err != nil {
		return nil, fmt.Errorf("read sheet row %d: %w", row, err)
	}
	out := &SheetRow{Row: row, Values: make(map[string]string, len(s.layout.Columns))}
	if len(cells) == 0 {
		return out, nil
	}
	for i, c := range s.layout.Columns {
		if i < len(cells[0]) {
			out.Values[c.Key] = strings.TrimSpace(cells[0][i])
		}
	}
	return out, nil
}

func (s *leadSheetStore) appendRow(ctx context.Context, f types.Fields) (*SheetUpsertResult, error) {
	values := newSheetValues(f, s.cfg.Now(), s.cfg.Location)
	row := make([]interface{}, len(s.layout.Columns))
	for i, c := range s.layout.Columns {
		switch {
		case c.Formula != "":
			row[i] = s.layout.Formula(c)
		case c.Key == sheets.ColPhone:
			// leading apostrophe keeps "+91..." from being parsed as a number
			row[i] = "'" + values[c.Key]
		default:
			row[i] = values[c.Key]
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	updated, err := s.api.Append(ctx, s.layout.TableRange(), row)
	if err != nil {
		return nil, fmt.Errorf("append sheet row: %w", err)
	}
	a, err := sheets.ParseA1(updated)
	if err != nil {
		return nil, fmt.Errorf("append sheet row: %w", err)
	}
	s.log.Info("Sheet row appended", "row", a.StartRow, "phone_key", phone.Key(f.Phone))
	return &SheetUpsertResult{Row: a.StartRow, Action: SheetActionCreated, Values: values}, nil
}

func newSheetValues(f types.Fields, now time.Time, loc *time.Location) map[string]string {
	ts := f.SubmittedAt
	if ts.IsZero() {
		ts = now
	}
	stage := f.Stage
	if !stage.Valid() {
		stage = types.StageUnassigned
	}
	agent := strings.TrimSpace(f.AssignedAgent)
	if agent == "" {
		agent = types.UnassignedAgent
	}
	return map[string]string{
		sheets.ColTimestamp:          ts.In(loc).Format("2006-01-02 15:04:05"),
		sheets.ColName:               strings.TrimSpace(f.Name),
		sheets.ColPhone:              strings.TrimSpace(f.Phone),
		sheets.ColEmail:              strings.TrimSpace(f.Email),
		sheets.ColLocation:           strings.TrimSpace(f.Location),
		sheets.ColProduct:            strings.TrimSpace(f.Product),
		sheets.ColSource:             strings.TrimSpace(f.Source),
		sheets.ColMessage:            strings.TrimSpace(f.Message),
		sheets.ColRemark:             strings.TrimSpace(f.Remark),
		sheets.ColStage:              string(stage),
		sheets.ColAssignedAgent:      agent,
		sheets.ColStatus:             strings.TrimSpace(f.Status),
		sheets.ColRegistrationNumber: strings.TrimSpace(f.RegistrationNumber),
	}
}

// sheetChanges applies the lead merge rules to a row snapshot and returns
// only the cells that differ.
func sheetChanges(cur map[string]string, f types.Fields) map[string]string {
	incoming := map[string]string{
		sheets.ColName:               f.Name,
		sheets.ColEmail:              f.Email,
		sheets.ColLocation:           f.Location,
		sheets.ColProduct:            f.Product,
		sheets.ColSource:             f.Source,
		sheets.ColRegistrationNumber: f.RegistrationNumber,
		sheets.ColStatus:             f.Status,
		sheets.ColAssignedAgent:      f.AssignedAgent,
		sheets.ColMessage:            f.Message,
		sheets.ColRemark:             f.Remark,
	}
	changes := map[string]string{}
	for _, key := range mergeColumns {
		if next := types.PickNonEmpty(cur[key], incoming[key]); next != cur[key] {
			changes[key] = next
		}
	}
	for _, key := range appendColumns {
		if next := types.AppendText(cur[key], incoming[key]); next != cur[key] {
			changes[key] = next
		}
	}
	curStage := types.Stage(cur[sheets.ColStage])
	if f.Stage.Valid() && f.Stage != curStage && !curStage.Terminal() {
		changes[sheets.ColStage] = string(f.Stage)
	}
	return changes
}
