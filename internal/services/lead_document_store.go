package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	leadrepo "github.com/yungbote/leadsync-backend/internal/data/repos/leads"
	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/pkg/dbctx"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/pkg/phone"
)

// WriteResult is what both lead stores report for one write.
type WriteResult struct {
	BusinessID string
	Created    bool
	Updated    bool
	Lead       *types.Lead
}

// LeadDocumentStore is the system-of-record side of the dual write, keyed by
// the canonical phone key.
type LeadDocumentStore interface {
	// FindByPhone never fails: backend errors are logged and reported as
	// not found.
	FindByPhone(ctx context.Context, rawPhone string) *types.Lead
	// Create returns nil, nil when the phone has fewer than 10 digits, and
	// the existing identity with Created=false when the lead already exists.
	Create(ctx context.Context, f types.Fields, entry *types.HistoryInput) (*WriteResult, error)
	// Update returns nil, nil when no lead has this phone.
	Update(ctx context.Context, rawPhone string, updates map[string]interface{}, entry *types.HistoryInput) (*WriteResult, error)
	CreateOrUpdate(ctx context.Context, f types.Fields, entry *types.HistoryInput) (*WriteResult, error)
	AddHistory(ctx context.Context, rawPhone, action, actor string, details map[string]any) (bool, error)
	SetSheetRow(ctx context.Context, rawPhone string, row int) error
}

type DocumentStoreConfig struct {
	BusinessIDPrefix string
	Timeout          time.Duration
	Now              func() time.Time
}

type leadDocumentStore struct {
	log  *logger.Logger
	repo leadrepo.LeadRepo
	cfg  DocumentStoreConfig
}

func NewLeadDocumentStore(baseLog *logger.Logger, repo leadrepo.LeadRepo, cfg DocumentStoreConfig) LeadDocumentStore {
	if strings.TrimSpace(cfg.BusinessIDPrefix) == "" {
		cfg.BusinessIDPrefix = "CG"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &leadDocumentStore{
		log:  baseLog.With("service", "LeadDocumentStore"),
		repo: repo,
		cfg:  cfg,
	}
}

// updatableColumns are the columns Update accepts. Identity columns are
// deliberately absent.
var updatableColumns = map[string]bool{
	"name": true, "email": true, "location": true, "product": true, "source": true,
	"message": true, "remark": true, "registration_number": true, "stage": true,
	"assigned_agent": true, "status": true, "sheet_row": true,
}

func (s *leadDocumentStore) FindByPhone(ctx context.Context, rawPhone string) *types.Lead {
	key := phone.Key(rawPhone)
	if key == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	lead, err := s.repo.GetByPhoneKey(dbctx.New(ctx), key)
	if err != nil {
		s.log.Error("Lead lookup failed, treating as not found", "phone_key", key, "error", err)
		return nil
	}
	return lead
}

func (s *leadDocumentStore) Create(ctx context.Context, f types.Fields, entry *types.HistoryInput) (*WriteResult, error) {
	return s.create(ctx, f, entry, false)
}

// create inserts a new lead. When another writer inserts the same phone
// between the lookup and the insert, mergeOnRace decides whether this event
// is merged into the winner or only the winner's identity is reported.
func (s *leadDocumentStore) create(ctx context.Context, f types.Fields, entry *types.HistoryInput, mergeOnRace bool) (*WriteResult, error) {
	if !phone.Valid(f.Phone) {
		s.log.Warn("Skipping lead create for invalid phone", "phone_digits", len(phone.Normalize(f.Phone)), "source", f.Source)
		return nil, nil
	}
	if existing := s.FindByPhone(ctx, f.Phone); existing != nil {
		return &WriteResult{BusinessID: existing.BusinessID, Lead: existing}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	now := s.cfg.Now()
	lead := newLeadFromFields(f)
	lead.BusinessID = s.nextBusinessID(ctx)
	lead.History = historyForCreate(entry, now)

	err := s.repo.Create(dbctx.New(ctx), lead)
	if errors.Is(err, leadrepo.ErrDuplicate) {
		// Lost a create race (or the business id collided).
		if existing := s.FindByPhone(ctx, f.Phone); existing != nil {
			s.log.Info("Lead created concurrently", "business_id", existing.BusinessID, "merge", mergeOnRace)
			if mergeOnRace {
				return s.merge(ctx, existing, f, entry)
			}
			return &WriteResult{BusinessID: existing.BusinessID, Lead: existing}, nil
		}
	}
	if err != nil {
		return nil, types.Wrap(types.CodeRetryable, "lead_create", err)
	}
	s.log.Info("Lead created", "business_id", lead.BusinessID, "phone_key", lead.PhoneNormalized, "source", lead.Source)
	return &WriteResult{BusinessID: lead.BusinessID, Created: true, Lead: lead}, nil
}

func (s *leadDocumentStore) Update(ctx context.Context, rawPhone string, updates map[string]interface{}, entry *types.HistoryInput) (*WriteResult, error) {
	lead := s.FindByPhone(ctx, rawPhone)
	if lead == nil {
		return nil, nil
	}
	filtered := make(map[string]interface{}, len(updates))
	for col, v := range updates {
		if updatableColumns[col] {
			filtered[col] = v
		} else {
			s.log.Warn("Ignoring non-updatable lead column", "column", col)
		}
	}
	var entries []types.HistoryInput
	if entry != nil {
		entries = append(entries, *entry)
	}
	return s.apply(ctx, lead, filtered, entries)
}

func (s *leadDocumentStore) CreateOrUpdate(ctx context.Context, f types.Fields, entry *types.HistoryInput) (*WriteResult, error) {
	lead := s.FindByPhone(ctx, f.Phone)
	if lead == nil {
		return s.create(ctx, f, entry, true)
	}
	return s.merge(ctx, lead, f, entry)
}

// merge applies f to an existing lead as one update with one history entry.
// A stage move is recorded in that entry's details, not as an entry of its
// own.
func (s *leadDocumentStore) merge(ctx context.Context, lead *types.Lead, f types.Fields, entry *types.HistoryInput) (*WriteResult, error) {
	updates, stageFrom := mergeLeadUpdates(lead, f)

	updateEntry := types.HistoryInput{Action: types.ActionContactUpdated, Actor: types.ActorSystem}
	if entry != nil {
		updateEntry = *entry
		if updateEntry.Action == types.ActionContactCreated {
			updateEntry.Action = types.ActionContactUpdated
		}
	}
	if stageFrom != "" {
		details := make(map[string]any, len(updateEntry.Details)+2)
		for k, v := range updateEntry.Details {
			details[k] = v
		}
		details["stage_from"] = string(stageFrom)
		details["stage_to"] = string(f.Stage)
		updateEntry.Details = details
	}
	return s.apply(ctx, lead, updates, []types.HistoryInput{updateEntry})
}

func (s *leadDocumentStore) AddHistory(ctx context.Context, rawPhone, action, actor string, details map[string]any) (bool, error) {
	lead := s.FindByPhone(ctx, rawPhone)
	if lead == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	he, err := historyEntry(types.HistoryInput{Action: action, Actor: actor, Details: details}, s.cfg.Now())
	if err != nil {
		return false, err
	}
	if err := s.repo.AppendHistory(dbctx.New(ctx), lead.ID, he); err != nil {
		return false, types.Wrap(types.CodeRetryable, "lead_add_history", err)
	}
	return true, nil
}

func (s *leadDocumentStore) SetSheetRow(ctx context.Context, rawPhone string, row int) error {
	lead := s.FindByPhone(ctx, rawPhone)
	if lead == nil || (lead.SheetRow != nil && *lead.SheetRow == row) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.repo.UpdateFields(dbctx.New(ctx), lead.ID, map[string]interface{}{"sheet_row": row})
}

// apply writes scalar updates and history in one transaction. An operation
// writes its history once: entries whose operation id already appears on
// this lead are skipped, whatever their action.
func (s *leadDocumentStore) apply(ctx context.Context, lead *types.Lead, updates map[string]interface{}, entries []types.HistoryInput) (*WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	now := s.cfg.Now()

	appended := 0
	err := s.repo.Transaction(dbctx.New(ctx), func(tx dbctx.Context) error {
		if len(updates) > 0 {
			if err := s.repo.UpdateFields(tx, lead.ID, updates); err != nil {
				return err
			}
		}
		recorded := map[string]bool{}
		for _, in := range entries {
			if in.OperationID == "" {
				continue
			}
			if _, ok := recorded[in.OperationID]; ok {
				continue
			}
			seen, err := s.repo.HasHistory(tx, lead.ID, in.OperationID, "")
			if err != nil {
				return err
			}
			recorded[in.OperationID] = seen
		}
		for _, in := range entries {
			if recorded[in.OperationID] {
				continue
			}
			he, err := historyEntry(in, now)
			if err != nil {
				return err
			}
			if err := s.repo.AppendHistory(tx, lead.ID, he); err != nil {
				return err
			}
			appended++
		}
		return nil
	})
	if err != nil {
		return nil, types.Wrap(types.CodeRetryable, "lead_update", err)
	}
	s.log.Debug("Lead updated", "business_id", lead.BusinessID, "columns", len(updates), "history_appended", appended)
	return &WriteResult{BusinessID: lead.BusinessID, Updated: true, Lead: lead}, nil
}

// nextBusinessID takes the next counter value. A failed counter transaction
// falls back to a timestamp id so lead creation never blocks on the counter.
func (s *leadDocumentStore) nextBusinessID(ctx context.Context) string {
	n, err := s.repo.NextSequence(dbctx.New(ctx), types.BusinessIDCounter)
	if err != nil {
		fallback := fmt.Sprintf("%sT%d", s.cfg.BusinessIDPrefix, s.cfg.Now().UnixMilli())
		s.log.Warn("Business id counter failed, using timestamp id", "business_id", fallback, "error", err)
		return fallback
	}
	return FormatBusinessID(s.cfg.BusinessIDPrefix, n)
}

// FormatBusinessID renders prefix plus a five digit, zero padded sequence.
func FormatBusinessID(prefix string, n int64) string {
	return fmt.Sprintf("%s%05d", prefix, n)
}

func newLeadFromFields(f types.Fields) *types.Lead {
	stage := f.Stage
	if !stage.Valid() {
		stage = types.StageUnassigned
	}
	agent := strings.TrimSpace(f.AssignedAgent)
	if agent == "" {
		agent = types.UnassignedAgent
	}
	return &types.Lead{
		PhoneRaw:           strings.TrimSpace(f.Phone),
		PhoneNormalized:    phone.Key(f.Phone),
		Stage:              stage,
		AssignedAgent:      agent,
		Status:             strings.TrimSpace(f.Status),
		Name:               strings.TrimSpace(f.Name),
		Email:              strings.TrimSpace(f.Email),
		Location:           strings.TrimSpace(f.Location),
		Product:            strings.TrimSpace(f.Product),
		Source:             strings.TrimSpace(f.Source),
		Message:            strings.TrimSpace(f.Message),
		Remark:             strings.TrimSpace(f.Remark),
		RegistrationNumber: strings.TrimSpace(f.RegistrationNumber),
		SheetRow:           f.SheetRow,
	}
}

// mergeLeadUpdates returns only the columns whose value changes. Blank
// incoming values never clear stored ones, text fields are appended, and a
// terminal stage is never left. stageFrom is set when the stage changes.
func mergeLeadUpdates(lead *types.Lead, f types.Fields) (map[string]interface{}, types.Stage) {
	updates := map[string]interface{}{}
	set := func(col, cur, next string) {
		if next != cur {
			updates[col] = next
		}
	}
	set("name", lead.Name, types.PickNonEmpty(lead.Name, f.Name))
	set("email", lead.Email, types.PickNonEmpty(lead.Email, f.Email))
	set("location", lead.Location, types.PickNonEmpty(lead.Location, f.Location))
	set("product", lead.Product, types.PickNonEmpty(lead.Product, f.Product))
	set("source", lead.Source, types.PickNonEmpty(lead.Source, f.Source))
	set("registration_number", lead.RegistrationNumber, types.PickNonEmpty(lead.RegistrationNumber, f.RegistrationNumber))
	set("status", lead.Status, types.PickNonEmpty(lead.Status, f.Status))
	set("assigned_agent", lead.AssignedAgent, types.PickNonEmpty(lead.AssignedAgent, f.AssignedAgent))
	set("message", lead.Message, types.AppendText(lead.Message, f.Message))
	set("remark", lead.Remark, types.AppendText(lead.Remark, f.Remark))

	var stageFrom types.Stage
	if f.Stage.Valid() && f.Stage != lead.Stage && !lead.Stage.Terminal() {
		updates["stage"] = f.Stage
		stageFrom = lead.Stage
	}
	if f.SheetRow != nil && (lead.SheetRow == nil || *lead.SheetRow != *f.SheetRow) {
		updates["sheet_row"] = *f.SheetRow
	}
	return updates, stageFrom
}

func historyForCreate(entry *types.HistoryInput, now time.Time) []types.HistoryEntry {
	created := types.HistoryInput{Action: types.ActionContactCreated, Actor: types.ActorSystem}
	inputs := []types.HistoryInput{created}
	if entry != nil {
		created.Actor = entry.Actor
		created.OperationID = entry.OperationID
		inputs[0] = created
		switch entry.Action {
		case "", types.ActionContactCreated, types.ActionContactUpdated:
		default:
			inputs = append(inputs, *entry)
		}
	}
	out := make([]types.HistoryEntry, 0, len(inputs))
	for _, in := range inputs {
		he, err := historyEntry(in, now)
		if err != nil {
			continue
		}
		out = append(out, *he)
	}
	return out
}

func historyEntry(in types.HistoryInput, now time.Time) (*types.HistoryEntry, error) {
	he := &types.HistoryEntry{
		Action:      strings.TrimSpace(in.Action),
		Actor:       strings.TrimSpace(in.Actor),
		OperationID: strings.TrimSpace(in.OperationID),
		Timestamp:   now,
	}
	if he.Action == "" {
		return nil, types.ValidationError("", "action", "history action required")
	}
	if len(in.Details) > 0 {
		raw, err := json.Marshal(in.Details)
		if err != nil {
			return nil, fmt.Errorf("encode history details: %w", err)
		}
		he.Details = datatypes.JSON(raw)
	}
	return he, nil
}
