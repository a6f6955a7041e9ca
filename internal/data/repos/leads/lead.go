package leads

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/pkg/dbctx"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

// ErrDuplicate is returned by Create when the phone or business id is taken.
var ErrDuplicate = errors.New("lead already exists")

type LeadRepo interface {
	GetByPhoneKey(dbc dbctx.Context, phoneKey string) (*types.Lead, error)
	Create(dbc dbctx.Context, lead *types.Lead) error
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	AppendHistory(dbc dbctx.Context, leadID uuid.UUID, entry *types.HistoryEntry) error
	CountHistory(dbc dbctx.Context, leadID uuid.UUID) (int64, error)
	HasHistory(dbc dbctx.Context, leadID uuid.UUID, operationID, action string) (bool, error)
	NextSequence(dbc dbctx.Context, name string) (int64, error)
	Transaction(dbc dbctx.Context, fn func(tx dbctx.Context) error) error
}

type leadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLeadRepo(db *gorm.DB, baseLog *logger.Logger) LeadRepo {
	return &leadRepo{
		db:  db,
		log: baseLog.With("repo", "LeadRepo"),
	}
}

func (r *leadRepo) GetByPhoneKey(dbc dbctx.Context, phoneKey string) (*types.Lead, error) {
	phoneKey = strings.TrimSpace(phoneKey)
	if phoneKey == "" {
		return nil, nil
	}
	var rows []types.Lead
	err := dbc.DB(r.db).
		Preload("History", func(q *gorm.DB) *gorm.DB {
			return q.Order("timestamp ASC, id ASC")
		}).
		Where("phone_normalized = ?", phoneKey).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *leadRepo) Create(dbc dbctx.Context, lead *types.Lead) error {
	if lead == nil {
		return fmt.Errorf("nil lead")
	}
	if lead.ID == uuid.Nil {
		lead.ID = uuid.New()
	}
	history := lead.History
	lead.History = nil
	err := r.Transaction(dbc, func(tx dbctx.Context) error {
		if err := tx.DB(r.db).Create(lead).Error; err != nil {
			return err
		}
		for i := range history {
			if err := r.AppendHistory(tx, lead.ID, &history[i]); err != nil {
				return err
			}
		}
		return nil
	})
	lead.History = history
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, lead.PhoneNormalized)
	}
	return err
}

func (r *leadRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.DB(r.db).
		Model(&types.Lead{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// AppendHistory inserts one audit row. Each entry is its own row, so
// concurrent appends never overwrite each other.
func (r *leadRepo) AppendHistory(dbc dbctx.Context, leadID uuid.UUID, entry *types.HistoryEntry) error {
	if entry == nil || leadID == uuid.Nil {
		return nil
	}
	entry.LeadID = leadID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if strings.TrimSpace(entry.Actor) == "" {
		entry.Actor = types.ActorSystem
	}
	return dbc.DB(r.db).Create(entry).Error
}

func (r *leadRepo) CountHistory(dbc dbctx.Context, leadID uuid.UUID) (int64, error) {
	var n int64
	err := dbc.DB(r.db).Model(&types.HistoryEntry{}).Where("lead_id = ?", leadID).Count(&n).Error
	return n, err
}

// HasHistory reports whether an entry for (operationID, action) already
// exists on the lead. An empty action matches any action; an empty
// operationID never matches.
func (r *leadRepo) HasHistory(dbc dbctx.Context, leadID uuid.UUID, operationID, action string) (bool, error) {
	operationID = strings.TrimSpace(operationID)
	if operationID == "" || leadID == uuid.Nil {
		return false, nil
	}
	q := dbc.DB(r.db).
		Model(&types.HistoryEntry{}).
		Where("lead_id = ? AND operation_id = ?", leadID, operationID)
	if action = strings.TrimSpace(action); action != "" {
		q = q.Where("action = ?", action)
	}
	var n int64
	err := q.Count(&n).Error
	return n > 0, err
}

// NextSequence increments and returns the named counter. The UPDATE takes
// the row lock, so concurrent callers serialize on it and never observe the
// same value.
func (r *leadRepo) NextSequence(dbc dbctx.Context, name string) (int64, error) {
	var next int64
	err := r.Transaction(dbc, func(tx dbctx.Context) error {
		res := tx.DB(r.db).
			Model(&types.Counter{}).
			Where("name = ?", name).
			Updates(map[string]interface{}{
				"value":      gorm.Expr("value + 1"),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.DB(r.db).Create(&types.Counter{Name: name, Value: 1}).Error; err != nil {
				return err
			}
			next = 1
			return nil
		}
		var c types.Counter
		if err := tx.DB(r.db).Where("name = ?", name).Take(&c).Error; err != nil {
			return err
		}
		next = c.Value
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (r *leadRepo) Transaction(dbc dbctx.Context, fn func(tx dbctx.Context) error) error {
	if dbc.Tx != nil {
		return fn(dbc)
	}
	return dbc.DB(r.db).Transaction(func(txx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: dbc.Ctx, Tx: txx})
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.TrimSpace(pgErr.Code) == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
