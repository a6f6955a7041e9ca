package leads

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/pkg/dbctx"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

// SyncFailureRepo is write-only: the rows exist for humans, not for the core.
type SyncFailureRepo interface {
	Create(dbc dbctx.Context, row *types.SyncFailure) error
}

type syncFailureRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSyncFailureRepo(db *gorm.DB, baseLog *logger.Logger) SyncFailureRepo {
	return &syncFailureRepo{db: db, log: baseLog.With("repo", "SyncFailureRepo")}
}

func (r *syncFailureRepo) Create(dbc dbctx.Context, row *types.SyncFailure) error {
	if row == nil {
		return nil
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	return dbc.DB(r.db).Create(row).Error
}
