package app

import (
	"gorm.io/gorm"

	leadrepo "github.com/yungbote/leadsync-backend/internal/data/repos/leads"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

type Repos struct {
	Lead        leadrepo.LeadRepo
	SyncFailure leadrepo.SyncFailureRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Lead:        leadrepo.NewLeadRepo(db, log),
		SyncFailure: leadrepo.NewSyncFailureRepo(db, log),
	}
}
