package services

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	leadrepo "github.com/yungbote/leadsync-backend/internal/data/repos/leads"
	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/jobs/retry"
	"github.com/yungbote/leadsync-backend/internal/pkg/besteffort"
	"github.com/yungbote/leadsync-backend/internal/pkg/dbctx"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

// SyncFailureRecorder persists an audit row per failed dual write. The rows
// are for humans; nothing reads them back, and a failed insert is only
// logged.
type SyncFailureRecorder struct {
	log  *logger.Logger
	repo leadrepo.SyncFailureRepo
}

func NewSyncFailureRecorder(baseLog *logger.Logger, repo leadrepo.SyncFailureRepo) *SyncFailureRecorder {
	return &SyncFailureRecorder{log: baseLog.With("service", "SyncFailureRecorder"), repo: repo}
}

// RecordFirstAttempt writes the audit row in the background.
func (r *SyncFailureRecorder) RecordFirstAttempt(ctx context.Context, operationID string, cmd retry.Command, meta retry.Metadata, cause error) *besteffort.Task {
	if r == nil || r.repo == nil {
		return besteffort.Done()
	}
	row := syncFailureRow(operationID, cmd, meta, types.SyncFailureFirstAttempt, 1, cause)
	return besteffort.Go(ctx, r.log, "sync_failure_first_attempt", 5*time.Second, func(ctx context.Context) error {
		return r.repo.Create(dbctx.New(ctx), row)
	})
}

// DeadLetter implements retry.DeadLetterSink.
func (r *SyncFailureRecorder) DeadLetter(ctx context.Context, pw retry.PendingWrite, cause error) error {
	if r == nil || r.repo == nil {
		return nil
	}
	row := syncFailureRow(pw.OperationID, pw.Command, pw.Metadata, types.SyncFailureDeadLetter, pw.Attempts, cause)
	return r.repo.Create(dbctx.New(ctx), row)
}

func syncFailureRow(operationID string, cmd retry.Command, meta retry.Metadata, stage string, attempts int, cause error) *types.SyncFailure {
	metadata, _ := json.Marshal(map[string]any{
		"trigger": meta.Trigger,
		"payload": cmd.Payload,
	})
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &types.SyncFailure{
		OperationID: operationID,
		Kind:        cmd.Kind,
		Phone:       meta.Phone,
		Handler:     meta.Handler,
		Stage:       stage,
		Attempts:    attempts,
		Error:       msg,
		Metadata:    datatypes.JSON(metadata),
	}
}
