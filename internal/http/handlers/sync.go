package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/leadsync-backend/internal/http/response"
	"github.com/yungbote/leadsync-backend/internal/jobs/retry"
)

type QueueStats interface {
	Stats() retry.Stats
}

// SnapshotLister lists the retry-queue snapshots written at shutdown.
type SnapshotLister interface {
	ListSnapshots(ctx context.Context) ([]string, error)
}

type SyncHandler struct {
	queue     QueueStats
	snapshots SnapshotLister
}

// NewSyncHandler serves the sync diagnostics. snapshots may be nil when no
// snapshot bucket is configured.
func NewSyncHandler(queue QueueStats, snapshots SnapshotLister) *SyncHandler {
	return &SyncHandler{queue: queue, snapshots: snapshots}
}

// GET /sync/stats
func (h *SyncHandler) Stats(c *gin.Context) {
	response.RespondOK(c, h.queue.Stats())
}

// GET /sync/snapshots
func (h *SyncHandler) Snapshots(c *gin.Context) {
	if h.snapshots == nil {
		response.RespondError(c, http.StatusNotFound, "snapshots_disabled", errors.New("no snapshot bucket configured"))
		return
	}
	names, err := h.snapshots.ListSnapshots(c.Request.Context())
	if err != nil {
		response.RespondError(c, http.StatusBadGateway, "snapshot_list_failed", err)
		return
	}
	if names == nil {
		names = []string{}
	}
	response.RespondOK(c, gin.H{"snapshots": names})
}
