package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpMW "github.com/yungbote/leadsync-backend/internal/http/middleware"
	"github.com/yungbote/leadsync-backend/internal/jobs/retry"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/services"
)

func leadRouter(t *testing.T, p EventHandler) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth := services.NewAgentAuth(logger.NewNop(), "s3cret", "")
	token, err := auth.IssueToken("ravi", time.Hour)
	require.NoError(t, err)

	r := gin.New()
	am := httpMW.NewAuthMiddleware(logger.NewNop(), auth)
	h := NewLeadHandler(logger.NewNop(), p, mustSchemas(t))
	r.POST("/api/leads", am.RequireAgent(), h.CreateEntry)
	return r, token
}

func TestLeadEntryUsesAgentAsActor(t *testing.T) {
	p := &fakePipeline{}
	r, token := leadRouter(t, p)

	rec := post(r, "/api/leads", `{"phone":"+91 98765 43210","remark":"called, wants demo","stage":"sales_review"}`,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"synced"`)

	require.Len(t, p.events, 1)
	ev := p.events[0]
	assert.Equal(t, services.EventCRMEntry, ev.Kind)
	assert.Equal(t, "ravi", ev.Actor)
	assert.Equal(t, "called, wants demo", ev.Fields.Remark)
}

func TestLeadEntryIgnoresActorInBody(t *testing.T) {
	p := &fakePipeline{}
	r, token := leadRouter(t, p)

	rec := post(r, "/api/leads", `{"phone":"9876543210","agent":"mallory"}`,
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown properties are rejected")
	assert.Empty(t, p.events)
}

func TestLeadEntryRequiresToken(t *testing.T) {
	p := &fakePipeline{}
	r, _ := leadRouter(t, p)
	rec := post(r, "/api/leads", `{"phone":"9876543210"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, p.events)
}

func TestLeadEntryPipelineFailure(t *testing.T) {
	p := &fakePipeline{err: errors.New("boom")}
	r, token := leadRouter(t, p)
	rec := post(r, "/api/leads", `{"phone":"9876543210"}`, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "entry_failed", decodeError(t, rec).Error.Code)
}

type staticStats retry.Stats

func (s staticStats) Stats() retry.Stats { return retry.Stats(s) }

type listerFunc func(ctx context.Context) ([]string, error)

func (f listerFunc) ListSnapshots(ctx context.Context) ([]string, error) { return f(ctx) }

func TestSyncStats(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewSyncHandler(staticStats{Depth: 1, MaxAttempts: 5, Items: []retry.ItemStats{{OperationID: "op-1", Attempts: 2}}}, nil)
	r.GET("/sync/stats", h.Stats)
	r.GET("/sync/snapshots", h.Snapshots)

	req := httptest.NewRequest(http.MethodGet, "/sync/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"depth":1`)
	assert.Contains(t, rec.Body.String(), `"operation_id":"op-1"`)

	req = httptest.NewRequest(http.MethodGet, "/sync/snapshots", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncSnapshots(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewSyncHandler(staticStats{}, listerFunc(func(context.Context) ([]string, error) {
		return []string{"retry-queue/20240506T103000Z.json"}, nil
	}))
	r.GET("/sync/snapshots", h.Snapshots)

	req := httptest.NewRequest(http.MethodGet, "/sync/snapshots", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"snapshots":["retry-queue/20240506T103000Z.json"]}`, rec.Body.String())
}

func TestHealthReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHealthHandler(
		Check{Name: "postgres", Fn: func(context.Context) error { return nil }},
		Check{Name: "redis", Fn: func(context.Context) error { return errors.New("dial tcp: refused") }},
	)
	r.GET("/healthcheck", h.HealthCheck)
	r.GET("/readyz", h.Ready)

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"checks":{"postgres":"ok","redis":"dial tcp: refused"}}`, rec.Body.String())
}
