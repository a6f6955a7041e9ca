package middleware

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

	"github.com/yungbote/leadsync-backend/internal/pkg/ctxutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/services"
)

func agentRouter(auth services.AgentAuth) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	am := NewAuthMiddleware(logger.NewNop(), auth)
	r.GET("/whoami", am.RequireAgent(), func(c *gin.Context) {
		c.String(http.StatusOK, ctxutil.Agent(c.Request.Context()))
	})
	return r
}

func get(r http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequireAgent(t *testing.T) {
	auth := services.NewAgentAuth(logger.NewNop(), "s3cret", "")
	r := agentRouter(auth)
	token, err := auth.IssueToken("ravi", time.Hour)
	require.NoError(t, err)

	rec := get(r, "/whoami", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ravi", rec.Body.String())

	rec = get(r, "/whoami", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)

	rec = get(r, "/whoami", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type stubAuth struct {
	agent string
	err   error
}

func (s stubAuth) SetContextFromToken(ctx context.Context, _ string) (context.Context, error) {
	if s.err != nil {
		return ctx, s.err
	}
	return ctxutil.WithAgent(ctx, s.agent), nil
}

func (s stubAuth) IssueToken(string, time.Duration) (string, error) { return "", errors.New("unused") }

func TestRequireAgentStatusMapping(t *testing.T) {
	bearer := map[string]string{"Authorization": "Bearer x"}

	rec := get(agentRouter(stubAuth{err: services.ErrAgentAuthDisabled}), "/whoami", bearer)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(agentRouter(stubAuth{agent: ""}), "/whoami", bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAttachTraceContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachTraceContext())
	var seen *ctxutil.TraceData
	r.GET("/x", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	rec := get(r, "/x", map[string]string{"X-Request-Id": "req-1"})
	require.NotNil(t, seen)
	assert.Equal(t, "req-1", seen.RequestID)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "req-1", rec.Header().Get("X-Trace-Id"))

	rec = get(r, "/x", nil)
	assert.Len(t, rec.Header().Get("X-Request-Id"), 26, "generated ids are ULIDs")
}
