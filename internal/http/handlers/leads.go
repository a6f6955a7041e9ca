package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v6"

	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/http/middleware"
	"github.com/yungbote/leadsync-backend/internal/http/response"
	"github.com/yungbote/leadsync-backend/internal/pkg/ctxutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/services"
)

type LeadHandler struct {
	log      *logger.Logger
	pipeline EventHandler
	schemas  *Schemas
}

func NewLeadHandler(log *logger.Logger, pipeline EventHandler, schemas *Schemas) *LeadHandler {
	return &LeadHandler{log: log.With("handler", "LeadHandler"), pipeline: pipeline, schemas: schemas}
}

// POST /api/leads
//
// Manual CRM entry by the authenticated agent, who is recorded as the
// history actor.
func (h *LeadHandler) CreateEntry(c *gin.Context) {
	agent := ctxutil.Agent(c.Request.Context())
	if agent == "" {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	c.Set(middleware.EventKindKey, string(services.EventCRMEntry))
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if err := h.schemas.Validate("lead_entry.json", services.EventCRMEntry, doc); err != nil {
		response.RespondFieldError(c, http.StatusBadRequest, "validation_failed", errorField(err), err)
		return
	}
	var entry LeadEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}

	res, err := h.pipeline.Handle(c.Request.Context(), entry.event(agent))
	if err != nil {
		if types.IsValidation(err) {
			response.RespondFieldError(c, http.StatusBadRequest, "validation_failed", errorField(err), err)
			return
		}
		h.log.Error("CRM entry failed", "agent", agent, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "entry_failed", err)
		return
	}

	status := "accepted"
	switch {
	case res.Duplicate:
		status = "duplicate"
	case res.Synced:
		status = "synced"
	case res.Queued:
		status = "queued"
	}
	body := gin.H{
		"status":       status,
		"operation_id": res.OperationID,
		"business_id":  res.BusinessID,
		"created":      res.Created,
	}
	if res.Err != nil {
		body["sync_error"] = res.Err.Error()
	}
	response.RespondAccepted(c, body)
}
