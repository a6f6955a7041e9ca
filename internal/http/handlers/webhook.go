package handlers

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v6"

	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/http/middleware"
	"github.com/yungbote/leadsync-backend/internal/http/response"
	"github.com/yungbote/leadsync-backend/internal/observability"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/services"
)

const maxWebhookBody = 1 << 20

// EventHandler is the slice of the lead pipeline the HTTP layer drives.
type EventHandler interface {
	Handle(ctx context.Context, ev services.LeadEvent) (*services.PipelineResult, error)
}

type WebhookHandler struct {
	log      *logger.Logger
	pipeline EventHandler
	schemas  *Schemas
	secret   string
}

// NewWebhookHandler serves POST /webhook. A non-empty secret must be echoed
// by senders in the X-Webhook-Secret header. Without a secret the crm_entry
// route is refused.
func NewWebhookHandler(log *logger.Logger, pipeline EventHandler, schemas *Schemas, secret string) *WebhookHandler {
	return &WebhookHandler{
		log:      log.With("handler", "WebhookHandler"),
		pipeline: pipeline,
		schemas:  schemas,
		secret:   strings.TrimSpace(secret),
	}
}

type webhookResponse struct {
	Status       string   `json:"status"`
	Kind         string   `json:"kind,omitempty"`
	Events       int      `json:"events"`
	Duplicates   int      `json:"duplicates,omitempty"`
	OperationIDs []string `json:"operation_ids,omitempty"`
}

// POST /webhook
func (h *WebhookHandler) Receive(c *gin.Context) {
	if h.secret != "" {
		got := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("invalid webhook secret"))
			return
		}
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		response.RespondError(c, http.StatusBadRequest, "empty_body", errors.New("empty body"))
		return
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", err)
		return
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		response.RespondError(c, http.StatusBadRequest, "invalid_json", errors.New("body must be a JSON object"))
		return
	}

	route, ok := matchRoute(obj)
	if !ok {
		observability.Current().IncWebhookEvent("", "unrouted")
		h.log.Warn("Webhook payload matched no route", "keys", topLevelKeys(obj))
		response.RespondError(c, http.StatusBadRequest, "unrecognized_event", errors.New("payload does not match any known event shape"))
		return
	}
	c.Set(middleware.EventKindKey, string(route.kind))
	if route.kind == services.EventCRMEntry && h.secret == "" {
		// The body names the acting agent, so only an authenticated sender
		// may use this route. Agents without one post to /api/leads.
		observability.Current().IncWebhookEvent(string(route.kind), "rejected")
		h.log.Warn("CRM entry refused, webhook secret not configured")
		response.RespondError(c, http.StatusForbidden, "crm_entry_requires_secret", errors.New("crm_entry webhooks require WEBHOOK_SECRET"))
		return
	}

	if err := h.schemas.Validate(route.schema, route.kind, doc); err != nil {
		h.rejectPayload(c, route.kind, err)
		return
	}
	events, err := route.decode(raw)
	if err != nil {
		h.rejectPayload(c, route.kind, err)
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusOK, webhookResponse{Status: "ignored", Kind: string(route.kind)})
		return
	}

	out := webhookResponse{Status: "accepted", Kind: string(route.kind)}
	for _, ev := range events {
		res, err := h.pipeline.Handle(c.Request.Context(), ev)
		if err != nil {
			if types.IsValidation(err) {
				h.rejectPayload(c, route.kind, err)
				return
			}
			h.log.Error("Lead event failed", "kind", route.kind, "error", err)
			response.RespondError(c, http.StatusInternalServerError, "event_failed", err)
			return
		}
		out.Events++
		if res.Duplicate {
			out.Duplicates++
			continue
		}
		if res.OperationID != "" {
			out.OperationIDs = append(out.OperationIDs, res.OperationID)
		}
	}
	response.RespondAccepted(c, out)
}

func (h *WebhookHandler) rejectPayload(c *gin.Context, k services.EventKind, err error) {
	observability.Current().IncWebhookEvent(string(k), "rejected")
	h.log.Warn("Webhook payload rejected", "kind", k, "error", err)
	response.RespondFieldError(c, http.StatusBadRequest, "validation_failed", errorField(err), err)
}

func errorField(err error) string {
	var pe *PayloadError
	if errors.As(err, &pe) {
		return pe.Field
	}
	var le *types.Error
	if errors.As(err, &le) {
		return le.Field
	}
	return ""
}

func matchRoute(doc map[string]any) (webhookRoute, bool) {
	for _, r := range webhookRoutes {
		if r.match(doc) {
			return r, true
		}
	}
	return webhookRoute{}, false
}

func topLevelKeys(doc map[string]any) []string {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
		if len(keys) == 10 {
			break
		}
	}
	return keys
}
