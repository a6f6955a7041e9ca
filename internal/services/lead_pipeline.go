package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/leadsync-backend/internal/clients/twilio"
	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/jobs/retry"
	"github.com/yungbote/leadsync-backend/internal/locks"
	"github.com/yungbote/leadsync-backend/internal/observability"
	"github.com/yungbote/leadsync-backend/internal/pkg/besteffort"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
	"github.com/yungbote/leadsync-backend/internal/pkg/phone"
)

type EventKind string

const (
	EventWhatsAppMessage EventKind = "whatsapp_message"
	EventFormSubmission  EventKind = "form_submission"
	EventPayment         EventKind = "payment"
	EventCRMEntry        EventKind = "crm_entry"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventWhatsAppMessage, EventFormSubmission, EventPayment, EventCRMEntry:
		return true
	default:
		return false
	}
}

// handler is the name used in logs, retry metadata and validation errors.
func (k EventKind) handler() string {
	switch k {
	case EventWhatsAppMessage:
		return "whatsapp_webhook"
	case EventFormSubmission:
		return "form_webhook"
	case EventPayment:
		return "payment_webhook"
	case EventCRMEntry:
		return "crm_entry"
	default:
		return "unknown"
	}
}

func (k EventKind) defaultSource() string {
	switch k {
	case EventWhatsAppMessage:
		return "WhatsApp"
	case EventFormSubmission:
		return "Website Form"
	case EventPayment:
		return "Payment"
	case EventCRMEntry:
		return "CRM"
	default:
		return ""
	}
}

// PaymentInfo is the payment part of a payment event.
type PaymentInfo struct {
	Status    string  `json:"status"`
	Amount    float64 `json:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty"`
	Reference string  `json:"reference,omitempty"`
}

// Paid reports whether the provider marked the payment as settled.
func (p *PaymentInfo) Paid() bool {
	if p == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(p.Status)) {
	case "paid", "captured", "success", "succeeded", "completed":
		return true
	default:
		return false
	}
}

// LeadEvent is one inbound event after routing: lead fields are already
// extracted from the upstream payload.
type LeadEvent struct {
	Kind EventKind
	// EventID is the upstream delivery id, used to drop duplicate
	// deliveries. Optional.
	EventID string
	// Actor is the agent behind a manual CRM entry.
	Actor   string
	Fields  types.Fields
	Payment *PaymentInfo
	Details map[string]any
}

type PipelineResult struct {
	DualWriteResult
	Kind      EventKind
	Duplicate bool
	// AutoReply is the welcome message task for new leads, nil when none
	// was sent.
	AutoReply *besteffort.Task
}

// WelcomeSender delivers the auto-reply to brand new leads.
type WelcomeSender interface {
	SendWhatsApp(ctx context.Context, to string, body string) (*twilio.Message, error)
}

type LeadPipelineConfig struct {
	AutoReply         bool
	AutoReplyTemplate string
	AutoReplyTimeout  time.Duration
	Now               func() time.Time
}

// DefaultAutoReplyTemplate is the welcome text. "{name}" is replaced by the
// lead's name, or "there" when the name is unknown.
const DefaultAutoReplyTemplate = "Hi {name}, thanks for reaching out! One of our team members will contact you shortly."

type LeadPipeline struct {
	log     *logger.Logger
	writer  *DualWriter
	locker  Locker
	dedup   *EventDeduper
	welcome WelcomeSender
	cfg     LeadPipelineConfig
}

func NewLeadPipeline(
	baseLog *logger.Logger,
	writer *DualWriter,
	locker Locker,
	dedup *EventDeduper,
	welcome WelcomeSender,
	cfg LeadPipelineConfig,
) *LeadPipeline {
	if strings.TrimSpace(cfg.AutoReplyTemplate) == "" {
		cfg.AutoReplyTemplate = DefaultAutoReplyTemplate
	}
	if cfg.AutoReplyTimeout <= 0 {
		cfg.AutoReplyTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &LeadPipeline{
		log:     baseLog.With("service", "LeadPipeline"),
		writer:  writer,
		locker:  locker,
		dedup:   dedup,
		welcome: welcome,
		cfg:     cfg,
	}
}

// Handle validates ev, maps it onto lead fields and a history entry, and
// dual-writes it under the lead lock. Only validation failures are
// returned as errors; a failed write is queued and still accepted.
func (p *LeadPipeline) Handle(ctx context.Context, ev LeadEvent) (*PipelineResult, error) {
	if err := validateEvent(ev); err != nil {
		observability.Current().IncWebhookEvent(string(ev.Kind), "rejected")
		return nil, err
	}
	handler := ev.Kind.handler()
	key := phone.Key(ev.Fields.Phone)

	dedupID := ""
	if id := strings.TrimSpace(ev.EventID); id != "" {
		dedupID = string(ev.Kind) + ":" + id
		if p.dedup.Seen(dedupID) {
			p.log.Info("Duplicate event delivery ignored", "kind", ev.Kind, "event_id", id, "phone_key", key)
			observability.Current().IncWebhookEvent(string(ev.Kind), "duplicate")
			return &PipelineResult{
				DualWriteResult: DualWriteResult{Accepted: true},
				Kind:            ev.Kind,
				Duplicate:       true,
			}, nil
		}
	}

	fields, entry := p.mapEvent(ev)
	opID := OperationID(ev.Kind, ev.EventID, fields.Phone, fields.SubmittedAt)
	cmd, err := p.writer.Build(opID, handler, fields, entry)
	if err != nil {
		p.dedup.Forget(dedupID)
		return nil, err
	}
	meta := retry.Metadata{Phone: key, Handler: handler, Trigger: string(ev.Kind)}

	var res DualWriteResult
	write := func(ctx context.Context) error {
		res = p.writer.Write(ctx, cmd, meta)
		return nil
	}
	if p.locker == nil {
		err = write(ctx)
	} else {
		err = p.locker.WithLock(ctx, key, write)
	}
	if err != nil {
		// Strict locking gave up, or ctx ended before the lock was taken.
		// The write has not run; the retry queue will run it later.
		queued := p.writer.Queue().Enqueue(opID, cmd, meta)
		p.log.Warn("Lead lock not acquired, write queued",
			"operation_id", opID,
			"handler", handler,
			"timeout", errors.Is(err, locks.ErrLockTimeout),
			"queued", queued,
			"error", err,
		)
		res = DualWriteResult{OperationID: opID, Accepted: true, Queued: queued, Err: err}
	}

	if !res.Accepted {
		p.dedup.Forget(dedupID)
		observability.Current().IncWebhookEvent(string(ev.Kind), "rejected")
		return nil, res.Err
	}

	out := &PipelineResult{DualWriteResult: res, Kind: ev.Kind}
	result := "queued"
	if res.Synced {
		result = "synced"
	}
	observability.Current().IncWebhookEvent(string(ev.Kind), result)

	if res.Created {
		out.AutoReply = p.sendWelcome(ctx, fields)
	}
	return out, nil
}

// OperationID identifies one logical lead write: the same event replayed
// yields the same id. The upstream event id is used when there is one, since
// two messages from one phone can share a timestamp.
func OperationID(kind EventKind, eventID, rawPhone string, submittedAt time.Time) string {
	if id := strings.TrimSpace(eventID); id != "" {
		return fmt.Sprintf("%s:%s", kind, id)
	}
	return fmt.Sprintf("%s:%s:%d", kind, phone.Key(rawPhone), submittedAt.UnixMilli())
}

func validateEvent(ev LeadEvent) error {
	if !ev.Kind.Valid() {
		return types.ValidationError("", "kind", fmt.Sprintf("unknown event kind %q", ev.Kind))
	}
	handler := ev.Kind.handler()
	if strings.TrimSpace(ev.Fields.Phone) == "" {
		return types.ValidationError(handler, "phone", "required")
	}
	if !phone.Valid(ev.Fields.Phone) {
		return types.ValidationError(handler, "phone", "must contain at least 10 digits")
	}
	if ev.Fields.Stage != "" && !ev.Fields.Stage.Valid() {
		return types.ValidationError(handler, "stage", fmt.Sprintf("unknown stage %q", ev.Fields.Stage))
	}
	switch ev.Kind {
	case EventCRMEntry:
		if strings.TrimSpace(ev.Actor) == "" {
			return types.ValidationError(handler, "actor", "required")
		}
	case EventPayment:
		if ev.Payment == nil || strings.TrimSpace(ev.Payment.Status) == "" {
			return types.ValidationError(handler, "payment.status", "required")
		}
	case EventWhatsAppMessage:
		if strings.TrimSpace(ev.Fields.Message) == "" {
			return types.ValidationError(handler, "message", "required")
		}
	}
	return nil
}

// mapEvent applies the per-kind rules: source attribution, stage moves and
// the history action recorded for the event.
func (p *LeadPipeline) mapEvent(ev LeadEvent) (types.Fields, *types.HistoryInput) {
	f := ev.Fields
	f.Phone = strings.TrimSpace(f.Phone)
	if f.SubmittedAt.IsZero() {
		f.SubmittedAt = p.cfg.Now()
	}
	if strings.TrimSpace(f.Source) == "" {
		f.Source = ev.Kind.defaultSource()
	}

	details := map[string]any{}
	for k, v := range ev.Details {
		details[k] = v
	}
	if ev.EventID != "" {
		details["event_id"] = ev.EventID
	}
	entry := &types.HistoryInput{Actor: types.ActorSystem, Details: details}

	switch ev.Kind {
	case EventWhatsAppMessage:
		entry.Action = types.ActionContactCreated
		details["channel"] = "whatsapp"
	case EventFormSubmission:
		entry.Action = types.ActionFormSubmitted
		if f.Product != "" {
			details["product"] = f.Product
		}
	case EventPayment:
		entry.Action = types.ActionPaymentReceived
		details["status"] = ev.Payment.Status
		if ev.Payment.Amount != 0 {
			details["amount"] = ev.Payment.Amount
		}
		if ev.Payment.Currency != "" {
			details["currency"] = ev.Payment.Currency
		}
		if ev.Payment.Reference != "" {
			details["reference"] = ev.Payment.Reference
		}
		if ev.Payment.Paid() {
			f.Stage = types.StageDelivery
			f.Status = PickStatus(f.Status, "Paid")
		} else {
			f.Stage = types.StagePaymentPending
			f.Status = PickStatus(f.Status, "Payment "+strings.ToLower(strings.TrimSpace(ev.Payment.Status)))
		}
	case EventCRMEntry:
		entry.Action = types.ActionCRMEntry
		entry.Actor = strings.TrimSpace(ev.Actor)
	}
	if len(details) == 0 {
		entry.Details = nil
	}
	return f, entry
}

// PickStatus keeps an explicitly supplied status over the derived one.
func PickStatus(supplied, derived string) string {
	if s := strings.TrimSpace(supplied); s != "" {
		return s
	}
	return derived
}

func (p *LeadPipeline) sendWelcome(ctx context.Context, f types.Fields) *besteffort.Task {
	if !p.cfg.AutoReply || p.welcome == nil {
		return nil
	}
	name := strings.TrimSpace(f.Name)
	if name == "" {
		name = "there"
	}
	body := strings.ReplaceAll(p.cfg.AutoReplyTemplate, "{name}", name)
	return besteffort.Go(ctx, p.log, "whatsapp_auto_reply", p.cfg.AutoReplyTimeout, func(ctx context.Context) error {
		msg, err := p.welcome.SendWhatsApp(ctx, f.Phone, body)
		if err != nil {
			return err
		}
		p.log.Info("Auto-reply sent", "phone_key", phone.Key(f.Phone), "sid", msg.SID)
		return nil
	})
}
