package handlers

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	types "github.com/yungbote/leadsync-backend/internal/domain/leads"
	"github.com/yungbote/leadsync-backend/internal/services"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "mem://leadsync/schemas/"

// webhookRoute is one row of the dispatch table: the first route whose
// predicate accepts a payload owns it.
type webhookRoute struct {
	kind   services.EventKind
	schema string
	match  func(doc map[string]any) bool
	decode func(raw []byte) ([]services.LeadEvent, error)
}

var webhookRoutes = []webhookRoute{
	{
		kind:   services.EventWhatsAppMessage,
		schema: "whatsapp_message.json",
		match:  func(doc map[string]any) bool { return stringField(doc, "object") == "whatsapp_business_account" },
		decode: decodeWhatsApp,
	},
	{
		kind:   services.EventPayment,
		schema: "payment.json",
		match:  func(doc map[string]any) bool { return strings.HasPrefix(stringField(doc, "event"), "payment.") },
		decode: decodePayment,
	},
	{
		kind:   services.EventCRMEntry,
		schema: "crm_entry.json",
		match:  func(doc map[string]any) bool { return stringField(doc, "type") == string(services.EventCRMEntry) },
		decode: decodeCRMEntry,
	},
	{
		kind:   services.EventFormSubmission,
		schema: "form_submission.json",
		match: func(doc map[string]any) bool {
			_, hasForm := doc["form_id"]
			_, hasFields := doc["fields"]
			return hasForm && hasFields
		},
		decode: decodeFormSubmission,
	},
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return strings.TrimSpace(s)
}

// PayloadError is a payload that does not match its schema.
type PayloadError struct {
	Kind    services.EventKind
	Field   string
	Message string
}

func (e *PayloadError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Schemas holds the compiled payload schema of every route, plus the lead
// entry schema used by the agent API.
type Schemas struct {
	byName map[string]*jsonschema.Schema
}

func CompileSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
		if err := c.AddResource(schemaBase+e.Name(), doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}
	out := &Schemas{byName: map[string]*jsonschema.Schema{}}
	for _, e := range entries {
		sch, err := c.Compile(schemaBase + e.Name())
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", e.Name(), err)
		}
		out.byName[e.Name()] = sch
	}
	for _, r := range webhookRoutes {
		if out.byName[r.schema] == nil {
			return nil, fmt.Errorf("route %s has no schema %s", r.kind, r.schema)
		}
	}
	return out, nil
}

var printer = message.NewPrinter(language.English)

// Validate checks doc (as returned by jsonschema.UnmarshalJSON) against the
// named schema and reports the first failing field.
func (s *Schemas) Validate(name string, k services.EventKind, doc any) error {
	sch := s.byName[name]
	if sch == nil {
		return fmt.Errorf("unknown schema %q", name)
	}
	err := sch.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &PayloadError{Kind: k, Message: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.Join(leaf.InstanceLocation, ".")
	if req, ok := leaf.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
		if field != "" {
			field += "."
		}
		field += req.Missing[0]
	}
	return &PayloadError{Kind: k, Field: field, Message: leaf.ErrorKind.LocalizedString(printer)}
}

type whatsappPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []whatsappMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsappMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

func (m whatsappMessage) body() string {
	switch {
	case m.Text != nil && strings.TrimSpace(m.Text.Body) != "":
		return m.Text.Body
	case m.Button != nil && strings.TrimSpace(m.Button.Text) != "":
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	case m.Type != "":
		return "[" + m.Type + "]"
	default:
		return ""
	}
}

// decodeWhatsApp yields one event per inbound message. Status-only
// notifications (delivery receipts) yield none.
func decodeWhatsApp(raw []byte) ([]services.LeadEvent, error) {
	var p whatsappPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	var out []services.LeadEvent
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = strings.TrimSpace(c.Profile.Name)
			}
			for _, m := range change.Value.Messages {
				out = append(out, services.LeadEvent{
					Kind:    services.EventWhatsAppMessage,
					EventID: m.ID,
					Fields: types.Fields{
						Phone:       m.From,
						Name:        names[m.From],
						Message:     m.body(),
						SubmittedAt: unixSeconds(m.Timestamp),
					},
					Details: map[string]any{"message_type": m.Type},
				})
			}
		}
	}
	return out, nil
}

type formPayload struct {
	FormID       string `json:"form_id"`
	SubmissionID string `json:"submission_id"`
	SubmittedAt  string `json:"submitted_at"`
	UTMSource    string `json:"utm_source"`
	Fields       struct {
		Phone              string `json:"phone"`
		Name               string `json:"name"`
		Email              string `json:"email"`
		Location           string `json:"location"`
		Product            string `json:"product"`
		Message            string `json:"message"`
		RegistrationNumber string `json:"registration_number"`
	} `json:"fields"`
}

func decodeFormSubmission(raw []byte) ([]services.LeadEvent, error) {
	var p formPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	submitted, err := parseTimestamp(p.SubmittedAt)
	if err != nil {
		return nil, &PayloadError{Kind: services.EventFormSubmission, Field: "submitted_at", Message: err.Error()}
	}
	return []services.LeadEvent{{
		Kind:    services.EventFormSubmission,
		EventID: p.SubmissionID,
		Fields: types.Fields{
			Phone:              p.Fields.Phone,
			Name:               p.Fields.Name,
			Email:              p.Fields.Email,
			Location:           p.Fields.Location,
			Product:            p.Fields.Product,
			Message:            p.Fields.Message,
			RegistrationNumber: p.Fields.RegistrationNumber,
			Source:             p.UTMSource,
			SubmittedAt:        submitted,
		},
		Details: map[string]any{"form_id": p.FormID},
	}}, nil
}

type paymentPayload struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment struct {
			Entity struct {
				ID        string          `json:"id"`
				Status    string          `json:"status"`
				Contact   string          `json:"contact"`
				Email     string          `json:"email"`
				Amount    int64           `json:"amount"`
				Currency  string          `json:"currency"`
				CreatedAt int64           `json:"created_at"`
				Notes     json.RawMessage `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// decodePayment reads a gateway notification. Amounts arrive in the minor
// currency unit. The event id pairs the payment id with its status so each
// status change of one payment is processed once.
func decodePayment(raw []byte) ([]services.LeadEvent, error) {
	var p paymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	e := p.Payload.Payment.Entity
	var notes struct {
		Name    string `json:"name"`
		Product string `json:"product"`
	}
	if len(e.Notes) > 0 && e.Notes[0] == '{' {
		_ = json.Unmarshal(e.Notes, &notes)
	}
	at := time.Time{}
	switch {
	case p.CreatedAt > 0:
		at = time.Unix(p.CreatedAt, 0).UTC()
	case e.CreatedAt > 0:
		at = time.Unix(e.CreatedAt, 0).UTC()
	}
	return []services.LeadEvent{{
		Kind:    services.EventPayment,
		EventID: e.ID + ":" + strings.ToLower(e.Status),
		Fields: types.Fields{
			Phone:       e.Contact,
			Email:       e.Email,
			Name:        notes.Name,
			Product:     notes.Product,
			SubmittedAt: at,
		},
		Payment: &services.PaymentInfo{
			Status:    e.Status,
			Amount:    float64(e.Amount) / 100,
			Currency:  e.Currency,
			Reference: e.ID,
		},
		Details: map[string]any{"gateway_event": p.Event},
	}}, nil
}

// LeadEntry is the lead part of a manual CRM entry.
type LeadEntry struct {
	Phone              string      `json:"phone"`
	Name               string      `json:"name"`
	Email              string      `json:"email"`
	Location           string      `json:"location"`
	Product            string      `json:"product"`
	Source             string      `json:"source"`
	Message            string      `json:"message"`
	Remark             string      `json:"remark"`
	RegistrationNumber string      `json:"registration_number"`
	Stage              types.Stage `json:"stage"`
	AssignedAgent      string      `json:"assigned_agent"`
	Status             string      `json:"status"`
	EventID            string      `json:"event_id"`
}

func (l LeadEntry) event(actor string) services.LeadEvent {
	return services.LeadEvent{
		Kind:    services.EventCRMEntry,
		EventID: l.EventID,
		Actor:   actor,
		Fields: types.Fields{
			Phone:              l.Phone,
			Name:               l.Name,
			Email:              l.Email,
			Location:           l.Location,
			Product:            l.Product,
			Source:             l.Source,
			Message:            l.Message,
			Remark:             l.Remark,
			RegistrationNumber: l.RegistrationNumber,
			Stage:              l.Stage,
			AssignedAgent:      l.AssignedAgent,
			Status:             l.Status,
		},
	}
}

func decodeCRMEntry(raw []byte) ([]services.LeadEvent, error) {
	var p struct {
		Agent string    `json:"agent"`
		Lead  LeadEntry `json:"lead"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return []services.LeadEvent{p.Lead.event(strings.TrimSpace(p.Agent))}, nil
}

func unixSeconds(s string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

// parseTimestamp accepts RFC 3339 or unix seconds; blank means "now".
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t := unixSeconds(s); !t.IsZero() {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
