package leads

import (
	"strings"
	"time"
)

// TextSeparator joins appended message and remark fragments.
const TextSeparator = " | "

// Fields is the already-extracted lead data of one inbound event. Empty
// strings mean "not supplied" and never overwrite stored values.
type Fields struct {
	Phone              string    `json:"phone"`
	Name               string    `json:"name,omitempty"`
	Email              string    `json:"email,omitempty"`
	Location           string    `json:"location,omitempty"`
	Product            string    `json:"product,omitempty"`
	Source             string    `json:"source,omitempty"`
	Message            string    `json:"message,omitempty"`
	Remark             string    `json:"remark,omitempty"`
	RegistrationNumber string    `json:"registration_number,omitempty"`
	Stage              Stage     `json:"stage,omitempty"`
	AssignedAgent      string    `json:"assigned_agent,omitempty"`
	Status             string    `json:"status,omitempty"`
	SheetRow           *int      `json:"sheet_row,omitempty"`
	SubmittedAt        time.Time `json:"submitted_at"`
}

// HistoryInput is a history entry before it is stamped with an id.
type HistoryInput struct {
	Action      string         `json:"action"`
	Actor       string         `json:"actor"`
	Details     map[string]any `json:"details,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
}

const (
	ActionContactCreated  = "contact_created"
	ActionContactUpdated  = "contact_updated"
	ActionFormSubmitted   = "form_submitted"
	ActionPaymentReceived = "payment_received"
	ActionCRMEntry        = "crm_entry"

	ActorSystem = "system"
)

// AppendText concatenates incoming onto existing with TextSeparator. A value
// already present as the trailing fragment is not appended again, so
// replaying the same event leaves the text unchanged.
func AppendText(existing, incoming string) string {
	incoming = strings.TrimSpace(incoming)
	existing = strings.TrimSpace(existing)
	if incoming == "" {
		return existing
	}
	if existing == "" {
		return incoming
	}
	if existing == incoming || strings.HasSuffix(existing, TextSeparator+incoming) {
		return existing
	}
	return existing + TextSeparator + incoming
}

// PickNonEmpty returns incoming unless it is blank.
func PickNonEmpty(existing, incoming string) string {
	if strings.TrimSpace(incoming) == "" {
		return existing
	}
	return strings.TrimSpace(incoming)
}
