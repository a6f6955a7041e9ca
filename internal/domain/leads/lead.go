package leads

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Stage is the pipeline position of a lead. Dead is terminal.
type Stage string

const (
	StageUnassigned     Stage = "unassigned"
	StageAgentClaimed   Stage = "agent_claimed"
	StageSalesReview    Stage = "sales_review"
	StagePaymentPending Stage = "payment_pending"
	StageDelivery       Stage = "delivery"
	StageCompleted      Stage = "completed"
	StageDead           Stage = "dead"
)

// UnassignedAgent is the sentinel stored in AssignedAgent before a claim.
const UnassignedAgent = "Unassigned"

func (s Stage) Valid() bool {
	switch s {
	case StageUnassigned, StageAgentClaimed, StageSalesReview, StagePaymentPending,
		StageDelivery, StageCompleted, StageDead:
		return true
	default:
		return false
	}
}

func (s Stage) Terminal() bool { return s == StageDead || s == StageCompleted }

type Lead struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	BusinessID         string         `gorm:"column:business_id;not null;uniqueIndex" json:"business_id"`
	PhoneRaw           string         `gorm:"column:phone_raw;not null" json:"phone_raw"`
	PhoneNormalized    string         `gorm:"column:phone_normalized;not null;uniqueIndex" json:"phone_normalized"`
	Stage              Stage          `gorm:"column:stage;not null;index" json:"stage"`
	AssignedAgent      string         `gorm:"column:assigned_agent;not null" json:"assigned_agent"`
	Status             string         `gorm:"column:status" json:"status,omitempty"`
	Name               string         `gorm:"column:name" json:"name,omitempty"`
	Email              string         `gorm:"column:email" json:"email,omitempty"`
	Location           string         `gorm:"column:location" json:"location,omitempty"`
	Product            string         `gorm:"column:product" json:"product,omitempty"`
	Source             string         `gorm:"column:source;index" json:"source,omitempty"`
	Message            string         `gorm:"column:message" json:"message,omitempty"`
	Remark             string         `gorm:"column:remark" json:"remark,omitempty"`
	RegistrationNumber string         `gorm:"column:registration_number" json:"registration_number,omitempty"`
	SheetRow           *int           `gorm:"column:sheet_row" json:"sheet_row,omitempty"`
	CreatedAt          time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
	History            []HistoryEntry `gorm:"foreignKey:LeadID" json:"history,omitempty"`
}

func (Lead) TableName() string { return "lead" }

// HistoryEntry is one audit trail row. Rows are inserted, never updated.
type HistoryEntry struct {
	ID     string    `gorm:"column:id;primaryKey" json:"id"`
	LeadID uuid.UUID `gorm:"type:uuid;column:lead_id;not null;index" json:"lead_id"`
	Action string    `gorm:"column:action;not null" json:"action"`
	Actor  string    `gorm:"column:actor;not null" json:"actor"`
	// OperationID ties the entry to the write that produced it, so a replayed
	// write does not append the same entry twice.
	OperationID string         `gorm:"column:operation_id;index" json:"operation_id,omitempty"`
	Details     datatypes.JSON `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	Timestamp   time.Time      `gorm:"column:timestamp;not null;index" json:"timestamp"`
}

func (HistoryEntry) TableName() string { return "lead_history_entry" }

// Counter holds a named monotonic sequence.
type Counter struct {
	Name      string    `gorm:"column:name;primaryKey" json:"name"`
	Value     int64     `gorm:"column:value;not null" json:"value"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

func (Counter) TableName() string { return "lead_counter" }

// BusinessIDCounter is the counter row backing lead business ids.
const BusinessIDCounter = "lead_business_id"

// SyncFailure is the persisted, write-only audit of a failed dual write.
type SyncFailure struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OperationID string         `gorm:"column:operation_id;not null;index" json:"operation_id"`
	Kind        string         `gorm:"column:kind;not null" json:"kind"`
	Phone       string         `gorm:"column:phone;index" json:"phone"`
	Handler     string         `gorm:"column:handler" json:"handler"`
	Stage       string         `gorm:"column:stage;not null" json:"stage"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Error       string         `gorm:"column:error" json:"error"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt   time.Time      `gorm:"not null;autoCreateTime" json:"created_at"`
}

func (SyncFailure) TableName() string { return "lead_sync_failure" }

const (
	SyncFailureFirstAttempt = "first_attempt"
	SyncFailureDeadLetter   = "dead_letter"
)
