package retry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Command is a serializable unit of retryable work. Kind selects the Handler;
// Payload carries everything the handler needs to redo the write, so the
// command can be logged or snapshotted and replayed by a human.
type Command struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func NewCommand(kind string, payload any) (Command, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Command{}, fmt.Errorf("command kind required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Command{Kind: kind, Payload: raw}, nil
}

// Decode unmarshals the payload into dst.
func (c Command) Decode(dst any) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", c.Kind)
	}
	if err := json.Unmarshal(c.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.Kind, err)
	}
	return nil
}

// Metadata is diagnostic context only; handlers never read it.
type Metadata struct {
	Phone   string `json:"phone,omitempty"`
	Handler string `json:"handler,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// PendingWrite is one queued retry.
type PendingWrite struct {
	OperationID string    `json:"operation_id"`
	Command     Command   `json:"command"`
	Metadata    Metadata  `json:"metadata"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastError   string    `json:"last_error,omitempty"`

	attempting bool
}
