package leads

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendText(t *testing.T) {
	assert.Equal(t, "hi", AppendText("", "hi"))
	assert.Equal(t, "hi", AppendText("hi", ""))
	assert.Equal(t, "hi | there", AppendText("hi", "there"))
	assert.Equal(t, "hi | there", AppendText("hi | there", "there"), "replay must not duplicate")
	assert.Equal(t, "there | hi | there", AppendText("there | hi", "there"))
}

func TestValidationErrorCarriesContext(t *testing.T) {
	err := ValidationError("form_submission", "phone", "must have at least 10 digits")
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "form_submission")
	assert.Contains(t, err.Error(), "phone")

	assert.True(t, IsValidation(fmt.Errorf("handle: %w", err)))
	assert.False(t, IsValidation(Wrap(CodeRetryable, "lead_update", errors.New("db down"))))
	assert.False(t, IsValidation(nil))
}

func TestStage(t *testing.T) {
	assert.True(t, StagePaymentPending.Valid())
	assert.False(t, Stage("lost").Valid())
	assert.True(t, StageDead.Terminal())
}
