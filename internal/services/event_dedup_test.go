package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

func TestEventDeduperWindow(t *testing.T) {
	clock := newTestClock()
	d := NewEventDeduper(logger.NewNop(), time.Hour, clock.Now)

	assert.False(t, d.Seen("wamid.1"))
	assert.True(t, d.Seen("wamid.1"))
	assert.False(t, d.Seen(""), "blank ids are never duplicates")
	assert.False(t, d.Seen(""))

	clock.Advance(59 * time.Minute)
	assert.True(t, d.Seen("wamid.1"))

	clock.Advance(2 * time.Minute)
	assert.False(t, d.Seen("wamid.1"), "expired ids are accepted again")
}

func TestEventDeduperSweep(t *testing.T) {
	clock := newTestClock()
	d := NewEventDeduper(logger.NewNop(), time.Hour, clock.Now)

	d.Seen("a")
	clock.Advance(30 * time.Minute)
	d.Seen("b")
	clock.Advance(31 * time.Minute)

	assert.Equal(t, 1, d.Sweep())
	assert.Equal(t, 1, d.Len())
	assert.True(t, d.Seen("b"))

	d.Forget("b")
	assert.Zero(t, d.Len())
}
