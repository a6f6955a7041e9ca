package envutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDuration(t *testing.T) {
	t.Setenv("X_DUR", "15s")
	assert.Equal(t, 15*time.Second, Duration("X_DUR", time.Minute))

	t.Setenv("X_DUR", "20")
	assert.Equal(t, 20*time.Second, Duration("X_DUR", time.Minute))

	t.Setenv("X_DUR", "soon")
	assert.Equal(t, time.Minute, Duration("X_DUR", time.Minute))
}

func TestBoolAndInt(t *testing.T) {
	t.Setenv("X_BOOL", "off")
	assert.False(t, Bool("X_BOOL", true))
	assert.True(t, Bool("X_MISSING_BOOL", true))

	t.Setenv("X_INT", "7")
	assert.Equal(t, 7, Int("X_INT", 1))
	t.Setenv("X_INT", "seven")
	assert.Equal(t, 1, Int("X_INT", 1))
}
