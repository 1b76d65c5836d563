package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, MaxAttempts: 10}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	var prev time.Duration
	for i, w := range want {
		d, ok := b.Next()
		require.True(t, ok, "attempt %d", i+1)
		assert.Equal(t, w, d)
		assert.GreaterOrEqual(t, d, prev, "delays must never shrink")
		prev = d
	}
}

func TestBackoffExhaustsAttemptBudget(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, MaxAttempts: 3}

	for i := 0; i < 3; i++ {
		_, ok := b.Next()
		require.True(t, ok)
	}
	_, ok := b.Next()
	assert.False(t, ok)
	assert.Equal(t, 3, b.Attempts())
}

func TestBackoffResetRestoresBudgetAndDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, MaxAttempts: 2}
	_, _ = b.Next()
	_, _ = b.Next()
	_, ok := b.Next()
	require.False(t, ok)

	b.Reset()

	d, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, 1, b.Attempts())
}

func TestBackoffUnlimitedAttempts(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 4 * time.Second}

	for i := 0; i < 100; i++ {
		d, ok := b.Next()
		require.True(t, ok)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
