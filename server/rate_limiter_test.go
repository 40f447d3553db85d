package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterEnforcesLimit(t *testing.T) {
	rl := NewRateLimiter()

	require.True(t, rl.Allow("d-1", 2, time.Minute))
	require.True(t, rl.Allow("d-1", 2, time.Minute))
	require.False(t, rl.Allow("d-1", 2, time.Minute))

	// Other devices have their own window.
	require.True(t, rl.Allow("d-2", 2, time.Minute))
	require.Equal(t, 2, rl.TrackedDevices())
}

func TestRateLimiterDisabledWhenNonPositive(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("d-1", 0, time.Minute))
	}
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	rl := NewRateLimiter()
	require.True(t, rl.Allow("d-1", 1, 10*time.Millisecond))
	require.False(t, rl.Allow("d-1", 1, 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	require.True(t, rl.Allow("d-1", 1, 10*time.Millisecond))
}
