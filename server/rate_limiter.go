package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count  int
	reset  time.Time
	window time.Duration
}

// RateLimiter tracks per-device heartbeat usage within a sliding window. It
// is advisory backpressure for chatty agents, not fleet state, so it lives in
// process rather than in the store.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord)}
}

// Allow returns true if the device may proceed under the provided limit and
// window. A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(deviceID string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec := rl.entries[deviceID]
	if rec.window == 0 || now.After(rec.reset) {
		rec.count = 0
		rec.window = window
		rec.reset = now.Add(window)
	}
	if rec.count >= limit {
		rl.entries[deviceID] = rec
		return false
	}
	rec.count++
	rl.entries[deviceID] = rec
	return true
}

// TrackedDevices reports how many devices currently hold a window entry.
func (rl *RateLimiter) TrackedDevices() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
