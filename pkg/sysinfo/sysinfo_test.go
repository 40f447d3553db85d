package sysinfo

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestCollect(t *testing.T) {
	snap := Collect(context.Background())

	if snap.Arch == "" {
		t.Error("Arch should not be empty")
	}
	if snap.CPUCount <= 0 {
		t.Error("CPUCount should be positive")
	}
	if snap.CollectedAt.IsZero() {
		t.Error("CollectedAt should not be zero")
	}
	if time.Since(snap.CollectedAt) > time.Minute {
		t.Error("CollectedAt should be recent")
	}
}

func TestJSONIsValid(t *testing.T) {
	snap := Collect(context.Background())
	raw := snap.JSON()

	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("snapshot JSON invalid: %v", err)
	}
	if _, ok := decoded["architecture"]; !ok {
		t.Error("architecture field missing")
	}
}
