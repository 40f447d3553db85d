package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/patchpilot/patchpilot/pkg/config"
)

const (
	testDeviceID  = "6b9e7a32-4f1d-4b0a-9c3e-2d8f5a7e1c90"
	testDeviceID2 = "f0a1b2c3-d4e5-4678-9abc-def012345678"
	testToken     = "test-admin-token"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	dsn := fmt.Sprintf("file:coord-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Device{}, &Action{}, &AuditEntry{}))

	cfg := &config.ServerConfig{
		OfflineThresholdS: 180,
		ActionTTLS:        3600,
		PendingTTLS:       86400,
		SweepIntervalS:    60,
	}

	return NewServer(db, cfg, testToken, zerolog.Nop())
}

// approveDevice registers a device and walks it to Approved.
func approveDevice(t *testing.T, srv *Server, deviceID string) {
	t.Helper()
	_, err := srv.greet(deviceID, `{"hostname":"test"}`)
	require.NoError(t, err)
	require.NoError(t, srv.decide(deviceID, AdoptionApproved, actorAdmin))
}

// auditEntries returns all audit rows matching the subject, oldest first.
func auditEntries(t *testing.T, srv *Server, subjectType, subjectID string) []AuditEntry {
	t.Helper()
	var entries []AuditEntry
	require.NoError(t, srv.db.
		Where("subject_type = ? AND subject_id = ?", subjectType, subjectID).
		Order("entry_id asc").
		Find(&entries).Error)
	return entries
}
