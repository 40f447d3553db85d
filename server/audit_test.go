package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// failingAudit simulates a storage fault on the audit insert. The invariant
// under test: no state change commits without its audit record.
func failingAudit(*gorm.DB, *AuditEntry) error {
	return errors.New("disk full")
}

func TestDecisionRollsBackWhenAuditFails(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.greet(testDeviceID, "{}")
	require.NoError(t, err)

	srv.audit = failingAudit
	err = srv.decide(testDeviceID, AdoptionApproved, actorAdmin)
	require.ErrorIs(t, err, ErrStorageFailure)

	srv.audit = appendAudit
	view, err := srv.getDevice(testDeviceID)
	require.NoError(t, err)
	require.Equal(t, AdoptionPending, view.AdoptionState)
}

func TestRegistrationRollsBackWhenAuditFails(t *testing.T) {
	srv := newTestServer(t)

	srv.audit = failingAudit
	_, err := srv.greet(testDeviceID, "{}")
	require.ErrorIs(t, err, ErrStorageFailure)

	srv.audit = appendAudit
	var count int64
	require.NoError(t, srv.db.Model(&Device{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestEnqueueRollsBackWhenAuditFails(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	srv.audit = failingAudit
	_, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.ErrorIs(t, err, ErrStorageFailure)

	srv.audit = appendAudit
	var count int64
	require.NoError(t, srv.db.Model(&Action{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestDeliveryRollsBackWhenAuditFails(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	action, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)

	srv.audit = failingAudit
	_, err = srv.heartbeat(testDeviceID, "{}")
	require.ErrorIs(t, err, ErrStorageFailure)

	// Neither the delivery nor the heartbeat's timestamp update survived.
	srv.audit = appendAudit
	var stored Action
	require.NoError(t, srv.db.First(&stored, action.ActionID).Error)
	require.Equal(t, ActionPending, stored.Status)
	require.Nil(t, stored.DeliveredAt)

	// A later heartbeat still delivers it.
	result, err := srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.NotNil(t, result.Action)
	require.Equal(t, action.ActionID, result.Action.ActionID)
}

func TestSweepAuditFailureLeavesRowUntouched(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)
	action := enqueueExpired(t, srv, testDeviceID)

	srv.audit = failingAudit
	_, _, err := srv.sweep()
	require.ErrorIs(t, err, ErrStorageFailure)

	srv.audit = appendAudit
	var stored Action
	require.NoError(t, srv.db.First(&stored, action.ActionID).Error)
	require.Equal(t, ActionPending, stored.Status)

	// With the fault cleared the sweep finishes the job.
	expired, _, err := srv.sweep()
	require.NoError(t, err)
	require.Equal(t, 1, expired)
}
