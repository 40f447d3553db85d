package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueRequiresKnownDevice(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.enqueue(testDeviceID, `{"type":"shell","command":"true"}`, 0, actorAdmin)
	require.ErrorIs(t, err, ErrUnknownDevice)
}

func TestEnqueueRequiresApprovedDevice(t *testing.T) {
	srv := newTestServer(t)

	_, err := srv.greet(testDeviceID, "{}")
	require.NoError(t, err)

	_, err = srv.enqueue(testDeviceID, `{"type":"shell","command":"true"}`, 0, actorAdmin)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestEnqueueAppliesDefaultTTL(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	action, err := srv.enqueue(testDeviceID, `{"type":"shell","command":"true"}`, 0, actorAdmin)
	require.NoError(t, err)
	require.Equal(t, ActionPending, action.Status)
	require.Equal(t, action.CreatedAt.Add(time.Hour), action.TTLDeadline)

	override, err := srv.enqueue(testDeviceID, `{"type":"shell","command":"true"}`, 5*time.Minute, actorAdmin)
	require.NoError(t, err)
	require.Equal(t, override.CreatedAt.Add(5*time.Minute), override.TTLDeadline)
}

func TestHeartbeatDeliversOldestPendingFirst(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	// Identical created_at timestamps force the action_id tie-break.
	frozen := time.Now().UTC().Truncate(time.Second)
	srv.now = func() time.Time { return frozen }

	first, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)
	second, err := srv.enqueue(testDeviceID, `{"n":2}`, 0, actorAdmin)
	require.NoError(t, err)
	require.Less(t, first.ActionID, second.ActionID)

	result, err := srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.NotNil(t, result.Action)
	require.Equal(t, first.ActionID, result.Action.ActionID)
	require.Equal(t, ActionDelivered, result.Action.Status)
	require.NotNil(t, result.Action.DeliveredAt)
}

func TestAtMostOneActionInFlightPerDevice(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	a1, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)
	_, err = srv.enqueue(testDeviceID, `{"n":2}`, 0, actorAdmin)
	require.NoError(t, err)

	result, err := srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.NotNil(t, result.Action)

	// a1 is still in flight, so the second heartbeat must come back empty.
	result, err = srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.Nil(t, result.Action)

	var delivered int64
	require.NoError(t, srv.db.Model(&Action{}).
		Where("device_id = ? AND status = ?", testDeviceID, ActionDelivered).
		Count(&delivered).Error)
	require.EqualValues(t, 1, delivered)

	// Settling a1 releases the next action.
	require.NoError(t, srv.complete(a1.ActionID, testDeviceID, `{"ok":true}`, true))
	result, err = srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.NotNil(t, result.Action)
}

func TestPendingDeviceGetsNoActions(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)
	_, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)

	// A different, still-pending device sees nothing even with work queued
	// elsewhere; its own queue cannot exist yet.
	_, err = srv.greet(testDeviceID2, "{}")
	require.NoError(t, err)
	result, err := srv.heartbeat(testDeviceID2, "{}")
	require.NoError(t, err)
	require.Nil(t, result.Action)
	require.Equal(t, AdoptionPending, result.Device.AdoptionState)
}

func TestCompleteTransitions(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	action, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)

	// Completing before delivery is illegal: pending -> completed is not in
	// the transition table.
	err = srv.complete(action.ActionID, testDeviceID, "{}", true)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	result, err := srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.NotNil(t, result.Action)

	require.NoError(t, srv.complete(action.ActionID, testDeviceID, `{"exit_code":0}`, true))

	var stored Action
	require.NoError(t, srv.db.First(&stored, action.ActionID).Error)
	require.Equal(t, ActionCompleted, stored.Status)
	require.Equal(t, `{"exit_code":0}`, stored.Result)
	require.NotNil(t, stored.CompletedAt)
}

func TestCompleteFailureBranch(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	action, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)
	_, err = srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)

	require.NoError(t, srv.complete(action.ActionID, testDeviceID, `{"exit_code":1}`, false))

	var stored Action
	require.NoError(t, srv.db.First(&stored, action.ActionID).Error)
	require.Equal(t, ActionFailed, stored.Status)
}

func TestCompleteRequiresOwningDevice(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)
	approveDevice(t, srv, testDeviceID2)

	action, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)
	result, err := srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.NotNil(t, result.Action)

	// Another device cannot settle it.
	err = srv.complete(action.ActionID, testDeviceID2, `{"exit_code":0}`, true)
	require.ErrorIs(t, err, ErrUnauthorized)

	var stored Action
	require.NoError(t, srv.db.First(&stored, action.ActionID).Error)
	require.Equal(t, ActionDelivered, stored.Status)

	// The owner still can.
	require.NoError(t, srv.complete(action.ActionID, testDeviceID, `{"exit_code":0}`, true))
}

func TestDuplicateCompleteIsDiscarded(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	action, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)
	_, err = srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.NoError(t, srv.complete(action.ActionID, testDeviceID, "{}", true))

	err = srv.complete(action.ActionID, testDeviceID, "{}", false)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	// The first result stands.
	var stored Action
	require.NoError(t, srv.db.First(&stored, action.ActionID).Error)
	require.Equal(t, ActionCompleted, stored.Status)
}

func TestCancelExpiresAction(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	action, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)
	require.NoError(t, srv.cancel(action.ActionID, actorAdmin))

	var stored Action
	require.NoError(t, srv.db.First(&stored, action.ActionID).Error)
	require.Equal(t, ActionExpired, stored.Status)

	// Cancelled work is never handed out.
	result, err := srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.Nil(t, result.Action)

	// And cannot be cancelled twice.
	require.ErrorIs(t, srv.cancel(action.ActionID, actorAdmin), ErrInvalidStateTransition)
}

func TestActionAuditTrail(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)

	action, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)
	_, err = srv.heartbeat(testDeviceID, "{}")
	require.NoError(t, err)
	require.NoError(t, srv.complete(action.ActionID, testDeviceID, "{}", true))

	entries := auditEntries(t, srv, subjectAction, fmt.Sprint(action.ActionID))
	require.Len(t, entries, 3)
	require.Equal(t, string(ActionPending), entries[0].ToState)
	require.Equal(t, string(ActionDelivered), entries[1].ToState)
	require.Equal(t, string(ActionCompleted), entries[2].ToState)
}

func TestListActionsFilters(t *testing.T) {
	srv := newTestServer(t)
	approveDevice(t, srv, testDeviceID)
	approveDevice(t, srv, testDeviceID2)

	_, err := srv.enqueue(testDeviceID, `{"n":1}`, 0, actorAdmin)
	require.NoError(t, err)
	_, err = srv.enqueue(testDeviceID2, `{"n":2}`, 0, actorAdmin)
	require.NoError(t, err)

	all, err := srv.listActions("", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	one, err := srv.listActions(testDeviceID, "")
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, testDeviceID, one[0].DeviceID)

	none, err := srv.listActions(testDeviceID, ActionCompleted)
	require.NoError(t, err)
	require.Empty(t, none)
}
