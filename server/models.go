package main

import "time"

// AdoptionState is the administrative trust state of a device. A device is
// created Pending on first contact and only moves through the transitions in
// adoptionTransitions; Rejected and Revoked are terminal.
type AdoptionState string

const (
	AdoptionPending  AdoptionState = "pending"
	AdoptionApproved AdoptionState = "approved"
	AdoptionRejected AdoptionState = "rejected"
	AdoptionRevoked  AdoptionState = "revoked"
)

var adoptionTransitions = map[AdoptionState][]AdoptionState{
	AdoptionPending:  {AdoptionApproved, AdoptionRejected},
	AdoptionApproved: {AdoptionRevoked},
}

// CanTransition reports whether moving to the given state is legal.
func (s AdoptionState) CanTransition(to AdoptionState) bool {
	for _, next := range adoptionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Contactable reports whether heartbeats from a device in this state are
// accepted at all. Rejected and Revoked devices keep heartbeating and keep
// getting turned away; removal is purely a server-side decision.
func (s AdoptionState) Contactable() bool {
	return s == AdoptionPending || s == AdoptionApproved
}

// ActionStatus is the lifecycle state of a queued command. Forward-only:
// pending -> delivered -> completed|failed, and pending|delivered -> expired.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionDelivered ActionStatus = "delivered"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionExpired   ActionStatus = "expired"
)

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending:   {ActionDelivered, ActionExpired},
	ActionDelivered: {ActionCompleted, ActionFailed, ActionExpired},
}

func (s ActionStatus) CanTransition(to ActionStatus) bool {
	for _, next := range actionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Device is one row per agent. SystemInfo is an opaque JSON snapshot supplied
// by the agent and overwritten wholesale on every heartbeat. Devices are never
// deleted; revoked rows stay for audit continuity.
type Device struct {
	DeviceID      string        `gorm:"primaryKey;size:36" json:"device_id"`
	AdoptionState AdoptionState `gorm:"size:16;index;not null" json:"adoption_state"`
	SystemInfo    string        `gorm:"type:text" json:"system_info"`
	RegisteredAt  time.Time     `json:"registered_at"`
	LastSeenAt    time.Time     `gorm:"index" json:"last_seen_at"`
}

// DeviceView is a Device plus the derived liveness flag. Online is computed at
// read time from last_seen_at so no second writer ever races the heartbeat.
type DeviceView struct {
	Device
	Online bool `json:"online"`
}

// Action is one queued administrative command for exactly one device. The
// integer primary key doubles as the deterministic FIFO tie-break.
type Action struct {
	ActionID    uint         `gorm:"primaryKey" json:"action_id"`
	DeviceID    string       `gorm:"size:36;index;not null" json:"device_id"`
	Spec        string       `gorm:"type:text" json:"spec"`
	Status      ActionStatus `gorm:"size:16;index;not null" json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	TTLDeadline time.Time    `gorm:"index" json:"ttl_deadline"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Result      string       `gorm:"type:text" json:"result,omitempty"`
}

// AuditEntry records one observed state transition. Append-only: there is no
// update or delete path anywhere in the codebase.
type AuditEntry struct {
	EntryID     uint      `gorm:"primaryKey" json:"entry_id"`
	Timestamp   time.Time `gorm:"index" json:"timestamp"`
	SubjectType string    `gorm:"size:16;index" json:"subject_type"`
	SubjectID   string    `gorm:"size:64;index" json:"subject_id"`
	FromState   string    `gorm:"size:16" json:"from_state"`
	ToState     string    `gorm:"size:16" json:"to_state"`
	Actor       string    `gorm:"size:64" json:"actor"`
}

const (
	subjectDevice = "device"
	subjectAction = "action"

	actorReaper = "reaper"
	actorSystem = "system"
	actorAdmin  = "admin"
)

func actorDevice(deviceID string) string {
	return "device:" + deviceID
}
