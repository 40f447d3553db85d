package main

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// enqueue inserts a Pending action for an Approved device. ttl overrides the
// configured default when positive.
func (s *Server) enqueue(deviceID, spec string, ttl time.Duration, actor string) (*Action, error) {
	if ttl <= 0 {
		ttl = s.cfg.ActionTTL()
	}

	var action *Action
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var device Device
		err := tx.Where("device_id = ?", deviceID).First(&device).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		if err != nil {
			return fmt.Errorf("%w: device lookup: %v", ErrStorageFailure, err)
		}
		if device.AdoptionState != AdoptionApproved {
			return fmt.Errorf("%w: device %s is %s, not approved", ErrUnauthorized, deviceID, device.AdoptionState)
		}

		now := s.now()
		action = &Action{
			DeviceID:    deviceID,
			Spec:        spec,
			Status:      ActionPending,
			CreatedAt:   now,
			TTLDeadline: now.Add(ttl),
		}
		if err := tx.Create(action).Error; err != nil {
			return fmt.Errorf("%w: create action: %v", ErrStorageFailure, err)
		}
		return s.recordTransition(tx, subjectAction, fmt.Sprint(action.ActionID), "", string(ActionPending), actor)
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

// nextPending hands the oldest Pending action to the device and marks it
// Delivered in one step, inside the caller's (heartbeat) transaction. At most
// one action per device may be Delivered at a time, so a device with work in
// flight gets nothing. Returns nil with no error when the queue is empty.
func (s *Server) nextPending(tx *gorm.DB, deviceID string) (*Action, error) {
	var inFlight int64
	if err := tx.Model(&Action{}).
		Where("device_id = ? AND status = ?", deviceID, ActionDelivered).
		Count(&inFlight).Error; err != nil {
		return nil, fmt.Errorf("%w: in-flight count: %v", ErrStorageFailure, err)
	}
	if inFlight > 0 {
		return nil, nil
	}

	var action Action
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("device_id = ? AND status = ?", deviceID, ActionPending).
		Order("created_at asc, action_id asc").
		First(&action).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: next pending lookup: %v", ErrStorageFailure, err)
	}

	now := s.now()
	// Guarded update: if a concurrent heartbeat already took the row, zero
	// rows match and this delivery is abandoned rather than duplicated.
	res := tx.Model(&Action{}).
		Where("action_id = ? AND status = ?", action.ActionID, ActionPending).
		Updates(map[string]any{"status": ActionDelivered, "delivered_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("%w: mark delivered: %v", ErrStorageFailure, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	action.Status = ActionDelivered
	action.DeliveredAt = &now

	if err := s.recordTransition(tx, subjectAction, fmt.Sprint(action.ActionID), string(ActionPending), string(ActionDelivered), actorDevice(deviceID)); err != nil {
		return nil, err
	}
	return &action, nil
}

// complete records the agent's result for a Delivered action. Only the device
// the action targets may settle it. A late result for an action that already
// expired (or any duplicate) is discarded with ErrInvalidStateTransition; an
// operator must re-enqueue explicitly.
func (s *Server) complete(actionID uint, deviceID, result string, success bool) error {
	to := ActionCompleted
	if !success {
		to = ActionFailed
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var action Action
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("action_id = ?", actionID).
			First(&action).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("action %d: %w", actionID, gorm.ErrRecordNotFound)
		}
		if err != nil {
			return fmt.Errorf("%w: action lookup: %v", ErrStorageFailure, err)
		}
		if action.DeviceID != deviceID {
			return fmt.Errorf("%w: action %d does not belong to device %s", ErrUnauthorized, actionID, deviceID)
		}
		from := action.Status
		if !from.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
		}

		now := s.now()
		if err := tx.Model(&action).Updates(map[string]any{
			"status":       to,
			"completed_at": now,
			"result":       result,
		}).Error; err != nil {
			return fmt.Errorf("%w: record result: %v", ErrStorageFailure, err)
		}
		return s.recordTransition(tx, subjectAction, fmt.Sprint(actionID), string(from), string(to), actorDevice(deviceID))
	})
}

// cancel force-expires an action before its deadline. Same forward-only
// transition the reaper uses, attributed to the administrator instead.
func (s *Server) cancel(actionID uint, actor string) error {
	return s.expireByID(actionID, actor)
}

// expireByID re-reads the action under lock in its own transaction before
// expiring it, so the audited from-state is the committed one even when the
// caller worked from a stale scan.
func (s *Server) expireByID(actionID uint, actor string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var action Action
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("action_id = ?", actionID).
			First(&action).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("action %d: %w", actionID, gorm.ErrRecordNotFound)
		}
		if err != nil {
			return fmt.Errorf("%w: action lookup: %v", ErrStorageFailure, err)
		}
		return s.expireAction(tx, &action, actor)
	})
}

// expireAction applies the ->Expired transition with the forward-only guard.
// Rows already terminal fail the guard and surface ErrInvalidStateTransition.
func (s *Server) expireAction(tx *gorm.DB, action *Action, actor string) error {
	if !action.Status.CanTransition(ActionExpired) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, action.Status, ActionExpired)
	}
	res := tx.Model(&Action{}).
		Where("action_id = ? AND status IN ?", action.ActionID, []ActionStatus{ActionPending, ActionDelivered}).
		Update("status", ActionExpired)
	if res.Error != nil {
		return fmt.Errorf("%w: expire action: %v", ErrStorageFailure, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: action %d already settled", ErrInvalidStateTransition, action.ActionID)
	}
	return s.recordTransition(tx, subjectAction, fmt.Sprint(action.ActionID), string(action.Status), string(ActionExpired), actor)
}

// listActions returns actions newest first, optionally filtered.
func (s *Server) listActions(deviceID string, status ActionStatus) ([]Action, error) {
	q := s.db.Order("created_at desc, action_id desc")
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var actions []Action
	if err := q.Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("%w: list actions: %v", ErrStorageFailure, err)
	}
	return actions, nil
}
