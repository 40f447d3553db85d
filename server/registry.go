package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// registerOrGreet creates an unknown device in Pending (or straight to
// Approved when auto-approve is on) and refreshes system info and last-seen
// for a known one. Rejected and Revoked devices are turned away. Runs inside
// the caller's transaction so heartbeat delivery commits atomically with it.
func (s *Server) registerOrGreet(tx *gorm.DB, deviceID, systemInfo string) (*Device, error) {
	if _, err := uuid.Parse(deviceID); err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", deviceID, err)
	}

	now := s.now()

	var device Device
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("device_id = ?", deviceID).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		device = Device{
			DeviceID:      deviceID,
			AdoptionState: AdoptionPending,
			SystemInfo:    systemInfo,
			RegisteredAt:  now,
			LastSeenAt:    now,
		}
		if err := tx.Create(&device).Error; err != nil {
			return nil, fmt.Errorf("%w: create device: %v", ErrStorageFailure, err)
		}
		if err := s.recordTransition(tx, subjectDevice, deviceID, "", string(AdoptionPending), actorDevice(deviceID)); err != nil {
			return nil, err
		}
		if s.cfg.AutoApproveDevices {
			device.AdoptionState = AdoptionApproved
			if err := tx.Model(&device).Update("adoption_state", AdoptionApproved).Error; err != nil {
				return nil, fmt.Errorf("%w: auto-approve: %v", ErrStorageFailure, err)
			}
			if err := s.recordTransition(tx, subjectDevice, deviceID, string(AdoptionPending), string(AdoptionApproved), actorSystem); err != nil {
				return nil, err
			}
		}
		return &device, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: device lookup: %v", ErrStorageFailure, err)
	}

	if !device.AdoptionState.Contactable() {
		return nil, fmt.Errorf("%w: device %s is %s", ErrUnauthorized, deviceID, device.AdoptionState)
	}

	// The snapshot is opaque and replaced wholesale, never merged.
	device.SystemInfo = systemInfo
	device.LastSeenAt = now
	if err := tx.Model(&device).Updates(map[string]any{
		"system_info":  systemInfo,
		"last_seen_at": now,
	}).Error; err != nil {
		return nil, fmt.Errorf("%w: update device: %v", ErrStorageFailure, err)
	}
	return &device, nil
}

// greet is the standalone register/greet operation behind POST /api/device/:id.
func (s *Server) greet(deviceID, systemInfo string) (*Device, error) {
	var device *Device
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		device, err = s.registerOrGreet(tx, deviceID, systemInfo)
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// decide applies a single administrative adoption decision. The transition
// table makes decisions single-use: a second decision on the same device
// fails with ErrInvalidStateTransition and leaves state unchanged.
func (s *Server) decide(deviceID string, decision AdoptionState, actor string) error {
	if decision != AdoptionApproved && decision != AdoptionRejected && decision != AdoptionRevoked {
		return fmt.Errorf("%w: %q is not a decision", ErrInvalidStateTransition, decision)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var device Device
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ?", deviceID).
			First(&device).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		if err != nil {
			return fmt.Errorf("%w: device lookup: %v", ErrStorageFailure, err)
		}
		from := device.AdoptionState
		if !from.CanTransition(decision) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, decision)
		}
		if err := tx.Model(&device).Update("adoption_state", decision).Error; err != nil {
			return fmt.Errorf("%w: update adoption state: %v", ErrStorageFailure, err)
		}
		return s.recordTransition(tx, subjectDevice, deviceID, string(from), string(decision), actor)
	})
}

// online derives liveness at read time; there is no stored online flag.
func (s *Server) online(d *Device) bool {
	return s.now().Sub(d.LastSeenAt) < s.cfg.OfflineThreshold()
}

func (s *Server) deviceView(d Device) DeviceView {
	return DeviceView{Device: d, Online: s.online(&d)}
}

// listDevices returns the registry snapshot, hostname-free and ordered by
// registration so the dashboard output is stable.
func (s *Server) listDevices() ([]DeviceView, error) {
	var devices []Device
	if err := s.db.Order("registered_at asc, device_id asc").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrStorageFailure, err)
	}
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, s.deviceView(d))
	}
	return views, nil
}

func (s *Server) getDevice(deviceID string) (*DeviceView, error) {
	var device Device
	err := s.db.Where("device_id = ?", deviceID).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: device lookup: %v", ErrStorageFailure, err)
	}
	view := s.deviceView(device)
	return &view, nil
}
