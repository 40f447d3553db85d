package main

import (
	"gorm.io/gorm"
)

// heartbeatResult is what one agent check-in produces: the device's current
// view and, for Approved devices only, at most one freshly delivered action.
type heartbeatResult struct {
	Device *Device
	Action *Action
}

// heartbeat runs the whole agent check-in as a single transaction: identity
// and authorization via the registry, last-seen/system-info refresh, and the
// read-next-and-mark-delivered step from the dispatch queue. Either the
// heartbeat timestamp and the delivery commit together or neither does, which
// closes the race where two concurrent heartbeats both see the same Pending
// action.
func (s *Server) heartbeat(deviceID, systemInfo string) (*heartbeatResult, error) {
	var result heartbeatResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		device, err := s.registerOrGreet(tx, deviceID, systemInfo)
		if err != nil {
			return err
		}
		result.Device = device

		if device.AdoptionState != AdoptionApproved {
			return nil
		}
		action, err := s.nextPending(tx, deviceID)
		if err != nil {
			return err
		}
		result.Action = action
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
