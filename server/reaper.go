package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reaper periodically expires actions past their TTL deadline and rejects
// devices that sat in Pending longer than the adoption window. It acts only
// on server-side state; agents are never contacted.
type Reaper struct {
	srv      *Server
	interval time.Duration
	logger   zerolog.Logger
}

func NewReaper(srv *Server, interval time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		srv:      srv,
		interval: interval,
		logger:   logger.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, rejected, err := r.srv.sweep()
			if err != nil {
				r.logger.Error().Err(err).Msg("sweep failed")
				continue
			}
			if expired > 0 || rejected > 0 {
				r.logger.Info().
					Int("expired_actions", expired).
					Int("rejected_devices", rejected).
					Msg("sweep reaped stale rows")
			}
		}
	}
}

// sweep expires overdue actions and auto-rejects stale Pending devices,
// returning the two counts separately. The scan is advisory: each row is
// re-read under lock in its own transaction with a forward-only guard, so
// overlapping sweeps skip rows the other already handled and the audit records
// the committed from-state, not the scanned one.
func (s *Server) sweep() (int, int, error) {
	now := s.now()
	expired := 0
	rejected := 0

	var overdue []Action
	if err := s.db.
		Where("status IN ? AND ttl_deadline < ?", []ActionStatus{ActionPending, ActionDelivered}, now).
		Order("action_id asc").
		Find(&overdue).Error; err != nil {
		return 0, 0, fmt.Errorf("%w: scan overdue actions: %v", ErrStorageFailure, err)
	}
	for i := range overdue {
		err := s.expireByID(overdue[i].ActionID, actorReaper)
		if errors.Is(err, ErrInvalidStateTransition) {
			// Settled between scan and expiry; a concurrent sweep or a
			// result post got there first.
			continue
		}
		if err != nil {
			return expired, rejected, err
		}
		expired++
	}

	cutoff := now.Add(-s.cfg.PendingAdoptionTTL())
	var stale []Device
	if err := s.db.
		Where("adoption_state = ? AND registered_at < ?", AdoptionPending, cutoff).
		Order("device_id asc").
		Find(&stale).Error; err != nil {
		return expired, rejected, fmt.Errorf("%w: scan stale pending devices: %v", ErrStorageFailure, err)
	}
	for i := range stale {
		device := stale[i]
		err := s.db.Transaction(func(tx *gorm.DB) error {
			var current Device
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("device_id = ?", device.DeviceID).
				First(&current).Error
			if err != nil {
				return fmt.Errorf("%w: device lookup: %v", ErrStorageFailure, err)
			}
			if current.AdoptionState != AdoptionPending {
				return fmt.Errorf("%w: device %s already decided", ErrInvalidStateTransition, device.DeviceID)
			}
			if err := tx.Model(&current).Update("adoption_state", AdoptionRejected).Error; err != nil {
				return fmt.Errorf("%w: auto-reject: %v", ErrStorageFailure, err)
			}
			return s.recordTransition(tx, subjectDevice, device.DeviceID, string(AdoptionPending), string(AdoptionRejected), actorReaper)
		})
		if errors.Is(err, ErrInvalidStateTransition) {
			continue
		}
		if err != nil {
			return expired, rejected, err
		}
		rejected++
	}

	return expired, rejected, nil
}
