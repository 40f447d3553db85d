package main

import (
	"errors"
	"net/http"

	"gorm.io/gorm"
)

// Coordinator error taxonomy. All four kinds surface to the caller verbatim;
// the server never retries on the caller's behalf.
var (
	// ErrUnauthorized: device is not Approved for the attempted operation,
	// or a Rejected/Revoked device attempted contact.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownDevice: an action targets a device absent from the registry.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrInvalidStateTransition: any attempt to move a device or action out
	// of its legal transition set, including double decisions and late or
	// duplicate result posts.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrStorageFailure: the transaction could not commit. The whole
	// operation, audit write included, rolls back atomically.
	ErrStorageFailure = errors.New("storage failure")
)

// errorStatus maps a coordinator error to its HTTP status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidStateTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
