package state

import "errors"

// Domain errors for the state package.
var (
	// ErrConversion is returned when raw properties cannot be mapped to
	// semantic fields. The update is aborted and a corrective poll scheduled.
	ErrConversion = errors.New("state: property conversion failed")

	// ErrStaleUpdate is returned when the snapshot was replaced while an
	// update was being applied and the update could not be retargeted.
	ErrStaleUpdate = errors.New("state: stale update dropped")

	// ErrPollFailed is returned when a full poll could not produce a snapshot.
	ErrPollFailed = errors.New("state: poll failed")

	// ErrUnknownDevice is returned by Apply for devices not in the snapshot.
	ErrUnknownDevice = errors.New("state: unknown device")
)
