package store

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyInProgress is returned by ClaimActiveTrigger when the family
	// already has an unresolved trigger.
	ErrAlreadyInProgress = errors.New("store: retraining already in progress")

	// ErrDeploymentConflict is returned by SwapChampion when the champion
	// pointer changed since it was read.
	ErrDeploymentConflict = errors.New("store: champion pointer changed concurrently")

	// ErrInvalidTransition is returned when an entity is not in a state that
	// admits the requested update.
	ErrInvalidTransition = errors.New("store: invalid state transition")
)
