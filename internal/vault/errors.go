package vault

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("vault: invalid config")

	ErrUnauthorized        = errors.New("vault: unauthorized")
	ErrPaused              = fmt.Errorf("%w: paused", ErrUnauthorized)
	ErrInvalidArgument     = errors.New("vault: invalid argument")
	ErrEmptyBucket         = fmt.Errorf("%w: empty bucket", ErrInvalidArgument)
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	ErrNotReady            = errors.New("vault: timing not ready")
	ErrYieldAlreadyUpdated = fmt.Errorf("%w: yield already updated for unit", ErrNotReady)
	ErrDuplicateReport     = fmt.Errorf("%w: yield report already booked", ErrYieldAlreadyUpdated)
	ErrAlreadySettled      = errors.New("vault: bucket already settled")
	ErrAlreadyClaimed      = errors.New("vault: request already claimed")

	ErrReentrant       = errors.New("vault: reentrant call")
	ErrNotFound        = errors.New("vault: not found")
	ErrVersionConflict = errors.New("vault: event log version conflict")
	ErrInconsistent    = errors.New("vault: inconsistent state")
)
