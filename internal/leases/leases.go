// Package leases provides expiring, fenced ownership records. The vault host
// uses them so that only one keeper settles buckets and archives snapshots for
// a vault at a time.
package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotHolder    = errors.New("leases: not holder")
)

// Lease is held by one holder until ExpiresAt. Epoch increases every time the
// lease changes hands, so work tagged with an older epoch can be told apart
// from work done by the current holder.
type Lease struct {
	Name      string
	Holder    string
	Epoch     uint64
	ExpiresAt time.Time
}

func (l Lease) HeldBy(holder string, now time.Time) bool {
	return l.Holder == holder && l.ExpiresAt.After(now)
}

// Store hands out leases.
//
// Acquire extends the lease when holder already has it and takes it over when
// it is absent or expired. Otherwise it returns the current lease and false.
// Release is a no-op when the lease is absent.
type Store interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, holder string) error
}

// KeeperLease names the lease guarding the keeper loop of one vault.
func KeeperLease(vaultID string) string {
	return "vault-keeper/" + vaultID
}

func validate(name, holder string, ttl time.Duration) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(holder) == "" {
		return fmt.Errorf("%w: name and holder are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
