// Package withdraw holds the time-bucketed withdrawal queue model: buckets that
// aggregate pending withdrawals per time unit, the individual requests, and the
// per-user index of requests that are still awaiting release.
package withdraw

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidConfig  = errors.New("withdraw: invalid config")
	ErrInvalidRequest = errors.New("withdraw: invalid request")
)

// State is the two-state latch shared by buckets and requests. The only
// transition is pending -> released.
type State uint8

const (
	StatePending State = iota
	StateReleased
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Bucket aggregates every withdrawal whose request landed in one time unit.
// Settlement moves the whole bucket at once.
type Bucket struct {
	UnitTime int64

	PendingPrincipal uint256.Int
	PendingInterest  uint256.Int

	State State
}

func (b Bucket) Total() *uint256.Int {
	return new(uint256.Int).Add(&b.PendingPrincipal, &b.PendingInterest)
}

func (b Bucket) Released() bool { return b.State == StateReleased }

// Request is a single withdrawal. Requests are never deleted; released ones
// stay in the log for audit.
type Request struct {
	ID   uint64
	User common.Address

	// RequestedAt is the wall-clock time (unix seconds) of the withdraw call.
	RequestedAt int64
	// UnitTime is the bucket the request was aggregated into.
	UnitTime int64
	// ReleaseTime is the earliest time the request may be claimed.
	ReleaseTime int64

	Principal uint256.Int
	Interest  uint256.Int

	State State
}

func (r Request) Total() *uint256.Int {
	return new(uint256.Int).Add(&r.Principal, &r.Interest)
}

func (r Request) Released() bool { return r.State == StateReleased }

// Matured reports whether the request's own release time has passed. The
// boundary is inclusive. Claimability additionally requires the bucket to be
// released.
func (r Request) Matured(now int64) bool { return r.ReleaseTime <= now }

func (r Request) Validate() error {
	if r.ID == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidRequest)
	}
	if r.User == (common.Address{}) {
		return fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	if r.Principal.IsZero() && r.Interest.IsZero() {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	if r.ReleaseTime <= r.UnitTime || r.RequestedAt < r.UnitTime {
		return fmt.Errorf("%w: inconsistent timestamps", ErrInvalidRequest)
	}
	return nil
}
