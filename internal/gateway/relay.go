// Package gateway forwards claims to vaults on a user's behalf. It holds no
// accounting state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/juno-intents/yield-vault/internal/vault"
)

var (
	ErrInvalidConfig   = errors.New("gateway: invalid config")
	ErrInvalidArgument = errors.New("gateway: invalid argument")
)

// Claimer is the vault surface the relay drives.
type Claimer interface {
	ID() string
	ClaimOnBehalf(ctx context.Context, caller, user common.Address) (vault.Claimable, error)
}

// Result is the outcome for one vault.
type Result struct {
	Vault string
	Claim vault.Claimable
	Err   error
}

type Relay struct {
	addr common.Address
	log  *slog.Logger
}

// New returns a relay that calls vaults as addr, which must hold the gateway
// role on each of them.
func New(addr common.Address, log *slog.Logger) (*Relay, error) {
	if addr == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero gateway address", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{addr: addr, log: log}, nil
}

func (r *Relay) Address() common.Address { return r.addr }

// ClaimAll claims for user on every listed vault in order. Vaults are
// independent: a failure on one does not undo claims already paid by
// another. The returned error joins every per-vault failure.
func (r *Relay) ClaimAll(ctx context.Context, user common.Address, vaults []Claimer) ([]Result, error) {
	if user == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero user address", ErrInvalidArgument)
	}
	if len(vaults) == 0 {
		return nil, fmt.Errorf("%w: no vaults", ErrInvalidArgument)
	}
	seen := make(map[string]struct{}, len(vaults))
	for i, v := range vaults {
		if v == nil {
			return nil, fmt.Errorf("%w: nil vault at %d", ErrInvalidArgument, i)
		}
		if _, dup := seen[v.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate vault %q", ErrInvalidArgument, v.ID())
		}
		seen[v.ID()] = struct{}{}
	}

	out := make([]Result, 0, len(vaults))
	var errs []error
	for _, v := range vaults {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		c, err := v.ClaimOnBehalf(ctx, r.addr, user)
		out = append(out, Result{Vault: v.ID(), Claim: c, Err: err})
		if err != nil {
			r.log.Warn("relay claim failed", "vault", v.ID(), "user", user.Hex(), "err", err)
			errs = append(errs, fmt.Errorf("vault %q: %w", v.ID(), err))
			continue
		}
		r.log.Info("relay claim", "vault", v.ID(), "user", user.Hex(), "requests", len(c.RequestIDs), "amount", c.Total().Dec())
	}
	return out, errors.Join(errs...)
}
