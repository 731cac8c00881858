package vault

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/events"
	"github.com/juno-intents/yield-vault/internal/shares"
)

func (v *Vault) SetOperator(ctx context.Context, caller, operator common.Address) error {
	return v.setRole(ctx, caller, RoleOperator, operator)
}

func (v *Vault) SetGateway(ctx context.Context, caller, gateway common.Address) error {
	return v.setRole(ctx, caller, RoleGateway, gateway)
}

func (v *Vault) TransferOwnership(ctx context.Context, caller, owner common.Address) error {
	return v.setRole(ctx, caller, RoleOwner, owner)
}

func (v *Vault) setRole(ctx context.Context, caller common.Address, role Role, holder common.Address) error {
	return v.admin(ctx, caller, func(_ context.Context) (events.Event, error) {
		if err := requireAddress(holder, string(role)); err != nil {
			return events.Event{}, err
		}
		return events.Event{Kind: events.KindRoleChanged, Role: string(role), Address: holder}, nil
	})
}

// SetCustodian switches the custodian. The new custodian must already hold
// enough of the asset to cover every custodial obligation: the pooled value
// plus withdrawals queued in unsettled buckets.
func (v *Vault) SetCustodian(ctx context.Context, caller, custodian common.Address) error {
	return v.admin(ctx, caller, func(ctx context.Context) (events.Event, error) {
		st := v.st
		if err := requireAddress(custodian, "custodian"); err != nil {
			return events.Event{}, err
		}
		if custodian == v.cfg.Address {
			return events.Event{}, fmt.Errorf("%w: custodian must differ from the vault holding", ErrInvalidArgument)
		}
		owed, overflow := new(uint256.Int).AddOverflow(st.totalValue(), &st.pendingUnsettled)
		if overflow {
			return events.Event{}, fmt.Errorf("%w: obligations overflow", ErrInconsistent)
		}
		held, err := v.ledger.BalanceOf(ctx, custodian)
		if err != nil {
			return events.Event{}, fmt.Errorf("vault: read custodian balance: %w", err)
		}
		if held.Lt(owed) {
			return events.Event{}, fmt.Errorf("%w: custodian holds %s, obligations %s", ErrInsufficientBalance, held.Dec(), owed.Dec())
		}
		return events.Event{Kind: events.KindCustodianChanged, Address: custodian}, nil
	})
}

func (v *Vault) SetMaxYieldRate(ctx context.Context, caller common.Address, bps uint32) error {
	return v.admin(ctx, caller, func(_ context.Context) (events.Event, error) {
		if uint64(bps) > shares.BpsDenominator {
			return events.Event{}, fmt.Errorf("%w: rate %d bps exceeds %d", ErrInvalidArgument, bps, shares.BpsDenominator)
		}
		return events.Event{Kind: events.KindMaxYieldRateChanged, RateBps: bps}, nil
	})
}

// SetDepositCap bounds totalPrincipal. A nil cap removes the bound. Lowering
// the cap below the current principal only blocks further deposits.
func (v *Vault) SetDepositCap(ctx context.Context, caller common.Address, limit *uint256.Int) error {
	return v.admin(ctx, caller, func(_ context.Context) (events.Event, error) {
		var c uint256.Int
		if limit == nil {
			c.SetAllOne()
		} else {
			c.Set(limit)
		}
		return events.Event{Kind: events.KindDepositCapChanged, Amount: c}, nil
	})
}

func (v *Vault) Pause(ctx context.Context, caller common.Address) error {
	return v.setPaused(ctx, caller, true)
}

func (v *Vault) Unpause(ctx context.Context, caller common.Address) error {
	return v.setPaused(ctx, caller, false)
}

func (v *Vault) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	return v.admin(ctx, caller, func(_ context.Context) (events.Event, error) {
		if v.st.paused == paused {
			return events.Event{}, fmt.Errorf("%w: paused is already %t", ErrInvalidArgument, paused)
		}
		return events.Event{Kind: events.KindPauseChanged, Paused: paused}, nil
	})
}

// admin commits an owner-only change. Admin changes stay available while
// paused.
func (v *Vault) admin(ctx context.Context, caller common.Address, decide func(ctx context.Context) (events.Event, error)) error {
	_, err := v.commit(ctx, func(ctx context.Context, _ int64) (events.Event, error) {
		if err := v.st.roles.Require(RoleOwner, caller); err != nil {
			return events.Event{}, err
		}
		e, err := decide(ctx)
		if err != nil {
			return events.Event{}, err
		}
		e.Caller = caller
		return e, nil
	})
	return err
}
