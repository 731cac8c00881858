package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/events"
	"github.com/juno-intents/yield-vault/internal/shares"
	"github.com/juno-intents/yield-vault/internal/withdraw"
)

// Deposit moves amount from user to the custodian and mints shares at the
// current exchange rate. It returns the minted shares.
func (v *Vault) Deposit(ctx context.Context, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	e, err := v.commit(ctx, func(_ context.Context, _ int64) (events.Event, error) {
		st := v.st
		if err := v.requireActive(); err != nil {
			return events.Event{}, err
		}
		if err := requireAddress(user, "user"); err != nil {
			return events.Event{}, err
		}
		if err := requireAmount(amount); err != nil {
			return events.Event{}, err
		}
		after, overflow := new(uint256.Int).AddOverflow(&st.totalPrincipal, amount)
		if overflow || after.Gt(&st.depositCap) {
			return events.Event{}, fmt.Errorf("%w: deposit exceeds cap %s", ErrInvalidArgument, st.depositCap.Dec())
		}
		minted, err := shares.MintShares(amount, &st.totalShares, st.totalValue())
		if err != nil {
			return events.Event{}, mapSharesErr(err)
		}
		return events.Event{
			Kind:      events.KindDeposited,
			Caller:    user,
			User:      user,
			Amount:    *amount,
			Shares:    *minted,
			Transfers: []events.Transfer{{From: user, To: st.custodian, Amount: *amount}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return e.Shares.Clone(), nil
}

// Withdraw burns shares worth amount and queues the amount for delayed
// release. The funds stay with the custodian until the request's bucket is
// settled.
//
// The burn is rounded up. When it takes every remaining share of user the
// request carries the full value of the position, so its Total may exceed
// amount.
func (v *Vault) Withdraw(ctx context.Context, user common.Address, amount *uint256.Int) (withdraw.Request, error) {
	e, err := v.commit(ctx, func(_ context.Context, now int64) (events.Event, error) {
		st := v.st
		if err := v.requireActive(); err != nil {
			return events.Event{}, err
		}
		if err := requireAddress(user, "user"); err != nil {
			return events.Event{}, err
		}
		if err := requireAmount(amount); err != nil {
			return events.Event{}, err
		}
		a := st.account(user)
		split, err := shares.SplitWithdrawal(shares.SplitInput{
			Amount:         amount,
			UserPrincipal:  &a.Principal,
			UserShares:     &a.Shares,
			TotalPrincipal: &st.totalPrincipal,
			TotalInterest:  &st.totalInterest,
			TotalShares:    &st.totalShares,
		})
		if err != nil {
			return events.Event{}, mapSharesErr(err)
		}

		unit := v.sched.UnitTime(now)
		if st.bucketReleased(unit) {
			return events.Event{}, fmt.Errorf("%w: bucket %d", ErrAlreadySettled, unit)
		}
		return events.Event{
			Kind:             events.KindWithdrawRequested,
			Caller:           user,
			User:             user,
			Amount:           split.Amount,
			Shares:           split.SharesBurned,
			Principal:        split.Principal,
			Interest:         split.Interest,
			PrincipalRetired: split.PrincipalRetired,
			RequestID:        uint64(len(st.requests)) + 1,
			UnitTime:         unit,
			ReleaseTime:      v.sched.ReleaseTime(now),
		}, nil
	})
	if err != nil {
		return withdraw.Request{}, err
	}
	return requestFromEvent(e), nil
}

func mapSharesErr(err error) error {
	switch {
	case errors.Is(err, shares.ErrExceedsValue):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case errors.Is(err, shares.ErrZeroShares), errors.Is(err, shares.ErrInvalidInput), errors.Is(err, shares.ErrOverflow):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	case errors.Is(err, shares.ErrInconsistent):
		return fmt.Errorf("%w: %v", ErrInconsistent, err)
	default:
		return err
	}
}
