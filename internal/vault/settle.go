package vault

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/juno-intents/yield-vault/internal/events"
	"github.com/juno-intents/yield-vault/internal/withdraw"
)

// Undelegate settles the bucket that is due now: the unit that started
// WithdrawalDelay units before the current one. Operator only.
func (v *Vault) Undelegate(ctx context.Context, caller common.Address) (withdraw.Bucket, error) {
	return v.settle(ctx, caller, RoleOperator, func(now int64) (int64, error) {
		return v.sched.TargetUndelegate(now), nil
	})
}

// UndelegateAt settles the bucket containing ts. It exists for manual
// catch-up of buckets the automatic trigger missed. Owner only; ts must not be
// in the future and its unit must have closed.
func (v *Vault) UndelegateAt(ctx context.Context, caller common.Address, ts int64) (withdraw.Bucket, error) {
	return v.settle(ctx, caller, RoleOwner, func(now int64) (int64, error) {
		if ts > now {
			return 0, fmt.Errorf("%w: timestamp %d is in the future", ErrInvalidArgument, ts)
		}
		unit := v.sched.UnitTime(ts)
		if unit >= v.sched.UnitTime(now) {
			return 0, fmt.Errorf("%w: unit %d has not closed", ErrNotReady, unit)
		}
		return unit, nil
	})
}

func (v *Vault) settle(ctx context.Context, caller common.Address, role Role, target func(now int64) (int64, error)) (withdraw.Bucket, error) {
	var settled withdraw.Bucket
	e, err := v.commit(ctx, func(_ context.Context, now int64) (events.Event, error) {
		st := v.st
		if err := st.roles.Require(role, caller); err != nil {
			return events.Event{}, err
		}
		if err := v.requireActive(); err != nil {
			return events.Event{}, err
		}
		unit, err := target(now)
		if err != nil {
			return events.Event{}, err
		}
		b, ok := st.buckets[unit]
		if ok && b.Released() {
			return events.Event{}, fmt.Errorf("%w: bucket %d", ErrAlreadySettled, unit)
		}
		if !ok || b.Total().IsZero() {
			return events.Event{}, fmt.Errorf("%w: unit %d", ErrEmptyBucket, unit)
		}
		settled = *b
		total := b.Total()
		return events.Event{
			Kind:      events.KindSettled,
			Caller:    caller,
			Amount:    *total,
			Principal: b.PendingPrincipal,
			Interest:  b.PendingInterest,
			UnitTime:  unit,
			Transfers: []events.Transfer{{From: st.custodian, To: v.cfg.Address, Amount: *total}},
		}, nil
	})
	if err != nil {
		return withdraw.Bucket{}, err
	}
	settled.State = withdraw.StateReleased
	v.log.Info("bucket settled", "unitTime", e.UnitTime, "amount", e.Amount.Dec())
	return settled, nil
}
