package vault

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/events"
	"github.com/juno-intents/yield-vault/internal/withdraw"
)

// Claimable is the set of a user's requests that can be paid now.
type Claimable struct {
	User       common.Address
	RequestIDs []uint64
	Principal  uint256.Int
	Interest   uint256.Int
}

func (c Claimable) Total() *uint256.Int {
	return new(uint256.Int).Add(&c.Principal, &c.Interest)
}

// claimable collects the user's unreleased, matured requests whose bucket has
// been settled. Work is bounded by the user's active requests.
func (s *state) claimable(user common.Address, now int64) Claimable {
	out := Claimable{User: user}
	for _, id := range s.active[user].IDs() {
		r := s.requests[id-1]
		if r.Released() || !r.Matured(now) || !s.bucketReleased(r.UnitTime) {
			continue
		}
		out.RequestIDs = append(out.RequestIDs, id)
		out.Principal.Add(&out.Principal, &r.Principal)
		out.Interest.Add(&out.Interest, &r.Interest)
	}
	sort.Slice(out.RequestIDs, func(i, j int) bool { return out.RequestIDs[i] < out.RequestIDs[j] })
	return out
}

// Claim pays the caller every request that is matured and settled.
func (v *Vault) Claim(ctx context.Context, user common.Address) (Claimable, error) {
	return v.claim(ctx, user, user, false, nil)
}

// ClaimOnBehalf is Claim invoked by the gateway for user. Funds still go to
// user.
func (v *Vault) ClaimOnBehalf(ctx context.Context, caller, user common.Address) (Claimable, error) {
	return v.claim(ctx, caller, user, true, nil)
}

// ClaimRequests pays the caller the listed requests. Every id is checked
// independently; the call fails as a whole if any id does not qualify.
func (v *Vault) ClaimRequests(ctx context.Context, user common.Address, ids []uint64) (Claimable, error) {
	if len(ids) == 0 {
		return Claimable{}, fmt.Errorf("%w: no request ids", ErrInvalidArgument)
	}
	return v.claim(ctx, user, user, false, ids)
}

func (v *Vault) claim(ctx context.Context, caller, user common.Address, relay bool, ids []uint64) (Claimable, error) {
	var out Claimable
	_, err := v.commit(ctx, func(ctx context.Context, now int64) (events.Event, error) {
		st := v.st
		if err := v.requireActive(); err != nil {
			return events.Event{}, err
		}
		if err := requireAddress(user, "user"); err != nil {
			return events.Event{}, err
		}
		if relay {
			if err := st.roles.Require(RoleGateway, caller); err != nil {
				return events.Event{}, err
			}
		}

		var c Claimable
		if ids == nil {
			c = st.claimable(user, now)
		} else {
			var err error
			if c, err = st.selectRequests(user, ids, now); err != nil {
				return events.Event{}, err
			}
		}
		total := c.Total()
		if total.IsZero() {
			return events.Event{}, fmt.Errorf("%w: nothing claimable for %s", ErrNotReady, user.Hex())
		}

		available := new(uint256.Int).Sub(&st.totalReleased, &st.totalClaimed)
		if available.Lt(total) {
			return events.Event{}, fmt.Errorf("%w: settled funds %s, claim %s", ErrInsufficientBalance, available.Dec(), total.Dec())
		}
		held, err := v.ledger.BalanceOf(ctx, v.cfg.Address)
		if err != nil {
			return events.Event{}, fmt.Errorf("vault: read vault balance: %w", err)
		}
		if held.Lt(total) {
			return events.Event{}, fmt.Errorf("%w: vault holds %s, claim %s", ErrInsufficientBalance, held.Dec(), total.Dec())
		}

		out = c
		return events.Event{
			Kind:       events.KindClaimed,
			Caller:     caller,
			User:       user,
			Amount:     *total,
			Principal:  c.Principal,
			Interest:   c.Interest,
			RequestIDs: c.RequestIDs,
			Transfers:  []events.Transfer{{From: v.cfg.Address, To: user, Amount: *total}},
		}, nil
	})
	if err != nil {
		return Claimable{}, err
	}
	return out, nil
}

func (s *state) selectRequests(user common.Address, ids []uint64, now int64) (Claimable, error) {
	out := Claimable{User: user}
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return Claimable{}, fmt.Errorf("%w: duplicate request id %d", ErrInvalidArgument, id)
		}
		seen[id] = struct{}{}

		r, ok := s.request(id)
		if !ok {
			return Claimable{}, fmt.Errorf("%w: request %d", ErrNotFound, id)
		}
		if err := checkClaimable(r, user, now, s.bucketReleased(r.UnitTime)); err != nil {
			return Claimable{}, err
		}
		out.RequestIDs = append(out.RequestIDs, id)
		out.Principal.Add(&out.Principal, &r.Principal)
		out.Interest.Add(&out.Interest, &r.Interest)
	}
	sort.Slice(out.RequestIDs, func(i, j int) bool { return out.RequestIDs[i] < out.RequestIDs[j] })
	return out, nil
}

func checkClaimable(r withdraw.Request, user common.Address, now int64, bucketReleased bool) error {
	switch {
	case r.User != user:
		return fmt.Errorf("%w: request %d belongs to another user", ErrUnauthorized, r.ID)
	case r.Released():
		return fmt.Errorf("%w: request %d", ErrAlreadyClaimed, r.ID)
	case !r.Matured(now):
		return fmt.Errorf("%w: request %d releases at %d", ErrNotReady, r.ID, r.ReleaseTime)
	case !bucketReleased:
		return fmt.Errorf("%w: bucket %d of request %d is not settled", ErrNotReady, r.UnitTime, r.ID)
	default:
		return nil
	}
}
