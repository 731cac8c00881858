package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/shares"
	"github.com/juno-intents/yield-vault/internal/withdraw"
)

// Balance is one user's position valued at the current exchange rate.
type Balance struct {
	User      common.Address
	Principal uint256.Int
	Shares    uint256.Int
	Value     uint256.Int
	// Yield is Value - Principal, floored at zero.
	Yield uint256.Int
}

// Snapshot is the aggregate protocol view.
type Snapshot struct {
	Vault string
	Seq   uint64
	Time  int64

	TotalPrincipal uint256.Int
	TotalInterest  uint256.Int
	TotalShares    uint256.Int
	ExchangeRate   uint256.Int

	TotalReleased    uint256.Int
	TotalClaimed     uint256.Int
	PendingUnsettled uint256.Int

	Roles           Roles
	Custodian       common.Address
	MaxYieldRateBps uint32
	DepositCap      uint256.Int
	Paused          bool
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version          string `json:"version"`
		Vault            string `json:"vault"`
		Seq              uint64 `json:"seq"`
		Time             int64  `json:"time"`
		TotalPrincipal   string `json:"totalPrincipal"`
		TotalInterest    string `json:"totalInterest"`
		TotalShares      string `json:"totalShares"`
		ExchangeRate     string `json:"exchangeRate"`
		TotalReleased    string `json:"totalReleased"`
		TotalClaimed     string `json:"totalClaimed"`
		PendingUnsettled string `json:"pendingUnsettled"`
		Owner            string `json:"owner"`
		Operator         string `json:"operator"`
		Gateway          string `json:"gateway"`
		Custodian        string `json:"custodian"`
		MaxYieldRateBps  uint32 `json:"maxYieldRateBps"`
		DepositCap       string `json:"depositCap"`
		Paused           bool   `json:"paused"`
	}{
		Version:          "vault.snapshot.v1",
		Vault:            s.Vault,
		Seq:              s.Seq,
		Time:             s.Time,
		TotalPrincipal:   s.TotalPrincipal.Dec(),
		TotalInterest:    s.TotalInterest.Dec(),
		TotalShares:      s.TotalShares.Dec(),
		ExchangeRate:     s.ExchangeRate.Dec(),
		TotalReleased:    s.TotalReleased.Dec(),
		TotalClaimed:     s.TotalClaimed.Dec(),
		PendingUnsettled: s.PendingUnsettled.Dec(),
		Owner:            s.Roles.Owner.Hex(),
		Operator:         s.Roles.Operator.Hex(),
		Gateway:          s.Roles.Gateway.Hex(),
		Custodian:        s.Custodian.Hex(),
		MaxYieldRateBps:  s.MaxYieldRateBps,
		DepositCap:       s.DepositCap.Dec(),
		Paused:           s.Paused,
	})
}

func (v *Vault) Snapshot(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := v.read(ctx, func(now int64) error {
		st := v.st
		rate, err := shares.ExchangeRate(&st.totalShares, st.totalValue())
		if err != nil {
			return mapSharesErr(err)
		}
		out = Snapshot{
			Vault:            v.cfg.ID,
			Seq:              st.seq,
			Time:             now,
			TotalPrincipal:   st.totalPrincipal,
			TotalInterest:    st.totalInterest,
			TotalShares:      st.totalShares,
			ExchangeRate:     *rate,
			TotalReleased:    st.totalReleased,
			TotalClaimed:     st.totalClaimed,
			PendingUnsettled: st.pendingUnsettled,
			Roles:            st.roles,
			Custodian:        st.custodian,
			MaxYieldRateBps:  st.maxYieldRateBps,
			DepositCap:       st.depositCap,
			Paused:           st.paused,
		}
		return nil
	})
	return out, err
}

// ExchangeRate returns (P+I)/S scaled by shares.RateScale.
func (v *Vault) ExchangeRate(ctx context.Context) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.read(ctx, func(int64) error {
		rate, err := shares.ExchangeRate(&v.st.totalShares, v.st.totalValue())
		if err != nil {
			return mapSharesErr(err)
		}
		out = rate
		return nil
	})
	return out, err
}

func (v *Vault) Balance(ctx context.Context, user common.Address) (Balance, error) {
	out, err := v.Balances(ctx, []common.Address{user})
	if err != nil {
		return Balance{}, err
	}
	return out[0], nil
}

func (v *Vault) Balances(ctx context.Context, users []common.Address) ([]Balance, error) {
	out := make([]Balance, 0, len(users))
	err := v.read(ctx, func(int64) error {
		total := v.st.totalValue()
		for _, u := range users {
			a := v.st.account(u)
			value, err := shares.ValueOf(&a.Shares, &v.st.totalShares, total)
			if err != nil {
				return mapSharesErr(err)
			}
			b := Balance{User: u, Principal: a.Principal, Shares: a.Shares, Value: *value}
			if value.Gt(&a.Principal) {
				b.Yield.Sub(value, &a.Principal)
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Claimable reports what Claim would pay user right now.
func (v *Vault) Claimable(ctx context.Context, user common.Address) (Claimable, error) {
	var out Claimable
	err := v.read(ctx, func(now int64) error {
		out = v.st.claimable(user, now)
		return nil
	})
	return out, err
}

func (v *Vault) Request(ctx context.Context, id uint64) (withdraw.Request, error) {
	var out withdraw.Request
	err := v.read(ctx, func(int64) error {
		r, ok := v.st.request(id)
		if !ok {
			return fmt.Errorf("%w: request %d", ErrNotFound, id)
		}
		out = r
		return nil
	})
	return out, err
}

// WithdrawRequests returns every request of user, oldest first.
func (v *Vault) WithdrawRequests(ctx context.Context, user common.Address) ([]withdraw.Request, error) {
	var out []withdraw.Request
	err := v.read(ctx, func(int64) error {
		ids := v.st.byUser[user]
		out = make([]withdraw.Request, 0, len(ids))
		for _, id := range ids {
			out = append(out, v.st.requests[id-1])
		}
		return nil
	})
	return out, err
}

// WithdrawRequestsPage returns up to limit requests of user starting at
// offset, plus the user's total request count.
func (v *Vault) WithdrawRequestsPage(ctx context.Context, user common.Address, offset, limit int) ([]withdraw.Request, int, error) {
	if offset < 0 || limit <= 0 {
		return nil, 0, fmt.Errorf("%w: offset must be >= 0 and limit > 0", ErrInvalidArgument)
	}
	var (
		out   []withdraw.Request
		total int
	)
	err := v.read(ctx, func(int64) error {
		ids := v.st.byUser[user]
		total = len(ids)
		if offset >= total {
			return nil
		}
		end := min(offset+limit, total)
		out = make([]withdraw.Request, 0, end-offset)
		for _, id := range ids[offset:end] {
			out = append(out, v.st.requests[id-1])
		}
		return nil
	})
	return out, total, err
}

// PendingRequests returns the user's unreleased requests ordered by id.
func (v *Vault) PendingRequests(ctx context.Context, user common.Address) ([]withdraw.Request, error) {
	var out []withdraw.Request
	err := v.read(ctx, func(int64) error {
		ids := v.st.active[user].IDs()
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = make([]withdraw.Request, 0, len(ids))
		for _, id := range ids {
			out = append(out, v.st.requests[id-1])
		}
		return nil
	})
	return out, err
}

// Bucket returns the bucket for the unit containing ts. Units without
// withdrawals report an empty pending bucket.
func (v *Vault) Bucket(ctx context.Context, ts int64) (withdraw.Bucket, error) {
	unit := v.sched.UnitTime(ts)
	out := withdraw.Bucket{UnitTime: unit}
	err := v.read(ctx, func(int64) error {
		if b, ok := v.st.buckets[unit]; ok {
			out = *b
		}
		return nil
	})
	return out, err
}

// PendingWithdrawal returns the amount still waiting for settlement among
// requests that release at releaseTime.
func (v *Vault) PendingWithdrawal(ctx context.Context, releaseTime int64) (*uint256.Int, error) {
	unit, ok := v.sched.UnitForRelease(releaseTime)
	if !ok {
		return nil, fmt.Errorf("%w: %d is not a unit boundary", ErrInvalidArgument, releaseTime)
	}
	b, err := v.Bucket(ctx, unit)
	if err != nil {
		return nil, err
	}
	if b.Released() {
		return new(uint256.Int), nil
	}
	return b.Total(), nil
}

// TargetUndelegateTimestamp returns the unit Undelegate would settle now.
func (v *Vault) TargetUndelegateTimestamp() int64 {
	return v.sched.TargetUndelegate(v.cfg.Now().Unix())
}

func (v *Vault) YieldHistory(ctx context.Context) ([]YieldEntry, error) {
	var out []YieldEntry
	err := v.read(ctx, func(int64) error {
		out = append([]YieldEntry(nil), v.st.yields...)
		return nil
	})
	return out, err
}

func (v *Vault) YieldHistoryLen(ctx context.Context) (int, error) {
	var n int
	err := v.read(ctx, func(int64) error {
		n = len(v.st.yields)
		return nil
	})
	return n, err
}

func (v *Vault) YieldAt(ctx context.Context, index int) (YieldEntry, error) {
	out, err := v.YieldRange(ctx, index, index+1)
	if err != nil {
		return YieldEntry{}, err
	}
	return out[0], nil
}

// YieldRange returns history entries [from, to).
func (v *Vault) YieldRange(ctx context.Context, from, to int) ([]YieldEntry, error) {
	var out []YieldEntry
	err := v.read(ctx, func(int64) error {
		if from < 0 || from >= to || to > len(v.st.yields) {
			return fmt.Errorf("%w: range [%d,%d) of %d entries", ErrInvalidArgument, from, to, len(v.st.yields))
		}
		out = append([]YieldEntry(nil), v.st.yields[from:to]...)
		return nil
	})
	return out, err
}
