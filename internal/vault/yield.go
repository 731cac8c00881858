package vault

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/events"
	"github.com/juno-intents/yield-vault/internal/shares"
)

// MaxReportIDLen bounds the id of an external yield report.
const MaxReportIDLen = 128

// UpdateYield adds amount to the pooled interest. Operator only, at most once
// per time unit, and never more than MaxYieldRateBps of the total principal.
func (v *Vault) UpdateYield(ctx context.Context, caller common.Address, amount *uint256.Int) (YieldEntry, error) {
	return v.UpdateYieldReport(ctx, caller, amount, "")
}

// UpdateYieldReport is UpdateYield for an externally delivered report.
// A report id is booked at most once over the life of the vault; redelivery
// fails with ErrDuplicateReport even in a later unit.
func (v *Vault) UpdateYieldReport(ctx context.Context, caller common.Address, amount *uint256.Int, reportID string) (YieldEntry, error) {
	if len(reportID) > MaxReportIDLen {
		return YieldEntry{}, fmt.Errorf("%w: report id longer than %d bytes", ErrInvalidArgument, MaxReportIDLen)
	}
	e, err := v.commit(ctx, func(_ context.Context, now int64) (events.Event, error) {
		st := v.st
		if err := st.roles.Require(RoleOperator, caller); err != nil {
			return events.Event{}, err
		}
		if err := v.requireActive(); err != nil {
			return events.Event{}, err
		}
		if err := requireAmount(amount); err != nil {
			return events.Event{}, err
		}
		if st.reportSeen(v.cfg.ID, reportID) {
			return events.Event{}, fmt.Errorf("%w: %q", ErrDuplicateReport, reportID)
		}
		unit := v.sched.UnitTime(now)
		if _, done := st.yieldUnits[unit]; done {
			return events.Event{}, fmt.Errorf("%w: unit %d", ErrYieldAlreadyUpdated, unit)
		}
		limit, err := shares.MaxYield(&st.totalPrincipal, st.maxYieldRateBps)
		if err != nil {
			return events.Event{}, mapSharesErr(err)
		}
		if amount.Gt(limit) {
			return events.Event{}, fmt.Errorf("%w: yield %s exceeds cap %s", ErrInvalidArgument, amount.Dec(), limit.Dec())
		}
		after, overflow := new(uint256.Int).AddOverflow(&st.totalInterest, amount)
		if overflow {
			return events.Event{}, fmt.Errorf("%w: interest overflow", ErrInvalidArgument)
		}
		return events.Event{
			Kind:          events.KindYieldUpdated,
			Caller:        caller,
			Amount:        *amount,
			TotalInterest: *after,
			UnitTime:      unit,
			ReportID:      reportID,
		}, nil
	})
	if err != nil {
		return YieldEntry{}, err
	}
	return YieldEntry{Timestamp: e.Time, Amount: e.Amount, TotalInterestAfter: e.TotalInterest, ReportID: e.ReportID}, nil
}
