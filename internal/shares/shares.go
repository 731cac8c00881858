// Package shares implements the fixed-point share accounting used by the vault
// ledger. All amounts are 256-bit unsigned integers in the base asset's
// smallest unit; every intermediate product uses full 512-bit precision.
package shares

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const BpsDenominator = uint64(10_000)

var (
	ErrInvalidInput   = errors.New("shares: invalid input")
	ErrOverflow       = errors.New("shares: overflow")
	ErrZeroShares     = errors.New("shares: deposit mints zero shares")
	ErrExceedsValue   = errors.New("shares: amount exceeds share value")
	ErrInconsistent   = errors.New("shares: inconsistent ledger totals")
	errDivisionByZero = errors.New("shares: division by zero")
)

// RateScale is the fixed-point scale of ExchangeRate (1e18 == one-to-one).
var RateScale = uint256.NewInt(1_000_000_000_000_000_000)

// MulDiv returns floor(x*y/d).
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, errDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(x, y, d).IsZero() {
		return z, nil
	}
	z, overflow := z.AddOverflow(z, uint256.NewInt(1))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// TotalValue returns principal + interest.
func TotalValue(principal, interest *uint256.Int) (*uint256.Int, error) {
	v, overflow := new(uint256.Int).AddOverflow(principal, interest)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// MintShares computes the shares minted for a deposit of amount:
//
//	shares = amount                               if totalShares == 0
//	shares = floor(amount * totalShares / totalValue) otherwise
func MintShares(amount, totalShares, totalValue *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if totalShares.IsZero() {
		return amount.Clone(), nil
	}
	if totalValue.IsZero() {
		return nil, fmt.Errorf("%w: shares outstanding with zero value", ErrInconsistent)
	}
	minted, err := MulDiv(amount, totalShares, totalValue)
	if err != nil {
		return nil, err
	}
	if minted.IsZero() {
		return nil, ErrZeroShares
	}
	return minted, nil
}

// ValueOf returns floor(shares * totalValue / totalShares), or zero when no
// shares are outstanding.
func ValueOf(shares, totalShares, totalValue *uint256.Int) (*uint256.Int, error) {
	if totalShares.IsZero() || shares.IsZero() {
		return new(uint256.Int), nil
	}
	return MulDiv(shares, totalValue, totalShares)
}

// ExchangeRate returns totalValue/totalShares scaled by RateScale; one-to-one
// when no shares are outstanding.
func ExchangeRate(totalShares, totalValue *uint256.Int) (*uint256.Int, error) {
	if totalShares.IsZero() {
		return RateScale.Clone(), nil
	}
	return MulDiv(totalValue, RateScale, totalShares)
}

// MaxYield returns floor(totalPrincipal * rateBps / 10000).
func MaxYield(totalPrincipal *uint256.Int, rateBps uint32) (*uint256.Int, error) {
	if uint64(rateBps) > BpsDenominator {
		return nil, fmt.Errorf("%w: rate %d bps exceeds %d", ErrInvalidInput, rateBps, BpsDenominator)
	}
	return MulDiv(totalPrincipal, uint256.NewInt(uint64(rateBps)), uint256.NewInt(BpsDenominator))
}

// SplitInput is the ledger view needed to split one withdrawal.
type SplitInput struct {
	Amount *uint256.Int

	UserPrincipal *uint256.Int
	UserShares    *uint256.Int

	TotalPrincipal *uint256.Int
	TotalInterest  *uint256.Int
	TotalShares    *uint256.Int
}

// Split is the outcome of a withdrawal split.
//
// Amount == Principal + Interest is what the user will eventually receive.
// PrincipalRetired is what leaves the user's and the global principal; it
// differs from Principal only on a full exit, where rounding residue is
// absorbed by the pooled interest.
type Split struct {
	Amount           uint256.Int
	SharesBurned     uint256.Int
	Principal        uint256.Int
	Interest         uint256.Int
	PrincipalRetired uint256.Int
	FullExit         bool
}

// SplitWithdrawal splits a requested amount into principal and interest and
// computes the shares to burn.
//
// Shares burned are rounded up and the principal portion is rounded down, so
// no sequence of withdrawals extracts more than the burned shares are worth.
// A withdrawal that burns every remaining share of the user pays the full
// value of those shares and retires all of the user's principal.
func SplitWithdrawal(in SplitInput) (Split, error) {
	if in.Amount == nil || in.UserPrincipal == nil || in.UserShares == nil ||
		in.TotalPrincipal == nil || in.TotalInterest == nil || in.TotalShares == nil {
		return Split{}, fmt.Errorf("%w: nil field", ErrInvalidInput)
	}
	if in.Amount.IsZero() {
		return Split{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if in.UserShares.IsZero() || in.TotalShares.IsZero() {
		return Split{}, ErrExceedsValue
	}
	if in.UserShares.Gt(in.TotalShares) || in.UserPrincipal.Gt(in.TotalPrincipal) {
		return Split{}, fmt.Errorf("%w: user balance exceeds totals", ErrInconsistent)
	}

	total, err := TotalValue(in.TotalPrincipal, in.TotalInterest)
	if err != nil {
		return Split{}, err
	}
	value, err := ValueOf(in.UserShares, in.TotalShares, total)
	if err != nil {
		return Split{}, err
	}
	if in.Amount.Gt(value) {
		return Split{}, fmt.Errorf("%w: requested %s, entitled %s", ErrExceedsValue, in.Amount.Dec(), value.Dec())
	}

	burn, err := MulDivUp(in.Amount, in.TotalShares, total)
	if err != nil {
		return Split{}, err
	}
	if burn.Gt(in.UserShares) {
		burn.Set(in.UserShares)
	}

	var out Split
	out.SharesBurned = *burn

	if burn.Eq(in.UserShares) {
		out.FullExit = true
		out.Amount = *value
		out.PrincipalRetired = *in.UserPrincipal
		out.Principal = *minInt(in.UserPrincipal, value)
	} else {
		out.Amount = *in.Amount
		principal, err := MulDiv(in.Amount, in.UserPrincipal, value)
		if err != nil {
			return Split{}, err
		}
		principal = minInt(minInt(principal, in.UserPrincipal), in.Amount)
		out.Principal = *principal
		out.PrincipalRetired = *principal
	}
	out.Interest.Sub(&out.Amount, &out.Principal)

	// totalInterest' = totalInterest + retired - amount must stay non-negative.
	credit, overflow := new(uint256.Int).AddOverflow(in.TotalInterest, &out.PrincipalRetired)
	if overflow {
		return Split{}, ErrOverflow
	}
	if credit.Lt(&out.Amount) {
		deficit := new(uint256.Int).Sub(&out.Amount, credit)
		headroom := new(uint256.Int).Sub(in.UserPrincipal, &out.PrincipalRetired)
		if out.FullExit || deficit.Gt(headroom) {
			return Split{}, fmt.Errorf("%w: pooled interest %s cannot cover %s", ErrInconsistent, in.TotalInterest.Dec(), out.Interest.Dec())
		}
		out.Principal.Add(&out.Principal, deficit)
		out.PrincipalRetired.Add(&out.PrincipalRetired, deficit)
		out.Interest.Sub(&out.Interest, deficit)
	}
	return out, nil
}

func minInt(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}
