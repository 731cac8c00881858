// Package asset models the base asset the vault accounts in. The vault only
// needs balance reads and atomic transfers; how the asset itself works is out
// of scope, so the package ships an in-memory ledger for hosting and tests.
package asset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidInput      = errors.New("asset: invalid input")
	ErrInsufficientFunds = errors.New("asset: insufficient funds")
)

// Ledger moves base-asset units between holders. Transfer either moves the
// full amount or returns an error and moves nothing.
type Ledger interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error)
}

// Replayer re-applies a transfer recorded in an event log without running
// receive hooks.
type Replayer interface {
	Replay(from, to common.Address, amount *uint256.Int) error
}

// ReceiveHook runs after a transfer has been applied, outside the ledger lock.
// A non-nil error undoes the transfer. It stands in for token callbacks on the
// receiving side.
//
// A hook fired by a vault transfer runs inside that vault's transaction and
// must pass the ctx it was given to any vault it calls. With it, calls into
// vaults of the same host fail with vault.ErrReentrant. A hook that detaches
// (context.Background, or a context not derived from ctx) and calls such a
// vault blocks forever.
type ReceiveHook func(ctx context.Context, from, to common.Address, amount *uint256.Int) error

// MemoryLedger is an in-memory Ledger. It is safe for concurrent use.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
	supply   uint256.Int
	hooks    map[common.Address]ReceiveHook
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[common.Address]*uint256.Int),
		hooks:    make(map[common.Address]ReceiveHook),
	}
}

// Mint credits amount to holder out of thin air. Used for genesis balances.
func (l *MemoryLedger) Mint(holder common.Address, amount *uint256.Int) error {
	if holder == (common.Address{}) || amount == nil {
		return fmt.Errorf("%w: holder and amount required", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, overflow := new(uint256.Int).AddOverflow(&l.supply, amount); overflow {
		return fmt.Errorf("%w: supply overflow", ErrInvalidInput)
	}
	l.supply.Add(&l.supply, amount)
	l.balance(holder).Add(l.balance(holder), amount)
	return nil
}

// OnReceive installs hook for transfers into holder; a nil hook removes it.
func (l *MemoryLedger) OnReceive(holder common.Address, hook ReceiveHook) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hook == nil {
		delete(l.hooks, holder)
		return
	}
	l.hooks[holder] = hook
}

func (l *MemoryLedger) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}

	l.mu.Lock()
	hook := l.hooks[to]
	l.mu.Unlock()
	if hook == nil {
		return nil
	}
	if err := hook(ctx, from, to, amount); err != nil {
		if rerr := l.move(to, from, amount); rerr != nil {
			return errors.Join(err, fmt.Errorf("asset: undo transfer: %w", rerr))
		}
		return err
	}
	return nil
}

func (l *MemoryLedger) Replay(from, to common.Address, amount *uint256.Int) error {
	return l.move(from, to, amount)
}

func (l *MemoryLedger) BalanceOf(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.balances[holder]; ok {
		return b.Clone(), nil
	}
	return new(uint256.Int), nil
}

// Supply returns the total minted amount.
func (l *MemoryLedger) Supply() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply.Clone()
}

func (l *MemoryLedger) move(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}
	if from == (common.Address{}) || to == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.balance(from)
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, from.Hex(), src.Dec(), amount.Dec())
	}
	src.Sub(src, amount)
	dst := l.balance(to)
	dst.Add(dst, amount)
	return nil
}

func (l *MemoryLedger) balance(holder common.Address) *uint256.Int {
	b, ok := l.balances[holder]
	if !ok {
		b = new(uint256.Int)
		l.balances[holder] = b
	}
	return b
}
