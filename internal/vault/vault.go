// Package vault implements a share-accounted yield vault with a time-bucketed
// withdrawal queue.
//
// Every public operation is one atomic transaction. The transaction decides
// on a single event from the current state, applies it through journaled
// setters, moves the event's asset transfers, and appends the event to the
// log. A failure at any step undoes the completed transfers and reverts the
// journal, so callers never observe a partial effect.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/asset"
	"github.com/juno-intents/yield-vault/internal/events"
	"github.com/juno-intents/yield-vault/internal/journal"
	"github.com/juno-intents/yield-vault/internal/shares"
	"github.com/juno-intents/yield-vault/internal/withdraw"
)

// EventStore is the vault's append-only event log.
//
// Append must fail with ErrVersionConflict when an event with the same
// (vault, seq) already exists.
type EventStore interface {
	Append(ctx context.Context, e events.Event) error
	// Load returns up to limit events of vault with seq > afterSeq, in seq order.
	Load(ctx context.Context, vault string, afterSeq uint64, limit int) ([]events.Event, error)
}

// Publisher fans committed events out. Publishing is best effort; the event
// log is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

type Config struct {
	// ID names the vault in the event log.
	ID string
	// Address is the vault's own holding on the asset ledger. Settlement moves
	// funds here and claims pay out from here.
	Address common.Address

	TimeUnit        time.Duration
	WithdrawalDelay uint32
	MaxYieldRateBps uint32
	// DepositCap bounds totalPrincipal. Nil means unlimited.
	DepositCap *uint256.Int

	Owner     common.Address
	Operator  common.Address
	Gateway   common.Address
	Custodian common.Address

	// Sequencer orders commits across the vaults of one host. Vaults that
	// share an asset ledger must share it. Nil gives the vault its own.
	Sequencer *Sequencer

	Now func() time.Time
}

type Vault struct {
	cfg    Config
	sched  withdraw.Schedule
	host   *Sequencer
	ledger asset.Ledger
	store  EventStore
	pub    Publisher
	log    *slog.Logger

	mu      sync.Mutex
	journal journal.Journal
	st      *state
}

func New(cfg Config, ledger asset.Ledger, store EventStore, pub Publisher, log *slog.Logger) (*Vault, error) {
	if ledger == nil || store == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	zero := common.Address{}
	if cfg.Address == zero || cfg.Owner == zero || cfg.Custodian == zero {
		return nil, fmt.Errorf("%w: vault address, owner and custodian are required", ErrInvalidConfig)
	}
	if cfg.Address == cfg.Custodian {
		return nil, fmt.Errorf("%w: custodian must differ from the vault holding", ErrInvalidConfig)
	}
	if cfg.WithdrawalDelay == 0 {
		return nil, fmt.Errorf("%w: WithdrawalDelay must be >= 1 unit", ErrInvalidConfig)
	}
	if uint64(cfg.MaxYieldRateBps) > shares.BpsDenominator {
		return nil, fmt.Errorf("%w: MaxYieldRateBps must be <= %d", ErrInvalidConfig, shares.BpsDenominator)
	}
	sched, err := withdraw.NewSchedule(cfg.TimeUnit, cfg.WithdrawalDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = NewSequencer()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	v := &Vault{
		cfg:    cfg,
		sched:  sched,
		host:   cfg.Sequencer,
		ledger: ledger,
		store:  store,
		pub:    pub,
		log:    log.With("vault", cfg.ID),
	}
	v.st = newState(cfg, &v.journal)
	return v, nil
}

func (v *Vault) ID() string              { return v.cfg.ID }
func (v *Vault) Address() common.Address { return v.cfg.Address }
func (v *Vault) Schedule() withdraw.Schedule {
	return v.sched
}

// Seq returns the sequence number of the last committed event.
func (v *Vault) Seq() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.st.seq
}

type hostKey struct{ s *Sequencer }

// enter marks ctx as running inside a transaction on v's host. Transfer hooks
// run while the host sequencer is held, so a hook that calls back into any
// vault of the same host carries the mark and is rejected instead of
// deadlocking.
func (v *Vault) enter(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(hostKey{v.host}) != nil {
		return nil, ErrReentrant
	}
	return context.WithValue(ctx, hostKey{v.host}, true), nil
}

// decideFunc inspects the locked state and returns the event to commit.
type decideFunc func(ctx context.Context, now int64) (events.Event, error)

func (v *Vault) commit(ctx context.Context, decide decideFunc) (events.Event, error) {
	ctx, err := v.enter(ctx)
	if err != nil {
		return events.Event{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.cfg.Now().Unix()
	e, err := decide(ctx, now)
	if err != nil {
		return events.Event{}, err
	}
	e.Vault = v.cfg.ID
	e.Seq = v.st.seq + 1
	e.ID = events.ComputeID(e.Vault, e.Seq)
	e.Time = now

	if err := v.st.apply(e); err != nil {
		v.journal.RevertTo(0)
		return events.Event{}, err
	}

	if err := v.record(ctx, &e); err != nil {
		return events.Event{}, err
	}

	if v.pub != nil {
		if err := v.pub.Publish(ctx, e); err != nil {
			v.log.Warn("publish event", "seq", e.Seq, "kind", e.Kind, "err", err)
		}
	}
	v.log.Info("committed", "seq", e.Seq, "kind", e.Kind, "caller", e.Caller.Hex())
	return e, nil
}

// record moves e's transfers and appends it to the log under the host
// sequencer. On error the transfers are undone and the journal reverted.
func (v *Vault) record(ctx context.Context, e *events.Event) error {
	v.host.mu.Lock()
	defer v.host.mu.Unlock()
	e.HostSeq = v.host.last + 1

	done, err := v.transfer(ctx, e.Transfers)
	if err != nil {
		v.undoTransfers(ctx, done)
		v.journal.RevertTo(0)
		if errors.Is(err, asset.ErrInsufficientFunds) {
			return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
		}
		return err
	}

	// A cancelled caller must not abandon a write whose outcome is unknown.
	if err := v.store.Append(context.WithoutCancel(ctx), *e); err != nil {
		v.undoTransfers(ctx, done)
		v.journal.RevertTo(0)
		landed, cerr := v.catchUp(ctx, *e)
		if cerr != nil {
			v.log.Error("catch up event log", "seq", v.st.seq, "err", cerr)
		}
		if !landed {
			return fmt.Errorf("vault: append event %d: %w", e.Seq, err)
		}
		v.log.Warn("append failed but the event is in the log", "seq", e.Seq, "err", err)
		return nil
	}
	v.journal.Reset()
	v.host.observe(e.HostSeq)
	return nil
}

func (v *Vault) transfer(ctx context.Context, legs []events.Transfer) ([]events.Transfer, error) {
	for i := range legs {
		leg := legs[i]
		if err := v.ledger.Transfer(ctx, leg.From, leg.To, &leg.Amount); err != nil {
			return legs[:i], fmt.Errorf("vault: transfer %s -> %s: %w", leg.From.Hex(), leg.To.Hex(), err)
		}
	}
	return legs, nil
}

func (v *Vault) undoTransfers(ctx context.Context, done []events.Transfer) {
	ctx = context.WithoutCancel(ctx)
	r, replayable := v.ledger.(asset.Replayer)
	for i := len(done) - 1; i >= 0; i-- {
		leg := done[i]
		var err error
		if replayable {
			err = r.Replay(leg.To, leg.From, &leg.Amount)
		} else {
			err = v.ledger.Transfer(ctx, leg.To, leg.From, &leg.Amount)
		}
		if err != nil {
			v.log.Error("undo transfer", "from", leg.To.Hex(), "to", leg.From.Hex(), "amount", leg.Amount.Dec(), "err", err)
		}
	}
}

// read runs fn under the vault lock. Reads from inside a transfer hook on the
// same host are rejected like writes.
func (v *Vault) read(ctx context.Context, fn func(now int64) error) error {
	if ctx != nil && ctx.Value(hostKey{v.host}) != nil {
		return ErrReentrant
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return fn(v.cfg.Now().Unix())
}

func (v *Vault) requireActive() error {
	if v.st.paused {
		return ErrPaused
	}
	return nil
}

func requireAddress(a common.Address, what string) error {
	if a == (common.Address{}) {
		return fmt.Errorf("%w: zero %s address", ErrInvalidArgument, what)
	}
	return nil
}

func requireAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidArgument)
	}
	return nil
}
