// Package keeper runs the periodic operator duties of hosted vaults: settling
// the bucket that is due, archiving snapshots, and booking yield reports.
package keeper

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

	"github.com/juno-intents/yield-vault/internal/leases"
	"github.com/juno-intents/yield-vault/internal/queue"
	"github.com/juno-intents/yield-vault/internal/vault"
	"github.com/juno-intents/yield-vault/internal/withdraw"
)

var (
	ErrInvalidConfig = errors.New("keeper: invalid config")
	ErrUnknownVault  = errors.New("keeper: unknown vault")
)

// Vault is the surface the keeper drives.
type Vault interface {
	ID() string
	Seq() uint64
	Undelegate(ctx context.Context, caller common.Address) (withdraw.Bucket, error)
	UpdateYieldReport(ctx context.Context, caller common.Address, amount *uint256.Int, reportID string) (vault.YieldEntry, error)
	Snapshot(ctx context.Context) (vault.Snapshot, error)
}

type Archiver interface {
	Save(ctx context.Context, snap vault.Snapshot) (string, error)
}

type Config struct {
	// Holder identifies this process in lease records.
	Holder string
	// Operator is the address the keeper acts as. It must hold the operator
	// role on every vault.
	Operator common.Address
	LeaseTTL time.Duration
}

type Keeper struct {
	cfg     Config
	leases  leases.Store
	archive Archiver
	log     *slog.Logger

	vaults []Vault
	byID   map[string]Vault

	mu sync.Mutex
	// epochs and archived are per vault: the lease epoch last held and the
	// seq last archived under it.
	epochs   map[string]uint64
	archived map[string]uint64
}

// New returns a keeper for vaults. archive may be nil to disable archival.
func New(cfg Config, ls leases.Store, archive Archiver, vaults []Vault, log *slog.Logger) (*Keeper, error) {
	if strings.TrimSpace(cfg.Holder) == "" {
		return nil, fmt.Errorf("%w: empty holder", ErrInvalidConfig)
	}
	if cfg.Operator == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero operator", ErrInvalidConfig)
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if ls == nil {
		return nil, fmt.Errorf("%w: nil lease store", ErrInvalidConfig)
	}
	if len(vaults) == 0 {
		return nil, fmt.Errorf("%w: no vaults", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	byID := make(map[string]Vault, len(vaults))
	for _, v := range vaults {
		if v == nil {
			return nil, fmt.Errorf("%w: nil vault", ErrInvalidConfig)
		}
		if _, dup := byID[v.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate vault %q", ErrInvalidConfig, v.ID())
		}
		byID[v.ID()] = v
	}
	return &Keeper{
		cfg:      cfg,
		leases:   ls,
		archive:  archive,
		log:      log,
		vaults:   append([]Vault(nil), vaults...),
		byID:     byID,
		epochs:   make(map[string]uint64),
		archived: make(map[string]uint64),
	}, nil
}

// Tick runs one round over every vault whose keeper lease this process holds.
// Errors from individual vaults are joined; one failing vault does not stop
// the others.
func (k *Keeper) Tick(ctx context.Context) error {
	var errs []error
	for _, v := range k.vaults {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := k.tickVault(ctx, v); err != nil {
			errs = append(errs, fmt.Errorf("vault %q: %w", v.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (k *Keeper) tickVault(ctx context.Context, v Vault) error {
	lease, ok, err := k.leases.Acquire(ctx, leases.KeeperLease(v.ID()), k.cfg.Holder, k.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		k.log.Debug("keeper lease held elsewhere", "vault", v.ID(), "holder", lease.Holder, "epoch", lease.Epoch)
		return nil
	}
	k.observeEpoch(v.ID(), lease.Epoch)

	var errs []error
	if err := k.settle(ctx, v); err != nil {
		errs = append(errs, err)
	}
	if err := k.archiveSnapshot(ctx, v); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// observeEpoch forgets the archive position when the lease changed hands,
// since another holder may have archived in between.
func (k *Keeper) observeEpoch(id string, epoch uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.epochs[id] != epoch {
		if k.epochs[id] != 0 {
			k.log.Info("keeper lease epoch changed", "vault", id, "epoch", epoch)
		}
		k.epochs[id] = epoch
		delete(k.archived, id)
	}
}

func (k *Keeper) settle(ctx context.Context, v Vault) error {
	b, err := v.Undelegate(ctx, k.cfg.Operator)
	switch {
	case err == nil:
		k.log.Info("settled bucket", "vault", v.ID(), "unitTime", b.UnitTime, "amount", b.Total().Dec())
		return nil
	case errors.Is(err, vault.ErrEmptyBucket), errors.Is(err, vault.ErrAlreadySettled):
		return nil
	case errors.Is(err, vault.ErrPaused):
		k.log.Debug("vault paused, settlement skipped", "vault", v.ID())
		return nil
	default:
		return fmt.Errorf("undelegate: %w", err)
	}
}

func (k *Keeper) archiveSnapshot(ctx context.Context, v Vault) error {
	if k.archive == nil {
		return nil
	}
	seq := v.Seq()
	k.mu.Lock()
	last, ok := k.archived[v.ID()]
	k.mu.Unlock()
	if ok && last == seq {
		return nil
	}

	snap, err := v.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	key, err := k.archive.Save(ctx, snap)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	k.mu.Lock()
	k.archived[v.ID()] = snap.Seq
	k.mu.Unlock()
	k.log.Info("archived snapshot", "vault", v.ID(), "seq", snap.Seq, "key", key)
	return nil
}

// HandleYieldReport books r on its vault as the operator. A report id the
// vault already booked fails with vault.ErrDuplicateReport.
func (k *Keeper) HandleYieldReport(ctx context.Context, r queue.YieldReport) (vault.YieldEntry, error) {
	v, ok := k.byID[r.Vault]
	if !ok {
		return vault.YieldEntry{}, fmt.Errorf("%w: %q", ErrUnknownVault, r.Vault)
	}
	entry, err := v.UpdateYieldReport(ctx, k.cfg.Operator, r.Amount, r.ReportID)
	if err != nil {
		return vault.YieldEntry{}, err
	}
	k.log.Info("yield booked", "vault", r.Vault, "report", r.ReportID, "amount", entry.Amount.Dec(), "totalInterest", entry.TotalInterestAfter.Dec())
	return entry, nil
}

// Release gives up every keeper lease this process holds.
func (k *Keeper) Release(ctx context.Context) error {
	var errs []error
	for _, v := range k.vaults {
		err := k.leases.Release(ctx, leases.KeeperLease(v.ID()), k.cfg.Holder)
		if err != nil && !errors.Is(err, leases.ErrNotHolder) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
