package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/juno-intents/yield-vault/internal/asset"
	"github.com/juno-intents/yield-vault/internal/events"
)

const replayPageSize = 500

// Recover rebuilds the state of each vault from its event log. Vaults must be
// freshly constructed. When r is non-nil the recorded transfers are re-applied
// to it in host sequence order across all vaults, so an in-memory asset
// ledger seeded with the same genesis balances ends up where it was. Events
// without a host sequence fall back to time order.
func Recover(ctx context.Context, r asset.Replayer, vaults ...*Vault) error {
	logs := make([][]events.Event, len(vaults))
	for i, v := range vaults {
		if seq := v.Seq(); seq != 0 {
			return fmt.Errorf("%w: vault %s already has state at seq %d", ErrInvalidConfig, v.cfg.ID, seq)
		}
		log, err := v.loadAll(ctx)
		if err != nil {
			return err
		}
		logs[i] = log
	}

	// Merge by host sequence, keeping each vault's own log order.
	next := make([]int, len(vaults))
	for {
		pick := -1
		for i := range vaults {
			if next[i] >= len(logs[i]) {
				continue
			}
			if pick < 0 || before(logs[i][next[i]], logs[pick][next[pick]]) {
				pick = i
			}
		}
		if pick < 0 {
			break
		}
		if err := vaults[pick].replay(logs[pick][next[pick]], r); err != nil {
			return err
		}
		next[pick]++
	}

	for _, v := range vaults {
		v.log.Info("recovered", "seq", v.Seq())
	}
	return nil
}

func (v *Vault) loadAll(ctx context.Context) ([]events.Event, error) {
	var (
		out   []events.Event
		after uint64
	)
	for {
		page, err := v.store.Load(ctx, v.cfg.ID, after, replayPageSize)
		if err != nil {
			return nil, fmt.Errorf("vault: load %s events after %d: %w", v.cfg.ID, after, err)
		}
		for _, e := range page {
			if err := e.Validate(); err != nil {
				return nil, err
			}
			if e.Vault != v.cfg.ID {
				return nil, fmt.Errorf("%w: event for %s in log of %s", ErrInconsistent, e.Vault, v.cfg.ID)
			}
		}
		out = append(out, page...)
		if len(page) < replayPageSize {
			return out, nil
		}
		after = page[len(page)-1].Seq
	}
}

func before(a, b events.Event) bool {
	if a.HostSeq != b.HostSeq {
		return a.HostSeq < b.HostSeq
	}
	return a.Time < b.Time
}

func (v *Vault) replay(e events.Event, r asset.Replayer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.host.mu.Lock()
	defer v.host.mu.Unlock()
	return v.applyLogged(e, r)
}

// applyLogged applies an event read back from the log and re-applies its
// transfers to r when r is non-nil. Callers hold mu and the host sequencer.
func (v *Vault) applyLogged(e events.Event, r asset.Replayer) error {
	if err := v.st.apply(e); err != nil {
		v.journal.RevertTo(0)
		return fmt.Errorf("vault: replay %s seq %d: %w", v.cfg.ID, e.Seq, err)
	}
	v.journal.Reset()
	v.host.observe(e.HostSeq)

	if r == nil {
		return nil
	}
	for _, leg := range e.Transfers {
		if err := r.Replay(leg.From, leg.To, &leg.Amount); err != nil {
			return fmt.Errorf("vault: replay %s seq %d transfer: %w", v.cfg.ID, e.Seq, err)
		}
	}
	return nil
}

// catchUp applies the events another writer, or an append whose result was
// lost, put in the log after the last seq this vault knows. It reports whether
// mine is among them. Callers hold mu and the host sequencer, with mine's
// transfers already undone.
//
// Transfers of other events are re-applied only on a replayable ledger; an
// external ledger already saw them. mine's transfers are always redone.
func (v *Vault) catchUp(ctx context.Context, mine events.Event) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	want, err := json.Marshal(mine)
	if err != nil {
		return false, err
	}
	r, _ := v.ledger.(asset.Replayer)

	landed := false
	for {
		page, err := v.store.Load(ctx, v.cfg.ID, v.st.seq, replayPageSize)
		if err != nil {
			return landed, fmt.Errorf("vault: load %s events after %d: %w", v.cfg.ID, v.st.seq, err)
		}
		for _, e := range page {
			if err := e.Validate(); err != nil {
				return landed, err
			}
			if e.Vault != v.cfg.ID {
				return landed, fmt.Errorf("%w: event for %s in log of %s", ErrInconsistent, e.Vault, v.cfg.ID)
			}
			ours := false
			if e.Seq == mine.Seq {
				got, err := json.Marshal(e)
				if err != nil {
					return landed, err
				}
				ours = bytes.Equal(got, want)
			}
			switch {
			case ours && r == nil:
				if err := v.applyLogged(e, nil); err != nil {
					return landed, err
				}
				if done, err := v.transfer(ctx, e.Transfers); err != nil {
					v.undoTransfers(ctx, done)
					return landed, fmt.Errorf("%w: redo transfers of seq %d: %v", ErrInconsistent, e.Seq, err)
				}
			default:
				if err := v.applyLogged(e, r); err != nil {
					return landed, err
				}
			}
			landed = landed || ours
			v.log.Info("caught up", "seq", e.Seq, "kind", e.Kind, "own", ours)
		}
		if len(page) < replayPageSize {
			return landed, nil
		}
	}
}
