package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/asset"
	"github.com/juno-intents/yield-vault/internal/vault"
)

var errInvalidVaultsConfig = errors.New("invalid vaults config")

type vaultsFileV1 struct {
	Version string         `json:"version"`
	Vaults  []vaultEntryV1 `json:"vaults"`
	Genesis []genesisV1    `json:"genesis"`
}

type vaultEntryV1 struct {
	ID              string `json:"id"`
	Address         string `json:"address"`
	TimeUnit        string `json:"timeUnit"`
	WithdrawalDelay uint32 `json:"withdrawalDelay"`
	MaxYieldRateBps uint32 `json:"maxYieldRateBps"`
	// DepositCap is a decimal amount. Empty means unlimited.
	DepositCap string `json:"depositCap,omitempty"`
	Owner      string `json:"owner"`
	Operator   string `json:"operator,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
	Custodian  string `json:"custodian"`
}

type genesisV1 struct {
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

type genesisBalance struct {
	Holder common.Address
	Amount *uint256.Int
}

type vaultsConfig struct {
	Vaults  []vault.Config
	Genesis []genesisBalance
}

// parseVaultsConfig decodes a vaults file. Duplicate ids or holders are
// rejected.
func parseVaultsConfig(data []byte) (vaultsConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw vaultsFileV1
	if err := dec.Decode(&raw); err != nil {
		return vaultsConfig{}, fmt.Errorf("%w: %v", errInvalidVaultsConfig, err)
	}
	if raw.Version != "vaults.config.v1" {
		return vaultsConfig{}, fmt.Errorf("%w: unsupported version %q", errInvalidVaultsConfig, raw.Version)
	}
	if len(raw.Vaults) == 0 {
		return vaultsConfig{}, fmt.Errorf("%w: no vaults", errInvalidVaultsConfig)
	}

	var out vaultsConfig
	ids := make(map[string]struct{}, len(raw.Vaults))
	for i, e := range raw.Vaults {
		cfg, err := e.config()
		if err != nil {
			return vaultsConfig{}, fmt.Errorf("%w: vaults[%d]: %v", errInvalidVaultsConfig, i, err)
		}
		if _, dup := ids[cfg.ID]; dup {
			return vaultsConfig{}, fmt.Errorf("%w: duplicate vault id %q", errInvalidVaultsConfig, cfg.ID)
		}
		ids[cfg.ID] = struct{}{}
		out.Vaults = append(out.Vaults, cfg)
	}

	holders := make(map[common.Address]struct{}, len(raw.Genesis))
	for i, g := range raw.Genesis {
		holder, err := parseAddress(g.Holder, true)
		if err != nil {
			return vaultsConfig{}, fmt.Errorf("%w: genesis[%d].holder: %v", errInvalidVaultsConfig, i, err)
		}
		if _, dup := holders[holder]; dup {
			return vaultsConfig{}, fmt.Errorf("%w: duplicate genesis holder %s", errInvalidVaultsConfig, holder.Hex())
		}
		holders[holder] = struct{}{}
		amount, err := uint256.FromDecimal(strings.TrimSpace(g.Amount))
		if err != nil {
			return vaultsConfig{}, fmt.Errorf("%w: genesis[%d].amount: %v", errInvalidVaultsConfig, i, err)
		}
		out.Genesis = append(out.Genesis, genesisBalance{Holder: holder, Amount: amount})
	}
	return out, nil
}

func (e vaultEntryV1) config() (vault.Config, error) {
	cfg := vault.Config{
		ID:              strings.TrimSpace(e.ID),
		WithdrawalDelay: e.WithdrawalDelay,
		MaxYieldRateBps: e.MaxYieldRateBps,
	}
	if cfg.ID == "" {
		return vault.Config{}, errors.New("missing id")
	}
	unit, err := time.ParseDuration(strings.TrimSpace(e.TimeUnit))
	if err != nil {
		return vault.Config{}, fmt.Errorf("timeUnit: %v", err)
	}
	cfg.TimeUnit = unit

	if limit := strings.TrimSpace(e.DepositCap); limit != "" {
		c, err := uint256.FromDecimal(limit)
		if err != nil {
			return vault.Config{}, fmt.Errorf("depositCap: %v", err)
		}
		cfg.DepositCap = c
	}

	fields := []struct {
		name     string
		raw      string
		required bool
		dst      *common.Address
	}{
		{"address", e.Address, true, &cfg.Address},
		{"owner", e.Owner, true, &cfg.Owner},
		{"custodian", e.Custodian, true, &cfg.Custodian},
		{"operator", e.Operator, false, &cfg.Operator},
		{"gateway", e.Gateway, false, &cfg.Gateway},
	}
	for _, f := range fields {
		a, err := parseAddress(f.raw, f.required)
		if err != nil {
			return vault.Config{}, fmt.Errorf("%s: %v", f.name, err)
		}
		*f.dst = a
	}
	return cfg, nil
}

func parseAddress(s string, required bool) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return common.Address{}, errors.New("missing address")
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	a := common.HexToAddress(s)
	if a == (common.Address{}) {
		return common.Address{}, errors.New("zero address")
	}
	return a, nil
}

// mintGenesis seeds the in-memory asset ledger before the event log is
// replayed on top of it.
func mintGenesis(l *asset.MemoryLedger, genesis []genesisBalance) error {
	for _, g := range genesis {
		if err := l.Mint(g.Holder, g.Amount); err != nil {
			return fmt.Errorf("mint genesis balance for %s: %w", g.Holder.Hex(), err)
		}
	}
	return nil
}
