package main

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/juno-intents/yield-vault/internal/asset"
)

const validVaultsConfig = `{
  "version": "vaults.config.v1",
  "vaults": [{
    "id": "usdc",
    "address": "0x00000000000000000000000000000000000000a1",
    "timeUnit": "24h",
    "withdrawalDelay": 7,
    "maxYieldRateBps": 50,
    "depositCap": "1000000",
    "owner": "0x00000000000000000000000000000000000000b1",
    "operator": "0x00000000000000000000000000000000000000b2",
    "custodian": "0x00000000000000000000000000000000000000c1"
  }],
  "genesis": [
    {"holder": "0x00000000000000000000000000000000000000d1", "amount": "5000"}
  ]
}`

func TestParseVaultsConfig(t *testing.T) {
	t.Parallel()

	cfg, err := parseVaultsConfig([]byte(validVaultsConfig))
	if err != nil {
		t.Fatalf("parseVaultsConfig: %v", err)
	}
	if len(cfg.Vaults) != 1 {
		t.Fatalf("vaults: got %d want 1", len(cfg.Vaults))
	}
	v := cfg.Vaults[0]
	if v.ID != "usdc" || v.TimeUnit != 24*time.Hour || v.WithdrawalDelay != 7 || v.MaxYieldRateBps != 50 {
		t.Fatalf("unexpected vault config: %+v", v)
	}
	if v.DepositCap == nil || v.DepositCap.Uint64() != 1_000_000 {
		t.Fatalf("deposit cap: got %v", v.DepositCap)
	}
	if v.Operator != common.HexToAddress("0xb2") || v.Gateway != (common.Address{}) {
		t.Fatalf("roles: operator=%s gateway=%s", v.Operator.Hex(), v.Gateway.Hex())
	}

	l := asset.NewMemoryLedger()
	if err := mintGenesis(l, cfg.Genesis); err != nil {
		t.Fatalf("mintGenesis: %v", err)
	}
	if got := l.Supply().Uint64(); got != 5000 {
		t.Fatalf("supply: got %d want 5000", got)
	}
}

func TestParseVaultsConfig_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		edit func(string) string
	}{
		{"version", func(s string) string { return strings.Replace(s, "vaults.config.v1", "vaults.config.v0", 1) }},
		{"unknown field", func(s string) string { return strings.Replace(s, `"id": "usdc",`, `"id": "usdc", "extra": 1,`, 1) }},
		{"missing owner", func(s string) string {
			return strings.Replace(s, `"owner": "0x00000000000000000000000000000000000000b1",`, "", 1)
		}},
		{"bad time unit", func(s string) string { return strings.Replace(s, `"24h"`, `"daily"`, 1) }},
		{"bad cap", func(s string) string { return strings.Replace(s, `"1000000"`, `"-1"`, 1) }},
		{"bad amount", func(s string) string { return strings.Replace(s, `"5000"`, `"5e3"`, 1) }},
		{"zero holder", func(s string) string {
			return strings.Replace(s, "0x00000000000000000000000000000000000000d1", "0x0000000000000000000000000000000000000000", 1)
		}},
		{"no vaults", func(string) string { return `{"version":"vaults.config.v1","vaults":[]}` }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseVaultsConfig([]byte(tc.edit(validVaultsConfig)))
			if !errors.Is(err, errInvalidVaultsConfig) {
				t.Fatalf("expected errInvalidVaultsConfig, got %v", err)
			}
		})
	}
}

func TestParseVaultsConfig_RejectsDuplicateIDs(t *testing.T) {
	t.Parallel()

	doc := strings.Replace(validVaultsConfig, `"vaults": [{`, `"vaults": [{"id":"usdc","address":"0x00000000000000000000000000000000000000a2","timeUnit":"1h","withdrawalDelay":1,"maxYieldRateBps":0,"owner":"0x00000000000000000000000000000000000000b1","custodian":"0x00000000000000000000000000000000000000c2"},{`, 1)
	if _, err := parseVaultsConfig([]byte(doc)); !errors.Is(err, errInvalidVaultsConfig) {
		t.Fatalf("expected errInvalidVaultsConfig, got %v", err)
	}
}
