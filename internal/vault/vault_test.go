package vault

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/asset"
	"github.com/juno-intents/yield-vault/internal/events"
	"github.com/juno-intents/yield-vault/internal/shares"
)

var (
	owner     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	operator  = common.HexToAddress("0x0000000000000000000000000000000000000002")
	gateway   = common.HexToAddress("0x0000000000000000000000000000000000000003")
	custodian = common.HexToAddress("0x0000000000000000000000000000000000000004")
	holding   = common.HexToAddress("0x0000000000000000000000000000000000000005")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob       = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

// day0 is a UTC midnight, so it is aligned to daily units.
var day0 = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// at returns day0 + d days + h hours.
func at(d, h int) time.Time {
	return day0.Add(time.Duration(d)*24*time.Hour + time.Duration(h)*time.Hour)
}

type harness struct {
	v      *Vault
	ledger *asset.MemoryLedger
	store  *MemoryEventStore
	clock  *clock
	cfg    Config
}

func genesis(t *testing.T) *asset.MemoryLedger {
	t.Helper()
	l := asset.NewMemoryLedger()
	for _, who := range []common.Address{alice, bob} {
		if err := l.Mint(who, u(10_000)); err != nil {
			t.Fatalf("Mint: %v", err)
		}
	}
	return l
}

func testConfig(c *clock) Config {
	return Config{
		ID:              "usdc",
		Address:         holding,
		TimeUnit:        24 * time.Hour,
		WithdrawalDelay: 7,
		MaxYieldRateBps: 100,
		Owner:           owner,
		Operator:        operator,
		Gateway:         gateway,
		Custodian:       custodian,
		Now:             c.Now,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := &clock{t: day0}
	cfg := testConfig(c)
	l := genesis(t)
	s := NewMemoryEventStore()
	v, err := New(cfg, l, s, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{v: v, ledger: l, store: s, clock: c, cfg: cfg}
}

func (h *harness) balance(t *testing.T, who common.Address) uint64 {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), who)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return b.Uint64()
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	s, err := h.v.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

func TestNew_ValidatesConfig(t *testing.T) {
	t.Parallel()

	c := &clock{t: day0}
	l := asset.NewMemoryLedger()
	s := NewMemoryEventStore()

	mutate := []func(*Config){
		func(cfg *Config) { cfg.ID = " " },
		func(cfg *Config) { cfg.Address = common.Address{} },
		func(cfg *Config) { cfg.Owner = common.Address{} },
		func(cfg *Config) { cfg.Custodian = holding },
		func(cfg *Config) { cfg.WithdrawalDelay = 0 },
		func(cfg *Config) { cfg.MaxYieldRateBps = 10_001 },
		func(cfg *Config) { cfg.TimeUnit = 1500 * time.Millisecond },
	}
	for i, m := range mutate {
		cfg := testConfig(c)
		m(&cfg)
		if _, err := New(cfg, l, s, nil, nil); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
	if _, err := New(testConfig(c), nil, s, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil ledger: expected ErrInvalidConfig, got %v", err)
	}
}

func TestVault_SettlementScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	minted, err := h.v.Deposit(ctx, alice, u(1000))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if minted.Uint64() != 1000 {
		t.Fatalf("minted: got %s want 1000", minted.Dec())
	}
	rate, _ := h.v.ExchangeRate(ctx)
	if !rate.Eq(shares.RateScale) {
		t.Fatalf("rate: got %s want 1e18", rate.Dec())
	}
	if h.balance(t, custodian) != 1000 {
		t.Fatalf("custodian should hold the deposit")
	}

	h.clock.Set(at(3, 15))
	req, err := h.v.Withdraw(ctx, alice, u(200))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if req.ID != 1 || req.UnitTime != at(3, 0).Unix() || req.ReleaseTime != at(11, 0).Unix() {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Principal.Uint64() != 200 || !req.Interest.IsZero() {
		t.Fatalf("split: principal=%s interest=%s", req.Principal.Dec(), req.Interest.Dec())
	}
	b, _ := h.v.Bucket(ctx, at(3, 0).Unix())
	if b.PendingPrincipal.Uint64() != 200 || b.Released() {
		t.Fatalf("bucket: %+v", b)
	}

	if _, err := h.v.Claim(ctx, alice); !errors.Is(err, ErrNotReady) {
		t.Fatalf("claim before settlement: expected ErrNotReady, got %v", err)
	}

	h.clock.Set(at(10, 15))
	if got := h.v.TargetUndelegateTimestamp(); got != at(3, 0).Unix() {
		t.Fatalf("target: got %d want %d", got, at(3, 0).Unix())
	}
	if _, err := h.v.Undelegate(ctx, alice); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("undelegate by user: expected ErrUnauthorized, got %v", err)
	}
	settled, err := h.v.Undelegate(ctx, operator)
	if err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	if settled.UnitTime != at(3, 0).Unix() || !settled.Released() {
		t.Fatalf("settled bucket: %+v", settled)
	}
	if h.balance(t, holding) != 200 || h.balance(t, custodian) != 800 {
		t.Fatalf("settlement moved wrong amount: holding=%d custodian=%d", h.balance(t, holding), h.balance(t, custodian))
	}

	if _, err := h.v.Claim(ctx, alice); !errors.Is(err, ErrNotReady) {
		t.Fatalf("claim before release time: expected ErrNotReady, got %v", err)
	}

	h.clock.Set(at(11, 0))
	c, err := h.v.Claim(ctx, alice)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if c.Total().Uint64() != 200 || !reflect.DeepEqual(c.RequestIDs, []uint64{1}) {
		t.Fatalf("claim: total=%s ids=%v", c.Total().Dec(), c.RequestIDs)
	}
	if h.balance(t, alice) != 9200 || h.balance(t, holding) != 0 {
		t.Fatalf("payout: alice=%d holding=%d", h.balance(t, alice), h.balance(t, holding))
	}

	if _, err := h.v.Claim(ctx, alice); !errors.Is(err, ErrNotReady) {
		t.Fatalf("second claim: expected ErrNotReady, got %v", err)
	}
	if _, err := h.v.ClaimRequests(ctx, alice, []uint64{1}); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("claim by id: expected ErrAlreadyClaimed, got %v", err)
	}
	pending, _ := h.v.PendingRequests(ctx, alice)
	if len(pending) != 0 {
		t.Fatalf("active index should be empty, got %d", len(pending))
	}
	all, _ := h.v.WithdrawRequests(ctx, alice)
	if len(all) != 1 || !all[0].Released() {
		t.Fatalf("request history: %+v", all)
	}
}

func TestWithdraw_UnitBoundary(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.v.Deposit(ctx, alice, u(1000)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	h.clock.Set(at(4, 0).Add(-time.Second))
	before, err := h.v.Withdraw(ctx, alice, u(10))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	h.clock.Set(at(4, 0))
	after, err := h.v.Withdraw(ctx, alice, u(10))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if before.UnitTime != at(3, 0).Unix() || before.ReleaseTime != at(11, 0).Unix() {
		t.Fatalf("23:59:59 request: %+v", before)
	}
	if after.UnitTime != at(4, 0).Unix() || after.ReleaseTime != at(12, 0).Unix() {
		t.Fatalf("00:00 request: %+v", after)
	}
}

func TestUndelegate_SettlesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))
	_, _ = h.v.Deposit(ctx, bob, u(500))
	h.clock.Set(at(3, 1))
	_, _ = h.v.Withdraw(ctx, alice, u(100))
	h.clock.Set(at(3, 20))
	_, _ = h.v.Withdraw(ctx, bob, u(50))

	h.clock.Set(at(10, 9))
	if _, err := h.v.Undelegate(ctx, operator); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	if _, err := h.v.Undelegate(ctx, operator); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second Undelegate: expected ErrAlreadySettled, got %v", err)
	}
	if _, err := h.v.UndelegateAt(ctx, owner, at(3, 5).Unix()); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("UndelegateAt of settled bucket: expected ErrAlreadySettled, got %v", err)
	}
	if h.balance(t, holding) != 150 {
		t.Fatalf("bucket pulled more than once: holding=%d", h.balance(t, holding))
	}

	h.clock.Set(at(11, 9))
	if _, err := h.v.Undelegate(ctx, operator); !errors.Is(err, ErrEmptyBucket) || !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty bucket: expected ErrEmptyBucket, got %v", err)
	}
	if _, err := h.v.ClaimOnBehalf(ctx, gateway, bob); err != nil {
		t.Fatalf("ClaimOnBehalf: %v", err)
	}
	if h.balance(t, bob) != 10_000-500+50 {
		t.Fatalf("bob payout: %d", h.balance(t, bob))
	}
	if _, err := h.v.ClaimOnBehalf(ctx, alice, alice); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("relay by non-gateway: expected ErrUnauthorized, got %v", err)
	}
}

func TestUndelegateAt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))
	h.clock.Set(at(3, 15))
	_, _ = h.v.Withdraw(ctx, alice, u(300))

	if _, err := h.v.UndelegateAt(ctx, operator, at(3, 0).Unix()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("operator backfill: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.v.UndelegateAt(ctx, owner, at(3, 16).Unix()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("future timestamp: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := h.v.UndelegateAt(ctx, owner, at(3, 14).Unix()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("open unit: expected ErrNotReady, got %v", err)
	}

	// The automatic trigger never ran; a claim after release time still waits.
	h.clock.Set(at(12, 0))
	if _, err := h.v.Claim(ctx, alice); !errors.Is(err, ErrNotReady) {
		t.Fatalf("claim of unsettled bucket: expected ErrNotReady, got %v", err)
	}
	if _, err := h.v.UndelegateAt(ctx, owner, at(3, 2).Unix()); err != nil {
		t.Fatalf("UndelegateAt: %v", err)
	}
	if _, err := h.v.Claim(ctx, alice); err != nil {
		t.Fatalf("Claim: %v", err)
	}
}

func TestClaimRequests_ValidatesEachID(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))
	_, _ = h.v.Deposit(ctx, bob, u(1000))

	h.clock.Set(at(1, 1))
	_, _ = h.v.Withdraw(ctx, alice, u(10)) // 1: settled below
	_, _ = h.v.Withdraw(ctx, bob, u(20))   // 2: bob's
	h.clock.Set(at(2, 1))
	_, _ = h.v.Withdraw(ctx, alice, u(30)) // 3: bucket never settled
	h.clock.Set(at(8, 1))
	if _, err := h.v.Undelegate(ctx, operator); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	h.clock.Set(at(9, 1))
	_, _ = h.v.Withdraw(ctx, alice, u(40)) // 4: not matured

	tests := []struct {
		name string
		ids  []uint64
		want error
	}{
		{name: "empty", ids: []uint64{}, want: ErrInvalidArgument},
		{name: "unknown", ids: []uint64{99}, want: ErrNotFound},
		{name: "duplicate", ids: []uint64{1, 1}, want: ErrInvalidArgument},
		{name: "other user", ids: []uint64{1, 2}, want: ErrUnauthorized},
		{name: "bucket not settled", ids: []uint64{3}, want: ErrNotReady},
		{name: "not matured", ids: []uint64{4}, want: ErrNotReady},
	}
	for _, tc := range tests {
		if _, err := h.v.ClaimRequests(ctx, alice, tc.ids); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	c, err := h.v.ClaimRequests(ctx, alice, []uint64{1})
	if err != nil {
		t.Fatalf("ClaimRequests: %v", err)
	}
	if c.Total().Uint64() != 10 {
		t.Fatalf("claimed %s, want 10", c.Total().Dec())
	}
	pending, _ := h.v.PendingRequests(ctx, alice)
	if len(pending) != 2 || pending[0].ID != 3 || pending[1].ID != 4 {
		t.Fatalf("pending after selective claim: %+v", pending)
	}
}

func TestUpdateYield_CapAndOncePerUnit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(10_000))

	// 100 bps of 10000 principal.
	if _, err := h.v.UpdateYield(ctx, operator, u(101)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("over cap: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := h.v.UpdateYield(ctx, alice, u(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-operator: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.v.UpdateYield(ctx, operator, new(uint256.Int)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero yield: expected ErrInvalidArgument, got %v", err)
	}
	y, err := h.v.UpdateYield(ctx, operator, u(100))
	if err != nil {
		t.Fatalf("UpdateYield: %v", err)
	}
	if y.TotalInterestAfter.Uint64() != 100 {
		t.Fatalf("interest after: %s", y.TotalInterestAfter.Dec())
	}
	h.clock.Set(at(0, 23))
	if _, err := h.v.UpdateYield(ctx, operator, u(1)); !errors.Is(err, ErrYieldAlreadyUpdated) || !errors.Is(err, ErrNotReady) {
		t.Fatalf("same unit: expected ErrYieldAlreadyUpdated, got %v", err)
	}
	h.clock.Set(at(1, 0))
	if _, err := h.v.UpdateYield(ctx, operator, u(50)); err != nil {
		t.Fatalf("next unit: %v", err)
	}

	hist, _ := h.v.YieldHistory(ctx)
	if len(hist) != 2 || hist[1].TotalInterestAfter.Uint64() != 150 || hist[1].Timestamp != at(1, 0).Unix() {
		t.Fatalf("history: %+v", hist)
	}
	rng, err := h.v.YieldRange(ctx, 1, 2)
	if err != nil || len(rng) != 1 || rng[0].Amount.Uint64() != 50 {
		t.Fatalf("YieldRange: %+v err=%v", rng, err)
	}
	if _, err := h.v.YieldAt(ctx, 2); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("YieldAt out of range: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := h.v.YieldRange(ctx, 1, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty range: expected ErrInvalidArgument, got %v", err)
	}

	bal, _ := h.v.Balance(ctx, alice)
	if bal.Value.Uint64() != 10_150 || bal.Yield.Uint64() != 150 || bal.Principal.Uint64() != 10_000 {
		t.Fatalf("balance: value=%s yield=%s principal=%s", bal.Value.Dec(), bal.Yield.Dec(), bal.Principal.Dec())
	}
}

func TestWithdraw_WithYieldSplitsInterest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))
	if err := h.v.SetMaxYieldRate(ctx, owner, 1000); err != nil {
		t.Fatalf("SetMaxYieldRate: %v", err)
	}
	if _, err := h.v.UpdateYield(ctx, operator, u(100)); err != nil {
		t.Fatalf("UpdateYield: %v", err)
	}

	minted, err := h.v.Deposit(ctx, bob, u(110))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if minted.Uint64() != 100 {
		t.Fatalf("bob minted %s, want 100", minted.Dec())
	}

	req, err := h.v.Withdraw(ctx, alice, u(550))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if req.Principal.Uint64() != 500 || req.Interest.Uint64() != 50 {
		t.Fatalf("split: principal=%s interest=%s", req.Principal.Dec(), req.Interest.Dec())
	}
	if _, err := h.v.Withdraw(ctx, alice, u(551)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over entitlement: expected ErrInsufficientBalance, got %v", err)
	}

	s := h.snapshot(t)
	if s.TotalPrincipal.Uint64() != 610 || s.TotalInterest.Uint64() != 50 || s.TotalShares.Uint64() != 600 {
		t.Fatalf("totals: P=%s I=%s S=%s", s.TotalPrincipal.Dec(), s.TotalInterest.Dec(), s.TotalShares.Dec())
	}
	if s.PendingUnsettled.Uint64() != 550 {
		t.Fatalf("pending unsettled: %s", s.PendingUnsettled.Dec())
	}
}

func TestDeposit_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.v.Deposit(ctx, alice, new(uint256.Int)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero amount: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := h.v.Deposit(ctx, common.Address{}, u(1)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero user: expected ErrInvalidArgument, got %v", err)
	}
	if err := h.v.SetDepositCap(ctx, owner, u(1500)); err != nil {
		t.Fatalf("SetDepositCap: %v", err)
	}
	if _, err := h.v.Deposit(ctx, alice, u(1000)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := h.v.Deposit(ctx, bob, u(501)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("over cap: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := h.v.Deposit(ctx, bob, u(500)); err != nil {
		t.Fatalf("Deposit at cap: %v", err)
	}
	if err := h.v.SetDepositCap(ctx, owner, nil); err != nil {
		t.Fatalf("SetDepositCap(nil): %v", err)
	}
	if _, err := h.v.Deposit(ctx, bob, u(5000)); err != nil {
		t.Fatalf("Deposit after removing cap: %v", err)
	}
}

func TestPause_BlocksUserOperations(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))

	if err := h.v.Pause(ctx, alice); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pause by user: expected ErrUnauthorized, got %v", err)
	}
	if err := h.v.Pause(ctx, owner); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := h.v.Pause(ctx, owner); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("double pause: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := h.v.Deposit(ctx, alice, u(1)); !errors.Is(err, ErrPaused) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deposit while paused: expected ErrPaused, got %v", err)
	}
	if _, err := h.v.Withdraw(ctx, alice, u(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("withdraw while paused: expected ErrPaused, got %v", err)
	}
	if _, err := h.v.UpdateYield(ctx, operator, u(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("yield while paused: expected ErrPaused, got %v", err)
	}
	if err := h.v.Unpause(ctx, owner); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if _, err := h.v.Withdraw(ctx, alice, u(1)); err != nil {
		t.Fatalf("Withdraw after unpause: %v", err)
	}
}

func TestAdmin_RolesAndCustodian(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))
	h.clock.Set(at(1, 0))
	_, _ = h.v.Withdraw(ctx, alice, u(100))

	if err := h.v.SetOperator(ctx, operator, bob); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("SetOperator by operator: expected ErrUnauthorized, got %v", err)
	}
	if err := h.v.SetOperator(ctx, owner, common.Address{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero operator: expected ErrInvalidArgument, got %v", err)
	}
	if err := h.v.SetOperator(ctx, owner, bob); err != nil {
		t.Fatalf("SetOperator: %v", err)
	}
	if _, err := h.v.UpdateYield(ctx, operator, u(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old operator: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.v.UpdateYield(ctx, bob, u(1)); err != nil {
		t.Fatalf("new operator: %v", err)
	}

	// Obligations: pooled value 901 plus 100 queued and unsettled.
	next := common.HexToAddress("0x00000000000000000000000000000000000000c2")
	if err := h.ledger.Mint(next, u(1000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := h.v.SetCustodian(ctx, owner, next); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("insolvent custodian: expected ErrInsufficientBalance, got %v", err)
	}
	_ = h.ledger.Mint(next, u(1))
	if err := h.v.SetCustodian(ctx, owner, next); err != nil {
		t.Fatalf("SetCustodian: %v", err)
	}
	if err := h.v.SetMaxYieldRate(ctx, owner, 10_001); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("rate over 100%%: expected ErrInvalidArgument, got %v", err)
	}

	if err := h.v.TransferOwnership(ctx, owner, alice); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}
	if err := h.v.SetGateway(ctx, owner, bob); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old owner: expected ErrUnauthorized, got %v", err)
	}
	s := h.snapshot(t)
	if s.Roles.Owner != alice || s.Roles.Operator != bob || s.Custodian != next {
		t.Fatalf("snapshot roles: %+v custodian=%s", s.Roles, s.Custodian.Hex())
	}
}

func TestCommit_TransferFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	before := h.snapshot(t)

	if _, err := h.v.Deposit(ctx, alice, u(10_001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if after := h.snapshot(t); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed:\nbefore %+v\nafter  %+v", before, after)
	}
	if bal, _ := h.v.Balance(ctx, alice); !bal.Shares.IsZero() {
		t.Fatalf("shares minted by failed deposit")
	}
	if got, _ := h.store.Load(ctx, "usdc", 0, 10); len(got) != 0 {
		t.Fatalf("failed deposit logged %d events", len(got))
	}
}

type failingStore struct {
	*MemoryEventStore
	fail error
}

func (s *failingStore) Append(ctx context.Context, e events.Event) error {
	if s.fail != nil {
		return s.fail
	}
	return s.MemoryEventStore.Append(ctx, e)
}

func TestCommit_StoreFailureUndoesTransfers(t *testing.T) {
	t.Parallel()

	c := &clock{t: day0}
	l := genesis(t)
	store := &failingStore{MemoryEventStore: NewMemoryEventStore()}
	v, err := New(testConfig(c), l, store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	store.fail = errors.New("disk full")
	if _, err := v.Deposit(ctx, alice, u(100)); !errors.Is(err, store.fail) {
		t.Fatalf("expected store error, got %v", err)
	}
	if b, _ := l.BalanceOf(ctx, alice); b.Uint64() != 10_000 {
		t.Fatalf("transfer not undone: alice=%s", b.Dec())
	}
	if v.Seq() != 0 {
		t.Fatalf("seq advanced to %d", v.Seq())
	}

	store.fail = nil
	if _, err := v.Deposit(ctx, alice, u(100)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if v.Seq() != 1 {
		t.Fatalf("seq: got %d want 1", v.Seq())
	}
}

func TestClaim_ReentrantHookIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))
	h.clock.Set(at(1, 0))
	_, _ = h.v.Withdraw(ctx, alice, u(100))
	h.clock.Set(at(8, 0))
	if _, err := h.v.Undelegate(ctx, operator); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	h.clock.Set(at(9, 0))

	var inner, read error
	h.ledger.OnReceive(alice, func(ctx context.Context, _, _ common.Address, _ *uint256.Int) error {
		_, inner = h.v.Claim(ctx, alice)
		_, read = h.v.Snapshot(ctx)
		return inner
	})
	if _, err := h.v.Claim(ctx, alice); !errors.Is(err, ErrReentrant) {
		t.Fatalf("expected ErrReentrant, got %v", err)
	}
	if !errors.Is(inner, ErrReentrant) || !errors.Is(read, ErrReentrant) {
		t.Fatalf("inner calls: claim=%v read=%v", inner, read)
	}
	if h.balance(t, holding) != 100 {
		t.Fatalf("payout not undone: holding=%d", h.balance(t, holding))
	}
	if c, _ := h.v.Claimable(ctx, alice); c.Total().Uint64() != 100 {
		t.Fatalf("claim state not rolled back: claimable=%s", c.Total().Dec())
	}

	h.ledger.OnReceive(alice, nil)
	if _, err := h.v.Claim(ctx, alice); err != nil {
		t.Fatalf("Claim: %v", err)
	}
}

func TestQueries_PagingAndPendingWithdrawal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))
	for i := 0; i < 5; i++ {
		h.clock.Set(at(i+1, 1))
		if _, err := h.v.Withdraw(ctx, alice, u(10)); err != nil {
			t.Fatalf("Withdraw %d: %v", i, err)
		}
	}

	page, total, err := h.v.WithdrawRequestsPage(ctx, alice, 3, 10)
	if err != nil {
		t.Fatalf("WithdrawRequestsPage: %v", err)
	}
	if total != 5 || len(page) != 2 || page[0].ID != 4 || page[1].ID != 5 {
		t.Fatalf("page: total=%d %+v", total, page)
	}
	if page, _, _ := h.v.WithdrawRequestsPage(ctx, alice, 9, 1); len(page) != 0 {
		t.Fatalf("page past end: %+v", page)
	}
	if _, _, err := h.v.WithdrawRequestsPage(ctx, alice, 0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("zero limit: expected ErrInvalidArgument, got %v", err)
	}

	// Request 1 landed in day 1 and releases at day 9.
	amt, err := h.v.PendingWithdrawal(ctx, at(9, 0).Unix())
	if err != nil || amt.Uint64() != 10 {
		t.Fatalf("PendingWithdrawal: %v err=%v", amt, err)
	}
	if _, err := h.v.PendingWithdrawal(ctx, at(9, 1).Unix()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("non-boundary: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := h.v.Request(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown request: expected ErrNotFound, got %v", err)
	}

	bals, err := h.v.Balances(ctx, []common.Address{alice, bob})
	if err != nil || len(bals) != 2 || bals[0].Shares.Uint64() != 950 || !bals[1].Shares.IsZero() {
		t.Fatalf("Balances: %+v err=%v", bals, err)
	}
}

func TestRecover_RebuildsStateAndLedger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))
	_, _ = h.v.Deposit(ctx, bob, u(3000))
	_, _ = h.v.UpdateYield(ctx, operator, u(40))
	h.clock.Set(at(2, 3))
	_, _ = h.v.Withdraw(ctx, alice, u(333))
	_, _ = h.v.Withdraw(ctx, bob, u(1000))
	_ = h.ledger.Mint(custodian, u(40))
	h.clock.Set(at(9, 3))
	if _, err := h.v.Undelegate(ctx, operator); err != nil {
		t.Fatalf("Undelegate: %v", err)
	}
	h.clock.Set(at(10, 0))
	if _, err := h.v.Claim(ctx, alice); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	_ = h.v.SetGateway(ctx, owner, bob)
	_ = h.v.Pause(ctx, owner)

	replayed := genesis(t)
	_ = replayed.Mint(custodian, u(40))
	v2, err := New(h.cfg, replayed, h.store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := Recover(ctx, replayed, v2); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	got, _ := v2.Snapshot(ctx)
	if want := h.snapshot(t); !reflect.DeepEqual(want, got) {
		t.Fatalf("snapshot mismatch:\nwant %+v\ngot  %+v", want, got)
	}
	for _, who := range []common.Address{alice, bob} {
		a, _ := h.v.WithdrawRequests(ctx, who)
		b, _ := v2.WithdrawRequests(ctx, who)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("requests of %s differ", who.Hex())
		}
	}
	y1, _ := h.v.YieldHistory(ctx)
	y2, _ := v2.YieldHistory(ctx)
	if !reflect.DeepEqual(y1, y2) {
		t.Fatalf("yield history differs")
	}
	for _, who := range []common.Address{alice, bob, custodian, holding} {
		a, _ := h.ledger.BalanceOf(ctx, who)
		b, _ := replayed.BalanceOf(ctx, who)
		if !a.Eq(b) {
			t.Fatalf("ledger balance of %s: got %s want %s", who.Hex(), b.Dec(), a.Dec())
		}
	}

	if err := Recover(ctx, nil, v2); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("second recover: expected ErrInvalidConfig, got %v", err)
	}
	// The rebuilt vault keeps appending where the log left off.
	if err := v2.Unpause(ctx, owner); err != nil {
		t.Fatalf("Unpause after recover: %v", err)
	}
}

func TestLedger_ConservationAndMonotonicRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	users := []common.Address{alice, bob}

	// Deterministic pseudo-random walk.
	seed := uint64(0x9e3779b97f4a7c15)
	next := func(n uint64) uint64 {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		return seed % n
	}

	prevRate, _ := h.v.ExchangeRate(ctx)
	for step := 0; step < 400; step++ {
		h.clock.Set(day0.Add(time.Duration(step) * 7 * time.Hour))
		user := users[next(2)]
		switch next(3) {
		case 0:
			_, _ = h.v.Deposit(ctx, user, u(1+next(300)))
		case 1:
			bal, _ := h.v.Balance(ctx, user)
			if !bal.Value.IsZero() {
				_, _ = h.v.Withdraw(ctx, user, u(1+next(bal.Value.Uint64())))
			}
		case 2:
			s := h.snapshot(t)
			if limit, _ := shares.MaxYield(&s.TotalPrincipal, 100); !limit.IsZero() {
				_, _ = h.v.UpdateYield(ctx, operator, u(1+next(limit.Uint64())))
			}
		}

		s := h.snapshot(t)
		bals, _ := h.v.Balances(ctx, users)
		var p, sh uint256.Int
		for _, b := range bals {
			p.Add(&p, &b.Principal)
			sh.Add(&sh, &b.Shares)
		}
		if !p.Eq(&s.TotalPrincipal) || !sh.Eq(&s.TotalShares) {
			t.Fatalf("step %d: sums P=%s S=%s, totals P=%s S=%s", step, p.Dec(), sh.Dec(), s.TotalPrincipal.Dec(), s.TotalShares.Dec())
		}
		if s.TotalShares.IsZero() != new(uint256.Int).Add(&s.TotalPrincipal, &s.TotalInterest).IsZero() {
			t.Fatalf("step %d: shares/value zero mismatch", step)
		}
		if s.TotalShares.IsZero() {
			prevRate = shares.RateScale.Clone()
		} else {
			if s.ExchangeRate.Lt(prevRate) {
				t.Fatalf("step %d: rate fell from %s to %s", step, prevRate.Dec(), s.ExchangeRate.Dec())
			}
			prevRate = s.ExchangeRate.Clone()
		}
	}
}

func TestWithdraw_RoundedBurnTakesWholePosition(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(1000))
	if _, err := h.v.UpdateYield(ctx, operator, u(10)); err != nil {
		t.Fatalf("UpdateYield: %v", err)
	}

	// ceil(1009 * 1000 / 1010) = 1000 shares, all of alice's.
	r, err := h.v.Withdraw(ctx, alice, u(1009))
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if r.Total().Uint64() != 1010 {
		t.Fatalf("queued: got %s want the full 1010", r.Total().Dec())
	}
	if bal, _ := h.v.Balance(ctx, alice); !bal.Shares.IsZero() || !bal.Principal.IsZero() {
		t.Fatalf("position left after full exit: %+v", bal)
	}
}

var (
	carol      = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	holding2   = common.HexToAddress("0x0000000000000000000000000000000000000015")
	custodian2 = common.HexToAddress("0x0000000000000000000000000000000000000014")
)

// twoVaults hosts "usdc" and "usdt" on one ledger and one sequencer.
func twoVaults(t *testing.T, c *clock, l *asset.MemoryLedger, seq *Sequencer, sa, sb EventStore) (*Vault, *Vault) {
	t.Helper()
	ca := testConfig(c)
	ca.Sequencer = seq
	cb := testConfig(c)
	cb.ID = "usdt"
	cb.Address = holding2
	cb.Custodian = custodian2
	cb.Sequencer = seq
	a, err := New(ca, l, sa, nil, nil)
	if err != nil {
		t.Fatalf("New usdc: %v", err)
	}
	b, err := New(cb, l, sb, nil, nil)
	if err != nil {
		t.Fatalf("New usdt: %v", err)
	}
	return a, b
}

func TestRecover_SameSecondAcrossVaults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &clock{t: day0}
	newLedger := func() *asset.MemoryLedger {
		l := genesis(t)
		if err := l.Mint(carol, u(100)); err != nil {
			t.Fatalf("Mint: %v", err)
		}
		return l
	}
	l := newLedger()
	store := NewMemoryEventStore()
	seq := NewSequencer()
	a, b := twoVaults(t, c, l, seq, store, store)

	if _, err := b.Deposit(ctx, carol, u(100)); err != nil {
		t.Fatalf("Deposit usdt: %v", err)
	}
	c.Set(at(1, 0))
	if _, err := b.Withdraw(ctx, carol, u(100)); err != nil {
		t.Fatalf("Withdraw usdt: %v", err)
	}
	c.Set(at(8, 0))
	if _, err := b.Undelegate(ctx, operator); err != nil {
		t.Fatalf("Undelegate usdt: %v", err)
	}

	// Within one second carol claims from usdt and deposits the proceeds
	// into usdc, which is listed first below.
	c.Set(at(9, 0))
	if _, err := b.Claim(ctx, carol); err != nil {
		t.Fatalf("Claim usdt: %v", err)
	}
	if _, err := a.Deposit(ctx, carol, u(100)); err != nil {
		t.Fatalf("Deposit usdc: %v", err)
	}
	if seq.Last() != 5 {
		t.Fatalf("host seq: got %d want 5", seq.Last())
	}

	replayed := newLedger()
	seq2 := NewSequencer()
	a2, b2 := twoVaults(t, c, replayed, seq2, store, store)
	if err := Recover(ctx, replayed, a2, b2); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if seq2.Last() != seq.Last() {
		t.Fatalf("recovered host seq: got %d want %d", seq2.Last(), seq.Last())
	}
	for _, who := range []common.Address{carol, custodian, custodian2, holding, holding2} {
		want, _ := l.BalanceOf(ctx, who)
		got, _ := replayed.BalanceOf(ctx, who)
		if !want.Eq(got) {
			t.Fatalf("ledger balance of %s: got %s want %s", who.Hex(), got.Dec(), want.Dec())
		}
	}
	if bal, _ := a2.Balance(ctx, carol); bal.Shares.Uint64() != 100 {
		t.Fatalf("usdc shares of carol: %s", bal.Shares.Dec())
	}

	// New commits continue the host sequence.
	if _, err := b2.Deposit(ctx, bob, u(1)); err != nil {
		t.Fatalf("Deposit after recover: %v", err)
	}
	if seq2.Last() != 6 {
		t.Fatalf("host seq after recover: got %d want 6", seq2.Last())
	}
}

func TestTransferHook_CannotEnterOtherVaultOnHost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &clock{t: day0}
	l := genesis(t)
	a, b := twoVaults(t, c, l, NewSequencer(), NewMemoryEventStore(), NewMemoryEventStore())

	var write, read error
	l.OnReceive(custodian, func(ctx context.Context, _, _ common.Address, _ *uint256.Int) error {
		_, write = b.Deposit(ctx, bob, u(1))
		_, read = b.Snapshot(ctx)
		return nil
	})
	if _, err := a.Deposit(ctx, alice, u(100)); err != nil {
		t.Fatalf("Deposit usdc: %v", err)
	}
	if !errors.Is(write, ErrReentrant) || !errors.Is(read, ErrReentrant) {
		t.Fatalf("hook calls into usdt: write=%v read=%v", write, read)
	}
	l.OnReceive(custodian, nil)
	if _, err := b.Deposit(ctx, bob, u(1)); err != nil {
		t.Fatalf("Deposit usdt: %v", err)
	}
}

func TestCommit_CatchesUpWithForeignEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &clock{t: day0}
	store := NewMemoryEventStore()
	other, err := New(testConfig(c), genesis(t), store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l := genesis(t)
	v, err := New(testConfig(c), l, store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Another writer owns seq 1 and 2.
	if _, err := other.Deposit(ctx, alice, u(100)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := other.UpdateYield(ctx, operator, u(1)); err != nil {
		t.Fatalf("UpdateYield: %v", err)
	}

	if _, err := v.Deposit(ctx, bob, u(200)); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if v.Seq() != 2 {
		t.Fatalf("seq after catch up: got %d want 2", v.Seq())
	}
	if b, _ := l.BalanceOf(ctx, alice); b.Uint64() != 9_900 {
		t.Fatalf("foreign transfer not replayed: alice=%s", b.Dec())
	}
	if b, _ := l.BalanceOf(ctx, bob); b.Uint64() != 10_000 {
		t.Fatalf("failed deposit not undone: bob=%s", b.Dec())
	}

	if _, err := v.Deposit(ctx, bob, u(200)); err != nil {
		t.Fatalf("retry Deposit: %v", err)
	}
	s, _ := v.Snapshot(ctx)
	if s.Seq != 3 || s.TotalPrincipal.Uint64() != 300 || s.TotalInterest.Uint64() != 1 {
		t.Fatalf("snapshot after retry: %+v", s)
	}
}

// lostAckStore writes the event but reports failure once.
type lostAckStore struct {
	*MemoryEventStore
	lost bool
}

func (s *lostAckStore) Append(ctx context.Context, e events.Event) error {
	if err := s.MemoryEventStore.Append(ctx, e); err != nil {
		return err
	}
	if !s.lost {
		s.lost = true
		return errors.New("connection reset")
	}
	return nil
}

func TestCommit_AppendLandedDespiteError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &clock{t: day0}
	l := genesis(t)
	v, err := New(testConfig(c), l, &lostAckStore{MemoryEventStore: NewMemoryEventStore()}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	minted, err := v.Deposit(ctx, alice, u(100))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if minted.Uint64() != 100 || v.Seq() != 1 {
		t.Fatalf("minted=%s seq=%d", minted.Dec(), v.Seq())
	}
	if b, _ := l.BalanceOf(ctx, alice); b.Uint64() != 9_900 {
		t.Fatalf("alice=%s want 9900", b.Dec())
	}
	if b, _ := l.BalanceOf(ctx, custodian); b.Uint64() != 100 {
		t.Fatalf("custodian=%s want 100", b.Dec())
	}
	if _, err := v.Deposit(ctx, alice, u(1)); err != nil {
		t.Fatalf("next Deposit: %v", err)
	}
}

func TestUpdateYieldReport_RejectsRedeliveryAfterRecover(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.v.Deposit(ctx, alice, u(10_000))
	if _, err := h.v.UpdateYieldReport(ctx, operator, u(30), "feed-1"); err != nil {
		t.Fatalf("UpdateYieldReport: %v", err)
	}
	h.clock.Set(at(1, 0))
	if _, err := h.v.UpdateYieldReport(ctx, operator, u(30), "feed-1"); !errors.Is(err, ErrDuplicateReport) {
		t.Fatalf("redelivery: expected ErrDuplicateReport, got %v", err)
	}

	replayed := genesis(t)
	v2, err := New(h.cfg, replayed, h.store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := Recover(ctx, replayed, v2); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, err := v2.UpdateYieldReport(ctx, operator, u(30), "feed-1"); !errors.Is(err, ErrDuplicateReport) {
		t.Fatalf("redelivery after recover: expected ErrDuplicateReport, got %v", err)
	}
	y, err := v2.UpdateYieldReport(ctx, operator, u(30), "feed-2")
	if err != nil {
		t.Fatalf("UpdateYieldReport: %v", err)
	}
	if y.TotalInterestAfter.Uint64() != 60 || y.ReportID != "feed-2" {
		t.Fatalf("entry: %+v", y)
	}
}
