package events

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestComputeID_DeterministicAndScoped(t *testing.T) {
	t.Parallel()

	a := ComputeID("usdc", 1)
	if a != ComputeID("usdc", 1) {
		t.Fatalf("id must be deterministic")
	}
	if a == ComputeID("usdc", 2) || a == ComputeID("usdt", 1) {
		t.Fatalf("id must depend on vault and seq")
	}
}

func TestEvent_JSONPreservesReplayFields(t *testing.T) {
	t.Parallel()

	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	custodian := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	e := Event{
		ID:               ComputeID("usdc", 7),
		Vault:            "usdc",
		Seq:              7,
		HostSeq:          19,
		Kind:             KindWithdrawRequested,
		Time:             1_700_000_000,
		Caller:           user,
		User:             user,
		Amount:           *uint256.MustFromDecimal("115792089237316195423570985008687907853269984665640564039457584007913129639935"),
		Shares:           *uint256.NewInt(500),
		Principal:        *uint256.NewInt(500),
		Interest:         *uint256.NewInt(50),
		PrincipalRetired: *uint256.NewInt(500),
		RequestID:        3,
		UnitTime:         86_400,
		ReleaseTime:      86_400 * 9,
		ReportID:         "r-7",
		Transfers: []Transfer{
			{From: custodian, To: user, Amount: *uint256.NewInt(1)},
		},
	}

	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(b), `"version":"vault.withdraw_requested.v1"`) {
		t.Fatalf("missing version envelope: %s", b)
	}
	if strings.Contains(string(b), `"paused"`) || strings.Contains(string(b), `"totalInterest"`) {
		t.Fatalf("zero fields must be omitted: %s", b)
	}

	var got Event
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Amount != e.Amount || got.User != user || got.RequestID != 3 || got.ReleaseTime != e.ReleaseTime ||
		got.HostSeq != 19 || got.ReportID != "r-7" {
		t.Fatalf("decoded event mismatch: %+v", got)
	}
	if len(got.Transfers) != 1 || got.Transfers[0].From != custodian || got.Transfers[0].Amount.Uint64() != 1 {
		t.Fatalf("transfers mismatch: %+v", got.Transfers)
	}
}

func TestReportKey_ScopedByVault(t *testing.T) {
	t.Parallel()

	if ReportKey("usdc", "r1") != ReportKey("usdc", "r1") {
		t.Fatalf("report key must be deterministic")
	}
	if ReportKey("usdc", "r1") == ReportKey("usdt", "r1") || ReportKey("usdc", "r1") == ReportKey("usdc", "r2") {
		t.Fatalf("report key must depend on vault and report id")
	}
	if ReportKey("ab", "c") == ReportKey("a", "bc") {
		t.Fatalf("report key must separate vault and report id")
	}
}

func TestEvent_Validate(t *testing.T) {
	t.Parallel()

	ok := Event{ID: ComputeID("v", 1), Vault: "v", Seq: 1, Kind: KindPauseChanged}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := []Event{
		{ID: ComputeID("v", 1), Seq: 1, Kind: KindPauseChanged},
		{ID: ComputeID("v", 0), Vault: "v", Kind: KindPauseChanged},
		{ID: ComputeID("v", 1), Vault: "v", Seq: 1, Kind: "vault.unknown.v1"},
		{ID: ComputeID("v", 2), Vault: "v", Seq: 1, Kind: KindPauseChanged},
	}
	for i, e := range bad {
		if err := e.Validate(); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("case %d: expected ErrInvalidEvent, got %v", i, err)
		}
	}
}

func TestEvent_UnmarshalRejectsBadAmount(t *testing.T) {
	t.Parallel()

	id := ComputeID("v", 1)
	raw := `{"version":"vault.deposited.v1","id":"` + common.Bytes2Hex(id[:]) + `","vault":"v","seq":1,"time":1,"amount":"-5"}`
	var e Event
	if err := json.Unmarshal([]byte(raw), &e); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestEvent_CloneIsDeep(t *testing.T) {
	t.Parallel()

	e := Event{RequestIDs: []uint64{1, 2}, Transfers: []Transfer{{Amount: *uint256.NewInt(1)}}}
	c := e.Clone()
	c.RequestIDs[0] = 9
	c.Transfers[0].Amount = *uint256.NewInt(9)
	if e.RequestIDs[0] != 1 || e.Transfers[0].Amount.Uint64() != 1 {
		t.Fatalf("clone shares backing arrays")
	}
}
