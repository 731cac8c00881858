// Package events defines the vault's event log records. Every committed vault
// transaction produces exactly one event; the log alone is enough to rebuild
// the ledger.
package events

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidEvent = errors.New("events: invalid event")

type Kind string

const (
	KindDeposited           Kind = "vault.deposited.v1"
	KindWithdrawRequested   Kind = "vault.withdraw_requested.v1"
	KindSettled             Kind = "vault.settled.v1"
	KindClaimed             Kind = "vault.claimed.v1"
	KindYieldUpdated        Kind = "vault.yield_updated.v1"
	KindRoleChanged         Kind = "vault.role_changed.v1"
	KindCustodianChanged    Kind = "vault.custodian_changed.v1"
	KindMaxYieldRateChanged Kind = "vault.max_yield_rate_changed.v1"
	KindDepositCapChanged   Kind = "vault.deposit_cap_changed.v1"
	KindPauseChanged        Kind = "vault.pause_changed.v1"
)

func (k Kind) Known() bool {
	switch k {
	case KindDeposited, KindWithdrawRequested, KindSettled, KindClaimed, KindYieldUpdated,
		KindRoleChanged, KindCustodianChanged, KindMaxYieldRateChanged, KindDepositCapChanged, KindPauseChanged:
		return true
	default:
		return false
	}
}

// Transfer is one asset movement performed by a transaction.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount uint256.Int
}

// Event is a flat record; which fields are meaningful depends on Kind.
//
//   - Deposited: User, Amount, Shares.
//   - WithdrawRequested: User, Amount, Shares (burned), Principal, Interest,
//     PrincipalRetired, RequestID, UnitTime, ReleaseTime.
//   - Settled: Amount, Principal, Interest, UnitTime.
//   - Claimed: User, Amount, Principal, Interest, RequestIDs.
//   - YieldUpdated: Amount, TotalInterest (after), UnitTime, ReportID (optional).
//   - RoleChanged: Role, Address. CustodianChanged: Address.
//   - MaxYieldRateChanged: RateBps. DepositCapChanged: Amount. PauseChanged: Paused.
type Event struct {
	ID    [32]byte
	Vault string
	Seq   uint64
	// HostSeq orders commits across every vault sharing one asset ledger.
	// Recovery merges per-vault logs by it.
	HostSeq uint64
	Kind    Kind
	// Time is the transaction time in unix seconds.
	Time   int64
	Caller common.Address

	User             common.Address
	Amount           uint256.Int
	Shares           uint256.Int
	Principal        uint256.Int
	Interest         uint256.Int
	PrincipalRetired uint256.Int
	TotalInterest    uint256.Int

	RequestID   uint64
	RequestIDs  []uint64
	UnitTime    int64
	ReleaseTime int64

	Role     string
	Address  common.Address
	RateBps  uint32
	Paused   bool
	ReportID string

	Transfers []Transfer
}

const (
	idPrefixV1     = "vault-event"
	reportPrefixV1 = "yield-report"
)

// ReportKey returns keccak256("yield-report" || vault || 0x00 || reportID),
// the dedup key of an external yield report.
func ReportKey(vault, reportID string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(reportPrefixV1))
	_, _ = h.Write([]byte(vault))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(reportID))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeID returns keccak256("vault-event" || vault || 0x00 || seqBE64).
func ComputeID(vault string, seq uint64) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(idPrefixV1))
	_, _ = h.Write([]byte(vault))
	_, _ = h.Write([]byte{0})

	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	_, _ = h.Write(b[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Vault) == "" {
		return fmt.Errorf("%w: missing vault", ErrInvalidEvent)
	}
	if e.Seq == 0 {
		return fmt.Errorf("%w: missing seq", ErrInvalidEvent)
	}
	if !e.Kind.Known() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.ID != ComputeID(e.Vault, e.Seq) {
		return fmt.Errorf("%w: id mismatch", ErrInvalidEvent)
	}
	return nil
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	out := e
	out.RequestIDs = append([]uint64(nil), e.RequestIDs...)
	out.Transfers = append([]Transfer(nil), e.Transfers...)
	return out
}

type wireTransfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type wireEvent struct {
	Version string `json:"version"`
	ID      string `json:"id"`
	Vault   string `json:"vault"`
	Seq     uint64 `json:"seq"`
	HostSeq uint64 `json:"hostSeq,omitempty"`
	Time    int64  `json:"time"`
	Caller  string `json:"caller,omitempty"`

	User             string `json:"user,omitempty"`
	Amount           string `json:"amount,omitempty"`
	Shares           string `json:"shares,omitempty"`
	Principal        string `json:"principal,omitempty"`
	Interest         string `json:"interest,omitempty"`
	PrincipalRetired string `json:"principalRetired,omitempty"`
	TotalInterest    string `json:"totalInterest,omitempty"`

	RequestID   uint64   `json:"requestId,omitempty"`
	RequestIDs  []uint64 `json:"requestIds,omitempty"`
	UnitTime    int64    `json:"unitTime,omitempty"`
	ReleaseTime int64    `json:"releaseTime,omitempty"`

	Role    string `json:"role,omitempty"`
	Address string `json:"address,omitempty"`
	RateBps uint32 `json:"rateBps,omitempty"`
	Paused  bool   `json:"paused,omitempty"`

	ReportID string `json:"reportId,omitempty"`

	Transfers []wireTransfer `json:"transfers,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Version:          string(e.Kind),
		ID:               "0x" + hex.EncodeToString(e.ID[:]),
		Vault:            e.Vault,
		Seq:              e.Seq,
		HostSeq:          e.HostSeq,
		Time:             e.Time,
		Caller:           addrString(e.Caller),
		User:             addrString(e.User),
		Amount:           amountString(&e.Amount),
		Shares:           amountString(&e.Shares),
		Principal:        amountString(&e.Principal),
		Interest:         amountString(&e.Interest),
		PrincipalRetired: amountString(&e.PrincipalRetired),
		TotalInterest:    amountString(&e.TotalInterest),
		RequestID:        e.RequestID,
		RequestIDs:       e.RequestIDs,
		UnitTime:         e.UnitTime,
		ReleaseTime:      e.ReleaseTime,
		Role:             e.Role,
		Address:          addrString(e.Address),
		RateBps:          e.RateBps,
		Paused:           e.Paused,
		ReportID:         e.ReportID,
	}
	for _, t := range e.Transfers {
		w.Transfers = append(w.Transfers, wireTransfer{
			From:   t.From.Hex(),
			To:     t.To.Hex(),
			Amount: t.Amount.Dec(),
		})
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	id, err := parseHash32(w.ID)
	if err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalidEvent, err)
	}

	out := Event{
		ID:          id,
		Vault:       w.Vault,
		Seq:         w.Seq,
		HostSeq:     w.HostSeq,
		Kind:        Kind(w.Version),
		Time:        w.Time,
		RequestID:   w.RequestID,
		RequestIDs:  w.RequestIDs,
		UnitTime:    w.UnitTime,
		ReleaseTime: w.ReleaseTime,
		Role:        w.Role,
		RateBps:     w.RateBps,
		Paused:      w.Paused,
		ReportID:    w.ReportID,
	}
	addrs := []struct {
		raw string
		dst *common.Address
	}{
		{w.Caller, &out.Caller},
		{w.User, &out.User},
		{w.Address, &out.Address},
	}
	for _, a := range addrs {
		if err := parseAddr(a.raw, a.dst); err != nil {
			return err
		}
	}
	amounts := []struct {
		raw string
		dst *uint256.Int
	}{
		{w.Amount, &out.Amount},
		{w.Shares, &out.Shares},
		{w.Principal, &out.Principal},
		{w.Interest, &out.Interest},
		{w.PrincipalRetired, &out.PrincipalRetired},
		{w.TotalInterest, &out.TotalInterest},
	}
	for _, a := range amounts {
		if err := parseAmount(a.raw, a.dst); err != nil {
			return err
		}
	}
	for i, wt := range w.Transfers {
		var t Transfer
		if err := parseAddr(wt.From, &t.From); err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		if err := parseAddr(wt.To, &t.To); err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		if err := parseAmount(wt.Amount, &t.Amount); err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		out.Transfers = append(out.Transfers, t)
	}

	*e = out
	return nil
}

func addrString(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func amountString(v *uint256.Int) string {
	if v.IsZero() {
		return ""
	}
	return v.Dec()
}

func parseAddr(raw string, dst *common.Address) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*dst = common.Address{}
		return nil
	}
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("%w: bad address %q", ErrInvalidEvent, raw)
	}
	*dst = common.HexToAddress(raw)
	return nil
}

func parseAmount(raw string, dst *uint256.Int) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		dst.Clear()
		return nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return fmt.Errorf("%w: bad amount %q", ErrInvalidEvent, raw)
	}
	dst.Set(v)
	return nil
}

func parseHash32(s string) ([32]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 32-byte hex, got len %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, fmt.Errorf("decode hex: %w", err)
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}
