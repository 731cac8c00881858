package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/juno-intents/yield-vault/internal/events"
	"github.com/juno-intents/yield-vault/internal/journal"
	"github.com/juno-intents/yield-vault/internal/withdraw"
)

// Account is one user's position.
type Account struct {
	Principal uint256.Int
	Shares    uint256.Int
}

// YieldEntry is one accepted yield update.
type YieldEntry struct {
	Timestamp          int64
	Amount             uint256.Int
	TotalInterestAfter uint256.Int
	// ReportID is set when the update came from an external yield report.
	ReportID string
}

// state is the versioned vault state. It changes only through apply, and
// every write goes through a setter that records its undo in the journal.
type state struct {
	journal *journal.Journal

	seq uint64

	totalPrincipal uint256.Int
	totalInterest  uint256.Int
	totalShares    uint256.Int
	accounts       map[common.Address]*Account

	buckets  map[int64]*withdraw.Bucket
	requests []withdraw.Request // request id n lives at index n-1
	byUser   map[common.Address][]uint64
	active   map[common.Address]*withdraw.ActiveSet

	yields       []YieldEntry
	yieldUnits   map[int64]struct{}
	yieldReports map[[32]byte]struct{}

	totalReleased    uint256.Int
	totalClaimed     uint256.Int
	pendingUnsettled uint256.Int

	roles           Roles
	custodian       common.Address
	maxYieldRateBps uint32
	depositCap      uint256.Int
	paused          bool
}

func newState(cfg Config, j *journal.Journal) *state {
	s := &state{
		journal:         j,
		accounts:        make(map[common.Address]*Account),
		buckets:         make(map[int64]*withdraw.Bucket),
		byUser:          make(map[common.Address][]uint64),
		active:          make(map[common.Address]*withdraw.ActiveSet),
		yieldUnits:      make(map[int64]struct{}),
		yieldReports:    make(map[[32]byte]struct{}),
		roles:           Roles{Owner: cfg.Owner, Operator: cfg.Operator, Gateway: cfg.Gateway},
		custodian:       cfg.Custodian,
		maxYieldRateBps: cfg.MaxYieldRateBps,
	}
	if cfg.DepositCap == nil {
		s.depositCap.SetAllOne()
	} else {
		s.depositCap.Set(cfg.DepositCap)
	}
	return s
}

func (s *state) totalValue() *uint256.Int {
	return new(uint256.Int).Add(&s.totalPrincipal, &s.totalInterest)
}

func (s *state) account(user common.Address) Account {
	if a, ok := s.accounts[user]; ok {
		return *a
	}
	return Account{}
}

func (s *state) request(id uint64) (withdraw.Request, bool) {
	if id == 0 || id > uint64(len(s.requests)) {
		return withdraw.Request{}, false
	}
	return s.requests[id-1], true
}

func (s *state) bucketReleased(unitTime int64) bool {
	b, ok := s.buckets[unitTime]
	return ok && b.Released()
}

// Setters.

func (s *state) setInt(dst, v *uint256.Int) {
	old := *dst
	s.journal.Record(func() { *dst = old })
	dst.Set(v)
}

func (s *state) addInt(dst, v *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(dst, v)
	if overflow {
		return fmt.Errorf("%w: overflow", ErrInconsistent)
	}
	s.setInt(dst, sum)
	return nil
}

func (s *state) subInt(dst, v *uint256.Int) error {
	if dst.Lt(v) {
		return fmt.Errorf("%w: underflow %s - %s", ErrInconsistent, dst.Dec(), v.Dec())
	}
	s.setInt(dst, new(uint256.Int).Sub(dst, v))
	return nil
}

func (s *state) mutableAccount(user common.Address) *Account {
	if a, ok := s.accounts[user]; ok {
		return a
	}
	a := &Account{}
	s.accounts[user] = a
	s.journal.Record(func() { delete(s.accounts, user) })
	return a
}

func (s *state) mutableBucket(unitTime int64) *withdraw.Bucket {
	if b, ok := s.buckets[unitTime]; ok {
		return b
	}
	b := &withdraw.Bucket{UnitTime: unitTime}
	s.buckets[unitTime] = b
	s.journal.Record(func() { delete(s.buckets, unitTime) })
	return b
}

func (s *state) appendRequest(r withdraw.Request) {
	n := len(s.requests)
	s.requests = append(s.requests, r)
	s.journal.Record(func() { s.requests = s.requests[:n] })

	m := len(s.byUser[r.User])
	s.byUser[r.User] = append(s.byUser[r.User], r.ID)
	s.journal.Record(func() {
		if m == 0 {
			delete(s.byUser, r.User)
			return
		}
		s.byUser[r.User] = s.byUser[r.User][:m]
	})

	set, ok := s.active[r.User]
	if !ok {
		set = withdraw.NewActiveSet()
		s.active[r.User] = set
		s.journal.Record(func() { delete(s.active, r.User) })
	}
	set.Add(r.ID)
	s.journal.Record(func() { set.Remove(r.ID) })
}

func (s *state) releaseRequest(id uint64) {
	i := id - 1
	user := s.requests[i].User
	s.requests[i].State = withdraw.StateReleased
	s.journal.Record(func() { s.requests[i].State = withdraw.StatePending })

	if set := s.active[user]; set.Remove(id) {
		s.journal.Record(func() { set.Add(id) })
	}
}

func (s *state) releaseBucket(b *withdraw.Bucket) {
	b.State = withdraw.StateReleased
	s.journal.Record(func() { b.State = withdraw.StatePending })
}

func (s *state) appendYield(y YieldEntry, unitTime int64, report *[32]byte) {
	n := len(s.yields)
	s.yields = append(s.yields, y)
	s.journal.Record(func() { s.yields = s.yields[:n] })

	s.yieldUnits[unitTime] = struct{}{}
	s.journal.Record(func() { delete(s.yieldUnits, unitTime) })

	if report != nil {
		key := *report
		s.yieldReports[key] = struct{}{}
		s.journal.Record(func() { delete(s.yieldReports, key) })
	}
}

func (s *state) reportSeen(vault, reportID string) bool {
	if reportID == "" {
		return false
	}
	_, ok := s.yieldReports[events.ReportKey(vault, reportID)]
	return ok
}

func (s *state) setRole(role Role, holder common.Address) {
	old := s.roles
	s.journal.Record(func() { s.roles = old })
	s.roles.set(role, holder)
}

func (s *state) setCustodian(a common.Address) {
	old := s.custodian
	s.journal.Record(func() { s.custodian = old })
	s.custodian = a
}

func (s *state) setMaxYieldRate(bps uint32) {
	old := s.maxYieldRateBps
	s.journal.Record(func() { s.maxYieldRateBps = old })
	s.maxYieldRateBps = bps
}

func (s *state) setPaused(p bool) {
	old := s.paused
	s.journal.Record(func() { s.paused = old })
	s.paused = p
}

func (s *state) setSeq(seq uint64) {
	old := s.seq
	s.journal.Record(func() { s.seq = old })
	s.seq = seq
}

// apply performs the state transition recorded by e. It is the only mutation
// path, shared by live transactions and replay. On error the caller reverts
// the journal.
func (s *state) apply(e events.Event) error {
	if e.Seq != s.seq+1 {
		return fmt.Errorf("%w: event seq %d does not follow %d", ErrInconsistent, e.Seq, s.seq)
	}

	var err error
	switch e.Kind {
	case events.KindDeposited:
		err = s.applyDeposited(e)
	case events.KindWithdrawRequested:
		err = s.applyWithdrawRequested(e)
	case events.KindSettled:
		err = s.applySettled(e)
	case events.KindClaimed:
		err = s.applyClaimed(e)
	case events.KindYieldUpdated:
		err = s.applyYieldUpdated(e)
	case events.KindRoleChanged:
		var role Role
		role, err = ParseRole(e.Role)
		if err == nil {
			s.setRole(role, e.Address)
		}
	case events.KindCustodianChanged:
		s.setCustodian(e.Address)
	case events.KindMaxYieldRateChanged:
		s.setMaxYieldRate(e.RateBps)
	case events.KindDepositCapChanged:
		s.setInt(&s.depositCap, &e.Amount)
	case events.KindPauseChanged:
		s.setPaused(e.Paused)
	default:
		err = fmt.Errorf("%w: unknown event kind %q", ErrInconsistent, e.Kind)
	}
	if err != nil {
		return err
	}
	s.setSeq(e.Seq)
	return nil
}

func (s *state) applyDeposited(e events.Event) error {
	a := s.mutableAccount(e.User)
	if err := s.addInt(&a.Principal, &e.Amount); err != nil {
		return err
	}
	if err := s.addInt(&a.Shares, &e.Shares); err != nil {
		return err
	}
	if err := s.addInt(&s.totalPrincipal, &e.Amount); err != nil {
		return err
	}
	return s.addInt(&s.totalShares, &e.Shares)
}

func (s *state) applyWithdrawRequested(e events.Event) error {
	if !new(uint256.Int).Add(&e.Principal, &e.Interest).Eq(&e.Amount) {
		return fmt.Errorf("%w: withdraw %d amount does not match its split", ErrInconsistent, e.RequestID)
	}
	if e.RequestID != uint64(len(s.requests))+1 {
		return fmt.Errorf("%w: request id %d out of order", ErrInconsistent, e.RequestID)
	}
	a, ok := s.accounts[e.User]
	if !ok {
		return fmt.Errorf("%w: withdraw from unknown account %s", ErrInconsistent, e.User.Hex())
	}
	steps := []func() error{
		func() error { return s.subInt(&a.Principal, &e.PrincipalRetired) },
		func() error { return s.subInt(&a.Shares, &e.Shares) },
		func() error { return s.subInt(&s.totalPrincipal, &e.PrincipalRetired) },
		func() error { return s.addInt(&s.totalInterest, &e.PrincipalRetired) },
		func() error { return s.subInt(&s.totalInterest, &e.Amount) },
		func() error { return s.subInt(&s.totalShares, &e.Shares) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	b := s.mutableBucket(e.UnitTime)
	if b.Released() {
		return fmt.Errorf("%w: bucket %d", ErrAlreadySettled, e.UnitTime)
	}
	if err := s.addInt(&b.PendingPrincipal, &e.Principal); err != nil {
		return err
	}
	if err := s.addInt(&b.PendingInterest, &e.Interest); err != nil {
		return err
	}

	s.appendRequest(requestFromEvent(e))
	return s.addInt(&s.pendingUnsettled, &e.Amount)
}

func requestFromEvent(e events.Event) withdraw.Request {
	return withdraw.Request{
		ID:          e.RequestID,
		User:        e.User,
		RequestedAt: e.Time,
		UnitTime:    e.UnitTime,
		ReleaseTime: e.ReleaseTime,
		Principal:   e.Principal,
		Interest:    e.Interest,
		State:       withdraw.StatePending,
	}
}

func (s *state) applySettled(e events.Event) error {
	b, ok := s.buckets[e.UnitTime]
	if !ok {
		return fmt.Errorf("%w: settle of unknown bucket %d", ErrInconsistent, e.UnitTime)
	}
	if b.Released() {
		return fmt.Errorf("%w: bucket %d", ErrAlreadySettled, e.UnitTime)
	}
	if !b.Total().Eq(&e.Amount) {
		return fmt.Errorf("%w: bucket %d holds %s, settled %s", ErrInconsistent, e.UnitTime, b.Total().Dec(), e.Amount.Dec())
	}
	s.releaseBucket(b)
	if err := s.addInt(&s.totalReleased, &e.Amount); err != nil {
		return err
	}
	return s.subInt(&s.pendingUnsettled, &e.Amount)
}

func (s *state) applyClaimed(e events.Event) error {
	if len(e.RequestIDs) == 0 {
		return fmt.Errorf("%w: claim without requests", ErrInconsistent)
	}
	sum := new(uint256.Int)
	for _, id := range e.RequestIDs {
		r, ok := s.request(id)
		if !ok || r.User != e.User {
			return fmt.Errorf("%w: claim of request %d by %s", ErrInconsistent, id, e.User.Hex())
		}
		if r.Released() {
			return fmt.Errorf("%w: request %d", ErrAlreadyClaimed, id)
		}
		sum.Add(sum, r.Total())
		s.releaseRequest(id)
	}
	if !sum.Eq(&e.Amount) {
		return fmt.Errorf("%w: claimed %s, requests hold %s", ErrInconsistent, e.Amount.Dec(), sum.Dec())
	}
	return s.addInt(&s.totalClaimed, &e.Amount)
}

func (s *state) applyYieldUpdated(e events.Event) error {
	var report *[32]byte
	if e.ReportID != "" {
		key := events.ReportKey(e.Vault, e.ReportID)
		if _, dup := s.yieldReports[key]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateReport, e.ReportID)
		}
		report = &key
	}
	if _, done := s.yieldUnits[e.UnitTime]; done {
		return fmt.Errorf("%w: unit %d", ErrYieldAlreadyUpdated, e.UnitTime)
	}
	if err := s.addInt(&s.totalInterest, &e.Amount); err != nil {
		return err
	}
	if !s.totalInterest.Eq(&e.TotalInterest) {
		return fmt.Errorf("%w: interest after yield is %s, event says %s", ErrInconsistent, s.totalInterest.Dec(), e.TotalInterest.Dec())
	}
	s.appendYield(YieldEntry{
		Timestamp:          e.Time,
		Amount:             e.Amount,
		TotalInterestAfter: e.TotalInterest,
		ReportID:           e.ReportID,
	}, e.UnitTime, report)
	return nil
}
