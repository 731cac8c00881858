package withdraw

import (
	"fmt"
	"time"
)

// Schedule maps wall-clock timestamps (unix seconds) onto time-unit buckets.
type Schedule struct {
	// Unit is the bucket length in seconds.
	Unit int64
	// Delay is the settlement delay in whole units.
	Delay int64
}

func NewSchedule(unit time.Duration, delayUnits uint32) (Schedule, error) {
	if unit < time.Second || unit%time.Second != 0 {
		return Schedule{}, fmt.Errorf("%w: time unit must be a positive whole number of seconds", ErrInvalidConfig)
	}
	return Schedule{Unit: int64(unit / time.Second), Delay: int64(delayUnits)}, nil
}

// UnitTime returns floor(t/unit)*unit.
func (s Schedule) UnitTime(t int64) int64 {
	q := t / s.Unit
	if t%s.Unit != 0 && t < 0 {
		q--
	}
	return q * s.Unit
}

// ReleaseTime is one full unit after the unit containing t, plus the delay.
func (s Schedule) ReleaseTime(t int64) int64 {
	return s.UnitTime(t) + s.Unit + s.Delay*s.Unit
}

// TargetUndelegate returns the bucket due for settlement at t: the unit that
// started delay units before the unit containing t.
func (s Schedule) TargetUndelegate(t int64) int64 {
	return s.UnitTime(t) - s.Delay*s.Unit
}

// UnitForRelease inverts ReleaseTime. It reports false when releaseTime is not
// a unit boundary.
func (s Schedule) UnitForRelease(releaseTime int64) (int64, bool) {
	if s.UnitTime(releaseTime) != releaseTime {
		return 0, false
	}
	return releaseTime - s.Unit - s.Delay*s.Unit, true
}

func (s Schedule) Duration() time.Duration { return time.Duration(s.Unit) * time.Second }
