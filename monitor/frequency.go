package monitor

import (
	"time"

	"github.com/teranos/cadence/am"
)

// FrequencyTable spaces thread checks out as a thread ages. Threads younger
// than RecentAge are checked every RecentEvery, younger than MediumAge every
// MediumEvery, and older ones every OldEvery until MaxAge.
type FrequencyTable struct {
	RecentAge   time.Duration
	RecentEvery time.Duration
	MediumAge   time.Duration
	MediumEvery time.Duration
	OldEvery    time.Duration
	MaxAge      time.Duration
}

// DefaultFrequencyTable checks every 10 minutes for a day, hourly for a
// week and daily until the thread is 30 days old.
func DefaultFrequencyTable() FrequencyTable {
	return FrequencyTable{
		RecentAge:   24 * time.Hour,
		RecentEvery: 10 * time.Minute,
		MediumAge:   7 * 24 * time.Hour,
		MediumEvery: time.Hour,
		OldEvery:    24 * time.Hour,
		MaxAge:      30 * 24 * time.Hour,
	}
}

// FrequencyFrom converts the [monitor] config section, keeping defaults for unset values.
func FrequencyFrom(c am.MonitorConfig) FrequencyTable {
	t := DefaultFrequencyTable()
	set := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	set(&t.RecentAge, c.RecentAge)
	set(&t.RecentEvery, c.RecentEvery)
	set(&t.MediumAge, c.MediumAge)
	set(&t.MediumEvery, c.MediumEvery)
	set(&t.OldEvery, c.OldEvery)
	set(&t.MaxAge, c.MaxAge)
	return t
}

// Delay returns the wait before the next check of a thread of the given age.
func (t FrequencyTable) Delay(age time.Duration) time.Duration {
	switch {
	case age < t.RecentAge:
		return t.RecentEvery
	case age < t.MediumAge:
		return t.MediumEvery
	default:
		return t.OldEvery
	}
}

// Expired reports whether a thread is too old to keep checking.
func (t FrequencyTable) Expired(age time.Duration) bool {
	return t.MaxAge > 0 && age > t.MaxAge
}
