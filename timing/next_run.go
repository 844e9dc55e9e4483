package timing

import "time"

// MaxSearchDays bounds the forward search for an active day.
const MaxSearchDays = 14

// FallbackDelay is used when no active day is found or the configuration is invalid.
const FallbackDelay = time.Hour

// Outcome says how a next run was chosen.
type Outcome int

const (
	Unconstrained Outcome = iota // no business hours
	InWindow                     // candidate already inside business hours
	Pinned                       // moved to a work-hours start
	Fallback                     // degraded to now + FallbackDelay
)

func (o Outcome) String() string {
	switch o {
	case Unconstrained:
		return "unconstrained"
	case InWindow:
		return "in_window"
	case Pinned:
		return "pinned"
	case Fallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// CalculateNextRun returns the next instant, in UTC, at which a step with
// timing s may run.
func CalculateNextRun(now time.Time, s Spec, bh *BusinessHours) time.Time {
	at, _ := Resolve(now, s, bh)
	return at
}

// Resolve is CalculateNextRun that also reports how the instant was chosen.
func Resolve(now time.Time, s Spec, bh *BusinessHours) (time.Time, Outcome) {
	candidate := now.Add(time.Duration(BaseDelayMinutes(s)) * time.Minute)
	if bh == nil {
		return candidate.UTC(), Unconstrained
	}

	w, err := bh.compile()
	if err != nil {
		return now.Add(FallbackDelay).UTC(), Fallback
	}

	local := candidate.In(w.loc)
	if w.contains(local) {
		return candidate.UTC(), InWindow
	}

	// Earlier on an active day: wait for today's start
	if w.activeDay(local) && minuteOfDay(local) < w.start {
		return w.startOf(local).UTC(), Pinned
	}

	y, m, d := local.Date()
	for i := 1; i <= MaxSearchDays; i++ {
		day := time.Date(y, m, d+i, 12, 0, 0, 0, w.loc)
		if w.activeDay(day) {
			return w.startOf(day).UTC(), Pinned
		}
	}
	return now.Add(FallbackDelay).UTC(), Fallback
}
