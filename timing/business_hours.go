package timing

import (
	"strings"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/teranos/cadence/errors"
)

const (
	clockLayout = "15:04"
	dateLayout  = "2006-01-02"
)

// BusinessHours constrains sends to working days and hours in one timezone.
// Days uses time.Weekday numbering (0 = Sunday). Holidays are local dates.
type BusinessHours struct {
	Timezone       string         `json:"timezone" yaml:"timezone"`
	Days           []time.Weekday `json:"days" yaml:"days"`
	WorkHoursStart string         `json:"work_hours_start" yaml:"work_hours_start"`
	WorkHoursEnd   string         `json:"work_hours_end" yaml:"work_hours_end"`
	Holidays       []string       `json:"holidays,omitempty" yaml:"holidays,omitempty"`
}

// Validate reports the first problem with the configuration.
func (b *BusinessHours) Validate() error {
	_, err := b.compile()
	return err
}

// window is BusinessHours resolved for repeated checks.
type window struct {
	loc      *time.Location
	days     [7]bool
	start    int // minutes after local midnight
	end      int
	holidays map[string]bool
}

func (b *BusinessHours) compile() (*window, error) {
	loc, err := LoadLocation(b.Timezone)
	if err != nil {
		return nil, err
	}
	start, err := parseClock(b.WorkHoursStart)
	if err != nil {
		return nil, errors.Wrap(err, "work_hours_start")
	}
	end, err := parseClock(b.WorkHoursEnd)
	if err != nil {
		return nil, errors.Wrap(err, "work_hours_end")
	}
	if start >= end {
		return nil, errors.NewInvalidRequestError("work hours %s-%s are empty", b.WorkHoursStart, b.WorkHoursEnd)
	}

	w := &window{loc: loc, start: start, end: end, holidays: make(map[string]bool, len(b.Holidays))}
	for _, d := range b.Days {
		if d < time.Sunday || d > time.Saturday {
			return nil, errors.NewInvalidRequestError("weekday %d out of range 0-6", int(d))
		}
		w.days[d] = true
	}
	if len(b.Days) == 0 {
		return nil, errors.NewInvalidRequestError("business hours need at least one active weekday")
	}
	for _, h := range b.Holidays {
		if _, err := time.Parse(dateLayout, h); err != nil {
			return nil, errors.NewInvalidRequestError("holiday %q is not YYYY-MM-DD", h)
		}
		w.holidays[h] = true
	}
	return w, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, errors.NewInvalidRequestError("%q is not HH:mm", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// activeDay reports whether local's date is a working, non-holiday day.
func (w *window) activeDay(local time.Time) bool {
	return w.days[local.Weekday()] && !w.holidays[local.Format(dateLayout)]
}

func minuteOfDay(local time.Time) int {
	return local.Hour()*60 + local.Minute()
}

// contains reports whether local falls inside [start, end) on an active day.
func (w *window) contains(local time.Time) bool {
	m := minuteOfDay(local)
	return w.activeDay(local) && m >= w.start && m < w.end
}

// startOf returns the work-hours start on local's date.
func (w *window) startOf(local time.Time) time.Time {
	y, mo, d := local.Date()
	return time.Date(y, mo, d, w.start/60, w.start%60, 0, 0, w.loc)
}

var zoneAbbreviations = map[string]string{
	"utc":  "UTC",
	"gmt":  "UTC",
	"pst":  "America/Los_Angeles",
	"pdt":  "America/Los_Angeles",
	"est":  "America/New_York",
	"edt":  "America/New_York",
	"cst":  "America/Chicago",
	"cdt":  "America/Chicago",
	"mst":  "America/Denver",
	"mdt":  "America/Denver",
	"bst":  "Europe/London",
	"cet":  "Europe/Berlin",
	"cest": "Europe/Berlin",
	"ist":  "Asia/Kolkata",
	"sgt":  "Asia/Singapore",
	"aest": "Australia/Sydney",
}

// LoadLocation resolves an IANA name or a common abbreviation. Empty is UTC.
func LoadLocation(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return time.UTC, nil
	}
	if loc, err := time.LoadLocation(trimmed); err == nil {
		return loc, nil
	}
	if tz, ok := zoneAbbreviations[strings.ToLower(trimmed)]; ok {
		return time.LoadLocation(tz)
	}
	return nil, errors.NewInvalidRequestError("unknown timezone: %s", name)
}
