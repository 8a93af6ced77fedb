package quota

import (
	"time"
)

const dayLayout = "2006-01-02"

// Day is a calendar date in the reference time zone, formatted YYYY-MM-DD.
// Days order correctly under plain string comparison.
type Day string

// ParseDay validates a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	if _, err := time.Parse(dayLayout, s); err != nil {
		return "", invalidInput("invalid day %q", s)
	}
	return Day(s), nil
}

// Date returns midnight of the day as a UTC time, the form DATE columns
// expect.
func (d Day) Date() time.Time {
	t, _ := time.Parse(dayLayout, string(d))
	return t
}

// DayFromDate is the inverse of Date.
func DayFromDate(t time.Time) Day {
	return Day(t.Format(dayLayout))
}

func (d Day) String() string {
	return string(d)
}

// DayClock is the single place "today" is computed. Admission and commit
// both derive their day from it.
type DayClock struct {
	Location *time.Location
	now      func() time.Time
}

// NewDayClock returns a clock for loc. A nil now uses time.Now.
func NewDayClock(loc *time.Location, now func() time.Time) *DayClock {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &DayClock{Location: loc, now: now}
}

// Now returns the current instant.
func (c *DayClock) Now() time.Time {
	return c.now()
}

// Today returns the calendar day t falls on in the reference zone.
func (c *DayClock) Today(t time.Time) Day {
	return Day(t.In(c.Location).Format(dayLayout))
}

// NextMidnight returns the start of the day after t in the reference zone.
func (c *DayClock) NextMidnight(t time.Time) time.Time {
	y, m, d := t.In(c.Location).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.Location)
}

// ceilSeconds rounds a positive duration up to whole seconds, never
// returning less than one.
func ceilSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
