package plan

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format accepted on the public surface.
const DateLayout = "2006-01-02"

// Month identifies one calendar month of archive data.
type Month struct {
	Year  int
	Month time.Month
}

func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Before reports whether m is chronologically before other.
func (m Month) Before(other Month) bool {
	if m.Year != other.Year {
		return m.Year < other.Year
	}

	return m.Month < other.Month
}

// InvalidRangeError indicates a date range whose start is after its end.
// It is a configuration error and is surfaced before any network activity.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("start date %s is after end date %s",
		e.Start.Format(DateLayout), e.End.Format(DateLayout))
}

// ParseDate parses a calendar date in YYYY-MM-DD form.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}

	return t, nil
}

// Months expands [start, end] into one Month per calendar month the range
// touches, in ascending order. Day-of-month never affects coverage: a range
// ending mid-month still includes that month in full. A zero end defaults
// to today.
func Months(start, end time.Time) ([]Month, error) {
	if end.IsZero() {
		end = time.Now().UTC()
	}

	if start.After(end) {
		return nil, &InvalidRangeError{Start: start, End: end}
	}

	first := Month{Year: start.Year(), Month: start.Month()}
	last := Month{Year: end.Year(), Month: end.Month()}

	var months []Month

	for m := first; !last.Before(m); m = next(m) {
		months = append(months, m)
	}

	return months, nil
}

func next(m Month) Month {
	if m.Month == time.December {
		return Month{Year: m.Year + 1, Month: time.January}
	}

	return Month{Year: m.Year, Month: m.Month + 1}
}
