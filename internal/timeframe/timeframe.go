package timeframe

import (
	"errors"
	"fmt"
	"time"
)

// DayLayout is the invocation and storage format for calendar days.
const DayLayout = "2006-01-02"

// MaxBackfillDays bounds a single backfill invocation.
const MaxBackfillDays = 366

var (
	ErrInvalidDay    = errors.New("invalid day, expected YYYY-MM-DD")
	ErrInvalidWindow = errors.New("invalid window")
	ErrInvalidRange  = errors.New("invalid day range")
)

type TimeProvider interface {
	Now(loc *time.Location) time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

func (p *DefaultTimeProvider) Now(loc *time.Location) time.Time {
	return time.Now().In(loc)
}

// Day is one calendar day in the reference timezone.
type Day struct {
	Date  string
	Start time.Time
	End   time.Time
}

// ParseDay localizes midnight and 23:59:59.999 of date in loc.
func ParseDay(date string, loc *time.Location) (Day, error) {
	t, err := time.ParseInLocation(DayLayout, date, loc)
	if err != nil {
		return Day{}, fmt.Errorf("%w: %q", ErrInvalidDay, date)
	}
	return dayOf(t, loc), nil
}

// DayOf returns the reference-timezone day containing t.
func DayOf(t time.Time, loc *time.Location) Day {
	return dayOf(t.In(loc), loc)
}

func dayOf(t time.Time, loc *time.Location) Day {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, int(999*time.Millisecond), loc)
	return Day{Date: start.Format(DayLayout), Start: start, End: end}
}

// Contains reports whether t falls within the day, both ends inclusive.
func (d Day) Contains(t time.Time) bool {
	return !t.Before(d.Start) && !t.After(d.End)
}

// Next returns the following calendar day.
func (d Day) Next() Day {
	return dayOf(d.Start.AddDate(0, 0, 1), d.Start.Location())
}

// Today returns the current day according to p.
func Today(p TimeProvider, loc *time.Location) Day {
	return DayOf(p.Now(loc), loc)
}

// Yesterday returns the day before the current day according to p.
func Yesterday(p TimeProvider, loc *time.Location) Day {
	now := p.Now(loc)
	return dayOf(time.Date(now.Year(), now.Month(), now.Day()-1, 12, 0, 0, 0, loc), loc)
}

// Days expands an inclusive from..to range into consecutive days.
func Days(from, to string, loc *time.Location) ([]Day, error) {
	first, err := ParseDay(from, loc)
	if err != nil {
		return nil, err
	}
	last, err := ParseDay(to, loc)
	if err != nil {
		return nil, err
	}
	if last.Start.Before(first.Start) {
		return nil, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from, to)
	}

	var days []Day
	for d := first; !d.Start.After(last.Start); d = d.Next() {
		days = append(days, d)
		if len(days) > MaxBackfillDays {
			return nil, fmt.Errorf("%w: more than %d days", ErrInvalidRange, MaxBackfillDays)
		}
	}
	return days, nil
}

// Window is a half-open [From, To) interval at second resolution.
type Window struct {
	From time.Time
	To   time.Time
}

// LastSeconds returns the window of the given length ending at the current second.
func LastSeconds(p TimeProvider, seconds int) (Window, error) {
	if seconds <= 0 {
		return Window{}, fmt.Errorf("%w: %d seconds", ErrInvalidWindow, seconds)
	}
	to := p.Now(time.UTC).Truncate(time.Second)
	return Window{From: to.Add(-time.Duration(seconds) * time.Second), To: to}, nil
}

// NewWindow validates an explicit window.
func NewWindow(from, to time.Time) (Window, error) {
	from, to = from.Truncate(time.Second), to.Truncate(time.Second)
	if !from.Before(to) {
		return Window{}, fmt.Errorf("%w: from %s is not before to %s", ErrInvalidWindow, from, to)
	}
	return Window{From: from.UTC(), To: to.UTC()}, nil
}
