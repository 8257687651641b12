// Package schedule provides market-hours gating and the time-driven
// scheduler that opens and closes streaming connections around sessions.
package schedule

import (
	"sort"
	"time"
)

// WindowKind distinguishes the session windows within a trading day.
type WindowKind string

const (
	WindowPreMarket  WindowKind = "PRE_MARKET"
	WindowRegular    WindowKind = "REGULAR"
	WindowPostMarket WindowKind = "POST_MARKET"
)

// Window is one session window, in minutes since midnight local time.
type Window struct {
	Kind  WindowKind
	Open  int
	Close int
}

// Contains reports whether the minute-of-day falls inside the window.
func (w Window) Contains(minuteOfDay int) bool {
	return minuteOfDay >= w.Open && minuteOfDay < w.Close
}

// Source is the externally-owned schedule oracle: per-weekday session
// windows, a holiday set, and date-specific special sessions. The engine
// only reads it.
type Source interface {
	Windows(weekday time.Weekday) ([]Window, error)
	IsHoliday(day time.Time) (bool, error)
	SpecialWindows(day time.Time) ([]Window, error)
}

// Gate answers whether the market is open at an instant and when it next
// opens, consulting the injected schedule source.
type Gate struct {
	src Source
	loc *time.Location
}

// NewGate creates a gate over src, evaluating instants in loc.
func NewGate(src Source, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{src: src, loc: loc}
}

// IsOpenAt reports whether a regular (or special) session is in progress
// at t. Special sessions override the holiday set.
func (g *Gate) IsOpenAt(t time.Time) bool {
	local := t.In(g.loc)
	minute := local.Hour()*60 + local.Minute()

	if special, err := g.src.SpecialWindows(local); err == nil {
		for _, w := range special {
			if w.Contains(minute) {
				return true
			}
		}
		if len(special) > 0 {
			return false
		}
	}

	if holiday, err := g.src.IsHoliday(local); err != nil || holiday {
		return false
	}

	windows, err := g.src.Windows(local.Weekday())
	if err != nil {
		return false
	}
	for _, w := range windows {
		if w.Kind == WindowRegular && w.Contains(minute) {
			return true
		}
	}
	return false
}

// NextOpenAfter returns the next instant strictly after t at which the
// market opens. It scans at most 14 days ahead; past that it returns the
// zero time (a schedule with no open day in two weeks is misconfigured).
func (g *Gate) NextOpenAfter(t time.Time) time.Time {
	local := t.In(g.loc)

	for day := 0; day <= 14; day++ {
		date := local.AddDate(0, 0, day)
		midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, g.loc)

		opens := g.openMinutes(date)
		for _, open := range opens {
			candidate := midnight.Add(time.Duration(open) * time.Minute)
			if candidate.After(t) {
				return candidate
			}
		}
	}
	return time.Time{}
}

// openMinutes returns the opening minute-of-day of every regular or
// special window on a date, ascending.
func (g *Gate) openMinutes(date time.Time) []int {
	if special, err := g.src.SpecialWindows(date); err == nil && len(special) > 0 {
		return sortedOpens(special, false)
	}
	if holiday, err := g.src.IsHoliday(date); err != nil || holiday {
		return nil
	}
	windows, err := g.src.Windows(date.Weekday())
	if err != nil {
		return nil
	}
	return sortedOpens(windows, true)
}

func sortedOpens(windows []Window, regularOnly bool) []int {
	var opens []int
	for _, w := range windows {
		if regularOnly && w.Kind != WindowRegular {
			continue
		}
		opens = append(opens, w.Open)
	}
	sort.Ints(opens)
	return opens
}

// StaticSource is a fixed in-memory schedule used when no schedule
// database is configured: NSE hours, Monday to Friday.
type StaticSource struct {
	Holidays map[string]bool // "2006-01-02" keys
}

// NewStaticSource creates a static NSE-hours source.
func NewStaticSource() *StaticSource {
	return &StaticSource{Holidays: make(map[string]bool)}
}

// Windows returns the default NSE session windows for a weekday.
func (s *StaticSource) Windows(weekday time.Weekday) ([]Window, error) {
	if weekday == time.Saturday || weekday == time.Sunday {
		return nil, nil
	}
	return []Window{
		{Kind: WindowPreMarket, Open: 9 * 60, Close: 9*60 + 15},
		{Kind: WindowRegular, Open: 9*60 + 15, Close: 15*60 + 30},
		{Kind: WindowPostMarket, Open: 15*60 + 40, Close: 16 * 60},
	}, nil
}

// IsHoliday reports whether the date is in the holiday set.
func (s *StaticSource) IsHoliday(day time.Time) (bool, error) {
	return s.Holidays[day.Format("2006-01-02")], nil
}

// SpecialWindows returns no special sessions for a static source.
func (s *StaticSource) SpecialWindows(day time.Time) ([]Window, error) {
	return nil, nil
}
