package util

import (
	"fmt"
	"time"
)

// TradingCalendar knows the daily trading session of the instruments traded:
// closed dates, session hours and the late "risky" tail in which no new
// signal is accepted. All checks run in the calendar's location.
type TradingCalendar struct {
	loc         *time.Location
	closedDates map[string]struct{}
	startHour   int
	endHour     int
	riskyHour   int
	riskyMinute int
}

// NewTradingCalendar creates a calendar. closedDates are YYYY-MM-DD strings.
func NewTradingCalendar(loc *time.Location, closedDates []string, startHour, endHour, riskyHour, riskyMinute int) *TradingCalendar {
	if loc == nil {
		loc = time.UTC
	}
	closed := make(map[string]struct{}, len(closedDates))
	for _, d := range closedDates {
		closed[d] = struct{}{}
	}
	return &TradingCalendar{
		loc:         loc,
		closedDates: closed,
		startHour:   startHour,
		endHour:     endHour,
		riskyHour:   riskyHour,
		riskyMinute: riskyMinute,
	}
}

// Location returns the calendar's timezone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// ClosedReason returns why the market is closed for new trades at t, or ""
// when trading is allowed.
func (tc *TradingCalendar) ClosedReason(t time.Time) string {
	local := t.In(tc.loc)
	day := local.Format(time.DateOnly)

	if _, ok := tc.closedDates[day]; ok {
		return fmt.Sprintf("market closed on %s", day)
	}
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return fmt.Sprintf("market closed on %s", wd)
	}

	h, m := local.Hour(), local.Minute()
	if h < tc.startHour || h >= tc.endHour {
		return fmt.Sprintf("outside trading hours %02d:00-%02d:00 (now %02d:%02d)", tc.startHour, tc.endHour, h, m)
	}
	if h > tc.riskyHour || (h == tc.riskyHour && m >= tc.riskyMinute) {
		return fmt.Sprintf("in risky window after %02d:%02d (now %02d:%02d)", tc.riskyHour, tc.riskyMinute, h, m)
	}
	return ""
}

// IsMarketOpen reports whether new trades are allowed at t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	return tc.ClosedReason(t) == ""
}
