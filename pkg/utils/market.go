package utils

import (
	"fmt"
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MinuteOfDay returns the minutes elapsed since local midnight.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// FormatMinute renders a minute-of-day as HH:MM.
func FormatMinute(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

// IsTradingWeekday reports whether the weekday is a regular NSE trading
// day (Monday through Friday).
func IsTradingWeekday(d time.Weekday) bool {
	return d != time.Saturday && d != time.Sunday
}
