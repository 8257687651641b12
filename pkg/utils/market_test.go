package utils

import (
	"testing"
	"time"
)

func TestMinuteOfDay(t *testing.T) {
	at := time.Date(2025, time.September, 25, 9, 15, 42, 0, time.UTC)
	if got := MinuteOfDay(at); got != 9*60+15 {
		t.Errorf("MinuteOfDay = %d, want 555", got)
	}
}

func TestFormatMinute(t *testing.T) {
	tests := []struct {
		minute int
		want   string
	}{
		{0, "00:00"},
		{555, "09:15"},
		{930, "15:30"},
	}
	for _, tt := range tests {
		if got := FormatMinute(tt.minute); got != tt.want {
			t.Errorf("FormatMinute(%d) = %s, want %s", tt.minute, got, tt.want)
		}
	}
}

func TestIsTradingWeekday(t *testing.T) {
	for d := time.Monday; d <= time.Friday; d++ {
		if !IsTradingWeekday(d) {
			t.Errorf("%s must be a trading weekday", d)
		}
	}
	if IsTradingWeekday(time.Saturday) || IsTradingWeekday(time.Sunday) {
		t.Error("weekend must not be a trading weekday")
	}
}

func TestIndiaLocationOffset(t *testing.T) {
	at := time.Date(2025, time.September, 25, 12, 0, 0, 0, IndiaLocation)
	_, offset := at.Zone()
	if offset != 5*3600+30*60 {
		t.Errorf("IST offset = %d seconds, want +05:30", offset)
	}
}
