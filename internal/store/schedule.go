package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chainstream/internal/schedule"
)

// ScheduleStore is a read-only view over the trading-hours database
// maintained by the external admin application. It implements
// schedule.Source.
type ScheduleStore struct {
	db *sql.DB

	mu       sync.RWMutex
	holidays map[string]bool // "2006-01-02" -> true, lazily cached
}

// OpenSchedule opens the schedule database read-only.
func OpenSchedule(dbPath string) (*ScheduleStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open schedule database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach schedule database: %w", err)
	}

	return &ScheduleStore{
		db:       db,
		holidays: make(map[string]bool),
	}, nil
}

// Close closes the underlying database handle.
func (s *ScheduleStore) Close() error {
	return s.db.Close()
}

// Windows returns the session windows for a weekday, ordered by opening
// time. Weekday 0 is Sunday, matching time.Weekday.
func (s *ScheduleStore) Windows(weekday time.Weekday) ([]schedule.Window, error) {
	rows, err := s.db.Query(`
		SELECT session_kind, open_minute, close_minute
		FROM trading_sessions
		WHERE weekday = ?
		ORDER BY open_minute`, int(weekday))
	if err != nil {
		return nil, fmt.Errorf("querying trading sessions: %w", err)
	}
	defer rows.Close()

	var windows []schedule.Window
	for rows.Next() {
		var kind string
		var open, closeMin int
		if err := rows.Scan(&kind, &open, &closeMin); err != nil {
			return nil, fmt.Errorf("scanning trading session: %w", err)
		}
		windows = append(windows, schedule.Window{
			Kind:  schedule.WindowKind(kind),
			Open:  open,
			Close: closeMin,
		})
	}
	return windows, rows.Err()
}

// IsHoliday reports whether the date is a market holiday. Results are
// cached; the holiday calendar only changes through the admin app and a
// restart picks that up.
func (s *ScheduleStore) IsHoliday(day time.Time) (bool, error) {
	key := day.Format("2006-01-02")

	s.mu.RLock()
	cached, ok := s.holidays[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(1) FROM market_holidays WHERE holiday_date = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("querying holidays: %w", err)
	}

	s.mu.Lock()
	s.holidays[key] = count > 0
	s.mu.Unlock()
	return count > 0, nil
}

// SpecialWindows returns date-specific special trading sessions (e.g.
// Muhurat trading), which take precedence over the weekday template and
// the holiday set.
func (s *ScheduleStore) SpecialWindows(day time.Time) ([]schedule.Window, error) {
	rows, err := s.db.Query(`
		SELECT open_minute, close_minute
		FROM special_sessions
		WHERE session_date = ?
		ORDER BY open_minute`, day.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("querying special sessions: %w", err)
	}
	defer rows.Close()

	var windows []schedule.Window
	for rows.Next() {
		var open, closeMin int
		if err := rows.Scan(&open, &closeMin); err != nil {
			return nil, fmt.Errorf("scanning special session: %w", err)
		}
		windows = append(windows, schedule.Window{
			Kind:  schedule.WindowRegular,
			Open:  open,
			Close: closeMin,
		})
	}
	return windows, rows.Err()
}
