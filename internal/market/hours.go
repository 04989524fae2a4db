// Package market answers whether the US equity market is open.
package market

import (
	"fmt"
	"time"
)

// DefaultTimezone is the exchange timezone.
const DefaultTimezone = "America/New_York"

// Config defines the trading session.
type Config struct {
	Timezone string   // e.g. "America/New_York"
	Open     string   // "HH:MM"
	Close    string   // "HH:MM"
	Holidays []string // "2006-01-02", exchange-local dates
}

// DefaultConfig is the regular NYSE session.
var DefaultConfig = Config{
	Timezone: DefaultTimezone,
	Open:     "09:30",
	Close:    "16:00",
}

// Hours is the market-hours oracle.
type Hours struct {
	loc      *time.Location
	openH    int
	openM    int
	closeH   int
	closeM   int
	holidays map[string]struct{}
}

// NewHours builds an oracle from cfg. Empty fields take DefaultConfig values.
func NewHours(cfg Config) (*Hours, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultConfig.Timezone
	}
	if cfg.Open == "" {
		cfg.Open = DefaultConfig.Open
	}
	if cfg.Close == "" {
		cfg.Close = DefaultConfig.Close
	}

	loc := loadLocation(cfg.Timezone)
	open, err := time.ParseInLocation("15:04", cfg.Open, loc)
	if err != nil {
		return nil, fmt.Errorf("market open %q: %w", cfg.Open, err)
	}
	closing, err := time.ParseInLocation("15:04", cfg.Close, loc)
	if err != nil {
		return nil, fmt.Errorf("market close %q: %w", cfg.Close, err)
	}
	if !open.Before(closing) {
		return nil, fmt.Errorf("market open %s must be before close %s", cfg.Open, cfg.Close)
	}

	h := &Hours{
		loc:      loc,
		openH:    open.Hour(),
		openM:    open.Minute(),
		closeH:   closing.Hour(),
		closeM:   closing.Minute(),
		holidays: make(map[string]struct{}, len(cfg.Holidays)),
	}
	for _, d := range cfg.Holidays {
		day, err := time.ParseInLocation("2006-01-02", d, loc)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", d, err)
		}
		h.holidays[day.Format("2006-01-02")] = struct{}{}
	}
	return h, nil
}

// MustNewHours is NewHours for configurations known to be valid.
func MustNewHours(cfg Config) *Hours {
	h, err := NewHours(cfg)
	if err != nil {
		panic(err)
	}
	return h
}

func loadLocation(tz string) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err == nil {
		return loc
	}
	// Try fallback to America/New_York
	if fallback, err2 := time.LoadLocation(DefaultTimezone); err2 == nil {
		return fallback
	}
	// Final fallback for minimal containers without tzdata
	return time.FixedZone("ET", -5*60*60)
}

// Location returns the exchange timezone.
func (h *Hours) Location() *time.Location { return h.loc }

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (h *Hours) IsTradingDay(t time.Time) bool {
	local := t.In(h.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	_, holiday := h.holidays[local.Format("2006-01-02")]
	return !holiday
}

// IsDuringMarketHours reports whether t is strictly inside the session:
// the opening and closing instants themselves are outside.
func (h *Hours) IsDuringMarketHours(t time.Time) bool {
	if !h.IsTradingDay(t) {
		return false
	}
	open, closing := h.session(t)
	return t.After(open) && t.Before(closing)
}

// UntilClose returns the time left in the session containing t, or zero
// outside market hours.
func (h *Hours) UntilClose(t time.Time) time.Duration {
	if !h.IsDuringMarketHours(t) {
		return 0
	}
	_, closing := h.session(t)
	return closing.Sub(t)
}

func (h *Hours) session(t time.Time) (time.Time, time.Time) {
	local := t.In(h.loc)
	y, m, d := local.Date()
	open := time.Date(y, m, d, h.openH, h.openM, 0, 0, h.loc)
	closing := time.Date(y, m, d, h.closeH, h.closeM, 0, 0, h.loc)
	return open, closing
}
