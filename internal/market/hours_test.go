package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestIsDuringMarketHours(t *testing.T) {
	loc := newYork(t)
	hours, err := NewHours(Config{Holidays: []string{"2024-07-04"}})
	require.NoError(t, err)

	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"midday", time.Date(2024, 7, 3, 12, 0, 0, 0, loc), true},
		{"exactly open", time.Date(2024, 7, 3, 9, 30, 0, 0, loc), false},
		{"just after open", time.Date(2024, 7, 3, 9, 30, 0, 1, loc), true},
		{"just before close", time.Date(2024, 7, 3, 15, 59, 59, 0, loc), true},
		{"exactly close", time.Date(2024, 7, 3, 16, 0, 0, 0, loc), false},
		{"pre-market", time.Date(2024, 7, 3, 8, 0, 0, 0, loc), false},
		{"saturday", time.Date(2024, 7, 6, 12, 0, 0, 0, loc), false},
		{"sunday", time.Date(2024, 7, 7, 12, 0, 0, 0, loc), false},
		{"holiday", time.Date(2024, 7, 4, 12, 0, 0, 0, loc), false},
		{"utc instant inside session", time.Date(2024, 7, 3, 15, 0, 0, 0, time.UTC), true},
		{"utc instant after close", time.Date(2024, 7, 3, 21, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hours.IsDuringMarketHours(tt.t); got != tt.want {
				t.Errorf("IsDuringMarketHours(%s) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestUntilClose(t *testing.T) {
	loc := newYork(t)
	hours := MustNewHours(DefaultConfig)

	assert.Equal(t, 30*time.Minute, hours.UntilClose(time.Date(2024, 7, 3, 15, 30, 0, 0, loc)))
	assert.Zero(t, hours.UntilClose(time.Date(2024, 7, 3, 17, 0, 0, 0, loc)))
}

func TestNewHours_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad open", Config{Open: "9h"}},
		{"bad close", Config{Close: "25:00"}},
		{"open after close", Config{Open: "16:00", Close: "09:30"}},
		{"bad holiday", Config{Holidays: []string{"July 4"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHours(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewHours_UnknownTimezoneFallsBack(t *testing.T) {
	hours, err := NewHours(Config{Timezone: "Mars/Olympus_Mons"})
	require.NoError(t, err)
	assert.NotNil(t, hours.Location())
}
