package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

var testExpiry = time.Date(2020, 5, 29, 0, 0, 0, 0, time.UTC)

func mustOption(t *testing.T, ticker Ticker, st SecurityType, qty int64, strike float64, exp time.Time) Security {
	t.Helper()
	sec, err := NewOption(uuid.New(), ticker, st, qty, strike, exp)
	if err != nil {
		t.Fatalf("NewOption: %v", err)
	}
	return sec
}

func mustTheta(t *testing.T, ticker Ticker, stockQty, contracts int64, strike float64) Theta {
	t.Helper()
	call := mustOption(t, ticker, SecurityTypeCall, -contracts, strike, testExpiry)
	put := mustOption(t, ticker, SecurityTypePut, -contracts, strike, testExpiry)
	straddle, err := NewShortStraddle(call, put)
	if err != nil {
		t.Fatalf("NewShortStraddle: %v", err)
	}
	theta, err := NewTheta(NewStock(uuid.New(), ticker, stockQty, strike-0.5), straddle)
	if err != nil {
		t.Fatalf("NewTheta: %v", err)
	}
	return theta
}
