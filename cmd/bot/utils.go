package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/theta_engine/internal/config"
	"github.com/eddiefleurent/theta_engine/internal/models"
)

// positionNamespace scopes the IDs of configured paper positions.
var positionNamespace = uuid.MustParse("0b6d8f7e-3c1a-5e4b-9a2f-6c7d8e9f0a1b")

// shortID returns a truncated ID string, safely handling IDs shorter than 8 characters
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// positionFromConfig builds a security from a configured paper position.
// The ID is derived from the contract, so restarting with the same config
// yields the same IDs.
func positionFromConfig(tickers *models.TickerRegistry, p config.PositionConfig) (models.Security, error) {
	ticker := tickers.Intern(p.Symbol)
	kind := strings.ToUpper(strings.TrimSpace(p.Type))

	if kind == string(models.SecurityTypeStock) {
		id := uuid.NewSHA1(positionNamespace, []byte(kind+":"+ticker.Symbol()))
		return models.NewStock(id, ticker, p.Quantity, p.Price), nil
	}

	expiration, err := time.Parse("2006-01-02", p.Expiration)
	if err != nil {
		return models.Security{}, fmt.Errorf("expiration %q: %w", p.Expiration, err)
	}
	contract := fmt.Sprintf("%s:%s:%.4f:%s", kind, ticker.Symbol(), p.Strike, p.Expiration)
	id := uuid.NewSHA1(positionNamespace, []byte(contract))
	return models.NewOption(id, ticker, models.SecurityType(kind), p.Quantity, p.Strike, expiration)
}
