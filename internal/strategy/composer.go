// Package strategy composes held securities into monitorable hedge
// strategies.
package strategy

import (
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/models"
)

// Composer matches calls, puts and stock into Thetas. It holds no state
// between calls, so composing the same inputs again yields the same result.
type Composer struct {
	logger *logrus.Entry
}

// NewComposer creates a composer. A nil logger uses the standard logger.
func NewComposer(logger *logrus.Logger) *Composer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Composer{logger: logger.WithField("component", "composer")}
}

// Compose pairs each call with a put of identical ticker, strike and
// expiration, finds stock covering the straddle and returns the resulting
// Thetas. Unmatched input is logged and left out; partially accumulated
// portfolios are expected and never an error.
//
// Stock quantity is consumed as Thetas are built, so a single stock
// position is never allocated beyond its size within one call. Each put
// is paired at most once.
func (c *Composer) Compose(stocks, calls, puts []models.Security) []models.Theta {
	remaining := make(map[uuid.UUID]int64, len(stocks))
	for _, s := range stocks {
		remaining[s.ID] = s.AbsQuantity()
	}
	usedPuts := make(map[uuid.UUID]bool, len(puts))

	var thetas []models.Theta
	for _, call := range calls {
		put, ok := c.matchPut(call, puts, usedPuts)
		if !ok {
			continue
		}

		straddle, err := models.NewShortStraddle(call, put)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"call":  call.String(),
				"put":   put.String(),
				"error": err,
			}).Warn("Call and put cannot form a straddle, skipping")
			continue
		}
		if !straddle.IsShort() {
			c.logger.WithField("straddle", call.String()).Warn("Straddle legs are not both short")
		}

		stock, ok := c.coveringStock(straddle, stocks, remaining)
		if !ok {
			c.logger.WithFields(logrus.Fields{
				"ticker":    straddle.Ticker(),
				"contracts": straddle.Quantity(),
				"call":      call.String(),
				"put":       put.String(),
				"stocks":    describe(stocks),
			}).Warn("No stock covers straddle, dropping until a covering position appears")
			continue
		}

		adjusted, err := models.AdjustQuantity(stock, models.SharesPerContract*straddle.Quantity())
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"stock": stock.String(),
				"error": err,
			}).Warn("Stock adjustment refused")
			continue
		}

		theta, err := models.NewTheta(adjusted, straddle)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"stock": adjusted.String(),
				"error": err,
			}).Warn("Theta construction failed")
			continue
		}

		usedPuts[put.ID] = true
		remaining[stock.ID] -= adjusted.AbsQuantity()
		thetas = append(thetas, theta)
		c.logger.WithField("theta", theta.String()).Debug("Composed theta")
	}
	return thetas
}

func (c *Composer) matchPut(call models.Security, puts []models.Security, used map[uuid.UUID]bool) (models.Security, bool) {
	var matches []models.Security
	for _, p := range puts {
		if used[p.ID] {
			continue
		}
		if p.Ticker == call.Ticker && p.Price == call.Price && p.Expiration.Equal(call.Expiration) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		c.logger.WithFields(logrus.Fields{
			"call": call.String(),
			"puts": describe(puts),
		}).Debug("No put matches call, leaving it uncombined")
		return models.Security{}, false
	case 1:
	default:
		c.logger.WithFields(logrus.Fields{
			"call":    call.String(),
			"matches": describe(matches),
		}).Warn("Multiple puts match call, using the first")
	}
	return matches[0], true
}

func (c *Composer) coveringStock(straddle models.ShortStraddle, stocks []models.Security, remaining map[uuid.UUID]int64) (models.Security, bool) {
	for _, s := range stocks {
		if s.Ticker != straddle.Ticker() || s.Type != models.SecurityTypeStock {
			continue
		}
		avail := remaining[s.ID]
		if avail/models.SharesPerContract >= straddle.Quantity() {
			return s.WithQuantity(signOf(s.Quantity) * avail), true
		}
	}
	return models.Security{}, false
}

// ConsolidateStock merges the stock legs of thetas that share a stock
// position: quantities are summed and prices averaged. The result is sorted
// by ticker so one reversal can be issued per physical position.
func ConsolidateStock(thetas []models.Theta) []models.Security {
	type agg struct {
		sec      models.Security
		priceSum float64
		count    int
	}
	byID := make(map[uuid.UUID]*agg)
	var order []uuid.UUID
	for _, t := range thetas {
		s := t.Stock
		a, ok := byID[s.ID]
		if !ok {
			byID[s.ID] = &agg{sec: s, priceSum: s.Price, count: 1}
			order = append(order, s.ID)
			continue
		}
		a.sec.Quantity += s.Quantity
		a.priceSum += s.Price
		a.count++
	}

	out := make([]models.Security, 0, len(order))
	for _, id := range order {
		a := byID[id]
		a.sec.Price = a.priceSum / float64(a.count)
		out = append(out, a.sec)
	}
	slices.SortStableFunc(out, func(a, b models.Security) int {
		return a.Ticker.Compare(b.Ticker)
	})
	return out
}

func describe(secs []models.Security) []string {
	out := make([]string, len(secs))
	for i, s := range secs {
		out[i] = s.String()
	}
	return out
}

func signOf(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}
