// Package storage journals reversal attempts.
package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/theta_engine/internal/models"
)

// Outcome is how a reversal attempt ended.
type Outcome string

// Reversal outcomes.
const (
	OutcomeFilled    Outcome = "FILLED"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeRefused   Outcome = "REFUSED"
)

// ReversalRecord is one completed reversal attempt.
type ReversalRecord struct {
	OrderID       uuid.UUID              `json:"order_id"`
	BrokerID      string                 `json:"broker_id,omitempty"`
	Ticker        models.Ticker          `json:"ticker"`
	Action        models.ExecutionAction `json:"action"`
	Quantity      int64                  `json:"quantity"`
	ExecutionType models.ExecutionType   `json:"execution_type"`
	LimitPrice    *float64               `json:"limit_price,omitempty"`
	Outcome       Outcome                `json:"outcome"`
	FillPrice     float64                `json:"fill_price,omitempty"`
	Commission    float64                `json:"commission,omitempty"`
	Conversions   int                    `json:"conversions,omitempty"`
	Error         string                 `json:"error,omitempty"`
	SubmittedAt   time.Time              `json:"submitted_at"`
	CompletedAt   time.Time              `json:"completed_at"`
}

// Validate checks the fields every record must carry.
func (r ReversalRecord) Validate() error {
	switch {
	case r.Ticker.IsZero():
		return invalid("ticker is empty")
	case r.Quantity <= 0:
		return invalid("quantity must be positive")
	case r.Outcome == "":
		return invalid("outcome is empty")
	}
	return nil
}

// Statistics aggregates the journal.
type Statistics struct {
	TotalReversals  int       `json:"total_reversals"`
	Filled          int       `json:"filled"`
	Cancelled       int       `json:"cancelled"`
	Failed          int       `json:"failed"`
	Refused         int       `json:"refused"`
	FillRate        float64   `json:"fill_rate"`
	SharesBought    int64     `json:"shares_bought"`
	SharesSold      int64     `json:"shares_sold"`
	TotalCommission float64   `json:"total_commission"`
	Conversions     int       `json:"conversions"`
	LastReversal    time.Time `json:"last_reversal"`
}

// Interface defines the contract for the reversal journal.
//
// Implementations must be safe for concurrent use.
type Interface interface {
	RecordReversal(rec ReversalRecord) error
	GetReversals() []ReversalRecord
	GetReversalsForTicker(ticker models.Ticker) []ReversalRecord
	GetStatistics() *Statistics

	// Data persistence
	Save() error
	Load() error
}

// NewStorage creates the JSON file journal at path.
func NewStorage(path string) (Interface, error) {
	return NewJSONStorage(path)
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)

// updateStatistics folds rec into stats.
func updateStatistics(stats *Statistics, rec ReversalRecord) {
	stats.TotalReversals++
	stats.Conversions += rec.Conversions
	stats.TotalCommission += rec.Commission

	switch rec.Outcome {
	case OutcomeFilled:
		stats.Filled++
		if rec.Action == models.ActionBuy {
			stats.SharesBought += rec.Quantity
		} else {
			stats.SharesSold += rec.Quantity
		}
	case OutcomeCancelled:
		stats.Cancelled++
	case OutcomeRefused:
		stats.Refused++
	default:
		stats.Failed++
	}

	if stats.TotalReversals > 0 {
		stats.FillRate = float64(stats.Filled) / float64(stats.TotalReversals)
	}
	if rec.CompletedAt.After(stats.LastReversal) {
		stats.LastReversal = rec.CompletedAt
	}
}

func copyRecords(records []ReversalRecord, keep func(ReversalRecord) bool) []ReversalRecord {
	out := make([]ReversalRecord, 0, len(records))
	for _, r := range records {
		if keep != nil && !keep(r) {
			continue
		}
		if r.LimitPrice != nil {
			limit := *r.LimitPrice
			r.LimitPrice = &limit
		}
		out = append(out, r)
	}
	return out
}
