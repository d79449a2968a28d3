package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"usage_meter/internal/models"
	"usage_meter/internal/storage"
)

// AggregateResult reports what ApplyDelta did to the daily rollup
type AggregateResult struct {
	// Daily is nil when nothing needed writing
	Daily *models.DailyUsage
	// Underflow is set when the delta would have driven the cost below zero
	Underflow bool
	// Unclamped is the cost the delta would have produced
	Unclamped decimal.Decimal
}

// Aggregator applies ledger deltas to per-user-per-day rollups
type Aggregator struct {
	now func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{now: time.Now}
}

// ApplyDelta adds delta to the day's estimated cost. Volume counters are
// added only on the message's first recompute. Must run inside the message's Tx.
func (a *Aggregator) ApplyDelta(ctx context.Context, tx storage.Tx, userID string, day time.Time, counts models.UsageCounts, delta decimal.Decimal, first bool) (*AggregateResult, error) {
	result := &AggregateResult{}

	if !first && delta.IsZero() {
		return result, nil
	}

	daily, err := tx.LockDailyUsage(ctx, userID, models.UsageDay(day))
	if err != nil {
		return nil, fmt.Errorf("failed to lock daily usage: %w", err)
	}

	if first {
		daily.AddVolume(counts)
	}

	cost := daily.EstimatedCost.Add(delta)
	result.Unclamped = cost
	if cost.IsNegative() {
		result.Underflow = true
		cost = decimal.Zero
	}
	daily.EstimatedCost = cost
	daily.UpdatedAt = a.now().UTC()

	if err := tx.SaveDailyUsage(ctx, daily); err != nil {
		return nil, fmt.Errorf("failed to save daily usage: %w", err)
	}

	result.Daily = daily
	return result, nil
}
