package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"usage_meter/internal/models"
	"usage_meter/internal/storage"
)

// Diff is what one ledger write changed
type Diff struct {
	Record   *models.CostRecord
	Previous decimal.Decimal
	New      decimal.Decimal
	Delta    decimal.Decimal
	// First is set when the message had no ledger entry before this write
	First bool
}

// Ledger owns the per-message cost records
type Ledger struct {
	now func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

// UpsertAndDiff replaces the message's cost record with b and returns the
// difference to the previous total. It must run inside the message's Tx.
func (l *Ledger) UpsertAndDiff(ctx context.Context, tx storage.Tx, msg *models.Message, b *models.CostBreakdown) (*Diff, error) {
	diff := &Diff{Previous: decimal.Zero}

	rec, err := tx.GetCostRecord(ctx, msg.ID)
	switch {
	case errors.Is(err, storage.ErrCostRecordNotFound):
		rec = models.NewCostRecord(msg)
		diff.First = true
	case err != nil:
		return nil, fmt.Errorf("failed to load cost record: %w", err)
	default:
		diff.Previous = rec.TotalCost
	}

	rec.Apply(b)

	now := l.now().UTC()
	if diff.First {
		rec.CreatedAt = now
	}
	rec.RecomputeCount++
	rec.UpdatedAt = now

	if err := tx.UpsertCostRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to write cost record: %w", err)
	}

	diff.Record = rec
	diff.New = rec.TotalCost
	diff.Delta = diff.New.Sub(diff.Previous)

	return diff, nil
}
