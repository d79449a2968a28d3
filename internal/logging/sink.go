package logging

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"usage_meter/internal/models"
)

// CostAuditRecord is written once per committed recompute
type CostAuditRecord struct {
	Timestamp      time.Time            `json:"timestamp"`
	MessageID      string               `json:"message_id"`
	UserID         string               `json:"user_id"`
	ConversationID string               `json:"conversation_id"`
	ModelID        string               `json:"model_id"`
	UsageDay       string               `json:"usage_day"`
	Trigger        string               `json:"trigger"`
	FirstRecompute bool                 `json:"first_recompute"`
	PreviousTotal  decimal.Decimal      `json:"previous_total"`
	NewTotal       decimal.Decimal      `json:"new_total"`
	Delta          decimal.Decimal      `json:"delta"`
	Anomalies      []string             `json:"anomalies,omitempty"`
	PricingSource  models.PricingSource `json:"pricing_source"`
}

// Sink receives audit records from the metering engine
type Sink interface {
	Enqueue(rec *CostAuditRecord) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards records
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(rec *CostAuditRecord) error {
	return nil
}

func (s *NoopSink) Shutdown(ctx context.Context) error {
	return nil
}
