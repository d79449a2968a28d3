package models

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DimensionSource records the price and quantity billed on one dimension
type DimensionSource struct {
	Basis    PricingBasis    `json:"basis"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// RawCounts are the observed counts before caps and corrections
type RawCounts struct {
	PromptTokens      int64 `json:"prompt_tokens"`
	CompletionTokens  int64 `json:"completion_tokens"`
	InputImagesLinked int64 `json:"input_images_linked"`
	OutputImageUnits  int64 `json:"output_image_units"`
	Annotations       int64 `json:"annotations"`
}

// PricingSource is the audit trail of a computed breakdown. It holds no
// timestamps, so identical inputs produce identical sources.
type PricingSource struct {
	ModelID string `json:"model_id"`

	Prompt      DimensionSource `json:"prompt"`
	Completion  DimensionSource `json:"completion"`
	InputImage  DimensionSource `json:"input_image"`
	OutputImage DimensionSource `json:"output_image"`
	WebSearch   DimensionSource `json:"websearch"`

	OverrideApplied    bool      `json:"override_applied"`
	CatalogUnavailable bool      `json:"catalog_unavailable,omitempty"`
	Heuristic          bool      `json:"heuristic"`
	TokensPerImage     int64     `json:"tokens_per_image,omitempty"`
	Clamped            bool      `json:"clamped"`
	Precision          int32     `json:"precision"`
	Raw                RawCounts `json:"raw"`
}

// Dimension returns the source entry for d
func (s *PricingSource) Dimension(d Dimension) *DimensionSource {
	switch d {
	case DimensionPrompt:
		return &s.Prompt
	case DimensionCompletion:
		return &s.Completion
	case DimensionInputImage:
		return &s.InputImage
	case DimensionOutputImage:
		return &s.OutputImage
	case DimensionWebSearch:
		return &s.WebSearch
	}
	return nil
}

func (s PricingSource) Value() (driver.Value, error) {
	return jsonbValue(s)
}

func (s *PricingSource) Scan(value any) error {
	return jsonbScan(value, s)
}

// CostBreakdown is the calculator output for one assistant message
type CostBreakdown struct {
	Usage UsageCounts

	PromptCost      decimal.Decimal
	CompletionCost  decimal.Decimal
	InputImageCost  decimal.Decimal
	OutputImageCost decimal.Decimal
	WebSearchCost   decimal.Decimal
	TotalCost       decimal.Decimal

	PricingSource PricingSource
}

// ComponentSum is the untruncated sum of the five component costs
func (b *CostBreakdown) ComponentSum() decimal.Decimal {
	return b.PromptCost.
		Add(b.CompletionCost).
		Add(b.InputImageCost).
		Add(b.OutputImageCost).
		Add(b.WebSearchCost)
}

//
// CostRecord (message_costs table)
//

// CostRecord is the ledger entry of an assistant message. It is a cache of
// the latest computation, replaced wholesale on every recompute.
type CostRecord struct {
	ID             uuid.UUID `db:"id" json:"id"`
	MessageID      string    `db:"message_id" json:"message_id"`
	UserMessageID  *string   `db:"user_message_id" json:"user_message_id,omitempty"`
	UserID         string    `db:"user_id" json:"user_id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	ModelID        string    `db:"model_id" json:"model_id"`
	UsageDay       time.Time `db:"usage_day" json:"usage_day"`

	PromptTokens         int64           `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens     int64           `db:"completion_tokens" json:"completion_tokens"`
	TextCompletionTokens int64           `db:"text_completion_tokens" json:"text_completion_tokens"`
	PromptCost           decimal.Decimal `db:"prompt_cost" json:"prompt_cost"`
	CompletionCost       decimal.Decimal `db:"completion_cost" json:"completion_cost"`

	InputImageUnits int64           `db:"input_image_units" json:"input_image_units"`
	InputImageCost  decimal.Decimal `db:"input_image_cost" json:"input_image_cost"`

	OutputImageTokens int64           `db:"output_image_tokens" json:"output_image_tokens"`
	OutputImageUnits  int64           `db:"output_image_units" json:"output_image_units"`
	OutputImageCost   decimal.Decimal `db:"output_image_cost" json:"output_image_cost"`

	WebSearchResults int64           `db:"websearch_results" json:"websearch_results"`
	WebSearchCost    decimal.Decimal `db:"websearch_cost" json:"websearch_cost"`

	TotalCost decimal.Decimal `db:"total_cost" json:"total_cost"`

	Heuristic     bool          `db:"heuristic" json:"heuristic"`
	PricingSource PricingSource `db:"pricing_source" json:"pricing_source"`

	RecomputeCount int       `db:"recompute_count" json:"recompute_count"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// NewCostRecord returns an empty ledger entry for an assistant message
func NewCostRecord(msg *Message) *CostRecord {
	return &CostRecord{
		ID:             uuid.New(),
		MessageID:      msg.ID,
		UserMessageID:  msg.PairedUserMessageID,
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		ModelID:        msg.ModelID,
		UsageDay:       msg.UsageDay(),
		TotalCost:      decimal.Zero,
	}
}

// Apply replaces every computed field with the breakdown's values
func (r *CostRecord) Apply(b *CostBreakdown) {
	r.PromptTokens = b.Usage.PromptTokens
	r.CompletionTokens = b.Usage.CompletionTokens
	r.TextCompletionTokens = b.Usage.TextCompletionTokens
	r.PromptCost = b.PromptCost
	r.CompletionCost = b.CompletionCost

	r.InputImageUnits = b.Usage.InputImageUnits
	r.InputImageCost = b.InputImageCost

	r.OutputImageTokens = b.Usage.OutputImageTokens
	r.OutputImageUnits = b.Usage.OutputImageUnits
	r.OutputImageCost = b.OutputImageCost

	r.WebSearchResults = b.Usage.WebSearchResults
	r.WebSearchCost = b.WebSearchCost

	r.TotalCost = b.TotalCost
	r.Heuristic = b.Usage.Heuristic
	r.PricingSource = b.PricingSource
}

// ComponentSum is the untruncated sum of the stored component costs
func (r *CostRecord) ComponentSum() decimal.Decimal {
	return r.PromptCost.
		Add(r.CompletionCost).
		Add(r.InputImageCost).
		Add(r.OutputImageCost).
		Add(r.WebSearchCost)
}
