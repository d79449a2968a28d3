package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DayLayout is the wire format of a usage day
const DayLayout = "2006-01-02"

// UsageDay truncates t to its UTC calendar day
func UsageDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseUsageDay parses a YYYY-MM-DD day
func ParseUsageDay(s string) (time.Time, error) {
	day, err := time.ParseInLocation(DayLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid usage day %q: %w", s, err)
	}
	return day, nil
}

// UsageCounts are the raw consumption counts of one assistant message
type UsageCounts struct {
	PromptTokens         int64 `json:"prompt_tokens"`
	CompletionTokens     int64 `json:"completion_tokens"`
	OutputImageTokens    int64 `json:"output_image_tokens"`
	TextCompletionTokens int64 `json:"text_completion_tokens"`

	// Billable units after caps
	InputImageUnits  int64 `json:"input_image_units"`
	OutputImageUnits int64 `json:"output_image_units"`
	WebSearchResults int64 `json:"websearch_results"`

	// Observed counts before caps
	InputImagesLinked int64 `json:"input_images_linked"`
	AnnotationCount   int64 `json:"annotation_count"`

	// Heuristic is set when OutputImageTokens was inferred from attachments
	Heuristic bool `json:"heuristic"`
	// Clamped is set when completion tokens were lower than output image tokens
	Clamped bool `json:"clamped"`
}

//
// DailyUsage (daily_usage table)
//

// DailyUsage is the per-user-per-day rollup. Volume counters are written once
// per message; EstimatedCost is delta-corrected on every recompute.
type DailyUsage struct {
	UserID string    `db:"user_id" json:"user_id"`
	Day    time.Time `db:"usage_day" json:"day"`

	MessageCount         int64 `db:"message_count" json:"message_count"`
	PromptTokens         int64 `db:"prompt_tokens" json:"prompt_tokens"`
	TextCompletionTokens int64 `db:"text_completion_tokens" json:"text_completion_tokens"`
	OutputImageTokens    int64 `db:"output_image_tokens" json:"output_image_tokens"`
	InputImages          int64 `db:"input_images" json:"input_images"`
	OutputImages         int64 `db:"output_images" json:"output_images"`
	WebSearchResults     int64 `db:"websearch_results" json:"websearch_results"`

	EstimatedCost decimal.Decimal `db:"estimated_cost" json:"estimated_cost"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// NewDailyUsage returns an empty rollup for (userID, day)
func NewDailyUsage(userID string, day time.Time) *DailyUsage {
	return &DailyUsage{
		UserID:        userID,
		Day:           UsageDay(day),
		EstimatedCost: decimal.Zero,
	}
}

// AddVolume adds the message's counters to the rollup
func (d *DailyUsage) AddVolume(u UsageCounts) {
	d.MessageCount++
	d.PromptTokens += u.PromptTokens
	d.TextCompletionTokens += u.TextCompletionTokens
	d.OutputImageTokens += u.OutputImageTokens
	d.InputImages += u.InputImageUnits
	d.OutputImages += u.OutputImageUnits
	d.WebSearchResults += u.WebSearchResults
}
