package billing

import (
	"github.com/shopspring/decimal"

	"usage_meter/internal/models"
)

// DefaultPrecision is the number of fractional digits kept on total_cost
const DefaultPrecision int32 = 6

// Calculator prices usage counts. It is pure: same counts and snapshot,
// same breakdown, including the pricing source.
type Calculator struct {
	precision      int32
	tokensPerImage int64
}

// NewCalculator creates a calculator truncating totals to precision digits.
// tokensPerImage is recorded in the pricing source of heuristic breakdowns.
func NewCalculator(precision int32, tokensPerImage int64) *Calculator {
	return &Calculator{precision: precision, tokensPerImage: tokensPerImage}
}

// Precision returns the fractional digits kept on totals
func (c *Calculator) Precision() int32 {
	return c.precision
}

// Calculate returns the itemized cost of counts under snap
func (c *Calculator) Calculate(counts models.UsageCounts, snap models.PricingSnapshot) *models.CostBreakdown {
	b := &models.CostBreakdown{Usage: counts}

	quantities := map[models.Dimension]int64{
		models.DimensionPrompt:      counts.PromptTokens,
		models.DimensionCompletion:  counts.TextCompletionTokens,
		models.DimensionInputImage:  counts.InputImageUnits,
		models.DimensionOutputImage: counts.OutputImageTokens,
		models.DimensionWebSearch:   counts.WebSearchResults,
	}

	src := models.PricingSource{
		ModelID:            snap.ModelID,
		OverrideApplied:    snap.OverrideApplied(),
		CatalogUnavailable: snap.Degraded,
		Heuristic:          counts.Heuristic,
		Clamped:            counts.Clamped,
		Precision:          c.precision,
		Raw: models.RawCounts{
			PromptTokens:      counts.PromptTokens,
			CompletionTokens:  counts.CompletionTokens,
			InputImagesLinked: counts.InputImagesLinked,
			OutputImageUnits:  counts.OutputImageUnits,
			Annotations:       counts.AnnotationCount,
		},
	}
	if counts.Heuristic {
		src.TokensPerImage = c.tokensPerImage
	}

	costs := make(map[models.Dimension]decimal.Decimal, len(models.Dimensions))
	for _, d := range models.Dimensions {
		price := snap.Get(d)
		qty := quantities[d]

		costs[d] = price.Price.Mul(decimal.NewFromInt(qty))
		*src.Dimension(d) = models.DimensionSource{
			Basis:    price.Basis,
			Price:    price.Price,
			Quantity: qty,
		}
	}

	b.PromptCost = costs[models.DimensionPrompt]
	b.CompletionCost = costs[models.DimensionCompletion]
	b.InputImageCost = costs[models.DimensionInputImage]
	b.OutputImageCost = costs[models.DimensionOutputImage]
	b.WebSearchCost = costs[models.DimensionWebSearch]
	b.TotalCost = b.ComponentSum().Truncate(c.precision)
	b.PricingSource = src

	return b
}
