package billing

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_meter/internal/models"
	"usage_meter/internal/pricing"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

// imageModelPricing is the catalog entry of an image-capable chat model
func imageModelPricing() *models.ModelPricing {
	return &models.ModelPricing{
		ModelID:          "image-model",
		PromptPrice:      dp("0.0000003"),
		CompletionPrice:  dp("0.0000025"),
		OutputImagePrice: dp("0.00003"),
	}
}

func imageMessageCounts() models.UsageCounts {
	return models.UsageCounts{
		PromptTokens:         303,
		CompletionTokens:     2624,
		OutputImageTokens:    2580,
		TextCompletionTokens: 44,
		OutputImageUnits:     1,
	}
}

func TestCalculate_ImageMessage(t *testing.T) {
	snap := pricing.Snapshot("image-model", imageModelPricing(), nil)

	b := NewCalculator(7, 1).Calculate(imageMessageCounts(), snap)

	assert.True(t, b.PromptCost.Equal(dec("0.0000909")), "prompt cost %s", b.PromptCost)
	assert.True(t, b.CompletionCost.Equal(dec("0.00011")), "completion cost %s", b.CompletionCost)
	assert.True(t, b.OutputImageCost.Equal(dec("0.0774")), "output image cost %s", b.OutputImageCost)
	assert.True(t, b.InputImageCost.IsZero())
	assert.True(t, b.WebSearchCost.IsZero())
	assert.True(t, b.TotalCost.Equal(dec("0.0776009")), "total %s", b.TotalCost)

	assert.Equal(t, models.BasisCatalog, b.PricingSource.OutputImage.Basis)
	assert.Equal(t, models.BasisMissing, b.PricingSource.InputImage.Basis)
	assert.Equal(t, int64(44), b.PricingSource.Completion.Quantity)
	assert.Equal(t, int64(2624), b.PricingSource.Raw.CompletionTokens)
	assert.False(t, b.PricingSource.OverrideApplied)
}

func TestCalculate_TruncatesTotal(t *testing.T) {
	snap := pricing.Snapshot("image-model", imageModelPricing(), nil)

	calc := NewCalculator(DefaultPrecision, 1)
	b := calc.Calculate(imageMessageCounts(), snap)

	assert.Equal(t, int32(6), calc.Precision())
	assert.Equal(t, calc.Precision(), b.PricingSource.Precision)
	assert.True(t, b.TotalCost.Equal(dec("0.0776")), "total %s", b.TotalCost)
	assert.Equal(t, "0.077600", b.TotalCost.StringFixed(DefaultPrecision))
	assert.True(t, b.ComponentSum().Sub(b.TotalCost).Abs().LessThan(dec("0.000001")))
}

func TestCalculate_CappedInputImages(t *testing.T) {
	p := imageModelPricing()
	p.InputImagePrice = dp("0.001")
	snap := pricing.Snapshot("image-model", p, nil)

	counts := models.UsageCounts{InputImagesLinked: 5, InputImageUnits: 3}
	b := NewCalculator(DefaultPrecision, 1).Calculate(counts, snap)

	assert.True(t, b.InputImageCost.Equal(dec("0.003")))
	assert.Equal(t, int64(3), b.PricingSource.InputImage.Quantity)
	assert.Equal(t, int64(5), b.PricingSource.Raw.InputImagesLinked)
}

func TestCalculate_OverrideBasis(t *testing.T) {
	p := imageModelPricing()
	p.OutputImagePrice = dp("0")
	overrides := pricing.Overrides{
		"image-model": {models.DimensionOutputImage: dec("0.00003")},
	}
	snap := pricing.Snapshot("image-model", p, overrides)

	b := NewCalculator(DefaultPrecision, 1).Calculate(imageMessageCounts(), snap)

	assert.Equal(t, models.BasisOverride, b.PricingSource.OutputImage.Basis)
	assert.True(t, b.PricingSource.OutputImage.Price.Equal(dec("0.00003")))
	assert.True(t, b.OutputImageCost.Equal(dec("0.0774")))
	assert.True(t, b.PricingSource.OverrideApplied)
}

func TestCalculate_ClampedCompletion(t *testing.T) {
	snap := pricing.Snapshot("image-model", imageModelPricing(), nil)
	counts := models.UsageCounts{
		CompletionTokens:  10,
		OutputImageTokens: 50,
		Clamped:           true,
	}

	b := NewCalculator(DefaultPrecision, 1).Calculate(counts, snap)

	assert.True(t, b.CompletionCost.IsZero())
	assert.True(t, b.PricingSource.Clamped)
	assert.Equal(t, int64(0), b.PricingSource.Completion.Quantity)
}

func TestCalculate_HeuristicRecordsTokensPerImage(t *testing.T) {
	snap := pricing.Snapshot("image-model", imageModelPricing(), nil)

	plain := NewCalculator(DefaultPrecision, 4).Calculate(imageMessageCounts(), snap)
	assert.Zero(t, plain.PricingSource.TokensPerImage)

	counts := models.UsageCounts{OutputImageTokens: 8, OutputImageUnits: 2, Heuristic: true}
	b := NewCalculator(DefaultPrecision, 4).Calculate(counts, snap)
	assert.True(t, b.PricingSource.Heuristic)
	assert.Equal(t, int64(4), b.PricingSource.TokensPerImage)
}

func TestCalculate_UnknownModelIsFree(t *testing.T) {
	snap := pricing.Snapshot("unknown", nil, nil)

	b := NewCalculator(DefaultPrecision, 1).Calculate(imageMessageCounts(), snap)

	assert.True(t, b.TotalCost.IsZero())
	for _, dim := range models.Dimensions {
		assert.Equal(t, models.BasisMissing, b.PricingSource.Dimension(dim).Basis, "dimension %s", dim)
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	snap := pricing.Snapshot("image-model", imageModelPricing(), pricing.DefaultOverrides())
	calc := NewCalculator(DefaultPrecision, 1)

	first, err := json.Marshal(calc.Calculate(imageMessageCounts(), snap).PricingSource)
	require.NoError(t, err)
	second, err := json.Marshal(calc.Calculate(imageMessageCounts(), snap).PricingSource)
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
}
