package models

import (
	"github.com/shopspring/decimal"
)

//
// Pricing enums (stored as TEXT in Postgres)
//

type PricingDirection string
type PricingModality string
type PricingUnit string

const (
	PricingDirectionInput  PricingDirection = "input"
	PricingDirectionOutput PricingDirection = "output"
	PricingDirectionTool   PricingDirection = "tool"

	PricingModalityText  PricingModality = "text"
	PricingModalityImage PricingModality = "image"
	PricingModalityTool  PricingModality = "tool"

	PricingUnitToken    PricingUnit = "token"
	PricingUnit1KTokens PricingUnit = "1k_tokens"
	PricingUnit1MTokens PricingUnit = "1m_tokens"
	PricingUnitImage    PricingUnit = "image"
	PricingUnitQuery    PricingUnit = "query"
	PricingUnitResult   PricingUnit = "result"

	// PricingTierDefault is preferred when a model declares several tiers
	PricingTierDefault = "default"
)

//
// PricingComponent (pricing_components table)
//

type PricingComponent struct {
	ID      string `db:"id" json:"id"`
	ModelID string `db:"model_id" json:"model_id"`

	// Business identifier (e.g. "output_image_default")
	Code string `db:"code" json:"code"`

	Direction PricingDirection `db:"direction" json:"direction"`
	Modality  PricingModality  `db:"modality" json:"modality"`
	Unit      PricingUnit      `db:"unit" json:"unit"`
	Tier      *string          `db:"tier" json:"tier,omitempty"`

	Price decimal.Decimal `db:"price" json:"price"`
}

// Dimension maps the component onto a billing dimension
func (c *PricingComponent) Dimension() (Dimension, bool) {
	switch {
	case c.Direction == PricingDirectionInput && c.Modality == PricingModalityText:
		return DimensionPrompt, true
	case c.Direction == PricingDirectionOutput && c.Modality == PricingModalityText:
		return DimensionCompletion, true
	case c.Direction == PricingDirectionInput && c.Modality == PricingModalityImage:
		return DimensionInputImage, true
	case c.Direction == PricingDirectionOutput && c.Modality == PricingModalityImage:
		return DimensionOutputImage, true
	case c.Direction == PricingDirectionTool && c.Modality == PricingModalityTool:
		return DimensionWebSearch, true
	}
	return "", false
}

// UnitPrice normalizes the price to a single unit (token, image, result)
func (c *PricingComponent) UnitPrice() decimal.Decimal {
	switch c.Unit {
	case PricingUnit1KTokens:
		return c.Price.Div(decimal.NewFromInt(1_000))
	case PricingUnit1MTokens:
		return c.Price.Div(decimal.NewFromInt(1_000_000))
	default:
		return c.Price
	}
}

func (c *PricingComponent) isDefaultTier() bool {
	return c.Tier == nil || *c.Tier == PricingTierDefault
}
