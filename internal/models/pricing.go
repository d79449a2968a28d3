package models

import (
	"github.com/shopspring/decimal"
)

// Dimension is one billable axis of a chat exchange
type Dimension string

// PricingBasis records where a unit price came from
type PricingBasis string

const (
	DimensionPrompt      Dimension = "prompt"
	DimensionCompletion  Dimension = "completion"
	DimensionInputImage  Dimension = "input_image"
	DimensionOutputImage Dimension = "output_image"
	DimensionWebSearch   Dimension = "websearch"

	BasisCatalog  PricingBasis = "catalog"
	BasisOverride PricingBasis = "override"
	BasisMissing  PricingBasis = "missing"
)

// Dimensions lists every billable dimension in a stable order
var Dimensions = []Dimension{
	DimensionPrompt,
	DimensionCompletion,
	DimensionInputImage,
	DimensionOutputImage,
	DimensionWebSearch,
}

// Valid reports whether d is a known dimension
func (d Dimension) Valid() bool {
	for _, known := range Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

// ModelPricing is the catalog's declared per-unit prices for a model.
// A nil price means the catalog does not declare that dimension.
type ModelPricing struct {
	ModelID              string           `json:"model_id"`
	PromptPrice          *decimal.Decimal `json:"prompt_price,omitempty"`
	CompletionPrice      *decimal.Decimal `json:"completion_price,omitempty"`
	InputImagePrice      *decimal.Decimal `json:"input_image_price,omitempty"`
	OutputImagePrice     *decimal.Decimal `json:"output_image_price,omitempty"`
	WebSearchResultPrice *decimal.Decimal `json:"websearch_result_price,omitempty"`
}

// Price returns the declared price for d, or nil
func (p *ModelPricing) Price(d Dimension) *decimal.Decimal {
	if p == nil {
		return nil
	}
	switch d {
	case DimensionPrompt:
		return p.PromptPrice
	case DimensionCompletion:
		return p.CompletionPrice
	case DimensionInputImage:
		return p.InputImagePrice
	case DimensionOutputImage:
		return p.OutputImagePrice
	case DimensionWebSearch:
		return p.WebSearchResultPrice
	}
	return nil
}

// SetPrice sets the declared price for d
func (p *ModelPricing) SetPrice(d Dimension, price decimal.Decimal) {
	switch d {
	case DimensionPrompt:
		p.PromptPrice = &price
	case DimensionCompletion:
		p.CompletionPrice = &price
	case DimensionInputImage:
		p.InputImagePrice = &price
	case DimensionOutputImage:
		p.OutputImagePrice = &price
	case DimensionWebSearch:
		p.WebSearchResultPrice = &price
	}
}

// DimensionPrice is a resolved unit price and its provenance
type DimensionPrice struct {
	Price decimal.Decimal `json:"price"`
	Basis PricingBasis    `json:"basis"`
}

// PricingSnapshot is the resolver output: one price per dimension.
// Degraded is set when the catalog could not be read, so missing prices
// may only reflect the outage.
type PricingSnapshot struct {
	ModelID  string                       `json:"model_id"`
	Prices   map[Dimension]DimensionPrice `json:"prices"`
	Degraded bool                         `json:"degraded,omitempty"`
}

// Get returns the resolved price for d; unknown dimensions resolve as missing
func (s PricingSnapshot) Get(d Dimension) DimensionPrice {
	if p, ok := s.Prices[d]; ok {
		return p
	}
	return DimensionPrice{Price: decimal.Zero, Basis: BasisMissing}
}

// OverrideApplied reports whether any dimension used a static override
func (s PricingSnapshot) OverrideApplied() bool {
	for _, p := range s.Prices {
		if p.Basis == BasisOverride {
			return true
		}
	}
	return false
}
