package models

import (
	"time"

	"github.com/google/uuid"
)

//
// Model (models table, catalog side)
//

// Model is a catalog entry. The catalog is synced by an external process;
// the metering engine only reads it.
type Model struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ModelName string    `db:"model_name" json:"model_name"`
	Currency  string    `db:"currency" json:"currency"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	// Joined in code, not a DB column:
	PricingComponents []PricingComponent `db:"-" json:"pricing_components,omitempty"`
}

// Pricing folds the model's pricing components into per-dimension unit prices.
// For each dimension the default tier wins; otherwise the first component found.
func (m *Model) Pricing() *ModelPricing {
	pricing := &ModelPricing{ModelID: m.ModelName}

	for _, d := range Dimensions {
		if component := m.findPricingComponent(d); component != nil {
			pricing.SetPrice(d, component.UnitPrice())
		}
	}

	return pricing
}

// findPricingComponent finds the component for a dimension, preferring default tier
func (m *Model) findPricingComponent(d Dimension) *PricingComponent {
	var otherComponent *PricingComponent

	for i := range m.PricingComponents {
		component := &m.PricingComponents[i]

		cd, ok := component.Dimension()
		if !ok || cd != d {
			continue
		}

		if component.isDefaultTier() {
			return component
		}
		if otherComponent == nil {
			otherComponent = component
		}
	}

	return otherComponent
}
