package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"usage_meter/internal/models"
	"usage_meter/internal/pricing"
)

// ModelRepository reads the model catalog. It implements pricing.Catalog.
type ModelRepository struct {
	conn *sqlx.DB
}

// NewModelRepository creates a new model repository
func NewModelRepository(conn *sqlx.DB) *ModelRepository {
	return &ModelRepository{conn: conn}
}

// GetByName retrieves a model by name with its pricing components
func (r *ModelRepository) GetByName(ctx context.Context, name string) (*models.Model, error) {
	var model models.Model
	query := `
		SELECT id, model_name, currency, created_at, updated_at
		FROM models
		WHERE model_name = $1
	`

	err := r.conn.GetContext(ctx, &model, query, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", pricing.ErrModelNotFound, name)
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}

	if err := r.loadPricingComponents(ctx, &model); err != nil {
		return nil, fmt.Errorf("failed to load pricing components: %w", err)
	}

	return &model, nil
}

// GetPricing returns the declared per-unit prices of a model
func (r *ModelRepository) GetPricing(ctx context.Context, modelID string) (*models.ModelPricing, error) {
	model, err := r.GetByName(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return model.Pricing(), nil
}

// loadPricingComponents loads pricing components for a model
func (r *ModelRepository) loadPricingComponents(ctx context.Context, model *models.Model) error {
	query := `
		SELECT id, model_id, code, direction, modality, unit, tier, price
		FROM pricing_components
		WHERE model_id = $1
		ORDER BY code
	`

	var components []models.PricingComponent
	if err := r.conn.SelectContext(ctx, &components, query, model.ID); err != nil {
		return err
	}

	model.PricingComponents = components
	return nil
}
