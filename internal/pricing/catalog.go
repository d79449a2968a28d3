package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"usage_meter/internal/models"
)

// ErrModelNotFound is returned by a Catalog that has no entry for a model
var ErrModelNotFound = errors.New("model not found in catalog")

// Catalog is the model catalog as seen by the resolver. It is read-only
// from the metering engine's side.
type Catalog interface {
	GetPricing(ctx context.Context, modelID string) (*models.ModelPricing, error)
}

// StaticCatalog is an in-memory Catalog
type StaticCatalog struct {
	mu      sync.RWMutex
	pricing map[string]*models.ModelPricing
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{pricing: make(map[string]*models.ModelPricing)}
}

// Put stores (or replaces) the pricing for a model
func (c *StaticCatalog) Put(p *models.ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	c.pricing[p.ModelID] = &cp
}

func (c *StaticCatalog) GetPricing(ctx context.Context, modelID string) (*models.ModelPricing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.pricing[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	cp := *p
	return &cp, nil
}
