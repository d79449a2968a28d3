package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"usage_meter/internal/logging"
	"usage_meter/internal/models"
)

// ResolverConfig holds the snapshot cache settings
type ResolverConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Resolver turns catalog prices plus the override table into a
// PricingSnapshot. Resolve never fails; an unreachable catalog yields a
// Degraded snapshot instead.
type Resolver struct {
	catalog   Catalog
	overrides Overrides
	ttl       time.Duration
	cache     *ristretto.Cache[string, models.PricingSnapshot]
	group     singleflight.Group
	logger    *logging.Logger
}

// NewResolver creates a resolver with a TTL snapshot cache
func NewResolver(catalog Catalog, overrides Overrides, config ResolverConfig) (*Resolver, error) {
	if config.CacheSize <= 0 {
		config.CacheSize = 500
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, models.PricingSnapshot]{
		NumCounters:        int64(config.CacheSize) * 10, // ~10x expected items
		MaxCost:            int64(config.CacheSize),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pricing cache: %w", err)
	}

	if overrides == nil {
		overrides = Overrides{}
	}

	return &Resolver{
		catalog:   catalog,
		overrides: overrides,
		ttl:       config.CacheTTL,
		cache:     cache,
		logger:    logging.NewLogger("pricing-resolver"),
	}, nil
}

// Resolve returns the unit price of every dimension for modelID.
// Catalog failures degrade to missing prices and mark the snapshot Degraded.
func (r *Resolver) Resolve(ctx context.Context, modelID string) models.PricingSnapshot {
	if r.ttl > 0 {
		if snap, ok := r.cache.Get(modelID); ok {
			return snap
		}
	}

	v, _, _ := r.group.Do(modelID, func() (any, error) {
		declared, degraded := r.lookup(ctx, modelID)
		snap := Snapshot(modelID, declared, r.overrides)
		snap.Degraded = degraded
		if !degraded && r.ttl > 0 {
			r.cache.SetWithTTL(modelID, snap, 1, r.ttl)
		}
		return snap, nil
	})

	return v.(models.PricingSnapshot)
}

// Invalidate drops the cached snapshot for modelID
func (r *Resolver) Invalidate(modelID string) {
	r.group.Forget(modelID)
	r.cache.Del(modelID)
}

// Close releases the cache
func (r *Resolver) Close() {
	r.cache.Close()
}

// lookup fetches declared prices and reports whether the catalog failed.
// Failed lookups are never cached.
func (r *Resolver) lookup(ctx context.Context, modelID string) (*models.ModelPricing, bool) {
	if modelID == "" || r.catalog == nil {
		return nil, false
	}

	declared, err := r.catalog.GetPricing(ctx, modelID)
	switch {
	case err == nil:
		return declared, false
	case errors.Is(err, ErrModelNotFound):
		r.logger.Debug("Model not in catalog", "model_id", modelID)
		return nil, false
	default:
		r.logger.Error("Failed to load catalog pricing", "model_id", modelID, "error", err)
		return nil, true
	}
}

// Snapshot applies the override rule to declared prices. A nil declared
// pricing means the model is unknown to the catalog.
func Snapshot(modelID string, declared *models.ModelPricing, overrides Overrides) models.PricingSnapshot {
	snap := models.PricingSnapshot{
		ModelID: modelID,
		Prices:  make(map[models.Dimension]models.DimensionPrice, len(models.Dimensions)),
	}

	for _, d := range models.Dimensions {
		price := declared.Price(d)

		if price == nil || price.IsZero() {
			if override, ok := overrides.Lookup(modelID, d); ok {
				snap.Prices[d] = models.DimensionPrice{Price: override, Basis: models.BasisOverride}
				continue
			}
		}

		if price == nil {
			snap.Prices[d] = models.DimensionPrice{Price: decimal.Zero, Basis: models.BasisMissing}
			continue
		}
		snap.Prices[d] = models.DimensionPrice{Price: *price, Basis: models.BasisCatalog}
	}

	return snap
}
