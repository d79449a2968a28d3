package pricing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_meter/internal/models"
)

type countingCatalog struct {
	inner Catalog
	calls atomic.Int64
	err   error
	delay time.Duration
}

func (c *countingCatalog) GetPricing(ctx context.Context, modelID string) (*models.ModelPricing, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.GetPricing(ctx, modelID)
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newTestResolver(t *testing.T, catalog Catalog, overrides Overrides, ttl time.Duration) *Resolver {
	t.Helper()
	r, err := NewResolver(catalog, overrides, ResolverConfig{CacheSize: 100, CacheTTL: ttl})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestResolve_CatalogPrices(t *testing.T) {
	catalog := NewStaticCatalog()
	catalog.Put(&models.ModelPricing{
		ModelID:          "image-model",
		PromptPrice:      dec("0.0000003"),
		CompletionPrice:  dec("0.0000025"),
		OutputImagePrice: dec("0.00003"),
	})

	r := newTestResolver(t, catalog, nil, 0)
	snap := r.Resolve(context.Background(), "image-model")

	assert.Equal(t, "image-model", snap.ModelID)
	assert.Equal(t, models.BasisCatalog, snap.Get(models.DimensionPrompt).Basis)
	assert.True(t, snap.Get(models.DimensionPrompt).Price.Equal(decimal.RequireFromString("0.0000003")))
	assert.Equal(t, models.BasisCatalog, snap.Get(models.DimensionOutputImage).Basis)

	// Not declared and no override
	assert.Equal(t, models.BasisMissing, snap.Get(models.DimensionInputImage).Basis)
	assert.True(t, snap.Get(models.DimensionInputImage).Price.IsZero())
	assert.Equal(t, models.BasisMissing, snap.Get(models.DimensionWebSearch).Basis)
	assert.False(t, snap.OverrideApplied())
}

func TestResolve_ZeroPriceUsesOverride(t *testing.T) {
	catalog := NewStaticCatalog()
	catalog.Put(&models.ModelPricing{
		ModelID:          "image-model",
		CompletionPrice:  dec("0"),
		OutputImagePrice: dec("0"),
	})
	overrides := Overrides{
		"image-model": {models.DimensionOutputImage: decimal.RequireFromString("0.00003")},
	}

	r := newTestResolver(t, catalog, overrides, 0)
	snap := r.Resolve(context.Background(), "image-model")

	out := snap.Get(models.DimensionOutputImage)
	assert.Equal(t, models.BasisOverride, out.Basis)
	assert.True(t, out.Price.Equal(decimal.RequireFromString("0.00003")))
	assert.True(t, snap.OverrideApplied())

	// Declared zero without an override stays a catalog zero
	completion := snap.Get(models.DimensionCompletion)
	assert.Equal(t, models.BasisCatalog, completion.Basis)
	assert.True(t, completion.Price.IsZero())
}

func TestResolve_NonZeroCatalogPriceWinsOverOverride(t *testing.T) {
	catalog := NewStaticCatalog()
	catalog.Put(&models.ModelPricing{ModelID: "m", OutputImagePrice: dec("0.00005")})
	overrides := Overrides{"m": {models.DimensionOutputImage: decimal.RequireFromString("0.00003")}}

	r := newTestResolver(t, catalog, overrides, 0)
	out := r.Resolve(context.Background(), "m").Get(models.DimensionOutputImage)

	assert.Equal(t, models.BasisCatalog, out.Basis)
	assert.True(t, out.Price.Equal(decimal.RequireFromString("0.00005")))
}

func TestResolve_UnknownModelIsAllMissing(t *testing.T) {
	r := newTestResolver(t, NewStaticCatalog(), nil, 0)
	snap := r.Resolve(context.Background(), "no-such-model")

	for _, d := range models.Dimensions {
		p := snap.Get(d)
		assert.Equal(t, models.BasisMissing, p.Basis, d)
		assert.True(t, p.Price.IsZero(), d)
	}
	assert.False(t, snap.Degraded, "an unknown model is not an outage")
}

func TestResolve_CatalogErrorDegradesAndIsNotCached(t *testing.T) {
	catalog := &countingCatalog{inner: NewStaticCatalog(), err: errors.New("connection refused")}
	r := newTestResolver(t, catalog, nil, time.Minute)

	snap := r.Resolve(context.Background(), "m")
	assert.Equal(t, models.BasisMissing, snap.Get(models.DimensionPrompt).Basis)
	assert.True(t, snap.Degraded)

	r.cache.Wait()
	r.Resolve(context.Background(), "m")
	assert.Equal(t, int64(2), catalog.calls.Load())
}

func TestResolve_CachesSnapshot(t *testing.T) {
	inner := NewStaticCatalog()
	inner.Put(&models.ModelPricing{ModelID: "m", PromptPrice: dec("0.000001")})
	catalog := &countingCatalog{inner: inner}

	r := newTestResolver(t, catalog, nil, time.Minute)

	r.Resolve(context.Background(), "m")
	r.cache.Wait()
	r.Resolve(context.Background(), "m")
	assert.Equal(t, int64(1), catalog.calls.Load())

	// Catalog changes are picked up after invalidation
	inner.Put(&models.ModelPricing{ModelID: "m", PromptPrice: dec("0.000002")})
	r.Invalidate("m")
	r.cache.Wait()

	snap := r.Resolve(context.Background(), "m")
	assert.Equal(t, int64(2), catalog.calls.Load())
	assert.True(t, snap.Get(models.DimensionPrompt).Price.Equal(decimal.RequireFromString("0.000002")))
}

func TestResolve_ConcurrentLookupsCollapse(t *testing.T) {
	inner := NewStaticCatalog()
	inner.Put(&models.ModelPricing{ModelID: "m", PromptPrice: dec("0.000001")})
	catalog := &countingCatalog{inner: inner, delay: 50 * time.Millisecond}

	r := newTestResolver(t, catalog, nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap := r.Resolve(context.Background(), "m")
			assert.Equal(t, models.BasisCatalog, snap.Get(models.DimensionPrompt).Basis)
		}()
	}
	wg.Wait()

	assert.Less(t, catalog.calls.Load(), int64(10))
}
