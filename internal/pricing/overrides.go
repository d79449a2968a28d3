package pricing

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"usage_meter/internal/models"
)

// Overrides is the static fallback table: model -> dimension -> unit price.
// An entry is only consulted when the catalog price is absent or zero.
type Overrides map[string]map[models.Dimension]decimal.Decimal

// DefaultOverrides covers image models whose catalog entries do not yet
// carry an output image price.
func DefaultOverrides() Overrides {
	return Overrides{
		"gemini-2.5-flash-image": {
			models.DimensionOutputImage: decimal.RequireFromString("0.00003"),
		},
		"gemini-2.5-flash-image-preview": {
			models.DimensionOutputImage: decimal.RequireFromString("0.00003"),
		},
		"gpt-image-1": {
			models.DimensionInputImage:  decimal.RequireFromString("0.00001"),
			models.DimensionOutputImage: decimal.RequireFromString("0.00004"),
		},
	}
}

// Lookup returns the override for (modelID, d)
func (o Overrides) Lookup(modelID string, d models.Dimension) (decimal.Decimal, bool) {
	dims, ok := o[modelID]
	if !ok {
		return decimal.Zero, false
	}
	price, ok := dims[d]
	return price, ok
}

// Merge returns a copy of o with other's entries layered on top
func (o Overrides) Merge(other Overrides) Overrides {
	merged := make(Overrides, len(o)+len(other))
	for _, src := range []Overrides{o, other} {
		for model, dims := range src {
			if merged[model] == nil {
				merged[model] = make(map[models.Dimension]decimal.Decimal, len(dims))
			}
			for d, price := range dims {
				merged[model][d] = price
			}
		}
	}
	return merged
}

// overridesFile is the on-disk layout:
//
//	models:
//	  gemini-2.5-flash-image:
//	    output_image: "0.00003"
type overridesFile struct {
	Models map[string]map[string]string `yaml:"models"`
}

// ParseOverrides decodes a YAML override table
func ParseOverrides(data []byte) (Overrides, error) {
	var f overridesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse overrides: %w", err)
	}

	out := make(Overrides, len(f.Models))
	for model, dims := range f.Models {
		out[model] = make(map[models.Dimension]decimal.Decimal, len(dims))
		for name, raw := range dims {
			d := models.Dimension(name)
			if !d.Valid() {
				return nil, fmt.Errorf("model %s: unknown dimension %q", model, name)
			}
			price, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("model %s: invalid %s price %q: %w", model, name, raw, err)
			}
			if price.IsNegative() {
				return nil, fmt.Errorf("model %s: negative %s price %s", model, name, raw)
			}
			out[model][d] = price
		}
	}
	return out, nil
}

// LoadOverrides reads the YAML file at path and merges it over the defaults.
// An empty path returns the defaults.
func LoadOverrides(path string) (Overrides, error) {
	defaults := DefaultOverrides()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides file: %w", err)
	}

	fromFile, err := ParseOverrides(data)
	if err != nil {
		return nil, err
	}

	return defaults.Merge(fromFile), nil
}
