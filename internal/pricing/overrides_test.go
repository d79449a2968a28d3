package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_meter/internal/models"
)

func TestParseOverrides(t *testing.T) {
	data := []byte(`
models:
  image-model:
    output_image: "0.00003"
    websearch: 0.004
`)

	o, err := ParseOverrides(data)
	require.NoError(t, err)

	price, ok := o.Lookup("image-model", models.DimensionOutputImage)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("0.00003")))

	price, ok = o.Lookup("image-model", models.DimensionWebSearch)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("0.004")))

	_, ok = o.Lookup("image-model", models.DimensionPrompt)
	assert.False(t, ok)
	_, ok = o.Lookup("other", models.DimensionPrompt)
	assert.False(t, ok)
}

func TestParseOverrides_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown dimension", "models:\n  m:\n    audio: \"1\"\n"},
		{"bad price", "models:\n  m:\n    prompt: cheap\n"},
		{"negative price", "models:\n  m:\n    prompt: \"-1\"\n"},
		{"bad yaml", "models: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOverrides([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadOverrides(t *testing.T) {
	defaults, err := LoadOverrides("")
	require.NoError(t, err)
	_, ok := defaults.Lookup("gemini-2.5-flash-image", models.DimensionOutputImage)
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  gemini-2.5-flash-image:
    output_image: "0.00004"
  custom-model:
    prompt: "0.000001"
`), 0o600))

	merged, err := LoadOverrides(path)
	require.NoError(t, err)

	price, ok := merged.Lookup("gemini-2.5-flash-image", models.DimensionOutputImage)
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("0.00004")))

	_, ok = merged.Lookup("custom-model", models.DimensionPrompt)
	assert.True(t, ok)
	_, ok = merged.Lookup("gpt-image-1", models.DimensionOutputImage)
	assert.True(t, ok)

	_, err = LoadOverrides(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
