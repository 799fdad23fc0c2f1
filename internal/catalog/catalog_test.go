package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"satgate/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init("debug", "console")
}

type fixedRate struct {
	rate float64
	err  error
}

func (f fixedRate) SatsUsdAsk() (float64, error) {
	return f.rate, f.err
}

type memoryStore struct {
	models []Model
	err    error
}

func (s *memoryStore) UpsertModels(ctx context.Context, models []Model) error {
	if s.err != nil {
		return s.err
	}
	s.models = models
	return nil
}

func (s *memoryStore) ListModels(ctx context.Context) ([]Model, error) {
	return s.models, s.err
}

const modelsJSON = `{
  "models": [
    {
      "id": "gpt-4",
      "name": "GPT-4",
      "context_length": 8192,
      "pricing": {"prompt": 0.00003, "completion": 0.00006, "request": 0, "image": 0, "web_search": 0, "internal_reasoning": 0},
      "top_provider": {"context_length": 8192, "max_completion_tokens": 4096, "is_moderated": true}
    },
    {
      "id": "tiny-free",
      "name": "Tiny Free",
      "context_length": 4096,
      "pricing": {"prompt": 0, "completion": 0, "request": 0, "image": 0, "web_search": 0, "internal_reasoning": 0}
    }
  ]
}`

func writeModelsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDecodeModels_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		count   int
		wantErr bool
	}{
		{"bare array", `[{"id":"a"},{"id":"b"}]`, 2, false},
		{"models wrapper", `{"models":[{"id":"a"}]}`, 1, false},
		{"data wrapper", `{"data":[{"id":"a"},{"id":"b"},{"id":"c"}]}`, 3, false},
		{"garbage", `not json`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			models, err := decodeModels([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, models, tt.count)
		})
	}
}

func TestCatalog_LoadFromFile(t *testing.T) {
	path := writeModelsFile(t, modelsJSON)

	c := NewCatalog(fixedRate{rate: 0.0005}, nil)
	require.NoError(t, c.LoadFromFile(path))

	assert.False(t, c.Empty())
	assert.Len(t, c.Models(), 2)

	m, ok := c.GetModel("gpt-4")
	require.True(t, ok)
	assert.Equal(t, "GPT-4", m.Name)
	assert.Nil(t, m.SatsPricing, "sats pricing filled only by refresh")

	_, ok = c.GetModel("nope")
	assert.False(t, ok)
}

func TestCatalog_LoadFromFile_Errors(t *testing.T) {
	c := NewCatalog(fixedRate{rate: 0.0005}, nil)

	err := c.LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := writeModelsFile(t, `{"models":[]}`)
	err = c.LoadFromFile(path)
	assert.ErrorIs(t, err, ErrNoModels)
}

func TestCatalog_LoadFromStore(t *testing.T) {
	store := &memoryStore{models: []Model{{ID: "stored-model", Name: "Stored"}}}
	c := NewCatalog(fixedRate{rate: 0.0005}, store)

	require.NoError(t, c.LoadFromStore(context.Background()))

	m, ok := c.GetModel("stored-model")
	require.True(t, ok)
	assert.Equal(t, "Stored", m.Name)
}

func TestCatalog_RefreshPricing(t *testing.T) {
	path := writeModelsFile(t, modelsJSON)

	// One sat worth $0.0005 (BTC at $50,000).
	c := NewCatalog(fixedRate{rate: 0.0005}, nil)
	require.NoError(t, c.LoadFromFile(path))
	require.NoError(t, c.RefreshPricing(context.Background()))

	m, ok := c.GetModel("gpt-4")
	require.True(t, ok)
	require.NotNil(t, m.SatsPricing)

	assert.InDelta(t, 0.06, m.SatsPricing.Prompt, 1e-9)
	assert.InDelta(t, 0.12, m.SatsPricing.Completion, 1e-9)
	// 8192 prompt tokens and 4096 completion tokens at worst case.
	assert.InDelta(t, 8192*0.06+4096*0.12, m.SatsPricing.MaxCost, 1e-6)

	// Zero dollar pricing keeps a non-null block with zero max cost.
	free, ok := c.GetModel("tiny-free")
	require.True(t, ok)
	require.NotNil(t, free.SatsPricing)
	assert.Zero(t, free.SatsPricing.MaxCost)
}

func TestCatalog_RefreshPricing_FallbackTokenLimits(t *testing.T) {
	raw := `[{"id":"no-limits","name":"NL","context_length":0,
		"pricing":{"prompt":0.001,"completion":0.002,"request":0,"image":0,"web_search":0,"internal_reasoning":0}}]`
	path := writeModelsFile(t, raw)

	c := NewCatalog(fixedRate{rate: 1}, nil)
	require.NoError(t, c.LoadFromFile(path))
	require.NoError(t, c.RefreshPricing(context.Background()))

	m, _ := c.GetModel("no-limits")
	require.NotNil(t, m.SatsPricing)
	expected := 1_048_576*0.001 + 32_000*0.002
	assert.InDelta(t, expected, m.SatsPricing.MaxCost, 1e-6)
}

func TestCatalog_RefreshPricing_SnapshotIsolation(t *testing.T) {
	path := writeModelsFile(t, modelsJSON)

	c := NewCatalog(fixedRate{rate: 0.0005}, nil)
	require.NoError(t, c.LoadFromFile(path))
	require.NoError(t, c.RefreshPricing(context.Background()))

	before, ok := c.GetModel("gpt-4")
	require.True(t, ok)
	maxCostBefore := before.SatsPricing.MaxCost

	// A later refresh at a different rate must not mutate the descriptor
	// already handed out.
	c.rates = fixedRate{rate: 0.001}
	require.NoError(t, c.RefreshPricing(context.Background()))

	assert.Equal(t, maxCostBefore, before.SatsPricing.MaxCost)

	after, ok := c.GetModel("gpt-4")
	require.True(t, ok)
	assert.NotEqual(t, maxCostBefore, after.SatsPricing.MaxCost)
}

func TestCatalog_RefreshPricing_NoRate(t *testing.T) {
	path := writeModelsFile(t, modelsJSON)

	rateErr := errors.New("no rate")
	c := NewCatalog(fixedRate{err: rateErr}, nil)
	require.NoError(t, c.LoadFromFile(path))

	err := c.RefreshPricing(context.Background())
	assert.ErrorIs(t, err, rateErr)

	// Snapshot stays as loaded.
	m, _ := c.GetModel("gpt-4")
	assert.Nil(t, m.SatsPricing)
}

func TestCatalog_Persist(t *testing.T) {
	path := writeModelsFile(t, modelsJSON)
	store := &memoryStore{}

	c := NewCatalog(fixedRate{rate: 0.0005}, store)
	require.NoError(t, c.LoadFromFile(path))
	require.NoError(t, c.Persist(context.Background()))

	assert.Len(t, store.models, 2)
}
