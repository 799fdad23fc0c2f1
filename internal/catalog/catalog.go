package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"satgate/pkg/logger"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

var (
	ErrNoModels     = errors.New("no models loaded")
	ErrModelMissing = errors.New("model not found in catalogue")
)

// refreshInterval is how often sats pricing is rewritten from the
// current oracle rate.
const refreshInterval = 10 * time.Second

// RateSource yields the current USD price of one satoshi.
type RateSource interface {
	SatsUsdAsk() (float64, error)
}

// Store persists descriptors so a proxy can boot without the JSON file.
type Store interface {
	UpsertModels(ctx context.Context, models []Model) error
	ListModels(ctx context.Context) ([]Model, error)
}

type snapshot struct {
	models    []Model
	byID      map[string]*Model
	updatedAt time.Time
}

// Catalog owns the model descriptors. Readers take an immutable
// snapshot; the refresher builds a full replacement and swaps one
// pointer, so a reader never observes a torn update.
type Catalog struct {
	rates RateSource
	store Store // optional

	current atomic.Pointer[snapshot]
}

func NewCatalog(rates RateSource, store Store) *Catalog {
	c := &Catalog{rates: rates, store: store}
	c.current.Store(&snapshot{byID: map[string]*Model{}})
	return c
}

// modelsFile accepts the three shapes the descriptor dump comes in:
// a bare array, {"models": [...]}, or {"data": [...]}.
func decodeModels(raw []byte) ([]Model, error) {
	var models []Model
	if err := json.Unmarshal(raw, &models); err == nil {
		return models, nil
	}

	var wrapped struct {
		Models []Model `json:"models"`
		Data   []Model `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse models JSON: %w", err)
	}
	if len(wrapped.Models) > 0 {
		return wrapped.Models, nil
	}
	return wrapped.Data, nil
}

// LoadFromFile reads the descriptor JSON at path and publishes the
// initial snapshot. Sats pricing stays null until the first refresh.
func (c *Catalog) LoadFromFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read models file: %w", err)
	}

	models, err := decodeModels(raw)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return ErrNoModels
	}

	c.publish(models)
	logger.Info("Model catalogue loaded", zap.String("path", path), zap.Int("models", len(models)))
	return nil
}

// LoadFromStore falls back to the persisted descriptors.
func (c *Catalog) LoadFromStore(ctx context.Context) error {
	if c.store == nil {
		return ErrNoModels
	}
	models, err := c.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to load models from store: %w", err)
	}
	if len(models) == 0 {
		return ErrNoModels
	}

	c.publish(models)
	logger.Info("Model catalogue loaded from store", zap.Int("models", len(models)))
	return nil
}

// Persist writes the current descriptors through to the store.
func (c *Catalog) Persist(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	snap := c.current.Load()
	if len(snap.models) == 0 {
		return nil
	}
	return c.store.UpsertModels(ctx, snap.models)
}

func (c *Catalog) publish(models []Model) {
	snap := &snapshot{
		models:    models,
		byID:      make(map[string]*Model, len(models)),
		updatedAt: time.Now().UTC(),
	}
	for i := range snap.models {
		snap.byID[snap.models[i].ID] = &snap.models[i]
	}
	c.current.Store(snap)
}

// RefreshPricing rewrites every descriptor's sats pricing from the
// current oracle rate and swaps in the new snapshot. With no rate
// available the previous snapshot is kept untouched.
func (c *Catalog) RefreshPricing(ctx context.Context) error {
	satsUsd, err := c.rates.SatsUsdAsk()
	if err != nil {
		return err
	}
	if satsUsd <= 0 {
		return fmt.Errorf("invalid sats/usd rate: %f", satsUsd)
	}

	old := c.current.Load()
	if len(old.models) == 0 {
		return ErrNoModels
	}

	// Deep-copy so descriptors already handed to readers stay frozen.
	var models []Model
	if err := copier.CopyWithOption(&models, &old.models, copier.Option{DeepCopy: true}); err != nil {
		return fmt.Errorf("failed to copy catalogue: %w", err)
	}

	for i := range models {
		models[i].SatsPricing = models[i].satsPricing(satsUsd)
	}

	c.publish(models)
	logger.Debug("Model sats pricing refreshed",
		zap.Int("models", len(models)),
		zap.Float64("sats_usd_ask", satsUsd))
	return nil
}

// Run refreshes pricing every refreshInterval until ctx is cancelled.
func (c *Catalog) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Catalogue refresher stopped")
			return
		case <-ticker.C:
			if err := c.RefreshPricing(ctx); err != nil {
				logger.Warn("Catalogue refresh skipped", zap.Error(err))
			}
		}
	}
}

// Models returns the descriptors of the current snapshot. The returned
// slice must be treated as read-only.
func (c *Catalog) Models() []Model {
	return c.current.Load().models
}

// GetModel looks up one descriptor by id in the current snapshot.
func (c *Catalog) GetModel(id string) (*Model, bool) {
	m, ok := c.current.Load().byID[id]
	return m, ok
}

// Empty reports whether any descriptors are loaded.
func (c *Catalog) Empty() bool {
	return len(c.current.Load().models) == 0
}

// UpdatedAt returns the publish time of the current snapshot.
func (c *Catalog) UpdatedAt() time.Time {
	return c.current.Load().updatedAt
}
