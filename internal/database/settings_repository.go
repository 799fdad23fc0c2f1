package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSettingNotFound is returned when no document exists for the id
var ErrSettingNotFound = errors.New("setting not found")

// SettingsRepository stores free-form JSON documents keyed by id. The
// operator tariff lives under the "pricing" id.
type SettingsRepository struct {
	db *pgxpool.Pool
}

// NewSettingsRepository creates a new settings repository instance
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{
		db: db.pool,
	}
}

// Get reads the raw document stored under id.
// Returns ErrSettingNotFound if no row exists.
func (r *SettingsRepository) Get(ctx context.Context, id string) (string, error) {
	query := `SELECT data FROM settings WHERE id = $1`

	var data string
	err := r.db.QueryRow(ctx, query, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", fmt.Errorf("failed to get setting %s: %w", id, err)
	}
	return data, nil
}

// Set writes the document under id, replacing any previous version.
func (r *SettingsRepository) Set(ctx context.Context, id, data string) error {
	query := `INSERT INTO settings (id, data, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`

	if _, err := r.db.Exec(ctx, query, id, data); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", id, err)
	}
	return nil
}

// GetPricing loads the stored tariff document.
// Returns ErrSettingNotFound when the proxy has never been booted.
func (r *SettingsRepository) GetPricing(ctx context.Context) (*PricingSettings, error) {
	data, err := r.Get(ctx, settingsPricingID)
	if err != nil {
		return nil, err
	}

	var settings PricingSettings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return nil, fmt.Errorf("failed to decode pricing settings: %w", err)
	}
	return &settings, nil
}

// SetPricing persists the tariff document.
func (r *SettingsRepository) SetPricing(ctx context.Context, settings *PricingSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode pricing settings: %w", err)
	}
	return r.Set(ctx, settingsPricingID, string(data))
}
