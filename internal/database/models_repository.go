package database

import (
	"context"
	"encoding/json"
	"fmt"

	"satgate/internal/catalog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ModelsRepository persists catalogue descriptors. It backs the
// catalogue's store fallback: a proxy restarted without its models
// file boots from the last persisted set.
type ModelsRepository struct {
	db *pgxpool.Pool
}

// NewModelsRepository creates a new models repository instance
func NewModelsRepository(db *DB) *ModelsRepository {
	return &ModelsRepository{
		db: db.pool,
	}
}

// UpsertModels writes the given descriptors in one batch, replacing
// rows that already exist. Pricing blocks are stored as JSONB.
func (r *ModelsRepository) UpsertModels(ctx context.Context, models []catalog.Model) error {
	if len(models) == 0 {
		return nil
	}

	query := `INSERT INTO models (id, name, context_length, pricing, sats_pricing, top_provider, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name,
				context_length = EXCLUDED.context_length,
				pricing = EXCLUDED.pricing,
				sats_pricing = EXCLUDED.sats_pricing,
				top_provider = EXCLUDED.top_provider,
				updated_at = NOW()`

	batch := &pgx.Batch{}
	for i := range models {
		m := &models[i]

		pricing, err := json.Marshal(m.Pricing)
		if err != nil {
			return fmt.Errorf("failed to encode pricing for %s: %w", m.ID, err)
		}
		satsPricing, err := marshalNullable(m.SatsPricing)
		if err != nil {
			return fmt.Errorf("failed to encode sats pricing for %s: %w", m.ID, err)
		}
		topProvider, err := marshalNullable(m.TopProvider)
		if err != nil {
			return fmt.Errorf("failed to encode top provider for %s: %w", m.ID, err)
		}

		batch.Queue(query, m.ID, m.Name, m.ContextLength, pricing, satsPricing, topProvider)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range models {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert models: %w", err)
		}
	}
	return nil
}

// ListModels returns every persisted descriptor.
func (r *ModelsRepository) ListModels(ctx context.Context) ([]catalog.Model, error) {
	query := `SELECT id, name, context_length, pricing, sats_pricing, top_provider FROM models ORDER BY id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var models []catalog.Model
	for rows.Next() {
		var (
			m           catalog.Model
			pricing     []byte
			satsPricing []byte
			topProvider []byte
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.ContextLength, &pricing, &satsPricing, &topProvider); err != nil {
			return nil, fmt.Errorf("failed to scan model row: %w", err)
		}

		if err := json.Unmarshal(pricing, &m.Pricing); err != nil {
			return nil, fmt.Errorf("failed to decode pricing for %s: %w", m.ID, err)
		}
		if len(satsPricing) > 0 {
			if err := json.Unmarshal(satsPricing, &m.SatsPricing); err != nil {
				return nil, fmt.Errorf("failed to decode sats pricing for %s: %w", m.ID, err)
			}
		}
		if len(topProvider) > 0 {
			if err := json.Unmarshal(topProvider, &m.TopProvider); err != nil {
				return nil, fmt.Errorf("failed to decode top provider for %s: %w", m.ID, err)
			}
		}
		models = append(models, m)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return models, nil
}

// marshalNullable keeps optional JSON columns NULL instead of storing
// the string "null".
func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *catalog.SatsPricing:
		if t == nil {
			return nil, nil
		}
	case *catalog.TopProvider:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
