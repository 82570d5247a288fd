package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// CatalogStore reads the model/provider catalog.
type CatalogStore struct {
	db *gorm.DB
}

// Candidate is one resolvable (model, provider) pair.
type Candidate struct {
	Model    Model
	Provider Provider
}

// Candidates returns all pairs whose model carries the logical system name
// and model type. Soft-deleted providers are excluded, which may leave a
// model row without a candidate.
func (s *CatalogStore) Candidates(ctx context.Context, systemName, modelType string) ([]Candidate, error) {
	var models []Model
	err := s.db.WithContext(ctx).
		Where("system_name = ? AND model_type = ?", systemName, modelType).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("store: candidates for %s: %w", systemName, err)
	}
	if len(models) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ProviderID)
	}
	var providers []Provider
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&providers).Error; err != nil {
		return nil, fmt.Errorf("store: candidate providers: %w", err)
	}
	byID := make(map[uint]Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}

	var out []Candidate
	for _, m := range models {
		p, ok := byID[m.ProviderID]
		if !ok {
			continue
		}
		out = append(out, Candidate{Model: m, Provider: p})
	}
	return out, nil
}

// SystemNames returns the distinct logical model names, for the listing
// endpoint.
func (s *CatalogStore) SystemNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&Model{}).
		Distinct("system_name").
		Order("system_name").
		Pluck("system_name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("store: system names: %w", err)
	}
	return names, nil
}

// EnsureProvider idempotently creates a provider by unique name. Used by
// init-config seeding.
func (s *CatalogStore) EnsureProvider(ctx context.Context, p *Provider) error {
	var existing Provider
	err := s.db.WithContext(ctx).First(&existing, "name = ?", p.Name).Error
	if err == nil {
		p.ID = existing.ID
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("store: ensure provider %s: %w", p.Name, err)
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("store: ensure provider %s: %w", p.Name, err)
	}
	return nil
}

// EnsureModel idempotently creates a model by (providerId, systemName).
func (s *CatalogStore) EnsureModel(ctx context.Context, m *Model) error {
	var existing Model
	err := s.db.WithContext(ctx).
		First(&existing, "provider_id = ? AND system_name = ?", m.ProviderID, m.SystemName).Error
	if err == nil {
		m.ID = existing.ID
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("store: ensure model %s: %w", m.SystemName, err)
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("store: ensure model %s: %w", m.SystemName, err)
	}
	return nil
}
