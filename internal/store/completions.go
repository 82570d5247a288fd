package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotPending is returned when Finalize hits a completion that already
// reached a terminal status.
var ErrNotPending = fmt.Errorf("store: completion is not pending")

// CompletionStore manages completion audit rows.
type CompletionStore struct {
	db *gorm.DB
}

// Create inserts a pending completion and fills in its id.
func (s *CompletionStore) Create(ctx context.Context, c *Completion) error {
	if c.Status == "" {
		c.Status = StatusPending
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("store: create completion: %w", err)
	}
	return nil
}

// Get returns one completion by id.
func (s *CompletionStore) Get(ctx context.Context, id uint) (*Completion, error) {
	var c Completion
	err := s.db.WithContext(ctx).First(&c, id).Error
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get completion %d: %w", id, err)
	}
	return &c, nil
}

// FinalizeParams is the terminal state written into a pending completion.
type FinalizeParams struct {
	Status           string // completed | failed | aborted
	ModelID          *uint
	Completion       string
	PromptTokens     int
	CompletionTokens int
	TTFTMs           int64
	DurationMs       int64
	CachedBody       string
	CachedFormat     string
}

// Finalize moves a pending completion to a terminal status. The WHERE on
// status makes the transition monotone: a second finalize is a no-op error,
// never an overwrite.
func (s *CompletionStore) Finalize(ctx context.Context, id uint, p FinalizeParams) error {
	updates := map[string]any{
		"status":            p.Status,
		"completion":        p.Completion,
		"prompt_tokens":     p.PromptTokens,
		"completion_tokens": p.CompletionTokens,
		"ttft_ms":           p.TTFTMs,
		"duration_ms":       p.DurationMs,
		"cached_body":       p.CachedBody,
		"cached_format":     p.CachedFormat,
	}
	if p.ModelID != nil {
		updates["model_id"] = *p.ModelID
	}
	res := s.db.WithContext(ctx).Model(&Completion{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: finalize completion %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// UsageTotals is the per-key aggregate for the usage endpoint.
type UsageTotals struct {
	PromptTokens     int64
	CompletionTokens int64
	Requests         int64
}

// TotalsForKey sums charged tokens over all completions of a key. Unknown
// counts (-1) contribute zero.
func (s *CompletionStore) TotalsForKey(ctx context.Context, keyID uint) (*UsageTotals, error) {
	var totals UsageTotals
	row := s.db.WithContext(ctx).Model(&Completion{}).
		Select(
			"COALESCE(SUM(CASE WHEN prompt_tokens > 0 THEN prompt_tokens ELSE 0 END), 0)",
			"COALESCE(SUM(CASE WHEN completion_tokens > 0 THEN completion_tokens ELSE 0 END), 0)",
			"COUNT(*)",
		).
		Where("api_key_id = ?", keyID).
		Row()
	if err := row.Scan(&totals.PromptTokens, &totals.CompletionTokens, &totals.Requests); err != nil {
		return nil, fmt.Errorf("store: usage totals for key %d: %w", keyID, err)
	}
	return &totals, nil
}

// EmbeddingStore manages embedding audit rows.
type EmbeddingStore struct {
	db *gorm.DB
}

// Create inserts one embedding record.
func (s *EmbeddingStore) Create(ctx context.Context, e *Embedding) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("store: create embedding: %w", err)
	}
	return nil
}
