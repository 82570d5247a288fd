package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Dedup outcomes.
const (
	OutcomeNew      = "new_request"
	OutcomeCacheHit = "cache_hit"
	OutcomeInFlight = "in_flight"
)

// ClaimResult is the dedup gate's verdict for one (apiKeyId, reqId) pair.
type ClaimResult struct {
	Outcome      string
	CompletionID uint        // pre-created pending completion for OutcomeNew
	Cached       *Completion // finalized completion for OutcomeCacheHit
}

// ReqIDStore is the durable half of the dedup gate. The unique index on
// (api_key_id, req_id) serializes concurrent claims; losers of the race
// re-read and classify.
type ReqIDStore struct {
	db *gorm.DB
}

// Claim atomically creates the in_flight entry together with its pending
// completion, or classifies the existing entry.
func (s *ReqIDStore) Claim(ctx context.Context, keyID uint, reqID string, pending *Completion) (*ClaimResult, error) {
	pending.ApiKeyID = keyID
	pending.ReqID = &reqID
	pending.Status = StatusPending

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(pending).Error; err != nil {
			return err
		}
		entry := ReqIDEntry{
			ApiKeyID:     keyID,
			ReqID:        reqID,
			CompletionID: pending.ID,
			State:        ReqIDInFlight,
		}
		return tx.Create(&entry).Error
	})
	if err == nil {
		return &ClaimResult{Outcome: OutcomeNew, CompletionID: pending.ID}, nil
	}
	if !isDuplicate(err) {
		return nil, fmt.Errorf("store: claim reqid %s: %w", reqID, err)
	}
	return s.classify(ctx, keyID, reqID)
}

func (s *ReqIDStore) classify(ctx context.Context, keyID uint, reqID string) (*ClaimResult, error) {
	var entry ReqIDEntry
	err := s.db.WithContext(ctx).
		First(&entry, "api_key_id = ? AND req_id = ?", keyID, reqID).Error
	if isNotFound(err) {
		// The racing owner freed the slot between our insert failing and
		// this read. Treat as a transient conflict.
		return &ClaimResult{Outcome: OutcomeInFlight}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: classify reqid %s: %w", reqID, err)
	}

	var completion Completion
	err = s.db.WithContext(ctx).First(&completion, entry.CompletionID).Error
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("store: classify reqid %s: %w", reqID, err)
	}

	if entry.State == ReqIDFinalized && completion.Status == StatusCompleted {
		return &ClaimResult{Outcome: OutcomeCacheHit, CompletionID: completion.ID, Cached: &completion}, nil
	}
	return &ClaimResult{Outcome: OutcomeInFlight, CompletionID: entry.CompletionID}, nil
}

// Finalize marks the dedup entry resolved once the owning completion
// reached a terminal status.
func (s *ReqIDStore) Finalize(ctx context.Context, keyID uint, reqID string) error {
	err := s.db.WithContext(ctx).Model(&ReqIDEntry{}).
		Where("api_key_id = ? AND req_id = ?", keyID, reqID).
		Update("state", ReqIDFinalized).Error
	if err != nil {
		return fmt.Errorf("store: finalize reqid %s: %w", reqID, err)
	}
	return nil
}

// FinalizeOnError frees the dedup slot after a hard failure so a client
// retry with the same ReqId is processed fresh. The pending completion is
// marked failed.
func (s *ReqIDStore) FinalizeOnError(ctx context.Context, keyID uint, reqID string, completionID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Completion{}).
			Where("id = ? AND status = ?", completionID, StatusPending).
			Update("status", StatusFailed).Error; err != nil {
			return fmt.Errorf("store: fail completion %d: %w", completionID, err)
		}
		if err := tx.
			Where("api_key_id = ? AND req_id = ?", keyID, reqID).
			Delete(&ReqIDEntry{}).Error; err != nil {
			return fmt.Errorf("store: free reqid %s: %w", reqID, err)
		}
		return nil
	})
}
