package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	s, err := NewWithDB(db)
	require.NoError(t, err)
	return s
}

func TestAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	require.NoError(t, s.db.Create(&ApiKey{Key: "sk-ok", Comment: "alice"}).Error)
	require.NoError(t, s.db.Create(&ApiKey{Key: "sk-revoked", Revoked: true}).Error)
	require.NoError(t, s.db.Create(&ApiKey{Key: "sk-expired", ExpiresAt: &expired}).Error)

	key, err := s.Keys.Authenticate(ctx, "sk-ok")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, "alice", key.Comment)
	assert.NotNil(t, key.LastSeen)

	for _, secret := range []string{"sk-revoked", "sk-expired", "sk-unknown", ""} {
		key, err := s.Keys.Authenticate(ctx, secret)
		require.NoError(t, err)
		assert.Nil(t, key, secret)
	}

	// A failed lookup on a known-but-revoked key still stamps last_seen.
	var revoked ApiKey
	require.NoError(t, s.db.First(&revoked, "key = ?", "sk-revoked").Error)
	assert.NotNil(t, revoked.LastSeen)
}

func TestEnsureExternalIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Keys.EnsureExternal(ctx, EnsureParams{ExternalID: "tenant-1", Comment: "t1", RPMLimit: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, first.Key)

	second, err := s.Keys.EnsureExternal(ctx, EnsureParams{ExternalID: "tenant-1", Comment: "different"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, "t1", second.Comment)
}

func TestCandidatesExcludeSoftDeletedProviders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alive := Provider{Name: "openai-main", Type: "openai", BaseURL: "https://a"}
	dead := Provider{Name: "openai-old", Type: "openai", BaseURL: "https://b"}
	require.NoError(t, s.db.Create(&alive).Error)
	require.NoError(t, s.db.Create(&dead).Error)
	require.NoError(t, s.db.Create(&Model{ProviderID: alive.ID, SystemName: "gpt-4o", ModelType: ModelTypeChat, Weight: 3}).Error)
	require.NoError(t, s.db.Create(&Model{ProviderID: dead.ID, SystemName: "gpt-4o", ModelType: ModelTypeChat, Weight: 1}).Error)
	require.NoError(t, s.db.Create(&Model{ProviderID: alive.ID, SystemName: "embed-small", ModelType: ModelTypeEmbedding}).Error)
	require.NoError(t, s.db.Delete(&dead).Error)

	candidates, err := s.Catalog.Candidates(ctx, "gpt-4o", ModelTypeChat)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "openai-main", candidates[0].Provider.Name)

	candidates, err = s.Catalog.Candidates(ctx, "gpt-4o", ModelTypeEmbedding)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	names, err := s.Catalog.SystemNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"embed-small", "gpt-4o"}, names)
}

func TestFinalizeIsMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := Completion{ApiKeyID: 1, RequestedModel: "gpt-4o"}
	require.NoError(t, s.Completions.Create(ctx, &c))
	assert.Equal(t, StatusPending, c.Status)

	err := s.Completions.Finalize(ctx, c.ID, FinalizeParams{
		Status: StatusCompleted, Completion: "hi",
		PromptTokens: 5, CompletionTokens: 2, TTFTMs: 40, DurationMs: 200,
	})
	require.NoError(t, err)

	// Second terminal write must not succeed.
	err = s.Completions.Finalize(ctx, c.ID, FinalizeParams{Status: StatusAborted})
	assert.ErrorIs(t, err, ErrNotPending)

	got, err := s.Completions.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "hi", got.Completion)
}

func TestReqIDClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.ReqIDs.Claim(ctx, 1, "req-1", &Completion{RequestedModel: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, first.Outcome)
	require.NotZero(t, first.CompletionID)

	// While pending, the same pair is in flight.
	dup, err := s.ReqIDs.Claim(ctx, 1, "req-1", &Completion{RequestedModel: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInFlight, dup.Outcome)

	// A different key owns its own namespace.
	other, err := s.ReqIDs.Claim(ctx, 2, "req-1", &Completion{RequestedModel: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, other.Outcome)

	require.NoError(t, s.Completions.Finalize(ctx, first.CompletionID, FinalizeParams{
		Status: StatusCompleted, CachedBody: `{"id":"x"}`, CachedFormat: "openai-chat",
		PromptTokens: 3, CompletionTokens: 1, TTFTMs: 10, DurationMs: 20,
	}))
	require.NoError(t, s.ReqIDs.Finalize(ctx, 1, "req-1"))

	hit, err := s.ReqIDs.Claim(ctx, 1, "req-1", &Completion{RequestedModel: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCacheHit, hit.Outcome)
	require.NotNil(t, hit.Cached)
	assert.Equal(t, `{"id":"x"}`, hit.Cached.CachedBody)
}

func TestReqIDFinalizeOnErrorFreesSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.ReqIDs.Claim(ctx, 1, "req-err", &Completion{RequestedModel: "gpt-4o"})
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, res.Outcome)

	require.NoError(t, s.ReqIDs.FinalizeOnError(ctx, 1, "req-err", res.CompletionID))

	c, err := s.Completions.Get(ctx, res.CompletionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, c.Status)

	// The slot is free: the retry is processed as a fresh request.
	retry, err := s.ReqIDs.Claim(ctx, 1, "req-err", &Completion{RequestedModel: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, retry.Outcome)
}

func TestUsageTotalsSkipUnknownCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []Completion{
		{ApiKeyID: 7, Status: StatusCompleted, PromptTokens: 10, CompletionTokens: 5},
		{ApiKeyID: 7, Status: StatusCompleted, PromptTokens: -1, CompletionTokens: -1},
		{ApiKeyID: 7, Status: StatusFailed, PromptTokens: 3, CompletionTokens: -1},
		{ApiKeyID: 8, Status: StatusCompleted, PromptTokens: 100, CompletionTokens: 100},
	} {
		cc := c
		require.NoError(t, s.db.Create(&cc).Error)
	}

	totals, err := s.Completions.TotalsForKey(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(13), totals.PromptTokens)
	assert.Equal(t, int64(5), totals.CompletionTokens)
	assert.Equal(t, int64(3), totals.Requests)
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Settings.Get(ctx, "init_config_done")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Settings.Set(ctx, "init_config_done", "1"))
	v, ok, err := s.Settings.Get(ctx, "init_config_done")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}
