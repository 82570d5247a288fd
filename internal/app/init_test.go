package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nulpointcorp/modelgate/internal/config"
	"github.com/nulpointcorp/modelgate/internal/store"
)

const seedJSON = `{
	"providers": [
		{"name": "openai-main", "type": "openai", "base_url": "https://api.openai.com/v1", "api_key": "sk-up"}
	],
	"models": [
		{"provider": "openai-main", "system_name": "gpt-4o", "remote_id": "gpt-4o-2024-11-20", "weight": 2}
	],
	"api_keys": [
		{"key": "sk-seed-1", "comment": "seeded", "rpm_limit": 60}
	]
}`

func newTestApp(t *testing.T, cfg config.InitConfig) *App {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	st, err := store.NewWithDB(db)
	require.NoError(t, err)

	return &App{
		cfg: &config.Config{InitConfig: cfg},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		db:  st,
	}
}

func TestApplyInitConfigSeeds(t *testing.T) {
	a := newTestApp(t, config.InitConfig{Enabled: true, JSON: seedJSON})
	ctx := context.Background()

	require.NoError(t, a.applyInitConfig(ctx))

	cands, err := a.db.Catalog.Candidates(ctx, "gpt-4o", store.ModelTypeChat)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "openai-main", cands[0].Provider.Name)
	assert.Equal(t, "gpt-4o-2024-11-20", cands[0].Model.RemoteID)
	assert.Equal(t, 2, cands[0].Model.Weight)

	key, err := a.db.Keys.Authenticate(ctx, "sk-seed-1")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, 60, key.RPMLimit)

	_, applied, err := a.db.Settings.Get(ctx, settingInitConfigFlag)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplyInitConfigRunsOnce(t *testing.T) {
	a := newTestApp(t, config.InitConfig{Enabled: true, JSON: seedJSON})
	ctx := context.Background()

	require.NoError(t, a.applyInitConfig(ctx))
	require.NoError(t, a.applyInitConfig(ctx))

	cands, err := a.db.Catalog.Candidates(ctx, "gpt-4o", store.ModelTypeChat)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestApplyInitConfigForceAddKeys(t *testing.T) {
	a := newTestApp(t, config.InitConfig{Enabled: true, JSON: seedJSON})
	ctx := context.Background()
	require.NoError(t, a.applyInitConfig(ctx))

	// Flag set, new key in the document: only the keys section re-runs.
	a.cfg.InitConfig.ForceAddKeys = true
	a.cfg.InitConfig.JSON = `{
		"providers": [{"name": "other", "type": "openai", "base_url": "https://x"}],
		"api_keys": [{"key": "sk-seed-2", "comment": "late"}]
	}`
	require.NoError(t, a.applyInitConfig(ctx))

	key, err := a.db.Keys.Authenticate(ctx, "sk-seed-2")
	require.NoError(t, err)
	require.NotNil(t, key)

	// The provider section must not have run again.
	names, err := a.db.Catalog.SystemNames(ctx)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestApplyInitConfigDisabled(t *testing.T) {
	a := newTestApp(t, config.InitConfig{Enabled: false})
	require.NoError(t, a.applyInitConfig(context.Background()))
}

func TestApplyInitConfigUnknownProviderRef(t *testing.T) {
	a := newTestApp(t, config.InitConfig{Enabled: true, JSON: `{
		"models": [{"provider": "ghost", "system_name": "m"}]
	}`})
	err := a.applyInitConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}
