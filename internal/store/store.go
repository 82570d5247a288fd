// Package store is the persistence layer: gorm entities and one repository
// per aggregate. SQLite (pure Go driver) is the default; a postgres:// or
// postgresql:// DATABASE_URL switches to Postgres. Schema is managed with
// AutoMigrate at startup.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store bundles the repositories over one gorm connection.
type Store struct {
	db *gorm.DB

	Keys        *KeyStore
	Catalog     *CatalogStore
	Completions *CompletionStore
	Embeddings  *EmbeddingStore
	ReqIDs      *ReqIDStore
	Settings    *SettingStore
}

// Open connects, migrates the schema, and returns the Store.
func Open(databaseURL string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"),
		strings.HasPrefix(databaseURL, "postgresql://"):
		dialector = postgres.Open(databaseURL)
	case databaseURL == "":
		dialector = sqlite.Open("modelgate.db")
	default:
		dialector = sqlite.Open(databaseURL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing connection. Tests use this with an in-memory
// sqlite database.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&ApiKey{}, &Provider{}, &Model{},
		&Completion{}, &Embedding{}, &Setting{}, &ReqIDEntry{},
	); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{
		db:          db,
		Keys:        &KeyStore{db: db},
		Catalog:     &CatalogStore{db: db},
		Completions: &CompletionStore{db: db},
		Embeddings:  &EmbeddingStore{db: db},
		ReqIDs:      &ReqIDStore{db: db},
		Settings:    &SettingStore{db: db},
	}, nil
}

// Ping verifies the connection for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SettingStore reads and writes named settings.
type SettingStore struct {
	db *gorm.DB
}

// Get returns the value and whether the setting exists.
func (s *SettingStore) Get(ctx context.Context, name string) (string, bool, error) {
	var setting Setting
	err := s.db.WithContext(ctx).First(&setting, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting %s: %w", name, err)
	}
	return setting.Value, true, nil
}

// Set upserts the setting.
func (s *SettingStore) Set(ctx context.Context, name, value string) error {
	setting := Setting{Name: name, Value: value}
	err := s.db.WithContext(ctx).Save(&setting).Error
	if err != nil {
		return fmt.Errorf("store: set setting %s: %w", name, err)
	}
	return nil
}
