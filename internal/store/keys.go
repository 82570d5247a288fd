package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KeyStore manages client API keys.
type KeyStore struct {
	db *gorm.DB
}

// Authenticate looks up the key by its opaque secret, stamps last_seen, and
// returns nil (no error) when the key is unknown, revoked or expired. The
// last_seen stamp is written even for revoked and expired keys.
func (s *KeyStore) Authenticate(ctx context.Context, secret string) (*ApiKey, error) {
	if secret == "" {
		return nil, nil
	}
	var key ApiKey
	err := s.db.WithContext(ctx).First(&key, "key = ?", secret).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: authenticate: %w", err)
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&ApiKey{}).
		Where("id = ?", key.ID).
		Update("last_seen", now).Error; err != nil {
		return nil, fmt.Errorf("store: stamp last_seen: %w", err)
	}
	key.LastSeen = &now

	if key.Revoked {
		return nil, nil
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return nil, nil
	}
	return &key, nil
}

// EnsureParams configures EnsureExternal.
type EnsureParams struct {
	ExternalID string
	Comment    string
	RPMLimit   int
	TPMLimit   int
	Source     string
}

// EnsureExternal idempotently creates a key identified by an external id
// and returns it. An existing row is returned as-is; limits and comment are
// only applied on first creation.
func (s *KeyStore) EnsureExternal(ctx context.Context, p EnsureParams) (*ApiKey, error) {
	if p.ExternalID == "" {
		return nil, fmt.Errorf("store: ensure key: empty external id")
	}

	var key ApiKey
	err := s.db.WithContext(ctx).First(&key, "external_id = ?", p.ExternalID).Error
	if err == nil {
		return &key, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: ensure key: %w", err)
	}

	key = ApiKey{
		Key:        newKeySecret(),
		ExternalID: &p.ExternalID,
		RPMLimit:   p.RPMLimit,
		TPMLimit:   p.TPMLimit,
		Source:     p.Source,
		Comment:    p.Comment,
	}
	if err := s.db.WithContext(ctx).Create(&key).Error; err != nil {
		if isDuplicate(err) {
			// Lost a race with a concurrent ensure; the winner's row is
			// the answer.
			var existing ApiKey
			if rerr := s.db.WithContext(ctx).First(&existing, "external_id = ?", p.ExternalID).Error; rerr == nil {
				return &existing, nil
			}
		}
		return nil, fmt.Errorf("store: ensure key: %w", err)
	}
	return &key, nil
}

// EnsureSecret idempotently inserts a key with a caller-chosen secret.
// Used by init-config seeding.
func (s *KeyStore) EnsureSecret(ctx context.Context, secret, comment string, rpm, tpm int) error {
	var key ApiKey
	err := s.db.WithContext(ctx).First(&key, "key = ?", secret).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: ensure secret: %w", err)
	}
	key = ApiKey{Key: secret, Comment: comment, RPMLimit: rpm, TPMLimit: tpm, Source: "init-config"}
	if err := s.db.WithContext(ctx).Create(&key).Error; err != nil && !isDuplicate(err) {
		return fmt.Errorf("store: ensure secret: %w", err)
	}
	return nil
}

func newKeySecret() string {
	return "sk-mg-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// isDuplicate matches unique-constraint violations across drivers. gorm's
// TranslateError covers postgres and sqlite; the string match is the
// fallback for drivers that slip through.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "duplicate key")
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
