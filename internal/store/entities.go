package store

import (
	"time"

	"gorm.io/gorm"
)

// Completion statuses. Pending is the only non-terminal state.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAborted   = "aborted"
)

// Model types.
const (
	ModelTypeChat      = "chat"
	ModelTypeEmbedding = "embedding"
)

// Dedup entry states.
const (
	ReqIDInFlight  = "in_flight"
	ReqIDFinalized = "finalized"
)

// ApiKey is a client credential. Revoked keys and keys past ExpiresAt fail
// authentication but keep their row.
type ApiKey struct {
	ID         uint       `gorm:"primarykey"`
	Key        string     `gorm:"uniqueIndex;size:128;not null"`
	ExternalID *string    `gorm:"uniqueIndex;size:128"`
	Revoked    bool       `gorm:"not null;default:false"`
	ExpiresAt  *time.Time ``
	RPMLimit   int        `gorm:"not null;default:0"` // 0 = unlimited
	TPMLimit   int        `gorm:"not null;default:0"` // 0 = unlimited
	Source     string     `gorm:"size:64"`
	Comment    string     `gorm:"size:255"`
	LastSeen   *time.Time ``
	CreatedAt  time.Time
}

// Provider is one upstream endpoint. Soft-deleted providers drop out of
// candidate resolution but keep their completions' foreign keys valid.
type Provider struct {
	ID         uint   `gorm:"primarykey"`
	Name       string `gorm:"uniqueIndex;size:128;not null"`
	Type       string `gorm:"size:32;not null"`
	BaseURL    string `gorm:"size:512;not null"`
	APIKey     string `gorm:"size:512"`
	APIVersion string `gorm:"size:64"`
	ProxyURL   string `gorm:"size:512"`
	CreatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

// Model maps a logical model name onto one provider's native model id.
type Model struct {
	ID            uint    `gorm:"primarykey"`
	ProviderID    uint    `gorm:"uniqueIndex:idx_provider_system;not null"`
	SystemName    string  `gorm:"uniqueIndex:idx_provider_system;index;size:128;not null"`
	RemoteID      string  `gorm:"size:128"`
	ModelType     string  `gorm:"size:16;not null;default:chat"`
	Weight        int     `gorm:"not null;default:1"`
	ContextLength int     ``
	PriceInput    float64 ``
	PriceOutput   float64 ``
	CreatedAt     time.Time
}

// UpstreamModel returns the provider-side model name.
func (m *Model) UpstreamModel() string {
	if m.RemoteID != "" {
		return m.RemoteID
	}
	return m.SystemName
}

// Completion is the audit record of one chat request. Token counts of -1
// mean unknown; they are never charged. TTFT and Duration stay -1 when the
// request failed before the first byte.
type Completion struct {
	ID               uint    `gorm:"primarykey"`
	ApiKeyID         uint    `gorm:"index;not null"`
	ModelID          *uint   ``
	RequestedModel   string  `gorm:"size:128"`
	Prompt           string  `gorm:"type:text"`
	PromptTokens     int     `gorm:"not null;default:-1"`
	Completion       string  `gorm:"type:text"`
	CompletionTokens int     `gorm:"not null;default:-1"`
	Status           string  `gorm:"size:16;not null;default:pending"`
	TTFTMs           int64   `gorm:"not null;default:-1"`
	DurationMs       int64   `gorm:"not null;default:-1"`
	CachedBody       string  `gorm:"type:text"`
	CachedFormat     string  `gorm:"size:32"`
	ReqID            *string `gorm:"size:128"`
	CreatedAt        time.Time
}

// Embedding is the audit record of one embeddings request.
type Embedding struct {
	ID          uint   `gorm:"primarykey"`
	ApiKeyID    uint   `gorm:"index;not null"`
	ModelID     uint   ``
	Input       string `gorm:"type:text"`
	InputTokens int    `gorm:"not null;default:-1"`
	Vectors     string `gorm:"type:text"` // JSON array of float arrays
	Dimensions  int    ``
	Status      string `gorm:"size:16;not null"`
	DurationMs  int64  `gorm:"not null;default:-1"`
	CreatedAt   time.Time
}

// Setting is a single named flag or value, e.g. the init-config marker.
type Setting struct {
	Name      string `gorm:"primarykey;size:64"`
	Value     string `gorm:"size:255"`
	UpdatedAt time.Time
}

// ReqIDEntry is the dedup slot for one (apiKeyId, reqId) pair. The unique
// index is what makes the claim atomic.
type ReqIDEntry struct {
	ID           uint   `gorm:"primarykey"`
	ApiKeyID     uint   `gorm:"uniqueIndex:idx_key_reqid;not null"`
	ReqID        string `gorm:"uniqueIndex:idx_key_reqid;size:128;not null"`
	CompletionID uint   `gorm:"not null"`
	State        string `gorm:"size:16;not null;default:in_flight"`
	CreatedAt    time.Time
}
