package apikeys

import (
	"time"

	"github.com/google/uuid"
)

// Scope is a permission granted to an API key.
type Scope string

const (
	// ScopeIngest allows pushing JUnit reports through the direct upload
	// endpoint.
	ScopeIngest Scope = "ingest"
	// ScopeRead allows read access to the repository's flake data.
	ScopeRead Scope = "read"
)

// Key is an ingest credential bound to one repository.
type Key struct {
	ID         uuid.UUID  `json:"id"`
	RepoID     uuid.UUID  `json:"repo_id"`
	Name       string     `json:"name"`
	TokenHash  []byte     `json:"-"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *Key) Revoked() bool {
	return k.RevokedAt != nil
}

// Expired reports whether the key's expiry has passed.
func (k *Key) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// HasScope reports whether the key carries the given scope.
func (k *Key) HasScope(scope Scope) bool {
	for _, s := range k.Scopes {
		if s == string(scope) {
			return true
		}
	}
	return false
}
