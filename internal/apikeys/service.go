package apikeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrKeyNotFound is returned when a key id or token resolves to nothing.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrKeyRevoked is returned when the presented key has been revoked.
	ErrKeyRevoked = errors.New("api key revoked")
	// ErrKeyExpired is returned when the presented key is past its expiry.
	ErrKeyExpired = errors.New("api key expired")
	// ErrNameConflict is returned when a key name already exists for the
	// repository.
	ErrNameConflict = errors.New("api key name already exists for repository")
)

// Service owns api_keys rows.
type Service struct {
	pool *pgxpool.Pool
}

// NewService creates the API key service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

const keyColumns = `id, repo_id, name, token_hash, scopes, created_at, expires_at, revoked_at, last_used_at`

func scanKey(row pgx.Row) (*Key, error) {
	var k Key
	err := row.Scan(
		&k.ID,
		&k.RepoID,
		&k.Name,
		&k.TokenHash,
		&k.Scopes,
		&k.CreatedAt,
		&k.ExpiresAt,
		&k.RevokedAt,
		&k.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}
	return &k, nil
}

// Create mints a key for a repository and returns it together with the
// plaintext token. The plaintext is not recoverable afterwards.
func (s *Service) Create(ctx context.Context, repoID uuid.UUID, name string, scopes []Scope, expiresAt *time.Time) (*Key, string, error) {
	token, hash, err := MintToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to mint token: %w", err)
	}

	scopeStrs := make([]string, len(scopes))
	for i, scope := range scopes {
		scopeStrs[i] = string(scope)
	}

	query := `
		INSERT INTO api_keys (repo_id, name, token_hash, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + keyColumns

	key, err := scanKey(s.pool.QueryRow(ctx, query, repoID, name, hash, scopeStrs, expiresAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, "", ErrNameConflict
		}
		return nil, "", fmt.Errorf("failed to create api key: %w", err)
	}
	return key, token, nil
}

// GetByID loads one key.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Key, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE id = $1`
	return scanKey(s.pool.QueryRow(ctx, query, id))
}

// ListByRepo returns all keys of a repository, newest first, revoked ones
// included so operators can audit them.
func (s *Service) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]Key, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE repo_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// Revoke marks a key revoked. Revoking twice reports not found so callers
// can surface it.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Authenticate resolves a presented plaintext token to its key. Revoked
// and expired keys fail closed with their own sentinel errors.
func (s *Service) Authenticate(ctx context.Context, token string) (*Key, error) {
	if !ValidTokenFormat(token) {
		return nil, ErrKeyNotFound
	}

	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE token_hash = $1`
	key, err := scanKey(s.pool.QueryRow(ctx, query, HashToken(token)))
	if err != nil {
		return nil, err
	}
	if key.Revoked() {
		return nil, ErrKeyRevoked
	}
	if key.Expired(time.Now()) {
		return nil, ErrKeyExpired
	}
	return key, nil
}

// TouchLastUsed stamps the key's last use. Callers treat failures as
// non-fatal; the stamp is operational telemetry, not an audit log.
func (s *Service) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to update last_used_at: %w", err)
	}
	return nil
}
