package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AuthenticateAPIKey checks a hashed API key against the active admin
// accounts. A match stamps the account's last_used_at.
func (s *Store) AuthenticateAPIKey(ctx context.Context, keyHash string) (bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM admins WHERE api_key_hash = $1 AND is_active`, keyHash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authenticate api key: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE admins SET last_used_at = now() WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("stamp admin usage: %w", err)
	}
	return true, nil
}
