package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetToken looks up cached token metadata by contract address. A miss
// returns (nil, nil).
func (s *Store) GetToken(ctx context.Context, address string) (*Token, error) {
	t := Token{Address: address}
	err := s.pool.QueryRow(ctx, `SELECT symbol, name, decimals, token_type, failed
		FROM tokens WHERE token_address = $1`, address).
		Scan(&t.Symbol, &t.Name, &t.Decimals, &t.Type, &t.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", address, err)
	}
	return &t, nil
}

// UpsertToken caches resolved token metadata, replacing any earlier
// resolution for the same contract.
func (s *Store) UpsertToken(ctx context.Context, t *Token) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO tokens (
		token_address, symbol, name, decimals, token_type, failed, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,now())
	ON CONFLICT (token_address) DO UPDATE SET
		symbol = EXCLUDED.symbol,
		name = EXCLUDED.name,
		decimals = EXCLUDED.decimals,
		token_type = EXCLUDED.token_type,
		failed = EXCLUDED.failed,
		updated_at = now()`,
		t.Address, t.Symbol, t.Name, t.Decimals, t.Type, t.Failed)
	if err != nil {
		return fmt.Errorf("upsert token %s: %w", t.Address, err)
	}
	return nil
}
