package store

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// maxFetchErrorLen caps the stored fetch error text.
const maxFetchErrorLen = 500

// ListUnfetchedNfts returns stubs whose off-chain metadata has never been
// fetched, oldest sighting first.
func (s *Store) ListUnfetchedNfts(ctx context.Context, limit int) ([]NftMetadata, error) {
	rows, err := s.pool.Query(ctx, `SELECT token_address, token_id, token_type, token_uri, owner
		FROM nft_metadata
		WHERE NOT metadata_fetched AND NOT metadata_fetch_failed
		ORDER BY first_seen_block
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unfetched nfts: %w", err)
	}
	return scanNftRows(rows)
}

// ListFailedNfts returns rows whose last fetch failed before the given
// cutoff, so stale failures get another chance.
func (s *Store) ListFailedNfts(ctx context.Context, limit int, before time.Time) ([]NftMetadata, error) {
	rows, err := s.pool.Query(ctx, `SELECT token_address, token_id, token_type, token_uri, owner
		FROM nft_metadata
		WHERE metadata_fetch_failed AND (last_fetched_at IS NULL OR last_fetched_at < $2)
		ORDER BY last_fetched_at NULLS FIRST
		LIMIT $1`, limit, before)
	if err != nil {
		return nil, fmt.Errorf("list failed nfts: %w", err)
	}
	return scanNftRows(rows)
}

func scanNftRows(rows pgx.Rows) ([]NftMetadata, error) {
	defer rows.Close()
	var out []NftMetadata
	for rows.Next() {
		var (
			m  NftMetadata
			id pgtype.Numeric
		)
		if err := rows.Scan(&m.TokenAddress, &id, &m.TokenType, &m.TokenURI, &m.Owner); err != nil {
			return nil, fmt.Errorf("scan nft row: %w", err)
		}
		m.TokenID = bigFromNumeric(id)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nft rows: %w", err)
	}
	return out, nil
}

// SaveNftMetadata stores the fetched off-chain fields and marks the row
// fetched.
func (s *Store) SaveNftMetadata(ctx context.Context, m *NftMetadata) error {
	_, err := s.pool.Exec(ctx, `UPDATE nft_metadata SET
		token_uri = $3,
		name = $4,
		description = $5,
		image_url = $6,
		external_url = $7,
		animation_url = $8,
		attributes = $9,
		metadata_fetched = true,
		metadata_fetch_failed = false,
		metadata_fetch_error = NULL,
		last_fetched_at = now()
		WHERE token_address = $1 AND token_id = $2`,
		m.TokenAddress, numericFromBig(m.TokenID),
		m.TokenURI, m.Name, m.Description, m.ImageURL, m.ExternalURL, m.AnimationURL,
		m.Attributes)
	if err != nil {
		return fmt.Errorf("save nft metadata %s/%s: %w", m.TokenAddress, m.TokenID, err)
	}
	return nil
}

// MarkNftFetchFailed records a failed metadata fetch with a truncated error
// message, keeping the row eligible for the delayed retry pass.
func (s *Store) MarkNftFetchFailed(ctx context.Context, tokenAddress string, tokenID *big.Int, fetchErr error) error {
	msg := ""
	if fetchErr != nil {
		msg = fetchErr.Error()
	}
	if len(msg) > maxFetchErrorLen {
		msg = msg[:maxFetchErrorLen]
	}
	_, err := s.pool.Exec(ctx, `UPDATE nft_metadata SET
		metadata_fetch_failed = true,
		metadata_fetch_error = $3,
		last_fetched_at = now()
		WHERE token_address = $1 AND token_id = $2`,
		tokenAddress, numericFromBig(tokenID), msg)
	if err != nil {
		return fmt.Errorf("mark nft fetch failed %s: %w", tokenAddress, err)
	}
	return nil
}
