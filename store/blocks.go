package store

import (
	"context"
	"fmt"
)

// EnsureBlock registers a block row in PROCESSING state before the worker
// starts on it. Re-deliveries of the same block job reclaim the existing row
// instead of conflicting.
func (s *Store) EnsureBlock(ctx context.Context, number uint64, hash, workerID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO blocks (
		block_number, block_hash, canonical, worker_id, worker_status
	) VALUES ($1, $2, false, $3, $4)
	ON CONFLICT (block_number) DO UPDATE SET
		worker_id = EXCLUDED.worker_id,
		worker_status = EXCLUDED.worker_status`,
		number, hash, workerID, WorkerProcessing)
	if err != nil {
		return fmt.Errorf("ensure block %d: %w", number, err)
	}
	return nil
}

// MarkBlockError flags a block whose processing failed after the row was
// created. Runs outside the failed transaction.
func (s *Store) MarkBlockError(ctx context.Context, number uint64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE blocks SET worker_status = $2 WHERE block_number = $1`,
		number, WorkerError)
	if err != nil {
		return fmt.Errorf("mark block %d errored: %w", number, err)
	}
	return nil
}

// BlockStatus reads back a block's worker status, mainly for tests and the
// admin surface.
func (s *Store) BlockStatus(ctx context.Context, number uint64) (WorkerStatus, error) {
	var status WorkerStatus
	err := s.pool.QueryRow(ctx,
		`SELECT worker_status FROM blocks WHERE block_number = $1`, number).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("read block %d status: %w", number, err)
	}
	return status, nil
}
