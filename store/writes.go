package store

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jackc/pgx/v5"
)

// TxWrite bundles everything derived from one transaction of a block: the
// row itself, the contract deployment if the tx created one, and the address
// stat contributions. The stats only count once the row insert sticks.
type TxWrite struct {
	Tx       Transaction
	Contract *Contract
	Stats    []AddressDelta
}

// BlockWrites is the full write set assembled for one block job.
type BlockWrites struct {
	BlockNumber uint64
	BlockHash   string
	Txs         []TxWrite
}

// LogWrites is the write set assembled for one log job. A handler fills the
// slices relevant to its event type and leaves the rest empty.
type LogWrites struct {
	Transfers []Transfer
	Approvals []Approval
	Swaps     []Swap
	NftStubs  []NftStub
	Stats     []AddressDelta
}

// Empty reports whether the write set carries nothing to persist.
func (w *LogWrites) Empty() bool {
	return len(w.Transfers) == 0 && len(w.Approvals) == 0 && len(w.Swaps) == 0 &&
		len(w.NftStubs) == 0 && len(w.Stats) == 0
}

// ApplyBlockWrites commits a block's write set in one outer transaction.
// The canonical hash is stamped first, then every transaction is inserted
// under its own savepoint so one bad row cannot poison the block, and the
// merged address stats are flushed in lexicographic order before the block
// row is marked DONE. The returned count is the number of transaction rows
// that stuck.
func (s *Store) ApplyBlockWrites(ctx context.Context, w *BlockWrites) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin block %d: %w", w.BlockNumber, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE blocks SET block_hash = $2, canonical = true WHERE block_number = $1`,
		w.BlockNumber, w.BlockHash)
	if err != nil {
		return 0, fmt.Errorf("stamp canonical hash for block %d: %w", w.BlockNumber, err)
	}

	applied := 0
	stats := NewStatsBatch()
	for i := range w.Txs {
		txw := &w.Txs[i]
		err := withSavepoint(ctx, tx, func(sp pgx.Tx) error {
			if err := insertTransaction(ctx, sp, &txw.Tx); err != nil {
				return err
			}
			if txw.Contract != nil {
				if err := insertContract(ctx, sp, txw.Contract); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			if IsUniqueViolation(err) {
				duplicateMeter.Mark(1)
				log.Debug("Transaction already indexed", "tx", txw.Tx.Hash, "block", w.BlockNumber)
			} else {
				log.Warn("Transaction write failed", "tx", txw.Tx.Hash, "block", w.BlockNumber, "err", err)
			}
			continue
		}
		applied++
		for _, d := range txw.Stats {
			stats.Add(d)
		}
	}

	if err := resolveContractFlags(ctx, tx, stats); err != nil {
		return 0, err
	}
	if err := flushStats(ctx, tx, stats); err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE blocks SET worker_status = $2, processed_at = now() WHERE block_number = $1`,
		w.BlockNumber, WorkerDone)
	if err != nil {
		return 0, fmt.Errorf("finish block %d: %w", w.BlockNumber, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit block %d: %w", w.BlockNumber, err)
	}
	return applied, nil
}

// ApplyLogWrites commits a log handler's write set in one transaction. A
// primary-key conflict on any event row means the event was already indexed
// by an earlier delivery: the whole transaction rolls back silently and the
// call reports applied=false. Stats flush last, in lexicographic order.
func (s *Store) ApplyLogWrites(ctx context.Context, w *LogWrites) (bool, error) {
	if w.Empty() {
		return false, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin log writes: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := applyLogWrites(ctx, tx, w); err != nil {
		if IsUniqueViolation(err) {
			duplicateMeter.Mark(1)
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit log writes: %w", err)
	}
	return true, nil
}

func applyLogWrites(ctx context.Context, db DB, w *LogWrites) error {
	for i := range w.Transfers {
		if err := insertTransfer(ctx, db, &w.Transfers[i]); err != nil {
			return err
		}
	}
	for i := range w.Approvals {
		if err := insertApproval(ctx, db, &w.Approvals[i]); err != nil {
			return err
		}
	}
	for i := range w.Swaps {
		if err := insertSwap(ctx, db, &w.Swaps[i]); err != nil {
			return err
		}
	}
	for i := range w.NftStubs {
		if err := upsertNftStub(ctx, db, &w.NftStubs[i]); err != nil {
			return err
		}
	}
	batch := NewStatsBatch()
	for _, d := range w.Stats {
		batch.Add(d)
	}
	return flushStats(ctx, db, batch)
}

// resolveContractFlags checks which recipient addresses of the batch are
// known contracts, including ones deployed earlier in this same
// transaction, and marks them so the stats upsert can set is_contract.
func resolveContractFlags(ctx context.Context, db DB, batch *StatsBatch) error {
	candidates := batch.ContractCandidates()
	if len(candidates) == 0 {
		return nil
	}
	rows, err := db.Query(ctx,
		`SELECT contract_address FROM contracts WHERE contract_address = ANY($1)`, candidates)
	if err != nil {
		return fmt.Errorf("resolve contract flags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return fmt.Errorf("scan contract flag: %w", err)
		}
		batch.MarkContract(addr)
	}
	return rows.Err()
}

func insertTransaction(ctx context.Context, db DB, t *Transaction) error {
	_, err := db.Exec(ctx, `INSERT INTO transactions (
		tx_hash, block_number, block_hash, block_timestamp,
		from_address, to_address, value, value_usd,
		gas_used, gas_price, effective_gas_price,
		max_fee_per_gas, max_priority_fee_per_gas,
		txn_type, input, status
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.Hash, t.BlockNumber, t.BlockHash, t.BlockTimestamp,
		t.From, t.To, numericFromBig(t.Value), t.ValueUSD,
		t.GasUsed, numericFromBig(t.GasPrice), numericFromBig(t.EffectiveGasPrice),
		numericFromBig(t.MaxFeePerGas), numericFromBig(t.MaxPriorityFeePerGas),
		t.TxnType, t.Input, t.Status)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.Hash, err)
	}
	return nil
}

func insertContract(ctx context.Context, db DB, c *Contract) error {
	_, err := db.Exec(ctx, `INSERT INTO contracts (
		contract_address, deployer, deployment_tx_hash,
		deployment_block_number, deployment_timestamp,
		bytecode_hash, is_verified, name
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.Address, c.Deployer, c.DeploymentTxHash,
		c.DeploymentBlockNumber, c.DeploymentTimestamp,
		c.BytecodeHash, c.IsVerified, c.Name)
	if err != nil {
		return fmt.Errorf("insert contract %s: %w", c.Address, err)
	}
	return nil
}

func insertTransfer(ctx context.Context, db DB, t *Transfer) error {
	_, err := db.Exec(ctx, `INSERT INTO transfers (
		tx_hash, log_index, transaction_index, block_number, block_timestamp,
		token_address, token_symbol, token_type, from_address, to_address,
		token_id, amount, normalized_amount, amount_usd,
		price_source, price_timestamp, receipt_status, raw_log, inserted_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,now())`,
		t.TxHash, t.LogIndex, t.TransactionIndex, t.BlockNumber, t.BlockTimestamp,
		t.TokenAddress, t.TokenSymbol, t.TokenType, t.From, t.To,
		numericFromBig(t.TokenID), numericFromBig(t.Amount), numericFromRat(t.NormalizedAmount), t.AmountUSD,
		t.PriceSource, t.PriceTimestamp, t.ReceiptStatus, t.RawLog)
	if err != nil {
		return fmt.Errorf("insert transfer %s:%d: %w", t.TxHash, t.LogIndex, err)
	}
	return nil
}

func insertApproval(ctx context.Context, db DB, a *Approval) error {
	_, err := db.Exec(ctx, `INSERT INTO approvals (
		tx_hash, log_index, block_number, block_timestamp,
		token_address, owner_address, spender_address, amount, raw_log, inserted_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())`,
		a.TxHash, a.LogIndex, a.BlockNumber, a.BlockTimestamp,
		a.TokenAddress, a.Owner, a.Spender, numericFromBig(a.Amount), a.RawLog)
	if err != nil {
		return fmt.Errorf("insert approval %s:%d: %w", a.TxHash, a.LogIndex, err)
	}
	return nil
}

func insertSwap(ctx context.Context, db DB, sw *Swap) error {
	_, err := db.Exec(ctx, `INSERT INTO swaps (
		tx_hash, log_index, block_number, block_timestamp,
		dex_name, pool_address, token0_address, token1_address,
		sender_address, recipient_address,
		amount0_in, amount1_in, amount0_out, amount1_out,
		sqrt_price_x96, liquidity, tick, raw_log, inserted_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,now())`,
		sw.TxHash, sw.LogIndex, sw.BlockNumber, sw.BlockTimestamp,
		sw.DexName, sw.PoolAddress, sw.Token0, sw.Token1,
		sw.Sender, sw.Recipient,
		sw.Amount0In, sw.Amount1In, sw.Amount0Out, sw.Amount1Out,
		numericFromBig(sw.SqrtPriceX96), numericFromBig(sw.Liquidity), sw.Tick, sw.RawLog)
	if err != nil {
		return fmt.Errorf("insert swap %s:%d: %w", sw.TxHash, sw.LogIndex, err)
	}
	return nil
}

// upsertNftStub creates the on-chain half of an NFT metadata row, or on a
// repeat sighting just moves the owner forward. Fetch flags are left alone
// so the metadata fetcher's progress survives later transfers.
func upsertNftStub(ctx context.Context, db DB, n *NftStub) error {
	_, err := db.Exec(ctx, `INSERT INTO nft_metadata (
		token_address, token_id, token_type, owner,
		first_seen_block, first_seen_tx, metadata_fetched, metadata_fetch_failed
	) VALUES ($1,$2,$3,$4,$5,$6,false,false)
	ON CONFLICT (token_address, token_id) DO UPDATE SET owner = EXCLUDED.owner`,
		n.TokenAddress, numericFromBig(n.TokenID), n.TokenType, n.Owner,
		n.FirstSeenBlock, n.FirstSeenTx)
	if err != nil {
		return fmt.Errorf("upsert nft stub %s/%s: %w", n.TokenAddress, n.TokenID, err)
	}
	return nil
}
