package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
)

// StatsBatch accumulates per-address deltas across the items of one
// transaction and flushes them as a single ordered pass. Two concurrent
// workers touching the same pair of addresses deadlock if they upsert in
// opposite orders, so the flush always emits statements in lexicographic
// address order.
type StatsBatch struct {
	deltas map[string]*AddressDelta
}

// NewStatsBatch returns an empty batch.
func NewStatsBatch() *StatsBatch {
	return &StatsBatch{deltas: make(map[string]*AddressDelta)}
}

// Add merges one delta into the batch. Counter contributions are summed; the
// contract flag is sticky; the seen block keeps the highest value.
func (b *StatsBatch) Add(d AddressDelta) {
	if d.Address == "" {
		return
	}
	cur, ok := b.deltas[d.Address]
	if !ok {
		cp := d
		if d.EthSentWei != nil {
			cp.EthSentWei = new(big.Int).Set(d.EthSentWei)
		}
		if d.EthReceivedWei != nil {
			cp.EthReceivedWei = new(big.Int).Set(d.EthReceivedWei)
		}
		b.deltas[d.Address] = &cp
		return
	}
	cur.TxCount += d.TxCount
	cur.ContractDeployments += d.ContractDeployments
	cur.TransfersSent += d.TransfersSent
	cur.TransfersReceived += d.TransfersReceived
	if d.EthSentWei != nil {
		if cur.EthSentWei == nil {
			cur.EthSentWei = new(big.Int)
		}
		cur.EthSentWei.Add(cur.EthSentWei, d.EthSentWei)
	}
	if d.EthReceivedWei != nil {
		if cur.EthReceivedWei == nil {
			cur.EthReceivedWei = new(big.Int)
		}
		cur.EthReceivedWei.Add(cur.EthReceivedWei, d.EthReceivedWei)
	}
	if d.SeenBlock > cur.SeenBlock {
		cur.SeenBlock = d.SeenBlock
	}
	cur.IsContract = cur.IsContract || d.IsContract
	cur.CheckContract = cur.CheckContract || d.CheckContract
}

// ContractCandidates lists addresses whose contract status should be
// resolved against the contracts table before flushing.
func (b *StatsBatch) ContractCandidates() []string {
	var out []string
	for addr, d := range b.deltas {
		if d.CheckContract && !d.IsContract {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// MarkContract flips the contract flag for an address already in the batch.
func (b *StatsBatch) MarkContract(address string) {
	if d, ok := b.deltas[address]; ok {
		d.IsContract = true
	}
}

// Len reports the number of distinct addresses in the batch.
func (b *StatsBatch) Len() int { return len(b.deltas) }

// Ordered returns the merged deltas sorted lexicographically by address.
func (b *StatsBatch) Ordered() []*AddressDelta {
	out := make([]*AddressDelta, 0, len(b.deltas))
	for _, d := range b.deltas {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

const upsertAddressStatsSQL = `INSERT INTO address_stats (
	address, tx_count, eth_sent, eth_received, contract_deployments,
	token_transfers_sent, token_transfers_received,
	first_seen_block, last_seen_block, is_contract, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, now())
ON CONFLICT (address) DO UPDATE SET
	tx_count = address_stats.tx_count + EXCLUDED.tx_count,
	eth_sent = address_stats.eth_sent + EXCLUDED.eth_sent,
	eth_received = address_stats.eth_received + EXCLUDED.eth_received,
	contract_deployments = address_stats.contract_deployments + EXCLUDED.contract_deployments,
	token_transfers_sent = address_stats.token_transfers_sent + EXCLUDED.token_transfers_sent,
	token_transfers_received = address_stats.token_transfers_received + EXCLUDED.token_transfers_received,
	first_seen_block = LEAST(address_stats.first_seen_block, EXCLUDED.first_seen_block),
	last_seen_block = GREATEST(address_stats.last_seen_block, EXCLUDED.last_seen_block),
	is_contract = address_stats.is_contract OR EXCLUDED.is_contract,
	updated_at = now()`

// flushStats issues one additive upsert per address, in lexicographic order.
func flushStats(ctx context.Context, db DB, batch *StatsBatch) error {
	for _, d := range batch.Ordered() {
		_, err := db.Exec(ctx, upsertAddressStatsSQL,
			d.Address,
			d.TxCount,
			numericFromWei(d.EthSentWei),
			numericFromWei(d.EthReceivedWei),
			d.ContractDeployments,
			d.TransfersSent,
			d.TransfersReceived,
			d.SeenBlock,
			d.IsContract,
		)
		if err != nil {
			return fmt.Errorf("upsert stats for %s: %w", d.Address, err)
		}
		statsMeter.Mark(1)
	}
	return nil
}
