package blockproc

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tos-network/ethidx/ethrpc"
	"github.com/tos-network/ethidx/store"
)

// assemble turns a fetched block into its store write set. Per-transaction
// decoding fans out over the worker pool because deployment transactions
// need extra receipt and code lookups; the USD price is fetched once for
// the whole block.
func (p *Processor) assemble(ctx context.Context, block *ethrpc.Block) (*store.BlockWrites, error) {
	writes := &store.BlockWrites{
		BlockNumber: block.NumberU64(),
		BlockHash:   ethrpc.HashHex(block.Hash),
		Txs:         make([]store.TxWrite, len(block.Transactions)),
	}
	if len(block.Transactions) == 0 {
		return writes, nil
	}

	var price float64
	var havePrice bool
	if p.price != nil {
		price, havePrice = p.price.EthPrice(ctx)
	}

	errs := make([]error, len(block.Transactions))
	var wg sync.WaitGroup
	for i := range block.Transactions {
		i := i
		wg.Add(1)
		p.pool.Submit(func() {
			defer wg.Done()
			writes.Txs[i], errs[i] = p.parseTx(ctx, block, i, price, havePrice)
		})
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("tx %s: %w", ethrpc.HashHex(block.Transactions[i].Hash), err)
		}
	}
	return writes, nil
}

// parseTx derives the transaction row, the deployment record when the tx
// created a contract, and the address stat deltas for both ends.
func (p *Processor) parseTx(ctx context.Context, block *ethrpc.Block, i int, price float64, havePrice bool) (store.TxWrite, error) {
	tx := &block.Transactions[i]
	height := block.NumberU64()
	from := ethrpc.AddressHex(tx.From)

	value := new(big.Int)
	if tx.Value != nil {
		value.Set((*big.Int)(tx.Value))
	}

	row := store.Transaction{
		Hash:                 ethrpc.HashHex(tx.Hash),
		BlockNumber:          height,
		BlockHash:            ethrpc.HashHex(block.Hash),
		BlockTimestamp:       block.Time(),
		From:                 from,
		Value:                value,
		GasUsed:              uint64(tx.Gas),
		GasPrice:             bigOrNil(tx.GasPrice),
		EffectiveGasPrice:    effectiveGasPrice(bigOrNil(tx.GasPrice), bigOrNil(tx.MaxFeePerGas), bigOrNil(tx.MaxPriorityFeePerGas), bigOrNil(block.BaseFee())),
		MaxFeePerGas:         bigOrNil(tx.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOrNil(tx.MaxPriorityFeePerGas),
		Input:                tx.Input.String(),
		Status:               1,
	}
	if tx.Type != nil {
		t := int16(*tx.Type)
		row.TxnType = &t
	}
	if havePrice {
		usd := store.WeiToEther(value) * price
		row.ValueUSD = &usd
	}

	fromDelta := store.AddressDelta{
		Address:    from,
		TxCount:    1,
		EthSentWei: new(big.Int).Set(value),
		SeenBlock:  height,
	}

	var contract *store.Contract
	var toDelta *store.AddressDelta
	if tx.To != nil {
		to := ethrpc.AddressHex(*tx.To)
		row.To = &to
		toDelta = &store.AddressDelta{
			Address:        to,
			TxCount:        1,
			EthReceivedWei: new(big.Int).Set(value),
			SeenBlock:      height,
			CheckContract:  true,
		}
	} else {
		receipt, err := p.chain.TransactionReceipt(ctx, tx.Hash)
		if err != nil {
			return store.TxWrite{}, fmt.Errorf("receipt: %w", err)
		}
		if receipt != nil && receipt.ContractAddress != nil {
			code, err := p.chain.CodeAt(ctx, *receipt.ContractAddress)
			if err != nil {
				return store.TxWrite{}, fmt.Errorf("code at %s: %w", ethrpc.AddressHex(*receipt.ContractAddress), err)
			}
			bytecodeHash := hexutil.Encode(crypto.Keccak256(code))
			contract = &store.Contract{
				Address:               ethrpc.AddressHex(*receipt.ContractAddress),
				Deployer:              from,
				DeploymentTxHash:      row.Hash,
				DeploymentBlockNumber: height,
				DeploymentTimestamp:   block.Time(),
				BytecodeHash:          &bytecodeHash,
			}
			fromDelta.ContractDeployments = 1
		}
	}

	stats := []store.AddressDelta{fromDelta}
	if toDelta != nil {
		stats = append(stats, *toDelta)
	}
	return store.TxWrite{Tx: row, Contract: contract, Stats: stats}, nil
}

// effectiveGasPrice derives the per-gas price actually paid. A type-2
// transaction in a post-London block pays min(maxFee, baseFee+priority);
// everything else pays its gasPrice.
func effectiveGasPrice(gasPrice, maxFee, maxPriority, baseFee *big.Int) *big.Int {
	if maxFee != nil && maxPriority != nil && baseFee != nil {
		eff := new(big.Int).Add(baseFee, maxPriority)
		if eff.Cmp(maxFee) > 0 {
			eff.Set(maxFee)
		}
		return eff
	}
	if gasPrice == nil {
		return nil
	}
	return new(big.Int).Set(gasPrice)
}

func bigOrNil(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(v))
}
