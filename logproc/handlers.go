package logproc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/holiman/uint256"

	"github.com/tos-network/ethidx/dex"
	"github.com/tos-network/ethidx/queue"
	"github.com/tos-network/ethidx/store"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

var (
	uint256ArrayType = mustNewType("uint256[]")

	// TransferBatch data is (uint256[] ids, uint256[] values).
	batchArgs = abi.Arguments{{Type: uint256ArrayType}, {Type: uint256ArrayType}}
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// handleTransfer covers ERC-20 and ERC-721 Transfer, told apart by topic
// count: four topics means the tokenId is indexed, which only ERC-721 does.
func (p *Processor) handleTransfer(ctx context.Context, job *queue.LogJob) (*store.LogWrites, error) {
	if len(job.Topics) < 3 {
		p.skip(job, "transfer without indexed from/to")
		return nil, nil
	}
	from, err := topicAddress(job.Topics[1])
	if err != nil {
		p.skip(job, "bad from topic", "err", err)
		return nil, nil
	}
	to, err := topicAddress(job.Topics[2])
	if err != nil {
		p.skip(job, "bad to topic", "err", err)
		return nil, nil
	}
	tokenAddr := strings.ToLower(job.Address)

	tokenType := store.TokenERC20
	var tokenID, amount *big.Int
	if len(job.Topics) >= 4 {
		tokenType = store.TokenERC721
		if tokenID, err = topicUint(job.Topics[3]); err != nil {
			p.skip(job, "bad tokenId topic", "err", err)
			return nil, nil
		}
		amount = big.NewInt(1)
	} else {
		words, err := dataWords(job.Data, 1)
		if err != nil {
			p.skip(job, "bad transfer amount", "err", err)
			return nil, nil
		}
		amount = words[0].ToBig()
	}

	token, err := p.tokens.Metadata(ctx, tokenAddr, tokenType)
	if err != nil {
		return nil, err
	}

	var normalized *big.Rat
	if tokenType == store.TokenERC721 {
		normalized = big.NewRat(1, 1)
	} else if token.Decimals != nil && *token.Decimals > 0 {
		normalized = store.NormalizedAmount(amount, *token.Decimals)
	}

	w := &store.LogWrites{
		Transfers: []store.Transfer{{
			TxHash:           strings.ToLower(job.TransactionHash),
			LogIndex:         uint64(job.LogIndex),
			TransactionIndex: u64ptr(uint64(job.TransactionIndex)),
			BlockNumber:      uint64(job.BlockNumber),
			BlockTimestamp:   jobTime(job),
			TokenAddress:     tokenAddr,
			TokenSymbol:      token.Symbol,
			TokenType:        tokenType,
			From:             from,
			To:               to,
			TokenID:          tokenID,
			Amount:           amount,
			NormalizedAmount: normalized,
			RawLog:           job.Raw(),
		}},
		Stats: transferStats(from, to, 1, uint64(job.BlockNumber)),
	}
	if tokenType == store.TokenERC721 {
		w.NftStubs = []store.NftStub{{
			TokenAddress:   tokenAddr,
			TokenID:        tokenID,
			TokenType:      store.TokenERC721,
			Owner:          to,
			FirstSeenBlock: uint64(job.BlockNumber),
			FirstSeenTx:    strings.ToLower(job.TransactionHash),
		}}
	}
	transferMeter.Mark(1)
	return w, nil
}

func (p *Processor) handleApproval(ctx context.Context, job *queue.LogJob) (*store.LogWrites, error) {
	if len(job.Topics) < 3 {
		p.skip(job, "approval without indexed owner/spender")
		return nil, nil
	}
	owner, err := topicAddress(job.Topics[1])
	if err != nil {
		p.skip(job, "bad owner topic", "err", err)
		return nil, nil
	}
	spender, err := topicAddress(job.Topics[2])
	if err != nil {
		p.skip(job, "bad spender topic", "err", err)
		return nil, nil
	}
	// Empty data means a zero allowance.
	b, err := dataBytes(job.Data)
	if err != nil {
		p.skip(job, "bad approval amount", "err", err)
		return nil, nil
	}
	amount := new(uint256.Int).SetBytes(b).ToBig()

	return &store.LogWrites{
		Approvals: []store.Approval{{
			TxHash:         strings.ToLower(job.TransactionHash),
			LogIndex:       uint64(job.LogIndex),
			BlockNumber:    uint64(job.BlockNumber),
			BlockTimestamp: jobTime(job),
			TokenAddress:   strings.ToLower(job.Address),
			Owner:          owner,
			Spender:        spender,
			Amount:         amount,
			RawLog:         job.Raw(),
		}},
	}, nil
}

func (p *Processor) handleTransferSingle(ctx context.Context, job *queue.LogJob) (*store.LogWrites, error) {
	if len(job.Topics) < 4 {
		p.skip(job, "transferSingle without indexed from/to")
		return nil, nil
	}
	from, err := topicAddress(job.Topics[2])
	if err != nil {
		p.skip(job, "bad from topic", "err", err)
		return nil, nil
	}
	to, err := topicAddress(job.Topics[3])
	if err != nil {
		p.skip(job, "bad to topic", "err", err)
		return nil, nil
	}
	words, err := dataWords(job.Data, 2)
	if err != nil {
		p.skip(job, "bad transferSingle data", "err", err)
		return nil, nil
	}
	id, amount := words[0].ToBig(), words[1].ToBig()
	tokenAddr := strings.ToLower(job.Address)
	txHash := strings.ToLower(job.TransactionHash)

	w := &store.LogWrites{
		Transfers: []store.Transfer{{
			TxHash:           txHash,
			LogIndex:         uint64(job.LogIndex),
			TransactionIndex: u64ptr(uint64(job.TransactionIndex)),
			BlockNumber:      uint64(job.BlockNumber),
			BlockTimestamp:   jobTime(job),
			TokenAddress:     tokenAddr,
			TokenType:        store.TokenERC1155,
			From:             from,
			To:               to,
			TokenID:          id,
			Amount:           amount,
			NormalizedAmount: new(big.Rat).SetInt(amount),
			RawLog:           job.Raw(),
		}},
		NftStubs: []store.NftStub{{
			TokenAddress:   tokenAddr,
			TokenID:        id,
			TokenType:      store.TokenERC1155,
			Owner:          to,
			FirstSeenBlock: uint64(job.BlockNumber),
			FirstSeenTx:    txHash,
		}},
		Stats: transferStats(from, to, 1, uint64(job.BlockNumber)),
	}
	transferMeter.Mark(1)
	return w, nil
}

// handleTransferBatch fans one batch event out into per-id transfer rows.
// The synthetic log index base*1000+i keeps the (tx_hash, log_index) key
// unique across the batch.
func (p *Processor) handleTransferBatch(ctx context.Context, job *queue.LogJob) (*store.LogWrites, error) {
	if len(job.Topics) < 4 {
		p.skip(job, "transferBatch without indexed from/to")
		return nil, nil
	}
	from, err := topicAddress(job.Topics[2])
	if err != nil {
		p.skip(job, "bad from topic", "err", err)
		return nil, nil
	}
	to, err := topicAddress(job.Topics[3])
	if err != nil {
		p.skip(job, "bad to topic", "err", err)
		return nil, nil
	}
	b, err := dataBytes(job.Data)
	if err != nil {
		p.skip(job, "bad transferBatch data", "err", err)
		return nil, nil
	}
	vals, err := batchArgs.Unpack(b)
	if err != nil {
		p.skip(job, "transferBatch abi decode failed", "err", err)
		return nil, nil
	}
	ids, ok0 := vals[0].([]*big.Int)
	values, ok1 := vals[1].([]*big.Int)
	if !ok0 || !ok1 {
		p.skip(job, "transferBatch abi decode returned unexpected types")
		return nil, nil
	}
	if len(ids) != len(values) {
		p.skip(job, "transferBatch ids/values length mismatch", "ids", len(ids), "values", len(values))
		return nil, nil
	}

	tokenAddr := strings.ToLower(job.Address)
	txHash := strings.ToLower(job.TransactionHash)
	base := uint64(job.LogIndex)
	w := &store.LogWrites{}
	for i := range ids {
		w.Transfers = append(w.Transfers, store.Transfer{
			TxHash:           txHash,
			LogIndex:         base*1000 + uint64(i),
			TransactionIndex: u64ptr(uint64(job.TransactionIndex)),
			BlockNumber:      uint64(job.BlockNumber),
			BlockTimestamp:   jobTime(job),
			TokenAddress:     tokenAddr,
			TokenType:        store.TokenERC1155,
			From:             from,
			To:               to,
			TokenID:          ids[i],
			Amount:           values[i],
			NormalizedAmount: new(big.Rat).SetInt(values[i]),
			RawLog:           job.Raw(),
		})
		w.NftStubs = append(w.NftStubs, store.NftStub{
			TokenAddress:   tokenAddr,
			TokenID:        ids[i],
			TokenType:      store.TokenERC1155,
			Owner:          to,
			FirstSeenBlock: uint64(job.BlockNumber),
			FirstSeenTx:    txHash,
		})
	}
	w.Stats = transferStats(from, to, int64(len(ids)), uint64(job.BlockNumber))
	transferMeter.Mark(int64(len(ids)))
	return w, nil
}

func (p *Processor) handleSwapV2(ctx context.Context, job *queue.LogJob) (*store.LogWrites, error) {
	if len(job.Topics) < 3 {
		p.skip(job, "swap without indexed sender/recipient")
		return nil, nil
	}
	sender, err := topicAddress(job.Topics[1])
	if err != nil {
		p.skip(job, "bad sender topic", "err", err)
		return nil, nil
	}
	recipient, err := topicAddress(job.Topics[2])
	if err != nil {
		p.skip(job, "bad recipient topic", "err", err)
		return nil, nil
	}
	words, err := dataWords(job.Data, 4)
	if err != nil {
		p.skip(job, "bad swap data", "err", err)
		return nil, nil
	}
	poolAddr := strings.ToLower(job.Address)
	pool, err := p.pools.Pool(ctx, poolAddr)
	if err != nil {
		return nil, err
	}

	swapMeter.Mark(1)
	return &store.LogWrites{
		Swaps: []store.Swap{{
			TxHash:         strings.ToLower(job.TransactionHash),
			LogIndex:       uint64(job.LogIndex),
			BlockNumber:    uint64(job.BlockNumber),
			BlockTimestamp: jobTime(job),
			DexName:        dex.NameByFactory(pool.Factory),
			PoolAddress:    poolAddr,
			Token0:         pool.Token0,
			Token1:         pool.Token1,
			Sender:         sender,
			Recipient:      recipient,
			Amount0In:      words[0].Dec(),
			Amount1In:      words[1].Dec(),
			Amount0Out:     words[2].Dec(),
			Amount1Out:     words[3].Dec(),
			RawLog:         job.Raw(),
		}},
	}, nil
}

func (p *Processor) handleSwapV3(ctx context.Context, job *queue.LogJob) (*store.LogWrites, error) {
	if len(job.Topics) < 3 {
		p.skip(job, "swap without indexed sender/recipient")
		return nil, nil
	}
	sender, err := topicAddress(job.Topics[1])
	if err != nil {
		p.skip(job, "bad sender topic", "err", err)
		return nil, nil
	}
	recipient, err := topicAddress(job.Topics[2])
	if err != nil {
		p.skip(job, "bad recipient topic", "err", err)
		return nil, nil
	}
	words, err := dataWords(job.Data, 5)
	if err != nil {
		p.skip(job, "bad swap data", "err", err)
		return nil, nil
	}
	poolAddr := strings.ToLower(job.Address)
	pool, err := p.pools.Pool(ctx, poolAddr)
	if err != nil {
		return nil, err
	}

	amount0In, amount0Out := splitSigned(math.S256(words[0].ToBig()))
	amount1In, amount1Out := splitSigned(math.S256(words[1].ToBig()))
	tick := int32(math.S256(words[4].ToBig()).Int64())

	swapMeter.Mark(1)
	return &store.LogWrites{
		Swaps: []store.Swap{{
			TxHash:         strings.ToLower(job.TransactionHash),
			LogIndex:       uint64(job.LogIndex),
			BlockNumber:    uint64(job.BlockNumber),
			BlockTimestamp: jobTime(job),
			DexName:        dex.UniswapV3,
			PoolAddress:    poolAddr,
			Token0:         pool.Token0,
			Token1:         pool.Token1,
			Sender:         sender,
			Recipient:      recipient,
			Amount0In:      amount0In,
			Amount1In:      amount1In,
			Amount0Out:     amount0Out,
			Amount1Out:     amount1Out,
			SqrtPriceX96:   words[2].ToBig(),
			Liquidity:      words[3].ToBig(),
			Tick:           &tick,
			RawLog:         job.Raw(),
		}},
	}, nil
}

// splitSigned maps one signed swap amount to its directional columns: a
// negative amount is the input side, stored as its magnitude, a positive
// one the output side.
func splitSigned(v *big.Int) (in, out string) {
	if v.Sign() < 0 {
		return new(big.Int).Neg(v).String(), "0"
	}
	return "0", v.String()
}

// transferStats builds the per-side transfer counters, skipping the zero
// address on mints and burns.
func transferStats(from, to string, n int64, block uint64) []store.AddressDelta {
	var stats []store.AddressDelta
	if from != zeroAddress {
		stats = append(stats, store.AddressDelta{Address: from, TransfersSent: n, SeenBlock: block})
	}
	if to != zeroAddress {
		stats = append(stats, store.AddressDelta{Address: to, TransfersReceived: n, SeenBlock: block})
	}
	return stats
}

// topicAddress extracts the address packed into a 32-byte topic.
func topicAddress(topic string) (string, error) {
	b, err := hexutil.Decode(topic)
	if err != nil {
		return "", err
	}
	if len(b) != common.HashLength {
		return "", fmt.Errorf("topic is %d bytes, want %d", len(b), common.HashLength)
	}
	return hexutil.Encode(b[common.HashLength-common.AddressLength:]), nil
}

// topicUint parses a 32-byte topic as an unsigned integer.
func topicUint(topic string) (*big.Int, error) {
	b, err := hexutil.Decode(topic)
	if err != nil {
		return nil, err
	}
	if len(b) != common.HashLength {
		return nil, fmt.Errorf("topic is %d bytes, want %d", len(b), common.HashLength)
	}
	return new(uint256.Int).SetBytes(b).ToBig(), nil
}

// dataWords decodes log data and splits it into at least want 32-byte
// words.
func dataWords(data string, want int) ([]*uint256.Int, error) {
	b, err := dataBytes(data)
	if err != nil {
		return nil, err
	}
	if len(b) < want*32 {
		return nil, fmt.Errorf("data is %d bytes, want %d", len(b), want*32)
	}
	words := make([]*uint256.Int, want)
	for i := range words {
		words[i] = new(uint256.Int).SetBytes(b[i*32 : (i+1)*32])
	}
	return words, nil
}

// dataBytes decodes the data hex, treating "" and "0x" as empty.
func dataBytes(data string) ([]byte, error) {
	if data == "" || data == "0x" {
		return nil, nil
	}
	return hexutil.Decode(data)
}

func jobTime(job *queue.LogJob) time.Time {
	return time.Unix(int64(job.BlockTimestamp), 0).UTC()
}

func u64ptr(v uint64) *uint64 { return &v }
