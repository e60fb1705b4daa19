package ethrpc

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Block is the raw eth_getBlockByNumber result with full transactions.
type Block struct {
	Number        hexutil.Uint64 `json:"number"`
	Hash          common.Hash    `json:"hash"`
	ParentHash    common.Hash    `json:"parentHash"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
	GasLimit      hexutil.Uint64 `json:"gasLimit"`
	GasUsed       hexutil.Uint64 `json:"gasUsed"`
	Miner         common.Address `json:"miner"`
	Transactions  []Tx           `json:"transactions"`
}

// NumberU64 returns the block height.
func (b *Block) NumberU64() uint64 { return uint64(b.Number) }

// Time returns the block timestamp as UTC wall time.
func (b *Block) Time() time.Time { return time.Unix(int64(b.Timestamp), 0).UTC() }

// BaseFee returns the EIP-1559 base fee, or nil on pre-London blocks.
func (b *Block) BaseFee() *hexutil.Big { return b.BaseFeePerGas }

// Tx is one raw transaction object inside a block payload. Fee fields that
// depend on the transaction type stay pointers; legacy transactions carry
// only gasPrice, type-2 ones also maxFeePerGas and maxPriorityFeePerGas.
type Tx struct {
	Hash                 common.Hash     `json:"hash"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to"`
	Value                *hexutil.Big    `json:"value"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Type                 *hexutil.Uint64 `json:"type"`
	TransactionIndex     *hexutil.Uint64 `json:"transactionIndex"`
	Input                hexutil.Bytes   `json:"input"`
}

// Receipt carries the receipt fields the block processor needs for contract
// deployments.
type Receipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	ContractAddress *common.Address `json:"contractAddress"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
	Status          *hexutil.Uint64 `json:"status"`
}

// Log is one raw eth_getLogs entry.
type Log struct {
	Address          common.Address `json:"address"`
	Topics           []common.Hash  `json:"topics"`
	Data             hexutil.Bytes  `json:"data"`
	BlockNumber      hexutil.Uint64 `json:"blockNumber"`
	BlockHash        common.Hash    `json:"blockHash"`
	TransactionHash  common.Hash    `json:"transactionHash"`
	TransactionIndex hexutil.Uint64 `json:"transactionIndex"`
	LogIndex         hexutil.Uint64 `json:"logIndex"`
	Removed          bool           `json:"removed"`
}

// AddressHex renders an address as the lowercase 0x hex the store expects.
// common.Address.Hex would checksum-case it instead.
func AddressHex(a common.Address) string {
	return hexutil.Encode(a.Bytes())
}

// HashHex renders a hash as lowercase 0x hex.
func HashHex(h common.Hash) string {
	return hexutil.Encode(h.Bytes())
}
