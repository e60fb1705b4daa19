package store

import (
	"encoding/json"
	"math/big"
	"time"
)

// WorkerStatus tracks a block or dead-letter row through its lifecycle.
// Values are stored uppercase; queue payloads use their own lowercase status
// markers.
type WorkerStatus string

const (
	WorkerProcessing WorkerStatus = "PROCESSING"
	WorkerDone       WorkerStatus = "DONE"
	WorkerError      WorkerStatus = "ERROR"
	WorkerRetrying   WorkerStatus = "RETRYING"
)

// TokenType distinguishes the three token standards a transfer can follow.
type TokenType string

const (
	TokenERC20   TokenType = "erc20"
	TokenERC721  TokenType = "erc721"
	TokenERC1155 TokenType = "erc1155"
)

// Block mirrors one chain block's processing state. The hash stored is the
// one returned by eth_getBlockByNumber at processing time, which the indexer
// trusts as canonical.
type Block struct {
	Number       uint64
	Hash         string
	Canonical    bool
	ProcessedAt  *time.Time
	WorkerID     string
	WorkerStatus WorkerStatus
	Extra        json.RawMessage
}

// Transaction is one confirmed transaction of a processed block.
type Transaction struct {
	Hash                 string
	BlockNumber          uint64
	BlockHash            string
	BlockTimestamp       time.Time
	From                 string
	To                   *string
	Value                *big.Int
	ValueUSD             *float64
	GasUsed              uint64
	GasPrice             *big.Int
	EffectiveGasPrice    *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	TxnType              *int16
	Input                string
	Status               int16
}

// Contract records a contract deployment observed through a transaction with
// no recipient.
type Contract struct {
	Address               string
	Deployer              string
	DeploymentTxHash      string
	DeploymentBlockNumber uint64
	DeploymentTimestamp   time.Time
	BytecodeHash          *string
	IsVerified            bool
	Name                  *string
}

// Transfer is one denormalized token movement line item. For ERC-1155 batch
// events the log index is synthesized as base*1000+i to keep the composite
// primary key unique.
type Transfer struct {
	TxHash           string
	LogIndex         uint64
	TransactionIndex *uint64
	BlockNumber      uint64
	BlockTimestamp   time.Time
	TokenAddress     string
	TokenSymbol      *string
	TokenType        TokenType
	From             string
	To               string
	TokenID          *big.Int
	Amount           *big.Int
	NormalizedAmount *big.Rat
	AmountUSD        *float64
	PriceSource      *string
	PriceTimestamp   *time.Time
	ReceiptStatus    *int16
	RawLog           json.RawMessage
}

// Approval is one ERC-20 allowance event.
type Approval struct {
	TxHash         string
	LogIndex       uint64
	BlockNumber    uint64
	BlockTimestamp time.Time
	TokenAddress   string
	Owner          string
	Spender        string
	Amount         *big.Int
	RawLog         json.RawMessage
}

// Swap is one DEX swap event. The four directional amounts are stringified
// unsigned decimals; the V3-only fields stay nil for V2-shaped pools.
type Swap struct {
	TxHash         string
	LogIndex       uint64
	BlockNumber    uint64
	BlockTimestamp time.Time
	DexName        string
	PoolAddress    string
	Token0         string
	Token1         string
	Sender         string
	Recipient      string
	Amount0In      string
	Amount1In      string
	Amount0Out     string
	Amount1Out     string
	SqrtPriceX96   *big.Int
	Liquidity      *big.Int
	Tick           *int32
	RawLog         json.RawMessage
}

// NftStub is the on-chain half of an NFT metadata row, written by the log
// processor when it first sees a token move. The off-chain half is filled in
// later by the metadata fetcher.
type NftStub struct {
	TokenAddress   string
	TokenID        *big.Int
	TokenType      TokenType
	Owner          string
	FirstSeenBlock uint64
	FirstSeenTx    string
}

// NftMetadata is the full metadata row as read back by the fetcher worker.
type NftMetadata struct {
	TokenAddress        string
	TokenID             *big.Int
	TokenType           TokenType
	TokenURI            *string
	Owner               *string
	Name                *string
	Description         *string
	ImageURL            *string
	ExternalURL         *string
	AnimationURL        *string
	Attributes          json.RawMessage
	MetadataFetched     bool
	MetadataFetchFailed bool
	MetadataFetchError  *string
	LastFetchedAt       *time.Time
}

// Token caches resolved token metadata so the log processor asks the chain
// at most once per contract.
type Token struct {
	Address  string
	Symbol   *string
	Name     *string
	Decimals *int32
	Type     TokenType
	Failed   bool
}

// FailedJob is one dead-letter row awaiting redrive.
type FailedJob struct {
	ID          int64
	JobID       string
	QueueName   string
	JobType     string
	Data        json.RawMessage
	Error       string
	Retries     int32
	LastRetryAt *time.Time
	Status      WorkerStatus
	WorkerID    string
}

// AddressDelta is one address's contribution from a single processed item.
// Wei amounts stay integral here and are scaled to ether only at the SQL
// boundary. CheckContract asks the store to resolve the address against the
// contracts table before flushing, which feeds the sticky is_contract flag.
type AddressDelta struct {
	Address             string
	TxCount             int64
	EthSentWei          *big.Int
	EthReceivedWei      *big.Int
	ContractDeployments int64
	TransfersSent       int64
	TransfersReceived   int64
	SeenBlock           uint64
	IsContract          bool
	CheckContract       bool
}
