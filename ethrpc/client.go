// Package ethrpc provides the typed JSON-RPC chain client used by the
// workers. Unlike a full consensus client it keeps block payloads raw:
// numbers stay hex-encoded until the processors decode exactly the fields
// they persist, including the EIP-1559 fee fields absent from older chains.
package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"
)

var retryMeter = metrics.NewRegisteredMeter("ethrpc/ratelimit/retries", nil)

// ErrNotFound is returned when the chain has no object for the query.
var ErrNotFound = errors.New("not found")

// maxRateLimitRetries bounds the in-place backoff on HTTP 429 responses.
const maxRateLimitRetries = 5

// Client defines typed wrappers for the Ethereum JSON-RPC methods the
// indexer consumes.
type Client struct {
	c *rpc.Client
}

// Dial connects a client to the given URL.
func Dial(rawurl string) (*Client, error) {
	return DialContext(context.Background(), rawurl)
}

func DialContext(ctx context.Context, rawurl string) (*Client, error) {
	c, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return NewClient(c), nil
}

// NewClient creates a client that uses the given RPC client.
func NewClient(c *rpc.Client) *Client {
	return &Client{c}
}

func (ec *Client) Close() {
	ec.c.Close()
}

// BlockNumber returns the most recent block number.
func (ec *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	err := ec.c.CallContext(ctx, &result, "eth_blockNumber")
	return uint64(result), err
}

// BlockByNumber fetches a block with full transaction objects. Rate-limit
// responses are retried in place with exponential backoff before the error
// escapes to the job-level failure path.
func (ec *Client) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var block *Block
	err := ec.withRetry(ctx, "eth_getBlockByNumber", func() error {
		block = nil
		if err := ec.c.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
			return err
		}
		if block == nil {
			return fmt.Errorf("block %d: %w", number, ErrNotFound)
		}
		return nil
	})
	return block, err
}

// TransactionReceipt fetches the receipt of a mined transaction, retried in
// place on rate limits.
func (ec *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	var r *Receipt
	err := ec.withRetry(ctx, "eth_getTransactionReceipt", func() error {
		r = nil
		if err := ec.c.CallContext(ctx, &r, "eth_getTransactionReceipt", txHash); err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("receipt %s: %w", txHash, ErrNotFound)
		}
		return nil
	})
	return r, err
}

// CodeAt returns the deployed bytecode at the given address, retried in
// place on rate limits.
func (ec *Client) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	var code hexutil.Bytes
	err := ec.withRetry(ctx, "eth_getCode", func() error {
		return ec.c.CallContext(ctx, &code, "eth_getCode", address, "latest")
	})
	return code, err
}

// CallContract performs a read-only eth_call against the latest state.
// Failures surface directly; token metadata lookups treat them as "method
// not implemented".
func (ec *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var result hexutil.Bytes
	args := map[string]interface{}{
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	err := ec.c.CallContext(ctx, &result, "eth_call", args, "latest")
	return result, err
}

// FilterLogs runs eth_getLogs over an inclusive block range. No in-place
// retry: the backfill planner reacts to rate limits by shrinking its window
// instead.
func (ec *Client) FilterLogs(ctx context.Context, from, to uint64) ([]Log, error) {
	var result []Log
	args := map[string]interface{}{
		"fromBlock": hexutil.EncodeUint64(from),
		"toBlock":   hexutil.EncodeUint64(to),
	}
	err := ec.c.CallContext(ctx, &result, "eth_getLogs", args)
	return result, err
}

// ChainID retrieves the chain ID, used only for startup logging.
func (ec *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	err := ec.c.CallContext(ctx, &result, "eth_chainId")
	if err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

func (ec *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRateLimitRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRateLimited(err) {
			return err
		}
		retryMeter.Mark(1)
		delay := backoffDelay(attempt)
		log.Warn("RPC rate limited, backing off", "op", op, "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s rate limited after %d attempts: %w", op, maxRateLimitRetries, err)
}
