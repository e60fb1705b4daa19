// Package dex classifies swap events by resolving pool contracts: their
// token pair via token0()/token1() and their venue via factory() against
// the table of known factory deployments.
package dex

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// Venue names as stored in the swaps table.
const (
	UniswapV2 = "uniswap_v2"
	UniswapV3 = "uniswap_v3"
	SushiSwap = "sushiswap"
)

// knownFactories maps lowercase mainnet factory addresses to venue names.
var knownFactories = map[string]string{
	"0x5c69bee701ef814a2b6a3edd4b1652cb9cc5aa6f": UniswapV2,
	"0x1f98431c8ad98523631ae4a59f267346ea31f984": UniswapV3,
	"0xc0aee478e3658e2610c5f7a4a2e1777ce9e4f2ac": SushiSwap,
}

var (
	selToken0  = crypto.Keccak256([]byte("token0()"))[:4]
	selToken1  = crypto.Keccak256([]byte("token1()"))[:4]
	selFactory = crypto.Keccak256([]byte("factory()"))[:4]

	addressType = mustNewType("address")
)

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// NameByFactory maps a pool's factory to its venue name, defaulting to
// uniswap_v2 for V2-shaped pools from unknown deployments.
func NameByFactory(factory string) string {
	if name, ok := knownFactories[factory]; ok {
		return name
	}
	return UniswapV2
}

// ContractCaller is the read-only chain surface the resolver needs.
// Satisfied by ethrpc.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Pool is a resolved liquidity pool. Factory is empty when the pool does not
// expose the view.
type Pool struct {
	Address string
	Token0  string
	Token1  string
	Factory string
}

// Resolver caches pool resolutions for the life of the process. Pools are
// immutable once deployed, so there is no eviction.
type Resolver struct {
	caller ContractCaller

	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewResolver builds a pool resolver over the given chain caller.
func NewResolver(caller ContractCaller) *Resolver {
	return &Resolver{caller: caller, pools: make(map[string]*Pool)}
}

// Pool resolves a pool's token pair and factory, consulting the cache first.
// A pool without token0/token1 views is not a pool the indexer can record,
// so those failures propagate; a missing factory() is tolerated.
func (r *Resolver) Pool(ctx context.Context, address string) (*Pool, error) {
	r.mu.RLock()
	cached, ok := r.pools[address]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	addr := common.HexToAddress(address)
	token0, err := r.callAddress(ctx, addr, selToken0)
	if err != nil {
		return nil, fmt.Errorf("pool %s token0: %w", address, err)
	}
	token1, err := r.callAddress(ctx, addr, selToken1)
	if err != nil {
		return nil, fmt.Errorf("pool %s token1: %w", address, err)
	}
	pool := &Pool{
		Address: address,
		Token0:  hexutil.Encode(token0.Bytes()),
		Token1:  hexutil.Encode(token1.Bytes()),
	}
	if factory, err := r.callAddress(ctx, addr, selFactory); err != nil {
		log.Debug("Pool factory unresolvable", "pool", address, "err", err)
	} else {
		pool.Factory = hexutil.Encode(factory.Bytes())
	}

	r.mu.Lock()
	r.pools[address] = pool
	r.mu.Unlock()
	return pool, nil
}

func (r *Resolver) callAddress(ctx context.Context, to common.Address, sel []byte) (common.Address, error) {
	ret, err := r.caller.CallContract(ctx, to, sel)
	if err != nil {
		return common.Address{}, err
	}
	vals, err := abi.Arguments{{Type: addressType}}.Unpack(ret)
	if err != nil {
		return common.Address{}, err
	}
	return vals[0].(common.Address), nil
}
