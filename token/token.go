// Package token resolves token metadata and the ETH/USD price for the log
// and block processors.
//
// Metadata is two-tier: the tokens table answers first, then the token
// contract itself via eth_call. Contracts that implement none of the
// optional views are cached with failed=true so the chain is asked at most
// once per contract.
package token

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/singleflight"

	"github.com/tos-network/ethidx/store"
)

var (
	cacheHitMeter  = metrics.NewRegisteredMeter("token/cache/hits", nil)
	cacheMissMeter = metrics.NewRegisteredMeter("token/cache/misses", nil)
)

var (
	selSymbol   = selector("symbol()")
	selName     = selector("name()")
	selDecimals = selector("decimals()")

	stringType = mustNewType("string")
	uint8Type  = mustNewType("uint8")
)

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// ContractCaller is the read-only chain surface the resolver needs.
// Satisfied by ethrpc.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Store is the token cache table surface. Satisfied by store.Store.
type Store interface {
	GetToken(ctx context.Context, address string) (*store.Token, error)
	UpsertToken(ctx context.Context, t *store.Token) error
}

// Service answers metadata lookups, deduplicating concurrent resolutions of
// one contract through singleflight.
type Service struct {
	caller ContractCaller
	store  Store
	group  singleflight.Group
}

// NewService builds a metadata service over the given chain caller and
// token table.
func NewService(caller ContractCaller, st Store) *Service {
	return &Service{caller: caller, store: st}
}

// Metadata returns the token row for a contract, resolving and caching it on
// first sight. The returned row may carry Failed=true with nil fields when
// the contract implements none of the metadata views.
func (s *Service) Metadata(ctx context.Context, address string, typ store.TokenType) (*store.Token, error) {
	if t, err := s.store.GetToken(ctx, address); err != nil {
		return nil, err
	} else if t != nil {
		cacheHitMeter.Mark(1)
		return t, nil
	}
	cacheMissMeter.Mark(1)

	v, err, _ := s.group.Do(address, func() (interface{}, error) {
		// A concurrent flight may have resolved it in the meantime.
		if t, err := s.store.GetToken(ctx, address); err == nil && t != nil {
			return t, nil
		}
		t := s.resolve(ctx, address, typ)
		if err := s.store.UpsertToken(ctx, t); err != nil {
			return nil, fmt.Errorf("cache token %s: %w", address, err)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Token), nil
}

// resolve asks the contract for its optional metadata views. Each failing
// call records a null; only a contract failing every call is flagged.
func (s *Service) resolve(ctx context.Context, address string, typ store.TokenType) *store.Token {
	addr := common.HexToAddress(address)
	t := &store.Token{Address: address, Type: typ}
	calls, failures := 0, 0

	calls++
	if sym, err := s.callString(ctx, addr, selSymbol); err != nil {
		failures++
	} else {
		t.Symbol = &sym
	}
	calls++
	if name, err := s.callString(ctx, addr, selName); err != nil {
		failures++
	} else {
		t.Name = &name
	}
	if typ == store.TokenERC20 {
		calls++
		if dec, err := s.callUint8(ctx, addr, selDecimals); err != nil {
			failures++
		} else {
			d := int32(dec)
			t.Decimals = &d
		}
	}
	t.Failed = failures == calls
	if t.Failed {
		log.Debug("Token metadata unresolvable", "token", address, "type", typ)
	} else {
		log.Debug("Resolved token metadata", "token", address, "symbol", strOrEmpty(t.Symbol), "decimals", t.Decimals)
	}
	return t
}

func (s *Service) callString(ctx context.Context, addr common.Address, sel []byte) (string, error) {
	ret, err := s.caller.CallContract(ctx, addr, sel)
	if err != nil {
		return "", err
	}
	vals, err := abi.Arguments{{Type: stringType}}.Unpack(ret)
	if err != nil {
		return "", err
	}
	return vals[0].(string), nil
}

func (s *Service) callUint8(ctx context.Context, addr common.Address, sel []byte) (uint8, error) {
	ret, err := s.caller.CallContract(ctx, addr, sel)
	if err != nil {
		return 0, err
	}
	if len(ret) < 32 {
		return 0, fmt.Errorf("short decimals return of %d bytes", len(ret))
	}
	vals, err := abi.Arguments{{Type: uint8Type}}.Unpack(ret)
	if err != nil {
		return 0, err
	}
	return vals[0].(uint8), nil
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
