package logproc

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/tos-network/ethidx/dex"
	"github.com/tos-network/ethidx/queue"
	"github.com/tos-network/ethidx/store"
)

type fakeLogStorage struct {
	writes    []*store.LogWrites
	applyErr  error
	duplicate bool
	failures  []string
	recordErr error
	deleted   []string
}

func (f *fakeLogStorage) ApplyLogWrites(ctx context.Context, w *store.LogWrites) (bool, error) {
	if f.applyErr != nil {
		return false, f.applyErr
	}
	f.writes = append(f.writes, w)
	return !f.duplicate, nil
}

func (f *fakeLogStorage) RecordFailure(ctx context.Context, jobID, queueName, jobType string, payload []byte, jobErr error, workerID string) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.failures = append(f.failures, jobID)
	return nil
}

func (f *fakeLogStorage) DeleteFailedJob(ctx context.Context, jobID string) error {
	f.deleted = append(f.deleted, jobID)
	return nil
}

type fakeTokens struct {
	token *store.Token
	err   error
	types []store.TokenType
}

func (f *fakeTokens) Metadata(ctx context.Context, address string, typ store.TokenType) (*store.Token, error) {
	f.types = append(f.types, typ)
	if f.err != nil {
		return nil, f.err
	}
	if f.token != nil {
		return f.token, nil
	}
	return &store.Token{Address: address, Type: typ}, nil
}

type fakePools struct {
	pool *dex.Pool
	err  error
}

func (f *fakePools) Pool(ctx context.Context, address string) (*dex.Pool, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.pool != nil {
		return f.pool, nil
	}
	return &dex.Pool{
		Address: address,
		Token0:  "0x" + strings.Repeat("07", 20),
		Token1:  "0x" + strings.Repeat("08", 20),
	}, nil
}

type fakeAckQueue struct {
	acked []string
}

func (f *fakeAckQueue) PopBlocking(ctx context.Context, queueName string) (string, queue.Job, error) {
	return "", nil, nil
}

func (f *fakeAckQueue) Ack(ctx context.Context, id string) error {
	f.acked = append(f.acked, id)
	return nil
}

func topicFor(b byte) string {
	var h common.Hash
	h[31] = b
	return h.Hex()
}

func uintWord(v uint64) []byte {
	return common.BigToHash(new(big.Int).SetUint64(v)).Bytes()
}

func signedWord(v int64) []byte {
	return math.U256Bytes(big.NewInt(v))
}

func newLogJob(topics []string, data string) *queue.LogJob {
	return &queue.LogJob{
		JobType:          queue.KindLog,
		Address:          "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		BlockNumber:      queue.Uint64(19_000_000),
		BlockTimestamp:   queue.Uint64(1_700_000_000),
		Data:             data,
		LogIndex:         queue.Uint64(5),
		Topics:           topics,
		TransactionHash:  "0x" + strings.Repeat("ab", 32),
		TransactionIndex: queue.Uint64(3),
	}
}

func newTestLogProcessor(st *fakeLogStorage, tokens *fakeTokens, pools *fakePools) (*Processor, *fakeAckQueue) {
	q := &fakeAckQueue{}
	return New(q, st, tokens, pools, "testhost-0a1b2c3d"), q
}

func TestERC20Transfer(t *testing.T) {
	symbol := "USDC"
	decimals := int32(6)
	tokens := &fakeTokens{token: &store.Token{Symbol: &symbol, Decimals: &decimals, Type: store.TokenERC20}}
	st := &fakeLogStorage{}
	p, q := newTestLogProcessor(st, tokens, &fakePools{})

	job := newLogJob([]string{TransferTopic, topicFor(0x01), topicFor(0x02)}, hexutil.Encode(uintWord(10)))
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 1 || len(st.writes[0].Transfers) != 1 {
		t.Fatalf("expected one transfer write, got %+v", st.writes)
	}
	tr := st.writes[0].Transfers[0]
	if tr.TokenType != store.TokenERC20 || tr.Amount.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("bad transfer %+v", tr)
	}
	if tr.From != "0x"+strings.Repeat("00", 19)+"01" || tr.To != "0x"+strings.Repeat("00", 19)+"02" {
		t.Fatalf("addresses not normalized: %s -> %s", tr.From, tr.To)
	}
	if tr.TokenAddress != strings.ToLower(job.Address) {
		t.Fatalf("token address not lowercased: %s", tr.TokenAddress)
	}
	if tr.TokenSymbol == nil || *tr.TokenSymbol != symbol {
		t.Fatalf("symbol = %v, want %s", tr.TokenSymbol, symbol)
	}
	if want := big.NewRat(1, 100000); tr.NormalizedAmount == nil || tr.NormalizedAmount.Cmp(want) != 0 {
		t.Fatalf("normalized = %v, want %v", tr.NormalizedAmount, want)
	}
	if len(st.writes[0].NftStubs) != 0 {
		t.Fatalf("fungible transfer must not write stubs: %+v", st.writes[0].NftStubs)
	}
	stats := st.writes[0].Stats
	if len(stats) != 2 || stats[0].TransfersSent != 1 || stats[1].TransfersReceived != 1 {
		t.Fatalf("bad stats %+v", stats)
	}
	if len(q.acked) != 1 {
		t.Fatalf("job not acked: %v", q.acked)
	}
}

func TestERC721TransferWritesStub(t *testing.T) {
	tokens := &fakeTokens{}
	st := &fakeLogStorage{}
	p, _ := newTestLogProcessor(st, tokens, &fakePools{})

	job := newLogJob([]string{TransferTopic, topicFor(0x01), topicFor(0x02), topicFor(0x2a)}, "0x")
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 1 {
		t.Fatalf("expected one write set, got %d", len(st.writes))
	}
	tr := st.writes[0].Transfers[0]
	if tr.TokenType != store.TokenERC721 || tr.TokenID.Cmp(big.NewInt(42)) != 0 || tr.Amount.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("bad transfer %+v", tr)
	}
	if tr.NormalizedAmount.Cmp(big.NewRat(1, 1)) != 0 {
		t.Fatalf("normalized = %v, want 1", tr.NormalizedAmount)
	}
	stubs := st.writes[0].NftStubs
	if len(stubs) != 1 || stubs[0].Owner != tr.To || stubs[0].TokenID.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("bad stub %+v", stubs)
	}
	if len(tokens.types) != 1 || tokens.types[0] != store.TokenERC721 {
		t.Fatalf("metadata resolved as %v, want erc721", tokens.types)
	}
}

func TestERC721MintSkipsZeroAddressStats(t *testing.T) {
	st := &fakeLogStorage{}
	p, _ := newTestLogProcessor(st, &fakeTokens{}, &fakePools{})

	job := newLogJob([]string{TransferTopic, topicFor(0x00), topicFor(0x02), topicFor(0x07)}, "0x")
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 1 {
		t.Fatalf("expected one write set, got %d", len(st.writes))
	}
	stats := st.writes[0].Stats
	if len(stats) != 1 || stats[0].TransfersReceived != 1 {
		t.Fatalf("mint must only credit the recipient, got %+v", stats)
	}
	if stubs := st.writes[0].NftStubs; len(stubs) != 1 || stubs[0].Owner == zeroAddress {
		t.Fatalf("mint still owns the stub to the recipient, got %+v", stubs)
	}
}

func TestApprovalEmptyDataIsZero(t *testing.T) {
	st := &fakeLogStorage{}
	p, _ := newTestLogProcessor(st, &fakeTokens{}, &fakePools{})

	job := newLogJob([]string{ApprovalTopic, topicFor(0x01), topicFor(0x03)}, "0x")
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 1 || len(st.writes[0].Approvals) != 1 {
		t.Fatalf("expected one approval write, got %+v", st.writes)
	}
	ap := st.writes[0].Approvals[0]
	if ap.Amount.Sign() != 0 {
		t.Fatalf("empty data must decode as zero allowance, got %v", ap.Amount)
	}
	if len(st.writes[0].Stats) != 0 {
		t.Fatalf("approvals carry no stats, got %+v", st.writes[0].Stats)
	}
}

func TestTransferSingle(t *testing.T) {
	st := &fakeLogStorage{}
	p, _ := newTestLogProcessor(st, &fakeTokens{}, &fakePools{})

	data := hexutil.Encode(append(uintWord(7), uintWord(3)...))
	job := newLogJob([]string{TransferSingleTopic, topicFor(0xee), topicFor(0x01), topicFor(0x02)}, data)
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 1 || len(st.writes[0].Transfers) != 1 {
		t.Fatalf("expected one transfer write, got %+v", st.writes)
	}
	tr := st.writes[0].Transfers[0]
	if tr.TokenType != store.TokenERC1155 || tr.TokenID.Cmp(big.NewInt(7)) != 0 || tr.Amount.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("bad transfer %+v", tr)
	}
	if tr.NormalizedAmount.Cmp(new(big.Rat).SetInt64(3)) != 0 {
		t.Fatalf("erc1155 normalized amount must equal the raw amount, got %v", tr.NormalizedAmount)
	}
	if len(st.writes[0].NftStubs) != 1 {
		t.Fatalf("expected one stub, got %+v", st.writes[0].NftStubs)
	}
}

func TestTransferBatchSyntheticLogIndexes(t *testing.T) {
	st := &fakeLogStorage{}
	p, _ := newTestLogProcessor(st, &fakeTokens{}, &fakePools{})

	packed, err := batchArgs.Pack(
		[]*big.Int{big.NewInt(7), big.NewInt(8)},
		[]*big.Int{big.NewInt(2), big.NewInt(3)},
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	job := newLogJob([]string{TransferBatchTopic, topicFor(0xee), topicFor(0x01), topicFor(0x02)}, hexutil.Encode(packed))
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 1 {
		t.Fatalf("expected one write set, got %d", len(st.writes))
	}
	w := st.writes[0]
	if len(w.Transfers) != 2 || len(w.NftStubs) != 2 {
		t.Fatalf("expected two transfers and two stubs, got %d/%d", len(w.Transfers), len(w.NftStubs))
	}
	if w.Transfers[0].LogIndex != 5000 || w.Transfers[1].LogIndex != 5001 {
		t.Fatalf("synthetic log indexes = %d/%d, want 5000/5001", w.Transfers[0].LogIndex, w.Transfers[1].LogIndex)
	}
	if w.Transfers[1].TokenID.Cmp(big.NewInt(8)) != 0 || w.Transfers[1].Amount.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("bad second batch row %+v", w.Transfers[1])
	}
	if len(w.Stats) != 2 || w.Stats[0].TransfersSent != 2 || w.Stats[1].TransfersReceived != 2 {
		t.Fatalf("batch stats must count every row, got %+v", w.Stats)
	}
}

func TestTransferBatchLengthMismatchSkipsEvent(t *testing.T) {
	st := &fakeLogStorage{}
	p, q := newTestLogProcessor(st, &fakeTokens{}, &fakePools{})

	packed, err := batchArgs.Pack(
		[]*big.Int{big.NewInt(7), big.NewInt(8)},
		[]*big.Int{big.NewInt(2)},
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	job := newLogJob([]string{TransferBatchTopic, topicFor(0xee), topicFor(0x01), topicFor(0x02)}, hexutil.Encode(packed))
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 0 {
		t.Fatalf("mismatched batch must write nothing, got %+v", st.writes)
	}
	if len(q.acked) != 1 {
		t.Fatalf("skipped event still acks the job, got %v", q.acked)
	}
	if len(st.failures) != 0 {
		t.Fatalf("skipped event is not a failure, got %v", st.failures)
	}
}

func TestSwapV2UsesFactoryName(t *testing.T) {
	st := &fakeLogStorage{}
	pools := &fakePools{pool: &dex.Pool{
		Token0:  "0x" + strings.Repeat("07", 20),
		Token1:  "0x" + strings.Repeat("08", 20),
		Factory: "0xc0aee478e3658e2610c5f7a4a2e1777ce9e4f2ac",
	}}
	p, _ := newTestLogProcessor(st, &fakeTokens{}, pools)

	var data []byte
	for _, v := range []uint64{100, 0, 0, 250} {
		data = append(data, uintWord(v)...)
	}
	job := newLogJob([]string{SwapV2Topic, topicFor(0x01), topicFor(0x02)}, hexutil.Encode(data))
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 1 || len(st.writes[0].Swaps) != 1 {
		t.Fatalf("expected one swap write, got %+v", st.writes)
	}
	sw := st.writes[0].Swaps[0]
	if sw.DexName != dex.SushiSwap {
		t.Fatalf("dex = %s, want %s", sw.DexName, dex.SushiSwap)
	}
	if sw.Amount0In != "100" || sw.Amount1In != "0" || sw.Amount0Out != "0" || sw.Amount1Out != "250" {
		t.Fatalf("bad amounts %+v", sw)
	}
	if sw.SqrtPriceX96 != nil || sw.Tick != nil {
		t.Fatalf("v2 swap must not carry v3 fields: %+v", sw)
	}
}

func TestSwapV3SignedAmounts(t *testing.T) {
	st := &fakeLogStorage{}
	p, _ := newTestLogProcessor(st, &fakeTokens{}, &fakePools{})

	var data []byte
	data = append(data, signedWord(-100)...)
	data = append(data, signedWord(200)...)
	data = append(data, uintWord(1234)...)
	data = append(data, uintWord(5678)...)
	data = append(data, signedWord(-887220)...)
	job := newLogJob([]string{SwapV3Topic, topicFor(0x01), topicFor(0x02)}, hexutil.Encode(data))
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 1 || len(st.writes[0].Swaps) != 1 {
		t.Fatalf("expected one swap write, got %+v", st.writes)
	}
	sw := st.writes[0].Swaps[0]
	if sw.DexName != dex.UniswapV3 {
		t.Fatalf("dex = %s, want %s", sw.DexName, dex.UniswapV3)
	}
	if sw.Amount0In != "100" || sw.Amount0Out != "0" || sw.Amount1In != "0" || sw.Amount1Out != "200" {
		t.Fatalf("signed amount mapping wrong: %+v", sw)
	}
	if sw.SqrtPriceX96.Cmp(big.NewInt(1234)) != 0 || sw.Liquidity.Cmp(big.NewInt(5678)) != 0 {
		t.Fatalf("bad price/liquidity %v/%v", sw.SqrtPriceX96, sw.Liquidity)
	}
	if sw.Tick == nil || *sw.Tick != -887220 {
		t.Fatalf("tick = %v, want -887220", sw.Tick)
	}
}

func TestUnknownTopicIgnored(t *testing.T) {
	st := &fakeLogStorage{}
	p, q := newTestLogProcessor(st, &fakeTokens{}, &fakePools{})

	job := newLogJob([]string{topicFor(0x99), topicFor(0x01)}, "0x")
	p.process(context.Background(), job.ID(), job)

	if len(st.writes) != 0 {
		t.Fatalf("unknown topic must write nothing, got %+v", st.writes)
	}
	if len(q.acked) != 1 {
		t.Fatalf("unknown topic still acks, got %v", q.acked)
	}
}

func TestTokenResolutionFailureDeadLetters(t *testing.T) {
	st := &fakeLogStorage{}
	tokens := &fakeTokens{err: errors.New("rpc unreachable")}
	p, q := newTestLogProcessor(st, tokens, &fakePools{})

	job := newLogJob([]string{TransferTopic, topicFor(0x01), topicFor(0x02)}, hexutil.Encode(uintWord(10)))
	p.process(context.Background(), job.ID(), job)

	if len(st.failures) != 1 || st.failures[0] != job.ID() {
		t.Fatalf("expected a dead-letter row, got %v", st.failures)
	}
	if len(q.acked) != 1 {
		t.Fatalf("recorded failure must ack, got %v", q.acked)
	}
}

func TestRetriedLogJobClearsDeadLetter(t *testing.T) {
	st := &fakeLogStorage{}
	p, _ := newTestLogProcessor(st, &fakeTokens{}, &fakePools{})

	job := newLogJob([]string{ApprovalTopic, topicFor(0x01), topicFor(0x03)}, hexutil.Encode(uintWord(500)))
	job.Status = queue.StatusRetrying
	p.process(context.Background(), job.ID(), job)

	if len(st.deleted) != 1 || st.deleted[0] != job.ID() {
		t.Fatalf("dead-letter row not cleared after retry: %v", st.deleted)
	}
}
