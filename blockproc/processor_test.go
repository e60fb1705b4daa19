package blockproc

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tos-network/ethidx/ethrpc"
	"github.com/tos-network/ethidx/queue"
	"github.com/tos-network/ethidx/store"
)

type fakeChain struct {
	blocks   map[uint64]*ethrpc.Block
	receipts map[common.Hash]*ethrpc.Receipt
	code     map[common.Address][]byte
	blockErr error
}

func (f *fakeChain) BlockByNumber(ctx context.Context, number uint64) (*ethrpc.Block, error) {
	if f.blockErr != nil {
		return nil, f.blockErr
	}
	b, ok := f.blocks[number]
	if !ok {
		return nil, ethrpc.ErrNotFound
	}
	return b, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethrpc.Receipt, error) {
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, ethrpc.ErrNotFound
	}
	return r, nil
}

func (f *fakeChain) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	return f.code[address], nil
}

type fakeStorage struct {
	ensured   []uint64
	applied   *store.BlockWrites
	applyErr  error
	errored   []uint64
	failures  []string
	recordErr error
	deleted   []string
}

func (f *fakeStorage) EnsureBlock(ctx context.Context, number uint64, hash, workerID string) error {
	f.ensured = append(f.ensured, number)
	return nil
}

func (f *fakeStorage) ApplyBlockWrites(ctx context.Context, w *store.BlockWrites) (int, error) {
	if f.applyErr != nil {
		return 0, f.applyErr
	}
	f.applied = w
	return len(w.Txs), nil
}

func (f *fakeStorage) MarkBlockError(ctx context.Context, number uint64) error {
	f.errored = append(f.errored, number)
	return nil
}

func (f *fakeStorage) RecordFailure(ctx context.Context, jobID, queueName, jobType string, payload []byte, jobErr error, workerID string) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.failures = append(f.failures, jobID)
	return nil
}

func (f *fakeStorage) DeleteFailedJob(ctx context.Context, jobID string) error {
	f.deleted = append(f.deleted, jobID)
	return nil
}

type fakeQueue struct {
	acked []string
}

func (f *fakeQueue) PopBlocking(ctx context.Context, queueName string) (string, queue.Job, error) {
	return "", nil, nil
}

func (f *fakeQueue) Ack(ctx context.Context, id string) error {
	f.acked = append(f.acked, id)
	return nil
}

type fixedPrice struct {
	usd float64
	ok  bool
}

func (p fixedPrice) EthPrice(ctx context.Context) (float64, bool) { return p.usd, p.ok }

func hexBig(v int64) *hexutil.Big { return (*hexutil.Big)(big.NewInt(v)) }

func hexU64(v uint64) *hexutil.Uint64 {
	h := hexutil.Uint64(v)
	return &h
}

func testAddr(b byte) common.Address {
	var a common.Address
	a[19] = b
	return a
}

func testHash(b byte) common.Hash {
	var h common.Hash
	h[31] = b
	return h
}

func newTestProcessor(chain *fakeChain, st *fakeStorage, q *fakeQueue, price PriceSource) *Processor {
	return New(Config{Workers: 2}, q, chain, st, price, "testhost-0a1b2c3d")
}

func TestProcessValueTransfer(t *testing.T) {
	const height = 18_000_000
	txHash := testHash(0x01)
	from, to := testAddr(0xaa), testAddr(0xbb)
	block := &ethrpc.Block{
		Number:    hexutil.Uint64(height),
		Hash:      testHash(0xf0),
		Timestamp: hexutil.Uint64(1_700_000_000),
		Transactions: []ethrpc.Tx{{
			Hash:     txHash,
			From:     from,
			To:       &to,
			Value:    hexBig(1_500_000_000_000_000_000),
			Gas:      21000,
			GasPrice: hexBig(50_000_000_000),
			Type:     hexU64(0),
		}},
	}
	chain := &fakeChain{blocks: map[uint64]*ethrpc.Block{height: block}}
	st := &fakeStorage{}
	q := &fakeQueue{}
	p := newTestProcessor(chain, st, q, fixedPrice{usd: 2000, ok: true})

	job := queue.NewBlockJob(height, ethrpc.HashHex(block.Hash))
	p.process(context.Background(), job.ID(), job)

	if st.applied == nil || len(st.applied.Txs) != 1 {
		t.Fatalf("expected one applied tx write, got %+v", st.applied)
	}
	row := st.applied.Txs[0].Tx
	if row.ValueUSD == nil || *row.ValueUSD < 2999.99 || *row.ValueUSD > 3000.01 {
		t.Fatalf("value_usd = %v, want 3000", row.ValueUSD)
	}
	if row.EffectiveGasPrice == nil || row.EffectiveGasPrice.Cmp(big.NewInt(50_000_000_000)) != 0 {
		t.Fatalf("effective gas price = %v, want the legacy gasPrice", row.EffectiveGasPrice)
	}
	if row.GasUsed != 21000 || row.Status != 1 {
		t.Fatalf("gas_used/status = %d/%d", row.GasUsed, row.Status)
	}
	if row.To == nil || *row.To != ethrpc.AddressHex(to) {
		t.Fatalf("to = %v, want %s", row.To, ethrpc.AddressHex(to))
	}

	stats := st.applied.Txs[0].Stats
	if len(stats) != 2 {
		t.Fatalf("expected from and to deltas, got %d", len(stats))
	}
	if stats[0].Address != ethrpc.AddressHex(from) || stats[0].EthSentWei.Cmp(row.Value) != 0 || stats[0].TxCount != 1 {
		t.Fatalf("bad from delta %+v", stats[0])
	}
	if stats[1].Address != ethrpc.AddressHex(to) || stats[1].EthReceivedWei.Cmp(row.Value) != 0 || !stats[1].CheckContract {
		t.Fatalf("bad to delta %+v", stats[1])
	}
	if len(q.acked) != 1 || q.acked[0] != job.ID() {
		t.Fatalf("acked = %v, want [%s]", q.acked, job.ID())
	}
}

func TestEffectiveGasPrice(t *testing.T) {
	gwei := func(v int64) *big.Int { return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000_000)) }
	tests := []struct {
		name                             string
		gasPrice, maxFee, priority, base *big.Int
		want                             *big.Int
	}{
		{"legacy", gwei(50), nil, nil, gwei(150), gwei(50)},
		{"capped by max fee", nil, gwei(120), gwei(10), gwei(150), gwei(120)},
		{"base plus tip", nil, gwei(120), gwei(10), gwei(100), gwei(110)},
		{"type2 pre-london fallback", gwei(95), gwei(120), gwei(10), nil, gwei(95)},
		{"nothing known", nil, nil, nil, nil, nil},
	}
	for _, tt := range tests {
		got := effectiveGasPrice(tt.gasPrice, tt.maxFee, tt.priority, tt.base)
		if (got == nil) != (tt.want == nil) || (got != nil && got.Cmp(tt.want) != 0) {
			t.Errorf("%s: effectiveGasPrice = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestProcessContractDeployment(t *testing.T) {
	const height = 18_000_100
	txHash := testHash(0x02)
	deployer := testAddr(0xaa)
	deployed := testAddr(0xcc)
	code := []byte{0x60, 0x80, 0x60, 0x40}
	block := &ethrpc.Block{
		Number:    hexutil.Uint64(height),
		Hash:      testHash(0xf1),
		Timestamp: hexutil.Uint64(1_700_000_012),
		Transactions: []ethrpc.Tx{{
			Hash:     txHash,
			From:     deployer,
			Value:    hexBig(0),
			Gas:      1_200_000,
			GasPrice: hexBig(30_000_000_000),
		}},
	}
	chain := &fakeChain{
		blocks:   map[uint64]*ethrpc.Block{height: block},
		receipts: map[common.Hash]*ethrpc.Receipt{txHash: {TransactionHash: txHash, ContractAddress: &deployed}},
		code:     map[common.Address][]byte{deployed: code},
	}
	st := &fakeStorage{}
	p := newTestProcessor(chain, st, &fakeQueue{}, fixedPrice{})

	job := queue.NewBlockJob(height, "")
	p.process(context.Background(), job.ID(), job)

	if st.applied == nil || len(st.applied.Txs) != 1 {
		t.Fatalf("expected one applied tx write, got %+v", st.applied)
	}
	w := st.applied.Txs[0]
	if w.Contract == nil {
		t.Fatal("expected a contract write for a deployment tx")
	}
	if w.Contract.Address != ethrpc.AddressHex(deployed) || w.Contract.Deployer != ethrpc.AddressHex(deployer) {
		t.Fatalf("bad contract write %+v", w.Contract)
	}
	wantHash := hexutil.Encode(crypto.Keccak256(code))
	if w.Contract.BytecodeHash == nil || *w.Contract.BytecodeHash != wantHash {
		t.Fatalf("bytecode hash = %v, want %s", w.Contract.BytecodeHash, wantHash)
	}
	if len(w.Stats) != 1 || w.Stats[0].ContractDeployments != 1 {
		t.Fatalf("expected a single deployer delta with one deployment, got %+v", w.Stats)
	}
	if w.Tx.To != nil {
		t.Fatalf("deployment tx should have no recipient, got %v", *w.Tx.To)
	}
}

func TestProcessAdoptsCanonicalHashOnReorg(t *testing.T) {
	const height = 18_000_200
	block := &ethrpc.Block{
		Number:    hexutil.Uint64(height),
		Hash:      testHash(0xf2),
		Timestamp: hexutil.Uint64(1_700_000_024),
	}
	chain := &fakeChain{blocks: map[uint64]*ethrpc.Block{height: block}}
	st := &fakeStorage{}
	p := newTestProcessor(chain, st, &fakeQueue{}, fixedPrice{})

	staleHash := ethrpc.HashHex(testHash(0xee))
	job := queue.NewBlockJob(height, staleHash)
	p.process(context.Background(), job.ID(), job)

	if st.applied == nil {
		t.Fatal("block writes not applied")
	}
	if st.applied.BlockHash != ethrpc.HashHex(block.Hash) {
		t.Fatalf("stored hash %s, want the fetched canonical %s", st.applied.BlockHash, ethrpc.HashHex(block.Hash))
	}
}

func TestProcessFailureRecordsAndAcks(t *testing.T) {
	const height = 18_000_300
	chain := &fakeChain{blockErr: errors.New("connection reset")}
	st := &fakeStorage{}
	q := &fakeQueue{}
	p := newTestProcessor(chain, st, q, fixedPrice{})

	job := queue.NewBlockJob(height, "")
	p.process(context.Background(), job.ID(), job)

	if len(st.errored) != 1 || st.errored[0] != height {
		t.Fatalf("errored blocks = %v, want [%d]", st.errored, height)
	}
	if len(st.failures) != 1 || st.failures[0] != job.ID() {
		t.Fatalf("dead-letter rows = %v, want [%s]", st.failures, job.ID())
	}
	if len(q.acked) != 1 {
		t.Fatalf("failed job with a durable failure record must be acked, got %v", q.acked)
	}
}

func TestProcessKeepsJobWhenDeadLetterFails(t *testing.T) {
	chain := &fakeChain{blockErr: errors.New("connection reset")}
	st := &fakeStorage{recordErr: errors.New("postgres down")}
	q := &fakeQueue{}
	p := newTestProcessor(chain, st, q, fixedPrice{})

	job := queue.NewBlockJob(18_000_400, "")
	p.process(context.Background(), job.ID(), job)

	if len(q.acked) != 0 {
		t.Fatalf("job must stay queued when the failure record cannot be written, got acks %v", q.acked)
	}
}

func TestProcessRetriedJobClearsDeadLetter(t *testing.T) {
	const height = 18_000_500
	block := &ethrpc.Block{
		Number:    hexutil.Uint64(height),
		Hash:      testHash(0xf3),
		Timestamp: hexutil.Uint64(1_700_000_036),
	}
	chain := &fakeChain{blocks: map[uint64]*ethrpc.Block{height: block}}
	st := &fakeStorage{}
	q := &fakeQueue{}
	p := newTestProcessor(chain, st, q, fixedPrice{})

	job := queue.NewBlockJob(height, "")
	job.Status = queue.StatusRetrying
	p.process(context.Background(), job.ID(), job)

	if len(st.deleted) != 1 || st.deleted[0] != job.ID() {
		t.Fatalf("dead-letter row not cleared after a successful retry: %v", st.deleted)
	}
	if len(q.acked) != 1 {
		t.Fatalf("retried job not acked: %v", q.acked)
	}
}
