package backfill

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/tos-network/ethidx/ethrpc"
	"github.com/tos-network/ethidx/queue"
)

type fakeChain struct {
	// FilterLogs fails any window wider than maxSpan blocks; zero means
	// unlimited.
	maxSpan    uint64
	failAll    bool
	calls      [][2]uint64
	logsAt     map[uint64][]ethrpc.Log
	blockCalls int
}

func (f *fakeChain) FilterLogs(ctx context.Context, from, to uint64) ([]ethrpc.Log, error) {
	f.calls = append(f.calls, [2]uint64{from, to})
	if f.failAll || (f.maxSpan > 0 && to-from+1 > f.maxSpan) {
		return nil, errors.New("query returned more than 10000 results")
	}
	var out []ethrpc.Log
	for n := from; n <= to; n++ {
		out = append(out, f.logsAt[n]...)
	}
	return out, nil
}

func (f *fakeChain) BlockByNumber(ctx context.Context, number uint64) (*ethrpc.Block, error) {
	f.blockCalls++
	return &ethrpc.Block{
		Number:    hexutil.Uint64(number),
		Timestamp: hexutil.Uint64(1_700_000_000 + number),
	}, nil
}

type fakeJobQueue struct {
	jobs []queue.Job
	err  error
}

func (f *fakeJobQueue) Push(ctx context.Context, job queue.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func logAt(block, idx uint64) ethrpc.Log {
	return ethrpc.Log{
		Address:         common.Address{0x01},
		Topics:          []common.Hash{{0xdd}},
		BlockNumber:     hexutil.Uint64(block),
		BlockHash:       common.Hash{0xbb},
		TransactionHash: common.Hash{byte(block), byte(idx)},
		LogIndex:        hexutil.Uint64(idx),
	}
}

func TestRunQueuesBlocksAndLogs(t *testing.T) {
	chain := &fakeChain{logsAt: map[uint64][]ethrpc.Log{
		101: {logAt(101, 0)},
		103: {logAt(103, 2)},
	}}
	q := &fakeJobQueue{}
	p := New(Config{BatchSize: 10}, chain, q)

	report, err := p.Run(context.Background(), 100, 104, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.BlocksQueued != 5 || report.LogsQueued != 2 {
		t.Fatalf("report = %+v, want 5 blocks / 2 logs", report)
	}
	if report.FailedAt != nil {
		t.Fatalf("clean run must not report a failure block, got %d", *report.FailedAt)
	}

	var blocks, logs int
	for _, job := range q.jobs {
		switch j := job.(type) {
		case *queue.BlockJob:
			blocks++
			if j.BlockHash != "" || j.Status != queue.StatusNew {
				t.Fatalf("backfilled block job must carry no hash: %+v", j)
			}
		case *queue.LogJob:
			logs++
			if uint64(j.BlockTimestamp) != 1_700_000_000+uint64(j.BlockNumber) {
				t.Fatalf("log job timestamp not resolved: %+v", j)
			}
		}
	}
	if blocks != 5 || logs != 2 {
		t.Fatalf("queued %d block and %d log jobs, want 5/2", blocks, logs)
	}
}

func TestWindowShrinksAndResets(t *testing.T) {
	chain := &fakeChain{maxSpan: 2}
	q := &fakeJobQueue{}
	p := New(Config{BatchSize: 4}, chain, q)

	report, err := p.Run(context.Background(), 0, 7, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.BlocksQueued != 8 {
		t.Fatalf("blocks queued = %d, want 8", report.BlocksQueued)
	}
	want := [][2]uint64{{0, 3}, {0, 1}, {2, 5}, {2, 3}, {4, 7}, {4, 5}, {6, 7}}
	if len(chain.calls) != len(want) {
		t.Fatalf("getLogs calls = %v, want %v", chain.calls, want)
	}
	for i := range want {
		if chain.calls[i] != want[i] {
			t.Fatalf("call %d = %v, want %v (all: %v)", i, chain.calls[i], want[i], chain.calls)
		}
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	chain := &fakeChain{failAll: true}
	q := &fakeJobQueue{}
	p := New(Config{BatchSize: 1, MaxAttempts: 3}, chain, q)

	report, err := p.Run(context.Background(), 200, 204, 0)
	if err == nil {
		t.Fatal("expected an error once every attempt is spent")
	}
	if report.FailedAt == nil || *report.FailedAt != 200 {
		t.Fatalf("failed_at = %v, want 200", report.FailedAt)
	}
	if report.BlocksQueued != 5 || report.LogsQueued != 0 {
		t.Fatalf("report = %+v, want the block fan-out intact and no logs", report)
	}
	if len(chain.calls) != 3 {
		t.Fatalf("getLogs attempts = %d, want 3", len(chain.calls))
	}
}

func TestRunRejectsBadRanges(t *testing.T) {
	p := New(Config{}, &fakeChain{}, &fakeJobQueue{})
	tests := []struct {
		name       string
		start, end uint64
		batch      int
	}{
		{"start after end", 10, 5, 0},
		{"range over cap", 0, MaxRange, 0},
		{"batch over cap", 0, 10, MaxBatchSize + 1},
		{"negative batch", 0, 10, -1},
	}
	for _, tt := range tests {
		if _, err := p.Run(context.Background(), tt.start, tt.end, tt.batch); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("%s: err = %v, want ErrInvalidRange", tt.name, err)
		}
	}
}

func TestQueueBlocks(t *testing.T) {
	q := &fakeJobQueue{}
	p := New(Config{}, &fakeChain{}, q)

	queued, err := p.QueueBlocks(context.Background(), 50, 52)
	if err != nil || queued != 3 {
		t.Fatalf("queued = %d, err = %v, want 3 and nil", queued, err)
	}
	if len(q.jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(q.jobs))
	}

	if _, err := p.QueueBlocks(context.Background(), 0, MaxQueueRange); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("range over the blocks-only cap must be rejected, got %v", err)
	}
}

func TestBlockTimestampCached(t *testing.T) {
	chain := &fakeChain{logsAt: map[uint64][]ethrpc.Log{
		300: {logAt(300, 0), logAt(300, 1), logAt(300, 2)},
	}}
	q := &fakeJobQueue{}
	p := New(Config{BatchSize: 10}, chain, q)

	if _, err := p.Run(context.Background(), 300, 300, 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	if chain.blockCalls != 1 {
		t.Fatalf("timestamp lookups = %d, want 1 for three logs in one block", chain.blockCalls)
	}
}
