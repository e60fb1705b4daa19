// Package blockproc implements the block worker: it consumes block jobs,
// fetches the full block, derives transaction rows, contract deployments
// and address statistics, and commits them through the store under one
// outer transaction with per-transaction savepoints.
package blockproc

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gammazero/workerpool"

	"github.com/tos-network/ethidx/ethrpc"
	"github.com/tos-network/ethidx/queue"
	"github.com/tos-network/ethidx/store"
)

var (
	blockTimer   = metrics.NewRegisteredTimer("blockproc/block", nil)
	txMeter      = metrics.NewRegisteredMeter("blockproc/transactions", nil)
	reorgMeter   = metrics.NewRegisteredMeter("blockproc/reorgs", nil)
	failureMeter = metrics.NewRegisteredMeter("blockproc/failures", nil)
)

// ChainReader is the chain surface the block worker consumes. Satisfied by
// ethrpc.Client.
type ChainReader interface {
	BlockByNumber(ctx context.Context, number uint64) (*ethrpc.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethrpc.Receipt, error)
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
}

// Storage is the store surface the block worker consumes. Satisfied by
// store.Store.
type Storage interface {
	EnsureBlock(ctx context.Context, number uint64, hash, workerID string) error
	ApplyBlockWrites(ctx context.Context, w *store.BlockWrites) (int, error)
	MarkBlockError(ctx context.Context, number uint64) error
	RecordFailure(ctx context.Context, jobID, queueName, jobType string, payload []byte, jobErr error, workerID string) error
	DeleteFailedJob(ctx context.Context, jobID string) error
}

// JobQueue is the queue surface the worker consumes. Satisfied by
// queue.Manager.
type JobQueue interface {
	PopBlocking(ctx context.Context, queueName string) (string, queue.Job, error)
	Ack(ctx context.Context, id string) error
}

// PriceSource answers the current ETH/USD price. Satisfied by
// token.PriceOracle.
type PriceSource interface {
	EthPrice(ctx context.Context) (float64, bool)
}

// Config holds the block worker settings.
type Config struct {
	// Workers sizes the per-transaction decode pool. Database writes stay
	// on one connection regardless.
	Workers int `toml:",omitempty"`
}

// DefaultConfig is the block worker configuration used when none is
// supplied.
var DefaultConfig = Config{
	Workers: 1,
}

// Processor is one block worker process.
type Processor struct {
	queue    JobQueue
	chain    ChainReader
	store    Storage
	price    PriceSource
	workerID string
	pool     *workerpool.WorkerPool
	log      log.Logger
}

// New assembles a block worker.
func New(cfg Config, q JobQueue, chain ChainReader, st Storage, price PriceSource, workerID string) *Processor {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Processor{
		queue:    q,
		chain:    chain,
		store:    st,
		price:    price,
		workerID: workerID,
		pool:     workerpool.New(workers),
		log:      log.New("worker", workerID),
	}
}

// Run consumes block jobs until the context is cancelled. The in-flight job
// always finishes or fails before the loop exits.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("Block worker started")
	defer p.pool.StopWait()
	for {
		if ctx.Err() != nil {
			p.log.Info("Block worker stopped")
			return nil
		}
		id, job, err := p.queue.PopBlocking(ctx, queue.BlocksQueue)
		if err != nil {
			if ctx.Err() != nil {
				p.log.Info("Block worker stopped")
				return nil
			}
			p.log.Error("Queue pop failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			if id != "" {
				p.log.Warn("Job data missing or expired", "job", id)
			}
			continue
		}
		bj, ok := job.(*queue.BlockJob)
		if !ok {
			p.log.Error("Dropping mistyped job on blocks queue", "job", id, "type", job.Kind())
			p.ack(ctx, id)
			continue
		}
		p.process(ctx, id, bj)
	}
}

// process drives one job through the full pipeline and settles it against
// the queue: ack on success or recorded failure, leave in queue when even
// the dead-letter write fails.
func (p *Processor) process(ctx context.Context, id string, job *queue.BlockJob) {
	start := time.Now()
	txs, err := p.processBlock(ctx, job)
	if err == nil {
		p.ack(ctx, id)
		if job.Status == queue.StatusRetrying {
			if err := p.store.DeleteFailedJob(ctx, id); err != nil {
				p.log.Warn("Dead-letter cleanup failed", "job", id, "err", err)
			}
		}
		blockTimer.UpdateSince(start)
		txMeter.Mark(int64(txs))
		p.log.Info("Processed block", "number", job.BlockNumber, "txs", txs, "elapsed", time.Since(start))
		return
	}

	failureMeter.Mark(1)
	p.log.Error("Block processing failed", "number", job.BlockNumber, "err", err)
	if markErr := p.store.MarkBlockError(ctx, job.BlockNumber); markErr != nil {
		p.log.Warn("Failed to mark block errored", "number", job.BlockNumber, "err", markErr)
	}
	if recErr := p.store.RecordFailure(ctx, id, queue.BlocksQueue, string(queue.KindBlock), job.Raw(), err, p.workerID); recErr != nil {
		// Without a durable failure record the job must survive, so no
		// ack: the payload stays in Redis for the next dequeue.
		p.log.Error("Dead-letter write failed, job left in queue", "job", id, "err", recErr)
		return
	}
	p.ack(ctx, id)
}

// processBlock runs the happy path for one job and returns the number of
// transaction rows written.
func (p *Processor) processBlock(ctx context.Context, job *queue.BlockJob) (int, error) {
	if err := p.store.EnsureBlock(ctx, job.BlockNumber, job.BlockHash, p.workerID); err != nil {
		return 0, err
	}
	block, err := p.chain.BlockByNumber(ctx, job.BlockNumber)
	if err != nil {
		return 0, err
	}
	canonical := ethrpc.HashHex(block.Hash)
	if job.BlockHash != "" && !strings.EqualFold(job.BlockHash, canonical) {
		reorgMeter.Mark(1)
		p.log.Warn("Reorg detected, adopting canonical hash",
			"number", job.BlockNumber, "seen", job.BlockHash, "canonical", canonical)
	}
	writes, err := p.assemble(ctx, block)
	if err != nil {
		return 0, err
	}
	return p.store.ApplyBlockWrites(ctx, writes)
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.queue.Ack(ctx, id); err != nil {
		p.log.Warn("Job ack failed", "job", id, "err", err)
	}
}
