// Package logproc implements the log worker: it consumes event-log jobs,
// dispatches on topic0 to the ERC-20/721/1155 transfer, approval and DEX
// swap handlers, and commits each event's rows in one transaction where a
// primary-key conflict means the event was already ingested.
package logproc

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/tos-network/ethidx/dex"
	"github.com/tos-network/ethidx/queue"
	"github.com/tos-network/ethidx/store"
)

var (
	logTimer      = metrics.NewRegisteredTimer("logproc/log", nil)
	ignoredMeter  = metrics.NewRegisteredMeter("logproc/ignored", nil)
	skippedMeter  = metrics.NewRegisteredMeter("logproc/skipped", nil)
	transferMeter = metrics.NewRegisteredMeter("logproc/transfers", nil)
	swapMeter     = metrics.NewRegisteredMeter("logproc/swaps", nil)
	failureMeter  = metrics.NewRegisteredMeter("logproc/failures", nil)
)

// JobQueue is the queue surface the worker consumes. Satisfied by
// queue.Manager.
type JobQueue interface {
	PopBlocking(ctx context.Context, queueName string) (string, queue.Job, error)
	Ack(ctx context.Context, id string) error
}

// Storage is the store surface the worker consumes. Satisfied by
// store.Store.
type Storage interface {
	ApplyLogWrites(ctx context.Context, w *store.LogWrites) (bool, error)
	RecordFailure(ctx context.Context, jobID, queueName, jobType string, payload []byte, jobErr error, workerID string) error
	DeleteFailedJob(ctx context.Context, jobID string) error
}

// TokenResolver answers token metadata lookups. Satisfied by token.Service.
type TokenResolver interface {
	Metadata(ctx context.Context, address string, typ store.TokenType) (*store.Token, error)
}

// PoolResolver answers DEX pool lookups. Satisfied by dex.Resolver.
type PoolResolver interface {
	Pool(ctx context.Context, address string) (*dex.Pool, error)
}

// Processor is one log worker process. Log processing is single-threaded
// per worker; scale comes from running more workers against the same queue.
type Processor struct {
	queue    JobQueue
	store    Storage
	tokens   TokenResolver
	pools    PoolResolver
	workerID string
	log      log.Logger
}

// New assembles a log worker.
func New(q JobQueue, st Storage, tokens TokenResolver, pools PoolResolver, workerID string) *Processor {
	return &Processor{
		queue:    q,
		store:    st,
		tokens:   tokens,
		pools:    pools,
		workerID: workerID,
		log:      log.New("worker", workerID),
	}
}

// Run consumes log jobs until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("Log worker started")
	for {
		if ctx.Err() != nil {
			p.log.Info("Log worker stopped")
			return nil
		}
		id, job, err := p.queue.PopBlocking(ctx, queue.LogsQueue)
		if err != nil {
			if ctx.Err() != nil {
				p.log.Info("Log worker stopped")
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
		lj, ok := job.(*queue.LogJob)
		if !ok {
			p.log.Error("Dropping mistyped job on logs queue", "job", id, "type", job.Kind())
			p.ack(ctx, id)
			continue
		}
		p.process(ctx, id, lj)
	}
}

// process runs one job through its handler and settles it against the
// queue. Malformed events were already skipped inside the handler and count
// as success; only transient failures (RPC, database) take the dead-letter
// path.
func (p *Processor) process(ctx context.Context, id string, job *queue.LogJob) {
	start := time.Now()
	err := p.processLog(ctx, job)
	if err == nil {
		p.ack(ctx, id)
		if job.Status == queue.StatusRetrying {
			if err := p.store.DeleteFailedJob(ctx, id); err != nil {
				p.log.Warn("Dead-letter cleanup failed", "job", id, "err", err)
			}
		}
		logTimer.UpdateSince(start)
		return
	}

	failureMeter.Mark(1)
	p.log.Error("Log processing failed", "job", id, "err", err)
	if recErr := p.store.RecordFailure(ctx, id, queue.LogsQueue, string(queue.KindLog), job.Raw(), err, p.workerID); recErr != nil {
		p.log.Error("Dead-letter write failed, job left in queue", "job", id, "err", recErr)
		return
	}
	p.ack(ctx, id)
}

func (p *Processor) processLog(ctx context.Context, job *queue.LogJob) error {
	writes, err := p.handle(ctx, job)
	if err != nil {
		return err
	}
	if writes == nil || writes.Empty() {
		return nil
	}
	applied, err := p.store.ApplyLogWrites(ctx, writes)
	if err != nil {
		return err
	}
	if !applied {
		p.log.Debug("Duplicate event, nothing written", "tx", job.TransactionHash, "index", uint64(job.LogIndex))
	}
	return nil
}

// handle dispatches on topic0. Unknown topics are ignored.
func (p *Processor) handle(ctx context.Context, job *queue.LogJob) (*store.LogWrites, error) {
	switch strings.ToLower(job.Topic0()) {
	case TransferTopic:
		return p.handleTransfer(ctx, job)
	case ApprovalTopic:
		return p.handleApproval(ctx, job)
	case TransferSingleTopic:
		return p.handleTransferSingle(ctx, job)
	case TransferBatchTopic:
		return p.handleTransferBatch(ctx, job)
	case SwapV2Topic:
		return p.handleSwapV2(ctx, job)
	case SwapV3Topic:
		return p.handleSwapV3(ctx, job)
	default:
		ignoredMeter.Mark(1)
		return nil, nil
	}
}

// skip records a malformed event and drops it without failing the job.
func (p *Processor) skip(job *queue.LogJob, reason string, kv ...interface{}) {
	skippedMeter.Mark(1)
	args := append([]interface{}{"reason", reason, "tx", job.TransactionHash, "index", uint64(job.LogIndex)}, kv...)
	p.log.Warn("Skipping malformed event", args...)
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.queue.Ack(ctx, id); err != nil {
		p.log.Warn("Job ack failed", "job", id, "err", err)
	}
}
