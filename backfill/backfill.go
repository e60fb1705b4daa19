// Package backfill plans historical ingestion: it fans a block range out
// into block jobs and sweeps the same range with eth_getLogs in a sliding
// window, shrinking the window when the endpoint pushes back and growing it
// back once a window goes through clean.
package backfill

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/time/rate"

	"github.com/tos-network/ethidx/ethrpc"
	"github.com/tos-network/ethidx/queue"
)

// Range limits. MaxRange bounds one backfill request, MaxQueueRange the
// cheaper blocks-only variant.
const (
	MaxRange      = 50_000
	MaxQueueRange = 10_000
	MaxBatchSize  = 1000
)

// ErrInvalidRange tags validation failures so the API layer can answer 400
// instead of 500.
var ErrInvalidRange = errors.New("invalid block range")

var (
	blocksMeter = metrics.NewRegisteredMeter("backfill/blocks", nil)
	logsMeter   = metrics.NewRegisteredMeter("backfill/logs", nil)
	shrinkMeter = metrics.NewRegisteredMeter("backfill/shrinks", nil)
)

// ChainReader is the chain surface the planner consumes. Satisfied by
// ethrpc.Client.
type ChainReader interface {
	BlockByNumber(ctx context.Context, number uint64) (*ethrpc.Block, error)
	FilterLogs(ctx context.Context, from, to uint64) ([]ethrpc.Log, error)
}

// JobQueue is the queue surface the planner produces into. Satisfied by
// queue.Manager.
type JobQueue interface {
	Push(ctx context.Context, job queue.Job) error
}

// Config holds the planner settings.
type Config struct {
	// BatchSize is the starting getLogs window in blocks, within
	// [1, MaxBatchSize].
	BatchSize int `toml:",omitempty"`

	// MaxAttempts bounds how often one window may shrink-and-retry before
	// the request fails.
	MaxAttempts int `toml:",omitempty"`

	// RPS paces chain calls; zero or negative disables pacing.
	RPS float64 `toml:",omitempty"`

	// CacheSize is the number of block timestamps kept for log jobs.
	CacheSize int `toml:",omitempty"`
}

// DefaultConfig is the planner configuration used when none is supplied.
var DefaultConfig = Config{
	BatchSize:   100,
	MaxAttempts: 10,
	RPS:         10,
	CacheSize:   1024,
}

// Report is the outcome of one backfill request. FailedAt is set only when
// the sweep gave up, and then carries the first block of the window that
// could not be fetched; the queued counts still reflect what went out
// before the failure.
type Report struct {
	BlocksQueued int     `json:"blocks_queued"`
	LogsQueued   int     `json:"logs_queued"`
	StartBlock   uint64  `json:"start_block"`
	EndBlock     uint64  `json:"end_block"`
	FailedAt     *uint64 `json:"failed_at_block,omitempty"`
}

// Planner drives backfill requests against the chain and the job queue.
type Planner struct {
	cfg     Config
	chain   ChainReader
	queue   JobQueue
	limiter *rate.Limiter
	times   *lru.Cache
	log     log.Logger
}

// New assembles a planner. Zero config fields fall back to DefaultConfig.
func New(cfg Config, chain ChainReader, q JobQueue) *Planner {
	if cfg.BatchSize < 1 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.CacheSize < 1 {
		cfg.CacheSize = DefaultConfig.CacheSize
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	times, _ := lru.New(cfg.CacheSize)
	return &Planner{
		cfg:     cfg,
		chain:   chain,
		queue:   q,
		limiter: rate.NewLimiter(limit, 1),
		times:   times,
		log:     log.New("module", "backfill"),
	}
}

// Run queues block jobs for [start, end] and sweeps the range for logs.
// batch overrides the configured starting window when positive.
func (p *Planner) Run(ctx context.Context, start, end uint64, batch int) (*Report, error) {
	if batch == 0 {
		batch = p.cfg.BatchSize
	}
	if batch < 1 || batch > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch_size %d outside [1, %d]", ErrInvalidRange, batch, MaxBatchSize)
	}
	if err := validateRange(start, end, MaxRange); err != nil {
		return nil, err
	}

	report := &Report{StartBlock: start, EndBlock: end}
	p.log.Info("Backfill started", "start", start, "end", end, "batch", batch)

	for n := start; n <= end; n++ {
		if err := p.queue.Push(ctx, queue.NewBlockJob(n, "")); err != nil {
			report.FailedAt = u64ptr(n)
			return report, fmt.Errorf("queue block %d: %w", n, err)
		}
		report.BlocksQueued++
		blocksMeter.Mark(1)
	}

	window := uint64(batch)
	attempts := 0
	for from := start; from <= end; {
		to := from + window - 1
		if to > end {
			to = end
		}
		if err := p.limiter.Wait(ctx); err != nil {
			report.FailedAt = u64ptr(from)
			return report, err
		}
		logs, err := p.chain.FilterLogs(ctx, from, to)
		if err != nil {
			if !ethrpc.IsRateLimited(err) && !ethrpc.IsTooManyResults(err) {
				report.FailedAt = u64ptr(from)
				return report, fmt.Errorf("getLogs [%d, %d]: %w", from, to, err)
			}
			attempts++
			if attempts >= p.cfg.MaxAttempts {
				report.FailedAt = u64ptr(from)
				return report, fmt.Errorf("getLogs [%d, %d] gave up after %d attempts: %w", from, to, attempts, err)
			}
			if window > 1 {
				window /= 2
				shrinkMeter.Mark(1)
			}
			p.log.Warn("Shrinking getLogs window", "from", from, "window", window, "attempt", attempts, "err", err)
			continue
		}

		for i := range logs {
			if err := p.queueLog(ctx, &logs[i]); err != nil {
				report.FailedAt = u64ptr(from)
				return report, err
			}
			report.LogsQueued++
			logsMeter.Mark(1)
		}

		from = to + 1
		window = uint64(batch)
		attempts = 0
	}

	p.log.Info("Backfill finished", "blocks", report.BlocksQueued, "logs", report.LogsQueued)
	return report, nil
}

// QueueBlocks queues block jobs for [start, end] without the log sweep.
func (p *Planner) QueueBlocks(ctx context.Context, start, end uint64) (int, error) {
	if err := validateRange(start, end, MaxQueueRange); err != nil {
		return 0, err
	}
	queued := 0
	for n := start; n <= end; n++ {
		if err := p.queue.Push(ctx, queue.NewBlockJob(n, "")); err != nil {
			return queued, fmt.Errorf("queue block %d: %w", n, err)
		}
		queued++
		blocksMeter.Mark(1)
	}
	p.log.Info("Queued block range", "start", start, "end", end, "queued", queued)
	return queued, nil
}

// queueLog resolves the log's block timestamp and pushes the log job.
func (p *Planner) queueLog(ctx context.Context, l *ethrpc.Log) error {
	ts, err := p.blockTimestamp(ctx, uint64(l.BlockNumber))
	if err != nil {
		return fmt.Errorf("timestamp for block %d: %w", uint64(l.BlockNumber), err)
	}
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = ethrpc.HashHex(t)
	}
	return p.queue.Push(ctx, &queue.LogJob{
		JobType:          queue.KindLog,
		Address:          ethrpc.AddressHex(l.Address),
		BlockNumber:      queue.Uint64(l.BlockNumber),
		BlockHash:        ethrpc.HashHex(l.BlockHash),
		BlockTimestamp:   queue.Uint64(ts),
		Data:             l.Data.String(),
		LogIndex:         queue.Uint64(l.LogIndex),
		Topics:           topics,
		TransactionHash:  ethrpc.HashHex(l.TransactionHash),
		TransactionIndex: queue.Uint64(l.TransactionIndex),
	})
}

func (p *Planner) blockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if v, ok := p.times.Get(number); ok {
		return v.(uint64), nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	b, err := p.chain.BlockByNumber(ctx, number)
	if err != nil {
		return 0, err
	}
	ts := uint64(b.Timestamp)
	p.times.Add(number, ts)
	return ts, nil
}

func validateRange(start, end uint64, max uint64) error {
	if start > end {
		return fmt.Errorf("%w: start %d after end %d", ErrInvalidRange, start, end)
	}
	if end-start+1 > max {
		return fmt.Errorf("%w: %d blocks exceed the %d cap", ErrInvalidRange, end-start+1, max)
	}
	return nil
}

func u64ptr(v uint64) *uint64 { return &v }
