// Package poller maintains the WebSocket subscriptions that feed the job
// queue at the chain head: newHeads becomes block jobs, the open logs
// subscription becomes log jobs. Delivery is at-least-once by design; the
// workers absorb duplicates through primary-key conflicts.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tos-network/ethidx/ethrpc"
	"github.com/tos-network/ethidx/queue"
)

var (
	headMeter      = metrics.NewRegisteredMeter("poller/heads", nil)
	logMeter       = metrics.NewRegisteredMeter("poller/logs", nil)
	reconnectMeter = metrics.NewRegisteredMeter("poller/reconnects", nil)
)

// JobQueue is the queue surface the pollers produce into. Satisfied by
// queue.Manager.
type JobQueue interface {
	Push(ctx context.Context, job queue.Job) error
}

// TimestampSource resolves block timestamps for log jobs, since the logs
// subscription does not carry them. Satisfied by ethrpc.Client.
type TimestampSource interface {
	BlockByNumber(ctx context.Context, number uint64) (*ethrpc.Block, error)
}

// Config holds the shared poller settings.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// ReadTimeout bounds one recv; hitting it counts as a disconnect.
	ReadTimeout time.Duration `toml:",omitempty"`

	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration `toml:",omitempty"`
}

// DefaultConfig is the poller configuration used when none is supplied.
var DefaultConfig = Config{
	ReadTimeout:    60 * time.Second,
	ReconnectDelay: 2 * time.Second,
}

// Poller is one WebSocket subscription pushing jobs into the queue.
type Poller struct {
	cfg    Config
	queue  JobQueue
	params []interface{}
	handle func(ctx context.Context, result json.RawMessage)
	log    log.Logger

	chain TimestampSource
	times *lru.Cache
}

// NewHeadPoller subscribes to newHeads and queues one block job per head.
func NewHeadPoller(cfg Config, q JobQueue) *Poller {
	p := newPoller(cfg, q, "heads")
	p.params = []interface{}{"newHeads"}
	p.handle = p.handleHead
	return p
}

// NewLogPoller subscribes to the open logs filter and queues one log job
// per event, resolving block timestamps through chain with a small cache.
func NewLogPoller(cfg Config, q JobQueue, chain TimestampSource) *Poller {
	p := newPoller(cfg, q, "logs")
	p.params = []interface{}{"logs", struct{}{}}
	p.handle = p.handleLog
	p.chain = chain
	p.times, _ = lru.New(512)
	return p
}

func newPoller(cfg Config, q JobQueue, kind string) *Poller {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig.ReadTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultConfig.ReconnectDelay
	}
	return &Poller{
		cfg:   cfg,
		queue: q,
		log:   log.New("poller", kind),
	}
}

// Run keeps the subscription alive until the context is cancelled,
// redialling after every socket failure.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("Poller started", "url", p.cfg.URL)
	for {
		if ctx.Err() != nil {
			p.log.Info("Poller stopped")
			return nil
		}
		if err := p.session(ctx); err != nil {
			reconnectMeter.Mark(1)
			p.log.Warn("Subscription dropped, reconnecting", "err", err)
		}
		select {
		case <-ctx.Done():
			p.log.Info("Poller stopped")
			return nil
		case <-time.After(p.cfg.ReconnectDelay):
		}
	}
}

// session dials, subscribes and consumes notifications until the socket
// fails or the context ends.
func (p *Poller) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(subscribeRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params:  p.params,
	}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	var ack subscribeReply
	if err := conn.ReadJSON(&ack); err != nil {
		return err
	}
	if ack.Error != nil {
		return fmt.Errorf("subscribe rejected: %s (code %d)", ack.Error.Message, ack.Error.Code)
	}
	p.log.Info("Subscribed", "subscription", ack.Result)

	for {
		conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		var msg notification
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Method != "eth_subscription" || msg.Params == nil {
			continue
		}
		p.handle(ctx, msg.Params.Result)
	}
}

func (p *Poller) handleHead(ctx context.Context, raw json.RawMessage) {
	var head struct {
		Number hexutil.Uint64 `json:"number"`
		Hash   common.Hash    `json:"hash"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		p.log.Warn("Undecodable head notification", "err", err)
		return
	}
	job := queue.NewBlockJob(uint64(head.Number), ethrpc.HashHex(head.Hash))
	if err := p.queue.Push(ctx, job); err != nil {
		p.log.Error("Failed to queue block job", "number", uint64(head.Number), "err", err)
		return
	}
	headMeter.Mark(1)
	p.log.Debug("Queued block job", "number", uint64(head.Number))
}

func (p *Poller) handleLog(ctx context.Context, raw json.RawMessage) {
	var l ethrpc.Log
	if err := json.Unmarshal(raw, &l); err != nil {
		p.log.Warn("Undecodable log notification", "err", err)
		return
	}
	if l.Removed {
		// Reorged-out logs are not retracted; the rows stay until the
		// canonical block is reprocessed.
		return
	}
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = ethrpc.HashHex(t)
	}
	job := &queue.LogJob{
		JobType:          queue.KindLog,
		Address:          ethrpc.AddressHex(l.Address),
		BlockNumber:      queue.Uint64(l.BlockNumber),
		BlockHash:        ethrpc.HashHex(l.BlockHash),
		BlockTimestamp:   queue.Uint64(p.blockTimestamp(ctx, uint64(l.BlockNumber))),
		Data:             l.Data.String(),
		LogIndex:         queue.Uint64(l.LogIndex),
		Topics:           topics,
		TransactionHash:  ethrpc.HashHex(l.TransactionHash),
		TransactionIndex: queue.Uint64(l.TransactionIndex),
	}
	if err := p.queue.Push(ctx, job); err != nil {
		p.log.Error("Failed to queue log job", "tx", job.TransactionHash, "index", uint64(job.LogIndex), "err", err)
		return
	}
	logMeter.Mark(1)
}

// blockTimestamp resolves a head-side timestamp best effort; log rows can
// live with a zero timestamp rather than dropping chain data.
func (p *Poller) blockTimestamp(ctx context.Context, number uint64) uint64 {
	if v, ok := p.times.Get(number); ok {
		return v.(uint64)
	}
	b, err := p.chain.BlockByNumber(ctx, number)
	if err != nil {
		p.log.Warn("Timestamp lookup failed", "number", number, "err", err)
		return 0
	}
	ts := uint64(b.Timestamp)
	p.times.Add(number, ts)
	return ts
}

type subscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subscribeReply struct {
	ID     int       `json:"id"`
	Result string    `json:"result"`
	Error  *rpcError `json:"error"`
}

type notification struct {
	Method string `json:"method"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}
