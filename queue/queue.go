package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/redis/go-redis/v9"
)

var (
	pushMeter     = metrics.NewRegisteredMeter("queue/push", nil)
	popMeter      = metrics.NewRegisteredMeter("queue/pop", nil)
	ackMeter      = metrics.NewRegisteredMeter("queue/ack", nil)
	danglingMeter = metrics.NewRegisteredMeter("queue/dangling", nil)
)

// Config holds the Redis connection settings for the queue.
type Config struct {
	Addr       string        `toml:",omitempty"`
	Password   string        `toml:",omitempty"`
	DB         int           `toml:",omitempty"`
	PopTimeout time.Duration `toml:",omitempty"`
}

// DefaultConfig is the queue configuration used when none is supplied.
var DefaultConfig = Config{
	Addr:       "127.0.0.1:6379",
	PopTimeout: 5 * time.Second,
}

// Manager moves jobs through named Redis FIFO lists with the payload held in
// a separate key, so an acked payload can be deleted independently of the
// list entry that delivered it.
type Manager struct {
	client     *redis.Client
	popTimeout time.Duration
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.PopTimeout), nil
}

// NewWithClient wraps an existing Redis client. The caller keeps ownership of
// the client lifecycle when constructing the manager this way is combined
// with sharing the client elsewhere.
func NewWithClient(client *redis.Client, popTimeout time.Duration) *Manager {
	if popTimeout <= 0 {
		popTimeout = DefaultConfig.PopTimeout
	}
	return &Manager{client: client, popTimeout: popTimeout}
}

// Client exposes the underlying Redis client for collaborators that share the
// connection, such as the price cache.
func (m *Manager) Client() *redis.Client { return m.client }

// Close releases the Redis connection.
func (m *Manager) Close() error { return m.client.Close() }

// Push marshals the job and enqueues it under its canonical id.
func (m *Manager) Push(ctx context.Context, job Job) error {
	return m.PushRaw(ctx, job.Queue(), job.ID(), job.Raw())
}

// PushRaw stores payload under id and appends id to the named queue. The
// payload SET strictly precedes the RPUSH; duplicate pushes of one id are
// allowed and the latest payload wins.
func (m *Manager) PushRaw(ctx context.Context, queueName, id string, payload []byte) error {
	if err := m.client.Set(ctx, id, payload, 0).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", id, err)
	}
	if err := m.client.RPush(ctx, queueName, id).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", id, err)
	}
	pushMeter.Mark(1)
	return nil
}

// PopBlocking waits up to the configured timeout for the next id on the named
// queue and resolves its payload. It returns ("", nil, nil) when the timeout
// elapses with an empty queue, and (id, nil, nil) when the id was delivered
// but its payload is gone; such dangling ids carry nothing to ack.
func (m *Manager) PopBlocking(ctx context.Context, queueName string) (string, Job, error) {
	res, err := m.client.BLPop(ctx, m.popTimeout, queueName).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("pop %s: %w", queueName, err)
	}
	// BLPOP answers [queue, id].
	if len(res) != 2 {
		return "", nil, fmt.Errorf("pop %s: unexpected reply of %d elements", queueName, len(res))
	}
	id := res[1]
	payload, err := m.client.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		danglingMeter.Mark(1)
		return id, nil, nil
	}
	if err != nil {
		return id, nil, fmt.Errorf("load job %s: %w", id, err)
	}
	job, err := Decode(payload)
	if err != nil {
		return id, nil, err
	}
	popMeter.Mark(1)
	return id, job, nil
}

// Ack deletes the payload of a completed job. Callers only ack after their
// own transaction committed or the failure was recorded durably.
func (m *Manager) Ack(ctx context.Context, id string) error {
	if err := m.client.Del(ctx, id).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", id, err)
	}
	ackMeter.Mark(1)
	return nil
}

// Len reports the number of pending entries on the named queue.
func (m *Manager) Len(ctx context.Context, queueName string) (int64, error) {
	return m.client.LLen(ctx, queueName).Result()
}
