// Package store is the transactional relational mirror written by the
// workers: blocks, transactions, contract deployments, token transfers,
// approvals, swaps, NFT metadata, per-address statistics, the token cache
// and the failed-job dead-letter table.
//
// All writes rely on Postgres semantics: INSERT .. ON CONFLICT upserts with
// additive column updates, nested savepoints for per-item failure isolation,
// and primary-key conflicts as the idempotence signal under at-least-once
// job delivery.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	duplicateMeter = metrics.NewRegisteredMeter("store/duplicates", nil)
	savepointMeter = metrics.NewRegisteredMeter("store/savepoint/rollbacks", nil)
	statsMeter     = metrics.NewRegisteredMeter("store/stats/upserts", nil)
)

// uniqueViolation is the Postgres error code raised on primary-key conflicts.
const uniqueViolation = "23505"

// Config holds the Postgres connection settings.
type Config struct {
	Host     string `toml:",omitempty"`
	Port     int    `toml:",omitempty"`
	Database string `toml:",omitempty"`
	User     string `toml:",omitempty"`
	Password string `toml:",omitempty"`
	MaxConns int32  `toml:",omitempty"`
}

// DefaultConfig is the store configuration used when none is supplied.
var DefaultConfig = Config{
	Host:     "127.0.0.1",
	Port:     5432,
	Database: "ethindexer",
	User:     "postgres",
	MaxConns: 8,
}

// DSN renders the config as a postgres:// connection string.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// DB is the querying surface shared by *pgxpool.Pool and pgx.Tx, so the
// statement helpers below run identically inside and outside a transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool against the configured database and verifies
// it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	log.Info("Connected to Postgres", "host", cfg.Host, "database", cfg.Database, "maxconns", pc.MaxConns)
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for read-only collaborators.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withSavepoint runs fn inside a nested savepoint on tx. A failure rolls back
// only the savepoint; the enclosing transaction stays usable.
func withSavepoint(ctx context.Context, tx pgx.Tx, fn func(pgx.Tx) error) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("open savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback savepoint after %v: %w", err, rbErr)
		}
		savepointMeter.Mark(1)
		return err
	}
	return sp.Commit(ctx)
}

// IsUniqueViolation reports whether err is a Postgres primary-key or unique
// constraint conflict, the signal that a duplicate delivery already wrote
// this row.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
