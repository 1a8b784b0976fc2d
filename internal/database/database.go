package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"empi/internal/config"
)

// Querier is the subset of pgx operations shared by the pool and a
// transaction. Store methods that must run inside a caller-owned
// transaction take a Querier so the matcher can thread one pgx.Tx
// through the whole pipeline.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the Postgres-backed matching store. All state the matching
// core coordinates on lives behind this one pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres, applies the schema, and returns the store.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("parse postgres uri: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("application", cfg.ApplicationName).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("Postgres connection established")

	return s, nil
}

// Pool exposes the underlying pool for components that manage their own
// connections (the scheduler's session lock, the ops server health check).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Health verifies the database connection.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Begin opens a read-committed transaction.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

// BeginRepeatableRead opens a repeatable-read transaction. Potential-match
// reads use this isolation so joined views stay consistent.
func (s *Store) BeginRepeatableRead(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin repeatable-read transaction: %w", err)
	}
	return tx, nil
}
