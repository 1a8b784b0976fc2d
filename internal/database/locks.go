package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// AdvisoryLock names the closed set of cooperative locks the matching
// core coordinates on. Keys are offset into a private keyspace so they
// never collide with other advisory-lock users of the same database.
type AdvisoryLock int64

const (
	// LockMatchingService is held by the scheduler process for its whole
	// lifetime to prevent duplicate schedulers across pods.
	LockMatchingService AdvisoryLock = iota + 1
	// LockMatchingJob serializes matcher workers; at most one job runs at
	// a time.
	LockMatchingJob
	// LockMatchUpdate guards the person-reassignment window. The matcher
	// takes it exclusively; interactive manual matches take it shared and
	// fail fast instead of queueing behind a long batch.
	LockMatchUpdate
)

// lockKeyBase keeps the matching locks in their own corner of the
// 64-bit advisory keyspace.
const lockKeyBase int64 = 0x454D5049 << 16

func (l AdvisoryLock) key() int64 {
	return lockKeyBase + int64(l)
}

func (l AdvisoryLock) String() string {
	switch l {
	case LockMatchingService:
		return "MATCHING_SERVICE"
	case LockMatchingJob:
		return "MATCHING_JOB"
	case LockMatchUpdate:
		return "MATCH_UPDATE"
	default:
		return fmt.Sprintf("advisory-lock-%d", int64(l))
	}
}

// AcquireExclusive blocks until the transaction-scoped exclusive lock is
// held. The lock is released automatically when tx commits or rolls back.
func AcquireExclusive(ctx context.Context, q Querier, lock AdvisoryLock) error {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lock.key()); err != nil {
		return fmt.Errorf("acquire %s: %w", lock, err)
	}
	log.Debug().Str("lock", lock.String()).Msg("advisory lock acquired")
	return nil
}

// TryExclusive attempts the transaction-scoped exclusive lock without
// blocking and reports whether it was obtained.
func TryExclusive(ctx context.Context, q Querier, lock AdvisoryLock) (bool, error) {
	var got bool
	if err := q.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, lock.key()).Scan(&got); err != nil {
		return false, fmt.Errorf("try %s: %w", lock, err)
	}
	return got, nil
}

// TryShared attempts a transaction-scoped shared hold without blocking.
// It fails only while an exclusive holder is present.
func TryShared(ctx context.Context, q Querier, lock AdvisoryLock) (bool, error) {
	var got bool
	if err := q.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock_shared($1)`, lock.key()).Scan(&got); err != nil {
		return false, fmt.Errorf("try shared %s: %w", lock, err)
	}
	return got, nil
}

// SessionLock is a session-scoped advisory lock pinned to one pooled
// connection. The scheduler holds LockMatchingService this way for its
// whole lifetime, outside any transaction.
type SessionLock struct {
	conn *pgxpool.Conn
	lock AdvisoryLock
}

// AcquireSession takes a dedicated connection from the pool and attempts
// the session-scoped lock without blocking. Returns (nil, nil) when
// another session holds it.
func (s *Store) AcquireSession(ctx context.Context, lock AdvisoryLock) (*SessionLock, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for %s: %w", lock, err)
	}

	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lock.key()).Scan(&got); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try session %s: %w", lock, err)
	}
	if !got {
		conn.Release()
		return nil, nil
	}

	log.Info().Str("lock", lock.String()).Msg("session advisory lock acquired")
	return &SessionLock{conn: conn, lock: lock}, nil
}

// Release unlocks and returns the pinned connection to the pool. Safe to
// call multiple times.
func (l *SessionLock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}
	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.lock.key()); err != nil {
		log.Warn().Err(err).Str("lock", l.lock.String()).Msg("failed to release session lock")
	}
	l.conn.Release()
	l.conn = nil
}
