package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"
)

const (
	defaultLockPollInterval = 50 * time.Millisecond
	maxLockPollInterval     = time.Second
)

// AdvisoryLocker serializes work per key across processes with session-level
// advisory locks. A held lock pins one pooled connection; waiters poll with
// pg_try_advisory_lock and hand their connection back between attempts.
type AdvisoryLocker struct {
	db        *sql.DB
	namespace string
	logger    *slog.Logger

	pollInterval time.Duration
	maxPoll      time.Duration
}

func NewAdvisoryLocker(db *sql.DB, namespace string, logger *slog.Logger) *AdvisoryLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLocker{
		db:           db,
		namespace:    namespace,
		logger:       logger,
		pollInterval: defaultLockPollInterval,
		maxPoll:      maxLockPollInterval,
	}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := advisoryKey(l.namespace, key)

	wait := l.pollInterval
	for {
		conn, err := l.tryLock(ctx, lockKey)
		if err != nil {
			return nil, fmt.Errorf("acquire advisory lock %s: %w", key, err)
		}
		if conn != nil {
			return l.releaseFunc(conn, key, lockKey), nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("acquire advisory lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
		wait = min(wait*2, l.maxPoll)
	}
}

// tryLock returns the connection holding the lock, or nil when another
// session holds it.
func (l *AdvisoryLocker) tryLock(ctx context.Context, lockKey int64) (*sql.Conn, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, nil
	}
	return conn, nil
}

func (l *AdvisoryLocker) releaseFunc(conn *sql.Conn, key string, lockKey int64) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey); err != nil {
			l.logger.Warn("advisory_unlock_failed", "key", key, "error", err)
			// Discard the physical connection so the server drops the session lock.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}
}

func advisoryKey(namespace, key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
