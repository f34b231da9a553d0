package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a distributed mutual-exclusion primitive shared between worker
// processes. A Lock value is not safe for concurrent use; create one per
// goroutine.
type Lock interface {
	// TryAcquire attempts to take the lock without blocking. Returns true
	// on success.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this instance still owns it.
	Release(ctx context.Context) error
}

// New picks the best available backend: Redis when a client is present
// (works across hosts), otherwise PostgreSQL advisory locks. Both are
// crash-safe: Redis locks expire with their TTL, advisory locks die with
// the session.
func New(rdb *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if rdb != nil {
		return NewRedisLock(rdb, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// AdvisoryLock implements Lock on pg_try_advisory_lock, used when the
// deployment runs without Redis.
type AdvisoryLock struct {
	db  *sql.DB
	key int64
}

// NewAdvisoryLock derives a stable 64-bit advisory lock ID from the key.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, key: int64(h.Sum64())}
}

func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var ok bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok)
	return ok, err
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	return err
}
