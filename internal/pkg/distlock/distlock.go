package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/fandom-ingest/internal/pkg/logger"
)

var (
	// ErrNotHeld is returned by WithLock when another holder owns the lock.
	ErrNotHeld = errors.New("distlock: lock held elsewhere")
	// ErrLockLost is returned by WithLock when the lock expired or was
	// taken over while fn was running.
	ErrLockLost = errors.New("distlock: lock lost during run")
)

// DistLock is the interface for distributed locking.
// A lock instance is owned by one goroutine at a time; replicas each build
// their own instance over the same key.
type DistLock interface {
	// Acquire tries to acquire the lock without blocking. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Extender is implemented by locks that expire unless refreshed.
type Extender interface {
	// Extend resets the lock lifetime to ttl. Returns false if the lock
	// is no longer ours.
	Extend(ctx context.Context, ttl time.Duration) (bool, error)
	TTL() time.Duration
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// WithLock runs fn while holding lock. It returns ErrNotHeld without calling
// fn when the lock is taken. Release uses a fresh context so a cancelled
// caller still frees the lock.
//
// Locks implementing Extender are refreshed every third of their TTL while
// fn runs. If a refresh finds the lock gone, fn's context is cancelled and
// WithLock returns ErrLockLost.
func WithLock(ctx context.Context, lock DistLock, fn func(ctx context.Context) error) error {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()

	ext, ok := lock.(Extender)
	if !ok || ext.TTL() <= 0 {
		return fn(ctx)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepAlive(runCtx, ext, cancel)
	}()

	err = fn(runCtx)
	lost := errors.Is(context.Cause(runCtx), ErrLockLost)
	cancel(nil)
	wg.Wait()
	if lost {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLockLost, err)
		}
		return ErrLockLost
	}
	return err
}

// keepAlive extends the lock until ctx ends. A failed refresh is retried on
// the next tick; a refresh that finds the lock taken cancels ctx.
func keepAlive(ctx context.Context, ext Extender, cancel context.CancelCauseFunc) {
	ttl := ext.TTL()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := ext.Extend(ctx, ttl)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("distlock: extend failed", "error", err)
				}
				continue
			}
			if !held {
				logger.Warn("distlock: lock lost while running")
				cancel(ErrLockLost)
				return
			}
		}
	}
}

// PGAdvisoryLock implements DistLock using pg_try_advisory_lock.
// Advisory locks are session-scoped, so the acquiring connection is pinned
// until Release; returning it to the pool would leave the lock on a
// connection that some other caller may unlock or hold forever.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock. Returns true if successful.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns the pinned connection.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock %d: %w", l.lockID, err)
	}
	return closeErr
}
