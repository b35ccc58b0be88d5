package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisLockExclusive(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "remote-poll", time.Minute)
	b := NewRedisLock(rdb, "remote-poll", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b does not own the lock, so its release is a no-op
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("lock:remote-poll"))

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists("lock:remote-poll"))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExpiresAndExtend(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "remote-poll", time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := a.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Equal(t, time.Minute, mr.TTL("lock:remote-poll"))

	mr.FastForward(2 * time.Minute)
	extended, err = a.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	_, rdb := setupRedis(t)
	ctx := context.Background()

	holder := NewRedisLock(rdb, "remote-poll", time.Minute)
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	err = WithLock(ctx, NewRedisLock(rdb, "remote-poll", time.Minute), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.False(t, called)
}

func TestWithLockReleasesAfterRun(t *testing.T) {
	mr, rdb := setupRedis(t)
	lock := NewRedisLock(rdb, "remote-poll", time.Minute)

	boom := errors.New("boom")
	err := WithLock(context.Background(), lock, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:remote-poll"))
}

func TestNewLockFallsBackToPostgres(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, isPG := NewLock(nil, db, "remote-poll", time.Minute).(*PGAdvisoryLock)
	assert.True(t, isPG)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "remote-poll")
	ctx := context.Background()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WithArgs(lock.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(lock.lockID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second acquire on the same instance does not re-enter
	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockNotGranted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "remote-poll")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithLockRefreshesWhileRunning(t *testing.T) {
	mr, rdb := setupRedis(t)
	lock := NewRedisLock(rdb, "remote-poll", 300*time.Millisecond)

	err := WithLock(context.Background(), lock, func(ctx context.Context) error {
		// three steps of 200ms outlive the 300ms TTL unless it is refreshed
		for i := 0; i < 3; i++ {
			mr.FastForward(200 * time.Millisecond)
			require.True(t, mr.Exists("lock:remote-poll"))
			require.Eventually(t, func() bool {
				return mr.TTL("lock:remote-poll") > 200*time.Millisecond
			}, 2*time.Second, 10*time.Millisecond)
		}
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:remote-poll"))
}

func TestWithLockCancelsRunWhenLockLost(t *testing.T) {
	mr, rdb := setupRedis(t)
	lock := NewRedisLock(rdb, "remote-poll", 150*time.Millisecond)

	err := WithLock(context.Background(), lock, func(ctx context.Context) error {
		require.NoError(t, mr.Set("lock:remote-poll", "other-holder"))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("run was not cancelled")
		}
	})
	assert.ErrorIs(t, err, ErrLockLost)

	// the new holder's key survives our release
	got, gerr := mr.Get("lock:remote-poll")
	require.NoError(t, gerr)
	assert.Equal(t, "other-holder", got)
}

func TestWithLockWithoutExpiryRunsPlainly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewPGAdvisoryLock(db, "remote-poll")
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ran := false
	err = WithLock(context.Background(), lock, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}
