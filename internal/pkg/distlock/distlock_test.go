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
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_Exclusive(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()
	f := NewFactory(client, nil, "sender:", time.Minute)

	a, b := f.For("camp-1"), f.For("camp-1")
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("lock:sender:camp-1"))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, b.Release(ctx), ErrNotHeld, "a non-holder must not release")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := f.For("camp-2").Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, other, "different keys do not contend")
}

func TestRedisLock_ExpiresAndExtends(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	l := NewRedisLock(client, "sweeper", time.Second)
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Extend(ctx, time.Minute))
	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists("lock:sweeper"))

	mr.FastForward(time.Minute)
	assert.ErrorIs(t, l.Extend(ctx, time.Minute), ErrNotHeld)
}

func TestRedisLock_RefreshRestartsTTL(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	l := NewFactory(client, nil, "", time.Second).For("campaign:camp-1")
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(800 * time.Millisecond)
	require.NoError(t, l.Refresh(ctx))
	mr.FastForward(800 * time.Millisecond)
	assert.True(t, mr.Exists("lock:campaign:camp-1"), "refreshed lock outlives its first TTL")

	mr.FastForward(time.Second)
	assert.ErrorIs(t, l.Refresh(ctx), ErrNotHeld)
}

func TestWithLock(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	f := NewFactory(client, nil, "", time.Minute)

	holder := f.For("job")
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	ok, err = WithLock(ctx, f.For("job"), func(context.Context) error { ran = true; return nil })
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, ran)

	require.NoError(t, holder.Release(ctx))
	boom := errors.New("boom")
	ok, err = WithLock(ctx, f.For("job"), func(context.Context) error { ran = true; return boom })
	assert.True(t, ok)
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran)

	ok, err = f.For("job").Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "WithLock releases on return")
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewFactory(nil, db, "", time.Minute).For("sweeper")

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, l.Refresh(context.Background()), ErrNotHeld)
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, l.Refresh(context.Background()), "held for as long as the session")
	require.NoError(t, l.Release(context.Background()))
	assert.ErrorIs(t, l.Release(context.Background()), ErrNotHeld)
	assert.ErrorIs(t, l.Refresh(context.Background()), ErrNotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}
