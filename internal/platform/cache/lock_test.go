package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func newTestLocker(t *testing.T, wait time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, time.Second, wait), mr
}

func TestRedisLockerExclusive(t *testing.T) {
	locker, mr := newTestLocker(t, 60*time.Millisecond)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "inventory:k:lock")
	require.NoError(t, err)
	require.True(t, mr.Exists("odyssey-ledger:lock:inventory:k:lock"))

	_, err = locker.Lock(ctx, "inventory:k:lock")
	require.ErrorIs(t, err, shared.ErrLockTimeout)

	unlock()
	require.False(t, mr.Exists("odyssey-ledger:lock:inventory:k:lock"))

	again, err := locker.Lock(ctx, "inventory:k:lock")
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	locker, mr := newTestLocker(t, 0)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "k")
	require.NoError(t, err)
	// Simulate expiry and takeover by another holder.
	require.NoError(t, mr.Set(Key("", "lock", "k"), "someone-else"))
	unlock()

	val, err := mr.Get(Key("", "lock", "k"))
	require.NoError(t, err)
	require.Equal(t, "someone-else", val)
}

func TestRedisLockerExpiresAbandonedHolder(t *testing.T) {
	locker, mr := newTestLocker(t, 0)
	ctx := context.Background()

	_, err := locker.Lock(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	unlock, err := locker.Lock(ctx, "k")
	require.NoError(t, err)
	unlock()
}

func TestRedisLockerNamespacesKeys(t *testing.T) {
	locker, mr := newTestLocker(t, 0)
	ctx := context.Background()
	other := NewRedisLocker(locker.client, time.Second, 0).WithNamespace("ledger-b")

	unlock, err := locker.Lock(ctx, "company:c1:stock:i1:w1")
	require.NoError(t, err)
	defer unlock()
	require.True(t, mr.Exists("odyssey-ledger:lock:company:c1:stock:i1:w1"))

	unlockOther, err := other.Lock(ctx, "company:c1:stock:i1:w1")
	require.NoError(t, err)
	unlockOther()
}

func TestKeyJoinsParts(t *testing.T) {
	require.Equal(t, "odyssey-ledger:lock:a:b", Key("", "lock", ":a:", "", "b"))
	require.Equal(t, "tenant-x:lock", Key("tenant-x", "lock"))
}

func TestNewRejectsMissingAndUnreachableAddr(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)

	mr := miniredis.RunT(t)
	client, err := New(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = New(context.Background(), Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	require.Error(t, err)
}
