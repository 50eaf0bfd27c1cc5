package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(rdb)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_GetSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "k", "v"))
	v, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Del(ctx, "k"))
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_SetExExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetEx(ctx, "hb", "alive", time.Minute))
	_, found, err := s.Get(ctx, "hb")
	require.NoError(t, err)
	assert.True(t, found)

	mr.FastForward(2 * time.Minute)

	_, found, err = s.Get(ctx, "hb")
	require.NoError(t, err)
	assert.False(t, found, "key should expire after TTL")
}

func TestRedisStore_SetNX(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first SetNX should win")

	ok, err = s.SetNX(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must not overwrite")

	v, _, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "holder-1", v)
}

func TestRedisStore_CompareAndDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lock", "pid-nonce"))

	// Wrong value: no delete
	ok, err := s.CompareAndDelete(ctx, "lock", "other-nonce")
	require.NoError(t, err)
	assert.False(t, ok)
	_, found, _ := s.Get(ctx, "lock")
	assert.True(t, found, "lock must survive mismatched delete")

	// Matching value: delete
	ok, err = s.CompareAndDelete(ctx, "lock", "pid-nonce")
	require.NoError(t, err)
	assert.True(t, ok)
	_, found, _ = s.Get(ctx, "lock")
	assert.False(t, found)
}

func TestRedisStore_HashOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"status": "processing", "owner": "p1"}))

	v, found, err := s.HGet(ctx, "h", "status")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "processing", v)

	_, found, err = s.HGet(ctx, "h", "nope")
	require.NoError(t, err)
	assert.False(t, found)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"status": "processing", "owner": "p1"}, all)

	empty, err := s.HGetAll(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisStore_SetOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "set", "a", "b"))
	require.NoError(t, s.SAdd(ctx, "set", "b", "c"))

	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, s.SRem(ctx, "set", "b"))
	members, err = s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestRedisStore_BatchAppliesAllOps(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	ops := []Op{
		SetOp("plain", "1"),
		SetExOp("ttl", "alive", time.Minute),
		HSetOp("hash", map[string]string{"f": "v"}),
		SAddOp("members", "x", "y"),
	}
	require.NoError(t, s.Batch(ctx, []string{"plain"}, ops))

	v, found, _ := s.Get(ctx, "plain")
	assert.True(t, found)
	assert.Equal(t, "1", v)

	assert.Positive(t, mr.TTL("ttl"), "SetEx element must carry its TTL")

	h, _ := s.HGetAll(ctx, "hash")
	assert.Equal(t, "v", h["f"])

	members, _ := s.SMembers(ctx, "members")
	assert.ElementsMatch(t, []string{"x", "y"}, members)
}

func TestRedisStore_BatchWithRemovals(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "gone", "x"))
	require.NoError(t, s.SAdd(ctx, "set", "a", "b"))

	require.NoError(t, s.Batch(ctx, nil, []Op{
		DelOp("gone"),
		SRemOp("set", "a"),
	}))

	_, found, _ := s.Get(ctx, "gone")
	assert.False(t, found)
	members, _ := s.SMembers(ctx, "set")
	assert.Equal(t, []string{"b"}, members)
}

func TestRedisStore_PubSub(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := s.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, s.Publish(ctx, "events", []byte("one")))
	require.NoError(t, s.Publish(ctx, "events", []byte("two")))

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-sub.Messages():
			assert.Equal(t, want, string(got), "messages on one channel arrive in order")
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for published message")
		}
	}
}

func TestRedisStore_UnavailableAfterStop(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	s := NewRedisStoreFromClient(rdb)
	defer func() { _ = s.Close() }()

	mr.Close()

	err := s.Set(context.Background(), "k", "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRetry_RetriesConflictThenSucceeds(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), OwnershipPolicy(), func() error {
		attempts++
		if attempts < 3 {
			return ErrTxConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_PermanentErrorNotRetried(t *testing.T) {
	sentinel := errors.New("boom")
	attempts := 0
	err := Retry(context.Background(), OwnershipPolicy(), func() error {
		attempts++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), OwnershipPolicy(), func() error {
		attempts++
		return ErrUnavailable
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, attempts)
}
