package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/poppobuilder/poppo/internal/log"
)

// compareAndDeleteScript deletes a key only while it still holds the
// expected value. Run server-side so check and delete are one step.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on a Redis connection.
type RedisStore struct {
	rdb *redis.Client
	log *log.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Logger receives store diagnostics. Nil discards them.
	Logger *log.Logger
}

// NewRedisStore connects to Redis at the given address.
func NewRedisStore(opts Options) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{rdb: rdb, log: opts.Logger}
}

// NewRedisStoreFromClient wraps an existing client. Used by tests to point
// the facade at a miniredis instance.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// wrapErr maps driver errors onto the store error kinds.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %v", ErrTxConflict, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return wrapErr(s.rdb.Set(ctx, key, value, 0).Err())
}

func (s *RedisStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, wrapErr(err)
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		return false, wrapErr(err)
	}
	return n == 1, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapErr(s.rdb.Del(ctx, keys...).Err())
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return v, true, nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	return m, wrapErr(err)
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return wrapErr(s.rdb.HSet(ctx, key, toArgs(fields)...).Err())
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	return wrapErr(s.rdb.SAdd(ctx, key, toAny(members)...).Err())
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	return wrapErr(s.rdb.SRem(ctx, key, toAny(members)...).Err())
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	return members, wrapErr(err)
}

// Batch applies ops as one MULTI/EXEC transaction under WATCH of watchKeys.
// A concurrent write to any watched key aborts the transaction with
// ErrTxConflict; no element takes effect.
func (s *RedisStore) Batch(ctx context.Context, watchKeys []string, ops []Op) error {
	apply := func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return queueOps(ctx, pipe, ops)
		})
		return err
	}
	var err error
	if len(watchKeys) == 0 {
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return queueOps(ctx, pipe, ops)
		})
	} else {
		err = s.rdb.Watch(ctx, apply, watchKeys...)
	}
	return wrapErr(err)
}

func queueOps(ctx context.Context, pipe redis.Pipeliner, ops []Op) error {
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			pipe.Set(ctx, op.Key, op.Value, 0)
		case OpSetEx:
			pipe.Set(ctx, op.Key, op.Value, op.TTL)
		case OpDel:
			pipe.Del(ctx, op.Key)
		case OpHSet:
			pipe.HSet(ctx, op.Key, toArgs(op.Fields)...)
		case OpSAdd:
			pipe.SAdd(ctx, op.Key, toAny(op.Members)...)
		case OpSRem:
			pipe.SRem(ctx, op.Key, toAny(op.Members)...)
		default:
			return fmt.Errorf("unknown batch op kind %d", op.Kind)
		}
	}
	return nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapErr(s.rdb.Publish(ctx, channel, payload).Err())
}

// redisSubscription adapts redis.PubSub to the Subscription interface.
type redisSubscription struct {
	ps  *redis.PubSub
	out chan []byte
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established before returning so the
	// caller never misses messages published after Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, wrapErr(err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan []byte, 64)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			select {
			case sub.out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.log.Debug(log.CatStore, "ping failed", "error", err)
		return wrapErr(err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func toArgs(fields map[string]string) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

var _ Store = (*RedisStore)(nil)
