// Package store provides the typed facade over the shared key-value +
// pub/sub store that serves as the single source of truth for issue
// ownership. The Redis implementation is the production backend; tests run
// against miniredis.
package store

import (
	"context"
	"errors"
	"time"
)

// Error kinds surfaced by the store facade. Callers match with errors.Is.
var (
	// ErrUnavailable is returned when the store is unreachable. Operations
	// that require the store fail; the daemon stays up and retries.
	ErrUnavailable = errors.New("store unavailable")

	// ErrTxConflict is returned when an atomic batch's precondition was
	// violated by a concurrent writer. Callers retry with a fresh read.
	ErrTxConflict = errors.New("transaction conflict")
)

// OpKind identifies the kind of a batch operation.
type OpKind int

const (
	OpSet OpKind = iota
	OpSetEx
	OpDel
	OpHSet
	OpSAdd
	OpSRem
)

// Op is one element of an atomic batch. Exactly the fields relevant to the
// Kind are consulted.
type Op struct {
	Kind    OpKind
	Key     string
	Value   string
	TTL     time.Duration
	Fields  map[string]string
	Members []string
}

// SetOp builds a plain SET element.
func SetOp(key, value string) Op { return Op{Kind: OpSet, Key: key, Value: value} }

// SetExOp builds a SET-with-expiry element.
func SetExOp(key, value string, ttl time.Duration) Op {
	return Op{Kind: OpSetEx, Key: key, Value: value, TTL: ttl}
}

// DelOp builds a DEL element.
func DelOp(key string) Op { return Op{Kind: OpDel, Key: key} }

// HSetOp builds a hash-field-write element.
func HSetOp(key string, fields map[string]string) Op {
	return Op{Kind: OpHSet, Key: key, Fields: fields}
}

// SAddOp builds a set-add element.
func SAddOp(key string, members ...string) Op {
	return Op{Kind: OpSAdd, Key: key, Members: members}
}

// SRemOp builds a set-remove element.
func SRemOp(key string, members ...string) Op {
	return Op{Kind: OpSRem, Key: key, Members: members}
}

// Subscription is a live pub/sub subscription on a single channel.
// Messages on one channel arrive in publish order.
type Subscription interface {
	// Messages returns the stream of raw payloads. The channel is closed
	// when the subscription is closed or the connection is lost.
	Messages() <-chan []byte
	// Close tears down the subscription.
	Close() error
}

// Store is the capability interface over the shared state store.
//
// Batch applies all elements as one unit, all-or-nothing, watching the given
// keys: if any watched key is modified concurrently the batch fails with
// ErrTxConflict and no element takes effect.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key is absent, with a TTL. Returns true
	// when the write happened. This is the lock acquisition primitive.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only while it still holds value.
	// Returns true when the delete happened. This is the lock release
	// primitive; the nonce check prevents deleting another holder's lock.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	Del(ctx context.Context, keys ...string) error

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Batch(ctx context.Context, watchKeys []string, ops []Op) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
