package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for cache operations.
// This abstraction allows switching between different cache implementations
// (Redis, local memory) without changing business logic.
type Cache interface {
	BasicOps
	ListOps
	PubSubOps
	LockOps
	PipelineOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist (atomic operation)
	// Returns true if the key was set, false if it already existed
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists checks if one or more keys exist
	// Returns the number of keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// Expire sets a timeout on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live of a key
	// Returns -1 if the key exists but has no expiration
	// Returns -2 if the key does not exist
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr increments the integer value of a key by 1
	Incr(ctx context.Context, key string) (int64, error)

	// IncrBy increments the integer value of a key by the given amount
	IncrBy(ctx context.Context, key string, value int64) (int64, error)
}

// ListOps defines list operations, including the blocking pops the job
// queue is built on
type ListOps interface {
	// LPush prepends one or more values to a list
	LPush(ctx context.Context, key string, values ...interface{}) error

	// RPush appends one or more values to a list
	RPush(ctx context.Context, key string, values ...interface{}) error

	// LPop removes and returns the first element of a list
	LPop(ctx context.Context, key string) (string, error)

	// RPop removes and returns the last element of a list
	RPop(ctx context.Context, key string) (string, error)

	// BLPop blocks up to timeout waiting to pop from the head of a list.
	// Returns ("", nil) when the timeout elapses with nothing to pop.
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)

	// BRPop blocks up to timeout waiting to pop from the tail of a list.
	// Returns ("", nil) when the timeout elapses with nothing to pop.
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, error)

	// LRange returns elements from a list by index range
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LLen returns the length of a list
	LLen(ctx context.Context, key string) (int64, error)

	// LTrim trims a list to the specified range
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// PubSubOps defines publish/subscribe operations
type PubSubOps interface {
	// Publish sends a message to a channel and returns the receiver count
	Publish(ctx context.Context, channel string, payload interface{}) (int64, error)

	// Subscribe opens a subscription on one or more channels.
	// The subscription delivers messages until Close is called or the
	// connection drops.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// Subscription is a live pub/sub subscription
type Subscription interface {
	// Channel returns the stream of incoming messages.
	// The channel is closed when the subscription closes.
	Channel() <-chan Message

	// Close unsubscribes and releases the subscription
	Close() error
}

// Message is a single pub/sub delivery
type Message struct {
	Channel string
	Payload string
}

// LockOps defines distributed lock operations
type LockOps interface {
	// TryLock attempts to acquire a distributed lock
	// Returns true if lock was acquired, false otherwise
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases a distributed lock
	Unlock(ctx context.Context, key string) error

	// ExtendLock extends the TTL of an existing lock
	ExtendLock(ctx context.Context, key string, ttl time.Duration) error
}

// PipelineOps defines pipeline operations for batching commands
type PipelineOps interface {
	// Pipeline executes multiple commands in a pipeline
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error
}

// Pipeliner defines the interface for pipeline operations
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Get(key string) error
	Del(keys ...string) error
	Expire(key string, ttl time.Duration) error
}
