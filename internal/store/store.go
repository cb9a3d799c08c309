package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Message is a single message delivered on a pub/sub channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active pub/sub subscription. The channel returned by
// Channel is closed when the subscription is closed.
type Subscription interface {
	Channel() <-chan *Message
	Close() error
}

// Store is the key-value and pub/sub abstraction shared by the request-log
// buffer, the usage counters, and the settings invalidation channel. A single
// instance uses the in-memory implementation; multi-instance deployments use
// Redis so slaves observe the master's writes.
type Store interface {
	// Basic K/V operations.
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Del(keys ...string) error
	Exists(key string) (bool, error)
	SetNX(key string, value []byte, ttl time.Duration) (bool, error)

	// Hash operations.
	HSet(key string, values map[string]any) error
	HGetAll(key string) (map[string]string, error)
	HIncrBy(key, field string, incr int64) (int64, error)

	// List operations. Rotate pops the tail and pushes it back onto the head,
	// returning the popped element.
	LPush(key string, values ...any) error
	LRem(key string, count int64, value any) error
	Rotate(key string) (string, error)
	LLen(key string) (int64, error)

	// Set operations.
	SAdd(key string, members ...any) error
	SPopN(key string, count int64) ([]string, error)

	// Pub/Sub operations.
	Publish(channel string, message []byte) error
	Subscribe(channel string) (Subscription, error)

	// Clear removes all data. Close releases resources.
	Clear() error
	Close() error
}
