package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis server. All operations use a
// background context: callers treat the store as a local primitive and rely on
// client-side timeouts configured on the underlying connection.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore from an already connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Set stores a key-value pair.
func (s *RedisStore) Set(key string, value []byte, ttl time.Duration) error {
	return s.client.Set(context.Background(), key, value, ttl).Err()
}

// Get retrieves a value by key.
func (s *RedisStore) Get(key string) ([]byte, error) {
	val, err := s.client.Get(context.Background(), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

// Delete removes a value by key.
func (s *RedisStore) Delete(key string) error {
	return s.client.Del(context.Background(), key).Err()
}

// Del removes multiple values by their keys.
func (s *RedisStore) Del(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(context.Background(), keys...).Err()
}

// Exists checks if a key exists.
func (s *RedisStore) Exists(key string) (bool, error) {
	n, err := s.client.Exists(context.Background(), key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetNX sets a key-value pair if the key does not already exist.
func (s *RedisStore) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(context.Background(), key, value, ttl).Result()
}

// HSet sets multiple fields of a hash.
func (s *RedisStore) HSet(key string, values map[string]any) error {
	return s.client.HSet(context.Background(), key, values).Err()
}

// HGetAll returns all fields of a hash.
func (s *RedisStore) HGetAll(key string) (map[string]string, error) {
	return s.client.HGetAll(context.Background(), key).Result()
}

// HIncrBy increments a hash field by the given amount.
func (s *RedisStore) HIncrBy(key, field string, incr int64) (int64, error) {
	return s.client.HIncrBy(context.Background(), key, field, incr).Result()
}

// LPush prepends values to a list.
func (s *RedisStore) LPush(key string, values ...any) error {
	return s.client.LPush(context.Background(), key, values...).Err()
}

// LRem removes occurrences of value from a list.
func (s *RedisStore) LRem(key string, count int64, value any) error {
	return s.client.LRem(context.Background(), key, count, value).Err()
}

// Rotate atomically pops the tail of a list and pushes it onto the head.
func (s *RedisStore) Rotate(key string) (string, error) {
	val, err := s.client.LMove(context.Background(), key, key, "RIGHT", "LEFT").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return val, nil
}

// LLen returns the length of a list.
func (s *RedisStore) LLen(key string) (int64, error) {
	return s.client.LLen(context.Background(), key).Result()
}

// SAdd adds members to a set.
func (s *RedisStore) SAdd(key string, members ...any) error {
	return s.client.SAdd(context.Background(), key, members...).Err()
}

// SPopN randomly removes and returns up to count members from a set.
func (s *RedisStore) SPopN(key string, count int64) ([]string, error) {
	return s.client.SPopN(context.Background(), key, count).Result()
}

// Publish sends a message to all subscribers of a channel.
func (s *RedisStore) Publish(channel string, message []byte) error {
	return s.client.Publish(context.Background(), channel, message).Err()
}

// Subscribe listens for messages on a given channel.
func (s *RedisStore) Subscribe(channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(context.Background(), channel)

	// Wait for the subscription to be confirmed before returning so callers
	// never miss messages published immediately afterwards.
	if _, err := pubsub.Receive(context.Background()); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub:  pubsub,
		msgChan: make(chan *Message, 10),
	}
	go sub.pump()

	return sub, nil
}

// Clear removes all keys of the current database.
func (s *RedisStore) Clear() error {
	return s.client.FlushDB(context.Background()).Err()
}

// redisSubscription adapts a go-redis PubSub to the Subscription interface.
type redisSubscription struct {
	pubsub  *redis.PubSub
	msgChan chan *Message
}

// pump forwards messages until the underlying PubSub is closed.
func (rs *redisSubscription) pump() {
	defer close(rs.msgChan)
	for msg := range rs.pubsub.Channel() {
		rs.msgChan <- &Message{
			Channel: msg.Channel,
			Payload: []byte(msg.Payload),
		}
	}
}

// Channel returns the message channel for the subscription.
func (rs *redisSubscription) Channel() <-chan *Message {
	return rs.msgChan
}

// Close terminates the subscription.
func (rs *redisSubscription) Close() error {
	return rs.pubsub.Close()
}
