package store

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	subscriberBuffer = 10
	cleanupInterval  = 5 * time.Minute
)

// entry holds a scalar value with its expiry. expiresAt of 0 means no expiry.
type entry struct {
	value     []byte
	expiresAt int64
}

func (e entry) expired(now int64) bool {
	return e.expiresAt > 0 && now > e.expiresAt
}

// MemoryStore is the in-process Store used by single-instance deployments,
// where the request-log buffer and the settings invalidation channel never
// need to leave the process. Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any

	muSubs  sync.RWMutex
	subs    map[string]map[chan *Message]struct{}
	dropped atomic.Int64

	stopCleanup chan struct{}
}

// NewMemoryStore creates a MemoryStore and starts its expiry sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:        make(map[string]any),
		subs:        make(map[string]map[chan *Message]struct{}),
		stopCleanup: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the sweeper and detaches all subscribers. Subscriber channels
// are closed by their own Close to avoid double-close.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)

	s.muSubs.Lock()
	s.subs = make(map[string]map[chan *Message]struct{})
	s.muSubs.Unlock()
	return nil
}

func (s *MemoryStore) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{value: value, expiresAt: deadline(ttl)}
	return nil
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	e, ok := raw.(entry)
	if !ok {
		return nil, wrongType(key)
	}
	if e.expired(time.Now().UnixNano()) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Del(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *MemoryStore) Exists(key string) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if e, isEntry := raw.(entry); isEntry && e.expired(time.Now().UnixNano()) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok := s.data[key]; ok {
		e, isEntry := raw.(entry)
		if !isEntry || !e.expired(time.Now().UnixNano()) {
			return false, nil
		}
		// Expired entries are free for the taking.
	}

	s.data[key] = entry{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

// --- hash operations ---

func (s *MemoryStore) HSet(key string, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := s.hashLocked(key)
	if err != nil {
		return err
	}
	for field, value := range values {
		hash[field] = fmt.Sprint(value)
	}
	return nil
}

func (s *MemoryStore) HGetAll(key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.data[key]
	if !ok {
		return make(map[string]string), nil
	}
	hash, ok := raw.(map[string]string)
	if !ok {
		return nil, wrongType(key)
	}

	out := make(map[string]string, len(hash))
	for k, v := range hash {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HIncrBy(key, field string, incr int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := s.hashLocked(key)
	if err != nil {
		return 0, err
	}
	current, _ := strconv.ParseInt(hash[field], 10, 64)
	next := current + incr
	hash[field] = strconv.FormatInt(next, 10)
	return next, nil
}

// hashLocked returns the hash at key, creating it if absent. Caller holds mu.
func (s *MemoryStore) hashLocked(key string) (map[string]string, error) {
	raw, ok := s.data[key]
	if !ok {
		hash := make(map[string]string)
		s.data[key] = hash
		return hash, nil
	}
	hash, ok := raw.(map[string]string)
	if !ok {
		return nil, wrongType(key)
	}
	return hash, nil
}

// --- list operations ---

func (s *MemoryStore) LPush(key string, values ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []string
	if raw, ok := s.data[key]; ok {
		list, ok = raw.([]string)
		if !ok {
			return wrongType(key)
		}
	}

	head := make([]string, len(values))
	for i, v := range values {
		head[i] = fmt.Sprint(v)
	}
	s.data[key] = append(head, list...)
	return nil
}

func (s *MemoryStore) LRem(key string, count int64, value any) error {
	if count != 0 {
		return fmt.Errorf("LRem with non-zero count is not implemented in MemoryStore")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data[key]
	if !ok {
		return nil
	}
	list, ok := raw.([]string)
	if !ok {
		return wrongType(key)
	}

	target := fmt.Sprint(value)
	kept := make([]string, 0, len(list))
	for _, item := range list {
		if item != target {
			kept = append(kept, item)
		}
	}
	s.data[key] = kept
	return nil
}

// Rotate pops the tail of the list and pushes it back onto the head.
func (s *MemoryStore) Rotate(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	list, ok := raw.([]string)
	if !ok {
		return "", wrongType(key)
	}
	if len(list) == 0 {
		return "", ErrNotFound
	}

	last := len(list) - 1
	item := list[last]
	s.data[key] = append([]string{item}, list[:last]...)
	return item, nil
}

// LLen returns the element count of a list or set key.
func (s *MemoryStore) LLen(key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.data[key]
	if !ok {
		return 0, nil
	}
	switch v := raw.(type) {
	case []string:
		return int64(len(v)), nil
	case map[string]struct{}:
		return int64(len(v)), nil
	default:
		return 0, wrongType(key)
	}
}

// --- set operations ---

func (s *MemoryStore) SAdd(key string, members ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var set map[string]struct{}
	if raw, ok := s.data[key]; ok {
		set, ok = raw.(map[string]struct{})
		if !ok {
			return wrongType(key)
		}
	} else {
		set = make(map[string]struct{})
		s.data[key] = set
	}

	for _, member := range members {
		set[fmt.Sprint(member)] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SPopN(key string, count int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data[key]
	if !ok {
		return []string{}, nil
	}
	set, ok := raw.(map[string]struct{})
	if !ok {
		return nil, wrongType(key)
	}

	if count > int64(len(set)) {
		count = int64(len(set))
	}
	popped := make([]string, 0, count)
	for member := range set {
		if int64(len(popped)) >= count {
			break
		}
		popped = append(popped, member)
		delete(set, member)
	}
	return popped, nil
}

// --- pub/sub ---

type memorySubscription struct {
	store     *MemoryStore
	channel   string
	msgChan   chan *Message
	closeOnce sync.Once
}

func (ms *memorySubscription) Channel() <-chan *Message {
	return ms.msgChan
}

func (ms *memorySubscription) Close() error {
	ms.closeOnce.Do(func() {
		ms.store.muSubs.Lock()
		defer ms.store.muSubs.Unlock()

		if chans, ok := ms.store.subs[ms.channel]; ok {
			delete(chans, ms.msgChan)
			if len(chans) == 0 {
				delete(ms.store.subs, ms.channel)
			}
		}
		close(ms.msgChan)
	})
	return nil
}

// Publish delivers a message to every subscriber of the channel. Delivery is
// at-most-once: a subscriber with a full buffer misses the message rather
// than blocking the publisher.
func (s *MemoryStore) Publish(channel string, message []byte) error {
	s.muSubs.RLock()
	defer s.muSubs.RUnlock()

	chans, ok := s.subs[channel]
	if !ok {
		return nil
	}

	msg := &Message{Channel: channel, Payload: message}
	droppedNow := 0
	for ch := range chans {
		select {
		case ch <- msg:
		default:
			droppedNow++
		}
	}

	if droppedNow > 0 {
		s.dropped.Add(int64(droppedNow))
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logrus.WithFields(logrus.Fields{
				"channel":       channel,
				"subscribers":   len(chans),
				"dropped_now":   droppedNow,
				"dropped_total": s.dropped.Load(),
			}).Debug("Dropped messages due to full subscriber buffers")
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(channel string) (Subscription, error) {
	s.muSubs.Lock()
	defer s.muSubs.Unlock()

	msgChan := make(chan *Message, subscriberBuffer)
	if _, ok := s.subs[channel]; !ok {
		s.subs[channel] = make(map[chan *Message]struct{})
	}
	s.subs[channel][msgChan] = struct{}{}

	return &memorySubscription{store: s, channel: channel, msgChan: msgChan}, nil
}

// Clear removes all data.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]any)
	return nil
}

// DroppedMessages reports the total messages lost to subscriber backpressure.
func (s *MemoryStore) DroppedMessages() int64 {
	return s.dropped.Load()
}

// sweepLoop periodically drops expired entries so keys that are never read
// again do not accumulate.
func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) sweepExpired() {
	now := time.Now().UnixNano()

	s.mu.RLock()
	var stale []string
	for key, raw := range s.data {
		if e, ok := raw.(entry); ok && e.expired(now) {
			stale = append(stale, key)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	s.mu.Lock()
	for _, key := range stale {
		// Re-check under the write lock: the key may have been replaced.
		if e, ok := s.data[key].(entry); ok && e.expired(now) {
			delete(s.data, key)
		}
	}
	s.mu.Unlock()
}

func deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().UnixNano() + ttl.Nanoseconds()
}

func wrongType(key string) error {
	return fmt.Errorf("type mismatch: key '%s' holds a different data type", key)
}
