// Package syncer keeps in-memory caches consistent across instances through
// the store's pub/sub channel. A writer calls Invalidate after changing the
// backing data; every instance, the writer included, reloads on the broadcast.
package syncer

import (
	"fmt"
	"sync"

	"kiro2chat/internal/store"

	"github.com/sirupsen/logrus"
)

// invalidationMessage is the payload published on the sync channel. The
// content is irrelevant; receipt alone triggers a reload.
var invalidationMessage = []byte("reload")

// CacheSyncer caches a value produced by a loader function and reloads it
// whenever an invalidation is broadcast on the configured channel.
type CacheSyncer[T any] struct {
	mu          sync.RWMutex
	value       T
	loader      func() (T, error)
	store       store.Store
	channel     string
	logger      *logrus.Entry
	afterReload func(T)

	sub      store.Subscription
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCacheSyncer performs the initial load, subscribes to the invalidation
// channel, and starts the background listener. The afterReload hook, when
// non-nil, runs after the initial load and after every successful reload.
func NewCacheSyncer[T any](
	loader func() (T, error),
	s store.Store,
	channel string,
	logger *logrus.Entry,
	afterReload func(T),
) (*CacheSyncer[T], error) {
	cs := &CacheSyncer[T]{
		loader:      loader,
		store:       s,
		channel:     channel,
		logger:      logger,
		afterReload: afterReload,
		done:        make(chan struct{}),
	}

	if err := cs.Reload(); err != nil {
		return nil, fmt.Errorf("initial load failed: %w", err)
	}

	sub, err := s.Subscribe(channel)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to channel %q: %w", channel, err)
	}
	cs.sub = sub

	cs.wg.Add(1)
	go cs.listen()

	return cs, nil
}

// Get returns the cached value.
func (cs *CacheSyncer[T]) Get() T {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.value
}

// Reload runs the loader and swaps in the new value. On loader failure the
// cached value is left untouched.
func (cs *CacheSyncer[T]) Reload() error {
	newValue, err := cs.loader()
	if err != nil {
		return fmt.Errorf("failed to reload cache for channel %q: %w", cs.channel, err)
	}

	cs.mu.Lock()
	cs.value = newValue
	cs.mu.Unlock()

	if cs.afterReload != nil {
		cs.afterReload(newValue)
	}
	return nil
}

// Invalidate broadcasts a reload request to all instances, including this one.
func (cs *CacheSyncer[T]) Invalidate() error {
	return cs.store.Publish(cs.channel, invalidationMessage)
}

// Stop shuts down the listener. The cached value remains readable.
func (cs *CacheSyncer[T]) Stop() {
	cs.stopOnce.Do(func() {
		close(cs.done)
		if cs.sub != nil {
			if err := cs.sub.Close(); err != nil {
				cs.logger.WithError(err).Warn("failed to close subscription")
			}
		}
		cs.wg.Wait()
	})
}

func (cs *CacheSyncer[T]) listen() {
	defer cs.wg.Done()
	for {
		select {
		case <-cs.done:
			return
		case _, ok := <-cs.sub.Channel():
			if !ok {
				return
			}
			if err := cs.Reload(); err != nil {
				cs.logger.WithError(err).Error("failed to reload cache after invalidation")
				continue
			}
			cs.logger.Debug("cache reloaded after invalidation")
		}
	}
}
