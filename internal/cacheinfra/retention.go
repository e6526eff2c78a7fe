package cacheinfra

import (
	"sync"
	"time"

	"github.com/viccon/sturdyc"
)

type parked[T any] struct {
	value     T
	expiresAt time.Time
}

// RetentionStore keeps values for a bounded window after their owner stops
// tracking them. It wraps a sturdyc client whose TTL is the retention window.
type RetentionStore[T any] struct {
	mu     sync.Mutex
	client *sturdyc.Client[parked[T]]
	window time.Duration
	now    func() time.Time
}

// NewRetentionStore creates a retention store.
// It validates the configuration and returns an error when retention is
// disabled, callers are expected to check RetentionConfig.Enabled first.
func NewRetentionStore[T any](cfg RetentionConfig) (*RetentionStore[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return nil, &ConfigError{Field: "Window", Message: "must be greater than 0"}
	}

	client := sturdyc.New[parked[T]](
		cfg.Capacity,
		cfg.NumShards,
		cfg.Window,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &RetentionStore[T]{
		client: client,
		window: cfg.Window,
		now:    time.Now,
	}, nil
}

// Window returns the configured retention window.
func (s *RetentionStore[T]) Window() time.Duration {
	return s.window
}

// Park stores value under key for the retention window.
func (s *RetentionStore[T]) Park(key string, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client.Set(key, parked[T]{value: value, expiresAt: s.now().Add(s.window)})
}

// Take removes and returns the value stored under key.
func (s *RetentionStore[T]) Take(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.lookup(key)
	if ok {
		s.client.Delete(key)
	}
	return p.value, ok
}

// Peek returns the value stored under key without removing it.
func (s *RetentionStore[T]) Peek(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.lookup(key)
	return p.value, ok
}

// UpdateWhere rewrites every stored value for which fn reports a change.
// The remaining retention window of each entry is preserved.
// It returns the number of rewritten entries.
func (s *RetentionStore[T]) UpdateWhere(fn func(T) (T, bool)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for _, key := range s.client.ScanKeys() {
		p, ok := s.lookup(key)
		if !ok {
			continue
		}
		next, changed := fn(p.value)
		if !changed {
			continue
		}
		s.client.Set(key, parked[T]{value: next, expiresAt: p.expiresAt})
		updated++
	}
	return updated
}

// DeleteWhere removes every stored value matching fn.
func (s *RetentionStore[T]) DeleteWhere(fn func(T) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, key := range s.client.ScanKeys() {
		p, ok := s.lookup(key)
		if !ok || !fn(p.value) {
			continue
		}
		s.client.Delete(key)
		deleted++
	}
	return deleted
}

// Clear removes every stored value.
func (s *RetentionStore[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.client.ScanKeys() {
		s.client.Delete(key)
	}
}

// Size returns the number of live values.
func (s *RetentionStore[T]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, key := range s.client.ScanKeys() {
		if _, ok := s.lookup(key); ok {
			n++
		}
	}
	return n
}

// lookup enforces the window itself since sturdyc sweeps expired entries on
// its own schedule. Callers hold s.mu.
func (s *RetentionStore[T]) lookup(key string) (parked[T], bool) {
	p, ok := s.client.Get(key)
	if !ok {
		return p, false
	}
	if !s.now().Before(p.expiresAt) {
		s.client.Delete(key)
		return parked[T]{}, false
	}
	return p, true
}
