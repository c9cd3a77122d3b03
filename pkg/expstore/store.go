// Package expstore provides time-boxed storage of JSON values.
//
// Every record carries an absolute expiry. A record whose expiry has passed is
// treated as absent and is deleted by the read that notices it.
package expstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"languagepal-offline/pkg/janitor"
)

var ErrEmptyKey = errors.New("expstore: empty key")

// record is the stored form: {"value": ..., "expiry": <unix millis>}.
type record struct {
	Value  json.RawMessage `json:"value"`
	Expiry int64           `json:"expiry"`
}

func (r record) expired(now time.Time) bool {
	return now.UnixMilli() > r.Expiry
}

type Store struct {
	mu      sync.RWMutex
	backend Backend
	now     func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set stores value under key until now+ttl, replacing any previous record.
func (s *Store) Set(key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}
	b, err := json.Marshal(record{
		Value:  raw,
		Expiry: s.now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode record for %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Put(key, b)
}

// Get decodes the live value under key into dst. It reports false when the key
// is absent or expired; an expired record is removed before returning.
func (s *Store) Get(key string, dst any) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}

	s.mu.RLock()
	rec, ok, err := s.load(key)
	s.mu.RUnlock()
	if err != nil || !ok {
		return false, err
	}

	if rec.expired(s.now()) {
		return false, s.evict(key)
	}

	if dst != nil {
		if err := json.Unmarshal(rec.Value, dst); err != nil {
			return false, fmt.Errorf("decode value for %q: %w", key, err)
		}
	}
	return true, nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Delete(key)
}

// RemoveExpired deletes every expired record and returns how many were removed.
func (s *Store) RemoveExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.backend.Keys()
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0
	for _, key := range keys {
		rec, ok, err := s.load(key)
		if err != nil || !ok || !rec.expired(now) {
			continue
		}
		if err := s.backend.Delete(key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Sweeper returns a janitor that runs RemoveExpired every interval.
func (s *Store) Sweeper(interval time.Duration, onRun func(name string, removed int, err error)) *janitor.Janitor {
	return janitor.New("expstore", interval, s.RemoveExpired, onRun)
}

// evict re-checks under the write lock so a concurrent Set is never lost.
func (s *Store) evict(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.load(key)
	if err != nil || !ok {
		return err
	}
	if !rec.expired(s.now()) {
		return nil
	}
	return s.backend.Delete(key)
}

func (s *Store) load(key string) (record, bool, error) {
	b, ok, err := s.backend.Get(key)
	if err != nil || !ok {
		return record{}, false, err
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return record{}, false, fmt.Errorf("decode record for %q: %w", key, err)
	}
	return rec, true, nil
}
