package storage

import "sync"

// Synchronized serializes access to a Storage that is not safe for
// concurrent use. Reads share the lock; mutations and Exclusive take it
// alone.
type Synchronized struct {
	mu      sync.RWMutex
	storage Storage
}

func NewSynchronized(s Storage) *Synchronized {
	return &Synchronized{storage: s}
}

// Insert takes the write lock: an insert may compact before it returns.
func (s *Synchronized) Insert(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.storage.Insert(key, value)
}

func (s *Synchronized) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.storage.Get(key)
}

func (s *Synchronized) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.storage.Remove(key)
}

// Exclusive runs fn with no other operation in flight, e.g. a manual
// compaction or a close.
func (s *Synchronized) Exclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn()
}
