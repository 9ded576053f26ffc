package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapStorage is deliberately unsafe for concurrent use; the race detector
// flags any access Synchronized fails to serialize.
type mapStorage map[string]string

func (m mapStorage) Insert(key, value string) error {
	m[key] = value
	return nil
}

func (m mapStorage) Get(key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapStorage) Remove(key string) error {
	if _, ok := m[key]; !ok {
		return ErrKeyNotFound
	}
	delete(m, key)
	return nil
}

func TestSynchronizedConcurrentAccess(t *testing.T) {
	s := NewSynchronized(mapStorage{})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d:%d", w, i)
				assert.NoError(t, s.Insert(key, key))
				_, _, err := s.Get(key)
				assert.NoError(t, err)
				if i%2 == 0 {
					assert.NoError(t, s.Remove(key))
				}
			}
		}(w)
	}
	wg.Wait()

	var live int
	require.NoError(t, s.Exclusive(func() error {
		live = len(s.storage.(mapStorage))
		return nil
	}))
	assert.Equal(t, 8*100, live)
}

func TestSynchronizedRemoveMissing(t *testing.T) {
	s := NewSynchronized(mapStorage{})
	assert.Equal(t, ErrKeyNotFound, s.Remove("nope"))
}
