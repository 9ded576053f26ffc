// Package memory holds the non-persistent backends. They keep the same
// semantics as the on-disk engine and serve as a baseline for it.
package memory

import (
	"github.com/google/btree"

	"minikv/storage"
)

const DefaultTreeOrder = 32

// HashStore is a plain map.
type HashStore struct {
	items map[string]string
}

func NewHashStore() *HashStore {
	return &HashStore{items: make(map[string]string)}
}

func (s *HashStore) Insert(key, value string) error {
	s.items[key] = value
	return nil
}

func (s *HashStore) Get(key string) (string, bool, error) {
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *HashStore) Remove(key string) error {
	if _, ok := s.items[key]; !ok {
		return storage.ErrKeyNotFound
	}

	delete(s.items, key)

	return nil
}

func (s *HashStore) Len() int {
	return len(s.items)
}

// OrderedStore keeps its records sorted by key in a btree.
type OrderedStore struct {
	tree *btree.BTreeG[storage.IndexRecord]
}

func recordLess(a, b storage.IndexRecord) bool {
	return a.Key < b.Key
}

func NewOrderedStore() *OrderedStore {
	return &OrderedStore{tree: btree.NewG[storage.IndexRecord](DefaultTreeOrder, recordLess)}
}

func (s *OrderedStore) Insert(key, value string) error {
	s.tree.ReplaceOrInsert(storage.IndexRecord{Key: key, Value: value})
	return nil
}

func (s *OrderedStore) Get(key string) (string, bool, error) {
	rec, ok := s.tree.Get(storage.IndexRecord{Key: key})
	return rec.Value, ok, nil
}

func (s *OrderedStore) Remove(key string) error {
	if _, ok := s.tree.Delete(storage.IndexRecord{Key: key}); !ok {
		return storage.ErrKeyNotFound
	}

	return nil
}

func (s *OrderedStore) Len() int {
	return s.tree.Len()
}

// Ascend calls fn for each record in key order until fn returns false.
func (s *OrderedStore) Ascend(fn func(storage.IndexRecord) bool) {
	s.tree.Ascend(fn)
}
