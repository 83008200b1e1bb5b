// Package index holds the in-memory lookups of the engine: the primary map
// from record key to WAL offset and the inverted secondary indexes.
package index

import (
	"slices"
	"sync"
)

// Indexer maps record keys to packed WAL offsets.
type Indexer interface {
	Put(key string, offset int64)
	Get(key string) (int64, bool)
	Delete(key string)
	ForEach(func(key string, offset int64) error) error
	Len() int
}

// MapIndex is an Indexer that also keeps its keys sorted, so ordered scans
// cost one copy instead of a sort.
type MapIndex struct {
	mu      sync.RWMutex
	offsets map[string]int64
	keys    []string
}

func NewMapIndex() *MapIndex {
	return &MapIndex{offsets: make(map[string]int64)}
}

func (m *MapIndex) Put(key string, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offsets[key]; !ok {
		i, _ := slices.BinarySearch(m.keys, key)
		m.keys = slices.Insert(m.keys, i, key)
	}
	m.offsets[key] = offset
}

func (m *MapIndex) Get(key string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, ok := m.offsets[key]
	return off, ok
}

func (m *MapIndex) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offsets[key]; !ok {
		return
	}
	delete(m.offsets, key)
	if i, found := slices.BinarySearch(m.keys, key); found {
		m.keys = slices.Delete(m.keys, i, i+1)
	}
}

// ForEach visits a snapshot of the index in key order. fn may modify the
// index; changes are not reflected in the ongoing visit.
func (m *MapIndex) ForEach(fn func(key string, offset int64) error) error {
	m.mu.RLock()
	keys := slices.Clone(m.keys)
	offsets := make([]int64, len(keys))
	for i, k := range keys {
		offsets[i] = m.offsets[k]
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, offsets[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MapIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.offsets)
}

// SecondaryIndex maps extracted field values back to record keys. It
// remembers the value each key is indexed under, so an Update moves the key
// and Remove needs nothing but the key.
type SecondaryIndex[T any] struct {
	mu      sync.RWMutex
	indexes map[string]*inverted[T]
}

type inverted[T any] struct {
	extract func(T) string
	byValue map[string][]string // sorted keys
	byKey   map[string]string
}

func NewSecondaryIndex[T any]() *SecondaryIndex[T] {
	return &SecondaryIndex[T]{indexes: make(map[string]*inverted[T])}
}

func (s *SecondaryIndex[T]) AddIndex(name string, extractor func(T) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[name] = &inverted[T]{
		extract: extractor,
		byValue: make(map[string][]string),
		byKey:   make(map[string]string),
	}
}

// Update indexes val under key in every index, replacing what key was
// indexed under before.
func (s *SecondaryIndex[T]) Update(key string, val T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range s.indexes {
		v := idx.extract(val)
		if prev, ok := idx.byKey[key]; ok {
			if prev == v {
				continue
			}
			idx.unlink(prev, key)
		}
		idx.byKey[key] = v
		keys := idx.byValue[v]
		i, _ := slices.BinarySearch(keys, key)
		idx.byValue[v] = slices.Insert(keys, i, key)
	}
}

// Remove drops key from every index.
func (s *SecondaryIndex[T]) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range s.indexes {
		if prev, ok := idx.byKey[key]; ok {
			idx.unlink(prev, key)
			delete(idx.byKey, key)
		}
	}
}

func (idx *inverted[T]) unlink(value, key string) {
	keys := idx.byValue[value]
	i, found := slices.BinarySearch(keys, key)
	if !found {
		return
	}
	keys = slices.Delete(keys, i, i+1)
	if len(keys) == 0 {
		delete(idx.byValue, value)
		return
	}
	idx.byValue[value] = keys
}

// Get returns a sorted copy of the keys indexed under value.
func (s *SecondaryIndex[T]) Get(name string, value string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[name]
	if !ok {
		return nil
	}
	return slices.Clone(idx.byValue[value])
}

// Has reports whether an index called name exists.
func (s *SecondaryIndex[T]) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.indexes[name]
	return ok
}

// Len returns the number of indexes.
func (s *SecondaryIndex[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.indexes)
}
