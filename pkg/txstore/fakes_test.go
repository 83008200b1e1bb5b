package txstore

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/mirkobrombin/go-txstate/pkg/store"
)

// memStore is a linearizable in-memory store without index support, so it
// exercises the GetMany paths.
type memStore[T any] struct {
	mu     sync.Mutex
	schema store.Schema[T]
	data   map[string][]byte
}

func newMemStore[T any](schema store.Schema[T]) *memStore[T] {
	return &memStore[T]{schema: schema, data: make(map[string][]byte)}
}

func (m *memStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	m.mu.Lock()
	b, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return zero, false, nil
	}
	v, err := m.schema.Decode(b)
	return v, err == nil, err
}

func (m *memStore[T]) GetOne(ctx context.Context, match func(T) bool) (T, bool, error) {
	for v, err := range m.GetMany(ctx, match) {
		return v, err == nil, err
	}
	var zero T
	return zero, false, nil
}

func (m *memStore[T]) GetMany(ctx context.Context, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		m.mu.Lock()
		keys := make([]string, 0, len(m.data))
		for k := range m.data {
			keys = append(keys, k)
		}
		snapshot := make(map[string][]byte, len(m.data))
		for k, v := range m.data {
			snapshot[k] = v
		}
		m.mu.Unlock()
		slices.Sort(keys)

		for _, k := range keys {
			if err := ctx.Err(); err != nil {
				var zero T
				yield(zero, err)
				return
			}
			v, err := m.schema.Decode(snapshot[k])
			if err == nil && !store.Matches(match, v) {
				continue
			}
			if !yield(v, err) {
				return
			}
		}
	}
}

func (m *memStore[T]) CompareExchange(ctx context.Context, candidate T, comparand *T) (bool, error) {
	key, err := store.CheckKeys(m.schema, candidate, comparand)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, err := m.schema.Encode(candidate)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	raw, exists := m.data[key]
	switch {
	case comparand == nil && exists:
		return false, nil
	case comparand != nil && !exists:
		return false, nil
	case comparand != nil:
		current, err := m.schema.Decode(raw)
		if err != nil {
			return false, err
		}
		if !m.schema.Equal(current, *comparand) {
			return false, nil
		}
	}
	m.data[key] = data
	return true, nil
}

func (m *memStore[T]) Remove(ctx context.Context, record T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, m.schema.Key(record))
	return nil
}

// laggingStore models an eventually consistent store: reads and the
// compare-exchange check see a replica that only catches up with the
// primary when replicate is called.
type laggingStore[T any] struct {
	*memStore[T]
	replica *memStore[T]
}

func newLaggingStore[T any](schema store.Schema[T]) *laggingStore[T] {
	return &laggingStore[T]{memStore: newMemStore(schema), replica: newMemStore(schema)}
}

func (l *laggingStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return l.replica.Get(ctx, key)
}

func (l *laggingStore[T]) CompareExchange(ctx context.Context, candidate T, comparand *T) (bool, error) {
	key := l.schema.Key(candidate)

	l.replica.mu.Lock()
	raw, exists := l.replica.data[key]
	l.replica.mu.Unlock()

	switch {
	case comparand == nil && exists:
		return false, nil
	case comparand != nil && !exists:
		return false, nil
	case comparand != nil:
		current, err := l.schema.Decode(raw)
		if err != nil {
			return false, err
		}
		if !l.schema.Equal(current, *comparand) {
			return false, nil
		}
	}

	data, err := l.schema.Encode(candidate)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.data[key] = data
	l.mu.Unlock()
	return true, nil
}

func (l *laggingStore[T]) replicate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replica.mu.Lock()
	defer l.replica.mu.Unlock()
	for k, v := range l.data {
		l.replica.data[k] = v
	}
}

// rejectingStore loses every compare-exchange and counts the attempts.
type rejectingStore[T any] struct {
	*memStore[T]
	mu       sync.Mutex
	attempts int
}

func (r *rejectingStore[T]) CompareExchange(ctx context.Context, candidate T, comparand *T) (bool, error) {
	r.mu.Lock()
	r.attempts++
	r.mu.Unlock()
	return false, ctx.Err()
}
