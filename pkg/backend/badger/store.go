// Package badger implements store.Store on top of a Badger database. Keys
// are prefixed with the schema name. Compare-exchange relies on Badger's
// serializable snapshot isolation: a transaction that lost the race fails
// with ErrConflict and is reported as a lost compare-exchange.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	bdb "github.com/dgraph-io/badger/v4"

	"github.com/mirkobrombin/go-txstate/pkg/store"
)

const pageSize = 128

type Store[T any] struct {
	db     *bdb.DB
	schema store.Schema[T]
	prefix []byte
	owned  bool
	closed atomic.Bool
}

// Open opens the database in dir. An empty dir keeps everything in memory.
func Open[T any](dir string, schema store.Schema[T]) (*Store[T], error) {
	opts := bdb.DefaultOptions(dir).WithLoggingLevel(bdb.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := bdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", dir, err)
	}
	s, err := New(db, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New binds schema to an open database.
func New[T any](db *bdb.DB, schema store.Schema[T]) (*Store[T], error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	return &Store[T]{db: db, schema: schema, prefix: []byte(schema.Name + "/")}, nil
}

func (s *Store[T]) key(k string) []byte {
	return append(bytes.Clone(s.prefix), k...)
}

func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := s.check(ctx); err != nil {
		return zero, false, err
	}

	var raw []byte
	err := s.db.View(func(txn *bdb.Txn) error {
		item, err := txn.Get(s.key(key))
		if errors.Is(err, bdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil || raw == nil {
		return zero, false, err
	}
	v, err := s.schema.Decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("badger: decode %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store[T]) GetOne(ctx context.Context, match func(T) bool) (T, bool, error) {
	for v, err := range s.GetMany(ctx, match) {
		if err != nil {
			var zero T
			return zero, false, err
		}
		return v, true, nil
	}
	var zero T
	return zero, false, nil
}

type kv struct {
	key, value []byte
}

// GetMany iterates the schema prefix in key order, a page per read
// transaction.
func (s *Store[T]) GetMany(ctx context.Context, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		seek := s.prefix
		for {
			if err := s.check(ctx); err != nil {
				yield(zero, err)
				return
			}

			page, err := s.page(seek)
			if err != nil {
				yield(zero, err)
				return
			}

			for _, e := range page {
				v, err := s.schema.Decode(e.value)
				if err != nil {
					if !yield(zero, fmt.Errorf("badger: decode %q: %w", e.key[len(s.prefix):], err)) {
						return
					}
					continue
				}
				if store.Matches(match, v) && !yield(v, nil) {
					return
				}
			}

			if len(page) < pageSize {
				return
			}
			// Smallest key strictly greater than the last one seen.
			seek = append(page[len(page)-1].key, 0)
		}
	}
}

func (s *Store[T]) page(seek []byte) ([]kv, error) {
	var page []kv
	err := s.db.View(func(txn *bdb.Txn) error {
		opts := bdb.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(s.prefix) && len(page) < pageSize; it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			page = append(page, kv{key: item.KeyCopy(nil), value: val})
		}
		return nil
	})
	return page, err
}

var errNoSwap = errors.New("badger: comparand does not match")

func (s *Store[T]) CompareExchange(ctx context.Context, candidate T, comparand *T) (bool, error) {
	key, err := store.CheckKeys(s.schema, candidate, comparand)
	if err != nil {
		return false, err
	}
	data, err := s.schema.Encode(candidate)
	if err != nil {
		return false, err
	}
	if err := s.check(ctx); err != nil {
		return false, err
	}

	k := s.key(key)
	err = s.db.Update(func(txn *bdb.Txn) error {
		item, err := txn.Get(k)
		absent := errors.Is(err, bdb.ErrKeyNotFound)
		if err != nil && !absent {
			return err
		}

		switch {
		case comparand == nil && !absent:
			return errNoSwap
		case comparand != nil && absent:
			return errNoSwap
		case comparand != nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current, err := s.schema.Decode(raw)
			if err != nil {
				return fmt.Errorf("badger: decode %q: %w", key, err)
			}
			if !s.schema.Equal(current, *comparand) {
				return errNoSwap
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		return txn.Set(k, data)
	})

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNoSwap), errors.Is(err, bdb.ErrConflict):
		return false, nil
	default:
		return false, err
	}
}

func (s *Store[T]) Remove(ctx context.Context, record T) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	k := s.key(s.schema.Key(record))
	for {
		err := s.db.Update(func(txn *bdb.Txn) error {
			return txn.Delete(k)
		})
		// A delete only conflicts with a concurrent write of the same key;
		// retry so the removal is not lost.
		if errors.Is(err, bdb.ErrConflict) {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

// Close closes the database if the store opened it.
func (s *Store[T]) Close() error {
	if s.closed.Swap(true) || !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store[T]) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)
