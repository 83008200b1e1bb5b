// Package bolt implements store.Store on top of a bbolt database. Every
// schema gets its own bucket; compare-exchange runs inside a single write
// transaction, which bbolt serializes.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	bbolt "go.etcd.io/bbolt"

	"github.com/mirkobrombin/go-txstate/pkg/store"
)

const pageSize = 128

// Config holds the options used by Open.
type Config struct {
	Timeout time.Duration
	NoSync  bool
}

type Option = options.Option[Config]

// WithTimeout bounds how long Open waits for the file lock.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithNoSync skips fsync on commit. Only for tests and benchmarks.
func WithNoSync(v bool) Option {
	return func(c *Config) {
		c.NoSync = v
	}
}

type Store[T any] struct {
	db     *bbolt.DB
	schema store.Schema[T]
	bucket []byte
	owned  bool
	closed atomic.Bool
}

// Open opens (or creates) the database at path and binds schema to it. The
// returned store owns the database and closes it on Close.
func Open[T any](path string, schema store.Schema[T], opts ...Option) (*Store[T], error) {
	cfg := Config{Timeout: time.Second}
	options.Apply(&cfg, opts...)

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	s, err := New(db, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New binds schema to an already open database, so several schemas can
// share one file.
func New[T any](db *bbolt.DB, schema store.Schema[T]) (*Store[T], error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	bucket := []byte(schema.Name)
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bolt: create bucket %q: %w", schema.Name, err)
	}
	return &Store[T]{db: db, schema: schema, bucket: bucket}, nil
}

func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := s.check(ctx); err != nil {
		return zero, false, err
	}

	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(s.bucket).Get([]byte(key)); v != nil {
			raw = bytes.Clone(v)
		}
		return nil
	})
	if err != nil || raw == nil {
		return zero, false, err
	}
	v, err := s.schema.Decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("bolt: decode %q: %w", key, err)
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

// GetMany walks the bucket in key order, one page per read transaction, so
// no transaction is held open while the caller runs.
func (s *Store[T]) GetMany(ctx context.Context, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		var after []byte
		for {
			if err := s.check(ctx); err != nil {
				yield(zero, err)
				return
			}

			page, err := s.page(after)
			if err != nil {
				yield(zero, err)
				return
			}

			for _, e := range page {
				v, err := s.schema.Decode(e.value)
				if err != nil {
					if !yield(zero, fmt.Errorf("bolt: decode %q: %w", e.key, err)) {
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
			after = page[len(page)-1].key
		}
	}
}

func (s *Store[T]) page(after []byte) ([]kv, error) {
	var page []kv
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		var k, v []byte
		if after == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, v = c.Next()
			}
		}
		for ; k != nil && len(page) < pageSize; k, v = c.Next() {
			page = append(page, kv{key: bytes.Clone(k), value: bytes.Clone(v)})
		}
		return nil
	})
	return page, err
}

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

	swapped := false
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := tx.Bucket(s.bucket)
		raw := b.Get([]byte(key))

		switch {
		case comparand == nil && raw != nil:
			return nil
		case comparand != nil && raw == nil:
			return nil
		case comparand != nil:
			current, err := s.schema.Decode(raw)
			if err != nil {
				return fmt.Errorf("bolt: decode %q: %w", key, err)
			}
			if !s.schema.Equal(current, *comparand) {
				return nil
			}
		}

		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *Store[T]) Remove(ctx context.Context, record T) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	key := []byte(s.schema.Key(record))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(key)
	})
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
