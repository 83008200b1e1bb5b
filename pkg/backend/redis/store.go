// Package redis implements store.Store on Redis. Compare-exchange uses
// optimistic locking: WATCH the key, compare, then MULTI/SET/EXEC. EXEC
// aborts when another client touched the key, which is reported as a lost
// compare-exchange.
package redis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-txstate/pkg/store"
)

const scanCount = 128

type Config struct {
	// Namespace prefixes every key. Defaults to the schema name.
	Namespace string
}

type Option = options.Option[Config]

func WithNamespace(ns string) Option {
	return func(c *Config) {
		c.Namespace = ns
	}
}

type Store[T any] struct {
	client goredis.UniversalClient
	schema store.Schema[T]
	prefix string
}

// New binds schema to client. The client is owned by the caller.
func New[T any](client goredis.UniversalClient, schema store.Schema[T], opts ...Option) (*Store[T], error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	cfg := Config{Namespace: schema.Name}
	options.Apply(&cfg, opts...)

	return &Store[T]{client: client, schema: schema, prefix: cfg.Namespace + ":"}, nil
}

func (s *Store[T]) key(k string) string {
	return s.prefix + k
}

func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	v, err := s.schema.Decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("redis: decode %q: %w", key, err)
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

// GetMany walks the namespace with SCAN. SCAN may return a key more than
// once while the keyspace is rehashed; duplicates are dropped.
func (s *Store[T]) GetMany(ctx context.Context, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		seen := make(map[string]struct{})
		pattern := escapeGlob(s.prefix) + "*"

		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
			if err != nil {
				yield(zero, err)
				return
			}

			fresh := keys[:0]
			for _, k := range keys {
				if _, dup := seen[k]; !dup {
					seen[k] = struct{}{}
					fresh = append(fresh, k)
				}
			}

			if len(fresh) > 0 {
				values, err := s.client.MGet(ctx, fresh...).Result()
				if err != nil {
					yield(zero, err)
					return
				}
				for i, raw := range values {
					str, ok := raw.(string)
					if !ok {
						continue // removed since SCAN
					}
					v, err := s.schema.Decode([]byte(str))
					if err != nil {
						if !yield(zero, fmt.Errorf("redis: decode %q: %w", fresh[i], err)) {
							return
						}
						continue
					}
					if store.Matches(match, v) && !yield(v, nil) {
						return
					}
				}
			}

			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

var errNoSwap = errors.New("redis: comparand does not match")

func (s *Store[T]) CompareExchange(ctx context.Context, candidate T, comparand *T) (bool, error) {
	key, err := store.CheckKeys(s.schema, candidate, comparand)
	if err != nil {
		return false, err
	}
	data, err := s.schema.Encode(candidate)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	k := s.key(key)
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		absent := errors.Is(err, goredis.Nil)
		if err != nil && !absent {
			return err
		}

		switch {
		case comparand == nil && !absent:
			return errNoSwap
		case comparand != nil && absent:
			return errNoSwap
		case comparand != nil:
			current, err := s.schema.Decode(raw)
			if err != nil {
				return fmt.Errorf("redis: decode %q: %w", key, err)
			}
			if !s.schema.Equal(current, *comparand) {
				return errNoSwap
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, k, data, 0)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNoSwap), errors.Is(err, goredis.TxFailedErr):
		return false, nil
	default:
		return false, err
	}
}

func (s *Store[T]) Remove(ctx context.Context, record T) error {
	return s.client.Del(ctx, s.key(s.schema.Key(record))).Err()
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)
