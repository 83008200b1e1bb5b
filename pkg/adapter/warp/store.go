// Package warp exposes an engine as a go-warp backing store, so a warp cache
// can sit in front of transaction state.
package warp

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-warp/v1/adapter"

	"github.com/mirkobrombin/go-txstate/pkg/engine"
	"github.com/mirkobrombin/go-txstate/pkg/store"
)

// Store is a go-warp adapter for an Engine.
type Store[T any] struct {
	engine *engine.Engine[T]
}

// NewStore returns a new Store adapter.
func NewStore[T any](e *engine.Engine[T]) *Store[T] {
	return &Store[T]{engine: e}
}

// Get implements adapter.Store.Get.
func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return s.engine.Get(ctx, key)
}

// Set implements adapter.Store.Set. key must be the schema key of value.
func (s *Store[T]) Set(ctx context.Context, key string, value T) error {
	if err := checkKey(s.engine, key, value); err != nil {
		return err
	}
	return s.engine.Put(ctx, value)
}

// Keys implements adapter.Store.Keys.
func (s *Store[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.engine.Keys()
}

// Batch implements adapter.Batcher.Batch.
func (s *Store[T]) Batch(ctx context.Context) (adapter.Batch[T], error) {
	b, err := s.engine.Begin()
	if err != nil {
		return nil, err
	}
	return &batch[T]{engine: s.engine, b: b}, nil
}

type batch[T any] struct {
	engine *engine.Engine[T]
	b      engine.Batch[T]
}

func (b *batch[T]) Set(ctx context.Context, key string, value T) error {
	if err := checkKey(b.engine, key, value); err != nil {
		return err
	}
	return b.b.Put(ctx, value)
}

func (b *batch[T]) Delete(ctx context.Context, key string) error {
	return b.b.Delete(ctx, key)
}

func (b *batch[T]) Commit(ctx context.Context) error {
	return b.b.Commit(ctx)
}

func checkKey[T any](e *engine.Engine[T], key string, value T) error {
	if got := e.Schema().Key(value); got != key {
		return fmt.Errorf("%w: %q vs %q", store.ErrKeyMismatch, key, got)
	}
	return nil
}

// Ensure interface implementation
var _ adapter.Store[any] = (*Store[any])(nil)
var _ adapter.Batcher[any] = (*Store[any])(nil)
