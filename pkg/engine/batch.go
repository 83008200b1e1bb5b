package engine

import (
	"context"

	"github.com/mirkobrombin/go-txstate/pkg/store"
	"github.com/mirkobrombin/go-txstate/pkg/wal"
)

// Batch groups writes that become visible together. Nothing is written
// until Commit; a batch without its commit marker is discarded on recovery.
type Batch[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Put(ctx context.Context, value T) error
	Delete(ctx context.Context, key string) error
	Commit(ctx context.Context) error
	Rollback() error
}

func (e *Engine[T]) Begin() (Batch[T], error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, store.ErrClosed
	}
	return &btx[T]{
		engine:  e,
		batchID: e.wal.NextBatchID(),
	}, nil
}

type batchOp[T any] struct {
	entry wal.Entry
	value T
	data  []byte
}

type btx[T any] struct {
	engine  *Engine[T]
	batchID uint64
	ops     []batchOp[T]
}

func (b *btx[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return b.engine.Get(ctx, key)
}

func (b *btx[T]) Put(ctx context.Context, value T) error {
	data, err := b.engine.schema.Encode(value)
	if err != nil {
		return err
	}

	b.ops = append(b.ops, batchOp[T]{
		entry: wal.Entry{
			Type:    wal.EntryPut,
			BatchID: b.batchID,
			Key:     b.engine.schema.Key(value),
			Value:   b.engine.compress(data),
		},
		value: value,
		data:  data,
	})
	return nil
}

func (b *btx[T]) Delete(ctx context.Context, key string) error {
	b.ops = append(b.ops, batchOp[T]{
		entry: wal.Entry{Type: wal.EntryDelete, BatchID: b.batchID, Key: key},
	})
	return nil
}

func (b *btx[T]) Commit(ctx context.Context) error {
	e := b.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(b.ops) == 0 {
		return nil
	}

	// The entries and their commit marker land in one segment with one write.
	entries := make([]wal.Entry, 0, len(b.ops)+1)
	for _, op := range b.ops {
		entries = append(entries, e.dedupEntry(op.entry))
	}
	entries = append(entries, wal.Entry{Type: wal.EntryCommit, BatchID: b.batchID})

	offsets, err := e.wal.AppendBatch(entries...)
	if err != nil {
		return err
	}
	if err := e.wal.Sync(); err != nil {
		return err
	}
	if e.dedupEnabled {
		for i, entry := range entries[:len(b.ops)] {
			if entry.Type == wal.EntryPut {
				e.dedup[hashValue(entry.Value)] = offsets[i]
			}
		}
	}

	for i, op := range b.ops {
		key := op.entry.Key
		_ = e.valueCache.Invalidate(ctx, key)

		if op.entry.Type == wal.EntryPut {
			e.primary.Put(key, offsets[i])
			e.merkle.Update(key, op.data)
			e.bloom.Add(key)
			e.secondary.Update(key, op.value)
		} else {
			e.primary.Delete(key)
			e.merkle.Delete(key)
			e.secondary.Remove(key)
		}
	}
	b.ops = nil
	return nil
}

func (b *btx[T]) Rollback() error {
	b.ops = nil
	return nil
}
