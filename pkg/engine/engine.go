// Package engine is a log-structured record store. Records live in a
// segmented WAL, a hash index maps keys to their latest entry and secondary
// indexes are derived from the schema. It implements store.Store with
// compare-exchange serialized under a single write lock.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-warp/v1/cache"

	"github.com/mirkobrombin/go-txstate/pkg/bloom"
	"github.com/mirkobrombin/go-txstate/pkg/index"
	"github.com/mirkobrombin/go-txstate/pkg/merkle"
	"github.com/mirkobrombin/go-txstate/pkg/store"
	"github.com/mirkobrombin/go-txstate/pkg/wal"
)

var ErrKeyNotFound = fmt.Errorf("engine: key not found")

type Engine[T any] struct {
	mu         sync.RWMutex
	closed     bool
	schema     store.Schema[T]
	primary    index.Indexer
	secondary  *index.SecondaryIndex[T]
	wal        *wal.Manager
	merkle     *merkle.Tree
	bloom      *bloom.Filter
	encPool    *sync.Pool
	decPool    *sync.Pool
	valueCache cache.Cache[T]
	logger     *slog.Logger
	syncWrites bool

	// Deduplication
	dedupEnabled bool
	dedup        map[uint64]int64
}

// Stats is a point-in-time summary of an engine.
type Stats struct {
	Keys           int
	SealedSegments int
	ActiveSegment  uint64
	Root           [32]byte
}

// New returns an engine persisting schema records to w. Call Recover before
// serving reads when w holds existing segments.
func New[T any](w *wal.Manager, schema store.Schema[T], opts ...Option[T]) (*Engine[T], error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	e := &Engine[T]{
		schema:    schema,
		primary:   index.NewMapIndex(),
		secondary: index.NewSecondaryIndex[T](),
		wal:       w,
		merkle:    merkle.New(),
		bloom:     bloom.New(1024*1024, 7),
		encPool: &sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(nil)
				return enc
			},
		},
		decPool: &sync.Pool{
			New: func() any {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		},
		valueCache: cache.NewInMemory[T](cache.WithMaxEntries[T](100000)),
		logger:     slog.Default(),
		syncWrites: true,
		dedup:      make(map[uint64]int64),
	}
	options.Apply(e, opts...)

	for name, extractor := range schema.Indexes {
		e.secondary.AddIndex(name, extractor)
	}
	return e, nil
}

// Open opens the WAL in dir and replays it into a new engine.
func Open[T any](dir string, schema store.Schema[T], opts ...Option[T]) (*Engine[T], error) {
	w, err := wal.NewManager(dir)
	if err != nil {
		return nil, err
	}
	e, err := New(w, schema, opts...)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := e.Recover(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Schema returns the schema the engine was built with.
func (e *Engine[T]) Schema() store.Schema[T] {
	return e.schema
}

func (e *Engine[T]) EnableDeduplication(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dedupEnabled = v
}

// Get is a point lookup. The cache is filled under the read lock so a
// concurrent writer cannot be overtaken by a stale fill.
func (e *Engine[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return zero, false, store.ErrClosed
	}
	return e.lookupLocked(ctx, key)
}

func (e *Engine[T]) lookupLocked(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if cached, ok, _ := e.valueCache.Get(ctx, key); ok {
		return cached, true, nil
	}

	// Bloom check before anything else
	if !e.bloom.MayContain(key) {
		return zero, false, nil
	}

	offset, ok := e.primary.Get(key)
	if !ok {
		return zero, false, nil
	}

	val, err := e.readAt(offset)
	if err != nil {
		return zero, false, fmt.Errorf("engine: read %q: %w", key, err)
	}
	_ = e.valueCache.Set(ctx, key, val, 0)
	return val, true, nil
}

func (e *Engine[T]) readAt(offset int64) (T, error) {
	var zero T
	data, err := e.readPlain(offset)
	if err != nil {
		return zero, err
	}
	return e.schema.Decode(data)
}

// readPlain returns the decompressed value at offset, following links.
func (e *Engine[T]) readPlain(offset int64) ([]byte, error) {
	compressed, err := e.readCompressed(offset)
	if err != nil {
		return nil, err
	}
	return e.decompress(compressed)
}

func (e *Engine[T]) readCompressed(offset int64) ([]byte, error) {
	entry, err := e.wal.ReadEntryAt(offset)
	if err != nil {
		return nil, err
	}

	if entry.Type == wal.EntryLink {
		targetOffset := int64(binary.BigEndian.Uint64(entry.Value))
		return e.readCompressed(targetOffset)
	}
	return entry.Value, nil
}

func (e *Engine[T]) compress(data []byte) []byte {
	enc := e.encPool.Get().(*zstd.Encoder)
	defer e.encPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (e *Engine[T]) decompress(data []byte) ([]byte, error) {
	dec := e.decPool.Get().(*zstd.Decoder)
	defer e.decPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// GetOne returns the first record, in key order, accepted by match.
func (e *Engine[T]) GetOne(ctx context.Context, match func(T) bool) (T, bool, error) {
	for v, err := range e.GetMany(ctx, match) {
		if err != nil {
			var zero T
			return zero, false, err
		}
		return v, true, nil
	}
	var zero T
	return zero, false, nil
}

// GetMany walks a snapshot of the keyspace in key order. Every record is
// read at the time it is yielded; keys removed since the snapshot are
// skipped. A record that fails to decode yields its error and the walk goes
// on.
func (e *Engine[T]) GetMany(ctx context.Context, match func(T) bool) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		keys, err := e.Keys()
		if err != nil {
			yield(zero, err)
			return
		}

		for _, key := range keys {
			v, ok, err := e.Get(ctx, key)
			if err != nil {
				if !yield(zero, err) {
					return
				}
				if ctx.Err() != nil || errors.Is(err, store.ErrClosed) {
					return
				}
				continue
			}
			if !ok || !store.Matches(match, v) {
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// GetByIndex yields the records whose index value currently equals value.
func (e *Engine[T]) GetByIndex(ctx context.Context, indexName string, value string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		extractor, ok := e.schema.Indexes[indexName]
		if !ok {
			yield(zero, fmt.Errorf("engine: unknown index %q", indexName))
			return
		}

		e.mu.RLock()
		pks := e.secondary.Get(indexName, value)
		e.mu.RUnlock()

		for _, pk := range pks {
			v, ok, err := e.Get(ctx, pk)
			if err != nil {
				if !yield(zero, err) || ctx.Err() != nil {
					return
				}
				continue
			}
			// The record may have moved since the snapshot.
			if !ok || extractor(v) != value {
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// CompareExchange writes candidate when the stored record is Equal to
// comparand, or when nothing is stored and comparand is nil.
func (e *Engine[T]) CompareExchange(ctx context.Context, candidate T, comparand *T) (bool, error) {
	key, err := store.CheckKeys(e.schema, candidate, comparand)
	if err != nil {
		return false, err
	}

	data, err := e.schema.Encode(candidate)
	if err != nil {
		return false, err
	}
	compressed := e.compress(data)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	current, found, err := e.lookupLocked(ctx, key)
	if err != nil {
		return false, err
	}
	if comparand == nil && found {
		return false, nil
	}
	if comparand != nil && (!found || !e.schema.Equal(current, *comparand)) {
		return false, nil
	}

	if err := e.writeLocked(ctx, key, candidate, data, compressed, 0); err != nil {
		return false, err
	}
	e.secondary.Update(key, candidate)
	return true, nil
}

// Put stores value unconditionally.
func (e *Engine[T]) Put(ctx context.Context, value T) error {
	key := e.schema.Key(value)
	data, err := e.schema.Encode(value)
	if err != nil {
		return err
	}
	compressed := e.compress(data)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return store.ErrClosed
	}

	if err := e.writeLocked(ctx, key, value, data, compressed, 0); err != nil {
		return err
	}
	e.secondary.Update(key, value)
	return nil
}

// writeLocked appends a put for key and points the indexes at it. The
// secondary index is left to the caller.
func (e *Engine[T]) writeLocked(ctx context.Context, key string, value T, data, compressed []byte, batchID uint64) error {
	walEntry := e.dedupEntry(wal.Entry{
		Type:    wal.EntryPut,
		BatchID: batchID,
		Key:     key,
		Value:   compressed,
	})

	offset, err := e.wal.Append(walEntry)
	if err != nil {
		return err
	}
	if e.syncWrites {
		if err := e.wal.Sync(); err != nil {
			return err
		}
	}

	if e.dedupEnabled && walEntry.Type == wal.EntryPut {
		e.dedup[hashValue(compressed)] = offset
	}

	e.primary.Put(key, offset)
	e.merkle.Update(key, data) // Merkle uses original data
	e.bloom.Add(key)
	_ = e.valueCache.Invalidate(ctx, key)
	return nil
}

// dedupEntry turns a put into a link when an identical value is already
// stored.
func (e *Engine[T]) dedupEntry(entry wal.Entry) wal.Entry {
	if !e.dedupEnabled || entry.Type != wal.EntryPut {
		return entry
	}
	existingOffset, ok := e.dedup[hashValue(entry.Value)]
	if !ok {
		return entry
	}
	linkBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(linkBuf, uint64(existingOffset))
	entry.Type = wal.EntryLink
	entry.Value = linkBuf
	return entry
}

func hashValue(compressed []byte) uint64 {
	return xxhash.Sum64(compressed)
}

// Remove deletes the record stored under the key of record. It is a no-op
// for absent keys.
func (e *Engine[T]) Remove(ctx context.Context, record T) error {
	return e.Delete(ctx, e.schema.Key(record))
}

func (e *Engine[T]) Delete(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, ok := e.primary.Get(key); !ok {
		return nil
	}

	if _, err := e.wal.Append(wal.Entry{Type: wal.EntryDelete, Key: key}); err != nil {
		return err
	}
	if e.syncWrites {
		if err := e.wal.Sync(); err != nil {
			return err
		}
	}

	e.primary.Delete(key)
	e.merkle.Delete(key)
	e.secondary.Remove(key)
	_ = e.valueCache.Invalidate(ctx, key)
	return nil
}

func (e *Engine[T]) MerkleRoot() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.merkle.Root()
}

func (e *Engine[T]) Bloom() *bloom.Filter {
	return e.bloom
}

func (e *Engine[T]) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Keys:           e.primary.Len(),
		SealedSegments: len(e.wal.SealedSegments()),
		ActiveSegment:  e.wal.ActiveSegmentID(),
		Root:           e.merkle.Root(),
	}
}

// Close closes the underlying WAL. Further calls return store.ErrClosed.
func (e *Engine[T]) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.wal.Close()
}

func (e *Engine[T]) Keys() ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, store.ErrClosed
	}

	var keys []string
	err := e.primary.ForEach(func(key string, _ int64) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func (e *Engine[T]) ForEach(fn func(key string, val T) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return store.ErrClosed
	}

	return e.primary.ForEach(func(key string, offset int64) error {
		val, err := e.readAt(offset)
		if err != nil {
			return err
		}
		return fn(key, val)
	})
}

var _ store.Store[struct{}] = (*Engine[struct{}])(nil)
var _ store.IndexScanner[struct{}] = (*Engine[struct{}])(nil)
