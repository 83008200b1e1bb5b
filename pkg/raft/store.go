package raft

import (
	"context"
	"encoding/binary"
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"

	"github.com/mirkobrombin/go-txstate/pkg/engine"
	"github.com/mirkobrombin/go-txstate/pkg/store"
	"github.com/mirkobrombin/go-txstate/pkg/wal"
)

// kv is the record the raft log store keeps in its engine.
type kv struct {
	Key   string `codec:"k"`
	Value []byte `codec:"v"`
}

func kvSchema() store.Schema[kv] {
	return store.Schema[kv]{
		Name: "raft",
		Key:  func(r kv) string { return r.Key },
		Encode: func(r kv) ([]byte, error) {
			var out []byte
			err := msgpack.NewEncoderBytes(&out, handle).Encode(r)
			return out, err
		},
		Decode: func(b []byte) (kv, error) {
			var r kv
			err := msgpack.NewDecoderBytes(b, handle).Decode(&r)
			return r, err
		},
		Equal: func(a, b kv) bool { return string(a.Value) == string(b.Value) },
	}
}

// SlipstreamStore implements raft.LogStore and raft.StableStore
type SlipstreamStore struct {
	engine *engine.Engine[kv]
}

var (
	_ raft.LogStore    = (*SlipstreamStore)(nil)
	_ raft.StableStore = (*SlipstreamStore)(nil)
)

const (
	metaFirst = "meta:first_index"
	metaLast  = "meta:last_index"
)

// NewSlipstreamStore creates a new Raft store backed by an engine in path.
func NewSlipstreamStore(path string) (*SlipstreamStore, error) {
	manager, err := wal.NewManager(path)
	if err != nil {
		return nil, err
	}

	// Using small segments for Raft logs as they are frequently compacted
	manager.SetMaxSegmentSize(10 * 1024 * 1024)

	eng, err := engine.New(manager, kvSchema(), engine.WithCacheSize[kv](1024))
	if err != nil {
		manager.Close()
		return nil, err
	}
	if err := eng.Recover(); err != nil {
		eng.Close()
		return nil, err
	}

	return &SlipstreamStore{
		engine: eng,
	}, nil
}

func (s *SlipstreamStore) Close() error {
	return s.engine.Close()
}

func (s *SlipstreamStore) Set(key []byte, val []byte) error {
	return s.engine.Put(context.Background(), kv{Key: "meta:" + string(key), Value: val})
}

// Get returns nil, nil for unknown keys, as raft expects.
func (s *SlipstreamStore) Get(key []byte) ([]byte, error) {
	return s.get("meta:" + string(key))
}

func (s *SlipstreamStore) get(key string) ([]byte, error) {
	rec, ok, err := s.engine.Get(context.Background(), key)
	if err != nil || !ok {
		return nil, err
	}
	return rec.Value, nil
}

func (s *SlipstreamStore) SetUint64(key []byte, val uint64) error {
	return s.Set(key, uint64Bytes(val))
}

func (s *SlipstreamStore) GetUint64(key []byte) (uint64, error) {
	return s.getUint64("meta:" + string(key))
}

func (s *SlipstreamStore) getUint64(key string) (uint64, error) {
	val, err := s.get(key)
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, nil // Default to 0
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("raft: bad uint64 under %q", key)
	}
	return binary.BigEndian.Uint64(val), nil
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func logKey(index uint64) string {
	return fmt.Sprintf("log:%016x", index)
}

func (s *SlipstreamStore) FirstIndex() (uint64, error) {
	return s.getUint64(metaFirst)
}

func (s *SlipstreamStore) LastIndex() (uint64, error) {
	return s.getUint64(metaLast)
}

func (s *SlipstreamStore) GetLog(index uint64, log *raft.Log) error {
	val, err := s.get(logKey(index))
	if err != nil {
		return err
	}
	if val == nil {
		return raft.ErrLogNotFound
	}
	return msgpack.NewDecoderBytes(val, handle).Decode(log)
}

func (s *SlipstreamStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs writes logs and the index bounds in one batch.
func (s *SlipstreamStore) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	ctx := context.Background()

	first, err := s.FirstIndex()
	if err != nil {
		return err
	}
	last, err := s.LastIndex()
	if err != nil {
		return err
	}

	newFirst := first
	newLast := last
	if first == 0 {
		newFirst = logs[0].Index
	}

	tx, err := s.engine.Begin()
	if err != nil {
		return err
	}

	for _, l := range logs {
		var buf []byte
		if err := msgpack.NewEncoderBytes(&buf, handle).Encode(l); err != nil {
			return err
		}
		if err := tx.Put(ctx, kv{Key: logKey(l.Index), Value: buf}); err != nil {
			return err
		}

		if l.Index > newLast {
			newLast = l.Index
		}
		if l.Index < newFirst {
			newFirst = l.Index
		}
	}

	// Update metadata
	if err := tx.Put(ctx, kv{Key: metaFirst, Value: uint64Bytes(newFirst)}); err != nil {
		return err
	}
	if err := tx.Put(ctx, kv{Key: metaLast, Value: uint64Bytes(newLast)}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DeleteRange removes logs min through max inclusive. Removing every log
// resets both bounds to zero.
func (s *SlipstreamStore) DeleteRange(min, max uint64) error {
	ctx := context.Background()

	first, err := s.FirstIndex()
	if err != nil {
		return err
	}
	last, err := s.LastIndex()
	if err != nil {
		return err
	}

	tx, err := s.engine.Begin()
	if err != nil {
		return err
	}

	for i := min; i <= max; i++ {
		if err := tx.Delete(ctx, logKey(i)); err != nil {
			return err
		}
		if i == max {
			break // guards max == MaxUint64
		}
	}

	newFirst, newLast := first, last
	switch {
	case min <= first && max >= last:
		newFirst, newLast = 0, 0
	case min <= first:
		newFirst = max + 1
	case max >= last:
		newLast = min - 1
	}

	if err := tx.Put(ctx, kv{Key: metaFirst, Value: uint64Bytes(newFirst)}); err != nil {
		return err
	}
	if err := tx.Put(ctx, kv{Key: metaLast, Value: uint64Bytes(newLast)}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
