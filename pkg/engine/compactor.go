package engine

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/mirkobrombin/go-txstate/pkg/store"
	"github.com/mirkobrombin/go-txstate/pkg/wal"
)

// StartCompactor runs Compact every interval until ctx is done.
func (e *Engine[T]) StartCompactor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Compact(); err != nil {
					e.logger.Error("engine: compaction failed", "schema", e.schema.Name, "err", err)
				}
			}
		}
	}()
}

// Compact rewrites the live records held in sealed segments into the active
// one and removes those segments. Links into a removed segment are resolved
// first.
func (e *Engine[T]) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return store.ErrClosed
	}

	sealed := e.wal.SealedSegments()
	if len(sealed) == 0 {
		return nil
	}

	doomed := make(map[uint64]bool, len(sealed))
	for _, seg := range sealed {
		doomed[seg.ID()] = true
	}

	moved := 0
	err := e.primary.ForEach(func(key string, offset int64) error {
		relocate, err := e.needsRelocation(offset, doomed)
		if err != nil || !relocate {
			return err
		}

		compressed, err := e.readCompressed(offset)
		if err != nil {
			return err
		}
		newOffset, err := e.wal.Append(wal.Entry{
			Type:  wal.EntryPut,
			Key:   key,
			Value: compressed,
		})
		if err != nil {
			return err
		}

		e.primary.Put(key, newOffset)
		if e.dedupEnabled {
			e.dedup[hashValue(compressed)] = newOffset
		}
		moved++
		return nil
	})
	if err != nil {
		return err
	}

	for h, off := range e.dedup {
		if seg, _ := wal.UnpackOffset(off); doomed[seg] {
			delete(e.dedup, h)
		}
	}

	if err := e.wal.Sync(); err != nil {
		return err
	}

	for _, seg := range sealed {
		if err := e.wal.RemoveSegment(seg.ID()); err != nil {
			return err
		}
	}

	e.logger.Debug("engine: compacted", "schema", e.schema.Name, "segments", len(sealed), "moved", moved)
	return nil
}

func (e *Engine[T]) needsRelocation(offset int64, doomed map[uint64]bool) (bool, error) {
	if seg, _ := wal.UnpackOffset(offset); doomed[seg] {
		return true, nil
	}

	entry, err := e.wal.ReadEntryAt(offset)
	if err != nil {
		return false, err
	}
	if entry.Type != wal.EntryLink {
		return false, nil
	}
	target := int64(binary.BigEndian.Uint64(entry.Value))
	seg, _ := wal.UnpackOffset(target)
	return doomed[seg], nil
}
