package engine

import (
	"github.com/mirkobrombin/go-txstate/pkg/wal"
)

// Recover rebuilds the indexes from the WAL. Batched entries are applied
// only once their commit marker is found.
func (e *Engine[T]) Recover() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := make(map[uint64][]replayed)

	apply := func(entry wal.Entry, offset int64) {
		switch entry.Type {
		case wal.EntryPut:
			e.primary.Put(entry.Key, offset)
			e.bloom.Add(entry.Key)
			if e.dedupEnabled {
				e.dedup[hashValue(entry.Value)] = offset
			}
		case wal.EntryLink:
			e.primary.Put(entry.Key, offset)
			e.bloom.Add(entry.Key)
		case wal.EntryDelete:
			e.primary.Delete(entry.Key)
		}
	}

	processEntry := func(entry wal.Entry, offset int64) error {
		if entry.Type == wal.EntryCommit {
			for _, r := range pending[entry.BatchID] {
				apply(r.entry, r.offset)
			}
			delete(pending, entry.BatchID)
			return nil
		}
		if entry.BatchID != 0 {
			pending[entry.BatchID] = append(pending[entry.BatchID], replayed{entry: entry, offset: offset})
			return nil
		}
		apply(entry, offset)
		return nil
	}

	// 1. Replay Sealed Segments
	for _, seg := range e.wal.SealedSegments() {
		if err := e.wal.IterateSegment(seg, processEntry); err != nil {
			return err
		}
	}
	if err := e.wal.IterateActiveSegment(processEntry); err != nil {
		return err
	}

	if len(pending) > 0 {
		e.logger.Warn("engine: discarding uncommitted batches", "schema", e.schema.Name, "batches", len(pending))
	}

	// 2. Derive the merkle leaves and secondary indexes from live records.
	return e.primary.ForEach(func(key string, offset int64) error {
		data, err := e.readPlain(offset)
		if err != nil {
			e.logger.Warn("engine: unreadable record", "schema", e.schema.Name, "key", key, "err", err)
			return nil
		}
		e.merkle.Update(key, data)

		val, err := e.schema.Decode(data)
		if err != nil {
			e.logger.Warn("engine: undecodable record", "schema", e.schema.Name, "key", key, "err", err)
			return nil
		}
		e.secondary.Update(key, val)
		return nil
	})
}

type replayed struct {
	entry  wal.Entry
	offset int64
}
