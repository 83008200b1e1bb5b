package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Manager handles a collection of WAL segments.
type Manager struct {
	mu      sync.RWMutex
	dir     string
	active  *Segment
	sealed  []*Segment
	batchID uint64
	maxSize int64
}

// NewManager opens or creates the segments stored in dir.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	m := &Manager{
		dir:     dir,
		maxSize: DefaultSegmentSize,
		batchID: uint64(time.Now().UnixNano()),
	}

	if err := m.loadSegments(); err != nil {
		return nil, err
	}
	cut, err := m.active.Repair()
	if err != nil {
		m.Close()
		return nil, err
	}
	if cut > 0 {
		slog.Warn("wal: truncated torn tail", "segment", m.active.ID(), "bytes", cut)
	}
	return m, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.log", id))
}

func (m *Manager) loadSegments() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}

	var segmentIDs []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}

		id, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), ".log"), 16, 64)
		if err != nil {
			continue
		}
		segmentIDs = append(segmentIDs, id)
	}

	sort.Slice(segmentIDs, func(i, j int) bool {
		return segmentIDs[i] < segmentIDs[j]
	})

	for i, id := range segmentIDs {
		seg, err := openSegment(segmentPath(m.dir, id), id, m.maxSize)
		if err != nil {
			return err
		}

		if i == len(segmentIDs)-1 {
			m.active = seg
			continue
		}
		if err := seg.seal(); err != nil {
			return err
		}
		m.sealed = append(m.sealed, seg)
	}

	if m.active == nil {
		seg, err := openSegment(segmentPath(m.dir, 0), 0, m.maxSize)
		if err != nil {
			return err
		}
		m.active = seg
	}

	return nil
}

// Append writes an entry to the active segment, rotating if necessary.
func (m *Manager) Append(entry Entry) (int64, error) {
	offsets, err := m.AppendBatch(entry)
	if err != nil {
		return 0, err
	}
	return offsets[0], nil
}

// AppendBatch writes entries to one segment in a single write, rotating
// first when they do not fit in the active one.
func (m *Manager) AppendBatch(entries ...Entry) ([]int64, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offsets, err := m.active.Append(entries...)
	if errors.Is(err, ErrSegmentFull) {
		if err := m.rotate(); err != nil {
			return nil, err
		}
		offsets, err = m.active.Append(entries...)
	}
	if err != nil {
		return nil, err
	}

	for i, off := range offsets {
		offsets[i] = PackOffset(m.active.ID(), off)
	}
	return offsets, nil
}

func (m *Manager) rotate() error {
	if err := m.active.seal(); err != nil {
		return err
	}
	m.sealed = append(m.sealed, m.active)

	newID := m.active.ID() + 1
	seg, err := openSegment(segmentPath(m.dir, newID), newID, m.maxSize)
	if err != nil {
		return err
	}
	m.active = seg
	return nil
}

// ReadAt returns the value of the entry at packedOffset.
func (m *Manager) ReadAt(packedOffset int64) ([]byte, error) {
	entry, err := m.ReadEntryAt(packedOffset)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// ReadEntryAt reads and verifies the entry at packedOffset.
func (m *Manager) ReadEntryAt(packedOffset int64) (Entry, error) {
	segID, offset := UnpackOffset(packedOffset)

	m.mu.RLock()
	target := m.segment(segID)
	m.mu.RUnlock()

	if target == nil {
		return Entry{}, ErrNotFound
	}

	entry, _, err := target.ReadEntry(offset)
	return entry, err
}

func (m *Manager) segment(id uint64) *Segment {
	if m.active.ID() == id {
		return m.active
	}
	for _, s := range m.sealed {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// NextBatchID returns an id for a group of entries committed together.
func (m *Manager) NextBatchID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchID++
	return m.batchID
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.active.Close(); err != nil {
		return err
	}
	for _, s := range m.sealed {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ActiveSegmentID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.ID()
}

func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Sync()
}

func (m *Manager) SealedSegments() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]*Segment, len(m.sealed))
	copy(cp, m.sealed)
	return cp
}

// RemoveSegment drops a sealed segment after compaction.
func (m *Manager) RemoveSegment(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, s := range m.sealed {
		if s.ID() == id {
			idx = i
			break
		}
	}

	if idx == -1 {
		return ErrNotFound
	}

	seg := m.sealed[idx]
	m.sealed = append(m.sealed[:idx], m.sealed[idx+1:]...)
	return seg.remove()
}

// IterateSegment calls fn for every entry of seg in append order with its
// packed offset. A torn final entry ends the iteration.
func (m *Manager) IterateSegment(seg *Segment, fn func(e Entry, offset int64) error) error {
	_, err := seg.Scan(func(e Entry, offset int64) error {
		return fn(e, PackOffset(seg.ID(), offset))
	})
	return err
}

func (m *Manager) SetMaxSegmentSize(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSize = size
	m.active.setMaxSize(size)
}

func (m *Manager) IterateActiveSegment(fn func(e Entry, offset int64) error) error {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()

	return m.IterateSegment(active, fn)
}
