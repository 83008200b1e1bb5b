package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Segment is one log file. The active segment is open for appends. A sealed
// segment is closed and reopened read-only on its first read.
type Segment struct {
	mu      sync.RWMutex
	id      uint64
	path    string
	file    *os.File
	size    int64
	maxSize int64
	sealed  bool
	closed  bool
}

func openSegment(path string, id uint64, maxSize int64) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment %d: open: %w", id, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Segment{id: id, path: path, file: f, size: stat.Size(), maxSize: maxSize}, nil
}

// Append writes entries with a single write, so a batch and its commit
// marker never straddle two segments. It returns ErrSegmentFull when the
// group does not fit, unless the segment is empty: an empty segment takes
// any group whole.
func (s *Segment) Append(entries ...Entry) ([]int64, error) {
	var buf []byte
	starts := make([]int64, len(entries))
	for i, e := range entries {
		starts[i] = int64(len(buf))
		buf = append(buf, EncodeEntry(e)...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed || s.sealed:
		return nil, fmt.Errorf("segment %d: %w", s.id, ErrClosed)
	case s.size > 0 && s.size+int64(len(buf)) > s.maxSize:
		return nil, ErrSegmentFull
	}

	if _, err := s.file.Write(buf); err != nil {
		return nil, fmt.Errorf("segment %d: write: %w", s.id, err)
	}
	for i := range starts {
		starts[i] += s.size
	}
	s.size += int64(len(buf))
	return starts, nil
}

// ReadEntry decodes and verifies the entry at offset and returns the offset
// following it. A checksum failure still reports the next offset, so callers
// can tell a torn final entry from damage in the middle of the file.
func (s *Segment) ReadEntry(offset int64) (Entry, int64, error) {
	size := s.Size()
	if offset < 0 || offset+headerSize > size {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}

	raw, err := s.readAt(offset, headerSize)
	if err != nil {
		return Entry{}, 0, err
	}
	h := parseHeader(raw)

	keyEnd := offset + headerSize + int64(h.keyLen)
	if keyEnd+4 > size {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	keyAndLen, err := s.readAt(offset+headerSize, int(h.keyLen)+4)
	if err != nil {
		return Entry{}, 0, err
	}
	key := keyAndLen[:h.keyLen]
	valLen := int64(binary.BigEndian.Uint32(keyAndLen[h.keyLen:]))

	next := keyEnd + 4 + valLen
	if next > size {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	val, err := s.readAt(keyEnd+4, int(valLen))
	if err != nil {
		return Entry{}, 0, err
	}

	if checksum(string(key), val) != h.checksum {
		return Entry{}, next, fmt.Errorf("%w: segment %d offset %d", ErrCorrupt, s.id, offset)
	}
	return Entry{Type: h.typ, BatchID: h.batchID, Key: string(key), Value: val}, next, nil
}

// Scan calls fn for every entry in append order and returns the end of the
// last intact entry. An incomplete or unverifiable final entry is a torn
// write: it ends the scan without an error. Damage before the tail is
// reported as ErrCorrupt.
func (s *Segment) Scan(fn func(e Entry, offset int64) error) (int64, error) {
	size := s.Size()
	offset := int64(0)
	for offset < size {
		entry, next, err := s.ReadEntry(offset)
		if errors.Is(err, io.ErrUnexpectedEOF) || (errors.Is(err, ErrCorrupt) && next == size) {
			slog.Warn("wal: ignoring torn tail", "segment", s.id, "offset", offset)
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
		if err := fn(entry, offset); err != nil {
			return offset, err
		}
		offset = next
	}
	return offset, nil
}

// Repair cuts a torn write off the end of the segment so new appends are
// not hidden behind it on the next scan. It returns the number of bytes cut.
func (s *Segment) Repair() (int64, error) {
	valid, err := s.Scan(func(Entry, int64) error { return nil })
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cut := s.size - valid
	if cut == 0 {
		return 0, nil
	}
	if s.sealed || s.file == nil {
		return 0, fmt.Errorf("segment %d: repair of a sealed segment", s.id)
	}
	if err := s.file.Truncate(valid); err != nil {
		return 0, err
	}
	s.size = valid
	return cut, nil
}

func (s *Segment) readAt(offset int64, n int) ([]byte, error) {
	f, err := s.reader()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// reader returns the open file, reopening a sealed segment read-only.
func (s *Segment) reader() (*os.File, error) {
	s.mu.RLock()
	f, closed := s.file, s.closed
	s.mu.RUnlock()
	if f != nil {
		return f, nil
	}
	if closed {
		return nil, fmt.Errorf("segment %d: %w", s.id, ErrClosed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, err
		}
		s.file = f
	}
	return s.file, nil
}

// seal flushes and closes the segment; it takes no more appends.
func (s *Segment) seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

// remove closes the segment and deletes its file.
func (s *Segment) remove() error {
	if err := s.Close(); err != nil {
		slog.Warn("wal: failed to close segment", "segment", s.id, "err", err)
	}
	return os.Remove(s.path)
}

func (s *Segment) setMaxSize(n int64) {
	s.mu.Lock()
	s.maxSize = n
	s.mu.Unlock()
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil || s.sealed {
		return nil
	}
	return s.file.Sync()
}

func (s *Segment) ID() uint64 {
	return s.id
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}
