package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	EntryPut    byte = 0
	EntryDelete byte = 1
	EntryCommit byte = 2
	EntryLink   byte = 4
)

// Entry represents a single entry in the Write-Ahead Log.
type Entry struct {
	Type    byte
	BatchID uint64
	Key     string
	Value   []byte
}

var (
	ErrSegmentFull = fmt.Errorf("wal: segment full")
	ErrClosed      = fmt.Errorf("wal: closed")
	ErrNotFound    = fmt.Errorf("wal: not found")
	ErrCorrupt     = fmt.Errorf("wal: checksum mismatch")
)

const (
	// DefaultSegmentSize is the default max size for segments.
	DefaultSegmentSize = 64 * 1024 * 1024
	// segmentShift determines bits for offset.
	segmentShift = 32
	offsetMask   = (1 << segmentShift) - 1

	headerSize = 1 + 8 + 8 + 4
)

// PackOffset combines segment ID and file offset into a single int64.
func PackOffset(segmentID uint64, offset int64) int64 {
	return int64((segmentID << segmentShift) | uint64(offset))
}

func UnpackOffset(packed int64) (uint64, int64) {
	id := uint64(packed) >> segmentShift
	offset := packed & offsetMask
	return id, offset
}

func checksum(key string, value []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(key)
	_, _ = d.Write(value)
	return d.Sum64()
}

// EncodeEntry binary encodes an entry.
// [Type:1][BatchID:8][Checksum:8][KeyLen:4][Key:N][ValueLen:4][Value:M]
func EncodeEntry(e Entry) []byte {
	keyLen := len(e.Key)
	valLen := len(e.Value)
	buf := make([]byte, headerSize+keyLen+4+valLen)

	buf[0] = e.Type
	binary.BigEndian.PutUint64(buf[1:], e.BatchID)
	binary.BigEndian.PutUint64(buf[9:], checksum(e.Key, e.Value))
	binary.BigEndian.PutUint32(buf[17:], uint32(keyLen))
	copy(buf[headerSize:], e.Key)

	vOffset := headerSize + keyLen
	binary.BigEndian.PutUint32(buf[vOffset:], uint32(valLen))
	copy(buf[vOffset+4:], e.Value)

	return buf
}

type header struct {
	typ      byte
	batchID  uint64
	checksum uint64
	keyLen   uint32
}

func parseHeader(b []byte) header {
	return header{
		typ:      b[0],
		batchID:  binary.BigEndian.Uint64(b[1:]),
		checksum: binary.BigEndian.Uint64(b[9:]),
		keyLen:   binary.BigEndian.Uint32(b[17:]),
	}
}
