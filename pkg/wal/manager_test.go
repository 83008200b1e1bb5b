package wal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestManager_AppendRead(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer m.Close()

	key := "test-key"
	val := []byte("test-value")

	entry := Entry{Type: EntryPut, Key: key, Value: val}
	offset, err := m.Append(entry)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	readVal, err := m.ReadAt(offset)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}

	if !bytes.Equal(readVal, val) {
		t.Errorf("Read value mismatch. Got %s, want %s", readVal, val)
	}
}

func TestManager_Rotation(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	m.SetMaxSegmentSize(100)
	defer m.Close()

	var offsets []int64
	for i := 0; i < 10; i++ {
		e := Entry{
			Type:  0,
			Key:   fmt.Sprintf("k%d", i),
			Value: []byte("value"),
		}
		off, err := m.Append(e)
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		offsets = append(offsets, off)
	}

	// Verify we have multiple segments
	entries, _ := os.ReadDir(dir)
	logCount := 0
	for _, e := range entries {
		if !e.IsDir() {
			logCount++
		}
	}

	if logCount < 2 {
		t.Errorf("Expected rotation, found %d log files", logCount)
	}

	// Read all back
	for i, off := range offsets {
		val, err := m.ReadAt(off)
		if err != nil {
			t.Fatalf("ReadAt %d failed: %v", i, err)
		}
		if string(val) != "value" {
			t.Errorf("Value mismatch at %d", i)
		}
	}
}

func TestManager_Reload(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	e := Entry{Type: EntryPut, Key: "reload", Value: []byte("checked")}
	off, err := m.Append(e)
	if err != nil {
		t.Fatal(err)
	}
	m.Close()

	// Re-open
	m2, err := NewManager(dir)
	if err != nil {
		t.Fatalf("Failed to re-open manager: %v", err)
	}
	defer m2.Close()

	val, err := m2.ReadAt(off)
	if err != nil {
		t.Fatalf("ReadAt failed after reload: %v", err)
	}

	if string(val) != "checked" {
		t.Errorf("Read value mismatch")
	}

	if m2.active.ID() != 0 {
		t.Errorf("Expected active ID 0, got %d", m2.active.ID())
	}
}

func TestManager_OpenOnDemand(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	m.SetMaxSegmentSize(100)
	defer m.Close()

	// Append something that will be in a sealed segment
	val1 := "value-that-is-exactly-60-bytes-long-0123456789012345678901234"
	e1 := Entry{Type: EntryPut, Key: "k1", Value: []byte(val1)}
	off1, err := m.Append(e1)
	if err != nil {
		t.Fatal(err)
	}

	// Trigger rotation (e1+e2 > 100, but e2 < 100)
	e2 := Entry{Type: EntryPut, Key: "k2", Value: []byte(val1)}
	if _, err := m.Append(e2); err != nil {
		t.Fatal(err)
	}

	// Verify k1 is in a sealed segment and its file is closed
	segID1, _ := UnpackOffset(off1)
	var sealedSeg *Segment
	for _, s := range m.sealed {
		if s.ID() == segID1 {
			sealedSeg = s
			break
		}
	}

	if sealedSeg == nil {
		t.Fatal("Sealed segment not found")
	}

	sealedSeg.mu.RLock()
	if sealedSeg.file != nil {
		sealedSeg.mu.RUnlock()
		t.Errorf("Sealed segment file should be closed")
	} else {
		sealedSeg.mu.RUnlock()
	}

	// Read k1 - should trigger open-on-demand
	read1, err := m.ReadAt(off1)
	if err != nil {
		t.Fatalf("ReadAt failed for closed segment: %v", err)
	}

	if string(read1) != val1 {
		t.Errorf("Value mismatch, got %s", read1)
	}

	// Verify file is now open
	sealedSeg.mu.RLock()
	if sealedSeg.file == nil {
		sealedSeg.mu.RUnlock()
		t.Errorf("Sealed segment file should be open after ReadAt")
	} else {
		sealedSeg.mu.RUnlock()
	}
}

func TestManager_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	off, err := m.Append(Entry{Type: EntryPut, Key: "k", Value: []byte("intact")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Append(Entry{Type: EntryPut, Key: "k2", Value: []byte("after")}); err != nil {
		t.Fatal(err)
	}
	if err := m.Sync(); err != nil {
		t.Fatal(err)
	}

	// Flip one byte of the first value on disk.
	path := segmentPath(dir, 0)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	_, pos := UnpackOffset(off)
	raw[pos+headerSize+1+4] ^= 0xff
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ReadAt(off); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}

	err = m.IterateActiveSegment(func(e Entry, offset int64) error { return nil })
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("corruption before the tail must surface, got %v", err)
	}
}

func TestManager_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Append(Entry{Type: EntryPut, Key: "good", Value: []byte("v")}); err != nil {
		t.Fatal(err)
	}
	m.Close()

	// Simulate a crash in the middle of the next append.
	partial := EncodeEntry(Entry{Type: EntryPut, Key: "torn", Value: []byte("lost")})
	f, err := os.OpenFile(segmentPath(dir, 0), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(partial[:len(partial)-3]); err != nil {
		t.Fatal(err)
	}
	f.Close()

	m2, err := NewManager(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	if _, err := m2.Append(Entry{Type: EntryPut, Key: "next", Value: []byte("v2")}); err != nil {
		t.Fatal(err)
	}

	var keys []string
	err = m2.IterateActiveSegment(func(e Entry, offset int64) error {
		keys = append(keys, e.Key)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "good" || keys[1] != "next" {
		t.Errorf("unexpected replay %v", keys)
	}
}

func TestManager_BatchIDsIncrease(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	a := m.NextBatchID()
	b := m.NextBatchID()
	if b <= a {
		t.Errorf("batch ids must increase: %d then %d", a, b)
	}
}

func TestManager_OversizedEntry(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	m.SetMaxSegmentSize(32)

	big := bytes.Repeat([]byte("x"), 100)
	for i := 0; i < 3; i++ {
		off, err := m.Append(Entry{Type: EntryPut, Key: "big", Value: big})
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		got, err := m.ReadAt(off)
		if err != nil || !bytes.Equal(got, big) {
			t.Fatalf("ReadAt %d: %v", i, err)
		}
	}
	if len(m.SealedSegments()) != 2 {
		t.Errorf("expected one entry per segment, got %d sealed", len(m.SealedSegments()))
	}
}

func TestManager_BatchStaysInOneSegment(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	m.SetMaxSegmentSize(120)

	if _, err := m.Append(Entry{Type: EntryPut, Key: "first", Value: bytes.Repeat([]byte("a"), 40)}); err != nil {
		t.Fatal(err)
	}

	batch := []Entry{
		{Type: EntryPut, BatchID: 7, Key: "b1", Value: []byte("one")},
		{Type: EntryPut, BatchID: 7, Key: "b2", Value: []byte("two")},
		{Type: EntryCommit, BatchID: 7},
	}
	offsets, err := m.AppendBatch(batch...)
	if err != nil {
		t.Fatal(err)
	}
	if len(offsets) != len(batch) {
		t.Fatalf("expected %d offsets, got %d", len(batch), len(offsets))
	}

	seg, _ := UnpackOffset(offsets[0])
	if seg == 0 {
		t.Fatal("batch that does not fit must open a new segment")
	}
	for i, off := range offsets {
		if id, _ := UnpackOffset(off); id != seg {
			t.Errorf("entry %d landed in segment %d, batch started in %d", i, id, seg)
		}
		got, err := m.ReadEntryAt(off)
		if err != nil {
			t.Fatalf("ReadEntryAt %d: %v", i, err)
		}
		if got.Key != batch[i].Key || got.Type != batch[i].Type || got.BatchID != 7 {
			t.Errorf("entry %d: got %+v", i, got)
		}
	}
}

func TestSegment_RepairKeepsIntactEntries(t *testing.T) {
	dir := t.TempDir()
	seg, err := openSegment(segmentPath(dir, 3), 3, DefaultSegmentSize)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	offsets, err := seg.Append(
		Entry{Type: EntryPut, Key: "a", Value: []byte("1")},
		Entry{Type: EntryPut, Key: "b", Value: []byte("2")},
	)
	if err != nil {
		t.Fatal(err)
	}
	intact := seg.Size()

	torn := EncodeEntry(Entry{Type: EntryPut, Key: "c", Value: []byte("333")})
	if _, err := seg.file.Write(torn[:len(torn)-2]); err != nil {
		t.Fatal(err)
	}
	seg.size += int64(len(torn) - 2)

	cut, err := seg.Repair()
	if err != nil {
		t.Fatal(err)
	}
	if cut != int64(len(torn)-2) || seg.Size() != intact {
		t.Errorf("expected %d bytes cut down to %d, got %d down to %d", len(torn)-2, intact, cut, seg.Size())
	}

	var seen []int64
	if _, err := seg.Scan(func(e Entry, offset int64) error {
		seen = append(seen, offset)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != offsets[0] || seen[1] != offsets[1] {
		t.Errorf("unexpected entries after repair: %v", seen)
	}
}
