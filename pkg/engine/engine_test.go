package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/mirkobrombin/go-txstate/pkg/store"
	"github.com/mirkobrombin/go-txstate/pkg/store/storetest"
	"github.com/mirkobrombin/go-txstate/pkg/wal"
)

func openItems(t *testing.T, dir string, opts ...Option[storetest.Item]) *Engine[storetest.Item] {
	t.Helper()
	w, err := wal.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(w, storetest.Schema(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Recover(); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEngine_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store[storetest.Item] {
		e := openItems(t, t.TempDir())
		t.Cleanup(func() { e.Close() })
		return e
	})
}

func TestV1_FullFlow(t *testing.T) {
	dir := t.TempDir()
	e := openItems(t, dir)
	defer e.Close()
	ctx := context.Background()

	t.Run("Basic Put/Get", func(t *testing.T) {
		_ = e.Put(ctx, storetest.Item{Key: "k1", Data: "v1"})
		val, ok, _ := e.Get(ctx, "k1")
		if !ok || val.Data != "v1" {
			t.Errorf("Expected v1, got %+v", val)
		}
	})

	t.Run("Batches", func(t *testing.T) {
		b, _ := e.Begin()
		_ = b.Put(ctx, storetest.Item{Key: "tx1", Data: "val1"})
		_ = b.Delete(ctx, "k1")

		if _, ok, _ := e.Get(ctx, "tx1"); ok {
			t.Error("uncommitted batch must not be visible")
		}
		if err := b.Commit(ctx); err != nil {
			t.Fatal(err)
		}

		val, _, _ := e.Get(ctx, "tx1")
		if val.Data != "val1" {
			t.Errorf("Expected val1, got %s", val.Data)
		}
		if _, ok, _ := e.Get(ctx, "k1"); ok {
			t.Error("k1 should be deleted by the batch")
		}
	})

	t.Run("Compaction", func(t *testing.T) {
		e.wal.SetMaxSegmentSize(256)

		for i := range 20 {
			_ = e.Put(ctx, storetest.Item{Key: fmt.Sprintf("k%d", i), Data: "value"})
		}

		for i := range 20 {
			_ = e.Put(ctx, storetest.Item{Key: fmt.Sprintf("k%d", i), Data: "value-updated"})
		}

		before := e.wal.SealedSegments()
		if len(before) == 0 {
			t.Fatal("expected sealed segments")
		}

		rootBefore := e.MerkleRoot()
		if err := e.Compact(); err != nil {
			t.Fatalf("Compact failed: %v", err)
		}
		for _, old := range before {
			for _, seg := range e.wal.SealedSegments() {
				if seg.ID() == old.ID() {
					t.Errorf("segment %d survived compaction", old.ID())
				}
			}
		}

		for i := range 20 {
			val, _, err := e.Get(ctx, fmt.Sprintf("k%d", i))
			if err != nil || val.Data != "value-updated" {
				t.Errorf("k%d: expected value-updated, got %q (%v)", i, val.Data, err)
			}
		}
		if e.MerkleRoot() != rootBefore {
			t.Error("compaction must not change the merkle root")
		}
	})
}

func TestEngine_Recover(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := openItems(t, dir)
	for i := range 5 {
		it := storetest.Item{Key: fmt.Sprintf("r%d", i), Group: "g", Version: 1}
		if ok, err := e.CompareExchange(ctx, it, nil); err != nil || !ok {
			t.Fatalf("insert r%d: %v %v", i, ok, err)
		}
	}
	_ = e.Remove(ctx, storetest.Item{Key: "r0"})

	// A batch whose commit marker never reached the log.
	_, _ = e.wal.Append(wal.Entry{Type: wal.EntryPut, BatchID: 99, Key: "ghost", Value: e.compress([]byte(`{"key":"ghost"}`))})

	root := e.MerkleRoot()
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e2 := openItems(t, dir)
	defer e2.Close()

	if _, ok, _ := e2.Get(ctx, "r0"); ok {
		t.Error("removed record came back")
	}
	if _, ok, _ := e2.Get(ctx, "ghost"); ok {
		t.Error("uncommitted batch entry was applied")
	}
	if e2.MerkleRoot() != root {
		t.Error("merkle root differs after recovery")
	}

	grouped, err := store.Collect(e2.GetByIndex(ctx, "group", "g"))
	if err != nil {
		t.Fatal(err)
	}
	if len(grouped) != 4 {
		t.Errorf("expected 4 indexed records after recovery, got %d", len(grouped))
	}

	stats := e2.Stats()
	if stats.Keys != 4 {
		t.Errorf("expected 4 keys, got %d", stats.Keys)
	}
}

func TestEngine_Closed(t *testing.T) {
	e := openItems(t, t.TempDir())
	_ = e.Close()
	ctx := context.Background()

	if _, err := e.CompareExchange(ctx, storetest.Item{Key: "x"}, nil); err != store.ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, _, err := e.Get(ctx, "x"); err != store.ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Error("second close must be a no-op")
	}
}

func TestEngine_UnknownIndex(t *testing.T) {
	e := openItems(t, t.TempDir())
	defer e.Close()

	_, err := store.Collect(e.GetByIndex(context.Background(), "nope", "x"))
	if err == nil {
		t.Error("expected an error for an unknown index")
	}
}
