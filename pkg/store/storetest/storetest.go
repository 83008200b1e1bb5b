// Package storetest checks a store.Store implementation against the contract
// the transaction state layer depends on.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-txstate/pkg/store"
)

// Item is the record type used by the suite.
type Item struct {
	Key     string `json:"key"`
	Group   string `json:"group"`
	Version uint64 `json:"version"`
	Data    string `json:"data"`
}

// Schema returns the version-fenced schema for Item, with a "group" index.
func Schema() store.Schema[Item] {
	return store.Schema[Item]{
		Name:   "items",
		Key:    func(i Item) string { return i.Key },
		Encode: func(i Item) ([]byte, error) { return json.Marshal(i) },
		Decode: func(b []byte) (Item, error) {
			var i Item
			err := json.Unmarshal(b, &i)
			return i, err
		},
		Equal: func(current, comparand Item) bool { return current.Version == comparand.Version },
		Indexes: map[string]func(Item) string{
			"group": func(i Item) string { return i.Group },
		},
	}
}

// Run executes the contract suite. open must return an empty store using
// Schema().
func Run(t *testing.T, open func(t *testing.T) store.Store[Item]) {
	t.Run("InsertIfAbsent", func(t *testing.T) { testInsertIfAbsent(t, open(t)) })
	t.Run("Fencing", func(t *testing.T) { testFencing(t, open(t)) })
	t.Run("KeyMismatch", func(t *testing.T) { testKeyMismatch(t, open(t)) })
	t.Run("IdempotentRemove", func(t *testing.T) { testRemove(t, open(t)) })
	t.Run("Scan", func(t *testing.T) { testScan(t, open(t)) })
	t.Run("Cancelled", func(t *testing.T) { testCancelled(t, open(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, open(t)) })
}

func testInsertIfAbsent(t *testing.T, s store.Store[Item]) {
	ctx := context.Background()
	first := Item{Key: "a", Version: 1, Data: "first"}

	ok, err := s.CompareExchange(ctx, first, nil)
	require.NoError(t, err)
	require.True(t, ok, "insert into empty slot must succeed")

	ok, err = s.CompareExchange(ctx, Item{Key: "a", Version: 1, Data: "second"}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "insert over an existing record must fail")

	got, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first, got)
}

func testFencing(t *testing.T, s store.Store[Item]) {
	ctx := context.Background()
	v1 := Item{Key: "f", Version: 1, Data: "v1"}
	_, err := s.CompareExchange(ctx, v1, nil)
	require.NoError(t, err)

	v2 := Item{Key: "f", Version: 2, Data: "v2"}
	ok, err := s.CompareExchange(ctx, v2, &v1)
	require.NoError(t, err)
	require.True(t, ok)

	stale := Item{Key: "f", Version: 2, Data: "stale writer"}
	ok, err = s.CompareExchange(ctx, stale, &v1)
	require.NoError(t, err)
	assert.False(t, ok, "comparand with an old version must be rejected")

	got, _, err := s.Get(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, v2, got, "rejected write must not modify the record")

	missing := Item{Key: "nope", Version: 1}
	ok, err = s.CompareExchange(ctx, Item{Key: "nope", Version: 2}, &missing)
	require.NoError(t, err)
	assert.False(t, ok, "update of an absent record must fail")
}

func testKeyMismatch(t *testing.T, s store.Store[Item]) {
	ctx := context.Background()
	a := Item{Key: "k1", Version: 1}
	_, err := s.CompareExchange(ctx, a, nil)
	require.NoError(t, err)

	ok, err := s.CompareExchange(ctx, Item{Key: "k2", Version: 2}, &a)
	assert.False(t, ok)
	assert.ErrorIs(t, err, store.ErrKeyMismatch)
}

func testRemove(t *testing.T, s store.Store[Item]) {
	ctx := context.Background()
	it := Item{Key: "r", Version: 1}
	_, err := s.CompareExchange(ctx, it, nil)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, it))
	require.NoError(t, s.Remove(ctx, it), "second remove must be a no-op")
	require.NoError(t, s.Remove(ctx, Item{Key: "never-existed"}))

	_, found, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := s.CompareExchange(ctx, it, nil)
	require.NoError(t, err)
	assert.True(t, ok, "identity is free again after remove")
}

func testScan(t *testing.T, s store.Store[Item]) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		group := "even"
		if i%2 == 1 {
			group = "odd"
		}
		it := Item{Key: fmt.Sprintf("s%02d", i), Group: group, Version: 1}
		ok, err := s.CompareExchange(ctx, it, nil)
		require.NoError(t, err)
		require.True(t, ok)
	}

	odd, err := store.Collect(s.GetMany(ctx, func(i Item) bool { return i.Group == "odd" }))
	require.NoError(t, err)
	assert.Len(t, odd, 5)
	for _, it := range odd {
		assert.Equal(t, "odd", it.Group)
	}

	all, err := store.Collect(s.GetMany(ctx, nil))
	require.NoError(t, err)
	assert.Len(t, all, 10)

	one, found, err := s.GetOne(ctx, func(i Item) bool { return i.Key == "s03" })
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "odd", one.Group)

	_, found, err = s.GetOne(ctx, func(i Item) bool { return i.Group == "none" })
	require.NoError(t, err)
	assert.False(t, found)

	if idx, ok := s.(store.IndexScanner[Item]); ok {
		even, err := store.Collect(idx.GetByIndex(ctx, "group", "even"))
		require.NoError(t, err)
		assert.Len(t, even, 5)

		// Index must follow updates.
		moved := Item{Key: "s00", Group: "odd", Version: 2}
		cur := Item{Key: "s00", Group: "even", Version: 1}
		ok, err := s.CompareExchange(ctx, moved, &cur)
		require.NoError(t, err)
		require.True(t, ok)

		even, err = store.Collect(idx.GetByIndex(ctx, "group", "even"))
		require.NoError(t, err)
		assert.Len(t, even, 4)
	}

	// Stopping early must not leak or block.
	n := 0
	for range s.GetMany(ctx, nil) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func testCancelled(t *testing.T, s store.Store[Item]) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.CompareExchange(ctx, Item{Key: "c", Version: 1}, nil)
	require.Error(t, err)

	_, found, err := s.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.False(t, found, "cancelled attempt must not be applied")
}

func testConcurrentWriters(t *testing.T, s store.Store[Item]) {
	ctx := context.Background()
	base := Item{Key: "hot", Version: 1}
	ok, err := s.CompareExchange(ctx, base, nil)
	require.NoError(t, err)
	require.True(t, ok)

	const writers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cand := Item{Key: "hot", Version: 2, Data: fmt.Sprintf("w%d", i)}
			ok, err := s.CompareExchange(ctx, cand, &base)
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one writer may win against the same comparand")
}
