package txstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-txstate/pkg/codec"
	"github.com/mirkobrombin/go-txstate/pkg/record"
	"github.com/mirkobrombin/go-txstate/pkg/store"
	"github.com/mirkobrombin/go-txstate/pkg/store/storetest"
	"github.com/mirkobrombin/go-txstate/pkg/tx"
)

type Reserve struct {
	SKU      string
	Quantity int
}

type Refund struct {
	Order  string
	Amount int64
}

func testCodec() *codec.Codec {
	reg := codec.NewRegistry()
	reg.MustRegister("test.Reserve", Reserve{})
	reg.MustRegister("test.Refund", &Refund{})
	return codec.New(reg)
}

var fastRetry = RetryPolicy{MaxAttempts: 0, BaseDelay: 50 * time.Microsecond, MaxDelay: 2 * time.Millisecond}

type fixture struct {
	name string
	open func(t *testing.T, opts ...Option) *Store
}

func fixtures() []fixture {
	return []fixture{
		{"engine", func(t *testing.T, opts ...Option) *Store {
			s, err := OpenEngine(t.TempDir(), testCodec(), opts...)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"memory", func(t *testing.T, opts ...Option) *Store {
			s, err := New(newMemStore(record.AllocatorSchema()), newMemStore(record.TransactionSchema()), testCodec(), opts...)
			require.NoError(t, err)
			return s
		}},
	}
}

func forEachFixture(t *testing.T, fn func(t *testing.T, open func(t *testing.T, opts ...Option) *Store)) {
	for _, f := range fixtures() {
		t.Run(f.name, func(t *testing.T) { fn(t, f.open) })
	}
}

func TestMemStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store[storetest.Item] {
		return newMemStore(storetest.Schema())
	})
}

func TestNew_Arguments(t *testing.T) {
	alloc := newMemStore(record.AllocatorSchema())
	txs := newMemStore(record.TransactionSchema())

	var argErr *ArgumentError
	_, err := New(nil, txs, testCodec())
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "allocator", argErr.Arg)

	_, err = New(alloc, nil, testCodec())
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "transactions", argErr.Arg)

	_, err = New(alloc, txs, nil)
	require.ErrorAs(t, err, &argErr)

	_, err = New(alloc, txs, testCodec(), WithRetryPolicy(RetryPolicy{MaxAttempts: -1}))
	require.ErrorAs(t, err, &argErr)
}

func TestGetUniqueID_Sequence(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t)

		id, err := s.GetUniqueID(ctx)
		require.NoError(t, err)
		assert.Equal(t, tx.ID(1), id)

		rec, found, err := s.allocator.Get(ctx, record.AllocatorKey)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(1), rec.LastID)

		id, err = s.GetUniqueID(ctx)
		require.NoError(t, err)
		assert.Equal(t, tx.ID(2), id)
	})
}

func TestGetUniqueID_ContinuesFromAllocator(t *testing.T) {
	ctx := context.Background()
	alloc := newMemStore(record.AllocatorSchema())
	ok, err := alloc.CompareExchange(ctx, record.AllocatorRecord{LastID: 41}, nil)
	require.NoError(t, err)
	require.True(t, ok)

	s, err := New(alloc, newMemStore(record.TransactionSchema()), testCodec())
	require.NoError(t, err)

	id, err := s.GetUniqueID(ctx)
	require.NoError(t, err)
	assert.Equal(t, tx.ID(42), id)
}

func TestGetUniqueID_Exhausted(t *testing.T) {
	ctx := context.Background()
	alloc := newMemStore(record.AllocatorSchema())
	ok, err := alloc.CompareExchange(ctx, record.AllocatorRecord{LastID: math.MaxUint64 - 1}, nil)
	require.NoError(t, err)
	require.True(t, ok)

	s, err := New(alloc, newMemStore(record.TransactionSchema()), testCodec())
	require.NoError(t, err)

	id, err := s.GetUniqueID(ctx)
	require.NoError(t, err)
	assert.Equal(t, tx.ID(math.MaxUint64), id)

	_, err = s.GetUniqueID(ctx)
	require.ErrorIs(t, err, ErrExhausted)

	rec, _, err := alloc.Get(ctx, record.AllocatorKey)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), rec.LastID, "allocator must not wrap")
}

func TestGetUniqueID_Concurrent(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t, WithRetryPolicy(fastRetry))

		const workers, perWorker = 16, 8
		var (
			mu  sync.Mutex
			ids []tx.ID
			wg  sync.WaitGroup
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range perWorker {
					id, err := s.GetUniqueID(ctx)
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					ids = append(ids, id)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, ids, workers*perWorker)
		slices.Sort(ids)
		for i, id := range ids {
			require.Equal(t, tx.ID(i+1), id, "ids must be distinct and contiguous")
		}
	})
}

func TestGetUniqueID_LaggingStoreIssuesDuplicates(t *testing.T) {
	// Without a linearizable compare-exchange two allocations can both win.
	ctx := context.Background()
	alloc := newLaggingStore(record.AllocatorSchema())
	s, err := New(alloc, newMemStore(record.TransactionSchema()), testCodec())
	require.NoError(t, err)

	first, err := s.GetUniqueID(ctx)
	require.NoError(t, err)
	second, err := s.GetUniqueID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "a stale read lets both callers claim the same id")

	alloc.replicate()
	third, err := s.GetUniqueID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first+1, third)
}

func TestGetUniqueID_ContentionExceeded(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	alloc := &rejectingStore[record.AllocatorRecord]{memStore: newMemStore(record.AllocatorSchema())}
	s, err := New(alloc, newMemStore(record.TransactionSchema()), testCodec(),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3}),
		WithMeterProvider(mp),
	)
	require.NoError(t, err)

	_, err = s.GetUniqueID(ctx)
	require.ErrorIs(t, err, ErrContentionExceeded)
	assert.Equal(t, 3, alloc.attempts)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(3), counter(rm, "txstore.cas.attempts"))
	assert.Equal(t, int64(3), counter(rm, "txstore.cas.conflicts"))
	assert.Equal(t, int64(1), counter(rm, "txstore.contention.exceeded"))
	assert.Equal(t, int64(0), counter(rm, "txstore.ids.allocated"))
}

func TestGetUniqueID_Cancelled(t *testing.T) {
	alloc := &rejectingStore[record.AllocatorRecord]{memStore: newMemStore(record.AllocatorSchema())}
	s, err := New(alloc, newMemStore(record.TransactionSchema()), testCodec(),
		WithRetryPolicy(RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.GetUniqueID(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func counter(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestCompareExchange_InsertIfAbsent(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t)

		first := tx.New(7, tx.NewOperation(7, tx.OpPut, Reserve{SKU: "a", Quantity: 1}))
		ok, err := s.CompareExchange(ctx, first, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, tx.VersionOf(1), first.Version())

		second := tx.New(7)
		ok, err = s.CompareExchange(ctx, second, nil)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, second.Version().IsZero())

		got, found, err := s.GetTransaction(ctx, 7)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, first, got)
	})
}

func TestCompareExchange_Fencing(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t)

		t0, err := s.Begin(ctx)
		require.NoError(t, err)
		for range 2 {
			next := t0.Clone()
			ok, err := s.CompareExchange(ctx, next, t0)
			require.NoError(t, err)
			require.True(t, ok)
			t0 = next
		}
		require.Equal(t, tx.VersionOf(3), t0.Version())

		a, _, err := s.GetTransaction(ctx, t0.ID)
		require.NoError(t, err)
		b, _, err := s.GetTransaction(ctx, t0.ID)
		require.NoError(t, err)

		candA := a.Clone()
		candA.Status = tx.Committed
		ok, err := s.CompareExchange(ctx, candA, a)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, tx.VersionOf(4), candA.Version())

		candB := b.Clone()
		candB.Status = tx.Aborted
		ok, err = s.CompareExchange(ctx, candB, b)
		require.NoError(t, err)
		assert.False(t, ok, "a stale comparand must lose")

		got, _, err := s.GetTransaction(ctx, t0.ID)
		require.NoError(t, err)
		assert.Equal(t, tx.Committed, got.Status)
		assert.Equal(t, tx.VersionOf(4), got.Version())
	})
}

func TestCompareExchange_Arguments(t *testing.T) {
	ctx := context.Background()
	s, err := New(newMemStore(record.AllocatorSchema()), newMemStore(record.TransactionSchema()), testCodec())
	require.NoError(t, err)

	var argErr *ArgumentError

	_, err = s.CompareExchange(ctx, nil, nil)
	assert.ErrorAs(t, err, &argErr)

	_, err = s.CompareExchange(ctx, tx.New(1), tx.New(1))
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "comparand", argErr.Arg)

	persisted := tx.New(2)
	persisted.SetVersion(tx.VersionOf(1))
	_, err = s.CompareExchange(ctx, tx.New(1), persisted)
	assert.ErrorAs(t, err, &argErr)

	assert.ErrorAs(t, s.Remove(ctx, nil), &argErr)
}

func TestCompareExchange_UnregisteredPayload(t *testing.T) {
	ctx := context.Background()
	s, err := New(newMemStore(record.AllocatorSchema()), newMemStore(record.TransactionSchema()), testCodec())
	require.NoError(t, err)

	type unknown struct{ X int }
	_, err = s.CompareExchange(ctx, tx.New(1, tx.NewOperation(1, tx.OpCustom, unknown{X: 1})), nil)
	require.Error(t, err)
	assert.True(t, codec.IsCodecError(err))
	assert.ErrorIs(t, err, codec.ErrUnknownType)

	_, found, err := s.GetTransaction(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPayloadRoundTrip(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t)

		refund := &Refund{Order: "o-1", Amount: 1250}
		in, err := s.Begin(ctx,
			tx.NewOperation(0, tx.OpPut, Reserve{SKU: "sku-9", Quantity: 3}).WithExpectedVersion(5),
			tx.NewOperation(0, tx.OpCustom, refund),
			tx.NewOperation(0, tx.OpDelete, nil),
		)
		require.NoError(t, err)

		out, found, err := s.GetTransaction(ctx, in.ID)
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, out.Operations, 3)

		assert.Equal(t, Reserve{SKU: "sku-9", Quantity: 3}, out.Operations[0].Entry)
		require.NotNil(t, out.Operations[0].ExpectedVersion)
		assert.Equal(t, int64(5), *out.Operations[0].ExpectedVersion)
		assert.Equal(t, refund, out.Operations[1].Entry)
		assert.Nil(t, out.Operations[2].Entry)
		for i, op := range out.Operations {
			assert.Equal(t, in.ID, op.TransactionID)
			assert.Equal(t, in.Operations[i].ID, op.ID)
			assert.Equal(t, in.Operations[i].Type, op.Type)
		}
	})
}

func TestRemove_Twice(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t)

		t1, err := s.Begin(ctx)
		require.NoError(t, err)

		require.NoError(t, s.Remove(ctx, t1))
		require.NoError(t, s.Remove(ctx, t1))

		_, found, err := s.GetTransaction(ctx, t1.ID)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s, err := New(newMemStore(record.AllocatorSchema()), newMemStore(record.TransactionSchema()), testCodec())
	require.NoError(t, err)

	t1, err := s.Begin(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, s.Resolve(ctx, t1), ErrUnresolved)

	done, err := s.Update(ctx, t1.ID, func(t *tx.Transaction) error {
		t.Status = tx.Committed
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Resolve(ctx, done))

	_, found, err := s.GetTransaction(ctx, t1.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpdate(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t, WithRetryPolicy(fastRetry))

		t1, err := s.Begin(ctx)
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, t1.ID, func(t *tx.Transaction) error {
					t.Append(tx.NewOperation(t.ID, tx.OpPut, Reserve{SKU: fmt.Sprint(i), Quantity: i}))
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, _, err := s.GetTransaction(ctx, t1.ID)
		require.NoError(t, err)
		assert.Len(t, got.Operations, writers)
		assert.Equal(t, tx.VersionOf(writers+1), got.Version())

		_, err = s.Update(ctx, 999, func(*tx.Transaction) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)

		boom := errors.New("boom")
		_, err = s.Update(ctx, t1.ID, func(*tx.Transaction) error { return boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestScanUnresolved(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t)

		want := map[tx.ID]tx.Status{}
		for _, status := range []tx.Status{tx.Pending, tx.AbortRequested, tx.Committed, tx.Aborted, tx.Pending} {
			t1, err := s.Begin(ctx, tx.NewOperation(0, tx.OpPut, Reserve{SKU: status.String()}))
			require.NoError(t, err)
			if status != tx.Pending {
				_, err = s.Update(ctx, t1.ID, func(t *tx.Transaction) error {
					t.Status = status
					return nil
				})
				require.NoError(t, err)
			}
			if status.Unresolved() {
				want[t1.ID] = status
			}
		}

		got := map[tx.ID]tx.Status{}
		for t1, err := range s.ScanUnresolved(ctx) {
			require.NoError(t, err)
			got[t1.ID] = t1.Status
		}
		assert.Equal(t, want, got)
	})
}

func TestScanUnresolved_StatusMovesDuringScan(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t)

		moving, err := s.Begin(ctx, tx.NewOperation(0, tx.OpPut, Reserve{SKU: "moving"}))
		require.NoError(t, err)

		seen := 0
		for t1, err := range s.ScanUnresolved(ctx) {
			require.NoError(t, err)
			if t1.ID != moving.ID {
				continue
			}
			seen++
			if t1.Status == tx.Pending {
				_, err := s.Update(ctx, t1.ID, func(t *tx.Transaction) error {
					t.Status = tx.AbortRequested
					return nil
				})
				require.NoError(t, err)
			}
		}
		assert.GreaterOrEqual(t, seen, 1)
		assert.LessOrEqual(t, seen, 2)
	})
}

func TestScanUnresolved_IndexedYieldsMovedRecordTwice(t *testing.T) {
	ctx := context.Background()
	s, err := OpenEngine(t.TempDir(), testCodec(), WithRetryPolicy(fastRetry))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	moving, err := s.Begin(ctx, tx.NewOperation(0, tx.OpPut, Reserve{SKU: "moving"}))
	require.NoError(t, err)

	var statuses []tx.Status
	for t1, err := range s.ScanUnresolved(ctx) {
		require.NoError(t, err)
		statuses = append(statuses, t1.Status)
		if t1.Status == tx.Pending {
			_, err := s.Update(ctx, moving.ID, func(t *tx.Transaction) error {
				t.Status = tx.AbortRequested
				return nil
			})
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []tx.Status{tx.Pending, tx.AbortRequested}, statuses)
}

func TestScanUnresolved_CorruptPayload(t *testing.T) {
	forEachFixture(t, func(t *testing.T, open func(t *testing.T, opts ...Option) *Store) {
		ctx := context.Background()
		s := open(t)

		good, err := s.Begin(ctx, tx.NewOperation(0, tx.OpPut, Reserve{SKU: "ok"}))
		require.NoError(t, err)

		bad := record.TransactionRecord{
			ID:      500,
			Version: 1,
			Operations: []record.OperationRecord{{
				ID:        "op",
				EntryType: "test.Gone",
				Entry:     []byte{1, 2, 3},
			}},
		}
		ok, err := s.transactions.CompareExchange(ctx, bad, nil)
		require.NoError(t, err)
		require.True(t, ok)

		var (
			ids        []tx.ID
			codecFails int
		)
		for t1, err := range s.ScanUnresolved(ctx) {
			if err != nil {
				require.True(t, codec.IsCodecError(err), "unexpected error %v", err)
				codecFails++
				continue
			}
			ids = append(ids, t1.ID)
		}
		assert.Equal(t, 1, codecFails)
		assert.Equal(t, []tx.ID{good.ID}, ids)

		_, _, err = s.GetTransaction(ctx, 500)
		assert.True(t, codec.IsCodecError(err))
	})
}

func TestScanUnresolved_EarlyStop(t *testing.T) {
	ctx := context.Background()
	s, err := New(newMemStore(record.AllocatorSchema()), newMemStore(record.TransactionSchema()), testCodec())
	require.NoError(t, err)

	for range 5 {
		_, err := s.Begin(ctx)
		require.NoError(t, err)
	}

	n := 0
	for range s.ScanUnresolved(ctx) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestTracing(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	s, err := New(newMemStore(record.AllocatorSchema()), newMemStore(record.TransactionSchema()), testCodec(),
		WithTracerProvider(tp))
	require.NoError(t, err)

	_, err = s.Begin(ctx)
	require.NoError(t, err)

	var names []string
	for _, span := range sr.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{"txstore.GetUniqueID", "txstore.CompareExchange"}, names)
}

func TestOpenEngine_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenEngine(dir, testCodec())
	require.NoError(t, err)
	t1, err := s.Begin(ctx, tx.NewOperation(0, tx.OpPut, Reserve{SKU: "persisted", Quantity: 2}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenEngine(dir, testCodec())
	require.NoError(t, err)
	defer s.Close()

	got, found, err := s.GetTransaction(ctx, t1.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, t1, got)

	id, err := s.GetUniqueID(ctx)
	require.NoError(t, err)
	assert.Equal(t, t1.ID+1, id)

	var unresolved []tx.ID
	for t2, err := range s.ScanUnresolved(ctx) {
		require.NoError(t, err)
		unresolved = append(unresolved, t2.ID)
	}
	assert.Equal(t, []tx.ID{t1.ID}, unresolved)
}
