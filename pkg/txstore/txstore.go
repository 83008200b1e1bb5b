// Package txstore persists the state of multi-step transactions on top of a
// store.Store that only offers single-record compare-exchange.
//
// Every write is one optimistic compare-exchange fenced on the version of the
// transaction record. CompareExchange never retries: a false result means the
// record changed since it was read, and the caller must read it again.
// GetUniqueID and Update run their own bounded retry loops.
//
// Id allocation is only correct when the compare-exchange of the allocator
// store is linearizable per key. Over an eventually consistent store two
// callers can both win the same id, and nothing reports it.
package txstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-txstate/pkg/codec"
	"github.com/mirkobrombin/go-txstate/pkg/record"
	"github.com/mirkobrombin/go-txstate/pkg/store"
	"github.com/mirkobrombin/go-txstate/pkg/tx"
)

// Store is the optimistic transaction store. It keeps no record between
// calls and holds no lock: all concurrency control is the backing store's.
type Store struct {
	allocator    store.Store[record.AllocatorRecord]
	transactions store.Store[record.TransactionRecord]
	codec        *codec.Codec

	policy         RetryPolicy
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	metrics        *instruments

	closers []io.Closer
}

// New builds a Store over the allocator and transaction stores.
func New(allocator store.Store[record.AllocatorRecord], transactions store.Store[record.TransactionRecord], c *codec.Codec, opts ...Option) (*Store, error) {
	switch {
	case allocator == nil:
		return nil, argError("allocator", "store is nil")
	case transactions == nil:
		return nil, argError("transactions", "store is nil")
	case c == nil:
		return nil, argError("codec", "codec is nil")
	}

	s := &Store{
		allocator:      allocator,
		transactions:   transactions,
		codec:          c,
		policy:         DefaultRetryPolicy(),
		logger:         slog.Default(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	options.Apply(s, opts...)

	if s.policy.MaxAttempts < 0 {
		return nil, argError("retry policy", "negative max attempts")
	}

	s.tracer = s.tracerProvider.Tracer(instrumentationName)
	m, err := newInstruments(s.meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("txstore: metrics: %w", err)
	}
	s.metrics = m
	return s, nil
}

// Codec returns the payload codec of s.
func (s *Store) Codec() *codec.Codec {
	return s.codec
}

// CompareExchange persists candidate if the stored record still carries the
// version of comparand. A nil comparand inserts candidate only if no record
// exists under its id. On success candidate takes the new version, so it can
// be the comparand of the next update.
//
// A false result is a conflict. It is never retried here.
func (s *Store) CompareExchange(ctx context.Context, candidate, comparand *tx.Transaction) (swapped bool, err error) {
	if candidate == nil {
		return false, argError("candidate", "transaction is nil")
	}
	ctx, span := s.startSpan(ctx, "CompareExchange",
		attribute.Int64("tx.id", int64(candidate.ID)),
		attribute.Bool("tx.insert", comparand == nil),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("tx.swapped", swapped))
		endSpan(span, err)
	}()

	next := tx.VersionOf(1)
	var prev *record.TransactionRecord
	if comparand != nil {
		if comparand.ID != candidate.ID {
			return false, argError("comparand", fmt.Sprintf("id %s does not match candidate id %s", comparand.ID, candidate.ID))
		}
		if comparand.Version().IsZero() {
			return false, argError("comparand", "transaction was never persisted")
		}
		rec, err := toRecord(s.codec, comparand, comparand.Version())
		if err != nil {
			return false, err
		}
		prev = &rec
		next = comparand.Version().Next()
	}

	rec, err := toRecord(s.codec, candidate, next)
	if err != nil {
		return false, err
	}

	swapped, err = s.transactions.CompareExchange(ctx, rec, prev)
	if err != nil {
		return false, err
	}
	if swapped {
		candidate.SetVersion(next)
	}
	return swapped, nil
}

// Remove deletes the record of t. Removing an absent record is not an error.
func (s *Store) Remove(ctx context.Context, t *tx.Transaction) (err error) {
	if t == nil {
		return argError("transaction", "transaction is nil")
	}
	ctx, span := s.startSpan(ctx, "Remove", attribute.Int64("tx.id", int64(t.ID)))
	defer func() { endSpan(span, err) }()

	return s.transactions.Remove(ctx, record.TransactionRecord{ID: uint64(t.ID)})
}

// Resolve removes a committed or aborted transaction. It refuses to drop one
// that still needs recovery.
func (s *Store) Resolve(ctx context.Context, t *tx.Transaction) error {
	if t == nil {
		return argError("transaction", "transaction is nil")
	}
	if t.Unresolved() {
		return fmt.Errorf("%w: %s is %s", ErrUnresolved, t.ID, t.Status)
	}
	return s.Remove(ctx, t)
}

// GetUniqueID allocates the next transaction id. Concurrent callers get
// distinct ids, each one more than the highest id issued before the
// allocator accepted it. Once math.MaxUint64 has been issued it returns
// ErrExhausted.
func (s *Store) GetUniqueID(ctx context.Context) (id tx.ID, err error) {
	ctx, span := s.startSpan(ctx, "GetUniqueID")
	defer func() {
		span.SetAttributes(attribute.Int64("tx.id", int64(id)))
		endSpan(span, err)
	}()

	err = s.retry(ctx, "allocate", func(ctx context.Context) (bool, error) {
		current, found, err := s.allocator.Get(ctx, record.AllocatorKey)
		if err != nil {
			return false, err
		}

		var comparand *record.AllocatorRecord
		if found {
			comparand = &current
		}
		if current.LastID == math.MaxUint64 {
			return false, fmt.Errorf("%w: last id %d", ErrExhausted, current.LastID)
		}
		candidate := record.AllocatorRecord{LastID: current.LastID + 1}

		ok, err := s.allocator.CompareExchange(ctx, candidate, comparand)
		if ok {
			id = tx.ID(candidate.LastID)
		}
		return ok, err
	})
	if err != nil {
		return 0, err
	}

	s.metrics.idsAllocated.Add(ctx, 1)
	return id, nil
}

// Begin allocates an id and persists a new pending transaction holding ops.
func (s *Store) Begin(ctx context.Context, ops ...tx.Operation) (*tx.Transaction, error) {
	id, err := s.GetUniqueID(ctx)
	if err != nil {
		return nil, err
	}

	t := tx.New(id, ops...)
	ok, err := s.CompareExchange(ctx, t, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Only possible when the allocator and the transaction store disagree.
		return nil, fmt.Errorf("txstore: transaction %s already exists", id)
	}
	return t, nil
}

// Update applies mutate to a fresh copy of the stored transaction and writes
// it back, reading again after every conflict. An error from mutate aborts
// the loop and is returned as is.
func (s *Store) Update(ctx context.Context, id tx.ID, mutate func(*tx.Transaction) error) (*tx.Transaction, error) {
	var out *tx.Transaction
	err := s.retry(ctx, "update", func(ctx context.Context) (bool, error) {
		current, found, err := s.GetTransaction(ctx, id)
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		candidate := current.Clone()
		if err := mutate(candidate); err != nil {
			return false, err
		}
		candidate.ID = current.ID

		ok, err := s.CompareExchange(ctx, candidate, current)
		if ok {
			out = candidate
		}
		return ok, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransaction is a point lookup by id.
func (s *Store) GetTransaction(ctx context.Context, id tx.ID) (t *tx.Transaction, found bool, err error) {
	ctx, span := s.startSpan(ctx, "GetTransaction", attribute.Int64("tx.id", int64(id)))
	defer func() { endSpan(span, err) }()

	rec, found, err := s.transactions.Get(ctx, record.Key(uint64(id)))
	if err != nil || !found {
		return nil, false, err
	}
	t, err = fromRecord(s.codec, rec)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// ScanUnresolved lazily yields every pending transaction and every one with
// an abort request. A record whose payload cannot be decoded is yielded as a
// *codec.Error and the scan goes on. Records written during the scan may or
// may not be observed. Over an indexed store, pending transactions are
// visited before those with an abort request, so one that moves from Pending
// to AbortRequested mid-scan can be yielded twice; callers must tolerate
// duplicates.
func (s *Store) ScanUnresolved(ctx context.Context) iter.Seq2[*tx.Transaction, error] {
	return func(yield func(*tx.Transaction, error) bool) {
		ctx, span := s.startSpan(ctx, "ScanUnresolved")
		var (
			yielded int
			failed  error
		)
		defer func() {
			span.SetAttributes(attribute.Int("tx.yielded", yielded))
			endSpan(span, failed)
		}()

		for rec, err := range s.unresolvedRecords(ctx) {
			var t *tx.Transaction
			if err == nil {
				t, err = fromRecord(s.codec, rec)
			}
			if err != nil {
				if !codec.IsCodecError(err) {
					failed = err
				}
				s.logger.Debug("txstore: scan error", "err", err)
			} else {
				yielded++
			}
			if !yield(t, err) {
				return
			}
			if err != nil && ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *Store) unresolvedRecords(ctx context.Context) iter.Seq2[record.TransactionRecord, error] {
	if scanner, ok := s.transactions.(store.IndexScanner[record.TransactionRecord]); ok {
		return func(yield func(record.TransactionRecord, error) bool) {
			for _, status := range []tx.Status{tx.Pending, tx.AbortRequested} {
				for rec, err := range scanner.GetByIndex(ctx, record.StatusIndex, record.StatusValue(uint8(status))) {
					if !yield(rec, err) {
						return
					}
				}
			}
		}
	}
	return s.transactions.GetMany(ctx, func(r record.TransactionRecord) bool {
		return tx.Status(r.Status).Unresolved()
	})
}

// Close releases the stores opened by OpenEngine. It is a no-op for stores
// supplied to New.
func (s *Store) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
