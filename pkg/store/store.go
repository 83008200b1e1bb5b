// Package store defines the record store contract the transaction state layer
// is built on. Implementations offer single-record atomic compare-exchange
// and nothing stronger.
//
// The compare-exchange of every implementation must be linearizable per key:
// two concurrent CompareExchange calls against the same comparand must never
// both succeed. Allocation of transaction ids relies on it.
package store

import (
	"context"
	"fmt"
	"iter"
)

var (
	ErrClosed      = fmt.Errorf("store: closed")
	ErrKeyMismatch = fmt.Errorf("store: candidate and comparand have different keys")
)

// Schema describes how records of type T are identified, persisted and
// compared. It binds the equality used by CompareExchange once, at
// construction.
type Schema[T any] struct {
	// Name scopes keys (bucket, collection, key prefix) in shared backends.
	Name   string
	Key    func(T) string
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)

	// Equal decides whether the persisted record still matches the comparand
	// a writer read earlier.
	Equal func(current, comparand T) bool

	// Indexes are optional secondary indexes by name. Backends that support
	// them implement IndexScanner.
	Indexes map[string]func(T) string
}

// Validate reports a missing hook.
func (s Schema[T]) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("store: schema without name")
	case s.Key == nil, s.Encode == nil, s.Decode == nil, s.Equal == nil:
		return fmt.Errorf("store: schema %q is incomplete", s.Name)
	}
	return nil
}

// Store is the backing store contract.
type Store[T any] interface {
	// Get is a point lookup by key.
	Get(ctx context.Context, key string) (T, bool, error)

	// GetOne returns a record accepted by match. Which one is undefined when
	// several match. A nil match accepts everything.
	GetOne(ctx context.Context, match func(T) bool) (T, bool, error)

	// GetMany lazily yields every record accepted by match. Records written
	// while the sequence is consumed may or may not be observed.
	GetMany(ctx context.Context, match func(T) bool) iter.Seq2[T, error]

	// CompareExchange persists candidate if the record stored under its key
	// is Equal to comparand, or, with a nil comparand, if nothing is stored
	// under that key. It reports whether candidate was written.
	CompareExchange(ctx context.Context, candidate T, comparand *T) (bool, error)

	// Remove deletes the record stored under the key of record. Removing an
	// absent record is not an error.
	Remove(ctx context.Context, record T) error
}

// IndexScanner is implemented by stores that maintain Schema.Indexes.
type IndexScanner[T any] interface {
	GetByIndex(ctx context.Context, index, value string) iter.Seq2[T, error]
}

// CheckKeys returns ErrKeyMismatch when comparand is set and identifies a
// different record than candidate.
func CheckKeys[T any](schema Schema[T], candidate T, comparand *T) (string, error) {
	key := schema.Key(candidate)
	if comparand != nil && schema.Key(*comparand) != key {
		return "", fmt.Errorf("%w: %q vs %q", ErrKeyMismatch, key, schema.Key(*comparand))
	}
	return key, nil
}

// Matches applies match, treating nil as accept-all.
func Matches[T any](match func(T) bool, v T) bool {
	return match == nil || match(v)
}

// Collect drains seq, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
