package raft

import (
	"context"
	"fmt"
	"iter"

	"github.com/mirkobrombin/go-txstate/pkg/store"
)

// Store is a replicated store.Store. Reads are served by the local store
// and may lag the leader on followers. Writes are proposed to the leader
// and applied to the local store of every node in log order.
type Store[T any] struct {
	m      *Manager
	local  store.Store[T]
	schema store.Schema[T]
}

// Bind registers local under schema.Name. Bind before Start so that log
// replay finds the namespace.
func Bind[T any](m *Manager, local store.Store[T], schema store.Schema[T]) (*Store[T], error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	s := &Store[T]{m: m, local: local, schema: schema}
	if err := m.fsm.bind(schema.Name, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return s.local.Get(ctx, key)
}

func (s *Store[T]) GetOne(ctx context.Context, match func(T) bool) (T, bool, error) {
	return s.local.GetOne(ctx, match)
}

func (s *Store[T]) GetMany(ctx context.Context, match func(T) bool) iter.Seq2[T, error] {
	return s.local.GetMany(ctx, match)
}

// GetByIndex delegates to the local store when it maintains indexes and
// filters a full scan otherwise.
func (s *Store[T]) GetByIndex(ctx context.Context, index, value string) iter.Seq2[T, error] {
	if scanner, ok := s.local.(store.IndexScanner[T]); ok {
		return scanner.GetByIndex(ctx, index, value)
	}
	extractor, ok := s.schema.Indexes[index]
	if !ok {
		return func(yield func(T, error) bool) {
			var zero T
			yield(zero, fmt.Errorf("raft: unknown index %q", index))
		}
	}
	return s.local.GetMany(ctx, func(v T) bool { return extractor(v) == value })
}

// CompareExchange proposes the exchange and waits for it to be applied. A
// cancelled ctx returns early with ctx.Err(); the proposal may still commit,
// so the caller must read the record again before trusting either outcome.
func (s *Store[T]) CompareExchange(ctx context.Context, candidate T, comparand *T) (bool, error) {
	if _, err := store.CheckKeys(s.schema, candidate, comparand); err != nil {
		return false, err
	}

	cand, err := s.schema.Encode(candidate)
	if err != nil {
		return false, err
	}
	cmd := command{Op: OpCompareExchange, Namespace: s.schema.Name, Candidate: cand}
	if comparand != nil {
		comp, err := s.schema.Encode(*comparand)
		if err != nil {
			return false, err
		}
		cmd.Comparand = comp
		cmd.HasComparand = true
	}

	res, err := s.m.propose(ctx, cmd)
	if err != nil {
		return false, err
	}
	return res.swapped, nil
}

func (s *Store[T]) Remove(ctx context.Context, record T) error {
	data, err := s.schema.Encode(record)
	if err != nil {
		return err
	}
	_, err = s.m.propose(ctx, command{Op: OpRemove, Namespace: s.schema.Name, Candidate: data})
	return err
}

func (s *Store[T]) apply(ctx context.Context, cmd command) applyResult {
	candidate, err := s.schema.Decode(cmd.Candidate)
	if err != nil {
		return applyResult{err: err}
	}

	switch cmd.Op {
	case OpCompareExchange:
		var comparand *T
		if cmd.HasComparand {
			c, err := s.schema.Decode(cmd.Comparand)
			if err != nil {
				return applyResult{err: err}
			}
			comparand = &c
		}
		ok, err := s.local.CompareExchange(ctx, candidate, comparand)
		return applyResult{swapped: ok, err: err}

	case OpRemove:
		return applyResult{err: s.local.Remove(ctx, candidate)}

	default:
		return applyResult{err: fmt.Errorf("raft: unknown op %d", cmd.Op)}
	}
}

func (s *Store[T]) dump(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	for v, err := range s.local.GetMany(ctx, nil) {
		if err != nil {
			return nil, err
		}
		data, err := s.schema.Encode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func (s *Store[T]) reset(ctx context.Context) error {
	existing, err := store.Collect(s.local.GetMany(ctx, nil))
	if err != nil {
		return err
	}
	for _, v := range existing {
		if err := s.local.Remove(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store[T]) load(ctx context.Context, data []byte) error {
	v, err := s.schema.Decode(data)
	if err != nil {
		return err
	}
	_, err = s.local.CompareExchange(ctx, v, nil)
	return err
}

var _ store.Store[struct{}] = (*Store[struct{}])(nil)
var _ store.IndexScanner[struct{}] = (*Store[struct{}])(nil)
