package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/raft"
)

type OpType uint8

const (
	OpCompareExchange OpType = iota + 1
	OpRemove
)

type command struct {
	Op           OpType `codec:"op"`
	Namespace    string `codec:"ns"`
	Candidate    []byte `codec:"cand"`
	Comparand    []byte `codec:"comp,omitempty"`
	HasComparand bool   `codec:"has_comp"`
}

type applyResult struct {
	swapped bool
	err     error
}

var handle = &msgpack.MsgpackHandle{}

func encodeCommand(cmd command) ([]byte, error) {
	var out []byte
	if err := msgpack.NewEncoderBytes(&out, handle).Encode(cmd); err != nil {
		return nil, fmt.Errorf("raft: encode command: %w", err)
	}
	return out, nil
}

func decodeCommand(b []byte) (command, error) {
	var cmd command
	if err := msgpack.NewDecoderBytes(b, handle).Decode(&cmd); err != nil {
		return cmd, fmt.Errorf("raft: decode command: %w", err)
	}
	return cmd, nil
}

// namespace is the replicated face of a bound store.
type namespace interface {
	apply(ctx context.Context, cmd command) applyResult
	dump(ctx context.Context) ([][]byte, error)
	reset(ctx context.Context) error
	load(ctx context.Context, data []byte) error
}

type fsm struct {
	mu         sync.RWMutex
	namespaces map[string]namespace
}

func newFSM() *fsm {
	return &fsm{namespaces: make(map[string]namespace)}
}

func (f *fsm) bind(name string, ns namespace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.namespaces[name]; dup {
		return fmt.Errorf("raft: namespace %q already bound", name)
	}
	f.namespaces[name] = ns
	return nil
}

func (f *fsm) lookup(name string) (namespace, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ns, ok := f.namespaces[name]
	return ns, ok
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	cmd, err := decodeCommand(l.Data)
	if err != nil {
		slog.Error("raft fsm: failed to decode command", "index", l.Index, "err", err)
		return applyResult{err: err}
	}

	ns, ok := f.lookup(cmd.Namespace)
	if !ok {
		slog.Error("raft fsm: command for unbound namespace", "index", l.Index, "namespace", cmd.Namespace)
		return applyResult{err: fmt.Errorf("%w: %q", ErrUnknownNamespace, cmd.Namespace)}
	}

	res := ns.apply(context.Background(), cmd)
	if res.err != nil {
		slog.Error("raft fsm: apply failed", "index", l.Index, "namespace", cmd.Namespace, "err", res.err)
	}
	return res
}

// Snapshot copies every namespace. Apply is not called concurrently, so the
// copy is a consistent point in the log.
func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &snapshot{records: make(map[string][][]byte, len(f.namespaces))}
	for name, ns := range f.namespaces {
		records, err := ns.dump(context.Background())
		if err != nil {
			return nil, fmt.Errorf("raft: snapshot %q: %w", name, err)
		}
		snap.records[name] = records
	}
	return snap, nil
}

// Restore replaces the state of every bound namespace with the snapshot.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	ctx := context.Background()

	f.mu.RLock()
	defer f.mu.RUnlock()

	for name, ns := range f.namespaces {
		if err := ns.reset(ctx); err != nil {
			return fmt.Errorf("raft: reset %q: %w", name, err)
		}
	}

	decoder := msgpack.NewDecoder(rc, handle)
	for {
		var rec snapshotRecord
		if err := decoder.Decode(&rec); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}

		ns, ok := f.namespaces[rec.Namespace]
		if !ok {
			slog.Warn("raft fsm: snapshot holds unbound namespace", "namespace", rec.Namespace)
			continue
		}
		if err := ns.load(ctx, rec.Data); err != nil {
			return fmt.Errorf("raft: restore %q: %w", rec.Namespace, err)
		}
	}
	return nil
}

type snapshotRecord struct {
	Namespace string `codec:"ns"`
	Data      []byte `codec:"data"`
}

type snapshot struct {
	records map[string][][]byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	encoder := msgpack.NewEncoder(sink, handle)

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		for _, data := range s.records[name] {
			if err := encoder.Encode(snapshotRecord{Namespace: name, Data: data}); err != nil {
				sink.Cancel()
				return err
			}
		}
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
