package txstore

import (
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/mirkobrombin/go-foundation/pkg/options"

	"github.com/mirkobrombin/go-txstate/pkg/codec"
	"github.com/mirkobrombin/go-txstate/pkg/engine"
	"github.com/mirkobrombin/go-txstate/pkg/record"
)

// Engines are the embedded stores behind OpenEngine, one WAL directory each.
type Engines struct {
	Allocator    *engine.Engine[record.AllocatorRecord]
	Transactions *engine.Engine[record.TransactionRecord]
}

// OpenEngines opens or creates dir/allocator and dir/transactions.
func OpenEngines(dir string, logger *slog.Logger) (*Engines, error) {
	if logger == nil {
		logger = slog.Default()
	}

	alloc, err := engine.Open(filepath.Join(dir, "allocator"), record.AllocatorSchema(),
		engine.WithLogger[record.AllocatorRecord](logger),
		engine.WithCacheSize[record.AllocatorRecord](16),
		engine.WithBloomFilter[record.AllocatorRecord](64, 1),
	)
	if err != nil {
		return nil, err
	}

	txs, err := engine.Open(filepath.Join(dir, "transactions"), record.TransactionSchema(),
		engine.WithLogger[record.TransactionRecord](logger),
		engine.WithDeduplication[record.TransactionRecord](true),
	)
	if err != nil {
		alloc.Close()
		return nil, err
	}

	return &Engines{Allocator: alloc, Transactions: txs}, nil
}

// Compact compacts both engines.
func (e *Engines) Compact() error {
	return errors.Join(e.Allocator.Compact(), e.Transactions.Compact())
}

func (e *Engines) Close() error {
	return errors.Join(e.Allocator.Close(), e.Transactions.Close())
}

// OpenEngine builds a Store persisted in dir by two embedded engines. Close
// the Store to release them.
func OpenEngine(dir string, c *codec.Codec, opts ...Option) (*Store, error) {
	cfg := &Store{logger: slog.Default()}
	options.Apply(cfg, opts...)

	engines, err := OpenEngines(dir, cfg.logger)
	if err != nil {
		return nil, err
	}

	s, err := New(engines.Allocator, engines.Transactions, c, opts...)
	if err != nil {
		engines.Close()
		return nil, err
	}
	s.closers = append(s.closers, engines)
	return s, nil
}
