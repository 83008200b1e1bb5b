package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"
	bbolt "go.etcd.io/bbolt"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mirkobrombin/go-txstate/pkg/backend/badger"
	"github.com/mirkobrombin/go-txstate/pkg/backend/bolt"
	"github.com/mirkobrombin/go-txstate/pkg/backend/mongo"
	"github.com/mirkobrombin/go-txstate/pkg/backend/redis"
	"github.com/mirkobrombin/go-txstate/pkg/codec"
	"github.com/mirkobrombin/go-txstate/pkg/config"
	"github.com/mirkobrombin/go-txstate/pkg/raft"
	"github.com/mirkobrombin/go-txstate/pkg/record"
	"github.com/mirkobrombin/go-txstate/pkg/store"
	"github.com/mirkobrombin/go-txstate/pkg/txstore"
)

// backend is an opened pair of stores and what must be closed after use.
type backend struct {
	alloc store.Store[record.AllocatorRecord]
	txs   store.Store[record.TransactionRecord]
	// engines is set for the embedded and raft backends.
	engines *txstore.Engines
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}
	err := b.open(ctx, cfg, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backend) open(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	switch cfg.Backend {
	case config.BackendEngine:
		engines, err := txstore.OpenEngines(cfg.DataDir, logger)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, engines.Close)
		b.engines = engines
		b.alloc, b.txs = engines.Allocator, engines.Transactions

	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return err
		}
		path := filepath.Join(cfg.DataDir, "txstate.db")
		db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return fmt.Errorf("bolt: open %s: %w", path, err)
		}
		b.closers = append(b.closers, db.Close)
		if b.alloc, err = bolt.New(db, record.AllocatorSchema()); err != nil {
			return err
		}
		if b.txs, err = bolt.New(db, record.TransactionSchema()); err != nil {
			return err
		}

	case config.BackendBadger:
		alloc, err := badger.Open(filepath.Join(cfg.DataDir, "badger", "allocator"), record.AllocatorSchema())
		if err != nil {
			return err
		}
		b.closers = append(b.closers, alloc.Close)
		txs, err := badger.Open(filepath.Join(cfg.DataDir, "badger", "transactions"), record.TransactionSchema())
		if err != nil {
			return err
		}
		b.closers = append(b.closers, txs.Close)
		b.alloc, b.txs = alloc, txs

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %s: %w", cfg.Redis.Addr, err)
		}
		var err error
		if b.alloc, err = redis.New(client, record.AllocatorSchema(), redis.WithNamespace(cfg.Redis.Namespace)); err != nil {
			return err
		}
		if b.txs, err = redis.New(client, record.TransactionSchema(), redis.WithNamespace(cfg.Redis.Namespace)); err != nil {
			return err
		}

	case config.BackendMongo:
		client, err := mongodrv.Connect(ctx, mongoopts.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		b.closers = append(b.closers, func() error { return client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			return fmt.Errorf("mongo: %s: %w", cfg.Mongo.URI, err)
		}
		db := client.Database(cfg.Mongo.Database)
		if b.alloc, err = mongo.New(db, record.AllocatorSchema()); err != nil {
			return err
		}
		if b.txs, err = mongo.New(db, record.TransactionSchema()); err != nil {
			return err
		}

	case config.BackendRaft:
		return b.openRaft(ctx, cfg, logger)

	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

// openRaft replicates both stores through one raft group. The local engines
// only hold state derived from the raft log, so they are rebuilt on start.
func (b *backend) openRaft(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	stateDir := filepath.Join(cfg.DataDir, "state")
	if err := os.RemoveAll(stateDir); err != nil {
		return err
	}
	engines, err := txstore.OpenEngines(stateDir, logger)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, engines.Close)
	b.engines = engines

	m, err := raft.NewManager(cfg.RaftNode(filepath.Join(cfg.DataDir, "raft")))
	if err != nil {
		return err
	}
	alloc, err := raft.Bind(m, engines.Allocator, record.AllocatorSchema())
	if err != nil {
		return err
	}
	txs, err := raft.Bind(m, engines.Transactions, record.TransactionSchema())
	if err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	b.closers = append(b.closers, m.Close)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Raft.LeaderWait)
	defer cancel()
	if err := m.WaitLeader(waitCtx); err != nil {
		return fmt.Errorf("raft: no leadership on %s (leader %q): %w", cfg.Raft.NodeID, m.LeaderAddr(), err)
	}
	logger.Info("raft leader", "node", cfg.Raft.NodeID)

	b.alloc, b.txs = alloc, txs
	return nil
}

func newCodec(cfg config.Config) *codec.Codec {
	reg := codec.NewRegistry()
	registerPayloads(reg)
	if cfg.Compression == "s2" {
		return codec.New(reg, codec.WithCompressor(codec.S2()))
	}
	return codec.New(reg)
}
