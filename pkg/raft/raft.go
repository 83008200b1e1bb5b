// Package raft replicates compare-exchange and remove commands through a
// hashicorp/raft cluster. Each node applies the committed log, in order, to
// its local store, so the raft log becomes the linearization point for
// writes across nodes.
package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var (
	ErrNotLeader        = fmt.Errorf("raft: not leader")
	ErrUnknownNamespace = fmt.Errorf("raft: unknown namespace")
	ErrNotStarted       = fmt.Errorf("raft: not started")
)

const (
	LogStoreSlipstream = "slipstream"
	LogStoreBoltDB     = "boltdb"
	LogStoreMemory     = "memory"
)

// Config holds Raft cluster configuration.
type Config struct {
	NodeID string
	// BindAddr is the TCP address of the transport. Empty selects an
	// in-memory transport, for single-process clusters and tests.
	BindAddr string
	// DataDir holds logs and snapshots. Empty keeps both in memory.
	DataDir   string
	Bootstrap bool
	// LogStore is one of LogStoreSlipstream (default), LogStoreBoltDB or
	// LogStoreMemory.
	LogStore     string
	ApplyTimeout time.Duration
	LogLevel     string
	// CompactInterval drives the compactor of the slipstream log store.
	CompactInterval time.Duration

	// Election timings. Zero keeps the hashicorp/raft defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.LogStore == "" {
		c.LogStore = LogStoreSlipstream
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.CompactInterval == 0 {
		c.CompactInterval = time.Minute
	}
}

// Manager handles the strong consistency operations using Raft.
type Manager struct {
	raft      *raft.Raft
	config    Config
	fsm       *fsm
	logger    hclog.Logger
	transport raft.Transport
	logs      io.Closer
	cancel    context.CancelFunc
}

// NewManager prepares a node. Bind every namespace, then call Start.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("raft: node id is required")
	}
	cfg.defaults()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: os.Stderr,
	})

	return &Manager{
		config: cfg,
		fsm:    newFSM(),
		logger: logger,
	}, nil
}

// Start opens the log, snapshot and transport layers and joins the cluster.
func (m *Manager) Start() error {
	if m.raft != nil {
		return nil
	}
	cfg := m.config

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.Logger = m.logger
	if cfg.HeartbeatTimeout > 0 {
		raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
		raftCfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		raftCfg.ElectionTimeout = cfg.ElectionTimeout
	}

	transport, err := m.openTransport()
	if err != nil {
		return err
	}

	snapshots, err := m.openSnapshots()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	logs, stable, closer, err := m.openLogStore(ctx)
	if err != nil {
		cancel()
		return err
	}

	// Instantiate Raft
	r, err := raft.NewRaft(raftCfg, m.fsm, logs, stable, snapshots, transport)
	if err != nil {
		cancel()
		closer.Close()
		return err
	}

	// Bootstrap if required
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		err := r.BootstrapCluster(configuration).Error()
		if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			cancel()
			r.Shutdown()
			closer.Close()
			return err
		}
	}

	m.raft = r
	m.transport = transport
	m.logs = closer
	m.cancel = cancel
	return nil
}

func (m *Manager) openTransport() (raft.Transport, error) {
	if m.config.BindAddr == "" {
		_, transport := raft.NewInmemTransport(raft.ServerAddress(m.config.NodeID))
		return transport, nil
	}
	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return nil, err
	}
	return raft.NewTCPTransportWithLogger(m.config.BindAddr, addr, 3, 10*time.Second, m.logger)
}

func (m *Manager) openSnapshots() (raft.SnapshotStore, error) {
	if m.config.DataDir == "" {
		return raft.NewInmemSnapshotStore(), nil
	}
	if err := os.MkdirAll(m.config.DataDir, 0755); err != nil {
		return nil, err
	}
	return raft.NewFileSnapshotStoreWithLogger(m.config.DataDir, 2, m.logger)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (m *Manager) openLogStore(ctx context.Context) (raft.LogStore, raft.StableStore, io.Closer, error) {
	kind := m.config.LogStore
	if m.config.DataDir == "" {
		kind = LogStoreMemory
	}

	switch kind {
	case LogStoreMemory:
		s := raft.NewInmemStore()
		return s, s, nopCloser{}, nil

	case LogStoreBoltDB:
		s, err := raftboltdb.NewBoltStore(filepath.Join(m.config.DataDir, "raft.db"))
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s, nil

	case LogStoreSlipstream:
		// We use a separate sub-directory for Raft internals
		s, err := NewSlipstreamStore(filepath.Join(m.config.DataDir, "store"))
		if err != nil {
			return nil, nil, nil, err
		}
		s.engine.StartCompactor(ctx, m.config.CompactInterval)
		return s, s, s, nil

	default:
		return nil, nil, nil, fmt.Errorf("raft: unknown log store %q", kind)
	}
}

// propose replicates cmd and returns the result of applying it. When ctx is
// done first it returns ctx.Err() at once, but the command stays in the log
// and may still commit and be applied.
func (m *Manager) propose(ctx context.Context, cmd command) (applyResult, error) {
	if m.raft == nil {
		return applyResult{}, ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return applyResult{}, err
	}
	if m.raft.State() != raft.Leader {
		return applyResult{}, ErrNotLeader
	}

	data, err := encodeCommand(cmd)
	if err != nil {
		return applyResult{}, err
	}

	timeout := m.config.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	// The timeout only bounds enqueueing; the commit itself is waited for below.
	future := m.raft.Apply(data, timeout)
	done := make(chan error, 1)
	go func() { done <- future.Error() }()

	select {
	case <-ctx.Done():
		return applyResult{}, ctx.Err()
	case err := <-done:
		if err != nil {
			if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
				return applyResult{}, fmt.Errorf("%w: %v", ErrNotLeader, err)
			}
			return applyResult{}, err
		}
	}

	// Result from FSM.Apply
	res, ok := future.Response().(applyResult)
	if !ok {
		return applyResult{}, fmt.Errorf("raft: unexpected apply response %T", future.Response())
	}
	return res, res.err
}

// Leader returns true if this node is the current Raft leader.
func (m *Manager) Leader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the transport address of the current leader, if known.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// WaitLeader blocks until this node leads the cluster and has applied every
// committed entry, or ctx is done.
func (m *Manager) WaitLeader(ctx context.Context) error {
	if m.raft == nil {
		return ErrNotStarted
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.Leader() {
			return m.raft.Barrier(m.config.ApplyTimeout).Error()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Snapshot forces a snapshot, which lets raft truncate its log.
func (m *Manager) Snapshot() error {
	if m.raft == nil {
		return ErrNotStarted
	}
	return m.raft.Snapshot().Error()
}

// AddPeer adds a new node to the cluster.
func (m *Manager) AddPeer(id, addr string) error {
	if m.raft == nil {
		return ErrNotStarted
	}
	future := m.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return future.Error()
}

// Transport exposes the transport so in-memory nodes can be connected.
func (m *Manager) Transport() raft.Transport {
	return m.transport
}

// Close gracefully stops the Raft node.
func (m *Manager) Close() error {
	if m.raft == nil {
		return nil
	}
	err := m.raft.Shutdown().Error()
	m.cancel()
	if cerr := m.logs.Close(); err == nil {
		err = cerr
	}
	if c, ok := m.transport.(io.Closer); ok {
		_ = c.Close()
	}
	m.raft = nil
	return err
}
