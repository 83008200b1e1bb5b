// Package sync gossips the state digest of every namespace over a go-warp
// bus so replicas can notice they diverged.
package sync

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/mirkobrombin/go-foundation/pkg/options"
	"github.com/mirkobrombin/go-warp/v1/syncbus"
)

const keyPrefix = "txstate:root:"

// DigestSource is anything that can summarize its state, such as an
// engine.
type DigestSource interface {
	MerkleRoot() [32]byte
}

// DivergenceFunc is called when a peer reports a different digest.
type DivergenceFunc func(ctx context.Context, namespace string, local, peer [32]byte)

// Manager handles the background synchronization between nodes.
type Manager struct {
	bus          syncbus.Bus
	interval     time.Duration
	logger       *slog.Logger
	onDivergence DivergenceFunc

	mu      gosync.RWMutex
	sources map[string]DigestSource
}

type Option = options.Option[Manager]

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithDivergenceHandler installs fn, called for every diverging peer root.
func WithDivergenceHandler(fn DivergenceFunc) Option {
	return func(m *Manager) {
		m.onDivergence = fn
	}
}

// NewManager creates a new synchronization manager.
func NewManager(bus syncbus.Bus, interval time.Duration, opts ...Option) *Manager {
	m := &Manager{
		bus:      bus,
		interval: interval,
		logger:   slog.Default(),
		sources:  make(map[string]DigestSource),
	}
	options.Apply(m, opts...)
	return m
}

// Register adds a namespace to the gossip.
func (s *Manager) Register(namespace string, src DigestSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[namespace] = src
}

// Start begins the background gossip loop. It returns when ctx is done.
func (s *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.GossipRoots(ctx); err != nil {
				s.logger.Error("sync: failed to gossip roots", "error", err)
			}
		}
	}
}

// GossipRoots broadcasts the local root of every namespace to the mesh.
func (s *Manager) GossipRoots(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	s.mu.RUnlock()
	slices.Sort(names)

	for _, name := range names {
		root, ok := s.root(name)
		if !ok {
			continue
		}
		if err := s.bus.Publish(ctx, RootKey(name, root)); err != nil {
			return fmt.Errorf("sync: publish %q: %w", name, err)
		}
	}
	return nil
}

func (s *Manager) root(namespace string) ([32]byte, bool) {
	s.mu.RLock()
	src, ok := s.sources[namespace]
	s.mu.RUnlock()
	if !ok {
		return [32]byte{}, false
	}
	return src.MerkleRoot(), true
}

// HandleRootEvent is called when a root hash is received from a peer. It
// reports whether the namespace diverged.
func (s *Manager) HandleRootEvent(ctx context.Context, namespace string, peerRoot [32]byte) bool {
	localRoot, ok := s.root(namespace)
	if !ok || localRoot == peerRoot {
		return false
	}

	s.logger.Info("sync: state divergence detected",
		"namespace", namespace,
		"local", hex.EncodeToString(localRoot[:8]),
		"peer", hex.EncodeToString(peerRoot[:8]))
	if s.onDivergence != nil {
		s.onDivergence(ctx, namespace, localRoot, peerRoot)
	}
	return true
}

// HandleKey parses a gossiped key and forwards it to HandleRootEvent.
func (s *Manager) HandleKey(ctx context.Context, key string) (bool, error) {
	namespace, root, err := ParseRootKey(key)
	if err != nil {
		return false, err
	}
	return s.HandleRootEvent(ctx, namespace, root), nil
}

// RootKey is the bus key announcing root for namespace.
func RootKey(namespace string, root [32]byte) string {
	return keyPrefix + namespace + ":" + hex.EncodeToString(root[:])
}

// ParseRootKey is the inverse of RootKey. Namespaces may contain colons.
func ParseRootKey(key string) (string, [32]byte, error) {
	var root [32]byte
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return "", root, fmt.Errorf("sync: not a root key: %q", key)
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", root, fmt.Errorf("sync: malformed root key: %q", key)
	}
	raw, err := hex.DecodeString(rest[i+1:])
	if err != nil || len(raw) != len(root) {
		return "", root, fmt.Errorf("sync: malformed root digest in %q", key)
	}
	copy(root[:], raw)
	return rest[:i], root, nil
}
