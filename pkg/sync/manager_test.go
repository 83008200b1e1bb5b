package sync

import (
	"context"
	"testing"

	"github.com/mirkobrombin/go-warp/v1/syncbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRoot [32]byte

func (f fixedRoot) MerkleRoot() [32]byte { return f }

func TestRootKeyRoundTrip(t *testing.T) {
	root := [32]byte{1, 2, 3}
	ns, got, err := ParseRootKey(RootKey("tenant:a", root))
	require.NoError(t, err)
	assert.Equal(t, "tenant:a", ns)
	assert.Equal(t, root, got)

	for _, bad := range []string{"other:x", "txstate:root:ns:zz", "txstate:root:nocolon", "txstate:root:ns:0102"} {
		_, _, err := ParseRootKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestHandleRootEvent(t *testing.T) {
	var diverged []string
	m := NewManager(nil, 0, WithDivergenceHandler(func(_ context.Context, ns string, _, _ [32]byte) {
		diverged = append(diverged, ns)
	}))
	m.Register("transactions", fixedRoot{9})
	ctx := context.Background()

	assert.False(t, m.HandleRootEvent(ctx, "transactions", [32]byte{9}))
	assert.True(t, m.HandleRootEvent(ctx, "transactions", [32]byte{8}))
	assert.False(t, m.HandleRootEvent(ctx, "unknown", [32]byte{8}))

	ok, err := m.HandleKey(ctx, RootKey("transactions", [32]byte{7}))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"transactions", "transactions"}, diverged)
}

func TestGossipRoots(t *testing.T) {
	m := NewManager(syncbus.NewInMemoryBus(), 0)
	m.Register("allocator", fixedRoot{1})
	m.Register("transactions", fixedRoot{2})
	require.NoError(t, m.GossipRoots(context.Background()))

	// A manager without a bus is a no-op.
	require.NoError(t, NewManager(nil, 0).GossipRoots(context.Background()))
}
