// Package merkle summarizes a keyspace as a single digest so replicas can
// detect divergence cheaply.
package merkle

import (
	"crypto/sha256"
	"maps"
	"slices"
)

// Tree holds one leaf hash per key. The root is cached until the next
// mutation.
type Tree struct {
	nodes map[string][32]byte
	root  [32]byte
	dirty bool
}

func New() *Tree {
	return &Tree{
		nodes: make(map[string][32]byte),
	}
}

func (m *Tree) Update(key string, data []byte) {
	m.nodes[key] = sha256.Sum256(data)
	m.dirty = true
}

func (m *Tree) Delete(key string) {
	if _, ok := m.nodes[key]; !ok {
		return
	}
	delete(m.nodes, key)
	m.dirty = true
}

func (m *Tree) Len() int {
	return len(m.nodes)
}

// Root hashes the sorted (key, leaf) pairs. An empty tree has a zero root.
func (m *Tree) Root() [32]byte {
	if !m.dirty {
		return m.root
	}
	m.dirty = false

	if len(m.nodes) == 0 {
		m.root = [32]byte{}
		return m.root
	}

	keys := slices.Collect(maps.Keys(m.nodes))
	slices.Sort(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		hash := m.nodes[k]
		h.Write(hash[:])
	}

	copy(m.root[:], h.Sum(nil))
	return m.root
}
