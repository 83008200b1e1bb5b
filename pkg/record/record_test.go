package record

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionSchema(t *testing.T) {
	s := TransactionSchema()
	require.NoError(t, s.Validate())

	ev := int64(12)
	in := TransactionRecord{
		ID:      42,
		Status:  1,
		Version: 3,
		Operations: []OperationRecord{{
			ID:              "op-1",
			TransactionID:   42,
			OperationType:   2,
			State:           1,
			ExpectedVersion: &ev,
			EntryType:       "orders.Reserve",
			Entry:           []byte{1, 2, 3},
		}},
	}

	b, err := s.Encode(in)
	require.NoError(t, err)
	out, err := s.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	assert.Equal(t, Key(42), s.Key(in))
	assert.True(t, s.Equal(in, TransactionRecord{ID: 42, Version: 3}))
	assert.False(t, s.Equal(in, TransactionRecord{ID: 42, Version: 2}))
	assert.Equal(t, "1", s.Indexes[StatusIndex](in))

	_, err = s.Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestAllocatorSchema(t *testing.T) {
	s := AllocatorSchema()
	require.NoError(t, s.Validate())
	assert.Equal(t, AllocatorKey, s.Key(AllocatorRecord{LastID: 9}))
	assert.True(t, s.Equal(AllocatorRecord{LastID: 9}, AllocatorRecord{LastID: 9}))
	assert.False(t, s.Equal(AllocatorRecord{LastID: 10}, AllocatorRecord{LastID: 9}))
}

func TestKeyOrdering(t *testing.T) {
	ids := []uint64{300, 2, 1 << 40, 17}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Key(id)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{Key(2), Key(17), Key(300), Key(1 << 40)}, keys)
}
