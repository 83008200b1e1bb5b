// Package record holds the persisted shapes of transaction state and their
// store schemas.
package record

import (
	"fmt"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/mirkobrombin/go-txstate/pkg/store"
)

// AllocatorKey is the fixed identity of the id allocator record.
const AllocatorKey = "allocator"

// StatusIndex is the secondary index on TransactionRecord.Status.
const StatusIndex = "status"

// AllocatorRecord holds the last issued transaction id.
type AllocatorRecord struct {
	LastID uint64 `codec:"last_id"`
}

// OperationRecord is the persisted form of one transaction step. Entry is a
// codec frame of the payload and EntryType its registered type name.
type OperationRecord struct {
	ID              string `codec:"id"`
	TransactionID   uint64 `codec:"tx_id"`
	OperationType   uint8  `codec:"type"`
	State           uint8  `codec:"state"`
	ExpectedVersion *int64 `codec:"expected_version,omitempty"`
	EntryType       string `codec:"entry_type,omitempty"`
	Entry           []byte `codec:"entry,omitempty"`
}

// TransactionRecord is the persisted form of a transaction. Version is the
// fencing token compared by CompareExchange.
type TransactionRecord struct {
	ID         uint64            `codec:"id"`
	Operations []OperationRecord `codec:"ops"`
	Status     uint8             `codec:"status"`
	Version    uint64            `codec:"version"`
}

// Key returns the store key of the transaction with the given id. Keys sort
// in id order in ordered backends.
func Key(id uint64) string {
	return fmt.Sprintf("%016x", id)
}

var handle = &msgpack.MsgpackHandle{}

func encode[T any](v T) ([]byte, error) {
	var out []byte
	if err := msgpack.NewEncoderBytes(&out, handle).Encode(v); err != nil {
		return nil, fmt.Errorf("record: encode: %w", err)
	}
	return out, nil
}

func decode[T any](b []byte) (T, error) {
	var v T
	if err := msgpack.NewDecoderBytes(b, handle).Decode(&v); err != nil {
		return v, fmt.Errorf("record: decode: %w", err)
	}
	return v, nil
}

// AllocatorSchema fences on LastID: a writer only wins if no id was issued
// since it read the allocator.
func AllocatorSchema() store.Schema[AllocatorRecord] {
	return store.Schema[AllocatorRecord]{
		Name:   "allocator",
		Key:    func(AllocatorRecord) string { return AllocatorKey },
		Encode: encode[AllocatorRecord],
		Decode: decode[AllocatorRecord],
		Equal: func(current, comparand AllocatorRecord) bool {
			return current.LastID == comparand.LastID
		},
	}
}

// TransactionSchema fences on Version and indexes Status.
func TransactionSchema() store.Schema[TransactionRecord] {
	return store.Schema[TransactionRecord]{
		Name:   "transactions",
		Key:    func(r TransactionRecord) string { return Key(r.ID) },
		Encode: encode[TransactionRecord],
		Decode: decode[TransactionRecord],
		Equal: func(current, comparand TransactionRecord) bool {
			return current.Version == comparand.Version
		},
		Indexes: map[string]func(TransactionRecord) string{
			StatusIndex: func(r TransactionRecord) string { return StatusValue(r.Status) },
		},
	}
}

// StatusValue is the index value of a status.
func StatusValue(status uint8) string {
	return fmt.Sprintf("%d", status)
}
