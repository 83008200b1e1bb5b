package txstore

import (
	"github.com/mirkobrombin/go-txstate/pkg/codec"
	"github.com/mirkobrombin/go-txstate/pkg/record"
	"github.com/mirkobrombin/go-txstate/pkg/tx"
)

// toRecord converts t into its persisted form at version v. Payloads go
// through the codec, so an unregistered entry type fails here.
func toRecord(c *codec.Codec, t *tx.Transaction, v tx.Version) (record.TransactionRecord, error) {
	rec := record.TransactionRecord{
		ID:      uint64(t.ID),
		Status:  uint8(t.Status),
		Version: v.Uint64(),
	}
	if len(t.Operations) == 0 {
		return rec, nil
	}

	rec.Operations = make([]record.OperationRecord, len(t.Operations))
	for i, op := range t.Operations {
		name, data, err := c.Encode(op.Entry)
		if err != nil {
			return record.TransactionRecord{}, err
		}
		rec.Operations[i] = record.OperationRecord{
			ID:              op.ID,
			TransactionID:   uint64(op.TransactionID),
			OperationType:   uint8(op.Type),
			State:           uint8(op.State),
			ExpectedVersion: op.ExpectedVersion,
			EntryType:       name,
			Entry:           data,
		}
	}
	return rec, nil
}

// fromRecord rebuilds the logical transaction. A payload that cannot be
// decoded fails the whole record with a *codec.Error.
func fromRecord(c *codec.Codec, rec record.TransactionRecord) (*tx.Transaction, error) {
	t := &tx.Transaction{
		ID:     tx.ID(rec.ID),
		Status: tx.Status(rec.Status),
	}
	t.SetVersion(tx.VersionOf(rec.Version))
	if len(rec.Operations) == 0 {
		return t, nil
	}

	t.Operations = make([]tx.Operation, len(rec.Operations))
	for i, r := range rec.Operations {
		entry, err := c.Decode(r.EntryType, r.Entry)
		if err != nil {
			return nil, err
		}
		t.Operations[i] = tx.Operation{
			ID:              r.ID,
			TransactionID:   tx.ID(r.TransactionID),
			Type:            tx.OperationType(r.OperationType),
			State:           tx.OperationState(r.State),
			ExpectedVersion: r.ExpectedVersion,
			Entry:           entry,
		}
	}
	return t, nil
}
