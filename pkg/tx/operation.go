package tx

import (
	"fmt"

	"github.com/google/uuid"
)

// OperationType describes the kind of step. It is opaque to storage.
type OperationType uint8

const (
	OpPut OperationType = iota
	OpDelete
	OpCustom
)

func (t OperationType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCustom:
		return "custom"
	}
	return fmt.Sprintf("op(%d)", uint8(t))
}

// OperationState is the progress of a single step. It is opaque to storage.
type OperationState uint8

const (
	StatePending OperationState = iota
	StateApplied
	StateCompensated
)

func (s OperationState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApplied:
		return "applied"
	case StateCompensated:
		return "compensated"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Operation is one step of a transaction.
type Operation struct {
	ID            string
	TransactionID ID
	Type          OperationType
	State         OperationState

	// ExpectedVersion is a precondition checked by the coordinator against
	// the target entity when the operation is applied.
	ExpectedVersion *int64

	// Entry is the payload. Its concrete type must be registered in the
	// codec registry of the store it is written to.
	Entry any
}

// NewOperation returns a pending operation with a random id.
func NewOperation(txID ID, typ OperationType, entry any) Operation {
	return Operation{
		ID:            uuid.NewString(),
		TransactionID: txID,
		Type:          typ,
		State:         StatePending,
		Entry:         entry,
	}
}

// WithExpectedVersion returns a copy of op carrying the precondition v.
func (op Operation) WithExpectedVersion(v int64) Operation {
	op.ExpectedVersion = &v
	return op
}

func (op Operation) clone() Operation {
	if op.ExpectedVersion != nil {
		v := *op.ExpectedVersion
		op.ExpectedVersion = &v
	}
	return op
}
