package tx

import (
	"fmt"
	"strconv"
)

// ID identifies a transaction. It is assigned once and never reused.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Status is the coordinator-visible state of a transaction.
type Status uint8

const (
	Pending Status = iota
	AbortRequested
	Committed
	Aborted
)

var statusNames = [...]string{
	Pending:        "pending",
	AbortRequested: "abort-requested",
	Committed:      "committed",
	Aborted:        "aborted",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Unresolved reports whether a transaction in this status still needs
// attention after a restart.
func (s Status) Unresolved() bool {
	return s == Pending || s == AbortRequested
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(v string) (Status, error) {
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("tx: unknown status %q", v)
}

// Version is the fencing token of a persisted transaction. It is owned by
// the storage layer: callers can only compare two versions.
type Version struct {
	n uint64
}

// VersionOf is meant for storage implementations rebuilding a Version from
// its persisted form.
func VersionOf(n uint64) Version {
	return Version{n: n}
}

// Next returns the version a successful update moves to.
func (v Version) Next() Version {
	return Version{n: v.n + 1}
}

// Uint64 is the persisted form of the version.
func (v Version) Uint64() uint64 {
	return v.n
}

func (v Version) Equal(other Version) bool {
	return v.n == other.n
}

// IsZero reports whether the transaction was never persisted.
func (v Version) IsZero() bool {
	return v.n == 0
}

func (v Version) String() string {
	return "v" + strconv.FormatUint(v.n, 10)
}

// Transaction is the logical state of a multi-step transaction.
type Transaction struct {
	ID         ID
	Operations []Operation
	Status     Status

	version Version
}

// New returns a pending transaction that was never persisted.
func New(id ID, ops ...Operation) *Transaction {
	t := &Transaction{ID: id, Status: Pending}
	for _, op := range ops {
		t.Append(op)
	}
	return t
}

// Version returns the fencing token observed when t was read or last written.
func (t *Transaction) Version() Version {
	return t.version
}

// SetVersion is called by storage implementations after a read or a
// successful compare-exchange.
func (t *Transaction) SetVersion(v Version) {
	t.version = v
}

// Append adds op at the end of the operation list and binds it to t.
func (t *Transaction) Append(op Operation) {
	op.TransactionID = t.ID
	t.Operations = append(t.Operations, op)
}

// Unresolved reports whether t is pending or has an abort request.
func (t *Transaction) Unresolved() bool {
	return t.Status.Unresolved()
}

// Clone returns a copy that can be mutated and used as a compare-exchange
// candidate while t stays valid as the comparand. Entries are shared.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.Operations != nil {
		c.Operations = make([]Operation, len(t.Operations))
		for i, op := range t.Operations {
			c.Operations[i] = op.clone()
		}
	}
	return &c
}
