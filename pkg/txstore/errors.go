package txstore

import "fmt"

var (
	// ErrContentionExceeded is returned when a retry loop gave up after
	// RetryPolicy.MaxAttempts lost compare-exchanges.
	ErrContentionExceeded = fmt.Errorf("txstore: contention exceeded")
	ErrNotFound           = fmt.Errorf("txstore: transaction not found")
	// ErrUnresolved is returned by Resolve for a transaction that is still
	// pending or has an abort request.
	ErrUnresolved = fmt.Errorf("txstore: transaction is unresolved")
	// ErrExhausted is returned by GetUniqueID once the id space is used up.
	ErrExhausted = fmt.Errorf("txstore: transaction ids exhausted")
)

// ArgumentError reports a required input that was not supplied or cannot be
// used. It is never retried.
type ArgumentError struct {
	Arg    string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("txstore: invalid argument %s: %s", e.Arg, e.Reason)
}

func argError(arg, reason string) error {
	return &ArgumentError{Arg: arg, Reason: reason}
}
