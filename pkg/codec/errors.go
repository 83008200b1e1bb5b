package codec

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownType  = fmt.Errorf("codec: unknown type")
	ErrCorrupt      = fmt.Errorf("codec: corrupt payload")
	ErrUnsupported  = fmt.Errorf("codec: unsupported value")
	ErrTypeMismatch = fmt.Errorf("codec: type mismatch")
)

// Error is returned by every failing Encode or Decode. It only concerns the
// single payload being processed.
type Error struct {
	Op       string
	TypeName string
	Err      error
}

func (e *Error) Error() string {
	if e.TypeName == "" {
		return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("codec: %s %q: %v", e.Op, e.TypeName, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCodecError reports whether err, or any error it wraps, is an *Error.
func IsCodecError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
