package capnp

import "github.com/pkg/errors"

// Decode errors returned by the segment store and pointer codec (§4.1).
var (
	ErrInvalidPointer              = errors.New("capnp: invalid pointer")
	ErrOutOfBounds                 = errors.New("capnp: address out of bounds")
	ErrTruncatedMessage             = errors.New("capnp: truncated message")
	ErrInvalidFarPointer            = errors.New("capnp: invalid far pointer")
	ErrInvalidInlineCompositePointer = errors.New("capnp: invalid inline composite pointer")
	ErrPointerDepthLimit            = errors.New("capnp: pointer chain exceeds depth limit")
	ErrListTooLarge                 = errors.New("capnp: list element count exceeds segment capacity")
	ErrTraversalLimitExceeded       = errors.New("capnp: traversal word budget exceeded")
	ErrNestingLimitExceeded         = errors.New("capnp: nesting depth limit exceeded")
	ErrSegmentLimitExceeded         = errors.New("capnp: segment count exceeds configured limit")
	ErrInvalidUTF8                  = errors.New("capnp: text is not valid UTF-8")
	ErrRootReallocated              = errors.New("capnp: root already allocated in a different segment")
)

// DecodeError wraps a decode-class failure (§7) with positional context.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrorf(op string, err error) error {
	return &DecodeError{Op: op, Err: err}
}
