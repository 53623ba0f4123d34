package rpc

import (
	"github.com/pkg/errors"
)

// ProtocolError marks a violation of the RPC message protocol itself - an
// out-of-range id, a reference to a question/answer/export/import that
// doesn't exist, a malformed union discriminant - distinct from an
// application-level Exception returned from a Call (spec §7).
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return "rpc protocol: " + e.Op + ": " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error  { return e.Err }

func protocolErrorf(op string, err error) error {
	return &ProtocolError{Op: op, Err: errors.WithStack(err)}
}

// CapabilityError marks a failure resolving or invoking a capability: a call
// on a null or unsupported client, a call through an import whose promise
// resolved to an exception, a target or Release naming a capability this
// connection does not hold, or a pipeline naming an unknown question or
// answer.
type CapabilityError struct {
	Op  string
	Err error
}

func (e *CapabilityError) Error() string { return "rpc capability: " + e.Op + ": " + e.Err.Error() }
func (e *CapabilityError) Unwrap() error  { return e.Err }

func capabilityErrorf(op string, err error) error {
	return &CapabilityError{Op: op, Err: errors.WithStack(err)}
}

// ResourceError marks exhaustion of a locally enforced resource limit: the
// outbound queue's count or byte bound (spec §5's backpressure), distinct
// from the wire codec's own traversal/depth/segment limits (capnp.DecodeError).
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string { return "rpc resource: " + e.Op + ": " + e.Err.Error() }
func (e *ResourceError) Unwrap() error  { return e.Err }

func resourceErrorf(op string, err error) error {
	return &ResourceError{Op: op, Err: errors.WithStack(err)}
}

var (
	// ErrUnknownQuestion is returned when a Return/Finish names a
	// questionID this peer never allocated.
	ErrUnknownQuestion = errors.New("unknown question id")
	// ErrUnknownAnswer names an answerID this peer never allocated, or one
	// already finished. An inbound Finish for such an id is logged and
	// ignored; no Peer operation returns this error.
	ErrUnknownAnswer = errors.New("unknown answer id")
	// ErrUnknownExport is returned when a Release names an exportID this
	// peer never allocated, or one already fully released.
	ErrUnknownExport = errors.New("unknown export id")
	// ErrQueueFull is returned by Peer.send when the outbound queue's
	// configured backpressure limit would be exceeded.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrPeerShutdown is returned by any operation attempted after
	// Shutdown has been called.
	ErrPeerShutdown = errors.New("peer is shut down")
)
