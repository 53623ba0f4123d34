package rpc

import (
	"bytes"

	"github.com/pkg/errors"

	capnp "github.com/tunnelwire/capnp/capnp"
)

// Transport is the external collaborator a Peer is built on: something that
// can accept framed messages to send and hand back framed messages to
// decode (spec §6.2). A Peer never reads or writes a socket directly - it
// calls into Transport, and the I/O layer calls Peer.Deliver with each
// reassembled frame - keeping the state machine synchronous and testable
// without any real network.
type Transport interface {
	// SendMessage frames and delivers msg to the counterpart.
	SendMessage(msg *capnp.Message) error
	// Close releases any resources the transport holds.
	Close() error
}

// PipeEnd is one side of an in-memory Transport pair connecting two Peers
// in the same process, used by the tests. Sends run
// through the real framed encoding, exercising the codec exactly as a
// socket would, and land in the counterpart's inbox; nothing is delivered
// until Pump runs, modeling §5's rule that frames arrive as events between
// operations, never in the middle of one.
type PipeEnd struct {
	peer   *Peer
	other  *PipeEnd
	inbox  []*Envelope
	closed bool
}

// NewPipe returns two connected transport ends; each must be wired to its
// Peer with SetPeer before the first Pump.
func NewPipe() (a, b *PipeEnd) {
	a = &PipeEnd{}
	b = &PipeEnd{}
	a.other = b
	b.other = a
	return a, b
}

// SetPeer attaches the Peer this transport end delivers inbound messages
// into.
func (t *PipeEnd) SetPeer(p *Peer) { t.peer = p }

func (t *PipeEnd) SendMessage(msg *capnp.Message) error {
	if t.closed || t.other.closed {
		return errors.New("rpc: transport closed")
	}
	var buf bytes.Buffer
	if err := capnp.NewEncoder(&buf).Encode(msg); err != nil {
		return errors.Wrap(err, "encoding message for pipe transport")
	}
	decoded, err := capnp.NewDecoder(bytes.NewReader(buf.Bytes())).Decode()
	if err != nil {
		return errors.Wrap(err, "decoding message for pipe transport")
	}
	env, err := ParseEnvelope(decoded)
	if err != nil {
		return errors.Wrap(err, "parsing delivered envelope")
	}
	t.other.inbox = append(t.other.inbox, env)
	return nil
}

func (t *PipeEnd) Close() error {
	t.closed = true
	return nil
}

// Pump delivers queued messages in both directions, repeating until both
// inboxes are quiescent (delivery may enqueue further messages). Returns
// the first delivery error, after draining.
func Pump(a, b *PipeEnd) error {
	var firstErr error
	for len(a.inbox) > 0 || len(b.inbox) > 0 {
		for _, end := range []*PipeEnd{a, b} {
			for len(end.inbox) > 0 {
				env := end.inbox[0]
				end.inbox = end.inbox[1:]
				if end.peer == nil {
					if firstErr == nil {
						firstErr = errors.New("rpc: pipe transport's peer is not wired up")
					}
					continue
				}
				if err := end.peer.Deliver(env); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}
