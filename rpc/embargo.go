package rpc

import (
	"github.com/pkg/errors"
)

// embargo holds calls this peer has deferred against a capability whose
// promise just resolved back to a target this peer could otherwise reach
// more directly, until the senderLoopback Disembargo this peer emitted
// makes the full round trip and comes back as a receiverLoopback,
// confirming every pipelined call sent before the embargo was installed has
// already been processed (§4.8.7).
type embargo struct {
	queue []func()
}

// embargoTable is the peer-local id -> embargo map; ids are plain dense
// counters like export/import/question/answer ids, since disembargo context
// never crosses to a third party.
type embargoTable struct {
	entries map[embargoID]*embargo
	nextID  embargoID
}

func newEmbargoTable() *embargoTable {
	return &embargoTable{entries: make(map[embargoID]*embargo)}
}

// begin installs a new embargo and returns its id, to be sent out in a
// senderLoopback Disembargo along the path being embargoed.
func (t *embargoTable) begin() embargoID {
	id := t.nextID
	t.nextID++
	t.entries[id] = &embargo{}
	return id
}

// enqueue defers fn until the embargo with id is lifted. Calling enqueue on
// an unknown id runs fn immediately, since that means no embargo is (or is
// no longer) in effect.
func (t *embargoTable) enqueue(id embargoID, fn func()) {
	e, ok := t.entries[id]
	if !ok {
		fn()
		return
	}
	e.queue = append(e.queue, fn)
}

// lift runs every call queued against id, in the order they were deferred,
// and removes the embargo.
func (t *embargoTable) lift(id embargoID) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	delete(t.entries, id)
	for _, fn := range e.queue {
		fn()
	}
}

// handleDisembargo dispatches an inbound Disembargo message (§4.8.7).
//
// senderLoopback is a request from the counterpart: it just resolved a
// promise this peer had been pipelining calls through and needs
// confirmation that every such call has been processed before it starts
// sending directly. Because this peer is single-owner and synchronous,
// every call delivered before this message has already been dispatched by
// the time handleDisembargo runs, so the echo can go straight back as a
// receiverLoopback with the same id.
//
// receiverLoopback is that echo coming back for an embargo this peer
// itself began: the queued direct calls can now be released, in the order
// they were deferred.
//
// The accept and provide contexts belong to three-party handoff (§4.8.9):
// context.accept from the provider releases calls this peer queued against
// an Accept's answer; context.provide is the symmetric signal on the
// provider side and is accepted and ignored here, with no local queue.
func (p *Peer) handleDisembargo(d Disembargo) error {
	switch d.Context() {
	case disembargoSenderLoopback:
		target, err := d.Target()
		if err != nil {
			return err
		}
		return p.echoDisembargo(target, embargoID(d.EmbargoID()))
	case disembargoReceiverLoopback:
		p.embargoes.lift(embargoID(d.EmbargoID()))
		return nil
	case disembargoAccept:
		p.releaseAcceptEmbargo(questionID(d.EmbargoID()))
		return nil
	case disembargoProvide:
		return nil
	default:
		return errors.Errorf("rpc: unsupported disembargo context %d", d.Context())
	}
}

// echoDisembargo sends a receiverLoopback Disembargo with the same id back
// to the counterpart, addressed at target, completing a senderLoopback
// request.
func (p *Peer) echoDisembargo(target MessageTarget, id embargoID) error {
	env, err := NewEnvelope(TagDisembargo)
	if err != nil {
		return err
	}
	d, err := env.NewDisembargo()
	if err != nil {
		return err
	}
	d.SetReceiverLoopback(uint32(id))
	out, err := d.NewTarget()
	if err != nil {
		return err
	}
	if err := copyTarget(out, target); err != nil {
		return err
	}
	return p.send(env)
}

// copyTarget clones a MessageTarget from one message into another.
func copyTarget(dst, src MessageTarget) error {
	if !src.IsValid() || src.IsImportedCap() {
		if src.IsValid() {
			dst.SetImportedCap(src.ImportedCap())
		}
		return nil
	}
	pa, err := src.PromisedAnswer()
	if err != nil {
		return err
	}
	newPA, err := dst.NewPromisedAnswer()
	if err != nil {
		return err
	}
	newPA.SetQuestionID(pa.QuestionID())
	ops, err := pa.Transform()
	if err != nil {
		return err
	}
	return newPA.SetTransform(ops)
}
