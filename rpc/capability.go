package rpc

import (
	capnp "github.com/tunnelwire/capnp/capnp"
)

// Interface is a local capability implementation: a set of methods a peer
// exposes to its counterpart (the bootstrap interface, or any capability
// returned from a call). Call dispatch is synchronous per the single-owner
// peer model (§5): implementations that need to block should queue their own
// work and return once a result is ready, rather than spawning goroutines
// that call back into the Peer.
type Interface interface {
	Call(interfaceID uint64, methodID uint16, params capnp.Struct) (capnp.Struct, error)
}

// localCapability adapts an Interface into a capnp.Client, the handle type
// stored in a message's capability table (§4.7).
type localCapability struct {
	impl  Interface
	label string
}

// NewLocalCapability wraps impl as a capnp.Client labeled for logging.
func NewLocalCapability(impl Interface, label string) capnp.Client {
	return &localCapability{impl: impl, label: label}
}

func (l *localCapability) String() string { return l.label }

// importedCapability is a capnp.Client standing in for a capability the peer
// imported from its counterpart: calls on it are routed back over the wire
// rather than dispatched locally (§3.4, §4.7).
type importedCapability struct {
	peer *Peer
	id   importID
}

func (c *importedCapability) String() string { return "import" }

// exportID and importID are the peer-local, dense integer identifiers for
// exported and imported capabilities (§3.4). Unlike three-party handoff
// keys, these never leave the two-party connection they were allocated on,
// so plain counters are sufficient - no collision-resistant generation
// needed.
type exportID uint32
type importID uint32
type questionID uint32
type answerID uint32
type embargoID uint32

// exportEntry tracks one capability this peer has made available to its
// counterpart, plus how many times it has been sent (senderHosted) without a
// matching Release (§4.8.4's refcounting).
type exportEntry struct {
	client   capnp.Client
	refCount uint32
}

// exportTable is the dense id -> exportEntry map a peer maintains for
// capabilities it has exported to its counterpart.
type exportTable struct {
	entries map[exportID]*exportEntry
	byValue map[capnp.Client]exportID
	nextID  exportID
}

func newExportTable() *exportTable {
	return &exportTable{
		entries: make(map[exportID]*exportEntry),
		byValue: make(map[capnp.Client]exportID),
	}
}

// export returns the export id for client, allocating a fresh one and
// setting refCount to 1 on first export, or bumping refCount on every
// repeat export of the same capability while its entry lives (§4.8.8).
func (t *exportTable) export(client capnp.Client) exportID {
	if id, ok := t.byValue[client]; ok {
		t.entries[id].refCount++
		return id
	}
	id := t.nextID
	t.nextID++
	t.entries[id] = &exportEntry{client: client, refCount: 1}
	t.byValue[client] = id
	return id
}

// release drops count references to id, deleting the entry once its
// refcount reaches zero (Release message handling, §4.8.4).
func (t *exportTable) release(id exportID, count uint32) {
	e, ok := t.entries[id]
	if !ok {
		return
	}
	if count >= e.refCount {
		delete(t.entries, id)
		delete(t.byValue, e.client)
		return
	}
	e.refCount -= count
}

func (t *exportTable) get(id exportID) (capnp.Client, bool) {
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// importTable mirrors exportTable from the other direction: capabilities
// this peer's counterpart has exported to it, addressed by the id the
// counterpart assigned.
type importTable struct {
	entries map[importID]*importEntry
}

type importEntry struct {
	client   capnp.Client
	refCount uint32

	// resolved is set when the counterpart sends a Resolve for this import
	// (it was a senderPromise); calls through the import route to it from
	// then on, after any embargo round trip completes (§4.8.7).
	resolved   capnp.Client
	resolveErr error
	sentCalls  bool

	embargoStarted bool
	embargoID      embargoID
	embargoLifted  bool
}

func newImportTable() *importTable {
	return &importTable{entries: make(map[importID]*importEntry)}
}

// clientFor returns the capnp.Client representing an imported capability,
// creating one (with refCount 1) on first reference.
func (t *importTable) clientFor(peer *Peer, id importID) capnp.Client {
	if e, ok := t.entries[id]; ok {
		e.refCount++
		return e.client
	}
	c := &importedCapability{peer: peer, id: id}
	t.entries[id] = &importEntry{client: c, refCount: 1}
	return c
}

// release drops count references to id, reporting whether the entry was
// removed and, if so, how many references it held in total, so the caller
// can echo the exact amount back in a Release message (§4.8.5). When the
// entry stays, the second value is the count still remaining.
func (t *importTable) release(id importID, count uint32) (removed bool, held uint32) {
	e, ok := t.entries[id]
	if !ok {
		return false, 0
	}
	if count >= e.refCount {
		held = e.refCount
		delete(t.entries, id)
		return true, held
	}
	e.refCount -= count
	return false, e.refCount
}

// descriptorFor fills a CapDescriptor slot describing client as seen by
// this peer's counterpart (§4.8.8's remap table):
//
//   - a capability imported from that same counterpart reflects back as
//     receiverHosted with the counterpart's own id;
//   - an unresolved promise pipelined off a question on this connection
//     becomes receiverAnswer, its transform ops deep-copied into the
//     outgoing message;
//   - a capability imported from a different connection is re-exported
//     here: the counterpart cannot dereference the other connection's ids,
//     so it sees senderHosted and calls route through this peer (the vine
//     fallback for three-party forwarding);
//   - anything locally implemented is exported as senderHosted, or
//     senderPromise when it is itself an unsettled promise.
func (p *Peer) descriptorFor(desc CapDescriptor, client capnp.Client) error {
	if client == nil {
		desc.SetNone()
		return nil
	}
	if ic, ok := client.(*importedCapability); ok && ic.peer == p {
		desc.SetReceiverHosted(uint32(ic.id))
		return nil
	}
	if pc, ok := client.(*pipelineCapability); ok {
		if pc.settled {
			if pc.err != nil || pc.resolved == nil {
				desc.SetNone()
				return nil
			}
			return p.descriptorFor(desc, pc.resolved)
		}
		if pc.peer == p {
			pa, err := desc.NewReceiverAnswer()
			if err != nil {
				return err
			}
			pa.SetQuestionID(uint32(pc.qid))
			return pa.SetTransform(pc.ops)
		}
		desc.SetSenderPromise(uint32(p.exports.export(client)))
		return nil
	}
	if ap, ok := client.(*answerPipeline); ok && !ap.settled {
		desc.SetSenderPromise(uint32(p.exports.export(client)))
		return nil
	}
	desc.SetSenderHosted(uint32(p.exports.export(client)))
	return nil
}

// clientFor resolves an inbound CapDescriptor to a capnp.Client usable
// locally: a senderHosted/senderPromise descriptor names one of the
// counterpart's exports (so it becomes one of our imports); a
// receiverHosted descriptor names one of our own exports handed back to us.
func (p *Peer) clientFor(desc CapDescriptor) (capnp.Client, error) {
	switch desc.Which() {
	case capNone:
		return nil, nil
	case capSenderHosted:
		return p.imports.clientFor(p, importID(desc.SenderHosted())), nil
	case capSenderPromise:
		return p.imports.clientFor(p, importID(desc.SenderPromise())), nil
	case capReceiverHosted:
		c, _ := p.exports.get(exportID(desc.ReceiverHosted()))
		return c, nil
	case capReceiverAnswer:
		pa, err := desc.ReceiverAnswer()
		if err != nil {
			return nil, err
		}
		return p.pipelineClientFor(answerID(pa.QuestionID()), pa)
	case capThirdPartyHosted:
		// Without a live connection to the named third party, fall back to
		// the vine: calls route through the sender, which exported the vine
		// alongside the descriptor (§4.8.8's forwarding policy).
		vine, _, err := desc.ThirdPartyHosted()
		if err != nil {
			return nil, err
		}
		return p.imports.clientFor(p, importID(vine)), nil
	default:
		return nil, nil
	}
}
