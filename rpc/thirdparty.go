package rpc

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	capnp "github.com/tunnelwire/capnp/capnp"
)

// Three-party handoff (spec §4.8.9) lets peer A introduce a capability it
// holds to peer X, without X routing every call back through A. Provision,
// completion, and join keys correlate messages across the three
// independently-connected peers, so - unlike the peer-local export/import/
// question/answer ids - they need to be collision-resistant rather than
// merely dense; uuid.NewString is used the way it is everywhere else in the
// example stack that needs a cross-process correlation id.

// NewProvisionKey mints a key for a Provide/Accept pair.
func NewProvisionKey() string { return uuid.NewString() }

// NewCompletionKey mints a key for a sendResultsTo.thirdParty /
// ThirdPartyAnswer pair.
func NewCompletionKey() string { return uuid.NewString() }

// providedCapability is one capability this peer has vouched to a
// recipient via Provide, waiting for that recipient to Accept it on its own
// connection to the third party.
type providedCapability struct {
	client       capnp.Client
	recipientKey string
}

// joinPart is one pending Join answer: the connection it arrived on and the
// answer id its Return must carry.
type joinPart struct {
	peer *Peer
	aid  answerID
}

// joinState accumulates the parts of a multi-path Join before the joined
// capability can be considered the same object across every path (§4.8.9's
// "Join" operation).
type joinState struct {
	partCount uint16
	keyParts  map[uint16]string
	pending   []joinPart
}

// HandoffRegistry is the three-party bookkeeping shared by every Peer of
// one vat: a Provide recorded on the connection to A must be visible to the
// Accept arriving on the connection to X, and a completion key registered
// while handling one connection's Return.awaitFromThirdParty is fulfilled
// by a ThirdPartyAnswer on another. Two-party peers may each own a private
// registry; peers of the same vat should share one.
type HandoffRegistry struct {
	provided    map[string]*providedCapability // keyed by provision key
	joins       map[uint32]*joinState          // keyed by the Join message's joinID field
	completions map[string]func(Result)        // completion key -> settle callback
	redirected  map[string]Result              // results that arrived before their awaiter
}

// NewHandoffRegistry returns an empty registry.
func NewHandoffRegistry() *HandoffRegistry {
	return &HandoffRegistry{
		provided:    make(map[string]*providedCapability),
		joins:       make(map[uint32]*joinState),
		completions: make(map[string]func(Result)),
		redirected:  make(map[string]Result),
	}
}

// record stores a provision, failing on a duplicate key: a repeated
// (recipient, question) pair is a protocol violation that aborts the
// connection (§4.8.9 step 2).
func (r *HandoffRegistry) record(key string, client capnp.Client) error {
	if _, ok := r.provided[key]; ok {
		return protocolErrorf("provide", errors.Errorf("duplicate provision key"))
	}
	r.provided[key] = &providedCapability{client: client, recipientKey: key}
	return nil
}

// claim consumes a provision by key, as an Accept does.
func (r *HandoffRegistry) claim(key string) (capnp.Client, bool) {
	p, ok := r.provided[key]
	if !ok {
		return nil, false
	}
	delete(r.provided, key)
	return p.client, true
}

// drop clears a provision without delivering it (Finish from the provider,
// §4.8.9 step 5).
func (r *HandoffRegistry) drop(key string) {
	delete(r.provided, key)
}

// await registers settle to run when the result identified by key arrives,
// delivering immediately if it is already here.
func (r *HandoffRegistry) await(key string, settle func(Result)) {
	if res, ok := r.redirected[key]; ok {
		delete(r.redirected, key)
		settle(res)
		return
	}
	r.completions[key] = settle
}

// fulfill delivers the result identified by key to its awaiter, or stashes
// it until one registers.
func (r *HandoffRegistry) fulfill(key string, res Result) {
	if settle, ok := r.completions[key]; ok {
		delete(r.completions, key)
		settle(res)
		return
	}
	r.redirected[key] = res
}

// SendProvide asks the counterpart, which hosts target, to make that
// capability available for whoever presents recipient as a provision key on
// the counterpart's own connection to them (§4.8.9 steps 1-2). The question
// is retained: no Finish is sent when ret runs, so the provision lives until
// the caller calls Finish on the returned question id.
func (p *Peer) SendProvide(target capnp.Client, recipient string, ret ReturnFunc) (uint32, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	qid, q := p.allocQuestion(ret)
	q.retain = true
	env, err := NewEnvelope(TagProvide)
	if err != nil {
		return 0, err
	}
	msg, err := env.NewProvide()
	if err != nil {
		return 0, err
	}
	msg.SetQuestionID(uint32(qid))
	tgt, err := msg.NewTarget()
	if err != nil {
		return 0, err
	}
	if err := p.fillTarget(tgt, target); err != nil {
		return 0, err
	}
	if err := msg.SetRecipient(recipient); err != nil {
		return 0, err
	}
	if err := p.send(env); err != nil {
		return 0, err
	}
	return uint32(qid), nil
}

// SendAccept claims a capability previously provided under provisionKey on
// this connection's counterpart (§4.8.9 step 4). The returned client is a
// promise for the accepted capability; calls pipelined on it before the
// provider's Disembargo.context.accept arrives are held in the
// embargoed-accept queue and released in order (§4.8.7).
func (p *Peer) SendAccept(provisionKey string, ret ReturnFunc) (uint32, capnp.Client, error) {
	if err := p.checkOpen(); err != nil {
		return 0, nil, err
	}
	qid, q := p.allocQuestion(ret)
	q.isAccept = true
	env, err := NewEnvelope(TagAccept)
	if err != nil {
		return 0, nil, err
	}
	msg, err := env.NewAccept()
	if err != nil {
		return 0, nil, err
	}
	msg.SetQuestionID(uint32(qid))
	msg.SetEmbargo(true)
	if err := msg.SetProvisionKey(provisionKey); err != nil {
		return 0, nil, err
	}
	if err := p.send(env); err != nil {
		return 0, nil, err
	}
	client, err := p.PipelineResult(uint32(qid), GetPointerField(0))
	if err != nil {
		return 0, nil, err
	}
	return uint32(qid), client, nil
}

// SendJoin transmits one part of a multi-path join (§4.8.9). All parts
// carrying the same joinID must agree on partCount; the counterpart defers
// its Return until every part has arrived.
func (p *Peer) SendJoin(target capnp.Client, joinID uint32, partCount, partNum uint16, keyPart string, ret ReturnFunc) (uint32, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	qid, _ := p.allocQuestion(ret)
	env, err := NewEnvelope(TagJoin)
	if err != nil {
		return 0, err
	}
	msg, err := env.NewJoin()
	if err != nil {
		return 0, err
	}
	msg.SetJoinID(joinID)
	msg.SetPartCount(partCount)
	msg.SetPartNum(partNum)
	tgt, err := msg.NewTarget()
	if err != nil {
		return 0, err
	}
	if err := p.fillTarget(tgt, target); err != nil {
		return 0, err
	}
	if err := msg.SetKeyPart(keyPart); err != nil {
		return 0, err
	}
	if err := p.send(env); err != nil {
		return 0, err
	}
	return uint32(qid), nil
}

// handleProvide processes an inbound Provide: record the provision so a
// later Accept bearing the same key (possibly on a sibling connection
// sharing this registry) can claim it. A duplicate key is a protocol
// violation that aborts the connection.
func (p *Peer) handleProvide(msg Provide, aid answerID) error {
	target, err := msg.Target()
	if err != nil {
		return err
	}
	client, err := p.clientForTarget(target)
	if err != nil {
		return err
	}
	recipient, err := msg.Recipient()
	if err != nil {
		return err
	}
	if err := p.handoff.record(recipient, client); err != nil {
		return err
	}
	ans := p.answers[aid]
	ans.provisionKey = recipient
	// The provide question returns immediately; the provision itself lives
	// until the provider's Finish clears it (§4.8.9 step 5).
	return p.returnResults(ans, func(results Payload) error {
		_, err := results.NewContentStruct(0, 0)
		return err
	})
}

// handleAcceptMessage resolves an inbound Accept against a previously
// recorded provision and returns the capability, following up with a
// Disembargo.context.accept so the acceptor may release calls it queued
// against the accept-answer (§4.8.9 step 5, §4.8.7).
func (p *Peer) handleAcceptMessage(msg Accept, aid answerID) error {
	ans := p.answers[aid]
	key, err := msg.ProvisionKey()
	if err != nil {
		return err
	}
	client, ok := p.handoff.claim(key)
	if !ok {
		return p.returnException(ans, errors.Errorf("accept for unknown provision key"))
	}
	err = p.returnResults(ans, func(results Payload) error {
		content, err := results.NewContentStruct(0, 1)
		if err != nil {
			return err
		}
		return content.SetPtrCapability(0, client)
	})
	if err != nil {
		return err
	}
	if !msg.Embargo() {
		return nil
	}
	env, err := NewEnvelope(TagDisembargo)
	if err != nil {
		return err
	}
	d, err := env.NewDisembargo()
	if err != nil {
		return err
	}
	d.SetAccept(msg.QuestionID())
	return p.send(env)
}

// handleJoinMessage accumulates one part of a multi-path Join, sending a
// Return to every part's answer once all parts have arrived, or aborting
// the join with an exception on a part-count mismatch (§4.8.9).
func (p *Peer) handleJoinMessage(msg Join, aid answerID) error {
	id := msg.JoinID()
	st, ok := p.handoff.joins[id]
	if !ok {
		st = &joinState{partCount: msg.PartCount(), keyParts: make(map[uint16]string)}
		p.handoff.joins[id] = st
	}
	if st.partCount != msg.PartCount() {
		delete(p.handoff.joins, id)
		err := errors.Errorf("join %d part count mismatch: %d != %d", id, msg.PartCount(), st.partCount)
		for _, part := range st.pending {
			if partAns := part.peer.answers[part.aid]; partAns != nil {
				_ = part.peer.returnException(partAns, err)
			}
		}
		return p.returnException(p.answers[aid], err)
	}
	keyPart, err := msg.KeyPart()
	if err != nil {
		return err
	}
	st.keyParts[msg.PartNum()] = keyPart
	st.pending = append(st.pending, joinPart{peer: p, aid: aid})
	if uint16(len(st.keyParts)) < st.partCount {
		return nil
	}
	delete(p.handoff.joins, id)
	target, err := msg.Target()
	if err != nil {
		return err
	}
	client, err := p.clientForTarget(target)
	if err != nil {
		return err
	}
	for _, part := range st.pending {
		ans := part.peer.answers[part.aid]
		if ans == nil {
			continue
		}
		err := part.peer.returnResults(ans, func(results Payload) error {
			content, err := results.NewContentStruct(0, 1)
			if err != nil {
				return err
			}
			return content.SetPtrCapability(0, client)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// clearJoinParts drops partial join state whose parts were finished before
// completion (§4.8.9: on Finish, clear partial join state).
func (p *Peer) clearJoinParts(aid answerID) {
	for id, st := range p.handoff.joins {
		kept := st.pending[:0]
		for _, part := range st.pending {
			if part.peer != p || part.aid != aid {
				kept = append(kept, part)
			}
		}
		st.pending = kept
		if len(st.pending) == 0 {
			delete(p.handoff.joins, id)
		}
	}
}

// handleThirdPartyAnswer records that an answer on this connection is the
// adopted completion of a question originally asked elsewhere (§4.8.9's
// ThirdPartyAnswer): when the Return for answerID arrives here, its outcome
// is delivered through the registry to whoever registered completionKey via
// Return.awaitFromThirdParty.
func (p *Peer) handleThirdPartyAnswer(msg ThirdPartyAnswer) error {
	key, err := msg.CompletionKey()
	if err != nil {
		return err
	}
	p.adopted[answerID(msg.AnswerID())] = key
	return nil
}
