package rpc

import (
	"time"

	"github.com/pkg/errors"

	capnp "github.com/tunnelwire/capnp/capnp"
)

// pendingQuestion tracks a Call this peer has sent to its counterpart and is
// waiting on a Return for (§4.8.2, §4.8.6). Promise pipelining lets callers
// reference the eventual result - specifically one of its capability fields
// - before the Return arrives; pipelineCapability values queued in waiters
// are resolved in arrival order once it does (§8.1's "Promise replay
// order").
type pendingQuestion struct {
	id       questionID
	resolved bool
	results  capnp.Struct
	err      error
	canceled bool
	waiters  []*pipelineCapability

	ret    ReturnFunc
	retain bool

	// paramExports are the export ids shipped in the call's params,
	// released when the Return carries releaseParamCaps (§4.8.4).
	paramExports []exportID

	// sentAt is the injected-clock timestamp the question was created at,
	// for the call-latency metric; zero when the peer has no clock.
	sentAt time.Time

	// takeWaiters are settle callbacks from other questions whose Return
	// was takeFromOtherQuestion naming this one (§4.8.4).
	takeWaiters []func(Result)

	// Accept questions (three-party handoff, §4.8.9) additionally hold
	// calls made on their result until the provider's
	// Disembargo.context.accept arrives.
	isAccept    bool
	acceptReady bool
	acceptQueue []func()
}

// resolve records the question's outcome and settles every capability that
// was pipelined off of it while it was outstanding, in the order they were
// created.
func (q *pendingQuestion) resolve(results capnp.Struct, err error) {
	q.resolved = true
	q.results = results
	q.err = err
	for _, w := range q.waiters {
		w.settle()
	}
	q.waiters = nil
}

// pipelineCapability is a capnp.Client representing a capability reachable
// through a not-yet-returned answer's results, per a PromisedAnswer
// transform (§3.4, §4.8.6). Until the underlying question resolves, calls
// made through it are sent as promised-answer-target Calls; after it
// resolves, calls route to the resolved capability, subject to the embargo
// protocol when pipelined calls may still be in flight (§4.8.7).
type pipelineCapability struct {
	peer     *Peer
	qid      questionID
	question *pendingQuestion
	ops      []PipelineOp

	settled  bool
	resolved capnp.Client
	err      error

	// sentPipelined is set once at least one call has been sent with this
	// promise as its target; a later direct call on the resolved
	// capability must then wait out a disembargo round trip to preserve
	// e-order (§4.8.7).
	sentPipelined  bool
	embargoStarted bool
	embargoID      embargoID
	embargoLifted  bool
}

func (pc *pipelineCapability) String() string { return "pipeline" }

// Resolved reports whether the underlying question has returned, and if so,
// the capability (possibly nil) or error the transform resolved to.
func (pc *pipelineCapability) Resolved() (done bool, client capnp.Client, err error) {
	return pc.settled, pc.resolved, pc.err
}

func (pc *pipelineCapability) settle() {
	if pc.question.err != nil {
		pc.err = pc.question.err
		pc.settled = true
		return
	}
	pc.resolved, pc.err = resolveTransform(pc.question.results, pc.ops)
	pc.settled = true
}

// PipelineResult returns a client for the capability at the given pointer
// path of question qid's eventual results, for issuing calls before the
// Return arrives (§4.8.6).
func (p *Peer) PipelineResult(qid uint32, ops ...PipelineOp) (capnp.Client, error) {
	q, ok := p.questions[questionID(qid)]
	if !ok {
		return nil, capabilityErrorf("pipeline", ErrUnknownQuestion)
	}
	if q.resolved {
		if q.err != nil {
			return nil, q.err
		}
		return resolveTransform(q.results, ops)
	}
	pc := &pipelineCapability{peer: p, qid: questionID(qid), question: q, ops: ops}
	q.waiters = append(q.waiters, pc)
	return pc, nil
}

// answerPipeline is the callee-side mirror of pipelineCapability: a client
// standing for a capability inside the results of an answer this peer has
// not yet returned. Inbound promised-answer descriptors resolve to one of
// these while the referenced answer is outstanding (§4.8.6).
type answerPipeline struct {
	peer *Peer
	aid  answerID
	ans  *answer
	ops  []PipelineOp

	settled  bool
	resolved capnp.Client
	err      error
}

func (ap *answerPipeline) String() string { return "answer-pipeline" }

func (ap *answerPipeline) settle() {
	if ap.ans.err != nil {
		ap.err = ap.ans.err
		ap.settled = true
		return
	}
	ap.resolved, ap.err = resolveTransform(ap.ans.results, ap.ops)
	ap.settled = true
}

// pipelineClientFor returns the capnp.Client an inbound PromisedAnswer
// (from a receiverAnswer CapDescriptor or a promised-answer Call target)
// names. The question id in an inbound PromisedAnswer is the sender's
// question, which is this peer's answer, so resolution runs against the
// answer table: the already-returned results if available, or an
// answerPipeline that settles once the Return is produced.
func (p *Peer) pipelineClientFor(aid answerID, pa PromisedAnswer) (capnp.Client, error) {
	ans, ok := p.answers[aid]
	if !ok {
		return nil, capabilityErrorf("promised answer", errors.Errorf("unknown answer %d", aid))
	}
	ops, err := pa.Transform()
	if err != nil {
		return nil, err
	}
	if ans.returned {
		if ans.err != nil {
			return nil, ans.err
		}
		return resolveTransform(ans.results, ops)
	}
	ap := &answerPipeline{peer: p, aid: aid, ans: ans, ops: ops}
	ans.waiters = append(ans.waiters, ap)
	return ap, nil
}

// resolveTransform walks a PromisedAnswer's transform ops against an
// already-resolved results struct and reads the capability the chain names.
// Every op but the last must name a struct (optionally via an intervening
// get_list_element step into a list-of-structs); the last op names the
// capability field itself (spec §3.4's get_pointer_field/get_list_element
// pair).
func resolveTransform(root capnp.Struct, ops []PipelineOp) (capnp.Client, error) {
	cur := root
	for i := 0; i < len(ops); i++ {
		op := ops[i]
		if op.IsListElement() {
			return nil, errors.Errorf("rpc: get_list_element must follow a get_pointer_field naming its list")
		}
		if i == len(ops)-1 {
			return cur.PtrCapability(uint16(op.Index))
		}
		if i+1 < len(ops) && ops[i+1].IsListElement() {
			l, err := cur.PtrList(uint16(op.Index))
			if err != nil {
				return nil, err
			}
			elem, err := l.StructAt(int(ops[i+1].Index))
			if err != nil {
				return nil, err
			}
			cur = elem
			i++
			continue
		}
		next, err := cur.PtrStruct(uint16(op.Index))
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return nil, errors.Errorf("rpc: empty transform does not name a capability")
}
