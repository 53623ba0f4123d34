package rpc

import (
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	capnp "github.com/tunnelwire/capnp/capnp"
	"github.com/tunnelwire/capnp/config"
)

// Result is the outcome of a question, delivered to its return callback
// (§4.8.4): exactly one of Results, Err, or Canceled is meaningful.
type Result struct {
	Results  capnp.Struct
	Err      error
	Canceled bool
}

// ReturnFunc receives a question's outcome once its Return arrives.
type ReturnFunc func(Result)

// BuildFunc populates an outbound call's params payload before it is sent.
type BuildFunc func(params Payload) error

// answer tracks one inbound call this peer is fulfilling (§3.4): created on
// receipt of a Call (or Bootstrap/Accept/Provide/Join), destroyed once both
// the Return has been emitted and the caller's Finish received.
type answer struct {
	id    answerID
	route sendResultsToKind

	returned bool
	results  capnp.Struct
	err      error

	// queue holds calls pipelined against this answer before its Return;
	// replayed in insertion order on resolution (§4.8.6, §8.1).
	queue   []func()
	waiters []*answerPipeline

	// resultExports are the export ids shipped in the Return's payload,
	// released when the caller's Finish carries releaseResultCaps (§4.8.5).
	resultExports []exportID

	// provisionKey is set on Provide answers; the provision is dropped
	// when the provider finishes the question (§4.8.9).
	provisionKey string

	// completionKey is set when the call asked for its results to go to a
	// third party (§4.8.3's send_results_to).
	completionKey string
}

// Peer is the RPC connection state machine (§4.8): a single-owner actor
// that consumes inbound messages via Deliver, produces outbound ones
// through its Transport, and drives application callbacks synchronously.
// All methods must be invoked from one owner; the Peer does no locking of
// its own (§5).
type Peer struct {
	transport Transport
	log       *zerolog.Logger
	metrics   *PeerMetrics
	queue     *outboundQueue
	now       func() time.Time

	bootstrap capnp.Client

	questions    map[questionID]*pendingQuestion
	nextQuestion questionID
	answers      map[answerID]*answer
	exports      *exportTable
	imports      *importTable
	embargoes    *embargoTable
	handoff      *HandoffRegistry

	// adopted maps answer ids announced by a ThirdPartyAnswer to the
	// completion key their Return settles (§4.8.9).
	adopted map[answerID]string

	outboundCount uint64
	outboundBytes uint64

	shuttingDown bool
	closed       bool
	onShutdown   func()
}

// PeerOptions carries the optional collaborators a Peer is built with.
type PeerOptions struct {
	// Logger receives a debug line per inbound message and warnings for
	// tolerated protocol anomalies. Nil disables logging.
	Logger *zerolog.Logger
	// Metrics, when set, is updated with table sizes after every Deliver.
	Metrics *PeerMetrics
	// Limits bounds the outbound queue (§5's backpressure); the zero
	// value is unlimited.
	Limits config.OutboundQueueLimits
	// Handoff is the three-party registry; peers belonging to the same
	// vat should share one so provisions and completion keys recorded on
	// one connection are visible on the others (§4.8.9).
	Handoff *HandoffRegistry
	// Now supplies timestamps for the call-latency metric; the peer never
	// reads an ambient clock itself. Nil disables latency observation.
	Now func() time.Time
}

// NewPeer builds a Peer speaking over transport.
func NewPeer(transport Transport, opts *PeerOptions) *Peer {
	if opts == nil {
		opts = &PeerOptions{}
	}
	handoff := opts.Handoff
	if handoff == nil {
		handoff = NewHandoffRegistry()
	}
	return &Peer{
		transport: transport,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		queue:     newOutboundQueue(opts.Limits),
		now:       opts.Now,
		questions: make(map[questionID]*pendingQuestion),
		answers:   make(map[answerID]*answer),
		exports:   newExportTable(),
		imports:   newImportTable(),
		embargoes: newEmbargoTable(),
		handoff:   handoff,
		adopted:   make(map[answerID]string),
	}
}

// SetBootstrap installs the capability returned to inbound Bootstrap
// messages (§4.8.2). A later call replaces the capability for future
// bootstraps; already-answered bootstrap questions keep the old one.
func (p *Peer) SetBootstrap(client capnp.Client) {
	p.bootstrap = client
}

func (p *Peer) checkOpen() error {
	if p.closed || p.shuttingDown {
		return errors.WithStack(ErrPeerShutdown)
	}
	return nil
}

func (p *Peer) allocQuestion(ret ReturnFunc) (questionID, *pendingQuestion) {
	qid := p.nextQuestion
	p.nextQuestion++
	q := &pendingQuestion{id: qid, ret: ret}
	if p.now != nil {
		q.sentAt = p.now()
	}
	p.questions[qid] = q
	return qid, q
}

// Bootstrap requests the counterpart's bootstrap capability (§4.8.2),
// returning a promise for it that may be called on immediately (§4.8.6).
func (p *Peer) Bootstrap(ret ReturnFunc) (uint32, capnp.Client, error) {
	if err := p.checkOpen(); err != nil {
		return 0, nil, err
	}
	qid, _ := p.allocQuestion(ret)
	env, err := NewEnvelope(TagBootstrap)
	if err != nil {
		return 0, nil, err
	}
	b, err := env.NewBootstrap()
	if err != nil {
		return 0, nil, err
	}
	b.SetQuestionID(uint32(qid))
	if err := p.send(env); err != nil {
		delete(p.questions, qid)
		return 0, nil, err
	}
	client, err := p.PipelineResult(uint32(qid), GetPointerField(0))
	if err != nil {
		return 0, nil, err
	}
	return uint32(qid), client, nil
}

// Call invokes (interfaceID, methodID) on target. Depending on what target
// is, the call is dispatched locally, sent over the wire against an import
// or a promised answer, deferred behind an embargo, or forwarded to the
// connection that actually hosts the capability (§4.8.3). The returned id
// is this peer's question id; calls that had to be deferred return 0 and
// allocate their question when they are released.
func (p *Peer) Call(target capnp.Client, interfaceID uint64, methodID uint16, build BuildFunc, ret ReturnFunc) (uint32, error) {
	if err := p.checkOpen(); err != nil {
		return 0, err
	}
	switch t := target.(type) {
	case *localCapability:
		return p.callLocal(t, interfaceID, methodID, build, ret)
	case *importedCapability:
		if t.peer != p {
			return t.peer.Call(target, interfaceID, methodID, build, ret)
		}
		return p.callImport(t, interfaceID, methodID, build, ret)
	case *pipelineCapability:
		return p.callPipeline(t, interfaceID, methodID, build, ret)
	case *answerPipeline:
		if t.settled {
			if t.err != nil {
				return 0, t.err
			}
			return t.peer.Call(t.resolved, interfaceID, methodID, build, ret)
		}
		t.ans.queue = append(t.ans.queue, func() {
			_, _ = p.Call(t, interfaceID, methodID, build, ret)
		})
		return 0, nil
	case nil:
		return 0, capabilityErrorf("call", errors.New("call on null capability"))
	default:
		return 0, capabilityErrorf("call", errors.Errorf("unsupported capability type %T", target))
	}
}

// callLocal dispatches without a wire round trip: the params are built into
// a scratch payload, the handler runs synchronously, and the question
// settles immediately.
func (p *Peer) callLocal(t *localCapability, interfaceID uint64, methodID uint16, build BuildFunc, ret ReturnFunc) (uint32, error) {
	params, err := newDetachedPayload()
	if err != nil {
		return 0, err
	}
	if build != nil {
		if err := build(params); err != nil {
			return 0, err
		}
	}
	content, err := params.ContentStruct()
	if err != nil {
		return 0, err
	}
	qid, q := p.allocQuestion(ret)
	results, err := safeInvoke(t.impl, interfaceID, methodID, content)
	var res Result
	if err != nil {
		res = Result{Err: err}
	} else {
		res = Result{Results: results}
	}
	q.resolve(res.Results, res.Err)
	if q.ret != nil {
		q.ret(res)
	}
	delete(p.questions, qid)
	return uint32(qid), nil
}

func (p *Peer) callImport(t *importedCapability, interfaceID uint64, methodID uint16, build BuildFunc, ret ReturnFunc) (uint32, error) {
	entry := p.imports.entries[t.id]
	if entry != nil && entry.resolveErr != nil {
		return 0, capabilityErrorf("call", entry.resolveErr)
	}
	if entry != nil && entry.resolved != nil {
		// The promise import resolved; calls already sent through it may
		// still be in flight, so direct calls wait out a disembargo round
		// trip (§4.8.7).
		if entry.sentCalls && !entry.embargoLifted {
			if !entry.embargoStarted {
				entry.embargoStarted = true
				entry.embargoID = p.embargoes.begin()
				if err := p.sendSenderLoopback(entry.embargoID, func(tgt MessageTarget) error {
					tgt.SetImportedCap(uint32(t.id))
					return nil
				}); err != nil {
					return 0, err
				}
				p.embargoes.enqueue(entry.embargoID, func() { entry.embargoLifted = true })
			}
			resolved := entry.resolved
			p.embargoes.enqueue(entry.embargoID, func() {
				_, _ = p.Call(resolved, interfaceID, methodID, build, ret)
			})
			return 0, nil
		}
		return p.Call(entry.resolved, interfaceID, methodID, build, ret)
	}
	if entry != nil {
		entry.sentCalls = true
	}
	id := t.id
	return p.sendCall(func(tgt MessageTarget) error {
		tgt.SetImportedCap(uint32(id))
		return nil
	}, interfaceID, methodID, build, ret)
}

func (p *Peer) callPipeline(t *pipelineCapability, interfaceID uint64, methodID uint16, build BuildFunc, ret ReturnFunc) (uint32, error) {
	if t.peer != p {
		return t.peer.Call(t, interfaceID, methodID, build, ret)
	}
	q := t.question
	if q.isAccept && !(q.resolved && q.acceptReady) {
		// Calls pipelined on an accept-answer are held locally until the
		// provider's Disembargo.context.accept arrives, then released in
		// insertion order (§4.8.9, §8.2 scenario 6).
		q.acceptQueue = append(q.acceptQueue, func() {
			_, _ = p.Call(t, interfaceID, methodID, build, ret)
		})
		return 0, nil
	}
	if !t.settled {
		t.sentPipelined = true
		qid, ops := t.qid, t.ops
		return p.sendCall(func(tgt MessageTarget) error {
			pa, err := tgt.NewPromisedAnswer()
			if err != nil {
				return err
			}
			pa.SetQuestionID(uint32(qid))
			return pa.SetTransform(ops)
		}, interfaceID, methodID, build, ret)
	}
	if t.err != nil {
		return 0, t.err
	}
	if t.sentPipelined && !t.embargoLifted {
		if !t.embargoStarted {
			t.embargoStarted = true
			t.embargoID = p.embargoes.begin()
			qid, ops := t.qid, t.ops
			if err := p.sendSenderLoopback(t.embargoID, func(tgt MessageTarget) error {
				pa, err := tgt.NewPromisedAnswer()
				if err != nil {
					return err
				}
				pa.SetQuestionID(uint32(qid))
				return pa.SetTransform(ops)
			}); err != nil {
				return 0, err
			}
			pc := t
			p.embargoes.enqueue(t.embargoID, func() { pc.embargoLifted = true })
		}
		pc := t
		p.embargoes.enqueue(t.embargoID, func() {
			_, _ = p.Call(pc.resolved, interfaceID, methodID, build, ret)
		})
		return 0, nil
	}
	return p.Call(t.resolved, interfaceID, methodID, build, ret)
}

// sendSenderLoopback emits the Disembargo that begins an embargo round
// trip, targeted at the path whose in-flight calls must drain first.
func (p *Peer) sendSenderLoopback(id embargoID, setTarget func(MessageTarget) error) error {
	env, err := NewEnvelope(TagDisembargo)
	if err != nil {
		return err
	}
	d, err := env.NewDisembargo()
	if err != nil {
		return err
	}
	d.SetSenderLoopback(uint32(id))
	tgt, err := d.NewTarget()
	if err != nil {
		return err
	}
	if err := setTarget(tgt); err != nil {
		return err
	}
	return p.send(env)
}

func (p *Peer) sendCall(setTarget func(MessageTarget) error, interfaceID uint64, methodID uint16, build BuildFunc, ret ReturnFunc) (uint32, error) {
	qid, q := p.allocQuestion(ret)
	env, err := NewEnvelope(TagCall)
	if err != nil {
		return 0, err
	}
	c, err := env.NewCall()
	if err != nil {
		return 0, err
	}
	c.SetQuestionID(uint32(qid))
	c.SetInterfaceID(interfaceID)
	c.SetMethodID(methodID)
	c.SetSendResultsToCaller()
	tgt, err := c.NewTarget()
	if err != nil {
		return 0, err
	}
	if err := setTarget(tgt); err != nil {
		return 0, err
	}
	params, err := c.NewParams()
	if err != nil {
		return 0, err
	}
	if build != nil {
		if err := build(params); err != nil {
			return 0, err
		}
	}
	exports, err := p.fillPayloadCapTable(params, env.Msg)
	if err != nil {
		return 0, err
	}
	q.paramExports = exports
	if err := p.send(env); err != nil {
		delete(p.questions, qid)
		return 0, err
	}
	return uint32(qid), nil
}

// fillTarget encodes client as a MessageTarget on this connection: an
// import id for capabilities the counterpart hosts, or a promised answer
// for unsettled pipelines on this connection's own questions.
func (p *Peer) fillTarget(tgt MessageTarget, client capnp.Client) error {
	switch t := client.(type) {
	case *importedCapability:
		if t.peer != p {
			return capabilityErrorf("target", errors.New("capability is hosted on a different connection"))
		}
		tgt.SetImportedCap(uint32(t.id))
		return nil
	case *pipelineCapability:
		if t.settled {
			if t.err != nil {
				return t.err
			}
			return p.fillTarget(tgt, t.resolved)
		}
		pa, err := tgt.NewPromisedAnswer()
		if err != nil {
			return err
		}
		pa.SetQuestionID(uint32(t.qid))
		return pa.SetTransform(t.ops)
	default:
		return capabilityErrorf("target", errors.Errorf("capability %T is not addressable on this connection", client))
	}
}

// RetainResults marks a question so that its Return does not trigger an
// automatic Finish; the caller keeps the results (and their capabilities)
// alive until it calls Finish itself (§4.8.4).
func (p *Peer) RetainResults(qid uint32) {
	if q, ok := p.questions[questionID(qid)]; ok {
		q.retain = true
	}
}

// Finish explicitly finishes a question, releasing its result capabilities
// on the counterpart when releaseResultCaps is set (§4.8.5, §6.3).
func (p *Peer) Finish(qid uint32, releaseResultCaps bool) error {
	q, ok := p.questions[questionID(qid)]
	if !ok {
		return protocolErrorf("finish", ErrUnknownQuestion)
	}
	if !q.resolved {
		// Cancellation: the Return is still expected so the remote can
		// free its answer entry; its payload is dropped on arrival (§5).
		q.canceled = true
		return nil
	}
	delete(p.questions, questionID(qid))
	err := p.sendFinish(questionID(qid), releaseResultCaps)
	p.maybeFinishShutdown()
	return err
}

func (p *Peer) sendFinish(qid questionID, releaseResultCaps bool) error {
	env, err := NewEnvelope(TagFinish)
	if err != nil {
		return err
	}
	f, err := env.NewFinish()
	if err != nil {
		return err
	}
	f.SetQuestionID(uint32(qid))
	f.SetReleaseResultCaps(releaseResultCaps)
	return p.send(env)
}

// Release drops count references this peer holds on an imported
// capability, echoing the counterpart's id back once the local refcount
// reaches zero (§4.8.5, §3.4).
func (p *Peer) Release(client capnp.Client, count uint32) error {
	ic, ok := client.(*importedCapability)
	if !ok || ic.peer != p {
		return capabilityErrorf("release", errors.New("not an imported capability of this peer"))
	}
	removed, held := p.imports.release(ic.id, count)
	if !removed {
		return nil
	}
	env, err := NewEnvelope(TagRelease)
	if err != nil {
		return err
	}
	r, err := env.NewRelease()
	if err != nil {
		return err
	}
	r.SetID(uint32(ic.id))
	r.SetReferenceCount(held)
	return p.send(env)
}

// OutboundCount reports how many messages this peer has handed to its
// transport (§6.3).
func (p *Peer) OutboundCount() uint64 { return p.outboundCount }

// OutboundBytes reports the total framed size of those messages (§6.3).
func (p *Peer) OutboundBytes() uint64 { return p.outboundBytes }

// SetLimits replaces the outbound queue's backpressure bounds (§6.3).
func (p *Peer) SetLimits(limits config.OutboundQueueLimits) {
	p.queue = newOutboundQueue(limits)
}

// Shutdown stops accepting new outbound calls, waits for in-flight
// questions to return, then closes the transport and runs onComplete.
// Re-entry during the drain is a no-op (§4.8.10).
func (p *Peer) Shutdown(onComplete func()) {
	if p.closed {
		if onComplete != nil {
			onComplete()
		}
		return
	}
	if p.shuttingDown {
		return
	}
	p.shuttingDown = true
	p.onShutdown = onComplete
	p.maybeFinishShutdown()
}

func (p *Peer) maybeFinishShutdown() {
	if !p.shuttingDown || p.closed {
		return
	}
	for _, q := range p.questions {
		if !q.resolved {
			return
		}
	}
	// Retained questions are force-finished so the counterpart can free
	// its answer table before the transport goes away.
	for qid := range p.questions {
		_ = p.sendFinish(qid, true)
		delete(p.questions, qid)
	}
	p.closed = true
	_ = p.transport.Close()
	if p.onShutdown != nil {
		p.onShutdown()
		p.onShutdown = nil
	}
}

// CloseWithError force-closes the connection (transport failure path):
// every in-flight question fails with the canceled variant and the
// transport is closed immediately (§4.8.10, §7's decode policy).
func (p *Peer) CloseWithError(err error) {
	if p.closed {
		return
	}
	p.closed = true
	if err != nil && p.log != nil {
		p.log.Warn().Err(err).Msg("rpc: connection closed")
	}
	p.failAllQuestions()
	_ = p.transport.Close()
	if p.onShutdown != nil {
		p.onShutdown()
		p.onShutdown = nil
	}
}

func (p *Peer) failAllQuestions() {
	for qid, q := range p.questions {
		delete(p.questions, qid)
		if q.resolved {
			continue
		}
		q.resolve(capnp.Struct{}, stderrors.New("rpc: connection closed"))
		if q.ret != nil {
			q.ret(Result{Canceled: true})
		}
	}
}

// abort reports a fatal protocol or decode failure to the counterpart and
// tears the connection down (§7).
func (p *Peer) abort(cause error) {
	if p.closed {
		return
	}
	env, err := NewEnvelope(TagAbort)
	if err == nil {
		if a, err := env.NewAbort(); err == nil {
			if ex, err := a.NewException(); err == nil {
				ex.SetType(ExceptionFailed)
				_ = ex.SetReason(cause.Error())
				_ = p.send(env)
			}
		}
	}
	p.CloseWithError(cause)
}

// send frames env onto the transport, accounting for the outbound queue's
// backpressure limits (§5): a saturated limit fails the send with
// ErrQueueFull rather than blocking, since the single-owner peer has
// nothing to yield to.
func (p *Peer) send(env *Envelope) error {
	if p.closed {
		return errors.WithStack(ErrPeerShutdown)
	}
	size := messageSize(env.Msg)
	if err := p.queue.reserve(size); err != nil {
		return err
	}
	err := p.transport.SendMessage(env.Msg)
	p.queue.release(size)
	if err != nil {
		return err
	}
	p.outboundCount++
	p.outboundBytes += size
	return nil
}

func messageSize(msg *capnp.Message) uint64 {
	return msg.Size()
}

// Deliver feeds one inbound message into the state machine. Decode and
// protocol failures abort the connection; capability failures surface as
// Return.exception on the dependent call only (§7).
func (p *Peer) Deliver(env *Envelope) error {
	if p.closed {
		return errors.WithStack(ErrPeerShutdown)
	}
	logInbound(p.log, env)
	err := p.dispatch(env)
	if err != nil {
		var de *capnp.DecodeError
		var pe *ProtocolError
		if errors.As(err, &de) || errors.As(err, &pe) {
			p.abort(err)
		}
	}
	p.metrics.observeTableSizes(p)
	return err
}

func (p *Peer) dispatch(env *Envelope) error {
	switch env.Tag() {
	case TagBootstrap:
		return p.handleBootstrap(env)
	case TagCall:
		return p.handleCall(env)
	case TagReturn:
		return p.handleReturn(env)
	case TagFinish:
		return p.handleFinish(env)
	case TagResolve:
		return p.handleResolve(env)
	case TagRelease:
		return p.handleRelease(env)
	case TagDisembargo:
		d, err := env.Disembargo()
		if err != nil {
			return err
		}
		return p.handleDisembargo(d)
	case TagProvide:
		msg, err := env.Provide()
		if err != nil {
			return err
		}
		if err := p.newAnswerFor(answerID(msg.QuestionID())); err != nil {
			return err
		}
		return p.handleProvide(msg, answerID(msg.QuestionID()))
	case TagAccept:
		msg, err := env.Accept()
		if err != nil {
			return err
		}
		if err := p.newAnswerFor(answerID(msg.QuestionID())); err != nil {
			return err
		}
		return p.handleAcceptMessage(msg, answerID(msg.QuestionID()))
	case TagJoin:
		msg, err := env.Join()
		if err != nil {
			return err
		}
		if err := p.newAnswerFor(answerID(msg.JoinID())); err != nil {
			return err
		}
		return p.handleJoinMessage(msg, answerID(msg.JoinID()))
	case TagThirdPartyAnswer:
		msg, err := env.ThirdPartyAnswer()
		if err != nil {
			return err
		}
		return p.handleThirdPartyAnswer(msg)
	case TagAbort:
		return p.handleAbort(env)
	case TagUnimplemented:
		if p.log != nil {
			p.log.Warn().Msg("rpc: counterpart did not implement a message we sent")
		}
		return nil
	default:
		// Unknown tags must not close the connection: echo the original
		// back inside an Unimplemented (§4.8.1).
		return p.sendUnimplemented(env)
	}
}

func (p *Peer) sendUnimplemented(original *Envelope) error {
	env, err := NewEnvelope(TagUnimplemented)
	if err != nil {
		return err
	}
	if _, err := env.NewUnimplemented(original); err != nil {
		return err
	}
	return p.send(env)
}

func (p *Peer) handleAbort(env *Envelope) error {
	a, err := env.Abort()
	if err != nil {
		return err
	}
	reason := "aborted by peer"
	if ex, err := a.Exception(); err == nil && ex.IsValid() {
		if r, err := ex.Reason(); err == nil && r != "" {
			reason = r
		}
	}
	p.CloseWithError(errors.Errorf("rpc: %s", reason))
	return nil
}

func (p *Peer) newAnswerFor(aid answerID) error {
	if _, dup := p.answers[aid]; dup {
		return protocolErrorf("answer", errors.Errorf("duplicate answer id %d", aid))
	}
	p.answers[aid] = &answer{id: aid}
	return nil
}

// --- Bootstrap ---

func (p *Peer) handleBootstrap(env *Envelope) error {
	b, err := env.Bootstrap()
	if err != nil {
		return err
	}
	aid := answerID(b.QuestionID())
	if err := p.newAnswerFor(aid); err != nil {
		return err
	}
	ans := p.answers[aid]
	if p.bootstrap == nil {
		return p.returnException(ans, errors.New("no bootstrap capability configured"))
	}
	boot := p.bootstrap
	return p.returnResults(ans, func(results Payload) error {
		content, err := results.NewContentStruct(0, 1)
		if err != nil {
			return err
		}
		return content.SetPtrCapability(0, boot)
	})
}

// --- Call dispatch (§4.8.3) ---

func (p *Peer) handleCall(env *Envelope) error {
	c, err := env.Call()
	if err != nil {
		return err
	}
	aid := answerID(c.QuestionID())
	if err := p.newAnswerFor(aid); err != nil {
		return err
	}
	ans := p.answers[aid]
	ans.route = c.SendResultsTo()
	if ans.route == sendToThirdParty {
		key, err := c.ThirdPartyCompletionKey()
		if err != nil {
			return err
		}
		ans.completionKey = key
	}
	params, err := c.Params()
	if err != nil {
		return err
	}
	if params.IsValid() {
		if err := p.installInboundCaps(params, env.Msg); err != nil {
			return err
		}
	}
	paramsContent, err := params.ContentStruct()
	if err != nil {
		return err
	}
	target, err := c.Target()
	if err != nil {
		return err
	}
	return p.routeCall(ans, target, c.InterfaceID(), c.MethodID(), paramsContent)
}

func (p *Peer) routeCall(ans *answer, target MessageTarget, interfaceID uint64, methodID uint16, params capnp.Struct) error {
	if !target.IsValid() {
		return protocolErrorf("call", errors.New("call without a target"))
	}
	if target.IsImportedCap() {
		client, ok := p.exports.get(exportID(target.ImportedCap()))
		if !ok {
			return protocolErrorf("call", errors.Errorf("call on stale export %d", target.ImportedCap()))
		}
		return p.invokeOn(ans, client, interfaceID, methodID, params)
	}
	pa, err := target.PromisedAnswer()
	if err != nil {
		return err
	}
	refAid := answerID(pa.QuestionID())
	ref, ok := p.answers[refAid]
	if !ok {
		return protocolErrorf("call", errors.Errorf("call on unknown answer %d", refAid))
	}
	ops, err := pa.Transform()
	if err != nil {
		return err
	}
	if !ref.returned {
		// Unresolved promised answer: enqueue for replay in insertion
		// order once the answer returns (§4.8.3 step 2, §8.1).
		ref.queue = append(ref.queue, func() {
			if ref.err != nil {
				_ = p.returnException(ans, ref.err)
				return
			}
			client, err := resolveTransform(ref.results, ops)
			if err != nil {
				_ = p.returnException(ans, err)
				return
			}
			_ = p.invokeOn(ans, client, interfaceID, methodID, params)
		})
		return nil
	}
	if ref.err != nil {
		return p.returnException(ans, ref.err)
	}
	client, err := resolveTransform(ref.results, ops)
	if err != nil {
		return p.returnException(ans, err)
	}
	return p.invokeOn(ans, client, interfaceID, methodID, params)
}

func (p *Peer) invokeOn(ans *answer, client capnp.Client, interfaceID uint64, methodID uint16, params capnp.Struct) error {
	switch t := client.(type) {
	case nil:
		return p.returnException(ans, errors.New("call on null capability"))
	case *localCapability:
		if deferred, ok := t.impl.(DeferredInterface); ok {
			ticket := &AnswerTicket{peer: p, ans: ans}
			if err := deferred.CallDeferred(interfaceID, methodID, params, ticket); err != nil && !ticket.used {
				return ticket.SendException(err.Error())
			}
			return nil
		}
		results, err := safeInvoke(t.impl, interfaceID, methodID, params)
		if err != nil {
			return p.returnException(ans, err)
		}
		return p.returnResults(ans, func(payload Payload) error {
			return payload.SetContent(results)
		})
	default:
		// The target lives elsewhere (an import of this or a sibling
		// connection, or a still-pending promise): forward the call with
		// a fresh question and route the Return back to the original
		// caller without buffering (tail-forwarding, §4.8.3 step 4).
		owner := p
		if ic, ok := client.(*importedCapability); ok {
			owner = ic.peer
		}
		_, err := owner.Call(client, interfaceID, methodID, func(fparams Payload) error {
			if !params.IsValid() {
				return nil
			}
			return fparams.SetContent(params)
		}, func(res Result) {
			p.deliverForwarded(ans, res)
		})
		return err
	}
}

func (p *Peer) deliverForwarded(ans *answer, res Result) {
	switch {
	case res.Err != nil:
		_ = p.returnException(ans, res.Err)
	case res.Canceled:
		_ = p.returnCanceled(ans)
	default:
		results := res.Results
		_ = p.returnResults(ans, func(payload Payload) error {
			if !results.IsValid() {
				_, err := payload.NewContentStruct(0, 0)
				return err
			}
			return payload.SetContent(results)
		})
	}
}

// safeInvoke runs a handler, converting a panic into an error so a
// misbehaving handler produces Return.exception instead of tearing the
// peer down (§4.8.3, §4.8.11).
func safeInvoke(impl Interface, interfaceID uint64, methodID uint16, params capnp.Struct) (results capnp.Struct, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return impl.Call(interfaceID, methodID, params)
}

// --- Return production (callee side) ---

// returnResults emits an answer's Return, routed per the call's
// send_results_to (§4.8.3 step 5), then settles pipelined waiters and
// replays queued calls in insertion order (§4.8.6).
func (p *Peer) returnResults(ans *answer, build func(Payload) error) error {
	if ans.returned {
		return protocolErrorf("return", errors.Errorf("answer %d already returned", ans.id))
	}
	switch ans.route {
	case sendToYourself, sendToThirdParty:
		payload, err := newDetachedPayload()
		if err != nil {
			return err
		}
		if err := build(payload); err != nil {
			return err
		}
		content, err := payload.ContentStruct()
		if err != nil {
			return err
		}
		ans.returned = true
		ans.results = content
		env, err := NewEnvelope(TagReturn)
		if err != nil {
			return err
		}
		r, err := env.NewReturn()
		if err != nil {
			return err
		}
		r.SetAnswerID(uint32(ans.id))
		r.SetReleaseParamCaps(true)
		if ans.route == sendToYourself {
			r.SetResultsSentElsewhere()
		} else {
			p.handoff.fulfill(ans.completionKey, Result{Results: content})
			if err := r.SetAcceptFromThirdParty(ans.completionKey); err != nil {
				return err
			}
		}
		if err := p.send(env); err != nil {
			return err
		}
	default:
		env, err := NewEnvelope(TagReturn)
		if err != nil {
			return err
		}
		r, err := env.NewReturn()
		if err != nil {
			return err
		}
		r.SetAnswerID(uint32(ans.id))
		r.SetReleaseParamCaps(true)
		results, err := r.NewResults()
		if err != nil {
			return err
		}
		if err := build(results); err != nil {
			return err
		}
		exports, err := p.fillPayloadCapTable(results, env.Msg)
		if err != nil {
			return err
		}
		// The answer holds one extra reference on each shipped export until
		// the caller's Finish releases it; the caller's own reference (sent
		// in the descriptor) is released by its Release message (§4.8.5).
		for _, eid := range exports {
			if e, ok := p.exports.entries[eid]; ok {
				e.refCount++
			}
		}
		content, err := results.ContentStruct()
		if err != nil {
			return err
		}
		ans.returned = true
		ans.results = content
		ans.resultExports = exports
		if err := p.send(env); err != nil {
			return err
		}
	}
	p.settleAnswer(ans)
	return nil
}

func (p *Peer) returnException(ans *answer, cause error) error {
	if ans.returned {
		return protocolErrorf("return", errors.Errorf("answer %d already returned", ans.id))
	}
	env, err := NewEnvelope(TagReturn)
	if err != nil {
		return err
	}
	r, err := env.NewReturn()
	if err != nil {
		return err
	}
	r.SetAnswerID(uint32(ans.id))
	r.SetReleaseParamCaps(true)
	ex, err := r.NewException()
	if err != nil {
		return err
	}
	ex.SetType(ExceptionFailed)
	if err := ex.SetReason(cause.Error()); err != nil {
		return err
	}
	ans.returned = true
	ans.err = cause
	if err := p.send(env); err != nil {
		return err
	}
	p.settleAnswer(ans)
	return nil
}

func (p *Peer) returnCanceled(ans *answer) error {
	if ans.returned {
		return nil
	}
	env, err := NewEnvelope(TagReturn)
	if err != nil {
		return err
	}
	r, err := env.NewReturn()
	if err != nil {
		return err
	}
	r.SetAnswerID(uint32(ans.id))
	r.SetReleaseParamCaps(true)
	r.SetCanceled()
	ans.returned = true
	ans.err = errors.New("canceled")
	if err := p.send(env); err != nil {
		return err
	}
	p.settleAnswer(ans)
	return nil
}

func (p *Peer) settleAnswer(ans *answer) {
	for _, w := range ans.waiters {
		w.settle()
	}
	ans.waiters = nil
	queue := ans.queue
	ans.queue = nil
	for _, fn := range queue {
		fn()
	}
}

// --- Return consumption (caller side, §4.8.4) ---

func (p *Peer) handleReturn(env *Envelope) error {
	r, err := env.Return()
	if err != nil {
		return err
	}
	qid := questionID(r.AnswerID())
	q, ok := p.questions[qid]
	if ok && r.ReleaseParamCaps() {
		for _, eid := range q.paramExports {
			p.exports.release(eid, 1)
		}
		q.paramExports = nil
	}
	if !ok {
		// A ThirdPartyAnswer may have adopted this id for a question
		// originally asked on a sibling connection (§4.8.9).
		if key, adopted := p.adopted[answerID(r.AnswerID())]; adopted {
			delete(p.adopted, answerID(r.AnswerID()))
			res, err := p.returnOutcome(r, env)
			if err != nil {
				return err
			}
			p.handoff.fulfill(key, res)
			return p.sendFinish(qid, true)
		}
		return protocolErrorf("return", ErrUnknownQuestion)
	}
	switch r.Which() {
	case returnResults:
		res, err := p.returnOutcome(r, env)
		if err != nil {
			return err
		}
		p.settleQuestion(q, res)
	case returnException:
		ex, err := r.Exception()
		if err != nil {
			return err
		}
		p.settleQuestion(q, Result{Err: ex})
	case returnCanceled:
		p.settleQuestion(q, Result{Canceled: true})
	case returnResultsSentElsewhere:
		// The results were (or will be) delivered through a call the
		// counterpart makes back to us; nothing to read here.
		p.settleQuestion(q, Result{})
	case returnTakeFromOtherQuestion:
		other, ok := p.questions[questionID(r.TakeFromOtherQuestion())]
		if !ok || other.canceled {
			// The other question is gone or canceled: treated as an
			// exception rather than silently dropped.
			p.settleQuestion(q, Result{Err: errors.Errorf("rpc: takeFromOtherQuestion names an unavailable question")})
			return nil
		}
		if other.resolved {
			p.settleQuestion(q, Result{Results: other.results, Err: other.err})
			return nil
		}
		other.takeWaiters = append(other.takeWaiters, func(res Result) {
			p.settleQuestion(q, res)
		})
	case returnAcceptFromThirdParty, returnAwaitFromThirdParty:
		key, err := r.CompletionKey()
		if err != nil {
			return err
		}
		p.handoff.await(key, func(res Result) {
			p.settleQuestion(q, res)
		})
	default:
		return protocolErrorf("return", errors.Errorf("unknown return union %d", r.Which()))
	}
	return nil
}

// returnOutcome parses a results-bearing Return into a Result, remapping
// its capability descriptors through the tables (§4.8.8).
func (p *Peer) returnOutcome(r Return, env *Envelope) (Result, error) {
	switch r.Which() {
	case returnResults:
		payload, err := r.Results()
		if err != nil {
			return Result{}, err
		}
		if payload.IsValid() {
			if err := p.installInboundCaps(payload, env.Msg); err != nil {
				return Result{}, err
			}
		}
		content, err := payload.ContentStruct()
		if err != nil {
			return Result{}, err
		}
		return Result{Results: content}, nil
	case returnException:
		ex, err := r.Exception()
		if err != nil {
			return Result{}, err
		}
		return Result{Err: ex}, nil
	case returnCanceled:
		return Result{Canceled: true}, nil
	default:
		return Result{}, protocolErrorf("return", errors.Errorf("unexpected return union %d", r.Which()))
	}
}

func (p *Peer) settleQuestion(q *pendingQuestion, res Result) {
	if q.canceled {
		// Dropped after bookkeeping: the remote still needs the Finish to
		// free its answer entry (§5's cancellation).
		delete(p.questions, q.id)
		_ = p.sendFinish(q.id, true)
		p.maybeFinishShutdown()
		return
	}
	if p.now != nil && !q.sentAt.IsZero() {
		p.metrics.observeCallLatency(p.now().Sub(q.sentAt))
	}
	q.resolve(res.Results, res.Err)
	takeWaiters := q.takeWaiters
	q.takeWaiters = nil
	for _, tw := range takeWaiters {
		tw(res)
	}
	if q.ret != nil {
		q.ret(res)
	}
	if q.isAccept && !q.acceptReady {
		// Keep the question alive until the provider's
		// Disembargo.context.accept releases the queued calls (§4.8.9).
		if !q.retain {
			_ = p.sendFinish(q.id, true)
		}
		return
	}
	if q.isAccept {
		p.drainAcceptQueue(q)
	}
	if !q.retain {
		delete(p.questions, q.id)
		_ = p.sendFinish(q.id, true)
	}
	p.maybeFinishShutdown()
}

// releaseAcceptEmbargo releases calls queued against an accept-answer once
// the provider's Disembargo.context.accept arrives (§4.8.7, §4.8.9).
func (p *Peer) releaseAcceptEmbargo(qid questionID) {
	q, ok := p.questions[qid]
	if !ok {
		return
	}
	q.acceptReady = true
	if q.resolved {
		p.drainAcceptQueue(q)
		if !q.retain {
			delete(p.questions, qid)
		}
		p.maybeFinishShutdown()
	}
}

func (p *Peer) drainAcceptQueue(q *pendingQuestion) {
	queue := q.acceptQueue
	q.acceptQueue = nil
	for _, fn := range queue {
		fn()
	}
}

// --- Finish / Release / Resolve ---

func (p *Peer) handleFinish(env *Envelope) error {
	f, err := env.Finish()
	if err != nil {
		return err
	}
	aid := answerID(f.QuestionID())
	ans, ok := p.answers[aid]
	if !ok {
		if p.log != nil {
			p.log.Warn().Uint32("answer_id", uint32(aid)).Msg("rpc: finish for unknown answer")
		}
		return nil
	}
	if f.ReleaseResultCaps() {
		for _, eid := range ans.resultExports {
			p.exports.release(eid, 1)
		}
	}
	if ans.provisionKey != "" {
		p.handoff.drop(ans.provisionKey)
	}
	p.clearJoinParts(aid)
	delete(p.answers, aid)
	return nil
}

func (p *Peer) handleRelease(env *Envelope) error {
	rel, err := env.Release()
	if err != nil {
		return err
	}
	id := exportID(rel.ID())
	if _, ok := p.exports.entries[id]; !ok {
		return protocolErrorf("release", ErrUnknownExport)
	}
	p.exports.release(id, rel.ReferenceCount())
	return nil
}

func (p *Peer) handleResolve(env *Envelope) error {
	r, err := env.Resolve()
	if err != nil {
		return err
	}
	entry, ok := p.imports.entries[importID(r.PromiseID())]
	if !ok {
		// The import may have been released already; a late Resolve for
		// it is not an error.
		return nil
	}
	switch r.Which() {
	case resolveCap:
		desc, err := r.Cap()
		if err != nil {
			return err
		}
		client, err := p.clientFor(desc)
		if err != nil {
			return err
		}
		entry.resolved = client
	case resolveException:
		ex, err := r.Exception()
		if err != nil {
			return err
		}
		entry.resolveErr = ex
	default:
		return protocolErrorf("resolve", errors.Errorf("unknown resolve union %d", r.Which()))
	}
	return nil
}

// --- payload capability plumbing (§4.8.8) ---

// fillPayloadCapTable serializes msg's live capability table into payload's
// descriptor list, returning the export ids allocated so the answer can
// release them on Finish.
func (p *Peer) fillPayloadCapTable(payload Payload, msg *capnp.Message) ([]exportID, error) {
	caps := msg.CapTable()
	if len(caps) == 0 {
		return nil, nil
	}
	table, err := payload.NewCapTable(int32(len(caps)))
	if err != nil {
		return nil, err
	}
	var exports []exportID
	for i, client := range caps {
		desc, err := CapDescriptorAt(table, i)
		if err != nil {
			return nil, err
		}
		if err := p.descriptorFor(desc, client); err != nil {
			return nil, err
		}
		switch desc.Which() {
		case capSenderHosted:
			exports = append(exports, exportID(desc.SenderHosted()))
		case capSenderPromise:
			exports = append(exports, exportID(desc.SenderPromise()))
		}
	}
	return exports, nil
}

// installInboundCaps rebuilds msg's capability table from payload's
// descriptor list, resolving each descriptor against this peer's tables so
// capability pointers in the content read back as live clients.
func (p *Peer) installInboundCaps(payload Payload, msg *capnp.Message) error {
	table, err := payload.CapTable()
	if err != nil {
		return err
	}
	if !table.IsValid() || table.Len() == 0 {
		return nil
	}
	clients := make([]capnp.Client, table.Len())
	for i := 0; i < table.Len(); i++ {
		desc, err := CapDescriptorAt(table, i)
		if err != nil {
			return err
		}
		client, err := p.clientFor(desc)
		if err != nil {
			return err
		}
		clients[i] = client
	}
	msg.SetCapTable(clients)
	return nil
}

// clientForTarget resolves a MessageTarget against this peer's tables: an
// imported-cap target names one of our exports, a promised-answer target
// one of our answers.
func (p *Peer) clientForTarget(target MessageTarget) (capnp.Client, error) {
	if !target.IsValid() {
		return nil, protocolErrorf("target", errors.New("missing message target"))
	}
	if target.IsImportedCap() {
		client, ok := p.exports.get(exportID(target.ImportedCap()))
		if !ok {
			return nil, protocolErrorf("target", errors.Errorf("stale export %d", target.ImportedCap()))
		}
		return client, nil
	}
	pa, err := target.PromisedAnswer()
	if err != nil {
		return nil, err
	}
	return p.pipelineClientFor(answerID(pa.QuestionID()), pa)
}

// newDetachedPayload allocates a Payload in its own scratch message, for
// params/results that never cross the wire directly (local dispatch,
// results redirected elsewhere).
func newDetachedPayload() (Payload, error) {
	msg, err := capnp.NewMessage(capnp.NewSingleSegmentArena(nil))
	if err != nil {
		return Payload{}, err
	}
	root, err := capnp.NewRootStruct(msg, 0, 1)
	if err != nil {
		return Payload{}, err
	}
	return newPayloadIn(root, 0)
}
