// Package rpc implements the Cap'n Proto RPC peer state machine (spec §4.8):
// question/answer tables, call dispatch, return routing, promise pipelining,
// embargo/disembargo ordering, and three-party handoff, built on top of the
// capnp wire-format engine.
//
// Because the schema compiler is out of scope (spec §1), the RPC message
// kinds themselves are hand-written "generated-style" wrappers over
// capnp.Struct/capnp.List, in the shape capnpc-go would have produced from
// the standard rpc.capnp schema, not a byte-for-byte reproduction of it: the
// bit-exact compatibility requirement (spec §6.1) applies to the wire-format
// engine, not to this module's private envelope layout.
package rpc

import (
	capnp "github.com/tunnelwire/capnp/capnp"
)

// Tag identifies which of the RPC message union's variants an Envelope
// carries (spec §4.8.1).
type Tag uint16

const (
	TagUnimplemented Tag = iota
	TagAbort
	TagBootstrap
	TagCall
	TagReturn
	TagFinish
	TagResolve
	TagRelease
	TagDisembargo
	TagProvide
	TagAccept
	TagJoin
	TagThirdPartyAnswer
)

func (t Tag) String() string {
	switch t {
	case TagUnimplemented:
		return "unimplemented"
	case TagAbort:
		return "abort"
	case TagBootstrap:
		return "bootstrap"
	case TagCall:
		return "call"
	case TagReturn:
		return "return"
	case TagFinish:
		return "finish"
	case TagResolve:
		return "resolve"
	case TagRelease:
		return "release"
	case TagDisembargo:
		return "disembargo"
	case TagProvide:
		return "provide"
	case TagAccept:
		return "accept"
	case TagJoin:
		return "join"
	case TagThirdPartyAnswer:
		return "thirdPartyAnswer"
	default:
		return "unknown"
	}
}

// Envelope is the root of every message a peer sends or receives: a
// discriminant plus a pointer to the variant's own struct.
type Envelope struct {
	Msg  *capnp.Message
	root capnp.Struct
}

// NewEnvelope allocates a fresh outbound message with tag already set.
func NewEnvelope(tag Tag) (*Envelope, error) {
	msg, err := capnp.NewMessage(capnp.NewSingleSegmentArena(nil))
	if err != nil {
		return nil, err
	}
	return newEnvelopeIn(msg, tag)
}

// newEnvelopeIn allocates the envelope's root struct (discriminant + one
// variant pointer) inside an already-constructed message.
func newEnvelopeIn(msg *capnp.Message, tag Tag) (*Envelope, error) {
	root, err := capnp.NewRootStruct(msg, 1, 1)
	if err != nil {
		return nil, err
	}
	root.SetUint16(0, uint16(tag))
	return &Envelope{Msg: msg, root: root}, nil
}

// ParseEnvelope reads an inbound message's root as an Envelope.
func ParseEnvelope(msg *capnp.Message) (*Envelope, error) {
	root, err := msg.RootStruct()
	if err != nil {
		return nil, err
	}
	return &Envelope{Msg: msg, root: root}, nil
}

// Tag returns the envelope's message kind.
func (e *Envelope) Tag() Tag { return Tag(e.root.Uint16(0)) }

func (e *Envelope) newVariant(dataWords, ptrWords uint16) (capnp.Struct, error) {
	return e.root.NewStruct(0, dataWords, ptrWords)
}

func (e *Envelope) variant() (capnp.Struct, error) {
	return e.root.PtrStruct(0)
}

// --- Bootstrap ---

type Bootstrap struct{ s capnp.Struct }

func (e *Envelope) NewBootstrap() (Bootstrap, error) {
	s, err := e.newVariant(1, 0)
	return Bootstrap{s}, err
}

func (e *Envelope) Bootstrap() (Bootstrap, error) {
	s, err := e.variant()
	return Bootstrap{s}, err
}

func (b Bootstrap) QuestionID() uint32        { return b.s.Uint32(0) }
func (b Bootstrap) SetQuestionID(id uint32)   { b.s.SetUint32(0, id) }

// --- MessageTarget ---

type targetKind uint16

const (
	targetImportedCap targetKind = iota
	targetPromisedAnswer
)

type MessageTarget struct{ s capnp.Struct }

func newMessageTargetIn(parent capnp.Struct, ptrIndex uint16) (MessageTarget, error) {
	s, err := parent.NewStruct(ptrIndex, 1, 1)
	return MessageTarget{s}, err
}

func messageTargetFrom(parent capnp.Struct, ptrIndex uint16) (MessageTarget, error) {
	if parent.PtrIsNull(ptrIndex) {
		return MessageTarget{}, nil
	}
	s, err := parent.PtrStruct(ptrIndex)
	return MessageTarget{s}, err
}

func (t MessageTarget) IsValid() bool { return t.s.IsValid() }

func (t MessageTarget) SetImportedCap(id uint32) {
	t.s.SetUint16(0, uint16(targetImportedCap))
	t.s.SetUint32(2, id)
}

func (t MessageTarget) ImportedCap() uint32 { return t.s.Uint32(2) }

func (t MessageTarget) IsImportedCap() bool { return t.s.Uint16(0) == uint16(targetImportedCap) }
func (t MessageTarget) IsPromisedAnswer() bool {
	return t.s.Uint16(0) == uint16(targetPromisedAnswer)
}

func (t MessageTarget) NewPromisedAnswer() (PromisedAnswer, error) {
	t.s.SetUint16(0, uint16(targetPromisedAnswer))
	return newPromisedAnswerIn(t.s, 0)
}

func (t MessageTarget) PromisedAnswer() (PromisedAnswer, error) {
	return promisedAnswerFrom(t.s, 0)
}

// --- PromisedAnswer / PipelineOp ---

type opKind uint16

const (
	opGetPointerField opKind = iota
	opGetListElement
)

// PipelineOp is a single transform-op selector (spec §3.4, §4.8.6).
type PipelineOp struct {
	Kind  opKind
	Index uint32
}

func GetPointerField(index uint32) PipelineOp { return PipelineOp{Kind: opGetPointerField, Index: index} }
func GetListElement(index uint32) PipelineOp  { return PipelineOp{Kind: opGetListElement, Index: index} }

func (op PipelineOp) IsListElement() bool { return op.Kind == opGetListElement }

type PromisedAnswer struct{ s capnp.Struct }

func newPromisedAnswerIn(parent capnp.Struct, ptrIndex uint16) (PromisedAnswer, error) {
	s, err := parent.NewStruct(ptrIndex, 1, 1)
	return PromisedAnswer{s}, err
}

func promisedAnswerFrom(parent capnp.Struct, ptrIndex uint16) (PromisedAnswer, error) {
	if parent.PtrIsNull(ptrIndex) {
		return PromisedAnswer{}, nil
	}
	s, err := parent.PtrStruct(ptrIndex)
	return PromisedAnswer{s}, err
}

func (p PromisedAnswer) IsValid() bool      { return p.s.IsValid() }
func (p PromisedAnswer) QuestionID() uint32 { return p.s.Uint32(0) }
func (p PromisedAnswer) SetQuestionID(id uint32) { p.s.SetUint32(0, id) }

func (p PromisedAnswer) SetTransform(ops []PipelineOp) error {
	l, err := p.s.NewStructList(0, int32(len(ops)), 1, 0)
	if err != nil {
		return err
	}
	for i, op := range ops {
		elem, err := l.StructAt(i)
		if err != nil {
			return err
		}
		elem.SetUint16(0, uint16(op.Kind))
		elem.SetUint32(2, op.Index)
	}
	return nil
}

func (p PromisedAnswer) Transform() ([]PipelineOp, error) {
	if p.s.PtrIsNull(0) {
		return nil, nil
	}
	l, err := p.s.PtrList(0)
	if err != nil {
		return nil, err
	}
	ops := make([]PipelineOp, l.Len())
	for i := 0; i < l.Len(); i++ {
		elem, err := l.StructAt(i)
		if err != nil {
			return nil, err
		}
		ops[i] = PipelineOp{Kind: opKind(elem.Uint16(0)), Index: elem.Uint32(2)}
	}
	return ops, nil
}

// --- Payload ---

type Payload struct{ s capnp.Struct }

func newPayloadIn(parent capnp.Struct, ptrIndex uint16) (Payload, error) {
	s, err := parent.NewStruct(ptrIndex, 0, 2)
	return Payload{s}, err
}

func payloadFrom(parent capnp.Struct, ptrIndex uint16) (Payload, error) {
	if parent.PtrIsNull(ptrIndex) {
		return Payload{}, nil
	}
	s, err := parent.PtrStruct(ptrIndex)
	return Payload{s}, err
}

func (p Payload) IsValid() bool { return p.s.IsValid() }

// ContentStruct returns the payload's content pointer interpreted as a
// struct (the common case for Call params / Return results).
func (p Payload) ContentStruct() (capnp.Struct, error) {
	if p.s.PtrIsNull(0) {
		return capnp.Struct{}, nil
	}
	return p.s.PtrStruct(0)
}

// SetContent deep-clones src's struct content into the payload's message,
// which may be a different Message than the one src was read from.
func (p Payload) SetContent(src capnp.Struct) error {
	return p.s.SetPtrStruct(0, src)
}

// NewContentStruct allocates a fresh struct of the given shape directly in
// the payload's own message, for callers building params/results from
// scratch rather than cloning an existing struct in with SetContent.
func (p Payload) NewContentStruct(dataWords, ptrWords uint16) (capnp.Struct, error) {
	return p.s.NewStruct(0, dataWords, ptrWords)
}

func (p Payload) NewCapTable(n int32) (capnp.List, error) {
	return p.s.NewStructList(1, n, capDescriptorDataWords, capDescriptorPtrWords)
}

func (p Payload) CapTable() (capnp.List, error) {
	if p.s.PtrIsNull(1) {
		return capnp.List{}, nil
	}
	return p.s.PtrList(1)
}

const (
	capDescriptorDataWords = 1
	capDescriptorPtrWords  = 1
)

// --- CapDescriptor ---

type capDescKind uint16

const (
	capNone capDescKind = iota
	capSenderHosted
	capSenderPromise
	capReceiverHosted
	capReceiverAnswer
	capThirdPartyHosted
)

// CapDescriptor is one entry of a Payload's capability table (spec §4.8.8).
type CapDescriptor struct{ s capnp.Struct }

func CapDescriptorAt(table capnp.List, i int) (CapDescriptor, error) {
	s, err := table.StructAt(i)
	return CapDescriptor{s}, err
}

func (d CapDescriptor) Which() capDescKind { return capDescKind(d.s.Uint16(0)) }

func (d CapDescriptor) SetNone() { d.s.SetUint16(0, uint16(capNone)) }

func (d CapDescriptor) SetSenderHosted(exportID uint32) {
	d.s.SetUint16(0, uint16(capSenderHosted))
	d.s.SetUint32(2, exportID)
}
func (d CapDescriptor) SenderHosted() uint32 { return d.s.Uint32(2) }

func (d CapDescriptor) SetSenderPromise(exportID uint32) {
	d.s.SetUint16(0, uint16(capSenderPromise))
	d.s.SetUint32(2, exportID)
}
func (d CapDescriptor) SenderPromise() uint32 { return d.s.Uint32(2) }

func (d CapDescriptor) SetReceiverHosted(importID uint32) {
	d.s.SetUint16(0, uint16(capReceiverHosted))
	d.s.SetUint32(2, importID)
}
func (d CapDescriptor) ReceiverHosted() uint32 { return d.s.Uint32(2) }

func (d CapDescriptor) NewReceiverAnswer() (PromisedAnswer, error) {
	d.s.SetUint16(0, uint16(capReceiverAnswer))
	return newPromisedAnswerIn(d.s, 0)
}
func (d CapDescriptor) ReceiverAnswer() (PromisedAnswer, error) {
	return promisedAnswerFrom(d.s, 0)
}

func (d CapDescriptor) SetThirdPartyHosted(vineExportID uint32, recipientKey string) error {
	d.s.SetUint16(0, uint16(capThirdPartyHosted))
	vine, err := d.s.NewStruct(0, 1, 1)
	if err != nil {
		return err
	}
	vine.SetUint32(0, vineExportID)
	return vine.SetPtrText(0, recipientKey)
}

func (d CapDescriptor) ThirdPartyHosted() (vineExportID uint32, recipientKey string, err error) {
	vine, err := d.s.PtrStruct(0)
	if err != nil {
		return 0, "", err
	}
	key, err := vine.PtrText(0)
	if err != nil {
		return 0, "", err
	}
	return vine.Uint32(0), key, nil
}

// --- Exception ---

type ExceptionType uint16

const (
	ExceptionFailed ExceptionType = iota
	ExceptionOverloaded
	ExceptionDisconnected
	ExceptionUnimplemented
)

type Exception struct{ s capnp.Struct }

func newExceptionIn(parent capnp.Struct, ptrIndex uint16) (Exception, error) {
	s, err := parent.NewStruct(ptrIndex, 1, 1)
	return Exception{s}, err
}

func exceptionFrom(parent capnp.Struct, ptrIndex uint16) (Exception, error) {
	if parent.PtrIsNull(ptrIndex) {
		return Exception{}, nil
	}
	s, err := parent.PtrStruct(ptrIndex)
	return Exception{s}, err
}

func (e Exception) IsValid() bool         { return e.s.IsValid() }
func (e Exception) Type() ExceptionType   { return ExceptionType(e.s.Uint16(0)) }
func (e Exception) SetType(t ExceptionType) { e.s.SetUint16(0, uint16(t)) }
func (e Exception) Reason() (string, error) { return e.s.PtrText(0) }
func (e Exception) SetReason(reason string) error { return e.s.SetPtrText(0, reason) }

func (e Exception) Error() string {
	reason, _ := e.Reason()
	return reason
}

// --- Call ---

type sendResultsToKind uint16

const (
	sendToCaller sendResultsToKind = iota
	sendToYourself
	sendToThirdParty
)

type Call struct{ s capnp.Struct }

func (e *Envelope) NewCall() (Call, error) {
	s, err := e.newVariant(2, 3)
	return Call{s}, err
}

func (e *Envelope) Call() (Call, error) {
	s, err := e.variant()
	return Call{s}, err
}

func (c Call) QuestionID() uint32      { return c.s.Uint32(0) }
func (c Call) SetQuestionID(id uint32) { c.s.SetUint32(0, id) }

func (c Call) InterfaceID() uint64      { return c.s.Uint64(4) }
func (c Call) SetInterfaceID(id uint64) { c.s.SetUint64(4, id) }

func (c Call) MethodID() uint16      { return c.s.Uint16(12) }
func (c Call) SetMethodID(id uint16) { c.s.SetUint16(12, id) }

func (c Call) SendResultsTo() sendResultsToKind { return sendResultsToKind(c.s.Uint16(14)) }

func (c Call) SetSendResultsToCaller()    { c.s.SetUint16(14, uint16(sendToCaller)) }
func (c Call) SetSendResultsToYourself()  { c.s.SetUint16(14, uint16(sendToYourself)) }
func (c Call) SetSendResultsToThirdParty(completionKey string) error {
	c.s.SetUint16(14, uint16(sendToThirdParty))
	return c.s.SetPtrText(2, completionKey)
}
func (c Call) ThirdPartyCompletionKey() (string, error) { return c.s.PtrText(2) }

func (c Call) NewTarget() (MessageTarget, error) { return newMessageTargetIn(c.s, 0) }
func (c Call) Target() (MessageTarget, error)    { return messageTargetFrom(c.s, 0) }

func (c Call) NewParams() (Payload, error) { return newPayloadIn(c.s, 1) }
func (c Call) Params() (Payload, error)    { return payloadFrom(c.s, 1) }

// --- Return ---

type returnKind uint16

const (
	returnResults returnKind = iota
	returnException
	returnCanceled
	returnResultsSentElsewhere
	returnTakeFromOtherQuestion
	returnAcceptFromThirdParty
	returnAwaitFromThirdParty
)

type Return struct{ s capnp.Struct }

func (e *Envelope) NewReturn() (Return, error) {
	s, err := e.newVariant(2, 1)
	return Return{s}, err
}

func (e *Envelope) Return() (Return, error) {
	s, err := e.variant()
	return Return{s}, err
}

func (r Return) AnswerID() uint32      { return r.s.Uint32(0) }
func (r Return) SetAnswerID(id uint32) { r.s.SetUint32(0, id) }

func (r Return) ReleaseParamCaps() bool      { return r.s.Bool(32) }
func (r Return) SetReleaseParamCaps(v bool)  { r.s.SetBool(32, v) }

func (r Return) Which() returnKind { return returnKind(r.s.Uint16(6)) }

func (r Return) NewResults() (Payload, error) {
	r.s.SetUint16(6, uint16(returnResults))
	return newPayloadIn(r.s, 0)
}
func (r Return) Results() (Payload, error) { return payloadFrom(r.s, 0) }

func (r Return) NewException() (Exception, error) {
	r.s.SetUint16(6, uint16(returnException))
	return newExceptionIn(r.s, 0)
}
func (r Return) Exception() (Exception, error) { return exceptionFrom(r.s, 0) }

func (r Return) SetCanceled() { r.s.SetUint16(6, uint16(returnCanceled)) }

func (r Return) SetResultsSentElsewhere() { r.s.SetUint16(6, uint16(returnResultsSentElsewhere)) }

func (r Return) SetTakeFromOtherQuestion(questionID uint32) {
	r.s.SetUint16(6, uint16(returnTakeFromOtherQuestion))
	r.s.SetUint32(8, questionID)
}
func (r Return) TakeFromOtherQuestion() uint32 { return r.s.Uint32(8) }

func (r Return) SetAcceptFromThirdParty(completionKey string) error {
	r.s.SetUint16(6, uint16(returnAcceptFromThirdParty))
	return r.s.SetPtrText(0, completionKey)
}

func (r Return) SetAwaitFromThirdParty(completionKey string) error {
	r.s.SetUint16(6, uint16(returnAwaitFromThirdParty))
	return r.s.SetPtrText(0, completionKey)
}

func (r Return) CompletionKey() (string, error) { return r.s.PtrText(0) }

// --- Finish ---

type Finish struct{ s capnp.Struct }

func (e *Envelope) NewFinish() (Finish, error) {
	s, err := e.newVariant(1, 0)
	return Finish{s}, err
}
func (e *Envelope) Finish() (Finish, error) {
	s, err := e.variant()
	return Finish{s}, err
}

func (f Finish) QuestionID() uint32           { return f.s.Uint32(0) }
func (f Finish) SetQuestionID(id uint32)      { f.s.SetUint32(0, id) }
func (f Finish) ReleaseResultCaps() bool      { return f.s.Bool(32) }
func (f Finish) SetReleaseResultCaps(v bool)  { f.s.SetBool(32, v) }

// --- Resolve ---

type resolveKind uint16

const (
	resolveCap resolveKind = iota
	resolveException
)

type Resolve struct{ s capnp.Struct }

func (e *Envelope) NewResolve() (Resolve, error) {
	s, err := e.newVariant(1, 1)
	return Resolve{s}, err
}
func (e *Envelope) Resolve() (Resolve, error) {
	s, err := e.variant()
	return Resolve{s}, err
}

func (r Resolve) PromiseID() uint32      { return r.s.Uint32(0) }
func (r Resolve) SetPromiseID(id uint32) { r.s.SetUint32(0, id) }
func (r Resolve) Which() resolveKind     { return resolveKind(r.s.Uint16(4)) }

func (r Resolve) NewCap() (CapDescriptor, error) {
	r.s.SetUint16(4, uint16(resolveCap))
	s, err := r.s.NewStruct(0, capDescriptorDataWords, capDescriptorPtrWords)
	return CapDescriptor{s}, err
}
func (r Resolve) Cap() (CapDescriptor, error) {
	s, err := r.s.PtrStruct(0)
	return CapDescriptor{s}, err
}

func (r Resolve) NewException() (Exception, error) {
	r.s.SetUint16(4, uint16(resolveException))
	return newExceptionIn(r.s, 0)
}
func (r Resolve) Exception() (Exception, error) { return exceptionFrom(r.s, 0) }

// --- Release ---

type Release struct{ s capnp.Struct }

func (e *Envelope) NewRelease() (Release, error) {
	s, err := e.newVariant(1, 0)
	return Release{s}, err
}
func (e *Envelope) Release() (Release, error) {
	s, err := e.variant()
	return Release{s}, err
}

func (r Release) ID() uint32                { return r.s.Uint32(0) }
func (r Release) SetID(id uint32)           { r.s.SetUint32(0, id) }
func (r Release) ReferenceCount() uint32    { return r.s.Uint32(4) }
func (r Release) SetReferenceCount(n uint32) { r.s.SetUint32(4, n) }

// --- Disembargo ---

type disembargoContext uint16

const (
	disembargoSenderLoopback disembargoContext = iota
	disembargoReceiverLoopback
	disembargoAccept
	disembargoProvide
)

type Disembargo struct{ s capnp.Struct }

func (e *Envelope) NewDisembargo() (Disembargo, error) {
	s, err := e.newVariant(1, 1)
	return Disembargo{s}, err
}
func (e *Envelope) Disembargo() (Disembargo, error) {
	s, err := e.variant()
	return Disembargo{s}, err
}

func (d Disembargo) Context() disembargoContext { return disembargoContext(d.s.Uint16(0)) }
func (d Disembargo) EmbargoID() uint32           { return d.s.Uint32(2) }

func (d Disembargo) SetSenderLoopback(id uint32) {
	d.s.SetUint16(0, uint16(disembargoSenderLoopback))
	d.s.SetUint32(2, id)
}
func (d Disembargo) SetReceiverLoopback(id uint32) {
	d.s.SetUint16(0, uint16(disembargoReceiverLoopback))
	d.s.SetUint32(2, id)
}
func (d Disembargo) SetAccept(id uint32) {
	d.s.SetUint16(0, uint16(disembargoAccept))
	d.s.SetUint32(2, id)
}
func (d Disembargo) SetProvide(id uint32) {
	d.s.SetUint16(0, uint16(disembargoProvide))
	d.s.SetUint32(2, id)
}

func (d Disembargo) NewTarget() (MessageTarget, error) { return newMessageTargetIn(d.s, 0) }
func (d Disembargo) Target() (MessageTarget, error)    { return messageTargetFrom(d.s, 0) }

// --- Provide ---

type Provide struct{ s capnp.Struct }

func (e *Envelope) NewProvide() (Provide, error) {
	s, err := e.newVariant(1, 2)
	return Provide{s}, err
}
func (e *Envelope) Provide() (Provide, error) {
	s, err := e.variant()
	return Provide{s}, err
}

func (p Provide) QuestionID() uint32      { return p.s.Uint32(0) }
func (p Provide) SetQuestionID(id uint32) { p.s.SetUint32(0, id) }

func (p Provide) NewTarget() (MessageTarget, error) { return newMessageTargetIn(p.s, 0) }
func (p Provide) Target() (MessageTarget, error)    { return messageTargetFrom(p.s, 0) }

func (p Provide) Recipient() (string, error)        { return p.s.PtrText(1) }
func (p Provide) SetRecipient(id string) error      { return p.s.SetPtrText(1, id) }

// --- Accept ---

type Accept struct{ s capnp.Struct }

func (e *Envelope) NewAccept() (Accept, error) {
	s, err := e.newVariant(1, 1)
	return Accept{s}, err
}
func (e *Envelope) Accept() (Accept, error) {
	s, err := e.variant()
	return Accept{s}, err
}

func (a Accept) QuestionID() uint32      { return a.s.Uint32(0) }
func (a Accept) SetQuestionID(id uint32) { a.s.SetUint32(0, id) }
func (a Accept) Embargo() bool           { return a.s.Bool(32) }
func (a Accept) SetEmbargo(v bool)       { a.s.SetBool(32, v) }

func (a Accept) ProvisionKey() (string, error)   { return a.s.PtrText(0) }
func (a Accept) SetProvisionKey(k string) error { return a.s.SetPtrText(0, k) }

// --- Join ---

type Join struct{ s capnp.Struct }

func (e *Envelope) NewJoin() (Join, error) {
	s, err := e.newVariant(1, 2)
	return Join{s}, err
}
func (e *Envelope) Join() (Join, error) {
	s, err := e.variant()
	return Join{s}, err
}

func (j Join) JoinID() uint32       { return j.s.Uint32(0) }
func (j Join) SetJoinID(id uint32)  { j.s.SetUint32(0, id) }
func (j Join) PartCount() uint16    { return j.s.Uint16(4) }
func (j Join) SetPartCount(n uint16) { j.s.SetUint16(4, n) }
func (j Join) PartNum() uint16      { return j.s.Uint16(6) }
func (j Join) SetPartNum(n uint16)  { j.s.SetUint16(6, n) }

func (j Join) NewTarget() (MessageTarget, error) { return newMessageTargetIn(j.s, 0) }
func (j Join) Target() (MessageTarget, error)    { return messageTargetFrom(j.s, 0) }

func (j Join) KeyPart() (string, error)    { return j.s.PtrText(1) }
func (j Join) SetKeyPart(k string) error  { return j.s.SetPtrText(1, k) }

// --- ThirdPartyAnswer ---

type ThirdPartyAnswer struct{ s capnp.Struct }

func (e *Envelope) NewThirdPartyAnswer() (ThirdPartyAnswer, error) {
	s, err := e.newVariant(1, 2)
	return ThirdPartyAnswer{s}, err
}
func (e *Envelope) ThirdPartyAnswer() (ThirdPartyAnswer, error) {
	s, err := e.variant()
	return ThirdPartyAnswer{s}, err
}

func (t ThirdPartyAnswer) AnswerID() uint32      { return t.s.Uint32(0) }
func (t ThirdPartyAnswer) SetAnswerID(id uint32) { t.s.SetUint32(0, id) }

func (t ThirdPartyAnswer) CompletionKey() (string, error)   { return t.s.PtrText(0) }
func (t ThirdPartyAnswer) SetCompletionKey(k string) error { return t.s.SetPtrText(0, k) }
func (t ThirdPartyAnswer) Recipient() (string, error)       { return t.s.PtrText(1) }
func (t ThirdPartyAnswer) SetRecipient(id string) error    { return t.s.SetPtrText(1, id) }

// --- Abort ---

type Abort struct{ s capnp.Struct }

func (e *Envelope) NewAbort() (Abort, error) {
	s, err := e.newVariant(0, 1)
	return Abort{s}, err
}
func (e *Envelope) Abort() (Abort, error) {
	s, err := e.variant()
	return Abort{s}, err
}

func (a Abort) NewException() (Exception, error) { return newExceptionIn(a.s, 0) }
func (a Abort) Exception() (Exception, error)     { return exceptionFrom(a.s, 0) }

// --- Unimplemented ---

type Unimplemented struct{ s capnp.Struct }

func (e *Envelope) NewUnimplemented(original *Envelope) (Unimplemented, error) {
	s, err := e.newVariant(0, 1)
	if err != nil {
		return Unimplemented{}, err
	}
	if err := s.SetPtrStruct(0, original.root); err != nil {
		return Unimplemented{}, err
	}
	return Unimplemented{s}, nil
}

func (e *Envelope) Unimplemented() (Unimplemented, error) {
	s, err := e.variant()
	return Unimplemented{s}, err
}

func (u Unimplemented) Original() (*Envelope, error) {
	s, err := u.s.PtrStruct(0)
	if err != nil {
		return nil, err
	}
	return &Envelope{Msg: s.Segment().Message(), root: s}, nil
}
