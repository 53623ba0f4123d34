package rpc

import (
	"github.com/pkg/errors"

	capnp "github.com/tunnelwire/capnp/capnp"
)

// DeferredInterface is implemented by capability servers that cannot
// produce results synchronously: instead of returning a results struct from
// Call, they receive an AnswerTicket and fulfill it later, from the peer's
// owning executor (§6.2's deferred returns).
type DeferredInterface interface {
	Interface
	CallDeferred(interfaceID uint64, methodID uint16, params capnp.Struct, ticket *AnswerTicket) error
}

// AnswerTicket is the single-use handle for a deferred return: it pins the
// answer id and produces the Return when one of its two terminal operations
// runs. Using a ticket twice is an error; the second use does nothing to
// the wire.
type AnswerTicket struct {
	peer *Peer
	ans  *answer
	used bool
}

// AnswerID returns the inbound call's answer id, for correlation.
func (t *AnswerTicket) AnswerID() uint32 { return uint32(t.ans.id) }

// SendResults fulfills the call: build receives a freshly allocated results
// struct of the given shape inside the outbound Return.
func (t *AnswerTicket) SendResults(dataWords, ptrWords uint16, build func(results capnp.Struct) error) error {
	if t.used {
		return protocolErrorf("ticket", errors.New("answer ticket already used"))
	}
	t.used = true
	return t.peer.returnResults(t.ans, func(payload Payload) error {
		content, err := payload.NewContentStruct(dataWords, ptrWords)
		if err != nil {
			return err
		}
		return build(content)
	})
}

// SendException fails the call with a Return.exception.
func (t *AnswerTicket) SendException(reason string) error {
	if t.used {
		return protocolErrorf("ticket", errors.New("answer ticket already used"))
	}
	t.used = true
	return t.peer.returnException(t.ans, errors.New(reason))
}
