package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	capnp "github.com/tunnelwire/capnp/capnp"
)

const (
	calculatorInterfaceID = uint64(0xbe78b31e21a22222)
	methodAdd             = uint16(0)
)

func newCalculator() *Server {
	s := NewServer()
	s.Register(calculatorInterfaceID, methodAdd, Handler{
		ResultsDataWords: 1,
		Fn: func(params, results capnp.Struct) error {
			results.SetUint32(0, params.Uint32(0)+params.Uint32(4))
			return nil
		},
	})
	return s
}

func newPeerPair(t *testing.T) (a, b *Peer, aEnd, bEnd *PipeEnd) {
	t.Helper()
	aEnd, bEnd = NewPipe()
	a = NewPeer(aEnd, nil)
	b = NewPeer(bEnd, nil)
	aEnd.SetPeer(a)
	bEnd.SetPeer(b)
	return a, b, aEnd, bEnd
}

func addParams(x, y uint32) BuildFunc {
	return func(params Payload) error {
		content, err := params.NewContentStruct(1, 0)
		if err != nil {
			return err
		}
		content.SetUint32(0, x)
		content.SetUint32(4, y)
		return nil
	}
}

// Bootstrap + call: the calculator scenario, ending with every export
// refcount at zero after release and finish.
func TestBootstrapAndCall(t *testing.T) {
	a, b, aEnd, bEnd := newPeerPair(t)
	a.SetBootstrap(NewLocalCapability(newCalculator(), "calculator"))

	_, boot, err := b.Bootstrap(nil)
	require.NoError(t, err)

	var got uint32
	var called bool
	_, err = b.Call(boot, calculatorInterfaceID, methodAdd, addParams(40, 2), func(res Result) {
		require.NoError(t, res.Err)
		called = true
		got = res.Results.Uint32(0)
	})
	require.NoError(t, err)

	require.NoError(t, Pump(aEnd, bEnd))
	assert.True(t, called)
	assert.Equal(t, uint32(42), got)

	// The bootstrap promise resolved to an import of the calculator.
	done, client, err := boot.(*pipelineCapability).Resolved()
	require.True(t, done)
	require.NoError(t, err)
	require.NotNil(t, client)

	// Dropping the import releases the last export reference.
	require.NoError(t, b.Release(client, 1))
	require.NoError(t, Pump(aEnd, bEnd))
	assert.Empty(t, a.exports.entries)
	assert.Empty(t, b.imports.entries)
	assert.Empty(t, a.answers)
	assert.Empty(t, b.questions)
}

func TestBootstrapWithoutCapability(t *testing.T) {
	_, b, aEnd, bEnd := newPeerPair(t)

	var res Result
	_, _, err := b.Bootstrap(func(r Result) { res = r })
	require.NoError(t, err)
	require.NoError(t, Pump(aEnd, bEnd))
	assert.Error(t, res.Err)
}

func TestHandlerErrorBecomesException(t *testing.T) {
	a, b, aEnd, bEnd := newPeerPair(t)
	a.SetBootstrap(NewLocalCapability(newCalculator(), "calculator"))

	_, boot, err := b.Bootstrap(nil)
	require.NoError(t, err)

	var res Result
	_, err = b.Call(boot, calculatorInterfaceID, 99, nil, func(r Result) { res = r })
	require.NoError(t, err)
	require.NoError(t, Pump(aEnd, bEnd))
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "unimplemented method")
}

type panicServer struct{}

func (panicServer) Call(uint64, uint16, capnp.Struct) (capnp.Struct, error) {
	panic("boom")
}

func TestHandlerPanicBecomesException(t *testing.T) {
	a, b, aEnd, bEnd := newPeerPair(t)
	a.SetBootstrap(NewLocalCapability(panicServer{}, "panicky"))

	_, boot, err := b.Bootstrap(nil)
	require.NoError(t, err)

	var res Result
	_, err = b.Call(boot, 1, 0, nil, func(r Result) { res = r })
	require.NoError(t, err)
	require.NoError(t, Pump(aEnd, bEnd))
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "handler panic")
}

// A canceled question's Return is dropped after bookkeeping; the callback
// never runs and the remote's answer table is freed by the Finish (§5).
func TestCancelBeforeReturn(t *testing.T) {
	a, b, aEnd, bEnd := newPeerPair(t)
	a.SetBootstrap(NewLocalCapability(newCalculator(), "calculator"))

	_, boot, err := b.Bootstrap(nil)
	require.NoError(t, err)

	called := false
	qid, err := b.Call(boot, calculatorInterfaceID, methodAdd, addParams(1, 2), func(Result) {
		called = true
	})
	require.NoError(t, err)
	require.NoError(t, b.Finish(qid, true))

	require.NoError(t, Pump(aEnd, bEnd))
	assert.False(t, called)
	assert.Empty(t, b.questions)
	assert.Empty(t, a.answers)
}

// Unknown tags are echoed back as Unimplemented without closing (§4.8.1).
func TestUnknownTagAnsweredWithUnimplemented(t *testing.T) {
	a, _, _, bEnd := newPeerPair(t)

	env, err := NewEnvelope(Tag(999))
	require.NoError(t, err)
	require.NoError(t, a.Deliver(env))

	require.Len(t, bEnd.inbox, 1)
	reply := bEnd.inbox[0]
	assert.Equal(t, TagUnimplemented, reply.Tag())
	u, err := reply.Unimplemented()
	require.NoError(t, err)
	orig, err := u.Original()
	require.NoError(t, err)
	assert.Equal(t, Tag(999), orig.Tag())

	// The connection stays usable.
	assert.NoError(t, a.checkOpen())
}

// A Return naming a question this peer never asked is a protocol violation
// that aborts the connection (§7).
func TestUnknownReturnAborts(t *testing.T) {
	a, _, _, _ := newPeerPair(t)

	env, err := NewEnvelope(TagReturn)
	require.NoError(t, err)
	r, err := env.NewReturn()
	require.NoError(t, err)
	r.SetAnswerID(1234)
	r.SetCanceled()

	err = a.Deliver(env)
	require.Error(t, err)
	assert.True(t, a.closed)
	_, _, err = a.Bootstrap(nil)
	assert.ErrorIs(t, err, ErrPeerShutdown)
}

// takeFromOtherQuestion against a canceled question resolves to an
// exception rather than a silent drop.
func TestTakeFromCanceledQuestion(t *testing.T) {
	a, b, aEnd, bEnd := newPeerPair(t)
	a.SetBootstrap(NewLocalCapability(newCalculator(), "calculator"))

	_, boot, err := b.Bootstrap(nil)
	require.NoError(t, err)
	q0, err := b.Call(boot, calculatorInterfaceID, methodAdd, addParams(1, 1), nil)
	require.NoError(t, err)
	var res Result
	q1, err := b.Call(boot, calculatorInterfaceID, methodAdd, addParams(2, 2), func(r Result) { res = r })
	require.NoError(t, err)
	require.NoError(t, b.Finish(q0, true))

	env, err := NewEnvelope(TagReturn)
	require.NoError(t, err)
	r, err := env.NewReturn()
	require.NoError(t, err)
	r.SetAnswerID(q1)
	r.SetTakeFromOtherQuestion(q0)
	require.NoError(t, b.Deliver(env))
	require.Error(t, res.Err)

	// Drain the rest of the exchange so shutdown bookkeeping stays clean.
	_ = Pump(aEnd, bEnd)
}

func TestShutdownDrainsQuestions(t *testing.T) {
	a, b, aEnd, bEnd := newPeerPair(t)
	a.SetBootstrap(NewLocalCapability(newCalculator(), "calculator"))

	_, boot, err := b.Bootstrap(nil)
	require.NoError(t, err)
	_, err = b.Call(boot, calculatorInterfaceID, methodAdd, addParams(3, 4), nil)
	require.NoError(t, err)

	completed := false
	b.Shutdown(func() { completed = true })
	assert.False(t, completed, "shutdown must wait for in-flight returns")

	// New outbound work is refused during the drain.
	_, err = b.Call(boot, calculatorInterfaceID, methodAdd, addParams(1, 1), nil)
	assert.ErrorIs(t, err, ErrPeerShutdown)

	require.NoError(t, Pump(aEnd, bEnd))
	assert.True(t, completed)

	// Idempotent re-entry.
	b.Shutdown(nil)
}

func TestForcedCloseCancelsInFlight(t *testing.T) {
	a, b, _, _ := newPeerPair(t)
	a.SetBootstrap(NewLocalCapability(newCalculator(), "calculator"))

	var res Result
	gotReturn := false
	_, _, err := b.Bootstrap(func(r Result) { res = r; gotReturn = true })
	require.NoError(t, err)

	b.CloseWithError(nil)
	assert.True(t, gotReturn)
	assert.True(t, res.Canceled)
	assert.Empty(t, b.questions)
}

func TestOutboundIntrospection(t *testing.T) {
	a, b, aEnd, bEnd := newPeerPair(t)
	a.SetBootstrap(NewLocalCapability(newCalculator(), "calculator"))

	assert.Zero(t, b.OutboundCount())
	_, _, err := b.Bootstrap(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.OutboundCount())
	assert.NotZero(t, b.OutboundBytes())
	require.NoError(t, Pump(aEnd, bEnd))
}
