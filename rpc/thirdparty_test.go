package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	capnp "github.com/tunnelwire/capnp/capnp"
)

// threePartySetup wires vat B (hosting a call recorder) to vat A and vat X
// over separate connections; B's two peers share one handoff registry so a
// provision recorded via A is claimable via X (§4.8.9).
func threePartySetup(t *testing.T) (vatA, vatX, bToA, bToX *Peer, pipeA, pipeX func() error, calls *[]uint32) {
	t.Helper()
	var recorded []uint32
	recorder := NewServer()
	recorder.Register(calculatorInterfaceID, methodAdd, Handler{
		Fn: func(params, _ capnp.Struct) error {
			recorded = append(recorded, params.Uint32(0))
			return nil
		},
	})
	hosted := NewLocalCapability(recorder, "hosted")

	registry := NewHandoffRegistry()

	aEnd, baEnd := NewPipe()
	vatA = NewPeer(aEnd, nil)
	bToA = NewPeer(baEnd, &PeerOptions{Handoff: registry})
	aEnd.SetPeer(vatA)
	baEnd.SetPeer(bToA)
	bToA.SetBootstrap(hosted)

	xEnd, bxEnd := NewPipe()
	vatX = NewPeer(xEnd, nil)
	bToX = NewPeer(bxEnd, &PeerOptions{Handoff: registry})
	xEnd.SetPeer(vatX)
	bxEnd.SetPeer(bToX)
	bToX.SetBootstrap(hosted)

	return vatA, vatX, bToA, bToX,
		func() error { return Pump(aEnd, baEnd) },
		func() error { return Pump(xEnd, bxEnd) },
		&recorded
}

// Provide/accept with the embargoed-accept queue: X pipelines calls on the
// accept-answer before the provider's Disembargo.context.accept arrives;
// they dispatch in issue order afterwards (§8.2 scenario 6).
func TestProvideAcceptEmbargoedCalls(t *testing.T) {
	vatA, vatX, _, _, pipeA, pipeX, calls := threePartySetup(t)

	// A imports the hosted capability from B.
	_, hostedAtA, err := vatA.Bootstrap(nil)
	require.NoError(t, err)
	require.NoError(t, pipeA())

	// A asks B to provide it for a recipient key it hands to X out of
	// band.
	key := NewProvisionKey()
	provideDone := false
	_, err = vatA.SendProvide(hostedAtA, key, func(Result) { provideDone = true })
	require.NoError(t, err)
	require.NoError(t, pipeA())
	require.True(t, provideDone)

	// X accepts and pipelines two calls before anything returns.
	_, accepted, err := vatX.SendAccept(key, nil)
	require.NoError(t, err)
	marker := func(v uint32) BuildFunc {
		return func(params Payload) error {
			content, err := params.NewContentStruct(1, 0)
			if err != nil {
				return err
			}
			content.SetUint32(0, v)
			return nil
		}
	}
	_, err = vatX.Call(accepted, calculatorInterfaceID, methodAdd, marker(10), nil)
	require.NoError(t, err)
	_, err = vatX.Call(accepted, calculatorInterfaceID, methodAdd, marker(20), nil)
	require.NoError(t, err)

	// Held in the embargoed-accept queue: only the Accept itself has been
	// transmitted so far.
	require.Equal(t, uint64(1), vatX.OutboundCount())
	require.Empty(t, *calls)

	require.NoError(t, pipeX())
	assert.Equal(t, []uint32{10, 20}, *calls)
}

func TestAcceptUnknownProvisionKey(t *testing.T) {
	_, vatX, _, _, _, pipeX, _ := threePartySetup(t)

	var res Result
	_, _, err := vatX.SendAccept("no-such-key", func(r Result) { res = r })
	require.NoError(t, err)
	require.NoError(t, pipeX())
	assert.Error(t, res.Err)
}

// A duplicate provision key is a protocol violation that aborts the
// connection (§4.8.9 step 2).
func TestDuplicateProvisionAborts(t *testing.T) {
	vatA, _, bToA, _, pipeA, _, _ := threePartySetup(t)

	_, hostedAtA, err := vatA.Bootstrap(nil)
	require.NoError(t, err)
	require.NoError(t, pipeA())

	key := NewProvisionKey()
	_, err = vatA.SendProvide(hostedAtA, key, nil)
	require.NoError(t, err)
	_, err = vatA.SendProvide(hostedAtA, key, nil)
	require.NoError(t, err)
	require.Error(t, pipeA())
	assert.True(t, bToA.closed)
}

// Join: the callee defers completion until every part arrives, then every
// part's Return carries the joined capability (§4.8.9).
func TestJoinCompletesOnLastPart(t *testing.T) {
	vatA, _, bToA, _, pipeA, _, _ := threePartySetup(t)

	_, hosted, err := vatA.Bootstrap(nil)
	require.NoError(t, err)
	require.NoError(t, pipeA())

	joinID := uint32(5)
	var returns int
	ret := func(r Result) {
		require.NoError(t, r.Err)
		returns++
	}
	_, err = vatA.SendJoin(hosted, joinID, 2, 0, "part-0", ret)
	require.NoError(t, err)
	require.NoError(t, pipeA())
	assert.Zero(t, returns, "join must wait for all parts")

	_, err = vatA.SendJoin(hosted, joinID, 2, 1, "part-1", ret)
	require.NoError(t, err)
	require.NoError(t, pipeA())
	assert.Equal(t, 2, returns)
	assert.Empty(t, bToA.handoff.joins)
}

// A part-count mismatch aborts the join with an exception on every part.
func TestJoinPartCountMismatch(t *testing.T) {
	vatA, _, _, _, pipeA, _, _ := threePartySetup(t)

	_, hosted, err := vatA.Bootstrap(nil)
	require.NoError(t, err)
	require.NoError(t, pipeA())

	var errs int
	ret := func(r Result) {
		if r.Err != nil {
			errs++
		}
	}
	_, err = vatA.SendJoin(hosted, 9, 2, 0, "p0", ret)
	require.NoError(t, err)
	require.NoError(t, pipeA())
	_, err = vatA.SendJoin(hosted, 9, 3, 1, "p1", ret)
	require.NoError(t, err)
	require.NoError(t, pipeA())
	assert.Equal(t, 2, errs)
}

// sendResultsTo.yourself: the callee answers with resultsSentElsewhere and
// keeps the results for a follow-up call of its own (§4.8.3 step 5).
func TestSendResultsToYourself(t *testing.T) {
	a, b, aEnd, bEnd := newPeerPair(t)
	a.SetBootstrap(NewLocalCapability(newCalculator(), "calculator"))

	_, _, err := b.Bootstrap(nil)
	require.NoError(t, err)
	require.NoError(t, Pump(aEnd, bEnd))

	env, err := NewEnvelope(TagCall)
	require.NoError(t, err)
	call, err := env.NewCall()
	require.NoError(t, err)
	call.SetQuestionID(77)
	call.SetInterfaceID(calculatorInterfaceID)
	call.SetMethodID(methodAdd)
	call.SetSendResultsToYourself()
	tgt, err := call.NewTarget()
	require.NoError(t, err)
	tgt.SetImportedCap(0) // the bootstrap export
	params, err := call.NewParams()
	require.NoError(t, err)
	content, err := params.NewContentStruct(1, 0)
	require.NoError(t, err)
	content.SetUint32(0, 20)
	content.SetUint32(4, 22)

	require.NoError(t, a.Deliver(env))
	var found bool
	for _, queued := range bEnd.inbox {
		if queued.Tag() != TagReturn {
			continue
		}
		r, err := queued.Return()
		require.NoError(t, err)
		if r.AnswerID() == 77 {
			assert.Equal(t, returnResultsSentElsewhere, r.Which())
			found = true
		}
	}
	assert.True(t, found)
	// The callee kept the results for its own use.
	ans := a.answers[77]
	require.NotNil(t, ans)
	assert.Equal(t, uint32(42), ans.results.Uint32(0))
}
