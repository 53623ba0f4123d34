package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	capnp "github.com/tunnelwire/capnp/capnp"
)

const (
	directoryInterfaceID = uint64(0xd1bec7041d1bec70)
	methodGet            = uint16(0)
)

// Tail-forwarding (§4.8.3 step 4): A calls a capability that B only holds
// as an import from C. B forwards the call on its own connection to C with
// a fresh question and routes the Return back to A.
func TestTailForwarding(t *testing.T) {
	// Vat C hosts the calculator.
	cEnd, bcEnd := NewPipe()
	vatC := NewPeer(cEnd, nil)
	bToC := NewPeer(bcEnd, nil)
	cEnd.SetPeer(vatC)
	bcEnd.SetPeer(bToC)
	adds := 0
	calc := NewServer()
	calc.Register(calculatorInterfaceID, methodAdd, Handler{
		ResultsDataWords: 1,
		Fn: func(params, results capnp.Struct) error {
			adds++
			results.SetUint32(0, params.Uint32(0)+params.Uint32(4))
			return nil
		},
	})
	vatC.SetBootstrap(NewLocalCapability(calc, "calculator"))

	// Vat B imports it and republishes it through a directory interface.
	_, calcAtB, err := bToC.Bootstrap(nil)
	require.NoError(t, err)
	require.NoError(t, Pump(cEnd, bcEnd))

	directory := NewServer()
	directory.Register(directoryInterfaceID, methodGet, Handler{
		ResultsPtrWords: 1,
		Fn: func(_, results capnp.Struct) error {
			return results.SetPtrCapability(0, calcAtB)
		},
	})

	aEnd, baEnd := NewPipe()
	vatA := NewPeer(aEnd, nil)
	bToA := NewPeer(baEnd, nil)
	aEnd.SetPeer(vatA)
	baEnd.SetPeer(bToA)
	bToA.SetBootstrap(NewLocalCapability(directory, "directory"))

	pumpAll := func() {
		for i := 0; i < 4; i++ {
			require.NoError(t, Pump(aEnd, baEnd))
			require.NoError(t, Pump(cEnd, bcEnd))
		}
	}

	_, dir, err := vatA.Bootstrap(nil)
	require.NoError(t, err)
	qGet, err := vatA.Call(dir, directoryInterfaceID, methodGet, nil, nil)
	require.NoError(t, err)
	calcAtA, err := vatA.PipelineResult(qGet, GetPointerField(0))
	require.NoError(t, err)

	var got uint32
	called := false
	_, err = vatA.Call(calcAtA, calculatorInterfaceID, methodAdd, addParams(19, 23), func(res Result) {
		require.NoError(t, res.Err)
		called = true
		got = res.Results.Uint32(0)
	})
	require.NoError(t, err)

	pumpAll()
	assert.True(t, called)
	assert.Equal(t, uint32(42), got)

	// The add dispatched at C via a forwarded question on the B-C
	// connection; B never grew a calculator of its own.
	assert.Equal(t, 1, adds)
}
