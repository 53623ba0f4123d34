package capnp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient string

func (c stubClient) String() string { return string(c) }

func buildSource(t *testing.T) (*Message, Struct) {
	t.Helper()
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 2, 4)
	require.NoError(t, err)
	root.SetUint64(0, 0xCAFE)
	root.SetInt32(8, -7)
	require.NoError(t, root.SetPtrText(0, "deep"))
	nested, err := root.NewStruct(1, 1, 0)
	require.NoError(t, err)
	nested.SetUint64(0, 11)
	list, err := root.NewStructList(2, 2, 1, 1)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		elem, err := list.StructAt(i)
		require.NoError(t, err)
		elem.SetUint64(0, uint64(100+i))
		require.NoError(t, elem.SetPtrText(0, "elem"))
	}
	require.NoError(t, root.SetPtrCapability(3, stubClient("cap")))
	return msg, root
}

func TestDeepCloneStruct(t *testing.T) {
	_, src := buildSource(t)

	dst, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	dstRoot, err := NewRootStruct(dst, 0, 1)
	require.NoError(t, err)
	require.NoError(t, dstRoot.SetPtrStruct(0, src))

	clone, err := dstRoot.PtrStruct(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xCAFE), clone.Uint64(0))
	assert.Equal(t, int32(-7), clone.Int32(8))

	text, err := clone.PtrText(0)
	require.NoError(t, err)
	assert.Equal(t, "deep", text)

	nested, err := clone.PtrStruct(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), nested.Uint64(0))

	list, err := clone.PtrList(2)
	require.NoError(t, err)
	require.Equal(t, 2, list.Len())
	for i := 0; i < 2; i++ {
		elem, err := list.StructAt(i)
		require.NoError(t, err)
		assert.Equal(t, uint64(100+i), elem.Uint64(0))
		et, err := elem.PtrText(0)
		require.NoError(t, err)
		assert.Equal(t, "elem", et)
	}

	// The capability re-emits against the destination's table.
	cap, err := clone.PtrCapability(3)
	require.NoError(t, err)
	require.NotNil(t, cap)
	assert.Equal(t, "cap", cap.String())
	assert.Len(t, dst.CapTable(), 1)
}

func TestClonePrimitiveListBulkCopy(t *testing.T) {
	src, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	srcRoot, err := NewRootStruct(src, 0, 1)
	require.NoError(t, err)
	l, err := srcRoot.NewList(0, ElementSizeTwoBytes, 5)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		l.SetUint16(i, uint16(i*3))
	}

	dst, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	dstRoot, err := NewRootStruct(dst, 0, 1)
	require.NoError(t, err)
	require.NoError(t, dstRoot.SetPtrStruct(0, srcRoot))

	clone, err := dstRoot.PtrStruct(0)
	require.NoError(t, err)
	got, err := clone.PtrList(0)
	require.NoError(t, err)
	require.Equal(t, 5, got.Len())
	for i := 0; i < 5; i++ {
		assert.Equal(t, uint16(i*3), got.Uint16(i))
	}
}

// Canonical form trims trailing zero data words and trailing null pointers
// so structurally equal messages serialize identically.
func TestCanonicalize(t *testing.T) {
	wide, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	wideRoot, err := NewRootStruct(wide, 4, 3)
	require.NoError(t, err)
	wideRoot.SetUint64(0, 42)
	require.NoError(t, wideRoot.SetPtrText(0, "x"))

	narrow, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	narrowRoot, err := NewRootStruct(narrow, 1, 1)
	require.NoError(t, err)
	narrowRoot.SetUint64(0, 42)
	require.NoError(t, narrowRoot.SetPtrText(0, "x"))

	canonWide, err := Canonicalize(wideRoot)
	require.NoError(t, err)
	canonNarrow, err := Canonicalize(narrowRoot)
	require.NoError(t, err)

	wb, err := Marshal(canonWide)
	require.NoError(t, err)
	nb, err := Marshal(canonNarrow)
	require.NoError(t, err)
	assert.Equal(t, nb, wb)

	// And the canonical message still reads back.
	got, err := canonWide.RootStruct()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Uint64(0))
	text, err := got.PtrText(0)
	require.NoError(t, err)
	assert.Equal(t, "x", text)
}
