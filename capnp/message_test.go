package capnp

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Text round trip: build, serialize, parse, read. The wire bytes must carry
// the NUL terminator even though the reader strips it.
func TestTextRoundTrip(t *testing.T) {
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 1, 1)
	require.NoError(t, err)
	root.SetUint32(0, 7)
	require.NoError(t, root.SetPtrText(0, "hello"))

	b, err := Marshal(msg)
	require.NoError(t, err)

	parsed, err := Unmarshal(b)
	require.NoError(t, err)
	got, err := parsed.RootStruct()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.Uint32(0))
	text, err := got.PtrText(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Len(t, text, 5)

	// The serialized list payload includes the terminator: "hello\x00".
	assert.Contains(t, string(b), "hello\x00")
}

func TestPrimitiveRoundTrip(t *testing.T) {
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 3, 0)
	require.NoError(t, err)
	root.SetUint8(0, 0xAB)
	root.SetUint16(2, 0xBEEF)
	root.SetUint32(4, 0xDEADBEEF)
	root.SetUint64(8, 0x0102030405060708)
	root.SetInt32(16, -42)
	root.SetFloat32(20, 1.5)
	root.SetBool(8, true) // bit 8 = byte 1, bit 0

	b, err := Marshal(msg)
	require.NoError(t, err)
	parsed, err := Unmarshal(b)
	require.NoError(t, err)
	got, err := parsed.RootStruct()
	require.NoError(t, err)

	assert.Equal(t, uint8(0xAB), got.Uint8(0))
	assert.Equal(t, uint16(0xBEEF), got.Uint16(2))
	assert.Equal(t, uint32(0xDEADBEEF), got.Uint32(4))
	assert.Equal(t, uint64(0x0102030405060708), got.Uint64(8))
	assert.Equal(t, int32(-42), got.Int32(16))
	assert.Equal(t, float32(1.5), got.Float32(20))
	assert.True(t, got.Bool(8))
}

// Schema evolution: reads past the data section return the zero default,
// and writes past it are silent no-ops (§3.3).
func TestSchemaEvolutionDefaults(t *testing.T) {
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 1, 0)
	require.NoError(t, err)
	root.SetUint64(0, 99)

	// Reads beyond one data word: zero defaults.
	assert.Equal(t, uint64(0), root.Uint64(8))
	assert.Equal(t, uint32(0), root.Uint32(12))
	assert.Equal(t, uint8(0), root.Uint8(8))
	assert.False(t, root.Bool(64))

	// Writes beyond: no-op, nothing panics, first word untouched.
	root.SetUint64(8, 0xFFFF)
	root.SetBool(64, true)
	assert.Equal(t, uint64(99), root.Uint64(0))

	// A pointer read past the pointer section is null.
	assert.True(t, root.PtrIsNull(5))
	text, err := root.PtrText(5)
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

// Strict accessors signal OutOfBounds where the defaults are silent (§8.1).
func TestStrictOutOfBounds(t *testing.T) {
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 1, 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		call func() error
	}{
		{"u8", func() error { _, err := root.Uint8Strict(8); return err }},
		{"u16", func() error { _, err := root.Uint16Strict(8); return err }},
		{"u32", func() error { _, err := root.Uint32Strict(8); return err }},
		{"u64", func() error { _, err := root.Uint64Strict(8); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.True(t, errors.Is(err, ErrOutOfBounds), "got %v", err)
		})
	}

	// The same offsets are fine non-strictly.
	assert.Equal(t, uint64(0), root.Uint64(8))
	_, err = root.Uint64Strict(0)
	assert.NoError(t, err)
}

// The strict text variant additionally validates UTF-8 (§4.3); the
// non-strict accessor hands the raw bytes through.
func TestStrictTextUTF8(t *testing.T) {
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 0, 2)
	require.NoError(t, err)
	require.NoError(t, root.SetPtrText(0, "héllo"))
	// A byte list ending in NUL reads as text; these bytes are not valid
	// UTF-8.
	require.NoError(t, root.SetPtrData(1, []byte{0xFF, 0xFE, 0x00}))

	text, err := root.PtrTextStrict(0)
	require.NoError(t, err)
	assert.Equal(t, "héllo", text)

	_, err = root.PtrTextStrict(1)
	assert.True(t, errors.Is(err, ErrInvalidUTF8), "got %v", err)

	// Non-strict reads the same bytes without complaint.
	raw, err := root.PtrText(1)
	require.NoError(t, err)
	assert.Equal(t, "\xff\xfe", raw)

	// Null pointers stay empty-and-valid in both variants.
	empty, err := root.PtrTextStrict(5)
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}

func TestRootIdempotent(t *testing.T) {
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	a, err := NewRootStruct(msg, 1, 0)
	require.NoError(t, err)
	a.SetUint32(0, 5)
	b, err := NewRootStruct(msg, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), b.Uint32(0))
}

func TestRootInNonZeroSegment(t *testing.T) {
	// Segment 0 only has room for the root pointer word, so the root
	// struct lands in segment 1 behind a single-far.
	arena := NewMultiSegmentArena(make([]byte, 0, 8), make([]byte, 0, 64))
	msg, err := NewMessage(arena)
	require.NoError(t, err)
	root, err := NewRootStructInSegment(msg, 1, 1, 0)
	require.NoError(t, err)
	root.SetUint64(0, 0xFEED)
	assert.Equal(t, uint32(1), root.Segment().ID())

	b, err := Marshal(msg)
	require.NoError(t, err)
	parsed, err := Unmarshal(b)
	require.NoError(t, err)
	got, err := parsed.RootStruct()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFEED), got.Uint64(0))

	// Re-allocating the root outside segment 0 is rejected.
	msg2, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	_, err = NewRootStruct(msg2, 1, 0)
	require.NoError(t, err)
	_, err = NewRootStructInSegment(msg2, 1, 1, 0)
	assert.True(t, errors.Is(err, ErrRootReallocated))
}

// Cross-segment struct: root in segment 0, child behind a far pointer in
// segment 1, with an exact field value observed after a serialize/parse
// round trip (§8.2 scenario 2).
func TestCrossSegmentStruct(t *testing.T) {
	// Segment 0 fits the root word plus the root struct (1 ptr word) and
	// nothing else, forcing the child into segment 1.
	arena := NewMultiSegmentArena(make([]byte, 0, 16), make([]byte, 0, 128))
	msg, err := NewMessage(arena)
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 0, 1)
	require.NoError(t, err)
	child, err := root.NewStruct(0, 1, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), child.Segment().ID())
	child.SetUint32(0, 0xDEADBEEF)

	b, err := Marshal(msg)
	require.NoError(t, err)
	parsed, err := Unmarshal(b)
	require.NoError(t, err)
	gotRoot, err := parsed.RootStruct()
	require.NoError(t, err)
	gotChild, err := gotRoot.PtrStruct(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), gotChild.Uint32(0))
}

// Cross-segment inline-composite list: the landing pad is a double-far
// whose second word carries the struct tag (§4.1).
func TestCrossSegmentStructList(t *testing.T) {
	arena := NewMultiSegmentArena(make([]byte, 0, 16), make([]byte, 0, 256))
	msg, err := NewMessage(arena)
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 0, 1)
	require.NoError(t, err)
	list, err := root.NewStructList(0, 3, 1, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), list.seg.ID())
	for i := 0; i < 3; i++ {
		elem, err := list.StructAt(i)
		require.NoError(t, err)
		elem.SetUint64(0, uint64(i)*10)
	}

	b, err := Marshal(msg)
	require.NoError(t, err)
	parsed, err := Unmarshal(b)
	require.NoError(t, err)
	gotRoot, err := parsed.RootStruct()
	require.NoError(t, err)
	gotList, err := gotRoot.PtrList(0)
	require.NoError(t, err)
	require.Equal(t, 3, gotList.Len())
	for i := 0; i < 3; i++ {
		elem, err := gotList.StructAt(i)
		require.NoError(t, err)
		assert.Equal(t, uint64(i)*10, elem.Uint64(0))
	}
}

func TestDataRoundTrip(t *testing.T) {
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 0, 1)
	require.NoError(t, err)
	payload := []byte{0, 1, 2, 3, 0xFF}
	require.NoError(t, root.SetPtrData(0, payload))

	b, err := Marshal(msg)
	require.NoError(t, err)
	parsed, err := Unmarshal(b)
	require.NoError(t, err)
	got, err := parsed.RootStruct()
	require.NoError(t, err)
	data, err := got.PtrData(0)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestPrimitiveListRoundTrip(t *testing.T) {
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 0, 2)
	require.NoError(t, err)

	u32s, err := root.NewList(0, ElementSizeFourBytes, 4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		u32s.SetUint32(i, uint32(i*i))
	}
	bools, err := root.NewList(1, ElementSizeBit, 10)
	require.NoError(t, err)
	bools.SetBool(0, true)
	bools.SetBool(9, true)

	b, err := Marshal(msg)
	require.NoError(t, err)
	parsed, err := Unmarshal(b)
	require.NoError(t, err)
	got, err := parsed.RootStruct()
	require.NoError(t, err)

	gotU32s, err := got.PtrList(0)
	require.NoError(t, err)
	require.Equal(t, 4, gotU32s.Len())
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint32(i*i), gotU32s.Uint32(i))
	}
	gotBools, err := got.PtrList(1)
	require.NoError(t, err)
	require.Equal(t, 10, gotBools.Len())
	assert.True(t, gotBools.Bool(0))
	assert.False(t, gotBools.Bool(5))
	assert.True(t, gotBools.Bool(9))
}
