package capnp

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildNested(t *testing.T, depth int) *Message {
	t.Helper()
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	cur, err := NewRootStruct(msg, 0, 1)
	require.NoError(t, err)
	for i := 0; i < depth; i++ {
		cur, err = cur.NewStruct(0, 0, 1)
		require.NoError(t, err)
	}
	return msg
}

func TestValidateDepthLimit(t *testing.T) {
	msg := buildNested(t, 80)
	err := Validate(msg, ValidateOptions{})
	assert.True(t, errors.Is(err, ErrNestingLimitExceeded), "got %v", err)

	// A generous limit admits the same message.
	msg2 := buildNested(t, 80)
	assert.NoError(t, Validate(msg2, ValidateOptions{DepthLimit: 128}))
}

func TestValidateTraversalLimit(t *testing.T) {
	msg, err := NewMessage(NewSingleSegmentArena(nil))
	require.NoError(t, err)
	root, err := NewRootStruct(msg, 0, 1)
	require.NoError(t, err)
	l, err := root.NewList(0, ElementSizeEightBytes, 100)
	require.NoError(t, err)
	_ = l

	err = Validate(msg, ValidateOptions{TraversalWords: 16})
	assert.True(t, errors.Is(err, ErrTraversalLimitExceeded), "got %v", err)
	assert.NoError(t, Validate(msg, ValidateOptions{TraversalWords: 1024}))
}

func TestValidateSegmentLimit(t *testing.T) {
	arena := NewMultiSegmentArena(
		make([]byte, 0, 64), make([]byte, 0, 64), make([]byte, 0, 64),
	)
	msg, err := NewMessage(arena)
	require.NoError(t, err)
	_, err = NewRootStruct(msg, 1, 0)
	require.NoError(t, err)

	err = Validate(msg, ValidateOptions{SegmentLimit: 2})
	assert.True(t, errors.Is(err, ErrSegmentLimitExceeded), "got %v", err)
	assert.NoError(t, Validate(msg, ValidateOptions{SegmentLimit: 8}))
}

// A far-pointer chain longer than the hard cap is rejected (§8.1).
func TestFarPointerDepthLimit(t *testing.T) {
	// Segment of 12 words: words 0..9 are single-far pointers each
	// redirecting to the next, word 10 a plain one-word struct pointer,
	// word 11 its data.
	data := make([]byte, 12*8)
	for i := 0; i < 10; i++ {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(newFarPointer(false, uint32(i+1), 0)))
	}
	binary.LittleEndian.PutUint64(data[10*8:], uint64(newStructPointer(0, 1, 0)))

	msg := &Message{Arena: NewMultiSegmentArena(data), segs: make(map[uint32]*Segment)}
	_, err := msg.Root()
	assert.True(t, errors.Is(err, ErrPointerDepthLimit), "got %v", err)
}

func TestValidateRejectsBadOffsets(t *testing.T) {
	tests := []struct {
		name string
		word rawPointer
		want error
	}{
		{"struct past end", newStructPointer(100, 4, 0), ErrOutOfBounds},
		{"list past end", newListPointer(100, sizeEightBytes, 50), ErrListTooLarge},
		{"far to missing segment", newFarPointer(false, 0, 7), ErrInvalidFarPointer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, 2*8)
			binary.LittleEndian.PutUint64(data, uint64(tt.word))
			msg := &Message{Arena: NewMultiSegmentArena(data), segs: make(map[uint32]*Segment)}
			err := Validate(msg, ValidateOptions{})
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

// The inline-composite invariant: element_count x element_words must fit in
// the list's word count (§3.3).
func TestInlineCompositeOverrun(t *testing.T) {
	// List pointer claims 2 words of body, tag claims 4 elements of 1 word.
	data := make([]byte, 4*8)
	binary.LittleEndian.PutUint64(data[0:], uint64(newListPointer(0, sizeInlineComposite, 2)))
	binary.LittleEndian.PutUint64(data[8:], uint64(newStructTag(4, 1, 0)))

	msg := &Message{Arena: NewMultiSegmentArena(data), segs: make(map[uint32]*Segment)}
	root, err := msg.Root()
	require.NoError(t, err)
	_, err = root.List()
	assert.True(t, errors.Is(err, ErrInvalidInlineCompositePointer), "got %v", err)
}
