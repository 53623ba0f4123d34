package capnp

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Struct is both the reader and builder view over a struct's data and
// pointer sections (§4.3, §4.4): construction never copies, so the same
// type serves reads and in-place writes.
type Struct struct {
	msg       *Message
	seg       *Segment
	off       int32 // word offset of the data section
	dataWords uint16
	ptrWords  uint16
	depth     uint
}

func (s Struct) dataSize() int32 { return int32(s.dataWords) * wordSize }
func (s Struct) ptrSectionOff() int32 {
	return s.off + int32(s.dataWords)
}

// IsValid reports whether the struct refers to real storage (a null
// pointer resolves to the zero Struct, which is valid to read from as an
// all-defaults struct per schema-evolution semantics).
func (s Struct) IsValid() bool { return s.msg != nil }

// Segment returns the segment s's data lives in.
func (s Struct) Segment() *Segment { return s.seg }

func (s Struct) byteOffsetInBounds(byteOffset, size int32) bool {
	return s.msg != nil && byteOffset >= 0 && byteOffset+size <= s.dataSize()
}

func (s Struct) dataBytes(byteOffset, size int32) []byte {
	base := int64(s.off)*wordSize + int64(byteOffset)
	return s.seg.data[base : base+int64(size)]
}

// --- non-strict primitive accessors: zero default past the data section ---

func (s Struct) Uint8(byteOffset int32) uint8 {
	if !s.byteOffsetInBounds(byteOffset, 1) {
		return 0
	}
	return s.dataBytes(byteOffset, 1)[0]
}

func (s Struct) Uint16(byteOffset int32) uint16 {
	if !s.byteOffsetInBounds(byteOffset, 2) {
		return 0
	}
	return binary.LittleEndian.Uint16(s.dataBytes(byteOffset, 2))
}

func (s Struct) Uint32(byteOffset int32) uint32 {
	if !s.byteOffsetInBounds(byteOffset, 4) {
		return 0
	}
	return binary.LittleEndian.Uint32(s.dataBytes(byteOffset, 4))
}

func (s Struct) Uint64(byteOffset int32) uint64 {
	if !s.byteOffsetInBounds(byteOffset, 8) {
		return 0
	}
	return binary.LittleEndian.Uint64(s.dataBytes(byteOffset, 8))
}

func (s Struct) Int8(byteOffset int32) int8   { return int8(s.Uint8(byteOffset)) }
func (s Struct) Int16(byteOffset int32) int16 { return int16(s.Uint16(byteOffset)) }
func (s Struct) Int32(byteOffset int32) int32 { return int32(s.Uint32(byteOffset)) }
func (s Struct) Int64(byteOffset int32) int64 { return int64(s.Uint64(byteOffset)) }

func (s Struct) Float32(byteOffset int32) float32 {
	return math.Float32frombits(s.Uint32(byteOffset))
}

func (s Struct) Float64(byteOffset int32) float64 {
	return math.Float64frombits(s.Uint64(byteOffset))
}

func (s Struct) Bool(bitOffset int32) bool {
	byteOffset := bitOffset / 8
	if !s.byteOffsetInBounds(byteOffset, 1) {
		return false
	}
	mask := byte(1) << uint(bitOffset%8)
	return s.dataBytes(byteOffset, 1)[0]&mask != 0
}

// UnionDiscriminant is an alias over Uint16, per §4.3.
func (s Struct) UnionDiscriminant(byteOffset int32) uint16 { return s.Uint16(byteOffset) }

// --- strict variants: OutOfBounds instead of zero default ---

func (s Struct) Uint8Strict(byteOffset int32) (uint8, error) {
	if !s.byteOffsetInBounds(byteOffset, 1) {
		return 0, errors.WithStack(ErrOutOfBounds)
	}
	return s.Uint8(byteOffset), nil
}

func (s Struct) Uint16Strict(byteOffset int32) (uint16, error) {
	if !s.byteOffsetInBounds(byteOffset, 2) {
		return 0, errors.WithStack(ErrOutOfBounds)
	}
	return s.Uint16(byteOffset), nil
}

func (s Struct) Uint32Strict(byteOffset int32) (uint32, error) {
	if !s.byteOffsetInBounds(byteOffset, 4) {
		return 0, errors.WithStack(ErrOutOfBounds)
	}
	return s.Uint32(byteOffset), nil
}

func (s Struct) Uint64Strict(byteOffset int32) (uint64, error) {
	if !s.byteOffsetInBounds(byteOffset, 8) {
		return 0, errors.WithStack(ErrOutOfBounds)
	}
	return s.Uint64(byteOffset), nil
}

// --- primitive writers: silent no-op past the data section, per §4.4 ---

func (s Struct) SetUint8(byteOffset int32, v uint8) {
	if s.byteOffsetInBounds(byteOffset, 1) {
		s.dataBytes(byteOffset, 1)[0] = v
	}
}

func (s Struct) SetUint16(byteOffset int32, v uint16) {
	if s.byteOffsetInBounds(byteOffset, 2) {
		binary.LittleEndian.PutUint16(s.dataBytes(byteOffset, 2), v)
	}
}

func (s Struct) SetUint32(byteOffset int32, v uint32) {
	if s.byteOffsetInBounds(byteOffset, 4) {
		binary.LittleEndian.PutUint32(s.dataBytes(byteOffset, 4), v)
	}
}

func (s Struct) SetUint64(byteOffset int32, v uint64) {
	if s.byteOffsetInBounds(byteOffset, 8) {
		binary.LittleEndian.PutUint64(s.dataBytes(byteOffset, 8), v)
	}
}

func (s Struct) SetInt8(byteOffset int32, v int8)   { s.SetUint8(byteOffset, uint8(v)) }
func (s Struct) SetInt16(byteOffset int32, v int16) { s.SetUint16(byteOffset, uint16(v)) }
func (s Struct) SetInt32(byteOffset int32, v int32) { s.SetUint32(byteOffset, uint32(v)) }
func (s Struct) SetInt64(byteOffset int32, v int64) { s.SetUint64(byteOffset, uint64(v)) }

func (s Struct) SetFloat32(byteOffset int32, v float32) {
	s.SetUint32(byteOffset, math.Float32bits(v))
}

func (s Struct) SetFloat64(byteOffset int32, v float64) {
	s.SetUint64(byteOffset, math.Float64bits(v))
}

func (s Struct) SetBool(bitOffset int32, v bool) {
	byteOffset := bitOffset / 8
	if !s.byteOffsetInBounds(byteOffset, 1) {
		return
	}
	mask := byte(1) << uint(bitOffset%8)
	b := s.dataBytes(byteOffset, 1)
	if v {
		b[0] |= mask
	} else {
		b[0] &^= mask
	}
}

func (s Struct) SetUnionDiscriminant(byteOffset int32, v uint16) { s.SetUint16(byteOffset, v) }

// --- pointer section access ---

func (s Struct) ptrWordOffset(index uint16) int32 {
	return s.ptrSectionOff() + int32(index)
}

func (s Struct) pointer(index uint16) (Pointer, error) {
	if s.msg == nil || index >= s.ptrWords {
		return Pointer{msg: s.msg, null: true, depth: s.depth}, nil
	}
	return readPointer(s.seg, s.ptrWordOffset(index), s.depth)
}

// PtrStruct reads pointer slot index as a struct; a null pointer returns
// ErrInvalidPointer per §4.3 (callers that want default-empty-struct
// semantics should check PtrIsNull first).
func (s Struct) PtrStruct(index uint16) (Struct, error) {
	p, err := s.pointer(index)
	if err != nil {
		return Struct{}, err
	}
	if p.IsNull() {
		return Struct{}, decodeErrorf("struct field", ErrInvalidPointer)
	}
	return p.Struct()
}

func (s Struct) PtrList(index uint16) (List, error) {
	p, err := s.pointer(index)
	if err != nil {
		return List{}, err
	}
	if p.IsNull() {
		return List{}, decodeErrorf("list field", ErrInvalidPointer)
	}
	return p.List()
}

// PtrText reads pointer slot index as text, returning "" for null (default
// semantics apply to text/data per §4.3).
func (s Struct) PtrText(index uint16) (string, error) {
	p, err := s.pointer(index)
	if err != nil {
		return "", err
	}
	return p.Text()
}

// PtrTextStrict is PtrText plus UTF-8 validation: text that is not
// well-formed UTF-8 returns ErrInvalidUTF8 (§4.3's strict text variant).
func (s Struct) PtrTextStrict(index uint16) (string, error) {
	p, err := s.pointer(index)
	if err != nil {
		return "", err
	}
	return p.TextStrict()
}

func (s Struct) PtrData(index uint16) ([]byte, error) {
	p, err := s.pointer(index)
	if err != nil {
		return nil, err
	}
	return p.Data()
}

func (s Struct) PtrCapability(index uint16) (Client, error) {
	p, err := s.pointer(index)
	if err != nil {
		return nil, err
	}
	if p.IsNull() {
		return nil, nil
	}
	idx, ok := p.Capability()
	if !ok {
		return nil, decodeErrorf("capability field", ErrInvalidPointer)
	}
	if int(idx) >= len(s.msg.capTable) {
		return nil, decodeErrorf("capability field", ErrOutOfBounds)
	}
	return s.msg.capTable[idx], nil
}

// PtrIsNull reports whether pointer slot index is currently null.
func (s Struct) PtrIsNull(index uint16) bool {
	p, err := s.pointer(index)
	return err != nil || p.IsNull()
}

// --- allocating writers ---

// NewStruct allocates a fresh struct of the given shape in the same
// segment as s when possible and writes a pointer to it into slot index.
func (s Struct) NewStruct(index uint16, dataWords, ptrWords uint16) (Struct, error) {
	if index >= s.ptrWords {
		return Struct{}, decodeErrorf("struct field", ErrOutOfBounds)
	}
	child, err := allocStruct(s.msg, s.seg.id, dataWords, ptrWords)
	if err != nil {
		return Struct{}, err
	}
	if err := writeStructPointerInto(s.seg, s.ptrWordOffset(index), child); err != nil {
		return Struct{}, err
	}
	child.depth = s.depth + 1
	return child, nil
}

func allocStruct(msg *Message, preferSeg uint32, dataWords, ptrWords uint16) (Struct, error) {
	sz := (int32(dataWords) + int32(ptrWords)) * wordSize
	seg, off, err := msg.alloc(preferSeg, sz)
	if err != nil {
		return Struct{}, err
	}
	return Struct{msg: msg, seg: seg, off: off, dataWords: dataWords, ptrWords: ptrWords}, nil
}

// writeStructPointerInto writes a pointer to child at wordOffset in seg,
// emitting a single-far landing pad when child lives in a different
// segment (§4.1, §4.4).
func writeStructPointerInto(seg *Segment, wordOffset int32, child Struct) error {
	if seg.id == child.seg.id {
		rel := child.off - (wordOffset + 1)
		seg.writeWord(wordOffset, newStructPointer(rel, child.dataWords, child.ptrWords))
		return nil
	}
	return writeFarPointer(seg, wordOffset, child.seg, child.off, newStructPointer(0, child.dataWords, child.ptrWords))
}

// writeFarPointer lays down a single-far landing pad in the content's own
// segment (pointing at contentOff) and writes the far pointer at wordOffset
// in seg. When the content segment has no room left for the pad, the pad
// moves to whatever segment can hold it and becomes a double-far: one word
// targeting the content directly, one word carrying the tag (§4.1).
func writeFarPointer(seg *Segment, wordOffset int32, target *Segment, contentOff int32, tag rawPointer) error {
	padSeg, padOff, err := seg.msg.alloc(target.id, wordSize)
	if err != nil {
		return err
	}
	if padSeg.id == target.id {
		padSeg.writeWord(padOff, relocate(tag, contentOff-(padOff+1)))
		seg.writeWord(wordOffset, newFarPointer(false, uint32(padOff), padSeg.id))
		return nil
	}
	// The two pad words must be contiguous, so allocate them together
	// rather than extending the orphaned single word above.
	padSeg, padOff, err = seg.msg.alloc(padSeg.id, 2*wordSize)
	if err != nil {
		return err
	}
	padSeg.writeWord(padOff, newFarPointer(false, uint32(contentOff), target.id))
	padSeg.writeWord(padOff+1, tag)
	seg.writeWord(wordOffset, newFarPointer(true, uint32(padOff), padSeg.id))
	return nil
}

func relocate(tag rawPointer, rel int32) rawPointer {
	switch tag.kind() {
	case structPointer:
		return newStructPointer(rel, tag.structDataWords(), tag.structPtrWords())
	case listPointer:
		return newListPointer(rel, tag.listSize(), tag.listCount())
	default:
		return tag
	}
}

// SetPtrCapability writes a capability pointer into slot index, appending
// client to the message's capability table.
func (s Struct) SetPtrCapability(index uint16, client Client) error {
	if index >= s.ptrWords {
		return decodeErrorf("capability field", ErrOutOfBounds)
	}
	if client == nil {
		s.seg.writeWord(s.ptrWordOffset(index), 0)
		return nil
	}
	idx := s.msg.AddCap(client)
	s.seg.writeWord(s.ptrWordOffset(index), newCapabilityPointer(idx))
	return nil
}

// SetPtrText allocates storage for v (plus NUL terminator, §4.4) and
// writes a list pointer into slot index.
func (s Struct) SetPtrText(index uint16, v string) error {
	if index >= s.ptrWords {
		return decodeErrorf("text field", ErrOutOfBounds)
	}
	l, err := newByteList(s.msg, s.seg.id, int32(len(v))+1)
	if err != nil {
		return err
	}
	copy(l.rawBytes(), v)
	return writeListPointerInto(s.seg, s.ptrWordOffset(index), l)
}

// SetPtrData allocates storage for v and writes a list pointer into slot
// index.
func (s Struct) SetPtrData(index uint16, v []byte) error {
	if index >= s.ptrWords {
		return decodeErrorf("data field", ErrOutOfBounds)
	}
	l, err := newByteList(s.msg, s.seg.id, int32(len(v)))
	if err != nil {
		return err
	}
	copy(l.rawBytes(), v)
	return writeListPointerInto(s.seg, s.ptrWordOffset(index), l)
}

// SetPtrStruct deep-clones src, which may belong to a different Message
// entirely, into slot index (§4.5). A zero-value src clears the slot.
func (s Struct) SetPtrStruct(index uint16, src Struct) error {
	if index >= s.ptrWords {
		return decodeErrorf("struct field", ErrOutOfBounds)
	}
	if !src.IsValid() {
		s.seg.writeWord(s.ptrWordOffset(index), 0)
		return nil
	}
	clone, err := cloneStruct(s.msg, s.seg.id, src)
	if err != nil {
		return err
	}
	return writeStructPointerInto(s.seg, s.ptrWordOffset(index), clone)
}
