package capnp

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// List is a zero-copy view over a list of any element size (§4.3's typed
// list readers, collapsed into one type keyed by size tag, mirroring the
// reference engine's approach of sharing a single underlying representation
// across the typed wrappers).
type List struct {
	msg    *Message
	seg    *Segment
	off    int32 // word offset of element 0 (or, for inline composite, the first element's data section)
	size   ElementSize
	length int32
	// for inline composite only:
	dataWords uint16
	ptrWords  uint16
	depth     uint
}

// Len returns the number of elements.
func (l List) Len() int { return int(l.length) }

// IsValid reports whether the list refers to real storage.
func (l List) IsValid() bool { return l.msg != nil }

func (l List) elemBits() int32 {
	if l.size == sizeInlineComposite {
		return (int32(l.dataWords) + int32(l.ptrWords)) * 64
	}
	return int32(elementBits(l.size))
}

func (l List) bitOffset(i int) int64 {
	return int64(l.off)*64 + int64(i)*int64(l.elemBits())
}

func (l List) checkIndex(i int) bool {
	return l.msg != nil && i >= 0 && i < int(l.length)
}

func (l List) byteAt(i int, size int32) []byte {
	bitOff := l.bitOffset(i)
	byteOff := bitOff / 8
	return l.seg.data[byteOff : byteOff+int64(size)]
}

// rawBytes returns the backing bytes for a byte-sized (Text/Data) list.
func (l List) rawBytes() []byte {
	if l.length == 0 {
		return nil
	}
	byteOff := l.bitOffset(0) / 8
	return l.seg.data[byteOff : byteOff+int64(l.length)]
}

// --- primitive element getters and setters: an index outside the list
// reads as zero and writes nothing (checkIndex guards every access) ---

func (l List) Uint8(i int) uint8 {
	if !l.checkIndex(i) {
		return 0
	}
	return l.byteAt(i, 1)[0]
}

func (l List) Uint16(i int) uint16 {
	if !l.checkIndex(i) {
		return 0
	}
	return binary.LittleEndian.Uint16(l.byteAt(i, 2))
}

func (l List) Uint32(i int) uint32 {
	if !l.checkIndex(i) {
		return 0
	}
	return binary.LittleEndian.Uint32(l.byteAt(i, 4))
}

func (l List) Uint64(i int) uint64 {
	if !l.checkIndex(i) {
		return 0
	}
	return binary.LittleEndian.Uint64(l.byteAt(i, 8))
}

func (l List) Int8(i int) int8   { return int8(l.Uint8(i)) }
func (l List) Int16(i int) int16 { return int16(l.Uint16(i)) }
func (l List) Int32(i int) int32 { return int32(l.Uint32(i)) }
func (l List) Int64(i int) int64 { return int64(l.Uint64(i)) }

func (l List) Float32(i int) float32 { return math.Float32frombits(l.Uint32(i)) }
func (l List) Float64(i int) float64 { return math.Float64frombits(l.Uint64(i)) }

func (l List) Bool(i int) bool {
	if !l.checkIndex(i) {
		return false
	}
	bitOff := l.bitOffset(i)
	b := l.seg.data[bitOff/8]
	return b&(1<<uint(bitOff%8)) != 0
}

func (l List) SetUint8(i int, v uint8) {
	if l.checkIndex(i) {
		l.byteAt(i, 1)[0] = v
	}
}

func (l List) SetUint16(i int, v uint16) {
	if l.checkIndex(i) {
		binary.LittleEndian.PutUint16(l.byteAt(i, 2), v)
	}
}

func (l List) SetUint32(i int, v uint32) {
	if l.checkIndex(i) {
		binary.LittleEndian.PutUint32(l.byteAt(i, 4), v)
	}
}

func (l List) SetUint64(i int, v uint64) {
	if l.checkIndex(i) {
		binary.LittleEndian.PutUint64(l.byteAt(i, 8), v)
	}
}

func (l List) SetInt8(i int, v int8)   { l.SetUint8(i, uint8(v)) }
func (l List) SetInt16(i int, v int16) { l.SetUint16(i, uint16(v)) }
func (l List) SetInt32(i int, v int32) { l.SetUint32(i, uint32(v)) }
func (l List) SetInt64(i int, v int64) { l.SetUint64(i, uint64(v)) }

func (l List) SetFloat32(i int, v float32) { l.SetUint32(i, math.Float32bits(v)) }
func (l List) SetFloat64(i int, v float64) { l.SetUint64(i, math.Float64bits(v)) }

func (l List) SetBool(i int, v bool) {
	if !l.checkIndex(i) {
		return
	}
	bitOff := l.bitOffset(i)
	mask := byte(1) << uint(bitOff%8)
	p := &l.seg.data[bitOff/8]
	if v {
		*p |= mask
	} else {
		*p &^= mask
	}
}

// StructAt returns element i of an inline-composite (struct) list.
func (l List) StructAt(i int) (Struct, error) {
	if l.size != sizeInlineComposite {
		return Struct{}, decodeErrorf("struct list element", ErrInvalidPointer)
	}
	if !l.checkIndex(i) {
		return Struct{}, errors.WithStack(ErrOutOfBounds)
	}
	elemWords := int32(l.dataWords) + int32(l.ptrWords)
	off := l.off + int32(i)*elemWords
	depth, err := (Pointer{msg: l.msg, depth: l.depth}).descend()
	if err != nil {
		return Struct{}, err
	}
	return Struct{msg: l.msg, seg: l.seg, off: off, dataWords: l.dataWords, ptrWords: l.ptrWords, depth: depth}, nil
}

// PointerAt returns element i of a pointer list, resolved like any other
// pointer (§4.3's Pointer list getters).
func (l List) PointerAt(i int) (Pointer, error) {
	if l.size != sizePointer {
		return Pointer{}, decodeErrorf("pointer list element", ErrInvalidPointer)
	}
	if !l.checkIndex(i) {
		return Pointer{}, errors.WithStack(ErrOutOfBounds)
	}
	wordOff := l.off + int32(i)
	return readPointer(l.seg, wordOff, l.depth)
}

func (l List) TextAt(i int) (string, error) {
	p, err := l.PointerAt(i)
	if err != nil {
		return "", err
	}
	return p.Text()
}

func (l List) DataAt(i int) ([]byte, error) {
	p, err := l.PointerAt(i)
	if err != nil {
		return nil, err
	}
	return p.Data()
}

func (l List) StructListAt(i int) (List, error) {
	p, err := l.PointerAt(i)
	if err != nil {
		return List{}, err
	}
	return p.List()
}

func (l List) CapabilityAt(i int) (Client, error) {
	p, err := l.PointerAt(i)
	if err != nil {
		return nil, err
	}
	idx, ok := p.Capability()
	if !ok {
		if p.IsNull() {
			return nil, nil
		}
		return nil, decodeErrorf("capability list element", ErrInvalidPointer)
	}
	if int(idx) >= len(l.msg.capTable) {
		return nil, decodeErrorf("capability list element", ErrOutOfBounds)
	}
	return l.msg.capTable[idx], nil
}

// --- allocating constructors ---

func wordsForBits(count int64, bitsPerElem int32) int32 {
	if bitsPerElem == 0 {
		return 0
	}
	return int32((count*int64(bitsPerElem) + 63) / 64)
}

func sizeForKind(bits int32) ElementSize {
	switch bits {
	case 0:
		return sizeVoid
	case 1:
		return sizeBit
	case 8:
		return sizeByte
	case 16:
		return sizeTwoBytes
	case 32:
		return sizeFourBytes
	case 64:
		return sizeEightBytes
	default:
		return sizeEightBytes
	}
}

// newPrimitiveList allocates a list of count elements of bitsPerElem each.
func newPrimitiveList(msg *Message, preferSeg uint32, bitsPerElem int32, count int32) (List, error) {
	words := wordsForBits(int64(count), bitsPerElem)
	seg, off, err := msg.alloc(preferSeg, words*wordSize)
	if err != nil {
		return List{}, err
	}
	return List{msg: msg, seg: seg, off: off, size: sizeForKind(bitsPerElem), length: count}, nil
}

func newByteList(msg *Message, preferSeg uint32, count int32) (List, error) {
	return newPrimitiveList(msg, preferSeg, 8, count)
}

func newPointerList(msg *Message, preferSeg uint32, count int32) (List, error) {
	seg, off, err := msg.alloc(preferSeg, count*wordSize)
	if err != nil {
		return List{}, err
	}
	return List{msg: msg, seg: seg, off: off, size: sizePointer, length: count}, nil
}

// newStructList allocates an inline-composite list of count elements each
// shaped (dataWords, ptrWords), laying down the struct tag word first
// (§3.2, §4.1).
func newStructList(msg *Message, preferSeg uint32, count int32, dataWords, ptrWords uint16) (List, error) {
	elemWords := int32(dataWords) + int32(ptrWords)
	totalWords := 1 + count*elemWords
	seg, off, err := msg.alloc(preferSeg, totalWords*wordSize)
	if err != nil {
		return List{}, err
	}
	seg.writeWord(off, newStructTag(count, dataWords, ptrWords))
	return List{msg: msg, seg: seg, off: off + 1, size: sizeInlineComposite, length: count, dataWords: dataWords, ptrWords: ptrWords}, nil
}

// NewList allocates a list field in slot index of s with the given element
// size tag and count.
func (s Struct) NewList(index uint16, size ElementSize, count int32) (List, error) {
	if index >= s.ptrWords {
		return List{}, decodeErrorf("list field", ErrOutOfBounds)
	}
	var l List
	var err error
	switch size {
	case sizePointer:
		l, err = newPointerList(s.msg, s.seg.id, count)
	default:
		l, err = newPrimitiveList(s.msg, s.seg.id, int32(elementBits(size)), count)
	}
	if err != nil {
		return List{}, err
	}
	if err := writeListPointerInto(s.seg, s.ptrWordOffset(index), l); err != nil {
		return List{}, err
	}
	return l, nil
}

// NewStructList allocates an inline-composite list field in slot index.
func (s Struct) NewStructList(index uint16, count int32, dataWords, ptrWords uint16) (List, error) {
	if index >= s.ptrWords {
		return List{}, decodeErrorf("struct list field", ErrOutOfBounds)
	}
	l, err := newStructList(s.msg, s.seg.id, count, dataWords, ptrWords)
	if err != nil {
		return List{}, err
	}
	if err := writeListPointerInto(s.seg, s.ptrWordOffset(index), l); err != nil {
		return List{}, err
	}
	return l, nil
}

// SetPointerAt writes a capability/struct/list/text pointer into element i
// of a pointer list by deep-copying src (used by list-of-struct setters and
// deep clone).
func (l List) SetPointerAt(i int, src Pointer) error {
	if l.size != sizePointer || !l.checkIndex(i) {
		return decodeErrorf("pointer list element", ErrOutOfBounds)
	}
	return clonePointerInto(l.seg, l.off+int32(i), src)
}

// writeListPointerInto writes a pointer to list l at wordOffset in seg,
// emitting far-pointer landing pads (single, or double for inline
// composite) when l lives in a different segment (§4.1, §4.4).
func writeListPointerInto(seg *Segment, wordOffset int32, l List) error {
	tagOff := l.off
	if l.size == sizeInlineComposite {
		tagOff = l.off - 1
	}
	if seg.id == l.seg.id {
		rel := tagOff - (wordOffset + 1)
		if l.size == sizeInlineComposite {
			seg.writeWord(wordOffset, newListPointer(rel, sizeInlineComposite, wordsForListBody(l)))
		} else {
			seg.writeWord(wordOffset, newListPointer(rel, l.size, l.length))
		}
		return nil
	}
	var tag rawPointer
	if l.size == sizeInlineComposite {
		tag = newListPointer(0, sizeInlineComposite, wordsForListBody(l))
	} else {
		tag = newListPointer(0, l.size, l.length)
	}
	return writeFarPointer(seg, wordOffset, l.seg, tagOff, tag)
}

func wordsForListBody(l List) int32 {
	elemWords := int32(l.dataWords) + int32(l.ptrWords)
	return l.length * elemWords
}
