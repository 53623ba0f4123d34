package capnp

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Pointer is a decoded, far-pointer-resolved reference: the segment and
// word offset its content actually lives at, plus the original struct/list/
// capability pointer word describing its shape (§4.1's resolve_pointer).
type Pointer struct {
	msg  *Message
	seg  *Segment
	off  int32 // word offset of content, valid only when !null
	raw  rawPointer
	null bool
	// depth is the struct/list descent nesting count accumulated so far
	// (§3.3's nesting limit), distinct from far-pointer chase depth.
	depth uint
}

// IsNull reports whether the pointer is the null pointer (all-zero word).
func (p Pointer) IsNull() bool { return p.null }

// readPointer reads and fully resolves the pointer word at wordOffset in
// seg, following far pointers (single or double) per §4.1.
func readPointer(seg *Segment, wordOffset int32, depth uint) (Pointer, error) {
	raw, err := seg.readWord(wordOffset)
	if err != nil {
		return Pointer{}, decodeErrorf("read pointer", err)
	}
	if raw.isZero() {
		return Pointer{msg: seg.msg, null: true, depth: depth}, nil
	}
	return resolveFrom(seg, wordOffset, raw, 0, depth)
}

// resolveFrom resolves raw, which was read at wordOffset in seg, chasing
// far-pointer indirection up to MaxFarPointerDepth hops.
func resolveFrom(seg *Segment, wordOffset int32, raw rawPointer, farDepth int, depth uint) (Pointer, error) {
	if farDepth > MaxFarPointerDepth {
		return Pointer{}, decodeErrorf("resolve pointer", ErrPointerDepthLimit)
	}
	switch raw.kind() {
	case farPointer:
		target, err := seg.msg.segment(raw.farSegmentID())
		if err != nil {
			return Pointer{}, decodeErrorf("far pointer target segment", ErrInvalidFarPointer)
		}
		padOff := int32(raw.farPadOffset())
		if !raw.farIsDouble() {
			landingRaw, err := target.readWord(padOff)
			if err != nil {
				return Pointer{}, decodeErrorf("far pointer landing pad", ErrInvalidFarPointer)
			}
			return resolveFrom(target, padOff, landingRaw, farDepth+1, depth)
		}
		far1, err := target.readWord(padOff)
		if err != nil || far1.kind() != farPointer || far1.farIsDouble() {
			return Pointer{}, decodeErrorf("double far pointer", ErrInvalidFarPointer)
		}
		tag, err := target.readWord(padOff + 1)
		if err != nil {
			return Pointer{}, decodeErrorf("double far tag word", ErrInvalidFarPointer)
		}
		contentSeg, err := seg.msg.segment(far1.farSegmentID())
		if err != nil {
			return Pointer{}, decodeErrorf("double far content segment", ErrInvalidFarPointer)
		}
		contentOff := int32(far1.farPadOffset())
		return Pointer{msg: seg.msg, seg: contentSeg, off: contentOff, raw: tagWithZeroOffset(tag), depth: depth}, nil
	case capabilityPointer:
		return Pointer{msg: seg.msg, raw: raw, depth: depth}, nil
	default: // struct or list: offset relative to the word immediately after wordOffset
		var contentOff int32
		if raw.kind() == structPointer {
			contentOff = wordOffset + 1 + raw.structOffset()
		} else {
			contentOff = wordOffset + 1 + raw.listOffset()
		}
		return Pointer{msg: seg.msg, seg: seg, off: contentOff, raw: raw, depth: depth}, nil
	}
}

// tagWithZeroOffset rewrites a double-far tag word's offset field to zero,
// since its content begins exactly at the landing pad's target, not one
// word after some other position.
func tagWithZeroOffset(tag rawPointer) rawPointer {
	switch tag.kind() {
	case structPointer:
		return newStructPointer(0, tag.structDataWords(), tag.structPtrWords())
	case listPointer:
		return newListPointer(0, tag.listSize(), tag.listCount())
	default:
		return tag
	}
}

func (p Pointer) descend() (uint, error) {
	d := p.depth + 1
	if d > p.msg.depthLimit() {
		return 0, errors.WithStack(ErrNestingLimitExceeded)
	}
	return d, nil
}

// Struct interprets the pointer as a struct pointer.
func (p Pointer) Struct() (Struct, error) {
	if p.null {
		return Struct{}, nil
	}
	if p.raw.kind() != structPointer {
		return Struct{}, decodeErrorf("struct pointer", ErrInvalidPointer)
	}
	depth, err := p.descend()
	if err != nil {
		return Struct{}, err
	}
	dataWords := p.raw.structDataWords()
	ptrWords := p.raw.structPtrWords()
	if p.off < 0 || int64(p.off)+int64(dataWords)+int64(ptrWords) > int64(p.seg.length()) {
		return Struct{}, decodeErrorf("struct pointer", ErrOutOfBounds)
	}
	if err := p.msg.chargeTraversal(uint64(dataWords) + uint64(ptrWords)); err != nil {
		return Struct{}, err
	}
	return Struct{
		msg:       p.msg,
		seg:       p.seg,
		off:       p.off,
		dataWords: dataWords,
		ptrWords:  ptrWords,
		depth:     depth,
	}, nil
}

// List interprets the pointer as a list pointer of any element size.
func (p Pointer) List() (List, error) {
	if p.null {
		return List{}, nil
	}
	if p.raw.kind() != listPointer {
		return List{}, decodeErrorf("list pointer", ErrInvalidPointer)
	}
	depth, err := p.descend()
	if err != nil {
		return List{}, err
	}
	size := p.raw.listSize()
	if size == sizeInlineComposite {
		tag, err := p.seg.readWord(p.off)
		if err != nil {
			return List{}, decodeErrorf("inline composite tag", err)
		}
		if tag.kind() != structPointer {
			return List{}, decodeErrorf("inline composite tag", ErrInvalidInlineCompositePointer)
		}
		count := structTagElementCount(tag)
		elemWords := int32(tag.structDataWords()) + int32(tag.structPtrWords())
		wordCount := p.raw.listCount()
		if count < 0 || elemWords < 0 || int64(count)*int64(elemWords) > int64(wordCount) {
			return List{}, decodeErrorf("inline composite size", ErrInvalidInlineCompositePointer)
		}
		if p.off < 0 || int64(p.off)+1+int64(wordCount) > int64(p.seg.length()) {
			return List{}, decodeErrorf("inline composite bounds", ErrOutOfBounds)
		}
		if err := p.msg.chargeTraversal(uint64(wordCount)); err != nil {
			return List{}, err
		}
		return List{
			msg: p.msg, seg: p.seg, off: p.off + 1, size: size, length: count,
			dataWords: tag.structDataWords(), ptrWords: tag.structPtrWords(), depth: depth,
		}, nil
	}
	count := p.raw.listCount()
	bits := elementBits(size)
	totalWords := (int64(count)*int64(bits) + 63) / 64
	if p.off < 0 || int64(p.off)+totalWords > int64(p.seg.length()) {
		return List{}, decodeErrorf("list bounds", ErrListTooLarge)
	}
	if err := p.msg.chargeTraversal(uint64(totalWords)); err != nil {
		return List{}, err
	}
	return List{msg: p.msg, seg: p.seg, off: p.off, size: size, length: count, depth: depth}, nil
}

// Text interprets the pointer as a list of bytes whose final element is a
// NUL terminator, per §3.3; returns "" for a null pointer.
func (p Pointer) Text() (string, error) {
	if p.null {
		return "", nil
	}
	l, err := p.List()
	if err != nil {
		return "", err
	}
	if l.size != sizeByte {
		return "", decodeErrorf("text", ErrInvalidPointer)
	}
	if l.length == 0 {
		return "", nil
	}
	raw := l.rawBytes()
	return string(raw[:len(raw)-1]), nil
}

// TextStrict is Text plus UTF-8 validation (§4.3's strict text variant):
// bytes that are not well-formed UTF-8 return ErrInvalidUTF8.
func (p Pointer) TextStrict() (string, error) {
	s, err := p.Text()
	if err != nil {
		return "", err
	}
	if !utf8.ValidString(s) {
		return "", decodeErrorf("text", ErrInvalidUTF8)
	}
	return s, nil
}

// Data interprets the pointer as a list of bytes; returns nil for a null
// pointer.
func (p Pointer) Data() ([]byte, error) {
	if p.null {
		return nil, nil
	}
	l, err := p.List()
	if err != nil {
		return nil, err
	}
	if l.size != sizeByte {
		return nil, decodeErrorf("data", ErrInvalidPointer)
	}
	return l.rawBytes(), nil
}

// Capability interprets the pointer as a capability-table index.
func (p Pointer) Capability() (uint32, bool) {
	if p.null || p.raw.kind() != capabilityPointer {
		return 0, false
	}
	return p.raw.capabilityIndex(), true
}

func elementBits(size ElementSize) int {
	switch size {
	case sizeVoid:
		return 0
	case sizeBit:
		return 1
	case sizeByte:
		return 8
	case sizeTwoBytes:
		return 16
	case sizeFourBytes:
		return 32
	case sizeEightBytes, sizePointer:
		return 64
	default:
		return 0
	}
}
