package capnp

// CloneAnyPointer copies a pointer subgraph from src (a reader in one
// message) into a fresh allocation inside dest (§4.5): struct pointers
// reproduce their exact (dataWords, ptrWords) layout and recurse field by
// field, primitive-element lists are bulk-copied, pointer lists and
// inline-composite lists recurse per element, and capabilities are
// re-emitted against dest's capability table. destSeg picks which segment
// the clone is allocated preferring to start in.
func CloneAnyPointer(dest *Message, destSeg uint32, src Pointer) (Pointer, error) {
	if src.IsNull() {
		return Pointer{msg: dest, null: true}, nil
	}
	switch src.raw.kind() {
	case structPointer:
		s, err := src.Struct()
		if err != nil {
			return Pointer{}, err
		}
		clone, err := cloneStruct(dest, destSeg, s)
		if err != nil {
			return Pointer{}, err
		}
		return Pointer{msg: dest, seg: clone.seg, off: clone.off, raw: newStructPointer(0, clone.dataWords, clone.ptrWords)}, nil
	case listPointer:
		l, err := src.List()
		if err != nil {
			return Pointer{}, err
		}
		clone, err := cloneList(dest, destSeg, l)
		if err != nil {
			return Pointer{}, err
		}
		tagOff := clone.off
		raw := newListPointer(0, clone.size, clone.length)
		if clone.size == sizeInlineComposite {
			tagOff = clone.off - 1
			raw = newListPointer(0, sizeInlineComposite, wordsForListBody(clone))
		}
		return Pointer{msg: dest, seg: clone.seg, off: tagOff, raw: raw}, nil
	case capabilityPointer:
		idx, _ := src.Capability()
		var client Client
		if src.msg != nil && int(idx) < len(src.msg.capTable) {
			client = src.msg.capTable[idx]
		}
		newIdx := dest.AddCap(client)
		return Pointer{msg: dest, raw: newCapabilityPointer(newIdx)}, nil
	default:
		return Pointer{}, decodeErrorf("clone", ErrInvalidPointer)
	}
}

func cloneStruct(dest *Message, preferSeg uint32, src Struct) (Struct, error) {
	if !src.IsValid() {
		return Struct{}, nil
	}
	dst, err := allocStruct(dest, preferSeg, src.dataWords, src.ptrWords)
	if err != nil {
		return Struct{}, err
	}
	copy(dst.seg.data[dst.off*wordSize:(dst.off+int32(dst.dataWords))*wordSize],
		src.seg.data[src.off*wordSize:(src.off+int32(src.dataWords))*wordSize])
	for i := uint16(0); i < src.ptrWords; i++ {
		p, err := src.pointer(i)
		if err != nil {
			return Struct{}, err
		}
		if p.IsNull() {
			continue
		}
		if err := clonePointerInto(dst.seg, dst.ptrWordOffset(i), p); err != nil {
			return Struct{}, err
		}
	}
	return dst, nil
}

func cloneList(dest *Message, preferSeg uint32, src List) (List, error) {
	switch src.size {
	case sizeInlineComposite:
		dst, err := newStructList(dest, preferSeg, src.length, src.dataWords, src.ptrWords)
		if err != nil {
			return List{}, err
		}
		for i := 0; i < int(src.length); i++ {
			elem, err := src.StructAt(i)
			if err != nil {
				return List{}, err
			}
			elemDst, err := dst.StructAt(i)
			if err != nil {
				return List{}, err
			}
			copy(elemDst.seg.data[elemDst.off*wordSize:(elemDst.off+int32(elemDst.dataWords))*wordSize],
				elem.seg.data[elem.off*wordSize:(elem.off+int32(elem.dataWords))*wordSize])
			for j := uint16(0); j < elem.ptrWords; j++ {
				p, err := elem.pointer(j)
				if err != nil {
					return List{}, err
				}
				if p.IsNull() {
					continue
				}
				if err := clonePointerInto(elemDst.seg, elemDst.ptrWordOffset(j), p); err != nil {
					return List{}, err
				}
			}
		}
		return dst, nil
	case sizePointer:
		dst, err := newPointerList(dest, preferSeg, src.length)
		if err != nil {
			return List{}, err
		}
		for i := 0; i < int(src.length); i++ {
			p, err := src.PointerAt(i)
			if err != nil {
				return List{}, err
			}
			if p.IsNull() {
				continue
			}
			if err := clonePointerInto(dst.seg, dst.off+int32(i), p); err != nil {
				return List{}, err
			}
		}
		return dst, nil
	default:
		dst, err := newPrimitiveList(dest, preferSeg, int32(elementBits(src.size)), src.length)
		if err != nil {
			return List{}, err
		}
		if src.length > 0 {
			srcBytes := src.rawPrimitiveBytes()
			dstBytes := dst.rawPrimitiveBytes()
			copy(dstBytes, srcBytes)
		}
		return dst, nil
	}
}

// rawPrimitiveBytes returns the backing bytes for any fixed-width
// primitive list (bulk copy path for deep-clone, §4.5).
func (l List) rawPrimitiveBytes() []byte {
	bits := int64(l.elemBits()) * int64(l.length)
	nbytes := (bits + 7) / 8
	byteOff := l.bitOffset(0) / 8
	return l.seg.data[byteOff : byteOff+nbytes]
}

// clonePointerInto deep-clones src into dest's segment at wordOffset,
// preferring to allocate new storage in seg's segment.
func clonePointerInto(seg *Segment, wordOffset int32, src Pointer) error {
	if src.IsNull() {
		seg.writeWord(wordOffset, 0)
		return nil
	}
	clone, err := CloneAnyPointer(seg.msg, seg.id, src)
	if err != nil {
		return err
	}
	switch clone.raw.kind() {
	case capabilityPointer:
		seg.writeWord(wordOffset, clone.raw)
	case structPointer:
		s, err := clone.Struct()
		if err != nil {
			return err
		}
		return writeStructPointerInto(seg, wordOffset, s)
	case listPointer:
		l, err := clone.List()
		if err != nil {
			return err
		}
		return writeListPointerInto(seg, wordOffset, l)
	}
	return nil
}
