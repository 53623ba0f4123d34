package capnp

// Canonicalize produces a single-segment encoding of a struct with the
// root's trailing all-zero data words and trailing null pointers trimmed,
// so two roots that differ only in that padding serialize to identical
// bytes (§4.5, supplementing deep-clone). Only the root is trimmed: the
// structs and lists its pointers reach are deep-cloned with their original
// shapes.
func Canonicalize(root Struct) (*Message, error) {
	dst, err := NewMessage(NewSingleSegmentArena(nil))
	if err != nil {
		return nil, err
	}
	if !root.IsValid() {
		if _, err := allocStruct(dst, 0, 0, 0); err != nil {
			return nil, err
		}
		return dst, dst.placeCanonicalRoot(0, 0)
	}
	dataWords, ptrWords := canonicalStructSize(root)
	canon, err := allocStruct(dst, 0, dataWords, ptrWords)
	if err != nil {
		return nil, err
	}
	if err := fillCanonicalStruct(canon, root); err != nil {
		return nil, err
	}
	return dst, dst.placeCanonicalRoot(dataWords, ptrWords)
}

// placeCanonicalRoot rewrites segment 0's root pointer word to reference
// the struct immediately following it, since allocStruct doesn't write the
// root pointer itself.
func (m *Message) placeCanonicalRoot(dataWords, ptrWords uint16) error {
	seg, err := m.segment(0)
	if err != nil {
		return err
	}
	seg.writeWord(0, newStructPointer(0, dataWords, ptrWords))
	return nil
}

// canonicalStructSize trims trailing zero data words and trailing null
// pointers from src's nominal shape.
func canonicalStructSize(src Struct) (dataWords, ptrWords uint16) {
	dataWords = src.dataWords
	for dataWords > 0 {
		word := src.seg.data[(src.off+int32(dataWords)-1)*wordSize : (src.off+int32(dataWords))*wordSize]
		allZero := true
		for _, b := range word {
			if b != 0 {
				allZero = false
				break
			}
		}
		if !allZero {
			break
		}
		dataWords--
	}
	ptrWords = src.ptrWords
	for ptrWords > 0 {
		if !src.PtrIsNull(ptrWords - 1) {
			break
		}
		ptrWords--
	}
	return dataWords, ptrWords
}

func fillCanonicalStruct(dst, src Struct) error {
	copy(dst.seg.data[dst.off*wordSize:(dst.off+int32(dst.dataWords))*wordSize],
		src.seg.data[src.off*wordSize:(src.off+int32(dst.dataWords))*wordSize])
	for i := uint16(0); i < dst.ptrWords; i++ {
		p, err := src.pointer(i)
		if err != nil {
			return err
		}
		if p.IsNull() {
			continue
		}
		if err := clonePointerInto(dst.seg, dst.ptrWordOffset(i), p); err != nil {
			return err
		}
	}
	return nil
}
