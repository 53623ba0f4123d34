package capnp

import "github.com/pkg/errors"

// ValidateOptions bounds a validation walk (§4.2). Zero fields fall back
// to the package defaults.
type ValidateOptions struct {
	TraversalWords uint64
	DepthLimit     uint
	SegmentLimit   uint32
}

// Validate walks the reachable pointer graph from msg's root, charging the
// traversal word budget at every pointer followed and the nesting counter
// at every descent, and checking the segment count once up front (§4.2).
// It fails with ErrTraversalLimitExceeded, ErrNestingLimitExceeded,
// ErrSegmentLimitExceeded, or any of the pointer-codec decode errors.
// Validation is optional for trusted inputs but mandatory for anything
// crossing a trust boundary.
//
// The walk consumes msg's read budget; callers that go on to read the
// message afterwards should call ResetReadLimit first.
func Validate(msg *Message, opts ValidateOptions) error {
	segLimit := opts.SegmentLimit
	if segLimit == 0 {
		segLimit = DefaultSegmentLimit
	}
	if msg.Arena.NumSegments() > int64(segLimit) {
		return errors.WithStack(ErrSegmentLimitExceeded)
	}
	savedTraversal, savedDepth := msg.TraversalLimit, msg.DepthLimit
	if opts.TraversalWords != 0 {
		msg.TraversalLimit = opts.TraversalWords
	}
	if opts.DepthLimit != 0 {
		msg.DepthLimit = opts.DepthLimit
	}
	msg.ResetReadLimit()
	root, err := msg.Root()
	if err == nil {
		err = walkPointer(root)
	}
	msg.TraversalLimit, msg.DepthLimit = savedTraversal, savedDepth
	return err
}

func walkPointer(p Pointer) error {
	if p.IsNull() {
		return nil
	}
	switch p.raw.kind() {
	case structPointer:
		s, err := p.Struct()
		if err != nil {
			return err
		}
		return walkStruct(s)
	case listPointer:
		l, err := p.List()
		if err != nil {
			return err
		}
		return walkList(l)
	case capabilityPointer:
		return nil
	default:
		return decodeErrorf("validate", ErrInvalidPointer)
	}
}

func walkStruct(s Struct) error {
	for i := uint16(0); i < s.ptrWords; i++ {
		child, err := s.pointer(i)
		if err != nil {
			return err
		}
		if err := walkPointer(child); err != nil {
			return err
		}
	}
	return nil
}

func walkList(l List) error {
	switch l.size {
	case sizePointer:
		for i := 0; i < l.Len(); i++ {
			child, err := l.PointerAt(i)
			if err != nil {
				return err
			}
			if err := walkPointer(child); err != nil {
				return err
			}
		}
	case sizeInlineComposite:
		for i := 0; i < l.Len(); i++ {
			elem, err := l.StructAt(i)
			if err != nil {
				return err
			}
			if err := walkStruct(elem); err != nil {
				return err
			}
		}
	}
	return nil
}
