// Package capnp implements the Cap'n Proto wire-format engine: segment
// storage, pointer encoding, zero-copy readers, and allocating builders.
package capnp

import (
	"github.com/pkg/errors"
)

const wordSize = 8

// DefaultTraversalLimit is the default read-traversal word budget (§3.3).
const DefaultTraversalLimit = 8 * 1024 * 1024 // 8Mi words

// DefaultDepthLimit is the default pointer-nesting depth cap (§3.3).
const DefaultDepthLimit = 64

// MaxFarPointerDepth is the hard cap on far-pointer indirection chains (§4.1).
const MaxFarPointerDepth = 8

// DefaultSegmentLimit bounds the number of segments a framed message may carry (§3.1).
const DefaultSegmentLimit = 512

// Segment is a single word-aligned byte arena belonging to one Message.
type Segment struct {
	msg  *Message
	id   uint32
	data []byte
}

// ID returns the segment's index within its message.
func (s *Segment) ID() uint32 { return s.id }

// Data returns the segment's raw bytes.
func (s *Segment) Data() []byte { return s.data }

// Message returns the Message s belongs to.
func (s *Segment) Message() *Message { return s.msg }

func (s *Segment) length() int32 { return int32(len(s.data) / wordSize) }

func (s *Segment) readWord(offsetWords int32) (rawPointer, error) {
	byteOff := int64(offsetWords) * wordSize
	if offsetWords < 0 || byteOff+wordSize > int64(len(s.data)) {
		return 0, errors.WithStack(ErrOutOfBounds)
	}
	b := s.data[byteOff : byteOff+wordSize]
	v := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
	return rawPointer(v), nil
}

func (s *Segment) writeWord(offsetWords int32, p rawPointer) {
	byteOff := int64(offsetWords) * wordSize
	b := s.data[byteOff : byteOff+wordSize]
	v := uint64(p)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

// Arena supplies growable segment storage to a Message under construction,
// in the spirit of the reference engine's pluggable Arena interface: the
// default implementation keeps everything in memory, but callers may supply
// their own (e.g. pooled) arena.
type Arena interface {
	// NumSegments returns the number of segments currently allocated.
	NumSegments() int64
	// Data returns the bytes of segment id, or an error if it does not exist.
	Data(id uint32) ([]byte, error)
	// Allocate finds at least minsz bytes of segment space, preferring the
	// given segment id when its policy allows, and returns the chosen
	// segment id and its full backing slice.
	Allocate(minsz int32, prefer uint32, segs map[uint32]*Segment) (uint32, []byte, error)
}

// singleSegmentArena is the default Arena: one growable []byte.
type singleSegmentArena struct {
	buf []byte
}

// NewSingleSegmentArena returns an Arena that always allocates into one
// segment, reusing b's backing array when possible.
func NewSingleSegmentArena(b []byte) Arena {
	return &singleSegmentArena{buf: b}
}

func (a *singleSegmentArena) NumSegments() int64 {
	if a.buf == nil {
		return 0
	}
	return 1
}

func (a *singleSegmentArena) Data(id uint32) ([]byte, error) {
	if id != 0 || a.buf == nil {
		return nil, errors.WithStack(ErrOutOfBounds)
	}
	return a.buf, nil
}

func (a *singleSegmentArena) Allocate(minsz int32, prefer uint32, segs map[uint32]*Segment) (uint32, []byte, error) {
	base := len(a.buf)
	if seg, ok := segs[0]; ok {
		base = len(seg.data)
	}
	need := base + int(minsz)
	if cap(a.buf) < need {
		grown := make([]byte, base, growSize(int32(cap(a.buf)), int32(need)))
		copy(grown, a.buf[:base])
		a.buf = grown
	} else {
		a.buf = a.buf[:base]
	}
	return 0, a.buf[:cap(a.buf)], nil
}

// multiSegmentArena allocates a new segment whenever an existing one can't
// satisfy a request, matching the reference engine's default growth policy
// for messages that outgrow a single segment (cross-segment far pointers,
// §4.1).
type multiSegmentArena struct {
	bufs [][]byte
}

// NewMultiSegmentArena returns an Arena over the given segment buffers
// (each may carry spare capacity), growing by appending new segments once
// none of them can satisfy an allocation.
func NewMultiSegmentArena(bufs ...[]byte) Arena {
	return &multiSegmentArena{bufs: bufs}
}

func (a *multiSegmentArena) NumSegments() int64 { return int64(len(a.bufs)) }

func (a *multiSegmentArena) Data(id uint32) ([]byte, error) {
	if int64(id) >= int64(len(a.bufs)) {
		return nil, errors.WithStack(ErrOutOfBounds)
	}
	return a.bufs[id], nil
}

func (a *multiSegmentArena) Allocate(minsz int32, prefer uint32, segs map[uint32]*Segment) (uint32, []byte, error) {
	if int64(prefer) < int64(len(a.bufs)) && a.fits(prefer, minsz, segs) {
		return prefer, a.bufs[prefer][:cap(a.bufs[prefer])], nil
	}
	for id := 0; id < len(a.bufs); id++ {
		if a.fits(uint32(id), minsz, segs) {
			return uint32(id), a.bufs[id][:cap(a.bufs[id])], nil
		}
	}
	id := uint32(len(a.bufs))
	a.bufs = append(a.bufs, make([]byte, 0, growSize(0, minsz)))
	return id, a.bufs[id][:cap(a.bufs[id])], nil
}

func (a *multiSegmentArena) fits(id uint32, minsz int32, segs map[uint32]*Segment) bool {
	base := len(a.bufs[id])
	if seg, ok := segs[id]; ok {
		base = len(seg.data)
	}
	return cap(a.bufs[id])-base >= int(minsz)
}

func growSize(have, want int32) int32 {
	if have == 0 {
		have = 1024
	}
	for have < want {
		have *= 2
	}
	return have
}

// Message is a tree of segments and the root it points to (§3.1).
type Message struct {
	Arena Arena

	segs     map[uint32]*Segment
	capTable []Client

	// TraversalLimit and DepthLimit bound read-side traversal (§3.3);
	// zero means "use the package default".
	TraversalLimit uint64
	DepthLimit     uint

	readLimit    uint64
	readLimitSet bool
}

// NewMessage creates a Message for building, reserving segment 0's first
// word for the root pointer (idempotent first-call semantics, §4.4).
func NewMessage(arena Arena) (*Message, error) {
	msg := &Message{Arena: arena, segs: make(map[uint32]*Segment)}
	needRoot := arena.NumSegments() == 0
	if !needRoot {
		data, err := arena.Data(0)
		if err != nil {
			return nil, decodeErrorf("segment", err)
		}
		needRoot = len(data) == 0
	}
	if needRoot {
		if _, err := msg.allocSegment(wordSize, 0); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (m *Message) limit() uint64 {
	if m.TraversalLimit != 0 {
		return m.TraversalLimit
	}
	return DefaultTraversalLimit
}

func (m *Message) depthLimit() uint {
	if m.DepthLimit != 0 {
		return m.DepthLimit
	}
	return DefaultDepthLimit
}

// ResetReadLimit reinitializes the traversal word budget (call once before
// reading a message read from the wire).
func (m *Message) ResetReadLimit() {
	m.readLimit = m.limit()
	m.readLimitSet = true
}

// chargeTraversal decrements the remaining read budget, returning
// ErrTraversalLimitExceeded if it would go negative (§3.3, §8.1).
func (m *Message) chargeTraversal(words uint64) error {
	if !m.readLimitSet {
		m.ResetReadLimit()
	}
	if words > m.readLimit {
		return errors.WithStack(ErrTraversalLimitExceeded)
	}
	m.readLimit -= words
	return nil
}

func (m *Message) segment(id uint32) (*Segment, error) {
	if s, ok := m.segs[id]; ok {
		return s, nil
	}
	data, err := m.Arena.Data(id)
	if err != nil {
		return nil, decodeErrorf("segment", err)
	}
	s := &Segment{msg: m, id: id, data: data}
	m.segs[id] = s
	return s, nil
}

// Root returns the message's root pointer (segment 0, word 0).
func (m *Message) Root() (Pointer, error) {
	seg, err := m.segment(0)
	if err != nil {
		return Pointer{}, err
	}
	return readPointer(seg, 0, 0)
}

// RootStruct reads the root as a struct, as most messages do.
func (m *Message) RootStruct() (Struct, error) {
	p, err := m.Root()
	if err != nil {
		return Struct{}, err
	}
	return p.Struct()
}

// NewRootStruct allocates a struct of the given shape and sets it as the
// message's root, or returns the existing root struct if one was already
// set (idempotent first-call semantics, §4.4).
func NewRootStruct(m *Message, dataWords, ptrWords uint16) (Struct, error) {
	p, err := m.Root()
	if err != nil {
		return Struct{}, err
	}
	if !p.IsNull() {
		return p.Struct()
	}
	seg, err := m.segment(0)
	if err != nil {
		return Struct{}, err
	}
	child, err := allocStruct(m, 0, dataWords, ptrWords)
	if err != nil {
		return Struct{}, err
	}
	if err := writeStructPointerInto(seg, 0, child); err != nil {
		return Struct{}, err
	}
	return child, nil
}

// NewRootStructInSegment allocates the root struct preferring the given
// segment; when it lands outside segment 0, the root pointer word becomes a
// single-far to it (§4.4). Re-allocating a root outside segment 0 is
// rejected.
func NewRootStructInSegment(m *Message, segID uint32, dataWords, ptrWords uint16) (Struct, error) {
	p, err := m.Root()
	if err != nil {
		return Struct{}, err
	}
	if !p.IsNull() {
		if segID != 0 {
			return Struct{}, decodeErrorf("root", ErrRootReallocated)
		}
		return p.Struct()
	}
	seg0, err := m.segment(0)
	if err != nil {
		return Struct{}, err
	}
	child, err := allocStruct(m, segID, dataWords, ptrWords)
	if err != nil {
		return Struct{}, err
	}
	if err := writeStructPointerInto(seg0, 0, child); err != nil {
		return Struct{}, err
	}
	return child, nil
}

// allocSegment grows (or picks) a segment with at least sz free bytes and
// returns it, tracking it in m.segs.
func (m *Message) allocSegment(sz int32, prefer uint32) (*Segment, error) {
	sz = (sz + wordSize - 1) / wordSize * wordSize
	id, data, err := m.Arena.Allocate(sz, prefer, m.segs)
	if err != nil {
		return nil, decodeErrorf("allocate", err)
	}
	seg, ok := m.segs[id]
	if !ok {
		seg = &Segment{msg: m, id: id}
		m.segs[id] = seg
	}
	base := len(seg.data)
	seg.data = data[:base+int(sz)]
	for i := base; i < base+int(sz); i++ {
		seg.data[i] = 0
	}
	return seg, nil
}

// alloc reserves sz bytes and returns the segment and word offset the
// allocation starts at. The preferred segment id is advisory: the arena's
// own placement policy decides, and a caller that ends up in a different
// segment than its pointer's origin emits a far pointer (§4.1).
func (m *Message) alloc(prefer uint32, sz int32) (*Segment, int32, error) {
	seg, err := m.allocSegment(sz, prefer)
	if err != nil {
		return nil, 0, err
	}
	off := (int32(len(seg.data)) - sz) / wordSize
	return seg, off, nil
}

// NumSegments reports how many segments the message currently has.
func (m *Message) NumSegments() int {
	return int(m.Arena.NumSegments())
}

// Size returns the message's total framed size in bytes: segment-table
// header plus every segment's payload (§3.1), as Marshal would emit it.
func (m *Message) Size() uint64 {
	n := m.Arena.NumSegments()
	total := uint64((n+2)/2) * wordSize
	for i := int64(0); i < n; i++ {
		seg, err := m.segment(uint32(i))
		if err != nil {
			continue
		}
		total += uint64(len(seg.data))
	}
	return total
}

// CapTable is the message's capability table, indexed by capability
// pointer (§3.2, §4.7); used by the RPC layer to attach live clients to an
// inbound or outbound payload.
func (m *Message) CapTable() []Client { return m.capTable }

// SetCapTable replaces the message's capability table wholesale.
func (m *Message) SetCapTable(t []Client) { m.capTable = t }

// AddCap appends a client to the capability table and returns its index.
func (m *Message) AddCap(c Client) uint32 {
	m.capTable = append(m.capTable, c)
	return uint32(len(m.capTable) - 1)
}
