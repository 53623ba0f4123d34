package capnp

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/tunnelwire/capnp/capnp/packed"
)

// Marshal computes the framed byte encoding of msg (§3.1, §4.4): a
// (segmentCount-1) u32 LE header, segmentCount u32 LE word-lengths,
// optional zero padding to 8-byte alignment, then the segment payloads in
// order.
func Marshal(msg *Message) ([]byte, error) {
	n := msg.Arena.NumSegments()
	if n == 0 {
		return nil, decodeErrorf("marshal", errors.New("message has no segments"))
	}
	segs := make([][]byte, n)
	total := 0
	for i := int64(0); i < n; i++ {
		// Read through the message's segment table rather than the arena:
		// the arena's own length records lag behind in-progress builds.
		seg, err := msg.segment(uint32(i))
		if err != nil {
			return nil, err
		}
		segs[i] = seg.data
		total += len(seg.data)
	}
	headerWords := (n + 2) / 2 // (count + sizes) rounded up to whole words
	out := make([]byte, 0, int(headerWords)*wordSize+total)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(n-1))
	out = append(out, buf...)
	for _, s := range segs {
		binary.LittleEndian.PutUint32(buf, uint32(len(s)/wordSize))
		out = append(out, buf...)
	}
	if n%2 == 0 {
		out = append(out, 0, 0, 0, 0)
	}
	for _, s := range segs {
		out = append(out, s...)
	}
	return out, nil
}

// Decoder is a streaming frame reader for unpacked messages.
type Decoder struct {
	r              io.Reader
	MaxSegments    uint32
	TraversalLimit uint64
	DepthLimit     uint
}

// NewDecoder returns a Decoder reading framed messages from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, MaxSegments: DefaultSegmentLimit}
}

// Decode reads one complete framed message (§4.6's reassembly state
// machine, collapsed into a blocking read sequence since io.Reader already
// presents a byte stream abstraction).
func (d *Decoder) Decode() (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return nil, frameErr(err)
	}
	segCount := binary.LittleEndian.Uint32(hdr[:]) + 1
	limit := d.MaxSegments
	if limit == 0 {
		limit = DefaultSegmentLimit
	}
	if segCount > limit {
		return nil, decodeErrorf("decode", ErrSegmentLimitExceeded)
	}
	sizeBuf := make([]byte, int(segCount)*4)
	if _, err := io.ReadFull(d.r, sizeBuf); err != nil {
		return nil, frameErr(err)
	}
	sizes := make([]int64, segCount)
	var total int64
	for i := range sizes {
		words := binary.LittleEndian.Uint32(sizeBuf[i*4:])
		sizes[i] = int64(words) * wordSize
		total += sizes[i]
		if total < 0 || total > (1<<40) {
			return nil, decodeErrorf("decode", errors.New("segment size overflow"))
		}
	}
	if segCount%2 == 0 {
		var pad [4]byte
		if _, err := io.ReadFull(d.r, pad[:]); err != nil {
			return nil, frameErr(err)
		}
	}
	arena := NewMultiSegmentArena().(*multiSegmentArena)
	for _, sz := range sizes {
		buf := make([]byte, sz)
		if sz > 0 {
			if _, err := io.ReadFull(d.r, buf); err != nil {
				return nil, frameErr(err)
			}
		}
		arena.bufs = append(arena.bufs, buf)
	}
	msg := &Message{Arena: arena, segs: make(map[uint32]*Segment), TraversalLimit: d.TraversalLimit, DepthLimit: d.DepthLimit}
	msg.ResetReadLimit()
	return msg, nil
}

func frameErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return decodeErrorf("decode", ErrTruncatedMessage)
	}
	return decodeErrorf("decode", err)
}

// Encoder streams framed messages to w without intermediate buffering of
// segment payloads (the "streaming variant" of §4.4's serialization): only
// the small segment-table header is staged, each segment's bytes go
// straight from its arena to the writer.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode writes msg's framed encoding to the underlying writer.
func (e *Encoder) Encode(msg *Message) error {
	n := msg.Arena.NumSegments()
	if n == 0 {
		return decodeErrorf("encode", errors.New("message has no segments"))
	}
	hdr := make([]byte, 0, (n+2)/2*wordSize)
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(n-1))
	hdr = append(hdr, count[:]...)
	segs := make([][]byte, n)
	for i := int64(0); i < n; i++ {
		seg, err := msg.segment(uint32(i))
		if err != nil {
			return err
		}
		segs[i] = seg.data
		binary.LittleEndian.PutUint32(count[:], uint32(len(seg.data)/wordSize))
		hdr = append(hdr, count[:]...)
	}
	if n%2 == 0 {
		hdr = append(hdr, 0, 0, 0, 0)
	}
	if _, err := e.w.Write(hdr); err != nil {
		return err
	}
	for _, s := range segs {
		if _, err := e.w.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// MarshalPacked returns the packed form of msg's framed encoding (§4.1,
// §4.4's to_packed_bytes).
func MarshalPacked(msg *Message) ([]byte, error) {
	b, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return packed.Pack(b)
}

// UnmarshalPacked decodes a message from its packed framed encoding (the
// framer's packed input mode, §4.6).
func UnmarshalPacked(b []byte) (*Message, error) {
	raw, err := packed.Unpack(b)
	if err != nil {
		return nil, decodeErrorf("unpack", err)
	}
	return Unmarshal(raw)
}

// Unmarshal decodes a single framed message from b.
func Unmarshal(b []byte) (*Message, error) {
	dec := NewDecoder(&sliceReader{b: b})
	return dec.Decode()
}

type sliceReader struct {
	b   []byte
	pos int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.pos:])
	s.pos += n
	return n, nil
}
