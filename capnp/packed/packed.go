// Package packed implements Cap'n Proto's packed encoding (§4.1): a
// byte-oriented compression of the mostly-zero words a typical message is
// made of, grounded on the packing algorithm described in the core
// specification and cross-checked against the wire output the reference
// engine's vendored capnp library produces.
package packed

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

const wordSize = 8

var ErrTruncated = errors.New("packed: truncated stream")

// Pack compresses data, whose length must be a multiple of 8, into the
// packed byte encoding. A one-pass size estimate (worst case: every byte a
// literal, one tag byte per 8) sizes the output buffer up front per §4.1.
func Pack(data []byte) ([]byte, error) {
	if len(data)%wordSize != 0 {
		return nil, errors.New("packed: input not word-aligned")
	}
	out := make([]byte, 0, len(data)+len(data)/wordSize+1)
	nwords := len(data) / wordSize
	i := 0
	for i < nwords {
		word := data[i*wordSize : i*wordSize+wordSize]
		if isZeroWord(word) {
			run := 0
			for i+run < nwords && run < 255 && isZeroWord(data[(i+run)*wordSize:(i+run)*wordSize+wordSize]) {
				run++
			}
			out = append(out, 0x00, byte(run-1))
			i += run
			continue
		}
		// Literal run: after a word with all 8 bytes nonzero, the following
		// words are copied verbatim as long as each has at least 7 nonzero
		// bytes; the run stops at the first zero word, the first word with
		// 6 or fewer nonzero bytes, or after 255 extra words.
		tag, tagByte := packTagByte(word)
		out = append(out, tagByte)
		out = append(out, tag...)
		i++
		if tagByte == 0xFF {
			extra := 0
			for i+extra < nwords && extra < 255 {
				w := data[(i+extra)*wordSize : (i+extra)*wordSize+wordSize]
				if isZeroWord(w) || countNonzero(w) <= 6 {
					break
				}
				extra++
			}
			out = append(out, byte(extra))
			for k := 0; k < extra; k++ {
				out = append(out, data[(i+k)*wordSize:(i+k)*wordSize+wordSize]...)
			}
			i += extra
		}
	}
	return out, nil
}

func isZeroWord(w []byte) bool {
	for _, b := range w {
		if b != 0 {
			return false
		}
	}
	return true
}

func countNonzero(w []byte) int {
	n := 0
	for _, b := range w {
		if b != 0 {
			n++
		}
	}
	return n
}

// packTagByte returns the nonzero bytes of word (the tag body) and the tag
// byte itself: one bit set per nonzero byte, or 0xFF if all 8 are nonzero
// (signaling a literal run, §4.1).
func packTagByte(word []byte) ([]byte, byte) {
	if countNonzero(word) == 8 {
		return word, 0xFF
	}
	var tag byte
	var body []byte
	for i, b := range word {
		if b != 0 {
			tag |= 1 << uint(i)
			body = append(body, b)
		}
	}
	return body, tag
}

// Unpack expands a packed byte stream back to its word-aligned form.
func Unpack(packed []byte) ([]byte, error) {
	var out bytes.Buffer
	r := bytes.NewReader(packed)
	for {
		tag, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0x00:
			count, err := r.ReadByte()
			if err != nil {
				return nil, ErrTruncated
			}
			for i := 0; i < int(count)+1; i++ {
				out.Write(zeroWord)
			}
		case 0xFF:
			var word [8]byte
			if _, err := io.ReadFull(r, word[:]); err != nil {
				return nil, ErrTruncated
			}
			out.Write(word[:])
			count, err := r.ReadByte()
			if err != nil {
				return nil, ErrTruncated
			}
			extra := make([]byte, int(count)*wordSize)
			if _, err := io.ReadFull(r, extra); err != nil {
				return nil, ErrTruncated
			}
			out.Write(extra)
		default:
			var word [8]byte
			for i := 0; i < 8; i++ {
				if tag&(1<<uint(i)) != 0 {
					b, err := r.ReadByte()
					if err != nil {
						return nil, ErrTruncated
					}
					word[i] = b
				}
			}
			out.Write(word[:])
		}
	}
	return out.Bytes(), nil
}

var zeroWord = make([]byte, wordSize)

// Writer packs each Write's payload and writes it to the underlying
// io.Writer; callers must supply whole words.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (pw *Writer) Write(p []byte) (int, error) {
	packed, err := Pack(p)
	if err != nil {
		return 0, err
	}
	if _, err := pw.w.Write(packed); err != nil {
		return 0, err
	}
	return len(p), nil
}
