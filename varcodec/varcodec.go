// Package varcodec implements the variable-length integer encoding used for
// every value stored in a trace.
//
// Small values, and in particular runs of nearby instruction indices, take a
// single byte. Everything else is written as a marker byte announcing the
// payload width followed by the big-endian two's-complement payload:
//
//	value in [-120, 127]      ->  1 byte  (the signed byte itself)
//	otherwise                 ->  marker 0x80+(w-1), then w payload bytes
//
// The eight marker values 0x80..0x87 are the signed bytes -128..-121, which
// is why those values need a marker even though they fit in one byte.
package varcodec

import (
	"errors"
	"fmt"
	"io"
)

// ErrCorrupt reports a malformed encoded value: an unknown marker or a
// stream that ends inside a payload. It is never recoverable.
var ErrCorrupt = errors.New("varcodec: corrupt encoded value")

const (
	markerBase byte = 0x80
	// minInline is the smallest value written without a marker.
	minInline = -120
	maxInline = 127

	// MaxLongLen is the longest encoding of an int64.
	MaxLongLen = 9
	// MaxIntLen is the longest encoding of an int32.
	MaxIntLen = 5
)

// width returns the number of payload bytes needed for v.
func width(v int64) int {
	for w := 1; w < 8; w++ {
		limit := int64(1) << (8*w - 1)
		if v >= -limit && v < limit {
			return w
		}
	}
	return 8
}

// LongLen returns the encoded size of v.
func LongLen(v int64) int {
	if v >= minInline && v <= maxInline {
		return 1
	}
	return 1 + width(v)
}

// IntLen returns the encoded size of v.
func IntLen(v int32) int {
	return LongLen(int64(v))
}

// AppendLong appends the encoding of v to dst.
func AppendLong(dst []byte, v int64) []byte {
	if v >= minInline && v <= maxInline {
		return append(dst, byte(int8(v)))
	}
	w := width(v)
	dst = append(dst, markerBase+byte(w-1))
	for shift := 8 * (w - 1); shift >= 0; shift -= 8 {
		dst = append(dst, byte(v>>uint(shift)))
	}
	return dst
}

// AppendInt appends the encoding of v to dst.
func AppendInt(dst []byte, v int32) []byte {
	return AppendLong(dst, int64(v))
}

// WriteLong writes the encoding of v to w.
func WriteLong(w io.ByteWriter, v int64) error {
	var scratch [MaxLongLen]byte
	for _, b := range AppendLong(scratch[:0], v) {
		if err := w.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// WriteInt writes the encoding of v to w.
func WriteInt(w io.ByteWriter, v int32) error {
	return WriteLong(w, int64(v))
}

// ReadLong decodes one value. A clean end of stream before the first byte
// returns io.EOF; an end of stream inside a payload returns ErrCorrupt.
func ReadLong(r io.ByteReader) (int64, error) {
	return read(r, 8)
}

// ReadInt decodes one value written by WriteInt or AppendInt.
func ReadInt(r io.ByteReader) (int32, error) {
	v, err := read(r, 4)
	return int32(v), err
}

func read(r io.ByteReader, maxWidth int) (int64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if s := int8(first); s >= minInline {
		return int64(s), nil
	}
	w := int(first-markerBase) + 1
	if w > maxWidth {
		return 0, fmt.Errorf("%w: marker 0x%02x announces %d bytes, limit %d", ErrCorrupt, first, w, maxWidth)
	}
	var v uint64
	for i := 0; i < w; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		v = v<<8 | uint64(b)
	}
	// sign-extend from w bytes
	shift := uint(64 - 8*w)
	return int64(v<<shift) >> shift, nil
}

// Decode decodes one value from the start of buf and returns it with the
// number of bytes consumed.
func Decode(buf []byte) (int64, int, error) {
	r := sliceReader{buf: buf}
	v, err := read(&r, 8)
	if err == io.EOF {
		err = fmt.Errorf("%w: %w", ErrCorrupt, io.ErrUnexpectedEOF)
	}
	return v, r.off, err
}

type sliceReader struct {
	buf []byte
	off int
}

func (s *sliceReader) ReadByte() (byte, error) {
	if s.off >= len(s.buf) {
		return 0, io.EOF
	}
	b := s.buf[s.off]
	s.off++
	return b, nil
}
