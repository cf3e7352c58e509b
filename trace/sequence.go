package trace

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/chazu/dynslice/tracer"
	"github.com/chazu/dynslice/varcodec"
)

// checkpointInterval is the number of values between two offsets kept for
// backward decoding of uncompressed sequences.
const checkpointInterval = 512

// SequenceReader yields the values of one slot newest first. Next returns
// io.EOF once the oldest value was returned.
type SequenceReader struct {
	slot int
	desc tracer.Descriptor
	size int64
	src  valueSource
}

type valueSource interface {
	next() (int64, error)
	consumed() int64
}

// Sequence opens a backward reader on a slot's sequence.
func (tt *ThreadTrace) Sequence(slot int) (*SequenceReader, error) {
	d, ok := tt.seqs[slot]
	if !ok {
		return nil, fmt.Errorf("%w %d of thread %d", ErrNoSequence, slot, tt.ID)
	}
	st := tt.tr.st
	size, err := st.Length(d.Channel)
	if err != nil {
		return nil, corrupt(fmt.Sprintf("slot %d channel", slot), err)
	}
	r, err := st.OpenReader(d.Channel, 0)
	if err != nil {
		return nil, corrupt(fmt.Sprintf("slot %d channel", slot), err)
	}
	decode := varcodec.ReadLong
	if d.Kind == tracer.KindInt {
		decode = func(br io.ByteReader) (int64, error) {
			v, err := varcodec.ReadInt(br)
			return int64(v), err
		}
	}

	sr := &SequenceReader{slot: slot, desc: d, size: size}
	switch {
	case d.Strategy == tracer.StrategySwitching && !d.Deflated:
		sr.src = &forwardSource{r: r, pos: r.Pos, decode: decode}
	case d.Strategy == tracer.StrategySwitching:
		sr.src = &forwardSource{r: bufio.NewReader(flate.NewReader(r)), pos: r.Pos, decode: decode}
	case d.Strategy == tracer.StrategyUncompressed:
		src, err := newCheckpointSource(r, decode)
		if err != nil {
			return nil, sr.wrap(err)
		}
		sr.src = src
	case d.Strategy == tracer.StrategyCompressed:
		src, err := newInflatedSource(r, decode, size)
		if err != nil {
			return nil, sr.wrap(err)
		}
		sr.src = src
	default:
		return nil, fmt.Errorf("%w: slot %d has strategy %v", ErrCorrupt, slot, d.Strategy)
	}
	return sr, nil
}

func (r *SequenceReader) wrap(err error) error {
	if err == io.EOF {
		return err
	}
	return corrupt(fmt.Sprintf("slot %d", r.slot), err)
}

// Next returns the next older value.
func (r *SequenceReader) Next() (int64, error) {
	v, err := r.src.next()
	if err != nil {
		return 0, r.wrap(err)
	}
	return v, nil
}

// Slot returns the slot the reader belongs to.
func (r *SequenceReader) Slot() int {
	return r.slot
}

// Descriptor returns the descriptor of the sequence.
func (r *SequenceReader) Descriptor() tracer.Descriptor {
	return r.desc
}

// Size returns the stored size of the sequence in bytes.
func (r *SequenceReader) Size() int64 {
	return r.size
}

// Consumed estimates how many stored bytes have been read so far.
func (r *SequenceReader) Consumed() int64 {
	return r.src.consumed()
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// forwardSource decodes data that was already stored newest first.
type forwardSource struct {
	r      io.ByteReader
	pos    func() int64
	decode func(io.ByteReader) (int64, error)
}

func (s *forwardSource) next() (int64, error) {
	return s.decode(s.r)
}

func (s *forwardSource) consumed() int64 {
	return s.pos()
}

// positionedReader is implemented by store.Reader and memReader. Len is the
// total length, Pos the offset of the next byte.
type positionedReader interface {
	io.ByteReader
	io.Seeker
	Pos() int64
	Len() int64
}

// checkpointSource reads an uncompressed, oldest-first sequence backward.
// A forward scan records the offset of every checkpointInterval-th value;
// chunks between checkpoints are then decoded from the last one to the
// first and returned reversed.
type checkpointSource struct {
	r      positionedReader
	decode func(io.ByteReader) (int64, error)
	marks  []int64 // offsets of chunk starts, plus the channel length
	chunk  int     // index into marks of the current chunk
	buf    []int64
}

func newCheckpointSource(r positionedReader, decode func(io.ByteReader) (int64, error)) (*checkpointSource, error) {
	s := &checkpointSource{r: r, decode: decode}
	for n := 0; ; n++ {
		if n%checkpointInterval == 0 {
			s.marks = append(s.marks, r.Pos())
		}
		if _, err := decode(r); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
	}
	if last := s.marks[len(s.marks)-1]; last != r.Len() {
		s.marks = append(s.marks, r.Len())
	}
	s.chunk = len(s.marks) - 1
	return s, nil
}

func (s *checkpointSource) next() (int64, error) {
	for len(s.buf) == 0 {
		if s.chunk == 0 {
			return 0, io.EOF
		}
		s.chunk--
		if _, err := s.r.Seek(s.marks[s.chunk], io.SeekStart); err != nil {
			return 0, err
		}
		end := s.marks[s.chunk+1]
		for s.r.Pos() < end {
			v, err := s.decode(s.r)
			if err != nil {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return 0, err
			}
			s.buf = append(s.buf, v)
		}
	}
	v := s.buf[len(s.buf)-1]
	s.buf = s.buf[:len(s.buf)-1]
	return v, nil
}

func (s *checkpointSource) consumed() int64 {
	return s.marks[len(s.marks)-1] - s.marks[s.chunk]
}

// inflatedSource reads a compressed, oldest-first sequence backward. The
// deflate stream is inflated once into memory, still VarCodec encoded, and
// then read through checkpoints like an uncompressed sequence.
type inflatedSource struct {
	*checkpointSource
	stored   int64
	inflated int64
}

func newInflatedSource(r io.Reader, decode func(io.ByteReader) (int64, error), stored int64) (*inflatedSource, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, flate.NewReader(r)); err != nil {
		return nil, err
	}
	cs, err := newCheckpointSource(memReader{bytes.NewReader(buf.Bytes())}, decode)
	if err != nil {
		return nil, err
	}
	return &inflatedSource{checkpointSource: cs, stored: stored, inflated: int64(buf.Len())}, nil
}

// consumed scales inflated progress to stored bytes.
func (s *inflatedSource) consumed() int64 {
	if s.inflated == 0 {
		return s.stored
	}
	return s.stored * s.checkpointSource.consumed() / s.inflated
}

// memReader gives an in-memory buffer the position methods of store.Reader.
type memReader struct {
	*bytes.Reader
}

func (m memReader) Pos() int64 {
	return m.Size() - int64(m.Reader.Len())
}

func (m memReader) Len() int64 {
	return m.Size()
}
