package tracer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/chazu/dynslice/store"
	"github.com/chazu/dynslice/varcodec"
)

var (
	// ErrSequenceFinished is returned when a value is traced after Finish.
	ErrSequenceFinished = errors.New("tracer: sequence already finished")
	// ErrNotFinished is returned when the descriptor of a live sequence is
	// requested.
	ErrNotFinished = errors.New("tracer: sequence not finished")
	// ErrKindMismatch is returned when a 64-bit value is traced into an int
	// sequence.
	ErrKindMismatch = errors.New("tracer: 64-bit value traced into int sequence")
)

// Sequence is the value log of one (thread, slot) pair. A Sequence is owned
// by a single goroutine.
type Sequence interface {
	TraceInt(v int32) error
	TraceLong(v int64) error
	// Finish finalizes the sequence. Further traces fail; a second Finish
	// is a no-op.
	Finish() error
	// Descriptor returns the persisted form of a successfully finished
	// sequence.
	Descriptor() (Descriptor, error)
}

// SequenceFactory creates the sequence for a slot on its first traced value.
type SequenceFactory func(st *store.Store, kind ElementKind, opts Options) (Sequence, error)

// NewSequence is the default SequenceFactory. It builds the strategy named
// in opts.
func NewSequence(st *store.Store, kind ElementKind, opts Options) (Sequence, error) {
	switch opts.Strategy {
	case StrategyUncompressed:
		return newUncompressed(st, kind)
	case StrategyCompressed:
		return newCompressed(st, kind)
	case StrategySwitching:
		return newSwitching(st, kind, opts), nil
	}
	return nil, fmt.Errorf("tracer: unknown strategy %v", opts.Strategy)
}

// base holds the bookkeeping shared by all strategies.
type base struct {
	kind     ElementKind
	finished bool
	failed   error
	desc     Descriptor
}

func (b *base) check(long bool) error {
	if b.finished {
		return ErrSequenceFinished
	}
	if long && b.kind == KindInt {
		return ErrKindMismatch
	}
	return nil
}

func (b *base) Descriptor() (Descriptor, error) {
	if !b.finished {
		return Descriptor{}, ErrNotFinished
	}
	if b.failed != nil {
		return Descriptor{}, b.failed
	}
	return b.desc, nil
}

// ---------------------------------------------------------------------------
// Uncompressed
// ---------------------------------------------------------------------------

type uncompressedSequence struct {
	base
	w *store.Writer
}

func newUncompressed(st *store.Store, kind ElementKind) (*uncompressedSequence, error) {
	w, err := st.OpenChannel()
	if err != nil {
		return nil, err
	}
	return &uncompressedSequence{
		base: base{kind: kind, desc: Descriptor{Strategy: StrategyUncompressed, Kind: kind, Channel: w.ID()}},
		w:    w,
	}, nil
}

func (s *uncompressedSequence) TraceInt(v int32) error {
	if err := s.check(false); err != nil {
		return err
	}
	return varcodec.WriteInt(s.w, v)
}

func (s *uncompressedSequence) TraceLong(v int64) error {
	if err := s.check(true); err != nil {
		return err
	}
	return varcodec.WriteLong(s.w, v)
}

func (s *uncompressedSequence) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	s.failed = s.w.Close()
	return s.failed
}

// ---------------------------------------------------------------------------
// Compressed
// ---------------------------------------------------------------------------

type compressedSequence struct {
	base
	w  *store.Writer
	fw *flate.Writer
	bw *bufio.Writer
}

func newCompressed(st *store.Store, kind ElementKind) (*compressedSequence, error) {
	w, err := st.OpenChannel()
	if err != nil {
		return nil, err
	}
	fw, err := flate.NewWriter(w, flate.BestSpeed)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &compressedSequence{
		base: base{kind: kind, desc: Descriptor{Strategy: StrategyCompressed, Kind: kind, Channel: w.ID()}},
		w:    w,
		fw:   fw,
		bw:   bufio.NewWriter(fw),
	}, nil
}

func (s *compressedSequence) TraceInt(v int32) error {
	if err := s.check(false); err != nil {
		return err
	}
	return varcodec.WriteInt(s.bw, v)
}

func (s *compressedSequence) TraceLong(v int64) error {
	if err := s.check(true); err != nil {
		return err
	}
	return varcodec.WriteLong(s.bw, v)
}

func (s *compressedSequence) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	err := s.bw.Flush()
	if cerr := s.fw.Close(); err == nil {
		err = cerr
	}
	if cerr := s.w.Close(); err == nil {
		err = cerr
	}
	s.failed = err
	return err
}

// ---------------------------------------------------------------------------
// Switching
// ---------------------------------------------------------------------------

// backwardChunk is the chunk size used to reread a spill channel from its
// end. It is a multiple of both fixed widths.
const backwardChunk = 8 * 1024

// switchingSequence keeps values in memory while their encoded size stays
// at or below the switch threshold. Past it, values go to a spill channel
// as fixed-width big-endian integers so the channel can be reread from the
// end in aligned chunks. Finish stores the values newest first.
type switchingSequence struct {
	base
	st   *store.Store
	opts Options

	mem     []int64
	memSize int

	spill   *store.Writer
	scratch [8]byte
}

func newSwitching(st *store.Store, kind ElementKind, opts Options) *switchingSequence {
	return &switchingSequence{
		base: base{kind: kind},
		st:   st,
		opts: opts,
	}
}

func (s *switchingSequence) TraceInt(v int32) error {
	if err := s.check(false); err != nil {
		return err
	}
	return s.add(int64(v))
}

func (s *switchingSequence) TraceLong(v int64) error {
	if err := s.check(true); err != nil {
		return err
	}
	return s.add(v)
}

func (s *switchingSequence) add(v int64) error {
	if s.spill != nil {
		return s.writeFixed(v)
	}
	s.mem = append(s.mem, v)
	s.memSize += varcodec.LongLen(v)
	if s.memSize <= s.opts.SwitchThreshold {
		return nil
	}

	w, err := s.st.OpenChannel()
	if err != nil {
		return err
	}
	s.spill = w
	sequenceSpills.Inc()
	for _, m := range s.mem {
		if err := s.writeFixed(m); err != nil {
			return err
		}
	}
	s.mem = nil
	return nil
}

func (s *switchingSequence) writeFixed(v int64) error {
	width := s.kind.fixedWidth()
	if width == 4 {
		binary.BigEndian.PutUint32(s.scratch[:4], uint32(int32(v)))
	} else {
		binary.BigEndian.PutUint64(s.scratch[:], uint64(v))
	}
	_, err := s.spill.Write(s.scratch[:width])
	return err
}

func (s *switchingSequence) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	s.failed = s.finish()
	return s.failed
}

func (s *switchingSequence) finish() error {
	s.desc = Descriptor{Strategy: StrategySwitching, Kind: s.kind}
	if s.spill == nil {
		w, err := s.st.OpenChannel()
		if err != nil {
			return err
		}
		for i := len(s.mem) - 1; i >= 0; i-- {
			if err := varcodec.WriteLong(w, s.mem[i]); err != nil {
				w.Close()
				return err
			}
		}
		s.mem = nil
		s.desc.Channel = w.ID()
		return w.Close()
	}

	if err := s.spill.Close(); err != nil {
		return err
	}
	reversed, err := s.reverseSpill()
	if err != nil {
		return err
	}
	if err := s.st.Remove(s.spill.ID()); err != nil {
		return err
	}

	n, err := s.st.Length(reversed)
	if err != nil {
		return err
	}
	if n <= int64(s.opts.CompressThreshold) {
		s.desc.Channel = reversed
		return nil
	}
	deflated, err := s.deflate(reversed)
	if err != nil {
		return err
	}
	if err := s.st.Remove(reversed); err != nil {
		return err
	}
	s.desc.Channel = deflated
	s.desc.Deflated = true
	return nil
}

// reverseSpill rereads the spill channel from its end and writes its values
// newest first, VarCodec encoded, into a fresh channel.
func (s *switchingSequence) reverseSpill() (store.ChannelID, error) {
	br, err := s.st.OpenBackward(s.spill.ID(), backwardChunk)
	if err != nil {
		return 0, err
	}
	out, err := s.st.OpenChannel()
	if err != nil {
		return 0, err
	}
	width := s.kind.fixedWidth()
	for {
		chunk, err := br.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			return 0, err
		}
		if len(chunk)%width != 0 {
			out.Close()
			return 0, fmt.Errorf("%w: spill channel %d not aligned", store.ErrCorrupt, s.spill.ID())
		}
		for i := len(chunk) - width; i >= 0; i -= width {
			var v int64
			if width == 4 {
				v = int64(int32(binary.BigEndian.Uint32(chunk[i:])))
			} else {
				v = int64(binary.BigEndian.Uint64(chunk[i:]))
			}
			if err := varcodec.WriteLong(out, v); err != nil {
				out.Close()
				return 0, err
			}
		}
	}
	return out.ID(), out.Close()
}

// deflate copies a finished channel through a deflate stream into a fresh
// channel.
func (s *switchingSequence) deflate(src store.ChannelID) (store.ChannelID, error) {
	r, err := s.st.OpenReader(src, 0)
	if err != nil {
		return 0, err
	}
	out, err := s.st.OpenChannel()
	if err != nil {
		return 0, err
	}
	fw, err := flate.NewWriter(out, flate.BestSpeed)
	if err != nil {
		out.Close()
		return 0, err
	}
	if _, err := io.Copy(fw, r); err != nil {
		out.Close()
		return 0, err
	}
	if err := fw.Close(); err != nil {
		out.Close()
		return 0, err
	}
	sequencesDeflated.Inc()
	return out.ID(), out.Close()
}
