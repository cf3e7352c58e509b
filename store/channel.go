package store

import (
	"errors"
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// Writer: sequential appends to one channel
// ---------------------------------------------------------------------------

// Writer appends to a single channel. A Writer is owned by one goroutine;
// different Writers may be used concurrently.
type Writer struct {
	s   *Store
	ch  *channel
	buf []byte // current, not yet written block
	err error  // sticky I/O error
}

// ID returns the channel id.
func (w *Writer) ID() ChannelID {
	return w.ch.id
}

// Len returns the number of bytes written so far, including buffered bytes.
func (w *Writer) Len() int64 {
	w.ch.mu.RLock()
	defer w.ch.mu.RUnlock()
	return w.ch.length + int64(len(w.buf))
}

// Write appends p to the channel.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for len(p) > 0 {
		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n
		if len(w.buf) == cap(w.buf) {
			if err := w.flushBlock(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// WriteByte appends one byte to the channel.
func (w *Writer) WriteByte(b byte) error {
	if w.err != nil {
		return w.err
	}
	w.buf = append(w.buf, b)
	if len(w.buf) == cap(w.buf) {
		return w.flushBlock()
	}
	return nil
}

// flushBlock writes the buffered bytes into a freshly allocated block.
func (w *Writer) flushBlock() error {
	if len(w.buf) == 0 {
		return nil
	}
	blk, err := w.s.allocBlock()
	if err != nil {
		w.err = err
		return err
	}
	if _, err := w.s.f.WriteAt(w.buf, blk*int64(w.s.blockSize)); err != nil {
		w.err = fmt.Errorf("store: write channel %d: %w", w.ch.id, err)
		return w.err
	}
	bytesAppended.Add(float64(len(w.buf)))
	w.ch.mu.Lock()
	w.ch.blocks = append(w.ch.blocks, blk)
	w.ch.length += int64(len(w.buf))
	w.ch.mu.Unlock()
	w.buf = w.buf[:0]
	return nil
}

// Close flushes the trailing partial block and finishes the channel. The
// channel can then be read with OpenReader. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.ch.mu.RLock()
	writing := w.ch.writing
	w.ch.mu.RUnlock()
	if !writing {
		return nil
	}
	err := w.flushBlock()
	if w.err == nil {
		w.err = ErrWriterClosed
	}
	w.ch.mu.Lock()
	w.ch.writing = false
	w.ch.writer = nil
	w.ch.mu.Unlock()
	return err
}

// ---------------------------------------------------------------------------
// Reader: sequential and random reads of a finished channel
// ---------------------------------------------------------------------------

// Reader reads a channel from a given offset. It implements io.Reader,
// io.ByteReader and io.Seeker.
type Reader struct {
	s      *Store
	id     ChannelID
	blocks []int64
	length int64
	pos    int64

	buf      []byte // contents of block bufBlock
	bufBlock int
}

// OpenReader opens a channel for reading starting at fromOffset.
func (s *Store) OpenReader(id ChannelID, fromOffset int64) (*Reader, error) {
	blocks, length, err := s.snapshot(id)
	if err != nil {
		return nil, err
	}
	if fromOffset < 0 || fromOffset > length {
		return nil, fmt.Errorf("store: offset %d outside channel %d of length %d", fromOffset, id, length)
	}
	return &Reader{
		s:        s,
		id:       id,
		blocks:   blocks,
		length:   length,
		pos:      fromOffset,
		buf:      make([]byte, 0, s.blockSize),
		bufBlock: -1,
	}, nil
}

// Len returns the channel length.
func (r *Reader) Len() int64 {
	return r.length
}

// Pos returns the current read offset.
func (r *Reader) Pos() int64 {
	return r.pos
}

// load makes the block containing pos current.
func (r *Reader) load() error {
	bs := int64(r.s.blockSize)
	idx := int(r.pos / bs)
	if idx == r.bufBlock {
		return nil
	}
	n := bs
	if rest := r.length - int64(idx)*bs; rest < n {
		n = rest
	}
	r.buf = r.buf[:n]
	if err := r.s.readBlock(r.buf, r.blocks[idx]); err != nil {
		r.bufBlock = -1
		return err
	}
	r.bufBlock = idx
	return nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.length {
		return 0, io.EOF
	}
	if err := r.load(); err != nil {
		return 0, err
	}
	off := int(r.pos % int64(r.s.blockSize))
	n := copy(p, r.buf[off:])
	r.pos += int64(n)
	return n, nil
}

// ReadByte implements io.ByteReader.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= r.length {
		return 0, io.EOF
	}
	if err := r.load(); err != nil {
		return 0, err
	}
	b := r.buf[r.pos%int64(r.s.blockSize)]
	r.pos++
	return b, nil
}

// Seek implements io.Seeker. Seeking past the end is an error.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.length + offset
	default:
		return r.pos, fmt.Errorf("store: invalid whence %d", whence)
	}
	if abs < 0 || abs > r.length {
		return r.pos, fmt.Errorf("store: seek to %d outside channel %d of length %d", abs, r.id, r.length)
	}
	r.pos = abs
	return abs, nil
}

// ---------------------------------------------------------------------------
// BackwardReader: chunk-wise iteration from the end of a channel
// ---------------------------------------------------------------------------

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("store: writer closed")

// ErrChunkAlignment is returned when a backward chunk size is not positive.
var ErrChunkAlignment = errors.New("store: backward chunk size must be positive")

// BackwardReader yields a channel's contents as fixed-size chunks, starting
// with the last chunk. Chunk k covers [k*size, (k+1)*size), so every chunk
// except the last one (yielded first) is exactly size bytes long. Records
// of a fixed width that divides size therefore never straddle two chunks.
type BackwardReader struct {
	r     *Reader
	size  int64
	next  int64 // index of the chunk Next returns
	chunk []byte
}

// OpenBackward opens a backward chunk iterator on a finished channel.
func (s *Store) OpenBackward(id ChannelID, chunkSize int) (*BackwardReader, error) {
	if chunkSize <= 0 {
		return nil, ErrChunkAlignment
	}
	r, err := s.OpenReader(id, 0)
	if err != nil {
		return nil, err
	}
	size := int64(chunkSize)
	return &BackwardReader{
		r:     r,
		size:  size,
		next:  (r.length+size-1)/size - 1,
		chunk: make([]byte, chunkSize),
	}, nil
}

// Next returns the previous chunk, or io.EOF once the start of the channel
// was passed. The returned slice is valid until the following call.
func (b *BackwardReader) Next() ([]byte, error) {
	if b.next < 0 {
		return nil, io.EOF
	}
	start := b.next * b.size
	end := start + b.size
	if end > b.r.length {
		end = b.r.length
	}
	if _, err := b.r.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	buf := b.chunk[:end-start]
	if _, err := io.ReadFull(b.r, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = fmt.Errorf("%w: channel %d ended early", ErrCorrupt, b.r.id)
		}
		return nil, err
	}
	b.next--
	return buf, nil
}

// Remaining returns the number of bytes not yet returned by Next.
func (b *BackwardReader) Remaining() int64 {
	if b.next < 0 {
		return 0
	}
	end := (b.next + 1) * b.size
	if end > b.r.length {
		end = b.r.length
	}
	return end
}
