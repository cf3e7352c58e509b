// Package store implements a multiplexed file: one physical file hosting many
// independent append-only byte streams ("channels").
//
// The file is divided into fixed-size blocks. Each channel owns an ordered
// list of blocks; a writer fills one block in memory and writes it in place
// with WriteAt once it is full, so channels belonging to different threads
// never contend for anything but the block allocator. Removed channels hand
// their blocks back to a free list which later allocations drain first.
//
// On Close the channel directory is written after the last data block and a
// fixed-size trailer pointing at it ends the file:
//
//	+-------------+-----+-------------+-----------+---------+
//	| block 0     | ... | block n-1   | directory | trailer |
//	+-------------+-----+-------------+-----------+---------+
//
// A closed store can be reopened read-only with Open.
package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/dynslice/varcodec"
)

// DefaultBlockSize is the block size used when Options leaves it zero.
const DefaultBlockSize = 16 * 1024

// Trailer layout: magic(4) + version(4) + blockSize(4) + nextChannel(4) + dirOffset(8)
const (
	trailerSize  = 24
	storeVersion = uint32(1)
)

var storeMagic = [4]byte{'D', 'S', 'M', 'X'}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	ErrClosed                = errors.New("store: closed")
	ErrReadOnly              = errors.New("store: opened read-only")
	ErrUnknownChannel        = errors.New("store: unknown channel")
	ErrChannelRemoved        = errors.New("store: channel removed")
	ErrChannelOpen           = errors.New("store: channel still open for writing")
	ErrCorrupt               = errors.New("store: corrupt file")
	ErrChannelSpaceExhausted = errors.New("store: channel id space exhausted")
)

var log = commonlog.GetLogger("dynslice.store")

// ChannelID identifies a channel for the lifetime of a store. IDs are never
// reissued, even after Remove.
type ChannelID uint32

// Options configures a new store.
type Options struct {
	// BlockSize is the physical block size in bytes. Zero means
	// DefaultBlockSize.
	BlockSize int
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store is a multiplexed file. It is safe for concurrent use; writers on
// distinct channels append in parallel.
type Store struct {
	path      string
	f         *os.File
	blockSize int
	readOnly  bool

	mu         sync.Mutex // protects everything below
	channels   map[ChannelID]*channel
	nextID     ChannelID
	nextBlock  int64   // first block past the end of the data region
	freeBlocks []int64 // blocks released by Remove, reused LIFO
	closed     bool
}

// channel is the in-memory state of one stream.
type channel struct {
	id ChannelID

	mu      sync.RWMutex // protects blocks and length
	blocks  []int64
	length  int64
	removed bool
	writing bool
	writer  *Writer // set while writing
}

// Create creates (or truncates) a store file at path.
func Create(path string, opts Options) (*Store, error) {
	bs := opts.BlockSize
	if bs <= 0 {
		bs = DefaultBlockSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: create %s: %w", path, err)
	}
	log.Debugf("created store %s (block size %d)", path, bs)
	return &Store{
		path:      path,
		f:         f,
		blockSize: bs,
		channels:  make(map[ChannelID]*channel),
	}, nil
}

// Open reopens a store previously closed with Close. The result is
// read-only.
func Open(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{
		path:     path,
		f:        f,
		readOnly: true,
		channels: make(map[ChannelID]*channel),
	}
	if err := s.readDirectory(); err != nil {
		f.Close()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return s, nil
}

// Path returns the file path of the store.
func (s *Store) Path() string {
	return s.path
}

// BlockSize returns the physical block size.
func (s *Store) BlockSize() int {
	return s.blockSize
}

// OpenChannel creates a new channel and returns a writer for it.
func (s *Store) OpenChannel() (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.readOnly {
		return nil, ErrReadOnly
	}
	if s.nextID == math.MaxUint32 {
		// Reissuing ids would alias distinct sequences in the descriptor.
		panic(ErrChannelSpaceExhausted)
	}
	ch := &channel{id: s.nextID, writing: true}
	w := &Writer{s: s, ch: ch, buf: make([]byte, 0, s.blockSize)}
	ch.writer = w
	s.channels[ch.id] = ch
	s.nextID++
	return w, nil
}

// allocBlock returns a block number for a full block of data, preferring
// blocks released by Remove.
func (s *Store) allocBlock() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if n := len(s.freeBlocks); n > 0 {
		blk := s.freeBlocks[n-1]
		s.freeBlocks = s.freeBlocks[:n-1]
		blocksReused.Inc()
		return blk, nil
	}
	blk := s.nextBlock
	s.nextBlock++
	blocksAllocated.Inc()
	return blk, nil
}

func (s *Store) lookup(id ChannelID) (*channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ch, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return ch, nil
}

// Length returns the number of bytes appended to a channel so far. Bytes
// still buffered in an open writer are not included.
func (s *Store) Length(id ChannelID) (int64, error) {
	ch, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.removed {
		return 0, fmt.Errorf("%w: %d", ErrChannelRemoved, id)
	}
	return ch.length, nil
}

// Channels returns the ids of all live (not removed) channels in ascending
// order.
func (s *Store) Channels() []ChannelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]ChannelID, 0, len(s.channels))
	for id, ch := range s.channels {
		ch.mu.RLock()
		removed := ch.removed
		ch.mu.RUnlock()
		if !removed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FreeBlocks returns the number of blocks waiting for reuse.
func (s *Store) FreeBlocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.freeBlocks)
}

// Remove drops a channel and makes its blocks available to future writers.
// Callers must not remove a channel that still has open readers.
func (s *Store) Remove(id ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	ch, ok := s.channels[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.removed {
		return fmt.Errorf("%w: %d", ErrChannelRemoved, id)
	}
	if ch.writing {
		return fmt.Errorf("%w: %d", ErrChannelOpen, id)
	}
	ch.removed = true
	s.freeBlocks = append(s.freeBlocks, ch.blocks...)
	ch.blocks = nil
	ch.length = 0
	return nil
}

// snapshot returns the block list and length of a finished channel.
func (s *Store) snapshot(id ChannelID) ([]int64, int64, error) {
	ch, err := s.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if ch.removed {
		return nil, 0, fmt.Errorf("%w: %d", ErrChannelRemoved, id)
	}
	return ch.blocks, ch.length, nil
}

// readBlock reads n bytes of block blk into dst.
func (s *Store) readBlock(dst []byte, blk int64) error {
	_, err := s.f.ReadAt(dst, blk*int64(s.blockSize))
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: block %d truncated", ErrCorrupt, blk)
		}
		return fmt.Errorf("store: read block %d: %w", blk, err)
	}
	return nil
}

// Close flushes every open writer, writes the channel directory and the
// trailer, and closes the file. Closing a read-only store only closes the
// file.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.readOnly {
		s.closed = true
		s.mu.Unlock()
		return s.f.Close()
	}
	s.mu.Unlock()

	if err := s.writeDirectory(); err != nil {
		s.f.Close()
		return err
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("store: sync: %w", err)
	}
	return s.f.Close()
}

// ---------------------------------------------------------------------------
// Directory
// ---------------------------------------------------------------------------

// writeDirectory serializes the channel table after the data region.
// Channels are written in id order; removed channels keep an entry so their
// ids stay reserved.
func (s *Store) writeDirectory() error {
	s.mu.Lock()
	ids := make([]ChannelID, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		s.mu.Lock()
		ch := s.channels[id]
		s.mu.Unlock()
		ch.mu.RLock()
		w := ch.writer
		ch.mu.RUnlock()
		if w != nil {
			log.Warningf("channel %d still open at close, flushing", id)
			if err := w.Close(); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var dir bytes.Buffer
	dw := bufio.NewWriter(&dir)
	varcodec.WriteInt(dw, int32(len(ids)))
	for _, id := range ids {
		ch := s.channels[id]
		varcodec.WriteLong(dw, int64(id))
		if ch.removed {
			dw.WriteByte(1)
			continue
		}
		dw.WriteByte(0)
		varcodec.WriteLong(dw, ch.length)
		varcodec.WriteInt(dw, int32(len(ch.blocks)))
		for _, blk := range ch.blocks {
			varcodec.WriteLong(dw, blk)
		}
	}
	if err := dw.Flush(); err != nil {
		return fmt.Errorf("store: encode directory: %w", err)
	}

	dirOffset := s.nextBlock * int64(s.blockSize)
	var trailer [trailerSize]byte
	copy(trailer[0:4], storeMagic[:])
	binary.BigEndian.PutUint32(trailer[4:8], storeVersion)
	binary.BigEndian.PutUint32(trailer[8:12], uint32(s.blockSize))
	binary.BigEndian.PutUint32(trailer[12:16], uint32(s.nextID))
	binary.BigEndian.PutUint64(trailer[16:24], uint64(dirOffset))

	if _, err := s.f.WriteAt(append(dir.Bytes(), trailer[:]...), dirOffset); err != nil {
		return fmt.Errorf("store: write directory: %w", err)
	}
	if err := s.f.Truncate(dirOffset + int64(dir.Len()) + trailerSize); err != nil {
		return fmt.Errorf("store: truncate: %w", err)
	}
	log.Debugf("closed store %s: %d channels, %d blocks", s.path, len(ids), s.nextBlock)
	return nil
}

func (s *Store) readDirectory() error {
	info, err := s.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size < trailerSize {
		return fmt.Errorf("%w: file too short", ErrCorrupt)
	}
	var trailer [trailerSize]byte
	if _, err := s.f.ReadAt(trailer[:], size-trailerSize); err != nil {
		return fmt.Errorf("%w: read trailer: %w", ErrCorrupt, err)
	}
	if !bytes.Equal(trailer[0:4], storeMagic[:]) {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.BigEndian.Uint32(trailer[4:8]); v != storeVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	s.blockSize = int(binary.BigEndian.Uint32(trailer[8:12]))
	s.nextID = ChannelID(binary.BigEndian.Uint32(trailer[12:16]))
	dirOffset := int64(binary.BigEndian.Uint64(trailer[16:24]))
	if s.blockSize <= 0 || dirOffset < 0 || dirOffset > size-trailerSize {
		return fmt.Errorf("%w: bad trailer", ErrCorrupt)
	}
	s.nextBlock = dirOffset / int64(s.blockSize)

	dir := make([]byte, size-trailerSize-dirOffset)
	if _, err := s.f.ReadAt(dir, dirOffset); err != nil {
		return fmt.Errorf("%w: read directory: %w", ErrCorrupt, err)
	}
	r := bytes.NewReader(dir)
	// Every entry and every block number takes at least one byte, so no count
	// may exceed what is left of the directory.
	count, err := varcodec.ReadInt(r)
	if err != nil {
		return fmt.Errorf("%w: directory: %w", ErrCorrupt, err)
	}
	if count < 0 || int(count) > r.Len() {
		return fmt.Errorf("%w: directory claims %d channels", ErrCorrupt, count)
	}
	for i := int32(0); i < count; i++ {
		id, err := varcodec.ReadLong(r)
		if err != nil {
			return fmt.Errorf("%w: directory: %w", ErrCorrupt, err)
		}
		if id < 0 || id >= int64(s.nextID) {
			return fmt.Errorf("%w: channel id %d out of range", ErrCorrupt, id)
		}
		if _, dup := s.channels[ChannelID(id)]; dup {
			return fmt.Errorf("%w: channel %d listed twice", ErrCorrupt, id)
		}
		flag, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("%w: directory: %w", ErrCorrupt, err)
		}
		ch := &channel{id: ChannelID(id)}
		s.channels[ch.id] = ch
		switch flag {
		case 0:
		case 1:
			ch.removed = true
			continue
		default:
			return fmt.Errorf("%w: channel %d has flag %d", ErrCorrupt, id, flag)
		}
		if ch.length, err = varcodec.ReadLong(r); err != nil {
			return fmt.Errorf("%w: directory: %w", ErrCorrupt, err)
		}
		if ch.length < 0 {
			return fmt.Errorf("%w: channel %d has length %d", ErrCorrupt, id, ch.length)
		}
		n, err := varcodec.ReadInt(r)
		if err != nil {
			return fmt.Errorf("%w: directory: %w", ErrCorrupt, err)
		}
		if n < 0 || int(n) > r.Len() {
			return fmt.Errorf("%w: channel %d claims %d blocks", ErrCorrupt, id, n)
		}
		if int64(n)*int64(s.blockSize) < ch.length {
			return fmt.Errorf("%w: channel %d shorter than its length", ErrCorrupt, id)
		}
		ch.blocks = make([]int64, n)
		for j := range ch.blocks {
			if ch.blocks[j], err = varcodec.ReadLong(r); err != nil {
				return fmt.Errorf("%w: directory: %w", ErrCorrupt, err)
			}
			if ch.blocks[j] < 0 || ch.blocks[j] >= s.nextBlock {
				return fmt.Errorf("%w: channel %d references block %d of %d", ErrCorrupt, id, ch.blocks[j], s.nextBlock)
			}
		}
	}
	return nil
}
