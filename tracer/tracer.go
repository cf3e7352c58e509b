// Package tracer records execution traces.
//
// A Tracer owns one trace file (a multiplexed store) and the object
// identity table of the run. Each monitored thread records through its own
// ThreadTracer, which keeps one Sequence per slot. Closing the Tracer
// finishes all threads in parallel and then writes the trace descriptor
// into channel 0:
//
//	magic "DSTR" | version uint16 | run id (16 bytes) | strategy tag |
//	thread count | thread record...
//
// where each thread record is
//
//	thread id int64 | name length, name | sequence count |
//	(slot, descriptor)... | last instruction index int32
//
// Counts, lengths and slots are VarCodec encoded; fixed-width fields are
// big-endian.
package tracer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/dynslice/objectid"
	"github.com/chazu/dynslice/store"
	"github.com/chazu/dynslice/varcodec"
)

// FileMagic identifies a trace descriptor.
var FileMagic = [4]byte{'D', 'S', 'T', 'R'}

// FormatVersion is the version of the descriptor layout.
const FormatVersion uint16 = 1

// DescriptorChannel is the channel reserved for the trace descriptor.
const DescriptorChannel store.ChannelID = 0

// Default thresholds of the switching strategy, in encoded bytes.
const (
	DefaultSwitchThreshold   = 512
	DefaultCompressThreshold = 512
)

// ErrClosed is returned by operations on a closed Tracer.
var ErrClosed = errors.New("tracer: closed")

var log = commonlog.GetLogger("dynslice.tracer")

// Options configures a Tracer.
type Options struct {
	// Strategy used by the default factory. Zero means DefaultStrategy.
	Strategy Strategy
	// SwitchThreshold is the largest in-memory size of a switching
	// sequence. Zero means DefaultSwitchThreshold.
	SwitchThreshold int
	// CompressThreshold is the size above which a reversed switching
	// sequence is deflated. Zero means DefaultCompressThreshold.
	CompressThreshold int
	// BlockSize of the underlying store. Zero means store.DefaultBlockSize.
	BlockSize int
	// Factory creates sequences. Nil means NewSequence.
	Factory SequenceFactory
}

func (o *Options) normalize() {
	if o.Strategy == 0 {
		o.Strategy = DefaultStrategy
	}
	if o.SwitchThreshold <= 0 {
		o.SwitchThreshold = DefaultSwitchThreshold
	}
	if o.CompressThreshold <= 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.Factory == nil {
		o.Factory = NewSequence
	}
}

// ---------------------------------------------------------------------------
// Tracer
// ---------------------------------------------------------------------------

// Tracer is one recording run.
type Tracer struct {
	opts  Options
	st    *store.Store
	desc  *store.Writer
	runID uuid.UUID
	ids   *objectid.Identifier

	mu      sync.Mutex
	threads map[int64]*ThreadTracer
	closed  bool
}

// NewTracer creates the trace file at path.
func NewTracer(path string, opts Options) (*Tracer, error) {
	opts.normalize()
	if !opts.Strategy.Valid() {
		return nil, fmt.Errorf("tracer: unknown strategy %v", opts.Strategy)
	}
	st, err := store.Create(path, store.Options{BlockSize: opts.BlockSize})
	if err != nil {
		return nil, err
	}
	desc, err := st.OpenChannel()
	if err != nil {
		st.Close()
		return nil, err
	}
	if desc.ID() != DescriptorChannel {
		st.Close()
		return nil, fmt.Errorf("tracer: descriptor channel is %d, want %d", desc.ID(), DescriptorChannel)
	}
	t := &Tracer{
		opts:    opts,
		st:      st,
		desc:    desc,
		runID:   uuid.New(),
		ids:     objectid.New(),
		threads: make(map[int64]*ThreadTracer),
	}
	log.Infof("tracing to %s (run %s, strategy %s)", path, t.runID, opts.Strategy)
	return t, nil
}

// RunID returns the id written into the descriptor header.
func (t *Tracer) RunID() uuid.UUID {
	return t.runID
}

// Identifier returns the object identity table shared by all threads of
// the run.
func (t *Tracer) Identifier() *objectid.Identifier {
	return t.ids
}

// Options returns the normalized options.
func (t *Tracer) Options() Options {
	return t.opts
}

// NewThreadTracer returns the tracer of thread threadID, creating it on
// first use.
func (t *Tracer) NewThreadTracer(threadID int64, name string) (*ThreadTracer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if tt, ok := t.threads[threadID]; ok {
		return tt, nil
	}
	tt := &ThreadTracer{
		tr:   t,
		id:   threadID,
		name: name,
		seqs: make(map[int]Sequence),
		last: -1,
	}
	t.threads[threadID] = tt
	return tt, nil
}

// Close finishes every thread, writes the descriptor and closes the file.
// Thread tracers must no longer be in use. Finish errors are reported but
// do not prevent the descriptor from being written.
func (t *Tracer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	threads := make([]*ThreadTracer, 0, len(t.threads))
	for _, tt := range t.threads {
		threads = append(threads, tt)
	}
	t.mu.Unlock()
	sort.Slice(threads, func(i, j int) bool { return threads[i].id < threads[j].id })

	var g errgroup.Group
	for _, tt := range threads {
		g.Go(tt.Finish)
	}
	finishErr := g.Wait()
	if finishErr != nil {
		log.Errorf("finishing threads: %s", finishErr)
	}

	var buf bytes.Buffer
	buf.Write(FileMagic[:])
	buf.Write(binary.BigEndian.AppendUint16(nil, FormatVersion))
	buf.Write(t.runID[:])
	buf.WriteByte(byte(t.opts.Strategy))
	varcodec.WriteInt(&buf, int32(len(threads)))
	for _, tt := range threads {
		// bytes.Buffer writes do not fail
		_ = tt.WriteRecord(&buf)
	}

	_, werr := t.desc.Write(buf.Bytes())
	if err := t.desc.Close(); werr == nil {
		werr = err
	}
	if err := t.st.Close(); werr == nil {
		werr = err
	}
	if werr != nil {
		return errors.Join(finishErr, fmt.Errorf("tracer: write descriptor: %w", werr))
	}
	log.Infof("closed trace %s: %d threads, %d object ids issued", t.st.Path(), len(threads), t.ids.Issued())
	return finishErr
}
