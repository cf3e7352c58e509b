// Package trace reads trace files written by package tracer.
//
// All sequence readers return values newest first, which is the order the
// dependence engine consumes them in.
package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/dynslice/store"
	"github.com/chazu/dynslice/tracer"
	"github.com/chazu/dynslice/varcodec"
)

var (
	// ErrCorrupt reports a malformed trace. Analysis of the trace cannot
	// continue.
	ErrCorrupt = errors.New("trace: corrupt trace")
	// ErrUnknownThread is returned by Thread for ids not in the trace.
	ErrUnknownThread = errors.New("trace: unknown thread")
	// ErrNoSequence is returned by Sequence for slots that never recorded
	// a value.
	ErrNoSequence = errors.New("trace: no sequence for slot")
)

var log = commonlog.GetLogger("dynslice.trace")

// Trace is an opened trace file.
type Trace struct {
	st       *store.Store
	version  uint16
	runID    uuid.UUID
	strategy tracer.Strategy
	threads  []*ThreadTrace
	byID     map[int64]*ThreadTrace
}

// ThreadTrace is the recorded state of one thread.
type ThreadTrace struct {
	tr *Trace

	ID              int64
	Name            string
	LastInstruction int

	seqs map[int]tracer.Descriptor
}

// Open opens a closed trace file and parses its descriptor.
func Open(path string) (*Trace, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	t := &Trace{st: st, byID: make(map[int64]*ThreadTrace)}
	if err := t.readDescriptor(); err != nil {
		st.Close()
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	log.Debugf("opened %s: run %s, %d threads", path, t.runID, len(t.threads))
	return t, nil
}

func corrupt(what string, err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %s: %w", ErrCorrupt, what, err)
}

func (t *Trace) readDescriptor() error {
	r, err := t.st.OpenReader(tracer.DescriptorChannel, 0)
	if err != nil {
		return corrupt("descriptor channel", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return corrupt("descriptor channel", err)
	}
	br := bytes.NewReader(data)

	var head [4 + 2 + 16 + 1]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return corrupt("header", err)
	}
	if !bytes.Equal(head[:4], tracer.FileMagic[:]) {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, head[:4])
	}
	t.version = binary.BigEndian.Uint16(head[4:6])
	if t.version != tracer.FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, t.version)
	}
	copy(t.runID[:], head[6:22])
	t.strategy = tracer.Strategy(head[22])
	if !t.strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy tag %d", ErrCorrupt, head[22])
	}

	count, err := varcodec.ReadInt(br)
	if err != nil {
		return corrupt("thread count", err)
	}
	if count < 0 || int64(count)*minThreadRecord > int64(br.Len()) {
		return fmt.Errorf("%w: descriptor claims %d threads in %d bytes", ErrCorrupt, count, br.Len())
	}
	for i := int32(0); i < count; i++ {
		tt, err := t.readThread(br)
		if err != nil {
			return err
		}
		if _, dup := t.byID[tt.ID]; dup {
			return fmt.Errorf("%w: thread %d recorded twice", ErrCorrupt, tt.ID)
		}
		t.threads = append(t.threads, tt)
		t.byID[tt.ID] = tt
	}
	return nil
}

// minThreadRecord is the size of a thread record with an empty name and no
// sequences: id, name length, sequence count, last instruction.
const minThreadRecord = 8 + 1 + 1 + 4

func (t *Trace) readThread(br *bytes.Reader) (*ThreadTrace, error) {
	var fixed [8]byte
	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		return nil, corrupt("thread id", err)
	}
	tt := &ThreadTrace{tr: t, ID: int64(binary.BigEndian.Uint64(fixed[:])), seqs: make(map[int]tracer.Descriptor)}

	n, err := varcodec.ReadInt(br)
	if err != nil {
		return nil, corrupt("thread name", err)
	}
	if n < 0 || int(n) > br.Len() {
		return nil, fmt.Errorf("%w: thread name length %d", ErrCorrupt, n)
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(br, name); err != nil {
		return nil, corrupt("thread name", err)
	}
	tt.Name = string(name)

	seqs, err := varcodec.ReadInt(br)
	if err != nil {
		return nil, corrupt("sequence count", err)
	}
	// slot, tag and channel take at least a byte each
	if seqs < 0 || int64(seqs)*3 > int64(br.Len()) {
		return nil, fmt.Errorf("%w: thread %d claims %d sequences", ErrCorrupt, tt.ID, seqs)
	}
	for i := int32(0); i < seqs; i++ {
		slot, err := varcodec.ReadInt(br)
		if err != nil {
			return nil, corrupt("slot", err)
		}
		d, err := tracer.ReadDescriptor(br)
		if err != nil {
			return nil, corrupt(fmt.Sprintf("thread %d slot %d", tt.ID, slot), err)
		}
		tt.seqs[int(slot)] = d
	}
	if _, err := io.ReadFull(br, fixed[:4]); err != nil {
		return nil, corrupt("last instruction", err)
	}
	tt.LastInstruction = int(int32(binary.BigEndian.Uint32(fixed[:4])))
	return tt, nil
}

// Close closes the trace file.
func (t *Trace) Close() error {
	return t.st.Close()
}

// RunID returns the id of the recording run.
func (t *Trace) RunID() uuid.UUID {
	return t.runID
}

// Strategy returns the default strategy the trace was recorded with.
func (t *Trace) Strategy() tracer.Strategy {
	return t.strategy
}

// Store returns the underlying multiplexed store.
func (t *Trace) Store() *store.Store {
	return t.st
}

// Threads returns all threads ordered by id.
func (t *Trace) Threads() []*ThreadTrace {
	out := append([]*ThreadTrace(nil), t.threads...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Thread returns the thread with the given id.
func (t *Trace) Thread(id int64) (*ThreadTrace, error) {
	tt, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownThread, id)
	}
	return tt, nil
}

// Slots returns the slots that recorded values, ascending.
func (tt *ThreadTrace) Slots() []int {
	slots := make([]int, 0, len(tt.seqs))
	for s := range tt.seqs {
		slots = append(slots, s)
	}
	sort.Ints(slots)
	return slots
}

// Descriptor returns the descriptor of a slot's sequence.
func (tt *ThreadTrace) Descriptor(slot int) (tracer.Descriptor, bool) {
	d, ok := tt.seqs[slot]
	return d, ok
}

// Size returns the stored size in bytes of a slot's sequence.
func (tt *ThreadTrace) Size(slot int) (int64, error) {
	d, ok := tt.seqs[slot]
	if !ok {
		return 0, fmt.Errorf("%w %d", ErrNoSequence, slot)
	}
	return tt.tr.st.Length(d.Channel)
}
