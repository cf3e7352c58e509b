package tracer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/chazu/dynslice/objectid"
	"github.com/chazu/dynslice/varcodec"
)

// ---------------------------------------------------------------------------
// ThreadTracer: per-thread recording front end
// ---------------------------------------------------------------------------

// ThreadTracer routes the values recorded by one thread into one sequence
// per slot. It is owned by that thread and must not be shared.
//
// Recording calls never return errors. While the pause guard is engaged
// they are silent no-ops; the guard is engaged for the duration of every
// write, so recording work that itself runs instrumented code cannot
// re-enter. A write failure leaves the guard engaged for good.
type ThreadTracer struct {
	tr   *Tracer
	id   int64
	name string

	seqs   map[int]Sequence
	paused int
	last   int32

	failed   error
	finished bool

	traced  int64
	dropped int64
}

// ThreadID returns the numeric identity of the thread.
func (tt *ThreadTracer) ThreadID() int64 {
	return tt.id
}

// Name returns the display name of the thread.
func (tt *ThreadTracer) Name() string {
	return tt.name
}

// Err returns the write failure that disabled this tracer, if any.
func (tt *ThreadTracer) Err() error {
	return tt.failed
}

// blocked reports whether recording calls are currently dropped.
func (tt *ThreadTracer) blocked() bool {
	if tt.paused > 0 || tt.finished {
		tt.dropped++
		return true
	}
	return false
}

func (tt *ThreadTracer) sequence(slot int, kind ElementKind) (Sequence, error) {
	if seq, ok := tt.seqs[slot]; ok {
		return seq, nil
	}
	seq, err := tt.tr.opts.Factory(tt.tr.st, kind, tt.tr.opts)
	if err != nil {
		return nil, err
	}
	tt.seqs[slot] = seq
	return seq, nil
}

// fail disables the tracer. The guard stays engaged.
func (tt *ThreadTracer) fail(slot int, err error) {
	if tt.failed != nil {
		return
	}
	tt.failed = fmt.Errorf("thread %d slot %d: %w", tt.id, slot, err)
	recordingFailures.Inc()
	log.Errorf("tracing disabled for thread %d (%s): %s", tt.id, tt.name, err)
}

// TraceInt records a 32-bit value into slot.
func (tt *ThreadTracer) TraceInt(value int32, slot int) {
	if tt.blocked() {
		return
	}
	tt.paused++
	seq, err := tt.sequence(slot, KindInt)
	if err == nil {
		err = seq.TraceInt(value)
	}
	if err != nil {
		tt.fail(slot, err)
		return
	}
	tt.traced++
	tt.paused--
}

// TraceLong records a 64-bit value into slot. A slot that started with
// TraceInt holds 32-bit values only; tracing a long into it panics.
func (tt *ThreadTracer) TraceLong(value int64, slot int) {
	if tt.blocked() {
		return
	}
	tt.paused++
	seq, err := tt.sequence(slot, KindLong)
	if err == nil {
		err = seq.TraceLong(value)
	}
	if errors.Is(err, ErrKindMismatch) {
		tt.paused--
		panic(fmt.Errorf("tracer: thread %d slot %d: %w", tt.id, slot, err))
	}
	if err != nil {
		tt.fail(slot, err)
		return
	}
	tt.traced++
	tt.paused--
}

// TraceObjectID records an object id into slot.
func (tt *ThreadTracer) TraceObjectID(id uint64, slot int) {
	tt.TraceLong(int64(id), slot)
}

// TraceObject records the identity of the object p points to into slot.
// The identity lookup runs with the guard engaged.
func TraceObject[T any](tt *ThreadTracer, p *T, slot int) {
	if tt.blocked() {
		return
	}
	tt.paused++
	id := objectid.ID(tt.tr.ids, p)
	tt.paused--
	tt.TraceLong(int64(id), slot)
}

// PassInstruction records index as the most recently executed instruction.
func (tt *ThreadTracer) PassInstruction(index int) {
	tt.last = int32(index)
}

// LastInstruction returns the index last passed to PassInstruction, -1
// before the first one.
func (tt *ThreadTracer) LastInstruction() int {
	return int(tt.last)
}

// TraceLastInstructionIndex records the most recently executed instruction
// index into slot. Labels use it to log the control-flow path.
func (tt *ThreadTracer) TraceLastInstructionIndex(slot int) {
	tt.TraceInt(tt.last, slot)
}

// PauseTracing engages the guard. Calls nest.
func (tt *ThreadTracer) PauseTracing() {
	tt.paused++
}

// UnpauseTracing releases one level of the guard. Releasing an unengaged
// guard is a contract violation and panics.
func (tt *ThreadTracer) UnpauseTracing() {
	if tt.paused <= 0 {
		panic("tracer: UnpauseTracing without matching PauseTracing")
	}
	tt.paused--
}

// IsPaused reports whether the guard is engaged.
func (tt *ThreadTracer) IsPaused() bool {
	return tt.paused > 0
}

// Finish finalizes every sequence of the thread. Later recording calls are
// dropped; a second Finish is a no-op.
func (tt *ThreadTracer) Finish() error {
	if tt.finished {
		return nil
	}
	tt.finished = true

	var errs []error
	for _, slot := range tt.slots() {
		seq := tt.seqs[slot]
		if err := seq.Finish(); err != nil {
			errs = append(errs, fmt.Errorf("thread %d slot %d: %w", tt.id, slot, err))
			continue
		}
		if d, err := seq.Descriptor(); err == nil {
			sequencesFinished.WithLabelValues(d.Strategy.String()).Inc()
		}
	}
	valuesTraced.Add(float64(tt.traced))
	valuesDropped.Add(float64(tt.dropped))
	log.Debugf("finished thread %d (%s): %d sequences, %d values, %d dropped",
		tt.id, tt.name, len(tt.seqs), tt.traced, tt.dropped)
	return errors.Join(errs...)
}

func (tt *ThreadTracer) slots() []int {
	slots := make([]int, 0, len(tt.seqs))
	for slot := range tt.seqs {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// WriteRecord writes the thread's record of the trace descriptor: thread
// id, name, every (slot, descriptor) pair in slot order, and the last
// executed instruction index. Sequences that failed to finish are left out.
func (tt *ThreadTracer) WriteRecord(w io.Writer) error {
	if !tt.finished {
		return ErrNotFinished
	}
	type entry struct {
		slot int
		desc Descriptor
	}
	var entries []entry
	for _, slot := range tt.slots() {
		d, err := tt.seqs[slot].Descriptor()
		if err != nil {
			log.Warningf("thread %d: dropping slot %d from descriptor: %s", tt.id, slot, err)
			continue
		}
		entries = append(entries, entry{slot, d})
	}

	buf := binary.BigEndian.AppendUint64(nil, uint64(tt.id))
	buf = varcodec.AppendInt(buf, int32(len(tt.name)))
	buf = append(buf, tt.name...)
	buf = varcodec.AppendInt(buf, int32(len(entries)))
	for _, e := range entries {
		buf = varcodec.AppendInt(buf, int32(e.slot))
		buf = e.desc.AppendTo(buf)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(tt.last))
	_, err := w.Write(buf)
	return err
}
