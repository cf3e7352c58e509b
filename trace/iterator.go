package trace

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/chazu/dynslice/program"
)

// Transition tells how the backward walk moved from the previously
// returned instruction to the current one.
type Transition uint8

const (
	// Within: same activation as the previous instruction.
	Within Transition = iota
	// IntoCallee: the current instruction is the return of a callee whose
	// return label was the previous instruction.
	IntoCallee
	// OutToCaller: the current instruction is the invoke that entered the
	// method whose entry label was the previous instruction.
	OutToCaller
)

func (t Transition) String() string {
	switch t {
	case Within:
		return "within"
	case IntoCallee:
		return "into-callee"
	case OutToCaller:
		return "out-to-caller"
	}
	return fmt.Sprintf("Transition(%d)", uint8(t))
}

// InstructionIterator walks the executed instructions of one thread from
// the last to the first. Labels read their slot to find the instruction
// executed before them; every other instruction was entered by falling
// through from the previous index.
//
// Values of data slots must be pulled with Value while the instruction that
// recorded them is current, so that all slots are consumed in the same
// backward order they were written in.
type InstructionIterator struct {
	tt   *ThreadTrace
	prog *program.Program

	readers  map[int]*SequenceReader
	seen     map[int]int64 // bytes consumed per reader at the last update
	cur      *program.Instruction
	started  bool
	finished bool

	total    int64
	consumed atomic.Int64
	done     atomic.Bool
}

// Iterator starts a backward walk over the thread's executed instructions.
func (tt *ThreadTrace) Iterator(prog *program.Program) (*InstructionIterator, error) {
	it := &InstructionIterator{
		tt:      tt,
		prog:    prog,
		readers: make(map[int]*SequenceReader),
		seen:    make(map[int]int64),
	}
	for _, slot := range tt.Slots() {
		n, err := tt.Size(slot)
		if err != nil {
			return nil, err
		}
		it.total += n
	}
	return it, nil
}

// Next returns the previously executed instruction and how the walk got
// there. It returns io.EOF after the thread's first instruction.
func (it *InstructionIterator) Next() (*program.Instruction, Transition, error) {
	if it.finished {
		return nil, Within, io.EOF
	}
	if !it.started {
		it.started = true
		if it.tt.LastInstruction < 0 {
			return nil, Within, it.finish()
		}
		it.cur = it.prog.Instruction(it.tt.LastInstruction)
		if it.cur == nil {
			return nil, Within, fmt.Errorf("%w: thread %d ended at unknown instruction %d",
				ErrCorrupt, it.tt.ID, it.tt.LastInstruction)
		}
		return it.cur, Within, nil
	}

	cur := it.cur
	var prevIndex int
	if cur.Op == program.OpLabel {
		v, err := it.Value(cur.Slot)
		if err == io.EOF {
			return nil, Within, fmt.Errorf("%w: thread %d: label %s has no predecessor left",
				ErrCorrupt, it.tt.ID, cur)
		}
		if err != nil {
			return nil, Within, err
		}
		if v == -1 {
			return nil, Within, it.finish()
		}
		prevIndex = int(v)
	} else {
		prevIndex = cur.Index - 1
		if !cur.Method().Contains(prevIndex) {
			return nil, Within, fmt.Errorf("%w: thread %d: %s is not reachable by falling through",
				ErrCorrupt, it.tt.ID, cur)
		}
	}

	prev := it.prog.Instruction(prevIndex)
	if prev == nil {
		return nil, Within, fmt.Errorf("%w: thread %d: %s preceded by unknown instruction %d",
			ErrCorrupt, it.tt.ID, cur, prevIndex)
	}
	tr := Within
	if cur.Op == program.OpLabel {
		switch {
		case cur.IsEntry() && prev.Op == program.OpInvoke:
			tr = OutToCaller
		case prev.Op == program.OpReturn:
			tr = IntoCallee
		}
	}
	it.cur = prev
	return prev, tr, nil
}

func (it *InstructionIterator) finish() error {
	it.finished = true
	it.done.Store(true)
	return io.EOF
}

// Value returns the next older value recorded in slot.
func (it *InstructionIterator) Value(slot int) (int64, error) {
	r, ok := it.readers[slot]
	if !ok {
		var err error
		r, err = it.tt.Sequence(slot)
		if err != nil {
			return 0, err
		}
		it.readers[slot] = r
	}
	v, err := r.Next()
	c := r.Consumed()
	it.consumed.Add(c - it.seen[slot])
	it.seen[slot] = c
	return v, err
}

// PercentageDone estimates progress from the share of stored bytes read.
// It may be called from any goroutine.
func (it *InstructionIterator) PercentageDone() float64 {
	if it.done.Load() {
		return 100
	}
	if it.total == 0 {
		return 0
	}
	p := 100 * float64(it.consumed.Load()) / float64(it.total)
	if p > 99.9 {
		p = 99.9
	}
	return p
}
