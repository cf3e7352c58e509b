// Package dependence replays recorded threads backward and reports the
// data and control dependencies between executed instruction occurrences.
//
// The replay keeps one simulated activation (Frame) per call on the
// reconstructed call stack. For every occurrence it computes the variables
// read and defined, pairs pending reads with the definitions reached later
// in the walk (read-after-write), pairs reads with the closest later write
// (write-after-read), and resolves each occurrence's control dependence
// on the nearest earlier execution of one of its controlling branches in
// the same activation, or on the invoke that created the activation.
package dependence

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/dynslice/program"
	"github.com/chazu/dynslice/trace"
)

var log = commonlog.GetLogger("dynslice.dependence")

// ErrMismatch reports a trace that does not fit the program model.
var ErrMismatch = errors.New("dependence: trace does not match program")

// ReplayError is returned for failures while replaying a thread.
// Instruction is the index of the last instruction reached, -1 if none.
type ReplayError struct {
	Thread      int64
	Instruction int
	Err         error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay of thread %d at instruction %d: %s", e.Thread, e.Instruction, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// Options configures an Engine.
type Options struct {
	// Parallel replays the threads of RunAll concurrently. The visitor
	// must then be safe for concurrent use.
	Parallel bool
}

// Engine replays the threads of one trace against its program.
type Engine struct {
	tr   *trace.Trace
	prog *program.Program
	sim  *Simulator
	opts Options

	mu        sync.Mutex
	total     int
	completed int
	active    map[int64]*trace.InstructionIterator
}

// NewEngine returns an engine over tr and prog.
func NewEngine(tr *trace.Trace, prog *program.Program, opts Options) *Engine {
	return &Engine{
		tr:     tr,
		prog:   prog,
		sim:    NewSimulator(prog),
		opts:   opts,
		active: make(map[int64]*trace.InstructionIterator),
	}
}

// Program returns the program the engine replays against.
func (e *Engine) Program() *program.Program {
	return e.prog
}

// Trace returns the trace the engine replays.
func (e *Engine) Trace() *trace.Trace {
	return e.tr
}

// RunAll replays every thread of the trace.
func (e *Engine) RunAll(ctx context.Context, v Visitor) error {
	threads := e.tr.Threads()
	e.mu.Lock()
	e.total, e.completed = len(threads), 0
	e.mu.Unlock()

	if !e.opts.Parallel {
		for _, tt := range threads {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.run(tt, v); err != nil {
				return err
			}
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, tt := range threads {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.run(tt, v)
		})
	}
	return g.Wait()
}

// Run replays one thread.
func (e *Engine) Run(ctx context.Context, threadID int64, v Visitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tt, err := e.tr.Thread(threadID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.total, e.completed = 1, 0
	e.mu.Unlock()
	return e.run(tt, v)
}

// PercentageDone reports the progress of the current Run or RunAll. It may
// be called from any goroutine.
func (e *Engine) PercentageDone() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.total == 0 {
		return 0
	}
	sum := 100 * float64(e.completed)
	for _, it := range e.active {
		sum += it.PercentageDone()
	}
	return sum / float64(e.total)
}

func (e *Engine) run(tt *trace.ThreadTrace, v Visitor) error {
	it, err := tt.Iterator(e.prog)
	if err != nil {
		return &ReplayError{Thread: tt.ID, Instruction: -1, Err: err}
	}
	e.mu.Lock()
	e.active[tt.ID] = it
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, tt.ID)
		e.completed++
		e.mu.Unlock()
	}()

	r := &replay{
		e:        e,
		thread:   tt.ID,
		it:       it,
		v:        v,
		frames:   make(map[int64]*Frame),
		ordinals: make(map[int]int64),
		heap:     make(map[Variable]*varState),
	}
	r.ov, _ = v.(ObjectCreationVisitor)
	r.mv, _ = v.(MethodVisitor)
	log.Debugf("replaying thread %d (%s)", tt.ID, tt.Name)
	if err := r.run(); err != nil {
		at := -1
		if r.prev != nil {
			at = r.prev.Index
		}
		return &ReplayError{Thread: tt.ID, Instruction: at, Err: err}
	}
	log.Debugf("replayed thread %d: %d occurrences, %d frames", tt.ID, r.seq, r.nextFrame)
	return nil
}

// replay is the state of one backward walk.
type replay struct {
	e      *Engine
	thread int64
	it     *trace.InstructionIterator
	v      Visitor
	ov     ObjectCreationVisitor
	mv     MethodVisitor

	cur       *Frame
	frames    map[int64]*Frame
	nextFrame int64
	seq       int64
	ordinals  map[int]int64
	heap      map[Variable]*varState
	prev      *program.Instruction
}

func (r *replay) newFrame(m *program.Method, caller *Frame) *Frame {
	r.nextFrame++
	f := newFrame(r.nextFrame, m, caller)
	r.frames[f.ID] = f
	return f
}

func (r *replay) run() error {
	for {
		in, tr, err := r.it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		site := Site{}
		switch tr {
		case trace.Within:
			if r.cur == nil {
				r.cur = r.newFrame(in.Method(), nil)
			} else if in.Method() != r.cur.Method {
				return fmt.Errorf("%w: %s reached inside %s", ErrMismatch, in, r.cur)
			}
			if r.prev != nil && r.prev.Op == program.OpLabel && r.prev.CatchEntry {
				site.Aborted = true
			}
		case trace.IntoCallee:
			inv := r.e.prog.Instruction(r.prev.Index - 1)
			if inv == nil || inv.Op != program.OpInvoke || inv.Callee != in.Method().Name {
				return fmt.Errorf("%w: %s returns to %s", ErrMismatch, in, r.prev)
			}
			caller := r.cur
			r.cur = r.newFrame(in.Method(), caller)
			site.ResumeIn, site.ResumeAt = caller, r.prev
		case trace.OutToCaller:
			site.Callee = r.cur
			if r.cur.Caller == nil {
				r.cur.Caller = r.newFrame(in.Method(), nil)
			} else if r.cur.Caller.Method != in.Method() {
				return fmt.Errorf("%w: %s entered from %s", ErrMismatch, r.cur, in)
			}
			r.cur = r.cur.Caller
		}
		site.Frame = r.cur

		occ := Occurrence{
			Thread:      r.thread,
			Instruction: in.Index,
			Seq:         r.seq,
			Ordinal:     r.ordinals[in.Index],
			Frame:       r.cur.ID,
		}
		r.seq++
		r.ordinals[in.Index]++
		r.prev = in

		r.v.VisitInstructionExecution(occ)
		if r.cur.fresh {
			r.cur.fresh = false
			if r.mv != nil {
				r.mv.VisitMethodLeave(r.cur, occ)
			}
		}

		u, err := r.e.sim.Simulate(in, site, r.it)
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("%w: no value recorded for %s", trace.ErrCorrupt, in)
			}
			return err
		}
		r.data(occ, u)
		if r.ov != nil {
			for _, id := range u.CreatedObjects {
				r.ov.VisitObjectCreation(occ, id)
			}
		}
		r.control(occ, in)

		if site.Callee != nil {
			r.leave(site.Callee, occ)
		}
		if in.IsEntry() && r.mv != nil {
			r.mv.VisitMethodEntry(r.cur, occ)
		}
	}
}

func (r *replay) state(v Variable) *varState {
	vars := r.heap
	if id, ok := frameLocal(v); ok {
		f := r.frames[id]
		if f == nil {
			// the activation is gone; nothing can pair with it any more
			return &varState{}
		}
		vars = f.vars
	}
	st := vars[v]
	if st == nil {
		st = &varState{}
		vars[v] = st
	}
	return st
}

func (r *replay) data(occ Occurrence, u VariableUsages) {
	for _, v := range u.Reads {
		if st := r.state(v); st.hasWriter {
			r.v.VisitDataDependency(st.writer, occ, v, WAR)
		}
	}
	for _, v := range u.Defs {
		st := r.state(v)
		for _, rd := range st.readers {
			r.v.VisitDataDependency(rd, occ, v, RAW)
		}
		st.readers = st.readers[:0]
		st.writer, st.hasWriter = occ, true
	}
	for _, v := range u.Reads {
		st := r.state(v)
		st.readers = append(st.readers, occ)
	}
}

func (r *replay) control(occ Occurrence, in *program.Instruction) {
	f := r.cur
	if ws, ok := f.waiting[in.Index]; ok {
		for _, w := range ws {
			if !w.resolved {
				w.resolved = true
				r.v.VisitControlDependency(w.occ, occ)
			}
		}
		delete(f.waiting, in.Index)
	}
	deps := f.Method.ControlDependences(in.Index)
	if len(deps) == 0 {
		f.entryDeps = append(f.entryDeps, occ)
		return
	}
	w := &waiter{occ: occ}
	for _, b := range deps {
		f.waiting[b] = append(f.waiting[b], w)
	}
}

// leave closes a callee activation at the invoke that created it. Every
// occurrence of the callee still waiting for a branch depends on the
// invoke.
func (r *replay) leave(callee *Frame, inv Occurrence) {
	deps := callee.entryDeps
	for _, ws := range callee.waiting {
		for _, w := range ws {
			if !w.resolved {
				w.resolved = true
				deps = append(deps, w.occ)
			}
		}
	}
	slices.SortFunc(deps, func(a, b Occurrence) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	for _, o := range deps {
		r.v.VisitControlDependency(o, inv)
	}
	delete(r.frames, callee.ID)
	callee.vars, callee.waiting, callee.entryDeps = nil, nil, nil
}
