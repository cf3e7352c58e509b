// Package interp executes program models and records them with a tracer,
// calling the recording API exactly where instrumented code would.
//
// Values are int64, *Object, *Array or nil. Every stack cell and local
// holds one value. Exceptions are caught by handlers of the method that
// raised them; an exception that leaves its method ends the thread.
package interp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/dynslice/program"
	"github.com/chazu/dynslice/tracer"
)

var (
	// ErrNoMethod is returned when a thread starts in, or invokes, a method
	// that is neither in the program nor registered as native.
	ErrNoMethod = errors.New("interp: no such method")
	// ErrType is returned when an instruction finds a value of the wrong
	// kind on the stack or in a local.
	ErrType = errors.New("interp: type error")
)

var log = commonlog.GetLogger("dynslice.interp")

// DefaultMaxDepth bounds the call depth of a thread.
const DefaultMaxDepth = 1024

// Value is a runtime value: int64, *Object, *Array or nil.
type Value any

// Object is an instance of a class with named fields.
type Object struct {
	Class  string
	Fields map[string]Value
}

// Array is a fixed-length array of values.
type Array struct {
	Elems []Value
}

// Exception is the error returned for an exception that left its method.
type Exception struct {
	Value Value
	At    *program.Instruction
}

func (e *Exception) Error() string {
	if o, ok := e.Value.(*Object); ok {
		return fmt.Sprintf("uncaught %s at %s", o.Class, e.At)
	}
	return fmt.Sprintf("uncaught exception %v at %s", e.Value, e.At)
}

// Native implements a method outside the program. Natives are not traced.
type Native func(th *Thread, args []Value) (Value, error)

type staticKey struct {
	owner, field string
}

// Machine runs threads of one program against shared static state.
type Machine struct {
	prog     *program.Program
	tr       *tracer.Tracer
	natives  map[string]Native
	MaxDepth int

	mu      sync.Mutex // protects statics
	statics map[staticKey]Value
}

// New returns a machine for prog. A nil tracer runs untraced.
func New(prog *program.Program, tr *tracer.Tracer) *Machine {
	return &Machine{
		prog:     prog,
		tr:       tr,
		natives:  make(map[string]Native),
		MaxDepth: DefaultMaxDepth,
		statics:  make(map[staticKey]Value),
	}
}

// Register installs a native method.
func (m *Machine) Register(name string, fn Native) {
	m.natives[name] = fn
}

// ThreadSpec describes one thread of a run.
type ThreadSpec struct {
	ID     int64
	Name   string
	Method string
	Args   []Value
}

// RunThreads runs all threads concurrently and waits for them. The first
// error cancels nothing; every thread runs to completion.
func (m *Machine) RunThreads(ctx context.Context, specs ...ThreadSpec) error {
	var g errgroup.Group
	for _, spec := range specs {
		g.Go(func() error {
			_, err := m.Run(ctx, spec)
			return err
		})
	}
	return g.Wait()
}

// Run executes one thread to completion and returns the entry method's
// result.
func (m *Machine) Run(ctx context.Context, spec ThreadSpec) (Value, error) {
	method := m.prog.Method(spec.Method)
	if method == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMethod, spec.Method)
	}
	th := &Thread{m: m, ctx: ctx, id: spec.ID}
	if m.tr != nil {
		tt, err := m.tr.NewThreadTracer(spec.ID, spec.Name)
		if err != nil {
			return nil, err
		}
		th.tt = tt
	}
	log.Debugf("thread %d (%s) starting in %s", spec.ID, spec.Name, spec.Method)
	v, err := th.run(method, spec.Args)
	if err != nil {
		log.Infof("thread %d (%s) ended: %s", spec.ID, spec.Name, err)
	}
	return v, err
}

// staticGet and staticPut serialize access to statics across threads.
func (m *Machine) staticGet(owner, field string) Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statics[staticKey{owner, field}]
}

func (m *Machine) staticPut(owner, field string, v Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statics[staticKey{owner, field}] = v
}
