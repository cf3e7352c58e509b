package dependence

import (
	"fmt"

	"github.com/chazu/dynslice/program"
)

// Occurrence is one execution of one instruction by one thread.
type Occurrence struct {
	Thread      int64
	Instruction int
	// Seq is the position in backward order; 0 is the thread's last
	// executed instruction.
	Seq int64
	// Ordinal counts earlier-visited executions of the same instruction;
	// 0 is the most recent one.
	Ordinal int64
	// Frame is the id of the activation the occurrence ran in.
	Frame int64
}

func (o Occurrence) String() string {
	return fmt.Sprintf("t%d:%d#%d", o.Thread, o.Instruction, o.Ordinal)
}

// DataKind is the kind of a data dependency.
type DataKind uint8

const (
	// RAW: from reads a variable last written by to.
	RAW DataKind = iota + 1
	// WAR: from overwrites a variable that to read before.
	WAR
)

func (k DataKind) String() string {
	switch k {
	case RAW:
		return "RAW"
	case WAR:
		return "WAR"
	}
	return fmt.Sprintf("DataKind(%d)", uint8(k))
}

// Visitor receives the results of a replay in backward order. In every
// edge, from is the later occurrence and depends on to.
type Visitor interface {
	VisitInstructionExecution(o Occurrence)
	VisitDataDependency(from, to Occurrence, v Variable, kind DataKind)
	VisitControlDependency(from, to Occurrence)
}

// ObjectCreationVisitor is implemented by visitors that want allocations.
type ObjectCreationVisitor interface {
	VisitObjectCreation(o Occurrence, id uint64)
}

// MethodVisitor is implemented by visitors that track activations. Leave
// is reported with the most recent occurrence of the activation, before
// any other occurrence of it; Entry with its entry label occurrence.
// Activations whose entry lies before the start of the trace get no Entry.
type MethodVisitor interface {
	VisitMethodLeave(f *Frame, last Occurrence)
	VisitMethodEntry(f *Frame, entry Occurrence)
}

// VisitorFuncs adapts functions to Visitor. Nil fields are skipped.
type VisitorFuncs struct {
	Execution func(o Occurrence)
	Data      func(from, to Occurrence, v Variable, kind DataKind)
	Control   func(from, to Occurrence)
}

func (f VisitorFuncs) VisitInstructionExecution(o Occurrence) {
	if f.Execution != nil {
		f.Execution(o)
	}
}

func (f VisitorFuncs) VisitDataDependency(from, to Occurrence, v Variable, kind DataKind) {
	if f.Data != nil {
		f.Data(from, to, v, kind)
	}
}

func (f VisitorFuncs) VisitControlDependency(from, to Occurrence) {
	if f.Control != nil {
		f.Control(from, to)
	}
}

// Multiplex returns a visitor that forwards every call to all of vs, in
// order, including the optional interfaces each of them implements.
func Multiplex(vs ...Visitor) Visitor {
	return multiplex(vs)
}

type multiplex []Visitor

func (m multiplex) VisitInstructionExecution(o Occurrence) {
	for _, v := range m {
		v.VisitInstructionExecution(o)
	}
}

func (m multiplex) VisitDataDependency(from, to Occurrence, variable Variable, kind DataKind) {
	for _, v := range m {
		v.VisitDataDependency(from, to, variable, kind)
	}
}

func (m multiplex) VisitControlDependency(from, to Occurrence) {
	for _, v := range m {
		v.VisitControlDependency(from, to)
	}
}

func (m multiplex) VisitObjectCreation(o Occurrence, id uint64) {
	for _, v := range m {
		if ov, ok := v.(ObjectCreationVisitor); ok {
			ov.VisitObjectCreation(o, id)
		}
	}
}

func (m multiplex) VisitMethodLeave(f *Frame, last Occurrence) {
	for _, v := range m {
		if mv, ok := v.(MethodVisitor); ok {
			mv.VisitMethodLeave(f, last)
		}
	}
}

func (m multiplex) VisitMethodEntry(f *Frame, entry Occurrence) {
	for _, v := range m {
		if mv, ok := v.(MethodVisitor); ok {
			mv.VisitMethodEntry(f, entry)
		}
	}
}

// Frame is a simulated activation.
type Frame struct {
	ID     int64
	Method *program.Method
	// Caller is the activation the method was invoked from, nil for the
	// outermost known activation.
	Caller *Frame

	vars      map[Variable]*varState
	waiting   map[int][]*waiter
	entryDeps []Occurrence
	fresh     bool
}

func newFrame(id int64, m *program.Method, caller *Frame) *Frame {
	return &Frame{
		ID:      id,
		Method:  m,
		Caller:  caller,
		vars:    make(map[Variable]*varState),
		waiting: make(map[int][]*waiter),
		fresh:   true,
	}
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s@%d", f.Method.Name, f.ID)
}

// varState is the backward-replay state of one variable.
type varState struct {
	writer    Occurrence // the earliest write seen so far, i.e. the next write in time
	hasWriter bool
	readers   []Occurrence // reads seen since, waiting for their definition
}

// waiter is an occurrence waiting for the branch occurrence it is control
// dependent on.
type waiter struct {
	occ      Occurrence
	resolved bool
}
