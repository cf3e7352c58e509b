package dependence

import (
	"fmt"

	"github.com/chazu/dynslice/program"
)

// VariableUsages classifies one occurrence.
type VariableUsages struct {
	Reads []Variable
	Defs  []Variable
	// CatchedException marks the entry of an exception handler. It
	// defines the caught exception and reads nothing.
	CatchedException bool
	// CreatedObjects holds the ids allocated by the occurrence.
	CreatedObjects []uint64
}

// ValueSource yields the values an occurrence recorded, newest first per
// slot. *trace.InstructionIterator implements it.
type ValueSource interface {
	Value(slot int) (int64, error)
}

// Site is what the replay knows about an occurrence beyond its
// instruction.
type Site struct {
	// Frame is the activation the occurrence ran in.
	Frame *Frame
	// Callee is set for an invoke whose traced callee was just left by
	// the backward walk.
	Callee *Frame
	// ResumeIn is set for a return whose caller activation is known, with
	// ResumeAt being the return label it resumed at.
	ResumeIn *Frame
	ResumeAt *program.Instruction
	// Aborted marks an occurrence that raised an exception caught by its
	// own method: it did not complete, so it defines nothing.
	Aborted bool
}

// Simulator computes VariableUsages from the static model and the values
// recorded for an occurrence.
type Simulator struct {
	prog *program.Program
}

// NewSimulator returns a simulator for prog.
func NewSimulator(prog *program.Program) *Simulator {
	return &Simulator{prog: prog}
}

// Simulate classifies one occurrence of in. It pulls exactly the values the
// instruction recorded from values. Labels are not pulled here: their slot
// is consumed by the instruction iterator.
func (s *Simulator) Simulate(in *program.Instruction, site Site, values ValueSource) (VariableUsages, error) {
	var u VariableUsages
	f := site.Frame.ID
	h := in.StackIn
	stack := func(height int) Variable { return StackEntry{Frame: f, Height: height} }
	read := func(vs ...Variable) { u.Reads = append(u.Reads, vs...) }
	def := func(vs ...Variable) { u.Defs = append(u.Defs, vs...) }
	reads := func(from, to int) {
		for i := from; i < to; i++ {
			read(stack(i))
		}
	}
	defs := func(from, to int) {
		for i := from; i < to; i++ {
			def(stack(i))
		}
	}
	ref := func() (uint64, error) {
		v, err := values.Value(in.Slot)
		return uint64(v), err
	}

	switch in.Op {
	case program.OpNop, program.OpGoto, program.OpPop, program.OpPop2:

	case program.OpConst:
		def(stack(h))

	case program.OpLdc:
		read(ConstantPoolEntry{Owner: in.Owner, Index: in.Const})
		def(stack(h))

	case program.OpDup:
		read(stack(h - 1))
		def(stack(h))

	case program.OpDupX1:
		reads(h-2, h)
		defs(h-2, h+1)

	case program.OpDupX2:
		reads(h-3, h)
		defs(h-3, h+1)

	case program.OpDup2:
		reads(h-2, h)
		defs(h, h+2)

	case program.OpSwap:
		reads(h-2, h)
		defs(h-2, h)

	case program.OpLoad:
		read(LocalVariable{Frame: f, Index: in.Local})
		def(stack(h))

	case program.OpStore:
		read(stack(h - 1))
		def(LocalVariable{Frame: f, Index: in.Local})

	case program.OpIinc:
		read(LocalVariable{Frame: f, Index: in.Local})
		def(LocalVariable{Frame: f, Index: in.Local})

	case program.OpArith:
		reads(h-2, h)
		def(stack(h - 2))

	case program.OpUnary, program.OpInstanceOf:
		read(stack(h - 1))
		def(stack(h - 1))

	case program.OpIf, program.OpSwitch, program.OpThrow, program.OpMonitor, program.OpCheckCast:
		read(stack(h - 1))

	case program.OpIfCmp:
		reads(h-2, h)

	case program.OpReturn:
		if in.ReturnsValue {
			read(stack(h - 1))
			if site.ResumeIn != nil {
				inv := s.prog.Instruction(site.ResumeAt.Index - 1)
				if inv == nil || inv.Op != program.OpInvoke {
					return u, fmt.Errorf("return label %s does not follow an invoke", site.ResumeAt)
				}
				def(StackEntry{Frame: site.ResumeIn.ID, Height: inv.StackIn - inv.ArgCount})
			}
		}

	case program.OpLabel:
		if in.CatchEntry {
			u.CatchedException = true
			def(stack(0))
		}

	case program.OpGetField:
		obj, err := ref()
		if err != nil {
			return u, err
		}
		read(stack(h-1), ObjectField{Object: obj, Field: in.Field})
		def(stack(h - 1))

	case program.OpPutField:
		obj, err := ref()
		if err != nil {
			return u, err
		}
		reads(h-2, h)
		def(ObjectField{Object: obj, Field: in.Field})

	case program.OpGetStatic:
		read(StaticField{Owner: in.Owner, Field: in.Field})
		def(stack(h))

	case program.OpPutStatic:
		read(stack(h - 1))
		def(StaticField{Owner: in.Owner, Field: in.Field})

	case program.OpArrayLoad, program.OpArrayStore:
		arr, err := ref()
		if err != nil {
			return u, err
		}
		idx, err := values.Value(in.IndexSlot)
		if err != nil {
			return u, err
		}
		elem := ArrayElement{Array: arr, Index: idx}
		if in.Op == program.OpArrayLoad {
			reads(h-2, h)
			read(elem)
			def(stack(h - 2))
		} else {
			reads(h-3, h)
			def(elem)
		}

	case program.OpArrayLength:
		arr, err := ref()
		if err != nil {
			return u, err
		}
		read(stack(h-1), ObjectField{Object: arr, Field: LengthField})
		def(stack(h - 1))

	case program.OpNew:
		obj, err := ref()
		if err != nil {
			return u, err
		}
		def(stack(h), CreatedObject{Object: obj})
		u.CreatedObjects = append(u.CreatedObjects, obj)

	case program.OpNewArray:
		arr, err := ref()
		if err != nil {
			return u, err
		}
		read(stack(h - 1))
		def(stack(h - 1))
		if arr != 0 {
			def(CreatedObject{Object: arr}, ObjectField{Object: arr, Field: LengthField})
			u.CreatedObjects = append(u.CreatedObjects, arr)
		}

	case program.OpInvoke:
		n := in.ArgCount
		reads(h-n, h)
		switch {
		case site.Callee != nil:
			for i := range n {
				def(LocalVariable{Frame: site.Callee.ID, Index: i})
			}
		case s.prog.Method(in.Callee) == nil && in.ReturnsValue:
			// native callee
			def(stack(h - n))
		}

	default:
		return u, fmt.Errorf("unknown opcode %s", in.Op)
	}

	if site.Aborted {
		u.Defs = nil
		u.CreatedObjects = nil
	}
	return u, nil
}
