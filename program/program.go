// Package program is the static model of a traced program: methods made of
// instructions with stable global indices.
//
// The recorder and the dependence engine agree on a small protocol that
// this package enforces when a program is linked:
//
//   - every method starts with an entry label;
//   - every jump target and exception handler entry is a label;
//   - the instruction after every invoke is a label (the return label);
//   - no method falls off its last instruction.
//
// A label records, in its trace slot, the index of the instruction executed
// immediately before it. Every other instruction is reached from its
// predecessor by falling through, so the slot values of the labels are
// enough to rebuild the executed instruction stream backward.
package program

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalid reports a program that violates the labelling protocol or has
// inconsistent stack heights.
var ErrInvalid = errors.New("program: invalid program")

// NoSlot marks an instruction that records nothing.
const NoSlot = -1

// Instruction is one program point.
type Instruction struct {
	Index int    `cbor:"1,keyasint"`
	Line  int    `cbor:"2,keyasint,omitempty"`
	Op    Opcode `cbor:"3,keyasint"`

	Local   int     `cbor:"4,keyasint,omitempty"`  // OpLoad, OpStore, OpIinc
	Const   int64   `cbor:"5,keyasint,omitempty"`  // OpConst value, OpIinc delta, OpLdc pool index
	Cond    Cond    `cbor:"6,keyasint,omitempty"`  // OpIf, OpIfCmp
	Arith   ArithOp `cbor:"7,keyasint,omitempty"`  // OpArith, OpUnary
	Targets []int   `cbor:"8,keyasint,omitempty"`  // jump targets, global indices
	Keys    []int64 `cbor:"9,keyasint,omitempty"`  // OpSwitch keys, parallel to Targets
	Owner   string  `cbor:"10,keyasint,omitempty"` // class of fields, statics and OpNew
	Field   string  `cbor:"11,keyasint,omitempty"`

	Callee       string `cbor:"12,keyasint,omitempty"` // OpInvoke
	ArgCount     int    `cbor:"13,keyasint,omitempty"` // OpInvoke, receiver included
	ReturnsValue bool   `cbor:"14,keyasint,omitempty"` // OpInvoke, OpReturn

	CatchEntry bool `cbor:"15,keyasint,omitempty"` // OpLabel

	Slot      int `cbor:"16,keyasint"` // trace slot, NoSlot if none
	IndexSlot int `cbor:"17,keyasint"` // array index slot of OpArrayLoad/OpArrayStore

	// StackIn is the operand stack height before the instruction runs.
	// It is computed by linking.
	StackIn int `cbor:"-"`

	method *Method
}

// Method returns the method the instruction belongs to.
func (in *Instruction) Method() *Method {
	return in.method
}

// StackEffect returns the number of cells the instruction pops and pushes.
func (in *Instruction) StackEffect() (pops, pushes int) {
	switch in.Op {
	case OpReturn:
		if in.ReturnsValue {
			return 1, 0
		}
		return 0, 0
	case OpLabel:
		if in.CatchEntry {
			return 0, 1
		}
		return 0, 0
	case OpInvoke:
		if in.ReturnsValue {
			return in.ArgCount, 1
		}
		return in.ArgCount, 0
	}
	info, _ := in.Op.Info()
	return info.StackPop, info.StackPush
}

// IsEntry reports whether the instruction is its method's entry label.
func (in *Instruction) IsEntry() bool {
	return in.method != nil && in.method.Instructions[0] == in
}

func (in *Instruction) String() string {
	name := "?"
	if in.method != nil {
		name = in.method.Name
	}
	s := fmt.Sprintf("%d %s", in.Index, in.Op)
	switch in.Op {
	case OpConst, OpLdc:
		s += fmt.Sprintf(" %d", in.Const)
	case OpLoad, OpStore:
		s += fmt.Sprintf(" %d", in.Local)
	case OpIinc:
		s += fmt.Sprintf(" %d %+d", in.Local, in.Const)
	case OpArith, OpUnary:
		s += " " + in.Arith.String()
	case OpIf, OpIfCmp:
		s += fmt.Sprintf(" %s -> %d", in.Cond, in.Targets[0])
	case OpGoto:
		s += fmt.Sprintf(" -> %d", in.Targets[0])
	case OpSwitch:
		s += fmt.Sprintf(" %v -> %v", in.Keys, in.Targets)
	case OpGetField, OpPutField, OpGetStatic, OpPutStatic:
		s += " " + in.Owner + "." + in.Field
	case OpNew:
		s += " " + in.Owner
	case OpInvoke:
		s += fmt.Sprintf(" %s/%d", in.Callee, in.ArgCount)
	case OpLabel:
		if in.CatchEntry {
			s += " catch"
		}
	}
	return fmt.Sprintf("%s (%s:%d)", s, name, in.Line)
}

// Handler routes exceptions raised by instructions in [Start, End) to the
// catch label Target. Indices are global.
type Handler struct {
	Start  int `cbor:"1,keyasint"`
	End    int `cbor:"2,keyasint"`
	Target int `cbor:"3,keyasint"`
}

// Method is a sequence of instructions with contiguous global indices.
type Method struct {
	Name         string         `cbor:"1,keyasint"`
	Owner        string         `cbor:"2,keyasint,omitempty"`
	ParamCount   int            `cbor:"3,keyasint,omitempty"` // receiver included
	MaxLocals    int            `cbor:"4,keyasint,omitempty"`
	ReturnsValue bool           `cbor:"5,keyasint,omitempty"`
	Instructions []*Instruction `cbor:"6,keyasint"`
	Handlers     []Handler      `cbor:"7,keyasint,omitempty"`

	cdOnce sync.Once
	cd     [][]int
}

// Entry returns the entry label.
func (m *Method) Entry() *Instruction {
	return m.Instructions[0]
}

// Contains reports whether global index i belongs to m.
func (m *Method) Contains(i int) bool {
	first := m.Instructions[0].Index
	return i >= first && i < first+len(m.Instructions)
}

// HandlerFor returns the catch label index for an exception raised at
// global index i, or -1.
func (m *Method) HandlerFor(i int) int {
	for _, h := range m.Handlers {
		if i >= h.Start && i < h.End {
			return h.Target
		}
	}
	return -1
}

// Program is a linked set of methods.
type Program struct {
	Methods []*Method `cbor:"1,keyasint"`
	Entry   string    `cbor:"2,keyasint,omitempty"`

	instrs []*Instruction
	byName map[string]*Method
	slots  int
}

// Link validates p and computes derived data. Programs returned by Load
// and Builder.Build are already linked.
func (p *Program) Link() error {
	p.instrs = p.instrs[:0]
	p.byName = make(map[string]*Method, len(p.Methods))
	p.slots = 0
	for _, m := range p.Methods {
		if len(m.Instructions) == 0 {
			return fmt.Errorf("%w: method %s is empty", ErrInvalid, m.Name)
		}
		if _, dup := p.byName[m.Name]; dup {
			return fmt.Errorf("%w: duplicate method %s", ErrInvalid, m.Name)
		}
		p.byName[m.Name] = m
		for _, in := range m.Instructions {
			if in.Index != len(p.instrs) {
				return fmt.Errorf("%w: %s: instruction index %d, want %d", ErrInvalid, m.Name, in.Index, len(p.instrs))
			}
			in.method = m
			p.instrs = append(p.instrs, in)
			if in.Slot >= p.slots {
				p.slots = in.Slot + 1
			}
			if in.IndexSlot >= p.slots {
				p.slots = in.IndexSlot + 1
			}
		}
	}
	if p.Entry != "" && p.byName[p.Entry] == nil {
		return fmt.Errorf("%w: entry method %s not found", ErrInvalid, p.Entry)
	}
	for _, m := range p.Methods {
		if err := p.checkMethod(m); err != nil {
			return err
		}
		if err := computeStackHeights(m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Program) checkMethod(m *Method) error {
	bad := func(in *Instruction, format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalid, in, fmt.Sprintf(format, args...))
	}
	isLabel := func(i int) bool {
		return m.Contains(i) && p.instrs[i].Op == OpLabel
	}
	if m.Entry().Op != OpLabel || m.Entry().CatchEntry {
		return bad(m.Entry(), "method must start with an entry label")
	}
	last := m.Instructions[len(m.Instructions)-1]
	if !last.Op.EndsBlock() {
		return bad(last, "method falls off its end")
	}
	for _, in := range m.Instructions {
		if _, ok := in.Op.Info(); !ok {
			return bad(in, "unknown opcode")
		}
		if in.Op == OpLabel && in.Slot == NoSlot {
			return bad(in, "label without slot")
		}
		if in.Op.IsJump() {
			if len(in.Targets) == 0 {
				return bad(in, "jump without target")
			}
			for _, t := range in.Targets {
				if !isLabel(t) {
					return bad(in, "target %d is not a label of %s", t, m.Name)
				}
			}
		}
		if in.Op == OpSwitch && len(in.Targets) != len(in.Keys)+1 {
			return bad(in, "switch needs one target per key plus a default")
		}
		if in.Op == OpInvoke && !isLabel(in.Index+1) {
			return bad(in, "invoke must be followed by a return label")
		}
		if in.Op == OpLoad || in.Op == OpStore || in.Op == OpIinc {
			if in.Local < 0 || in.Local >= m.MaxLocals {
				return bad(in, "local %d outside %d locals", in.Local, m.MaxLocals)
			}
		}
	}
	for _, h := range m.Handlers {
		if !isLabel(h.Target) || !p.instrs[h.Target].CatchEntry {
			return fmt.Errorf("%w: %s: handler target %d is not a catch label", ErrInvalid, m.Name, h.Target)
		}
	}
	if m.ParamCount > m.MaxLocals {
		return fmt.Errorf("%w: %s: %d params exceed %d locals", ErrInvalid, m.Name, m.ParamCount, m.MaxLocals)
	}
	return nil
}

// computeStackHeights propagates operand stack heights along all control
// flow edges. Heights must agree wherever paths join.
func computeStackHeights(m *Method) error {
	first := m.Instructions[0].Index
	n := len(m.Instructions)
	heights := make([]int, n)
	for i := range heights {
		heights[i] = -1
	}
	var work []int
	set := func(local, h int, from *Instruction) error {
		switch {
		case heights[local] == -1:
			heights[local] = h
			work = append(work, local)
		case heights[local] != h:
			return fmt.Errorf("%w: %s: stack height %d at %d disagrees with %d from %s",
				ErrInvalid, m.Name, h, local+first, heights[local], from)
		}
		return nil
	}
	heights[0] = 0
	work = append(work, 0)
	for _, h := range m.Handlers {
		if err := set(h.Target-first, 0, m.Entry()); err != nil {
			return err
		}
	}
	for len(work) > 0 {
		local := work[len(work)-1]
		work = work[:len(work)-1]
		in := m.Instructions[local]
		pops, pushes := in.StackEffect()
		if heights[local] < pops {
			return fmt.Errorf("%w: %s: stack underflow", ErrInvalid, in)
		}
		out := heights[local] - pops + pushes
		for _, succ := range successors(m, in, false) {
			if err := set(succ-first, out, in); err != nil {
				return err
			}
		}
	}
	for i, in := range m.Instructions {
		in.StackIn = heights[i]
	}
	return nil
}

// successors returns the global indices control can reach after in, with
// exceptional edges to the method's handler when withThrow is set.
func successors(m *Method, in *Instruction, withThrow bool) []int {
	var succ []int
	switch in.Op {
	case OpGoto, OpSwitch:
		succ = append(succ, in.Targets...)
	case OpIf, OpIfCmp:
		succ = append(succ, in.Index+1, in.Targets[0])
	case OpReturn, OpThrow:
	default:
		succ = append(succ, in.Index+1)
	}
	if withThrow && in.Op.MayThrow() {
		if h := m.HandlerFor(in.Index); h >= 0 {
			succ = append(succ, h)
		}
	}
	return succ
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.instrs)
}

// Instruction returns the instruction with global index i, or nil.
func (p *Program) Instruction(i int) *Instruction {
	if i < 0 || i >= len(p.instrs) {
		return nil
	}
	return p.instrs[i]
}

// Method returns the method called name, or nil.
func (p *Program) Method(name string) *Method {
	return p.byName[name]
}

// Slots returns one past the highest trace slot used.
func (p *Program) Slots() int {
	return p.slots
}

// Lines returns the instructions of method name on source line line.
func (p *Program) Lines(name string, line int) []*Instruction {
	m := p.byName[name]
	if m == nil {
		return nil
	}
	var out []*Instruction
	for _, in := range m.Instructions {
		if in.Line == line {
			out = append(out, in)
		}
	}
	return out
}
