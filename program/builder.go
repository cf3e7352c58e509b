package program

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Builder: assembles linked programs
// ---------------------------------------------------------------------------

// Builder assembles a program method by method. Jumps refer to named marks;
// Build inserts the labels the tracing protocol needs and assigns global
// indices and trace slots.
type Builder struct {
	methods []*MethodBuilder
	entry   string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Entry names the method threads start in.
func (b *Builder) Entry(name string) *Builder {
	b.entry = name
	return b
}

// Method starts a new method. params counts the receiver, if any.
func (b *Builder) Method(owner, name string, params int, returnsValue bool) *MethodBuilder {
	mb := &MethodBuilder{
		owner:   owner,
		name:    name,
		params:  params,
		returns: returnsValue,
		catches: make(map[string]bool),
	}
	b.methods = append(b.methods, mb)
	if b.entry == "" {
		b.entry = name
	}
	return mb
}

type item struct {
	in      Instruction
	targets []string
	mark    string
}

// fixup is a jump whose mark names are resolved once the method is laid out.
type fixup struct {
	in      *Instruction
	targets []string
}

type tryBlock struct {
	start, end, catch string
}

// MethodBuilder collects the instructions of one method.
type MethodBuilder struct {
	owner   string
	name    string
	params  int
	returns bool

	line     int
	items    []item
	handlers []tryBlock
	catches  map[string]bool
	locals   int
}

// Line sets the source line of the following instructions.
func (mb *MethodBuilder) Line(n int) *MethodBuilder {
	mb.line = n
	return mb
}

func (mb *MethodBuilder) emit(in Instruction, targets ...string) *MethodBuilder {
	in.Line = mb.line
	mb.items = append(mb.items, item{in: in, targets: targets})
	return mb
}

func (mb *MethodBuilder) local(i int) {
	if i+1 > mb.locals {
		mb.locals = i + 1
	}
}

// Mark places a jump target here.
func (mb *MethodBuilder) Mark(name string) *MethodBuilder {
	mb.items = append(mb.items, item{mark: name, in: Instruction{Line: mb.line}})
	return mb
}

// Catch places an exception handler entry here.
func (mb *MethodBuilder) Catch(name string) *MethodBuilder {
	mb.catches[name] = true
	return mb.Mark(name)
}

// Try routes exceptions raised between marks start and end to the catch
// mark catch.
func (mb *MethodBuilder) Try(start, end, catch string) *MethodBuilder {
	mb.handlers = append(mb.handlers, tryBlock{start, end, catch})
	return mb
}

func (mb *MethodBuilder) Nop() *MethodBuilder   { return mb.emit(Instruction{Op: OpNop}) }
func (mb *MethodBuilder) Pop() *MethodBuilder   { return mb.emit(Instruction{Op: OpPop}) }
func (mb *MethodBuilder) Pop2() *MethodBuilder  { return mb.emit(Instruction{Op: OpPop2}) }
func (mb *MethodBuilder) Dup() *MethodBuilder   { return mb.emit(Instruction{Op: OpDup}) }
func (mb *MethodBuilder) DupX1() *MethodBuilder { return mb.emit(Instruction{Op: OpDupX1}) }
func (mb *MethodBuilder) DupX2() *MethodBuilder { return mb.emit(Instruction{Op: OpDupX2}) }
func (mb *MethodBuilder) Dup2() *MethodBuilder  { return mb.emit(Instruction{Op: OpDup2}) }
func (mb *MethodBuilder) Swap() *MethodBuilder  { return mb.emit(Instruction{Op: OpSwap}) }

func (mb *MethodBuilder) Const(v int64) *MethodBuilder {
	return mb.emit(Instruction{Op: OpConst, Const: v})
}

// Ldc pushes constant pool entry index of the method's owner.
func (mb *MethodBuilder) Ldc(index int64) *MethodBuilder {
	return mb.emit(Instruction{Op: OpLdc, Const: index, Owner: mb.owner})
}

func (mb *MethodBuilder) Load(i int) *MethodBuilder {
	mb.local(i)
	return mb.emit(Instruction{Op: OpLoad, Local: i})
}

func (mb *MethodBuilder) Store(i int) *MethodBuilder {
	mb.local(i)
	return mb.emit(Instruction{Op: OpStore, Local: i})
}

func (mb *MethodBuilder) Iinc(i int, delta int64) *MethodBuilder {
	mb.local(i)
	return mb.emit(Instruction{Op: OpIinc, Local: i, Const: delta})
}

func (mb *MethodBuilder) Arith(op ArithOp) *MethodBuilder {
	return mb.emit(Instruction{Op: OpArith, Arith: op})
}

func (mb *MethodBuilder) Neg() *MethodBuilder {
	return mb.emit(Instruction{Op: OpUnary, Arith: ArithNeg})
}

// If jumps to target when the popped value compares true against zero.
func (mb *MethodBuilder) If(c Cond, target string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpIf, Cond: c}, target)
}

// IfCmp pops b then a and jumps to target when a c b.
func (mb *MethodBuilder) IfCmp(c Cond, target string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpIfCmp, Cond: c}, target)
}

func (mb *MethodBuilder) Goto(target string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpGoto}, target)
}

// Switch jumps to targets[i] when the popped value equals keys[i], and to
// the last target otherwise.
func (mb *MethodBuilder) Switch(keys []int64, targets ...string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpSwitch, Keys: keys}, targets...)
}

func (mb *MethodBuilder) Return() *MethodBuilder {
	return mb.emit(Instruction{Op: OpReturn})
}

func (mb *MethodBuilder) ReturnValue() *MethodBuilder {
	return mb.emit(Instruction{Op: OpReturn, ReturnsValue: true})
}

func (mb *MethodBuilder) Throw() *MethodBuilder {
	return mb.emit(Instruction{Op: OpThrow})
}

func (mb *MethodBuilder) GetField(owner, field string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpGetField, Owner: owner, Field: field})
}

func (mb *MethodBuilder) PutField(owner, field string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpPutField, Owner: owner, Field: field})
}

func (mb *MethodBuilder) GetStatic(owner, field string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpGetStatic, Owner: owner, Field: field})
}

func (mb *MethodBuilder) PutStatic(owner, field string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpPutStatic, Owner: owner, Field: field})
}

func (mb *MethodBuilder) ArrayLoad() *MethodBuilder {
	return mb.emit(Instruction{Op: OpArrayLoad})
}

func (mb *MethodBuilder) ArrayStore() *MethodBuilder {
	return mb.emit(Instruction{Op: OpArrayStore})
}

func (mb *MethodBuilder) ArrayLength() *MethodBuilder {
	return mb.emit(Instruction{Op: OpArrayLength})
}

func (mb *MethodBuilder) New(class string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpNew, Owner: class})
}

func (mb *MethodBuilder) NewArray() *MethodBuilder {
	return mb.emit(Instruction{Op: OpNewArray})
}

func (mb *MethodBuilder) CheckCast(class string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpCheckCast, Owner: class})
}

func (mb *MethodBuilder) InstanceOf(class string) *MethodBuilder {
	return mb.emit(Instruction{Op: OpInstanceOf, Owner: class})
}

func (mb *MethodBuilder) Monitor() *MethodBuilder {
	return mb.emit(Instruction{Op: OpMonitor})
}

// Invoke calls callee with args stack cells, receiver included.
func (mb *MethodBuilder) Invoke(callee string, args int, returnsValue bool) *MethodBuilder {
	return mb.emit(Instruction{Op: OpInvoke, Callee: callee, ArgCount: args, ReturnsValue: returnsValue})
}

// needsSlot reports whether instructions of op record a traced value.
func needsSlot(op Opcode) bool {
	switch op {
	case OpLabel, OpGetField, OpPutField, OpArrayLoad, OpArrayStore, OpArrayLength, OpNew, OpNewArray:
		return true
	}
	return false
}

// Build lays out all methods, inserts labels and links the program.
func (b *Builder) Build() (*Program, error) {
	p := &Program{Entry: b.entry}
	index, slot := 0, 0
	newSlot := func() int {
		slot++
		return slot - 1
	}

	for _, mb := range b.methods {
		m := &Method{
			Name:         mb.name,
			Owner:        mb.owner,
			ParamCount:   mb.params,
			ReturnsValue: mb.returns,
			MaxLocals:    max(mb.params, mb.locals),
		}
		add := func(in Instruction) *Instruction {
			in.Index = index
			in.Slot, in.IndexSlot = NoSlot, NoSlot
			index++
			c := in
			m.Instructions = append(m.Instructions, &c)
			return &c
		}

		marks := make(map[string]int)
		var pending []fixup
		add(Instruction{Op: OpLabel, Line: firstLine(mb)})
		for _, it := range mb.items {
			if it.mark != "" {
				if _, dup := marks[it.mark]; dup {
					return nil, fmt.Errorf("%w: %s: duplicate mark %q", ErrInvalid, mb.name, it.mark)
				}
				marks[it.mark] = index
				add(Instruction{Op: OpLabel, Line: it.in.Line, CatchEntry: mb.catches[it.mark]})
				continue
			}
			in := add(it.in)
			if len(it.targets) > 0 {
				pending = append(pending, fixup{in, it.targets})
			}
			if in.Op == OpInvoke {
				add(Instruction{Op: OpLabel, Line: in.Line})
			}
		}
		for _, pj := range pending {
			for _, t := range pj.targets {
				at, ok := marks[t]
				if !ok {
					return nil, fmt.Errorf("%w: %s: unknown mark %q", ErrInvalid, mb.name, t)
				}
				pj.in.Targets = append(pj.in.Targets, at)
			}
		}
		for _, tb := range mb.handlers {
			start, ok1 := marks[tb.start]
			end, ok2 := marks[tb.end]
			target, ok3 := marks[tb.catch]
			if !ok1 || !ok2 || !ok3 {
				return nil, fmt.Errorf("%w: %s: try block refers to unknown marks", ErrInvalid, mb.name)
			}
			m.Handlers = append(m.Handlers, Handler{Start: start, End: end, Target: target})
		}
		for _, in := range m.Instructions {
			if needsSlot(in.Op) {
				in.Slot = newSlot()
			}
			if in.Op == OpArrayLoad || in.Op == OpArrayStore {
				in.IndexSlot = newSlot()
			}
		}
		p.Methods = append(p.Methods, m)
	}
	if err := p.Link(); err != nil {
		return nil, err
	}
	return p, nil
}

func firstLine(mb *MethodBuilder) int {
	for _, it := range mb.items {
		if it.in.Line != 0 {
			return it.in.Line
		}
	}
	return 0
}
