package program

import "fmt"

// Opcode classifies an instruction by its effect on locals, the operand
// stack, the heap and control flow. Every stack cell holds one value.
type Opcode byte

const (
	// ========================================================================
	// Stack and constants (0x00-0x0F)
	// ========================================================================

	OpNop   Opcode = 0x00 // No operation
	OpConst Opcode = 0x01 // Push Const
	OpLdc   Opcode = 0x02 // Push constant pool entry Const of the owning class
	OpPop   Opcode = 0x03 // Pop one cell
	OpPop2  Opcode = 0x04 // Pop two cells
	OpDup   Opcode = 0x05 // a -> a a
	OpDupX1 Opcode = 0x06 // b a -> a b a
	OpDupX2 Opcode = 0x07 // c b a -> a c b a
	OpDup2  Opcode = 0x08 // b a -> b a b a
	OpSwap  Opcode = 0x09 // b a -> a b

	// ========================================================================
	// Locals (0x10-0x1F)
	// ========================================================================

	OpLoad  Opcode = 0x10 // Push local Local
	OpStore Opcode = 0x11 // Pop into local Local
	OpIinc  Opcode = 0x12 // Local += Const

	// ========================================================================
	// Arithmetic (0x20-0x2F)
	// ========================================================================

	OpArith Opcode = 0x20 // Pop two, push Arith result
	OpUnary Opcode = 0x21 // Pop one, push Arith result

	// ========================================================================
	// Control flow (0x30-0x3F)
	// ========================================================================

	OpIf     Opcode = 0x30 // Pop one, jump to Targets[0] if Cond holds against zero
	OpIfCmp  Opcode = 0x31 // Pop two, jump to Targets[0] if Cond holds
	OpGoto   Opcode = 0x32 // Jump to Targets[0]
	OpSwitch Opcode = 0x33 // Pop one, jump to Targets[i] for Keys[i], else the last target
	OpReturn Opcode = 0x34 // Return, popping the result if ReturnsValue
	OpThrow  Opcode = 0x35 // Pop one and throw it
	OpLabel  Opcode = 0x36 // Control-flow join point; logs its predecessor

	// ========================================================================
	// Heap (0x40-0x4F)
	// ========================================================================

	OpGetField    Opcode = 0x40 // obj -> obj.Field
	OpPutField    Opcode = 0x41 // obj value ->
	OpGetStatic   Opcode = 0x42 // -> Owner.Field
	OpPutStatic   Opcode = 0x43 // value ->
	OpArrayLoad   Opcode = 0x44 // arr i -> arr[i]
	OpArrayStore  Opcode = 0x45 // arr i value ->
	OpArrayLength Opcode = 0x46 // arr -> len(arr)
	OpNew         Opcode = 0x47 // -> new Owner
	OpNewArray    Opcode = 0x48 // n -> new array of n cells
	OpCheckCast   Opcode = 0x49 // obj -> obj
	OpInstanceOf  Opcode = 0x4A // obj -> 0|1
	OpMonitor     Opcode = 0x4B // obj ->

	// ========================================================================
	// Calls (0x50-0x5F)
	// ========================================================================

	OpInvoke Opcode = 0x50 // Pop ArgCount cells, call Callee, push result if ReturnsValue
)

// OpcodeInfo describes the fixed stack effect of an opcode.
type OpcodeInfo struct {
	Name      string
	StackPop  int // -1 = depends on the instruction
	StackPush int // -1 = depends on the instruction
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop:   {"NOP", 0, 0},
	OpConst: {"CONST", 0, 1},
	OpLdc:   {"LDC", 0, 1},
	OpPop:   {"POP", 1, 0},
	OpPop2:  {"POP2", 2, 0},
	OpDup:   {"DUP", 1, 2},
	OpDupX1: {"DUP_X1", 2, 3},
	OpDupX2: {"DUP_X2", 3, 4},
	OpDup2:  {"DUP2", 2, 4},
	OpSwap:  {"SWAP", 2, 2},

	OpLoad:  {"LOAD", 0, 1},
	OpStore: {"STORE", 1, 0},
	OpIinc:  {"IINC", 0, 0},

	OpArith: {"ARITH", 2, 1},
	OpUnary: {"UNARY", 1, 1},

	OpIf:     {"IF", 1, 0},
	OpIfCmp:  {"IF_CMP", 2, 0},
	OpGoto:   {"GOTO", 0, 0},
	OpSwitch: {"SWITCH", 1, 0},
	OpReturn: {"RETURN", -1, 0},
	OpThrow:  {"THROW", 1, 0},
	OpLabel:  {"LABEL", 0, -1},

	OpGetField:    {"GETFIELD", 1, 1},
	OpPutField:    {"PUTFIELD", 2, 0},
	OpGetStatic:   {"GETSTATIC", 0, 1},
	OpPutStatic:   {"PUTSTATIC", 1, 0},
	OpArrayLoad:   {"ALOAD", 2, 1},
	OpArrayStore:  {"ASTORE", 3, 0},
	OpArrayLength: {"ARRAYLENGTH", 1, 1},
	OpNew:         {"NEW", 0, 1},
	OpNewArray:    {"NEWARRAY", 1, 1},
	OpCheckCast:   {"CHECKCAST", 1, 1},
	OpInstanceOf:  {"INSTANCEOF", 1, 1},
	OpMonitor:     {"MONITOR", 1, 0},

	OpInvoke: {"INVOKE", -1, -1},
}

// Info returns the metadata of op.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeInfoTable[op]
	return info, ok
}

func (op Opcode) String() string {
	if info, ok := opcodeInfoTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))
}

// IsBranch reports whether op chooses between successors.
func (op Opcode) IsBranch() bool {
	return op == OpIf || op == OpIfCmp || op == OpSwitch
}

// IsJump reports whether op transfers control somewhere other than the
// next instruction.
func (op Opcode) IsJump() bool {
	return op.IsBranch() || op == OpGoto
}

// EndsBlock reports whether op never falls through.
func (op Opcode) EndsBlock() bool {
	return op == OpGoto || op == OpSwitch || op == OpReturn || op == OpThrow
}

// MayThrow reports whether executing op can raise an exception.
func (op Opcode) MayThrow() bool {
	switch op {
	case OpThrow, OpArith, OpGetField, OpPutField, OpArrayLoad, OpArrayStore,
		OpArrayLength, OpNewArray, OpCheckCast, OpMonitor, OpInvoke:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// Cond is the comparison of a conditional jump.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondGE
	CondGT
	CondLE
)

var condNames = [...]string{"eq", "ne", "lt", "ge", "gt", "le"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("Cond(%d)", c)
}

// Holds evaluates the comparison.
func (c Cond) Holds(a, b int64) bool {
	switch c {
	case CondEQ:
		return a == b
	case CondNE:
		return a != b
	case CondLT:
		return a < b
	case CondGE:
		return a >= b
	case CondGT:
		return a > b
	case CondLE:
		return a <= b
	}
	return false
}

// ArithOp is the operator of OpArith and OpUnary.
type ArithOp uint8

const (
	ArithAdd ArithOp = iota
	ArithSub
	ArithMul
	ArithDiv
	ArithRem
	ArithAnd
	ArithOr
	ArithXor
	ArithShl
	ArithShr
	ArithNeg // unary
)

var arithNames = [...]string{"add", "sub", "mul", "div", "rem", "and", "or", "xor", "shl", "shr", "neg"}

func (a ArithOp) String() string {
	if int(a) < len(arithNames) {
		return arithNames[a]
	}
	return fmt.Sprintf("ArithOp(%d)", a)
}
