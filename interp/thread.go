package interp

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/dynslice/program"
	"github.com/chazu/dynslice/tracer"
)

// Exception classes raised by the machine itself.
const (
	ClassArithmetic        = "ArithmeticException"
	ClassNullPointer       = "NullPointerException"
	ClassIndexOutOfBounds  = "ArrayIndexOutOfBoundsException"
	ClassNegativeArraySize = "NegativeArraySizeException"
	ClassClassCast         = "ClassCastException"
	ClassStackOverflow     = "StackOverflowError"
)

// cancelCheckInterval is the number of steps between context checks.
const cancelCheckInterval = 1024

// frame is the activation record of one method invocation.
type frame struct {
	method *program.Method
	pc     int // global index of the next instruction
	locals []Value
	stack  []Value
	caught Value // exception pushed by the next catch label
}

func (f *frame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() Value {
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frame) popN(n int) []Value {
	args := make([]Value, n)
	copy(args, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return args
}

// Thread is one running thread of a machine.
type Thread struct {
	m      *Machine
	ctx    context.Context
	id     int64
	tt     *tracer.ThreadTracer
	frames []*frame
	steps  int64
}

// ID returns the thread id.
func (th *Thread) ID() int64 {
	return th.id
}

// Tracer returns the thread's recorder, or nil when running untraced.
func (th *Thread) Tracer() *tracer.ThreadTracer {
	return th.tt
}

// Steps returns the number of instructions executed so far.
func (th *Thread) Steps() int64 {
	return th.steps
}

func (th *Thread) enter(method *program.Method, args []Value) {
	f := &frame{
		method: method,
		pc:     method.Entry().Index,
		locals: make([]Value, method.MaxLocals),
		stack:  make([]Value, 0, 8),
	}
	copy(f.locals, args)
	th.frames = append(th.frames, f)
}

func (th *Thread) run(method *program.Method, args []Value) (Value, error) {
	if len(args) != method.ParamCount {
		return nil, fmt.Errorf("interp: %s takes %d arguments, got %d", method.Name, method.ParamCount, len(args))
	}
	th.enter(method, args)
	for {
		if th.steps%cancelCheckInterval == 0 {
			if err := th.ctx.Err(); err != nil {
				return nil, err
			}
		}
		th.steps++

		f := th.frames[len(th.frames)-1]
		in := th.m.prog.Instruction(f.pc)
		if th.tt != nil {
			if in.Op == program.OpLabel {
				th.tt.TraceLastInstructionIndex(in.Slot)
			}
			th.tt.PassInstruction(in.Index)
		}

		result, done, err := th.step(f, in)
		if err != nil {
			var exc *Exception
			if !errors.As(err, &exc) {
				return nil, fmt.Errorf("thread %d at %s: %w", th.id, in, err)
			}
			if h := f.method.HandlerFor(in.Index); h >= 0 {
				f.stack = f.stack[:0]
				f.caught = exc.Value
				f.pc = h
				continue
			}
			return nil, exc
		}
		if done {
			return result, nil
		}
	}
}

func (th *Thread) throw(class string, in *program.Instruction) *Exception {
	return &Exception{Value: &Object{Class: class, Fields: map[string]Value{}}, At: in}
}

// traceRef records the identity of an object or array, 0 for anything else.
func (th *Thread) traceRef(v Value, slot int) {
	if th.tt == nil || slot == program.NoSlot {
		return
	}
	switch r := v.(type) {
	case *Object:
		tracer.TraceObject(th.tt, r, slot)
	case *Array:
		tracer.TraceObject(th.tt, r, slot)
	default:
		th.tt.TraceLong(0, slot)
	}
}

func (th *Thread) traceIndex(v Value, slot int) {
	if th.tt == nil || slot == program.NoSlot {
		return
	}
	i, _ := v.(int64)
	th.tt.TraceInt(int32(i), slot)
}

func asInt(v Value) (int64, error) {
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: want int, got %T", ErrType, v)
	}
	return i, nil
}

func boolValue(b bool) Value {
	if b {
		return int64(1)
	}
	return int64(0)
}

// step executes in, which is the next instruction of f. It returns done
// when the thread's outermost method returned.
func (th *Thread) step(f *frame, in *program.Instruction) (Value, bool, error) {
	next := in.Index + 1

	switch in.Op {
	case program.OpNop:

	case program.OpConst, program.OpLdc:
		f.push(in.Const)

	case program.OpPop:
		f.pop()

	case program.OpPop2:
		f.pop()
		f.pop()

	case program.OpDup:
		a := f.pop()
		f.push(a)
		f.push(a)

	case program.OpDupX1:
		a, b := f.pop(), f.pop()
		f.push(a)
		f.push(b)
		f.push(a)

	case program.OpDupX2:
		a, b, c := f.pop(), f.pop(), f.pop()
		f.push(a)
		f.push(c)
		f.push(b)
		f.push(a)

	case program.OpDup2:
		a, b := f.pop(), f.pop()
		f.push(b)
		f.push(a)
		f.push(b)
		f.push(a)

	case program.OpSwap:
		a, b := f.pop(), f.pop()
		f.push(a)
		f.push(b)

	case program.OpLoad:
		f.push(f.locals[in.Local])

	case program.OpStore:
		f.locals[in.Local] = f.pop()

	case program.OpIinc:
		v, err := asInt(f.locals[in.Local])
		if err != nil {
			return nil, false, err
		}
		f.locals[in.Local] = v + in.Const

	case program.OpArith:
		bv, av := f.pop(), f.pop()
		a, err := asInt(av)
		if err != nil {
			return nil, false, err
		}
		b, err := asInt(bv)
		if err != nil {
			return nil, false, err
		}
		r, ok := arith(in.Arith, a, b)
		if !ok {
			return nil, false, th.throw(ClassArithmetic, in)
		}
		f.push(r)

	case program.OpUnary:
		a, err := asInt(f.pop())
		if err != nil {
			return nil, false, err
		}
		if in.Arith != program.ArithNeg {
			return nil, false, fmt.Errorf("%w: unary %s", ErrType, in.Arith)
		}
		f.push(-a)

	case program.OpIf:
		a, err := asInt(f.pop())
		if err != nil {
			return nil, false, err
		}
		if in.Cond.Holds(a, 0) {
			next = in.Targets[0]
		}

	case program.OpIfCmp:
		bv, av := f.pop(), f.pop()
		if in.Cond == program.CondEQ || in.Cond == program.CondNE {
			if _, aInt := av.(int64); !aInt {
				// reference comparison
				if (av == bv) == (in.Cond == program.CondEQ) {
					next = in.Targets[0]
				}
				break
			}
		}
		a, err := asInt(av)
		if err != nil {
			return nil, false, err
		}
		b, err := asInt(bv)
		if err != nil {
			return nil, false, err
		}
		if in.Cond.Holds(a, b) {
			next = in.Targets[0]
		}

	case program.OpGoto:
		next = in.Targets[0]

	case program.OpSwitch:
		v, err := asInt(f.pop())
		if err != nil {
			return nil, false, err
		}
		next = in.Targets[len(in.Targets)-1]
		for i, k := range in.Keys {
			if k == v {
				next = in.Targets[i]
				break
			}
		}

	case program.OpReturn:
		var result Value
		if in.ReturnsValue {
			result = f.pop()
		}
		th.frames = th.frames[:len(th.frames)-1]
		if len(th.frames) == 0 {
			return result, true, nil
		}
		caller := th.frames[len(th.frames)-1]
		if in.ReturnsValue {
			caller.push(result)
		}
		return nil, false, nil

	case program.OpThrow:
		v := f.pop()
		if v == nil {
			return nil, false, th.throw(ClassNullPointer, in)
		}
		return nil, false, &Exception{Value: v, At: in}

	case program.OpLabel:
		if in.CatchEntry {
			f.push(f.caught)
			f.caught = nil
		}

	case program.OpGetField:
		obj := f.pop()
		th.traceRef(obj, in.Slot)
		o, err := th.object(obj, in)
		if err != nil {
			return nil, false, err
		}
		f.push(o.field(in.Field))

	case program.OpPutField:
		v, obj := f.pop(), f.pop()
		th.traceRef(obj, in.Slot)
		o, err := th.object(obj, in)
		if err != nil {
			return nil, false, err
		}
		o.Fields[in.Field] = v

	case program.OpGetStatic:
		v := th.m.staticGet(in.Owner, in.Field)
		if v == nil {
			v = int64(0)
		}
		f.push(v)

	case program.OpPutStatic:
		th.m.staticPut(in.Owner, in.Field, f.pop())

	case program.OpArrayLoad:
		iv, arr := f.pop(), f.pop()
		th.traceRef(arr, in.Slot)
		th.traceIndex(iv, in.IndexSlot)
		a, i, err := th.element(arr, iv, in)
		if err != nil {
			return nil, false, err
		}
		f.push(a.Elems[i])

	case program.OpArrayStore:
		v, iv, arr := f.pop(), f.pop(), f.pop()
		th.traceRef(arr, in.Slot)
		th.traceIndex(iv, in.IndexSlot)
		a, i, err := th.element(arr, iv, in)
		if err != nil {
			return nil, false, err
		}
		a.Elems[i] = v

	case program.OpArrayLength:
		arr := f.pop()
		th.traceRef(arr, in.Slot)
		a, err := th.array(arr, in)
		if err != nil {
			return nil, false, err
		}
		f.push(int64(len(a.Elems)))

	case program.OpNew:
		o := &Object{Class: in.Owner, Fields: make(map[string]Value)}
		th.traceRef(o, in.Slot)
		f.push(o)

	case program.OpNewArray:
		n, err := asInt(f.pop())
		if err != nil {
			return nil, false, err
		}
		if n < 0 {
			th.traceRef(nil, in.Slot)
			return nil, false, th.throw(ClassNegativeArraySize, in)
		}
		a := &Array{Elems: make([]Value, n)}
		for i := range a.Elems {
			a.Elems[i] = int64(0)
		}
		th.traceRef(a, in.Slot)
		f.push(a)

	case program.OpCheckCast:
		v := f.stack[len(f.stack)-1]
		if v != nil && !instanceOf(v, in.Owner) {
			return nil, false, th.throw(ClassClassCast, in)
		}

	case program.OpInstanceOf:
		v := f.pop()
		f.push(boolValue(v != nil && instanceOf(v, in.Owner)))

	case program.OpMonitor:
		if f.pop() == nil {
			return nil, false, th.throw(ClassNullPointer, in)
		}

	case program.OpInvoke:
		return nil, false, th.invoke(f, in)

	default:
		return nil, false, fmt.Errorf("interp: unknown opcode %s", in.Op)
	}

	f.pc = next
	return nil, false, nil
}

func (th *Thread) invoke(f *frame, in *program.Instruction) error {
	args := f.popN(in.ArgCount)
	if callee := th.m.prog.Method(in.Callee); callee != nil {
		if callee.ParamCount != in.ArgCount || callee.ReturnsValue != in.ReturnsValue {
			return fmt.Errorf("%w: %s does not match the signature of %s", ErrType, in, callee.Name)
		}
		if len(th.frames) >= th.m.MaxDepth {
			return th.throw(ClassStackOverflow, in)
		}
		f.pc = in.Index + 1
		th.enter(callee, args)
		return nil
	}

	fn, ok := th.m.natives[in.Callee]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoMethod, in.Callee)
	}
	result, err := fn(th, args)
	if err != nil {
		var exc *Exception
		if errors.As(err, &exc) && exc.At == nil {
			exc.At = in
		}
		return err
	}
	if in.ReturnsValue {
		if result == nil {
			result = int64(0)
		}
		f.push(result)
	}
	f.pc = in.Index + 1
	return nil
}

func (th *Thread) object(v Value, in *program.Instruction) (*Object, error) {
	switch o := v.(type) {
	case nil:
		return nil, th.throw(ClassNullPointer, in)
	case *Object:
		return o, nil
	}
	return nil, fmt.Errorf("%w: want object, got %T", ErrType, v)
}

func (th *Thread) array(v Value, in *program.Instruction) (*Array, error) {
	switch a := v.(type) {
	case nil:
		return nil, th.throw(ClassNullPointer, in)
	case *Array:
		return a, nil
	}
	return nil, fmt.Errorf("%w: want array, got %T", ErrType, v)
}

func (th *Thread) element(arr, iv Value, in *program.Instruction) (*Array, int64, error) {
	a, err := th.array(arr, in)
	if err != nil {
		return nil, 0, err
	}
	i, err := asInt(iv)
	if err != nil {
		return nil, 0, err
	}
	if i < 0 || i >= int64(len(a.Elems)) {
		return nil, 0, th.throw(ClassIndexOutOfBounds, in)
	}
	return a, i, nil
}

func (o *Object) field(name string) Value {
	if v, ok := o.Fields[name]; ok {
		return v
	}
	return int64(0)
}

// ArrayClass is the class name CheckCast and InstanceOf use for arrays.
const ArrayClass = "[]"

func instanceOf(v Value, class string) bool {
	switch r := v.(type) {
	case *Object:
		return r.Class == class
	case *Array:
		return class == ArrayClass
	}
	return false
}

func arith(op program.ArithOp, a, b int64) (int64, bool) {
	switch op {
	case program.ArithAdd:
		return a + b, true
	case program.ArithSub:
		return a - b, true
	case program.ArithMul:
		return a * b, true
	case program.ArithDiv:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	case program.ArithRem:
		if b == 0 {
			return 0, false
		}
		return a % b, true
	case program.ArithAnd:
		return a & b, true
	case program.ArithOr:
		return a | b, true
	case program.ArithXor:
		return a ^ b, true
	case program.ArithShl:
		return a << uint(b&63), true
	case program.ArithShr:
		return a >> uint(b&63), true
	}
	return 0, false
}
