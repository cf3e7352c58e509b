package program

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// branchProgram reads b, c and x, then sets d = b if x > 0 and d = c
// otherwise, and prints d.
func branchProgram(t *testing.T) *Program {
	t.Helper()
	b := NewBuilder()
	b.Method("Main", "main", 0, false).
		Line(1).Invoke("read", 0, true).Store(0).
		Line(2).Invoke("read", 0, true).Store(1).
		Line(3).Invoke("read", 0, true).Store(2).
		Line(4).Load(2).If(CondLE, "else").
		Line(5).Load(0).Store(3).Goto("end").
		Mark("else").
		Line(7).Load(1).Store(3).
		Mark("end").
		Line(8).Load(3).Invoke("print", 1, false).
		Return()
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func TestBuilderInsertsLabels(t *testing.T) {
	p := branchProgram(t)
	m := p.Method("main")
	require.NotNil(t, m)

	var ops []Opcode
	for _, in := range m.Instructions {
		ops = append(ops, in.Op)
	}
	want := []Opcode{
		OpLabel,
		OpInvoke, OpLabel, OpStore,
		OpInvoke, OpLabel, OpStore,
		OpInvoke, OpLabel, OpStore,
		OpLoad, OpIf,
		OpLoad, OpStore, OpGoto,
		OpLabel, OpLoad, OpStore,
		OpLabel, OpLoad, OpInvoke, OpLabel,
		OpReturn,
	}
	assert.Equal(t, want, ops)

	assert.True(t, m.Entry().IsEntry())
	assert.Equal(t, 15, m.Instructions[11].Targets[0])
	assert.Equal(t, 18, m.Instructions[14].Targets[0])
	assert.Equal(t, 4, m.MaxLocals)

	slots := map[int]bool{}
	for _, in := range m.Instructions {
		if in.Op == OpLabel {
			require.NotEqual(t, NoSlot, in.Slot, "%s", in)
			assert.False(t, slots[in.Slot], "slot %d reused", in.Slot)
			slots[in.Slot] = true
		} else {
			assert.Equal(t, NoSlot, in.Slot, "%s", in)
		}
	}
	assert.Equal(t, len(slots), p.Slots())
}

func TestStackHeights(t *testing.T) {
	p := branchProgram(t)
	heights := map[int]int{
		0:  0, // entry
		1:  0, // invoke read
		2:  1, // return label
		3:  1, // store
		10: 0, // load x
		11: 1, // if
		19: 0, // load d
		20: 1, // invoke print
		21: 0,
	}
	for idx, h := range heights {
		assert.Equal(t, h, p.Instruction(idx).StackIn, "%s", p.Instruction(idx))
	}
}

func TestControlDependences(t *testing.T) {
	p := branchProgram(t)
	m := p.Method("main")
	branch := 11
	for _, idx := range []int{12, 13, 14, 15, 16, 17} {
		assert.Equal(t, []int{branch}, m.ControlDependences(idx), "%s", p.Instruction(idx))
	}
	for _, idx := range []int{0, 3, 10, 11, 18, 19, 22} {
		assert.Empty(t, m.ControlDependences(idx), "%s", p.Instruction(idx))
	}
}

func TestLoopControlDependence(t *testing.T) {
	b := NewBuilder()
	b.Method("Main", "loop", 1, false).
		Mark("head").
		Load(0).If(CondLE, "done").
		Iinc(0, -1).
		Goto("head").
		Mark("done").
		Return()
	p, err := b.Build()
	require.NoError(t, err)
	m := p.Method("loop")
	// 0 entry, 1 head, 2 load, 3 if, 4 iinc, 5 goto, 6 done, 7 return
	assert.Equal(t, []int{3}, m.ControlDependences(4))
	assert.Equal(t, []int{3}, m.ControlDependences(2), "the loop test depends on itself")
	assert.Equal(t, []int{3}, m.ControlDependences(1))
	assert.Empty(t, m.ControlDependences(6))
}

func TestHandlerEdges(t *testing.T) {
	b := NewBuilder()
	b.Method("Main", "main", 0, false).
		Mark("try").
		Const(1).Const(0).Arith(ArithDiv).Pop().
		Mark("tryEnd").
		Return().
		Catch("handler").
		Pop().
		Return().
		Try("try", "tryEnd", "handler")
	p, err := b.Build()
	require.NoError(t, err)
	m := p.Method("main")
	// 0 entry, 1 try, 2 const, 3 const, 4 div, 5 pop, 6 tryEnd, 7 return, 8 handler, 9 pop, 10 return
	require.Len(t, m.Handlers, 1)
	assert.Equal(t, 8, m.HandlerFor(4))
	assert.Equal(t, -1, m.HandlerFor(7))
	assert.Equal(t, 0, p.Instruction(8).StackIn)
	assert.Equal(t, 1, p.Instruction(9).StackIn)
	assert.Equal(t, []int{4}, m.ControlDependences(9))
	assert.Equal(t, []int{4}, m.ControlDependences(5))
}

func TestInvalidPrograms(t *testing.T) {
	t.Run("falls off end", func(t *testing.T) {
		b := NewBuilder()
		b.Method("Main", "main", 0, false).Const(1).Pop()
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("unknown mark", func(t *testing.T) {
		b := NewBuilder()
		b.Method("Main", "main", 0, false).Goto("nowhere")
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("stack underflow", func(t *testing.T) {
		b := NewBuilder()
		b.Method("Main", "main", 0, false).Pop().Return()
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("height mismatch at join", func(t *testing.T) {
		b := NewBuilder()
		b.Method("Main", "main", 1, false).
			Load(0).If(CondEQ, "join").
			Const(7).
			Mark("join").
			Return()
		_, err := b.Build()
		assert.True(t, errors.Is(err, ErrInvalid))
	})
}

func TestCodecRoundTrip(t *testing.T) {
	p := branchProgram(t)
	path := filepath.Join(t.TempDir(), "prog.cbor")
	require.NoError(t, WriteFile(path, p))

	q, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, p.Len(), q.Len())
	for i := 0; i < p.Len(); i++ {
		a, b := p.Instruction(i), q.Instruction(i)
		assert.Equal(t, a.String(), b.String())
		assert.Equal(t, a.Slot, b.Slot)
		assert.Equal(t, a.StackIn, b.StackIn)
	}
	assert.Equal(t, "main", q.Entry)

	var buf1, buf2 bytes.Buffer
	require.NoError(t, Save(&buf1, p))
	require.NoError(t, Save(&buf2, q))
	assert.Equal(t, buf1.Bytes(), buf2.Bytes(), "canonical encoding")
}
