package dependence_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/dynslice/dependence"
	"github.com/chazu/dynslice/program"
)

// values is a ValueSource backed by per-slot queues.
type values map[int][]int64

func (v values) Value(slot int) (int64, error) {
	q := v[slot]
	if len(q) == 0 {
		return 0, io.EOF
	}
	v[slot] = q[1:]
	return q[0], nil
}

func TestSimulate(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).
			Const(1).Const(2).DupX1().Pop().Pop().Pop().
			Const(4).NewArray().Const(0).Const(9).ArrayStore().
			Invoke("read", 0, true).Pop().
			Const(5).Invoke("id", 1, true).Pop().
			Return()
		b.Method("Main", "id", 1, true).Load(0).ReturnValue()
	})
	// main: 0 entry, 1 const, 2 const, 3 dup_x1, 4-6 pop, 7 const, 8 newarray,
	// 9 const, 10 const, 11 astore, 12 invoke read, 13 label, 14 pop,
	// 15 const, 16 invoke id, 17 label, 18 pop, 19 return
	// id: 20 entry, 21 load, 22 return
	sim := dependence.NewSimulator(p)
	caller := &dependence.Frame{ID: 1}
	callee := &dependence.Frame{ID: 2}
	s := func(f *dependence.Frame, h int) dependence.Variable {
		return dependence.StackEntry{Frame: f.ID, Height: h}
	}

	t.Run("stack shuffles", func(t *testing.T) {
		u, err := sim.Simulate(p.Instruction(3), dependence.Site{Frame: caller}, values{})
		require.NoError(t, err)
		assert.Equal(t, []dependence.Variable{s(caller, 0), s(caller, 1)}, u.Reads)
		assert.Equal(t, []dependence.Variable{s(caller, 0), s(caller, 1), s(caller, 2)}, u.Defs)

		u, err = sim.Simulate(p.Instruction(4), dependence.Site{Frame: caller}, values{})
		require.NoError(t, err)
		assert.Empty(t, u.Reads)
		assert.Empty(t, u.Defs)
	})

	t.Run("arrays", func(t *testing.T) {
		store := p.Instruction(11)
		vs := values{store.Slot: {77}, store.IndexSlot: {0}}
		u, err := sim.Simulate(store, dependence.Site{Frame: caller}, vs)
		require.NoError(t, err)
		assert.Equal(t, []dependence.Variable{s(caller, 0), s(caller, 1), s(caller, 2)}, u.Reads)
		assert.Equal(t, []dependence.Variable{dependence.ArrayElement{Array: 77, Index: 0}}, u.Defs)

		vs = values{store.Slot: {77}, store.IndexSlot: {5}}
		u, err = sim.Simulate(store, dependence.Site{Frame: caller, Aborted: true}, vs)
		require.NoError(t, err)
		assert.Len(t, u.Reads, 3, "an aborted store still read its operands")
		assert.Empty(t, u.Defs)
		assert.Empty(t, vs[store.IndexSlot], "values are consumed even when aborted")

		alloc := p.Instruction(8)
		u, err = sim.Simulate(alloc, dependence.Site{Frame: caller}, values{alloc.Slot: {31}})
		require.NoError(t, err)
		assert.Equal(t, []uint64{31}, u.CreatedObjects)
		assert.Contains(t, u.Defs, dependence.Variable(dependence.ObjectField{Object: 31, Field: dependence.LengthField}))

		// a negative size allocates nothing
		u, err = sim.Simulate(alloc, dependence.Site{Frame: caller}, values{alloc.Slot: {0}})
		require.NoError(t, err)
		assert.Empty(t, u.CreatedObjects)
		assert.Equal(t, []dependence.Variable{s(caller, 0)}, u.Defs)

		_, err = sim.Simulate(store, dependence.Site{Frame: caller}, values{})
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("calls", func(t *testing.T) {
		u, err := sim.Simulate(p.Instruction(12), dependence.Site{Frame: caller}, values{})
		require.NoError(t, err)
		assert.Empty(t, u.Reads)
		assert.Equal(t, []dependence.Variable{s(caller, 0)}, u.Defs, "a native result lands on the stack")

		inv := p.Instruction(16)
		u, err = sim.Simulate(inv, dependence.Site{Frame: caller, Callee: callee}, values{})
		require.NoError(t, err)
		assert.Equal(t, []dependence.Variable{s(caller, 0)}, u.Reads)
		assert.Equal(t, []dependence.Variable{dependence.LocalVariable{Frame: 2, Index: 0}}, u.Defs)

		u, err = sim.Simulate(inv, dependence.Site{Frame: caller}, values{})
		require.NoError(t, err)
		assert.Empty(t, u.Defs, "an unseen traced callee defines nothing")

		ret := p.Instruction(22)
		u, err = sim.Simulate(ret, dependence.Site{Frame: callee, ResumeIn: caller, ResumeAt: p.Instruction(17)}, values{})
		require.NoError(t, err)
		assert.Equal(t, []dependence.Variable{s(callee, 0)}, u.Reads)
		assert.Equal(t, []dependence.Variable{s(caller, 0)}, u.Defs)

		_, err = sim.Simulate(ret, dependence.Site{Frame: callee, ResumeIn: caller, ResumeAt: p.Instruction(14)}, values{})
		assert.Error(t, err)
	})
}

func TestMultiplex(t *testing.T) {
	var a, b recorder
	var plain []dependence.Occurrence
	v := dependence.Multiplex(&a, dependence.VisitorFuncs{
		Execution: func(o dependence.Occurrence) { plain = append(plain, o) },
	}, &b)

	o1 := dependence.Occurrence{Thread: 1, Instruction: 4}
	o2 := dependence.Occurrence{Thread: 1, Instruction: 2, Seq: 1}
	v.VisitInstructionExecution(o1)
	v.VisitDataDependency(o1, o2, dependence.LocalVariable{Frame: 1}, dependence.RAW)
	v.VisitControlDependency(o1, o2)
	v.(dependence.ObjectCreationVisitor).VisitObjectCreation(o2, 9)

	for _, r := range []*recorder{&a, &b} {
		assert.Equal(t, []dependence.Occurrence{o1}, r.execs)
		assert.Equal(t, []pair{{4, 2}}, r.raw())
		assert.Equal(t, []pair{{4, 2}}, r.control)
		assert.Equal(t, map[int]uint64{2: 9}, r.created)
	}
	assert.Equal(t, []dependence.Occurrence{o1}, plain)
	assert.Equal(t, "t1:4#0", o1.String())
}
