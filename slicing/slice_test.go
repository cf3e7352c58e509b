package slicing_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/dynslice/dependence"
	"github.com/chazu/dynslice/interp"
	"github.com/chazu/dynslice/program"
	"github.com/chazu/dynslice/slicing"
	"github.com/chazu/dynslice/trace"
	"github.com/chazu/dynslice/tracer"
)

// chain computes a = read(); b = 2*a; c = 2*b and then echoes an
// unrelated second input.
func chain(t *testing.T) *program.Program {
	t.Helper()
	b := program.NewBuilder().Entry("main")
	b.Method("Main", "main", 0, false).
		Line(1).Invoke("read", 0, true).Store(0).
		Line(2).Const(2).Load(0).Arith(program.ArithMul).Store(1).
		Line(3).Const(2).Load(1).Arith(program.ArithMul).Store(2).
		Line(4).Invoke("read", 0, true).Store(3).
		Line(5).Load(3).Invoke("print", 1, false).
		Line(6).Return()
	// 0 entry, 1 read, 2 label, 3 store a, 4 const, 5 load a, 6 mul, 7 store b,
	// 8 const, 9 load b, 10 mul, 11 store c, 12 read, 13 label, 14 store d,
	// 15 load d, 16 print, 17 label, 18 return
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

// branchy stores a or b into d depending on x.
func branchy(t *testing.T) *program.Program {
	t.Helper()
	b := program.NewBuilder().Entry("main")
	b.Method("Main", "main", 0, false).
		Invoke("read", 0, true).Store(0).
		Invoke("read", 0, true).Store(1).
		Invoke("read", 0, true).Store(2).
		Load(2).If(program.CondLE, "else").
		Load(0).Store(3).Goto("end").
		Mark("else").
		Load(1).Store(3).
		Mark("end").
		Load(3).Invoke("print", 1, false).
		Return()
	// 0 entry, 1-3 a, 4-6 b, 7-9 x, 10 load x, 11 if, 12 load a, 13 store d,
	// 14 goto, 15 else, 16 load b, 17 store d, 18 end, 19 load d, 20 print,
	// 21 label, 22 return
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func engine(t *testing.T, p *program.Program, input ...int64) *dependence.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.trace")
	tr, err := tracer.NewTracer(path, tracer.Options{})
	require.NoError(t, err)
	m := interp.New(p, tr)
	var out bytes.Buffer
	m.RegisterStdlib(interp.NewInput(input...), &out)
	_, err = m.Run(context.Background(), interp.ThreadSpec{ID: 1, Name: "main", Method: p.Entry})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	tc, err := trace.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { tc.Close() })
	return dependence.NewEngine(tc, p, dependence.Options{})
}

func compute(t *testing.T, e *dependence.Engine, criterion string, opts slicing.Options) *slicing.Result {
	t.Helper()
	c, err := slicing.ParseCriterion(criterion)
	require.NoError(t, err)
	r, err := slicing.Compute(context.Background(), e, c, opts)
	require.NoError(t, err)
	return r
}

func TestBackwardSliceFollowsData(t *testing.T) {
	e := engine(t, chain(t), 3, 4)
	r := compute(t, e, "11", slicing.DefaultOptions)

	assert.Equal(t, []int{1, 3, 4, 5, 6, 7, 8, 9, 10, 11}, r.Instructions())
	require.Len(t, r.Seeds, 1)
	assert.Equal(t, 11, r.Seeds[0].Instruction)

	// execution order within the thread
	for i := 1; i < len(r.Occurrences); i++ {
		assert.Greater(t, r.Occurrences[i-1].Seq, r.Occurrences[i].Seq)
	}

	byLine := compute(t, e, "main:3", slicing.DefaultOptions)
	assert.Len(t, byLine.Seeds, 4)
	assert.Equal(t, r.Instructions(), byLine.Instructions())
}

func TestForwardSlice(t *testing.T) {
	e := engine(t, chain(t), 3, 4)
	r := compute(t, e, "1/1", slicing.Options{Direction: slicing.Forward, Data: true, Control: true})
	assert.Equal(t, []int{1, 3, 5, 6, 7, 9, 10, 11}, r.Instructions())

	r = compute(t, e, "12", slicing.Options{Direction: slicing.Forward, Data: true})
	assert.Equal(t, []int{12, 14, 15, 16}, r.Instructions())
}

func TestSliceFollowsControl(t *testing.T) {
	e := engine(t, branchy(t), 5, 7, 1)

	r := compute(t, e, "13", slicing.DefaultOptions)
	assert.Equal(t, []int{1, 3, 7, 9, 10, 11, 12, 13}, r.Instructions())
	assert.NotContains(t, r.Instructions(), 6, "b is not used on the taken side")

	r = compute(t, e, "13", slicing.Options{Direction: slicing.Backward, Data: true})
	assert.Equal(t, []int{1, 3, 12, 13}, r.Instructions())

	r = compute(t, e, "13", slicing.Options{Direction: slicing.Backward, Control: true})
	assert.Equal(t, []int{11, 13}, r.Instructions())

	// the untaken side never executed
	r = compute(t, e, "17", slicing.DefaultOptions)
	assert.Empty(t, r.Seeds)
	assert.Empty(t, r.Occurrences)
}

func TestOccurrenceSelection(t *testing.T) {
	b := program.NewBuilder().Entry("main")
	b.Method("Main", "main", 0, false).
		Const(3).Store(0).
		Mark("head").
		Load(0).If(program.CondLE, "done").
		Iinc(0, -1).
		Goto("head").
		Mark("done").
		Return()
	// 0 entry, 1 const, 2 store, 3 head, 4 load, 5 if, 6 iinc, 7 goto, 8 done, 9 return
	p, err := b.Build()
	require.NoError(t, err)
	e := engine(t, p)

	g := slicing.NewGraph()
	require.NoError(t, e.RunAll(context.Background(), g))
	assert.Equal(t, int64(4), g.Count(1, 4))
	assert.Equal(t, []int64{1}, g.Threads())

	seeds := func(s string) []dependence.Occurrence {
		c, err := slicing.ParseCriterion(s)
		require.NoError(t, err)
		out, err := c.Seeds(g, p)
		require.NoError(t, err)
		return out
	}
	assert.Len(t, seeds("4"), 4)
	require.Len(t, seeds("4@1"), 1)
	assert.Equal(t, int64(3), seeds("4@1")[0].Ordinal, "the first execution is the oldest")
	assert.Equal(t, int64(0), seeds("4@-1")[0].Ordinal)
	assert.Empty(t, seeds("4@5"))
	assert.Empty(t, seeds("2/4"), "no such thread")

	// the first iteration's load reads the initial store only
	r, err := slicing.SliceGraph(g, p, mustParse(t, "4@1"), slicing.Options{Direction: slicing.Backward, Data: true})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4}, r.Instructions())

	// the last load depends on every decrement
	r, err = slicing.SliceGraph(g, p, mustParse(t, "4@-1"), slicing.Options{Direction: slicing.Backward, Data: true})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4, 6}, r.Instructions())
	var incs int
	for _, o := range r.Occurrences {
		if o.Instruction == 6 {
			incs++
		}
	}
	assert.Equal(t, 3, incs)
	assert.True(t, r.Contains(r.Seeds[0]))

	_, err = slicing.SliceGraph(g, p, mustParse(t, "99"), slicing.DefaultOptions)
	assert.ErrorIs(t, err, slicing.ErrBadCriterion)
	_, err = slicing.SliceGraph(g, p, mustParse(t, "nope:1"), slicing.DefaultOptions)
	assert.ErrorIs(t, err, slicing.ErrBadCriterion)
}

func TestComputeCancelled(t *testing.T) {
	e := engine(t, chain(t), 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := slicing.Compute(ctx, e, mustParse(t, "11"), slicing.DefaultOptions)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGraphEdges(t *testing.T) {
	e := engine(t, chain(t), 3, 4)
	g := slicing.NewGraph()
	require.NoError(t, e.RunAll(context.Background(), g))

	store := g.Executions(1, 11)
	require.Len(t, store, 1)
	deps := g.Dependencies(store[0])
	require.Len(t, deps, 1)
	assert.Equal(t, slicing.EdgeRAW, deps[0].Kind)
	assert.Equal(t, 10, deps[0].To.Instruction)
	assert.Equal(t, "raw", deps[0].Kind.String())

	var war int
	for _, edge := range g.Edges() {
		if edge.Kind == slicing.EdgeWAR {
			war++
		}
	}
	assert.Positive(t, war)
	assert.Len(t, g.Occurrences(), 19)
	assert.Empty(t, g.Dependents(g.Executions(1, 16)[0]), "nothing reads what print leaves")
}

func mustParse(t *testing.T, s string) slicing.Criterion {
	t.Helper()
	c, err := slicing.ParseCriterion(s)
	require.NoError(t, err)
	return c
}
