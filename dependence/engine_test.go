package dependence_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/dynslice/dependence"
	"github.com/chazu/dynslice/interp"
	"github.com/chazu/dynslice/program"
	"github.com/chazu/dynslice/trace"
	"github.com/chazu/dynslice/tracer"
)

type pair struct{ from, to int }

type dataEdge struct {
	pair
	v    dependence.Variable
	kind dependence.DataKind
}

// recorder keeps everything a replay reports.
type recorder struct {
	execs   []dependence.Occurrence
	data    []dataEdge
	control []pair
	created map[int]uint64
	methods []string
}

func (r *recorder) VisitInstructionExecution(o dependence.Occurrence) {
	r.execs = append(r.execs, o)
}

func (r *recorder) VisitDataDependency(from, to dependence.Occurrence, v dependence.Variable, kind dependence.DataKind) {
	r.data = append(r.data, dataEdge{pair{from.Instruction, to.Instruction}, v, kind})
}

func (r *recorder) VisitControlDependency(from, to dependence.Occurrence) {
	r.control = append(r.control, pair{from.Instruction, to.Instruction})
}

func (r *recorder) VisitObjectCreation(o dependence.Occurrence, id uint64) {
	if r.created == nil {
		r.created = make(map[int]uint64)
	}
	r.created[o.Instruction] = id
}

func (r *recorder) VisitMethodLeave(f *dependence.Frame, last dependence.Occurrence) {
	r.methods = append(r.methods, "leave "+f.Method.Name)
}

func (r *recorder) VisitMethodEntry(f *dependence.Frame, entry dependence.Occurrence) {
	r.methods = append(r.methods, "enter "+f.Method.Name)
}

func (r *recorder) raw() []pair {
	var out []pair
	for _, e := range r.data {
		if e.kind == dependence.RAW {
			out = append(out, e.pair)
		}
	}
	return out
}

func (r *recorder) rawOn(v dependence.Variable) []pair {
	var out []pair
	for _, e := range r.data {
		if e.kind == dependence.RAW && e.v == v {
			out = append(out, e.pair)
		}
	}
	return out
}

func record(t *testing.T, p *program.Program, input ...int64) *trace.Trace {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.trace")
	tr, err := tracer.NewTracer(path, tracer.Options{})
	require.NoError(t, err)
	m := interp.New(p, tr)
	m.RegisterStdlib(interp.NewInput(input...), io.Discard)
	_, err = m.Run(context.Background(), interp.ThreadSpec{ID: 1, Name: "main", Method: "main"})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	tc, err := trace.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { tc.Close() })
	return tc
}

func replay(t *testing.T, p *program.Program, input ...int64) *recorder {
	t.Helper()
	e := dependence.NewEngine(record(t, p, input...), p, dependence.Options{})
	rec := &recorder{}
	require.NoError(t, e.Run(context.Background(), 1, rec))
	assert.Equal(t, 100.0, e.PercentageDone())
	return rec
}

func build(t *testing.T, define func(b *program.Builder)) *program.Program {
	t.Helper()
	b := program.NewBuilder()
	define(b)
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func TestStraightLineDataDependences(t *testing.T) {
	// a = read(); b = 2*a; c = 2*b
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).
			Invoke("read", 0, true).Store(0).
			Const(2).Load(0).Arith(program.ArithMul).Store(1).
			Const(2).Load(1).Arith(program.ArithMul).Store(2).
			Return()
	})
	// 0 entry, 1 invoke, 2 label, 3 store a, 4 const, 5 load a, 6 mul,
	// 7 store b, 8 const, 9 load b, 10 mul, 11 store c, 12 return
	rec := replay(t, p, 21)

	require.Len(t, rec.execs, 13)
	for i, o := range rec.execs {
		assert.Equal(t, 12-i, o.Instruction)
		assert.Equal(t, int64(i), o.Seq)
		assert.Equal(t, int64(0), o.Ordinal)
	}
	assert.ElementsMatch(t, []pair{
		{11, 10}, {10, 9}, {10, 8}, {9, 7}, {7, 6}, {6, 5}, {6, 4}, {5, 3}, {3, 1},
	}, rec.raw())
	assert.Equal(t, []pair{{9, 7}}, rec.rawOn(dependence.LocalVariable{Frame: 1, Index: 1}))
	assert.Empty(t, rec.control, "nothing is under a branch and the entry has no caller")

	var war []pair
	for _, e := range rec.data {
		if e.kind == dependence.WAR {
			war = append(war, e.pair)
		}
	}
	assert.Contains(t, war, pair{8, 7}, "const 2 overwrites the cell store b read")
}

func TestBranchControlDependences(t *testing.T) {
	p := build(t, func(b *program.Builder) {
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
	})

	taken := replay(t, p, 5, 7, 1)
	assert.ElementsMatch(t, []pair{{14, 11}, {13, 11}, {12, 11}}, taken.control)
	assert.Contains(t, taken.raw(), pair{19, 13}, "d is read from the then side")
	assert.Contains(t, taken.raw(), pair{12, 3}, "the then side reads b")
	assert.Contains(t, taken.raw(), pair{10, 9}, "the branch reads x")

	other := replay(t, p, 5, 7, 0)
	assert.ElementsMatch(t, []pair{{17, 11}, {16, 11}, {15, 11}}, other.control)
	assert.Contains(t, other.raw(), pair{19, 17})
}

func TestLoopOccurrences(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).
			Const(3).Store(0).
			Mark("head").
			Load(0).If(program.CondLE, "done").
			Iinc(0, -1).
			Goto("head").
			Mark("done").
			Return()
	})
	// 0 entry, 1 const, 2 store, 3 head, 4 load, 5 if, 6 iinc, 7 goto, 8 done, 9 return
	rec := replay(t, p)

	var ifs []dependence.Occurrence
	for _, o := range rec.execs {
		if o.Instruction == 5 {
			ifs = append(ifs, o)
		}
	}
	require.Len(t, ifs, 4)
	for i, o := range ifs {
		assert.Equal(t, int64(i), o.Ordinal)
	}

	// each iinc reads the previous one, the first reads the store
	loc := dependence.LocalVariable{Frame: 1, Index: 0}
	assert.ElementsMatch(t, []pair{
		{4, 6}, {4, 6}, {4, 6}, {4, 2},
		{6, 6}, {6, 6}, {6, 2},
	}, rec.rawOn(loc))

	// every body occurrence depends on an occurrence of the loop test
	for _, c := range rec.control {
		assert.Equal(t, 5, c.to)
	}
	// head, load, if, iinc and goto of three iterations; the first test
	// has no earlier branch to depend on
	assert.Len(t, rec.control, 15)
}

func TestCallsCrossFrames(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).
			Const(2).Invoke("double", 1, true).
			Store(0).Load(0).
			Invoke("print", 1, false).
			Return()
		b.Method("Main", "double", 1, true).
			Load(0).Load(0).Arith(program.ArithAdd).ReturnValue()
	})
	// main: 0 entry, 1 const, 2 invoke, 3 label, 4 store, 5 load, 6 print, 7 label, 8 return
	// double: 9 entry, 10 load, 11 load, 12 add, 13 return
	rec := replay(t, p)

	assert.ElementsMatch(t, []pair{
		{6, 5}, {5, 4}, {4, 13}, {13, 12}, {12, 11}, {12, 10}, {11, 2}, {10, 2}, {2, 1},
	}, rec.raw())
	assert.ElementsMatch(t, []pair{{6, 5}, {4, 13}, {2, 1}}, rec.rawOn(dependence.StackEntry{Frame: 1, Height: 0}),
		"the callee's return defines the caller's operand")
	assert.ElementsMatch(t, []pair{{13, 2}, {12, 2}, {11, 2}, {10, 2}, {9, 2}}, rec.control,
		"the callee body depends on its invoke")
	assert.Equal(t, []string{"leave main", "leave double", "enter double", "enter main"}, rec.methods)

	frames := map[int]int64{}
	for _, o := range rec.execs {
		frames[o.Instruction] = o.Frame
	}
	assert.Equal(t, frames[0], frames[2])
	assert.NotEqual(t, frames[2], frames[10])
}

func TestHeapDependences(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).
			New("Point").Store(0).
			Load(0).Const(5).PutField("Point", "x").
			Load(0).GetField("Point", "x").Store(1).
			Const(2).NewArray().Store(2).
			Load(2).Const(0).Const(10).ArrayStore().
			Load(2).Const(1).Const(20).ArrayStore().
			Load(2).Const(0).ArrayLoad().Store(3).
			Load(2).ArrayLength().Store(4).
			Return()
	})
	// 0 entry, 1 new, 2 store, 3 load, 4 const, 5 putfield, 6 load, 7 getfield, 8 store,
	// 9 const, 10 newarray, 11 store, 12 load, 13 const, 14 const, 15 astore,
	// 16 load, 17 const, 18 const, 19 astore, 20 load, 21 const, 22 aload, 23 store,
	// 24 load, 25 arraylength, 26 store, 27 return
	rec := replay(t, p)

	point, arr := rec.created[1], rec.created[10]
	require.NotZero(t, point)
	require.NotZero(t, arr)
	assert.NotEqual(t, point, arr)

	assert.Equal(t, []pair{{7, 5}}, rec.rawOn(dependence.ObjectField{Object: point, Field: "x"}))
	assert.Equal(t, []pair{{22, 15}}, rec.rawOn(dependence.ArrayElement{Array: arr, Index: 0}))
	assert.Empty(t, rec.rawOn(dependence.ArrayElement{Array: arr, Index: 1}))
	assert.Equal(t, []pair{{25, 10}}, rec.rawOn(dependence.ObjectField{Object: arr, Field: dependence.LengthField}))
}

func TestCaughtException(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).
			Mark("try").
			Const(7).Store(0).
			Const(1).Const(0).Arith(program.ArithDiv).Store(0).
			Mark("end").
			Load(0).Invoke("print", 1, false).
			Return().
			Catch("handler").
			Pop().Goto("end").
			Try("try", "end", "handler")
	})
	// 0 entry, 1 try, 2 const, 3 store, 4 const, 5 const, 6 div, 7 store,
	// 8 end, 9 load, 10 print, 11 label, 12 return, 13 handler, 14 pop, 15 goto
	rec := replay(t, p)

	var seen []int
	for _, o := range rec.execs {
		seen = append(seen, o.Instruction)
	}
	assert.Equal(t, []int{12, 11, 10, 9, 8, 15, 14, 13, 6, 5, 4, 3, 2, 1, 0}, seen)
	assert.Contains(t, rec.raw(), pair{9, 3}, "the division never stored")
	assert.Contains(t, rec.control, pair{14, 6})
	for _, e := range rec.data {
		if e.kind == dependence.RAW {
			assert.NotEqual(t, 6, e.to, "an aborted division defines nothing")
		}
	}
}

func TestRunAllParallel(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).
			Invoke("read", 0, true).Store(0).
			Load(0).Invoke("print", 1, false).
			Return()
	})
	path := filepath.Join(t.TempDir(), "threads.trace")
	tr, err := tracer.NewTracer(path, tracer.Options{})
	require.NoError(t, err)
	m := interp.New(p, tr)
	m.RegisterStdlib(interp.NewInput(1, 2, 3, 4), io.Discard)
	var specs []interp.ThreadSpec
	for i := range 4 {
		specs = append(specs, interp.ThreadSpec{ID: int64(i + 1), Method: "main"})
	}
	require.NoError(t, m.RunThreads(context.Background(), specs...))
	require.NoError(t, tr.Close())
	tc, err := trace.Open(path)
	require.NoError(t, err)
	defer tc.Close()

	counts := make(chan int64, 64)
	v := dependence.VisitorFuncs{
		Execution: func(o dependence.Occurrence) { counts <- o.Thread },
	}
	e := dependence.NewEngine(tc, p, dependence.Options{Parallel: true})
	require.NoError(t, e.RunAll(context.Background(), v))
	close(counts)
	perThread := map[int64]int{}
	for id := range counts {
		perThread[id]++
	}
	assert.Len(t, perThread, 4)
	for id, n := range perThread {
		assert.Equal(t, 8, n, "thread %d", id)
	}
	assert.Equal(t, 100.0, e.PercentageDone())
}

func TestReplayErrors(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).Const(1).Pop().Return()
	})
	tc := record(t, p)
	e := dependence.NewEngine(tc, p, dependence.Options{})

	err := e.Run(context.Background(), 42, &recorder{})
	assert.ErrorIs(t, err, trace.ErrUnknownThread)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Run(ctx, 1, &recorder{}), context.Canceled)

	// the thread ended at an instruction this program does not have
	other := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).Return()
	})
	err = dependence.NewEngine(tc, other, dependence.Options{}).Run(context.Background(), 1, &recorder{})
	var re *dependence.ReplayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, int64(1), re.Thread)
	assert.Equal(t, -1, re.Instruction)
	assert.ErrorIs(t, err, trace.ErrCorrupt)
}
