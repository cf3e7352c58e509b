package interp

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/dynslice/program"
)

func build(t *testing.T, define func(b *program.Builder)) *program.Program {
	t.Helper()
	b := program.NewBuilder()
	define(b)
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

func runMain(t *testing.T, p *program.Program, method string, args ...Value) (Value, error) {
	t.Helper()
	m := New(p, nil)
	m.RegisterStdlib(NewInput(), &bytes.Buffer{})
	return m.Run(context.Background(), ThreadSpec{ID: 1, Name: "main", Method: method, Args: args})
}

func TestBranchAndNatives(t *testing.T) {
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

	for _, tc := range []struct {
		input []int64
		want  string
	}{
		{[]int64{5, 7, 1}, "5\n"},
		{[]int64{5, 7, 0}, "7\n"},
		{[]int64{5, 7, -3}, "7\n"},
	} {
		var out bytes.Buffer
		m := New(p, nil)
		m.RegisterStdlib(NewInput(tc.input...), &out)
		_, err := m.Run(context.Background(), ThreadSpec{ID: 1, Method: "main"})
		require.NoError(t, err)
		assert.Equal(t, tc.want, out.String(), "input %v", tc.input)
	}
}

func TestInputExhausted(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).Invoke("read", 0, true).Pop().Return()
	})
	_, err := runMain(t, p, "main")
	assert.ErrorIs(t, err, ErrInputExhausted)
}

func TestRecursion(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "fact", 1, true).
			Load(0).Const(1).IfCmp(program.CondGT, "rec").
			Const(1).ReturnValue().
			Mark("rec").
			Load(0).Load(0).Const(1).Arith(program.ArithSub).
			Invoke("fact", 1, true).
			Arith(program.ArithMul).ReturnValue()
	})
	v, err := runMain(t, p, "fact", int64(5))
	require.NoError(t, err)
	assert.Equal(t, int64(120), v)
}

func TestStackOverflow(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "forever", 0, false).
			Invoke("forever", 0, false).Return()
	})
	m := New(p, nil)
	m.MaxDepth = 16
	_, err := m.Run(context.Background(), ThreadSpec{Method: "forever"})
	var exc *Exception
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ClassStackOverflow, exc.Value.(*Object).Class)
}

func TestObjectsAndArrays(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "fields", 0, true).
			New("Point").Dup().Const(3).PutField("Point", "x").
			GetField("Point", "x").ReturnValue()
		b.Method("Main", "arrays", 0, true).
			Const(3).NewArray().Store(0).
			Load(0).Const(1).Const(9).ArrayStore().
			Load(0).Const(1).ArrayLoad().
			Load(0).ArrayLength().
			Arith(program.ArithAdd).ReturnValue()
		b.Method("Main", "statics", 0, true).
			Const(4).PutStatic("Main", "counter").
			GetStatic("Main", "counter").GetStatic("Main", "unset").
			Arith(program.ArithAdd).ReturnValue()
		b.Method("Main", "casts", 0, true).
			New("Point").CheckCast("Point").InstanceOf("Point").
			Const(1).NewArray().InstanceOf(ArrayClass).
			Arith(program.ArithAdd).ReturnValue()
	})
	for name, want := range map[string]int64{"fields": 3, "arrays": 12, "statics": 4, "casts": 2} {
		v, err := runMain(t, p, name)
		require.NoError(t, err, name)
		assert.Equal(t, want, v, name)
	}
}

func TestExceptions(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "safeDiv", 2, true).
			Mark("try").
			Load(0).Load(1).Arith(program.ArithDiv).ReturnValue().
			Mark("end").
			Catch("handler").
			Pop().Const(-1).ReturnValue().
			Try("try", "end", "handler")
		b.Method("Main", "outOfBounds", 0, true).
			Const(1).NewArray().Const(5).ArrayLoad().ReturnValue()
		b.Method("Main", "calleeThrows", 0, true).
			Mark("try").
			Invoke("outOfBounds", 0, true).ReturnValue().
			Mark("end").
			Catch("handler").
			Pop().Const(-1).ReturnValue().
			Try("try", "end", "handler")
		b.Method("Main", "throwNull", 0, false).
			Const(0).Pop().
			New("Boom").Throw()
	})

	v, err := runMain(t, p, "safeDiv", int64(9), int64(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = runMain(t, p, "safeDiv", int64(9), int64(0))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v, "division by zero is caught in the same method")

	_, err = runMain(t, p, "outOfBounds")
	var exc *Exception
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ClassIndexOutOfBounds, exc.Value.(*Object).Class)
	assert.Equal(t, program.OpArrayLoad, exc.At.Op)

	_, err = runMain(t, p, "calleeThrows")
	require.ErrorAs(t, err, &exc, "exceptions do not cross method boundaries")

	_, err = runMain(t, p, "throwNull")
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, "Boom", exc.Value.(*Object).Class)
}

func TestCancellation(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "spin", 0, false).
			Mark("top").Goto("top")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(p, nil).Run(ctx, ThreadSpec{Method: "spin"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRunThreads(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).
			Invoke("read", 0, true).Invoke("print", 1, false).Return()
	})
	var out bytes.Buffer
	m := New(p, nil)
	m.RegisterStdlib(NewInput(1, 2, 3, 4), &out)
	var specs []ThreadSpec
	for i := range 4 {
		specs = append(specs, ThreadSpec{ID: int64(i), Method: "main"})
	}
	require.NoError(t, m.RunThreads(context.Background(), specs...))
	assert.ElementsMatch(t, []string{"1", "2", "3", "4"}, splitLines(out.String()))
}

func TestUnknownMethod(t *testing.T) {
	p := build(t, func(b *program.Builder) {
		b.Method("Main", "main", 0, false).Invoke("missing", 0, false).Return()
	})
	_, err := runMain(t, p, "main")
	assert.ErrorIs(t, err, ErrNoMethod)
	_, err = runMain(t, p, "nope")
	assert.ErrorIs(t, err, ErrNoMethod)
}

func splitLines(s string) []string {
	var lines []string
	for _, l := range bytes.Split(bytes.TrimSpace([]byte(s)), []byte("\n")) {
		lines = append(lines, string(l))
	}
	return lines
}
