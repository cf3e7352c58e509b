package interp

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrInputExhausted is returned by the read native when no input is left.
var ErrInputExhausted = errors.New("interp: input exhausted")

// Input is a queue of integers shared by the threads of a machine.
type Input struct {
	mu     sync.Mutex
	values []int64
}

// NewInput returns an input yielding values in order.
func NewInput(values ...int64) *Input {
	return &Input{values: values}
}

// Next pops the next value.
func (in *Input) Next() (int64, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.values) == 0 {
		return 0, ErrInputExhausted
	}
	v := in.values[0]
	in.values = in.values[1:]
	return v, nil
}

// RegisterStdlib installs the read and print natives: read takes no
// arguments and returns the next input value, print writes its argument
// and a newline to out.
func (m *Machine) RegisterStdlib(input *Input, out io.Writer) {
	var outMu sync.Mutex
	m.Register("read", func(_ *Thread, _ []Value) (Value, error) {
		return input.Next()
	})
	m.Register("print", func(_ *Thread, args []Value) (Value, error) {
		outMu.Lock()
		defer outMu.Unlock()
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = Format(a)
		}
		_, err := fmt.Fprintln(out, strings.Join(parts, " "))
		return nil, err
	})
}

// Format renders a value for output.
func Format(v Value) string {
	switch r := v.(type) {
	case nil:
		return "null"
	case int64:
		return fmt.Sprint(r)
	case *Object:
		return r.Class + "{}"
	case *Array:
		parts := make([]string, len(r.Elems))
		for i, e := range r.Elems {
			parts[i] = Format(e)
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return fmt.Sprintf("%v", v)
}
