package slicing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/dynslice/dependence"
	"github.com/chazu/dynslice/program"
)

// ErrBadCriterion is returned for criteria that cannot be parsed or do not
// select any instruction.
var ErrBadCriterion = errors.New("slicing: bad criterion")

// Criterion selects the occurrences a slice starts from.
//
// The textual form is [thread/]selector[@occurrence], where selector is a
// global instruction index or method:line, and occurrence is the 1-based
// execution number in forward order, -1 meaning the last one. Without an
// occurrence every execution is selected; without a thread every thread.
type Criterion struct {
	Thread    int64
	AnyThread bool

	Index  int // -1 when Method and Line are used
	Method string
	Line   int

	// Occurrence is the forward execution number; 0 selects all and -1
	// the last.
	Occurrence int64
}

// ParseCriterion parses the textual form of a criterion.
func ParseCriterion(s string) (Criterion, error) {
	c := Criterion{AnyThread: true, Index: -1}
	bad := func(format string, args ...any) (Criterion, error) {
		return Criterion{}, fmt.Errorf("%w %q: %s", ErrBadCriterion, s, fmt.Sprintf(format, args...))
	}

	rest := strings.TrimSpace(s)
	if thread, sel, ok := strings.Cut(rest, "/"); ok {
		id, err := strconv.ParseInt(thread, 10, 64)
		if err != nil {
			return bad("thread %q is not a number", thread)
		}
		c.Thread, c.AnyThread = id, false
		rest = sel
	}
	if sel, occ, ok := strings.Cut(rest, "@"); ok {
		n, err := strconv.ParseInt(occ, 10, 64)
		if err != nil || n == 0 || n < -1 {
			return bad("occurrence must be positive or -1")
		}
		c.Occurrence = n
		rest = sel
	}
	if method, line, ok := strings.Cut(rest, ":"); ok {
		n, err := strconv.Atoi(line)
		if err != nil || method == "" {
			return bad("want method:line")
		}
		c.Method, c.Line = method, n
		return c, nil
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return bad("want an instruction index or method:line")
	}
	c.Index = n
	return c, nil
}

func (c Criterion) String() string {
	var b strings.Builder
	if !c.AnyThread {
		fmt.Fprintf(&b, "%d/", c.Thread)
	}
	if c.Index >= 0 {
		b.WriteString(strconv.Itoa(c.Index))
	} else {
		fmt.Fprintf(&b, "%s:%d", c.Method, c.Line)
	}
	if c.Occurrence != 0 {
		fmt.Fprintf(&b, "@%d", c.Occurrence)
	}
	return b.String()
}

// Instructions resolves the selector against prog.
func (c Criterion) Instructions(prog *program.Program) ([]*program.Instruction, error) {
	if c.Index >= 0 {
		in := prog.Instruction(c.Index)
		if in == nil {
			return nil, fmt.Errorf("%w: no instruction %d", ErrBadCriterion, c.Index)
		}
		return []*program.Instruction{in}, nil
	}
	if prog.Method(c.Method) == nil {
		return nil, fmt.Errorf("%w: no method %s", ErrBadCriterion, c.Method)
	}
	ins := prog.Lines(c.Method, c.Line)
	if len(ins) == 0 {
		return nil, fmt.Errorf("%w: no instruction on %s:%d", ErrBadCriterion, c.Method, c.Line)
	}
	return ins, nil
}

// Seeds returns the occurrences in g the criterion selects.
func (c Criterion) Seeds(g *Graph, prog *program.Program) ([]dependence.Occurrence, error) {
	ins, err := c.Instructions(prog)
	if err != nil {
		return nil, err
	}
	threads := g.Threads()
	if !c.AnyThread {
		threads = []int64{c.Thread}
	}
	var seeds []dependence.Occurrence
	for _, t := range threads {
		for _, in := range ins {
			execs := g.Executions(t, in.Index)
			switch {
			case c.Occurrence == 0:
				seeds = append(seeds, execs...)
			case c.Occurrence == -1:
				if len(execs) > 0 {
					seeds = append(seeds, execs[0])
				}
			case c.Occurrence <= int64(len(execs)):
				// executions are most recent first
				seeds = append(seeds, execs[int64(len(execs))-c.Occurrence])
			}
		}
	}
	return seeds, nil
}
