// Package slicing computes dynamic slices over the dependence graph of a
// replayed trace.
package slicing

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/tliron/commonlog"

	"github.com/chazu/dynslice/dependence"
	"github.com/chazu/dynslice/program"
)

var log = commonlog.GetLogger("dynslice.slicing")

// Direction of a slice.
type Direction uint8

const (
	// Backward collects what the seeds depend on.
	Backward Direction = iota
	// Forward collects what depends on the seeds.
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// ParseDirection parses "backward" or "forward".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "backward", "":
		return Backward, nil
	case "forward":
		return Forward, nil
	}
	return Backward, fmt.Errorf("slicing: unknown direction %q", s)
}

// Options selects which edges a slice follows. Write-after-read edges are
// never followed.
type Options struct {
	Direction Direction
	Data      bool
	Control   bool
}

func (o Options) follows(k EdgeKind) bool {
	return (k == EdgeRAW && o.Data) || (k == EdgeControl && o.Control)
}

// DefaultOptions is a backward slice over data and control dependencies.
var DefaultOptions = Options{Direction: Backward, Data: true, Control: true}

// Slice returns the occurrences reachable from seeds, seeds included,
// ordered by thread and then by execution time.
func Slice(g *Graph, seeds []dependence.Occurrence, opts Options) []dependence.Occurrence {
	q := NewUniqueQueue[dependence.Occurrence]()
	for _, s := range seeds {
		q.Add(s)
	}
	var out []dependence.Occurrence
	for {
		o, ok := q.Pop()
		if !ok {
			break
		}
		out = append(out, o)

		var edges []Edge
		if opts.Direction == Backward {
			edges = g.Dependencies(o)
		} else {
			edges = g.Dependents(o)
		}
		for _, e := range edges {
			if !opts.follows(e.Kind) {
				continue
			}
			if opts.Direction == Backward {
				q.Add(e.To)
			} else {
				q.Add(e.From)
			}
		}
	}
	SortExecution(out)
	return out
}

// SortExecution orders occurrences by thread and then by execution time.
func SortExecution(occs []dependence.Occurrence) {
	slices.SortFunc(occs, func(a, b dependence.Occurrence) int {
		if c := cmp.Compare(a.Thread, b.Thread); c != 0 {
			return c
		}
		// Seq counts backward
		return cmp.Compare(b.Seq, a.Seq)
	})
}

// Result is a computed slice with the graph it was computed on.
type Result struct {
	Criterion   Criterion
	Options     Options
	Graph       *Graph
	Seeds       []dependence.Occurrence
	Occurrences []dependence.Occurrence
}

// Compute replays every thread of the engine's trace and slices the
// resulting graph from the criterion.
func Compute(ctx context.Context, e *dependence.Engine, c Criterion, opts Options) (*Result, error) {
	g := NewGraph()
	if err := e.RunAll(ctx, g); err != nil {
		return nil, err
	}
	return SliceGraph(g, e.Program(), c, opts)
}

// SliceGraph slices an already built graph from the criterion.
func SliceGraph(g *Graph, prog *program.Program, c Criterion, opts Options) (*Result, error) {
	seeds, err := c.Seeds(g, prog)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		log.Warningf("criterion %s selects no executed occurrence", c)
	}
	occs := Slice(g, seeds, opts)
	log.Infof("%s slice from %s: %d seeds, %d occurrences", opts.Direction, c, len(seeds), len(occs))
	return &Result{Criterion: c, Options: opts, Graph: g, Seeds: seeds, Occurrences: occs}, nil
}

// Contains reports whether the slice holds o.
func (r *Result) Contains(o dependence.Occurrence) bool {
	return slices.Contains(r.Occurrences, o)
}

// Instructions returns the distinct instruction indices of the slice in
// ascending order.
func (r *Result) Instructions() []int {
	seen := make(map[int]bool)
	var out []int
	for _, o := range r.Occurrences {
		if !seen[o.Instruction] {
			seen[o.Instruction] = true
			out = append(out, o.Instruction)
		}
	}
	slices.Sort(out)
	return out
}
