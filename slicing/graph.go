package slicing

import (
	"fmt"
	"slices"
	"sync"

	"github.com/chazu/dynslice/dependence"
)

// EdgeKind is the kind of a dependence edge.
type EdgeKind uint8

const (
	EdgeRAW EdgeKind = iota + 1
	EdgeWAR
	EdgeControl
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeRAW:
		return "raw"
	case EdgeWAR:
		return "war"
	case EdgeControl:
		return "control"
	}
	return fmt.Sprintf("EdgeKind(%d)", uint8(k))
}

// Edge is a dependence of From on To. Variable is nil for control edges.
type Edge struct {
	From     dependence.Occurrence
	To       dependence.Occurrence
	Kind     EdgeKind
	Variable dependence.Variable
}

type instrKey struct {
	thread      int64
	instruction int
}

// Graph is a visitor that materializes the dependence graph of a replay.
// It is safe for concurrent use, so one graph can collect the threads of a
// parallel replay.
type Graph struct {
	mu          sync.Mutex
	occurrences []dependence.Occurrence
	byInstr     map[instrKey][]dependence.Occurrence
	edges       []Edge
	out         map[dependence.Occurrence][]int
	in          map[dependence.Occurrence][]int
	created     map[dependence.Occurrence][]uint64
	threads     []int64
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		byInstr: make(map[instrKey][]dependence.Occurrence),
		out:     make(map[dependence.Occurrence][]int),
		in:      make(map[dependence.Occurrence][]int),
		created: make(map[dependence.Occurrence][]uint64),
	}
}

func (g *Graph) VisitInstructionExecution(o dependence.Occurrence) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.occurrences) == 0 || g.occurrences[len(g.occurrences)-1].Thread != o.Thread {
		if !slices.Contains(g.threads, o.Thread) {
			g.threads = append(g.threads, o.Thread)
		}
	}
	g.occurrences = append(g.occurrences, o)
	k := instrKey{o.Thread, o.Instruction}
	g.byInstr[k] = append(g.byInstr[k], o)
}

func (g *Graph) VisitDataDependency(from, to dependence.Occurrence, v dependence.Variable, kind dependence.DataKind) {
	k := EdgeRAW
	if kind == dependence.WAR {
		k = EdgeWAR
	}
	g.add(Edge{From: from, To: to, Kind: k, Variable: v})
}

func (g *Graph) VisitControlDependency(from, to dependence.Occurrence) {
	g.add(Edge{From: from, To: to, Kind: EdgeControl})
}

func (g *Graph) VisitObjectCreation(o dependence.Occurrence, id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created[o] = append(g.created[o], id)
}

func (g *Graph) add(e Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.edges)
	g.edges = append(g.edges, e)
	g.out[e.From] = append(g.out[e.From], i)
	g.in[e.To] = append(g.in[e.To], i)
}

// Occurrences returns all occurrences in visit order.
func (g *Graph) Occurrences() []dependence.Occurrence {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]dependence.Occurrence(nil), g.occurrences...)
}

// Edges returns all edges in visit order.
func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Edge(nil), g.edges...)
}

// Dependencies returns the edges leaving o, that is what o depends on.
func (g *Graph) Dependencies(o dependence.Occurrence) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.collect(g.out[o])
}

// Dependents returns the edges entering o, that is what depends on o.
func (g *Graph) Dependents(o dependence.Occurrence) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.collect(g.in[o])
}

func (g *Graph) collect(idx []int) []Edge {
	out := make([]Edge, len(idx))
	for i, j := range idx {
		out[i] = g.edges[j]
	}
	return out
}

// Created returns the object ids allocated by o.
func (g *Graph) Created(o dependence.Occurrence) []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created[o]
}

// Count returns how often thread executed instruction.
func (g *Graph) Count(thread int64, instruction int) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int64(len(g.byInstr[instrKey{thread, instruction}]))
}

// Executions returns the occurrences of instruction in thread, most recent
// first.
func (g *Graph) Executions(thread int64, instruction int) []dependence.Occurrence {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]dependence.Occurrence(nil), g.byInstr[instrKey{thread, instruction}]...)
}

// Threads returns the ids of the threads that executed anything, in
// ascending order.
func (g *Graph) Threads() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := slices.Clone(g.threads)
	slices.Sort(ids)
	return ids
}
