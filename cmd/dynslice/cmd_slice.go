package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chazu/dynslice/dependence"
	"github.com/chazu/dynslice/program"
	"github.com/chazu/dynslice/progress"
	"github.com/chazu/dynslice/slicing"
	"github.com/chazu/dynslice/trace"
)

var (
	sliceDirection    string
	sliceData         bool
	sliceControl      bool
	sliceInstructions bool
	parallel          bool
	showProgress      bool
)

func init() {
	f := sliceCmd.Flags()
	f.StringVar(&sliceDirection, "direction", "", "backward or forward (default from configuration)")
	f.BoolVar(&sliceData, "data", true, "follow data dependencies")
	f.BoolVar(&sliceControl, "control", true, "follow control dependencies")
	f.BoolVar(&sliceInstructions, "instructions", false, "print distinct instructions instead of occurrences")

	for _, c := range []*cobra.Command{sliceCmd, exportCmd} {
		c.Flags().BoolVar(&parallel, "parallel", false, "replay threads concurrently")
		c.Flags().BoolVar(&showProgress, "progress", false, "report replay progress on stderr")
	}
}

// analyze replays every thread of the trace into a dependence graph.
func analyze(cmd *cobra.Command, programPath, tracePath string) (*program.Program, *trace.Trace, *slicing.Graph, error) {
	p, err := program.Load(programPath)
	if err != nil {
		return nil, nil, nil, err
	}
	tc, err := trace.Open(tracePath)
	if err != nil {
		return nil, nil, nil, err
	}

	opts := cfg.EngineOptions()
	if cmd.Flags().Changed("parallel") {
		opts.Parallel = parallel
	}
	e := dependence.NewEngine(tc, p, opts)
	g := slicing.NewGraph()

	var mon progress.Monitor = progress.Nop{}
	if showProgress {
		mon = progress.NewConsoleMonitor(cmd.ErrOrStderr(), "replay", 0)
	}
	err = progress.Run(mon, e, func() error {
		return e.RunAll(cmd.Context(), g)
	})
	if err != nil {
		tc.Close()
		return nil, nil, nil, err
	}
	return p, tc, g, nil
}

func sliceOptions(cmd *cobra.Command) (slicing.Options, error) {
	if sliceDirection != "" {
		cfg.Analysis.Direction = sliceDirection
	}
	if cmd.Flags().Changed("data") {
		cfg.Analysis.Data = sliceData
	}
	if cmd.Flags().Changed("control") {
		cfg.Analysis.Control = sliceControl
	}
	return cfg.SliceOptions()
}

func runSlice(cmd *cobra.Command, args []string) error {
	c, err := slicing.ParseCriterion(args[2])
	if err != nil {
		return err
	}
	opts, err := sliceOptions(cmd)
	if err != nil {
		return err
	}
	p, tc, g, err := analyze(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	defer tc.Close()

	r, err := slicing.SliceGraph(g, p, c, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if sliceInstructions {
		for _, i := range r.Instructions() {
			in := p.Instruction(i)
			fmt.Fprintf(out, "%5d  %s:%d  %s\n", i, in.Method().Name, in.Line, in)
		}
		return nil
	}
	for _, o := range r.Occurrences {
		in := p.Instruction(o.Instruction)
		fmt.Fprintf(out, "%-14s %s:%d  %s\n", o, in.Method().Name, in.Line, in)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s slice of %s: %d of %d occurrences\n",
		opts.Direction, c, len(r.Occurrences), len(g.Occurrences()))
	return nil
}
