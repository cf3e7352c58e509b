package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chazu/dynslice/interp"
	"github.com/chazu/dynslice/program"
	"github.com/chazu/dynslice/tracer"
)

var (
	runEntry    string
	runOutput   string
	runInput    []int64
	runThreads  int
	runStrategy string
	runMetrics  bool
)

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runEntry, "method", "m", "", "method threads start in (default: the program's entry)")
	f.StringVarP(&runOutput, "output", "o", "", "trace file (default from configuration)")
	f.Int64SliceVar(&runInput, "input", nil, "values returned by read, in order")
	f.IntVar(&runThreads, "threads", 1, "number of threads running the entry method")
	f.StringVar(&runStrategy, "strategy", "", "trace strategy: uncompressed, compressed or switching")
	f.BoolVar(&runMetrics, "metrics", false, "print recording metrics")
}

func runProgram(cmd *cobra.Command, args []string) error {
	p, err := program.Load(args[0])
	if err != nil {
		return err
	}
	entry := runEntry
	if entry == "" {
		entry = p.Entry
	}
	if entry == "" {
		return errors.New("program has no entry method; pass --method")
	}
	if runThreads < 1 {
		return fmt.Errorf("--threads must be at least 1, got %d", runThreads)
	}

	if runStrategy != "" {
		cfg.Trace.Strategy = runStrategy
	}
	opts, err := cfg.TracerOptions()
	if err != nil {
		return err
	}
	out := runOutput
	if out == "" {
		out = cfg.Trace.Output
	}

	tr, err := tracer.NewTracer(out, opts)
	if err != nil {
		return err
	}
	m := interp.New(p, tr)
	m.RegisterStdlib(interp.NewInput(runInput...), cmd.OutOrStdout())

	specs := make([]interp.ThreadSpec, runThreads)
	for i := range specs {
		specs[i] = interp.ThreadSpec{
			ID:     int64(i + 1),
			Name:   fmt.Sprintf("%s-%d", entry, i+1),
			Method: entry,
		}
	}
	runErr := m.RunThreads(cmd.Context(), specs...)
	if err := tr.Close(); err != nil {
		return fmt.Errorf("finishing trace: %w", err)
	}

	var exc *interp.Exception
	switch {
	case errors.As(runErr, &exc):
		// the thread ended, its trace is still complete
		fmt.Fprintf(cmd.ErrOrStderr(), "uncaught exception: %v\n", exc)
	case runErr != nil:
		return runErr
	}

	st, err := os.Stat(out)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "trace %s (%s, run %s): %s\n",
		out, opts.Strategy, tr.RunID(), humanize.Bytes(uint64(st.Size())))
	if runMetrics {
		return printMetrics(cmd.ErrOrStderr())
	}
	return nil
}

// printMetrics writes the dynslice counters of the default registry.
func printMetrics(w io.Writer) error {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	sort.Slice(mfs, func(i, j int) bool { return mfs[i].GetName() < mfs[j].GetName() })
	for _, mf := range mfs {
		if !strings.HasPrefix(mf.GetName(), "dynslice_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			c := metric.GetCounter()
			if c == nil {
				continue
			}
			name := mf.GetName()
			for _, l := range metric.GetLabel() {
				name += fmt.Sprintf(" %s=%s", l.GetName(), l.GetValue())
			}
			fmt.Fprintf(w, "%-50s %s\n", name, humanize.Comma(int64(c.GetValue())))
		}
	}
	return nil
}
