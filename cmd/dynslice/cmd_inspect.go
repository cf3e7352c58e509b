package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chazu/dynslice/program"
	"github.com/chazu/dynslice/trace"
)

func runInspect(cmd *cobra.Command, args []string) error {
	tc, err := trace.Open(args[0])
	if err != nil {
		return err
	}
	defer tc.Close()

	out := cmd.OutOrStdout()
	threads := tc.Threads()
	fmt.Fprintf(out, "Run:      %s\n", tc.RunID())
	fmt.Fprintf(out, "Strategy: %s\n", tc.Strategy())
	fmt.Fprintf(out, "Threads:  %d\n\n", len(threads))

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	var total int64
	for _, tt := range threads {
		fmt.Fprintf(w, "thread %d\t%s\tlast instruction %d\t%d sequences\n",
			tt.ID, tt.Name, tt.LastInstruction, len(tt.Slots()))
		for _, slot := range tt.Slots() {
			d, _ := tt.Descriptor(slot)
			size, err := tt.Size(slot)
			if err != nil {
				return err
			}
			total += size
			deflated := ""
			if d.Deflated {
				deflated = "deflated"
			}
			fmt.Fprintf(w, "  slot %d\t%s\t%s\tchannel %d\t%s\t%s\n",
				slot, d.Strategy, d.Kind, d.Channel, humanize.Bytes(uint64(size)), deflated)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nSequence data: %s\n", humanize.Bytes(uint64(total)))
	return nil
}

func runDis(cmd *cobra.Command, args []string) error {
	p, err := program.Load(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, m := range p.Methods {
		marker := ""
		if m.Name == p.Entry {
			marker = " (entry)"
		}
		fmt.Fprintf(out, "%s.%s/%d%s\n", m.Owner, m.Name, m.ParamCount, marker)
		for _, in := range m.Instructions {
			fmt.Fprintf(out, "  %5d  line %-4d stack %-3d %s\n", in.Index, in.Line, in.StackIn, in)
		}
	}
	return nil
}
