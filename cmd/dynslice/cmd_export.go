package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chazu/dynslice/export"
	"github.com/chazu/dynslice/slicing"
)

var (
	exportDriver    string
	exportDSN       string
	exportCriterion []string
)

func init() {
	f := exportCmd.Flags()
	f.StringVar(&exportDriver, "driver", "", "sqlite or duckdb (default from configuration)")
	f.StringVar(&exportDSN, "dsn", "", "database to write to (default from configuration)")
	f.StringArrayVar(&exportCriterion, "criterion", nil, "also export the slice for this criterion; repeatable")
	f.StringVar(&sliceDirection, "direction", "", "direction of exported slices")
}

func runExport(cmd *cobra.Command, args []string) error {
	var criteria []slicing.Criterion
	for _, s := range exportCriterion {
		c, err := slicing.ParseCriterion(s)
		if err != nil {
			return err
		}
		criteria = append(criteria, c)
	}
	opts, err := sliceOptions(cmd)
	if err != nil {
		return err
	}

	driver, dsn := cfg.Export.Driver, cfg.Export.DSN
	if exportDriver != "" {
		driver = exportDriver
	}
	if exportDSN != "" {
		dsn = exportDSN
	}

	p, tc, g, err := analyze(cmd, args[0], args[1])
	if err != nil {
		return err
	}
	defer tc.Close()

	x, err := export.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer x.Close()

	ctx := cmd.Context()
	run := tc.RunID().String()
	if err := x.WriteGraph(ctx, run, p, g); err != nil {
		return err
	}
	for _, c := range criteria {
		r, err := slicing.SliceGraph(g, p, c, opts)
		if err != nil {
			return err
		}
		id, err := x.WriteSlice(ctx, run, r)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "slice %s: %s (%d occurrences)\n", id, c, len(r.Occurrences))
	}

	s, err := x.Summarize(ctx, run)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s -> %s %s: %d instructions, %d occurrences, %d edges, %d slices\n",
		run, driver, dsn, s.Instructions, s.Occurrences, s.Edges, s.Slices)
	return nil
}
