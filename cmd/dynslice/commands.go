package main

import (
	"github.com/spf13/cobra"

	"github.com/chazu/dynslice/config"
	"github.com/chazu/dynslice/logging"
)

// --- Global Command Variables ---
var (
	configPath string
	verbose    int
	quiet      bool
	logFile    string

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:           "dynslice",
		Short:         "Record program runs and compute dynamic slices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				cfg, err = config.Load(configPath)
			} else {
				cfg, err = config.FindAndLoad(".")
			}
			if err != nil {
				return err
			}
			v := cfg.Log.Verbosity
			if cmd.Flags().Changed("verbose") || quiet {
				v = logging.Verbosity(quiet, verbose)
			}
			path := cfg.Log.File
			if logFile != "" {
				path = logFile
			}
			logging.Configure(v, path)
			return nil
		},
	}

	// --- Recording ---
	runCmd = &cobra.Command{
		Use:   "run PROGRAM",
		Short: "Run a program model and record its trace",
		Args:  cobra.ExactArgs(1),
		RunE:  runProgram, // Defined in cmd_run.go
	}

	// --- Inspection ---
	inspectCmd = &cobra.Command{
		Use:   "inspect TRACE",
		Short: "List the threads and sequences of a trace",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect, // Defined in cmd_inspect.go
	}
	disCmd = &cobra.Command{
		Use:   "dis PROGRAM",
		Short: "Print the instructions of a program model",
		Args:  cobra.ExactArgs(1),
		RunE:  runDis, // Defined in cmd_inspect.go
	}

	// --- Analysis ---
	sliceCmd = &cobra.Command{
		Use:   "slice PROGRAM TRACE CRITERION",
		Short: "Compute a dynamic slice",
		Long: `Compute a dynamic slice of a recorded run.

The criterion has the form [thread/]selector[@occurrence], where selector is
an instruction index or method:line, and occurrence is the 1-based execution
number, -1 meaning the last one.`,
		Args: cobra.ExactArgs(3),
		RunE: runSlice, // Defined in cmd_slice.go
	}
	exportCmd = &cobra.Command{
		Use:   "export PROGRAM TRACE",
		Short: "Write the dependence graph of a run to a SQL database",
		Args:  cobra.ExactArgs(2),
		RunE:  runExport, // Defined in cmd_export.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "configuration file (default: nearest dynslice.toml)")
	pf.CountVarP(&verbose, "verbose", "v", "increase log verbosity")
	pf.BoolVarP(&quiet, "quiet", "q", false, "disable logging")
	pf.StringVar(&logFile, "log-file", "", "write the log to a file")

	rootCmd.AddCommand(runCmd, inspectCmd, disCmd, sliceCmd, exportCmd)
}
