// Package main provides the entry point for the vulndetect CLI tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/7MMA7/VulnDetectGA/cmd/vulndetect/commands"
	"github.com/7MMA7/VulnDetectGA/pkg/version"
)

func main() {
	global := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "vulndetect",
		Short: "vulndetect - differential security analysis dataset builder",
		Long: `vulndetect runs a static analyzer on the vulnerable and fixed versions
of C/C++ functions and records the findings attributed to each.

Commands:
  run       Analyze a record file and write the result dataset
  validate  Check a record file
  patch     Insert a function into a local source file
  synth     Write compile_commands.json for a local tree
  report    Summarize a result dataset`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&global.ConfigPath, "config", "c", "", "config file (default ./vulndetect.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&global.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&global.Quiet, "quiet", "q", false, "suppress output")

	rootCmd.AddCommand(commands.NewRunCommand(global))
	rootCmd.AddCommand(commands.NewValidateCommand())
	rootCmd.AddCommand(commands.NewPatchCommand(global))
	rootCmd.AddCommand(commands.NewSynthCommand(global))
	rootCmd.AddCommand(commands.NewReportCommand())
	rootCmd.AddCommand(versionCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintln(os.Stdout, version.Get().String())
		},
	}
}
