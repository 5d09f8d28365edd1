package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
	"github.com/7MMA7/VulnDetectGA/pkg/report"
)

// ReportCommand summarizes a result file.
type ReportCommand struct {
	html     string
	maxRules int
	noColor  bool
}

// NewReportCommand creates the report command.
func NewReportCommand() *cobra.Command {
	rc := &ReportCommand{}

	cobraCmd := &cobra.Command{
		Use:   "report <results-file>",
		Short: "Summarize a result dataset",
		Long: `Report prints per-label totals, findings per severity and per rule,
and how many vulnerable/fixed pairs the analyzer told apart. --html also
writes the charts to a standalone page.`,
		Args: cobra.ExactArgs(1),
		RunE: rc.run,
	}

	cobraCmd.Flags().StringVar(&rc.html, "html", "", "also write an HTML chart page to this path")
	cobraCmd.Flags().IntVar(&rc.maxRules, "max-rules", 20, "rules listed in the table, 0 for all")
	cobraCmd.Flags().BoolVar(&rc.noColor, "no-color", false, "disable colored output")

	return cobraCmd
}

func (rc *ReportCommand) run(cmd *cobra.Command, args []string) error {
	results, err := dataset.ReadFile(args[0])
	if err != nil {
		return err
	}

	st := report.Compute(results)

	err = report.RenderText(cmd.OutOrStdout(), st, report.TextOptions{MaxRules: rc.maxRules, NoColor: rc.noColor})
	if err != nil {
		return err
	}

	if rc.html == "" {
		return nil
	}

	f, err := os.Create(rc.html)
	if err != nil {
		return fmt.Errorf("create html report: %w", err)
	}

	err = report.RenderHTML(f, st, rc.maxRules)

	closeErr := f.Close()
	if err != nil {
		return err
	}

	if closeErr != nil {
		return fmt.Errorf("close html report: %w", closeErr)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "chart written to %s\n", rc.html)

	return nil
}
