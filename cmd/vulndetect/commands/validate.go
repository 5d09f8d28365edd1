package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
)

// ValidateCommand checks an input file without contacting any service.
type ValidateCommand struct {
	noColor bool
}

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	vc := &ValidateCommand{}

	cobraCmd := &cobra.Command{
		Use:   "validate <records.jsonl>",
		Short: "Check an input file for malformed and duplicate records",
		Args:  cobra.ExactArgs(1),
		RunE:  vc.run,
	}

	cobraCmd.Flags().BoolVar(&vc.noColor, "no-color", false, "disable colored output")

	return cobraCmd
}

func (vc *ValidateCommand) run(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	rep, err := dataset.Validate(f)
	if err != nil {
		return err
	}

	ok := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	if vc.noColor {
		ok.DisableColor()
		bad.DisableColor()
	}

	out := cmd.OutOrStdout()

	for _, p := range rep.Problems {
		bad.Fprintf(out, "line %d: %v\n", p.Line, p.Err)
	}

	for _, line := range rep.Duplicates {
		bad.Fprintf(out, "line %d: duplicate (idx, target)\n", line)
	}

	if !rep.OK() {
		return fmt.Errorf("%w: %d valid, %d rejected, %d duplicates",
			ErrInvalidInput, rep.Valid, len(rep.Problems), len(rep.Duplicates))
	}

	ok.Fprintf(out, "%d records valid\n", rep.Valid)

	return nil
}
