package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/7MMA7/VulnDetectGA/pkg/config"
	"github.com/7MMA7/VulnDetectGA/pkg/patcher"
)

const filePerm = 0o644

// PatchCommand applies one function definition to a local source file.
type PatchCommand struct {
	global     *GlobalOptions
	loadConfig configLoader
	mode       string
	inPlace    bool
}

// NewPatchCommand creates the patch command.
func NewPatchCommand(global *GlobalOptions) *cobra.Command {
	return newPatchCommandWithDeps(global, config.LoadConfig)
}

func newPatchCommandWithDeps(global *GlobalOptions, loadConfig configLoader) *cobra.Command {
	pc := &PatchCommand{global: global, loadConfig: loadConfig}

	cobraCmd := &cobra.Command{
		Use:   "patch <source-file> <function-file|->",
		Short: "Insert a function definition into a source file and show the diff",
		Long: `Patch inserts the function read from function-file (or stdin for "-")
right after the closing brace that precedes the first occurrence of its name
in source-file. The diff is printed; --in-place rewrites the file.`,
		Args: cobra.ExactArgs(2),
		RunE: pc.run,
	}

	cobraCmd.Flags().StringVar(&pc.mode, "mode", "", "brace scanning mode: lexical or literal (default from config)")
	cobraCmd.Flags().BoolVarP(&pc.inPlace, "in-place", "i", false, "write the patched file back")

	return cobraCmd
}

func (pc *PatchCommand) run(cmd *cobra.Command, args []string) error {
	cfg, err := pc.loadConfig(pc.global.ConfigPath)
	if err != nil {
		return err
	}

	modeName := cfg.Patch.Mode
	if pc.mode != "" {
		modeName = pc.mode
	}

	mode, err := patcher.ParseMode(modeName)
	if err != nil {
		return err
	}

	maxSize, err := cfg.Patch.MaxFileSizeBytes()
	if err != nil {
		return err
	}

	sourcePath := args[0]

	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	function, err := readFunction(cmd.InOrStdin(), args[1])
	if err != nil {
		return err
	}

	outcome := patcher.New(patcher.WithMode(mode), patcher.WithMaxSize(maxSize)).
		Patch(string(content), function)
	if !outcome.Applied {
		return fmt.Errorf("%w: %w", ErrPatchNotApplied, outcome.Err())
	}

	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "--- %s\n+++ %s\n", sourcePath, sourcePath)
	fmt.Fprint(out, patcher.Diff(string(content), outcome.Content))

	if !pc.inPlace {
		return nil
	}

	err = os.WriteFile(sourcePath, []byte(outcome.Content), filePerm)
	if err != nil {
		return fmt.Errorf("write source: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d lines inserted before %s\n",
		sourcePath, patcher.InsertedLines(string(content), outcome.Content), outcome.Name)

	return nil
}

func readFunction(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)

	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}

	if err != nil {
		return "", fmt.Errorf("read function: %w", err)
	}

	return string(data), nil
}
