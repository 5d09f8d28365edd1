package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/7MMA7/VulnDetectGA/pkg/compiledb"
	"github.com/7MMA7/VulnDetectGA/pkg/config"
)

// SynthCommand writes a compilation database for a local tree.
type SynthCommand struct {
	global     *GlobalOptions
	loadConfig configLoader
	mode       string
	list       bool
}

// NewSynthCommand creates the synth command.
func NewSynthCommand(global *GlobalOptions) *cobra.Command {
	return newSynthCommandWithDeps(global, config.LoadConfig)
}

func newSynthCommandWithDeps(global *GlobalOptions, loadConfig configLoader) *cobra.Command {
	sc := &SynthCommand{global: global, loadConfig: loadConfig}

	cobraCmd := &cobra.Command{
		Use:   "synth <repo-root> [relative-file]",
		Short: "Synthesize compile_commands.json for a checked-out tree",
		Long: `Synth writes the compilation database the analyzer would receive.
In single mode the relative file is copied into a mini-root with a one-entry
database; in repository mode every C/C++ source of the tree is listed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: sc.run,
	}

	cobraCmd.Flags().StringVar(&sc.mode, "mode", "", "synthesis mode: single or repository (default from config)")
	cobraCmd.Flags().BoolVar(&sc.list, "list", false, "print every entry")

	return cobraCmd
}

func (sc *SynthCommand) run(cmd *cobra.Command, args []string) error {
	cfg, err := sc.loadConfig(sc.global.ConfigPath)
	if err != nil {
		return err
	}

	modeName := cfg.Compile.Mode
	if sc.mode != "" {
		modeName = sc.mode
	}

	mode, err := compiledb.ParseMode(modeName)
	if err != nil {
		return err
	}

	var relPath string
	if len(args) == 2 {
		relPath = args[1]
	}

	if mode == compiledb.ModeSingleFile && relPath == "" {
		return fmt.Errorf("%w: single mode needs a relative file", compiledb.ErrSourceMissing)
	}

	synth := compiledb.NewSynthesizer(
		compiledb.WithCompilers(cfg.Compile.CCompiler, cfg.Compile.CXXCompiler),
		compiledb.WithSkipVendor(cfg.Compile.SkipVendor),
	)

	unit, err := synth.Synthesize(mode, args[0], relPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%d entries, root %s)\n", unit.DescriptorPath, len(unit.Descriptor), unit.Root)

	if sc.list {
		for _, e := range unit.Descriptor {
			fmt.Fprintf(out, "  %s\n", e.Command)
		}
	}

	return nil
}
