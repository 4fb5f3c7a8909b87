package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dotrepro/dotrepro"
	"github.com/dotrepro/dotrepro/compiler"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [assembly]",
	Short: "Rebuild an assembly and compare it with the original",
	Long: `Reconstructs the compiler command line of an assembly, checks out its sources,
runs the configured compiler in a work directory and compares the rebuilt
assembly with the original. The command exits with status 2 if the rebuilt
assembly is not equivalent.`,
	Args: cobra.ExactArgs(1),
	RunE: runRebuild,
}

var (
	rebuildOpts    buildOptions
	rebuildWorkDir string
	rebuildKeep    bool
)

func init() {
	addBuildFlags(rebuildCmd, &rebuildOpts)
	rebuildCmd.Flags().StringVar(&rebuildWorkDir, "workdir", "", "Work directory (default a temporary directory)")
	rebuildCmd.Flags().BoolVar(&rebuildKeep, "keep", false, "Keep the temporary work directory")
	rebuildCmd.Flags().IntVar(&compareTolerance, "tolerance", 0, "Allowed difference of the member counts, negative for exact (default from configuration)")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	a, err := dotrepro.Open(args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	an, err := analyze(a, rebuildOpts.pdb, rebuildOpts.symbolDirs, false)
	if err != nil {
		return err
	}
	if an.Status == dotrepro.AnalysisNoSymbols {
		return fmt.Errorf("%s: %w", a.Name, dotrepro.ErrNoSymbols)
	}

	work := rebuildWorkDir
	if work == "" {
		if work, err = os.MkdirTemp("", "dotrepro-"); err != nil {
			return err
		}
		if !rebuildKeep {
			defer os.RemoveAll(work)
		}
	}
	if work, err = filepath.Abs(work); err != nil {
		return err
	}
	log := logger.WithField("workdir", work)
	log.Info("Rebuilding assembly.")

	opts := rebuildOpts
	opts.checkout = filepath.Join(work, filepath.FromSlash(cfg.Rebuild.SourceRoot))
	for i, s := range opts.sources {
		if opts.sources[i], err = filepath.Abs(s); err != nil {
			return err
		}
	}
	rc, err := buildCompilation(cmd.Context(), an, opts, work)
	if err != nil {
		return err
	}

	c := &compiler.Compiler{
		Command:            cfg.Compiler.Command,
		VisualBasicCommand: cfg.Compiler.VisualBasicCommand,
		WorkDir:            work,
		Logger:             log,
	}
	res, err := dotrepro.RoundTrip(cmd.Context(), c, a, rc, compareOptions(cmd))
	if err != nil {
		return err
	}
	return reportComparison(cmd, res)
}
