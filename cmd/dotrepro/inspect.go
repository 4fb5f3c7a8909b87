package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dotrepro/dotrepro"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [assembly]",
	Short: "Print the compilation records of an assembly",
	Long:  `Reads the debug directory and portable PDB of an assembly and prints the recovered compiler options, references, documents and diagnostics as JSON.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var (
	inspectPDB         string
	inspectSymbolDirs  []string
	inspectKeepSources bool
)

func init() {
	inspectCmd.Flags().StringVar(&inspectPDB, "pdb", "", "External portable PDB")
	inspectCmd.Flags().StringSliceVar(&inspectSymbolDirs, "symbols", nil, "Directories searched for the portable PDB")
	inspectCmd.Flags().BoolVar(&inspectKeepSources, "embedded-sources", false, "Include the content of embedded sources")
}

func runInspect(cmd *cobra.Command, args []string) error {
	a, err := dotrepro.Open(args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	an, err := analyze(a, inspectPDB, inspectSymbolDirs, inspectKeepSources)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), an)
}

// analyze runs the analysis of an opened assembly with the configured symbol
// directories appended to dirs.
func analyze(a *dotrepro.Assembly, pdbPath string, dirs []string, keepSources bool) (*dotrepro.Analysis, error) {
	opts := dotrepro.AnalyzeOptions{
		SymbolDirs:          append(dirs, cfg.Rebuild.SymbolDirs...),
		KeepEmbeddedSources: keepSources,
		Logger:              logger,
	}
	if pdbPath != "" {
		data, err := os.ReadFile(pdbPath)
		if err != nil {
			return nil, err
		}
		opts.PDB = data
	}
	return a.Analyze(opts)
}
