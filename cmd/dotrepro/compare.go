package main

import (
	"github.com/spf13/cobra"

	"github.com/dotrepro/dotrepro"
)

var compareCmd = &cobra.Command{
	Use:   "compare [original] [rebuilt]",
	Short: "Compare a rebuilt assembly with the original",
	Long: `Compares the structural metrics of two assemblies and prints the result as JSON.
The command exits with status 2 if the assemblies are not equivalent.`,
	Args: cobra.ExactArgs(2),
	RunE: runCompare,
}

var compareTolerance int

func init() {
	compareCmd.Flags().IntVar(&compareTolerance, "tolerance", 0, "Allowed difference of the member counts, negative for exact (default from configuration)")
}

func runCompare(cmd *cobra.Command, args []string) error {
	res, err := dotrepro.CompareFiles(args[0], args[1], compareOptions(cmd))
	if err != nil {
		return err
	}
	return reportComparison(cmd, res)
}

func compareOptions(cmd *cobra.Command) dotrepro.CompareOptions {
	tol := cfg.Compare.Tolerance
	if cmd.Flags().Changed("tolerance") {
		tol = compareTolerance
	}
	return dotrepro.CompareOptions{Tolerance: tol}
}

func reportComparison(cmd *cobra.Command, res *dotrepro.ComparisonResult) error {
	for _, d := range res.Diagnostics {
		logger.WithField("code", d.Code).Warn(d.String())
	}
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Equivalent() {
		return exitError(2)
	}
	return nil
}
