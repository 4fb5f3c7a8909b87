package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotrepro/dotrepro"
	"github.com/dotrepro/dotrepro/sourcelink"
)

var argsCmd = &cobra.Command{
	Use:   "args [assembly]",
	Short: "Rebuild the compiler arguments of an assembly",
	Long: `Reconstructs the compiler command line of an assembly from its portable PDB.
References are resolved by file name from the reference directories. Sources
are taken from --sources or from a checkout of the Source Link repository.`,
	Args: cobra.ExactArgs(1),
	RunE: runArgs,
}

type buildOptions struct {
	pdb        string
	symbolDirs []string
	refDirs    []string
	sources    []string
	checkout   string
	tfm        string
	doc        string
	refout     bool
}

var (
	argsOpts buildOptions
	argsRsp  bool
)

func addBuildFlags(cmd *cobra.Command, o *buildOptions) {
	cmd.Flags().StringVar(&o.pdb, "pdb", "", "External portable PDB")
	cmd.Flags().StringSliceVar(&o.symbolDirs, "symbols", nil, "Directories searched for the portable PDB")
	cmd.Flags().StringSliceVar(&o.refDirs, "refs", nil, "Directories holding the referenced assemblies")
	cmd.Flags().StringSliceVar(&o.sources, "sources", nil, "Source files, overriding the Source Link checkout")
	cmd.Flags().StringVar(&o.tfm, "tfm", "", "Target framework, overriding the one derived from the defines")
	cmd.Flags().StringVar(&o.doc, "doc", "", "Documentation file name")
	cmd.Flags().BoolVar(&o.refout, "refout", false, "Also produce a reference assembly")
}

func init() {
	addBuildFlags(argsCmd, &argsOpts)
	argsCmd.Flags().StringVar(&argsOpts.checkout, "checkout", "", "Check out the Source Link repository into this directory")
	argsCmd.Flags().BoolVar(&argsRsp, "rsp", false, "Print a response file instead of JSON")
}

func runArgs(cmd *cobra.Command, args []string) error {
	a, err := dotrepro.Open(args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	an, err := analyze(a, argsOpts.pdb, argsOpts.symbolDirs, false)
	if err != nil {
		return err
	}
	if an.Status == dotrepro.AnalysisNoSymbols {
		return fmt.Errorf("%s: %w", a.Name, dotrepro.ErrNoSymbols)
	}

	rc, err := buildCompilation(cmd.Context(), an, argsOpts, "")
	if err != nil {
		return err
	}
	if argsRsp {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.Join(rc.Arguments, "\n"))
		return err
	}
	return writeJSON(cmd.OutOrStdout(), rc)
}

// buildCompilation reconstructs the compilation of an analysed assembly. If
// workDir is set, sources are made relative to it.
func buildCompilation(ctx context.Context, an *dotrepro.Analysis, o buildOptions, workDir string) (*dotrepro.ReconstructedCompilation, error) {
	in := an.ReconstructInput()
	in.SourceRoot = cfg.Rebuild.SourceRoot
	in.OutputRoot = cfg.Rebuild.OutputRoot
	in.TargetFramework = o.tfm
	in.DocumentationFile = o.doc
	in.ReferenceAssembly = o.refout

	resolved, err := dotrepro.ResolveReferences(an.References, append(o.refDirs, cfg.Rebuild.ReferenceDirs...))
	if err != nil {
		return nil, err
	}
	in.ResolvedReferences = resolved

	sources := o.sources
	if len(sources) == 0 && o.checkout != "" {
		if sources, err = checkoutSources(ctx, an, o.checkout); err != nil {
			return nil, err
		}
		if workDir == "" {
			in.SourceRoot = filepath.ToSlash(o.checkout)
		}
	}
	if workDir != "" {
		for i, s := range sources {
			if rel, err := filepath.Rel(workDir, s); err == nil && filepath.IsLocal(rel) {
				sources[i] = filepath.ToSlash(rel)
			}
		}
	}
	in.SourceFiles = sources

	rc := dotrepro.Reconstruct(in)
	for _, d := range rc.Diagnostics {
		logger.WithField("code", d.Code).Warn(d.String())
	}
	return rc, nil
}

// checkoutSources checks out the Source Link repository of the assembly into
// dir and returns the files of its documents.
func checkoutSources(ctx context.Context, an *dotrepro.Analysis, dir string) ([]string, error) {
	log := logger.WithField("assembly", an.Assembly)
	if an.SourceLink == "" {
		log.Warn("Assembly has no Source Link document.")
		return nil, nil
	}
	m, err := sourcelink.Parse([]byte(an.SourceLink))
	if err != nil {
		return nil, err
	}
	repos := m.Repositories()
	if len(repos) == 0 {
		log.Warn("Source Link document names no pinned repository.")
		return nil, nil
	}
	if len(repos) > 1 {
		log.WithField("repositories", len(repos)).Warn("Only the first repository is checked out.")
	}
	if err := sourcelink.Checkout(ctx, repos[0], dir, logger); err != nil {
		return nil, err
	}

	docs := make([]string, 0, len(an.Documents))
	for _, d := range an.Documents {
		docs = append(docs, d.Name)
	}
	files, missing := m.SourceFiles(docs, dir)
	for _, doc := range missing {
		log.WithField("document", doc).Debug("Document is not part of the checkout.")
	}
	return files, nil
}
