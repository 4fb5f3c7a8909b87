package main

import (
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dotrepro/dotrepro"
	"github.com/dotrepro/dotrepro/nuget"
)

var packageCmd = &cobra.Command{
	Use:   "package [id@version]",
	Short: "Analyse the assemblies of a NuGet package",
	Long: `Downloads a package from the configured feed into the cache, analyses every
assembly matching the assembly pattern and prints the recovered compilations
as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runPackage,
}

var (
	packagePattern string
	packageJobs    int
	packageMetrics bool
)

func init() {
	packageCmd.Flags().StringVar(&packagePattern, "pattern", "", "Glob selecting the assemblies inside the package (default from configuration)")
	packageCmd.Flags().IntVarP(&packageJobs, "jobs", "j", 4, "Number of assemblies analysed concurrently")
	packageCmd.Flags().BoolVar(&packageMetrics, "metrics", false, "Print the download cache metrics to stderr when done")
}

type packageResult struct {
	Assembly    nuget.PackageAssembly              `json:"assembly"`
	Analysis    *dotrepro.Analysis                 `json:"analysis,omitempty"`
	Compilation *dotrepro.ReconstructedCompilation `json:"compilation,omitempty"`
	Error       string                             `json:"error,omitempty"`
}

func runPackage(cmd *cobra.Command, args []string) error {
	id, err := nuget.ParseIdentity(args[0])
	if err != nil {
		return err
	}

	fetcher := nuget.NewHTTPFetcher(
		nuget.WithFeedURL(cfg.Feed.URL),
		nuget.WithTimeout(cfg.Feed.Timeout),
		nuget.WithRateLimit(cfg.Feed.DownloadsPerSec),
		nuget.WithLogger(logger),
	)
	cache := nuget.NewCache(cfg.Cache.Dir, fetcher, logger)
	dir, err := cache.Get(cmd.Context(), id)
	if err != nil {
		return err
	}

	pattern := cfg.Feed.AssemblyPattern
	if packagePattern != "" {
		pattern = packagePattern
	}
	found, err := nuget.FindAssemblies(dir, pattern)
	if err != nil {
		return err
	}
	logger.WithField("package", id).WithField("assemblies", len(found)).Info("Analysing package.")

	results := analyzeAll(found, packageJobs)
	if packageMetrics {
		if err := writeMetrics(cmd.ErrOrStderr(), prometheus.DefaultGatherer); err != nil {
			return err
		}
	}
	return writeJSON(cmd.OutOrStdout(), results)
}

// analyzeAll analyses the assemblies with at most jobs goroutines. A failing
// assembly is reported in its result and never cancels the others.
func analyzeAll(found []nuget.PackageAssembly, jobs int) []packageResult {
	results := make([]packageResult, len(found))
	var g errgroup.Group
	g.SetLimit(max(jobs, 1))
	for i, pa := range found {
		g.Go(func() error {
			results[i] = analyzePackageAssembly(pa)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// writeMetrics writes the dotrepro metric families in the text exposition format.
func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "dotrepro_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func analyzePackageAssembly(pa nuget.PackageAssembly) packageResult {
	res := packageResult{Assembly: pa}
	log := logger.WithField("assembly", pa.RelPath)

	a, err := dotrepro.Open(pa.Path)
	if err != nil {
		log.WithError(err).Warn("Failed to open assembly.")
		res.Error = err.Error()
		return res
	}
	defer a.Close()

	an, err := analyze(a, "", nil, false)
	if err != nil {
		log.WithError(err).Warn("Failed to analyse assembly.")
		res.Error = err.Error()
		return res
	}
	res.Analysis = an
	if an.Status != dotrepro.AnalysisOK {
		return res
	}

	in := an.ReconstructInput()
	in.SourceRoot = cfg.Rebuild.SourceRoot
	in.OutputRoot = cfg.Rebuild.OutputRoot
	if resolved, err := dotrepro.ResolveReferences(an.References, cfg.Rebuild.ReferenceDirs); err == nil {
		in.ResolvedReferences = resolved
	}
	res.Compilation = dotrepro.Reconstruct(in)
	return res
}
