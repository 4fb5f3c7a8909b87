// This file is part of dotrepro.
//
// Copyright (C) 2024 dotrepro Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package dotrepro

import (
	"cmp"
	"path"
	"slices"
	"strconv"
	"strings"
)

const (
	// DefaultSourceRoot is the relative directory sources are placed in on
	// the rebuild machine.
	DefaultSourceRoot = "src"
	// DefaultOutputRoot is the relative directory build outputs are written to.
	DefaultOutputRoot = "out"
)

var targetKinds = map[string]string{
	"ConsoleApplication":        "exe",
	"WindowsApplication":        "winexe",
	"DynamicallyLinkedLibrary":  "library",
	"NetModule":                 "module",
	"WindowsRuntimeMetadata":    "winmdobj",
	"WindowsRuntimeApplication": "appcontainerexe",
}

// TargetKind maps an output-kind option value to the compiler's target flag
// value. Unrecognised kinds map to "library".
func TargetKind(outputKind string) string {
	if k, ok := targetKinds[outputKind]; ok {
		return k
	}
	return "library"
}

func outputExtension(target string) string {
	switch target {
	case "exe", "winexe", "appcontainerexe":
		return ".exe"
	case "module":
		return ".netmodule"
	case "winmdobj":
		return ".winmdobj"
	}
	return ".dll"
}

// ReconstructInput is everything the argument list is rebuilt from.
type ReconstructInput struct {
	AssemblyName  string
	Options       *CompilerOptions
	Debug         DebugConfiguration
	FileAlignment uint32
	References    []MetadataReference
	// ResolvedReferences maps a reference file name to its local path.
	ResolvedReferences map[string]string
	SourceFiles        []string
	Resources          []string
	// TargetFramework overrides the framework derived from the defines.
	TargetFramework string
	// SourceRoot and OutputRoot are the relative directories on the rebuild
	// machine. They default to DefaultSourceRoot and DefaultOutputRoot.
	SourceRoot        string
	OutputRoot        string
	DocumentationFile string
	ReferenceAssembly bool
}

// ReconstructInput returns the reconstruction input recovered by the
// analysis. The caller supplies resolved references and sources.
func (an *Analysis) ReconstructInput() ReconstructInput {
	return ReconstructInput{
		AssemblyName:  an.Assembly,
		Options:       an.Options,
		Debug:         an.Debug,
		FileAlignment: an.Image.FileAlignment,
		References:    an.References,
	}
}

// ReconstructedCompilation is the rebuilt compiler invocation.
type ReconstructedCompilation struct {
	Language        string   `json:"language,omitempty"`
	Arguments       []string `json:"arguments"`
	TargetFramework string   `json:"targetFramework,omitempty"`
	SourceFiles     []string `json:"sourceFiles"`
	References      []string `json:"references"`
	// OutputPath is the relative path of the primary output.
	OutputPath  string       `json:"outputPath"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

func (rc *ReconstructedCompilation) diag(d Diagnostic) {
	rc.Diagnostics = append(rc.Diagnostics, d)
}

// Reconstruct builds the compiler argument list in canonical order. Missing
// sources and unresolved references are reported as diagnostics and the
// best-effort argument list is still returned. The result only depends on
// the input.
func Reconstruct(in ReconstructInput) *ReconstructedCompilation {
	srcRoot := cmp.Or(in.SourceRoot, DefaultSourceRoot)
	outRoot := cmp.Or(in.OutputRoot, DefaultOutputRoot)
	opts := in.Options
	if opts == nil {
		opts = &CompilerOptions{Options: map[string]string{}}
	}

	rc := &ReconstructedCompilation{
		SourceFiles: []string{},
		References:  []string{},
	}
	rc.Language, _ = opts.Get(OptionLanguage)

	defines := opts.Defines()
	rc.TargetFramework = in.TargetFramework
	if rc.TargetFramework == "" {
		var ok bool
		if rc.TargetFramework, ok = TargetFrameworkFromDefines(defines); !ok {
			rc.diag(Diagnostic{
				Severity: SeverityInfo,
				Code:     CodeNoTargetFramework,
				Assembly: in.AssemblyName,
				Message:  "no target framework in defines",
			})
		}
	}

	outputKind, _ := opts.Get(OptionOutputKind)
	target := TargetKind(outputKind)
	rc.OutputPath = path.Join(outRoot, in.AssemblyName+outputExtension(target))

	args := slices.Clone(opts.RawFlags)
	if len(defines) > 0 {
		args = append(args, "/define:"+strings.Join(defines, ";"))
	}
	args = append(args, plusMinus("/highentropyva", in.Debug.HighEntropyVA))
	args = append(args, debugFlags(in, outRoot)...)
	if in.FileAlignment > 0 {
		args = append(args, "/filealign:"+strconv.FormatUint(uint64(in.FileAlignment), 10))
	}
	args = append(args, plusMinus("/optimize", opts.Optimized()))
	if pm := pathMap(in.Debug.PDBPath, srcRoot, outRoot); pm != "" {
		args = append(args, pm)
	}
	args = append(args, "/target:"+target)
	if platform, ok := opts.Get(OptionPlatform); ok && platform != "" {
		args = append(args, "/platform:"+strings.ToLower(platform))
	}
	args = append(args, "/warnaserror-", "/utf8output")
	if in.Debug.HasReproducibleMarker {
		args = append(args, "/deterministic+")
	}
	if lv, ok := opts.Get(OptionLanguageVersion); ok && lv != "" {
		args = append(args, "/langversion:"+lv)
	}
	if nullable, ok := opts.Get(OptionNullable); ok && nullable != "" {
		args = append(args, "/nullable:"+strings.ToLower(nullable))
	}
	if opts.boolOption(OptionChecked) {
		args = append(args, "/checked+")
	}
	if opts.boolOption(OptionUnsafe) {
		args = append(args, "/unsafe+")
	}

	rc.SourceFiles = sortByFileName(in.SourceFiles)
	args = append(args, rc.SourceFiles...)
	if expected := opts.SourceFileCount(); len(rc.SourceFiles) == 0 || len(rc.SourceFiles) < expected {
		d := warningf(CodeMissingSources, "%d source files resolved", len(rc.SourceFiles))
		d.Assembly = in.AssemblyName
		if expected >= 0 {
			d.Expected = strconv.Itoa(expected)
		}
		d.Actual = strconv.Itoa(len(rc.SourceFiles))
		rc.diag(d)
	}

	for _, r := range in.Resources {
		args = append(args, "/resource:"+r)
	}

	args = append(args, rc.referenceFlags(in)...)

	if in.DocumentationFile != "" {
		args = append(args, "/doc:"+path.Join(outRoot, in.DocumentationFile))
	}
	args = append(args, "/out:"+rc.OutputPath)
	if in.ReferenceAssembly {
		args = append(args, "/refout:"+path.Join(outRoot, "ref", path.Base(rc.OutputPath)))
	}

	rc.Arguments = args
	return rc
}

func plusMinus(flag string, on bool) string {
	if on {
		return flag + "+"
	}
	return flag + "-"
}

func debugFlags(in ReconstructInput, outRoot string) []string {
	switch {
	case in.Debug.DebugType.embedded():
		return []string{"/debug:embedded"}
	case in.Debug.DebugType == DebugPortableExternal:
		name := baseName(in.Debug.PDBPath)
		if name == "" {
			name = in.AssemblyName + ".pdb"
		}
		return []string{"/debug:portable", "/embed-", "/pdb:" + path.Join(outRoot, name)}
	}
	return nil
}

// pathMap maps the local source and output roots to the source prefix and
// PDB directory recorded on the build machine.
func pathMap(pdbPath, srcRoot, outRoot string) string {
	if pdbPath == "" {
		return ""
	}
	return "/pathmap:" + srcRoot + "/=" + originalSourceRoot(pdbPath) + "," + outRoot + "/=" + dirName(pdbPath)
}

func sortByFileName(paths []string) []string {
	sorted := slices.Clone(paths)
	if sorted == nil {
		sorted = []string{}
	}
	slices.SortStableFunc(sorted, func(a, b string) int {
		return cmp.Or(strings.Compare(baseName(a), baseName(b)), strings.Compare(a, b))
	})
	return sorted
}

func (rc *ReconstructedCompilation) referenceFlags(in ReconstructInput) []string {
	refs := slices.Clone(in.References)
	slices.SortStableFunc(refs, func(a, b MetadataReference) int {
		return strings.Compare(a.FileName, b.FileName)
	})

	var args []string
	for _, ref := range refs {
		local, ok := in.ResolvedReferences[ref.FileName]
		if !ok || local == "" {
			d := warningf(CodeUnresolvedReference, "reference %s is not resolved", ref.FileName)
			d.Assembly = in.AssemblyName
			d.Expected = ref.FileName
			rc.diag(d)
			continue
		}
		rc.References = append(rc.References, local)

		switch {
		case ref.Kind == ReferenceModule:
			args = append(args, "/addmodule:"+local)
		case ref.EmbedInteropTypes:
			args = append(args, "/link:"+local)
		case len(ref.ExternAliases) > 0:
			for _, alias := range ref.ExternAliases {
				if alias == "global" {
					args = append(args, "/reference:"+local)
				} else {
					args = append(args, "/reference:"+alias+"="+local)
				}
			}
		default:
			args = append(args, "/reference:"+local)
		}
	}
	return args
}
