// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package nuget

import (
	"cmp"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultAssemblyPattern selects the implementation assemblies of every
// target framework.
const DefaultAssemblyPattern = "lib/*/*.dll"

// PackageAssembly is an assembly found inside an extracted package.
type PackageAssembly struct {
	// Path is the absolute path of the assembly.
	Path string `json:"path"`
	// RelPath is the slash separated path inside the package.
	RelPath string `json:"relPath"`
	// TargetFramework is the framework folder the assembly lives in, if any.
	TargetFramework string `json:"targetFramework,omitempty"`
}

// FindAssemblies returns the assemblies of an extracted package whose
// package-relative path matches pattern, ordered by target framework and
// path. An empty pattern means DefaultAssemblyPattern. Matching is case
// insensitive.
func FindAssemblies(dir, pattern string) ([]PackageAssembly, error) {
	if pattern == "" {
		pattern = DefaultAssemblyPattern
	}
	g, err := glob.Compile(strings.ToLower(pattern), '/')
	if err != nil {
		return nil, fmt.Errorf("invalid assembly pattern %q: %w", pattern, err)
	}

	var found []PackageAssembly
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !g.Match(strings.ToLower(rel)) {
			return nil
		}
		found = append(found, PackageAssembly{
			Path:            p,
			RelPath:         rel,
			TargetFramework: frameworkFolder(rel),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(found, func(a, b PackageAssembly) int {
		return cmp.Or(cmp.Compare(a.TargetFramework, b.TargetFramework), cmp.Compare(a.RelPath, b.RelPath))
	})
	return found, nil
}

// frameworkFolder returns the framework folder of lib/<tfm>/... and
// ref/<tfm>/... paths.
func frameworkFolder(rel string) string {
	parts := strings.Split(rel, "/")
	if len(parts) < 3 {
		return ""
	}
	switch strings.ToLower(parts[0]) {
	case "lib", "ref":
		return strings.ToLower(parts[1])
	}
	return ""
}
