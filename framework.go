// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package dotrepro

import (
	"regexp"
	"strings"
)

var frameworkDefines = []struct {
	re      *regexp.Regexp
	moniker func(m []string) string
}{
	{regexp.MustCompile(`^NETCOREAPP(\d+)_(\d+)$`), func(m []string) string { return "netcoreapp" + m[1] + "." + m[2] }},
	{regexp.MustCompile(`^NETSTANDARD(\d+)_(\d+)$`), func(m []string) string { return "netstandard" + m[1] + "." + m[2] }},
	{regexp.MustCompile(`^NET(\d+)_(\d+)$`), func(m []string) string { return "net" + m[1] + "." + m[2] }},
	{regexp.MustCompile(`^NET(\d{2,3})$`), func(m []string) string { return "net" + m[1] }},
}

// TargetFrameworkFromDefines derives the target framework moniker from the
// preprocessor symbols of a compilation. The first versioned framework
// symbol wins; generic symbols such as NETCOREAPP or NET6_0_OR_GREATER are
// ignored.
func TargetFrameworkFromDefines(defines []string) (string, bool) {
	for _, d := range defines {
		d = strings.ToUpper(strings.TrimSpace(d))
		for _, fd := range frameworkDefines {
			if m := fd.re.FindStringSubmatch(d); m != nil {
				return fd.moniker(m), true
			}
		}
	}
	return "", false
}
