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
	"testing"

	"github.com/stretchr/testify/assert"
)

func fullInput() ReconstructInput {
	opts := ParseCompilerOptions(EncodeCompilerOptions(
		[]string{
			OptionLanguage, OptionDefine, OptionOptimization, OptionOutputKind, OptionLanguageVersion,
			OptionNullable, OptionChecked, OptionUnsafe, OptionPlatform, OptionSourceFileCount,
		},
		map[string]string{
			OptionLanguage:        "C#",
			OptionDefine:          "TRACE,RELEASE,NET8_0,NETCOREAPP",
			OptionOptimization:    "release",
			OptionOutputKind:      "ConsoleApplication",
			OptionLanguageVersion: "12.0",
			OptionNullable:        "Enable",
			OptionChecked:         "True",
			OptionUnsafe:          "True",
			OptionPlatform:        "AnyCPU",
			OptionSourceFileCount: "2",
		},
		[]string{"/nowarn:CS1591"},
	))
	return ReconstructInput{
		AssemblyName: "App",
		Options:      opts,
		Debug: DebugConfiguration{
			DebugType:             DebugPortableExternal,
			PDBPath:               "/_/src/App/obj/Release/net8.0/App.pdb",
			HighEntropyVA:         true,
			HasReproducibleMarker: true,
		},
		FileAlignment: 512,
		References: []MetadataReference{
			{FileName: "System.Runtime.dll"},
			{FileName: "Interop.Foo.dll", EmbedInteropTypes: true},
			{FileName: "Mod.netmodule", Kind: ReferenceModule},
			{FileName: "Newtonsoft.Json.dll", ExternAliases: []string{"NJ"}},
		},
		ResolvedReferences: map[string]string{
			"System.Runtime.dll":  "refs/System.Runtime.dll",
			"Interop.Foo.dll":     "refs/Interop.Foo.dll",
			"Mod.netmodule":       "refs/Mod.netmodule",
			"Newtonsoft.Json.dll": "refs/Newtonsoft.Json.dll",
		},
		SourceFiles:       []string{"src/Program.cs", "src/A/Util.cs"},
		Resources:         []string{"res/App.resources"},
		DocumentationFile: "App.xml",
		ReferenceAssembly: true,
	}
}

func TestReconstructCanonicalOrder(t *testing.T) {
	assert := assert.New(t)
	rc := Reconstruct(fullInput())

	assert.Equal([]string{
		"/nowarn:CS1591",
		"/define:TRACE;RELEASE;NET8_0;NETCOREAPP",
		"/highentropyva+",
		"/debug:portable",
		"/embed-",
		"/pdb:out/App.pdb",
		"/filealign:512",
		"/optimize+",
		"/pathmap:src/=/_/src/App/,out/=/_/src/App/obj/Release/net8.0/",
		"/target:exe",
		"/platform:anycpu",
		"/warnaserror-",
		"/utf8output",
		"/deterministic+",
		"/langversion:12.0",
		"/nullable:enable",
		"/checked+",
		"/unsafe+",
		"src/Program.cs",
		"src/A/Util.cs",
		"/resource:res/App.resources",
		"/link:refs/Interop.Foo.dll",
		"/addmodule:refs/Mod.netmodule",
		"/reference:NJ=refs/Newtonsoft.Json.dll",
		"/reference:refs/System.Runtime.dll",
		"/doc:out/App.xml",
		"/out:out/App.exe",
		"/refout:out/ref/App.exe",
	}, rc.Arguments)

	assert.Equal("C#", rc.Language)
	assert.Equal("net8.0", rc.TargetFramework)
	assert.Equal("out/App.exe", rc.OutputPath)
	assert.Equal([]string{"src/Program.cs", "src/A/Util.cs"}, rc.SourceFiles)
	assert.Equal([]string{
		"refs/Interop.Foo.dll",
		"refs/Mod.netmodule",
		"refs/Newtonsoft.Json.dll",
		"refs/System.Runtime.dll",
	}, rc.References)
	assert.Empty(rc.Diagnostics)
}

func TestReconstructIsDeterministic(t *testing.T) {
	in := fullInput()
	first := Reconstruct(in)

	shuffled := fullInput()
	shuffled.References[0], shuffled.References[3] = shuffled.References[3], shuffled.References[0]
	shuffled.SourceFiles[0], shuffled.SourceFiles[1] = shuffled.SourceFiles[1], shuffled.SourceFiles[0]

	assert.Equal(t, first, Reconstruct(in))
	assert.Equal(t, first, Reconstruct(shuffled))
}

func TestReconstructReproducibleOnly(t *testing.T) {
	assert := assert.New(t)
	rc := Reconstruct(ReconstructInput{
		AssemblyName: "Tool",
		Options:      ParseCompilerOptions([]byte("language\x00C#\x00")),
		Debug:        DebugConfiguration{DebugType: DebugNone, HasReproducibleMarker: true},
	})

	assert.Equal([]string{
		"/highentropyva-",
		"/optimize-",
		"/target:library",
		"/warnaserror-",
		"/utf8output",
		"/deterministic+",
		"/out:out/Tool.dll",
	}, rc.Arguments)
	assert.Equal([]string{CodeNoTargetFramework, CodeMissingSources}, diagnosticCodes(rc.Diagnostics))
	assert.Equal(SeverityInfo, rc.Diagnostics[0].Severity)
	assert.Equal(SeverityWarning, rc.Diagnostics[1].Severity)
	assert.Empty(rc.Diagnostics[1].Expected)
	assert.Equal("0", rc.Diagnostics[1].Actual)
}

func TestReconstructOptimization(t *testing.T) {
	assert := assert.New(t)
	for value, flag := range map[string]string{"release": "/optimize+", "debug": "/optimize-"} {
		rc := Reconstruct(ReconstructInput{
			AssemblyName: "Lib",
			Options:      &CompilerOptions{Options: map[string]string{OptionOptimization: value}},
			SourceFiles:  []string{"a.cs"},
		})
		assert.Contains(rc.Arguments, flag, value)
	}
}

func TestReconstructEmbeddedDebug(t *testing.T) {
	assert := assert.New(t)
	rc := Reconstruct(ReconstructInput{
		AssemblyName: "Lib",
		Debug:        DebugConfiguration{DebugType: DebugEmbedded, PDBPath: "/_/Lib/obj/Lib.pdb"},
		SourceFiles:  []string{"a.cs"},
	})
	assert.Contains(rc.Arguments, "/debug:embedded")
	assert.NotContains(rc.Arguments, "/debug:portable")
	assert.NotContains(rc.Arguments, "/embed-")
	assert.Contains(rc.Arguments, "/pathmap:src/=/_/Lib/,out/=/_/Lib/obj/")
}

func TestReconstructWindowsPathMap(t *testing.T) {
	assert := assert.New(t)
	rc := Reconstruct(ReconstructInput{
		AssemblyName: "Lib",
		Debug:        DebugConfiguration{DebugType: DebugPortableExternal, PDBPath: `C:\src\Lib\obj\Release\net6.0\Lib.pdb`},
		SourceFiles:  []string{"a.cs"},
		SourceRoot:   "sources",
		OutputRoot:   "bin",
	})
	assert.Contains(rc.Arguments, "/pdb:bin/Lib.pdb")
	assert.Contains(rc.Arguments, `/pathmap:sources/=C:\src\Lib\,bin/=C:\src\Lib\obj\Release\net6.0\`)
	assert.Equal("bin/Lib.dll", rc.OutputPath)
}

func TestReconstructUnresolvedReferences(t *testing.T) {
	assert := assert.New(t)
	in := fullInput()
	delete(in.ResolvedReferences, "System.Runtime.dll")
	in.ResolvedReferences["Mod.netmodule"] = ""

	rc := Reconstruct(in)
	assert.Equal([]string{"refs/Interop.Foo.dll", "refs/Newtonsoft.Json.dll"}, rc.References)
	assert.NotContains(rc.Arguments, "/reference:refs/System.Runtime.dll")
	assert.Contains(rc.Arguments, "/out:out/App.exe", "arguments are still produced")
	if assert.Len(rc.Diagnostics, 2) {
		assert.Equal(CodeUnresolvedReference, rc.Diagnostics[0].Code)
		assert.Equal("Mod.netmodule", rc.Diagnostics[0].Expected)
		assert.Equal("System.Runtime.dll", rc.Diagnostics[1].Expected)
		assert.Equal("App", rc.Diagnostics[1].Assembly)
	}
}

func TestReconstructMissingSources(t *testing.T) {
	assert := assert.New(t)
	in := fullInput()
	in.SourceFiles = in.SourceFiles[:1]

	rc := Reconstruct(in)
	if assert.Len(rc.Diagnostics, 1) {
		d := rc.Diagnostics[0]
		assert.Equal(CodeMissingSources, d.Code)
		assert.Equal("2", d.Expected)
		assert.Equal("1", d.Actual)
	}
	assert.Contains(rc.Arguments, "src/Program.cs")
}

func TestReconstructExternAliases(t *testing.T) {
	assert := assert.New(t)
	rc := Reconstruct(ReconstructInput{
		AssemblyName: "Lib",
		SourceFiles:  []string{"a.cs"},
		References: []MetadataReference{
			{FileName: "Old.dll", ExternAliases: []string{"global", "Legacy"}},
		},
		ResolvedReferences: map[string]string{"Old.dll": "/nuget/old/1.0.0/lib/Old.dll"},
	})
	assert.Equal([]string{
		"/reference:/nuget/old/1.0.0/lib/Old.dll",
		"/reference:Legacy=/nuget/old/1.0.0/lib/Old.dll",
	}, rc.Arguments[len(rc.Arguments)-3:len(rc.Arguments)-1])
}

func TestReconstructTargetFrameworkOverride(t *testing.T) {
	rc := Reconstruct(ReconstructInput{
		AssemblyName:    "Lib",
		Options:         &CompilerOptions{Options: map[string]string{OptionDefine: "NET6_0"}},
		SourceFiles:     []string{"a.cs"},
		TargetFramework: "net6.0-windows",
	})
	assert.Equal(t, "net6.0-windows", rc.TargetFramework)
	assert.Empty(t, rc.Diagnostics)
}

func TestTargetKind(t *testing.T) {
	assert := assert.New(t)
	tests := []struct {
		kind, target, ext string
	}{
		{"ConsoleApplication", "exe", ".exe"},
		{"WindowsApplication", "winexe", ".exe"},
		{"DynamicallyLinkedLibrary", "library", ".dll"},
		{"NetModule", "module", ".netmodule"},
		{"WindowsRuntimeMetadata", "winmdobj", ".winmdobj"},
		{"WindowsRuntimeApplication", "appcontainerexe", ".exe"},
		{"", "library", ".dll"},
		{"Plugin", "library", ".dll"},
	}
	for _, test := range tests {
		assert.Equal(test.target, TargetKind(test.kind), test.kind)
		assert.Equal(test.ext, outputExtension(test.target), test.kind)
	}
}

func TestSortByFileName(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(
		[]string{`z\a.cs`, "b/b.cs"},
		sortByFileName([]string{"b/b.cs", `z\a.cs`}),
	)
	assert.Equal(
		[]string{"C.cs", "a/b.cs", "x/b.cs", "y/c.cs"},
		sortByFileName([]string{"y/c.cs", "x/b.cs", "a/b.cs", "C.cs"}),
	)
	assert.NotNil(sortByFileName(nil))
}
