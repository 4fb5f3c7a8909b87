// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package compiler

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotrepro/dotrepro"
)

// fakeCompiler writes a script that copies its response file to the /out:
// path, or runs body instead if set.
func fakeCompiler(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	if body == "" {
		body = `rsp="${1#@}"
out=$(grep '^/out:' "$rsp" | sed 's#^/out:##')
cp "$rsp" "$out"`
	}
	p := filepath.Join(t.TempDir(), "csc.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCompile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	work := t.TempDir()
	c := &Compiler{Command: []string{fakeCompiler(t, "")}, WorkDir: work}
	rc := &dotrepro.ReconstructedCompilation{
		Arguments:  []string{"/optimize+", "/reference:/opt/my refs/a.dll", "src/Program.cs", "/out:out/App.dll"},
		OutputPath: "out/App.dll",
	}

	out, err := c.Compile(context.Background(), rc)
	require.NoError(err)
	assert.Equal(filepath.Join(work, "out", "App.dll"), out)

	data, err := os.ReadFile(out)
	require.NoError(err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(lines, 4)
	assert.Equal("/optimize+", lines[0])
	assert.Equal(`/reference:"/opt/my refs/a.dll"`, lines[1])
	assert.Equal("src/Program.cs", lines[2])
	assert.True(strings.HasPrefix(lines[3], "/out:"+filepath.Join(work, "out", ".App.dll.")))

	assert.Equal([]string{"App.dll"}, listDir(t, filepath.Join(work, "out")))
	assert.Equal([]string{"out"}, listDir(t, work), "response file is removed")
}

func TestCompileFailureRemovesOutput(t *testing.T) {
	assert := assert.New(t)
	work := t.TempDir()
	c := &Compiler{Command: []string{fakeCompiler(t, `echo "Program.cs(1,1): error CS1002: ; expected"
exit 1`)}, WorkDir: work}

	_, err := c.Compile(context.Background(), &dotrepro.ReconstructedCompilation{OutputPath: "out/App.dll"})
	if assert.Error(err) {
		assert.Contains(err.Error(), "CS1002")
	}
	assert.Empty(listDir(t, filepath.Join(work, "out")))
}

func TestCompileCancellation(t *testing.T) {
	work := t.TempDir()
	c := &Compiler{Command: []string{fakeCompiler(t, "sleep 10")}, WorkDir: work}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Compile(ctx, &dotrepro.ReconstructedCompilation{OutputPath: "out/App.dll"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, listDir(t, filepath.Join(work, "out")))
}

func TestCommandSelection(t *testing.T) {
	assert := assert.New(t)
	c := &Compiler{}
	assert.Equal(DefaultCommand, c.command("C#"))

	c = &Compiler{Command: []string{"dotnet", "csc.dll"}, VisualBasicCommand: []string{"dotnet", "vbc.dll"}}
	assert.Equal([]string{"dotnet", "vbc.dll"}, c.command("Visual Basic"))
	assert.Equal([]string{"dotnet", "csc.dll"}, c.command("C#"))

	_, err := (&Compiler{Command: []string{""}}).Compile(context.Background(), &dotrepro.ReconstructedCompilation{})
	assert.ErrorIs(err, ErrNoCommand)
}

func TestQuote(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("/optimize+", quote("/optimize+"))
	assert.Equal(`"my file.cs"`, quote("my file.cs"))
	assert.Equal(`/pathmap:"src/=C:\My Projects\Lib\"`, quote(`/pathmap:src/=C:\My Projects\Lib\`))
}
