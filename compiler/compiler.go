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

// Package compiler runs an external compiler on a reconstructed compilation.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dotrepro/dotrepro"
)

// ErrNoCommand is returned if no compiler command is configured.
var ErrNoCommand = errors.New("no compiler command configured")

// DefaultCommand is the C# compiler as found on the PATH.
var DefaultCommand = []string{"csc"}

// waitDelay bounds how long a cancelled compiler may keep its output open.
const waitDelay = 2 * time.Second

// Compiler invokes a command line compiler with a response file. The
// compilation is run in WorkDir, the relative paths of the reconstructed
// arguments resolve against it.
type Compiler struct {
	// Command is the compiler and its leading arguments, e.g.
	// ["dotnet", "exec", "/usr/share/dotnet/sdk/8.0.100/Roslyn/bincore/csc.dll"].
	Command []string
	// VisualBasicCommand is used for Visual Basic compilations if set.
	VisualBasicCommand []string
	WorkDir            string
	Logger             logrus.FieldLogger
}

var _ dotrepro.Compiler = (*Compiler)(nil)

func (c *Compiler) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (c *Compiler) command(language string) []string {
	if language == "Visual Basic" && len(c.VisualBasicCommand) > 0 {
		return c.VisualBasicCommand
	}
	if len(c.Command) > 0 {
		return c.Command
	}
	return DefaultCommand
}

// Compile runs the compiler and returns the path of the produced assembly.
// The compiler writes to a temporary file that is renamed to the output path
// on success and removed on failure or cancellation.
func (c *Compiler) Compile(ctx context.Context, rc *dotrepro.ReconstructedCompilation) (string, error) {
	cmdline := c.command(rc.Language)
	if len(cmdline) == 0 || cmdline[0] == "" {
		return "", ErrNoCommand
	}
	log := c.logger().WithField("output", rc.OutputPath)

	final := filepath.Join(c.WorkDir, filepath.FromSlash(rc.OutputPath))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", err
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(final), "."+filepath.Base(final)+".*.tmp")
	if err != nil {
		return "", err
	}
	tmp := tmpFile.Name()
	tmpFile.Close()
	success := false
	defer func() {
		if !success {
			os.Remove(tmp)
		}
	}()

	rsp, err := c.writeResponseFile(rc.Arguments, tmp)
	if err != nil {
		return "", err
	}
	defer os.Remove(rsp)

	args := append(append([]string{}, cmdline[1:]...), "@"+rsp)
	cmd := exec.CommandContext(ctx, cmdline[0], args...)
	cmd.Dir = c.WorkDir
	cmd.WaitDelay = waitDelay
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.WithField("command", strings.Join(cmdline, " ")).Info("Running compiler.")
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("compiler failed: %w\n%s", err, strings.TrimSpace(out.String()))
	}
	log.WithField("duration", time.Since(start)).Debug("Compiler finished.")

	if err := os.Rename(tmp, final); err != nil {
		return "", err
	}
	success = true
	return final, nil
}

// writeResponseFile writes one argument per line with the output redirected
// to out.
func (c *Compiler) writeResponseFile(arguments []string, out string) (string, error) {
	f, err := os.CreateTemp(c.WorkDir, ".dotrepro-*.rsp")
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	replaced := false
	for _, arg := range arguments {
		if strings.HasPrefix(arg, "/out:") {
			arg = "/out:" + out
			replaced = true
		}
		buf.WriteString(quote(arg))
		buf.WriteByte('\n')
	}
	if !replaced {
		buf.WriteString(quote("/out:" + out))
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// quote quotes an argument containing white space the way the compiler's
// response file parser expects.
func quote(arg string) string {
	if !strings.ContainsAny(arg, " \t") {
		return arg
	}
	if i := strings.IndexByte(arg, ':'); strings.HasPrefix(arg, "/") && i > 0 {
		return arg[:i+1] + `"` + arg[i+1:] + `"`
	}
	return `"` + arg + `"`
}
