// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package dotrepro

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

func tryClose(r io.ReaderAt) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func loggerOrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	d := logrus.New()
	d.SetOutput(io.Discard)
	return d
}

// Paths recorded on the build machine may use either separator regardless of
// the host, so they are not handled with path/filepath.

// pathSeparator returns the separator used by a path recorded on the build machine.
func pathSeparator(p string) byte {
	if strings.ContainsRune(p, '\\') {
		return '\\'
	}
	return '/'
}

// baseName returns the last element of a build machine path.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// dirName returns the directory of a build machine path, including the
// trailing separator.
func dirName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[:i+1]
	}
	return ""
}

// originalSourceRoot returns the prefix of a build machine PDB path that
// precedes its obj or bin directory, including the trailing separator. If the
// path has neither, the PDB directory is returned.
func originalSourceRoot(pdbPath string) string {
	sep := pathSeparator(pdbPath)
	parts := strings.Split(pdbPath, string(sep))
	for i := len(parts) - 2; i > 0; i-- {
		switch strings.ToLower(parts[i]) {
		case "obj", "bin":
			return strings.Join(parts[:i], string(sep)) + string(sep)
		}
	}
	return dirName(pdbPath)
}
