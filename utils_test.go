// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package dotrepro

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildMachinePaths(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("Lib.pdb", baseName(`C:\a\b\Lib.pdb`))
	assert.Equal("Lib.pdb", baseName("/_/b/Lib.pdb"))
	assert.Equal("Lib.pdb", baseName("Lib.pdb"))

	assert.Equal(`C:\a\b\`, dirName(`C:\a\b\Lib.pdb`))
	assert.Equal("/_/b/", dirName("/_/b/Lib.pdb"))
	assert.Equal("", dirName("Lib.pdb"))

	assert.Equal(byte('\\'), pathSeparator(`C:\a`))
	assert.Equal(byte('/'), pathSeparator("/a"))
}

func TestOriginalSourceRoot(t *testing.T) {
	tests := []struct {
		in, expected string
	}{
		{"/_/src/Lib/obj/Release/net8.0/Lib.pdb", "/_/src/Lib/"},
		{`D:\a\1\s\Lib\bin\Release\Lib.pdb`, `D:\a\1\s\Lib\`},
		{"/home/u/proj/OBJ/Lib.pdb", "/home/u/proj/"},
		{"/_/out/Lib.pdb", "/_/out/"},
		{"/src/obj/App/obj/Debug/App.pdb", "/src/obj/App/"},
		{"Lib.pdb", ""},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, originalSourceRoot(test.in), test.in)
	}
}

func TestLoggerOrDiscard(t *testing.T) {
	assert.NotNil(t, loggerOrDiscard(nil))
}
