// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package dotrepro

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetFrameworkFromDefines(t *testing.T) {
	tests := []struct {
		defines  []string
		expected string
	}{
		{[]string{"TRACE", "RELEASE", "NET8_0", "NETCOREAPP", "NET5_0_OR_GREATER"}, "net8.0"},
		{[]string{"NETCOREAPP", "NETCOREAPP3_1"}, "netcoreapp3.1"},
		{[]string{"NETSTANDARD", "NETSTANDARD2_0"}, "netstandard2.0"},
		{[]string{"NETFRAMEWORK", "NET472"}, "net472"},
		{[]string{"NET48", "NET8_0"}, "net48"},
		{[]string{" net6_0 "}, "net6.0"},
		{[]string{"NET10_0"}, "net10.0"},
	}
	for _, test := range tests {
		tfm, ok := TargetFrameworkFromDefines(test.defines)
		assert.True(t, ok, "%v", test.defines)
		assert.Equal(t, test.expected, tfm)
	}

	for _, defines := range [][]string{nil, {"DEBUG", "TRACE"}, {"NETCOREAPP", "NET6_0_OR_GREATER"}, {"NET4"}} {
		_, ok := TargetFrameworkFromDefines(defines)
		assert.False(t, ok, "%v", defines)
	}
}
