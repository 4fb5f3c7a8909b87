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
	"fmt"
	"strings"
)

// Severity of a diagnostic.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "info"
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Diagnostic codes.
const (
	CodeReservedReferenceBits = "reserved-reference-bits"
	CodeUnknownOptionKey      = "unknown-option-key"
	CodeIsolatedOptionToken   = "isolated-option-token"
	CodeDuplicateOptionKey    = "duplicate-option-key"
	CodeDecodeFailed          = "decode-failed"
	CodeNoSymbols             = "no-symbols"
	CodeSymbolMismatch        = "symbol-mismatch"
	CodeUnresolvedReference   = "unresolved-reference"
	CodeMissingSources        = "missing-sources"
	CodeNoTargetFramework     = "no-target-framework"
	CodeMetricOutOfTolerance  = "metric-out-of-tolerance"
	CodeMetricMismatch        = "metric-mismatch"
)

// Diagnostic is a non-fatal condition found while analysing, reconstructing or
// comparing an assembly.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Assembly string   `json:"assembly,omitempty"`
	Message  string   `json:"message"`
	Expected string   `json:"expected,omitempty"`
	Actual   string   `json:"actual,omitempty"`
	// Offset is the byte offset of a decode failure.
	Offset int `json:"offset,omitempty"`
}

func (d Diagnostic) String() string {
	var sb strings.Builder
	sb.WriteString(d.Severity.String())
	sb.WriteString(": ")
	if d.Assembly != "" {
		sb.WriteString(d.Assembly)
		sb.WriteString(": ")
	}
	sb.WriteString(d.Message)
	if d.Expected != "" || d.Actual != "" {
		fmt.Fprintf(&sb, " (expected %q, actual %q)", d.Expected, d.Actual)
	}
	return sb.String()
}

func warningf(code, format string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityWarning, Code: code, Message: fmt.Sprintf(format, args...)}
}
