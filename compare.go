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
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// DefaultTolerance is the number of compiler generated entries by which the
// type, field, property and event counts may differ.
const DefaultTolerance = 3

// Metrics are the properties of an assembly compared after a rebuild.
type Metrics struct {
	TypeCount                int       `json:"typeCount"`
	MethodCount              int       `json:"methodCount"`
	FieldCount               int       `json:"fieldCount"`
	PropertyCount            int       `json:"propertyCount"`
	EventCount               int       `json:"eventCount"`
	AssemblyVersion          string    `json:"assemblyVersion"`
	FileSize                 int64     `json:"fileSize"`
	DebugDirectoryEntryCount int       `json:"debugDirectoryEntryCount"`
	MVID                     uuid.UUID `json:"mvid"`
	TimeDateStamp            uint32    `json:"timeDateStamp"`
	StrongNameSigned         bool      `json:"strongNameSigned"`
}

// Metrics collects the comparison metrics of the assembly.
func (a *Assembly) Metrics() (Metrics, error) {
	entries, err := a.DebugDirectory()
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{
		TypeCount:                a.md.RowCount(tableTypeDef),
		MethodCount:              a.md.RowCount(tableMethodDef),
		FieldCount:               a.md.RowCount(tableField),
		PropertyCount:            a.md.RowCount(tableProperty),
		EventCount:               a.md.RowCount(tableEvent),
		AssemblyVersion:          a.Version,
		FileSize:                 a.size,
		DebugDirectoryEntryCount: len(entries),
		MVID:                     a.MVID,
		TimeDateStamp:            a.Image.TimeDateStamp,
		StrongNameSigned:         a.Image.StrongNameSigned,
	}, nil
}

// MatchPolicy is how a metric takes part in the comparison.
type MatchPolicy int

const (
	// PolicyExact metrics must be equal.
	PolicyExact MatchPolicy = iota
	// PolicyTolerant metrics may differ by the configured tolerance.
	PolicyTolerant
	// PolicyInformational metrics are reported but never mismatch.
	PolicyInformational
)

func (p MatchPolicy) String() string {
	switch p {
	case PolicyTolerant:
		return "tolerant"
	case PolicyInformational:
		return "informational"
	}
	return "exact"
}

// MarshalText implements encoding.TextMarshaler.
func (p MatchPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// FieldComparison is the outcome of comparing a single metric.
type FieldComparison struct {
	Name     string      `json:"name"`
	Policy   MatchPolicy `json:"policy"`
	Original string      `json:"original"`
	Rebuilt  string      `json:"rebuilt"`
	Match    bool        `json:"match"`
}

// CompareOptions configures the comparison.
type CompareOptions struct {
	// Tolerance is the allowed difference of tolerant metrics. Zero means
	// DefaultTolerance; a negative value requires an exact match.
	Tolerance int
	Assembly  string
}

func (o CompareOptions) tolerance() int {
	switch {
	case o.Tolerance == 0:
		return DefaultTolerance
	case o.Tolerance < 0:
		return 0
	}
	return o.Tolerance
}

// ComparisonResult is the report of a round-trip comparison.
type ComparisonResult struct {
	Original    Metrics           `json:"original"`
	Rebuilt     Metrics           `json:"rebuilt"`
	Fields      []FieldComparison `json:"fields"`
	Notes       []string          `json:"notes,omitempty"`
	Diagnostics []Diagnostic      `json:"diagnostics,omitempty"`
}

// Equivalent reports whether every exact and tolerant metric matched.
func (r *ComparisonResult) Equivalent() bool {
	for _, f := range r.Fields {
		if !f.Match {
			return false
		}
	}
	return true
}

// Field returns the comparison of the named metric.
func (r *ComparisonResult) Field(name string) (FieldComparison, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldComparison{}, false
}

// Compare compares the metrics of an original and a rebuilt assembly. Method
// count and assembly version must match exactly; type, field, property and
// event counts may differ by the tolerance. File size, debug directory entry
// count and MVID are informational.
func Compare(original, rebuilt Metrics, opts CompareOptions) *ComparisonResult {
	tol := opts.tolerance()
	r := &ComparisonResult{Original: original, Rebuilt: rebuilt}

	r.exact("methodCount", strconv.Itoa(original.MethodCount), strconv.Itoa(rebuilt.MethodCount), opts.Assembly)
	r.exact("assemblyVersion", original.AssemblyVersion, rebuilt.AssemblyVersion, opts.Assembly)
	r.tolerant("typeCount", original.TypeCount, rebuilt.TypeCount, tol, opts.Assembly)
	r.tolerant("fieldCount", original.FieldCount, rebuilt.FieldCount, tol, opts.Assembly)
	r.tolerant("propertyCount", original.PropertyCount, rebuilt.PropertyCount, tol, opts.Assembly)
	r.tolerant("eventCount", original.EventCount, rebuilt.EventCount, tol, opts.Assembly)
	r.info("fileSize", strconv.FormatInt(original.FileSize, 10), strconv.FormatInt(rebuilt.FileSize, 10))
	r.info("debugDirectoryEntryCount", strconv.Itoa(original.DebugDirectoryEntryCount), strconv.Itoa(rebuilt.DebugDirectoryEntryCount))
	r.info("mvid", original.MVID.String(), rebuilt.MVID.String())

	if original.StrongNameSigned && !rebuilt.StrongNameSigned {
		r.Notes = append(r.Notes, "original is strong-name signed; the rebuild cannot be signed without the private key, so file size and hash differ")
	}
	if original.MVID != rebuilt.MVID {
		r.Notes = append(r.Notes, "module version id differs; it is expected to differ unless the build was seeded with the original inputs")
	}
	if original.TimeDateStamp != rebuilt.TimeDateStamp {
		r.Notes = append(r.Notes, "PE timestamp differs")
	}
	return r
}

func (r *ComparisonResult) exact(name, original, rebuilt, assembly string) {
	match := original == rebuilt
	r.Fields = append(r.Fields, FieldComparison{Name: name, Policy: PolicyExact, Original: original, Rebuilt: rebuilt, Match: match})
	if !match {
		r.Diagnostics = append(r.Diagnostics, Diagnostic{
			Severity: SeverityError,
			Code:     CodeMetricMismatch,
			Assembly: assembly,
			Message:  name + " differs",
			Expected: original,
			Actual:   rebuilt,
		})
	}
}

func (r *ComparisonResult) tolerant(name string, original, rebuilt, tol int, assembly string) {
	delta := rebuilt - original
	match := delta >= -tol && delta <= tol
	o, b := strconv.Itoa(original), strconv.Itoa(rebuilt)
	r.Fields = append(r.Fields, FieldComparison{Name: name, Policy: PolicyTolerant, Original: o, Rebuilt: b, Match: match})
	if !match {
		r.Diagnostics = append(r.Diagnostics, Diagnostic{
			Severity: SeverityWarning,
			Code:     CodeMetricOutOfTolerance,
			Assembly: assembly,
			Message:  fmt.Sprintf("%s differs by %d, tolerance is %d", name, delta, tol),
			Expected: o,
			Actual:   b,
		})
	}
}

func (r *ComparisonResult) info(name, original, rebuilt string) {
	r.Fields = append(r.Fields, FieldComparison{Name: name, Policy: PolicyInformational, Original: original, Rebuilt: rebuilt, Match: true})
}

// CompareFiles opens an original and a rebuilt assembly and compares them.
func CompareFiles(originalPath, rebuiltPath string, opts CompareOptions) (*ComparisonResult, error) {
	original, err := Open(originalPath)
	if err != nil {
		return nil, err
	}
	defer original.Close()
	rebuilt, err := Open(rebuiltPath)
	if err != nil {
		return nil, err
	}
	defer rebuilt.Close()
	return compareAssemblies(original, rebuilt, opts)
}

func compareAssemblies(original, rebuilt *Assembly, opts CompareOptions) (*ComparisonResult, error) {
	om, err := original.Metrics()
	if err != nil {
		return nil, fmt.Errorf("original: %w", err)
	}
	rm, err := rebuilt.Metrics()
	if err != nil {
		return nil, fmt.Errorf("rebuilt: %w", err)
	}
	if opts.Assembly == "" {
		opts.Assembly = original.Name
	}
	return Compare(om, rm, opts), nil
}

// Compiler runs a reconstructed compilation and returns the path of the
// produced assembly.
type Compiler interface {
	Compile(ctx context.Context, rc *ReconstructedCompilation) (string, error)
}

// RoundTrip compiles a reconstructed compilation and compares the result
// with the original assembly.
func RoundTrip(ctx context.Context, c Compiler, original *Assembly, rc *ReconstructedCompilation, opts CompareOptions) (*ComparisonResult, error) {
	out, err := c.Compile(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("error when compiling: %w", err)
	}
	rebuilt, err := Open(out)
	if err != nil {
		return nil, fmt.Errorf("error when opening the rebuilt assembly: %w", err)
	}
	defer rebuilt.Close()
	return compareAssemblies(original, rebuilt, opts)
}
