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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AnalysisStatus is the terminal state of an assembly analysis.
type AnalysisStatus int

const (
	// AnalysisOK means a portable PDB was found and its records were read.
	AnalysisOK AnalysisStatus = iota
	// AnalysisNoSymbols means no portable PDB is available for the assembly.
	AnalysisNoSymbols
)

func (s AnalysisStatus) String() string {
	if s == AnalysisNoSymbols {
		return "no-symbols"
	}
	return "ok"
}

// MarshalText implements encoding.TextMarshaler.
func (s AnalysisStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AnalyzeOptions controls where symbols are looked for.
type AnalyzeOptions struct {
	// PDB is an external portable PDB. It is used when the image embeds none.
	PDB []byte
	// SymbolDirs are searched for the PDB named by the CodeView entry.
	SymbolDirs []string
	// KeepEmbeddedSources keeps the content of embedded sources in the result.
	KeepEmbeddedSources bool
	Logger              logrus.FieldLogger
}

// Analysis is everything recovered from an assembly and its symbols.
type Analysis struct {
	Assembly        string              `json:"assembly"`
	Version         string              `json:"version,omitempty"`
	MVID            uuid.UUID           `json:"mvid"`
	Image           ImageInfo           `json:"image"`
	Status          AnalysisStatus      `json:"status"`
	Debug           DebugConfiguration  `json:"debug"`
	Options         *CompilerOptions    `json:"options,omitempty"`
	References      []MetadataReference `json:"references,omitempty"`
	SourceLink      string              `json:"sourceLink,omitempty"`
	Documents       []Document          `json:"documents,omitempty"`
	EmbeddedSources []EmbeddedSource    `json:"embeddedSources,omitempty"`
	Diagnostics     []Diagnostic        `json:"diagnostics,omitempty"`
}

func (an *Analysis) diag(d Diagnostic) {
	d.Assembly = an.Assembly
	an.Diagnostics = append(an.Diagnostics, d)
}

func (an *Analysis) decodeFailed(err error) {
	d := Diagnostic{Severity: SeverityError, Code: CodeDecodeFailed, Message: err.Error()}
	var de *DecodeError
	if errors.As(err, &de) {
		d.Offset = de.Offset
	}
	an.diag(d)
}

// Analyze reads the debug configuration of the assembly, locates its portable
// PDB and decodes the compilation records. Missing symbols are reported with
// the AnalysisNoSymbols status. A record that fails to decode is reported as
// a diagnostic and does not stop the other records from being read. An error
// is only returned if the image itself cannot be read.
func (a *Assembly) Analyze(opts AnalyzeOptions) (*Analysis, error) {
	log := loggerOrDiscard(opts.Logger).WithField("assembly", a.Name)

	cfg, err := a.DebugConfiguration()
	if err != nil {
		return nil, err
	}
	an := &Analysis{
		Assembly: a.Name,
		Version:  a.Version,
		MVID:     a.MVID,
		Image:    a.Image,
		Debug:    cfg,
	}
	log.WithField("debugType", cfg.DebugType).Debug("Classified debug directory.")

	pdb, err := a.locatePDB(cfg, opts, log)
	if err != nil {
		if !errors.Is(err, ErrNoSymbols) {
			an.decodeFailed(err)
		}
		an.Status = AnalysisNoSymbols
		an.diag(Diagnostic{Severity: SeverityInfo, Code: CodeNoSymbols, Message: "no portable PDB available"})
		return an, nil
	}

	if err := a.checkPDBIdentity(pdb); err != nil {
		an.diag(warningf(CodeSymbolMismatch, "%v", err))
	}

	an.readRecords(pdb, opts, log)
	return an, nil
}

func (a *Assembly) locatePDB(cfg DebugConfiguration, opts AnalyzeOptions, log logrus.FieldLogger) (*PortablePDB, error) {
	if cfg.DebugType.embedded() {
		pdb, err := a.EmbeddedPDB()
		if err == nil {
			log.Debug("Using embedded portable PDB.")
			return pdb, nil
		}
		log.WithError(err).Warn("Embedded portable PDB is unreadable.")
	}
	if opts.PDB != nil {
		log.Debug("Using supplied portable PDB.")
		return ParsePortablePDB(opts.PDB)
	}

	name := baseName(cfg.PDBPath)
	if name == "" {
		name = a.Name + ".pdb"
	}
	for _, dir := range opts.SymbolDirs {
		p := filepath.Join(dir, name)
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		log.WithField("path", p).Debug("Using portable PDB from symbol directory.")
		return ParsePortablePDB(data)
	}
	return nil, ErrNoSymbols
}

// checkPDBIdentity compares the PDB id with the CodeView entry of the image.
func (a *Assembly) checkPDBIdentity(pdb *PortablePDB) error {
	entries, err := a.DebugDirectory()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type != DebugDirectoryCodeView {
			continue
		}
		cv, err := e.CodeView()
		if err != nil {
			return err
		}
		if cv.GUID != pdb.GUID {
			return fmt.Errorf("PDB id %s does not match CodeView id %s", pdb.GUID, cv.GUID)
		}
		return nil
	}
	return nil
}

func (an *Analysis) readRecords(pdb *PortablePDB, opts AnalyzeOptions, log logrus.FieldLogger) {
	records, err := pdb.CustomDebugInfo()
	if err != nil {
		an.decodeFailed(err)
		return
	}

	for _, r := range records {
		if r.Kind == KindUnknown {
			log.WithField("tag", r.Tag).Debug("Skipping unrecognised custom debug information.")
		}
	}

	if r, ok := moduleRecord(records, KindCompilationOptions); ok {
		an.Options = ParseCompilerOptions(r.Value)
		for _, w := range an.Options.Warnings {
			an.diag(w)
		}
	}
	if r, ok := moduleRecord(records, KindMetadataReferences); ok {
		table, err := ParseMetadataReferences(r.Value)
		if err != nil {
			an.decodeFailed(err)
		} else {
			an.References = table.References
			for _, w := range table.Warnings {
				an.diag(w)
			}
		}
	}
	if r, ok := moduleRecord(records, KindSourceLink); ok {
		an.SourceLink = string(r.Value)
	}

	docs, err := pdb.Documents()
	if err != nil {
		an.decodeFailed(err)
	} else {
		an.Documents = docs
	}

	sources, errs := pdb.EmbeddedSources()
	for _, err := range errs {
		an.decodeFailed(err)
	}
	for i := range sources {
		if !opts.KeepEmbeddedSources {
			sources[i].Content = nil
		}
	}
	an.EmbeddedSources = sources
}
