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
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	languageCSharp      = uuid.MustParse("3f5162f8-07c6-11d3-9053-00c04fa302a1")
	languageVisualBasic = uuid.MustParse("3a12d0b8-c26c-11d0-b442-00a0244a1dd2")
	languageFSharp      = uuid.MustParse("ab4f38c9-b6e6-43ba-be3b-58080b2ccce3")
)

// Document is a row of the portable PDB Document table.
type Document struct {
	// Row is the 1-based row number of the document.
	Row      uint32    `json:"-"`
	Name     string    `json:"name"`
	Language string    `json:"language,omitempty"`
	HashAlg  uuid.UUID `json:"hashAlgorithm"`
	Hash     []byte    `json:"hash,omitempty"`
}

func languageName(g uuid.UUID) string {
	switch g {
	case languageCSharp:
		return "C#"
	case languageVisualBasic:
		return "Visual Basic"
	case languageFSharp:
		return "F#"
	}
	if g == uuid.Nil {
		return ""
	}
	return g.String()
}

// PortablePDB is a parsed portable PDB symbol stream.
type PortablePDB struct {
	// GUID and Stamp form the PDB id. They match the CodeView entry of the
	// image the PDB belongs to.
	GUID  uuid.UUID
	Stamp uint32

	md *metadata
}

// ParsePortablePDB parses a portable PDB held in memory.
func ParsePortablePDB(data []byte) (*PortablePDB, error) {
	md, err := parseMetadata(data)
	if err != nil {
		if errors.Is(err, ErrInvalidMetadata) && !hasMetadataSignature(data) {
			return nil, fmt.Errorf("%w: %w", ErrNotPortablePDB, err)
		}
		return nil, err
	}
	if md.pdbID == nil {
		return nil, ErrNotPortablePDB
	}
	return &PortablePDB{
		GUID:  guidFromBytes(md.pdbID[:16]),
		Stamp: binary.LittleEndian.Uint32(md.pdbID[16:]),
		md:    md,
	}, nil
}

func hasMetadataSignature(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data) == metadataSignature
}

// CustomDebugInfo returns every record of the CustomDebugInformation table,
// including records with unrecognised tags.
func (p *PortablePDB) CustomDebugInfo() ([]CustomDebugInfo, error) {
	n := p.md.RowCount(tableCustomDebugInformation)
	records := make([]CustomDebugInfo, 0, n)
	for row := uint32(1); row <= uint32(n); row++ {
		cols, err := p.md.readRow(tableCustomDebugInformation, row)
		if err != nil {
			return nil, err
		}
		value, err := p.md.Blob(cols[2])
		if err != nil {
			return nil, fmt.Errorf("custom debug information row %d: %w", row, err)
		}
		tag := p.md.GUID(cols[1])
		records = append(records, CustomDebugInfo{
			Kind:   KindFromTag(tag),
			Tag:    tag,
			Parent: cols[0],
			Value:  value,
		})
	}
	return records, nil
}

// moduleParent is the HasCustomDebugInformation coded index of the Module row.
var moduleParent = encodeCodedIndex(codedHasCustomDebugInformation, tableModule, 1)

// ModuleRecord returns the first record of the given kind attached to the
// module. Records attached elsewhere are used if the module has none.
func (p *PortablePDB) ModuleRecord(kind CustomDebugInfoKind) (CustomDebugInfo, bool, error) {
	records, err := p.CustomDebugInfo()
	if err != nil {
		return CustomDebugInfo{}, false, err
	}
	r, ok := moduleRecord(records, kind)
	return r, ok, nil
}

func moduleRecord(records []CustomDebugInfo, kind CustomDebugInfoKind) (CustomDebugInfo, bool) {
	fallback := -1
	for i, r := range records {
		if r.Kind != kind {
			continue
		}
		if r.Parent == moduleParent {
			return r, true
		}
		if fallback < 0 {
			fallback = i
		}
	}
	if fallback >= 0 {
		return records[fallback], true
	}
	return CustomDebugInfo{}, false
}

// Documents returns the Document table with names decoded.
func (p *PortablePDB) Documents() ([]Document, error) {
	n := p.md.RowCount(tableDocument)
	docs := make([]Document, 0, n)
	for row := uint32(1); row <= uint32(n); row++ {
		cols, err := p.md.readRow(tableDocument, row)
		if err != nil {
			return nil, err
		}
		name, err := p.documentName(cols[0])
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", row, err)
		}
		hash, err := p.md.Blob(cols[2])
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", row, err)
		}
		docs = append(docs, Document{
			Row:      row,
			Name:     name,
			Language: languageName(p.md.GUID(cols[3])),
			HashAlg:  p.md.GUID(cols[1]),
			Hash:     hash,
		})
	}
	return docs, nil
}

// documentName decodes a document name blob: a separator character followed
// by blob heap indexes of the UTF-8 name parts.
func (p *PortablePDB) documentName(index uint32) (string, error) {
	b, err := p.md.Blob(index)
	if err != nil {
		return "", err
	}
	r := NewBlobReader(b)
	sep, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	var parts []string
	for !r.Empty() {
		part, err := r.ReadCompressedUint()
		if err != nil {
			return "", err
		}
		s, err := p.md.Blob(part)
		if err != nil {
			return "", err
		}
		parts = append(parts, string(s))
	}
	if sep == 0 {
		return strings.Join(parts, ""), nil
	}
	return strings.Join(parts, string(rune(sep))), nil
}

// EmbeddedSources decodes every embedded-source record that belongs to a
// document. A record that fails to decode is returned as an error alongside
// the sources that did decode.
func (p *PortablePDB) EmbeddedSources() ([]EmbeddedSource, []error) {
	records, err := p.CustomDebugInfo()
	if err != nil {
		return nil, []error{err}
	}
	docs, err := p.Documents()
	if err != nil {
		return nil, []error{err}
	}

	var (
		sources []EmbeddedSource
		errs    []error
	)
	for _, r := range records {
		if r.Kind != KindEmbeddedSource {
			continue
		}
		table, row := decodeCodedIndex(codedHasCustomDebugInformation, r.Parent)
		if table != tableDocument || row == 0 || int(row) > len(docs) {
			continue
		}
		content, err := decodeEmbeddedSource(r.Value)
		if err != nil {
			errs = append(errs, withRecord(err, r.Kind, r.Tag))
			continue
		}
		sources = append(sources, EmbeddedSource{
			Document: docs[row-1].Name,
			Content:  content,
			Size:     len(content),
		})
	}
	return sources, errs
}

func decodeCodedIndex(c *codedIndex, v uint32) (table int, row uint32) {
	tag := v & (1<<c.tagBits - 1)
	if int(tag) >= len(c.tables) {
		return -1, 0
	}
	return c.tables[tag], v >> c.tagBits
}

func encodeCodedIndex(c *codedIndex, table int, row uint32) uint32 {
	for tag, t := range c.tables {
		if t == table {
			return row<<c.tagBits | uint32(tag)
		}
	}
	return 0
}
