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
	"github.com/google/uuid"
)

// ReferenceKind distinguishes assembly references from module references.
type ReferenceKind int

const (
	ReferenceAssembly ReferenceKind = iota
	ReferenceModule
)

func (k ReferenceKind) String() string {
	if k == ReferenceModule {
		return "module"
	}
	return "assembly"
}

// MarshalText implements encoding.TextMarshaler.
func (k ReferenceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

const (
	referenceEmbedInteropTypes = 0x01
	referenceKindModule        = 0x02
	referenceReservedMask      = ^byte(referenceEmbedInteropTypes | referenceKindModule)
)

// MetadataReference is a single entry of the compilation's metadata reference table.
type MetadataReference struct {
	FileName          string        `json:"fileName"`
	ExternAliases     []string      `json:"externAliases"`
	EmbedInteropTypes bool          `json:"embedInteropTypes"`
	Kind              ReferenceKind `json:"kind"`
	Timestamp         int32         `json:"timestamp"`
	ImageSize         int32         `json:"imageSize"`
	MVID              uuid.UUID     `json:"mvid"`
}

// ReferenceTable is the parsed metadata-references record.
type ReferenceTable struct {
	References []MetadataReference
	// Warnings holds soft format violations such as set reserved property bits.
	Warnings []Diagnostic
}

// ParseMetadataReferences parses a metadata-references record.
//
// The table is a compressed count followed by that many entries. Each entry is
// a compressed file name, a compressed alias count, the aliases and a property
// byte, optionally followed by the timestamp, image size and MVID of the
// referenced image. The layout with identity fields is tried first; if it does
// not decode, the table is read again without them. Bytes after the last entry
// are ignored.
//
// The two layouts cannot always be told apart. A compact table followed by at
// least 24 trailing bytes per entry decodes in the identity layout, and those
// bytes are then returned as the timestamp, image size and MVID. A compact
// table with fewer trailing bytes decodes in the compact layout with zero
// identity fields.
func ParseMetadataReferences(blob []byte) (*ReferenceTable, error) {
	table, err := parseReferenceTable(blob, true)
	if err == nil {
		return table, nil
	}
	if compact, cerr := parseReferenceTable(blob, false); cerr == nil {
		return compact, nil
	}
	return nil, withRecord(err, KindMetadataReferences, tagMetadataReferences)
}

func parseReferenceTable(blob []byte, identity bool) (*ReferenceTable, error) {
	r := NewBlobReader(blob)
	count, err := r.ReadCompressedUint()
	if err != nil {
		return nil, err
	}

	table := &ReferenceTable{References: make([]MetadataReference, 0, min(count, 1024))}
	for i := uint32(0); i < count; i++ {
		var ref MetadataReference
		if ref.FileName, err = r.ReadCompressedString(); err != nil {
			return nil, err
		}

		aliasCount, err := r.ReadCompressedUint()
		if err != nil {
			return nil, err
		}
		ref.ExternAliases = make([]string, 0, min(aliasCount, 64))
		for j := uint32(0); j < aliasCount; j++ {
			alias, err := r.ReadCompressedString()
			if err != nil {
				return nil, err
			}
			ref.ExternAliases = append(ref.ExternAliases, alias)
		}

		propOffset := r.Offset()
		props, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		ref.EmbedInteropTypes = props&referenceEmbedInteropTypes != 0
		if props&referenceKindModule != 0 {
			ref.Kind = ReferenceModule
		}
		if props&referenceReservedMask != 0 {
			d := warningf(CodeReservedReferenceBits, "reference %q has reserved property bits set: %#02x", ref.FileName, props)
			d.Offset = propOffset
			table.Warnings = append(table.Warnings, d)
		}

		if identity {
			if ref.Timestamp, err = r.ReadInt32(); err != nil {
				return nil, err
			}
			if ref.ImageSize, err = r.ReadInt32(); err != nil {
				return nil, err
			}
			if ref.MVID, err = r.ReadGUID(); err != nil {
				return nil, err
			}
		}

		table.References = append(table.References, ref)
	}
	return table, nil
}

// EncodeMetadataReferences encodes refs in the layout read by
// ParseMetadataReferences, including the identity fields.
func EncodeMetadataReferences(refs []MetadataReference) ([]byte, error) {
	var bb BlobBuilder
	bb.AddCompressedUint(uint32(len(refs)))
	for _, ref := range refs {
		bb.AddCompressedString(ref.FileName)
		bb.AddCompressedUint(uint32(len(ref.ExternAliases)))
		for _, alias := range ref.ExternAliases {
			bb.AddCompressedString(alias)
		}
		var props byte
		if ref.EmbedInteropTypes {
			props |= referenceEmbedInteropTypes
		}
		if ref.Kind == ReferenceModule {
			props |= referenceKindModule
		}
		bb.AddByte(props)
		bb.AddInt32(ref.Timestamp)
		bb.AddInt32(ref.ImageSize)
		bb.AddGUID(ref.MVID)
	}
	return bb.Bytes()
}
