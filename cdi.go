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

	"github.com/google/uuid"
)

// CustomDebugInfoKind identifies the well-known custom debug information records.
type CustomDebugInfoKind int

const (
	// KindUnknown is any record whose tag is not recognised. Such records are skipped.
	KindUnknown CustomDebugInfoKind = iota
	// KindCompilationOptions holds the null-separated compiler options blob.
	KindCompilationOptions
	// KindMetadataReferences holds the compilation's metadata reference table.
	KindMetadataReferences
	// KindSourceLink holds the Source Link JSON document.
	KindSourceLink
	// KindEmbeddedSource holds the content of a source file embedded in the PDB.
	KindEmbeddedSource
)

var (
	tagCompilationOptions = uuid.MustParse("B5FEEC05-8CD0-4A83-96DA-466284BB4BD8")
	tagMetadataReferences = uuid.MustParse("7E4D4708-096E-4C5C-AEDA-CB10BA6A740D")
	tagSourceLink         = uuid.MustParse("CC110556-A091-4D38-9FEC-25AB9A351A6A")
	tagEmbeddedSource     = uuid.MustParse("0E8A571B-6926-466E-B4AD-8AB04611F5FE")

	kindByTag = map[uuid.UUID]CustomDebugInfoKind{
		tagCompilationOptions: KindCompilationOptions,
		tagMetadataReferences: KindMetadataReferences,
		tagSourceLink:         KindSourceLink,
		tagEmbeddedSource:     KindEmbeddedSource,
	}
)

// KindFromTag maps a record tag to its kind. Unrecognised tags map to KindUnknown.
func KindFromTag(tag uuid.UUID) CustomDebugInfoKind {
	return kindByTag[tag]
}

// Tag returns the GUID tag of a well-known kind, or uuid.Nil for KindUnknown.
func (k CustomDebugInfoKind) Tag() uuid.UUID {
	switch k {
	case KindCompilationOptions:
		return tagCompilationOptions
	case KindMetadataReferences:
		return tagMetadataReferences
	case KindSourceLink:
		return tagSourceLink
	case KindEmbeddedSource:
		return tagEmbeddedSource
	}
	return uuid.Nil
}

func (k CustomDebugInfoKind) String() string {
	switch k {
	case KindCompilationOptions:
		return "compilation-options"
	case KindMetadataReferences:
		return "metadata-references"
	case KindSourceLink:
		return "source-link"
	case KindEmbeddedSource:
		return "embedded-source"
	}
	return "unknown"
}

// CustomDebugInfo is a single record of the CustomDebugInformation table.
type CustomDebugInfo struct {
	Kind CustomDebugInfoKind
	// Tag is the raw record tag. It is kept for unknown kinds.
	Tag uuid.UUID
	// Parent is the HasCustomDebugInformation coded index of the owner.
	Parent uint32
	Value  []byte
}

// EmbeddedSource is the decoded content of an embedded-source record.
type EmbeddedSource struct {
	Document string `json:"document"`
	Content  []byte `json:"-"`
	Size     int    `json:"size"`
}

// decodeEmbeddedSource decodes the blob of an embedded-source record. The blob
// starts with an int32 format: zero means the remaining bytes are the raw
// content, a positive value is the size of the deflated content that follows.
func decodeEmbeddedSource(blob []byte) ([]byte, error) {
	r := NewBlobReader(blob)
	format, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	rest, _ := r.ReadBytes(r.Len())
	switch {
	case format == 0:
		return rest, nil
	case format < 0:
		return nil, &DecodeError{Offset: 0, Err: fmt.Errorf("negative embedded source format %d", format)}
	}

	out, err := inflate(rest, uint64(format))
	if err != nil {
		return nil, &DecodeError{Offset: 4, Err: fmt.Errorf("inflating embedded source: %w", err)}
	}
	return out, nil
}
