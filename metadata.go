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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ECMA-335 II.22 and Portable PDB table numbers.
const (
	tableModule                 = 0x00
	tableTypeRef                = 0x01
	tableTypeDef                = 0x02
	tableFieldPtr               = 0x03
	tableField                  = 0x04
	tableMethodPtr              = 0x05
	tableMethodDef              = 0x06
	tableParamPtr               = 0x07
	tableParam                  = 0x08
	tableInterfaceImpl          = 0x09
	tableMemberRef              = 0x0a
	tableConstant               = 0x0b
	tableCustomAttribute        = 0x0c
	tableFieldMarshal           = 0x0d
	tableDeclSecurity           = 0x0e
	tableClassLayout            = 0x0f
	tableFieldLayout            = 0x10
	tableStandAloneSig          = 0x11
	tableEventMap               = 0x12
	tableEventPtr               = 0x13
	tableEvent                  = 0x14
	tablePropertyMap            = 0x15
	tablePropertyPtr            = 0x16
	tableProperty               = 0x17
	tableMethodSemantics        = 0x18
	tableMethodImpl             = 0x19
	tableModuleRef              = 0x1a
	tableTypeSpec               = 0x1b
	tableImplMap                = 0x1c
	tableFieldRVA               = 0x1d
	tableEncLog                 = 0x1e
	tableEncMap                 = 0x1f
	tableAssembly               = 0x20
	tableAssemblyProcessor      = 0x21
	tableAssemblyOS             = 0x22
	tableAssemblyRef            = 0x23
	tableAssemblyRefProcessor   = 0x24
	tableAssemblyRefOS          = 0x25
	tableFile                   = 0x26
	tableExportedType           = 0x27
	tableManifestResource       = 0x28
	tableNestedClass            = 0x29
	tableGenericParam           = 0x2a
	tableMethodSpec             = 0x2b
	tableGenericParamConstraint = 0x2c

	tableDocument               = 0x30
	tableMethodDebugInformation = 0x31
	tableLocalScope             = 0x32
	tableLocalVariable          = 0x33
	tableLocalConstant          = 0x34
	tableImportScope            = 0x35
	tableStateMachineMethod     = 0x36
	tableCustomDebugInformation = 0x37

	metadataSignature = 0x424A5342
	numTables         = 64
)

type codedIndex struct {
	tagBits int
	tables  []int
}

// ECMA-335 II.24.2.6 coded indexes, plus HasCustomDebugInformation from the
// Portable PDB format.
var (
	codedTypeDefOrRef        = &codedIndex{2, []int{tableTypeDef, tableTypeRef, tableTypeSpec}}
	codedHasConstant         = &codedIndex{2, []int{tableField, tableParam, tableProperty}}
	codedHasCustomAttribute  = &codedIndex{5, []int{tableMethodDef, tableField, tableTypeRef, tableTypeDef, tableParam, tableInterfaceImpl, tableMemberRef, tableModule, tableDeclSecurity, tableProperty, tableEvent, tableStandAloneSig, tableModuleRef, tableTypeSpec, tableAssembly, tableAssemblyRef, tableFile, tableExportedType, tableManifestResource, tableGenericParam, tableGenericParamConstraint, tableMethodSpec}}
	codedHasFieldMarshal     = &codedIndex{1, []int{tableField, tableParam}}
	codedHasDeclSecurity     = &codedIndex{2, []int{tableTypeDef, tableMethodDef, tableAssembly}}
	codedMemberRefParent     = &codedIndex{3, []int{tableTypeDef, tableTypeRef, tableModuleRef, tableMethodDef, tableTypeSpec}}
	codedHasSemantics        = &codedIndex{1, []int{tableEvent, tableProperty}}
	codedMethodDefOrRef      = &codedIndex{1, []int{tableMethodDef, tableMemberRef}}
	codedMemberForwarded     = &codedIndex{1, []int{tableField, tableMethodDef}}
	codedImplementation      = &codedIndex{2, []int{tableFile, tableAssemblyRef, tableExportedType}}
	codedCustomAttributeType = &codedIndex{3, []int{tableMethodDef, tableMemberRef}}
	codedResolutionScope     = &codedIndex{2, []int{tableModule, tableModuleRef, tableAssemblyRef, tableTypeRef}}
	codedTypeOrMethodDef     = &codedIndex{1, []int{tableTypeDef, tableMethodDef}}

	codedHasCustomDebugInformation = &codedIndex{5, []int{tableMethodDef, tableField, tableTypeRef, tableTypeDef, tableParam, tableInterfaceImpl, tableMemberRef, tableModule, tableDeclSecurity, tableProperty, tableEvent, tableStandAloneSig, tableModuleRef, tableTypeSpec, tableAssembly, tableAssemblyRef, tableFile, tableExportedType, tableManifestResource, tableGenericParam, tableGenericParamConstraint, tableMethodSpec, tableDocument, tableLocalScope, tableLocalVariable, tableLocalConstant, tableImportScope}}
)

type columnKind int

const (
	colFixed2 columnKind = iota
	colFixed4
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

type column struct {
	kind  columnKind
	table int
	coded *codedIndex
}

var (
	u16  = column{kind: colFixed2}
	u32  = column{kind: colFixed4}
	str  = column{kind: colString}
	guid = column{kind: colGUID}
	blob = column{kind: colBlob}
)

func idx(table int) column { return column{kind: colTable, table: table} }
func coded(c *codedIndex) column { return column{kind: colCoded, coded: c} }

// tableSchema holds the column layout of every table that may appear in an
// assembly or a portable PDB.
var tableSchema = map[int][]column{
	tableModule:                 {u16, str, guid, guid, guid},
	tableTypeRef:                {coded(codedResolutionScope), str, str},
	tableTypeDef:                {u32, str, str, coded(codedTypeDefOrRef), idx(tableField), idx(tableMethodDef)},
	tableFieldPtr:               {idx(tableField)},
	tableField:                  {u16, str, blob},
	tableMethodPtr:              {idx(tableMethodDef)},
	tableMethodDef:              {u32, u16, u16, str, blob, idx(tableParam)},
	tableParamPtr:               {idx(tableParam)},
	tableParam:                  {u16, u16, str},
	tableInterfaceImpl:          {idx(tableTypeDef), coded(codedTypeDefOrRef)},
	tableMemberRef:              {coded(codedMemberRefParent), str, blob},
	tableConstant:               {u16, coded(codedHasConstant), blob},
	tableCustomAttribute:        {coded(codedHasCustomAttribute), coded(codedCustomAttributeType), blob},
	tableFieldMarshal:           {coded(codedHasFieldMarshal), blob},
	tableDeclSecurity:           {u16, coded(codedHasDeclSecurity), blob},
	tableClassLayout:            {u16, u32, idx(tableTypeDef)},
	tableFieldLayout:            {u32, idx(tableField)},
	tableStandAloneSig:          {blob},
	tableEventMap:               {idx(tableTypeDef), idx(tableEvent)},
	tableEventPtr:               {idx(tableEvent)},
	tableEvent:                  {u16, str, coded(codedTypeDefOrRef)},
	tablePropertyMap:            {idx(tableTypeDef), idx(tableProperty)},
	tablePropertyPtr:            {idx(tableProperty)},
	tableProperty:               {u16, str, blob},
	tableMethodSemantics:        {u16, idx(tableMethodDef), coded(codedHasSemantics)},
	tableMethodImpl:             {idx(tableTypeDef), coded(codedMethodDefOrRef), coded(codedMethodDefOrRef)},
	tableModuleRef:              {str},
	tableTypeSpec:               {blob},
	tableImplMap:                {u16, coded(codedMemberForwarded), str, idx(tableModuleRef)},
	tableFieldRVA:               {u32, idx(tableField)},
	tableEncLog:                 {u32, u32},
	tableEncMap:                 {u32},
	tableAssembly:               {u32, u16, u16, u16, u16, u32, blob, str, str},
	tableAssemblyProcessor:      {u32},
	tableAssemblyOS:             {u32, u32, u32},
	tableAssemblyRef:            {u16, u16, u16, u16, u32, blob, str, str, blob},
	tableAssemblyRefProcessor:   {u32, idx(tableAssemblyRef)},
	tableAssemblyRefOS:          {u32, u32, u32, idx(tableAssemblyRef)},
	tableFile:                   {u32, str, blob},
	tableExportedType:           {u32, u32, str, str, coded(codedImplementation)},
	tableManifestResource:       {u32, u32, str, coded(codedImplementation)},
	tableNestedClass:            {idx(tableTypeDef), idx(tableTypeDef)},
	tableGenericParam:           {u16, u16, coded(codedTypeOrMethodDef), str},
	tableMethodSpec:             {coded(codedMethodDefOrRef), blob},
	tableGenericParamConstraint: {idx(tableGenericParam), coded(codedTypeDefOrRef)},

	tableDocument:               {blob, guid, blob, guid},
	tableMethodDebugInformation: {idx(tableDocument), blob},
	tableLocalScope:             {idx(tableMethodDef), idx(tableImportScope), idx(tableLocalVariable), idx(tableLocalConstant), u32, u32},
	tableLocalVariable:          {u16, u16, str},
	tableLocalConstant:          {str, blob},
	tableImportScope:            {idx(tableImportScope), blob},
	tableStateMachineMethod:     {idx(tableMethodDef), idx(tableMethodDef)},
	tableCustomDebugInformation: {coded(codedHasCustomDebugInformation), guid, blob},
}

// metadata is a parsed ECMA-335 metadata root. It is used both for the
// metadata of an assembly and for a portable PDB.
type metadata struct {
	Version string

	strings []byte
	blobs   []byte
	guids   []byte
	tables  []byte
	pdb     []byte

	heapSizes uint8
	rows      [numTables]uint32
	// sizingRows are the row counts used to compute index widths. For a
	// portable PDB they include the type system rows of the owning assembly.
	sizingRows  [numTables]uint32
	rowSize     [numTables]int
	tableOffset [numTables]int

	pdbID         []byte
	pdbEntryPoint uint32
}

// parseMetadata parses an ECMA-335 II.24.2.1 metadata root.
func parseMetadata(data []byte) (*metadata, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: metadata root too short", ErrInvalidMetadata)
	}
	if sig := binary.LittleEndian.Uint32(data); sig != metadataSignature {
		return nil, fmt.Errorf("%w: invalid metadata signature %#x", ErrInvalidMetadata, sig)
	}
	verLen := int(binary.LittleEndian.Uint32(data[12:]))
	pos := 16 + roundUp4(verLen)
	if verLen < 0 || pos+4 > len(data) {
		return nil, fmt.Errorf("%w: version string overruns metadata root", ErrInvalidMetadata)
	}

	md := &metadata{Version: cString(data[16 : 16+verLen])}

	// Flags (2 bytes) precede the stream count.
	numStreams := int(binary.LittleEndian.Uint16(data[pos+2:]))
	pos += 4

	for i := 0; i < numStreams; i++ {
		if pos+8 > len(data) {
			return nil, fmt.Errorf("%w: stream header %d overruns metadata root", ErrInvalidMetadata, i)
		}
		offset := int(binary.LittleEndian.Uint32(data[pos:]))
		size := int(binary.LittleEndian.Uint32(data[pos+4:]))
		pos += 8

		end := bytes.IndexByte(data[pos:], 0)
		if end < 0 || end > 32 {
			return nil, fmt.Errorf("%w: unterminated stream name", ErrInvalidMetadata)
		}
		name := string(data[pos : pos+end])
		pos += roundUp4(end + 1)

		if offset < 0 || size < 0 || offset+size > len(data) {
			return nil, fmt.Errorf("%w: stream %s out of bounds", ErrInvalidMetadata, name)
		}
		stream := data[offset : offset+size]
		switch name {
		case "#Strings":
			md.strings = stream
		case "#Blob":
			md.blobs = stream
		case "#GUID":
			md.guids = stream
		case "#~", "#-":
			md.tables = stream
		case "#Pdb":
			md.pdb = stream
		}
	}

	if md.tables == nil {
		return nil, fmt.Errorf("%w: no tables stream", ErrInvalidMetadata)
	}
	if md.pdb != nil {
		if err := md.parsePDBStream(); err != nil {
			return nil, err
		}
	}
	if err := md.parseTables(); err != nil {
		return nil, err
	}
	return md, nil
}

// parsePDBStream reads the #Pdb stream: the 20 byte PDB id, the entry point
// token and the row counts of the referenced type system tables.
func (md *metadata) parsePDBStream() error {
	r := NewBlobReader(md.pdb)
	id, err := r.ReadBytes(20)
	if err != nil {
		return fmt.Errorf("%w: #Pdb stream: %w", ErrInvalidMetadata, err)
	}
	md.pdbID = id
	entry, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("%w: #Pdb stream: %w", ErrInvalidMetadata, err)
	}
	md.pdbEntryPoint = uint32(entry)
	lo, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("%w: #Pdb stream: %w", ErrInvalidMetadata, err)
	}
	hi, err := r.ReadInt32()
	if err != nil {
		return fmt.Errorf("%w: #Pdb stream: %w", ErrInvalidMetadata, err)
	}
	referenced := uint64(uint32(lo)) | uint64(uint32(hi))<<32
	for i := 0; i < numTables; i++ {
		if referenced&(1<<i) == 0 {
			continue
		}
		n, err := r.ReadInt32()
		if err != nil {
			return fmt.Errorf("%w: #Pdb stream row counts: %w", ErrInvalidMetadata, err)
		}
		md.sizingRows[i] = uint32(n)
	}
	return nil
}

// parseTables reads the ECMA-335 II.24.2.6 #~ stream header and computes the
// location of every present table.
func (md *metadata) parseTables() error {
	t := md.tables
	if len(t) < 24 {
		return fmt.Errorf("%w: tables header too short", ErrInvalidMetadata)
	}
	md.heapSizes = t[6]
	valid := binary.LittleEndian.Uint64(t[8:])
	pos := 24
	for i := 0; i < numTables; i++ {
		if valid&(1<<i) == 0 {
			continue
		}
		if pos+4 > len(t) {
			return fmt.Errorf("%w: row counts overrun tables stream", ErrInvalidMetadata)
		}
		md.rows[i] = binary.LittleEndian.Uint32(t[pos:])
		if md.rows[i] > 0 {
			md.sizingRows[i] = md.rows[i]
		}
		pos += 4
	}
	if md.heapSizes&0x40 != 0 {
		pos += 4
	}

	for i := 0; i < numTables; i++ {
		if md.rows[i] == 0 {
			continue
		}
		schema, ok := tableSchema[i]
		if !ok {
			return fmt.Errorf("%w: unsupported metadata table %#x", ErrInvalidMetadata, i)
		}
		size := 0
		for _, c := range schema {
			size += md.columnSize(c)
		}
		md.rowSize[i] = size
		md.tableOffset[i] = pos
		pos += size * int(md.rows[i])
		if pos > len(t) {
			return fmt.Errorf("%w: table %#x overruns tables stream", ErrInvalidMetadata, i)
		}
	}
	return nil
}

func (md *metadata) heapIndexSize(bit uint8) int {
	if md.heapSizes&bit != 0 {
		return 4
	}
	return 2
}

func (md *metadata) columnSize(c column) int {
	switch c.kind {
	case colFixed2:
		return 2
	case colFixed4:
		return 4
	case colString:
		return md.heapIndexSize(0x01)
	case colGUID:
		return md.heapIndexSize(0x02)
	case colBlob:
		return md.heapIndexSize(0x04)
	case colTable:
		if md.sizingRows[c.table] < 1<<16 {
			return 2
		}
		return 4
	case colCoded:
		var maxRows uint32
		for _, t := range c.coded.tables {
			maxRows = max(maxRows, md.sizingRows[t])
		}
		if maxRows < 1<<(16-c.coded.tagBits) {
			return 2
		}
		return 4
	}
	return 0
}

// RowCount returns the number of rows of a table.
func (md *metadata) RowCount(table int) int {
	return int(md.rows[table])
}

// readRow returns the column values of a 1-based row.
func (md *metadata) readRow(table int, row uint32) ([]uint32, error) {
	if row == 0 || row > md.rows[table] {
		return nil, fmt.Errorf("%w: row %d of table %#x out of range", ErrInvalidMetadata, row, table)
	}
	pos := md.tableOffset[table] + int(row-1)*md.rowSize[table]
	schema := tableSchema[table]
	values := make([]uint32, len(schema))
	for i, c := range schema {
		switch md.columnSize(c) {
		case 2:
			values[i] = uint32(binary.LittleEndian.Uint16(md.tables[pos:]))
			pos += 2
		case 4:
			values[i] = binary.LittleEndian.Uint32(md.tables[pos:])
			pos += 4
		}
	}
	return values, nil
}

// String reads a null-terminated string from the #Strings heap.
func (md *metadata) String(index uint32) string {
	if index == 0 || int(index) >= len(md.strings) {
		return ""
	}
	return cString(md.strings[index:])
}

// Blob reads a length-prefixed blob from the #Blob heap.
func (md *metadata) Blob(index uint32) ([]byte, error) {
	if index == 0 {
		return nil, nil
	}
	if int(index) >= len(md.blobs) {
		return nil, fmt.Errorf("%w: blob index %#x out of range", ErrInvalidMetadata, index)
	}
	r := NewBlobReader(md.blobs[index:])
	n, err := r.ReadCompressedUint()
	if err != nil {
		return nil, fmt.Errorf("blob %#x: %w", index, err)
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("blob %#x: %w", index, err)
	}
	return b, nil
}

// GUID reads a GUID from the 1-based #GUID heap.
func (md *metadata) GUID(index uint32) uuid.UUID {
	if index == 0 || int(index)*16 > len(md.guids) {
		return uuid.Nil
	}
	return guidFromBytes(md.guids[(index-1)*16:])
}

func roundUp4(n int) int {
	return (n + 3) &^ 3
}

// cString returns the bytes of b up to the first null byte.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
