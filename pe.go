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
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
)

// DebugDirectoryType is the Type field of an IMAGE_DEBUG_DIRECTORY entry.
type DebugDirectoryType uint32

const (
	DebugDirectoryUnknown             DebugDirectoryType = 0
	DebugDirectoryCOFF                DebugDirectoryType = 1
	DebugDirectoryCodeView            DebugDirectoryType = 2
	DebugDirectoryReproducible        DebugDirectoryType = 16
	DebugDirectoryEmbeddedPortablePDB DebugDirectoryType = 17
	DebugDirectoryPDBChecksum         DebugDirectoryType = 19
)

func (t DebugDirectoryType) String() string {
	switch t {
	case DebugDirectoryCOFF:
		return "coff"
	case DebugDirectoryCodeView:
		return "codeview"
	case DebugDirectoryReproducible:
		return "reproducible"
	case DebugDirectoryEmbeddedPortablePDB:
		return "embedded-portable-pdb"
	case DebugDirectoryPDBChecksum:
		return "pdb-checksum"
	}
	return fmt.Sprintf("type-%d", uint32(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t DebugDirectoryType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

const (
	debugDirectoryEntrySize = 28

	rsdsSignature = 0x53445352 // "RSDS"
	mpdbSignature = 0x4244504D // "MPDB"

	// DefaultChecksumAlgorithm is assumed when a PDB checksum entry names no algorithm.
	DefaultChecksumAlgorithm = "SHA256"

	dllCharacteristicsHighEntropyVA = 0x0020
	cliFlagStrongNameSigned         = 0x08
	cliHeaderSize                   = 72

	// maxDeflateRatio bounds the output of a deflate stream per input byte.
	maxDeflateRatio = 1032
)

// DebugDirectoryEntry is a single IMAGE_DEBUG_DIRECTORY entry with its payload.
type DebugDirectoryEntry struct {
	Type             DebugDirectoryType `json:"type"`
	TimeDateStamp    uint32             `json:"timeDateStamp"`
	MajorVersion     uint16             `json:"majorVersion"`
	MinorVersion     uint16             `json:"minorVersion"`
	SizeOfData       uint32             `json:"sizeOfData"`
	AddressOfRawData uint32             `json:"addressOfRawData"`
	PointerToRawData uint32             `json:"pointerToRawData"`
	Data             []byte             `json:"-"`
}

// CodeViewInfo is the RSDS record of a CodeView debug directory entry.
type CodeViewInfo struct {
	GUID uuid.UUID `json:"guid"`
	Age  uint32    `json:"age"`
	// Path is the symbol file path as recorded on the build machine.
	Path string `json:"path"`
}

// CodeView decodes the RSDS record of a CodeView entry.
func (e DebugDirectoryEntry) CodeView() (*CodeViewInfo, error) {
	if e.Type != DebugDirectoryCodeView {
		return nil, fmt.Errorf("%w: entry type is %s", ErrBadCodeView, e.Type)
	}
	if len(e.Data) < 24 || binary.LittleEndian.Uint32(e.Data) != rsdsSignature {
		return nil, ErrBadCodeView
	}
	return &CodeViewInfo{
		GUID: guidFromBytes(e.Data[4:20]),
		Age:  binary.LittleEndian.Uint32(e.Data[20:]),
		Path: cString(e.Data[24:]),
	}, nil
}

// PDBChecksum decodes a PDB checksum entry into its algorithm name and checksum.
func (e DebugDirectoryEntry) PDBChecksum() (string, []byte) {
	i := bytes.IndexByte(e.Data, 0)
	if i < 0 {
		return DefaultChecksumAlgorithm, nil
	}
	alg := string(e.Data[:i])
	if alg == "" {
		alg = DefaultChecksumAlgorithm
	}
	return alg, e.Data[i+1:]
}

// EmbeddedPDB inflates the portable PDB carried by an embedded PDB entry.
func (e DebugDirectoryEntry) EmbeddedPDB() ([]byte, error) {
	if len(e.Data) < 8 || binary.LittleEndian.Uint32(e.Data) != mpdbSignature {
		return nil, ErrBadEmbeddedPDB
	}
	size := binary.LittleEndian.Uint32(e.Data[4:])
	out, err := inflate(e.Data[8:], uint64(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadEmbeddedPDB, err)
	}
	return out, nil
}

// inflate decompresses a deflate stream that must produce exactly size bytes.
// The buffer grows with the decompressed data, never with the declared size.
func inflate(compressed []byte, size uint64) ([]byte, error) {
	if size > uint64(len(compressed))*maxDeflateRatio {
		return nil, fmt.Errorf("declared size %d exceeds what %d compressed bytes can hold", size, len(compressed))
	}
	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(fr, int64(size)))
	if err != nil {
		return nil, err
	}
	if uint64(n) != size {
		return nil, io.ErrUnexpectedEOF
	}
	return buf.Bytes(), nil
}

// ImageInfo holds the PE header facts used for reconstruction and comparison.
type ImageInfo struct {
	Machine            uint16 `json:"machine"`
	TimeDateStamp      uint32 `json:"timeDateStamp"`
	FileAlignment      uint32 `json:"fileAlignment"`
	DllCharacteristics uint16 `json:"dllCharacteristics"`
	Is64               bool   `json:"is64"`
	// StrongNameSigned reports whether the CLI header marks the image as signed.
	StrongNameSigned bool `json:"strongNameSigned"`
}

type cliHeader struct {
	metadataRVA, metadataSize uint32
	flags                     uint32
	strongNameRVA             uint32
	strongNameSize            uint32
}

type peImage struct {
	file *pe.File
	r    io.ReaderAt
	size int64
	info ImageInfo
	dirs []pe.DataDirectory
}

func openPE(r io.ReaderAt, size int64) (img *peImage, err error) {
	// Parsing by debug/pe can panic if the PE file is malformed. To prevent a
	// crash, we recover the panic and return it as an error instead.
	defer func() {
		if rec := recover(); rec != nil {
			img = nil
			err = fmt.Errorf("error when processing PE file, probably corrupt: %s", rec)
		}
	}()

	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("error when parsing the PE file: %w", err)
	}

	img = &peImage{file: f, r: r, size: size}
	img.info.Machine = f.Machine
	img.info.TimeDateStamp = f.TimeDateStamp

	switch hdr := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		img.info.FileAlignment = hdr.FileAlignment
		img.info.DllCharacteristics = hdr.DllCharacteristics
		img.dirs = hdr.DataDirectory[:min(int(hdr.NumberOfRvaAndSizes), len(hdr.DataDirectory))]
	case *pe.OptionalHeader64:
		img.info.Is64 = true
		img.info.FileAlignment = hdr.FileAlignment
		img.info.DllCharacteristics = hdr.DllCharacteristics
		img.dirs = hdr.DataDirectory[:min(int(hdr.NumberOfRvaAndSizes), len(hdr.DataDirectory))]
	default:
		return nil, errors.New("unknown optional header type")
	}
	return img, nil
}

func (p *peImage) dataDirectory(i int) pe.DataDirectory {
	if i >= len(p.dirs) {
		return pe.DataDirectory{}
	}
	return p.dirs[i]
}

// readRVA reads size bytes at a relative virtual address.
func (p *peImage) readRVA(rva, size uint32) ([]byte, error) {
	for _, s := range p.file.Sections {
		extent := max(s.VirtualSize, s.Size)
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+extent {
			continue
		}
		off := rva - s.VirtualAddress
		if uint64(off)+uint64(size) > uint64(s.Size) {
			return nil, fmt.Errorf("%w: %#x+%#x exceeds section %s", ErrRVANotMapped, rva, size, s.Name)
		}
		if err := p.checkExtent(uint64(s.Offset)+uint64(off), size); err != nil {
			return nil, err
		}
		buf := make([]byte, size)
		if _, err := s.ReadAt(buf, int64(off)); err != nil {
			return nil, fmt.Errorf("error when reading section %s: %w", s.Name, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: %#x", ErrRVANotMapped, rva)
}

// checkExtent reports an error if size bytes at the file offset off run past
// the end of the image.
func (p *peImage) checkExtent(off uint64, size uint32) error {
	if off+uint64(size) > uint64(p.size) {
		return fmt.Errorf("%w: %d bytes at offset %#x exceed the image size %d", ErrTruncatedImage, size, off, p.size)
	}
	return nil
}

// debugDirectory decodes the IMAGE_DEBUG_DIRECTORY table and the payload of
// every entry.
func (p *peImage) debugDirectory() ([]DebugDirectoryEntry, error) {
	dir := p.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_DEBUG)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return []DebugDirectoryEntry{}, nil
	}
	raw, err := p.readRVA(dir.VirtualAddress, dir.Size)
	if err != nil {
		return nil, fmt.Errorf("error when reading the debug directory: %w", err)
	}

	entries := make([]DebugDirectoryEntry, 0, len(raw)/debugDirectoryEntrySize)
	for off := 0; off+debugDirectoryEntrySize <= len(raw); off += debugDirectoryEntrySize {
		b := raw[off:]
		e := DebugDirectoryEntry{
			TimeDateStamp:    binary.LittleEndian.Uint32(b[4:]),
			MajorVersion:     binary.LittleEndian.Uint16(b[8:]),
			MinorVersion:     binary.LittleEndian.Uint16(b[10:]),
			Type:             DebugDirectoryType(binary.LittleEndian.Uint32(b[12:])),
			SizeOfData:       binary.LittleEndian.Uint32(b[16:]),
			AddressOfRawData: binary.LittleEndian.Uint32(b[20:]),
			PointerToRawData: binary.LittleEndian.Uint32(b[24:]),
		}
		if e.SizeOfData > 0 {
			if e.Data, err = p.entryData(e); err != nil {
				return nil, fmt.Errorf("debug directory entry %d (%s): %w", off/debugDirectoryEntrySize, e.Type, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (p *peImage) entryData(e DebugDirectoryEntry) ([]byte, error) {
	if e.PointerToRawData == 0 {
		return p.readRVA(e.AddressOfRawData, e.SizeOfData)
	}
	if err := p.checkExtent(uint64(e.PointerToRawData), e.SizeOfData); err != nil {
		return nil, err
	}
	buf := make([]byte, e.SizeOfData)
	if _, err := p.r.ReadAt(buf, int64(e.PointerToRawData)); err != nil {
		return nil, fmt.Errorf("error when reading entry data: %w", err)
	}
	return buf, nil
}

// cliHeader reads the ECMA-335 II.25.3.3 CLI header.
func (p *peImage) cliHeader() (*cliHeader, error) {
	dir := p.dataDirectory(pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR)
	if dir.VirtualAddress == 0 || dir.Size < cliHeaderSize {
		return nil, ErrNoCLIHeader
	}
	b, err := p.readRVA(dir.VirtualAddress, cliHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCLIHeader, err)
	}
	return &cliHeader{
		metadataRVA:    binary.LittleEndian.Uint32(b[8:]),
		metadataSize:   binary.LittleEndian.Uint32(b[12:]),
		flags:          binary.LittleEndian.Uint32(b[16:]),
		strongNameRVA:  binary.LittleEndian.Uint32(b[32:]),
		strongNameSize: binary.LittleEndian.Uint32(b[36:]),
	}, nil
}

func (p *peImage) Close() error {
	return p.file.Close()
}
