// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package dotrepro

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	peMagic        = []byte{0x4d, 0x5a}
	maxMagicBufLen = 2
)

// Open opens a managed PE image and returns a handle to it.
func Open(filePath string) (*Assembly, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, maxMagicBufLen)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		f.Close()
		return nil, err
	}
	if n < maxMagicBufLen || !fileMagicMatch(buf, peMagic) {
		f.Close()
		return nil, ErrUnsupportedFile
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	a, err := NewAssembly(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	a.Path = filePath
	return a, nil
}

// NewAssembly reads a managed PE image of the given size from r.
func NewAssembly(r io.ReaderAt, size int64) (*Assembly, error) {
	img, err := openPE(r, size)
	if err != nil {
		return nil, err
	}
	cli, err := img.cliHeader()
	if err != nil {
		return nil, err
	}
	raw, err := img.readRVA(cli.metadataRVA, cli.metadataSize)
	if err != nil {
		return nil, fmt.Errorf("error when reading metadata: %w", err)
	}
	md, err := parseMetadata(raw)
	if err != nil {
		return nil, err
	}

	a := &Assembly{
		Image: img.info,
		size:  size,
		img:   img,
		r:     r,
		md:    md,
	}
	a.Image.StrongNameSigned = cli.flags&cliFlagStrongNameSigned != 0
	if err := a.readIdentity(); err != nil {
		return nil, err
	}
	a.getDebugDirectory = sync.OnceValues(img.debugDirectory)
	return a, nil
}

// Assembly is a managed PE image.
type Assembly struct {
	// Path is the file the assembly was opened from, if any.
	Path string
	// Name is the assembly name, or the module name for a module without a
	// manifest.
	Name string
	// ModuleName is the file name recorded in the Module table.
	ModuleName string
	Version    string
	MVID       uuid.UUID
	Image      ImageInfo

	size int64
	img  *peImage
	r    io.ReaderAt
	md   *metadata

	getDebugDirectory func() ([]DebugDirectoryEntry, error)
}

func (a *Assembly) readIdentity() error {
	if a.md.RowCount(tableModule) > 0 {
		mod, err := a.md.readRow(tableModule, 1)
		if err != nil {
			return err
		}
		a.ModuleName = a.md.String(mod[1])
		a.MVID = a.md.GUID(mod[2])
	}
	if a.md.RowCount(tableAssembly) > 0 {
		asm, err := a.md.readRow(tableAssembly, 1)
		if err != nil {
			return err
		}
		a.Version = fmt.Sprintf("%d.%d.%d.%d", asm[1], asm[2], asm[3], asm[4])
		a.Name = a.md.String(asm[7])
	}
	if a.Name == "" {
		a.Name = trimExtension(a.ModuleName)
	}
	return nil
}

// Size returns the size of the image in bytes.
func (a *Assembly) Size() int64 {
	return a.size
}

// DebugDirectory returns the debug directory entries of the image.
func (a *Assembly) DebugDirectory() ([]DebugDirectoryEntry, error) {
	return a.getDebugDirectory()
}

// DebugConfiguration classifies the debug directory of the image.
func (a *Assembly) DebugConfiguration() (DebugConfiguration, error) {
	entries, err := a.DebugDirectory()
	if err != nil {
		return DebugConfiguration{}, err
	}
	return Classify(entries, a.Image.DllCharacteristics), nil
}

// EmbeddedPDB returns the portable PDB embedded in the image. If the image
// has no embedded PDB entry, ErrNoSymbols is returned.
func (a *Assembly) EmbeddedPDB() (*PortablePDB, error) {
	entries, err := a.DebugDirectory()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type != DebugDirectoryEmbeddedPortablePDB {
			continue
		}
		data, err := e.EmbeddedPDB()
		if err != nil {
			return nil, err
		}
		return ParsePortablePDB(data)
	}
	return nil, ErrNoSymbols
}

// Close releases the file handle.
func (a *Assembly) Close() error {
	err := a.img.Close()
	if cerr := tryClose(a.r); err == nil {
		err = cerr
	}
	return err
}

func fileMagicMatch(buf, magic []byte) bool {
	return bytes.HasPrefix(buf, magic)
}

func trimExtension(name string) string {
	for _, ext := range []string{".dll", ".exe", ".netmodule", ".winmd"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}
