// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package dotrepro

// DebugType is the symbol configuration an image was built with.
type DebugType int

const (
	// DebugNone means the image carries no portable PDB reference.
	DebugNone DebugType = iota
	// DebugEmbedded means the portable PDB is embedded in the image.
	DebugEmbedded
	// DebugPortableExternal means the image points to an external portable PDB.
	DebugPortableExternal
	// DebugPortableEmbedded is accepted as input by reconstruction and handled
	// like DebugEmbedded. Classify never produces it.
	DebugPortableEmbedded
)

func (t DebugType) String() string {
	switch t {
	case DebugEmbedded:
		return "embedded"
	case DebugPortableExternal:
		return "portable"
	case DebugPortableEmbedded:
		return "portable-embedded"
	}
	return "none"
}

// MarshalText implements encoding.TextMarshaler.
func (t DebugType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t DebugType) embedded() bool {
	return t == DebugEmbedded || t == DebugPortableEmbedded
}

// DebugConfiguration is the debug information configuration of an image,
// derived from its debug directory and DLL characteristics.
type DebugConfiguration struct {
	DebugType DebugType `json:"debugType"`
	// PDBPath is the CodeView path, verbatim, using the build machine's
	// path conventions.
	PDBPath               string `json:"pdbPath,omitempty"`
	HighEntropyVA         bool   `json:"highEntropyVA"`
	HasPDBChecksum        bool   `json:"hasPdbChecksum"`
	ChecksumAlgorithm     string `json:"checksumAlgorithm,omitempty"`
	HasReproducibleMarker bool   `json:"hasReproducibleMarker"`
}

// Classify derives the debug configuration from debug directory entries and
// the DLL characteristics of the optional header. An embedded PDB entry wins
// over a CodeView entry; a CodeView entry alone means an external PDB.
func Classify(entries []DebugDirectoryEntry, dllCharacteristics uint16) DebugConfiguration {
	cfg := DebugConfiguration{
		HighEntropyVA: dllCharacteristics&dllCharacteristicsHighEntropyVA != 0,
	}

	var hasEmbedded, hasCodeView bool
	for _, e := range entries {
		switch e.Type {
		case DebugDirectoryEmbeddedPortablePDB:
			hasEmbedded = true
		case DebugDirectoryCodeView:
			if !hasCodeView {
				hasCodeView = true
				if cv, err := e.CodeView(); err == nil {
					cfg.PDBPath = cv.Path
				}
			}
		case DebugDirectoryPDBChecksum:
			if !cfg.HasPDBChecksum {
				cfg.HasPDBChecksum = true
				cfg.ChecksumAlgorithm, _ = e.PDBChecksum()
			}
		case DebugDirectoryReproducible:
			cfg.HasReproducibleMarker = true
		}
	}

	switch {
	case hasEmbedded:
		cfg.DebugType = DebugEmbedded
	case hasCodeView:
		cfg.DebugType = DebugPortableExternal
	default:
		cfg.DebugType = DebugNone
	}
	return cfg
}
