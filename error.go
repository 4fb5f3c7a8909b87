// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package dotrepro

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCompressedInteger is returned when a compressed integer starts with the
	// reserved 111xxxxx bit pattern.
	ErrInvalidCompressedInteger = errors.New("invalid compressed integer")
	// ErrTruncatedBlob is returned if a blob ends before the value being read.
	ErrTruncatedBlob = errors.New("truncated blob")
	// ErrValueTooLarge is returned when encoding a value that does not fit in 29 bits.
	ErrValueTooLarge = errors.New("value too large for compressed integer")
	// ErrUnsupportedFile is returned if the file is not a PE image.
	ErrUnsupportedFile = errors.New("unsupported file")
	// ErrNoCLIHeader is returned for PE images that carry no managed metadata.
	ErrNoCLIHeader = errors.New("no CLI header")
	// ErrInvalidMetadata is returned when the ECMA-335 metadata root or tables are malformed.
	ErrInvalidMetadata = errors.New("invalid metadata")
	// ErrNotPortablePDB is returned when a symbol stream is not a portable PDB.
	ErrNotPortablePDB = errors.New("not a portable PDB")
	// ErrNoSymbols is returned when neither an embedded nor an external portable PDB is available.
	ErrNoSymbols = errors.New("no symbols available")
	// ErrTruncatedImage is returned when a header points past the end of the image.
	ErrTruncatedImage = errors.New("truncated image")
	// ErrRVANotMapped is returned when a relative virtual address is outside every section.
	ErrRVANotMapped = errors.New("rva not mapped by any section")
	// ErrBadCodeView is returned if a CodeView debug entry does not carry an RSDS record.
	ErrBadCodeView = errors.New("invalid CodeView debug info")
	// ErrBadEmbeddedPDB is returned if an embedded portable PDB entry is malformed.
	ErrBadEmbeddedPDB = errors.New("invalid embedded portable PDB entry")
)

// DecodeError is a format violation found while decoding a single blob. It
// carries the record kind and the byte offset inside the blob.
type DecodeError struct {
	Kind   CustomDebugInfoKind
	Tag    uuid.UUID
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Kind == KindUnknown && e.Tag == uuid.Nil {
		return fmt.Sprintf("decode error at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("decode error in %s record (%s) at offset %d: %v", e.Kind, e.Tag, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// withRecord annotates err with the record it was decoded from. Errors that are
// not decode errors are wrapped into one at offset 0.
func withRecord(err error, kind CustomDebugInfoKind, tag uuid.UUID) error {
	var de *DecodeError
	if errors.As(err, &de) {
		de.Kind = kind
		de.Tag = tag
		return de
	}
	return &DecodeError{Kind: kind, Tag: tag, Err: err}
}
