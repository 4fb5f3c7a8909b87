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

	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// MaxCompressedUint is the largest value representable by an ECMA-335
	// compressed unsigned integer.
	MaxCompressedUint = 0x1FFFFFFF

	compressed1ByteLimit = 0x80
	compressed2ByteLimit = 0x4000
)

// BlobReader reads ECMA-335 encoded values from a byte slice. Reads never
// backtrack and a failed read does not advance the cursor.
type BlobReader struct {
	s    cryptobyte.String
	size int
}

// NewBlobReader returns a reader positioned at the start of b.
func NewBlobReader(b []byte) *BlobReader {
	return &BlobReader{s: cryptobyte.String(b), size: len(b)}
}

// Offset returns the current cursor position.
func (r *BlobReader) Offset() int {
	return r.size - len(r.s)
}

// Len returns the number of unread bytes.
func (r *BlobReader) Len() int {
	return len(r.s)
}

// Empty reports whether all bytes have been consumed.
func (r *BlobReader) Empty() bool {
	return r.s.Empty()
}

func (r *BlobReader) fail(err error) error {
	return &DecodeError{Offset: r.Offset(), Err: err}
}

// ReadCompressedUint reads a 1, 2 or 4 byte compressed unsigned integer.
func (r *BlobReader) ReadCompressedUint() (uint32, error) {
	if r.s.Empty() {
		return 0, r.fail(ErrTruncatedBlob)
	}
	lead := r.s[0]
	switch {
	case lead&0x80 == 0:
		var v uint8
		r.s.ReadUint8(&v)
		return uint32(v), nil
	case lead&0xC0 == 0x80:
		var v uint16
		if !r.s.ReadUint16(&v) {
			return 0, r.fail(ErrTruncatedBlob)
		}
		return uint32(v & 0x3FFF), nil
	case lead&0xE0 == 0xC0:
		var v uint32
		if !r.s.ReadUint32(&v) {
			return 0, r.fail(ErrTruncatedBlob)
		}
		return v & MaxCompressedUint, nil
	}
	return 0, r.fail(ErrInvalidCompressedInteger)
}

// ReadCompressedString reads a compressed length followed by that many bytes of UTF-8.
func (r *BlobReader) ReadCompressedString() (string, error) {
	start := r.Offset()
	n, err := r.ReadCompressedUint()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	var b []byte
	if !r.s.ReadBytes(&b, int(n)) {
		return "", &DecodeError{Offset: start, Err: ErrTruncatedBlob}
	}
	return string(b), nil
}

// ReadByte reads a single byte.
func (r *BlobReader) ReadByte() (byte, error) {
	var v uint8
	if !r.s.ReadUint8(&v) {
		return 0, r.fail(ErrTruncatedBlob)
	}
	return v, nil
}

// ReadBytes reads exactly n bytes. The returned slice aliases the input.
func (r *BlobReader) ReadBytes(n int) ([]byte, error) {
	var b []byte
	if n < 0 || !r.s.ReadBytes(&b, n) {
		return nil, r.fail(ErrTruncatedBlob)
	}
	return b, nil
}

// ReadInt32 reads a little-endian 32-bit signed integer.
func (r *BlobReader) ReadInt32() (int32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// ReadGUID reads a 16 byte GUID stored in the .NET mixed-endian layout.
func (r *BlobReader) ReadGUID() (uuid.UUID, error) {
	b, err := r.ReadBytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	return guidFromBytes(b), nil
}

// BlobBuilder encodes values in the ECMA-335 blob format using the shortest
// compressed integer representation.
type BlobBuilder struct {
	b cryptobyte.Builder
}

// AddCompressedUint appends v as a compressed unsigned integer.
func (bb *BlobBuilder) AddCompressedUint(v uint32) {
	switch {
	case v < compressed1ByteLimit:
		bb.b.AddUint8(uint8(v))
	case v < compressed2ByteLimit:
		bb.b.AddUint16(uint16(v) | 0x8000)
	case v <= MaxCompressedUint:
		bb.b.AddUint32(v | 0xC0000000)
	default:
		bb.b.SetError(ErrValueTooLarge)
	}
}

// AddCompressedString appends the compressed length of s followed by its bytes.
func (bb *BlobBuilder) AddCompressedString(s string) {
	bb.AddCompressedUint(uint32(len(s)))
	bb.b.AddBytes([]byte(s))
}

// AddByte appends a single byte.
func (bb *BlobBuilder) AddByte(v byte) {
	bb.b.AddUint8(v)
}

// AddBytes appends raw bytes.
func (bb *BlobBuilder) AddBytes(v []byte) {
	bb.b.AddBytes(v)
}

// AddInt32 appends a little-endian 32-bit signed integer.
func (bb *BlobBuilder) AddInt32(v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	bb.b.AddBytes(tmp[:])
}

// AddGUID appends g in the .NET mixed-endian layout.
func (bb *BlobBuilder) AddGUID(g uuid.UUID) {
	bb.b.AddBytes(guidToBytes(g))
}

// Bytes returns the encoded blob or the first error recorded while building.
func (bb *BlobBuilder) Bytes() ([]byte, error) {
	return bb.b.Bytes()
}

// guidFromBytes converts a GUID in the Windows layout (Data1..Data3 little-endian)
// to its RFC 4122 byte order.
func guidFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

func guidToBytes(u uuid.UUID) []byte {
	b := make([]byte, 16)
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:], u[8:])
	return b
}
