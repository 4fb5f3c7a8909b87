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
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKindFromTag(t *testing.T) {
	assert := assert.New(t)
	tests := map[string]CustomDebugInfoKind{
		"B5FEEC05-8CD0-4A83-96DA-466284BB4BD8": KindCompilationOptions,
		"7E4D4708-096E-4C5C-AEDA-CB10BA6A740D": KindMetadataReferences,
		"CC110556-A091-4D38-9FEC-25AB9A351A6A": KindSourceLink,
		"0E8A571B-6926-466E-B4AD-8AB04611F5FE": KindEmbeddedSource,
		"54FD2AC5-E925-401A-9C2A-F94F171072F8": KindUnknown,
	}
	for tag, kind := range tests {
		g := uuid.MustParse(tag)
		assert.Equal(kind, KindFromTag(g), tag)
		if kind != KindUnknown {
			assert.Equal(g, kind.Tag())
		}
	}
	assert.Equal(uuid.Nil, KindUnknown.Tag())
	assert.Equal("compilation-options", KindCompilationOptions.String())
	assert.Equal("unknown", KindUnknown.String())
}

func TestDecodeEmbeddedSource(t *testing.T) {
	assert := assert.New(t)
	content := bytes.Repeat([]byte("class Program { static void Main() {} }\n"), 20)

	raw, err := decodeEmbeddedSource(embeddedSourceBlob(content, false))
	assert.NoError(err)
	assert.Equal(content, raw)

	inflated, err := decodeEmbeddedSource(embeddedSourceBlob(content, true))
	assert.NoError(err)
	assert.Equal(content, inflated)

	_, err = decodeEmbeddedSource([]byte{0xFF, 0xFF, 0xFF, 0xFF, 'x'})
	assert.Error(err)

	_, err = decodeEmbeddedSource([]byte{0x01})
	assert.ErrorIs(err, ErrTruncatedBlob)

	_, err = decodeEmbeddedSource([]byte{0x10, 0x00, 0x00, 0x00, 0x01, 0x02})
	assert.Error(err, "deflate stream shorter than the declared size")
}

func TestDecodeEmbeddedSourceDeclaredSize(t *testing.T) {
	assert := assert.New(t)

	_, err := decodeEmbeddedSource([]byte{0xFF, 0xFF, 0xFF, 0x7F, 0x01})
	var de *DecodeError
	if assert.ErrorAs(err, &de) {
		assert.Equal(4, de.Offset)
	}

	blob := embeddedSourceBlob([]byte("short"), true)
	le.PutUint32(blob, 6)
	_, err = decodeEmbeddedSource(blob)
	assert.ErrorIs(err, io.ErrUnexpectedEOF)
}
