// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package dotrepro

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"
)

var le = binary.LittleEndian

func mustBytes(bb *BlobBuilder) []byte {
	b, err := bb.Bytes()
	if err != nil {
		panic(err)
	}
	return b
}

// testMetadata assembles an ECMA-335 metadata root. Heaps and tables are
// kept small so every index is two bytes wide.
type testMetadata struct {
	strings []byte
	blobs   []byte
	guids   []byte
	rows    map[int][][]uint32
	pdbID   []byte
}

func newTestMetadata() *testMetadata {
	return &testMetadata{
		strings: []byte{0},
		blobs:   []byte{0},
		rows:    make(map[int][][]uint32),
	}
}

func (m *testMetadata) str(s string) uint32 {
	if s == "" {
		return 0
	}
	i := len(m.strings)
	m.strings = append(append(m.strings, s...), 0)
	return uint32(i)
}

func (m *testMetadata) blob(b []byte) uint32 {
	var bb BlobBuilder
	bb.AddCompressedUint(uint32(len(b)))
	bb.AddBytes(b)
	i := len(m.blobs)
	m.blobs = append(m.blobs, mustBytes(&bb)...)
	return uint32(i)
}

func (m *testMetadata) guid(u uuid.UUID) uint32 {
	m.guids = append(m.guids, guidToBytes(u)...)
	return uint32(len(m.guids) / 16)
}

func (m *testMetadata) documentName(name string) uint32 {
	var bb BlobBuilder
	bb.AddByte('/')
	for _, part := range strings.Split(name, "/") {
		bb.AddCompressedUint(m.blob([]byte(part)))
	}
	return m.blob(mustBytes(&bb))
}

func (m *testMetadata) addRow(table int, cols ...uint32) {
	if len(cols) != len(tableSchema[table]) {
		panic(fmt.Sprintf("table %#x takes %d columns, got %d", table, len(tableSchema[table]), len(cols)))
	}
	m.rows[table] = append(m.rows[table], cols)
}

func (m *testMetadata) bytes() []byte {
	var tables []int
	var valid uint64
	for t := range m.rows {
		tables = append(tables, t)
		valid |= 1 << t
	}
	sort.Ints(tables)

	var ts bytes.Buffer
	binary.Write(&ts, le, uint32(0))
	ts.Write([]byte{2, 0, 0, 1})
	binary.Write(&ts, le, valid)
	binary.Write(&ts, le, uint64(0))
	for _, t := range tables {
		binary.Write(&ts, le, uint32(len(m.rows[t])))
	}
	for _, t := range tables {
		for _, row := range m.rows[t] {
			for i, c := range tableSchema[t] {
				if c.kind == colFixed4 {
					binary.Write(&ts, le, row[i])
				} else {
					binary.Write(&ts, le, uint16(row[i]))
				}
			}
		}
	}

	type stream struct {
		name string
		data []byte
	}
	var streams []stream
	if m.pdbID != nil {
		var p bytes.Buffer
		p.Write(m.pdbID)
		binary.Write(&p, le, uint32(0))
		binary.Write(&p, le, uint64(0))
		streams = append(streams, stream{"#Pdb", p.Bytes()})
	}
	streams = append(streams,
		stream{"#~", ts.Bytes()},
		stream{"#Strings", m.strings},
		stream{"#GUID", m.guids},
		stream{"#Blob", m.blobs},
	)

	version := make([]byte, 12)
	copy(version, "v4.0.30319")

	offset := 16 + len(version) + 4
	for _, s := range streams {
		offset += 8 + roundUp4(len(s.name)+1)
	}

	var out bytes.Buffer
	binary.Write(&out, le, uint32(metadataSignature))
	binary.Write(&out, le, uint16(1))
	binary.Write(&out, le, uint16(1))
	binary.Write(&out, le, uint32(0))
	binary.Write(&out, le, uint32(len(version)))
	out.Write(version)
	binary.Write(&out, le, uint16(0))
	binary.Write(&out, le, uint16(len(streams)))
	for _, s := range streams {
		binary.Write(&out, le, uint32(offset))
		binary.Write(&out, le, uint32(len(s.data)))
		name := make([]byte, roundUp4(len(s.name)+1))
		copy(name, s.name)
		out.Write(name)
		offset += roundUp4(len(s.data))
	}
	for _, s := range streams {
		out.Write(s.data)
		out.Write(make([]byte, roundUp4(len(s.data))-len(s.data)))
	}
	return out.Bytes()
}

type testAssembly struct {
	name       string
	version    [4]uint32
	mvid       uuid.UUID
	types      int
	methods    int
	fields     int
	properties int
	events     int
}

func (ta testAssembly) metadata() []byte {
	m := newTestMetadata()
	m.addRow(tableModule, 0, m.str(ta.name+".dll"), m.guid(ta.mvid), 0, 0)
	m.addRow(tableAssembly, 0x8004, ta.version[0], ta.version[1], ta.version[2], ta.version[3], 0, 0, m.str(ta.name), 0)
	for i := 0; i < ta.types; i++ {
		m.addRow(tableTypeDef, 0, m.str(fmt.Sprintf("Type%d", i)), m.str("Test"), 0, 1, 1)
	}
	for i := 0; i < ta.methods; i++ {
		m.addRow(tableMethodDef, 0, 0, 0, m.str(fmt.Sprintf("Method%d", i)), 0, 1)
	}
	for i := 0; i < ta.fields; i++ {
		m.addRow(tableField, 0, m.str(fmt.Sprintf("field%d", i)), 0)
	}
	for i := 0; i < ta.properties; i++ {
		m.addRow(tableProperty, 0, m.str(fmt.Sprintf("Property%d", i)), 0)
	}
	for i := 0; i < ta.events; i++ {
		m.addRow(tableEvent, 0, m.str(fmt.Sprintf("Event%d", i)), 0)
	}
	return m.bytes()
}

type testEmbeddedSource struct {
	document int
	value    []byte
}

type testPDB struct {
	id         uuid.UUID
	options    []byte
	references []byte
	sourceLink []byte
	unknown    bool
	documents  []string
	embedded   []testEmbeddedSource
}

var testUnknownTag = uuid.MustParse("a7c5c4b6-0f3e-4e55-9d54-1f6b3a7d9e01")

func (tp testPDB) bytes() []byte {
	m := newTestMetadata()
	m.pdbID = append(guidToBytes(tp.id), 1, 0, 0, 0)
	for _, d := range tp.documents {
		m.addRow(tableDocument, m.documentName(d), 0, 0, m.guid(languageCSharp))
	}
	if tp.unknown {
		m.addRow(tableCustomDebugInformation, moduleParent, m.guid(testUnknownTag), m.blob([]byte{1, 2, 3}))
	}
	if tp.options != nil {
		m.addRow(tableCustomDebugInformation, moduleParent, m.guid(tagCompilationOptions), m.blob(tp.options))
	}
	if tp.references != nil {
		m.addRow(tableCustomDebugInformation, moduleParent, m.guid(tagMetadataReferences), m.blob(tp.references))
	}
	if tp.sourceLink != nil {
		m.addRow(tableCustomDebugInformation, moduleParent, m.guid(tagSourceLink), m.blob(tp.sourceLink))
	}
	for _, e := range tp.embedded {
		parent := encodeCodedIndex(codedHasCustomDebugInformation, tableDocument, uint32(e.document+1))
		m.addRow(tableCustomDebugInformation, parent, m.guid(tagEmbeddedSource), m.blob(e.value))
	}
	return m.bytes()
}

func embeddedSourceBlob(content []byte, compress bool) []byte {
	var buf bytes.Buffer
	if !compress {
		binary.Write(&buf, le, int32(0))
		buf.Write(content)
		return buf.Bytes()
	}
	binary.Write(&buf, le, int32(len(content)))
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		panic(err)
	}
	w.Write(content)
	w.Close()
	return buf.Bytes()
}

type testDebugEntry struct {
	typ  DebugDirectoryType
	data []byte
}

func codeViewEntry(id uuid.UUID, path string) testDebugEntry {
	var buf bytes.Buffer
	binary.Write(&buf, le, uint32(rsdsSignature))
	buf.Write(guidToBytes(id))
	binary.Write(&buf, le, uint32(1))
	buf.WriteString(path)
	buf.WriteByte(0)
	return testDebugEntry{DebugDirectoryCodeView, buf.Bytes()}
}

func embeddedPDBEntry(pdb []byte) testDebugEntry {
	var buf bytes.Buffer
	binary.Write(&buf, le, uint32(mpdbSignature))
	binary.Write(&buf, le, uint32(len(pdb)))
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		panic(err)
	}
	w.Write(pdb)
	w.Close()
	return testDebugEntry{DebugDirectoryEmbeddedPortablePDB, buf.Bytes()}
}

func checksumEntry(alg string, sum []byte) testDebugEntry {
	data := append([]byte(alg), 0)
	return testDebugEntry{DebugDirectoryPDBChecksum, append(data, sum...)}
}

func reproEntry() testDebugEntry {
	return testDebugEntry{typ: DebugDirectoryReproducible}
}

const (
	testSectionRVA    = 0x2000
	testSectionOffset = 0x200
	testFileAlignment = 0x200
)

// testImage assembles a PE32 image with a single section holding the CLI
// header, the metadata, the debug directory and the debug entry payloads.
type testImage struct {
	metadata  []byte
	entries   []testDebugEntry
	dllChars  uint16
	timestamp uint32
	signed    bool
	noCLI     bool
}

func roundUpTo(n, align int) int {
	return (n + align - 1) / align * align
}

func (ti testImage) bytes() []byte {
	var sec bytes.Buffer
	pad := func() {
		for sec.Len()%4 != 0 {
			sec.WriteByte(0)
		}
	}

	var mdRVA uint32
	if !ti.noCLI {
		sec.Write(make([]byte, cliHeaderSize))
		mdRVA = testSectionRVA + uint32(sec.Len())
		sec.Write(ti.metadata)
		pad()
	}
	debugRVA := testSectionRVA + uint32(sec.Len())
	dirOff := sec.Len()
	sec.Write(make([]byte, len(ti.entries)*debugDirectoryEntrySize))
	dataOff := make([]int, len(ti.entries))
	for i, e := range ti.entries {
		dataOff[i] = sec.Len()
		sec.Write(e.data)
		pad()
	}
	if sec.Len() == 0 {
		sec.Write(make([]byte, 16))
	}

	b := sec.Bytes()
	if !ti.noCLI {
		le.PutUint32(b[0:], cliHeaderSize)
		le.PutUint16(b[4:], 2)
		le.PutUint16(b[6:], 5)
		le.PutUint32(b[8:], mdRVA)
		le.PutUint32(b[12:], uint32(len(ti.metadata)))
		flags := uint32(1)
		if ti.signed {
			flags |= cliFlagStrongNameSigned
		}
		le.PutUint32(b[16:], flags)
	}
	for i, e := range ti.entries {
		d := b[dirOff+i*debugDirectoryEntrySize:]
		le.PutUint32(d[4:], ti.timestamp)
		le.PutUint32(d[12:], uint32(e.typ))
		le.PutUint32(d[16:], uint32(len(e.data)))
		if len(e.data) > 0 {
			le.PutUint32(d[20:], testSectionRVA+uint32(dataOff[i]))
			le.PutUint32(d[24:], testSectionOffset+uint32(dataOff[i]))
		}
	}
	rawSize := roundUpTo(len(b), testFileAlignment)

	oh := pe.OptionalHeader32{
		Magic:               0x10b,
		SectionAlignment:    0x2000,
		FileAlignment:       testFileAlignment,
		SizeOfImage:         uint32(testSectionRVA + roundUpTo(len(b), 0x2000)),
		SizeOfHeaders:       testSectionOffset,
		Subsystem:           3,
		DllCharacteristics:  ti.dllChars,
		NumberOfRvaAndSizes: 16,
	}
	if len(ti.entries) > 0 {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG] = pe.DataDirectory{
			VirtualAddress: debugRVA,
			Size:           uint32(len(ti.entries) * debugDirectoryEntrySize),
		}
	}
	if !ti.noCLI {
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = pe.DataDirectory{
			VirtualAddress: testSectionRVA,
			Size:           cliHeaderSize,
		}
	}
	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     1,
		TimeDateStamp:        ti.timestamp,
		SizeOfOptionalHeader: uint16(binary.Size(oh)),
		Characteristics:      0x2102,
	}
	var name [8]uint8
	copy(name[:], ".text")
	sh := pe.SectionHeader32{
		Name:             name,
		VirtualSize:      uint32(len(b)),
		VirtualAddress:   testSectionRVA,
		SizeOfRawData:    uint32(rawSize),
		PointerToRawData: testSectionOffset,
		Characteristics:  0x60000020,
	}

	var out bytes.Buffer
	dos := make([]byte, 0x80)
	dos[0], dos[1] = 'M', 'Z'
	le.PutUint32(dos[0x3c:], 0x80)
	out.Write(dos)
	out.WriteString("PE\x00\x00")
	binary.Write(&out, le, fh)
	binary.Write(&out, le, oh)
	binary.Write(&out, le, sh)
	out.Write(make([]byte, testSectionOffset-out.Len()))
	out.Write(b)
	out.Write(make([]byte, rawSize-len(b)))
	return out.Bytes()
}

func newTestAssembly(t *testing.T, ti testImage) *Assembly {
	t.Helper()
	data := ti.bytes()
	a, err := NewAssembly(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return a
}

func writeTestFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}
