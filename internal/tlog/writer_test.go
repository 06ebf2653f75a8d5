// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tlogmux/tlogmux/internal/encoding"
)

// decodedBlock is the test-local parse of a single <type><size><body>
// record, used to check writer output without re-deriving byte-exact
// vectors for every case.
type decodedBlock struct {
	typ  BlockType
	body []byte
}

func parseBlocks(t *testing.T, data []byte) []decodedBlock {
	t.Helper()
	require.True(t, len(data) >= len(fileMagic))
	require.Equal(t, fileMagic[:], data[:len(fileMagic)])
	rest := data[len(fileMagic):]

	var blocks []decodedBlock
	for len(rest) > 0 {
		typ := BlockType(rest[0])
		size, n, err := encoding.DecodeVaruint(rest[1:])
		require.NoError(t, err)
		require.NotZero(t, n)
		body := rest[1+n : 1+n+int(size)]
		blocks = append(blocks, decodedBlock{typ: typ, body: append([]byte{}, body...)})
		rest = rest[1+n+int(size):]
	}
	return blocks
}

func openTemp(t *testing.T, opts ...Option) (*FileWriter, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "log.tlog")
	w, err := OpenFile(path, opts...)
	require.NoError(t, err)
	return w, path
}

func TestOpenWritesFileHeader(t *testing.T) {
	w, path := openTemp(t)
	require.True(t, w.IsOpen())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, len(data) >= len(fileMagic))
	require.Equal(t, fileMagic[:], data[:len(fileMagic)])
}

func TestCloseEmptyLogIsByteExact(t *testing.T) {
	w, path := openTemp(t)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	expected := []byte{
		'T', 'L', 'O', 'G', '0', '0', '0', '3', 0x00, // file header
		0x03, 0x0E, // index block: type=Index, size=14
		0x00, 0x00, // body: flags=0, nelements=0
		0x10, 0x00, 0x00, 0x00, // footer total_size = 16
		'T', 'L', 'O', 'G', 'I', 'D', 'E', 'X', // footer magic
	}
	require.Equal(t, expected, data)
}

func TestCloseIsIdempotent(t *testing.T) {
	w, _ := openTemp(t)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.False(t, w.IsOpen())
}

func TestReserveIdentifierRejectsZeroAndDuplicates(t *testing.T) {
	w, _ := openTemp(t)
	defer w.Close()

	require.False(t, w.ReserveIdentifier("zero", 0))
	require.True(t, w.ReserveIdentifier("servo", 5))
	require.False(t, w.ReserveIdentifier("servo", 6), "name already bound")
	require.False(t, w.ReserveIdentifier("other", 5), "id already bound")
}

func TestAllocateIdentifierIsStableAndUnique(t *testing.T) {
	w, _ := openTemp(t)
	defer w.Close()

	names := []string{"imu", "servo.1", "servo.2", "gps", "battery"}
	ids := make(map[Identifier]string, len(names))
	for _, name := range names {
		id := w.AllocateIdentifier(name)
		require.NotZero(t, id)
		if existing, ok := ids[id]; ok {
			t.Fatalf("identifier %d reused for %q and %q", id, existing, name)
		}
		ids[id] = name
	}

	for _, name := range names {
		again := w.AllocateIdentifier(name)
		require.Equal(t, reverseLookup(ids, name), again)
	}
}

func reverseLookup(ids map[Identifier]string, name string) Identifier {
	for id, n := range ids {
		if n == name {
			return id
		}
	}
	return 0
}

func TestAllocateIdentifierAvoidsReservedCollisions(t *testing.T) {
	w, _ := openTemp(t)
	defer w.Close()

	require.True(t, w.ReserveIdentifier("manual", 1))
	id := w.AllocateIdentifier("auto")
	require.NotEqual(t, Identifier(1), id)
}

func TestWriteSchemaRejectsUnknownAndDuplicate(t *testing.T) {
	w, _ := openTemp(t)
	defer w.Close()

	require.ErrorIs(t, w.WriteSchema(99, []byte("x")), ErrUnknownIdentifier)

	id := w.AllocateIdentifier("imu")
	require.NoError(t, w.WriteSchema(id, []byte("schema-bytes")))
	require.ErrorIs(t, w.WriteSchema(id, []byte("again")), ErrSchemaAlreadyWritten)
}

func TestWriteSchemaBlockLayout(t *testing.T) {
	w, path := openTemp(t)

	require.True(t, w.ReserveIdentifier("servo", 5))
	require.NoError(t, w.WriteSchema(5, []byte{0xAA, 0xBB}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	require.Len(t, blocks, 2)
	require.Equal(t, BlockSchema, blocks[0].typ)

	body := blocks[0].body
	gotID, n, err := encoding.DecodeVaruint(body)
	require.NoError(t, err)
	require.EqualValues(t, 5, gotID)
	body = body[n:]
	require.Equal(t, byte(0), body[0]) // reserved flags
	body = body[1:]
	nameLen, n, err := encoding.DecodeVaruint(body)
	require.NoError(t, err)
	body = body[n:]
	require.EqualValues(t, len("servo"), nameLen)
	require.Equal(t, "servo", string(body[:nameLen]))
	body = body[nameLen:]
	require.Equal(t, []byte{0xAA, 0xBB}, body)

	require.Equal(t, BlockIndex, blocks[1].typ)
}

func TestWriteDataRequiresKnownIdentifier(t *testing.T) {
	w, _ := openTemp(t)
	defer w.Close()
	require.ErrorIs(t, w.WriteData(time.Now(), 42, []byte("x")), ErrUnknownIdentifier)
}

func TestWriteDataBlockLayoutUncompressed(t *testing.T) {
	w, path := openTemp(t)
	id := w.AllocateIdentifier("imu")
	ts := time.UnixMicro(1234567890)
	payload := []byte("small-payload")
	require.NoError(t, w.WriteData(ts, id, payload))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	require.Len(t, blocks, 2)
	require.Equal(t, BlockData, blocks[0].typ)

	body := blocks[0].body
	gotID, n, err := encoding.DecodeVaruint(body)
	require.NoError(t, err)
	require.Equal(t, uint32(id), gotID)
	body = body[n:]

	flags := body[0]
	require.NotZero(t, flags&dataFlagPreviousOffset)
	require.NotZero(t, flags&dataFlagTimestamp)
	require.Zero(t, flags&dataFlagCompressed)
	require.Zero(t, flags&dataFlagChecksum)
	body = body[1:]

	prevOffset, n, err := encoding.DecodeVaruint(body)
	require.NoError(t, err)
	require.Zero(t, prevOffset, "first record has no predecessor")
	body = body[n:]

	gotTS := encoding.Int64(body[:8])
	require.Equal(t, ts.UnixMicro(), gotTS)
	body = body[8:]

	require.Equal(t, payload, body)
}

func TestWriteDataCompressesLargePayloads(t *testing.T) {
	w, path := openTemp(t, WithDefaultCompression(true))
	id := w.AllocateIdentifier("blob")
	payload := make([]byte, compressThreshold+128)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	require.NoError(t, w.WriteData(time.Now(), id, payload))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	body := blocks[0].body
	_, n, err := encoding.DecodeVaruint(body)
	require.NoError(t, err)
	body = body[n:]
	flags := body[0]
	require.NotZero(t, flags&dataFlagCompressed)
}

func TestWriteDataChainsPreviousOffset(t *testing.T) {
	w, path := openTemp(t)
	id := w.AllocateIdentifier("imu")
	require.NoError(t, w.WriteData(time.Now(), id, []byte("first")))
	require.NoError(t, w.WriteData(time.Now(), id, []byte("second")))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	require.Len(t, blocks, 3)

	secondBody := blocks[1].body
	_, n, err := encoding.DecodeVaruint(secondBody)
	require.NoError(t, err)
	secondBody = secondBody[n+1:] // skip id, flags
	prevOffset, _, err := encoding.DecodeVaruint(secondBody)
	require.NoError(t, err)
	require.NotZero(t, prevOffset, "second record must chain to the first")
}

func TestWriteDictionaryAllocatesDenseIDs(t *testing.T) {
	w, path := openTemp(t)
	id1, err := w.WriteDictionary([]byte("dict-one"))
	require.NoError(t, err)
	id2, err := w.WriteDictionary([]byte("dict-two"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), id1)
	require.Equal(t, uint32(2), id2)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	require.Equal(t, BlockCompressionDictionary, blocks[0].typ)
	require.Equal(t, BlockCompressionDictionary, blocks[1].typ)
}

func TestWriteDataWithDictionarySetsFlagAndID(t *testing.T) {
	w, path := openTemp(t)
	dictID, err := w.WriteDictionary([]byte("shared-dictionary-bytes"))
	require.NoError(t, err)
	id := w.AllocateIdentifier("telemetry")
	require.NoError(t, w.WriteDataWithDictionary(time.Now(), id, []byte("payload"), dictID))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	dataBlock := blocks[1]
	require.Equal(t, BlockData, dataBlock.typ)

	body := dataBlock.body
	_, n, err := encoding.DecodeVaruint(body)
	require.NoError(t, err)
	body = body[n:]
	flags := body[0]
	require.NotZero(t, flags&dataFlagDictionary)
	body = body[1:]
	gotDictID, _, err := encoding.DecodeVaruint(body)
	require.NoError(t, err)
	require.Equal(t, dictID, gotDictID)
}

func TestGetBufferWriteBlockRoundTrip(t *testing.T) {
	w, path := openTemp(t)
	buf := w.GetBuffer()
	buf.WriteU8(1).WriteU16(2).WriteU32(3).WriteF32(4.5)
	require.NoError(t, w.WriteBlock(BlockSchema, buf))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	require.Equal(t, BlockSchema, blocks[0].typ)
	require.Len(t, blocks[0].body, 1+2+4+4)
}

func TestChecksumFlagAndCRC(t *testing.T) {
	w, path := openTemp(t, WithChecksums(true))
	id := w.AllocateIdentifier("imu")
	payload := []byte("checksummed-payload")
	require.NoError(t, w.WriteData(time.Now(), id, payload))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	body := blocks[0].body
	_, n, err := encoding.DecodeVaruint(body)
	require.NoError(t, err)
	body = body[n:]
	flags := body[0]
	require.NotZero(t, flags&dataFlagChecksum)
	body = body[1:]
	prevOffset, n, err := encoding.DecodeVaruint(body)
	require.NoError(t, err)
	_ = prevOffset
	body = body[n:]
	body = body[8:] // timestamp
	gotCRC := encoding.Uint16(body[:2])
	body = body[2:]
	require.Equal(t, encoding.CRC16(encoding.CRC16Init, payload), gotCRC)
	require.Equal(t, payload, body)
}

func TestSessionMarkerBlockIsFirst(t *testing.T) {
	w, path := openTemp(t, WithSessionMarker(true))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	require.Equal(t, BlockSeekMarker, blocks[0].typ)
	require.Len(t, blocks[0].body, 16+8) // uuid + u64 offset
}

func TestStatsCountBlocksAndBytes(t *testing.T) {
	w, _ := openTemp(t)
	id := w.AllocateIdentifier("imu")
	require.NoError(t, w.WriteSchema(id, []byte("schema")))
	require.NoError(t, w.WriteData(time.Now(), id, []byte("payload")))

	stats := w.Stats()
	require.Equal(t, uint64(2), stats.BlocksWritten)
	require.NotZero(t, stats.BytesWritten)
	require.Equal(t, uint64(1), stats.IdentifiersAllocated)

	require.NoError(t, w.Close())
}

func TestOpenTwiceFails(t *testing.T) {
	w, path := openTemp(t)
	defer w.Close()
	require.ErrorIs(t, w.Open(path), ErrAlreadyOpen)
}

func TestFinalizerFlushesUnclosedWriter(t *testing.T) {
	w, path := openTemp(t)
	id := w.AllocateIdentifier("imu")
	require.NoError(t, w.WriteSchema(id, []byte("schema")))

	// Simulate the GC invoking the finalizer without an explicit Close,
	// the same completion path Open registers via runtime.SetFinalizer.
	finalizeFileWriter(w)
	require.False(t, w.IsOpen())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	blocks := parseBlocks(t, data)
	require.Equal(t, BlockSchema, blocks[0].typ)
	require.Equal(t, BlockIndex, blocks[1].typ)
}
