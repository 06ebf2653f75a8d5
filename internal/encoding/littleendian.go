// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package encoding

import (
	"encoding/binary"
	"math"
)

// Append* helpers match the memory image on a little-endian host, the
// same convention internal/vkgo/rowbinary uses for ClickHouse's
// RowBinary format in the teacher this package is modeled on.

func AppendUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

func AppendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func AppendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func AppendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func AppendInt64(buf []byte, v int64) []byte {
	return AppendUint64(buf, uint64(v))
}

func AppendInt32(buf []byte, v int32) []byte {
	return AppendUint32(buf, uint32(v))
}

func AppendInt16(buf []byte, v int16) []byte {
	return AppendUint16(buf, uint16(v))
}

func AppendInt8(buf []byte, v int8) []byte {
	return AppendUint8(buf, uint8(v))
}

func AppendFloat32(buf []byte, v float32) []byte {
	return AppendUint32(buf, math.Float32bits(v))
}

func Uint16(b []byte) uint16   { return binary.LittleEndian.Uint16(b) }
func Uint32(b []byte) uint32   { return binary.LittleEndian.Uint32(b) }
func Uint64(b []byte) uint64   { return binary.LittleEndian.Uint64(b) }
func Int64(b []byte) int64     { return int64(binary.LittleEndian.Uint64(b)) }
func Float32(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
