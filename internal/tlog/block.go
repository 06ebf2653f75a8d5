// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tlog

// BlockType tags the body of every block in a TLOG file: <type:
// u8><size: varuint><body: size bytes>, with size excluding the type
// byte and the size varuint itself.
type BlockType uint8

const (
	BlockSchema                BlockType = 0x01
	BlockData                  BlockType = 0x02
	BlockIndex                 BlockType = 0x03
	BlockCompressionDictionary BlockType = 0x04
	BlockSeekMarker            BlockType = 0x05
)

// Data block flag bits (spec.md §4.2, §6).
const (
	dataFlagPreviousOffset = 1 << 0
	dataFlagTimestamp      = 1 << 1
	dataFlagChecksum       = 1 << 2
	dataFlagCompressed     = 1 << 3
	dataFlagDictionary     = 1 << 4
)

// fileMagic is the first 9 bytes of every TLOG v3 file.
var fileMagic = [9]byte{'T', 'L', 'O', 'G', '0', '0', '0', '3', 0x00}

// indexFooterMagic is the 8-byte tag at the very end of the file.
var indexFooterMagic = [8]byte{'T', 'L', 'O', 'G', 'I', 'D', 'E', 'X'}

const noFinalRecord = ^uint64(0)
