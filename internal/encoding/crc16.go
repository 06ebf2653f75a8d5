// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package encoding

// CRC-16/CCITT-FALSE: polynomial 0x1021, initial value 0xFFFF, no input
// or output reflection, no final XOR. The Multiplex frame checksum and
// the TLOG writer's optional per-block checksum both use this table,
// mirroring the table-driven crc32.Castagnoli use in
// internal/vkgo/rpc/packetconn.go and internal/agent/disk_cache.go.
var crc16Table = makeCRC16Table()

func makeCRC16Table() [256]uint16 {
	const poly = 0x1021
	var table [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// CRC16 computes CRC-16/CCITT-FALSE over data, starting from seed. Pass
// 0xFFFF as seed for a fresh computation, or chain partial buffers by
// threading the running value through repeated calls.
func CRC16(seed uint16, data []byte) uint16 {
	crc := seed
	for _, b := range data {
		crc = (crc << 8) ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// CRC16Init is the initial value the CCITT-false variant requires.
const CRC16Init uint16 = 0xFFFF
