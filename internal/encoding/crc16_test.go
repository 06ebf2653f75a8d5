// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package encoding

import "testing"

// TestCRC16ChecksCatalogVector pins the table-driven implementation
// against the standard CRC-16/CCITT-FALSE check value (the ASCII
// string "123456789", which every implementation of this variant is
// expected to hash to 0x29B1) -- catches a wrong polynomial, seed, or
// bit order independent of anything Multiplex-specific.
func TestCRC16ChecksCatalogVector(t *testing.T) {
	got := CRC16(CRC16Init, []byte("123456789"))
	if got != 0x29B1 {
		t.Fatalf("CRC16(%q) = %#04x, want 0x29B1", "123456789", got)
	}
}

// TestCRC16MultiplexEchoVector checks the CRC the frame codec computes
// for spec.md §8's "Multiplex echo" request, byte for byte: magic,
// source, dest, varuint size, payload, and the CRC field held at zero.
// spec.md's own worked listing for this vector has an inconsistent
// payload_size (it shows "05" against 2 literal subframe bytes), a
// typo independently confirmed against the reply side of the same
// vector; this test instead verifies against the self-consistent
// encoding internal/muxserver's frame codec actually produces --
// source=1|response bit, dest=2, a read-single-i8 subframe for
// register 0 (opcode 0x18, register varuint 0x00).
func TestCRC16MultiplexEchoVector(t *testing.T) {
	frameBody := []byte{
		0x54, 0xAB, // magic 0xAB54, little-endian
		0x81,       // source = 1 | response bit
		0x02,       // dest = 2
		0x02,       // payload_size varuint = 2
		0x18, 0x00, // payload: read single i8, register 0
		0x00, 0x00, // CRC field held at zero during computation
	}
	got := CRC16(CRC16Init, frameBody)
	if got != 0x9AC3 {
		t.Fatalf("CRC16(request frame) = %#04x, want 0x9AC3", got)
	}
}
