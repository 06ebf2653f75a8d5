// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tlog

import "github.com/tlogmux/tlogmux/internal/encoding"

// indexEntry is the per-identifier record in the trailing index:
// {id, schema_offset, final_record_offset}. schemaOffset is the
// absolute byte offset of the identifier's Schema block; finalOffset is
// the absolute byte offset of the most recent Data block, or
// noFinalRecord if none has been written.
type indexEntry struct {
	id           Identifier
	schemaOffset uint64
	finalOffset  uint64
}

// encodeIndexBody serializes the index body (flags + nelements +
// entries) in identifier order, for deterministic output.
func encodeIndexBody(entries []indexEntry) []byte {
	body := make([]byte, 0, 2+len(entries)*17)
	body = encoding.AppendUint8(body, 0) // flags, always 0
	body = encoding.AppendVaruint(body, uint32(len(entries)))
	for _, e := range entries {
		body = encoding.AppendVaruint(body, uint32(e.id))
		body = encoding.AppendUint64(body, e.schemaOffset)
		body = encoding.AppendUint64(body, e.finalOffset)
	}
	return body
}
