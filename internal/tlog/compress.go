// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tlog

import "github.com/golang/snappy"

// compressThreshold is the payload length default_compression must
// exceed before a payload is compressed; at or below it snappy's frame
// overhead isn't worth paying. Grounded on internal/receiver/prometheus/remote_write.go's
// use of github.com/golang/snappy for frame payloads.
const compressThreshold = 64

func compressPayload(dst, payload []byte) []byte {
	return snappy.Encode(dst, payload)
}

func decompressPayload(dst, payload []byte) ([]byte, error) {
	return snappy.Decode(dst, payload)
}
