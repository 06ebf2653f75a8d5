// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package muxserver implements the server side of the Multiplex framed
// serial protocol: CRC-protected frames, a register-based RPC service,
// and byte-stream tunnels multiplexed over the same link.
package muxserver

import "errors"

var (
	ErrTunnelsExhausted = errors.New("muxserver: max_tunnel_streams reached")
	ErrClosed           = errors.New("muxserver: server is closed")
	ErrBufferTooSmall   = errors.New("muxserver: buffer_size must be >= 256")
	ErrInvalidNodeID    = errors.New("muxserver: node id must be 7-bit (high bit reserved for response flag)")
)
