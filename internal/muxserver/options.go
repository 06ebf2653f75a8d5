// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package muxserver

import "github.com/tlogmux/tlogmux/internal/xlog"

// Options configures a Server, mirroring the functional-options idiom
// internal/vkgo/rpc uses for ServerOptionsFunc.
type Options struct {
	bufferSize       int
	maxTunnelStreams int
	defaultID        uint8
	logf             xlog.LoggerFunc
}

type Option func(*Options)

// WithBufferSize sets the largest frame payload the decoder accepts
// and the largest response it will build. Must be >= 256.
func WithBufferSize(n int) Option {
	return func(o *Options) { o.bufferSize = n }
}

// WithMaxTunnelStreams caps how many distinct channels MakeTunnel will
// hand out before returning ErrTunnelsExhausted.
func WithMaxTunnelStreams(n int) Option {
	return func(o *Options) { o.maxTunnelStreams = n }
}

// WithDefaultID sets the node ID used the first time the server runs
// against an empty persisted-config store.
func WithDefaultID(id uint8) Option {
	return func(o *Options) { o.defaultID = id }
}

// WithLogger sets the log function frame- and subframe-level faults
// (checksum mismatches, overruns, unknown opcodes) are reported through.
// Defaults to xlog.NoopLogf.
func WithLogger(logf xlog.LoggerFunc) Option {
	return func(o *Options) { o.logf = logf }
}

func buildOptions(opts []Option) Options {
	o := Options{
		bufferSize:       256,
		maxTunnelStreams: 1,
		defaultID:        1,
		logf:             xlog.NoopLogf,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logf == nil {
		o.logf = xlog.NoopLogf
	}
	return o
}
