// Copyright 2022 V Kontakte LLC
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tlog

import "github.com/tlogmux/tlogmux/internal/xlog"

// Options configures a FileWriter. The zero value is valid and matches
// the behavior spec.md's byte-exact vectors assume (no compression, no
// checksums, no session marker).
type Options struct {
	defaultCompression bool
	includeChecksum    bool
	emitSessionMarker  bool
	logf               xlog.LoggerFunc
}

// Option follows the functional-options idiom internal/vkgo/rpc uses
// for its ServerOptions (ServerOptionsFunc func(*ServerOptions)).
type Option func(*Options)

// WithDefaultCompression snappy-compresses Data payloads larger than a
// small threshold, per spec.md §4.2.
func WithDefaultCompression(on bool) Option {
	return func(o *Options) { o.defaultCompression = on }
}

// WithChecksums sets Data block flag bit 2, storing a CRC-16 of the
// (possibly compressed) payload alongside it. Off by default -- the
// byte-exact vectors in spec.md §8 assume it is unset.
func WithChecksums(on bool) Option {
	return func(o *Options) { o.includeChecksum = on }
}

// WithSessionMarker emits a SeekMarker block (SPEC_FULL.md §3 supplement)
// immediately after the file header. Off by default so the byte-exact
// empty-log and schema-only vectors remain reproducible.
func WithSessionMarker(on bool) Option {
	return func(o *Options) { o.emitSessionMarker = on }
}

// WithLogger injects the log function Close reports a failed index
// write, flush or file close through. Defaults to xlog.NoopLogf.
func WithLogger(logf xlog.LoggerFunc) Option {
	return func(o *Options) { o.logf = logf }
}

func buildOptions(opts []Option) Options {
	o := Options{logf: xlog.NoopLogf}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logf == nil {
		o.logf = xlog.NoopLogf
	}
	return o
}
